// Package drain buffers log records from any number of goroutines and hands them
// to a logging.Sender in bounded batches on a steady period.
package drain

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/Chichichkin/LogtailAgent/internal/logging"
)

type Drain struct {
	ctx    context.Context
	cancel context.CancelFunc
	sender logging.Sender
	config logging.Config
	logger *slog.Logger

	queue   queue
	wake    chan struct{}
	done    chan struct{}
	metrics *Metrics

	// gate orders Enqueue against Stop: no push lands after Stop has cancelled.
	gate     sync.RWMutex
	flushMu  sync.Mutex
	stopOnce sync.Once
}

// New creates a drain and starts its delivery loop. Cancelling ctx has the same
// effect as Stop.
func New(ctx context.Context, sender logging.Sender, config logging.Config) *Drain {
	d := newDrain(ctx, sender, config)
	go d.run()
	return d
}

func newDrain(ctx context.Context, sender logging.Sender, config logging.Config) *Drain {
	if ctx == nil {
		ctx = context.Background()
	}
	config = config.WithDefaults()
	nCtx, cancel := context.WithCancel(ctx)

	d := &Drain{
		ctx:    nCtx,
		cancel: cancel,
		sender: sender,
		config: config,
		logger: config.Logger.With("component", "drain"),
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	d.metrics = newMetrics(d.queue.len)
	return d
}

// Enqueue adds a log to the queue; it will be delivered later in a batch. It fails
// with logging.ErrDrainClosed once Stop has been called.
// The log's context is snapshotted before Enqueue returns, so the caller may keep
// mutating whatever it passed in.
func (d *Drain) Enqueue(log logging.Log) error {
	if d.ctx.Err() != nil {
		d.metrics.incRejected()
		return logging.ErrDrainClosed
	}
	log = log.Clone()

	d.gate.RLock()
	if d.ctx.Err() != nil {
		d.gate.RUnlock()
		d.metrics.incRejected()
		return logging.ErrDrainClosed
	}
	n := d.queue.push(log)
	d.gate.RUnlock()
	d.metrics.incEnqueued()

	if n >= d.config.MaxBatchSize {
		select {
		case d.wake <- struct{}{}:
		default:
		}
	}
	return nil
}

// Stop ends periodic delivery and waits until every queued log has been flushed.
// It is safe to call more than once and from several goroutines. If ctx ends
// first, Stop returns its error and the drain keeps flushing in the background.
// A nil ctx waits without a deadline.
func (d *Drain) Stop(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	d.stopOnce.Do(func() {
		d.gate.Lock()
		defer d.gate.Unlock()
		d.cancel()
	})

	select {
	case <-d.done:
		// picks up logs pushed after the loop's last pass, e.g. when the
		// parent context was cancelled before Stop was called
		d.flush()
		return nil
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), "drain did not finish flushing")
	}
}

// Done is closed once the delivery loop has flushed and exited.
func (d *Drain) Done() <-chan struct{} {
	return d.done
}

func (d *Drain) Len() int {
	return d.queue.len()
}

func (d *Drain) Metrics() *Metrics {
	return d.metrics
}

func (d *Drain) run() {
	defer close(d.done)

	nextDelay := d.config.FlushPeriod
	for {
		d.sleep(nextDelay)

		// read before flushing: a stop that lands mid-flush buys one more pass
		stopping := d.ctx.Err() != nil

		start := time.Now()
		d.flush()
		flushDuration := time.Since(start)
		d.metrics.observeFlush(flushDuration)

		if stopping {
			d.logger.Debug("drain stopped")
			return
		}
		nextDelay = d.config.FlushPeriod - flushDuration
	}
}

// sleep waits for delay, returning early when the drain is stopped or the queue
// holds a full batch.
func (d *Drain) sleep(delay time.Duration) {
	if delay <= 0 {
		return
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-timer.C:
	case <-d.wake:
	case <-d.ctx.Done():
	}
}

func (d *Drain) flush() {
	d.flushMu.Lock()
	defer d.flushMu.Unlock()

	// in-flight sends finish their retries even when the drain is stopping
	sendCtx := context.WithoutCancel(d.ctx)

	for d.queue.len() > 0 {
		batch := d.queue.popN(d.config.MaxBatchSize)
		if len(batch) == 0 {
			continue
		}

		ok := d.send(sendCtx, batch)
		d.metrics.addBatch(len(batch), ok)
		if !ok {
			d.logger.Warn("batch was not delivered, dropping it", "batch_size", len(batch))
		}
	}
}

func (d *Drain) send(ctx context.Context, batch []logging.Log) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("sender panicked", "batch_size", len(batch), "panic", r)
			ok = false
		}
	}()
	return d.sender.Send(ctx, batch)
}
