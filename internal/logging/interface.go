package logging

import (
	"context"
	"log/slog"
	"time"

	"github.com/pkg/errors"
)

// ErrDrainClosed is returned by Enqueue once the drain has been asked to stop.
var ErrDrainClosed = errors.New("drain is closed")

const (
	DefaultFlushPeriod  = 250 * time.Millisecond
	DefaultMaxBatchSize = 1000
)

// Log is a single event shipped to the ingestion endpoint.
type Log struct {
	Timestamp time.Time
	Message   string
	Level     string
	Context   map[string]any
}

// NewLog returns a Log stamped with the current time.
func NewLog(level, message string, context map[string]any) Log {
	return Log{
		Timestamp: time.Now(),
		Message:   message,
		Level:     level,
		Context:   context,
	}
}

// Clone returns a copy of l whose context is a sanitized snapshot. Nothing in the
// copy refers back to memory the caller may still write to.
func (l Log) Clone() Log {
	if l.Context == nil {
		return l
	}
	ctx, _ := Sanitize(l.Context).(map[string]any)
	l.Context = ctx
	return l
}

// Enqueuer accepts logs for asynchronous delivery.
type Enqueuer interface {
	Enqueue(log Log) error
}

// Sender delivers one batch. It reports whether the batch eventually got through;
// failures are never returned as errors.
type Sender interface {
	Send(ctx context.Context, batch []Log) bool
}

type Config struct {
	FlushPeriod  time.Duration
	MaxBatchSize int
	Logger       *slog.Logger
}

// WithDefaults fills zero fields.
func (c Config) WithDefaults() Config {
	if c.FlushPeriod <= 0 {
		c.FlushPeriod = DefaultFlushPeriod
	}
	if c.MaxBatchSize <= 0 {
		c.MaxBatchSize = DefaultMaxBatchSize
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}
