package drain

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	recordsDesc = prometheus.NewDesc(
		"logtail_drain_records_total",
		"Log records handled by the drain, by outcome.",
		[]string{"outcome"}, nil,
	)
	batchesDesc = prometheus.NewDesc(
		"logtail_drain_batches_total",
		"Batches handed to the sender, by outcome.",
		[]string{"outcome"}, nil,
	)
	flushesDesc = prometheus.NewDesc(
		"logtail_drain_flushes_total",
		"Flush passes run by the drain loop.",
		nil, nil,
	)
	flushDurationDesc = prometheus.NewDesc(
		"logtail_drain_last_flush_duration_seconds",
		"Duration of the most recent flush pass.",
		nil, nil,
	)
	queueLengthDesc = prometheus.NewDesc(
		"logtail_drain_queue_length",
		"Log records waiting in the drain queue.",
		nil, nil,
	)
)

// Stamp is a point-in-time copy of the drain counters.
type Stamp struct {
	RecordsEnqueued   int
	RecordsRejected   int
	RecordsSent       int
	RecordsDropped    int
	BatchesSent       int
	BatchesFailed     int
	Flushes           int
	LastFlushDuration time.Duration
	QueueLength       int
}

// Metrics counts drain activity. It implements prometheus.Collector.
type Metrics struct {
	mu       sync.RWMutex
	stamp    Stamp
	queueLen func() int
}

func newMetrics(queueLen func() int) *Metrics {
	return &Metrics{queueLen: queueLen}
}

func (m *Metrics) incEnqueued() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stamp.RecordsEnqueued++
}

func (m *Metrics) incRejected() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stamp.RecordsRejected++
}

func (m *Metrics) addBatch(size int, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ok {
		m.stamp.BatchesSent++
		m.stamp.RecordsSent += size
		return
	}
	m.stamp.BatchesFailed++
	m.stamp.RecordsDropped += size
}

func (m *Metrics) observeFlush(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stamp.Flushes++
	m.stamp.LastFlushDuration = d
}

func (m *Metrics) Stamp() Stamp {
	m.mu.RLock()
	s := m.stamp
	m.mu.RUnlock()

	if m.queueLen != nil {
		s.QueueLength = m.queueLen()
	}
	return s
}

func (m *Metrics) Describe(ch chan<- *prometheus.Desc) {
	ch <- recordsDesc
	ch <- batchesDesc
	ch <- flushesDesc
	ch <- flushDurationDesc
	ch <- queueLengthDesc
}

func (m *Metrics) Collect(ch chan<- prometheus.Metric) {
	s := m.Stamp()

	for outcome, n := range map[string]int{
		"enqueued": s.RecordsEnqueued,
		"rejected": s.RecordsRejected,
		"sent":     s.RecordsSent,
		"dropped":  s.RecordsDropped,
	} {
		ch <- prometheus.MustNewConstMetric(recordsDesc, prometheus.CounterValue, float64(n), outcome)
	}
	ch <- prometheus.MustNewConstMetric(batchesDesc, prometheus.CounterValue, float64(s.BatchesSent), "sent")
	ch <- prometheus.MustNewConstMetric(batchesDesc, prometheus.CounterValue, float64(s.BatchesFailed), "failed")
	ch <- prometheus.MustNewConstMetric(flushesDesc, prometheus.CounterValue, float64(s.Flushes))
	ch <- prometheus.MustNewConstMetric(flushDurationDesc, prometheus.GaugeValue, s.LastFlushDuration.Seconds())
	ch <- prometheus.MustNewConstMetric(queueLengthDesc, prometheus.GaugeValue, float64(s.QueueLength))
}
