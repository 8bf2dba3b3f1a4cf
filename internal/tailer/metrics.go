package tailer

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	filesDesc = prometheus.NewDesc(
		"logtail_tailer_files_total",
		"Log files seen by the tailer, by outcome.",
		[]string{"outcome"}, nil,
	)
	tailingDesc = prometheus.NewDesc(
		"logtail_tailer_files_tailing",
		"Log files currently being followed.",
		nil, nil,
	)
	queuedDesc = prometheus.NewDesc(
		"logtail_tailer_files_queued",
		"Log files waiting for a free worker.",
		nil, nil,
	)
	linesDesc = prometheus.NewDesc(
		"logtail_tailer_lines_total",
		"Lines read from log files and handed to the logger.",
		nil, nil,
	)
)

type Stats struct {
	FilesDiscovered    int
	FilesReleased      int
	FilesFailed        int
	FilesTailing       int
	QueuedFiles        int
	FilesQueueCapacity int
	Lines              int
}

// GetQueueUsage returns the fill ratio of the file queue.
func (s Stats) GetQueueUsage() float64 {
	if s.FilesQueueCapacity == 0 {
		return 0
	}
	return float64(s.QueuedFiles) / float64(s.FilesQueueCapacity)
}

// Metrics counts tailer activity. It implements prometheus.Collector.
type Metrics struct {
	mu    sync.RWMutex
	stats Stats
}

func (m *Metrics) IncFilesDiscovered() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stats.FilesDiscovered++
}

func (m *Metrics) IncFilesReleased() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stats.FilesReleased++
}

func (m *Metrics) IncFilesFailed() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stats.FilesFailed++
}

func (m *Metrics) IncFilesTailing() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stats.FilesTailing++
}

func (m *Metrics) DecFilesTailing() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stats.FilesTailing--
}

func (m *Metrics) IncQueuedFiles() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stats.QueuedFiles++
}

func (m *Metrics) DecQueuedFiles() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stats.QueuedFiles--
}

func (m *Metrics) IncLines() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stats.Lines++
}

func (m *Metrics) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.stats
}

func (m *Metrics) Describe(ch chan<- *prometheus.Desc) {
	ch <- filesDesc
	ch <- tailingDesc
	ch <- queuedDesc
	ch <- linesDesc
}

func (m *Metrics) Collect(ch chan<- prometheus.Metric) {
	s := m.Stats()

	ch <- prometheus.MustNewConstMetric(filesDesc, prometheus.CounterValue, float64(s.FilesDiscovered), "discovered")
	ch <- prometheus.MustNewConstMetric(filesDesc, prometheus.CounterValue, float64(s.FilesReleased), "released")
	ch <- prometheus.MustNewConstMetric(filesDesc, prometheus.CounterValue, float64(s.FilesFailed), "failed")
	ch <- prometheus.MustNewConstMetric(tailingDesc, prometheus.GaugeValue, float64(s.FilesTailing))
	ch <- prometheus.MustNewConstMetric(queuedDesc, prometheus.GaugeValue, float64(s.QueuedFiles))
	ch <- prometheus.MustNewConstMetric(linesDesc, prometheus.CounterValue, float64(s.Lines))
}
