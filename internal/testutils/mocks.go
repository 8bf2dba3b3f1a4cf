package testutils

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/Chichichkin/LogtailAgent/internal/logging"
)

// MockSender records every batch it is given.
type MockSender struct {
	mu          sync.Mutex
	Batches     [][]logging.Log
	SendTimes   []time.Time
	ShouldFail  bool
	ShouldPanic bool
	Delay       time.Duration
}

func (m *MockSender) Send(ctx context.Context, batch []logging.Log) bool {
	m.mu.Lock()
	m.SendTimes = append(m.SendTimes, time.Now())
	delay, fail, panics := m.Delay, m.ShouldFail, m.ShouldPanic
	m.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}
	if panics {
		panic("mock send panicked")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.Batches = append(m.Batches, append([]logging.Log(nil), batch...))
	return !fail
}

func (m *MockSender) SetFail(fail bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ShouldFail = fail
}

func (m *MockSender) GetSentBatches() [][]logging.Log {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([][]logging.Log(nil), m.Batches...)
}

func (m *MockSender) GetSendTimes() []time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]time.Time(nil), m.SendTimes...)
}

// SentLogs flattens all recorded batches in send order.
func (m *MockSender) SentLogs() []logging.Log {
	var logs []logging.Log
	for _, batch := range m.GetSentBatches() {
		logs = append(logs, batch...)
	}
	return logs
}

// MockEnqueuer collects logs in memory.
type MockEnqueuer struct {
	mu     sync.Mutex
	Logs   []logging.Log
	Closed bool
}

func (m *MockEnqueuer) Enqueue(log logging.Log) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.Closed {
		return logging.ErrDrainClosed
	}
	m.Logs = append(m.Logs, log)
	return nil
}

func (m *MockEnqueuer) GetLogs() []logging.Log {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]logging.Log(nil), m.Logs...)
}

func CreateTempLogStructure(t *testing.T) string {
	tempDir := t.TempDir()

	structure := map[string]string{
		"default_pod-1_uid123/container-1/app.log":          "log content 1\nline 2\n",
		"default_pod-1_uid123/container-2/app.log":          "log content 2\nerror log\n",
		"kube-system_pod-2_uid456/container/app.log":        "log content 3\ninfo message\n",
		"default_pod-3_uid789/container/app.log":            "log content 4\n",
		"monitoring_pod-4_uid101/grafana/grafana.log":       "grafana starting\n",
		"monitoring_pod-4_uid101/prometheus/prometheus.log": "prometheus ready\n",
		"monitoring_pod-4_uid101/prometheus/notes.txt":      "not a log\n",
	}

	for path, content := range structure {
		fullPath := filepath.Join(tempDir, path)
		dir := filepath.Dir(fullPath)

		if err := os.MkdirAll(dir, 0755); err != nil {
			t.Fatalf("Failed to create directory %s: %v", dir, err)
		}

		if err := os.WriteFile(fullPath, []byte(content), 0644); err != nil {
			t.Fatalf("Failed to write file %s: %v", fullPath, err)
		}
	}

	return tempDir
}
