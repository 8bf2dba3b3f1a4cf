// Package tailer follows *.log files under a directory tree and writes every new
// line to a *slog.Logger.
package tailer

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/hpcloud/tail"
)

const maxIdleCheckInterval = time.Second

type Config struct {
	LogRootPath   string
	ScanInterval  time.Duration
	Workers       int
	FileQueueSize int
	NodeName      string
	// If > 0, stop tailing a file after this period without new lines. The file
	// is picked up again, from where it was left, by a later scan.
	FileIdleTimeout time.Duration
	// ReadFromStart makes newly discovered files be read from the beginning
	// instead of from their current end.
	ReadFromStart bool
	// Logger receives the tailer's own diagnostics. Defaults to slog.Default().
	Logger *slog.Logger
}

type Service struct {
	config    Config
	lines     *slog.Logger
	logger    *slog.Logger
	fileQueue chan string
	metrics   *Metrics

	workersWg     sync.WaitGroup
	subServicesWg sync.WaitGroup
	ctx           context.Context
	cancel        context.CancelFunc
	stopOnce      sync.Once

	mu      sync.Mutex
	seen    map[string]struct{}
	claimed map[string]struct{}
	offsets map[string]int64
}

// New creates a tailer that writes each line it reads to lines at info level.
func New(ctx context.Context, config Config, lines *slog.Logger) *Service {
	if config.Workers <= 0 {
		config.Workers = 1
	}
	if config.FileQueueSize <= 0 {
		config.FileQueueSize = config.Workers
	}
	if config.ScanInterval <= 0 {
		config.ScanInterval = 30 * time.Second
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	nCtx, cancel := context.WithCancel(ctx)

	return &Service{
		config:    config,
		lines:     lines,
		logger:    config.Logger.With("component", "tailer"),
		fileQueue: make(chan string, config.FileQueueSize),
		metrics: &Metrics{
			stats: Stats{FilesQueueCapacity: config.FileQueueSize},
		},
		ctx:     nCtx,
		cancel:  cancel,
		seen:    make(map[string]struct{}),
		claimed: make(map[string]struct{}),
		offsets: make(map[string]int64),
	}
}

// Start launches the scanner and config.Workers workers.
func (s *Service) Start() {
	s.logger.Info("starting tailer",
		"root", s.config.LogRootPath, "workers", s.config.Workers, "queue_size", s.config.FileQueueSize)

	for i := 0; i < s.config.Workers; i++ {
		s.workersWg.Add(1)
		go s.worker(i)
	}

	s.subServicesWg.Add(1)
	go s.scanner()
}

// Stop cancels all tails and waits for the workers to exit. It is safe to call
// more than once.
func (s *Service) Stop() {
	s.stopOnce.Do(func() {
		s.logger.Info("stopping tailer")
		s.cancel()

		s.subServicesWg.Wait()

		close(s.fileQueue)
		s.workersWg.Wait()

		s.logger.Info("tailer stopped")
	})
}

func (s *Service) Stats() Stats {
	return s.metrics.Stats()
}

func (s *Service) Metrics() *Metrics {
	return s.metrics
}

func (s *Service) worker(id int) {
	defer s.workersWg.Done()

	for {
		select {
		case filePath, ok := <-s.fileQueue:
			if !ok {
				return
			}
			s.metrics.DecQueuedFiles()
			s.processFile(s.ctx, id, filePath)

		case <-s.ctx.Done():
			return
		}
	}
}

// processFile follows one file until the service stops or the file goes idle.
func (s *Service) processFile(ctx context.Context, workerID int, filePath string) {
	defer s.release(filePath)
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("file processing panicked", "worker", workerID, "file", filePath, "panic", r)
			s.metrics.IncFilesFailed()
		}
	}()

	t, err := tail.TailFile(filePath, tail.Config{
		Follow:   true,
		ReOpen:   true,
		Poll:     true,
		Location: s.location(filePath),
		Logger:   tail.DiscardingLogger,
	})
	if err != nil {
		s.logger.Warn("failed to tail file", "file", filePath, "err", err)
		s.metrics.IncFilesFailed()
		return
	}
	defer closeTail(t)

	s.metrics.IncFilesTailing()
	defer s.metrics.DecFilesTailing()

	attrs := s.extractLabels(filePath)

	checkTicker := time.NewTicker(s.idleCheckInterval())
	defer checkTicker.Stop()

	lastActivity := time.Now()

	for {
		select {
		case line := <-t.Lines:
			if line == nil {
				continue
			}
			if line.Err != nil {
				s.logger.Debug("error reading file", "file", filePath, "err", line.Err)
				continue
			}

			s.lines.LogAttrs(ctx, slog.LevelInfo, line.Text, attrs...)
			s.metrics.IncLines()
			lastActivity = time.Now()

		case <-checkTicker.C:
			if s.config.FileIdleTimeout > 0 && time.Since(lastActivity) > s.config.FileIdleTimeout {
				s.saveOffset(t, filePath)
				s.metrics.IncFilesReleased()
				s.logger.Debug("released idle file", "file", filePath)
				return
			}

		case <-ctx.Done():
			return
		}
	}
}

// closeTail stops t without waiting on it: the tail goroutine may be blocked
// handing over a line nobody reads anymore, so Lines is drained until it closes.
func closeTail(t *tail.Tail) {
	t.Kill(nil)
	go func() {
		for range t.Lines {
		}
	}()
	t.Cleanup()
}

func (s *Service) idleCheckInterval() time.Duration {
	if s.config.FileIdleTimeout > 0 && s.config.FileIdleTimeout/2 < maxIdleCheckInterval {
		return s.config.FileIdleTimeout / 2
	}
	return maxIdleCheckInterval
}

// location resumes a released file where it was left; new files start at the end
// unless ReadFromStart is set.
func (s *Service) location(filePath string) *tail.SeekInfo {
	s.mu.Lock()
	offset, ok := s.offsets[filePath]
	s.mu.Unlock()

	if ok {
		if info, err := os.Stat(filePath); err == nil && info.Size() >= offset {
			return &tail.SeekInfo{Offset: offset, Whence: io.SeekStart}
		}
		return &tail.SeekInfo{Offset: 0, Whence: io.SeekStart}
	}
	if s.config.ReadFromStart {
		return &tail.SeekInfo{Offset: 0, Whence: io.SeekStart}
	}
	return &tail.SeekInfo{Offset: 0, Whence: io.SeekEnd}
}

func (s *Service) saveOffset(t *tail.Tail, filePath string) {
	offset, err := t.Tell()
	if err != nil {
		s.logger.Debug("failed to read file offset", "file", filePath, "err", err)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.offsets[filePath] = offset
}

func (s *Service) release(filePath string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.claimed, filePath)
}

func (s *Service) scanner() {
	defer s.subServicesWg.Done()

	s.scanFiles()

	ticker := time.NewTicker(s.config.ScanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.scanFiles()

		case <-s.ctx.Done():
			return
		}
	}
}

// scanFiles queues every discovered file that no worker holds yet.
func (s *Service) scanFiles() {
	files, err := s.discoverLogFiles()
	if err != nil {
		s.logger.Warn("failed to discover log files", "err", err)
		return
	}

	for _, file := range files {
		if !s.claim(file) {
			continue
		}

		select {
		case s.fileQueue <- file:
			s.metrics.IncQueuedFiles()

		case <-s.ctx.Done():
			s.release(file)
			return

		default:
			s.release(file)
			s.logger.Warn("file queue full, skipping",
				"queued", len(s.fileQueue), "capacity", cap(s.fileQueue), "file", file)
		}
	}
}

func (s *Service) claim(file string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.seen[file]; !ok {
		s.seen[file] = struct{}{}
		s.metrics.IncFilesDiscovered()
	}
	if _, ok := s.claimed[file]; ok {
		return false
	}
	s.claimed[file] = struct{}{}
	return true
}

func (s *Service) discoverLogFiles() ([]string, error) {
	var logFiles []string

	err := filepath.Walk(s.config.LogRootPath, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			s.logger.Debug("failed to access path", "path", path, "err", err)
			return nil
		}

		if !info.IsDir() && strings.HasSuffix(info.Name(), ".log") {
			logFiles = append(logFiles, path)
		}
		return nil
	})

	return logFiles, err
}

// extractLabels describes where a line came from. Files laid out like
// <root>/<namespace>_<pod>_<uid>/<container>/<file> also get Kubernetes labels.
func (s *Service) extractLabels(filePath string) []slog.Attr {
	attrs := []slog.Attr{
		slog.String("node", s.config.NodeName),
		slog.String("file", filepath.Base(filePath)),
	}

	rel, err := filepath.Rel(s.config.LogRootPath, filePath)
	if err != nil {
		return attrs
	}
	parts := strings.Split(filepath.ToSlash(rel), "/")
	if len(parts) < 3 {
		return attrs
	}

	podParts := strings.Split(parts[0], "_")
	if len(podParts) >= 3 {
		attrs = append(attrs,
			slog.String("namespace", podParts[0]),
			slog.String("pod", strings.Join(podParts[1:len(podParts)-1], "_")),
			slog.String("pod_uid", podParts[len(podParts)-1]),
		)
	}
	return append(attrs, slog.String("container", parts[1]))
}
