// Package monitor implements real-time protection: a watch set of
// directories observed through fsnotify, an event filter, a priority scan
// queue and a pool of workers that feed the threat engine and quarantine
// high-severity hits automatically.
package monitor

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/BlackVectorOps/hostguard/internal/archive"
	"github.com/BlackVectorOps/hostguard/pkg/detection"
	"github.com/BlackVectorOps/hostguard/pkg/models"
)

// Config tunes a Monitor. Zero values select the defaults.
type Config struct {
	Workers                int
	ScanDelay              time.Duration
	AutoQuarantineSeverity int
	// ScanArchives routes archive extensions through the container walker.
	ScanArchives bool
}

// Monitor owns one watch goroutine and a fixed worker pool. It borrows the
// engine; it never owns it.
type Monitor struct {
	engine   *detection.Engine
	archives *archive.Scanner
	logger   *slog.Logger
	cfg      Config

	watcher *fsnotify.Watcher
	queue   *scanQueue

	mu      sync.Mutex // guards watched
	watched []string

	realTime      atomic.Bool
	threatCB      atomic.Pointer[models.ThreatCallback]
	skippedEvents atomic.Uint64
	scannedCount  atomic.Uint64

	stopOnce sync.Once
	stopped  atomic.Bool
	done     chan struct{}
	wg       sync.WaitGroup
}

// New starts the watch goroutine and the worker pool. The monitor begins
// with an empty watch set and real-time protection enabled.
func New(engine *detection.Engine, cfg Config, logger *slog.Logger) (*Monitor, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if cfg.Workers <= 0 {
		cfg.Workers = models.DefaultMonitorWorkers
	}
	if cfg.ScanDelay <= 0 {
		cfg.ScanDelay = models.DefaultScanDelay
	}
	if cfg.AutoQuarantineSeverity <= 0 {
		cfg.AutoQuarantineSeverity = models.AutoQuarantineSeverity
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}

	m := &Monitor{
		engine:  engine,
		logger:  logger,
		cfg:     cfg,
		watcher: watcher,
		queue:   newScanQueue(),
		done:    make(chan struct{}),
	}
	if cfg.ScanArchives {
		m.archives = archive.NewScanner(engine, logger, 0, 0)
	}
	m.realTime.Store(true)

	m.wg.Add(1)
	go m.watchLoop()
	for i := 0; i < cfg.Workers; i++ {
		m.wg.Add(1)
		go m.worker()
	}

	logger.Info("file monitor started", "workers", cfg.Workers)
	return m, nil
}

// -- Watch set --

// AddWatch registers dir (and its current subdirectories) for observation.
// Adding an already-watched directory is a no-op.
func (m *Monitor) AddWatch(dir string) error {
	if m.stopped.Load() {
		return models.ErrShutdown
	}

	abs, err := filepath.Abs(filepath.Clean(dir))
	if err != nil {
		return fmt.Errorf("failed to canonicalize %s: %w", dir, err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return fmt.Errorf("cannot watch %s: %w", dir, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("cannot watch %s: not a directory", dir)
	}

	m.mu.Lock()
	for _, w := range m.watched {
		if w == abs {
			m.mu.Unlock()
			return nil
		}
	}
	m.watched = append(m.watched, abs)
	m.mu.Unlock()

	// fsnotify watches are not recursive; register the current subtree and
	// pick up future directories from their Create events.
	err = filepath.WalkDir(abs, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if werr := m.watcher.Add(path); werr != nil {
				m.logger.Warn("failed to watch subdirectory", "path", path, "error", werr)
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to register watch subtree: %w", err)
	}

	m.logger.Info("watch path added", "path", abs)
	return nil
}

// RemoveWatch unregisters a directory previously added with AddWatch.
func (m *Monitor) RemoveWatch(dir string) error {
	abs, err := filepath.Abs(filepath.Clean(dir))
	if err != nil {
		return fmt.Errorf("failed to canonicalize %s: %w", dir, err)
	}

	m.mu.Lock()
	idx := -1
	for i, w := range m.watched {
		if w == abs {
			idx = i
			break
		}
	}
	if idx < 0 {
		m.mu.Unlock()
		return fmt.Errorf("%w: watch path %s", models.ErrNotFound, dir)
	}
	m.watched = append(m.watched[:idx], m.watched[idx+1:]...)
	m.mu.Unlock()

	if err := m.watcher.Remove(abs); err != nil {
		m.logger.Warn("failed to remove watch", "path", abs, "error", err)
	}
	m.logger.Info("watch path removed", "path", abs)
	return nil
}

// Watched returns the watch set in insertion order.
func (m *Monitor) Watched() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.watched))
	copy(out, m.watched)
	return out
}

// -- Control --

// EnableRealTime toggles event processing without tearing down watches.
func (m *Monitor) EnableRealTime(enabled bool) {
	old := m.realTime.Swap(enabled)
	if old != enabled {
		m.logger.Info("real-time protection toggled", "enabled", enabled)
	}
}

// RealTimeEnabled reports the protection flag.
func (m *Monitor) RealTimeEnabled() bool { return m.realTime.Load() }

// SetThreatCallback installs the callback invoked for every detection.
// Passing nil clears it.
func (m *Monitor) SetThreatCallback(cb models.ThreatCallback) {
	if cb == nil {
		m.threatCB.Store(nil)
		return
	}
	m.threatCB.Store(&cb)
}

// SkippedEvents counts filtered events that never reached the queue.
func (m *Monitor) SkippedEvents() uint64 { return m.skippedEvents.Load() }

// ScannedCount counts requests fully processed by workers.
func (m *Monitor) ScannedCount() uint64 { return m.scannedCount.Load() }

// QueueLen reports the number of pending scan requests.
func (m *Monitor) QueueLen() int { return m.queue.Len() }

// Shutdown stops event intake, wakes and joins all workers, then closes
// the platform watcher. It is idempotent and safe to call from callbacks.
func (m *Monitor) Shutdown() {
	m.stopOnce.Do(func() {
		m.stopped.Store(true)
		close(m.done)
		m.queue.Close()
		m.wg.Wait()
		m.watcher.Close()
		m.logger.Info("file monitor stopped")
	})
}

// -- Watch goroutine --

func (m *Monitor) watchLoop() {
	defer m.wg.Done()
	for {
		select {
		case <-m.done:
			return
		case ev, ok := <-m.watcher.Events:
			if !ok {
				return
			}
			m.handleEvent(ev)
		case err, ok := <-m.watcher.Errors:
			if !ok {
				return
			}
			m.logger.Error("watcher error", "error", err)
		}
	}
}

func (m *Monitor) handleEvent(ev fsnotify.Event) {
	if !m.realTime.Load() {
		return
	}
	// A rename lands as a Create for the new name, which is exactly the
	// treatment the pipeline wants.
	if !ev.Op.Has(fsnotify.Create) && !ev.Op.Has(fsnotify.Write) {
		return
	}

	if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
		if ev.Op.Has(fsnotify.Create) {
			if err := m.watcher.Add(ev.Name); err != nil {
				m.logger.Warn("failed to watch new directory", "path", ev.Name, "error", err)
			}
		}
		return
	}

	if ShouldSkipPath(ev.Name) {
		m.skippedEvents.Add(1)
		return
	}

	if m.queue.Enqueue(ev.Name, ScanPriority(ev.Name)) {
		m.logger.Debug("queued file for scan", "path", ev.Name)
	}
}

// -- Workers --

func (m *Monitor) worker() {
	defer m.wg.Done()
	for {
		req, ok := m.queue.Dequeue()
		if !ok {
			return
		}
		m.processRequest(req)
	}
}

func (m *Monitor) processRequest(req scanRequest) {
	// Give the writer a moment to finish before touching the file.
	select {
	case <-m.done:
		return
	case <-time.After(m.cfg.ScanDelay):
	}

	if _, err := os.Stat(req.path); err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			m.logger.Debug("stat failed for queued file", "path", req.path, "error", err)
		}
		return
	}

	verdict := m.engine.ScanFile(req.path)
	m.scannedCount.Add(1)
	if verdict.Threat {
		m.handleThreat(verdict)
	}

	if m.archives != nil && archive.IsArchivePath(req.path) {
		report, err := m.archives.Scan(req.path)
		if err != nil {
			m.logger.Debug("archive scan failed", "path", req.path, "error", err)
			return
		}
		m.handleArchiveReport(req.path, report)
	}
}

func (m *Monitor) handleThreat(v models.Verdict) {
	m.logger.Warn("THREAT DETECTED",
		"path", v.FilePath, "threat", v.ThreatName, "severity", v.Severity)

	if v.Severity >= m.cfg.AutoQuarantineSeverity {
		if _, err := m.engine.Quarantine(v.FilePath, v.ThreatName); err != nil {
			m.logger.Error("auto-quarantine failed", "path", v.FilePath, "error", err)
		} else {
			m.logger.Info("high-severity threat quarantined", "path", v.FilePath)
		}
	}

	// The callback fires regardless of the quarantine outcome and outside
	// every monitor lock.
	if cb := m.threatCB.Load(); cb != nil {
		(*cb)(v)
	}
}

// handleArchiveReport surfaces nested threats. The container itself is
// quarantined when any member crosses the auto-quarantine bar, because a
// member cannot be removed from the archive in place.
func (m *Monitor) handleArchiveReport(path string, report archive.Report) {
	worst := 0
	var walk func(archive.Report)
	walk = func(r archive.Report) {
		for _, fr := range r.Files {
			if fr.Scanned && fr.Verdict.Threat {
				if fr.Verdict.Severity > worst {
					worst = fr.Verdict.Severity
				}
				if cb := m.threatCB.Load(); cb != nil {
					(*cb)(fr.Verdict)
				}
			}
		}
		for _, nested := range r.Nested {
			walk(nested)
		}
	}
	walk(report)

	if worst >= m.cfg.AutoQuarantineSeverity {
		if _, err := m.engine.Quarantine(path, "Archive.Contains.Threat"); err != nil &&
			!errors.Is(err, os.ErrNotExist) {
			m.logger.Error("archive auto-quarantine failed", "path", path, "error", err)
		}
	}
}
