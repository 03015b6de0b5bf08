// Package scanner is the on-demand scan orchestrator: it resolves a scan
// kind to a target list, traverses targets while honoring exclusions,
// extension filters, size caps and cancellation, and reports progress and
// threats through injected callbacks.
package scanner

import (
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/BlackVectorOps/hostguard/internal/archive"
	"github.com/BlackVectorOps/hostguard/pkg/detection"
	"github.com/BlackVectorOps/hostguard/pkg/models"
)

// countConcurrency bounds the parallel pre-count across targets.
const countConcurrency = 4

// Config carries the policy lists the scan kinds expand to. All lists are
// optional; an empty list makes the corresponding kind a no-op.
type Config struct {
	// SystemPaths backs ScanSystem: the curated system directories.
	SystemPaths []string
	// QuickPaths backs ScanQuick: hot user and program directories.
	QuickPaths []string
	// FullPaths backs ScanFull: every fixed and removable volume root.
	FullPaths []string
	// Options are the per-file decision defaults.
	Options models.ScanOptions
	// ScanArchives routes archive extensions through the container walker.
	ScanArchives bool
}

// Orchestrator executes one scan at a time, synchronously or in a single
// background goroutine.
type Orchestrator struct {
	engine   *detection.Engine
	archives *archive.Scanner
	logger   *slog.Logger
	cfg      Config

	scanning atomic.Bool
	cancel   atomic.Bool

	progressCB atomic.Pointer[models.ProgressCallback]
	threatCB   atomic.Pointer[models.ThreatCallback]

	mu             sync.Mutex // guards stats, threats, lastResult
	stats          models.ScanStatistics
	estimatedTotal uint64
	threats        []models.Verdict
	lastResult     models.ScanResult

	asyncWG sync.WaitGroup
}

// New builds an orchestrator around a borrowed engine.
func New(engine *detection.Engine, cfg Config, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if cfg.Options.MaxFileSize <= 0 {
		cfg.Options.MaxFileSize = models.MaxScanSize
	}
	if cfg.Options.Exclusions == nil {
		cfg.Options.Exclusions = DefaultExclusions()
	}
	o := &Orchestrator{
		engine: engine,
		logger: logger,
		cfg:    cfg,
	}
	if cfg.ScanArchives {
		o.archives = archive.NewScanner(engine, logger, 0, 0)
	}
	return o
}

// DefaultExclusions lists path prefixes no scan should descend into:
// component stores, paging files, the recycle bin and volume bookkeeping.
func DefaultExclusions() []string {
	return []string{
		`C:\Windows\WinSxS`,
		`C:\Windows\Servicing`,
		`C:\System Volume Information`,
		`C:\$Recycle.Bin`,
		`C:\hiberfil.sys`,
		`C:\pagefile.sys`,
		`C:\swapfile.sys`,
		"/proc",
		"/sys",
		"/dev",
	}
}

// -- Public surface --

// Scan runs a scan of the given kind synchronously and returns its result
// together with every threat verdict found.
func (o *Orchestrator) Scan(kind models.ScanKind, targets []string) (models.ScanResult, []models.Verdict) {
	if !o.scanning.CompareAndSwap(false, true) {
		return models.ResultFailed, nil
	}
	defer o.scanning.Store(false)
	return o.run(kind, targets)
}

// StartAsync launches a scan in a background goroutine. It reports false
// when a scan is already in progress.
func (o *Orchestrator) StartAsync(kind models.ScanKind, targets []string) bool {
	if !o.scanning.CompareAndSwap(false, true) {
		return false
	}
	o.asyncWG.Add(1)
	go func() {
		defer o.asyncWG.Done()
		defer o.scanning.Store(false)
		result, _ := o.run(kind, targets)
		o.logger.Info("async scan finished", "kind", kind.String(), "result", result.String())
	}()
	return true
}

// Cancel requests a stop at the next file boundary. In-flight per-file
// scans complete. Safe to call from callbacks and when idle.
func (o *Orchestrator) Cancel() {
	o.cancel.Store(true)
}

// Wait blocks until a running async scan finishes. Used by shutdown paths.
func (o *Orchestrator) Wait() {
	o.asyncWG.Wait()
}

// IsScanning reports whether a scan is in progress.
func (o *Orchestrator) IsScanning() bool { return o.scanning.Load() }

// Statistics returns a snapshot of the current (or last) scan's counters.
func (o *Orchestrator) Statistics() models.ScanStatistics {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.stats
}

// LastResult returns the terminal result of the most recent scan.
func (o *Orchestrator) LastResult() models.ScanResult {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.lastResult
}

// Threats returns the verdicts accumulated by the current or last scan.
func (o *Orchestrator) Threats() []models.Verdict {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]models.Verdict, len(o.threats))
	copy(out, o.threats)
	return out
}

// SetProgressCallback installs the per-file progress callback; nil clears.
func (o *Orchestrator) SetProgressCallback(cb models.ProgressCallback) {
	if cb == nil {
		o.progressCB.Store(nil)
		return
	}
	o.progressCB.Store(&cb)
}

// SetThreatCallback installs the threat callback; nil clears.
func (o *Orchestrator) SetThreatCallback(cb models.ThreatCallback) {
	if cb == nil {
		o.threatCB.Store(nil)
		return
	}
	o.threatCB.Store(&cb)
}

// -- Scan execution --

func (o *Orchestrator) run(kind models.ScanKind, targets []string) (models.ScanResult, []models.Verdict) {
	o.cancel.Store(false)
	resolved := o.targetsFor(kind, targets)

	o.mu.Lock()
	o.stats = models.ScanStatistics{StartTime: time.Now()}
	o.estimatedTotal = 0
	o.threats = nil
	o.mu.Unlock()

	o.logger.Info("scan started", "kind", kind.String(), "targets", len(resolved))

	o.preCount(resolved)

	final := models.ResultSuccess
	for _, target := range resolved {
		if o.cancel.Load() {
			final = models.ResultCancelled
			break
		}
		result := o.scanTarget(target)
		if result == models.ResultCancelled {
			final = models.ResultCancelled
			break
		}
		final = worseOf(final, result)
	}

	o.mu.Lock()
	o.stats.EndTime = time.Now()
	if final != models.ResultCancelled {
		o.stats.ProgressPercent = 100
	}
	o.lastResult = final
	stats := o.stats
	threats := make([]models.Verdict, len(o.threats))
	copy(threats, o.threats)
	o.mu.Unlock()

	o.logger.Info("scan complete",
		"kind", kind.String(),
		"result", final.String(),
		"scanned", stats.ScannedFiles,
		"skipped", stats.SkippedFiles,
		"threats", stats.ThreatsFound,
		"duration", stats.EndTime.Sub(stats.StartTime))
	return final, threats
}

func (o *Orchestrator) targetsFor(kind models.ScanKind, targets []string) []string {
	switch kind {
	case models.ScanSystem:
		return o.cfg.SystemPaths
	case models.ScanQuick:
		return o.cfg.QuickPaths
	case models.ScanFull:
		return o.cfg.FullPaths
	case models.ScanDrive:
		// Bare drive letters become roots.
		out := make([]string, 0, len(targets))
		for _, t := range targets {
			if len(t) == 1 {
				t += `:\`
			} else if len(t) == 2 && t[1] == ':' {
				t += `\`
			}
			out = append(out, t)
		}
		return out
	default:
		return targets
	}
}

// preCount estimates the work ahead so progress is meaningful from the
// first file. Targets are counted in parallel; the walk itself still owns
// the authoritative totals.
func (o *Orchestrator) preCount(targets []string) {
	var files, bytes atomic.Uint64

	var g errgroup.Group
	g.SetLimit(countConcurrency)
	for _, target := range targets {
		target := target
		g.Go(func() error {
			info, err := os.Stat(target)
			if err != nil {
				return nil
			}
			if !info.IsDir() {
				files.Add(1)
				bytes.Add(uint64(info.Size()))
				return nil
			}
			filepath.WalkDir(target, func(path string, d fs.DirEntry, err error) error {
				if err != nil {
					return nil
				}
				if o.cancel.Load() {
					return fs.SkipAll
				}
				if d.IsDir() {
					if o.isExcluded(path) {
						return fs.SkipDir
					}
					return nil
				}
				if !d.Type().IsRegular() {
					return nil
				}
				files.Add(1)
				if fi, err := d.Info(); err == nil {
					bytes.Add(uint64(fi.Size()))
				}
				return nil
			})
			return nil
		})
	}
	g.Wait()

	o.mu.Lock()
	o.estimatedTotal = files.Load()
	o.stats.TotalBytes = bytes.Load()
	o.mu.Unlock()
}

func (o *Orchestrator) scanTarget(target string) models.ScanResult {
	info, err := os.Stat(target)
	if err != nil {
		if os.IsPermission(err) {
			o.logger.Warn("scan target denied", "target", target)
			return models.ResultAccessDenied
		}
		o.logger.Warn("scan target missing", "target", target, "error", err)
		return models.ResultFailed
	}

	if o.isExcluded(target) {
		o.logger.Debug("skipping excluded target", "target", target)
		return models.ResultSuccess
	}

	if !info.IsDir() {
		o.mu.Lock()
		o.stats.TotalFiles++
		o.mu.Unlock()
		return o.scanSingleFile(target, info.Size())
	}

	result := models.ResultSuccess
	walkErr := filepath.WalkDir(target, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			// Permission-denied entries are skipped by policy, not fatal.
			return nil
		}
		if o.cancel.Load() {
			result = models.ResultCancelled
			return fs.SkipAll
		}
		if d.IsDir() {
			if path != target && o.isExcluded(path) {
				return fs.SkipDir
			}
			return nil
		}
		var size int64
		if d.Type()&fs.ModeSymlink != 0 {
			if !o.cfg.Options.FollowSymlinks {
				return nil
			}
			// Follow only file links; directory links stay unexpanded so a
			// link cycle cannot trap the walk.
			fi, err := os.Stat(path)
			if err != nil || !fi.Mode().IsRegular() {
				return nil
			}
			size = fi.Size()
		} else {
			if !d.Type().IsRegular() {
				return nil
			}
			if fi, err := d.Info(); err == nil {
				size = fi.Size()
			}
		}
		o.mu.Lock()
		o.stats.TotalFiles++
		o.mu.Unlock()

		if r := o.scanSingleFile(path, size); r == models.ResultCancelled {
			result = models.ResultCancelled
			return fs.SkipAll
		}
		return nil
	})
	if walkErr != nil && result == models.ResultSuccess {
		result = models.ResultFailed
	}
	return result
}

func (o *Orchestrator) scanSingleFile(path string, size int64) models.ScanResult {
	if o.cancel.Load() {
		return models.ResultCancelled
	}

	if !o.shouldScan(path, size) {
		o.mu.Lock()
		o.stats.SkippedFiles++
		o.mu.Unlock()
		return models.ResultSuccess
	}

	verdict := o.engine.ScanFile(path)

	o.mu.Lock()
	o.stats.ScannedFiles++
	o.stats.ScannedBytes += uint64(size)
	if verdict.Threat {
		o.stats.ThreatsFound++
		o.threats = append(o.threats, verdict)
	}
	o.updateProgressLocked()
	percent := o.stats.ProgressPercent
	snapshot := o.stats
	o.mu.Unlock()

	// Callbacks run outside the statistics lock.
	if verdict.Threat {
		if cb := o.threatCB.Load(); cb != nil {
			(*cb)(verdict)
		}
	}
	if cb := o.progressCB.Load(); cb != nil {
		(*cb)(path, percent, snapshot)
	}

	if o.archives != nil && archive.IsArchivePath(path) {
		o.scanArchive(path)
	}
	return models.ResultSuccess
}

func (o *Orchestrator) scanArchive(path string) {
	report, err := o.archives.Scan(path)
	if err != nil {
		o.logger.Debug("archive scan failed", "path", path, "error", err)
		return
	}
	var walk func(archive.Report)
	walk = func(r archive.Report) {
		for _, fr := range r.Files {
			if fr.Scanned && fr.Verdict.Threat {
				o.mu.Lock()
				o.stats.ThreatsFound++
				o.threats = append(o.threats, fr.Verdict)
				o.mu.Unlock()
				if cb := o.threatCB.Load(); cb != nil {
					(*cb)(fr.Verdict)
				}
			}
		}
		for _, nested := range r.Nested {
			walk(nested)
		}
	}
	walk(report)
}

// shouldScan applies the per-file decision: size cap, extension allow-list
// and exclusion prefixes.
func (o *Orchestrator) shouldScan(path string, size int64) bool {
	if size > o.cfg.Options.MaxFileSize {
		return false
	}
	if len(o.cfg.Options.Extensions) > 0 {
		ext := strings.ToLower(filepath.Ext(path))
		if !slices.Contains(o.cfg.Options.Extensions, ext) {
			return false
		}
	}
	return !o.isExcluded(path)
}

// isExcluded reports whether any exclusion is a prefix of path,
// case-insensitively.
func (o *Orchestrator) isExcluded(path string) bool {
	lower := strings.ToLower(path)
	for _, exclusion := range o.cfg.Options.Exclusions {
		if strings.HasPrefix(lower, strings.ToLower(exclusion)) {
			return true
		}
	}
	return false
}

// updateProgressLocked recomputes the clamped percent against the better
// of the pre-count estimate and the authoritative walk total.
func (o *Orchestrator) updateProgressLocked() {
	total := o.stats.TotalFiles
	if o.estimatedTotal > total {
		total = o.estimatedTotal
	}
	if total == 0 {
		o.stats.ProgressPercent = 0
		return
	}
	percent := o.stats.ScannedFiles * 100 / total
	if percent > 100 {
		percent = 100
	}
	o.stats.ProgressPercent = uint32(percent)
}

func worseOf(a, b models.ScanResult) models.ScanResult {
	rank := func(r models.ScanResult) int {
		switch r {
		case models.ResultSuccess:
			return 0
		case models.ResultFailed:
			return 1
		case models.ResultAccessDenied:
			return 2
		case models.ResultCancelled:
			return 3
		}
		return 0
	}
	if rank(b) > rank(a) {
		return b
	}
	return a
}
