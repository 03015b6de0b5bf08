// Package detection is the threat engine: signature matching, heuristic
// analysis and verdict synthesis over raw byte buffers. The signature
// database lives behind an atomic snapshot pointer so scans never block
// on a database update and updates never tear an in-flight scan.
package detection

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"

	"github.com/BlackVectorOps/hostguard/pkg/models"
	"github.com/BlackVectorOps/hostguard/pkg/quarantine"
	"github.com/BlackVectorOps/hostguard/pkg/storage"
	"github.com/BlackVectorOps/hostguard/pkg/storage/sigdb"
)

// IntelVerdict is the answer of the cloud reputation service.
type IntelVerdict int

const (
	IntelUnknown IntelVerdict = iota
	IntelClean
	IntelSuspicious
	IntelMalicious
)

// IntelClient is the narrow interface the engine consumes from the cloud
// intelligence collaborator. Implementations return IntelUnknown on any
// failure; the engine treats Unknown as "no opinion".
type IntelClient interface {
	QueryFileHash(sha256Hex string) IntelVerdict
}

// Options configure a new Engine.
type Options struct {
	DatabasePath  string
	QuarantineDir string
	Logger        *slog.Logger
	// Cache is optional. When set, verdicts for unchanged content are
	// served without rescanning.
	Cache storage.VerdictCache
	// Intel is optional. When set, files that pass local analysis are
	// checked against cloud reputation.
	Intel IntelClient
	// EntropyThreshold overrides the default of
	// models.DefaultEntropyThreshold when > 0.
	EntropyThreshold float64
}

// Engine owns the signature snapshot, the heuristic ruleset and the
// quarantine store. All Scan* methods are safe for concurrent use.
type Engine struct {
	store  *sigdb.Store
	vault  *quarantine.Store
	cache  storage.VerdictCache
	intel  IntelClient
	logger *slog.Logger

	db         atomic.Pointer[models.SignatureDatabase]
	heuristics atomic.Bool
	rules      []heuristicRule
	skipped    atomic.Uint64
}

// NewEngine loads the signature database (bootstrapping the built-in
// default set when none exists) and opens the quarantine vault.
func NewEngine(opts Options) (*Engine, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	threshold := opts.EntropyThreshold
	if threshold <= 0 {
		threshold = models.DefaultEntropyThreshold
	}

	e := &Engine{
		store:  sigdb.NewStore(opts.DatabasePath),
		cache:  opts.Cache,
		intel:  opts.Intel,
		logger: logger,
		rules:  defaultHeuristicRules(threshold),
	}
	e.heuristics.Store(true)

	db, err := e.store.Load()
	switch {
	case err == nil:
	case errors.Is(err, os.ErrNotExist):
		logger.Warn("no signature database found, creating default",
			"path", opts.DatabasePath)
		db = DefaultDatabase()
		if saveErr := e.store.Save(db); saveErr != nil {
			return nil, fmt.Errorf("failed to save default database: %w", saveErr)
		}
	default:
		return nil, fmt.Errorf("failed to load signature database: %w", err)
	}
	e.db.Store(db)

	vault, err := quarantine.NewStore(opts.QuarantineDir, logger)
	if err != nil {
		return nil, err
	}
	e.vault = vault

	logger.Info("threat engine initialized",
		"signatures", db.Count(), "version", db.Version)
	return e, nil
}

// DefaultDatabase returns the built-in bootstrap signature set.
func DefaultDatabase() *models.SignatureDatabase {
	return &models.SignatureDatabase{
		Version: 1,
		Signatures: []models.Signature{
			{Name: "PE.Suspicious.Header", Pattern: []byte("MZ"), Offset: 0, Severity: 3},
			{Name: "Script.Suspicious.PowerShell", Pattern: []byte("powershell"), Offset: models.OffsetAnywhere, Severity: 5},
			{Name: "Ransomware.Generic.Extension", Pattern: []byte(".locked"), Offset: models.OffsetAnywhere, Severity: 10},
		},
	}
}

// -- Scanning --

// ScanFile reads and scans a single file. I/O problems are absorbed: the
// file is reported Clean and the skipped counter moves, because one
// unreadable file must never abort a scan loop.
func (e *Engine) ScanFile(path string) models.Verdict {
	info, err := os.Stat(path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			e.logger.Debug("scan stat failed", "path", path, "error", err)
			e.skipped.Add(1)
		}
		return models.Verdict{FilePath: path}
	}
	if !info.Mode().IsRegular() || info.Size() == 0 {
		return models.Verdict{FilePath: path}
	}
	if info.Size() > models.MaxScanSize {
		e.logger.Info("skipping large file", "path", path, "size", info.Size())
		e.skipped.Add(1)
		return models.Verdict{FilePath: path, FileSize: info.Size()}
	}

	buf, err := os.ReadFile(path)
	if err != nil {
		e.logger.Debug("scan read failed", "path", path, "error", err)
		e.skipped.Add(1)
		return models.Verdict{FilePath: path}
	}

	db := e.db.Load()
	ext := strings.ToLower(filepath.Ext(path))
	key := e.cacheKey(buf, ext)

	if e.cache != nil {
		if v, ok := e.cache.Get(key, db.Version); ok {
			v.FilePath = path
			v.FileSize = info.Size()
			return v
		}
	}

	v := e.scanBuffer(db, buf, ext)
	v.FilePath = path
	v.FileSize = info.Size()

	if v.Clean() && e.intel != nil {
		v = e.consultIntel(v, buf)
	}

	if e.cache != nil {
		if err := e.cache.Put(key, db.Version, v); err != nil {
			e.logger.Debug("verdict cache write failed", "error", err)
		}
	}

	if v.Threat {
		e.logger.Warn("threat detected",
			"path", path, "threat", v.ThreatName, "severity", v.Severity)
	}
	return v
}

// ScanBytes scans an in-memory buffer. pathHint only contributes its
// extension to the heuristics; it may be empty. ScanBytes never fails:
// an empty buffer is Clean.
func (e *Engine) ScanBytes(buf []byte, pathHint string) models.Verdict {
	if len(buf) == 0 {
		return models.Verdict{FilePath: pathHint}
	}
	v := e.scanBuffer(e.db.Load(), buf, strings.ToLower(filepath.Ext(pathHint)))
	v.FilePath = pathHint
	v.FileSize = int64(len(buf))
	return v
}

// ScanDirectory walks dir recursively and returns every threat verdict.
// Unreadable entries are skipped by policy.
func (e *Engine) ScanDirectory(dir string) ([]models.Verdict, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to stat scan root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%s is not a directory", dir)
	}

	var threats []models.Verdict
	err = filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		if v := e.ScanFile(path); v.Threat {
			threats = append(threats, v)
		}
		return nil
	})
	if err != nil {
		return threats, err
	}
	e.logger.Info("directory scan complete", "dir", dir, "threats", len(threats))
	return threats, nil
}

func (e *Engine) scanBuffer(db *models.SignatureDatabase, buf []byte, ext string) models.Verdict {
	if v, ok := MatchSignatures(db, buf); ok {
		return v
	}
	if e.heuristics.Load() {
		if v, ok := evalHeuristics(e.rules, buf, ext); ok {
			return v
		}
	}
	return models.Verdict{}
}

func (e *Engine) consultIntel(v models.Verdict, buf []byte) models.Verdict {
	sum := sha256.Sum256(buf)
	switch e.intel.QueryFileHash(hex.EncodeToString(sum[:])) {
	case IntelMalicious:
		v.Threat = true
		v.ThreatName = "Cloud.Intelligence.Malicious"
		v.Severity = 9
	case IntelSuspicious:
		v.Threat = true
		v.ThreatName = "Cloud.Intelligence.Suspicious"
		v.Severity = 5
	}
	return v
}

// cacheKey folds everything a verdict depends on besides the database
// version: content, extension (heuristics are extension-sensitive) and
// whether heuristics were active.
func (e *Engine) cacheKey(buf []byte, ext string) string {
	sum := sha256.Sum256(buf)
	suffix := ":0"
	if e.heuristics.Load() {
		suffix = ":1"
	}
	return hex.EncodeToString(sum[:]) + ":" + ext + suffix
}

// -- Quarantine passthrough --

// Quarantine isolates path in the vault under the given threat label.
func (e *Engine) Quarantine(path, threatName string) (models.QuarantineEntry, error) {
	return e.vault.Quarantine(path, threatName)
}

// Restore moves a quarantined entry back to dest.
func (e *Engine) Restore(id, dest string) error {
	return e.vault.Restore(id, dest)
}

// QuarantineStore exposes the owned vault for listing and deletion.
func (e *Engine) QuarantineStore() *quarantine.Store { return e.vault }

// -- Database management --

// UpdateDatabase persists the new set and swaps it in atomically.
// On any error the previous database remains active, on disk and in memory.
func (e *Engine) UpdateDatabase(db *models.SignatureDatabase) error {
	if db == nil {
		return fmt.Errorf("%w: nil database", models.ErrFormat)
	}
	for i, sig := range db.Signatures {
		if len(sig.Pattern) == 0 {
			return fmt.Errorf("%w: signature %d has empty pattern", models.ErrFormat, i)
		}
		if sig.Severity < 1 || sig.Severity > 10 {
			return fmt.Errorf("%w: signature %d severity out of range", models.ErrFormat, i)
		}
	}
	if err := e.store.Save(db); err != nil {
		return err
	}
	e.db.Store(db)
	e.logger.Info("signature database updated",
		"version", db.Version, "signatures", db.Count())
	return nil
}

// EnableHeuristics toggles the heuristic pass.
func (e *Engine) EnableHeuristics(enabled bool) {
	e.heuristics.Store(enabled)
}

// DatabaseVersion returns the active snapshot's version.
func (e *Engine) DatabaseVersion() uint32 { return e.db.Load().Version }

// SignatureCount returns the active snapshot's record count.
func (e *Engine) SignatureCount() uint32 { return e.db.Load().Count() }

// SkippedCount reports files absorbed as skipped (unreadable, oversized).
func (e *Engine) SkippedCount() uint64 { return e.skipped.Load() }
