// Package quarantine isolates confirmed threats in an access-restricted
// vault directory with a durable binary index. Moves are atomic where the
// platform allows and copy-fsync-delete elsewhere; the index is only
// mutated after the file operation succeeded.
package quarantine

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/BlackVectorOps/hostguard/pkg/models"
)

// indexFileName is the durable index inside the vault directory.
const indexFileName = "index"

// maxSanitizedName caps the original basename carried into the vault.
const maxSanitizedName = 200

// recoveryStatConcurrency bounds the parallel existence checks at startup.
const recoveryStatConcurrency = 8

// Store manages the vault directory and its index.
// All index access happens under mu; file moves happen outside it so a slow
// disk never blocks List.
type Store struct {
	vaultDir string
	logger   *slog.Logger

	mu      sync.Mutex
	entries []models.QuarantineEntry
}

// NewStore opens (creating if needed) the vault at vaultDir and recovers
// the index. Entries whose vault file disappeared are dropped; stray files
// are logged and left alone.
func NewStore(vaultDir string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if err := os.MkdirAll(vaultDir, models.DirPermSecure); err != nil {
		return nil, fmt.Errorf("failed to create vault: %w", err)
	}

	s := &Store{
		vaultDir: filepath.Clean(vaultDir),
		logger:   logger,
	}
	if err := s.recover(); err != nil {
		// Startup recovery is best-effort: a broken index must not keep the
		// engine from protecting the host.
		s.logger.Warn("quarantine index recovery failed, starting empty",
			"vault", s.vaultDir, "error", err)
		s.entries = nil
	}
	return s, nil
}

// VaultDir returns the vault location.
func (s *Store) VaultDir() string { return s.vaultDir }

// Quarantine moves src into the vault and records it durably.
// If the move fails, the original file is left untouched and the index is
// not mutated. If only persisting the index fails, the file stays in the
// vault, the entry stays in the in-memory index and the error is returned.
func (s *Store) Quarantine(src, threatName string) (models.QuarantineEntry, error) {
	var entry models.QuarantineEntry

	info, err := os.Stat(src)
	if err != nil {
		return entry, fmt.Errorf("failed to stat quarantine source: %w", err)
	}
	if !info.Mode().IsRegular() {
		return entry, fmt.Errorf("quarantine source %s is not a regular file", src)
	}

	id := newEntryID()
	vaultPath := filepath.Join(s.vaultDir, id+"_"+SanitizeName(filepath.Base(src)))

	if err := moveFile(src, vaultPath); err != nil {
		return entry, fmt.Errorf("failed to move %s into vault: %w", src, err)
	}

	entry = models.QuarantineEntry{
		ID:            id,
		OriginalPath:  src,
		VaultPath:     vaultPath,
		ThreatName:    threatName,
		QuarantinedAt: time.Now().Unix(),
		OriginalSize:  info.Size(),
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, entry)
	if err := s.persistIndexLocked(); err != nil {
		// The file is already in the vault; keep the in-memory entry so the
		// threat stays contained and surface the persistence failure.
		s.logger.Error("failed to persist quarantine index", "error", err)
		return entry, err
	}

	s.logger.Info("file quarantined",
		"source", src, "vault", vaultPath, "threat", threatName)
	return entry, nil
}

// Restore moves an entry back out of the vault to dest and drops it from
// the index. It refuses to overwrite an existing destination.
func (s *Store) Restore(id, dest string) error {
	s.mu.Lock()
	idx := s.findLocked(id)
	if idx < 0 {
		s.mu.Unlock()
		return fmt.Errorf("%w: quarantine entry %s", models.ErrNotFound, id)
	}
	entry := s.entries[idx]
	s.mu.Unlock()

	if _, err := os.Lstat(dest); err == nil {
		return fmt.Errorf("%w: %s", models.ErrDestinationExists, dest)
	} else if !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to check restore destination: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return fmt.Errorf("failed to create restore directory: %w", err)
	}
	if err := moveFile(entry.VaultPath, dest); err != nil {
		return fmt.Errorf("failed to restore %s: %w", id, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if idx = s.findLocked(id); idx >= 0 {
		s.entries = append(s.entries[:idx], s.entries[idx+1:]...)
	}
	if err := s.persistIndexLocked(); err != nil {
		s.logger.Error("failed to persist quarantine index after restore", "error", err)
		return err
	}

	s.logger.Info("file restored from quarantine", "id", id, "dest", dest)
	return nil
}

// Delete removes the vault file (best effort) and always drops the entry.
func (s *Store) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := s.findLocked(id)
	if idx < 0 {
		return fmt.Errorf("%w: quarantine entry %s", models.ErrNotFound, id)
	}
	entry := s.entries[idx]

	if err := os.Remove(entry.VaultPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		s.logger.Warn("failed to remove vault file, dropping entry anyway",
			"id", id, "vault", entry.VaultPath, "error", err)
	}

	s.entries = append(s.entries[:idx], s.entries[idx+1:]...)
	if err := s.persistIndexLocked(); err != nil {
		s.logger.Error("failed to persist quarantine index after delete", "error", err)
		return err
	}

	s.logger.Info("quarantine entry deleted", "id", id)
	return nil
}

// List returns a snapshot of all entries.
func (s *Store) List() []models.QuarantineEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.QuarantineEntry, len(s.entries))
	copy(out, s.entries)
	return out
}

// Get looks up a single entry by id.
func (s *Store) Get(id string) (models.QuarantineEntry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if idx := s.findLocked(id); idx >= 0 {
		return s.entries[idx], true
	}
	return models.QuarantineEntry{}, false
}

// -- Recovery --

func (s *Store) recover() error {
	raw, err := readIndex(filepath.Join(s.vaultDir, indexFileName))
	if errors.Is(err, os.ErrNotExist) {
		s.logOrphans(nil)
		return nil
	}
	if err != nil {
		return err
	}

	// Existence checks touch the disk once per entry; run them bounded in
	// parallel so a large vault does not serialize startup.
	alive := make([]bool, len(raw))
	var g errgroup.Group
	g.SetLimit(recoveryStatConcurrency)
	for i := range raw {
		i := i
		g.Go(func() error {
			info, err := os.Stat(raw[i].VaultPath)
			alive[i] = err == nil && info.Mode().IsRegular()
			if alive[i] {
				raw[i].OriginalSize = info.Size()
			}
			return nil
		})
	}
	g.Wait()

	kept := make([]models.QuarantineEntry, 0, len(raw))
	for i, e := range raw {
		if !alive[i] {
			s.logger.Warn("dropping quarantine entry with missing vault file",
				"id", e.ID, "vault", e.VaultPath)
			continue
		}
		kept = append(kept, e)
	}
	s.entries = kept
	s.logOrphans(kept)
	return nil
}

// logOrphans reports vault files no index entry references. They are never
// deleted automatically; an operator decides.
func (s *Store) logOrphans(entries []models.QuarantineEntry) {
	known := make(map[string]struct{}, len(entries)+1)
	known[indexFileName] = struct{}{}
	for _, e := range entries {
		known[filepath.Base(e.VaultPath)] = struct{}{}
	}

	dirEntries, err := os.ReadDir(s.vaultDir)
	if err != nil {
		return
	}
	for _, de := range dirEntries {
		if de.IsDir() {
			continue
		}
		if _, ok := known[de.Name()]; !ok {
			s.logger.Warn("orphan file in vault", "file", de.Name())
		}
	}
}

// -- Internals --

func (s *Store) findLocked(id string) int {
	for i := range s.entries {
		if s.entries[i].ID == id {
			return i
		}
	}
	return -1
}

func (s *Store) persistIndexLocked() error {
	return writeIndex(filepath.Join(s.vaultDir, indexFileName), s.entries)
}

// newEntryID builds a timestamp-prefixed token unique across restarts.
func newEntryID() string {
	return fmt.Sprintf("%d-%s", time.Now().Unix(), uuid.NewString()[:8])
}

// EntryIDFromVaultName recovers the entry id from a vault basename of the
// form <id>_<sanitized original name>.
func EntryIDFromVaultName(base string) string {
	if i := strings.IndexByte(base, '_'); i > 0 {
		return base[:i]
	}
	return base
}

// SanitizeName flattens a basename for safe storage inside the vault:
// path separators and shell metacharacters become underscores, leading
// dots and spaces are trimmed, and the result is capped.
func SanitizeName(name string) string {
	var b strings.Builder
	b.Grow(len(name))
	for _, r := range name {
		switch r {
		case '/', '\\', ':', '*', '?', '"', '<', '>', '|':
			b.WriteByte('_')
		default:
			b.WriteRune(r)
		}
	}
	out := b.String()
	out = strings.TrimLeft(out, ". ")
	if len(out) > maxSanitizedName {
		out = out[:maxSanitizedName]
	}
	if out == "" {
		out = "extracted_file"
	}
	return out
}

// moveFile renames src to dst, falling back to copy+fsync+delete when the
// rename crosses devices. A failed copy removes the partial destination and
// leaves the source intact.
func moveFile(src, dst string) error {
	if err := os.Rename(src, dst); err == nil {
		return nil
	} else if !isCrossDevice(err) {
		return err
	}

	if err := copyFileSync(src, dst); err != nil {
		os.Remove(dst)
		return err
	}
	if err := os.Remove(src); err != nil {
		// Both copies exist now; removing the vault copy keeps the
		// "original untouched on failure" contract.
		os.Remove(dst)
		return fmt.Errorf("failed to remove source after copy: %w", err)
	}
	return nil
}

func copyFileSync(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_EXCL, models.FilePermSecure)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	if err := out.Sync(); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

func isCrossDevice(err error) bool {
	if errors.Is(err, syscall.EXDEV) {
		return true
	}
	// Windows reports cross-volume moves with its own error code; match on
	// the rendered text rather than pulling in a platform dependency.
	var linkErr *os.LinkError
	if !errors.As(err, &linkErr) {
		return false
	}
	return strings.Contains(linkErr.Err.Error(), "cross-device") ||
		strings.Contains(linkErr.Err.Error(), "not the same device")
}
