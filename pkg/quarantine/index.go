package quarantine

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/BlackVectorOps/hostguard/pkg/models"
)

// Index wire format, little-endian:
//
//	u32 count
//	count * { u32 len + originalPath UTF-8,
//	          u32 len + vaultPath UTF-8,
//	          u32 len + threatName UTF-8,
//	          u64 quarantinedAt epoch seconds }
//
// The entry id is not stored; it is the prefix of the vault basename.
// OriginalSize is recomputed from the vault file during recovery.

// maxIndexString bounds any single string field in the index.
const maxIndexString = 1 << 16

// maxIndexEntries bounds the entry count read from the header.
const maxIndexEntries = 1 << 20

func readIndex(path string) ([]models.QuarantineEntry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	r := bufio.NewReader(f)

	var count uint32
	if err := binary.Read(r, binary.LittleEndian, &count); err != nil {
		return nil, fmt.Errorf("%w: truncated index header", models.ErrFormat)
	}
	if count > maxIndexEntries {
		return nil, fmt.Errorf("%w: index count %d exceeds limit", models.ErrFormat, count)
	}

	entries := make([]models.QuarantineEntry, 0, count)
	for i := uint32(0); i < count; i++ {
		var e models.QuarantineEntry
		if e.OriginalPath, err = readString(r); err != nil {
			return nil, fmt.Errorf("%w: index entry %d: %v", models.ErrFormat, i, err)
		}
		if e.VaultPath, err = readString(r); err != nil {
			return nil, fmt.Errorf("%w: index entry %d: %v", models.ErrFormat, i, err)
		}
		if e.ThreatName, err = readString(r); err != nil {
			return nil, fmt.Errorf("%w: index entry %d: %v", models.ErrFormat, i, err)
		}
		var at uint64
		if err := binary.Read(r, binary.LittleEndian, &at); err != nil {
			return nil, fmt.Errorf("%w: index entry %d: %v", models.ErrFormat, i, err)
		}
		e.QuarantinedAt = int64(at)
		e.ID = EntryIDFromVaultName(filepath.Base(e.VaultPath))
		entries = append(entries, e)
	}
	return entries, nil
}

// writeIndex publishes the index with temp+fsync+rename so a crash leaves
// either the previous or the new index, never a torn one.
func writeIndex(path string, entries []models.QuarantineEntry) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".index-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp index: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	w := bufio.NewWriter(tmp)
	if err := binary.Write(w, binary.LittleEndian, uint32(len(entries))); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write index header: %w", err)
	}
	for _, e := range entries {
		if err := writeString(w, e.OriginalPath); err != nil {
			tmp.Close()
			return fmt.Errorf("failed to write index entry: %w", err)
		}
		if err := writeString(w, e.VaultPath); err != nil {
			tmp.Close()
			return fmt.Errorf("failed to write index entry: %w", err)
		}
		if err := writeString(w, e.ThreatName); err != nil {
			tmp.Close()
			return fmt.Errorf("failed to write index entry: %w", err)
		}
		if err := binary.Write(w, binary.LittleEndian, uint64(e.QuarantinedAt)); err != nil {
			tmp.Close()
			return fmt.Errorf("failed to write index entry: %w", err)
		}
	}
	if err := w.Flush(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to flush index: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync index: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp index: %w", err)
	}
	if err := os.Chmod(tmpName, models.FilePermSecure); err != nil {
		return fmt.Errorf("failed to restrict index permissions: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("failed to publish index: %w", err)
	}
	return nil
}

func readString(r io.Reader) (string, error) {
	var n uint32
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return "", err
	}
	if n > maxIndexString {
		return "", fmt.Errorf("string length %d exceeds limit", n)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}

func writeString(w io.Writer, s string) error {
	if err := binary.Write(w, binary.LittleEndian, uint32(len(s))); err != nil {
		return err
	}
	_, err := io.WriteString(w, s)
	return err
}
