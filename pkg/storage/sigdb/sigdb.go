// Package sigdb implements the binary signature database format:
// a "SIGS" magic header, version and count, followed by length-prefixed
// records. All integers are little-endian.
package sigdb

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/BlackVectorOps/hostguard/pkg/models"
)

const (
	// MaxNameLen bounds a single signature name. Anything larger is a
	// corrupted or hostile database, not a real signature.
	MaxNameLen = 4096
	// MaxPatternLen bounds a single byte pattern.
	MaxPatternLen = 1 * 1024 * 1024
	// MaxSignatureCount bounds the record count read from the header.
	MaxSignatureCount = 1 << 20
)

// Store reads and writes the signature database at a fixed path.
type Store struct {
	path string
}

// NewStore returns a store bound to path. The parent directory is created
// on first Save.
func NewStore(path string) *Store {
	return &Store{path: filepath.Clean(path)}
}

// Path returns the database location.
func (s *Store) Path() string { return s.path }

// Load reads the database into an immutable snapshot.
// A missing file is reported as os.ErrNotExist so callers can bootstrap
// a default database; any structural problem is reported as ErrFormat.
func (s *Store) Load() (*models.SignatureDatabase, error) {
	info, err := os.Stat(s.path)
	if err != nil {
		return nil, err
	}
	if !info.Mode().IsRegular() {
		return nil, fmt.Errorf("%w: %s is not a regular file", models.ErrFormat, s.path)
	}

	f, err := os.Open(s.path)
	if err != nil {
		return nil, fmt.Errorf("failed to open signature database: %w", err)
	}
	defer f.Close()

	return Decode(bufio.NewReader(f))
}

// Save writes the snapshot to a temp file, fsyncs it and renames it over
// the live database. A crash at any point leaves either the old or the new
// file in place, never a torn one.
func (s *Store) Save(db *models.SignatureDatabase) error {
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, models.DirPermSecure); err != nil {
		return fmt.Errorf("failed to create database directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".signatures-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp database: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	w := bufio.NewWriter(tmp)
	if err := Encode(w, db); err != nil {
		tmp.Close()
		return err
	}
	if err := w.Flush(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to flush database: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync database: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp database: %w", err)
	}
	if err := os.Chmod(tmpName, models.FilePermSecure); err != nil {
		return fmt.Errorf("failed to restrict database permissions: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		return fmt.Errorf("failed to publish database: %w", err)
	}
	return nil
}

// Decode parses a binary signature database stream.
func Decode(r io.Reader) (*models.SignatureDatabase, error) {
	var magic, version, count uint32
	if err := readU32(r, &magic); err != nil {
		return nil, fmt.Errorf("%w: truncated header", models.ErrFormat)
	}
	if magic != models.SignatureMagic {
		return nil, fmt.Errorf("%w: bad magic 0x%08x", models.ErrFormat, magic)
	}
	if err := readU32(r, &version); err != nil {
		return nil, fmt.Errorf("%w: truncated header", models.ErrFormat)
	}
	if err := readU32(r, &count); err != nil {
		return nil, fmt.Errorf("%w: truncated header", models.ErrFormat)
	}
	if count > MaxSignatureCount {
		return nil, fmt.Errorf("%w: signature count %d exceeds limit", models.ErrFormat, count)
	}

	db := &models.SignatureDatabase{
		Version:    version,
		Signatures: make([]models.Signature, 0, count),
	}

	for i := uint32(0); i < count; i++ {
		sig, err := decodeRecord(r)
		if err != nil {
			return nil, fmt.Errorf("%w: record %d: %v", models.ErrFormat, i, err)
		}
		db.Signatures = append(db.Signatures, sig)
	}
	return db, nil
}

// Encode serializes a snapshot. The header count always equals the number
// of records written.
func Encode(w io.Writer, db *models.SignatureDatabase) error {
	if err := writeU32(w, models.SignatureMagic); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}
	if err := writeU32(w, db.Version); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}
	if err := writeU32(w, db.Count()); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}
	for i, sig := range db.Signatures {
		if err := encodeRecord(w, sig); err != nil {
			return fmt.Errorf("failed to write record %d: %w", i, err)
		}
	}
	return nil
}

func decodeRecord(r io.Reader) (models.Signature, error) {
	var sig models.Signature

	var nameLen uint32
	if err := readU32(r, &nameLen); err != nil {
		return sig, err
	}
	if nameLen > MaxNameLen {
		return sig, fmt.Errorf("name length %d exceeds limit", nameLen)
	}
	name := make([]byte, nameLen)
	if _, err := io.ReadFull(r, name); err != nil {
		return sig, err
	}
	sig.Name = string(name)

	if err := readU32(r, &sig.Severity); err != nil {
		return sig, err
	}
	if sig.Severity < 1 || sig.Severity > 10 {
		return sig, fmt.Errorf("severity %d out of range", sig.Severity)
	}

	var patternLen uint32
	if err := readU32(r, &patternLen); err != nil {
		return sig, err
	}
	if patternLen == 0 {
		return sig, fmt.Errorf("empty pattern")
	}
	if patternLen > MaxPatternLen {
		return sig, fmt.Errorf("pattern length %d exceeds limit", patternLen)
	}
	sig.Pattern = make([]byte, patternLen)
	if _, err := io.ReadFull(r, sig.Pattern); err != nil {
		return sig, err
	}

	var off int32
	if err := binary.Read(r, binary.LittleEndian, &off); err != nil {
		return sig, err
	}
	if off < models.OffsetAnywhere {
		return sig, fmt.Errorf("offset %d out of range", off)
	}
	sig.Offset = off
	return sig, nil
}

func encodeRecord(w io.Writer, sig models.Signature) error {
	if len(sig.Pattern) == 0 {
		return fmt.Errorf("signature %q has empty pattern", sig.Name)
	}
	if sig.Severity < 1 || sig.Severity > 10 {
		return fmt.Errorf("signature %q severity %d out of range", sig.Name, sig.Severity)
	}
	if err := writeU32(w, uint32(len(sig.Name))); err != nil {
		return err
	}
	if _, err := w.Write([]byte(sig.Name)); err != nil {
		return err
	}
	if err := writeU32(w, sig.Severity); err != nil {
		return err
	}
	if err := writeU32(w, uint32(len(sig.Pattern))); err != nil {
		return err
	}
	if _, err := w.Write(sig.Pattern); err != nil {
		return err
	}
	return binary.Write(w, binary.LittleEndian, sig.Offset)
}

func readU32(r io.Reader, v *uint32) error {
	return binary.Read(r, binary.LittleEndian, v)
}

func writeU32(w io.Writer, v uint32) error {
	return binary.Write(w, binary.LittleEndian, v)
}
