package sigdb

import (
	"bytes"
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/BlackVectorOps/hostguard/pkg/models"
)

func sampleDatabase() *models.SignatureDatabase {
	return &models.SignatureDatabase{
		Version: 7,
		Signatures: []models.Signature{
			{Name: "PE.Suspicious.Header", Pattern: []byte("MZ"), Offset: 0, Severity: 3},
			{Name: "Script.Suspicious.PowerShell", Pattern: []byte("powershell"), Offset: models.OffsetAnywhere, Severity: 5},
			{Name: "Ransomware.Generic.Extension", Pattern: []byte(".locked"), Offset: models.OffsetAnywhere, Severity: 10},
		},
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	store := NewStore(filepath.Join(dir, "Database", "signatures.db"))

	// 1. Save creates the directory tree and publishes atomically
	want := sampleDatabase()
	if err := store.Save(want); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	// 2. No temp residue may survive a successful save
	entries, err := os.ReadDir(filepath.Dir(store.Path()))
	if err != nil {
		t.Fatalf("ReadDir failed: %v", err)
	}
	if len(entries) != 1 {
		t.Errorf("expected only the database file, found %d entries", len(entries))
	}

	// 3. Load reproduces the snapshot exactly
	got, err := store.Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if got.Version != want.Version {
		t.Errorf("Version = %d, want %d", got.Version, want.Version)
	}
	if len(got.Signatures) != len(want.Signatures) {
		t.Fatalf("got %d signatures, want %d", len(got.Signatures), len(want.Signatures))
	}
	for i := range want.Signatures {
		if got.Signatures[i].Name != want.Signatures[i].Name {
			t.Errorf("signature %d name = %q, want %q", i, got.Signatures[i].Name, want.Signatures[i].Name)
		}
		if !bytes.Equal(got.Signatures[i].Pattern, want.Signatures[i].Pattern) {
			t.Errorf("signature %d pattern mismatch", i)
		}
		if got.Signatures[i].Offset != want.Signatures[i].Offset {
			t.Errorf("signature %d offset = %d, want %d", i, got.Signatures[i].Offset, want.Signatures[i].Offset)
		}
		if got.Signatures[i].Severity != want.Signatures[i].Severity {
			t.Errorf("signature %d severity = %d, want %d", i, got.Signatures[i].Severity, want.Signatures[i].Severity)
		}
	}
}

func TestLoadMissingFile(t *testing.T) {
	t.Parallel()

	store := NewStore(filepath.Join(t.TempDir(), "nope.db"))
	if _, err := store.Load(); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("Load of missing file = %v, want os.ErrNotExist", err)
	}
}

func TestDecodeRejectsCorruption(t *testing.T) {
	t.Parallel()

	valid := func() []byte {
		var buf bytes.Buffer
		if err := Encode(&buf, sampleDatabase()); err != nil {
			t.Fatalf("Encode failed: %v", err)
		}
		return buf.Bytes()
	}

	tests := []struct {
		name   string
		mutate func([]byte) []byte
	}{
		{
			name: "bad magic",
			mutate: func(b []byte) []byte {
				binary.LittleEndian.PutUint32(b[0:4], 0xDEADBEEF)
				return b
			},
		},
		{
			name: "count larger than records",
			mutate: func(b []byte) []byte {
				binary.LittleEndian.PutUint32(b[8:12], 99)
				return b
			},
		},
		{
			name:   "truncated mid record",
			mutate: func(b []byte) []byte { return b[:len(b)-5] },
		},
		{
			name:   "truncated header",
			mutate: func(b []byte) []byte { return b[:6] },
		},
		{
			name: "zero length pattern",
			mutate: func(b []byte) []byte {
				// First record: 4 (nameLen) + 20 (name) + 4 (severity) = offset of patternLen
				binary.LittleEndian.PutUint32(b[12+4+20+4:], 0)
				return b
			},
		},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			data := tc.mutate(valid())
			if _, err := Decode(bytes.NewReader(data)); !errors.Is(err, models.ErrFormat) {
				t.Errorf("Decode = %v, want ErrFormat", err)
			}
		})
	}
}

func TestSaveFailureKeepsOldDatabase(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	store := NewStore(filepath.Join(dir, "signatures.db"))
	if err := store.Save(sampleDatabase()); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	// A snapshot that cannot be encoded must not touch the published file.
	bad := &models.SignatureDatabase{
		Version:    8,
		Signatures: []models.Signature{{Name: "broken", Pattern: nil, Severity: 5}},
	}
	if err := store.Save(bad); err == nil {
		t.Fatal("Save of invalid snapshot should fail")
	}

	got, err := store.Load()
	if err != nil {
		t.Fatalf("Load after failed save: %v", err)
	}
	if got.Version != 7 {
		t.Errorf("Version = %d, want the pre-failure 7", got.Version)
	}
}

func BenchmarkDecode(b *testing.B) {
	db := &models.SignatureDatabase{Version: 1}
	for i := 0; i < 5000; i++ {
		db.Signatures = append(db.Signatures, models.Signature{
			Name:     "Trojan.Agent.Bench",
			Pattern:  bytes.Repeat([]byte{0x42}, 32),
			Offset:   models.OffsetAnywhere,
			Severity: 6,
		})
	}
	var buf bytes.Buffer
	if err := Encode(&buf, db); err != nil {
		b.Fatalf("Encode failed: %v", err)
	}
	raw := buf.Bytes()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := Decode(bytes.NewReader(raw)); err != nil {
			b.Fatalf("Decode failed: %v", err)
		}
	}
}
