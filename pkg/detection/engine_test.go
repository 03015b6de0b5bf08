package detection_test

import (
	"bytes"
	"crypto/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/BlackVectorOps/hostguard/pkg/detection"
	"github.com/BlackVectorOps/hostguard/pkg/models"
)

func newTestEngine(t *testing.T, db *models.SignatureDatabase) *detection.Engine {
	t.Helper()
	dir := t.TempDir()
	e, err := detection.NewEngine(detection.Options{
		DatabasePath:  filepath.Join(dir, "Database", "signatures.db"),
		QuarantineDir: filepath.Join(dir, "Quarantine"),
	})
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}
	if db != nil {
		if err := e.UpdateDatabase(db); err != nil {
			t.Fatalf("UpdateDatabase failed: %v", err)
		}
	}
	return e
}

func testDatabase() *models.SignatureDatabase {
	return &models.SignatureDatabase{
		Version: 2,
		Signatures: []models.Signature{
			{Name: "TEST", Pattern: []byte("EVILBYTES"), Offset: models.OffsetAnywhere, Severity: 9},
			{Name: "ANCHORED", Pattern: []byte{0xCA, 0xFE}, Offset: 4, Severity: 4},
		},
	}
}

func writeFile(t *testing.T, name string, content []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, content, 0644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	return path
}

func TestScanBytesSignatureMatch(t *testing.T) {
	t.Parallel()

	e := newTestEngine(t, testDatabase())

	payload := append(bytes.Repeat([]byte("A"), 100), []byte("EVILBYTES")...)
	payload = append(payload, bytes.Repeat([]byte("A"), 91)...)

	v := e.ScanBytes(payload, "sample.bin")
	if !v.Threat {
		t.Fatal("expected a threat verdict")
	}
	if v.ThreatName != "TEST" || v.Severity != 9 {
		t.Errorf("verdict = %q/%d, want TEST/9", v.ThreatName, v.Severity)
	}
}

func TestScanBytesEdgeCases(t *testing.T) {
	t.Parallel()

	e := newTestEngine(t, testDatabase())

	tests := []struct {
		name       string
		buf        []byte
		wantThreat bool
		wantName   string
	}{
		{"empty buffer", nil, false, ""},
		{"anchored hit", []byte{0, 0, 0, 0, 0xCA, 0xFE}, true, "ANCHORED"},
		{"anchored at exact end", append(bytes.Repeat([]byte{0}, 4), 0xCA, 0xFE), true, "ANCHORED"},
		{"anchored pattern past end", []byte{0, 0, 0, 0, 0xCA}, false, ""},
		{"anchored wrong position", []byte{0xCA, 0xFE, 0, 0, 0, 0, 0, 0}, false, ""},
		{"first signature wins", append([]byte{0, 0, 0, 0, 0xCA, 0xFE}, []byte("EVILBYTES")...), true, "TEST"},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			v := e.ScanBytes(tc.buf, "x.bin")
			if v.Threat != tc.wantThreat {
				t.Fatalf("Threat = %v, want %v", v.Threat, tc.wantThreat)
			}
			if tc.wantThreat && v.ThreatName != tc.wantName {
				t.Errorf("ThreatName = %q, want %q", v.ThreatName, tc.wantName)
			}
		})
	}
}

func TestScanFileMissingAndEmpty(t *testing.T) {
	t.Parallel()

	e := newTestEngine(t, testDatabase())

	if v := e.ScanFile(filepath.Join(t.TempDir(), "missing.bin")); v.Threat {
		t.Error("missing file reported as threat")
	}

	empty := writeFile(t, "empty.bin", nil)
	if v := e.ScanFile(empty); v.Threat {
		t.Error("empty file reported as threat")
	}
}

func TestZeroSignaturesEverythingClean(t *testing.T) {
	t.Parallel()

	e := newTestEngine(t, &models.SignatureDatabase{Version: 3})
	e.EnableHeuristics(false)

	path := writeFile(t, "anything.exe", []byte("EVILBYTES and powershell and MZ"))
	if v := e.ScanFile(path); v.Threat {
		t.Errorf("threat %q with zero signatures and heuristics off", v.ThreatName)
	}
}

func TestHeuristicTinyExecutable(t *testing.T) {
	t.Parallel()

	e := newTestEngine(t, &models.SignatureDatabase{Version: 3})

	path := writeFile(t, "small.exe", bytes.Repeat([]byte{'x', 'y', 'z'}, 100))
	v := e.ScanFile(path)
	if !v.Threat || v.ThreatName != "Heuristic.Suspicious.TinyExecutable" {
		t.Errorf("verdict = %+v, want TinyExecutable", v)
	}
	if v.Severity != 6 {
		t.Errorf("Severity = %d, want 6", v.Severity)
	}

	// Same bytes without an executable extension pass.
	path = writeFile(t, "small.dat", bytes.Repeat([]byte{'x', 'y', 'z'}, 100))
	if v := e.ScanFile(path); v.Threat {
		t.Errorf("non-executable tiny file flagged: %q", v.ThreatName)
	}
}

func TestHeuristicHighEntropy(t *testing.T) {
	t.Parallel()

	e := newTestEngine(t, &models.SignatureDatabase{Version: 3})

	random := make([]byte, 10000)
	if _, err := rand.Read(random); err != nil {
		t.Fatalf("rand.Read failed: %v", err)
	}
	path := writeFile(t, "packed.exe", random)

	v := e.ScanFile(path)
	if !v.Threat || v.ThreatName != "Heuristic.Suspicious.HighEntropy" {
		t.Errorf("verdict = %+v, want HighEntropy", v)
	}
	if v.Severity != 7 {
		t.Errorf("Severity = %d, want 7", v.Severity)
	}
}

func TestHeuristicZeroEntropyClean(t *testing.T) {
	t.Parallel()

	e := newTestEngine(t, &models.SignatureDatabase{Version: 3})

	path := writeFile(t, "zeros.dat", make([]byte, 50))
	if v := e.ScanFile(path); v.Threat {
		t.Errorf("all-zero file flagged: %q", v.ThreatName)
	}
}

func TestHeuristicSuspiciousStrings(t *testing.T) {
	t.Parallel()

	e := newTestEngine(t, &models.SignatureDatabase{Version: 3})

	content := []byte("normal prefix YOUR FILES HAVE BEEN ENCRYPTED normal suffix")
	// Pad so the tiny-executable rule cannot shadow the string rule.
	content = append(content, bytes.Repeat([]byte(" filler"), 200)...)
	path := writeFile(t, "note.html", content)

	v := e.ScanFile(path)
	if !v.Threat || v.ThreatName != "Heuristic.Suspicious.Strings" {
		t.Errorf("verdict = %+v, want Suspicious.Strings", v)
	}
	if v.Severity != 5 {
		t.Errorf("Severity = %d, want 5", v.Severity)
	}
}

func TestHeuristicsDisabled(t *testing.T) {
	t.Parallel()

	e := newTestEngine(t, &models.SignatureDatabase{Version: 3})
	e.EnableHeuristics(false)

	path := writeFile(t, "small.exe", []byte("tiny"))
	if v := e.ScanFile(path); v.Threat {
		t.Errorf("heuristic fired while disabled: %q", v.ThreatName)
	}
}

func TestUpdateDatabaseSwap(t *testing.T) {
	t.Parallel()

	e := newTestEngine(t, testDatabase())

	path := writeFile(t, "new.bin", append([]byte("NEWPATTERN"), bytes.Repeat([]byte("."), 2000)...))
	if v := e.ScanFile(path); v.Threat {
		t.Fatalf("unexpected pre-update threat: %q", v.ThreatName)
	}

	next := &models.SignatureDatabase{
		Version: 5,
		Signatures: []models.Signature{
			{Name: "NEW", Pattern: []byte("NEWPATTERN"), Offset: models.OffsetAnywhere, Severity: 8},
		},
	}
	if err := e.UpdateDatabase(next); err != nil {
		t.Fatalf("UpdateDatabase failed: %v", err)
	}
	if e.DatabaseVersion() != 5 || e.SignatureCount() != 1 {
		t.Errorf("snapshot = v%d/%d sigs, want v5/1", e.DatabaseVersion(), e.SignatureCount())
	}

	if v := e.ScanFile(path); !v.Threat || v.ThreatName != "NEW" {
		t.Errorf("post-update verdict = %+v, want NEW", v)
	}
}

func TestUpdateDatabaseRejectsInvalid(t *testing.T) {
	t.Parallel()

	e := newTestEngine(t, testDatabase())

	bad := &models.SignatureDatabase{
		Version:    9,
		Signatures: []models.Signature{{Name: "broken", Severity: 5}},
	}
	if err := e.UpdateDatabase(bad); err == nil {
		t.Fatal("UpdateDatabase accepted an empty pattern")
	}

	// The old set must remain active.
	if e.DatabaseVersion() != 2 {
		t.Errorf("DatabaseVersion = %d, want the pre-failure 2", e.DatabaseVersion())
	}
	v := e.ScanBytes([]byte("xxEVILBYTESxx"), "")
	if !v.Threat || v.ThreatName != "TEST" {
		t.Error("old database no longer matching after failed update")
	}
}

func TestQuarantinePassthrough(t *testing.T) {
	t.Parallel()

	e := newTestEngine(t, testDatabase())
	src := writeFile(t, "payload.exe", []byte("EVILBYTES"))

	entry, err := e.Quarantine(src, "TEST")
	if err != nil {
		t.Fatalf("Quarantine failed: %v", err)
	}
	if _, err := os.Stat(src); err == nil {
		t.Error("source survived quarantine")
	}
	if got := e.QuarantineStore().List(); len(got) != 1 {
		t.Fatalf("List returned %d entries, want 1", len(got))
	}

	dest := filepath.Join(t.TempDir(), "back.exe")
	if err := e.Restore(entry.ID, dest); err != nil {
		t.Fatalf("Restore failed: %v", err)
	}
	got, err := os.ReadFile(dest)
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	if !bytes.Equal(got, []byte("EVILBYTES")) {
		t.Error("restored bytes differ")
	}
}

func BenchmarkScanBytes(b *testing.B) {
	dir := b.TempDir()
	e, err := detection.NewEngine(detection.Options{
		DatabasePath:  filepath.Join(dir, "signatures.db"),
		QuarantineDir: filepath.Join(dir, "Quarantine"),
	})
	if err != nil {
		b.Fatalf("NewEngine failed: %v", err)
	}

	buf := bytes.Repeat([]byte("The quick brown fox jumps over the lazy dog. "), 2048)

	b.SetBytes(int64(len(buf)))
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		e.ScanBytes(buf, "corpus.bin")
	}
}
