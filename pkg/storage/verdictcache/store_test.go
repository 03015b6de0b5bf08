package verdictcache

import (
	"path/filepath"
	"testing"

	"github.com/BlackVectorOps/hostguard/pkg/models"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "cache"))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestPutGetRoundTrip(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)

	want := models.Verdict{Threat: true, ThreatName: "TEST", Severity: 9}
	if err := s.Put("abc123:.exe:1", 4, want); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	got, ok := s.Get("abc123:.exe:1", 4)
	if !ok {
		t.Fatal("Get missed a stored entry")
	}
	if got.ThreatName != want.ThreatName || got.Severity != want.Severity || !got.Threat {
		t.Errorf("Get = %+v, want %+v", got, want)
	}
}

func TestGetMissesOnVersionMismatch(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)

	if err := s.Put("key", 4, models.Verdict{}); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	// A database update must invalidate everything produced before it.
	if _, ok := s.Get("key", 5); ok {
		t.Error("entry from stale database version served")
	}
	if _, ok := s.Get("key", 4); !ok {
		t.Error("entry for matching version not served")
	}
}

func TestGetUnknownKey(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	if _, ok := s.Get("never-stored", 1); ok {
		t.Error("Get returned a verdict for an unknown key")
	}
}

func TestReopenKeepsEntries(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "cache")

	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if err := s.Put("persist", 2, models.Verdict{Threat: true, ThreatName: "X", Severity: 8}); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	s2, err := Open(path)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer s2.Close()

	if _, ok := s2.Get("persist", 2); !ok {
		t.Error("entry lost across reopen")
	}
}

func TestClosedStoreIsInert(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	if err := s.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Errorf("second Close = %v, want nil", err)
	}
	if _, ok := s.Get("key", 1); ok {
		t.Error("Get succeeded on a closed store")
	}
	if err := s.Put("key", 1, models.Verdict{}); err == nil {
		t.Error("Put succeeded on a closed store")
	}
}
