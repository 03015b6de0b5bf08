package sched

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/BlackVectorOps/hostguard/internal/scanner"
	"github.com/BlackVectorOps/hostguard/pkg/detection"
	"github.com/BlackVectorOps/hostguard/pkg/models"
)

func mustTime(t *testing.T, value string) time.Time {
	t.Helper()
	ts, err := time.Parse("2006-01-02 15:04:05", value)
	if err != nil {
		t.Fatalf("time.Parse failed: %v", err)
	}
	return ts
}

func TestShouldFire(t *testing.T) {
	t.Parallel()

	daily := Config{Type: Daily, Hour: 2, Enabled: true}
	window := 2 * time.Minute

	tests := []struct {
		name     string
		cfg      Config
		now      string
		lastFire string // empty for never
		want     bool
	}{
		{"daily on the hour", daily, "2026-08-06 02:00:10", "", true},
		{"daily just inside window", daily, "2026-08-06 02:01:59", "", true},
		{"daily past window", daily, "2026-08-06 02:02:01", "", false},
		{"daily wrong hour", daily, "2026-08-06 03:00:10", "", false},
		{"disabled", Config{Type: Daily, Hour: 2}, "2026-08-06 02:00:10", "", false},
		{
			// The double-fire guard: a second check within the window is
			// suppressed even though the wall clock still matches.
			"suppressed refire", daily, "2026-08-06 02:01:00", "2026-08-06 02:00:05", false,
		},
		{
			"fires again next day", daily, "2026-08-07 02:00:30", "2026-08-06 02:00:05", true,
		},
		{
			"weekly matching day",
			Config{Type: Weekly, Hour: 4, DayOfWeek: time.Thursday, Enabled: true},
			"2026-08-06 04:00:30", "", true, // 2026-08-06 is a Thursday
		},
		{
			"weekly wrong day",
			Config{Type: Weekly, Hour: 4, DayOfWeek: time.Monday, Enabled: true},
			"2026-08-06 04:00:30", "", false,
		},
		{
			"monthly matching day",
			Config{Type: Monthly, Hour: 1, DayOfMonth: 6, Enabled: true},
			"2026-08-06 01:00:30", "", true,
		},
		{
			"monthly wrong day",
			Config{Type: Monthly, Hour: 1, DayOfMonth: 15, Enabled: true},
			"2026-08-06 01:00:30", "", false,
		},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			var last time.Time
			if tc.lastFire != "" {
				last = mustTime(t, tc.lastFire)
			}
			got := shouldFire(tc.cfg, mustTime(t, tc.now), last, window)
			if got != tc.want {
				t.Errorf("shouldFire = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestNextOccurrence(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		cfg  Config
		now  string
		want string
	}{
		{
			"daily later today",
			Config{Type: Daily, Hour: 22, Enabled: true},
			"2026-08-06 10:00:00", "2026-08-06 22:00:00",
		},
		{
			"daily tomorrow",
			Config{Type: Daily, Hour: 2, Enabled: true},
			"2026-08-06 10:00:00", "2026-08-07 02:00:00",
		},
		{
			"weekly next thursday",
			Config{Type: Weekly, Hour: 2, DayOfWeek: time.Thursday, Enabled: true},
			"2026-08-06 10:00:00", "2026-08-13 02:00:00",
		},
		{
			"monthly next month",
			Config{Type: Monthly, Hour: 2, DayOfMonth: 1, Enabled: true},
			"2026-08-06 10:00:00", "2026-09-01 02:00:00",
		},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got := nextOccurrence(tc.cfg, mustTime(t, tc.now))
			if want := mustTime(t, tc.want); !got.Equal(want) {
				t.Errorf("nextOccurrence = %v, want %v", got, want)
			}
		})
	}
}

func TestTriggerNowRunsScan(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	engineDir := t.TempDir()
	e, err := detection.NewEngine(detection.Options{
		DatabasePath:  filepath.Join(engineDir, "signatures.db"),
		QuarantineDir: filepath.Join(engineDir, "Quarantine"),
	})
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}
	e.EnableHeuristics(false)
	if err := os.WriteFile(filepath.Join(dir, "a.bin"), []byte("harmless"), 0644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	orch := scanner.New(e, scanner.Config{QuickPaths: []string{dir}}, nil)
	s := New(orch, nil)
	t.Cleanup(s.Shutdown)

	var gotResult models.ScanResult
	var gotTook time.Duration
	called := make(chan struct{})
	s.SetCompleteCallback(func(result models.ScanResult, threats []models.Verdict, took time.Duration) {
		gotResult = result
		gotTook = took
		close(called)
	})

	if !s.TriggerNow(models.ScanQuick) {
		t.Fatal("TriggerNow reported failure")
	}
	select {
	case <-called:
	default:
		t.Fatal("completion callback not invoked synchronously")
	}
	if gotResult != models.ResultSuccess {
		t.Errorf("result = %v, want success", gotResult)
	}
	if gotTook < 0 {
		t.Errorf("took = %v", gotTook)
	}
}

func TestNextScanTimeDisabled(t *testing.T) {
	t.Parallel()

	orch := scanner.New(nil, scanner.Config{}, nil)
	s := New(orch, nil)
	t.Cleanup(s.Shutdown)

	if _, err := s.NextScanTime(); err == nil {
		t.Error("NextScanTime succeeded with a disabled schedule")
	}
}
