package intel

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/BlackVectorOps/hostguard/pkg/detection"
)

func verdictServer(t *testing.T, verdict string, failures int) (*httptest.Server, *atomic.Int64) {
	t.Helper()
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) <= int64(failures) {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		json.NewEncoder(w).Encode(map[string]string{"verdict": verdict})
	}))
	t.Cleanup(srv.Close)
	return srv, &calls
}

func newClient(t *testing.T, serverURL, cachePath string) *Client {
	t.Helper()
	c, err := New(Options{ServerURL: serverURL, CachePath: cachePath})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	t.Cleanup(c.Shutdown)
	return c
}

func TestQueryFileHashVerdicts(t *testing.T) {
	t.Parallel()

	tests := []struct {
		verdict string
		want    detection.IntelVerdict
	}{
		{"clean", detection.IntelClean},
		{"suspicious", detection.IntelSuspicious},
		{"malicious", detection.IntelMalicious},
		{"garbage", detection.IntelUnknown},
	}
	for _, tc := range tests {
		tc := tc
		t.Run(tc.verdict, func(t *testing.T) {
			t.Parallel()
			srv, _ := verdictServer(t, tc.verdict, 0)
			c := newClient(t, srv.URL, "")
			if got := c.QueryFileHash("ab" + tc.verdict); got != tc.want {
				t.Errorf("QueryFileHash = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestQueryRetriesServerErrors(t *testing.T) {
	t.Parallel()

	srv, calls := verdictServer(t, "malicious", 2)
	c := newClient(t, srv.URL, "")

	if got := c.QueryFileHash("deadbeef"); got != detection.IntelMalicious {
		t.Errorf("QueryFileHash = %v, want malicious after retries", got)
	}
	if calls.Load() != 3 {
		t.Errorf("server saw %d calls, want 3 (2 failures + success)", calls.Load())
	}
}

func TestQueryUnreachableReturnsUnknown(t *testing.T) {
	t.Parallel()

	c := newClient(t, "http://127.0.0.1:1", "")
	if got := c.QueryFileHash("deadbeef"); got != detection.IntelUnknown {
		t.Errorf("QueryFileHash = %v, want unknown on network failure", got)
	}
}

func TestVerdictCached(t *testing.T) {
	t.Parallel()

	srv, calls := verdictServer(t, "malicious", 0)
	c := newClient(t, srv.URL, "")

	c.QueryFileHash("cafebabe")
	c.QueryFileHash("cafebabe")
	if calls.Load() != 1 {
		t.Errorf("server saw %d calls, want 1 (second query cached)", calls.Load())
	}
}

func TestCachePersistsAcrossRestart(t *testing.T) {
	t.Parallel()

	cachePath := filepath.Join(t.TempDir(), "Intelligence", "cache.json")
	srv, calls := verdictServer(t, "suspicious", 0)

	c, err := New(Options{ServerURL: srv.URL, CachePath: cachePath})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	c.QueryFileHash("feedface")
	c.Shutdown()

	c2 := newClient(t, srv.URL, cachePath)
	if got := c2.QueryFileHash("feedface"); got != detection.IntelSuspicious {
		t.Errorf("QueryFileHash after restart = %v, want suspicious", got)
	}
	if calls.Load() != 1 {
		t.Errorf("server saw %d calls, want 1 (restart served from disk)", calls.Load())
	}
}

func TestReportThreat(t *testing.T) {
	t.Parallel()

	var received atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var report Report
		if err := json.NewDecoder(r.Body).Decode(&report); err != nil {
			t.Errorf("bad report payload: %v", err)
		}
		if report.ThreatName != "TEST" {
			t.Errorf("ThreatName = %q", report.ThreatName)
		}
		received.Store(true)
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)

	c := newClient(t, srv.URL, "")
	if err := c.ReportThreat(Report{ThreatName: "TEST", Severity: 9}); err != nil {
		t.Fatalf("ReportThreat failed: %v", err)
	}
	if !received.Load() {
		t.Error("report never reached the server")
	}
}

func TestInvalidServerURL(t *testing.T) {
	t.Parallel()

	if _, err := New(Options{ServerURL: "not a url"}); err == nil {
		t.Error("New accepted an invalid url")
	}
}
