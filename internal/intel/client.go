// Package intel is the cloud intelligence client: hash reputation queries,
// threat reporting and a periodic indicator refresh, fronted by a TTL
// cache persisted as JSON. Every network failure degrades to "Unknown";
// the engine treats Unknown as no opinion, so a dead endpoint never blocks
// a scan.
package intel

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/BlackVectorOps/hostguard/pkg/detection"
	"github.com/BlackVectorOps/hostguard/pkg/models"
)

// cacheTTL bounds how long a cloud verdict is trusted locally.
const cacheTTL = 24 * time.Hour

// maxResponseSize limits the buffer for upstream responses.
const maxResponseSize = 1 * 1024 * 1024

// Indicator is one threat indicator pushed by the service.
type Indicator struct {
	Hash        string    `json:"hash"`
	Type        string    `json:"type"`
	Description string    `json:"description"`
	Timestamp   time.Time `json:"timestamp"`
}

// Report describes a locally detected threat for upstream submission.
type Report struct {
	FilePath   string `json:"file_path"`
	ThreatName string `json:"threat_name"`
	Severity   int    `json:"severity"`
	FileHash   string `json:"file_hash"`
	FileSize   int64  `json:"file_size"`
	Timestamp  string `json:"timestamp"`
}

type cacheEntry struct {
	Verdict   detection.IntelVerdict `json:"verdict"`
	Timestamp time.Time              `json:"timestamp"`
}

// Client talks to the intelligence endpoint. It satisfies
// detection.IntelClient.
type Client struct {
	serverURL string
	apiKey    string
	cachePath string
	http      *http.Client
	logger    *slog.Logger

	mu         sync.Mutex
	hashCache  map[string]cacheEntry
	indicators []Indicator

	stopOnce sync.Once
	done     chan struct{}
	wg       sync.WaitGroup
}

// Options configure a Client.
type Options struct {
	ServerURL string
	APIKey    string
	// CachePath persists the hash cache across restarts; empty disables
	// persistence.
	CachePath string
	// RefreshInterval drives the background indicator refresh; zero
	// disables the loop.
	RefreshInterval time.Duration
	Logger          *slog.Logger
	// HTTPClient overrides the default client, mainly for tests.
	HTTPClient *http.Client
}

// New validates the endpoint and starts the refresh loop when configured.
func New(opts Options) (*Client, error) {
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if _, err := url.ParseRequestURI(opts.ServerURL); err != nil {
		return nil, fmt.Errorf("invalid intelligence server url: %w", err)
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: models.IntelRequestTimeout}
	}

	c := &Client{
		serverURL: opts.ServerURL,
		apiKey:    opts.APIKey,
		cachePath: opts.CachePath,
		http:      httpClient,
		logger:    opts.Logger,
		hashCache: make(map[string]cacheEntry),
		done:      make(chan struct{}),
	}
	c.loadCache()

	if opts.RefreshInterval > 0 {
		c.wg.Add(1)
		go c.refreshLoop(opts.RefreshInterval)
	}
	return c, nil
}

// Shutdown stops the refresh loop and persists the cache. Idempotent.
func (c *Client) Shutdown() {
	c.stopOnce.Do(func() {
		close(c.done)
		c.wg.Wait()
		c.saveCache()
	})
}

// QueryFileHash resolves a sha256 to a reputation verdict. Cache first,
// then the service with bounded retries; IntelUnknown on any failure.
func (c *Client) QueryFileHash(sha256Hex string) detection.IntelVerdict {
	c.mu.Lock()
	if entry, ok := c.hashCache[sha256Hex]; ok && time.Since(entry.Timestamp) < cacheTTL {
		c.mu.Unlock()
		return entry.Verdict
	}
	c.mu.Unlock()

	verdict, err := c.queryService(sha256Hex)
	if err != nil {
		c.logger.Debug("hash query failed", "error", err)
		return detection.IntelUnknown
	}

	c.mu.Lock()
	c.hashCache[sha256Hex] = cacheEntry{Verdict: verdict, Timestamp: time.Now()}
	c.mu.Unlock()
	return verdict
}

// ReportThreat submits a detection upstream. Failures are returned to the
// caller; the scan pipeline never depends on telemetry.
func (c *Client) ReportThreat(r Report) error {
	payload, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("failed to encode threat report: %w", err)
	}
	if _, err := c.request(http.MethodPost, "/api/v1/report", payload); err != nil {
		return fmt.Errorf("failed to submit threat report: %w", err)
	}
	return nil
}

// Indicators returns the last fetched indicator set.
func (c *Client) Indicators() []Indicator {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Indicator, len(c.indicators))
	copy(out, c.indicators)
	return out
}

// -- Service calls --

func (c *Client) queryService(hash string) (detection.IntelVerdict, error) {
	raw, err := c.request(http.MethodGet, "/api/v1/hash/"+url.PathEscape(hash), nil)
	if err != nil {
		return detection.IntelUnknown, err
	}

	var body struct {
		Verdict string `json:"verdict"`
	}
	if err := json.Unmarshal(raw, &body); err != nil {
		return detection.IntelUnknown, fmt.Errorf("malformed verdict response: %w", err)
	}
	switch body.Verdict {
	case "clean":
		return detection.IntelClean, nil
	case "suspicious":
		return detection.IntelSuspicious, nil
	case "malicious":
		return detection.IntelMalicious, nil
	}
	return detection.IntelUnknown, nil
}

func (c *Client) refreshIndicators() error {
	raw, err := c.request(http.MethodGet, "/api/v1/indicators", nil)
	if err != nil {
		return err
	}
	var indicators []Indicator
	if err := json.Unmarshal(raw, &indicators); err != nil {
		return fmt.Errorf("malformed indicator response: %w", err)
	}

	c.mu.Lock()
	c.indicators = indicators
	c.mu.Unlock()
	c.logger.Info("threat indicators refreshed", "count", len(indicators))
	return nil
}

// request performs one HTTP call with exponential backoff on transport
// errors and 5xx responses.
func (c *Client) request(method, endpoint string, payload []byte) ([]byte, error) {
	var result []byte

	policy := backoff.WithMaxRetries(backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(models.BaseRetryDelay),
		backoff.WithMaxInterval(models.MaxRetryDelay),
	), models.MaxHTTPRetries)

	operation := func() error {
		var body io.Reader
		if payload != nil {
			body = bytes.NewReader(payload)
		}
		req, err := http.NewRequest(method, c.serverURL+endpoint, body)
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")
		if c.apiKey != "" {
			req.Header.Set("Authorization", "Bearer "+c.apiKey)
		}

		resp, err := c.http.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 500 {
			return fmt.Errorf("server error %d", resp.StatusCode)
		}
		if resp.StatusCode != http.StatusOK {
			return backoff.Permanent(fmt.Errorf("unexpected status %d", resp.StatusCode))
		}

		result, err = io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
		if err != nil {
			return err
		}
		return nil
	}

	if err := backoff.Retry(operation, policy); err != nil {
		return nil, err
	}
	return result, nil
}

// -- Refresh loop --

func (c *Client) refreshLoop(interval time.Duration) {
	defer c.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			if err := c.refreshIndicators(); err != nil {
				c.logger.Debug("indicator refresh failed", "error", err)
			}
		}
	}
}

// -- Cache persistence --

func (c *Client) loadCache() {
	if c.cachePath == "" {
		return
	}
	raw, err := os.ReadFile(c.cachePath)
	if err != nil {
		return
	}
	var cached map[string]cacheEntry
	if err := json.Unmarshal(raw, &cached); err != nil {
		c.logger.Warn("discarding malformed intelligence cache", "error", err)
		return
	}
	now := time.Now()
	c.mu.Lock()
	for hash, entry := range cached {
		if now.Sub(entry.Timestamp) < cacheTTL {
			c.hashCache[hash] = entry
		}
	}
	c.mu.Unlock()
}

func (c *Client) saveCache() {
	if c.cachePath == "" {
		return
	}
	c.mu.Lock()
	raw, err := json.Marshal(c.hashCache)
	c.mu.Unlock()
	if err != nil {
		return
	}
	if err := os.MkdirAll(filepath.Dir(c.cachePath), 0755); err != nil {
		return
	}
	if err := os.WriteFile(c.cachePath, raw, models.FilePermSecure); err != nil {
		c.logger.Warn("failed to persist intelligence cache", "error", err)
	}
}
