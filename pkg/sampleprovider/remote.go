package sampleprovider

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	lru "github.com/hashicorp/golang-lru/v2"
)

// breakerState is the circuit breaker's current mode.
type breakerState int

const (
	closed breakerState = iota
	open
)

// RemoteConfig configures the Remote adapter's circuit breaker (§4.2).
type RemoteConfig struct {
	// FailureThreshold is N: failures within Window before the breaker
	// opens.
	FailureThreshold int
	// Window is the rolling window W failures are counted over.
	Window time.Duration
	// OpenDuration is T: how long the breaker stays open before a
	// half-open probe is allowed.
	OpenDuration time.Duration
	// CacheSize bounds the LRU fallback cache entry count.
	CacheSize int
	// RequestTimeout bounds each network call (default 5s per §5).
	RequestTimeout time.Duration
}

func (c RemoteConfig) withDefaults() RemoteConfig {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 5
	}
	if c.Window <= 0 {
		c.Window = 30 * time.Second
	}
	if c.OpenDuration <= 0 {
		c.OpenDuration = 30 * time.Second
	}
	if c.CacheSize <= 0 {
		c.CacheSize = 1024
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 5 * time.Second
	}
	return c
}

// Remote fetches sample content over HTTP with a circuit breaker: after N
// failures in a rolling window W the breaker opens for T; while open,
// reads fall back to a bounded LRU cache; if the cache also misses, the
// caller sees provider_unavailable (§4.2, §7).
type Remote struct {
	client  *http.Client
	baseURL string
	cfg     RemoteConfig
	logger  *slog.Logger

	mu         sync.Mutex
	state      breakerState
	failures   []time.Time
	openedAt   time.Time

	cache *lru.Cache[string, DTO]
}

// NewRemote builds a Remote adapter against baseURL.
func NewRemote(client *http.Client, baseURL string, cfg RemoteConfig, logger *slog.Logger) (*Remote, error) {
	cfg = cfg.withDefaults()
	cache, err := lru.New[string, DTO](cfg.CacheSize)
	if err != nil {
		return nil, err
	}
	return &Remote{client: client, baseURL: baseURL, cfg: cfg, logger: logger, cache: cache}, nil
}

func (r *Remote) Fetch(ctx context.Context, id string) (DTO, error) {
	if r.breakerOpen() {
		if dto, ok := r.cache.Get(id); ok {
			return dto, nil
		}
		return DTO{}, wrapUnavailable(nil)
	}

	ctx, cancel := context.WithTimeout(ctx, r.cfg.RequestTimeout)
	defer cancel()

	dto, err := r.fetchOnce(ctx, id)
	if err != nil {
		r.recordFailure()
		if dto, ok := r.cache.Get(id); ok {
			return dto, nil
		}
		return DTO{}, wrapUnavailable(err)
	}
	r.recordSuccess()
	r.cache.Add(id, dto)
	return dto, nil
}

func (r *Remote) FetchBatch(ctx context.Context, ids []string) (map[string]DTO, error) {
	out := make(map[string]DTO, len(ids))
	for _, id := range ids {
		dto, err := r.Fetch(ctx, id)
		if err != nil {
			return nil, err
		}
		out[id] = dto
	}
	return out, nil
}

// fetchOnce performs the network round-trip, retrying any failure with
// exponential backoff, at most three tries in all and within ctx's deadline.
func (r *Remote) fetchOnce(ctx context.Context, id string) (DTO, error) {
	op := func() (DTO, error) {
		return r.doRequest(ctx, id)
	}
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 10 * time.Millisecond
	bo.MaxInterval = 50 * time.Millisecond
	return backoff.Retry(ctx, op, backoff.WithBackOff(bo), backoff.WithMaxTries(3))
}

func (r *Remote) doRequest(ctx context.Context, id string) (DTO, error) {
	// The HTTP wire format for the sample-content service is the external
	// collaborator's concern (§1); decoding lives here as the minimal
	// glue, not as a protocol this package owns.
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.baseURL+"/samples/"+id, nil)
	if err != nil {
		return DTO{}, err
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return DTO{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return DTO{}, &httpStatusError{Code: resp.StatusCode}
	}
	return decodeDTO(resp.Body, id)
}

func (r *Remote) breakerOpen() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != open {
		return false
	}
	if time.Since(r.openedAt) >= r.cfg.OpenDuration {
		// Half-open: allow the next call through to probe.
		r.state = closed
		r.failures = nil
		return false
	}
	return true
}

func (r *Remote) recordFailure() {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now()
	r.failures = append(r.failures, now)
	cutoff := now.Add(-r.cfg.Window)
	kept := r.failures[:0]
	for _, f := range r.failures {
		if f.After(cutoff) {
			kept = append(kept, f)
		}
	}
	r.failures = kept
	if len(r.failures) >= r.cfg.FailureThreshold {
		r.state = open
		r.openedAt = now
		if r.logger != nil {
			r.logger.Warn("sample provider circuit breaker opened", "failures", len(r.failures))
		}
	}
}

func (r *Remote) recordSuccess() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failures = nil
	r.state = closed
}

type httpStatusError struct{ Code int }

func (e *httpStatusError) Error() string {
	return "sample provider returned non-200 status"
}

type wireDTO struct {
	Content   map[string]any `json:"content"`
	Version   string         `json:"version"`
	Metadata  map[string]any `json:"metadata"`
	AssetURLs []string       `json:"asset_urls"`
}

func decodeDTO(body io.Reader, id string) (DTO, error) {
	var w wireDTO
	if err := json.NewDecoder(body).Decode(&w); err != nil {
		return DTO{}, err
	}
	return DTO{ID: id, Content: w.Content, Version: w.Version, Metadata: w.Metadata, AssetURLs: w.AssetURLs}, nil
}
