// Package executor issues redirect lookups and classifies the outcome.
package executor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/FairForge/linkload/internal/population"
)

// ErrRequestFailed wraps transport errors and timeouts.
var ErrRequestFailed = errors.New("executor: request failed")

// DefaultCacheHitProxyThreshold is the latency below which a binary-variant
// lookup is counted as a probable cache hit.
const DefaultCacheHitProxyThreshold = 5 * time.Millisecond

// Config configures an Executor.
type Config struct {
	BaseURL string
	Timeout time.Duration
	// MaxIdleConns sizes the per-host keep-alive pool; usually twice the VU count.
	MaxIdleConns int
	// CacheHitProxyThreshold of zero disables the proxy.
	CacheHitProxyThreshold time.Duration
	// CacheHitProxy enables the latency proxy. Only the binary variant sets it.
	CacheHitProxy bool
}

// DefaultConfig returns executor defaults.
func DefaultConfig() Config {
	return Config{
		BaseURL:                "http://localhost:8080",
		Timeout:                5 * time.Second,
		MaxIdleConns:           100,
		CacheHitProxyThreshold: DefaultCacheHitProxyThreshold,
	}
}

// Outcome is the measured result of one lookup. The response itself is not
// retained.
type Outcome struct {
	IssuedAt      time.Time
	Latency       time.Duration
	StatusCode    int
	HasLocation   bool
	Tier          population.Tier
	Success       bool
	CacheHitProxy bool
	Err           error
}

// Executor performs lookups against the service under test. It is safe for
// concurrent use.
type Executor struct {
	config Config
	client *http.Client
}

// New creates an executor with redirects disabled.
func New(config Config) *Executor {
	def := DefaultConfig()
	if config.Timeout <= 0 {
		config.Timeout = def.Timeout
	}
	if config.MaxIdleConns <= 0 {
		config.MaxIdleConns = def.MaxIdleConns
	}
	config.BaseURL = strings.TrimRight(config.BaseURL, "/")

	client := &http.Client{
		Timeout: config.Timeout,
		Transport: &http.Transport{
			Proxy:               http.ProxyFromEnvironment,
			MaxIdleConns:        config.MaxIdleConns,
			MaxIdleConnsPerHost: config.MaxIdleConns,
			IdleConnTimeout:     90 * time.Second,
		},
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
	return &Executor{config: config, client: client}
}

// NewWithClient uses client as given, except that redirects are never
// followed.
func NewWithClient(config Config, client *http.Client) *Executor {
	e := New(config)
	c := *client
	c.CheckRedirect = func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}
	if c.Timeout <= 0 {
		c.Timeout = e.config.Timeout
	}
	e.client = &c
	return e
}

// Execute looks up key once. It never retries and never returns an error;
// failures are reported in the Outcome.
func (e *Executor) Execute(ctx context.Context, key population.KeyRecord) Outcome {
	out := Outcome{Tier: key.Tier}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.config.BaseURL+"/"+key.Identifier, nil)
	if err != nil {
		out.IssuedAt = time.Now()
		out.Err = fmt.Errorf("%w: %v", ErrRequestFailed, err)
		return out
	}

	out.IssuedAt = time.Now()
	resp, err := e.client.Do(req)
	if err != nil {
		out.Latency = time.Since(out.IssuedAt)
		out.Err = fmt.Errorf("%w: %s: %v", ErrRequestFailed, key.Identifier, err)
		return out
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()
	out.Latency = time.Since(out.IssuedAt)

	location := resp.Header.Get("Location")
	out.StatusCode = resp.StatusCode
	out.HasLocation = location != ""
	out.Success = Classify(key.Tier, resp.StatusCode, location)
	out.CacheHitProxy = e.config.CacheHitProxy && IsProbableCacheHit(out.Latency, e.config.CacheHitProxyThreshold)
	return out
}

// Classify decides success. Keys in the invalid tier must miss with 404;
// every other key must redirect with a Location header.
func Classify(tier population.Tier, status int, location string) bool {
	if tier == population.TierInvalid {
		return status == http.StatusNotFound
	}
	switch status {
	case http.StatusMovedPermanently, http.StatusFound:
		return location != ""
	}
	return false
}

// IsProbableCacheHit is a latency heuristic, not a measurement. A threshold
// of zero or less disables it.
func IsProbableCacheHit(latency, threshold time.Duration) bool {
	return threshold > 0 && latency < threshold
}
