// Package stubservice is an in-memory URL shortener with cache telemetry,
// used for local runs and end-to-end tests.
package stubservice

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	lru "github.com/hashicorp/golang-lru"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/FairForge/linkload/internal/telemetry"
)

const base62 = "0123456789abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ"

// Config configures the stub.
type Config struct {
	// PublicURL prefixes shortUrl in create responses.
	PublicURL string
	// CacheSize bounds how many codes count as cached; zero caches nothing.
	CacheSize int
	// MissLatency is added to lookups that miss the cache.
	MissLatency time.Duration
	// Names are the exposition names served on /metrics.
	Names telemetry.Names
}

func DefaultConfig() Config {
	return Config{
		PublicURL: "http://localhost:8080",
		CacheSize: 1000,
		Names:     telemetry.DefaultNames(),
	}
}

type createRequest struct {
	OriginalURL string  `json:"originalUrl"`
	Alias       *string `json:"alias"`
	ExpiresAt   *string `json:"expiresAt"`
}

type createResponse struct {
	ShortCode   string     `json:"shortCode"`
	ShortURL    string     `json:"shortUrl"`
	OriginalURL string     `json:"originalUrl"`
	CreatedAt   time.Time  `json:"createdAt"`
	ExpiresAt   *time.Time `json:"expiresAt,omitempty"`
}

type entry struct {
	target    string
	expiresAt time.Time
}

// Service stores short codes and simulates a bounded lookup cache.
type Service struct {
	config Config
	logger *zap.Logger

	mu     sync.RWMutex
	urls   map[string]entry
	next   uint64
	bytes  int64
	cached *lru.Cache

	hits   atomic.Int64
	misses atomic.Int64

	metrics http.Handler
}

func New(config Config, logger *zap.Logger) *Service {
	if config.Names == (telemetry.Names{}) {
		config.Names = telemetry.DefaultNames()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Service{
		config: config,
		logger: logger,
		urls:   make(map[string]entry),
		next:   1,
	}
	if config.CacheSize > 0 {
		// lru.New only fails for a non-positive size.
		s.cached, _ = lru.New(config.CacheSize)
	}
	s.metrics = s.newMetricsHandler()
	return s
}

func (s *Service) newMetricsHandler() http.Handler {
	n := s.config.Names
	registry := prometheus.NewRegistry()
	for _, c := range []prometheus.Collector{
		prometheus.NewCounterFunc(prometheus.CounterOpts{Name: n.Hits, Help: "Lookups served from cache."},
			func() float64 { return float64(s.hits.Load()) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{Name: n.Misses, Help: "Lookups that missed the cache."},
			func() float64 { return float64(s.misses.Load()) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{Name: n.Memory, Help: "Approximate bytes held by stored URLs."},
			func() float64 {
				s.mu.RLock()
				defer s.mu.RUnlock()
				return float64(s.bytes)
			}),
	} {
		if err := registry.Register(c); err != nil {
			s.logger.Warn("metric not exposed", zap.Error(err))
		}
	}
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

// reserved holds first path segments owned by static routes; a code equal
// to one of them could never be redirected.
var reserved = map[string]bool{"urls": true, "metrics": true, "admin": true}

func validateAlias(alias string) error {
	if reserved[alias] {
		return fmt.Errorf("alias %q is reserved", alias)
	}
	if strings.ContainsAny(alias, "/?#") {
		return fmt.Errorf("alias %q must be a single path segment", alias)
	}
	return nil
}

// Routes returns the HTTP surface.
func (s *Service) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	s.RegisterRoutes(r)
	return r
}

// RegisterRoutes mounts the shortener endpoints on r.
func (s *Service) RegisterRoutes(r chi.Router) {
	r.Post("/urls", s.Create)
	r.Get("/admin/health", s.Health)
	r.Get("/metrics", s.Metrics)
	r.Get("/{code}", s.Redirect)
}

// Create stores a URL and answers 201 with its short code.
func (s *Service) Create(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, fmt.Errorf("invalid body: %w", err))
		return
	}
	if err := validateTarget(req.OriginalURL); err != nil {
		s.respondError(w, http.StatusBadRequest, err)
		return
	}

	if req.Alias != nil && *req.Alias != "" {
		if err := validateAlias(*req.Alias); err != nil {
			s.respondError(w, http.StatusBadRequest, err)
			return
		}
	}

	var expires time.Time
	if req.ExpiresAt != nil && *req.ExpiresAt != "" {
		t, err := time.Parse(time.RFC3339, *req.ExpiresAt)
		if err != nil {
			s.respondError(w, http.StatusBadRequest, fmt.Errorf("invalid expiresAt: %w", err))
			return
		}
		expires = t
	}

	s.mu.Lock()
	var code string
	if req.Alias != nil && *req.Alias != "" {
		code = *req.Alias
		if _, taken := s.urls[code]; taken {
			s.mu.Unlock()
			s.respondError(w, http.StatusConflict, fmt.Errorf("alias %q already exists", code))
			return
		}
	} else {
		for {
			code = Encode(s.next)
			s.next++
			if _, taken := s.urls[code]; !taken && !reserved[code] {
				break
			}
		}
	}
	s.urls[code] = entry{target: req.OriginalURL, expiresAt: expires}
	s.bytes += int64(len(code) + len(req.OriginalURL))
	s.mu.Unlock()

	resp := createResponse{
		ShortCode:   code,
		ShortURL:    strings.TrimRight(s.config.PublicURL, "/") + "/" + code,
		OriginalURL: req.OriginalURL,
		CreatedAt:   time.Now().UTC(),
	}
	if !expires.IsZero() {
		resp.ExpiresAt = &expires
	}
	s.respondJSON(w, http.StatusCreated, resp)
}

// Redirect answers 302 with Location, or 404 for unknown and expired codes.
func (s *Service) Redirect(w http.ResponseWriter, r *http.Request) {
	code := chi.URLParam(r, "code")

	s.mu.RLock()
	e, ok := s.urls[code]
	s.mu.RUnlock()
	if !ok || (!e.expiresAt.IsZero() && time.Now().After(e.expiresAt)) {
		s.misses.Add(1)
		s.respondError(w, http.StatusNotFound, errors.New("short code not found"))
		return
	}

	if s.lookupCache(code) {
		s.hits.Add(1)
	} else {
		s.misses.Add(1)
		if s.config.MissLatency > 0 {
			time.Sleep(s.config.MissLatency)
		}
	}
	http.Redirect(w, r, e.target, http.StatusFound)
}

// lookupCache reports whether code was cached and caches it. When full the
// least recently used code is evicted.
func (s *Service) lookupCache(code string) bool {
	if s.cached == nil {
		return false
	}
	if _, ok := s.cached.Get(code); ok {
		return true
	}
	s.cached.Add(code, struct{}{})
	return false
}

// Health answers 200 while the service is up.
func (s *Service) Health(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Metrics serves the hit, miss and memory series in the Prometheus text format.
func (s *Service) Metrics(w http.ResponseWriter, r *http.Request) {
	s.metrics.ServeHTTP(w, r)
}

// Stats returns the cache counters.
func (s *Service) Stats() (hits, misses int64) {
	return s.hits.Load(), s.misses.Load()
}

// Len returns the number of stored codes.
func (s *Service) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.urls)
}

// Encode renders n in base62.
func Encode(n uint64) string {
	if n == 0 {
		return "0"
	}
	var buf [11]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = base62[n%62]
		n /= 62
	}
	return string(buf[i:])
}

func validateTarget(raw string) error {
	if raw == "" {
		return errors.New("originalUrl is required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid originalUrl: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("invalid originalUrl scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return errors.New("originalUrl has no host")
	}
	return nil
}

func (s *Service) respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Error("failed to encode JSON response", zap.Error(err))
	}
}

func (s *Service) respondError(w http.ResponseWriter, status int, err error) {
	s.logger.Debug("request rejected", zap.Error(err), zap.Int("status", status))
	s.respondJSON(w, status, map[string]string{
		"error": err.Error(),
	})
}
