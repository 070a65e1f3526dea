// Package recording reads pending visit/data recordings from the external recording system.
//
// Sources implement schedule.RecordingSource and are wired into an
// ExternalOverrideScheduler, which lets the earliest pending recording dictate the next
// questionnaire window.
package recording

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/BTreeMap/StudyPipe/internal/models"
	"github.com/BTreeMap/StudyPipe/internal/schedule"
)

// Default HTTPSource settings
const (
	DefaultTimeout      = 10 * time.Second
	DefaultRatePerSec   = 5
	DefaultAPIKeyHeader = "X-API-Key"
	maxErrorBodyBytes   = 512
)

// ErrUnexpectedStatus is returned for non-2xx responses of the recording API.
var ErrUnexpectedStatus = errors.New("unexpected recording API status")

// Compile-time checks that the sources implement schedule.RecordingSource.
var (
	_ schedule.RecordingSource = (*HTTPSource)(nil)
	_ schedule.RecordingSource = (*StaticSource)(nil)
)

// Opts holds configuration options for an HTTPSource.
type Opts struct {
	APIKey       string
	APIKeyHeader string
	Timeout      time.Duration
	RatePerSec   int
	Client       *http.Client
}

// Option defines a configuration option for an HTTPSource.
type Option func(*Opts)

// WithAPIKey sets the API key sent with every request.
func WithAPIKey(key string) Option {
	return func(o *Opts) { o.APIKey = key }
}

// WithAPIKeyHeader overrides the header carrying the API key.
func WithAPIKeyHeader(header string) Option {
	return func(o *Opts) { o.APIKeyHeader = header }
}

// WithTimeout sets the per-request timeout.
func WithTimeout(d time.Duration) Option {
	return func(o *Opts) { o.Timeout = d }
}

// WithRatePerSec caps outbound requests per second; the burst equals the rate.
func WithRatePerSec(rps int) Option {
	return func(o *Opts) { o.RatePerSec = rps }
}

// WithHTTPClient replaces the HTTP client, e.g. with an httptest server's client.
func WithHTTPClient(c *http.Client) Option {
	return func(o *Opts) { o.Client = c }
}

// HTTPSource queries GET {base}/participants/{uid}/recordings?status=pending.
type HTTPSource struct {
	baseURL   string
	apiKey    string
	keyHeader string
	client    *http.Client
	limiter   *rate.Limiter
}

// NewHTTPSource creates an HTTPSource for the API rooted at baseURL.
func NewHTTPSource(baseURL string, opts ...Option) (*HTTPSource, error) {
	cfg := Opts{
		APIKeyHeader: DefaultAPIKeyHeader,
		Timeout:      DefaultTimeout,
		RatePerSec:   DefaultRatePerSec,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	u, err := url.Parse(baseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid recording API base URL %q", baseURL)
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = DefaultRatePerSec
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}

	slog.Debug("NewHTTPSource: recording source configured", "base_url", u.Redacted(), "rps", cfg.RatePerSec, "api_key_set", cfg.APIKey != "")
	return &HTTPSource{
		baseURL:   strings.TrimRight(baseURL, "/"),
		apiKey:    cfg.APIKey,
		keyHeader: cfg.APIKeyHeader,
		client:    client,
		limiter:   rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec),
	}, nil
}

// PendingRecordings implements schedule.RecordingSource.
func (s *HTTPSource) PendingRecordings(ctx context.Context, participantUID string) ([]models.ExternalRecording, error) {
	if participantUID == "" {
		return nil, fmt.Errorf("participant uid is empty")
	}
	if err := s.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter: %w", err)
	}

	endpoint := s.baseURL + "/participants/" + url.PathEscape(participantUID) + "/recordings?status=pending"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("build recording request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if s.apiKey != "" {
		req.Header.Set(s.keyHeader, s.apiKey)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("recording request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
		return nil, fmt.Errorf("%w %d: %s", ErrUnexpectedStatus, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var recordings []models.ExternalRecording
	if err := json.NewDecoder(resp.Body).Decode(&recordings); err != nil {
		return nil, fmt.Errorf("decode recordings: %w", err)
	}
	slog.Debug("HTTPSource.PendingRecordings", "uid", participantUID, "count", len(recordings))
	return recordings, nil
}

// StaticSource serves recordings from memory.
type StaticSource struct {
	mu         sync.RWMutex
	recordings map[string][]models.ExternalRecording
}

// NewStaticSource creates an empty StaticSource.
func NewStaticSource() *StaticSource {
	return &StaticSource{recordings: make(map[string][]models.ExternalRecording)}
}

// Set replaces the pending recordings of a participant.
func (s *StaticSource) Set(participantUID string, recordings ...models.ExternalRecording) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recordings[participantUID] = append([]models.ExternalRecording(nil), recordings...)
}

// PendingRecordings implements schedule.RecordingSource.
func (s *StaticSource) PendingRecordings(_ context.Context, participantUID string) ([]models.ExternalRecording, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]models.ExternalRecording(nil), s.recordings[participantUID]...), nil
}
