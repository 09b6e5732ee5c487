package source

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/illmade-knight/go-listingcache/pkg/types"
	"github.com/rs/zerolog"
)

const maxErrorBody = 4096

// HTTPSourceConfig holds configuration for the HTTPSource.
type HTTPSourceConfig struct {
	// URL is the upstream listings endpoint.
	URL string
	// Location, DealType and Rooms are fixed query parameters sent with every
	// request, alongside the search settings.
	Location string
	DealType string
	Rooms    string
	// Timeout bounds each HTTP attempt.
	Timeout time.Duration
	// RetryMax is the number of retries after the first attempt for transient
	// failures (connection errors, 429 and 5xx).
	RetryMax     int
	RetryWaitMin time.Duration
	RetryWaitMax time.Duration
	// Headers are added to every request.
	Headers map[string]string
}

// HTTPSource fetches listings as a JSON array from an HTTP endpoint.
type HTTPSource struct {
	url    *url.URL
	cfg    HTTPSourceConfig
	client *retryablehttp.Client
	logger zerolog.Logger
}

// NewHTTPSource creates a new HTTPSource. If httpClient is nil a client with
// cfg.Timeout is used.
func NewHTTPSource(cfg HTTPSourceConfig, httpClient *http.Client, logger zerolog.Logger) (*HTTPSource, error) {
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid source url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("url must have http or https scheme: %s", cfg.URL)
	}
	if cfg.RetryMax < 0 {
		cfg.RetryMax = 0
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}

	srcLogger := logger.With().Str("component", "HTTPSource").Str("url", u.Redacted()).Logger()

	client := retryablehttp.NewClient()
	client.HTTPClient = httpClient
	client.RetryMax = cfg.RetryMax
	if cfg.RetryWaitMin > 0 {
		client.RetryWaitMin = cfg.RetryWaitMin
	}
	if cfg.RetryWaitMax > 0 {
		client.RetryWaitMax = cfg.RetryWaitMax
	}
	client.Logger = leveledLogger{logger: srcLogger}
	client.ErrorHandler = lastResponseHandler

	return &HTTPSource{
		url:    u,
		cfg:    cfg,
		client: client,
		logger: srcLogger,
	}, nil
}

// FetchListings requests the listings matching settings. Every setting is sent
// as a query parameter.
func (s *HTTPSource) FetchListings(ctx context.Context, settings types.Settings) ([]types.Listing, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, s.requestURL(settings), nil)
	if err != nil {
		return nil, err
	}
	for key, val := range s.cfg.Headers {
		req.Header.Set(key, val)
	}
	req.Header.Set("Accept", "application/json")

	s.logger.Debug().Str("request", req.URL.String()).Msg("Requesting listings from upstream.")
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("upstream request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, &StatusError{Code: resp.StatusCode, Body: string(body)}
	}

	dec := json.NewDecoder(resp.Body)
	dec.UseNumber()
	var listings []types.Listing
	if err := dec.Decode(&listings); err != nil {
		return nil, fmt.Errorf("failed to decode upstream listings: %w", err)
	}
	if listings == nil {
		listings = []types.Listing{}
	}
	return listings, nil
}

func (s *HTTPSource) requestURL(settings types.Settings) string {
	u := *s.url
	q := u.Query()
	for key, val := range settings {
		q.Set(key, fmt.Sprint(val))
	}
	if s.cfg.Location != "" {
		q.Set("location", s.cfg.Location)
	}
	if s.cfg.DealType != "" {
		q.Set("deal_type", s.cfg.DealType)
	}
	if s.cfg.Rooms != "" {
		q.Set("rooms", s.cfg.Rooms)
	}
	u.RawQuery = q.Encode()
	return u.String()
}

// lastResponseHandler hands back the final response once retries are exhausted
// so its status can be reported, instead of a generic "giving up" error.
func lastResponseHandler(resp *http.Response, err error, attempts int) (*http.Response, error) {
	if resp != nil {
		return resp, nil
	}
	return nil, fmt.Errorf("giving up after %d attempt(s): %w", attempts, err)
}

func (s *HTTPSource) String() string {
	return s.url.Redacted()
}

// leveledLogger routes retryablehttp's logging through zerolog.
type leveledLogger struct {
	logger zerolog.Logger
}

func (l leveledLogger) Error(msg string, keysAndValues ...interface{}) {
	l.logger.Error().Fields(keysAndValues).Msg(msg)
}

func (l leveledLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Info().Fields(keysAndValues).Msg(msg)
}

func (l leveledLogger) Debug(msg string, keysAndValues ...interface{}) {
	l.logger.Debug().Fields(keysAndValues).Msg(msg)
}

func (l leveledLogger) Warn(msg string, keysAndValues ...interface{}) {
	l.logger.Warn().Fields(keysAndValues).Msg(msg)
}
