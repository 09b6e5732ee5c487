package api_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/illmade-knight/go-listingcache/pkg/api"
	"github.com/illmade-knight/go-listingcache/pkg/cache"
	"github.com/illmade-knight/go-listingcache/pkg/metrics"
	"github.com/illmade-knight/go-listingcache/pkg/microservice"
	"github.com/illmade-knight/go-listingcache/pkg/settings"
	"github.com/illmade-knight/go-listingcache/pkg/types"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockCache struct {
	GetListingsFunc func(ctx context.Context, forceRefresh bool) ([]types.Listing, error)
	invalidations   atomic.Int32
	lastForce       atomic.Bool
}

func (m *mockCache) GetListings(ctx context.Context, forceRefresh bool) ([]types.Listing, error) {
	m.lastForce.Store(forceRefresh)
	if m.GetListingsFunc != nil {
		return m.GetListingsFunc(ctx, forceRefresh)
	}
	return []types.Listing{}, nil
}

func (m *mockCache) Invalidate() { m.invalidations.Add(1) }

func (m *mockCache) Stats() cache.Stats { return cache.Stats{ListingCount: 7, Fetches: 3} }

type failingStore struct{ settings.Store }

func (failingStore) Get(context.Context) (types.Settings, error) {
	return nil, errors.New("store unavailable")
}

func (failingStore) Update(context.Context, types.Settings) (types.Settings, error) {
	return nil, errors.New("store unavailable")
}

func newTestServer(t *testing.T, c api.ListingsCache, store settings.Store, m *metrics.Metrics) http.Handler {
	t.Helper()
	if store == nil {
		store = settings.NewInMemoryStore(settings.Defaults(), zerolog.Nop())
	}
	return api.NewServer("127.0.0.1:0", c, store, m, zerolog.Nop()).Handler()
}

func do(t *testing.T, h http.Handler, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestGetListings(t *testing.T) {
	t.Run("returns listings as a JSON array", func(t *testing.T) {
		c := &mockCache{GetListingsFunc: func(context.Context, bool) ([]types.Listing, error) {
			return []types.Listing{{"id": "a"}, {"id": "b"}}, nil
		}}
		h := newTestServer(t, c, nil, nil)

		rec := do(t, h, http.MethodGet, "/listings", "")

		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
		assert.JSONEq(t, `[{"id":"a"},{"id":"b"}]`, rec.Body.String())
		assert.False(t, c.lastForce.Load())
	})

	t.Run("empty result is an empty array", func(t *testing.T) {
		h := newTestServer(t, &mockCache{}, nil, nil)

		rec := do(t, h, http.MethodGet, "/listings", "")

		assert.Equal(t, http.StatusOK, rec.Code)
		assert.JSONEq(t, `[]`, rec.Body.String())
	})

	testCases := []struct {
		query string
		want  bool
	}{
		{query: "?refresh=true", want: true},
		{query: "?refresh=TRUE", want: true},
		{query: "?refresh=false", want: false},
		{query: "?refresh=1", want: false},
		{query: "", want: false},
	}
	for _, tc := range testCases {
		t.Run("refresh query "+tc.query, func(t *testing.T) {
			c := &mockCache{}
			h := newTestServer(t, c, nil, nil)

			do(t, h, http.MethodGet, "/listings"+tc.query, "")

			assert.Equal(t, tc.want, c.lastForce.Load())
		})
	}

	t.Run("no cache and failed fetch is a 500", func(t *testing.T) {
		c := &mockCache{GetListingsFunc: func(context.Context, bool) ([]types.Listing, error) {
			return nil, &cache.FetchError{Err: errors.New("upstream down")}
		}}
		h := newTestServer(t, c, nil, nil)

		rec := do(t, h, http.MethodGet, "/listings", "")

		assert.Equal(t, http.StatusInternalServerError, rec.Code)
		var body map[string]string
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		assert.Contains(t, body["error"], "upstream down")
	})

	t.Run("wrong method is a 405", func(t *testing.T) {
		h := newTestServer(t, &mockCache{}, nil, nil)

		rec := do(t, h, http.MethodPost, "/listings", "")

		assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	})
}

func TestSettingsEndpoints(t *testing.T) {
	t.Run("GET returns current settings", func(t *testing.T) {
		h := newTestServer(t, &mockCache{}, nil, nil)

		rec := do(t, h, http.MethodGet, "/settings", "")

		assert.Equal(t, http.StatusOK, rec.Code)
		assert.JSONEq(t, `{"min_price":30000,"max_price":80000,"min_house_year":1990,"max_house_year":2023,"min_floor":3,"sort_by":"total_meters_from_max_to_min"}`, rec.Body.String())
	})

	t.Run("PUT merges and invalidates", func(t *testing.T) {
		c := &mockCache{}
		h := newTestServer(t, c, nil, nil)

		rec := do(t, h, http.MethodPut, "/settings", `{"min_price": 1}`)

		require.Equal(t, http.StatusOK, rec.Code)
		var body struct {
			Message  string                 `json:"message"`
			Settings map[string]interface{} `json:"settings"`
		}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		assert.Equal(t, "Settings updated", body.Message)
		assert.Equal(t, float64(1), body.Settings["min_price"])
		assert.Equal(t, float64(80000), body.Settings["max_price"])
		assert.Equal(t, int32(1), c.invalidations.Load())

		rec = do(t, h, http.MethodGet, "/settings", "")
		assert.Contains(t, rec.Body.String(), `"min_price":1`)
	})

	for _, body := range []string{`[1,2]`, `"x"`, `null`, `42`, `{bad json`, ``} {
		t.Run(fmt.Sprintf("PUT %q is a 400", body), func(t *testing.T) {
			c := &mockCache{}
			h := newTestServer(t, c, nil, nil)

			rec := do(t, h, http.MethodPut, "/settings", body)

			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.JSONEq(t, `{"error":"Settings must be a JSON object"}`, rec.Body.String())
			assert.Equal(t, int32(0), c.invalidations.Load(), "Invalid input must never reach the cache")
		})
	}

	t.Run("store failure is a 500 and does not invalidate", func(t *testing.T) {
		c := &mockCache{}
		h := newTestServer(t, c, failingStore{}, nil)

		assert.Equal(t, http.StatusInternalServerError, do(t, h, http.MethodGet, "/settings", "").Code)
		assert.Equal(t, http.StatusInternalServerError, do(t, h, http.MethodPut, "/settings", `{"a":1}`).Code)
		assert.Equal(t, int32(0), c.invalidations.Load())
	})
}

func TestOperationalEndpoints(t *testing.T) {
	m := metrics.New()
	h := newTestServer(t, &mockCache{}, nil, m)

	t.Run("health", func(t *testing.T) {
		rec := do(t, h, http.MethodGet, "/health", "")
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.JSONEq(t, `{"status":"healthy"}`, rec.Body.String())
	})

	t.Run("cache stats", func(t *testing.T) {
		rec := do(t, h, http.MethodGet, "/cache/stats", "")
		require.Equal(t, http.StatusOK, rec.Code)
		var stats cache.Stats
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
		assert.Equal(t, 7, stats.ListingCount)
		assert.Equal(t, uint64(3), stats.Fetches)
	})

	t.Run("metrics include instrumented handlers", func(t *testing.T) {
		do(t, h, http.MethodGet, "/listings", "")
		rec := do(t, h, http.MethodGet, "/metrics", "")
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), `listings_http_requests_total{code="200",handler="listings",method="get"}`)
	})

	t.Run("metrics route absent when disabled", func(t *testing.T) {
		plain := newTestServer(t, &mockCache{}, nil, nil)
		assert.Equal(t, http.StatusNotFound, do(t, plain, http.MethodGet, "/metrics", "").Code)
	})
}

func TestServer_Lifecycle(t *testing.T) {
	var svc microservice.Service = api.NewServer("127.0.0.1:0", &mockCache{},
		settings.NewInMemoryStore(nil, zerolog.Nop()), nil, zerolog.Nop())
	require.NoError(t, svc.Start())

	resp, err := http.Get("http://127.0.0.1" + svc.GetHTTPPort() + "/cache/stats")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get(api.RequestIDHeader), "Middleware should wrap the served handler")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, svc.Shutdown(ctx))
}

func TestRequestID(t *testing.T) {
	h := newTestServer(t, &mockCache{}, nil, nil)

	t.Run("assigned when absent", func(t *testing.T) {
		rec := do(t, h, http.MethodGet, "/health", "")
		assert.Len(t, rec.Header().Get(api.RequestIDHeader), 36)
	})

	t.Run("reused when present", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/settings", nil)
		req.Header.Set(api.RequestIDHeader, "req-123")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		assert.Equal(t, "req-123", rec.Header().Get(api.RequestIDHeader))
	})

	t.Run("present on errors", func(t *testing.T) {
		rec := do(t, h, http.MethodPut, "/settings", `[]`)
		assert.NotEmpty(t, rec.Header().Get(api.RequestIDHeader))
	})
}

// A settings update invalidates the real cache, so the next read fetches again
// even though the previous fetch was moments ago.
func TestSettingsUpdateTriggersRefetch(t *testing.T) {
	// Arrange
	store := settings.NewInMemoryStore(settings.Defaults(), zerolog.Nop())
	var calls atomic.Int32
	var lastMinPrice atomic.Value
	fetcher := cache.FetcherFunc(func(ctx context.Context) ([]types.Listing, error) {
		calls.Add(1)
		current, err := store.Get(ctx)
		if err != nil {
			return nil, err
		}
		lastMinPrice.Store(fmt.Sprint(current["min_price"]))
		return []types.Listing{{"id": calls.Load()}}, nil
	})
	c, err := cache.NewRefreshingCache(&cache.RefreshingCacheConfig{FreshnessThreshold: time.Hour}, fetcher, zerolog.Nop())
	require.NoError(t, err)
	h := newTestServer(t, c, store, nil)

	require.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/listings", "").Code)
	require.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/listings", "").Code)
	require.Equal(t, int32(1), calls.Load(), "Second read should be served from the cache")

	// Act
	require.Equal(t, http.StatusOK, do(t, h, http.MethodPut, "/settings", `{"min_price": 1}`).Code)
	rec := do(t, h, http.MethodGet, "/listings", "")

	// Assert
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, int32(2), calls.Load())
	assert.Equal(t, "1", lastMinPrice.Load())
	assert.JSONEq(t, `[{"id":2}]`, rec.Body.String())
}
