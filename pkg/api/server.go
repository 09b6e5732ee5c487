// Package api is the service's HTTP surface: listings, search settings, cache
// statistics and the operational endpoints.
package api

import (
	"context"
	"net/http"

	"github.com/illmade-knight/go-listingcache/pkg/cache"
	"github.com/illmade-knight/go-listingcache/pkg/metrics"
	"github.com/illmade-knight/go-listingcache/pkg/microservice"
	"github.com/illmade-knight/go-listingcache/pkg/settings"
	"github.com/illmade-knight/go-listingcache/pkg/types"
	"github.com/rs/zerolog"
)

// ListingsCache is the part of the refreshing cache the HTTP layer uses.
type ListingsCache interface {
	GetListings(ctx context.Context, forceRefresh bool) ([]types.Listing, error)
	Invalidate()
	Stats() cache.Stats
}

// Server serves the listings API on top of a BaseServer.
type Server struct {
	*microservice.BaseServer
	cache    ListingsCache
	settings settings.Store
	metrics  *metrics.Metrics
	root     http.Handler
	logger   zerolog.Logger
}

var _ microservice.Service = (*Server)(nil)

// NewServer builds the route table. m may be nil, in which case no metrics are
// recorded or served.
func NewServer(
	addr string,
	c ListingsCache,
	store settings.Store,
	m *metrics.Metrics,
	logger zerolog.Logger,
) *Server {
	s := &Server{
		BaseServer: microservice.NewBaseServer(logger, addr),
		cache:      c,
		settings:   store,
		metrics:    m,
		logger:     logger.With().Str("component", "APIServer").Logger(),
	}

	mux := s.Mux()
	s.handle(mux, "GET /listings", "listings", s.handleGetListings)
	s.handle(mux, "GET /settings", "get_settings", s.handleGetSettings)
	s.handle(mux, "PUT /settings", "put_settings", s.handlePutSettings)
	s.handle(mux, "GET /cache/stats", "cache_stats", s.handleCacheStats)
	if m != nil {
		mux.Handle("GET /metrics", m.Handler())
	}

	s.root = requestID(accessLog(s.logger, mux))
	s.SetHandler(s.root)
	return s
}

func (s *Server) handle(mux *http.ServeMux, pattern, name string, h http.HandlerFunc) {
	var handler http.Handler = h
	if s.metrics != nil {
		handler = s.metrics.InstrumentHandler(name, handler)
	}
	mux.Handle(pattern, handler)
}

// Handler returns the fully wrapped root handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.root
}
