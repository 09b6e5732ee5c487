package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/illmade-knight/go-listingcache/pkg/settings"
)

const maxSettingsBody = 1 << 20

func (s *Server) handleGetListings(w http.ResponseWriter, r *http.Request) {
	forceRefresh := strings.EqualFold(r.URL.Query().Get("refresh"), "true")

	listings, err := s.cache.GetListings(r.Context(), forceRefresh)
	if err != nil {
		s.logger.Error().Err(err).Str("request_id", RequestIDFrom(r.Context())).Msg("Failed to get listings.")
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, listings)
}

func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	current, err := s.settings.Get(r.Context())
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to read settings.")
		writeError(w, http.StatusInternalServerError, "failed to read settings")
		return
	}
	writeJSON(w, http.StatusOK, current)
}

func (s *Server) handlePutSettings(w http.ResponseWriter, r *http.Request) {
	patch, err := settings.Decode(http.MaxBytesReader(w, r.Body, maxSettingsBody))
	if err != nil {
		if errors.Is(err, settings.ErrInvalidSettings) {
			writeError(w, http.StatusBadRequest, "Settings must be a JSON object")
			return
		}
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	updated, err := s.settings.Update(r.Context(), patch)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to update settings.")
		writeError(w, http.StatusInternalServerError, "failed to update settings")
		return
	}
	s.cache.Invalidate()

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"message":  "Settings updated",
		"settings": updated,
	})
}

func (s *Server) handleCacheStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.cache.Stats())
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
