package httpapi

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/ordermesh/backend-core/internal/breaker"
	"github.com/ordermesh/backend-core/internal/cache"
	"github.com/ordermesh/backend-core/internal/dlq"
)

const defaultDLQListLimit = 100

// DLQStats handles GET /v1/dlq/stats.
func (s *Server) DLQStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.DeadLetters.Stats(r.Context())
	if err != nil {
		writeError(w, r, http.StatusServiceUnavailable, "store_unavailable", "dead letter store unavailable")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// dlqListResponse is one page of open entries. NextCursor is present on
// non-empty pages; clients page until an empty one.
type dlqListResponse struct {
	Entries    []*dlq.Entry `json:"entries"`
	Count      int          `json:"count"`
	NextCursor *string      `json:"nextCursor,omitempty"`
}

// DLQList handles GET /v1/dlq/entries, returning open entries oldest
// first. The limit query parameter caps the page size and cursor resumes
// a previous page.
func (s *Server) DLQList(w http.ResponseWriter, r *http.Request) {
	limit := defaultDLQListLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, r, http.StatusBadRequest, "invalid_request", "limit must be a positive integer")
			return
		}
		limit = n
	}

	var after dlq.Cursor
	if raw := r.URL.Query().Get("cursor"); raw != "" {
		c, ok := dlq.DecodeCursor(raw)
		if !ok {
			writeError(w, r, http.StatusBadRequest, "invalid_request", "malformed cursor")
			return
		}
		after = c
	}

	entries, err := s.DeadLetters.ListOpen(r.Context(), after, limit)
	if err != nil {
		writeError(w, r, http.StatusServiceUnavailable, "store_unavailable", "dead letter store unavailable")
		return
	}
	if entries == nil {
		entries = []*dlq.Entry{}
	}

	resp := dlqListResponse{Entries: entries, Count: len(entries)}
	if len(entries) > 0 {
		encoded := dlq.EncodeCursor(dlq.CursorFor(entries[len(entries)-1]))
		resp.NextCursor = &encoded
	}
	writeJSON(w, http.StatusOK, resp)
}

// DLQReprocess handles POST /v1/dlq/{id}/reprocess: republishes the
// entry to its origin topic and marks it resolved on accept.
func (s *Server) DLQReprocess(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	entry, err := s.DeadLetters.Reprocess(r.Context(), id)
	if err != nil {
		if errors.Is(err, dlq.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, "not_found", "no such dead letter entry")
			return
		}
		log.Ctx(r.Context()).Error().Err(err).Str("entry_id", id).Msg("reprocess failed")
		writeError(w, r, http.StatusBadGateway, "reprocess_failed", "entry could not be republished")
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

// cacheStatsEntry augments raw tier counters with the derived hit rate.
type cacheStatsEntry struct {
	cache.TierStats
	HitRate float64 `json:"hitRate"`
}

// CacheStats handles GET /v1/admin/cache/stats.
func (s *Server) CacheStats(w http.ResponseWriter, r *http.Request) {
	if s.Cache == nil {
		writeJSON(w, http.StatusOK, map[string]cacheStatsEntry{})
		return
	}
	out := make(map[string]cacheStatsEntry)
	for name, ts := range s.Cache.Stats() {
		out[name] = cacheStatsEntry{TierStats: ts, HitRate: ts.HitRate()}
	}
	writeJSON(w, http.StatusOK, out)
}

// breakerStatsEntry reports one circuit's live state.
type breakerStatsEntry struct {
	State    string  `json:"state"`
	Calls    int64   `json:"calls"`
	Failures int64   `json:"failures"`
	Rate     float64 `json:"failureRate"`
}

// BreakerStats handles GET /v1/admin/breakers.
func (s *Server) BreakerStats(w http.ResponseWriter, r *http.Request) {
	out := make(map[string]breakerStatsEntry)
	if s.Breakers != nil {
		s.Breakers.Each(func(cb *breaker.Breaker) {
			counts := cb.Counts()
			out[cb.Name()] = breakerStatsEntry{
				State:    cb.State().String(),
				Calls:    counts.Total(),
				Failures: counts.Failures,
				Rate:     counts.FailureRate(),
			}
		})
	}
	writeJSON(w, http.StatusOK, out)
}
