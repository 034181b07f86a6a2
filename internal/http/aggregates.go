package httpserver

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/Clark-Hu/ratings-pipeline/internal/domain"
)

type aggregateListResponse struct {
	Items       []domain.AggregateRow `json:"items"`
	RefreshedAt *time.Time            `json:"refreshedAt"`
	Generation  uint64                `json:"generation"`
}

type refreshResponse struct {
	RefreshedAt time.Time `json:"refreshedAt"`
	Generation  uint64    `json:"generation"`
	Rows        int       `json:"rows"`
}

func (s *Server) handleListAggregates(w http.ResponseWriter, r *http.Request) {
	filter, err := buildAggregateFilter(r.URL.Query())
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "VALIDATION_ERROR", err.Error())
		return
	}

	snap := s.deps.Aggregates.Snapshot()
	resp := aggregateListResponse{
		Items:      s.deps.Aggregates.Query(filter),
		Generation: snap.Generation,
	}
	if !snap.RefreshedAt.IsZero() {
		refreshed := snap.RefreshedAt
		resp.RefreshedAt = &refreshed
	}
	s.respondJSON(w, http.StatusOK, resp)
}

func (s *Server) handleRefreshAggregates(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if s.cfg.RefreshTimeoutSecs > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(s.cfg.RefreshTimeoutSecs)*time.Second)
		defer cancel()
	}

	if err := s.deps.Aggregates.Refresh(ctx); err != nil {
		s.logger.Printf("http: manual refresh failed: %v", err)
		s.respondError(w, http.StatusServiceUnavailable, "REFRESH_FAILED", "Aggregate refresh failed; previous snapshot is still served")
		return
	}
	snap := s.deps.Aggregates.Snapshot()
	s.respondJSON(w, http.StatusOK, refreshResponse{
		RefreshedAt: snap.RefreshedAt,
		Generation:  snap.Generation,
		Rows:        len(snap.Rows),
	})
}

func buildAggregateFilter(query url.Values) (domain.AggregateFilter, error) {
	var filter domain.AggregateFilter
	if raw := strings.TrimSpace(query.Get("year")); raw != "" {
		year, err := strconv.Atoi(raw)
		if err != nil {
			return domain.AggregateFilter{}, fmt.Errorf("invalid year")
		}
		filter.Year = &year
	}
	if raw := strings.TrimSpace(query.Get("genre")); raw != "" {
		filter.Genre = &raw
	}
	return filter, nil
}
