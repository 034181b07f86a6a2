package httpserver

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/Clark-Hu/ratings-pipeline/internal/domain"
	"github.com/Clark-Hu/ratings-pipeline/internal/objectstore"
	"github.com/Clark-Hu/ratings-pipeline/internal/repository"
)

const (
	defaultRejectedLimit = 100
	maxRejectedLimit     = 1000
)

type rejectedRecordResponse struct {
	Line          int       `json:"line"`
	Title         string    `json:"title"`
	ReleasedYear  string    `json:"releasedYear"`
	Genre         string    `json:"genre"`
	Rating        string    `json:"rating"`
	FailedRules   []string  `json:"failedRules"`
	QuarantinedAt time.Time `json:"quarantinedAt"`
}

type rejectedListResponse struct {
	BatchID string                   `json:"batchId"`
	Items   []rejectedRecordResponse `json:"items"`
}

// outcomeStatusCode maps a pipeline status to the HTTP reply. Partial runs
// still stored data, so they are reported as created.
func outcomeStatusCode(out domain.PipelineOutcome) int {
	if out.Status == domain.StatusFailure {
		return http.StatusUnprocessableEntity
	}
	return http.StatusCreated
}

func (s *Server) handleSubmitBatch(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	source := strings.TrimSpace(r.URL.Query().Get("source"))
	if source == "" {
		source = strings.TrimSpace(r.Header.Get("X-Batch-Source"))
	}
	if source == "" {
		source = "http-upload"
	}

	out := s.deps.Runner.Fire(r.Context(), source, r.Body)
	s.respondJSON(w, outcomeStatusCode(out), out)
}

func (s *Server) handleObjectEvent(w http.ResponseWriter, r *http.Request) {
	if s.deps.Objects == nil {
		s.respondError(w, http.StatusServiceUnavailable, "NOT_CONFIGURED", "Object store is not configured")
		return
	}

	var ev objectstore.Event
	if err := decodeJSONBody(w, r, &ev); err != nil {
		s.respondDecodeError(w, err)
		return
	}
	ev, err := ev.Validate()
	if err != nil {
		s.respondError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", err.Error())
		return
	}

	body, err := s.deps.Objects.Fetch(r.Context(), ev.Bucket, ev.Key)
	switch {
	case errors.Is(err, objectstore.ErrNotFound):
		s.respondError(w, http.StatusNotFound, "NOT_FOUND", "Object not found")
		return
	case err != nil:
		s.logger.Printf("http: fetch %s failed: %v", ev.Source(), err)
		s.respondError(w, http.StatusBadGateway, "UPSTREAM_ERROR", "Unable to fetch object")
		return
	}
	defer body.Close()

	out := s.deps.Runner.Fire(r.Context(), ev.Source(), body)
	s.respondJSON(w, outcomeStatusCode(out), out)
}

func (s *Server) handleGetSummary(w http.ResponseWriter, r *http.Request) {
	batchID := chi.URLParam(r, "batchID")
	summary, err := s.deps.Audit.GetSummary(r.Context(), batchID)
	if errors.Is(err, repository.ErrNotFound) {
		s.respondError(w, http.StatusNotFound, "NOT_FOUND", "Batch not found")
		return
	}
	if err != nil {
		s.logger.Printf("http: get summary %s: %v", batchID, err)
		s.respondError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Unable to load batch summary")
		return
	}
	s.respondJSON(w, http.StatusOK, summary)
}

func (s *Server) handleListRejected(w http.ResponseWriter, r *http.Request) {
	batchID := chi.URLParam(r, "batchID")
	limit, err := parseLimit(r.URL.Query().Get("limit"))
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "VALIDATION_ERROR", err.Error())
		return
	}

	if _, err := s.deps.Audit.GetSummary(r.Context(), batchID); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			s.respondError(w, http.StatusNotFound, "NOT_FOUND", "Batch not found")
			return
		}
		s.logger.Printf("http: get summary %s: %v", batchID, err)
		s.respondError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Unable to load batch")
		return
	}

	records, err := s.deps.Audit.ListRejected(r.Context(), batchID, limit)
	if err != nil {
		s.logger.Printf("http: list rejected %s: %v", batchID, err)
		s.respondError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Unable to list rejected records")
		return
	}

	resp := rejectedListResponse{BatchID: batchID, Items: make([]rejectedRecordResponse, 0, len(records))}
	for _, rec := range records {
		rules := make([]string, len(rec.FailedRules))
		for i, id := range rec.FailedRules {
			rules[i] = string(id)
		}
		resp.Items = append(resp.Items, rejectedRecordResponse{
			Line:          rec.Record.Line,
			Title:         rec.Record.Title,
			ReleasedYear:  rec.Record.ReleasedYear,
			Genre:         rec.Record.Genre,
			Rating:        rec.Record.Rating,
			FailedRules:   rules,
			QuarantinedAt: rec.QuarantinedAt,
		})
	}
	s.respondJSON(w, http.StatusOK, resp)
}

func parseLimit(raw string) (int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return defaultRejectedLimit, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 || n > maxRejectedLimit {
		return 0, errors.New("limit must be an integer between 1 and 1000")
	}
	return n, nil
}
