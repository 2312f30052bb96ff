package api

import (
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/listing-tracker/internal/models"
	"github.com/listing-tracker/internal/pipeline"
	"github.com/listing-tracker/internal/types"
)

// AdvanceStageRequest is the body of POST /api/listings/{id}/stages
type AdvanceStageRequest struct {
	Stage types.Stage `json:"stage"`
	At    *time.Time  `json:"at,omitempty"`
	Redo  bool        `json:"redo,omitempty"`
}

// PriceRequest is the optional body of POST /api/listings/{id}/price
type PriceRequest struct {
	At   *time.Time `json:"at,omitempty"`
	Redo bool       `json:"redo,omitempty"`
}

// InactiveRequest is the optional body of POST /api/listings/{id}/inactive
type InactiveRequest struct {
	At *time.Time `json:"at,omitempty"`
}

// ReconcileRequest is the body of POST /api/sources/{source}/reconcile
type ReconcileRequest struct {
	SeenAdIDs []string   `json:"seenAdIds"`
	At        *time.Time `json:"at,omitempty"`
}

// ReconcileResponse lists the listings a crawl reconciliation marked inactive
type ReconcileResponse struct {
	SourceID string   `json:"sourceId"`
	Marked   []string `json:"marked"`
	Errors   []string `json:"errors,omitempty"`
}

func timeOrZero(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return t.UTC()
}

// handleIngestObservations handles POST /api/observations
func (s *Server) handleIngestObservations(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, "Failed to read request body", nil)
		return
	}

	observations, err := models.DecodeObservations(body)
	if err != nil {
		respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, "Invalid observation payload", map[string]interface{}{
			"reason": err.Error(),
		})
		return
	}
	if len(observations) == 0 {
		respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, "At least one observation is required", nil)
		return
	}

	report := s.ingest.ProcessBatch(r.Context(), observations)
	respondJSON(w, http.StatusOK, report)
}

// handleGetListing handles GET /api/listings/{id}
func (s *Server) handleGetListing(w http.ResponseWriter, r *http.Request) {
	rec, err := s.store.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, rec)
}

// handleGetListingByAd handles GET /api/sources/{source}/ads/{adId}
func (s *Server) handleGetListingByAd(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	rec, err := s.store.GetByAd(r.Context(), vars["source"], vars["adId"])
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, rec)
}

// handleMarkInactive handles POST /api/listings/{id}/inactive
func (s *Server) handleMarkInactive(w http.ResponseWriter, r *http.Request) {
	var req InactiveRequest
	if err := parseJSONBody(w, r, &req, true); err != nil {
		respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, "Invalid request body", nil)
		return
	}

	rec, err := s.store.MarkInactive(r.Context(), mux.Vars(r)["id"], timeOrZero(req.At))
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, rec)
}

// handleAdvanceStage handles POST /api/listings/{id}/stages
func (s *Server) handleAdvanceStage(w http.ResponseWriter, r *http.Request) {
	var req AdvanceStageRequest
	if err := parseJSONBody(w, r, &req, false); err != nil {
		respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, "Invalid request body", map[string]interface{}{
			"reason": err.Error(),
		})
		return
	}

	rec, err := s.tracker.AdvanceStage(r.Context(), pipeline.AdvanceRequest{
		ListingID: mux.Vars(r)["id"],
		Stage:     req.Stage,
		At:        timeOrZero(req.At),
		Redo:      req.Redo,
	})
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, rec)
}

// handlePriceListing handles POST /api/listings/{id}/price
func (s *Server) handlePriceListing(w http.ResponseWriter, r *http.Request) {
	var req PriceRequest
	if err := parseJSONBody(w, r, &req, true); err != nil {
		respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, "Invalid request body", nil)
		return
	}

	rec, err := s.pricer.Run(r.Context(), mux.Vars(r)["id"], timeOrZero(req.At), req.Redo)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, rec)
}

// handleReconcileCrawl handles POST /api/sources/{source}/reconcile. Failures
// on single listings are reported next to the ids that were marked.
func (s *Server) handleReconcileCrawl(w http.ResponseWriter, r *http.Request) {
	var req ReconcileRequest
	if err := parseJSONBody(w, r, &req, false); err != nil {
		respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, "Invalid request body", nil)
		return
	}

	source := mux.Vars(r)["source"]
	marked, err := s.store.ReconcileCrawl(r.Context(), source, req.SeenAdIDs, timeOrZero(req.At))

	resp := ReconcileResponse{SourceID: source, Marked: marked}
	if resp.Marked == nil {
		resp.Marked = []string{}
	}
	if err != nil {
		var joined interface{ Unwrap() []error }
		if !errors.As(err, &joined) {
			respondServiceError(w, r, err)
			return
		}
		for _, e := range joined.Unwrap() {
			resp.Errors = append(resp.Errors, e.Error())
		}
	}
	respondJSON(w, http.StatusOK, resp)
}
