package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"expvar"
	"net/http"
	"strconv"
	"strings"
	"time"

	"nftgate/redemption-service/internal/coordinator"
	"nftgate/redemption-service/internal/mirror"
	"nftgate/redemption-service/internal/models"
	"nftgate/redemption-service/internal/store"
)

const maxRefLength = 256

// Verifier is the decision pipeline the verify endpoint drives.
type Verifier interface {
	Verify(ctx context.Context, input coordinator.VerifyInput) coordinator.Decision
}

type Handler struct {
	verifier Verifier
	records  store.VerificationStore
	mirror   mirror.Mirror
}

type verifyRequest struct {
	TicketRef   string `json:"ticket_ref"`
	EventRef    string `json:"event_ref"`
	VerifierRef string `json:"verifier_ref"`
}

type recordsResponse struct {
	Records    []models.VerificationAttempt `json:"records"`
	Page       int                          `json:"page"`
	PageSize   int                          `json:"page_size"`
	Total      int                          `json:"total"`
	TotalPages int                          `json:"total_pages"`
}

type errorResponse struct {
	Error responseError `json:"error"`
}

type responseError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func NewHandler(verifier Verifier, records store.VerificationStore, m mirror.Mirror) *Handler {
	return &Handler{verifier: verifier, records: records, mirror: m}
}

func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", h.handleHealth)
	mux.Handle("/metrics", expvar.Handler())
	mux.HandleFunc("/api/verify", h.handleVerify)
	mux.HandleFunc("/api/records", h.handleRecords)
	mux.HandleFunc("/api/mirror/", h.handleMirror)
	return mux
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (h *Handler) handleVerify(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req verifyRequest
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return
	}

	req.TicketRef = strings.TrimSpace(req.TicketRef)
	req.EventRef = strings.TrimSpace(req.EventRef)
	req.VerifierRef = strings.TrimSpace(req.VerifierRef)

	if req.TicketRef == "" || req.EventRef == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "ticket_ref and event_ref are required")
		return
	}
	if len(req.TicketRef) > maxRefLength || len(req.EventRef) > maxRefLength || len(req.VerifierRef) > maxRefLength {
		writeError(w, http.StatusBadRequest, "invalid_request", "references must be at most 256 characters")
		return
	}

	if req.VerifierRef == "" {
		req.VerifierRef = VerifierFromContext(r.Context())
	}

	decision := h.verifier.Verify(r.Context(), coordinator.VerifyInput{
		TicketRef:   req.TicketRef,
		EventRef:    req.EventRef,
		VerifierRef: req.VerifierRef,
	})

	writeJSON(w, http.StatusOK, decision)
}

func (h *Handler) handleRecords(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	query := r.URL.Query()
	filter := store.ListFilter{
		EventRef:    strings.TrimSpace(query.Get("event_ref")),
		VerifierRef: strings.TrimSpace(query.Get("verifier_ref")),
		Outcome:     strings.TrimSpace(query.Get("outcome")),
	}

	if filter.Outcome != "" && filter.Outcome != models.OutcomeAdmitted && filter.Outcome != models.OutcomeDenied {
		writeError(w, http.StatusBadRequest, "invalid_request", "outcome must be admitted or denied")
		return
	}

	if raw := strings.TrimSpace(query.Get("start_time")); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request", "start_time must be RFC3339 timestamp")
			return
		}
		filter.StartTime = parsed
	}
	if raw := strings.TrimSpace(query.Get("end_time")); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request", "end_time must be RFC3339 timestamp")
			return
		}
		filter.EndTime = parsed
	}

	// Pagination is clamped, never rejected: a bad page lands on page 1
	// with the default size.
	page := store.Page{
		Number: parseIntDefault(query.Get("page"), 1),
		Size:   parseIntDefault(query.Get("page_size"), store.DefaultPageSize),
	}.Clamp()

	attempts, total, err := h.records.ListAttempts(r.Context(), filter, page)
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, status, code, msg)
		return
	}
	if attempts == nil {
		attempts = []models.VerificationAttempt{}
	}

	writeJSON(w, http.StatusOK, recordsResponse{
		Records:    attempts,
		Page:       page.Number,
		PageSize:   page.Size,
		Total:      total,
		TotalPages: store.TotalPages(total, page.Size),
	})
}

func (h *Handler) handleMirror(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if h.mirror == nil {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	ticketRef := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/mirror/"), "/")
	if ticketRef == "" || len(ticketRef) > maxRefLength || strings.Contains(ticketRef, "/") {
		writeError(w, http.StatusBadRequest, "invalid_request", "ticket_ref path segment is required")
		return
	}

	record, found, err := h.mirror.Get(r.Context(), ticketRef)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "mirror_unavailable", "mirror read failed")
		return
	}
	if !found {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, record)
}

func parseIntDefault(raw string, fallback int) int {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return value
}

func mapError(err error) (int, string, string) {
	switch {
	case errors.Is(err, store.ErrUnavailable):
		return http.StatusServiceUnavailable, "store_unavailable", "verification store unavailable, retry later"
	default:
		return http.StatusInternalServerError, "internal_error", "internal server error"
	}
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorResponse{
		Error: responseError{
			Code:    code,
			Message: message,
		},
	})
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}
