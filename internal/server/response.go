package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/aristath/autoqueue/internal/graph"
	"github.com/aristath/autoqueue/internal/lifecycle"
	"github.com/aristath/autoqueue/internal/optimizer"
	"github.com/aristath/autoqueue/internal/queue"
	"github.com/aristath/autoqueue/internal/task"
)

// Error codes.
const (
	ErrCodeBadRequest  = "bad_request"
	ErrCodeNotFound    = "not_found"
	ErrCodeConflict    = "conflict"
	ErrCodeUnavailable = "unavailable"
	ErrCodeInternal    = "internal"
)

// Response is the envelope every API endpoint returns.
type Response struct {
	Status    string    `json:"status"` // "ok" or "error"
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data,omitempty"`
	Error     *APIError `json:"error,omitempty"`
}

// APIError describes a failed request.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// requestID generates a unique request identifier.
func requestID() string {
	return "req_" + uuid.NewString()
}

// respondOK writes a success response with the standard envelope.
func respondOK(w http.ResponseWriter, reqID string, data any) {
	respondJSON(w, http.StatusOK, reqID, data, nil)
}

// respondCreated writes a 201 response with the standard envelope.
func respondCreated(w http.ResponseWriter, reqID string, data any) {
	respondJSON(w, http.StatusCreated, reqID, data, nil)
}

// respondError writes an error response with the standard envelope.
func respondError(w http.ResponseWriter, reqID string, status int, code, msg string) {
	respondJSON(w, status, reqID, nil, &APIError{Code: code, Message: msg})
}

// respondErr maps a domain error onto a status code.
func respondErr(w http.ResponseWriter, reqID string, err error) {
	switch {
	case errors.Is(err, queue.ErrNotFound), errors.Is(err, optimizer.ErrNotFound), errors.Is(err, graph.ErrNotFound):
		respondError(w, reqID, http.StatusNotFound, ErrCodeNotFound, err.Error())
	case errors.Is(err, lifecycle.ErrIllegalTransition), errors.Is(err, lifecycle.ErrRetryLimit),
		errors.Is(err, graph.ErrDuplicate), errors.Is(err, graph.ErrCycle), errors.Is(err, optimizer.ErrNotApplied):
		respondError(w, reqID, http.StatusConflict, ErrCodeConflict, err.Error())
	case errors.Is(err, task.ErrInvalidTask), errors.Is(err, task.ErrCyclicMetadata),
		errors.Is(err, queue.ErrNilExecute), errors.Is(err, queue.ErrUnknownAlgorithm):
		respondError(w, reqID, http.StatusBadRequest, ErrCodeBadRequest, err.Error())
	case errors.Is(err, queue.ErrShuttingDown):
		respondError(w, reqID, http.StatusServiceUnavailable, ErrCodeUnavailable, err.Error())
	default:
		respondError(w, reqID, http.StatusInternalServerError, ErrCodeInternal, err.Error())
	}
}

func respondJSON(w http.ResponseWriter, status int, reqID string, data any, apiErr *APIError) {
	resp := Response{
		Status:    "ok",
		RequestID: reqID,
		Timestamp: time.Now().UTC(),
		Data:      data,
		Error:     apiErr,
	}
	if apiErr != nil {
		resp.Status = "error"
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(resp)
}
