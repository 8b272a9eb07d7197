package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/foxzi/mailrun/internal/queue"
)

const (
	defaultHistoryLimit = 20
	maxHistoryLimit     = 500
)

// CreateQueueRequest is the request body for POST /api/v1/queue
type CreateQueueRequest struct {
	HTML          string `json:"html" validate:"required"`
	Subject       string `json:"subject" validate:"required,max=998"`
	EmailsPerHour int    `json:"emailsPerHour" validate:"required,gt=0"`
	Limit         int    `json:"limit" validate:"gte=0"`
	FilterTag     string `json:"filterTag" validate:"max=255"`
}

// UpdateQueueRequest is the request body for PUT /api/v1/queue
type UpdateQueueRequest struct {
	Action string `json:"action" validate:"required,oneof=start resume pause stop"`
}

// CreateQueueResponse is the response for POST /api/v1/queue
type CreateQueueResponse struct {
	Message string `json:"message"`
	*queue.CreateResult
}

// QueueStatusResponse wraps a status projection with a message
type QueueStatusResponse struct {
	Message string `json:"message"`
	*queue.Status
}

// IdleResponse is returned when no campaign exists
type IdleResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

// HistoryResponse is the response for GET /api/v1/queue/history
type HistoryResponse struct {
	Batches []*queue.BatchReport `json:"batches"`
	Count   int                  `json:"count"`
}

// HealthResponse is the response for GET /health
type HealthResponse struct {
	Status string        `json:"status"`
	Uptime string        `json:"uptime"`
	Queue  *queue.Status `json:"queue,omitempty"`
}

// ErrorResponse is the error response
type ErrorResponse struct {
	Error string `json:"error"`
}

// newValidator reports field errors under their JSON names
func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// handleHealth handles GET /health
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	st, err := s.controller.Status(r.Context())
	if err != nil {
		s.logger.Warn("health check could not read queue", "error", err)
	}

	s.sendJSON(w, http.StatusOK, HealthResponse{
		Status: "ok",
		Uptime: time.Since(s.startTime).Round(time.Second).String(),
		Queue:  st,
	})
}

// handleQueueStatus handles GET /api/v1/queue/status
func (s *Server) handleQueueStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.controller.Status(r.Context())
	if err != nil {
		s.logger.Error("failed to get queue status", "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to get queue status")
		return
	}
	if st == nil {
		s.sendJSON(w, http.StatusOK, IdleResponse{Status: "idle", Message: "No active queue"})
		return
	}

	s.sendJSON(w, http.StatusOK, QueueStatusResponse{
		Message: fmt.Sprintf("Queue %s is %s", st.ID, st.Status),
		Status:  st,
	})
}

// handleCreateQueue handles POST /api/v1/queue
func (s *Server) handleCreateQueue(w http.ResponseWriter, r *http.Request) {
	var req CreateQueueRequest
	if !s.decode(w, r, &req) {
		return
	}

	result, err := s.controller.Create(r.Context(), queue.CreateRequest{
		Subject:       req.Subject,
		Body:          req.HTML,
		EmailsPerHour: req.EmailsPerHour,
		FilterTag:     req.FilterTag,
		Limit:         req.Limit,
	})
	if err != nil {
		s.sendQueueError(w, "create", err)
		return
	}

	s.sendJSON(w, http.StatusCreated, CreateQueueResponse{
		Message:      fmt.Sprintf("Queue created with %d recipients", result.TotalRecipients),
		CreateResult: result,
	})
}

// handleUpdateQueue handles PUT /api/v1/queue
func (s *Server) handleUpdateQueue(w http.ResponseWriter, r *http.Request) {
	var req UpdateQueueRequest
	if !s.decode(w, r, &req) {
		return
	}

	st, err := s.controller.Apply(r.Context(), queue.Action(req.Action))
	if err != nil {
		s.sendQueueError(w, req.Action, err)
		return
	}

	s.sendJSON(w, http.StatusOK, QueueStatusResponse{
		Message: fmt.Sprintf("Queue %s is %s", st.ID, st.Status),
		Status:  st,
	})
}

// handleProcessQueue handles POST /api/v1/queue/process.
// The batch outlives a client that disconnects or times out.
func (s *Server) handleProcessQueue(w http.ResponseWriter, r *http.Request) {
	result, err := s.batcher.ProcessBatch(context.WithoutCancel(r.Context()))
	if err != nil {
		s.sendQueueError(w, "process", err)
		return
	}

	s.sendJSON(w, http.StatusOK, result)
}

// handleQueueHistory handles GET /api/v1/queue/history
func (s *Server) handleQueueHistory(w http.ResponseWriter, r *http.Request) {
	limit := defaultHistoryLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			s.sendError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxHistoryLimit)
	}

	reports, err := s.history.List(r.Context(), limit)
	if err != nil {
		s.logger.Error("failed to list batch history", "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to list history")
		return
	}
	if reports == nil {
		reports = []*queue.BatchReport{}
	}

	s.sendJSON(w, http.StatusOK, HistoryResponse{Batches: reports, Count: len(reports)})
}

// decode reads and validates a JSON body, writing a 400 on failure
func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.sendError(w, http.StatusRequestEntityTooLarge, "Request body too large")
			return false
		}
		s.sendError(w, http.StatusBadRequest, "Invalid request body")
		return false
	}

	if err := s.validate.Struct(dst); err != nil {
		s.sendError(w, http.StatusBadRequest, validationMessage(err))
		return false
	}
	return true
}

// validationMessage renders validator errors as one readable line
func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}

	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		switch fe.Tag() {
		case "required":
			msgs = append(msgs, fe.Field()+" is required")
		case "gt":
			msgs = append(msgs, fmt.Sprintf("%s must be greater than %s", fe.Field(), fe.Param()))
		case "gte":
			msgs = append(msgs, fmt.Sprintf("%s must be at least %s", fe.Field(), fe.Param()))
		case "max":
			msgs = append(msgs, fmt.Sprintf("%s must be at most %s characters", fe.Field(), fe.Param()))
		case "oneof":
			msgs = append(msgs, fmt.Sprintf("%s must be one of: %s", fe.Field(), strings.ReplaceAll(fe.Param(), " ", ", ")))
		default:
			msgs = append(msgs, fmt.Sprintf("%s is invalid", fe.Field()))
		}
	}
	return strings.Join(msgs, "; ")
}

// sendQueueError maps queue errors to HTTP status codes
func (s *Server) sendQueueError(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, queue.ErrInvalidInput):
		s.sendError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, queue.ErrNotFound):
		s.sendError(w, http.StatusNotFound, upperFirst(err.Error()))
	case errors.Is(err, queue.ErrVersionConflict):
		s.sendError(w, http.StatusConflict, "Queue was modified concurrently, retry the request")
	default:
		s.logger.Error("queue operation failed", "op", op, "error", err)
		s.sendError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to %s queue", op))
	}
}

func upperFirst(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

// sendJSON sends a JSON response
func (s *Server) sendJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Error("failed to encode response", "error", err)
	}
}

// sendError sends an error response
func (s *Server) sendError(w http.ResponseWriter, status int, message string) {
	s.sendJSON(w, status, ErrorResponse{Error: message})
}
