package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/archon-research/queuerelay/internal/adapters/inbound/events"
	"github.com/archon-research/queuerelay/internal/domain/entity"
)

const addBadRequest = `Bad Request: JSON body with "message" field required`

type addRequest struct {
	Message *string `json:"message"`
}

type processRequest struct {
	Timeout *float64 `json:"timeout"`
}

type relayResponse struct {
	Message         string  `json:"message"`
	Processed       int     `json:"processed"`
	Total           int     `json:"total"`
	TimedOut        bool    `json:"timedOut"`
	Reason          string  `json:"reason"`
	Batches         int     `json:"batches"`
	Failed          int     `json:"failed"`
	DurationSeconds float64 `json:"durationSeconds"`
}

func (s *Server) handlePending(w http.ResponseWriter, r *http.Request) {
	count, err := s.relay.Pending(r.Context())
	if err != nil {
		s.logger.Error("failed to count pending messages", "error", err)
		s.respondError(w, http.StatusBadGateway, err.Error())
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]any{
		"message": fmt.Sprintf("Number of messages waiting in the input queue: %d", count),
		"pending": count,
	})
}

func (s *Server) handleAdd(w http.ResponseWriter, r *http.Request) {
	var req addRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil || req.Message == nil {
		s.respondError(w, http.StatusBadRequest, addBadRequest)
		return
	}

	id, err := s.relay.Enqueue(r.Context(), []byte(*req.Message))
	if errors.Is(err, entity.ErrEmptyPayload) {
		s.respondError(w, http.StatusBadRequest, addBadRequest)
		return
	}
	if err != nil {
		s.logger.Error("failed to add message", "error", err)
		s.respondError(w, http.StatusBadGateway, err.Error())
		return
	}

	s.respondJSON(w, http.StatusOK, map[string]string{
		"message":   fmt.Sprintf("Message added to input queue. Message ID: %s", id),
		"messageId": id,
	})
}

// handleProcess runs the relay. A missing or unreadable body selects the
// default timeout.
func (s *Server) handleProcess(w http.ResponseWriter, r *http.Request) {
	timeout := s.config.DefaultTimeout

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err == nil && len(body) > 0 {
		var req processRequest
		if json.Unmarshal(body, &req) == nil && req.Timeout != nil {
			if d, err := events.SecondsToDuration(*req.Timeout); err == nil {
				timeout = d
			}
		}
	}

	s.runRelay(w, r, timeout)
}

// handleEvent runs the relay for a wakeup pushed over HTTP.
func (s *Server) handleEvent(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "Bad Request: unreadable body")
		return
	}

	timeout, err := events.DecodeWakeup(body, s.config.DefaultTimeout)
	if err != nil {
		s.logger.Warn("rejecting malformed wakeup", "error", err)
		s.respondError(w, http.StatusBadRequest, "Bad Request: "+err.Error())
		return
	}

	s.runRelay(w, r, timeout)
}

func (s *Server) runRelay(w http.ResponseWriter, r *http.Request, timeout time.Duration) {
	if timeout > s.config.MaxTimeout {
		s.logger.Warn("capping relay timeout", "requested", timeout, "max", s.config.MaxTimeout)
		timeout = s.config.MaxTimeout
	}

	// A disconnecting caller must not abort a batch between publish and acknowledge.
	ctx := context.WithoutCancel(r.Context())

	result, err := s.relay.Run(ctx, timeout)
	if err != nil {
		s.logger.Error("relay run failed",
			"processed", result.Processed,
			"error", err,
		)
		s.respondError(w, http.StatusBadGateway, err.Error())
		return
	}

	s.logger.Info(result.Summary(),
		"processed", result.Processed,
		"total", result.TotalAtStart,
		"reason", result.Reason.String(),
	)
	s.respondJSON(w, http.StatusOK, toResponse(result))
}

func toResponse(result entity.RelayResult) relayResponse {
	return relayResponse{
		Message:         result.Summary(),
		Processed:       result.Processed,
		Total:           result.TotalAtStart,
		TimedOut:        result.TimedOut,
		Reason:          result.Reason.String(),
		Batches:         result.Batches,
		Failed:          result.Failed,
		DurationSeconds: result.Duration.Seconds(),
	}
}
