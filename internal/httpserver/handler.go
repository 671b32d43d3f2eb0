package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/davidbz/corebridge/internal/clientformat"
	"github.com/davidbz/corebridge/internal/domain"
	"github.com/davidbz/corebridge/internal/observability"
)

const maxRequestBody = 32 << 20

// ModelLister lists the model names that can be routed.
type ModelLister interface {
	Models() []string
}

// Handler handles HTTP requests.
type Handler struct {
	gateway   *domain.GatewayService
	models    ModelLister
	openAI    clientformat.Format
	anthropic clientformat.Format
}

// NewHandler creates a new HTTP handler (DI constructor).
func NewHandler(gateway *domain.GatewayService, models ModelLister) *Handler {
	return &Handler{
		gateway:   gateway,
		models:    models,
		openAI:    clientformat.NewOpenAI(),
		anthropic: clientformat.NewAnthropic(),
	}
}

// HandleChatCompletions serves OpenAI chat completion requests.
func (h *Handler) HandleChatCompletions(w http.ResponseWriter, r *http.Request) {
	h.handle(w, r, h.openAI)
}

// HandleMessages serves Anthropic messages requests.
func (h *Handler) HandleMessages(w http.ResponseWriter, r *http.Request) {
	h.handle(w, r, h.anthropic)
}

func (h *Handler) handle(w http.ResponseWriter, r *http.Request, format clientformat.Format) {
	ctx := r.Context()

	if r.Method != http.MethodPost {
		writeError(w, format, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
	if err != nil {
		writeError(w, format, http.StatusBadRequest, fmt.Sprintf("failed to read request body: %v", err))
		return
	}

	req, err := format.DecodeRequest(body)
	if err != nil {
		writeError(w, format, http.StatusBadRequest, err.Error())
		return
	}

	if req.Model == "" {
		writeError(w, format, http.StatusBadRequest, "model is required")
		return
	}

	// Inject model into context for downstream logging.
	ctx = observability.WithModel(ctx, req.Model)

	logger := observability.FromContext(ctx)
	logger.Info("completion request received",
		observability.String("format", format.Name()),
		observability.Int("messages", len(req.Messages)),
		observability.Bool("stream", req.Stream),
	)

	if req.Stream {
		h.handleStream(ctx, w, format, req)
		return
	}

	response, err := h.gateway.CompleteByModel(ctx, req)
	if err != nil {
		status := statusFor(err)
		logger.Error("completion failed", observability.Int("status", status), observability.Error(err))
		writeError(w, format, status, err.Error())
		return
	}

	data, err := format.EncodeResponse(response)
	if err != nil {
		logger.Error("failed to encode response", observability.Error(err))
		writeError(w, format, http.StatusInternalServerError, fmt.Sprintf("failed to encode response: %v", err))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Corebridge-Family", response.Family.String())
	w.Header().Set("X-Corebridge-Cost", strconv.FormatFloat(response.Cost, 'f', -1, 64))
	w.WriteHeader(http.StatusOK)
	if _, writeErr := w.Write(data); writeErr != nil {
		logger.Warn("failed to write response", observability.Error(writeErr))
	}
}

func (h *Handler) handleStream(
	ctx context.Context,
	w http.ResponseWriter,
	format clientformat.Format,
	req *domain.UnifiedRequest,
) {
	logger := observability.FromContext(ctx)

	flusher, ok := w.(http.Flusher)
	if !ok {
		logger.Error("streaming not supported")
		writeError(w, format, http.StatusInternalServerError, "streaming not supported")
		return
	}

	// Cancelling on return stops the producer when the client write fails.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	events, err := h.gateway.StreamByModel(ctx, req)
	if err != nil {
		status := statusFor(err)
		logger.Error("stream failed", observability.Int("status", status), observability.Error(err))
		writeError(w, format, status, err.Error())
		return
	}

	// Set headers for SSE.
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	if route, resolveErr := h.gateway.ResolveModel(req.Model); resolveErr == nil {
		w.Header().Set("X-Corebridge-Family", route.Family.String())
	}
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	encoder := format.NewStreamEncoder()
	for {
		select {
		case <-ctx.Done():
			logger.Info("client disconnected")
			return
		case event, open := <-events:
			if !open {
				return
			}

			if writeErr := encoder.WriteEvent(w, event); writeErr != nil {
				logger.Warn("failed to write stream event", observability.Error(writeErr))
				return
			}
			flusher.Flush()

			switch event.Type {
			case domain.EventError:
				logger.Error("stream chunk error", observability.Error(event.Err))
				return
			case domain.EventDone:
				logger.Info("stream completed")
				return
			}
		}
	}
}

// HandleModels lists the routable models in the OpenAI list shape.
func (h *Handler) HandleModels(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	type modelEntry struct {
		ID      string `json:"id"`
		Object  string `json:"object"`
		OwnedBy string `json:"owned_by"`
	}

	names := h.models.Models()
	data := make([]modelEntry, 0, len(names))
	for _, name := range names {
		family := domain.DetectProtocol(name)
		if route, err := h.gateway.ResolveModel(name); err == nil {
			family = route.Family
		}
		data = append(data, modelEntry{
			ID:      name,
			Object:  "model",
			OwnedBy: family.String(),
		})
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(map[string]any{
		"object": "list",
		"data":   data,
	}); err != nil {
		observability.FromContext(r.Context()).Warn("failed to encode models", observability.Error(err))
	}
}

// HandleHealth handles health check requests.
func (h *Handler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(map[string]string{
		"status": "healthy",
	}); err != nil {
		// Already written status, can't change it, just log.
		return
	}
}

func writeError(w http.ResponseWriter, format clientformat.Format, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(format.EncodeError(status, message))
}

// statusFor maps gateway errors to the HTTP status returned to the client.
func statusFor(err error) int {
	var (
		authErr      *domain.AuthenticationError
		transientErr *domain.TransientBackendError
		rejectedErr  *domain.UpstreamRejectedError
	)

	switch {
	case errors.Is(err, domain.ErrRoutableNotFound):
		return http.StatusNotFound
	case errors.As(err, &authErr):
		return http.StatusUnauthorized
	case errors.As(err, &transientErr):
		if transientErr.StatusCode > 0 {
			return transientErr.StatusCode
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return http.StatusGatewayTimeout
		}
		return http.StatusBadGateway
	case errors.As(err, &rejectedErr):
		if rejectedErr.StatusCode >= http.StatusBadRequest && rejectedErr.StatusCode < http.StatusInternalServerError {
			return rejectedErr.StatusCode
		}
		return http.StatusBadGateway
	case errors.Is(err, clientformat.ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusBadGateway
	}
}
