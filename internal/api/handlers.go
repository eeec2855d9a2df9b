// Package api provides HTTP handlers and routing for the bridge service.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"

	"github.com/knowaveragejoe/discord-comfyui/internal/comfy"
	"github.com/knowaveragejoe/discord-comfyui/internal/graph"
	"github.com/knowaveragejoe/discord-comfyui/internal/pipeline"
	"github.com/knowaveragejoe/discord-comfyui/internal/template"
	"github.com/knowaveragejoe/discord-comfyui/internal/workflow"
)

// Session registry bounds. Once the registry reaches maxSessions, entries
// idle longer than sessionIdleTTL are dropped before a new one is admitted.
// The TTL is far longer than any single generation, so an entry is never
// evicted out from under an in-flight request.
const (
	maxSessions    = 1024
	sessionIdleTTL = time.Hour
)

// sessionEntry pairs a serialization token with its last use, for eviction.
type sessionEntry struct {
	session  *pipeline.Session
	lastSeen time.Time
}

// Handlers contains all HTTP handlers and their dependencies. It owns the
// session registry mapping callers to serialization tokens; the pipeline core
// deliberately does not.
type Handlers struct {
	pipeline *pipeline.Pipeline
	client   *comfy.Client
	logger   *slog.Logger

	mu       sync.Mutex
	sessions map[string]*sessionEntry
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(p *pipeline.Pipeline, client *comfy.Client, logger *slog.Logger) *Handlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handlers{
		pipeline: p,
		client:   client,
		logger:   logger,
		sessions: make(map[string]*sessionEntry),
	}
}

// session returns the serialization token for a caller, creating it on first
// use. Callers identify themselves with X-Session-ID; without one the client
// IP is used, so anonymous callers behind one address share a queue.
func (h *Handlers) session(r *http.Request) *pipeline.Session {
	key := r.Header.Get("X-Session-ID")
	if key == "" {
		key = clientKey(r)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	now := time.Now()
	e, ok := h.sessions[key]
	if !ok {
		if len(h.sessions) >= maxSessions {
			h.evictIdleLocked(now)
		}
		e = &sessionEntry{session: pipeline.NewSession()}
		h.sessions[key] = e
	}
	e.lastSeen = now
	return e.session
}

// evictIdleLocked drops sessions idle past the TTL. Callers hold h.mu.
func (h *Handlers) evictIdleLocked(now time.Time) {
	for key, e := range h.sessions {
		if now.Sub(e.lastSeen) > sessionIdleTTL {
			delete(h.sessions, key)
		}
	}
}

// --- Health Endpoints ---

// Health handles /healthz.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Ready handles /ready, checking the generation server is reachable.
func (h *Handlers) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if _, err := h.client.SystemStats(ctx); err != nil {
		writeError(w, r, http.StatusServiceUnavailable, ErrCodeServiceUnavail, "generation server unreachable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// --- Generation ---

// GenerateRequest is the request body for a generation.
type GenerateRequest struct {
	Workflow       string         `json:"workflow"`
	Prompt         string         `json:"prompt"`
	NegativePrompt string         `json:"negative_prompt,omitempty"`
	Context        map[string]any `json:"context,omitempty"`
}

// GenerateResponse is returned when execution finished without an artifact.
type GenerateResponse struct {
	PromptID  string `json:"prompt_id"`
	ModelName string `json:"model_name,omitempty"`
	Filename  string `json:"filename"`
}

// Generate handles POST /api/v1/generate. On success the response body is the
// artifact's raw bytes; when the execution produced no artifact a JSON
// summary is returned instead.
func (h *Handlers) Generate(w http.ResponseWriter, r *http.Request) {
	var req GenerateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, http.StatusBadRequest, ErrCodeBadRequest, "invalid request body")
		return
	}
	if req.Workflow == "" || req.Prompt == "" {
		writeError(w, r, http.StatusBadRequest, ErrCodeBadRequest, "workflow and prompt are required")
		return
	}

	result, err := h.pipeline.Generate(r.Context(), h.session(r), pipeline.Request{
		Workflow:       req.Workflow,
		Prompt:         req.Prompt,
		NegativePrompt: req.NegativePrompt,
		Context:        req.Context,
	})
	if err != nil {
		h.respondGenerateError(w, r, err)
		return
	}

	if result.Data == nil {
		writeJSON(w, http.StatusOK, GenerateResponse{
			PromptID:  result.PromptID,
			ModelName: result.ModelName,
			Filename:  "",
		})
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition", `attachment; filename="`+result.Artifact.Filename+`"`)
	w.Header().Set("X-Prompt-ID", result.PromptID)
	w.WriteHeader(http.StatusOK)
	w.Write(result.Data)
}

// respondGenerateError maps pipeline failures onto status codes.
func (h *Handlers) respondGenerateError(w http.ResponseWriter, r *http.Request, err error) {
	var missing *workflow.MissingNodeError
	var shape *workflow.ShapeError
	var parse *graph.ParseError
	var render *template.RenderError
	var status *comfy.StatusError

	switch {
	case errors.Is(err, pipeline.ErrUnknownWorkflow),
		errors.Is(err, template.ErrTemplateNotFound):
		writeError(w, r, http.StatusNotFound, ErrCodeNotFound, err.Error())
	case errors.As(err, &missing), errors.As(err, &shape),
		errors.As(err, &parse), errors.As(err, &render):
		writeError(w, r, http.StatusUnprocessableEntity, ErrCodeInvalidGraph, err.Error())
	case errors.As(err, &status):
		writeError(w, r, http.StatusBadGateway, ErrCodeUpstreamError, err.Error())
	default:
		h.logger.Error("generation failed", "error", err)
		writeError(w, r, http.StatusInternalServerError, ErrCodeInternalError, "generation failed")
	}
}

// --- Workflow and server info ---

// ListWorkflows handles GET /api/v1/workflows.
func (h *Handlers) ListWorkflows(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"workflows": h.pipeline.Workflows()})
}

// ListModels handles GET /api/v1/models/{type}.
func (h *Handlers) ListModels(w http.ResponseWriter, r *http.Request) {
	modelType := mux.Vars(r)["type"]
	models, err := h.client.ListModels(r.Context(), modelType)
	if err != nil {
		var status *comfy.StatusError
		if errors.As(err, &status) {
			writeError(w, r, http.StatusBadGateway, ErrCodeUpstreamError, err.Error())
			return
		}
		writeError(w, r, http.StatusBadRequest, ErrCodeBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"models": models})
}

// Stats handles GET /api/v1/stats.
func (h *Handlers) Stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.client.SystemStats(r.Context())
	if err != nil {
		writeError(w, r, http.StatusBadGateway, ErrCodeUpstreamError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// History handles GET /api/v1/history and GET /api/v1/history/{id}. Without
// an id the server's full history is returned.
func (h *Handlers) History(w http.ResponseWriter, r *http.Request) {
	history, err := h.client.History(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, r, http.StatusBadGateway, ErrCodeUpstreamError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, history)
}

// Interrupt handles POST /api/v1/interrupt.
func (h *Handlers) Interrupt(w http.ResponseWriter, r *http.Request) {
	if err := h.client.Interrupt(r.Context()); err != nil {
		writeError(w, r, http.StatusBadGateway, ErrCodeUpstreamError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "interrupted"})
}
