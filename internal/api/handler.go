package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/nidhogg/memory-den/internal/ops"
	"github.com/nidhogg/memory-den/internal/search"
	"go.uber.org/zap"
)

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	dispatcher *ops.Dispatcher
	vector     *search.VectorBackend
	logger     *zap.Logger
}

// NewHandler creates a new API handler. The vector backend may be nil
// when the deployment runs without a vector store; the index route then
// reports unavailable.
func NewHandler(dispatcher *ops.Dispatcher, vector *search.VectorBackend, logger *zap.Logger) *Handler {
	return &Handler{
		dispatcher: dispatcher,
		vector:     vector,
		logger:     logger,
	}
}

// Router builds the chi router with all routes.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", h.healthCheck)

		// Generic envelope surface: one route per operation name.
		r.Post("/ops/{op}", h.handleOp)

		// Session routes
		r.Post("/sessions", h.captureSession)
		r.Get("/sessions", h.listSessions)
		r.Get("/sessions/{id}", h.restoreSession)
		r.Post("/cleanup", h.cleanupSessions)

		// Search routes
		r.Post("/search", h.searchAll)
		r.Post("/search/freshness", h.searchWithFreshness)

		// Context pipeline routes
		r.Post("/context/inject", h.injectContext)
		r.Post("/context/process", h.processContext)

		// Vector admin routes
		r.Post("/index", h.indexDocument)
	})

	return r
}

func (h *Handler) healthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "service": "memory-den"})
}

func (h *Handler) handleOp(w http.ResponseWriter, r *http.Request) {
	op := ops.Op(chi.URLParam(r, "op"))
	params, err := decodeParams(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	h.respond(w, r, op, params)
}

func (h *Handler) captureSession(w http.ResponseWriter, r *http.Request) {
	params, err := decodeParams(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	h.respond(w, r, ops.OpCaptureSession, params)
}

func (h *Handler) listSessions(w http.ResponseWriter, r *http.Request) {
	params := ops.Params{}
	if project := r.URL.Query().Get("project"); project != "" {
		params["project_name"] = project
	}
	if raw := r.URL.Query().Get("max"); raw != "" {
		max, err := strconv.Atoi(raw)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "max must be an integer"})
			return
		}
		params["max_results"] = max
	}
	h.respond(w, r, ops.OpListActiveSessions, params)
}

func (h *Handler) restoreSession(w http.ResponseWriter, r *http.Request) {
	params := ops.Params{"session_id": chi.URLParam(r, "id")}
	if project := r.URL.Query().Get("project"); project != "" {
		params["project_name"] = project
	}
	h.respond(w, r, ops.OpRestoreSession, params)
}

func (h *Handler) cleanupSessions(w http.ResponseWriter, r *http.Request) {
	params, err := decodeParams(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	h.respond(w, r, ops.OpCleanupExpired, params)
}

func (h *Handler) searchAll(w http.ResponseWriter, r *http.Request) {
	params, err := decodeParams(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	h.respond(w, r, ops.OpSearchAll, params)
}

func (h *Handler) searchWithFreshness(w http.ResponseWriter, r *http.Request) {
	params, err := decodeParams(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	h.respond(w, r, ops.OpSearchWithFreshness, params)
}

func (h *Handler) injectContext(w http.ResponseWriter, r *http.Request) {
	params, err := decodeParams(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	h.respond(w, r, ops.OpInjectRealtimeData, params)
}

func (h *Handler) processContext(w http.ResponseWriter, r *http.Request) {
	params, err := decodeParams(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	h.respond(w, r, ops.OpProcessQueryRealtime, params)
}

type indexRequest struct {
	ID      string            `json:"id"`
	Content string            `json:"content"`
	Payload map[string]string `json:"payload"`
}

func (h *Handler) indexDocument(w http.ResponseWriter, r *http.Request) {
	if h.vector == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "vector backend not configured"})
		return
	}
	var req indexRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if req.Content == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "content is required"})
		return
	}

	id, err := h.vector.Index(r.Context(), req.ID, req.Content, req.Payload)
	if err != nil {
		writeJSON(w, http.StatusBadGateway, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": id, "status": "indexed"})
}

// respond runs the operation and writes the envelope with a status
// mirroring its failure code.
func (h *Handler) respond(w http.ResponseWriter, r *http.Request, op ops.Op, params ops.Params) {
	env := h.dispatcher.Handle(r.Context(), op, params)
	writeJSON(w, statusFor(env), env)
}

func statusFor(env ops.Envelope) int {
	if env.Success() {
		return http.StatusOK
	}
	switch env.ErrCode() {
	case ops.CodeValidationError:
		return http.StatusBadRequest
	case ops.CodeNotFound:
		return http.StatusNotFound
	case ops.CodeProjectMismatch:
		return http.StatusConflict
	case ops.CodeBackendError:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// decodeParams reads the request body as a flat parameter mapping. An
// empty body means no parameters.
func decodeParams(r *http.Request) (ops.Params, error) {
	var params ops.Params
	if err := json.NewDecoder(r.Body).Decode(&params); err != nil {
		if errors.Is(err, io.EOF) {
			return ops.Params{}, nil
		}
		return nil, err
	}
	if params == nil {
		params = ops.Params{}
	}
	return params, nil
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
