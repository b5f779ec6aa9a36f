package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"mime"
	"net/http"
	"strings"

	"github.com/MEKXH/weatherhitl/internal/agent"
	"github.com/MEKXH/weatherhitl/internal/approval"
	"github.com/MEKXH/weatherhitl/internal/metrics"
	"github.com/MEKXH/weatherhitl/internal/tracker"
	"github.com/MEKXH/weatherhitl/internal/version"
)

const welcomeMessage = "Weather Human-in-the-Loop API"

const maxBodyBytes = 1 << 20

// Agent is the runtime surface the gateway drives.
type Agent interface {
	agent.Runner
	Thread(ctx context.Context, threadID string) (agent.ThreadInfo, error)
}

// Deps wires the handler. Approvals and Metrics are optional.
type Deps struct {
	Agent     Agent
	Tracker   *tracker.Tracker
	Approvals *approval.Service
	Metrics   *metrics.RuntimeMetrics
	Logger    *slog.Logger
	RateLimit float64
	RateBurst int
}

type handler struct {
	agent     Agent
	tracker   *tracker.Tracker
	approvals *approval.Service
	metrics   *metrics.RuntimeMetrics
	logger    *slog.Logger
}

// NewHandler builds the HTTP API. ctx bounds background middleware work.
func NewHandler(ctx context.Context, deps Deps) http.Handler {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	tr := deps.Tracker
	if tr == nil {
		tr = tracker.New()
	}
	h := &handler{
		agent:     deps.Agent,
		tracker:   tr,
		approvals: deps.Approvals,
		metrics:   deps.Metrics,
		logger:    logger,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", h.welcome)
	mux.HandleFunc("GET /health", h.health)
	mux.HandleFunc("GET /version", h.version)
	mux.HandleFunc("GET /metrics", h.runtimeMetrics)

	mux.HandleFunc("POST /weather", h.invokeWeather)
	mux.HandleFunc("POST /weather/{thread_id}/resume", h.resumeWeather)
	mux.HandleFunc("GET /weather/{thread_id}", h.threadStatus)

	mux.HandleFunc("POST /api/agent/request", h.createRequest)
	mux.HandleFunc("GET /api/requests/active", h.listRequests)
	mux.HandleFunc("GET /api/requests/{id}", h.getRequest)
	mux.HandleFunc("POST /api/requests/{id}/approve", h.approveRequest)
	mux.HandleFunc("POST /api/requests/{id}/deny", h.denyRequest)
	mux.HandleFunc("GET /api/approvals", h.listApprovals)

	var root http.Handler = mux
	root = withRateLimit(ctx, deps.RateLimit, deps.RateBurst, root)
	root = withRequestLog(logger, root)
	root = withRequestID(root)
	return root
}

func (h *handler) welcome(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"message": welcomeMessage})
}

func (h *handler) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (h *handler) version(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"version": version.Version})
}

func (h *handler) runtimeMetrics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.metrics.Snapshot())
}

func (h *handler) createRequest(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)

	var description string
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "application/json" {
		var body struct {
			Description string `json:"description"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeDetail(w, r, http.StatusUnprocessableEntity, "invalid json request")
			return
		}
		description = body.Description
	} else {
		if err := r.ParseForm(); err != nil {
			writeDetail(w, r, http.StatusUnprocessableEntity, "invalid form request")
			return
		}
		description = r.PostForm.Get("description")
	}

	req := h.tracker.Create(description)
	h.logger.Info("agent request created", "request_id", agent.RequestIDFromContext(r.Context()), "id", req.ID)
	writeJSON(w, http.StatusCreated, req)
}

func (h *handler) listRequests(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.tracker.List())
}

func (h *handler) getRequest(w http.ResponseWriter, r *http.Request) {
	req, err := h.tracker.Get(r.PathValue("id"))
	if err != nil {
		writeTrackerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

func (h *handler) approveRequest(w http.ResponseWriter, r *http.Request) {
	req, err := h.tracker.Approve(r.PathValue("id"))
	if err != nil {
		writeTrackerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

func (h *handler) denyRequest(w http.ResponseWriter, r *http.Request) {
	req, err := h.tracker.Deny(r.PathValue("id"))
	if err != nil {
		writeTrackerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

func (h *handler) listApprovals(w http.ResponseWriter, r *http.Request) {
	if h.approvals == nil {
		writeJSON(w, http.StatusOK, []approval.Request{})
		return
	}
	status := approval.RequestStatus(strings.TrimSpace(r.URL.Query().Get("status")))
	if status == "" {
		status = approval.StatusPending
	}
	requests, err := h.approvals.List(approval.Query{
		Status:   status,
		ThreadID: r.URL.Query().Get("thread_id"),
	})
	if err != nil {
		h.logger.Error("list approvals failed", "request_id", agent.RequestIDFromContext(r.Context()), "error", err)
		writeDetail(w, r, http.StatusInternalServerError, "failed to list approvals")
		return
	}
	writeJSON(w, http.StatusOK, requests)
}

func writeTrackerError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case isNotFound(err):
		writeDetail(w, r, http.StatusNotFound, "Request not found")
	case isInvalidTransition(err):
		writeDetail(w, r, http.StatusConflict, err.Error())
	default:
		writeDetail(w, r, http.StatusInternalServerError, "request update failed")
	}
}

// writeDetail writes {"detail": ..., "request_id": ...}.
func writeDetail(w http.ResponseWriter, r *http.Request, status int, detail string) {
	writeJSON(w, status, map[string]any{
		"detail":     detail,
		"request_id": agent.RequestIDFromContext(r.Context()),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
