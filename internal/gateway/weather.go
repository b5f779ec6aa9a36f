package gateway

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/MEKXH/weatherhitl/internal/agent"
	"github.com/MEKXH/weatherhitl/internal/hitl"
	"github.com/MEKXH/weatherhitl/internal/tracker"
)

type weatherRequest struct {
	Query    string `json:"query"`
	ThreadID string `json:"thread_id"`
}

type resumeRequest struct {
	Decisions []hitl.Decision `json:"decisions"`
}

type interruptResponse struct {
	Status         string               `json:"status"`
	ThreadID       string               `json:"thread_id"`
	ApprovalID     string               `json:"approval_id"`
	ActionRequests []hitl.ActionRequest `json:"action_requests"`
	ExpiresAt      time.Time            `json:"expires_at"`
}

func (h *handler) invokeWeather(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	var req weatherRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeDetail(w, r, http.StatusUnprocessableEntity, "invalid json request")
		return
	}
	query := strings.TrimSpace(req.Query)
	if query == "" {
		writeDetail(w, r, http.StatusUnprocessableEntity, "query is required")
		return
	}
	threadID := strings.TrimSpace(req.ThreadID)
	if threadID == "" {
		threadID = agent.NewThreadID()
	}

	if _, err := h.tracker.Track(threadID, query); err != nil {
		h.logger.Warn("track request failed", "thread_id", threadID, "error", err)
	}

	ctx := agent.WithReviewer(r.Context(), "api")
	turn, err := h.agent.Invoke(ctx, threadID, query)
	h.writeTurn(w, r, threadID, turn, err)
}

func (h *handler) resumeWeather(w http.ResponseWriter, r *http.Request) {
	threadID := strings.TrimSpace(r.PathValue("thread_id"))
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	var req resumeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeDetail(w, r, http.StatusUnprocessableEntity, "invalid decisions: "+err.Error())
		return
	}

	ctx := agent.WithReviewer(r.Context(), "api")
	turn, err := h.agent.Resume(ctx, threadID, req.Decisions)
	if err == nil && !hitl.AnyRejected(req.Decisions) {
		h.trackStep(threadID, h.tracker.Approve)
	}
	h.writeTurn(w, r, threadID, turn, err)
}

func (h *handler) threadStatus(w http.ResponseWriter, r *http.Request) {
	info, err := h.agent.Thread(r.Context(), r.PathValue("thread_id"))
	if err != nil {
		h.logger.Error("thread status failed", "request_id", agent.RequestIDFromContext(r.Context()), "error", err)
		writeDetail(w, r, http.StatusInternalServerError, "failed to load thread")
		return
	}
	phase := string(info.Phase)
	if phase == "" {
		phase = "idle"
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"thread_id":  info.ThreadID,
		"phase":      phase,
		"messages":   info.Messages,
		"model_runs": info.ModelRuns,
		"tool_runs":  info.ToolRuns,
		"interrupt":  info.Pending,
	})
}

// writeTurn maps a runtime outcome to the HTTP contract and mirrors it into
// the tracker entry for the thread.
func (h *handler) writeTurn(w http.ResponseWriter, r *http.Request, threadID string, turn agent.Turn, err error) {
	if err != nil {
		switch {
		case errors.Is(err, agent.ErrThreadSuspended):
			h.trackStep(threadID, h.tracker.MarkHITLRequired)
			writeDetail(w, r, http.StatusConflict, err.Error())
		case errors.Is(err, agent.ErrNotSuspended),
			errors.Is(err, agent.ErrDecisionMismatch):
			writeDetail(w, r, http.StatusConflict, err.Error())
		case errors.Is(err, agent.ErrSuspensionExpired):
			h.trackStep(threadID, h.tracker.Fail)
			writeDetail(w, r, http.StatusGone, err.Error())
		default:
			h.trackStep(threadID, h.tracker.Fail)
			h.logger.Error("agent processing failed",
				"request_id", agent.RequestIDFromContext(r.Context()),
				"thread_id", threadID,
				"error", err,
			)
			writeDetail(w, r, http.StatusInternalServerError, "Agent processing failed: "+err.Error())
		}
		return
	}

	switch {
	case turn.Interrupted():
		h.trackStep(threadID, h.tracker.MarkHITLRequired)
		writeJSON(w, http.StatusAccepted, interruptResponse{
			Status:         "interrupted",
			ThreadID:       threadID,
			ApprovalID:     turn.Interrupt.ApprovalID,
			ActionRequests: turn.Interrupt.ActionRequests,
			ExpiresAt:      turn.Interrupt.ExpiresAt,
		})
	case turn.Rejected:
		h.trackStep(threadID, h.tracker.Deny)
		writeJSON(w, http.StatusOK, map[string]any{
			"status":          "rejected",
			"thread_id":       threadID,
			"should_continue": false,
		})
	case turn.Response != nil:
		h.trackStep(threadID, h.tracker.Complete)
		writeJSON(w, http.StatusOK, turn.Response)
	default:
		h.trackStep(threadID, h.tracker.Complete)
		detail := strings.TrimSpace(turn.Message)
		if detail == "" {
			detail = "No structured response produced"
		}
		writeDetail(w, r, http.StatusUnprocessableEntity, detail)
	}
}

func (h *handler) trackStep(threadID string, step func(string) (tracker.Request, error)) {
	if _, err := step(threadID); err != nil {
		h.logger.Warn("tracker update failed", "thread_id", threadID, "error", err)
	}
}

func isNotFound(err error) bool {
	return errors.Is(err, tracker.ErrNotFound)
}

func isInvalidTransition(err error) bool {
	return errors.Is(err, tracker.ErrInvalidTransition)
}
