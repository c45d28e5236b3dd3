package gateway

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/nhle/email-approver/internal/approval"
	"github.com/nhle/email-approver/internal/model"
	"github.com/nhle/email-approver/internal/store"
)

// decisionResponse is the body returned by the approve and reject actions.
type decisionResponse struct {
	Status string      `json:"status"`
	State  model.State `json:"state,omitempty"`
}

// handleSubmit accepts a draft for approval.
func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var in approval.SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	req, err := s.workflow.Submit(r.Context(), in)
	if err != nil {
		if errors.Is(err, store.ErrDuplicateToken) {
			writeError(w, http.StatusConflict, "correlation token already in use")
			return
		}
		if req != nil {
			// Created but the approval-request email failed; report the
			// request anyway so the caller can retry notification or decide
			// through this API.
			s.logger.Warn("submission stored but approver not notified",
				slog.String("request_id", req.ID),
				slog.Any("error", err),
			)
			writeJSON(w, http.StatusAccepted, req)
			return
		}
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	writeJSON(w, http.StatusCreated, req)
}

// handlePending lists pending requests with aggregate stats, for the
// approval UI.
func (s *Server) handlePending(w http.ResponseWriter, r *http.Request) {
	pending, err := s.store.ListPending(r.Context())
	if err != nil {
		s.logger.Error("listing pending requests", slog.Any("error", err))
		writeError(w, http.StatusInternalServerError, "listing pending requests")
		return
	}

	counts, err := s.store.CountByState(r.Context())
	if err != nil {
		s.logger.Error("counting requests", slog.Any("error", err))
		writeError(w, http.StatusInternalServerError, "counting requests")
		return
	}

	if pending == nil {
		pending = []model.ApprovalRequest{}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"pending": pending,
		"stats":   statsPayload(counts),
	})
}

// handleStats returns request counts per state.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	counts, err := s.store.CountByState(r.Context())
	if err != nil {
		s.logger.Error("counting requests", slog.Any("error", err))
		writeError(w, http.StatusInternalServerError, "counting requests")
		return
	}
	writeJSON(w, http.StatusOK, statsPayload(counts))
}

// handleApprove applies a UI approval for the request in the path.
func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	var body struct {
		EditedBody string `json:"edited_body"`
	}
	if r.Body != nil {
		// The body is optional; decode errors on an empty body are fine.
		_ = json.NewDecoder(r.Body).Decode(&body)
	}

	s.decide(w, r, model.DecisionEvent{
		Verdict:    model.VerdictApprove,
		Source:     model.SourceUIAction,
		EditedBody: body.EditedBody,
	})
}

// handleReject applies a UI rejection for the request in the path.
func (s *Server) handleReject(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Reason string `json:"reason"`
	}
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&body)
	}
	if body.Reason == "" {
		body.Reason = "rejected via web UI"
	}

	s.decide(w, r, model.DecisionEvent{
		Verdict: model.VerdictReject,
		Source:  model.SourceUIAction,
		Reason:  body.Reason,
	})
}

// decide resolves the path id to the request's token, submits the event to
// the coordinator, and maps the outcome onto the HTTP response.
func (s *Server) decide(w http.ResponseWriter, r *http.Request, event model.DecisionEvent) {
	id := mux.Vars(r)["id"]

	req, err := s.store.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, decisionResponse{Status: "not_found"})
			return
		}
		s.logger.Error("loading request", slog.String("request_id", id), slog.Any("error", err))
		writeError(w, http.StatusInternalServerError, "loading request")
		return
	}

	// Pin the event to the addressed request: resolving only by token could
	// land on a newer request reusing the token of this, decided, one.
	event.RequestID = req.ID
	event.Token = req.Token
	decision, err := s.decider.Decide(r.Context(), event)
	if err != nil {
		s.logger.Error("applying decision",
			slog.String("request_id", id),
			slog.Any("error", err),
		)
		writeError(w, http.StatusInternalServerError, "applying decision")
		return
	}

	switch decision.Outcome {
	case approval.OutcomeApplied:
		writeJSON(w, http.StatusOK, decisionResponse{
			Status: string(approval.OutcomeApplied),
			State:  decision.State,
		})
	case approval.OutcomeAlreadyDecided:
		writeJSON(w, http.StatusConflict, decisionResponse{
			Status: string(approval.OutcomeAlreadyDecided),
			State:  decision.State,
		})
	default:
		writeJSON(w, http.StatusNotFound, decisionResponse{Status: "not_found"})
	}
}

// handleHealth reports service liveness.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// statsPayload shapes state counts for API responses.
func statsPayload(c model.StateCounts) map[string]int {
	return map[string]int{
		"total":       c.Total(),
		"pending":     c.Pending,
		"approved":    c.Approved,
		"rejected":    c.Rejected,
		"sent":        c.Sent,
		"send_failed": c.SendFailed,
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
