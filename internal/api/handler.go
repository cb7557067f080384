// Package api provides the HTTP edge of the concent service.
package api

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/gorilla/mux"
	log "github.com/sirupsen/logrus"

	"github.com/etsangsplk/concent/internal/dispute"
	"github.com/etsangsplk/concent/internal/domain"
	"github.com/etsangsplk/concent/internal/envelope"
	"github.com/etsangsplk/concent/internal/guard"
	"github.com/etsangsplk/concent/internal/token"
	"github.com/etsangsplk/concent/internal/workflow"
)

// maxMessageBytes caps request bodies.
const maxMessageBytes = 1 << 20

// Handler holds all dependencies for the HTTP handlers.
type Handler struct {
	Dispute    *dispute.Handler
	Mailbox    *dispute.Mailbox
	Reconciler *dispute.Reconciler
	Ledger     *workflow.Ledger
	Guard      *guard.Guard
}

// APIError is a structured error response.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ResolveRequest is the body for POST /api/v1/admin/subtasks/{subtask_id}/resolve.
type ResolveRequest struct {
	Verdict domain.Verdict `json:"verdict"`
	Actor   string         `json:"actor"`
}

// SubtaskView is the admin representation of a subtask.
type SubtaskView struct {
	TaskID         string `json:"task_id"`
	SubtaskID      string `json:"subtask_id"`
	State          string `json:"state"`
	NextDeadline   *int64 `json:"next_deadline,omitempty"`
	Escalated      bool   `json:"escalated"`
	EscalationCode string `json:"escalation_code,omitempty"`
}

// Send handles POST /api/v1/send.
func (h *Handler) Send(w http.ResponseWriter, r *http.Request) {
	clientKey, err := clientKeyHeader(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := h.Guard.CheckSend(string(clientKey)); err != nil {
		writeError(w, err)
		return
	}
	env, err := readEnvelope(r)
	if err != nil {
		writeError(w, err)
		return
	}

	var res *dispute.Result
	switch env.Type {
	case envelope.TypeSubtaskResultsVerify:
		res, err = h.Dispute.HandleSubtaskResultsVerify(r.Context(), env)
	case envelope.TypeForceGetTaskResult:
		res, err = h.Dispute.HandleForceGetTaskResult(r.Context(), env)
	default:
		err = domain.NewError(domain.CodeMessageUnexpected, fmt.Sprintf("message type %s is not accepted", env.Type))
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeMessage(w, res.Status, res.Message)
}

// Receive handles POST /api/v1/receive.
func (h *Handler) Receive(w http.ResponseWriter, r *http.Request) {
	h.receive(w, r, domain.QueueReceive)
}

// ReceiveOutOfBand handles POST /api/v1/receive-out-of-band.
func (h *Handler) ReceiveOutOfBand(w http.ResponseWriter, r *http.Request) {
	h.receive(w, r, domain.QueueReceiveOutOfBand)
}

func (h *Handler) receive(w http.ResponseWriter, r *http.Request, queue domain.Queue) {
	clientKey, err := clientKeyHeader(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := h.Guard.CheckReceive(string(clientKey)); err != nil {
		writeError(w, err)
		return
	}
	if err := h.authorizeClient(r, clientKey); err != nil {
		writeError(w, err)
		return
	}

	env, err := h.Mailbox.Receive(r.Context(), clientKey, queue)
	if err != nil {
		writeError(w, err)
		return
	}
	if env == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeMessage(w, http.StatusOK, env)
}

// authorizeClient requires a ClientAuthorization message for clientKey
// signed by that key.
func (h *Handler) authorizeClient(r *http.Request, clientKey []byte) error {
	env, err := readEnvelope(r)
	if err != nil {
		return err
	}
	if err := env.Expect(envelope.TypeClientAuthorization); err != nil {
		return err
	}
	var auth envelope.ClientAuthorization
	if err := env.Decode(&auth); err != nil {
		return err
	}
	if !bytes.Equal(auth.ClientPublicKey, clientKey) {
		return domain.NewError(domain.CodeHeaderClientKeyWrong, "authorization is for a different client")
	}
	return env.VerifiedBy(clientKey)
}

// ReportUpload handles POST /conductor/report-upload/{path}.
func (h *Handler) ReportUpload(w http.ResponseWriter, r *http.Request) {
	path := mux.Vars(r)["path"]
	if path == "" {
		writeJSON(w, http.StatusBadRequest, APIError{Code: string(domain.CodeMessageInvalid), Message: "path is required"})
		return
	}
	known, err := dispute.ReportUpload(r.Context(), h.Ledger, path)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"known": known})
}

// ResolveSubtask handles POST /api/v1/admin/subtasks/{subtask_id}/resolve.
func (h *Handler) ResolveSubtask(w http.ResponseWriter, r *http.Request) {
	subtaskID := mux.Vars(r)["subtask_id"]
	var req ResolveRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxMessageBytes)).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, APIError{Code: string(domain.CodeMessageInvalid), Message: "invalid request body"})
		return
	}
	if req.Actor == "" {
		req.Actor = "admin"
	}
	s, err := h.Reconciler.ResolveEscalated(r.Context(), subtaskID, req.Verdict, req.Actor)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(s))
}

// GetSubtask handles GET /api/v1/admin/subtasks/{subtask_id}.
func (h *Handler) GetSubtask(w http.ResponseWriter, r *http.Request) {
	s, err := h.Ledger.GetSubtask(r.Context(), mux.Vars(r)["subtask_id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(s))
}

// Health handles GET /api/v1/health.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
	defer cancel()
	if err := h.Ledger.DB.PingContext(ctx); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "unavailable", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":        "ok",
		"soft_shutdown": h.Guard.SoftShutdown(),
	})
}

func viewOf(s *domain.Subtask) SubtaskView {
	v := SubtaskView{
		TaskID:         s.TaskID,
		SubtaskID:      s.SubtaskID,
		State:          string(s.State),
		Escalated:      s.Escalated,
		EscalationCode: s.EscalationCode,
	}
	if s.NextDeadline != nil {
		ts := s.NextDeadline.Unix()
		v.NextDeadline = &ts
	}
	return v
}

func clientKeyHeader(r *http.Request) ([]byte, error) {
	raw := r.Header.Get(token.HeaderClientPublicKey)
	if raw == "" {
		return nil, domain.ErrClientKeyMissing
	}
	key, err := base64.StdEncoding.DecodeString(raw)
	if err != nil || !envelope.ValidPublicKey(key) {
		return nil, domain.ErrClientKeyWrong
	}
	return key, nil
}

func readEnvelope(r *http.Request) (*envelope.Envelope, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxMessageBytes+1))
	if err != nil {
		return nil, domain.WrapError(domain.CodeMessageInvalid, "read request body", err)
	}
	if len(body) > maxMessageBytes {
		return nil, domain.NewError(domain.CodeMessageInvalid, "message too large")
	}
	return envelope.Open(body)
}

func writeMessage(w http.ResponseWriter, status int, env *envelope.Envelope) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(env.Bytes())
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	var cErr *domain.ConcentError
	if errors.As(err, &cErr) {
		status := http.StatusInternalServerError
		switch cErr.Code {
		case domain.CodeMessageInvalid, domain.CodeMessageSignatureWrong, domain.CodeMessageUnexpected,
			domain.CodeHeaderClientKeyMissing, domain.CodeHeaderClientKeyWrong:
			status = http.StatusBadRequest
		case domain.CodeSubtaskNotFound:
			status = http.StatusNotFound
		case domain.CodeSubtaskTransitionForbidden, domain.CodeNotEscalated:
			status = http.StatusConflict
		case domain.CodeAdminUnauthorized:
			status = http.StatusUnauthorized
		case domain.CodeRateLimitExceeded:
			status = http.StatusTooManyRequests
		case domain.CodeSoftShutdown:
			status = http.StatusServiceUnavailable
		}
		if status == http.StatusInternalServerError {
			log.WithError(err).Error("Request failed")
		}
		writeJSON(w, status, APIError{Code: string(cErr.Code), Message: cErr.Message})
		return
	}
	log.WithError(err).Error("Request failed")
	writeJSON(w, http.StatusInternalServerError, APIError{Code: "INTERNAL", Message: "internal error"})
}
