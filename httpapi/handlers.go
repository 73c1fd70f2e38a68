package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/songzhibin97/chatflow/inbound"
	"github.com/songzhibin97/chatflow/session"
	"github.com/songzhibin97/chatflow/storage"
	"github.com/songzhibin97/chatflow/types"
)

const conversationHistory = 50

type jsonResponse struct {
	Status  string      `json:"status"`
	Message string      `json:"message,omitempty"`
	Data    interface{} `json:"data,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, body jsonResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, jsonResponse{Status: "error", Message: message})
}

func writeJSONSuccess(w http.ResponseWriter, data interface{}) {
	writeJSON(w, http.StatusOK, jsonResponse{Status: "success", Data: data})
}

// writeDomainError maps package errors onto HTTP statuses.
func (s *server) writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, storage.ErrConversationNotFound):
		writeJSONError(w, http.StatusNotFound, "conversa não encontrada")
	case errors.Is(err, session.ErrInvalidAgent), errors.Is(err, inbound.ErrInvalidMessage), errors.Is(err, session.ErrInvalidAddress):
		writeJSONError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, session.ErrAlreadyClaimed), errors.Is(err, session.ErrConversationClosed):
		writeJSONError(w, http.StatusConflict, err.Error())
	default:
		s.logger.Error("request failed", "path", r.URL.Path, "err", err)
		writeJSONError(w, http.StatusInternalServerError, "erro interno")
	}
}

func conversationID(r *http.Request) (uint64, bool) {
	id, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 64)
	return id, err == nil
}

func decode(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	if r.Body == nil || r.ContentLength == 0 {
		return true
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(dst); err != nil {
		writeJSONError(w, http.StatusBadRequest, "JSON inválido")
		return false
	}
	return true
}

type webhookResponse struct {
	ConversationID uint64   `json:"conversation_id,omitempty"`
	Duplicate      bool     `json:"duplicate"`
	Status         string   `json:"conversation_status,omitempty"`
	Replies        []string `json:"replies,omitempty"`
	HandedOff      bool     `json:"handed_off"`
}

func (s *server) receiveMessage(w http.ResponseWriter, r *http.Request) {
	var msg types.InboundMessage
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&msg); err != nil {
		writeJSONError(w, http.StatusBadRequest, "JSON inválido")
		return
	}
	res, err := s.deps.Inbound.Handle(r.Context(), msg)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	out := webhookResponse{Duplicate: res.Duplicate, Replies: res.Replies, HandedOff: res.HandedOff}
	if res.Conversation != nil {
		out.ConversationID = res.Conversation.ID
		out.Status = string(res.Conversation.Status)
	}
	writeJSON(w, http.StatusAccepted, jsonResponse{Status: "success", Data: out})
}

type conversationResponse struct {
	Conversation *types.Conversation   `json:"conversation"`
	Messages     []types.MessageRecord `json:"messages"`
}

func (s *server) getConversation(w http.ResponseWriter, r *http.Request) {
	id, ok := conversationID(r)
	if !ok {
		writeJSONError(w, http.StatusBadRequest, "id inválido")
		return
	}
	conv, err := s.deps.Assignments.Get(r.Context(), id)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	msgs, err := s.deps.History.RecentMessages(r.Context(), id, conversationHistory)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSONSuccess(w, conversationResponse{Conversation: conv, Messages: msgs})
}

func (s *server) listAudits(w http.ResponseWriter, r *http.Request) {
	id, ok := conversationID(r)
	if !ok {
		writeJSONError(w, http.StatusBadRequest, "id inválido")
		return
	}
	if _, err := s.deps.Assignments.Get(r.Context(), id); err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	audits, err := s.deps.History.ListAudits(r.Context(), id)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSONSuccess(w, audits)
}

type assignmentRequest struct {
	AgentID string `json:"agent_id"`
	Queue   string `json:"queue"`
}

// assignment wraps an operation that returns the updated conversation.
func (s *server) assignment(op func(r *http.Request, id uint64, req assignmentRequest) (*types.Conversation, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := conversationID(r)
		if !ok {
			writeJSONError(w, http.StatusBadRequest, "id inválido")
			return
		}
		var req assignmentRequest
		if !decode(w, r, &req) {
			return
		}
		conv, err := op(r, id, req)
		if err != nil {
			s.writeDomainError(w, r, err)
			return
		}
		writeJSONSuccess(w, conv)
	}
}

func (s *server) claim(w http.ResponseWriter, r *http.Request) {
	s.assignment(func(r *http.Request, id uint64, req assignmentRequest) (*types.Conversation, error) {
		return s.deps.Assignments.Claim(r.Context(), id, req.AgentID)
	})(w, r)
}

func (s *server) transfer(w http.ResponseWriter, r *http.Request) {
	s.assignment(func(r *http.Request, id uint64, req assignmentRequest) (*types.Conversation, error) {
		return s.deps.Assignments.Transfer(r.Context(), id, req.AgentID, req.Queue)
	})(w, r)
}

func (s *server) returnToQueue(w http.ResponseWriter, r *http.Request) {
	s.assignment(func(r *http.Request, id uint64, _ assignmentRequest) (*types.Conversation, error) {
		return s.deps.Assignments.ReturnToQueue(r.Context(), id)
	})(w, r)
}

func (s *server) close(w http.ResponseWriter, r *http.Request) {
	s.assignment(func(r *http.Request, id uint64, _ assignmentRequest) (*types.Conversation, error) {
		return s.deps.Assignments.Close(r.Context(), id)
	})(w, r)
}

func (s *server) markRead(w http.ResponseWriter, r *http.Request) {
	s.assignment(func(r *http.Request, id uint64, _ assignmentRequest) (*types.Conversation, error) {
		return s.deps.Assignments.MarkRead(r.Context(), id)
	})(w, r)
}

type agentMessageRequest struct {
	AgentID string `json:"agent_id"`
	Text    string `json:"text"`
}

func (s *server) sendAgentMessage(w http.ResponseWriter, r *http.Request) {
	id, ok := conversationID(r)
	if !ok {
		writeJSONError(w, http.StatusBadRequest, "id inválido")
		return
	}
	var req agentMessageRequest
	if !decode(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		writeJSONError(w, http.StatusBadRequest, "texto obrigatório")
		return
	}
	conv, err := s.deps.Assignments.Get(r.Context(), id)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	if conv.IsClosed() {
		s.writeDomainError(w, r, session.ErrConversationClosed)
		return
	}
	if conv.Status != types.StatusAgentAssigned || conv.AssignedAgentID == nil || *conv.AssignedAgentID != req.AgentID {
		writeJSONError(w, http.StatusForbidden, "conversa não está atribuída a este atendente")
		return
	}
	rec, err := s.deps.Replier.Send(r.Context(), conv, types.AuthorAgent, req.Text)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSONSuccess(w, rec)
}
