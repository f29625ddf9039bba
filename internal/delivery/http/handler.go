package http

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"chatsync/internal/usecase"
	"chatsync/pkg/apperr"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

type Pinger interface {
	Ping(ctx context.Context) error
}

type HttpHandler struct {
	chatUc   usecase.ChatUsecase
	presence usecase.PresenceTracker
	db       Pinger
	logger   *zap.SugaredLogger
}

// db may be nil, in which case /healthz always reports ok.
func NewHttpHandler(chatUc usecase.ChatUsecase, presence usecase.PresenceTracker, db Pinger, logger *zap.Logger) *HttpHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HttpHandler{
		chatUc:   chatUc,
		presence: presence,
		db:       db,
		logger:   logger.Named("http").Sugar(),
	}
}

type Response struct {
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
	Code    string `json:"code,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, response Response) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(response)
}

func statusOf(code apperr.Code) int {
	switch code {
	case apperr.CodeInvalidParticipants, apperr.CodeInvalidContent:
		return http.StatusBadRequest
	case apperr.CodePermissionDenied:
		return http.StatusForbidden
	case apperr.CodeNotFound:
		return http.StatusNotFound
	case apperr.CodeRateLimited:
		return http.StatusTooManyRequests
	case apperr.CodeStorageUnavailable, apperr.CodeTransportUnavailable:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func (h *HttpHandler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := apperr.CodeOf(err)
	status := statusOf(code)
	message := err.Error()
	if status == http.StatusInternalServerError {
		h.logger.Errorw("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		message = "internal server error"
	}
	writeJSON(w, status, Response{Message: message, Code: string(code)})
}

// Method Post /conversations
func (h *HttpHandler) StartConversation(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ParticipantId string `json:"participantId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, Response{Message: "invalid request body"})
		return
	}

	conversation, err := h.chatUc.StartConversation(r.Context(), userIdFrom(r.Context()), req.ParticipantId)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, Response{Message: "success", Data: conversation})
}

// Method Get /conversations
func (h *HttpHandler) ListConversations(w http.ResponseWriter, r *http.Request) {
	conversations, err := h.chatUc.Conversations(r.Context(), userIdFrom(r.Context()))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, Response{Message: "success", Data: conversations})
}

// Method Get /conversations/{id}/messages
func (h *HttpHandler) GetMessages(w http.ResponseWriter, r *http.Request) {
	messages, err := h.chatUc.Messages(r.Context(), chi.URLParam(r, "id"), userIdFrom(r.Context()))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, Response{Message: "success", Data: messages})
}

// Method Post /conversations/{id}/messages
func (h *HttpHandler) SendMessage(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Content  string `json:"content"`
		ClientId string `json:"clientId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, Response{Message: "invalid request body"})
		return
	}

	message, err := h.chatUc.Send(r.Context(), userIdFrom(r.Context()), usecase.SendRequest{
		ConversationId: chi.URLParam(r, "id"),
		Content:        req.Content,
		ClientId:       req.ClientId,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, Response{Message: "success", Data: message})
}

// Method Post /conversations/{id}/read
func (h *HttpHandler) MarkRead(w http.ResponseWriter, r *http.Request) {
	var req struct {
		MessageIds []string `json:"messageIds"`
	}
	// an empty body marks everything read
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeJSON(w, http.StatusBadRequest, Response{Message: "invalid request body"})
		return
	}

	modified, err := h.chatUc.MarkRead(r.Context(), chi.URLParam(r, "id"), userIdFrom(r.Context()), req.MessageIds)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, Response{Message: "success", Data: map[string]int64{"modified": modified}})
}

// Method Delete /conversations/{id}
func (h *HttpHandler) DeleteConversation(w http.ResponseWriter, r *http.Request) {
	if err := h.chatUc.Delete(r.Context(), chi.URLParam(r, "id"), userIdFrom(r.Context())); err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, Response{Message: "success"})
}

// Method Get /users/{id}/presence
func (h *HttpHandler) GetPresence(w http.ResponseWriter, r *http.Request) {
	userId := chi.URLParam(r, "id")
	status, err := h.presence.Status(r.Context(), userId)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, Response{Message: "success", Data: map[string]any{
		"userId": userId,
		"status": status,
	}})
}

// Method Get /healthz
func (h *HttpHandler) Health(w http.ResponseWriter, r *http.Request) {
	if h.db != nil {
		if err := h.db.Ping(r.Context()); err != nil {
			h.logger.Warnw("health check failed", "error", err)
			writeJSON(w, http.StatusServiceUnavailable, Response{Message: "storage unavailable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, Response{Message: "ok"})
}
