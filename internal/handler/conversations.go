// Package handler provides HTTP handlers for the API.
package handler

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/capitalize-ai/thrift-inbox/internal/middleware"
	"github.com/capitalize-ai/thrift-inbox/internal/model"
	"github.com/capitalize-ai/thrift-inbox/pkg/logger"
)

// ConversationLister pages through a user's stored turns.
type ConversationLister interface {
	List(ctx context.Context, userID string, limit, offset int) (*model.ListConversationsResponse, error)
}

// ConversationHandler serves conversation history to operators.
type ConversationHandler struct {
	service ConversationLister
	logger  *logger.Logger
}

// NewConversationHandler creates a new conversation handler.
func NewConversationHandler(svc ConversationLister, log *logger.Logger) *ConversationHandler {
	return &ConversationHandler{
		service: svc,
		logger:  log,
	}
}

// List handles GET /admin/users/{id}/conversations
func (h *ConversationHandler) List(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "id")
	if err := middleware.ValidatePlatformID(userID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	limit := queryInt(r, "limit", 20, 100)
	if limit == 0 {
		limit = 20
	}
	offset := queryInt(r, "offset", 0, 1_000_000)

	resp, err := h.service.List(r.Context(), userID, limit, offset)
	if err != nil {
		h.logger.Error("failed to list conversations", zap.String("user_id", userID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list conversations")
		return
	}

	writeJSON(w, http.StatusOK, resp)
}
