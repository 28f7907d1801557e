// Package service holds the persistence-backed business logic used by the
// conversation worker and the admin API.
package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/capitalize-ai/thrift-inbox/internal/model"
	"github.com/capitalize-ai/thrift-inbox/pkg/logger"
)

// HistoryWindow is the number of prior turns given to the reasoning service.
const HistoryWindow = 5

// ConversationService handles conversation history.
type ConversationService struct {
	db     *gorm.DB
	logger *logger.Logger
}

// NewConversationService creates a new conversation service.
func NewConversationService(db *gorm.DB, log *logger.Logger) *ConversationService {
	return &ConversationService{
		db:     db,
		logger: log.WithComponent("conversations"),
	}
}

// History returns the most recent n turns for userID in chronological order.
func (s *ConversationService) History(ctx context.Context, userID string, n int) ([]model.ConversationTurn, error) {
	if n <= 0 {
		n = HistoryWindow
	}

	var turns []model.ConversationTurn
	err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC").
		Order("id DESC").
		Limit(n).
		Find(&turns).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load history: %w", err)
	}

	// Reverse to ascending order
	for i, j := 0, len(turns)-1; i < j; i, j = i+1, j-1 {
		turns[i], turns[j] = turns[j], turns[i]
	}
	return turns, nil
}

// List returns a page of userID's turns, newest first.
func (s *ConversationService) List(ctx context.Context, userID string, limit, offset int) (*model.ListConversationsResponse, error) {
	var total int64
	if err := s.db.WithContext(ctx).
		Model(&model.ConversationTurn{}).
		Where("user_id = ?", userID).
		Count(&total).Error; err != nil {
		return nil, fmt.Errorf("failed to count turns: %w", err)
	}

	var turns []model.ConversationTurn
	if err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC").
		Order("id DESC").
		Limit(limit).
		Offset(offset).
		Find(&turns).Error; err != nil {
		return nil, fmt.Errorf("failed to list turns: %w", err)
	}

	return &model.ListConversationsResponse{
		UserID:  userID,
		Turns:   turns,
		Total:   total,
		HasMore: int64(offset+len(turns)) < total,
	}, nil
}

// AppendExchange stores the user message and the assistant reply for one
// event atomically. Both turns are tagged with eventID.
func (s *ConversationService) AppendExchange(ctx context.Context, userID, eventID, userText, reply string) error {
	now := time.Now().UTC()
	tag := eventID

	turns := []model.ConversationTurn{
		{
			ID:        uuid.Must(uuid.NewV7()).String(),
			UserID:    userID,
			Role:      model.RoleUser,
			Content:   userText,
			EventID:   &tag,
			CreatedAt: now,
		},
		{
			ID:        uuid.Must(uuid.NewV7()).String(),
			UserID:    userID,
			Role:      model.RoleAssistant,
			Content:   reply,
			EventID:   &tag,
			CreatedAt: now,
		},
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return tx.Create(&turns).Error
	})
	if err != nil {
		return fmt.Errorf("failed to append exchange: %w", err)
	}

	s.logger.Debug("exchange stored",
		zap.String("user_id", userID),
		zap.String("event_id", eventID),
	)
	return nil
}

// ReplyForEvent returns the assistant reply already stored for eventID, if any.
func (s *ConversationService) ReplyForEvent(ctx context.Context, userID, eventID string) (string, bool, error) {
	var turn model.ConversationTurn
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND event_id = ? AND role = ?", userID, eventID, model.RoleAssistant).
		First(&turn).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to look up reply: %w", err)
	}
	return turn.Content, true, nil
}
