package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/capitalize-ai/thrift-inbox/internal/model"
	"github.com/capitalize-ai/thrift-inbox/internal/store"
	"github.com/capitalize-ai/thrift-inbox/pkg/logger"
)

// UserService tracks who has messaged the shop and when.
type UserService struct {
	db     *gorm.DB
	logger *logger.Logger
}

// NewUserService creates a new user service.
func NewUserService(db *gorm.DB, log *logger.Logger) *UserService {
	return &UserService{
		db:     db,
		logger: log.WithComponent("users"),
	}
}

// Upsert records an interaction from tiktokID at occurredAt, creating the
// user on first contact. last_interaction_at never moves backwards, so a
// late redelivery of an old event cannot shrink the reply window.
func (s *UserService) Upsert(ctx context.Context, tiktokID string, occurredAt time.Time) (*model.User, error) {
	occurredAt = occurredAt.UTC()

	user, err := s.upsert(ctx, tiktokID, occurredAt)
	if store.IsDuplicate(err) {
		// Lost a first-contact race; the row exists now.
		user, err = s.upsert(ctx, tiktokID, occurredAt)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to upsert user %s: %w", tiktokID, err)
	}
	return user, nil
}

func (s *UserService) upsert(ctx context.Context, tiktokID string, occurredAt time.Time) (*model.User, error) {
	var user model.User

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("tiktok_id = ?", tiktokID).
			First(&user).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			user = model.User{
				TikTokID:          tiktokID,
				LastInteractionAt: occurredAt,
				CreatedAt:         time.Now().UTC(),
			}
			return tx.Create(&user).Error
		}
		if err != nil {
			return err
		}

		if !occurredAt.After(user.LastInteractionAt) {
			return nil
		}
		user.LastInteractionAt = occurredAt
		return tx.Model(&model.User{}).
			Where("tiktok_id = ?", tiktokID).
			Update("last_interaction_at", occurredAt).Error
	})
	if err != nil {
		return nil, err
	}
	return &user, nil
}

// Get returns the user or store.ErrNotFound.
func (s *UserService) Get(ctx context.Context, tiktokID string) (*model.User, error) {
	var user model.User
	err := s.db.WithContext(ctx).Where("tiktok_id = ?", tiktokID).First(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user %s: %w", tiktokID, err)
	}
	return &user, nil
}

// WithinWindow reports whether a reply to tiktokID sent at now is allowed.
// Unknown users are outside every window.
func (s *UserService) WithinWindow(ctx context.Context, tiktokID string, now time.Time) (bool, error) {
	user, err := s.Get(ctx, tiktokID)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return user.WithinReplyWindow(now), nil
}
