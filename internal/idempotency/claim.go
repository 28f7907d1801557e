package idempotency

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/capitalize-ai/thrift-inbox/internal/model"
)

// DefaultClaimTTL bounds how long a worker may hold an event before another
// delivery of it can take over.
const DefaultClaimTTL = 5 * time.Minute

// released is written to claimed_until when a claim is given up.
var released = time.Unix(0, 0).UTC()

// Claim gives owner exclusive processing of eventID for ttl. It succeeds when
// no claim exists, the existing claim has lapsed, or owner already holds it.
func (g *Guard) Claim(ctx context.Context, eventID, owner string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		ttl = DefaultClaimTTL
	}
	now := time.Now().UTC()

	claim := model.EventClaim{
		EventID:      eventID,
		Owner:        owner,
		ClaimedUntil: now.Add(ttl),
	}
	res := g.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "event_id"}}, DoNothing: true}).
		Create(&claim)
	if res.Error != nil {
		return false, fmt.Errorf("failed to insert claim: %w", res.Error)
	}
	if res.RowsAffected == 1 {
		return true, nil
	}

	res = g.db.WithContext(ctx).
		Model(&model.EventClaim{}).
		Where("event_id = ? AND (claimed_until < ? OR owner = ?)", eventID, now, owner).
		Updates(map[string]any{
			"owner":         owner,
			"claimed_until": now.Add(ttl),
		})
	if res.Error != nil {
		return false, fmt.Errorf("failed to take over claim: %w", res.Error)
	}
	if res.RowsAffected == 1 {
		g.logger.Debug("claim taken over", zap.String("event_id", eventID))
		return true, nil
	}
	return false, nil
}

// Unclaim gives up owner's claim so the next delivery can proceed at once.
func (g *Guard) Unclaim(ctx context.Context, eventID, owner string) error {
	err := g.db.WithContext(ctx).
		Model(&model.EventClaim{}).
		Where("event_id = ? AND owner = ?", eventID, owner).
		Update("claimed_until", released).Error
	if err != nil {
		return fmt.Errorf("failed to release claim: %w", err)
	}
	return nil
}

// MarkDelivered records that the reply for eventID reached the platform.
// Only the first call has an effect.
func (g *Guard) MarkDelivered(ctx context.Context, eventID string) error {
	err := g.db.WithContext(ctx).
		Model(&model.EventClaim{}).
		Where("event_id = ? AND delivered_at IS NULL", eventID).
		Update("delivered_at", time.Now().UTC()).Error
	if err != nil {
		return fmt.Errorf("failed to mark delivered: %w", err)
	}
	return nil
}

// Delivered reports whether a reply for eventID was already sent.
func (g *Guard) Delivered(ctx context.Context, eventID string) (bool, error) {
	var claim model.EventClaim
	err := g.db.WithContext(ctx).Where("event_id = ?", eventID).First(&claim).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to read claim: %w", err)
	}
	return claim.DeliveredAt != nil, nil
}
