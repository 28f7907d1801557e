// Package idempotency implements the two-layer duplicate suppression for
// inbound events: a short-lived redis reservation taken at ingress and a
// permanent ledger written by the worker once an event is finished.
package idempotency

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/capitalize-ai/thrift-inbox/internal/model"
	"github.com/capitalize-ai/thrift-inbox/internal/store"
	"github.com/capitalize-ai/thrift-inbox/pkg/logger"
	"github.com/capitalize-ai/thrift-inbox/pkg/metrics"
)

const (
	// KeyPrefix namespaces layer-1 reservations in redis.
	KeyPrefix = "idempotency:"

	// ProcessingValue is stored under a reserved key.
	ProcessingValue = "processing"

	// DefaultTTL bounds how long a layer-1 reservation lives.
	DefaultTTL = 600 * time.Second

	// DefaultCallTimeout bounds one redis round trip at ingress.
	DefaultCallTimeout = 50 * time.Millisecond
)

// Result is the outcome of a layer-1 check.
type Result int

const (
	// ResultNew means the caller owns the event and must process it.
	ResultNew Result = iota
	// ResultDuplicate means another delivery already reserved the event.
	ResultDuplicate
)

func (r Result) String() string {
	if r == ResultDuplicate {
		return "duplicate"
	}
	return "new"
}

// Guard checks and records event ids. rdb may be nil, in which case every
// layer-1 check fails open.
type Guard struct {
	rdb         *redis.Client
	db          *gorm.DB
	callTimeout time.Duration
	logger      *logger.Logger
}

// NewGuard creates a guard over the given redis client and ledger database.
func NewGuard(rdb *redis.Client, db *gorm.DB, callTimeout time.Duration, log *logger.Logger) *Guard {
	if callTimeout <= 0 {
		callTimeout = DefaultCallTimeout
	}
	return &Guard{
		rdb:         rdb,
		db:          db,
		callTimeout: callTimeout,
		logger:      log.WithComponent("idempotency"),
	}
}

// Key returns the redis key for an event id.
func Key(eventID string) string {
	return KeyPrefix + eventID
}

// CheckAndReserve atomically reserves eventID for ttl. Exactly one of any set
// of concurrent callers observes ResultNew. When redis is unreachable or slow
// the check fails open and reports ResultNew.
func (g *Guard) CheckAndReserve(ctx context.Context, eventID string, ttl time.Duration) Result {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if g.rdb == nil {
		g.failOpen(eventID, errors.New("redis client not configured"))
		return ResultNew
	}

	callCtx, cancel := context.WithTimeout(ctx, g.callTimeout)
	defer cancel()

	ok, err := g.rdb.SetNX(callCtx, Key(eventID), ProcessingValue, ttl).Result()
	if err != nil {
		g.failOpen(eventID, err)
		return ResultNew
	}
	if !ok {
		return ResultDuplicate
	}
	return ResultNew
}

// Release drops a layer-1 reservation so a platform retry is accepted again.
// Used when the event could not be queued after it was reserved.
func (g *Guard) Release(ctx context.Context, eventID string) error {
	if g.rdb == nil {
		return nil
	}
	callCtx, cancel := context.WithTimeout(ctx, g.callTimeout)
	defer cancel()

	if err := g.rdb.Del(callCtx, Key(eventID)).Err(); err != nil {
		return fmt.Errorf("failed to release reservation: %w", err)
	}
	return nil
}

// Status returns the layer-1 value for eventID, or "" when no reservation exists.
func (g *Guard) Status(ctx context.Context, eventID string) (string, error) {
	if g.rdb == nil {
		return "", errors.New("redis client not configured")
	}
	val, err := g.rdb.Get(ctx, Key(eventID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read reservation: %w", err)
	}
	return val, nil
}

// MarkPermanent records the final outcome of eventID. The first write wins;
// later writes for the same id are no-ops and return nil.
func (g *Guard) MarkPermanent(ctx context.Context, eventID string, status model.LedgerStatus) error {
	entry := model.IdempotencyLog{
		EventID:     eventID,
		ProcessedAt: time.Now().UTC(),
		Status:      status,
	}
	err := g.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "event_id"}}, DoNothing: true}).
		Create(&entry).Error
	if err != nil {
		return fmt.Errorf("failed to write ledger entry: %w", err)
	}
	return nil
}

// IsPermanentlyProcessed reports whether the ledger holds an entry for eventID.
func (g *Guard) IsPermanentlyProcessed(ctx context.Context, eventID string) (bool, error) {
	var count int64
	err := g.db.WithContext(ctx).
		Model(&model.IdempotencyLog{}).
		Where("event_id = ?", eventID).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("failed to query ledger: %w", err)
	}
	return count > 0, nil
}

// LedgerEntry returns the ledger row for eventID or store.ErrNotFound.
func (g *Guard) LedgerEntry(ctx context.Context, eventID string) (*model.IdempotencyLog, error) {
	var entry model.IdempotencyLog
	err := g.db.WithContext(ctx).Where("event_id = ?", eventID).First(&entry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read ledger: %w", err)
	}
	return &entry, nil
}

// Ping checks redis reachability.
func (g *Guard) Ping(ctx context.Context) error {
	if g.rdb == nil {
		return errors.New("redis client not configured")
	}
	return g.rdb.Ping(ctx).Err()
}

func (g *Guard) failOpen(eventID string, err error) {
	metrics.IdempotencyFailOpenTotal.Inc()
	g.logger.Warn("idempotency check failed open",
		zap.String("event_id", eventID),
		zap.Error(err),
	)
}
