// Package ledger enforces best-effort idempotent delivery through a
// two-tier check: an ephemeral cache marker for the fast path and the
// durable attempt log as authority. The final backstop is the unique
// index in the durable store.
package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/kursadbilgin/digest-dispatch/internal/domain"
	"github.com/kursadbilgin/digest-dispatch/internal/observability"
	"go.uber.org/zap"
)

// markerTTL keeps cache markers alive long enough to cover any retrigger
// of the same calendar day.
const markerTTL = 24 * time.Hour

// Source names which tier answered a WasDelivered check.
type Source string

const (
	SourceCache  Source = "cache"
	SourceLedger Source = "ledger"
	SourceNone   Source = ""
)

// Cache is the ephemeral marker tier. A miss never implies "not sent".
type Cache interface {
	Exists(ctx context.Context, key string) (bool, error)
	Put(ctx context.Context, key string, ttl time.Duration) error
}

// Log is the durable tier.
type Log interface {
	InsertAttempt(ctx context.Context, record *domain.DeliveryRecord) error
	HasSent(ctx context.Context, recipientID string, notificationType domain.NotificationType, day string) (bool, error)
}

type Ledger struct {
	cache   Cache
	log     Log
	logger  *zap.Logger
	metrics *observability.Metrics
	now     func() time.Time
	newID   func() string
}

func New(cache Cache, log Log, logger *zap.Logger) (*Ledger, error) {
	if cache == nil {
		return nil, fmt.Errorf("cache is required")
	}
	if log == nil {
		return nil, fmt.Errorf("durable log is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Ledger{
		cache:  cache,
		log:    log,
		logger: logger,
		now:    time.Now,
		newID:  uuid.NewString,
	}, nil
}

func (l *Ledger) SetMetrics(metrics *observability.Metrics) {
	if l == nil {
		return
	}
	l.metrics = metrics
}

// WasDelivered reports whether a SENT record already exists for the
// recipient on the given day. Read failures on either tier degrade to
// "not delivered": the unique index in the durable store absorbs the
// duplicate risk, while the opposite bias would silently drop sends.
func (l *Ledger) WasDelivered(ctx context.Context, recipientID string, notificationType domain.NotificationType, day string) (bool, Source) {
	key := MarkerKey(recipientID, notificationType, day)

	exists, err := l.cache.Exists(ctx, key)
	if err != nil {
		l.logger.Warn("ledger cache read degraded",
			zap.String("recipientId", recipientID),
			zap.Error(err),
		)
		l.incDegraded("cache_read")
	} else if exists {
		return true, SourceCache
	}

	sent, err := l.log.HasSent(ctx, recipientID, notificationType, day)
	if err != nil {
		l.logger.Warn("ledger durable read degraded",
			zap.String("recipientId", recipientID),
			zap.Error(err),
		)
		l.incDegraded("log_read")
		return false, SourceNone
	}
	if sent {
		return true, SourceLedger
	}
	return false, SourceNone
}

// RecordAttempt appends to the durable log and, on success, marks the
// cache. Write failures are counted and logged but never propagated:
// losing a log row must not abort the caller's pipeline.
func (l *Ledger) RecordAttempt(ctx context.Context, recipientID string, notificationType domain.NotificationType, day string, success bool, messageID, errorDetail string) {
	record := &domain.DeliveryRecord{
		ID:               l.newID(),
		RecipientID:      recipientID,
		NotificationType: notificationType,
		SentDay:          day,
		Status:           domain.DeliveryFailed,
		AttemptedAt:      l.now().UTC(),
	}
	if success {
		record.Status = domain.DeliverySent
		if messageID != "" {
			record.ProviderMessageID = &messageID
		}
	} else if errorDetail != "" {
		record.ErrorDetail = &errorDetail
	}

	if err := l.log.InsertAttempt(ctx, record); err != nil {
		l.logger.Error("failed to append delivery record",
			zap.String("recipientId", recipientID),
			zap.Bool("success", success),
			zap.Error(err),
		)
		l.incDegraded("log_write")
	}

	if !success {
		return
	}

	if err := l.cache.Put(ctx, MarkerKey(recipientID, notificationType, day), markerTTL); err != nil {
		l.logger.Warn("failed to write sent marker",
			zap.String("recipientId", recipientID),
			zap.Error(err),
		)
		l.incDegraded("cache_write")
	}
}

func (l *Ledger) incDegraded(operation string) {
	if l.metrics != nil {
		l.metrics.IncLedgerDegraded(operation)
	}
}

// MarkerKey builds the cache key for one (recipient, type, day) marker.
func MarkerKey(recipientID string, notificationType domain.NotificationType, day string) string {
	return fmt.Sprintf("digest:sent:%s:%s:%s", recipientID, notificationType, day)
}
