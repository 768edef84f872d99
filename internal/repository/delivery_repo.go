package repository

import (
	"context"
	"time"

	"github.com/kursadbilgin/digest-dispatch/internal/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// DeliveryCounts aggregates ledger outcomes over a trailing window.
type DeliveryCounts struct {
	Sent   int64
	Failed int64
}

// DeliveryRepository is the durable tier of the delivery ledger.
type DeliveryRepository interface {
	InsertAttempt(ctx context.Context, record *domain.DeliveryRecord) error
	HasSent(ctx context.Context, recipientID string, notificationType domain.NotificationType, day string) (bool, error)
	CountSince(ctx context.Context, since time.Time) (DeliveryCounts, error)
}

type GormDeliveryRepo struct {
	db *gorm.DB
}

func NewGormDeliveryRepo(db *gorm.DB) *GormDeliveryRepo {
	return &GormDeliveryRepo{db: db}
}

// InsertAttempt appends one attempt record. A second SENT record for the
// same (recipient, type, day) hits the partial unique index and is
// silently dropped: the index is the final backstop against duplicate
// sends and a conflict there must not fail the run.
func (r *GormDeliveryRepo) InsertAttempt(ctx context.Context, record *domain.DeliveryRecord) error {
	if err := record.Validate(); err != nil {
		return err
	}

	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{
				{Name: "recipient_id"},
				{Name: "notification_type"},
				{Name: "sent_day"},
			},
			TargetWhere: clause.Where{Exprs: []clause.Expression{
				clause.Eq{Column: clause.Column{Name: "status"}, Value: domain.DeliverySent.String()},
			}},
			DoNothing: true,
		}).
		Create(record).Error
}

func (r *GormDeliveryRepo) HasSent(ctx context.Context, recipientID string, notificationType domain.NotificationType, day string) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&domain.DeliveryRecord{}).
		Where("recipient_id = ? AND notification_type = ? AND sent_day = ? AND status = ?",
			recipientID, notificationType, day, domain.DeliverySent).
		Count(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func (r *GormDeliveryRepo) CountSince(ctx context.Context, since time.Time) (DeliveryCounts, error) {
	var rows []struct {
		Status domain.DeliveryStatus `gorm:"column:status"`
		Count  int64                 `gorm:"column:count"`
	}

	err := r.db.WithContext(ctx).
		Model(&domain.DeliveryRecord{}).
		Select("status, COUNT(*) AS count").
		Where("attempted_at >= ?", since).
		Group("status").
		Find(&rows).Error
	if err != nil {
		return DeliveryCounts{}, err
	}

	var counts DeliveryCounts
	for _, row := range rows {
		switch row.Status {
		case domain.DeliverySent:
			counts.Sent = row.Count
		case domain.DeliveryFailed:
			counts.Failed = row.Count
		}
	}
	return counts, nil
}
