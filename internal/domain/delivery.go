package domain

import (
	"fmt"
	"strings"
	"time"
)

// DeliveryStatus is the terminal outcome of a single delivery attempt.
type DeliveryStatus string

const (
	DeliverySent   DeliveryStatus = "SENT"
	DeliveryFailed DeliveryStatus = "FAILED"
)

func (s DeliveryStatus) String() string { return string(s) }

func (s DeliveryStatus) IsValid() bool {
	switch s {
	case DeliverySent, DeliveryFailed:
		return true
	}
	return false
}

// DeliveryRecord is one row of the append-only attempt log. Records are
// never mutated after insert; at most one SENT record may exist per
// (recipient, type, day), enforced by a partial unique index.
type DeliveryRecord struct {
	ID                string           `gorm:"type:uuid;primaryKey"`
	RecipientID       string           `gorm:"type:uuid;not null"`
	NotificationType  NotificationType `gorm:"type:varchar(32);not null"`
	SentDay           string           `gorm:"type:varchar(10);not null"`
	Status            DeliveryStatus   `gorm:"type:varchar(10);not null"`
	ProviderMessageID *string          `gorm:"type:varchar(255)"`
	ErrorDetail       *string          `gorm:"type:text"`
	AttemptedAt       time.Time        `gorm:"not null"`
}

func (r *DeliveryRecord) Validate() error {
	if strings.TrimSpace(r.RecipientID) == "" {
		return fmt.Errorf("%w: recipient id is required", ErrValidation)
	}
	if !r.NotificationType.IsValid() {
		return fmt.Errorf("%w: invalid notification type %q", ErrValidation, r.NotificationType)
	}
	if !r.Status.IsValid() {
		return fmt.Errorf("%w: invalid delivery status %q", ErrValidation, r.Status)
	}
	if strings.TrimSpace(r.SentDay) == "" {
		return fmt.Errorf("%w: sent day is required", ErrValidation)
	}
	return nil
}

// Digest is the rendered content for one recipient, produced by the
// content producer and handed to the outbound provider.
type Digest struct {
	RecipientID string
	Subject     string
	HTML        string
}
