package domain

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// NotificationType identifies a batch notification category.
type NotificationType string

const (
	TypeDailyDigest NotificationType = "DAILY_DIGEST"
)

func (t NotificationType) String() string { return string(t) }

func (t NotificationType) IsValid() bool {
	return t == TypeDailyDigest
}

func ParseNotificationTypeFromString(s string) (NotificationType, error) {
	nt := NotificationType(strings.ToUpper(strings.TrimSpace(s)))
	if !nt.IsValid() {
		return "", fmt.Errorf("%w: invalid notification type %q", ErrValidation, s)
	}
	return nt, nil
}

var slotPattern = regexp.MustCompile(`^([01][0-9]|2[0-3]):00$`)

// ValidSlot reports whether s is an hour-granularity slot label like "09:00".
func ValidSlot(s string) bool {
	return slotPattern.MatchString(s)
}

// Recipient is an eligibility record read fresh from the recipient store
// on every run. It is never persisted locally.
type Recipient struct {
	ID            string   `gorm:"type:uuid;primaryKey"`
	Email         string   `gorm:"type:varchar(255);not null"`
	ScheduledSlot string   `gorm:"type:varchar(5);not null"`
	Topics        []string `gorm:"serializer:json"`
	CreatedAt     time.Time
}

// Validate rejects malformed eligibility records at the ingestion boundary.
// A missing contact address is a configuration error, not a validation one:
// the record exists but cannot be delivered to.
func (r *Recipient) Validate() error {
	if strings.TrimSpace(r.ID) == "" {
		return fmt.Errorf("%w: recipient id is required", ErrValidation)
	}
	if strings.TrimSpace(r.Email) == "" {
		return fmt.Errorf("%w: recipient %s has no contact address", ErrConfiguration, r.ID)
	}
	if !ValidSlot(r.ScheduledSlot) {
		return fmt.Errorf("%w: recipient %s has invalid slot %q", ErrValidation, r.ID, r.ScheduledSlot)
	}
	return nil
}
