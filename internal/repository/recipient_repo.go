package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/kursadbilgin/digest-dispatch/internal/domain"
	"gorm.io/gorm"
)

// RecipientRepository reads eligibility records from the recipient store.
type RecipientRepository interface {
	FetchEligible(ctx context.Context, slots []string) ([]domain.Recipient, error)
	GetByID(ctx context.Context, id string) (*domain.Recipient, error)
}

type GormRecipientRepo struct {
	db *gorm.DB
}

func NewGormRecipientRepo(db *gorm.DB) *GormRecipientRepo {
	return &GormRecipientRepo{db: db}
}

// FetchEligible returns every recipient whose scheduled slot falls in the
// resolved window, in a stable order so batching is deterministic.
func (r *GormRecipientRepo) FetchEligible(ctx context.Context, slots []string) ([]domain.Recipient, error) {
	if len(slots) == 0 {
		return nil, fmt.Errorf("%w: at least one slot is required", domain.ErrValidation)
	}

	var recipients []domain.Recipient
	err := r.db.WithContext(ctx).
		Where("scheduled_slot IN ?", slots).
		Order("created_at ASC, id ASC").
		Find(&recipients).Error
	if err != nil {
		return nil, fmt.Errorf("failed to fetch eligible recipients: %w", err)
	}
	return recipients, nil
}

func (r *GormRecipientRepo) GetByID(ctx context.Context, id string) (*domain.Recipient, error) {
	var recipient domain.Recipient
	err := r.db.WithContext(ctx).First(&recipient, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &recipient, nil
}
