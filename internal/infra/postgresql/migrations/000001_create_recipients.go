package migrations

import (
	"github.com/go-gormigrate/gormigrate/v2"
	"github.com/kursadbilgin/digest-dispatch/internal/domain"
	"gorm.io/gorm"
)

func createRecipientsTable() *gormigrate.Migration {
	return &gormigrate.Migration{
		ID: "000001_create_recipients",
		Migrate: func(tx *gorm.DB) error {
			if err := tx.AutoMigrate(&domain.Recipient{}); err != nil {
				return err
			}
			return tx.Exec(`CREATE INDEX IF NOT EXISTS idx_recipients_scheduled_slot ON recipients (scheduled_slot)`).Error
		},
		Rollback: func(tx *gorm.DB) error {
			return tx.Migrator().DropTable(&domain.Recipient{})
		},
	}
}
