package migrations

import (
	"github.com/go-gormigrate/gormigrate/v2"
	"github.com/kursadbilgin/digest-dispatch/internal/domain"
	"gorm.io/gorm"
)

func createDeliveryRecordsTable() *gormigrate.Migration {
	return &gormigrate.Migration{
		ID: "000002_create_delivery_records",
		Migrate: func(tx *gorm.DB) error {
			if err := tx.AutoMigrate(&domain.DeliveryRecord{}); err != nil {
				return err
			}
			indexes := []string{
				// Durable backstop for the at-most-one-send-per-day invariant.
				`CREATE UNIQUE INDEX IF NOT EXISTS idx_delivery_sent_once ON delivery_records (recipient_id, notification_type, sent_day) WHERE status = 'SENT'`,
				`CREATE INDEX IF NOT EXISTS idx_delivery_recipient_day ON delivery_records (recipient_id, sent_day)`,
				`CREATE INDEX IF NOT EXISTS idx_delivery_attempted_at ON delivery_records (attempted_at)`,
			}
			for _, sql := range indexes {
				if err := tx.Exec(sql).Error; err != nil {
					return err
				}
			}
			return nil
		},
		Rollback: func(tx *gorm.DB) error {
			return tx.Migrator().DropTable(&domain.DeliveryRecord{})
		},
	}
}
