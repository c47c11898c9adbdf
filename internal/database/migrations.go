package database

import (
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/marketchat/backend/internal/chat"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const migrationBackfillLegacyOrderIDs = "2025-06-12_backfill_legacy_order_ids"

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migrationDefinition struct {
	name  string
	apply func(*gorm.DB) error
}

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	migrations := []migrationDefinition{
		{name: migrationBackfillLegacyOrderIDs, apply: backfillLegacyOrderIDs},
	}

	for _, migration := range migrations {
		var record migrationRecord
		err := db.Where("name = ?", migration.name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if err := migration.apply(db); err != nil {
			return err
		}
		appliedAt := time.Now().UTC().Unix()
		if err := db.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error; err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// Messages written before canonical conversation ids were keyed by order id.
// Copy that key into legacy_order_id so history queries can find them by order.
func backfillLegacyOrderIDs(db *gorm.DB) error {
	return db.Model(&chat.Message{}).
		Where("conversation_id NOT LIKE ? AND (legacy_order_id IS NULL OR legacy_order_id = '')", "conv:%").
		Update("legacy_order_id", gorm.Expr("conversation_id")).Error
}
