package database

import (
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/paperfall-labs/paperfall/backend/internal/stats"
)

const (
	migrationNormalizeBlankCountries = "2026-08-10_normalize_blank_countries"
	migrationClampNegativeLikes      = "2026-08-22_clamp_negative_likes"
)

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
		{name: migrationNormalizeBlankCountries, apply: normalizeBlankCountries},
		{name: migrationClampNegativeLikes, apply: clampNegativeLikes},
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

// normalizeBlankCountries rewrites rows persisted before country validation
// was enforced on the websocket path.
func normalizeBlankCountries(db *gorm.DB) error {
	if err := db.Model(&stats.ChatRow{}).
		Where("country = ''").
		Update("country", "Unknown").Error; err != nil {
		return err
	}
	return db.Exec("DELETE FROM leaderboard WHERE country = '';").Error
}

func clampNegativeLikes(db *gorm.DB) error {
	return db.Model(&stats.ImageRow{}).
		Where("likes < 0").
		Update("likes", 0).Error
}
