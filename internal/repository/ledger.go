package repository

import (
	"errors"

	"github.com/Maksumys/bluegreen-migrator/internal/models"
	"gorm.io/gorm"
)

var ErrNotFound = errors.New("not found")

type Order string

const (
	OrderASC  Order = "ASC"
	OrderDESC Order = "DESC"
)

func HasLedgerTable(db *gorm.DB) bool {
	return db.Migrator().HasTable(models.LedgerRecord{}.TableName())
}

func CreateLedgerTable(db *gorm.DB) error {
	return db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_version (
			version BIGINT PRIMARY KEY,
			description TEXT NOT NULL,
			checksum TEXT NOT NULL,
			up_sql TEXT NOT NULL,
			down_sql TEXT NOT NULL,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			execution_time_ms BIGINT
		)
	`).Error
}

func GetLedgerRecordsSorted(db *gorm.DB, order Order) ([]models.LedgerRecord, error) {
	var records []models.LedgerRecord
	err := db.Order("version " + string(order)).Find(&records).Error
	return records, err
}

func GetLedgerRecord(db *gorm.DB, version int64) (models.LedgerRecord, error) {
	var record models.LedgerRecord
	err := db.First(&record, "version = ?", version).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return record, ErrNotFound
	}
	return record, err
}

// MaxVersion returns the highest applied version, 0 when the ledger is
// empty.
func MaxVersion(db *gorm.DB) (int64, error) {
	var version int64
	err := db.Model(&models.LedgerRecord{}).
		Select("COALESCE(MAX(version), 0)").
		Scan(&version).Error
	return version, err
}

func SaveLedgerRecord(db *gorm.DB, record *models.LedgerRecord) error {
	return db.Create(record).Error
}

func DeleteLedgerRecord(db *gorm.DB, version int64) error {
	return db.Delete(&models.LedgerRecord{}, "version = ?", version).Error
}
