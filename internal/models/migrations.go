package models

import "time"

// LedgerRecord is one row of the schema_version table kept in the target
// database. The table is both the data and the durability mechanism: it is
// the single source of truth for what has been applied.
type LedgerRecord struct {
	Version         int64     `gorm:"primaryKey"`
	Description     string    `gorm:"column:description"`
	Checksum        string    `gorm:"column:checksum"`
	UpSQL           string    `gorm:"column:up_sql"`
	DownSQL         string    `gorm:"column:down_sql"`
	AppliedAt       time.Time `gorm:"column:applied_at"`
	ExecutionTimeMS int64     `gorm:"column:execution_time_ms"`
}

func (LedgerRecord) TableName() string {
	return "schema_version"
}
