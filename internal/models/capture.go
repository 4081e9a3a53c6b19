package models

import (
	"time"

	"github.com/google/uuid"
)

// Change operations as recorded by the capture triggers.
const (
	OpInsert = "I"
	OpUpdate = "U"
	OpDelete = "D"
)

// ChangeEvent is one row of the bluegreen_changelog table. The capturing
// trigger appends one event per affected row; ID ordering is commit order
// on the owning database.
type ChangeEvent struct {
	ID        int64     `gorm:"primaryKey"`
	Table     string    `gorm:"column:table_name"`
	Op        string    `gorm:"column:op"`
	RowKey    string    `gorm:"column:row_key"`
	RowData   string    `gorm:"column:row_data"` // jsonb payload, empty for deletes
	ChangedAt time.Time `gorm:"column:changed_at"`
}

func (ChangeEvent) TableName() string {
	return "bluegreen_changelog"
}

// ConflictRecord is the audit entry written for every detected conflict,
// resolved or not. Both competing payloads are retained so an operator
// can settle an unresolved row later: apply the chosen payload to the
// losing side and flip Resolved.
type ConflictRecord struct {
	ID         uuid.UUID `gorm:"column:id;type:uuid;primaryKey"`
	Table      string    `gorm:"column:table_name"`
	RowKey     string    `gorm:"column:row_key"`
	SourceRow  string    `gorm:"column:source_row"`
	TargetRow  string    `gorm:"column:target_row"`
	Policy     string    `gorm:"column:policy"`
	Winner     string    `gorm:"column:winner"` // "source", "target" or empty
	Resolved   bool      `gorm:"column:resolved"`
	DetectedAt time.Time `gorm:"column:detected_at"`
}

func (ConflictRecord) TableName() string {
	return "bluegreen_conflicts"
}
