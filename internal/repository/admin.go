package repository

import (
	"fmt"
	"strings"

	"gorm.io/gorm"
)

func DatabaseName(db *gorm.DB) (string, error) {
	var name string
	err := db.Raw(`SELECT current_database()`).Scan(&name).Error
	return name, err
}

// SetDatabaseReadOnly flips default_transaction_read_only at database
// scope, so every new transaction on every new session observes it.
func SetDatabaseReadOnly(db *gorm.DB, name string, readOnly bool) error {
	mode := "off"
	if readOnly {
		mode = "on"
	}
	return db.Exec(fmt.Sprintf(
		`ALTER DATABASE %q SET default_transaction_read_only TO %s`, name, mode,
	)).Error
}

// DatabaseReadOnly reads the persisted setting back from the catalog. This
// is the acknowledgement half of the two-phase write handoff: the freeze
// is only trusted once the catalog confirms it.
func DatabaseReadOnly(db *gorm.DB, name string) (bool, error) {
	var settings []string
	err := db.Raw(`
		SELECT unnest(setconfig)
		FROM pg_db_role_setting s
		JOIN pg_database d ON d.oid = s.setdatabase
		WHERE d.datname = ? AND s.setrole = 0
	`, name).Scan(&settings).Error
	if err != nil {
		return false, err
	}
	for _, s := range settings {
		if strings.EqualFold(s, "default_transaction_read_only=on") {
			return true, nil
		}
	}
	return false, nil
}

// CommitCount returns the database's cumulative committed-transaction
// counter. Traffic verification compares two readings across a window.
func CommitCount(db *gorm.DB, name string) (int64, error) {
	var count int64
	err := db.Raw(
		`SELECT xact_commit FROM pg_stat_database WHERE datname = ?`, name,
	).Scan(&count).Error
	return count, err
}
