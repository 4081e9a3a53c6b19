package repository

import (
	"fmt"
	"time"

	"github.com/Maksumys/bluegreen-migrator/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

func HasChangelogTable(db *gorm.DB) bool {
	return db.Migrator().HasTable(models.ChangeEvent{}.TableName())
}

func CreateChangelogTable(db *gorm.DB) error {
	return db.Exec(`
		CREATE TABLE IF NOT EXISTS bluegreen_changelog (
			id BIGSERIAL PRIMARY KEY,
			table_name TEXT NOT NULL,
			op CHAR(1) NOT NULL,
			row_key TEXT NOT NULL,
			row_data JSONB,
			changed_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)
	`).Error
}

// CreateCaptureFunction installs the shared trigger function. The primary
// key column is passed as the trigger argument so one function serves
// every captured table.
func CreateCaptureFunction(db *gorm.DB) error {
	return db.Exec(`
		CREATE OR REPLACE FUNCTION bluegreen_capture() RETURNS trigger AS $$
		DECLARE
			key_col text := TG_ARGV[0];
			key_val text;
			payload jsonb;
		BEGIN
			IF TG_OP = 'DELETE' THEN
				EXECUTE format('SELECT ($1).%I::text', key_col) INTO key_val USING OLD;
				payload := NULL;
			ELSE
				EXECUTE format('SELECT ($1).%I::text', key_col) INTO key_val USING NEW;
				payload := to_jsonb(NEW);
			END IF;
			INSERT INTO bluegreen_changelog (table_name, op, row_key, row_data)
			VALUES (TG_TABLE_NAME, left(TG_OP, 1), key_val, payload);
			RETURN NULL;
		END;
		$$ LANGUAGE plpgsql
	`).Error
}

func InstallCaptureTrigger(db *gorm.DB, table, keyColumn string) error {
	trigger := captureTriggerName(table)
	err := db.Exec(fmt.Sprintf(`DROP TRIGGER IF EXISTS %q ON %q`, trigger, table)).Error
	if err != nil {
		return err
	}
	return db.Exec(fmt.Sprintf(`
		CREATE TRIGGER %q
		AFTER INSERT OR UPDATE OR DELETE ON %q
		FOR EACH ROW EXECUTE FUNCTION bluegreen_capture(%s)
	`, trigger, table, quoteLiteral(keyColumn))).Error
}

func DropCaptureTrigger(db *gorm.DB, table string) error {
	return db.Exec(fmt.Sprintf(
		`DROP TRIGGER IF EXISTS %q ON %q`, captureTriggerName(table), table,
	)).Error
}

func captureTriggerName(table string) string {
	return "bluegreen_capture_" + table
}

// PrimaryKeyColumn resolves the single-column primary key of a table.
// Multi-column keys are not supported by the trigger capture.
func PrimaryKeyColumn(db *gorm.DB, table string) (string, error) {
	var column string
	err := db.Raw(`
		SELECT a.attname
		FROM pg_index i
		JOIN pg_attribute a ON a.attrelid = i.indrelid AND a.attnum = ANY (i.indkey)
		WHERE i.indrelid = ?::regclass AND i.indisprimary
		LIMIT 1
	`, table).Scan(&column).Error
	if err != nil {
		return "", err
	}
	if column == "" {
		return "", fmt.Errorf("table %q has no primary key", table)
	}
	return column, nil
}

// ChangesAfter returns up to limit captured events with id > afterID for
// the given tables, in commit order.
func ChangesAfter(db *gorm.DB, tables []string, afterID int64, limit int) ([]models.ChangeEvent, error) {
	var events []models.ChangeEvent
	err := db.
		Where("id > ? AND table_name IN ?", afterID, tables).
		Order("id ASC").
		Limit(limit).
		Find(&events).Error
	return events, err
}

// LastChangeID returns the current head of the changelog, 0 when empty.
func LastChangeID(db *gorm.DB) (int64, error) {
	var id int64
	err := db.Model(&models.ChangeEvent{}).
		Select("COALESCE(MAX(id), 0)").
		Scan(&id).Error
	return id, err
}

// PendingStats describes the backlog of captured changes not yet shipped
// past the given checkpoint.
type PendingStats struct {
	Count  int64
	Bytes  int64
	Oldest time.Time
}

func PendingAfter(db *gorm.DB, tables []string, afterID int64) (PendingStats, error) {
	var stats struct {
		Count  int64
		Bytes  int64
		Oldest *time.Time
	}
	err := db.Model(&models.ChangeEvent{}).
		Select(`COUNT(*) AS count,
			COALESCE(SUM(octet_length(COALESCE(row_data::text, '')) + octet_length(row_key)), 0) AS bytes,
			MIN(changed_at) AS oldest`).
		Where("id > ? AND table_name IN ?", afterID, tables).
		Scan(&stats).Error
	if err != nil {
		return PendingStats{}, err
	}
	out := PendingStats{Count: stats.Count, Bytes: stats.Bytes}
	if stats.Oldest != nil {
		out.Oldest = *stats.Oldest
	}
	return out, nil
}

// ApplyChange replays one captured event inside tx. Capture triggers on
// the applying side are silenced for the transaction so replayed rows do
// not echo back into its changelog.
func ApplyChange(tx *gorm.DB, table, keyColumn string, event models.ChangeEvent) error {
	if err := tx.Exec(`SET LOCAL session_replication_role = 'replica'`).Error; err != nil {
		return err
	}

	del := fmt.Sprintf(`DELETE FROM %q WHERE %q::text = ?`, table, keyColumn)
	if err := tx.Exec(del, event.RowKey).Error; err != nil {
		return err
	}
	if event.Op == models.OpDelete {
		return nil
	}

	ins := fmt.Sprintf(
		`INSERT INTO %q SELECT * FROM jsonb_populate_record(NULL::%q, ?::jsonb)`,
		table, table,
	)
	return tx.Exec(ins, event.RowData).Error
}

// CopyTablePage reads one keyset page of rows from the source table. An
// empty afterKey starts from the beginning. Returned rows are gorm maps
// ready for insertion.
func CopyTablePage(db *gorm.DB, table, keyColumn, afterKey string, limit int) ([]map[string]interface{}, string, error) {
	var rows []map[string]interface{}
	q := db.Table(table).Order(fmt.Sprintf("%q ASC", keyColumn)).Limit(limit)
	if afterKey != "" {
		q = q.Where(fmt.Sprintf("%q::text > ?", keyColumn), afterKey)
	}
	if err := q.Find(&rows).Error; err != nil {
		return nil, "", err
	}
	if len(rows) == 0 {
		return nil, afterKey, nil
	}
	last := fmt.Sprintf("%v", rows[len(rows)-1][keyColumn])
	return rows, last, nil
}

// InsertCopiedRows writes one backfill page to the target, ignoring rows
// that already exist so a restarted backfill stays idempotent.
func InsertCopiedRows(db *gorm.DB, table string, rows []map[string]interface{}) error {
	if len(rows) == 0 {
		return nil
	}
	return db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Exec(`SET LOCAL session_replication_role = 'replica'`).Error; err != nil {
			return err
		}
		return tx.Table(table).Clauses(clause.OnConflict{DoNothing: true}).Create(rows).Error
	})
}

func HasConflictTable(db *gorm.DB) bool {
	return db.Migrator().HasTable(models.ConflictRecord{}.TableName())
}

func CreateConflictTable(db *gorm.DB) error {
	return db.Exec(`
		CREATE TABLE IF NOT EXISTS bluegreen_conflicts (
			id UUID PRIMARY KEY,
			table_name TEXT NOT NULL,
			row_key TEXT NOT NULL,
			source_row JSONB,
			target_row JSONB,
			policy TEXT NOT NULL,
			winner TEXT NOT NULL DEFAULT '',
			resolved BOOLEAN NOT NULL DEFAULT false,
			detected_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)
	`).Error
}

func SaveConflict(db *gorm.DB, record *models.ConflictRecord) error {
	return db.Create(record).Error
}

func quoteLiteral(s string) string {
	out := ""
	for _, r := range s {
		if r == '\'' {
			out += "''"
			continue
		}
		out += string(r)
	}
	return "'" + out + "'"
}
