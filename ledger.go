package bluegreen

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/Maksumys/bluegreen-migrator/internal/models"
	"github.com/Maksumys/bluegreen-migrator/internal/repository"
	"github.com/rs/zerolog"
	"gorm.io/gorm"
)

// Migration is a caller-supplied schema change: forward script plus the
// script that reverses it. The SQL content is data to this package, not
// framework logic.
type Migration struct {
	Version     int64
	Description string
	UpSQL       string
	DownSQL     string
}

// MigrationRecord is the applied form of a Migration as stored in the
// schema_version ledger table.
type MigrationRecord struct {
	Version       int64
	Description   string
	Checksum      string
	AppliedAt     time.Time
	ExecutionTime time.Duration
}

// VersionLedger persists the ordered history of schema changes applied to
// one database. Versions are strictly increasing with no gaps; stored
// scripts are checksum-guarded against tampering.
type VersionLedger struct {
	db     *gorm.DB
	logger zerolog.Logger
}

type LedgerOption func(*VersionLedger)

func WithLedgerLogger(logger zerolog.Logger) LedgerOption {
	return func(l *VersionLedger) {
		l.logger = logger
	}
}

func NewVersionLedger(db *gorm.DB, opts ...LedgerOption) *VersionLedger {
	ledger := &VersionLedger{
		db:     db,
		logger: zerolog.New(os.Stderr).With().Timestamp().Str("component", "ledger").Logger(),
	}
	for _, opt := range opts {
		opt(ledger)
	}
	return ledger
}

// Apply executes the migration's up script as a single atomic unit and
// records it. The version must be exactly CurrentVersion()+1. On execution
// failure the down script is run to restore prior state and the attempt is
// not recorded.
func (l *VersionLedger) Apply(ctx context.Context, m Migration) (MigrationRecord, error) {
	db := l.db.WithContext(ctx)

	if err := l.ensureSchema(db); err != nil {
		return MigrationRecord{}, err
	}

	current, err := repository.MaxVersion(db)
	if err != nil {
		return MigrationRecord{}, err
	}
	if m.Version != current+1 {
		return MigrationRecord{}, &VersionConflictError{Requested: m.Version, Current: current}
	}

	l.logger.Info().
		Int64("version", m.Version).
		Str("description", m.Description).
		Msg("applying migration")

	start := time.Now()
	err = db.Transaction(func(tx *gorm.DB) error {
		return tx.Exec(m.UpSQL).Error
	})
	if err != nil {
		return MigrationRecord{}, l.restore(db, m, err)
	}
	elapsed := time.Since(start)

	record := models.LedgerRecord{
		Version:         m.Version,
		Description:     m.Description,
		Checksum:        scriptChecksum(m.UpSQL, m.DownSQL),
		UpSQL:           m.UpSQL,
		DownSQL:         m.DownSQL,
		AppliedAt:       time.Now().UTC(),
		ExecutionTimeMS: elapsed.Milliseconds(),
	}
	if err := repository.SaveLedgerRecord(db, &record); err != nil {
		// The schema change went through but could not be recorded, so
		// the change is reversed to keep the ledger authoritative.
		return MigrationRecord{}, l.restore(db, m, err)
	}

	l.logger.Info().
		Int64("version", m.Version).
		Dur("took", elapsed).
		Msg("migration applied")

	return MigrationRecord{
		Version:       record.Version,
		Description:   record.Description,
		Checksum:      record.Checksum,
		AppliedAt:     record.AppliedAt,
		ExecutionTime: elapsed,
	}, nil
}

func (l *VersionLedger) restore(db *gorm.DB, m Migration, cause error) error {
	l.logger.Error().
		Int64("version", m.Version).
		Err(cause).
		Msg("migration failed, restoring prior state")

	restoreErr := db.Transaction(func(tx *gorm.DB) error {
		return tx.Exec(m.DownSQL).Error
	})
	return &MigrationExecutionError{
		Version:    m.Version,
		Script:     "up",
		Err:        cause,
		RestoreErr: restoreErr,
	}
}

// Rollback reverses the most recently applied migration. The stored
// scripts are re-hashed first: if the checksum no longer matches the one
// recorded at apply time, nothing is executed.
func (l *VersionLedger) Rollback(ctx context.Context, version int64) error {
	db := l.db.WithContext(ctx)

	if err := l.ensureSchema(db); err != nil {
		return err
	}

	record, err := repository.GetLedgerRecord(db, version)
	if errors.Is(err, repository.ErrNotFound) {
		return &UnknownVersionError{Version: version}
	}
	if err != nil {
		return err
	}

	current, err := repository.MaxVersion(db)
	if err != nil {
		return err
	}
	// Rollbacks unwind strictly last-in-first-out so the no-gaps
	// invariant survives.
	if version != current {
		return &VersionConflictError{Requested: version, Current: current}
	}

	computed := scriptChecksum(record.UpSQL, record.DownSQL)
	if computed != record.Checksum {
		return &ChecksumMismatchError{Version: version, Stored: record.Checksum, Computed: computed}
	}

	l.logger.Info().Int64("version", version).Msg("rolling back migration")

	err = db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Exec(record.DownSQL).Error; err != nil {
			return err
		}
		return repository.DeleteLedgerRecord(tx, version)
	})
	if err != nil {
		return &MigrationExecutionError{Version: version, Script: "down", Err: err}
	}

	l.logger.Info().Int64("version", version).Msg("migration rolled back")
	return nil
}

// CurrentVersion returns the highest applied version, 0 when none.
func (l *VersionLedger) CurrentVersion(ctx context.Context) (int64, error) {
	db := l.db.WithContext(ctx)
	if !repository.HasLedgerTable(db) {
		return 0, nil
	}
	return repository.MaxVersion(db)
}

// History returns all ledger records in apply order, most recent last.
func (l *VersionLedger) History(ctx context.Context) ([]MigrationRecord, error) {
	db := l.db.WithContext(ctx)
	if !repository.HasLedgerTable(db) {
		return nil, nil
	}
	rows, err := repository.GetLedgerRecordsSorted(db, repository.OrderASC)
	if err != nil {
		return nil, err
	}
	records := make([]MigrationRecord, 0, len(rows))
	for _, row := range rows {
		records = append(records, MigrationRecord{
			Version:       row.Version,
			Description:   row.Description,
			Checksum:      row.Checksum,
			AppliedAt:     row.AppliedAt,
			ExecutionTime: time.Duration(row.ExecutionTimeMS) * time.Millisecond,
		})
	}
	return records, nil
}

// VerifyIntegrity checks that the recorded versions form the contiguous
// sequence 1..N. Returned issues are human-readable descriptions; an
// empty slice means the ledger is intact.
func (l *VersionLedger) VerifyIntegrity(ctx context.Context) ([]string, error) {
	history, err := l.History(ctx)
	if err != nil {
		return nil, err
	}
	var issues []string
	expected := int64(1)
	for _, record := range history {
		if record.Version != expected {
			issues = append(issues, fmt.Sprintf(
				"gap in migration sequence: expected %d, found %d", expected, record.Version,
			))
		}
		expected = record.Version + 1
	}
	return issues, nil
}

func (l *VersionLedger) ensureSchema(db *gorm.DB) error {
	if repository.HasLedgerTable(db) {
		return nil
	}
	l.logger.Info().Msg("ledger table not found, creating")
	return repository.CreateLedgerTable(db)
}

// scriptChecksum hashes the up and down scripts together so tampering
// with either is detected at rollback time.
func scriptChecksum(upSQL, downSQL string) string {
	sum := md5.Sum([]byte(upSQL + "\n--\n" + downSQL))
	return hex.EncodeToString(sum[:])
}
