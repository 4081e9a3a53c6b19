package bluegreen

import (
	"context"
	"sync"

	"github.com/Maksumys/bluegreen-migrator/internal/models"
	"github.com/Maksumys/bluegreen-migrator/internal/repository"
	"gorm.io/gorm"
)

// Backlog describes captured changes not yet shipped past a checkpoint.
type Backlog struct {
	Count  int64
	Bytes  int64
	Oldest int64 // unix nanoseconds of the oldest unshipped change, 0 when empty
}

// ChangeCapture abstracts the row-level change capture primitive of the
// underlying engine. The default implementation is trigger based; a
// log-shipping implementation can be swapped in without touching the
// replication or sync layers.
type ChangeCapture interface {
	// Install sets up capture for the given tables on db. Idempotent.
	Install(ctx context.Context, db *gorm.DB, tables []string) error

	// Remove tears capture down for the given tables. Idempotent.
	Remove(ctx context.Context, db *gorm.DB, tables []string) error

	// Changes returns up to limit events recorded after the checkpoint,
	// in commit order.
	Changes(ctx context.Context, db *gorm.DB, tables []string, afterID int64, limit int) ([]models.ChangeEvent, error)

	// Head returns the current end of the change stream.
	Head(ctx context.Context, db *gorm.DB) (int64, error)

	// Pending measures the backlog beyond the checkpoint.
	Pending(ctx context.Context, db *gorm.DB, tables []string, afterID int64) (Backlog, error)

	// Apply replays one event against db inside tx semantics, without
	// echoing back into db's own change stream.
	Apply(ctx context.Context, db *gorm.DB, event models.ChangeEvent) error
}

// TriggerCapture implements ChangeCapture with a changelog table fed by
// per-table AFTER triggers. Requires every captured table to have a
// single-column primary key. Safe for concurrent use.
type TriggerCapture struct {
	mu sync.Mutex
	// keyColumns caches primary key lookups per table.
	keyColumns map[string]string
}

func NewTriggerCapture() *TriggerCapture {
	return &TriggerCapture{keyColumns: make(map[string]string)}
}

func (c *TriggerCapture) Install(ctx context.Context, db *gorm.DB, tables []string) error {
	db = db.WithContext(ctx)
	if !repository.HasChangelogTable(db) {
		if err := repository.CreateChangelogTable(db); err != nil {
			return err
		}
	}
	if err := repository.CreateCaptureFunction(db); err != nil {
		return err
	}
	for _, table := range tables {
		key, err := c.keyColumn(db, table)
		if err != nil {
			return err
		}
		if err := repository.InstallCaptureTrigger(db, table, key); err != nil {
			return err
		}
	}
	return nil
}

func (c *TriggerCapture) Remove(ctx context.Context, db *gorm.DB, tables []string) error {
	db = db.WithContext(ctx)
	for _, table := range tables {
		if err := repository.DropCaptureTrigger(db, table); err != nil {
			return err
		}
	}
	return nil
}

func (c *TriggerCapture) Changes(ctx context.Context, db *gorm.DB, tables []string, afterID int64, limit int) ([]models.ChangeEvent, error) {
	return repository.ChangesAfter(db.WithContext(ctx), tables, afterID, limit)
}

func (c *TriggerCapture) Head(ctx context.Context, db *gorm.DB) (int64, error) {
	return repository.LastChangeID(db.WithContext(ctx))
}

func (c *TriggerCapture) Pending(ctx context.Context, db *gorm.DB, tables []string, afterID int64) (Backlog, error) {
	stats, err := repository.PendingAfter(db.WithContext(ctx), tables, afterID)
	if err != nil {
		return Backlog{}, err
	}
	backlog := Backlog{Count: stats.Count, Bytes: stats.Bytes}
	if !stats.Oldest.IsZero() {
		backlog.Oldest = stats.Oldest.UnixNano()
	}
	return backlog, nil
}

func (c *TriggerCapture) Apply(ctx context.Context, db *gorm.DB, event models.ChangeEvent) error {
	db = db.WithContext(ctx)
	key, err := c.keyColumn(db, event.Table)
	if err != nil {
		return err
	}
	return db.Transaction(func(tx *gorm.DB) error {
		return repository.ApplyChange(tx, event.Table, key, event)
	})
}

func (c *TriggerCapture) keyColumn(db *gorm.DB, table string) (string, error) {
	c.mu.Lock()
	key, ok := c.keyColumns[table]
	c.mu.Unlock()
	if ok {
		return key, nil
	}
	key, err := repository.PrimaryKeyColumn(db, table)
	if err != nil {
		return "", err
	}
	c.mu.Lock()
	c.keyColumns[table] = key
	c.mu.Unlock()
	return key, nil
}
