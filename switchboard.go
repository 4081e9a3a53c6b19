package bluegreen

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/Maksumys/bluegreen-migrator/internal/repository"
)

// AccessController gates write access to one database instance and
// observes whether the application is committing against it. The
// coordinator holds one per side.
type AccessController interface {
	// SetReadOnly flips the instance's write access. Takes effect for
	// new transactions.
	SetReadOnly(ctx context.Context, readOnly bool) error

	// ReadOnly reads the persisted setting back. Freezes are only
	// trusted once acknowledged through this.
	ReadOnly(ctx context.Context) (bool, error)

	// CommitDelta reports how many transactions committed over the given
	// window. The wait is cancellable via ctx.
	CommitDelta(ctx context.Context, window time.Duration) (int64, error)
}

// DatabaseAccess implements AccessController over a Postgres database by
// flipping default_transaction_read_only at database scope and watching
// pg_stat_database's commit counter.
type DatabaseAccess struct {
	db   *gorm.DB
	name string
}

func NewDatabaseAccess(db *gorm.DB) (*DatabaseAccess, error) {
	name, err := repository.DatabaseName(db)
	if err != nil {
		return nil, fmt.Errorf("resolve database name: %w", err)
	}
	return &DatabaseAccess{db: db, name: name}, nil
}

func (a *DatabaseAccess) SetReadOnly(ctx context.Context, readOnly bool) error {
	return repository.SetDatabaseReadOnly(a.db.WithContext(ctx), a.name, readOnly)
}

func (a *DatabaseAccess) ReadOnly(ctx context.Context) (bool, error) {
	return repository.DatabaseReadOnly(a.db.WithContext(ctx), a.name)
}

func (a *DatabaseAccess) CommitDelta(ctx context.Context, window time.Duration) (int64, error) {
	before, err := repository.CommitCount(a.db.WithContext(ctx), a.name)
	if err != nil {
		return 0, err
	}
	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	case <-time.After(window):
	}
	after, err := repository.CommitCount(a.db.WithContext(ctx), a.name)
	if err != nil {
		return 0, err
	}
	return after - before, nil
}
