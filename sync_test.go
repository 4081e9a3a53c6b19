package bluegreen

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/Maksumys/bluegreen-migrator/internal/models"
)

// scriptedCapture serves canned change batches per side and fails every
// apply, standing in for databases that stopped accepting writes.
type scriptedCapture struct {
	source       *gorm.DB
	target       *gorm.DB
	sourceEvents []models.ChangeEvent
	targetEvents []models.ChangeEvent
	applyErr     error
}

func (c *scriptedCapture) Install(ctx context.Context, db *gorm.DB, tables []string) error {
	return nil
}

func (c *scriptedCapture) Remove(ctx context.Context, db *gorm.DB, tables []string) error {
	return nil
}

func (c *scriptedCapture) Changes(ctx context.Context, db *gorm.DB, tables []string, afterID int64, limit int) ([]models.ChangeEvent, error) {
	if db == c.source {
		return c.sourceEvents, nil
	}
	return c.targetEvents, nil
}

func (c *scriptedCapture) Head(ctx context.Context, db *gorm.DB) (int64, error) {
	return 0, nil
}

func (c *scriptedCapture) Pending(ctx context.Context, db *gorm.DB, tables []string, afterID int64) (Backlog, error) {
	return Backlog{}, nil
}

func (c *scriptedCapture) Apply(ctx context.Context, db *gorm.DB, event models.ChangeEvent) error {
	return c.applyErr
}

func TestSyncStopBeforeStartIsNoOp(t *testing.T) {
	engine := NewSyncEngine(nil, nil, NewTriggerCapture(), Config{Tables: []string{"users"}})

	require.NoError(t, engine.Stop(context.Background()))
	require.NoError(t, engine.Stop(context.Background()))
	assert.False(t, engine.Running())
	assert.Nil(t, engine.Session())
}

func TestSyncStartRejectsUnknownPolicy(t *testing.T) {
	engine := NewSyncEngine(nil, nil, NewTriggerCapture(), Config{Tables: []string{"users"}})

	err := engine.Start(context.Background(), []string{"users"}, time.Second, ConflictPolicy("coin-flip"))
	require.Error(t, err)
	assert.False(t, engine.Running())
}

func TestSyncLagIsInfiniteWhenStopped(t *testing.T) {
	engine := NewSyncEngine(nil, nil, NewTriggerCapture(), Config{Tables: []string{"users"}})

	lag, err := engine.Lag(context.Background())
	require.NoError(t, err)
	assert.True(t, lag.Infinite())
}

func TestSeedSourceCheckpointBeforeStart(t *testing.T) {
	engine := NewSyncEngine(nil, nil, NewTriggerCapture(), Config{Tables: []string{"users"}})

	engine.SeedSourceCheckpoint(42)
	src, _ := engine.cursors()
	assert.Equal(t, int64(42), src)
}

func TestSeedSourceCheckpointIgnoredWhileRunning(t *testing.T) {
	engine := NewSyncEngine(nil, nil, NewTriggerCapture(), Config{Tables: []string{"users"}})
	engine.SeedSourceCheckpoint(10)
	engine.session = &SyncSession{}

	engine.SeedSourceCheckpoint(99)
	src, _ := engine.cursors()
	assert.Equal(t, int64(10), src)
}

func TestSetCursorNeverMovesBackwards(t *testing.T) {
	engine := NewSyncEngine(nil, nil, NewTriggerCapture(), Config{Tables: []string{"users"}})

	engine.setCursor(&engine.srcCursor, 7)
	engine.setCursor(&engine.srcCursor, 3)
	src, _ := engine.cursors()
	assert.Equal(t, int64(7), src)
}

func TestFailedAppliesDoNotDuplicateConflictCounts(t *testing.T) {
	now := time.Now()
	capture := &scriptedCapture{
		source: &gorm.DB{},
		target: &gorm.DB{},
		sourceEvents: []models.ChangeEvent{
			changeAt(1, "users", "7", now),
			changeAt(2, "users", "a", now),
		},
		targetEvents: []models.ChangeEvent{
			changeAt(3, "users", "7", now.Add(time.Second)),
			changeAt(4, "users", "b", now),
		},
		applyErr: errors.New("both sides down"),
	}
	engine := NewSyncEngine(capture.source, capture.target, capture, Config{
		Tables:         []string{"users"},
		MaxRetries:     1,
		RetryBaseDelay: time.Millisecond,
	})
	session := &SyncSession{Tables: []string{"users"}, Policy: LastWriteWins}

	// Neither cursor advances, so the same conflict comes back each tick;
	// it must not be counted until a cursor moves past it.
	engine.tick(context.Background(), session)
	engine.tick(context.Background(), session)

	stats := engine.Stats()
	assert.Zero(t, stats.Conflicts)
	assert.Zero(t, stats.Unresolved)
	assert.Equal(t, uint64(4), stats.Errors, "two directions failed per tick")
	src, tgt := engine.cursors()
	assert.Equal(t, int64(-1), src)
	assert.Equal(t, int64(-1), tgt)
}

func TestDriftCheckCountsInconsistentTables(t *testing.T) {
	checker := &stubChecker{reports: []ConsistencyReport{
		{Table: "users", Consistent: true},
		{Table: "orders", Consistent: false, Mismatched: []string{"3"}},
	}}
	engine := NewSyncEngine(nil, nil, NewTriggerCapture(), Config{Tables: []string{"users", "orders"}},
		WithDriftChecker(checker, time.Millisecond))
	session := &SyncSession{Tables: []string{"users", "orders"}}

	engine.maybeCheckDrift(context.Background(), session)

	stats := engine.Stats()
	assert.Equal(t, uint64(1), stats.DriftChecks)
	assert.Equal(t, uint64(1), stats.Drifted)
	assert.Zero(t, stats.Errors, "drift is never an error")
}

func TestDriftCheckHonorsInterval(t *testing.T) {
	checker := &stubChecker{}
	engine := NewSyncEngine(nil, nil, NewTriggerCapture(), Config{Tables: []string{"users"}},
		WithDriftChecker(checker, time.Hour))
	session := &SyncSession{Tables: []string{"users"}}

	engine.maybeCheckDrift(context.Background(), session)
	engine.maybeCheckDrift(context.Background(), session)

	assert.Equal(t, uint64(1), engine.Stats().DriftChecks, "second check not yet due")
}

func TestDriftCheckDisabledByDefault(t *testing.T) {
	engine := NewSyncEngine(nil, nil, NewTriggerCapture(), Config{Tables: []string{"users"}})

	engine.maybeCheckDrift(context.Background(), &SyncSession{Tables: []string{"users"}})
	assert.Zero(t, engine.Stats().DriftChecks)
}

func TestLastID(t *testing.T) {
	assert.Equal(t, int64(0), lastID(nil))
	assert.Equal(t, int64(9), lastID([]models.ChangeEvent{{ID: 4}, {ID: 9}}))
}

func TestJSONOrNull(t *testing.T) {
	assert.Equal(t, "null", jsonOrNull(""))
	assert.Equal(t, `{"id":1}`, jsonOrNull(`{"id":1}`))
}
