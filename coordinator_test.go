package bluegreen

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubReplicator struct {
	session    ReplicationSession
	startErr   error
	lag        Lag
	lagErr     error
	checkpoint int64
	stops      int
	teardowns  int
}

func (s *stubReplicator) Start(ctx context.Context) (ReplicationSession, error) {
	if s.startErr != nil {
		return s.session, s.startErr
	}
	s.session.Status = ReplicationStreaming
	return s.session, nil
}

func (s *stubReplicator) MeasureLag(ctx context.Context) (Lag, error) { return s.lag, s.lagErr }
func (s *stubReplicator) Lag() Lag                                    { return s.lag }
func (s *stubReplicator) Stop(ctx context.Context) error              { s.stops++; return nil }
func (s *stubReplicator) Teardown(ctx context.Context) error          { s.stops++; s.teardowns++; return nil }
func (s *stubReplicator) Checkpoint() int64                           { return s.checkpoint }
func (s *stubReplicator) Session() ReplicationSession                 { return s.session }

type stubSynchronizer struct {
	running  bool
	startErr error
	lag      Lag
	lagErr   error
	stats    SyncStats
	stops    int
	seeded   int64
}

func (s *stubSynchronizer) Start(ctx context.Context, tables []string, interval time.Duration, policy ConflictPolicy) error {
	if s.startErr != nil {
		return s.startErr
	}
	s.running = true
	return nil
}

func (s *stubSynchronizer) Lag(ctx context.Context) (Lag, error) { return s.lag, s.lagErr }
func (s *stubSynchronizer) Stop(ctx context.Context) error       { s.stops++; s.running = false; return nil }
func (s *stubSynchronizer) Stats() SyncStats                     { return s.stats }
func (s *stubSynchronizer) Running() bool                        { return s.running }
func (s *stubSynchronizer) SeedSourceCheckpoint(id int64)        { s.seeded = id }

type stubChecker struct {
	reports []ConsistencyReport
	err     error
}

func (s *stubChecker) Verify(ctx context.Context, tables []string) ([]ConsistencyReport, error) {
	if s.err != nil {
		return nil, s.err
	}
	if s.reports != nil {
		return s.reports, nil
	}
	reports := make([]ConsistencyReport, 0, len(tables))
	for _, table := range tables {
		reports = append(reports, ConsistencyReport{Table: table, Consistent: true})
	}
	return reports, nil
}

type stubLedger struct {
	applied  []int64
	applyErr error
}

func (s *stubLedger) Apply(ctx context.Context, m Migration) (MigrationRecord, error) {
	if s.applyErr != nil {
		return MigrationRecord{}, s.applyErr
	}
	s.applied = append(s.applied, m.Version)
	return MigrationRecord{Version: m.Version}, nil
}

func (s *stubLedger) CurrentVersion(ctx context.Context) (int64, error) {
	if len(s.applied) == 0 {
		return 0, nil
	}
	return s.applied[len(s.applied)-1], nil
}

type stubAccess struct {
	readOnly bool
	setErr   error
	ackErr   error
	delta    int64
	deltaErr error
	flips    []bool
}

func (s *stubAccess) SetReadOnly(ctx context.Context, readOnly bool) error {
	if s.setErr != nil {
		return s.setErr
	}
	s.readOnly = readOnly
	s.flips = append(s.flips, readOnly)
	return nil
}

func (s *stubAccess) ReadOnly(ctx context.Context) (bool, error) {
	if s.ackErr != nil {
		return false, s.ackErr
	}
	return s.readOnly, nil
}

func (s *stubAccess) CommitDelta(ctx context.Context, window time.Duration) (int64, error) {
	return s.delta, s.deltaErr
}

type coordinatorFixture struct {
	coordinator *Coordinator
	replication *stubReplicator
	sync        *stubSynchronizer
	verifier    *stubChecker
	ledger      *stubLedger
	source      *stubAccess
	target      *stubAccess
}

func newCoordinatorFixture(t *testing.T) *coordinatorFixture {
	return newCoordinatorFixtureCfg(t, nil)
}

func newCoordinatorFixtureCfg(t *testing.T, mutate func(*Config)) *coordinatorFixture {
	t.Helper()
	fixture := &coordinatorFixture{
		replication: &stubReplicator{},
		sync:        &stubSynchronizer{},
		verifier:    &stubChecker{},
		ledger:      &stubLedger{},
		source:      &stubAccess{},
		target:      &stubAccess{readOnly: true, delta: 42},
	}
	cfg := Config{
		Tables:              []string{"users"},
		PollInterval:        5 * time.Millisecond,
		CatchUpTimeout:      100 * time.Millisecond,
		DrainTimeout:        100 * time.Millisecond,
		TrafficVerifyWindow: time.Millisecond,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	coordinator, err := NewCoordinator(
		fixture.replication, fixture.sync, fixture.verifier, fixture.ledger,
		fixture.source, fixture.target, cfg,
	)
	require.NoError(t, err)
	fixture.coordinator = coordinator
	return fixture
}

func (f *coordinatorFixture) toSyncing(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, f.coordinator.Prepare(ctx, []Migration{
		{Version: 1, Description: "add email", UpSQL: "ALTER TABLE users ADD COLUMN email TEXT", DownSQL: "ALTER TABLE users DROP COLUMN email"},
	}))
	require.NoError(t, f.coordinator.StartSync(ctx))
}

func TestCoordinatorHappyPath(t *testing.T) {
	f := newCoordinatorFixture(t)
	ctx := context.Background()

	require.Equal(t, PhaseIdle, f.coordinator.Phase())
	f.toSyncing(t)

	assert.Equal(t, []int64{1}, f.ledger.applied)
	assert.Equal(t, 1, f.replication.stops, "replication hands over to sync")
	assert.True(t, f.sync.running)
	assert.Equal(t, PhaseSyncing, f.coordinator.Phase())

	f.sync.lag = Lag{Delay: 100 * time.Millisecond}
	switched, err := f.coordinator.Cutover(ctx, time.Second)
	require.NoError(t, err)
	assert.True(t, switched)
	assert.Equal(t, PhaseCutover, f.coordinator.Phase())

	// Source frozen before target opened; target writable afterwards.
	assert.True(t, f.source.readOnly)
	assert.False(t, f.target.readOnly)

	require.NoError(t, f.coordinator.Cleanup(ctx))
	assert.Equal(t, 1, f.sync.stops)
	assert.Equal(t, 2, f.replication.stops)
	assert.Equal(t, PhaseCutover, f.coordinator.Phase())
}

func TestCutoverRefusedWhenLagExceedsBudget(t *testing.T) {
	f := newCoordinatorFixture(t)
	f.toSyncing(t)

	f.sync.lag = Lag{Delay: 2 * time.Second}
	switched, err := f.coordinator.Cutover(context.Background(), time.Second)

	assert.False(t, switched)
	assert.ErrorIs(t, err, ErrCutoverRefused)
	assert.Equal(t, PhaseSyncing, f.coordinator.Phase(), "refusal must not change phase")
	assert.False(t, f.source.readOnly, "no freeze on refusal")
}

func TestCutoverRefusedOnInfiniteLag(t *testing.T) {
	f := newCoordinatorFixture(t)
	f.toSyncing(t)

	f.sync.lag = InfiniteLag
	switched, err := f.coordinator.Cutover(context.Background(), time.Second)

	assert.False(t, switched)
	assert.ErrorIs(t, err, ErrCutoverRefused)
	assert.Equal(t, PhaseSyncing, f.coordinator.Phase())
}

func TestCutoverOnlyFromSyncing(t *testing.T) {
	f := newCoordinatorFixture(t)

	switched, err := f.coordinator.Cutover(context.Background(), time.Second)
	assert.False(t, switched)
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestTrafficVerificationFailureRollsBack(t *testing.T) {
	f := newCoordinatorFixture(t)
	f.toSyncing(t)

	f.sync.lag = Lag{Delay: 10 * time.Millisecond}
	f.target.delta = 0 // application never moved its writes

	switched, err := f.coordinator.Cutover(context.Background(), time.Second)
	assert.False(t, switched)
	assert.ErrorIs(t, err, ErrTrafficVerification)

	assert.Equal(t, PhaseIdle, f.coordinator.Phase(), "automatic rollback returns to idle")
	assert.False(t, f.source.readOnly, "source writable again")
	assert.True(t, f.target.readOnly, "target frozen again")
}

func TestDrainTimeoutRollsBack(t *testing.T) {
	f := newCoordinatorFixture(t)
	f.toSyncing(t)

	// Low decision lag but a backlog that never drains.
	f.sync.lag = Lag{Delay: 10 * time.Millisecond, Bytes: 4096}

	switched, err := f.coordinator.Cutover(context.Background(), time.Second)
	assert.False(t, switched)
	require.Error(t, err)
	assert.Equal(t, PhaseIdle, f.coordinator.Phase())
	assert.False(t, f.source.readOnly)
}

func TestRollbackIsIdempotent(t *testing.T) {
	f := newCoordinatorFixture(t)
	f.toSyncing(t)
	ctx := context.Background()

	require.NoError(t, f.coordinator.Rollback(ctx))
	assert.Equal(t, PhaseIdle, f.coordinator.Phase())
	flips := len(f.source.flips)

	// Second invocation is a no-op.
	require.NoError(t, f.coordinator.Rollback(ctx))
	assert.Equal(t, PhaseIdle, f.coordinator.Phase())
	assert.Equal(t, flips, len(f.source.flips))
}

func TestRollbackStopsBackgroundWork(t *testing.T) {
	f := newCoordinatorFixture(t)
	f.toSyncing(t)

	require.NoError(t, f.coordinator.Rollback(context.Background()))
	assert.False(t, f.sync.running)
	assert.Equal(t, 1, f.sync.stops)
}

func TestRollbackRefusedFromTerminalPhases(t *testing.T) {
	f := newCoordinatorFixture(t)
	f.toSyncing(t)
	ctx := context.Background()

	f.sync.lag = Lag{Delay: 10 * time.Millisecond}
	switched, err := f.coordinator.Cutover(ctx, time.Second)
	require.NoError(t, err)
	require.True(t, switched)

	err = f.coordinator.Rollback(ctx)
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestRollbackFailureIsSurfacedAndFatal(t *testing.T) {
	f := newCoordinatorFixture(t)
	f.toSyncing(t)

	f.source.setErr = errors.New("source unreachable")
	err := f.coordinator.Rollback(context.Background())

	assert.ErrorIs(t, err, ErrRollbackFailed)
	assert.Equal(t, PhaseFailed, f.coordinator.Phase())
}

func TestPrepareFailsOnMigrationError(t *testing.T) {
	f := newCoordinatorFixture(t)
	f.ledger.applyErr = &MigrationExecutionError{Version: 1, Script: "up", Err: errors.New("bad ddl")}

	err := f.coordinator.Prepare(context.Background(), []Migration{{Version: 1}})
	assert.ErrorIs(t, err, ErrMigrationExecution)
	assert.Equal(t, PhaseFailed, f.coordinator.Phase())
}

func TestPrepareOnlyFromIdle(t *testing.T) {
	f := newCoordinatorFixture(t)
	f.toSyncing(t)

	err := f.coordinator.Prepare(context.Background(), nil)
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestStartSyncFailsOnInconsistentBackfill(t *testing.T) {
	f := newCoordinatorFixture(t)
	f.verifier.reports = []ConsistencyReport{
		{Table: "users", Consistent: false, Mismatched: []string{"7"}},
	}

	require.NoError(t, f.coordinator.Prepare(context.Background(), nil))
	err := f.coordinator.StartSync(context.Background())

	assert.ErrorIs(t, err, ErrVerification)
	assert.Equal(t, PhaseFailed, f.coordinator.Phase())
	assert.False(t, f.sync.running)
}

func TestStartSyncSeedsCheckpointFromReplication(t *testing.T) {
	f := newCoordinatorFixture(t)
	f.replication.checkpoint = 1234

	f.toSyncing(t)
	assert.Equal(t, int64(1234), f.sync.seeded)
}

func TestCleanupKeepsCaptureByDefault(t *testing.T) {
	f := newCoordinatorFixture(t)
	ctx := context.Background()
	f.toSyncing(t)

	f.sync.lag = Lag{Delay: 10 * time.Millisecond}
	switched, err := f.coordinator.Cutover(ctx, time.Second)
	require.NoError(t, err)
	require.True(t, switched)

	require.NoError(t, f.coordinator.Cleanup(ctx))
	assert.Equal(t, 0, f.replication.teardowns, "capture stays installed unless configured")
}

func TestCleanupRemovesCaptureWhenConfigured(t *testing.T) {
	f := newCoordinatorFixtureCfg(t, func(cfg *Config) {
		cfg.RemoveCaptureOnCleanup = true
	})
	ctx := context.Background()
	f.toSyncing(t)

	f.sync.lag = Lag{Delay: 10 * time.Millisecond}
	switched, err := f.coordinator.Cutover(ctx, time.Second)
	require.NoError(t, err)
	require.True(t, switched)

	require.NoError(t, f.coordinator.Cleanup(ctx))
	assert.Equal(t, 1, f.replication.teardowns)
	assert.Equal(t, 1, f.sync.stops)
}

func TestStartSyncFailsWhenReplicationNeverCatchesUp(t *testing.T) {
	f := newCoordinatorFixture(t)
	require.NoError(t, f.coordinator.Prepare(context.Background(), nil))

	f.replication.lag = InfiniteLag
	err := f.coordinator.StartSync(context.Background())

	require.Error(t, err)
	assert.Equal(t, PhaseFailed, f.coordinator.Phase())
	assert.False(t, f.sync.running)
}

func TestCleanupOnlyFromCutover(t *testing.T) {
	f := newCoordinatorFixture(t)
	f.toSyncing(t)

	err := f.coordinator.Cleanup(context.Background())
	assert.ErrorIs(t, err, ErrInvalidTransition)
	assert.Equal(t, 0, f.sync.stops)
}

func TestStatusSnapshotsHistory(t *testing.T) {
	f := newCoordinatorFixture(t)
	f.toSyncing(t)

	status := f.coordinator.Status()
	assert.Equal(t, PhaseSyncing, status.Phase)
	require.NotEmpty(t, status.History)
	assert.Equal(t, PhaseIdle, status.History[0].From)
	assert.Equal(t, PhasePreparing, status.History[0].To)
	last := status.History[len(status.History)-1]
	assert.Equal(t, PhaseSyncing, last.To)
	assert.False(t, last.At.IsZero())
}
