package bluegreen

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Replicator is the coordinator's view of the replication controller.
type Replicator interface {
	Start(ctx context.Context) (ReplicationSession, error)
	MeasureLag(ctx context.Context) (Lag, error)
	Lag() Lag
	Stop(ctx context.Context) error
	Teardown(ctx context.Context) error
	Checkpoint() int64
	Session() ReplicationSession
}

// Synchronizer is the coordinator's view of the sync engine.
type Synchronizer interface {
	Start(ctx context.Context, tables []string, interval time.Duration, policy ConflictPolicy) error
	Lag(ctx context.Context) (Lag, error)
	Stop(ctx context.Context) error
	Stats() SyncStats
	Running() bool
}

// Checker is the coordinator's view of the consistency verifier.
type Checker interface {
	Verify(ctx context.Context, tables []string) ([]ConsistencyReport, error)
}

// SchemaLedger is the coordinator's view of the version ledger.
type SchemaLedger interface {
	Apply(ctx context.Context, m Migration) (MigrationRecord, error)
	CurrentVersion(ctx context.Context) (int64, error)
}

// Status is a snapshot of the migration episode.
type Status struct {
	Phase        Phase
	History      []Transition
	LagThreshold time.Duration
	Replication  ReplicationSession
	Sync         SyncStats
}

// Coordinator owns the migration episode: it sequences schema
// preparation, replication, bidirectional sync and the traffic switch,
// and it is the only writer of the episode's phase.
type Coordinator struct {
	replication  Replicator
	sync         Synchronizer
	verifier     Checker
	ledger       SchemaLedger
	sourceAccess AccessController
	targetAccess AccessController

	cfg    Config
	logger zerolog.Logger

	mu      sync.Mutex
	phase   Phase
	history []Transition
}

type CoordinatorOption func(*Coordinator)

func WithCoordinatorLogger(logger zerolog.Logger) CoordinatorOption {
	return func(c *Coordinator) {
		c.logger = logger
	}
}

func NewCoordinator(
	replication Replicator,
	sync Synchronizer,
	verifier Checker,
	ledger SchemaLedger,
	sourceAccess, targetAccess AccessController,
	cfg Config,
	opts ...CoordinatorOption,
) (*Coordinator, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	coordinator := &Coordinator{
		replication:  replication,
		sync:         sync,
		verifier:     verifier,
		ledger:       ledger,
		sourceAccess: sourceAccess,
		targetAccess: targetAccess,
		cfg:          cfg,
		logger:       zerolog.New(os.Stderr).With().Timestamp().Str("component", "coordinator").Logger(),
		phase:        PhaseIdle,
	}
	for _, opt := range opts {
		opt(coordinator)
	}
	return coordinator, nil
}

// Prepare applies the schema migrations to the target through the ledger
// and starts replication. On success the episode is in PhaseReplicating.
func (c *Coordinator) Prepare(ctx context.Context, migrations []Migration) error {
	if err := c.transition(PhasePreparing, "prepare requested"); err != nil {
		return err
	}

	for _, m := range migrations {
		if _, err := c.ledger.Apply(ctx, m); err != nil {
			c.toFailed(fmt.Sprintf("migration %d failed", m.Version))
			return err
		}
	}

	if _, err := c.replication.Start(ctx); err != nil {
		c.toFailed("replication start failed")
		return err
	}

	return c.transition(PhaseReplicating, "target prepared, replication streaming")
}

// StartSync blocks until replication has caught up (lag at or below the
// configured threshold) and the initial consistency verification passes,
// then hands propagation over to the bidirectional sync engine. The wait
// is cancellable; on success the episode is in PhaseSyncing.
func (c *Coordinator) StartSync(ctx context.Context) error {
	if phase := c.Phase(); phase != PhaseReplicating {
		return &TransitionError{From: phase, To: PhaseSyncing}
	}

	if err := c.awaitLag(ctx, c.cfg.LagThreshold, c.replication.MeasureLag); err != nil {
		c.toFailed("replication never caught up")
		return err
	}

	reports, err := c.verifier.Verify(ctx, c.cfg.Tables)
	if err != nil {
		c.toFailed("initial verification errored")
		return err
	}
	for _, report := range reports {
		if !report.Consistent {
			c.toFailed(fmt.Sprintf("table %s inconsistent after backfill", report.Table))
			return &VerificationError{
				Table: report.Table,
				Err:   fmt.Errorf("initial consistency check failed"),
			}
		}
	}

	// One-directional replication hands over to bidirectional sync from
	// its checkpoint; the two never run propagation concurrently.
	checkpoint := c.replication.Checkpoint()
	if err := c.replication.Stop(ctx); err != nil {
		c.toFailed("replication stop failed")
		return err
	}
	if seeder, ok := c.sync.(interface{ SeedSourceCheckpoint(int64) }); ok {
		seeder.SeedSourceCheckpoint(checkpoint)
	}

	if err := c.sync.Start(ctx, c.cfg.Tables, c.cfg.SyncInterval, c.cfg.ConflictPolicy); err != nil {
		c.toFailed("sync start failed")
		return err
	}

	return c.transition(PhaseSyncing, "replication caught up, bidirectional sync running")
}

// Cutover switches write authority from source to target. Lag is
// re-measured at the instant of decision; if it exceeds maxLag the call
// returns false with a CutoverRefusedError and the episode stays in
// PhaseSyncing. Any failure after the decision triggers automatic
// rollback before the error is surfaced.
func (c *Coordinator) Cutover(ctx context.Context, maxLag time.Duration) (bool, error) {
	if phase := c.Phase(); phase != PhaseSyncing {
		return false, &TransitionError{From: phase, To: PhaseCutoverInProgress}
	}

	lag, err := c.sync.Lag(ctx)
	if err != nil {
		return false, err
	}
	if lag.Infinite() || lag.Delay > maxLag {
		c.logger.Warn().
			Dur("lag", lag.Delay).
			Dur("budget", maxLag).
			Msg("cutover refused")
		return false, &CutoverRefusedError{Lag: lag.Delay, MaxLag: maxLag}
	}

	if err := c.transition(PhaseCutoverInProgress, "lag within budget"); err != nil {
		return false, err
	}

	if err := c.executeCutover(ctx); err != nil {
		c.logger.Error().Err(err).Msg("cutover failed, rolling back")
		if rbErr := c.Rollback(ctx); rbErr != nil {
			return false, rbErr
		}
		return false, err
	}

	if err := c.transition(PhaseCutover, "traffic verified on target"); err != nil {
		return false, err
	}
	c.logger.Info().Msg("cutover complete, target is authoritative")
	return true, nil
}

// executeCutover runs the switch as a strict two-phase handoff: the
// source freeze must be acknowledged before the target is ever opened, so
// no moment exists with both sides writable.
func (c *Coordinator) executeCutover(ctx context.Context) error {
	c.logger.Info().Msg("freezing writes on source")
	if err := c.sourceAccess.SetReadOnly(ctx, true); err != nil {
		return fmt.Errorf("freeze source: %w", err)
	}
	frozen, err := c.sourceAccess.ReadOnly(ctx)
	if err != nil {
		return fmt.Errorf("acknowledge source freeze: %w", err)
	}
	if !frozen {
		return fmt.Errorf("source freeze not acknowledged")
	}

	c.logger.Info().Msg("draining queued source writes")
	drainCtx, cancel := context.WithTimeout(ctx, c.cfg.DrainTimeout)
	defer cancel()
	if err := c.awaitDrained(drainCtx); err != nil {
		return fmt.Errorf("drain: %w", err)
	}

	// Re-verify right before opening the other side.
	lag, err := c.sync.Lag(ctx)
	if err != nil {
		return err
	}
	if lag.Bytes != 0 {
		return fmt.Errorf("drain re-verification found %d bytes of backlog", lag.Bytes)
	}

	c.logger.Info().Msg("opening writes on target")
	if err := c.targetAccess.SetReadOnly(ctx, false); err != nil {
		return fmt.Errorf("open target: %w", err)
	}

	c.logger.Info().Msg("verifying application traffic on target")
	delta, err := c.targetAccess.CommitDelta(ctx, c.cfg.TrafficVerifyWindow)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTrafficVerification, err)
	}
	if delta <= 0 {
		return fmt.Errorf("%w: no commits observed on target within %s",
			ErrTrafficVerification, c.cfg.TrafficVerifyWindow)
	}
	return nil
}

// Rollback reverses whichever cutover steps were taken and returns the
// episode to PhaseIdle with the source authoritative. Safe to invoke from
// any non-terminal state and idempotent: calling it when already rolled
// back is a no-op.
func (c *Coordinator) Rollback(ctx context.Context) error {
	c.mu.Lock()
	phase := c.phase
	if phase == PhaseIdle {
		c.mu.Unlock()
		return nil
	}
	if phase.Terminal() {
		c.mu.Unlock()
		return &TransitionError{From: phase, To: PhaseRollingBack}
	}
	if phase != PhaseRollingBack {
		c.record(PhaseRollingBack, "rollback requested")
	}
	c.mu.Unlock()

	c.logger.Warn().Str("from", string(phase)).Msg("rolling back to source")

	if c.sync.Running() {
		if err := c.sync.Stop(ctx); err != nil {
			return c.rollbackFailed(phase, fmt.Errorf("stop sync: %w", err))
		}
	}
	if err := c.replication.Stop(ctx); err != nil {
		return c.rollbackFailed(phase, fmt.Errorf("stop replication: %w", err))
	}

	// Freeze target first, then restore the source: the handoff ordering
	// holds in reverse too.
	if err := c.targetAccess.SetReadOnly(ctx, true); err != nil {
		return c.rollbackFailed(phase, fmt.Errorf("freeze target: %w", err))
	}
	if err := c.sourceAccess.SetReadOnly(ctx, false); err != nil {
		return c.rollbackFailed(phase, fmt.Errorf("restore source writes: %w", err))
	}
	readOnly, err := c.sourceAccess.ReadOnly(ctx)
	if err != nil {
		return c.rollbackFailed(phase, fmt.Errorf("acknowledge source restore: %w", err))
	}
	if readOnly {
		return c.rollbackFailed(phase, fmt.Errorf("source still read-only after restore"))
	}

	if err := c.transition(PhaseIdle, "rolled back, source authoritative"); err != nil {
		return err
	}
	c.logger.Info().Msg("rollback complete")
	return nil
}

func (c *Coordinator) rollbackFailed(from Phase, cause error) error {
	c.toFailed("rollback failed: " + cause.Error())
	wrapped := &RollbackError{Phase: from, Err: cause}
	c.logger.Error().Err(wrapped).Msg("rollback failed, operator intervention required")
	return wrapped
}

// Cleanup stops the sync engine and the replication controller after a
// successful cutover. With RemoveCaptureOnCleanup set the capture
// triggers are also dropped from the source. The source dataset is never
// deleted here; that is an explicit, separate operation.
func (c *Coordinator) Cleanup(ctx context.Context) error {
	if phase := c.Phase(); phase != PhaseCutover {
		return &TransitionError{From: phase, To: PhaseCutover}
	}
	if err := c.sync.Stop(ctx); err != nil {
		return err
	}
	if c.cfg.RemoveCaptureOnCleanup {
		if err := c.replication.Teardown(ctx); err != nil {
			return err
		}
	} else if err := c.replication.Stop(ctx); err != nil {
		return err
	}
	c.logger.Info().Msg("cleanup complete, source retained")
	return nil
}

// Status returns a point-in-time snapshot of the episode.
func (c *Coordinator) Status() Status {
	c.mu.Lock()
	history := make([]Transition, len(c.history))
	copy(history, c.history)
	phase := c.phase
	c.mu.Unlock()

	return Status{
		Phase:        phase,
		History:      history,
		LagThreshold: c.cfg.LagThreshold,
		Replication:  c.replication.Session(),
		Sync:         c.sync.Stats(),
	}
}

// Phase returns the current phase.
func (c *Coordinator) Phase() Phase {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.phase
}

// awaitLag polls measure until the delay is at or below threshold, the
// context is cancelled, or the catch-up budget expires.
func (c *Coordinator) awaitLag(ctx context.Context, threshold time.Duration, measure func(context.Context) (Lag, error)) error {
	deadline := time.NewTimer(c.cfg.CatchUpTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()

	for {
		lag, err := measure(ctx)
		if err != nil {
			return err
		}
		if !lag.Infinite() && lag.Delay <= threshold {
			return nil
		}
		c.logger.Info().Dur("lag", lag.Delay).Int64("bytes", lag.Bytes).Msg("waiting for catch-up")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			return fmt.Errorf("catch-up wait expired after %s", c.cfg.CatchUpTimeout)
		case <-ticker.C:
		}
	}
}

func (c *Coordinator) awaitDrained(ctx context.Context) error {
	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()

	for {
		lag, err := c.sync.Lag(ctx)
		if err != nil {
			return err
		}
		if !lag.Infinite() && lag.Bytes == 0 {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// transition moves the state machine, refusing anything the table does
// not allow.
func (c *Coordinator) transition(to Phase, reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.phase.CanTransition(to) {
		return &TransitionError{From: c.phase, To: to}
	}
	c.record(to, reason)
	return nil
}

// record appends the history entry. Caller holds c.mu.
func (c *Coordinator) record(to Phase, reason string) {
	c.history = append(c.history, Transition{
		From:   c.phase,
		To:     to,
		Reason: reason,
		At:     time.Now(),
	})
	c.logger.Info().
		Str("from", string(c.phase)).
		Str("to", string(to)).
		Str("reason", reason).
		Msg("phase transition")
	c.phase = to
}

func (c *Coordinator) toFailed(reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.phase.CanTransition(PhaseFailed) {
		c.record(PhaseFailed, reason)
	}
}
