package bluegreen

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
	"gorm.io/gorm"

	"github.com/Maksumys/bluegreen-migrator/internal/models"
	"github.com/Maksumys/bluegreen-migrator/internal/repository"
)

// SyncStats is a snapshot of the engine's cumulative counters. Safe to
// read concurrently with ongoing ticks.
type SyncStats struct {
	RowsPropagated uint64
	Conflicts      uint64
	Unresolved     uint64
	Errors         uint64
	DriftChecks    uint64
	Drifted        uint64
	LastTick       time.Time
}

// SyncSession describes an active bidirectional sync. It exists only
// while the engine is running and is destroyed on stop.
type SyncSession struct {
	ID       uuid.UUID
	Tables   []string
	Interval time.Duration
	Policy   ConflictPolicy
}

// SyncEngine drives continuous bidirectional propagation of changes
// between the two sides during the overlap window. Both sides are read
// through the same change-capture mechanism used for replication; changes
// are applied to the opposite side inside a bounded transaction per
// batch.
type SyncEngine struct {
	source  *gorm.DB
	target  *gorm.DB
	capture ChangeCapture
	logger  zerolog.Logger
	limiter *rate.Limiter

	drift      Checker
	driftEvery time.Duration

	batchSize    int
	maxRetries   int
	retryBase    time.Duration
	batchTimeout time.Duration

	mu        sync.Mutex
	session   *SyncSession
	stats     SyncStats
	srcCursor int64
	tgtCursor int64
	lastDrift time.Time
	cancel    context.CancelFunc
	done      chan struct{}
}

type SyncOption func(*SyncEngine)

func WithSyncLogger(logger zerolog.Logger) SyncOption {
	return func(e *SyncEngine) {
		e.logger = logger
	}
}

// WithDriftChecker makes the engine re-verify table consistency every
// given interval while syncing. Drift found during the overlap window is
// counted and logged, never fatal: in-flight changes make transient
// differences normal.
func WithDriftChecker(checker Checker, every time.Duration) SyncOption {
	return func(e *SyncEngine) {
		e.drift = checker
		e.driftEvery = every
	}
}

// WithSourceCheckpoint seeds the source-side cursor, normally with the
// replication controller's checkpoint, so the handover neither loses nor
// re-ships changes.
func WithSourceCheckpoint(id int64) SyncOption {
	return func(e *SyncEngine) {
		e.srcCursor = id
	}
}

// SeedSourceCheckpoint sets the source cursor for the next session. A
// no-op while a session is active.
func (e *SyncEngine) SeedSourceCheckpoint(id int64) {
	e.mu.Lock()
	if e.session == nil {
		e.srcCursor = id
	}
	e.mu.Unlock()
}

func NewSyncEngine(source, target *gorm.DB, capture ChangeCapture, cfg Config, opts ...SyncOption) *SyncEngine {
	cfg = cfg.withDefaults()
	engine := &SyncEngine{
		source:       source,
		target:       target,
		capture:      capture,
		logger:       zerolog.New(os.Stderr).With().Timestamp().Str("component", "sync").Logger(),
		batchSize:    cfg.BatchSize,
		maxRetries:   cfg.MaxRetries,
		retryBase:    cfg.RetryBaseDelay,
		batchTimeout: 30 * time.Second,
		srcCursor:    -1,
		tgtCursor:    -1,
	}
	if cfg.SyncRateLimit > 0 {
		engine.limiter = rate.NewLimiter(cfg.SyncRateLimit, cfg.BatchSize)
	}
	for _, opt := range opts {
		opt(engine)
	}
	return engine
}

// Start begins the recurring sync cycle. It fails with ErrAlreadyRunning
// while a session is active.
func (e *SyncEngine) Start(ctx context.Context, tables []string, interval time.Duration, policy ConflictPolicy) error {
	if !policy.Valid() {
		return fmt.Errorf("sync: unknown conflict policy %q", policy)
	}
	e.mu.Lock()
	if e.session != nil {
		e.mu.Unlock()
		return ErrAlreadyRunning
	}
	session := &SyncSession{
		ID:       uuid.New(),
		Tables:   tables,
		Interval: interval,
		Policy:   policy,
	}
	e.session = session
	e.mu.Unlock()

	if err := e.capture.Install(ctx, e.source, tables); err != nil {
		e.clearSession()
		return &ReplicationError{Stage: "install", Err: err}
	}
	if err := e.capture.Install(ctx, e.target, tables); err != nil {
		e.clearSession()
		return &ReplicationError{Stage: "install", Err: err}
	}
	if !repository.HasConflictTable(e.target.WithContext(ctx)) {
		if err := repository.CreateConflictTable(e.target.WithContext(ctx)); err != nil {
			e.clearSession()
			return &ReplicationError{Stage: "install", Err: err}
		}
	}

	if err := e.seedCursors(ctx); err != nil {
		e.clearSession()
		return err
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	e.mu.Lock()
	e.cancel = cancel
	e.done = done
	e.mu.Unlock()

	e.logger.Info().
		Str("session", session.ID.String()).
		Strs("tables", tables).
		Dur("interval", interval).
		Str("policy", string(policy)).
		Msg("bidirectional sync started")

	go e.run(loopCtx, done, session)
	return nil
}

// seedCursors initializes any cursor not supplied by the caller to the
// current stream head, so sync only concerns itself with changes made
// from this point on.
func (e *SyncEngine) seedCursors(ctx context.Context) error {
	e.mu.Lock()
	src, tgt := e.srcCursor, e.tgtCursor
	e.mu.Unlock()

	if src < 0 {
		head, err := e.capture.Head(ctx, e.source)
		if err != nil {
			return &ReplicationError{Stage: "install", Err: err}
		}
		src = head
	}
	if tgt < 0 {
		head, err := e.capture.Head(ctx, e.target)
		if err != nil {
			return &ReplicationError{Stage: "install", Err: err}
		}
		tgt = head
	}

	e.mu.Lock()
	e.srcCursor, e.tgtCursor = src, tgt
	e.mu.Unlock()
	return nil
}

func (e *SyncEngine) run(ctx context.Context, done chan struct{}, session *SyncSession) {
	defer close(done)

	ticker := time.NewTicker(session.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		e.tick(ctx, session)
	}
}

// tick runs one sync cycle. The cycle itself runs under a bounded batch
// timeout independent of the loop context, so a stop request drains the
// in-flight cycle instead of aborting it mid-transaction.
func (e *SyncEngine) tick(loopCtx context.Context, session *SyncSession) {
	ctx, cancel := context.WithTimeout(context.Background(), e.batchTimeout)
	defer cancel()

	srcCursor, tgtCursor := e.cursors()

	sourceChanges, err := e.capture.Changes(ctx, e.source, session.Tables, srcCursor, e.batchSize)
	if err != nil {
		e.recordError(err, "pull source changes")
		return
	}
	targetChanges, err := e.capture.Changes(ctx, e.target, session.Tables, tgtCursor, e.batchSize)
	if err != nil {
		e.recordError(err, "pull target changes")
		return
	}
	if len(sourceChanges) == 0 && len(targetChanges) == 0 {
		e.touch()
		e.maybeCheckDrift(ctx, session)
		return
	}

	plan := planCycle(sourceChanges, targetChanges, session.Policy)

	propagated := 0
	srcAdvanced, tgtAdvanced := false, false
	if n, err := e.applyBatch(ctx, e.target, plan.toTarget); err != nil {
		e.recordError(err, "apply to target")
	} else {
		propagated += n
		e.setCursor(&e.srcCursor, lastID(sourceChanges))
		srcAdvanced = true
	}
	if n, err := e.applyBatch(ctx, e.source, plan.toSource); err != nil {
		e.recordError(err, "apply to source")
	} else {
		propagated += n
		e.setCursor(&e.tgtCursor, lastID(targetChanges))
		tgtAdvanced = true
	}

	// Conflicts are audited and counted only once a cursor has moved past
	// their events. When both applies fail the same conflicts are pulled
	// again next tick and would otherwise be recorded twice.
	conflicts, unresolved := 0, 0
	if srcAdvanced || tgtAdvanced {
		for _, conflict := range plan.conflicts {
			e.auditConflict(ctx, session.Policy, conflict)
		}
		conflicts = len(plan.conflicts)
		unresolved = plan.unresolved
	}

	e.mu.Lock()
	e.stats.RowsPropagated += uint64(propagated)
	e.stats.Conflicts += uint64(conflicts)
	e.stats.Unresolved += uint64(unresolved)
	e.stats.LastTick = time.Now()
	e.mu.Unlock()

	if conflicts > 0 {
		e.logger.Warn().
			Int("conflicts", conflicts).
			Int("unresolved", unresolved).
			Msg("conflicts detected this cycle")
	}

	e.maybeCheckDrift(ctx, session)
}

func (e *SyncEngine) maybeCheckDrift(ctx context.Context, session *SyncSession) {
	if e.drift == nil || e.driftEvery <= 0 {
		return
	}
	e.mu.Lock()
	due := time.Since(e.lastDrift) >= e.driftEvery
	if due {
		e.lastDrift = time.Now()
	}
	e.mu.Unlock()
	if !due {
		return
	}

	reports, err := e.drift.Verify(ctx, session.Tables)
	if err != nil {
		e.recordError(err, "drift check")
		return
	}
	drifted := 0
	for _, report := range reports {
		if !report.Consistent {
			drifted++
			e.logger.Warn().Str("table", report.Table).Msg("drift during overlap window")
		}
	}
	e.mu.Lock()
	e.stats.DriftChecks++
	e.stats.Drifted += uint64(drifted)
	e.mu.Unlock()
}

// applyBatch replays events against db inside one transaction, retried a
// bounded number of times. On exhaustion the batch is skipped and counted
// as a sync error; subsequent ticks continue.
func (e *SyncEngine) applyBatch(ctx context.Context, db *gorm.DB, events []models.ChangeEvent) (int, error) {
	if len(events) == 0 {
		return 0, nil
	}
	if e.limiter != nil {
		if err := e.limiter.WaitN(ctx, len(events)); err != nil {
			return 0, err
		}
	}
	err := retry(ctx, e.maxRetries, e.retryBase, func() error {
		for _, event := range events {
			if err := e.capture.Apply(ctx, db, event); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, &SyncBatchError{Count: len(events), Err: err}
	}
	return len(events), nil
}

// auditConflict persists the conflict to bluegreen_conflicts with both
// competing payloads. Unresolved rows are excluded from propagation and
// the cursors move past them; the engine never retries them. Settling
// one is an operator action: pick a payload from the audit row, apply it
// to the losing side, and mark the row resolved.
func (e *SyncEngine) auditConflict(ctx context.Context, policy ConflictPolicy, conflict rowConflict) {
	record := models.ConflictRecord{
		ID:         uuid.New(),
		Table:      conflict.table,
		RowKey:     conflict.key,
		SourceRow:  jsonOrNull(conflict.source.RowData),
		TargetRow:  jsonOrNull(conflict.target.RowData),
		Policy:     string(policy),
		Winner:     string(conflict.winner),
		Resolved:   conflict.resolved,
		DetectedAt: time.Now().UTC(),
	}
	if err := repository.SaveConflict(e.target.WithContext(ctx), &record); err != nil {
		e.recordError(err, "audit conflict")
	}
	if !conflict.resolved {
		e.logger.Error().
			Err(&ConflictUnresolvedError{Table: conflict.table, Key: conflict.key}).
			Msg("conflict escalated")
	}
}

// Stats returns a snapshot of cumulative counters.
func (e *SyncEngine) Stats() SyncStats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stats
}

// Session returns the active session, or nil when stopped.
func (e *SyncEngine) Session() *SyncSession {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.session == nil {
		return nil
	}
	session := *e.session
	return &session
}

// Running reports whether a sync session is active.
func (e *SyncEngine) Running() bool {
	return e.Session() != nil
}

// Lag measures the source-side backlog the engine has not yet shipped to
// the target. Queried on demand; used for the cutover decision.
func (e *SyncEngine) Lag(ctx context.Context) (Lag, error) {
	e.mu.Lock()
	session := e.session
	cursor := e.srcCursor
	e.mu.Unlock()
	if session == nil {
		return InfiniteLag, nil
	}
	backlog, err := e.capture.Pending(ctx, e.source, session.Tables, cursor)
	if err != nil {
		return InfiniteLag, &ReplicationError{Stage: "lag", Err: err}
	}
	return backlogLag(backlog), nil
}

// Stop halts the cycle, draining the in-flight tick before returning.
// Idempotent. The session is destroyed; cumulative stats survive.
func (e *SyncEngine) Stop(ctx context.Context) error {
	e.mu.Lock()
	cancel, done := e.cancel, e.done
	e.cancel, e.done = nil, nil
	e.mu.Unlock()

	if cancel == nil {
		e.clearSession()
		return nil
	}
	cancel()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	e.clearSession()
	e.logger.Info().Msg("bidirectional sync stopped")
	return nil
}

func (e *SyncEngine) clearSession() {
	e.mu.Lock()
	e.session = nil
	e.mu.Unlock()
}

func (e *SyncEngine) cursors() (int64, int64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.srcCursor, e.tgtCursor
}

func (e *SyncEngine) setCursor(cursor *int64, id int64) {
	e.mu.Lock()
	if id > *cursor {
		*cursor = id
	}
	e.mu.Unlock()
}

func (e *SyncEngine) recordError(err error, op string) {
	e.mu.Lock()
	e.stats.Errors++
	e.mu.Unlock()
	e.logger.Error().Err(err).Str("op", op).Msg("sync error")
}

func (e *SyncEngine) touch() {
	e.mu.Lock()
	e.stats.LastTick = time.Now()
	e.mu.Unlock()
}

func lastID(events []models.ChangeEvent) int64 {
	if len(events) == 0 {
		return 0
	}
	return events[len(events)-1].ID
}

func jsonOrNull(payload string) string {
	if payload == "" {
		return "null"
	}
	return payload
}
