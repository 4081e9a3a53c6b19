package bluegreen

import (
	"context"
	"math"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/Maksumys/bluegreen-migrator/internal/models"
	"github.com/Maksumys/bluegreen-migrator/internal/repository"
)

// ReplicationStatus is the lifecycle state of a replication session.
type ReplicationStatus string

const (
	ReplicationInactive  ReplicationStatus = "inactive"
	ReplicationStarting  ReplicationStatus = "starting"
	ReplicationStreaming ReplicationStatus = "streaming"
	ReplicationStopped   ReplicationStatus = "stopped"
	ReplicationFailed    ReplicationStatus = "failed"
)

// Lag is the measured delay between a change committed on the source and
// its visibility on the target.
type Lag struct {
	Delay time.Duration
	Bytes int64
}

// InfiniteLag is returned whenever no streaming session can vouch for the
// backlog.
var InfiniteLag = Lag{Delay: time.Duration(math.MaxInt64), Bytes: math.MaxInt64}

// Infinite reports whether the lag is the no-measurement sentinel.
func (l Lag) Infinite() bool {
	return l.Delay == time.Duration(math.MaxInt64)
}

// ReplicationSession is the published state of the controller. Mutated
// only by the controller; read by the coordinator and the verifier.
type ReplicationSession struct {
	StreamID  uuid.UUID
	Status    ReplicationStatus
	Lag       Lag
	LastError error
}

// ReplicationController establishes one-directional change streaming from
// source to target: a backfill pass over pre-existing rows followed by a
// continuous apply loop over captured changes.
type ReplicationController struct {
	source  *gorm.DB
	target  *gorm.DB
	capture ChangeCapture
	tables  []string
	logger  zerolog.Logger

	poll       time.Duration
	batchSize  int
	maxRetries int
	retryBase  time.Duration

	mu      sync.Mutex
	session ReplicationSession
	cursor  int64
	cancel  context.CancelFunc
	done    chan struct{}
}

type ReplicationOption func(*ReplicationController)

func WithReplicationLogger(logger zerolog.Logger) ReplicationOption {
	return func(c *ReplicationController) {
		c.logger = logger
	}
}

func NewReplicationController(source, target *gorm.DB, capture ChangeCapture, cfg Config, opts ...ReplicationOption) *ReplicationController {
	cfg = cfg.withDefaults()
	controller := &ReplicationController{
		source:     source,
		target:     target,
		capture:    capture,
		tables:     cfg.Tables,
		logger:     zerolog.New(os.Stderr).With().Timestamp().Str("component", "replication").Logger(),
		poll:       cfg.PollInterval,
		batchSize:  cfg.BatchSize,
		maxRetries: cfg.MaxRetries,
		retryBase:  cfg.RetryBaseDelay,
		session:    ReplicationSession{Status: ReplicationInactive, Lag: InfiniteLag},
	}
	for _, opt := range opts {
		opt(controller)
	}
	return controller
}

// Start installs change capture on the source, backfills pre-existing
// rows into the target and launches the apply loop. Calling Start while
// already streaming is a no-op returning the current session.
func (c *ReplicationController) Start(ctx context.Context) (ReplicationSession, error) {
	c.mu.Lock()
	if c.session.Status == ReplicationStreaming || c.session.Status == ReplicationStarting {
		session := c.session
		c.mu.Unlock()
		return session, nil
	}
	c.session = ReplicationSession{
		StreamID: uuid.New(),
		Status:   ReplicationStarting,
		Lag:      InfiniteLag,
	}
	session := c.session
	c.mu.Unlock()

	c.logger.Info().Str("stream", session.StreamID.String()).Msg("installing change capture")

	if err := c.capture.Install(ctx, c.source, c.tables); err != nil {
		wrapped := &ReplicationError{Stage: "install", Err: err}
		c.fail(wrapped)
		return c.Session(), wrapped
	}

	if err := c.backfill(ctx); err != nil {
		wrapped := &ReplicationError{Stage: "backfill", Err: err}
		c.fail(wrapped)
		return c.Session(), wrapped
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	c.mu.Lock()
	c.session.Status = ReplicationStreaming
	c.cancel = cancel
	c.done = done
	session = c.session
	c.mu.Unlock()

	c.logger.Info().Str("stream", session.StreamID.String()).Msg("streaming")
	go c.run(loopCtx, done)

	return session, nil
}

// backfill copies rows that existed before capture was installed. Capture
// is installed first, so writes landing mid-backfill are shipped by the
// apply loop afterwards; the delete-before-insert replay keeps that
// convergent.
func (c *ReplicationController) backfill(ctx context.Context) error {
	for _, table := range c.tables {
		key, err := repository.PrimaryKeyColumn(c.source.WithContext(ctx), table)
		if err != nil {
			return err
		}

		copied := 0
		afterKey := ""
		for {
			if err := ctx.Err(); err != nil {
				return err
			}
			rows, last, err := repository.CopyTablePage(c.source.WithContext(ctx), table, key, afterKey, c.batchSize)
			if err != nil {
				return err
			}
			if len(rows) == 0 {
				break
			}
			if err := repository.InsertCopiedRows(c.target.WithContext(ctx), table, rows); err != nil {
				return err
			}
			copied += len(rows)
			afterKey = last
		}
		c.logger.Info().Str("table", table).Int("rows", copied).Msg("backfill complete")
	}
	return nil
}

func (c *ReplicationController) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(c.poll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if err := c.shipOnce(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			c.fail(&ReplicationError{Stage: "apply", Err: err})
			return
		}
	}
}

// shipOnce drains one batch of captured changes to the target and
// refreshes the lag measurement. Transient failures are retried with
// bounded exponential backoff before being surfaced.
func (c *ReplicationController) shipOnce(ctx context.Context) error {
	cursor := c.checkpoint()

	var batch []models.ChangeEvent
	err := retry(ctx, c.maxRetries, c.retryBase, func() error {
		var fetchErr error
		batch, fetchErr = c.capture.Changes(ctx, c.source, c.tables, cursor, c.batchSize)
		return fetchErr
	})
	if err != nil {
		return err
	}
	for _, event := range batch {
		applyErr := retry(ctx, c.maxRetries, c.retryBase, func() error {
			return c.capture.Apply(ctx, c.target, event)
		})
		if applyErr != nil {
			return applyErr
		}
		cursor = event.ID
		c.setCheckpoint(cursor)
	}

	backlog, err := c.capture.Pending(ctx, c.source, c.tables, cursor)
	if err != nil {
		return err
	}
	c.setLag(backlogLag(backlog))
	return nil
}

// Lag returns the most recent measured lag. It never blocks: outside of a
// streaming session the InfiniteLag sentinel is returned.
func (c *ReplicationController) Lag() Lag {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session.Status != ReplicationStreaming {
		return InfiniteLag
	}
	return c.session.Lag
}

// MeasureLag queries the backlog right now instead of returning the
// cached value. Used by the coordinator at the instant of the cutover
// decision.
func (c *ReplicationController) MeasureLag(ctx context.Context) (Lag, error) {
	c.mu.Lock()
	streaming := c.session.Status == ReplicationStreaming
	cursor := c.cursor
	c.mu.Unlock()
	if !streaming {
		return InfiniteLag, nil
	}
	backlog, err := c.capture.Pending(ctx, c.source, c.tables, cursor)
	if err != nil {
		return InfiniteLag, &ReplicationError{Stage: "lag", Err: err}
	}
	lag := backlogLag(backlog)
	c.setLag(lag)
	return lag, nil
}

// Stop tears down the apply loop. Idempotent. Capture triggers stay in
// place; removing them is part of decommissioning the source.
func (c *ReplicationController) Stop(ctx context.Context) error {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.cancel, c.done = nil, nil
	if c.session.Status == ReplicationStreaming || c.session.Status == ReplicationStarting {
		c.session.Status = ReplicationStopped
		c.session.Lag = InfiniteLag
	}
	c.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	c.logger.Info().Msg("replication stopped")
	return nil
}

// Teardown stops the stream and removes capture from the source.
func (c *ReplicationController) Teardown(ctx context.Context) error {
	if err := c.Stop(ctx); err != nil {
		return err
	}
	return c.capture.Remove(ctx, c.source, c.tables)
}

// Session returns a snapshot of the published session state.
func (c *ReplicationController) Session() ReplicationSession {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

// Checkpoint is the changelog id of the last change applied to the
// target. The sync engine continues from it so nothing is lost or shipped
// twice across the handover.
func (c *ReplicationController) Checkpoint() int64 {
	return c.checkpoint()
}

func (c *ReplicationController) checkpoint() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cursor
}

func (c *ReplicationController) setCheckpoint(cursor int64) {
	c.mu.Lock()
	c.cursor = cursor
	c.mu.Unlock()
}

func (c *ReplicationController) setLag(lag Lag) {
	c.mu.Lock()
	c.session.Lag = lag
	c.mu.Unlock()
}

func (c *ReplicationController) fail(err error) {
	c.mu.Lock()
	c.session.Status = ReplicationFailed
	c.session.LastError = err
	c.session.Lag = InfiniteLag
	c.mu.Unlock()
	c.logger.Error().Err(err).Msg("replication failed")
}

func backlogLag(backlog Backlog) Lag {
	lag := Lag{Bytes: backlog.Bytes}
	if backlog.Oldest > 0 {
		lag.Delay = time.Since(time.Unix(0, backlog.Oldest))
		if lag.Delay < 0 {
			lag.Delay = 0
		}
	}
	return lag
}

// retry runs fn up to attempts times with exponential backoff starting at
// base. The wait is cancellable; the last error is returned on
// exhaustion.
func retry(ctx context.Context, attempts int, base time.Duration, fn func() error) error {
	var err error
	delay := base
	for attempt := 0; attempt < attempts; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		if attempt == attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	return err
}
