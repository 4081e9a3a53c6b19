package bluegreen

import (
	"errors"
	"fmt"
	"time"

	"golang.org/x/time/rate"
)

// Config enumerates every knob the migration episode recognizes. Unknown
// options cannot exist: there is no loose map behind this struct. Zero
// values are filled in by withDefaults, so callers only set what they
// care about.
type Config struct {
	// Tables is the set of tables replicated, synchronized and verified.
	Tables []string

	// SyncInterval is the bidirectional sync tick period.
	SyncInterval time.Duration

	// LagThreshold gates the Replicating -> Syncing transition.
	LagThreshold time.Duration

	// ConflictPolicy settles rows modified on both sides within one tick.
	ConflictPolicy ConflictPolicy

	// DriftCheckInterval is how often the sync engine re-verifies table
	// consistency during the overlap window. 0 disables drift checks.
	DriftCheckInterval time.Duration

	// SampleSize bounds the number of keys examined when a table fails
	// the count or checksum comparison.
	SampleSize int

	// SampleSeed makes key sampling reproducible: keys are ordered by
	// md5(key || seed), so the same seed inspects the same rows.
	SampleSeed string

	// SampleTolerance stops difference classification once this many
	// differing keys have been collected for a table. 0 means no cap.
	SampleTolerance int

	// PollInterval is the replication lag measurement period.
	PollInterval time.Duration

	// BatchSize bounds rows moved per backfill page and per sync batch.
	BatchSize int

	// MaxRetries bounds retry attempts for transient infrastructure
	// failures before they are surfaced.
	MaxRetries int

	// RetryBaseDelay is the first backoff step; it doubles per attempt.
	RetryBaseDelay time.Duration

	// SyncRateLimit throttles propagated rows per second. 0 disables
	// throttling.
	SyncRateLimit rate.Limit

	// CatchUpTimeout bounds the wait for replication to catch up before
	// bidirectional sync takes over. Expiry fails the episode.
	CatchUpTimeout time.Duration

	// DrainTimeout bounds the wait for queued source writes to reach the
	// target during cutover. Expiry triggers rollback.
	DrainTimeout time.Duration

	// TrafficVerifyWindow is how long cutover watches the target's commit
	// counter before deciding the application really moved its writes.
	TrafficVerifyWindow time.Duration

	// RemoveCaptureOnCleanup drops the capture triggers from the source
	// during Cleanup. Off by default: decommissioning the source is an
	// explicit, separate operation.
	RemoveCaptureOnCleanup bool
}

// DefaultConfig returns the configuration used when an option is left at
// its zero value.
func DefaultConfig() Config {
	return Config{
		SyncInterval:        time.Second,
		LagThreshold:        time.Second,
		ConflictPolicy:      LastWriteWins,
		SampleSize:          1000,
		SampleSeed:          "bluegreen",
		PollInterval:        time.Second,
		BatchSize:           500,
		MaxRetries:          5,
		RetryBaseDelay:      100 * time.Millisecond,
		CatchUpTimeout:      15 * time.Minute,
		DrainTimeout:        5 * time.Minute,
		TrafficVerifyWindow: 5 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.SyncInterval <= 0 {
		c.SyncInterval = def.SyncInterval
	}
	if c.LagThreshold <= 0 {
		c.LagThreshold = def.LagThreshold
	}
	if c.ConflictPolicy == "" {
		c.ConflictPolicy = def.ConflictPolicy
	}
	if c.SampleSize <= 0 {
		c.SampleSize = def.SampleSize
	}
	if c.SampleSeed == "" {
		c.SampleSeed = def.SampleSeed
	}
	if c.PollInterval <= 0 {
		c.PollInterval = def.PollInterval
	}
	if c.BatchSize <= 0 {
		c.BatchSize = def.BatchSize
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = def.MaxRetries
	}
	if c.RetryBaseDelay <= 0 {
		c.RetryBaseDelay = def.RetryBaseDelay
	}
	if c.CatchUpTimeout <= 0 {
		c.CatchUpTimeout = def.CatchUpTimeout
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = def.DrainTimeout
	}
	if c.TrafficVerifyWindow <= 0 {
		c.TrafficVerifyWindow = def.TrafficVerifyWindow
	}
	return c
}

// Validate rejects configurations that cannot drive a migration episode.
func (c Config) Validate() error {
	if len(c.Tables) == 0 {
		return errors.New("config: at least one table is required")
	}
	for _, t := range c.Tables {
		if t == "" {
			return errors.New("config: empty table name")
		}
	}
	if c.ConflictPolicy != "" && !c.ConflictPolicy.Valid() {
		return fmt.Errorf("config: unknown conflict policy %q", c.ConflictPolicy)
	}
	if c.SampleTolerance < 0 {
		return errors.New("config: sample tolerance must not be negative")
	}
	if c.SyncRateLimit < 0 {
		return errors.New("config: sync rate limit must not be negative")
	}
	return nil
}
