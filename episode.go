package bluegreen

import (
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// MigrationEpisode bundles the fully wired component set for one
// blue/green migration: ledger on the target, replication and sync
// between the sides, verifier across them, and the coordinator on top.
// It is a facade; each component is also usable on its own.
type MigrationEpisode struct {
	Source *gorm.DB
	Target *gorm.DB

	Ledger      *VersionLedger
	Replication *ReplicationController
	Sync        *SyncEngine
	Verifier    *Verifier
	Coordinator *Coordinator
}

type EpisodeOption func(*episodeSettings)

type episodeSettings struct {
	logger  zerolog.Logger
	capture ChangeCapture
}

func WithEpisodeLogger(logger zerolog.Logger) EpisodeOption {
	return func(s *episodeSettings) {
		s.logger = logger
	}
}

// WithChangeCapture swaps the capture primitive, e.g. for a log-shipping
// implementation. Defaults to trigger capture.
func WithChangeCapture(capture ChangeCapture) EpisodeOption {
	return func(s *episodeSettings) {
		s.capture = capture
	}
}

// NewMigrationEpisode opens both databases and wires every component for
// one source/target pair. Each component receives its own connection
// handle so transactions never interfere across components.
func NewMigrationEpisode(sourceDSN, targetDSN string, cfg Config, opts ...EpisodeOption) (*MigrationEpisode, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	settings := episodeSettings{
		logger:  zerolog.New(os.Stderr).With().Timestamp().Logger(),
		capture: NewTriggerCapture(),
	}
	for _, opt := range opts {
		opt(&settings)
	}

	source, err := openDB(sourceDSN)
	if err != nil {
		return nil, fmt.Errorf("open source: %w", err)
	}
	target, err := openDB(targetDSN)
	if err != nil {
		return nil, fmt.Errorf("open target: %w", err)
	}

	component := func(name string) zerolog.Logger {
		return settings.logger.With().Str("component", name).Logger()
	}

	ledger := NewVersionLedger(target, WithLedgerLogger(component("ledger")))
	replication := NewReplicationController(source, target, settings.capture, cfg,
		WithReplicationLogger(component("replication")))
	verifier := NewVerifier(source, target, cfg,
		WithVerifierLogger(component("verifier")))

	syncOpts := []SyncOption{WithSyncLogger(component("sync"))}
	if cfg.DriftCheckInterval > 0 {
		syncOpts = append(syncOpts, WithDriftChecker(verifier, cfg.DriftCheckInterval))
	}
	syncEngine := NewSyncEngine(source, target, settings.capture, cfg, syncOpts...)

	sourceAccess, err := NewDatabaseAccess(source)
	if err != nil {
		return nil, fmt.Errorf("source access: %w", err)
	}
	targetAccess, err := NewDatabaseAccess(target)
	if err != nil {
		return nil, fmt.Errorf("target access: %w", err)
	}

	coordinator, err := NewCoordinator(
		replication, syncEngine, verifier, ledger,
		sourceAccess, targetAccess, cfg,
		WithCoordinatorLogger(component("coordinator")),
	)
	if err != nil {
		return nil, err
	}

	return &MigrationEpisode{
		Source:      source,
		Target:      target,
		Ledger:      ledger,
		Replication: replication,
		Sync:        syncEngine,
		Verifier:    verifier,
		Coordinator: coordinator,
	}, nil
}

func openDB(dsn string) (*gorm.DB, error) {
	return gorm.Open(postgres.New(postgres.Config{
		DSN:                  dsn,
		PreferSimpleProtocol: true,
	}), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
}
