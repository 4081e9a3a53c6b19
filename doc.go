// Package bluegreen coordinates a zero-downtime cutover between two copies
// of a relational dataset: an active "blue" (source) instance and a newly
// prepared "green" (target) instance.
//
// The package is built from five pieces. VersionLedger records applied
// schema changes and their reversal scripts in the target database.
// ReplicationController backfills the target and ships captured changes
// one way, source to target. Verifier compares both datasets table by
// table. SyncEngine keeps both sides converged while writes may land on
// either of them. Coordinator ties the four together behind an explicit
// state machine and owns the traffic switch and the rollback path.
//
// CLI wiring and provisioning are deliberately left to the caller: the
// component constructors take ready *gorm.DB handles, and
// NewMigrationEpisode wires the whole set from a pair of connection
// strings.
package bluegreen
