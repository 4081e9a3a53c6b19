package bluegreen

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrVersionConflict        = errors.New("migration version conflict")
	ErrUnknownVersion         = errors.New("unknown migration version")
	ErrChecksumMismatch       = errors.New("migration checksum mismatch")
	ErrMigrationExecution     = errors.New("migration execution failed")
	ErrReplicationSetup       = errors.New("replication setup failed")
	ErrReplicationStream      = errors.New("replication stream failed")
	ErrVerification           = errors.New("consistency verification failed")
	ErrSyncConflictUnresolved = errors.New("sync conflict unresolved")
	ErrSyncBatch              = errors.New("sync batch failed")
	ErrAlreadyRunning         = errors.New("sync engine already running")
	ErrCutoverRefused         = errors.New("cutover refused")
	ErrTrafficVerification    = errors.New("traffic verification failed")
	ErrRollbackFailed         = errors.New("rollback failed")
	ErrInvalidTransition      = errors.New("invalid phase transition")
)

// VersionConflictError is returned when a migration version does not
// continue the applied sequence, or a rollback targets anything but the
// highest applied version.
type VersionConflictError struct {
	Requested int64
	Current   int64
}

func (e *VersionConflictError) Error() string {
	return fmt.Sprintf("version conflict: requested %d, current %d (next applicable is %d)",
		e.Requested, e.Current, e.Current+1)
}

func (e *VersionConflictError) Unwrap() error { return ErrVersionConflict }

// ChecksumMismatchError reports that the scripts stored for a migration no
// longer hash to the checksum recorded when it was applied. The scripts
// were tampered with after the fact; nothing is executed.
type ChecksumMismatchError struct {
	Version  int64
	Stored   string
	Computed string
}

func (e *ChecksumMismatchError) Error() string {
	return fmt.Sprintf("checksum mismatch for version %d: stored %s, computed %s",
		e.Version, e.Stored, e.Computed)
}

func (e *ChecksumMismatchError) Unwrap() error { return ErrChecksumMismatch }

// UnknownVersionError is returned for operations on a version the ledger
// has no record of.
type UnknownVersionError struct {
	Version int64
}

func (e *UnknownVersionError) Error() string {
	return fmt.Sprintf("no ledger record for version %d", e.Version)
}

func (e *UnknownVersionError) Unwrap() error { return ErrUnknownVersion }

// MigrationExecutionError carries the failure of an up or down script,
// including the outcome of the automatic restore attempt.
type MigrationExecutionError struct {
	Version    int64
	Script     string // "up" or "down"
	Err        error
	RestoreErr error // non-nil if the compensating down script also failed
}

func (e *MigrationExecutionError) Error() string {
	if e.RestoreErr != nil {
		return fmt.Sprintf("migration %d: %s script failed: %v (restore also failed: %v)",
			e.Version, e.Script, e.Err, e.RestoreErr)
	}
	return fmt.Sprintf("migration %d: %s script failed: %v", e.Version, e.Script, e.Err)
}

func (e *MigrationExecutionError) Unwrap() error { return ErrMigrationExecution }

// ReplicationError wraps a replication failure with the stage it occurred
// in ("install", "backfill", "apply", "lag").
type ReplicationError struct {
	Stage string
	Err   error
}

func (e *ReplicationError) Error() string {
	return fmt.Sprintf("replication %s: %v", e.Stage, e.Err)
}

func (e *ReplicationError) Unwrap() error {
	if e.Stage == "install" {
		return ErrReplicationSetup
	}
	return ErrReplicationStream
}

// VerificationError reports an infrastructure failure during consistency
// verification. Data mismatches are never errors; they are reported in
// ConsistencyReport.
type VerificationError struct {
	Table string
	Err   error
}

func (e *VerificationError) Error() string {
	return fmt.Sprintf("verification of %q: %v", e.Table, e.Err)
}

func (e *VerificationError) Unwrap() error { return ErrVerification }

// ConflictUnresolvedError identifies a row whose concurrent modifications
// could not be settled by the configured policy. The row is excluded from
// propagation until an operator resolves it.
type ConflictUnresolvedError struct {
	Table string
	Key   string
}

func (e *ConflictUnresolvedError) Error() string {
	return fmt.Sprintf("unresolved conflict on %s key %s", e.Table, e.Key)
}

func (e *ConflictUnresolvedError) Unwrap() error { return ErrSyncConflictUnresolved }

// SyncBatchError reports a batch whose application kept failing past the
// retry budget. The batch is skipped; ticks continue.
type SyncBatchError struct {
	Count int
	Err   error
}

func (e *SyncBatchError) Error() string {
	return fmt.Sprintf("sync batch of %d changes failed: %v", e.Count, e.Err)
}

func (e *SyncBatchError) Unwrap() error { return ErrSyncBatch }

// CutoverRefusedError is returned when the lag measured at the instant of
// the cutover decision exceeds the caller's budget. The episode stays in
// PhaseSyncing.
type CutoverRefusedError struct {
	Lag    time.Duration
	MaxLag time.Duration
}

func (e *CutoverRefusedError) Error() string {
	return fmt.Sprintf("cutover refused: lag %s exceeds budget %s", e.Lag, e.MaxLag)
}

func (e *CutoverRefusedError) Unwrap() error { return ErrCutoverRefused }

// TransitionError reports a phase transition the state machine does not
// allow.
type TransitionError struct {
	From Phase
	To   Phase
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("cannot transition from %s to %s", e.From, e.To)
}

func (e *TransitionError) Unwrap() error { return ErrInvalidTransition }

// RollbackError is the most severe failure mode: the rollback path itself
// failed and both sides may be left partially writable. Requires operator
// intervention.
type RollbackError struct {
	Phase Phase
	Err   error
}

func (e *RollbackError) Error() string {
	return fmt.Sprintf("rollback from %s failed: %v", e.Phase, e.Err)
}

func (e *RollbackError) Unwrap() error { return ErrRollbackFailed }
