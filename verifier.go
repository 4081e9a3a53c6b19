package bluegreen

import (
	"context"
	"os"
	"sort"

	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/Maksumys/bluegreen-migrator/internal/repository"
)

// ConsistencyReport is the outcome of verifying one table. It is produced
// fresh on every verification call and never mutated afterwards.
//
// Consistent is decided by row counts and the aggregate checksum alone.
// The difference buckets come from a bounded key sample and only explain
// an inconsistency; they never influence the verdict.
type ConsistencyReport struct {
	Table          string
	Consistent     bool
	SourceRows     int64
	TargetRows     int64
	SourceChecksum int64
	TargetChecksum int64

	Sampled         bool
	MissingInTarget []string
	MissingInSource []string
	Mismatched      []string
}

// Verifier compares two datasets table by table: row counts first, then
// an order-independent aggregate checksum, and only on mismatch a sampled
// classification of differing keys. Data mismatches are reports, not
// errors.
type Verifier struct {
	source *gorm.DB
	target *gorm.DB
	logger zerolog.Logger

	sampleSize int
	seed       string
	tolerance  int
}

type VerifierOption func(*Verifier)

func WithVerifierLogger(logger zerolog.Logger) VerifierOption {
	return func(v *Verifier) {
		v.logger = logger
	}
}

func NewVerifier(source, target *gorm.DB, cfg Config, opts ...VerifierOption) *Verifier {
	cfg = cfg.withDefaults()
	verifier := &Verifier{
		source:     source,
		target:     target,
		logger:     zerolog.New(os.Stderr).With().Timestamp().Str("component", "verifier").Logger(),
		sampleSize: cfg.SampleSize,
		seed:       cfg.SampleSeed,
		tolerance:  cfg.SampleTolerance,
	}
	for _, opt := range opts {
		opt(verifier)
	}
	return verifier
}

// Verify produces one report per named table. Only infrastructure
// failures return an error; any returned error wraps ErrVerification.
func (v *Verifier) Verify(ctx context.Context, tables []string) ([]ConsistencyReport, error) {
	reports := make([]ConsistencyReport, 0, len(tables))
	for _, table := range tables {
		report, err := v.verifyTable(ctx, table)
		if err != nil {
			return nil, &VerificationError{Table: table, Err: err}
		}
		reports = append(reports, report)
	}

	consistent := 0
	for _, r := range reports {
		if r.Consistent {
			consistent++
		}
	}
	v.logger.Info().
		Int("consistent", consistent).
		Int("total", len(reports)).
		Msg("verification finished")

	return reports, nil
}

func (v *Verifier) verifyTable(ctx context.Context, table string) (ConsistencyReport, error) {
	report := ConsistencyReport{Table: table}

	sourceDB := v.source.WithContext(ctx)
	targetDB := v.target.WithContext(ctx)

	var err error
	if report.SourceRows, err = repository.RowCount(sourceDB, table); err != nil {
		return report, err
	}
	if report.TargetRows, err = repository.RowCount(targetDB, table); err != nil {
		return report, err
	}

	if report.SourceRows == report.TargetRows {
		if report.SourceChecksum, err = repository.TableChecksum(sourceDB, table); err != nil {
			return report, err
		}
		if report.TargetChecksum, err = repository.TableChecksum(targetDB, table); err != nil {
			return report, err
		}
		if report.SourceChecksum == report.TargetChecksum {
			report.Consistent = true
			v.logger.Debug().Str("table", table).Msg("table consistent")
			return report, nil
		}
	}

	// The table diverged; sample keys to explain how.
	if err := v.sampleDifferences(ctx, table, &report); err != nil {
		return report, err
	}

	v.logger.Warn().
		Str("table", table).
		Int64("source_rows", report.SourceRows).
		Int64("target_rows", report.TargetRows).
		Int("missing_in_target", len(report.MissingInTarget)).
		Int("missing_in_source", len(report.MissingInSource)).
		Int("mismatched", len(report.Mismatched)).
		Msg("table inconsistent")

	return report, nil
}

func (v *Verifier) sampleDifferences(ctx context.Context, table string, report *ConsistencyReport) error {
	sourceDB := v.source.WithContext(ctx)
	targetDB := v.target.WithContext(ctx)

	key, err := repository.PrimaryKeyColumn(sourceDB, table)
	if err != nil {
		return err
	}

	sourceKeys, err := repository.SampleKeys(sourceDB, table, key, v.seed, v.sampleSize)
	if err != nil {
		return err
	}
	targetKeys, err := repository.SampleKeys(targetDB, table, key, v.seed, v.sampleSize)
	if err != nil {
		return err
	}

	union := unionKeys(sourceKeys, targetKeys)
	sourceHashes, err := repository.RowHashes(sourceDB, table, key, union)
	if err != nil {
		return err
	}
	targetHashes, err := repository.RowHashes(targetDB, table, key, union)
	if err != nil {
		return err
	}

	report.Sampled = true
	report.MissingInTarget, report.MissingInSource, report.Mismatched =
		classifyDifferences(union, sourceHashes, targetHashes, v.tolerance)
	return nil
}

// classifyDifferences buckets sampled keys by how the two sides disagree
// about them. A tolerance > 0 caps the total number of collected
// differences; classification stops once reached.
func classifyDifferences(keys []string, source, target map[string]string, tolerance int) (missingInTarget, missingInSource, mismatched []string) {
	total := 0
	capped := func() bool {
		return tolerance > 0 && total >= tolerance
	}
	for _, key := range keys {
		if capped() {
			break
		}
		sourceHash, inSource := source[key]
		targetHash, inTarget := target[key]
		switch {
		case inSource && !inTarget:
			missingInTarget = append(missingInTarget, key)
			total++
		case !inSource && inTarget:
			missingInSource = append(missingInSource, key)
			total++
		case inSource && inTarget && sourceHash != targetHash:
			mismatched = append(mismatched, key)
			total++
		}
	}
	return missingInTarget, missingInSource, mismatched
}

func unionKeys(a, b []string) []string {
	seen := make(map[string]struct{}, len(a)+len(b))
	for _, k := range a {
		seen[k] = struct{}{}
	}
	for _, k := range b {
		seen[k] = struct{}{}
	}
	union := make([]string, 0, len(seen))
	for k := range seen {
		union = append(union, k)
	}
	sort.Strings(union)
	return union
}
