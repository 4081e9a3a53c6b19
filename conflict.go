package bluegreen

import (
	"sort"

	"github.com/Maksumys/bluegreen-migrator/internal/models"
)

// ConflictPolicy decides which side wins when the same logical row was
// modified on both databases within one sync cycle.
type ConflictPolicy string

const (
	// SourceWins keeps the blue (source) version of the row.
	SourceWins ConflictPolicy = "source-wins"
	// TargetWins keeps the green (target) version of the row.
	TargetWins ConflictPolicy = "target-wins"
	// LastWriteWins keeps whichever change committed later. Timestamps
	// come from the capture log, i.e. the database clock at commit time,
	// not the application clock. Equal timestamps are unresolvable.
	LastWriteWins ConflictPolicy = "last-write-wins"
)

func (p ConflictPolicy) Valid() bool {
	switch p {
	case SourceWins, TargetWins, LastWriteWins:
		return true
	}
	return false
}

// Winner identifies the side whose change survives a conflict.
type Winner string

const (
	WinnerSource Winner = "source"
	WinnerTarget Winner = "target"
	WinnerNone   Winner = ""
)

// resolve applies the policy to the two competing change events. ok is
// false when the policy cannot decide (LastWriteWins with equal commit
// timestamps); such conflicts are recorded but not propagated.
func (p ConflictPolicy) resolve(source, target models.ChangeEvent) (Winner, bool) {
	switch p {
	case SourceWins:
		return WinnerSource, true
	case TargetWins:
		return WinnerTarget, true
	case LastWriteWins:
		if source.ChangedAt.After(target.ChangedAt) {
			return WinnerSource, true
		}
		if target.ChangedAt.After(source.ChangedAt) {
			return WinnerTarget, true
		}
		return WinnerNone, false
	}
	return WinnerNone, false
}

// rowConflict pairs the two competing change events observed for the same
// logical row within one sync cycle.
type rowConflict struct {
	table    string
	key      string
	source   models.ChangeEvent
	target   models.ChangeEvent
	winner   Winner
	resolved bool
}

// cyclePlan is the outcome of conflict detection for one tick: what to
// ship each way after losers and unresolved rows are excluded.
type cyclePlan struct {
	toTarget   []models.ChangeEvent
	toSource   []models.ChangeEvent
	conflicts  []rowConflict
	unresolved int
}

type rowRef struct {
	table string
	key   string
}

// planCycle detects conflicts between the two batches and builds the
// propagation plan. When the same row changed several times on one side
// within the batch, only the latest event represents that side; earlier
// events for the row are superseded and dropped.
func planCycle(sourceChanges, targetChanges []models.ChangeEvent, policy ConflictPolicy) cyclePlan {
	latestSource := latestByRow(sourceChanges)
	latestTarget := latestByRow(targetChanges)

	var plan cyclePlan
	for ref, sourceEvent := range latestSource {
		targetEvent, contested := latestTarget[ref]
		if !contested {
			plan.toTarget = append(plan.toTarget, sourceEvent)
			continue
		}
		winner, ok := policy.resolve(sourceEvent, targetEvent)
		conflict := rowConflict{
			table:    ref.table,
			key:      ref.key,
			source:   sourceEvent,
			target:   targetEvent,
			winner:   winner,
			resolved: ok,
		}
		plan.conflicts = append(plan.conflicts, conflict)
		if !ok {
			plan.unresolved++
			continue
		}
		switch winner {
		case WinnerSource:
			plan.toTarget = append(plan.toTarget, sourceEvent)
		case WinnerTarget:
			plan.toSource = append(plan.toSource, targetEvent)
		}
	}
	for ref, targetEvent := range latestTarget {
		if _, contested := latestSource[ref]; contested {
			continue
		}
		plan.toSource = append(plan.toSource, targetEvent)
	}

	sortByID(plan.toTarget)
	sortByID(plan.toSource)
	return plan
}

func latestByRow(events []models.ChangeEvent) map[rowRef]models.ChangeEvent {
	latest := make(map[rowRef]models.ChangeEvent, len(events))
	for _, event := range events {
		ref := rowRef{table: event.Table, key: event.RowKey}
		if prev, ok := latest[ref]; !ok || event.ID > prev.ID {
			latest[ref] = event
		}
	}
	return latest
}

func sortByID(events []models.ChangeEvent) {
	sort.Slice(events, func(i, j int) bool {
		return events[i].ID < events[j].ID
	})
}
