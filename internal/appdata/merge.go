package appdata

import (
	"fmt"

	"github.com/classpair/classpair/internal/logger"
)

// Strategy selects how two snapshots are reconciled.
type Strategy int

const (
	// StrategyNewest replaces the whole snapshot with whichever side has the
	// later wall-clock timestamp. Local-only changes made after the losing
	// snapshot's timestamp are lost; this is documented behavior.
	StrategyNewest Strategy = iota

	// StrategyMerge reconciles classes, rosters and participation records
	// field by field.
	StrategyMerge
)

func (s Strategy) String() string {
	switch s {
	case StrategyNewest:
		return "newest"
	case StrategyMerge:
		return "merge"
	default:
		return "unknown"
	}
}

// ParseStrategy converts a settings string into a Strategy.
func ParseStrategy(s string) (Strategy, error) {
	switch s {
	case "newest":
		return StrategyNewest, nil
	case "merge":
		return StrategyMerge, nil
	default:
		return StrategyNewest, fmt.Errorf("unknown conflict resolution strategy: %q", s)
	}
}

// Merger reconciles two dataset snapshots.
type Merger struct {
	logger *logger.Logger
}

// NewMerger creates a new merge engine.
func NewMerger() *Merger {
	return &Merger{
		logger: logger.GetLogger().Merge(),
	}
}

// Merge reconciles local and remote. The result is deterministic for
// identical inputs. Under StrategyMerge the tie-break is first-seen-wins with
// local inserted first, so the operation is not commutative when both sides
// hold the same id; paired devices depend on this exact tie-break to converge
// predictably, so it must not be changed to a commutative merge.
func (m *Merger) Merge(local, remote *Snapshot, localTimestamp, remoteTimestamp int64, strategy Strategy) *Snapshot {
	if local == nil {
		local = &Snapshot{}
	}
	if remote == nil {
		remote = &Snapshot{}
	}

	if strategy == StrategyNewest {
		if remoteTimestamp > localTimestamp {
			m.logger.Debug().
				Int64("local_ts", localTimestamp).
				Int64("remote_ts", remoteTimestamp).
				Msg("Newest strategy: remote snapshot wins")
			return remote.Clone()
		}
		m.logger.Debug().
			Int64("local_ts", localTimestamp).
			Int64("remote_ts", remoteTimestamp).
			Msg("Newest strategy: local snapshot wins")
		return local.Clone()
	}

	merged := &Snapshot{
		Classes:        m.mergeClasses(local.Classes, remote.Classes),
		Participations: m.mergeParticipations(local.Participations, remote.Participations),
	}

	m.logger.Debug().
		Int("classes", len(merged.Classes)).
		Int("participations", len(merged.Participations)).
		Msg("Field-level merge completed")

	return merged
}

// mergeClasses unions both sides by class id. When an id exists on both
// sides, the side with the later CreatedAt wins the scalar class fields, but
// the student rosters are always unioned regardless of which side won: a
// metadata conflict must never silently drop roster entries.
func (m *Merger) mergeClasses(local, remote []Class) []Class {
	byID := make(map[string]*Class, len(local)+len(remote))
	order := make([]string, 0, len(local)+len(remote))

	for _, c := range local {
		copied := c
		copied.Students = append([]Student(nil), c.Students...)
		byID[c.ID] = &copied
		order = append(order, c.ID)
	}

	for _, rc := range remote {
		existing, ok := byID[rc.ID]
		if !ok {
			copied := rc
			copied.Students = append([]Student(nil), rc.Students...)
			byID[rc.ID] = &copied
			order = append(order, rc.ID)
			continue
		}

		roster := m.mergeStudents(existing.Students, rc.Students)
		if rc.CreatedAt > existing.CreatedAt {
			winner := rc
			winner.Students = roster
			byID[rc.ID] = &winner
		} else {
			existing.Students = roster
		}
	}

	out := make([]Class, 0, len(order))
	for _, id := range order {
		out = append(out, *byID[id])
	}
	return out
}

// mergeStudents unions by student id, first-seen-wins (local first).
func (m *Merger) mergeStudents(local, remote []Student) []Student {
	seen := make(map[string]bool, len(local)+len(remote))
	out := make([]Student, 0, len(local)+len(remote))

	for _, s := range local {
		if seen[s.ID] {
			continue
		}
		seen[s.ID] = true
		out = append(out, s)
	}
	for _, s := range remote {
		if seen[s.ID] {
			continue
		}
		seen[s.ID] = true
		out = append(out, s)
	}
	return out
}

// mergeParticipations unions by record id, first-seen-wins (local first).
// Records are never deduplicated by content, only by id.
func (m *Merger) mergeParticipations(local, remote []Participation) []Participation {
	seen := make(map[string]bool, len(local)+len(remote))
	out := make([]Participation, 0, len(local)+len(remote))

	for _, p := range local {
		if seen[p.ID] {
			continue
		}
		seen[p.ID] = true
		out = append(out, p)
	}
	for _, p := range remote {
		if seen[p.ID] {
			continue
		}
		seen[p.ID] = true
		out = append(out, p)
	}
	return out
}
