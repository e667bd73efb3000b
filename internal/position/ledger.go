// Package position computes the minimal position updates that keep an ordered
// scope (a board's lists, a list's cards) dense: positions are always exactly
// {1..N} with no gaps and no duplicates.
package position

import "errors"

var ErrOutOfRange = errors.New("position out of range")

// Shift moves every sibling whose current position falls in [Lo, Hi] by By.
// Persisted as a single range UPDATE, never as per-row rewrites.
type Shift struct {
	Lo int
	Hi int
	By int
}

// Plan is the outcome of one primitive operation: the range shifts to apply to
// existing siblings, and the final position of the entity being placed.
// Target is 0 for a removal.
type Plan struct {
	Shifts []Shift
	Target int
}

// InsertAt plans inserting a new entity at position at into a scope that
// currently holds count siblings. Valid range is 1..count+1; siblings at or
// after at shift up.
func InsertAt(count, at int) (Plan, error) {
	if at < 1 || at > count+1 {
		return Plan{}, ErrOutOfRange
	}
	plan := Plan{Target: at}
	if at <= count {
		plan.Shifts = []Shift{{Lo: at, Hi: count, By: 1}}
	}
	return plan, nil
}

// RemoveAt plans removing the entity at position at, closing the gap it
// leaves behind.
func RemoveAt(count, at int) (Plan, error) {
	if at < 1 || at > count {
		return Plan{}, ErrOutOfRange
	}
	plan := Plan{}
	if at < count {
		plan.Shifts = []Shift{{Lo: at + 1, Hi: count, By: -1}}
	}
	return plan, nil
}

// MoveWithin plans moving the entity at position from to position to within
// the same scope. The half-open interval convention is load-bearing: the band
// between the two positions shifts exactly once and the moved entity is never
// part of it.
func MoveWithin(count, from, to int) (Plan, error) {
	if from < 1 || from > count || to < 1 || to > count {
		return Plan{}, ErrOutOfRange
	}
	if from == to {
		return Plan{Target: to}, nil
	}
	if to < from {
		// siblings in [to, from) shift up, moved entity lands on to
		return Plan{
			Shifts: []Shift{{Lo: to, Hi: from - 1, By: 1}},
			Target: to,
		}, nil
	}
	// siblings in (from, to] shift down
	return Plan{
		Shifts: []Shift{{Lo: from + 1, Hi: to, By: -1}},
		Target: to,
	}, nil
}

// Entry is one positioned sibling within a scope.
type Entry struct {
	ID  string
	Pos int
}

// Apply returns a copy of entries with the plan's shifts applied. The moved or
// removed entity itself must not be part of entries.
func Apply(entries []Entry, plan Plan) []Entry {
	out := make([]Entry, len(entries))
	copy(out, entries)
	for i := range out {
		for _, shift := range plan.Shifts {
			if out[i].Pos >= shift.Lo && out[i].Pos <= shift.Hi {
				out[i].Pos += shift.By
			}
		}
	}
	return out
}

// Changed returns the entries from after whose position differs from the entry
// with the same ID in before.
func Changed(before, after []Entry) []Entry {
	prior := make(map[string]int, len(before))
	for _, entry := range before {
		prior[entry.ID] = entry.Pos
	}
	var changed []Entry
	for _, entry := range after {
		if pos, ok := prior[entry.ID]; !ok || pos != entry.Pos {
			changed = append(changed, entry)
		}
	}
	return changed
}

// Compact reports whether entries occupy exactly the positions {1..N}.
func Compact(entries []Entry) bool {
	seen := make(map[int]bool, len(entries))
	for _, entry := range entries {
		if entry.Pos < 1 || entry.Pos > len(entries) || seen[entry.Pos] {
			return false
		}
		seen[entry.Pos] = true
	}
	return true
}
