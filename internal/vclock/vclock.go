// Package vclock implements the vector clocks used to order dataset
// snapshots causally. Keys are device ids, values are per-device counters;
// a device only ever increments its own entry.
package vclock

// Clock maps a device id to its monotonically increasing counter.
type Clock map[string]uint64

// Ordering is the result of comparing two clocks.
type Ordering int

const (
	Equal Ordering = iota
	Before
	After
	Concurrent
)

func (o Ordering) String() string {
	switch o {
	case Equal:
		return "equal"
	case Before:
		return "before"
	case After:
		return "after"
	case Concurrent:
		return "concurrent"
	default:
		return "unknown"
	}
}

// Increment returns a copy of c with ownID's counter raised by one. The
// input clock is not mutated.
func Increment(c Clock, ownID string) Clock {
	out := make(Clock, len(c)+1)
	for id, n := range c {
		out[id] = n
	}
	out[ownID]++
	return out
}

// Merge returns the entrywise maximum over the union of both clocks' keys.
// Merge is commutative.
func Merge(a, b Clock) Clock {
	out := make(Clock, len(a)+len(b))
	for id, n := range a {
		out[id] = n
	}
	for id, n := range b {
		if n > out[id] {
			out[id] = n
		}
	}
	return out
}

// Compare classifies the causal relation of a to b: Before means every entry
// of a is <= the corresponding entry of b with at least one strictly less,
// After is the mirror case, Equal means all entries match, and Concurrent
// means neither side dominates.
func Compare(a, b Clock) Ordering {
	aAhead := false
	bAhead := false

	for id, an := range a {
		bn := b[id]
		if an > bn {
			aAhead = true
		} else if an < bn {
			bAhead = true
		}
	}
	for id, bn := range b {
		if _, ok := a[id]; ok {
			continue
		}
		if bn > 0 {
			bAhead = true
		}
	}

	switch {
	case aAhead && bAhead:
		return Concurrent
	case aAhead:
		return After
	case bAhead:
		return Before
	default:
		return Equal
	}
}

// Clone returns an independent copy of c.
func Clone(c Clock) Clock {
	out := make(Clock, len(c))
	for id, n := range c {
		out[id] = n
	}
	return out
}
