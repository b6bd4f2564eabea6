package vclock

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIncrement(t *testing.T) {
	c := Clock{"a": 1}

	c2 := Increment(c, "a")
	c3 := Increment(c2, "b")

	assert.Equal(t, Clock{"a": 1}, c, "input clock must not be mutated")
	assert.Equal(t, Clock{"a": 2}, c2)
	assert.Equal(t, Clock{"a": 2, "b": 1}, c3)
}

func TestIncrement_NilClock(t *testing.T) {
	c := Increment(nil, "a")
	assert.Equal(t, Clock{"a": 1}, c)
}

func TestCompare_Equal(t *testing.T) {
	a := Clock{"a": 2, "b": 1}
	b := Clock{"a": 2, "b": 1}

	assert.Equal(t, Equal, Compare(a, b))
}

func TestCompare_EmptyClocksEqual(t *testing.T) {
	assert.Equal(t, Equal, Compare(nil, Clock{}))
	assert.Equal(t, Equal, Compare(Clock{}, Clock{}))
}

func TestCompare_BeforeAfter(t *testing.T) {
	older := Clock{"a": 1}
	newer := Increment(older, "a")

	assert.Equal(t, Before, Compare(older, newer))
	assert.Equal(t, After, Compare(newer, older))
}

func TestCompare_MissingEntryIsZero(t *testing.T) {
	a := Clock{"a": 1}
	b := Clock{"a": 1, "b": 3}

	assert.Equal(t, Before, Compare(a, b))
	assert.Equal(t, After, Compare(b, a))
}

func TestCompare_Concurrent(t *testing.T) {
	a := Clock{"a": 2, "b": 1}
	b := Clock{"a": 1, "b": 2}

	assert.Equal(t, Concurrent, Compare(a, b))
	assert.Equal(t, Concurrent, Compare(b, a))
}

func TestCompare_Inverse(t *testing.T) {
	// Compare(a,b) and Compare(b,a) must always be inverses.
	cases := []struct {
		a, b Clock
	}{
		{Clock{"a": 1}, Clock{"a": 1}},
		{Clock{"a": 1}, Clock{"a": 2}},
		{Clock{"a": 2, "b": 1}, Clock{"a": 1, "b": 2}},
		{Clock{}, Clock{"a": 5}},
	}
	inverse := map[Ordering]Ordering{
		Equal:      Equal,
		Before:     After,
		After:      Before,
		Concurrent: Concurrent,
	}
	for _, tc := range cases {
		assert.Equal(t, inverse[Compare(tc.a, tc.b)], Compare(tc.b, tc.a),
			"a=%v b=%v", tc.a, tc.b)
	}
}

func TestMerge(t *testing.T) {
	a := Clock{"a": 3, "b": 1}
	b := Clock{"b": 2, "c": 5}

	merged := Merge(a, b)

	assert.Equal(t, Clock{"a": 3, "b": 2, "c": 5}, merged)
	assert.Equal(t, Clock{"a": 3, "b": 1}, a, "inputs must not be mutated")
	assert.Equal(t, Clock{"b": 2, "c": 5}, b)
}

func TestMerge_Commutative(t *testing.T) {
	a := Clock{"a": 2, "b": 7}
	b := Clock{"a": 9, "c": 1}

	assert.Equal(t, Merge(a, b), Merge(b, a))
}

func TestMerge_DominatesBothInputs(t *testing.T) {
	a := Clock{"a": 2, "b": 1}
	b := Clock{"a": 1, "b": 2}

	merged := Merge(a, b)

	for _, in := range []Clock{a, b} {
		ord := Compare(in, merged)
		assert.True(t, ord == Before || ord == Equal, "merge result must dominate %v", in)
	}
}

func TestSyncRound_ClockAdvances(t *testing.T) {
	// Receiving a snapshot merges the clocks and then ticks the local entry,
	// so the stored clock ends strictly after both inputs.
	local := Clock{"dev1": 2}
	remote := Clock{"dev1": 1, "dev2": 4}
	require.Equal(t, Concurrent, Compare(local, remote))

	next := Increment(Merge(local, remote), "dev1")

	assert.Equal(t, Clock{"dev1": 3, "dev2": 4}, next)
	assert.Equal(t, After, Compare(next, local))
	assert.Equal(t, After, Compare(next, remote))
}

func TestOrderingString(t *testing.T) {
	assert.Equal(t, "equal", Equal.String())
	assert.Equal(t, "before", Before.String())
	assert.Equal(t, "after", After.String())
	assert.Equal(t, "concurrent", Concurrent.String())
}

func TestClone(t *testing.T) {
	a := Clock{"a": 1}
	b := Clone(a)
	b["a"] = 9

	assert.Equal(t, Clock{"a": 1}, a)
	assert.Empty(t, Clone(nil))
}
