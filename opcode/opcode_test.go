package opcode

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeoptClosureProperty(t *testing.T) {
	for op := 0; op < TableSize; op++ {
		e := Get(op)
		if !e.ValidEntry {
			continue
		}
		dt := Get(e.DeoptTarget)
		require.True(t, dt.ValidEntry, "deopt target of %s must be valid", e.Name)
		assert.Equal(t, dt.DeoptTarget, e.DeoptTarget,
			"deopt_target[deopt_target[%s]] must equal deopt_target[%s]", e.Name, e.Name)
	}
}

func TestReservedSlotsMarkedInvalid(t *testing.T) {
	found := false
	for op := 0; op < TableSize; op++ {
		if !Get(op).ValidEntry {
			found = true
			break
		}
	}
	assert.True(t, found, "table should have at least one reserved slot given the fixed 256-entry width")
}

func TestLookupAndGetAgree(t *testing.T) {
	e, ok := Lookup("BINARY_OP")
	require.True(t, ok)
	got := Get(e.Op)
	// Pop and Push are func values, which never compare equal; compare the
	// remaining fields.
	e.Pop, e.Push, got.Pop, got.Push = nil, nil, nil, nil
	assert.Equal(t, e, got)
	assert.Equal(t, e.Op, e.DeoptTarget)
}

func TestSpecializedVariantDeoptsToHead(t *testing.T) {
	head, ok := Lookup("BINARY_OP")
	require.True(t, ok)
	variant, ok := Lookup("BINARY_OP_ADD_INT")
	require.True(t, ok)
	assert.Equal(t, head.Op, variant.DeoptTarget)
}

func TestOutOfRangePanics(t *testing.T) {
	assert.Panics(t, func() { Get(256) })
	assert.Panics(t, func() { Get(-1) })
}

func TestStackEffectFunctions(t *testing.T) {
	call, ok := Lookup("CALL")
	require.True(t, ok)
	assert.Equal(t, 5, call.Pop(3, false))
	assert.Equal(t, 1, call.Push(3, false))
}
