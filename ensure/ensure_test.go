package ensure

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kitarefake/cpython/interp"
	"github.com/kitarefake/cpython/runtimecore"
)

func freshRuntime(t *testing.T) *runtimecore.Runtime {
	t.Helper()
	r, err := runtimecore.Initialize(func(string) (string, bool) { return "", false })
	require.NoError(t, err)
	return r
}

func TestEnsureCreatesAndBindsOnFirstCall(t *testing.T) {
	r := freshRuntime(t)
	ts, token := Ensure(r, r.MainInterpreter())
	assert.Equal(t, Unlocked, token)
	assert.Equal(t, 1, ts.GilstateCounter())

	bound, ok := GetThisThreadState(r)
	require.True(t, ok)
	assert.Same(t, ts, bound)
	assert.True(t, Check(r))
}

func TestReleaseAtZeroDestroysAutoCreatedState(t *testing.T) {
	r := freshRuntime(t)
	ts, token := Ensure(r, r.MainInterpreter())
	Release(r, ts, token)

	assert.False(t, Check(r))
	_, ok := GetThisThreadState(r)
	assert.False(t, ok)
}

func TestNestedEnsureReleaseRestoresDepth(t *testing.T) {
	r := freshRuntime(t)
	ts1, tok1 := Ensure(r, r.MainInterpreter())
	entryDepth := ts1.GilstateCounter()

	ts2, tok2 := Ensure(r, r.MainInterpreter())
	assert.Same(t, ts1, ts2, "a nested Ensure on the same goroutine reuses the bound thread-state")
	assert.Equal(t, Locked, tok2)

	Release(r, ts2, tok2)
	assert.Equal(t, entryDepth, ts1.GilstateCounter())
	assert.True(t, Check(r), "outer Ensure's attach must still be held after the nested Release")

	Release(r, ts1, tok1)
	assert.False(t, Check(r))
}
