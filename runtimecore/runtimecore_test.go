package runtimecore

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kitarefake/cpython/interp"
	"github.com/kitarefake/cpython/thread"
)

func resetForTest() {
	globalMu.Lock()
	defer globalMu.Unlock()
	global = nil
}

func fakeEnv(values map[string]string) func(string) (string, bool) {
	return func(key string) (string, bool) {
		v, ok := values[key]
		return v, ok
	}
}

func TestInitializeCreatesMainInterpreter(t *testing.T) {
	resetForTest()
	r, err := Initialize(fakeEnv(nil))
	require.NoError(t, err)
	assert.NotNil(t, r.MainInterpreter())
	assert.Equal(t, int64(0), r.MainInterpreter().ID)
	assert.Same(t, r, Current())
}

func TestInitializeRejectsInvalidHashSeed(t *testing.T) {
	resetForTest()
	_, err := Initialize(fakeEnv(map[string]string{"HASHSEED": "not-a-number"}))
	assert.Error(t, err)
}

func TestInitializeHashSeedZeroDisablesRandomization(t *testing.T) {
	resetForTest()
	r, err := Initialize(fakeEnv(map[string]string{"HASHSEED": "0"}))
	require.NoError(t, err)
	assert.Equal(t, [24]byte{}, [24]byte(r.HashSecret()))
}

func TestNewInterpreterIsolatedFromMain(t *testing.T) {
	resetForTest()
	r, err := Initialize(fakeEnv(nil))
	require.NoError(t, err)

	sub := r.NewInterpreter(interp.Config{RecursionLimit: 500})
	assert.NotEqual(t, int64(0), sub.ID)
	assert.Len(t, r.Interpreters(), 2)

	sub.DefineModule("m").Set("k", 42)
	_, ok := r.MainInterpreter().GetModule("m")
	assert.False(t, ok)
}

func TestBindCurrentIsIdempotentPerGoroutine(t *testing.T) {
	resetForTest()
	r, err := Initialize(fakeEnv(nil))
	require.NoError(t, err)

	ts1 := r.BindCurrent(r.MainInterpreter())
	ts2 := r.BindCurrent(r.MainInterpreter())
	assert.Same(t, ts1, ts2)

	bound, ok := r.GetBound()
	require.True(t, ok)
	assert.Same(t, ts1, bound)
}

func TestAttachDetachTracksFastCurrent(t *testing.T) {
	resetForTest()
	r, err := Initialize(fakeEnv(nil))
	require.NoError(t, err)

	ts := r.BindCurrent(r.MainInterpreter())
	_, ok := r.GetCurrent()
	assert.False(t, ok)

	require.NoError(t, r.Attach(ts))
	cur, ok := r.GetCurrent()
	require.True(t, ok)
	assert.Same(t, ts, cur)

	r.Detach(ts)
	_, ok = r.GetCurrent()
	assert.False(t, ok)
}

func TestFinalizingMarkerExclusive(t *testing.T) {
	resetForTest()
	r, err := Initialize(fakeEnv(nil))
	require.NoError(t, err)

	ts1 := r.MainInterpreter().NewThread()
	ts2 := r.MainInterpreter().NewThread()

	assert.False(t, r.IsFinalizing())
	r.BeginFinalizing(ts1)
	assert.True(t, r.IsFinalizing())
	assert.True(t, r.IsFinalizingThread(ts1))
	assert.False(t, r.IsFinalizingThread(ts2))

	err = ts2.Attach(true, false)
	assert.ErrorIs(t, err, thread.ErrExitDaemon)
}

func TestAuditHooksRunInOrder(t *testing.T) {
	resetForTest()
	r, err := Initialize(fakeEnv(nil))
	require.NoError(t, err)

	var seen []string
	r.AddAuditHook(func(event string, args ...any) { seen = append(seen, "first:"+event) })
	r.AddAuditHook(func(event string, args ...any) { seen = append(seen, "second:"+event) })
	r.RunAuditHooks("probe")
	assert.Equal(t, []string{"first:probe", "second:probe"}, seen)
}

func TestFinalizeThenReinitializePreservesAuditHooks(t *testing.T) {
	resetForTest()
	r, err := Initialize(fakeEnv(nil))
	require.NoError(t, err)

	var fired int
	r.AddAuditHook(func(event string, args ...any) { fired++ })

	r.Finalize()
	assert.Empty(t, r.Interpreters())

	r2, err := Initialize(fakeEnv(nil))
	require.NoError(t, err)
	assert.Same(t, r, r2)
	r2.RunAuditHooks("post_reinit")
	// The hook sees interpreter_clear (Finalize), runtime_init (the second
	// Initialize) and post_reinit.
	assert.Equal(t, 3, fired, "audit hook chain must survive a finalize/initialize cycle")
}

func TestAfterForkChildKeepsOnlySurvivor(t *testing.T) {
	resetForTest()
	r, err := Initialize(fakeEnv(nil))
	require.NoError(t, err)

	survivor := r.BindCurrent(r.MainInterpreter())
	r.AfterForkChild(survivor)

	bound, ok := r.GetBound()
	require.True(t, ok)
	assert.Same(t, survivor, bound)
	assert.False(t, r.IsFinalizing())
}

func TestMonotonicNowNonDecreasing(t *testing.T) {
	resetForTest()
	r, err := Initialize(fakeEnv(nil))
	require.NoError(t, err)
	a := r.MonotonicNow()
	b := r.MonotonicNow()
	assert.LessOrEqual(t, a, b)
}

func TestSwapReplacesFastCurrentAndReturnsPrior(t *testing.T) {
	resetForTest()
	r, err := Initialize(fakeEnv(nil))
	require.NoError(t, err)

	ts := r.BindCurrent(r.MainInterpreter())
	require.NoError(t, r.Attach(ts))

	sub := r.NewInterpreter(interp.Config{RecursionLimit: 500})
	subTS := sub.NewThread()

	prior := r.Swap(subTS)
	assert.Same(t, ts, prior)
	assert.Same(t, subTS, r.GetCurrentUnchecked())

	back := r.Swap(prior)
	assert.Same(t, subTS, back)
	assert.Same(t, ts, r.GetCurrentUnchecked())

	r.Detach(ts)
}

func TestGetCurrentUncheckedNilWhenUnattached(t *testing.T) {
	resetForTest()
	r, err := Initialize(fakeEnv(nil))
	require.NoError(t, err)
	assert.Nil(t, r.GetCurrentUnchecked())
}

func TestDecrementIDRefcountAutoFinalizesInterpreter(t *testing.T) {
	resetForTest()
	r, err := Initialize(fakeEnv(nil))
	require.NoError(t, err)

	sub := r.NewInterpreter(interp.Config{RecursionLimit: 500})
	sub.SetRequiresIDRef(true)
	sub.IncrementIDRefcount()
	require.Len(t, r.Interpreters(), 2)

	r.DecrementIDRefcount(sub)

	assert.True(t, sub.IsCleared())
	assert.True(t, sub.IsDeleted())
	assert.Len(t, r.Interpreters(), 1, "auto-finalized subinterpreter must be unregistered")
	_, ok := r.GetCurrent()
	assert.False(t, ok, "swap-back must restore the calling goroutine's prior (unattached) fast_current")
}

func TestDecrementIDRefcountNoAutoFinalizeWithoutRequiresIDRef(t *testing.T) {
	resetForTest()
	r, err := Initialize(fakeEnv(nil))
	require.NoError(t, err)

	sub := r.NewInterpreter(interp.Config{RecursionLimit: 500})
	sub.IncrementIDRefcount()
	r.DecrementIDRefcount(sub)

	assert.False(t, sub.IsCleared())
	assert.Len(t, r.Interpreters(), 2)
}
