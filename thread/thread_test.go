package thread

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kitarefake/cpython/gel"
)

func TestAttachDetachTransitions(t *testing.T) {
	lock := gel.New(0)
	ts := New("interp0", 1, lock, 1000)
	assert.Equal(t, Detached, ts.AttachState())

	require.NoError(t, ts.Attach(false, false))
	assert.Equal(t, Attached, ts.AttachState())
	assert.NotZero(t, ts.Status()&StatusActive)

	ts.Detach()
	assert.Equal(t, Detached, ts.AttachState())
	assert.Zero(t, ts.Status()&StatusActive)
}

func TestAttachWhenFinalizingNonFinalizerExits(t *testing.T) {
	lock := gel.New(0)
	ts := New("interp0", 1, lock, 1000)
	err := ts.Attach(true, false)
	assert.ErrorIs(t, err, ErrExitDaemon)
}

func TestAttachFinalizingThreadProceeds(t *testing.T) {
	lock := gel.New(0)
	ts := New("interp0", 1, lock, 1000)
	err := ts.Attach(true, true)
	assert.NoError(t, err)
}

type fakeLock struct {
	mu     sync.Mutex
	events *[]string
	name   string
}

func (f *fakeLock) Lock()   { f.mu.Lock(); *f.events = append(*f.events, f.name+":lock") }
func (f *fakeLock) Unlock() { *f.events = append(*f.events, f.name+":unlock"); f.mu.Unlock() }

func TestCriticalSectionsSuspendResumeOnDetachAttach(t *testing.T) {
	lock := gel.New(0)
	ts := New("interp0", 1, lock, 1000)
	require.NoError(t, ts.Attach(false, false))

	var events []string
	cs1 := &fakeLock{events: &events, name: "cs1"}
	cs2 := &fakeLock{events: &events, name: "cs2"}
	ts.EnterCriticalSection(cs1)
	ts.EnterCriticalSection(cs2)

	ts.Detach()
	assert.Equal(t, []string{"cs1:lock", "cs2:lock", "cs2:unlock", "cs1:unlock"}, events)

	events = nil
	require.NoError(t, ts.Attach(false, false))
	assert.Equal(t, []string{"cs2:lock", "cs1:lock"}, events)
}

func TestGilstateCounterNestedSymmetric(t *testing.T) {
	lock := gel.New(0)
	ts := New("interp0", 1, lock, 1000)
	entry := ts.GilstateCounter()
	for i := 0; i < 5; i++ {
		ts.IncGilstate()
	}
	for i := 0; i < 5; i++ {
		ts.DecGilstate()
	}
	assert.Equal(t, entry, ts.GilstateCounter())
}

func TestOnDeleteFiresExactlyOnce(t *testing.T) {
	lock := gel.New(0)
	ts := New("interp0", 1, lock, 1000)
	count := 0
	ts.SetOnDelete(func() { count++ })
	ts.FireOnDelete()
	ts.Clear() // Clear also calls FireOnDelete internally; must not double-fire
	ts.FireOnDelete()
	assert.Equal(t, 1, count)
}

func TestDeletePreconditions(t *testing.T) {
	lock := gel.New(0)
	ts := New("interp0", 1, lock, 1000)
	require.NoError(t, ts.Attach(false, false))
	assert.False(t, ts.Delete(), "cannot delete while attached")
	ts.Detach()
	assert.False(t, ts.Delete(), "cannot delete before Clear")
	ts.Clear()
	assert.True(t, ts.Delete())
}

func TestAsyncExceptionSetsBreaker(t *testing.T) {
	lock := gel.New(0)
	ts := New("interp0", 1, lock, 1000)
	assert.False(t, ts.Breaker().Test(gel.BitAsyncException))
	ts.SetAsyncExc(assertErr{})
	assert.True(t, ts.Breaker().Test(gel.BitAsyncException))
	exc := ts.TakeAsyncExc()
	assert.NotNil(t, exc)
	assert.False(t, ts.Breaker().Test(gel.BitAsyncException))
}

type assertErr struct{}

func (assertErr) Error() string { return "async exception" }

func TestFrameStackChunkBoundary(t *testing.T) {
	fs := NewFrameStack()
	assert.True(t, fs.RootIsCurrent())

	f1 := fs.Push(DefaultChunkSize - 16)
	assert.True(t, fs.RootIsCurrent())

	f2 := fs.Push(64) // forces a new chunk
	assert.False(t, fs.RootIsCurrent())
	assert.Equal(t, 2, fs.ChunkCount())

	fs.Pop(f2)
	assert.True(t, fs.RootIsCurrent(), "popping back past the chunk boundary frees the non-root chunk")

	fs.Pop(f1)
	assert.True(t, fs.RootIsCurrent())
	assert.Equal(t, 0, fs.Depth())
}

func TestFrameStackRootNeverFreed(t *testing.T) {
	fs := NewFrameStack()
	f := fs.Push(8)
	fs.Pop(f)
	assert.Equal(t, 1, fs.ChunkCount())
	assert.True(t, fs.RootIsCurrent())
}
