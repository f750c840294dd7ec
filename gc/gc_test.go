package gc

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// obj is a minimal test container: a node with outgoing references and a
// mutable refcount the test manipulates directly, standing in for the
// object model external collaborator named in spec.md §1.
type obj struct {
	name       string
	refs       []*obj
	refcount   int64
	finalizer  bool
	cleared    bool
}

func (o *obj) Traverse(visit func(child Traversable)) {
	for _, r := range o.refs {
		if r != nil {
			visit(r)
		}
	}
}
func (o *obj) Clear()              { o.cleared = true; o.refs = nil }
func (o *obj) HasFinalizer() bool  { return o.finalizer }
func (o *obj) RefCount() int64     { return o.refcount }

func TestTrackUntrack(t *testing.T) {
	c := NewCollector()
	o := &obj{name: "a", refcount: 1}
	shouldCollect := c.Track(o)
	assert.False(t, shouldCollect)
	assert.True(t, c.IsTracked(o))
	c.Untrack(o)
	assert.False(t, c.IsTracked(o))
}

func TestSelfReferentialCycleCollected(t *testing.T) {
	c := NewCollector()
	a := &obj{name: "A", refcount: 1}
	a.refs = []*obj{a}
	c.Track(a)

	n := c.Collect(0)
	assert.Equal(t, 1, n)
	assert.True(t, a.cleared)

	n = c.Collect(0)
	assert.Equal(t, 0, n, "a second collection on a quiescent graph collects nothing")
}

func TestTwoObjectCycleCollected(t *testing.T) {
	c := NewCollector()
	a := &obj{name: "A", refcount: 1}
	b := &obj{name: "B", refcount: 1}
	a.refs = []*obj{b}
	b.refs = []*obj{a}
	c.Track(a)
	c.Track(b)

	n := c.Collect(0)
	assert.Equal(t, 2, n)

	n = c.Collect(0)
	assert.Equal(t, 0, n)
}

func TestCycleWithFinalizerUncollectable(t *testing.T) {
	c := NewCollector()
	a := &obj{name: "A", refcount: 1, finalizer: true}
	b := &obj{name: "B", refcount: 1}
	a.refs = []*obj{b}
	b.refs = []*obj{a}
	c.Track(a)
	c.Track(b)

	n := c.Collect(0)
	assert.Equal(t, 0, n, "objects with a reachable finalizer are uncollectable")
	assert.Len(t, c.Garbage(), 2)
}

func TestReachableObjectSurvives(t *testing.T) {
	c := NewCollector()
	root := &obj{name: "root", refcount: 2} // externally referenced
	leaf := &obj{name: "leaf", refcount: 1}
	root.refs = []*obj{leaf}
	c.Track(root)
	c.Track(leaf)

	n := c.Collect(0)
	assert.Equal(t, 0, n)
	assert.False(t, root.cleared)
	assert.False(t, leaf.cleared)
}

func TestThresholdTriggersMaybeCollect(t *testing.T) {
	c := NewCollector()
	c.SetThreshold(2, 10, 10)
	a := &obj{name: "a", refcount: 1}
	a.refs = []*obj{a}
	triggered := c.Track(a)
	assert.False(t, triggered)

	b := &obj{name: "b", refcount: 1}
	triggered = c.Track(b)
	assert.False(t, triggered)

	x := &obj{name: "x", refcount: 1}
	triggered = c.Track(x)
	assert.True(t, triggered, "count exceeding threshold should report collection is due")

	n := c.MaybeCollect()
	assert.GreaterOrEqual(t, n, 1)
}

func TestObjectsReferrersReferents(t *testing.T) {
	c := NewCollector()
	a := &obj{name: "A", refcount: 1}
	b := &obj{name: "B", refcount: 1}
	a.refs = []*obj{b}
	c.Track(a)
	c.Track(b)

	objs := c.Objects(0)
	assert.Len(t, objs, 2)

	referrers := c.Referrers(b)
	require.Len(t, referrers, 1)
	assert.Equal(t, a, referrers[0])

	referents := c.Referents(a)
	require.Len(t, referents, 1)
	assert.Equal(t, b, referents[0])
}

func TestDisableBlocksAutomaticCollection(t *testing.T) {
	c := NewCollector()
	c.Disable()
	assert.False(t, c.IsEnabled())
	c.SetThreshold(1, 10, 10)
	a := &obj{name: "a", refcount: 1}
	triggered := c.Track(a)
	assert.False(t, triggered)
	assert.Equal(t, 0, c.MaybeCollect())
}
