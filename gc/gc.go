// Package gc implements the generational cyclic garbage collector described
// in spec.md §4.7: reference-count differencing (Lins/Jones) over three
// generational lists of tracked container objects. Non-container objects
// are never tracked here; they are freed by refcount alone, per spec.md
// §4.7's model. Grounded on original_source/Modules/gcmodule.c's
// update_refs/subtract_refs/move_unreachable/delete_garbage pipeline and its
// GC_UNTRACKED/GC_REACHABLE/GC_TENTATIVELY_UNREACHABLE state machine.
package gc

import "fmt"

// RefState is the value stored in an object's gc_refs field between
// collections. During a collection pass the same field temporarily holds a
// non-negative transient refcount (spec.md §3: "a non-negative transient
// refcount used during a collection pass").
type RefState int64

const (
	// Untracked means the object is not currently in any generation list.
	Untracked RefState = -1
	// Reachable is the steady-state value for every tracked object between
	// collections (spec.md §4.7 invariant (c)).
	Reachable RefState = -2
	// TentativelyUnreachable marks an object move_unreachable has
	// provisionally classified as garbage; it may still be pulled back to
	// Reachable if a reachable object turns out to reference it.
	TentativelyUnreachable RefState = -3
)

// Traversable is the capability set every GC-tracked container object must
// implement, matching spec.md §9's "Virtual dispatch on object types"
// design note: the collector needs no broader object-model polymorphism
// than these three methods.
type Traversable interface {
	// Traverse invokes visit once for every object this object directly
	// references. The traverse callback itself never mutates state; it
	// only reports edges.
	Traverse(visit func(child Traversable))
	// Clear drops this object's internal references, breaking any cycle
	// it participates in. Called only on objects already determined to be
	// unreachable garbage.
	Clear()
	// HasFinalizer reports whether this object (or its type) declares a
	// finalizer, which exempts it and everything reachable from it from
	// reclamation (spec.md §4.7 step 5).
	HasFinalizer() bool
	// RefCount reports the object's current true reference count, as
	// maintained by the object model external to this package (spec.md
	// §9: the collector needs direct read access to the real refcount to
	// perform reference-count differencing; it does not itself own
	// incref/decref).
	RefCount() int64
}

// header is the three-word GC header spec.md §3 requires direct access to:
// (prev, next, gc_refs), plus the back-pointer to the object it decorates
// and the generation it currently lives in.
type header struct {
	prev, next *header
	obj        Traversable
	refs       RefState
	gen        int
}

// list is a circular doubly-linked list with a sentinel head node, the
// shape gcmodule.c uses for each generation (and for the transient
// unreachable/finalizers lists built during a collection).
type list struct {
	sentinel header
}

func newList() *list {
	l := &list{}
	l.sentinel.next = &l.sentinel
	l.sentinel.prev = &l.sentinel
	return l
}

func (l *list) empty() bool { return l.sentinel.next == &l.sentinel }

func (l *list) insertBefore(at, n *header) {
	n.prev = at.prev
	n.next = at
	at.prev.next = n
	at.prev = n
}

func (l *list) pushBack(n *header) { l.insertBefore(&l.sentinel, n) }

func unlink(n *header) {
	n.prev.next = n.next
	n.next.prev = n.prev
	n.prev, n.next = nil, nil
}

// extend splices every node of other onto the back of l, leaving other
// empty. Mirrors gc_list_merge in gcmodule.c.
func (l *list) extend(other *list) {
	if other.empty() {
		return
	}
	first := other.sentinel.next
	last := other.sentinel.prev
	first.prev = l.sentinel.prev
	l.sentinel.prev.next = first
	last.next = &l.sentinel
	l.sentinel.prev = last
	other.sentinel.next = &other.sentinel
	other.sentinel.prev = &other.sentinel
}

func (l *list) forEach(f func(*header)) {
	for n := l.sentinel.next; n != &l.sentinel; {
		next := n.next
		f(n)
		n = next
	}
}

func (l *list) len() int {
	n := 0
	l.forEach(func(*header) { n++ })
	return n
}

// Generation is one of the three age-ordered lists named in spec.md §3.
type Generation struct {
	objs      *list
	Threshold int
	Count     int
}

// DebugFlag is the bitmask named in spec.md §4.7 ("Debug flags").
type DebugFlag uint32

const (
	DebugStats DebugFlag = 1 << iota
	DebugCollectable
	DebugUncollectable
	DebugSaveAll
)

// Collector is the per-interpreter cyclic-garbage-collector state: three
// generations, enable/disable, debug flags, and the user-visible garbage
// list. One Collector belongs to exactly one interpreter (spec.md §3:
// "gc_state" lives on Interpreter).
type Collector struct {
	generations [3]Generation
	enabled     bool
	collecting  bool
	debug       DebugFlag
	garbage     []Traversable

	// LongLivedPendingBoost mirrors gcmodule.c's old/young survival-rate
	// heuristic (spec.md SPEC_FULL §3 supplemented feature): after a
	// collection whose survival rate into the old generation exceeds the
	// threshold, the young generation's effective threshold is temporarily
	// raised so short-lived garbage doesn't re-trigger a collection
	// immediately.
	LongLivedPendingBoost int

	index map[Traversable]*header
}

// NewCollector returns an enabled Collector with CPython's default
// thresholds {700, 10, 10}, per spec.md §4.2.
func NewCollector() *Collector {
	c := &Collector{enabled: true, index: make(map[Traversable]*header)}
	for g := range c.generations {
		c.generations[g] = Generation{objs: newList()}
	}
	c.generations[0].Threshold = 700
	c.generations[1].Threshold = 10
	c.generations[2].Threshold = 10
	return c
}

// Enable / Disable / IsEnabled control automatic collection, per spec.md §6.
func (c *Collector) Enable()        { c.enabled = true }
func (c *Collector) Disable()       { c.enabled = false }
func (c *Collector) IsEnabled() bool { return c.enabled }

// SetDebug / GetDebug expose the debug bitmask, per spec.md §6.
func (c *Collector) SetDebug(flags DebugFlag) { c.debug = flags }
func (c *Collector) GetDebug() DebugFlag      { return c.debug }

// SetThreshold / GetThreshold expose the per-generation thresholds, per
// spec.md §6.
func (c *Collector) SetThreshold(g0, g1, g2 int) {
	c.generations[0].Threshold = g0
	c.generations[1].Threshold = g1
	c.generations[2].Threshold = g2
}

func (c *Collector) GetThreshold() (g0, g1, g2 int) {
	return c.generations[0].Threshold, c.generations[1].Threshold, c.generations[2].Threshold
}

// Garbage returns the uncollectable-cycle list, the `garbage` module
// attribute of spec.md §6.
func (c *Collector) Garbage() []Traversable { return c.garbage }

// Track registers obj in generation 0, bumping its allocation count. Called
// by the allocator when a container object is created. If the bumped count
// exceeds generation 0's (possibly boosted) threshold, automatic collection
// triggers is reported via the returned bool so the allocator's caller can
// invoke Collect — the trigger check itself never recurses into Collect,
// matching spec.md §4.7's "gated by !collecting".
func (c *Collector) Track(obj Traversable) (shouldCollect bool) {
	h := &header{obj: obj, refs: Reachable, gen: 0}
	c.generations[0].objs.pushBack(h)
	c.index[obj] = h
	c.generations[0].Count++

	effectiveThreshold := c.generations[0].Threshold + c.LongLivedPendingBoost
	if c.enabled && !c.collecting && effectiveThreshold > 0 && c.generations[0].Count > effectiveThreshold {
		return true
	}
	return false
}

// Untrack removes obj from whatever generation currently holds it, e.g.
// when its refcount (outside the collector) reaches zero through ordinary
// reference counting.
func (c *Collector) Untrack(obj Traversable) {
	h, ok := c.index[obj]
	if !ok {
		return
	}
	unlink(h)
	c.generations[h.gen].Count--
	delete(c.index, obj)
}

// IsTracked reports whether obj currently lives in a generation list.
func (c *Collector) IsTracked(obj Traversable) bool {
	_, ok := c.index[obj]
	return ok
}

// pickGeneration implements collect_generations(): the oldest generation
// whose count exceeds its threshold, collecting it and every younger one.
func (c *Collector) pickGeneration() (int, bool) {
	for g := 2; g >= 0; g-- {
		if c.generations[g].Count > c.generations[g].Threshold {
			return g, true
		}
	}
	return 0, false
}

// MaybeCollect runs collect_generations() if automatic collection is due,
// per the gating rule in spec.md §4.7. Returns the number of objects
// collected, or 0 if no collection was due.
func (c *Collector) MaybeCollect() int {
	if !c.enabled || c.collecting {
		return 0
	}
	g, due := c.pickGeneration()
	if !due {
		return 0
	}
	return c.Collect(g)
}

// Collect runs the seven-step algorithm of spec.md §4.7 over generation g
// and every younger generation, synchronously (the caller is expected to
// hold the owning interpreter's GEL; this package enforces only the
// `collecting` reentrancy guard, not GEL ownership, which is gel's
// concern). Returns the count of objects reclaimed.
func (c *Collector) Collect(g int) int {
	if g < 0 || g > 2 {
		panic(fmt.Sprintf("gc: invalid generation %d", g))
	}
	if c.collecting {
		return 0
	}
	c.collecting = true
	defer func() { c.collecting = false }()

	// Step 1: merge every generation younger than g into g's list. The
	// union is `young`.
	young := newList()
	for i := 0; i <= g; i++ {
		young.extend(c.generations[i].objs)
	}
	youngCountBefore := 0
	for i := 0; i <= g; i++ {
		youngCountBefore += c.generations[i].Count
		c.generations[i].Count = 0
	}

	// Step 2: update_refs — copy each object's real refcount into gc_refs.
	young.forEach(func(h *header) {
		h.refs = RefState(h.obj.RefCount())
	})

	// Step 3: subtract_refs — decrement gc_refs for every visited in-young
	// reference, so that what remains is the count of references
	// originating from outside `young`.
	young.forEach(func(h *header) {
		h.obj.Traverse(func(child Traversable) {
			if ch, ok := c.index[child]; ok && ch.refs >= 0 {
				ch.refs--
			}
		})
	})

	// Step 4: move_unreachable — partition young into reachable and
	// tentatively-unreachable, with back-propagation when a reachable
	// object's child is found in unreachable.
	unreachable := newList()
	c.moveUnreachable(young, unreachable)

	// Step 5: finalizers — objects with a finalizer, and everything
	// transitively reachable from them, are pulled out of unreachable.
	finalizers := newList()
	c.moveLegacyFinalizers(unreachable, finalizers)

	// Step 6: delete_garbage — clear every remaining unreachable object,
	// breaking cycles; count what's left as reclaimed.
	reclaimed := c.deleteGarbage(unreachable)

	// Step 7: promote — whatever remains in young (survivors) moves to the
	// next generation up (or stays in g if g is already the oldest);
	// finalizers join that same generation and are also appended to the
	// public garbage list.
	target := g + 1
	if target > 2 {
		target = 2
	}
	survivors := young.len()
	young.forEach(func(h *header) { h.gen = target })
	c.generations[target].objs.extend(young)
	finalizers.forEach(func(h *header) {
		h.gen = target
		h.refs = Reachable
		c.garbage = append(c.garbage, h.obj)
	})
	c.generations[target].objs.extend(finalizers)
	c.generations[target].Count += survivors + finalizers.len()

	if youngCountBefore > 0 {
		survivalRate := float64(survivors) / float64(youngCountBefore)
		if survivalRate > 0.25 {
			c.LongLivedPendingBoost = c.generations[0].Threshold
		} else {
			c.LongLivedPendingBoost = 0
		}
	}

	return reclaimed
}

// moveUnreachable implements gcmodule.c's move_unreachable: walk young;
// anything with gc_refs == 0 is provisionally unreachable. When a reachable
// object's traversal visits a child not yet reached by the walk with
// gc_refs == 0, that child's gc_refs is set to 1 so it stays reachable; a
// child already marked TentativelyUnreachable is pulled back into young (at
// the tail, matching the source) with gc_refs reset to 1 (a single inbound
// reference is now known).
func (c *Collector) moveUnreachable(young, unreachable *list) {
	h := young.sentinel.next
	for h != &young.sentinel {
		next := h.next
		if h.refs == 0 {
			h.refs = TentativelyUnreachable
			unlink(h)
			unreachable.pushBack(h)
		} else {
			h.refs = Reachable
			h.obj.Traverse(func(child Traversable) {
				ch, ok := c.index[child]
				if !ok {
					return
				}
				if ch.refs == 0 {
					ch.refs = 1
					return
				}
				if ch.refs != TentativelyUnreachable {
					return
				}
				unlink(ch)
				ch.refs = 1
				young.pushBack(ch)
			})
		}
		h = next
	}
}

// moveLegacyFinalizers pulls every object in unreachable that declares a
// finalizer, plus everything transitively reachable from it, into
// finalizers. Mirrors gcmodule.c's move_legacy_finalizers /
// move_legacy_finalizer_reachable pair.
func (c *Collector) moveLegacyFinalizers(unreachable, finalizers *list) {
	h := unreachable.sentinel.next
	for h != &unreachable.sentinel {
		next := h.next
		if h.obj.HasFinalizer() {
			unlink(h)
			h.refs = Reachable
			finalizers.pushBack(h)
		}
		h = next
	}
	// transitively reachable from finalizers
	for {
		moved := false
		h := unreachable.sentinel.next
		for h != &unreachable.sentinel {
			next := h.next
			reachableFromFinalizer := false
			finalizers.forEach(func(fh *header) {
				fh.obj.Traverse(func(child Traversable) {
					if child == h.obj {
						reachableFromFinalizer = true
					}
				})
			})
			if reachableFromFinalizer {
				unlink(h)
				h.refs = Reachable
				finalizers.pushBack(h)
				moved = true
			}
			h = next
		}
		if !moved {
			break
		}
	}
}

// deleteGarbage invokes Clear on every remaining unreachable object,
// breaking internal references, then removes it from the tracked index.
// Tolerates resurrection (a Clear implementation that re-tracks an object)
// by always re-reading the list head, per spec.md §4.7 step 6.
func (c *Collector) deleteGarbage(unreachable *list) int {
	count := 0
	for !unreachable.empty() {
		h := unreachable.sentinel.next
		unlink(h)
		delete(c.index, h.obj)
		h.obj.Clear()
		count++
	}
	return count
}

// Objects returns every tracked object in the given generation (0, 1, or
// 2), matching gcmodule.c's get_objects introspection named in
// spec.md SPEC_FULL §3.
func (c *Collector) Objects(generation int) []Traversable {
	if generation < 0 || generation > 2 {
		return nil
	}
	var out []Traversable
	c.generations[generation].objs.forEach(func(h *header) { out = append(out, h.obj) })
	return out
}

// Referrers returns every tracked object that directly references any of
// objs, walking every tracked object's Traverse callback (O(N) over the
// tracked universe, matching gcmodule.c's own approach, per SPEC_FULL §3).
func (c *Collector) Referrers(objs ...Traversable) []Traversable {
	targets := make(map[Traversable]bool, len(objs))
	for _, o := range objs {
		targets[o] = true
	}
	var out []Traversable
	for _, h := range c.index {
		refersToTarget := false
		h.obj.Traverse(func(child Traversable) {
			if targets[child] {
				refersToTarget = true
			}
		})
		if refersToTarget {
			out = append(out, h.obj)
		}
	}
	return out
}

// Referents returns every object directly referenced by any of objs.
func (c *Collector) Referents(objs ...Traversable) []Traversable {
	var out []Traversable
	for _, o := range objs {
		o.Traverse(func(child Traversable) { out = append(out, child) })
	}
	return out
}

// GenerationCounts reports (count, threshold) for each generation, for
// diagnostics and tests.
func (c *Collector) GenerationCounts() (counts, thresholds [3]int) {
	for i := range c.generations {
		counts[i] = c.generations[i].Count
		thresholds[i] = c.generations[i].Threshold
	}
	return
}
