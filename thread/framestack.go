package thread


// DefaultChunkSize is the default stack-chunk arena size, per spec.md
// §4.5 ("default 16 KiB each, doubled until a requested frame fits").
const DefaultChunkSize = 16 * 1024

// frameChunk is one arena in the thread-state's chunk list; frames are
// bump-allocated upward within it. previous == nil identifies
// the root chunk, which is never freed (spec.md §4.5, §8, §9).
type frameChunk struct {
	data     []byte
	top      int
	previous *frameChunk
}

// Frame is an opaque handle to a single pushed frame's storage, returned
// by FrameStack.Push and required by FrameStack.Pop. Frames must be popped
// in LIFO order; Pop panics if given anything but the most recently pushed,
// still-live frame (a violation is an internal-invariant violation per
// spec.md §7's assertion error kind).
type Frame struct {
	chunk  *frameChunk
	offset int
	size   int
}

// FrameStack is the chunked stack of interpreter frames named in spec.md §3
// and detailed in §4.5; within each chunk the top offset grows upward. This implementation replaces
// the source's "skip index 0 of the root chunk" hack with an explicit
// is-root check on the chunk itself, the alternative spec.md §9 names
// explicitly as preserving the same observable contract.
type FrameStack struct {
	root    *frameChunk
	current *frameChunk
	depth   int
}

// NewFrameStack allocates a FrameStack with a single root chunk of
// DefaultChunkSize, never freed until the owning thread-state is deleted.
func NewFrameStack() *FrameStack {
	root := &frameChunk{data: make([]byte, DefaultChunkSize)}
	return &FrameStack{root: root, current: root}
}

// Push reserves size bytes for a new frame. If the current chunk lacks
// room, a new chunk is allocated — doubled in size repeatedly from
// DefaultChunkSize until the requested frame fits — and the new frame
// starts inside the new chunk (spec.md §4.5).
func (fs *FrameStack) Push(size int) *Frame {
	if size < 0 {
		panic("thread: negative frame size")
	}
	if fs.current.top+size > len(fs.current.data) {
		chunkSize := DefaultChunkSize
		for chunkSize < size {
			chunkSize *= 2
		}
		fs.current = &frameChunk{data: make([]byte, chunkSize), previous: fs.current}
	}
	f := &Frame{chunk: fs.current, offset: fs.current.top, size: size}
	fs.current.top += size
	fs.depth++
	return f
}

// Pop releases f, which must be the most recently pushed, still-live
// frame. If f is the first frame in its chunk (offset 0) and that chunk is
// not the root chunk, the chunk is freed and the previous chunk's top is
// restored; otherwise the current chunk's top bumps down to f's offset
// (spec.md §4.5).
func (fs *FrameStack) Pop(f *Frame) {
	if f.chunk != fs.current || f.offset+f.size != fs.current.top {
		panic("thread: frame stack corruption: pop of non-top frame")
	}
	fs.depth--
	if f.offset == 0 {
		if fs.current.previous != nil {
			fs.current = fs.current.previous
			return
		}
		// Root chunk: reset top in place rather than freeing.
		fs.current.top = 0
		return
	}
	fs.current.top = f.offset
}

// Depth reports the number of frames currently pushed, for diagnostics.
func (fs *FrameStack) Depth() int { return fs.depth }

// RootIsCurrent reports whether the stack has unwound back to its root
// chunk, used by spec.md §8's invariant tests.
func (fs *FrameStack) RootIsCurrent() bool { return fs.current == fs.root }

// ChunkCount walks the chunk chain from current back to root, for tests
// asserting chunk-boundary allocation behavior.
func (fs *FrameStack) ChunkCount() int {
	n := 0
	for c := fs.current; c != nil; c = c.previous {
		n++
	}
	return n
}
