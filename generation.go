package mastership

import "sync/atomic"

// GenerationAllocator hands out generation ids for role requests. Every id is
// strictly greater than the ones handed out before it. It is safe for
// concurrent use.
//
// Controllers that negotiate mastership of the same device should share one
// allocator, otherwise their requests are not ordered with respect to each
// other and one will see ErrStaleGeneration.
type GenerationAllocator struct {
	last atomic.Uint64
}

// NewGenerationAllocator returns an allocator whose first id is start+1.
func NewGenerationAllocator(start uint64) *GenerationAllocator {
	g := &GenerationAllocator{}
	g.last.Store(start)
	return g
}

// Next returns a new generation id.
func (g *GenerationAllocator) Next() uint64 {
	next := g.last.Add(1)
	if next == 0 {
		panic("BUG: generation id space exhausted")
	}
	return next
}

// Last returns the most recently issued id, or the start value if none has
// been issued.
func (g *GenerationAllocator) Last() uint64 {
	return g.last.Load()
}
