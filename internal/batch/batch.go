// Package batch implements a fixed-capacity staging area for (token,
// position, seq_id, wants_logits) tuples, materialized into the native
// batch view the decode capability consumes.
//
// Grounded on runner/llamarunner/batch.go's *llama.Batch (Add/Clear/Size)
// and on the original Rust source's batch_buffer module (reset/add_token/
// as_llama_batch, referenced from parallel.rs). The parallel-array layout
// mirrors llama.cpp's own llama_batch struct, which is what both sources
// ultimately populate.
package batch

import "github.com/coregen/llamasched/internal/native"

// Buffer is a preallocated capacity-n_batch staging area. It is not safe
// for concurrent use; the scheduler owns one per Processor loop.
type Buffer struct {
	capacity int
	items    []native.BatchItem
}

// NewBuffer allocates a Buffer with room for capacity items.
func NewBuffer(capacity int) *Buffer {
	return &Buffer{
		capacity: capacity,
		items:    make([]native.BatchItem, 0, capacity),
	}
}

// Capacity returns n_batch.
func (b *Buffer) Capacity() int { return b.capacity }

// Len returns the number of items currently staged.
func (b *Buffer) Len() int { return len(b.items) }

// Remaining returns how many more items can be staged before Capacity.
func (b *Buffer) Remaining() int { return b.capacity - len(b.items) }

// Reset clears the logical length without releasing the backing array.
func (b *Buffer) Reset() { b.items = b.items[:0] }

// Add appends one item. Callers must check Remaining() > 0 first; Add
// panics on overflow since the scheduler must never stage more than
// n_batch items in total — a violation is a programmer error, not a
// runtime condition.
func (b *Buffer) Add(tok native.TokenID, pos native.Position, seq native.SeqID, wantsLogits bool) {
	if len(b.items) >= b.capacity {
		panic("batch: Add called beyond capacity")
	}
	b.items = append(b.items, native.BatchItem{
		Token:       tok,
		Pos:         pos,
		Seq:         seq,
		WantsLogits: wantsLogits,
	})
}

// Items returns the live prefix, satisfying native.Batch.
func (b *Buffer) Items() []native.BatchItem { return b.items }
