package writer

import (
	"fmt"
	"sort"
)

// AllocatedBlock is a region handed out by the allocator.
type AllocatedBlock struct {
	Offset uint64
	Size   uint64
}

// Allocator hands out space at the end of the file. Freed space is never
// reused, so blocks never overlap.
type Allocator struct {
	blocks     []AllocatedBlock
	nextOffset uint64
}

// NewAllocator starts allocating at initialOffset.
func NewAllocator(initialOffset uint64) *Allocator {
	return &Allocator{
		blocks:     make([]AllocatedBlock, 0, 16),
		nextOffset: initialOffset,
	}
}

// Allocate reserves size bytes and returns their address. Addresses are
// aligned to 8 bytes.
func (a *Allocator) Allocate(size uint64) (uint64, error) {
	if size == 0 {
		return 0, fmt.Errorf("cannot allocate zero bytes")
	}
	addr := (a.nextOffset + 7) &^ 7
	if addr+size < addr {
		return 0, fmt.Errorf("allocation of %d bytes overflows the address space", size)
	}
	a.blocks = append(a.blocks, AllocatedBlock{Offset: addr, Size: size})
	a.nextOffset = addr + size
	return addr, nil
}

// EndOfFile returns the first address past every allocation.
func (a *Allocator) EndOfFile() uint64 {
	return a.nextOffset
}

// Blocks returns the allocations of this session sorted by address.
func (a *Allocator) Blocks() []AllocatedBlock {
	blocks := make([]AllocatedBlock, len(a.blocks))
	copy(blocks, a.blocks)
	sort.Slice(blocks, func(i, j int) bool {
		return blocks[i].Offset < blocks[j].Offset
	})
	return blocks
}

// ValidateNoOverlaps checks the allocation invariant.
func (a *Allocator) ValidateNoOverlaps() error {
	blocks := a.Blocks()
	for i := 0; i < len(blocks)-1; i++ {
		current, next := blocks[i], blocks[i+1]
		if current.Offset+current.Size > next.Offset {
			return fmt.Errorf("overlap detected: block at %d (size %d) overlaps block at %d",
				current.Offset, current.Size, next.Offset)
		}
	}
	return nil
}
