package writer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAllocator(t *testing.T) {
	tests := []struct {
		name    string
		initial uint64
		sizes   []uint64
		want    []uint64
		eof     uint64
	}{
		{name: "aligned start", initial: 48, sizes: []uint64{16, 8}, want: []uint64{48, 64}, eof: 72},
		{name: "unaligned sizes", initial: 48, sizes: []uint64{3, 5, 1}, want: []uint64{48, 56, 64}, eof: 65},
		{name: "unaligned start", initial: 45, sizes: []uint64{8}, want: []uint64{48}, eof: 56},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := NewAllocator(tt.initial)
			for i, size := range tt.sizes {
				addr, err := a.Allocate(size)
				require.NoError(t, err)
				assert.Equal(t, tt.want[i], addr)
			}
			assert.Equal(t, tt.eof, a.EndOfFile())
			assert.NoError(t, a.ValidateNoOverlaps())
			assert.Len(t, a.Blocks(), len(tt.sizes))
		})
	}
}

func TestAllocatorZeroSize(t *testing.T) {
	a := NewAllocator(0)
	_, err := a.Allocate(0)
	assert.Error(t, err)
}

func TestAllocatorOverflow(t *testing.T) {
	a := NewAllocator(^uint64(0) - 15)
	_, err := a.Allocate(64)
	assert.Error(t, err)
}

func TestAllocatorOverlapDetection(t *testing.T) {
	a := NewAllocator(0)
	a.blocks = []AllocatedBlock{{Offset: 0, Size: 16}, {Offset: 8, Size: 8}}
	assert.Error(t, a.ValidateNoOverlaps())
}
