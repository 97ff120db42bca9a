package structures

import (
	"slices"

	"github.com/scigolib/tables/internal/core"
	"github.com/scigolib/tables/internal/utils"
)

// LocalHeap holds the names of an old-style group.
type LocalHeap struct {
	Addr     uint64
	Data     []byte
	DataAddr uint64
	FreeList uint64 // offset of the first free block, or heapFreeNull
}

// heapFreeNull ends a local heap free list.
const heapFreeNull = 1

// ReadLocalHeap loads the heap header at addr and its data segment.
func ReadLocalHeap(r *core.Reader, addr uint64) (*LocalHeap, error) {
	hdr, err := r.Read(addr, 8+2*r.LengthSize+r.OffsetSize)
	if err != nil {
		return nil, utils.WrapErrorAt("local heap", addr, err)
	}
	d := core.NewDecoder(hdr, r.Format)
	d.Signature("HEAP")
	if v := d.U8(); d.Err() == nil && v != 0 {
		return nil, utils.Corruptf("local heap at 0x%x has version %d", addr, v)
	}
	d.Skip(3)
	size := d.Length()
	free := d.Length()
	dataAddr := d.Addr()
	if err := d.Err(); err != nil {
		return nil, utils.WrapErrorAt("local heap", addr, err)
	}
	if size > utils.MaxChunkSize {
		return nil, utils.Corruptf("local heap at 0x%x claims %d bytes", addr, size)
	}
	data, err := r.Read(dataAddr, int(size))
	if err != nil {
		return nil, utils.WrapErrorAt("local heap data", dataAddr, err)
	}
	return &LocalHeap{Addr: addr, Data: data, DataAddr: dataAddr, FreeList: free}, nil
}

// String returns the NUL-terminated string at offset.
func (h *LocalHeap) String(offset uint64) (string, error) {
	if offset >= uint64(len(h.Data)) {
		return "", utils.Corruptf("local heap offset %d beyond %d bytes", offset, len(h.Data))
	}
	for i := offset; i < uint64(len(h.Data)); i++ {
		if h.Data[i] == 0 {
			return string(h.Data[offset:i]), nil
		}
	}
	return "", utils.Corruptf("unterminated local heap string at %d", offset)
}

// LocalHeapBuilder accumulates strings for a new local heap. Offset 0
// always holds the empty string.
type LocalHeapBuilder struct {
	data []byte
}

// NewLocalHeapBuilder returns a builder holding only the empty string.
func NewLocalHeapBuilder() *LocalHeapBuilder {
	return &LocalHeapBuilder{data: make([]byte, 8)}
}

// Add appends s and returns its offset.
func (b *LocalHeapBuilder) Add(s string) uint64 {
	off := uint64(len(b.data))
	b.data = append(b.data, s...)
	b.data = append(b.data, 0)
	b.data = append(b.data, make([]byte, core.Padded8(len(b.data))-len(b.data))...)
	return off
}

// Write stores the heap header followed by its data segment and returns
// the header address.
func (b *LocalHeapBuilder) Write(s core.Storage, f core.Format) (uint64, error) {
	hdrSize := 8 + 2*f.LengthSize + f.OffsetSize
	addr, err := s.Allocate(uint64(hdrSize + len(b.data))) //nolint:gosec // small
	if err != nil {
		return 0, err
	}
	e := core.NewEncoder(f, hdrSize+len(b.data))
	e.Raw([]byte("HEAP"))
	e.U8(0)
	e.Zeros(3)
	e.Length(uint64(len(b.data)))
	e.Length(heapFreeNull)
	e.Addr(addr + uint64(hdrSize)) //nolint:gosec // small
	e.Raw(b.data)
	//nolint:gosec // G115: file addresses fit in int64
	if _, err := s.WriteAt(e.Bytes(), int64(addr)); err != nil {
		return 0, utils.WrapErrorAt("write local heap", addr, err)
	}
	return addr, nil
}

type heapFreeBlock struct {
	offset, size uint64
}

// freeBlocks decodes the free list. Offsets outside the data segment end
// the list, as writers that predate the null marker left all ones there.
func (h *LocalHeap) freeBlocks(f core.Format) ([]heapFreeBlock, error) {
	var blocks []heapFreeBlock
	seen := make(map[uint64]bool)
	for off := h.FreeList; off != heapFreeNull && off+uint64(2*f.LengthSize) <= uint64(len(h.Data)); {
		if seen[off] {
			return nil, utils.Corruptf("local heap at 0x%x has a free list cycle at %d", h.Addr, off)
		}
		seen[off] = true
		d := core.NewDecoder(h.Data[off:], f)
		next, size := d.Length(), d.Length()
		if off+size > uint64(len(h.Data)) || size < uint64(2*f.LengthSize) {
			return nil, utils.Corruptf("local heap free block at %d has size %d", off, size)
		}
		blocks = append(blocks, heapFreeBlock{offset: off, size: size})
		off = next
	}
	return blocks, nil
}

// AppendLocalHeapString stores name in the local heap at addr and returns
// its offset. The data segment moves to a larger allocation when no free
// block can hold the name; the header stays where it is.
func AppendLocalHeapString(s core.Storage, f core.Format, addr uint64, name string) (uint64, error) {
	h, err := ReadLocalHeap(core.NewReader(s, f), addr)
	if err != nil {
		return 0, err
	}
	free, err := h.freeBlocks(f)
	if err != nil {
		return 0, err
	}
	minFree := uint64(2 * f.LengthSize)
	need := uint64(core.Padded8(len(name) + 1)) //nolint:gosec // names are short

	offset := core.UndefinedAddress
	for i, b := range free {
		if b.size == need {
			offset = b.offset
			free = slices.Delete(free, i, i+1)
			break
		}
		if b.size >= need+minFree {
			offset = b.offset
			free[i] = heapFreeBlock{offset: b.offset + need, size: b.size - need}
			break
		}
	}

	moved := false
	if offset == core.UndefinedAddress {
		// Grow the segment, extending a free block that reaches its end.
		used := uint64(len(h.Data))
		for i, b := range free {
			if b.offset+b.size == used {
				used = b.offset
				free = slices.Delete(free, i, i+1)
				break
			}
		}
		size := max(2*uint64(len(h.Data)), used+need+minFree)
		data := make([]byte, size)
		copy(data, h.Data)
		h.Data = data
		offset = used
		free = append(free, heapFreeBlock{offset: used + need, size: size - used - need})
		moved = true
	}

	copy(h.Data[offset:], name)
	clear(h.Data[offset+uint64(len(name)) : offset+need])
	h.FreeList = heapFreeNull
	for i := len(free) - 1; i >= 0; i-- {
		e := core.NewEncoder(f, 2*f.LengthSize)
		e.Length(h.FreeList)
		e.Length(free[i].size)
		copy(h.Data[free[i].offset:], e.Bytes())
		h.FreeList = free[i].offset
	}

	if moved {
		if h.DataAddr, err = s.Allocate(uint64(len(h.Data))); err != nil {
			return 0, err
		}
	}
	//nolint:gosec // G115: file addresses fit in int64
	if _, err := s.WriteAt(h.Data, int64(h.DataAddr)); err != nil {
		return 0, utils.WrapErrorAt("write local heap data", h.DataAddr, err)
	}
	e := core.NewEncoder(f, 2*f.LengthSize+f.OffsetSize)
	e.Length(uint64(len(h.Data)))
	e.Length(h.FreeList)
	e.Addr(h.DataAddr)
	//nolint:gosec // G115: file addresses fit in int64
	if _, err := s.WriteAt(e.Bytes(), int64(addr)+8); err != nil {
		return 0, utils.WrapErrorAt("write local heap header", addr, err)
	}
	return offset, nil
}
