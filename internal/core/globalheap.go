package core

import (
	"fmt"
	"sync"

	"github.com/scigolib/tables/internal/utils"
)

const (
	globalHeapMinSize = 4096
	globalHeapHeader  = 8 // signature, version, reserved; the size field follows
)

// GlobalHeapRef names one object in a global heap collection. Variable
// length data stores a sequence length followed by this reference.
type GlobalHeapRef struct {
	Collection uint64
	Index      uint32
}

// VLenRefSize is the size of a variable-length element on disk.
func VLenRefSize(f Format) int {
	return 4 + f.OffsetSize + 4
}

// DecodeVLenRef splits a variable-length element into its sequence
// length and heap reference.
func DecodeVLenRef(b []byte, f Format) (uint32, GlobalHeapRef) {
	d := NewDecoder(b, f)
	n := d.U32()
	ref := GlobalHeapRef{Collection: d.Addr(), Index: d.U32()}
	return n, ref
}

// EncodeVLenRef is the inverse of DecodeVLenRef.
func EncodeVLenRef(n uint32, ref GlobalHeapRef, f Format) []byte {
	e := NewEncoder(f, VLenRefSize(f))
	e.U32(n)
	e.Addr(ref.Collection)
	e.U32(ref.Index)
	return e.buf
}

// GlobalHeap reads objects from global heap collections, caching each
// collection after its first use. It is safe for concurrent use.
type GlobalHeap struct {
	r  *Reader
	mu sync.Mutex

	collections map[uint64]map[uint32][]byte
}

// NewGlobalHeap returns a reader over the collections reachable through r.
func NewGlobalHeap(r *Reader) *GlobalHeap {
	return &GlobalHeap{r: r, collections: make(map[uint64]map[uint32][]byte)}
}

// Object returns the bytes of the referenced object.
func (g *GlobalHeap) Object(ref GlobalHeapRef) ([]byte, error) {
	if ref.Collection == 0 || ref.Collection == UndefinedAddress {
		return nil, nil
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	objs, ok := g.collections[ref.Collection]
	if !ok {
		var err error
		objs, err = readGlobalHeap(g.r, ref.Collection)
		if err != nil {
			return nil, err
		}
		g.collections[ref.Collection] = objs
	}
	obj, ok := objs[ref.Index]
	if !ok {
		return nil, utils.Corruptf("global heap 0x%x has no object %d", ref.Collection, ref.Index)
	}
	return obj, nil
}

func readGlobalHeap(r *Reader, addr uint64) (map[uint32][]byte, error) {
	d, err := r.decoderAt(addr, globalHeapHeader+r.LengthSize)
	if err != nil {
		return nil, utils.WrapErrorAt("global heap", addr, err)
	}
	d.Signature("GCOL")
	if v := d.U8(); d.err == nil && v != 1 {
		return nil, utils.Corruptf("global heap at 0x%x has version %d", addr, v)
	}
	d.Skip(3)
	size := d.Length()
	if d.err != nil {
		return nil, utils.WrapErrorAt("global heap", addr, d.err)
	}
	if size > utils.MaxChunkSize {
		return nil, utils.Corruptf("global heap at 0x%x claims %d bytes", addr, size)
	}

	d, err = r.decoderAt(addr, int(size))
	if err != nil {
		return nil, utils.WrapErrorAt("global heap", addr, err)
	}
	d.Skip(globalHeapHeader + r.LengthSize)
	objs := make(map[uint32][]byte)
	objHeader := 8 + r.LengthSize
	for d.Remaining() >= objHeader {
		index := d.U16()
		d.Skip(6) // reference count, reserved
		n := d.Length()
		if index == 0 {
			break
		}
		if n > uint64(d.Remaining()) {
			return nil, utils.Corruptf("global heap object %d of %d bytes overruns collection", index, n)
		}
		objs[uint32(index)] = d.Bytes(int(n))
		d.Skip(min(Padded8(int(n))-int(n), d.Remaining()))
	}
	if d.err != nil {
		return nil, utils.WrapErrorAt("global heap", addr, d.err)
	}
	return objs, nil
}

// WriteGlobalHeap stores objects in a new collection at the end of the
// file. The returned references are in the order of objects.
func WriteGlobalHeap(s Storage, f Format, objects [][]byte) ([]GlobalHeapRef, error) {
	if len(objects) > MaxGlobalHeapObjects {
		return nil, fmt.Errorf("%d objects exceed one global heap collection", len(objects))
	}
	objHeader := 8 + f.LengthSize
	used := globalHeapHeader + f.LengthSize
	for _, obj := range objects {
		used += objHeader + Padded8(len(obj))
	}
	size := max(used, globalHeapMinSize)
	if free := size - used; free > 0 && free < objHeader {
		size += objHeader
	}

	e := NewEncoder(f, size)
	e.Raw([]byte("GCOL"))
	e.U8(1)
	e.Zeros(3)
	e.Length(uint64(size))
	for i, obj := range objects {
		e.U16(uint16(i + 1)) //nolint:gosec // bounded above
		e.U16(1)
		e.Zeros(4)
		e.Length(uint64(len(obj)))
		e.Raw(obj)
		e.Zeros(Padded8(len(obj)) - len(obj))
	}
	if free := size - e.Len(); free >= objHeader {
		e.U16(0)
		e.Zeros(6)
		e.Length(uint64(free))
	}
	e.Zeros(size - e.Len())

	addr, err := s.Allocate(uint64(size))
	if err != nil {
		return nil, err
	}
	if err := writeFull(s, e.buf, addr); err != nil {
		return nil, err
	}
	refs := make([]GlobalHeapRef, len(objects))
	for i := range objects {
		refs[i] = GlobalHeapRef{Collection: addr, Index: uint32(i + 1)} //nolint:gosec // bounded above
	}
	return refs, nil
}

// MaxGlobalHeapObjects bounds how many objects one collection may hold.
const MaxGlobalHeapObjects = 0xffff
