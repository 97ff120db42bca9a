// Package h5build writes old-format HDF5 files for tests: a version 0
// superblock, version 1 object headers and symbol-table groups, the
// layout the HDF5 1.6 library and early PyTables releases produced.
package h5build

import (
	"encoding/binary"
	"os"
	"slices"
	"strings"

	"github.com/scigolib/tables/internal/core"
	"github.com/scigolib/tables/internal/filters"
	"github.com/scigolib/tables/internal/structures"
	h5testing "github.com/scigolib/tables/internal/testing"
)

// v1HeaderSlack is the NIL space left in each header for later edits.
const v1HeaderSlack = 256

// Legacy describes a file tree to write.
type Legacy struct {
	// UserBlock is the number of zero bytes before the superblock.
	UserBlock uint64
	// ChunkK is recorded in a version 1 superblock when non-zero.
	ChunkK uint16

	root *Group
}

// Attr is an attribute value in file byte order. Dims nil means scalar.
type Attr struct {
	Name  string
	Type  *core.Datatype
	Dims  []uint64
	Value []byte
}

// Dataset describes a dataset and its raw contents in file byte order.
type Dataset struct {
	Type      *core.Datatype
	Dims      []uint64
	MaxDims   []uint64
	Data      []byte
	ChunkDims []uint64 // nil for contiguous storage
	Filters   []filters.Stage
	Fill      []byte
	Attrs     []Attr
}

// Group is a symbol-table group under construction.
type Group struct {
	children []child
	attrs    []Attr
}

type child struct {
	name    string
	group   *Group
	dataset *Dataset
	target  string
}

// NewLegacy returns a builder with an empty root group.
func NewLegacy(userBlock uint64) *Legacy {
	return &Legacy{UserBlock: userBlock, root: &Group{}}
}

// Root returns the root group.
func (b *Legacy) Root() *Group {
	return b.root
}

// Group adds a child group.
func (g *Group) Group(name string) *Group {
	c := &Group{}
	g.children = append(g.children, child{name: name, group: c})
	return c
}

// Dataset adds a dataset.
func (g *Group) Dataset(name string, ds *Dataset) *Group {
	g.children = append(g.children, child{name: name, dataset: ds})
	return g
}

// SoftLink adds a soft link to target.
func (g *Group) SoftLink(name, target string) *Group {
	g.children = append(g.children, child{name: name, target: target})
	return g
}

// Attr adds an attribute to the group.
func (g *Group) Attr(a Attr) *Group {
	g.attrs = append(g.attrs, a)
	return g
}

// StringAttr is a scalar NUL-terminated string attribute, the way
// PyTables stores CLASS and VERSION.
func StringAttr(name, value string) Attr {
	return Attr{
		Name:  name,
		Type:  core.NewString(len(value)+1, core.PadNullTerm),
		Value: append([]byte(value), 0),
	}
}

// Int64Attr is a scalar little-endian int64 attribute.
func Int64Attr(name string, v int64) Attr {
	return Attr{Name: name, Type: core.NewInteger(8, true, false), Value: core.EncodeInt(v, 8, false)}
}

// Build lays the file out in memory.
func (b *Legacy) Build() ([]byte, error) {
	f := core.DefaultFormat
	sbSize := uint64(24 + 4*f.OffsetSize + structures.SymbolEntrySize(f))
	if b.ChunkK != 0 {
		sbSize += 4
	}
	s := h5testing.NewMockStorage(sbSize)

	rootAddr, btree, heap, err := writeGroup(s, f, b.root)
	if err != nil {
		return nil, err
	}

	e := core.NewEncoder(f, int(sbSize))
	e.Raw([]byte(core.Signature))
	version := uint8(0)
	if b.ChunkK != 0 {
		version = 1
	}
	e.Raw([]byte{version, 0, 0, 0, 0, uint8(f.OffsetSize), uint8(f.LengthSize), 0})
	e.U16(structures.DefaultGroupLeafK)
	e.U16(structures.DefaultGroupInternalK)
	e.U32(0)
	if version == 1 {
		e.U16(b.ChunkK)
		e.U16(0)
	}
	e.Addr(0)
	e.Addr(core.UndefinedAddress)
	e.Addr(s.EndOfFile())
	e.Addr(core.UndefinedAddress)
	e.Raw(structures.EncodeSymbolEntry(f, structures.SymbolEntry{
		ObjectAddr: rootAddr,
		CacheType:  structures.CacheSymbolTable,
		BTreeAddr:  btree,
		HeapAddr:   heap,
	}))
	if _, err := s.WriteAt(e.Bytes(), 0); err != nil {
		return nil, err
	}

	out := make([]byte, b.UserBlock, b.UserBlock+s.EndOfFile())
	return append(out, s.Bytes()[:s.EndOfFile()]...), nil
}

// WriteFile builds the file and stores it at path.
func (b *Legacy) WriteFile(path string) error {
	data, err := b.Build()
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

func writeGroup(s core.Storage, f core.Format, g *Group) (addr, btree, heapAddr uint64, err error) {
	children := slices.Clone(g.children)
	slices.SortFunc(children, func(a, b child) int { return strings.Compare(a.name, b.name) })

	heap := structures.NewLocalHeapBuilder()
	entries := make([]structures.SymbolEntry, 0, len(children))
	for _, c := range children {
		entry := structures.SymbolEntry{NameOffset: heap.Add(c.name)}
		switch {
		case c.group != nil:
			entry.ObjectAddr, entry.BTreeAddr, entry.HeapAddr, err = writeGroup(s, f, c.group)
			entry.CacheType = structures.CacheSymbolTable
		case c.dataset != nil:
			entry.ObjectAddr, err = writeDataset(s, f, c.dataset)
		default:
			entry.ObjectAddr = core.UndefinedAddress
			entry.CacheType = structures.CacheSoftLink
			entry.LinkOffset = uint32(heap.Add(c.target)) //nolint:gosec // small heaps
		}
		if err != nil {
			return 0, 0, 0, err
		}
		entries = append(entries, entry)
	}

	capacity := 2 * structures.DefaultGroupLeafK
	snods := []uint64{}
	keys := []uint64{0}
	for start := 0; start < len(entries); start += capacity {
		part := entries[start:min(start+capacity, len(entries))]
		buf := structures.EncodeSymbolNode(f, part, capacity)
		a, err := place(s, buf)
		if err != nil {
			return 0, 0, 0, err
		}
		snods = append(snods, a)
		keys = append(keys, part[len(part)-1].NameOffset)
	}
	if btree, err = structures.WriteGroupBTree(s, f, snods, keys); err != nil {
		return 0, 0, 0, err
	}
	if heapAddr, err = heap.Write(s, f); err != nil {
		return 0, 0, 0, err
	}

	st := &core.SymbolTable{BTreeAddress: btree, HeapAddress: heapAddr}
	msgs := []core.RawMessage{{Type: core.MsgSymbolTable, Data: st.Encode(f)}}
	msgs = append(msgs, attrMessages(f, g.attrs)...)
	addr, err = place(s, EncodeV1Header(msgs, v1HeaderSlack))
	return addr, btree, heapAddr, err
}

func writeDataset(s core.Storage, f core.Format, ds *Dataset) (uint64, error) {
	space := &core.Dataspace{Version: 1, Kind: core.DataspaceSimple, Dims: ds.Dims, MaxDims: ds.MaxDims}
	if len(ds.Dims) == 0 {
		space.Kind = core.DataspaceScalar
	}
	elem := int(ds.Type.Size)

	var layout *core.Layout
	if ds.ChunkDims == nil {
		addr := core.UndefinedAddress
		if len(ds.Data) > 0 {
			var err error
			if addr, err = place(s, ds.Data); err != nil {
				return 0, err
			}
		}
		layout = core.NewContiguousLayout(addr, uint64(len(ds.Data)))
	} else {
		layout = core.NewChunkedLayout(ds.ChunkDims, uint32(elem)) //nolint:gosec // small
		refs, err := writeChunks(s, ds, elem)
		if err != nil {
			return 0, err
		}
		if layout.Address, err = core.WriteChunkBTree(s, f, refs, len(ds.Dims), ds.ChunkDims, core.DefaultChunkK); err != nil {
			return 0, err
		}
	}

	var pipeline *core.FilterPipeline
	if len(ds.Filters) > 0 {
		pipeline = &core.FilterPipeline{Version: 1, Stages: ds.Filters}
	}
	var fill *core.FillValue
	if ds.Fill != nil {
		fill = &core.FillValue{AllocTime: core.AllocIncremental, WriteTime: core.FillWriteIfSet, Defined: true, Value: ds.Fill}
	}
	msgs, err := core.DatasetMessages(f, ds.Type, space, layout, pipeline, fill)
	if err != nil {
		return 0, err
	}
	msgs = append(msgs, attrMessages(f, ds.Attrs)...)
	return place(s, EncodeV1Header(msgs, v1HeaderSlack))
}

// writeChunks splits the row-major data into chunks, padding edge
// chunks with the fill value.
func writeChunks(s core.Storage, ds *Dataset, elem int) ([]core.ChunkRef, error) {
	rank := len(ds.Dims)
	chunkElems := 1
	grid := make([]uint64, rank)
	for i, c := range ds.ChunkDims {
		chunkElems *= int(c)
		grid[i] = (ds.Dims[i] + c - 1) / c
	}
	var refs []core.ChunkRef
	idx := make([]uint64, rank)
	for rank > 0 && idx[0] < grid[0] {
		origin := make([]uint64, rank)
		for i := range idx {
			origin[i] = idx[i] * ds.ChunkDims[i]
		}
		buf := make([]byte, chunkElems*elem)
		for off := 0; off+len(ds.Fill) <= len(buf) && len(ds.Fill) > 0; off += len(ds.Fill) {
			copy(buf[off:], ds.Fill)
		}
		local := make([]uint64, rank)
		for n := 0; n < chunkElems; n++ {
			rem := n
			inside := true
			global := 0
			for i := rank - 1; i >= 0; i-- {
				local[i] = uint64(rem % int(ds.ChunkDims[i]))
				rem /= int(ds.ChunkDims[i])
			}
			for i := 0; i < rank; i++ {
				g := origin[i] + local[i]
				if g >= ds.Dims[i] {
					inside = false
					break
				}
				global = global*int(ds.Dims[i]) + int(g)
			}
			if inside {
				copy(buf[n*elem:(n+1)*elem], ds.Data[global*elem:(global+1)*elem])
			}
		}
		payload, mask, err := filters.Encode(ds.Filters, elem, buf)
		if err != nil {
			return nil, err
		}
		addr, err := place(s, payload)
		if err != nil {
			return nil, err
		}
		refs = append(refs, core.ChunkRef{Offset: origin, Addr: addr, Size: uint32(len(payload)), FilterMask: mask}) //nolint:gosec // small

		for i := rank - 1; i >= 0; i-- {
			idx[i]++
			if idx[i] < grid[i] || i == 0 {
				break
			}
			idx[i] = 0
		}
	}
	return refs, nil
}

func attrMessages(f core.Format, attrs []Attr) []core.RawMessage {
	msgs := make([]core.RawMessage, 0, len(attrs))
	for _, a := range attrs {
		msgs = append(msgs, core.RawMessage{Type: core.MsgAttribute, Data: EncodeV1Attribute(f, a)})
	}
	return msgs
}

// EncodeV1Attribute builds a version 1 attribute message, whose fields are
// padded to eight bytes.
func EncodeV1Attribute(f core.Format, a Attr) []byte {
	space := &core.Dataspace{Version: 1, Kind: core.DataspaceSimple, Dims: a.Dims}
	if a.Dims == nil {
		space.Kind = core.DataspaceScalar
	}
	dt := a.Type.Encode()
	ds := space.Encode(f)
	e := core.NewEncoder(f, 64+len(a.Value))
	e.U8(1)
	e.U8(0)
	e.U16(uint16(len(a.Name) + 1)) //nolint:gosec // short names
	e.U16(uint16(len(dt)))         //nolint:gosec // small
	e.U16(uint16(len(ds)))         //nolint:gosec // small
	for _, field := range [][]byte{append([]byte(a.Name), 0), dt, ds} {
		e.Raw(field)
		e.Zeros(core.Padded8(len(field)) - len(field))
	}
	e.Raw(a.Value)
	return e.Bytes()
}

// EncodeV1Header lays out a version 1 object header with slack bytes of
// NIL space at the end.
func EncodeV1Header(msgs []core.RawMessage, slack int) []byte {
	var body []byte
	count := 0
	add := func(typ core.MessageType, flags uint8, data []byte, size int) {
		hdr := make([]byte, 8)
		binary.LittleEndian.PutUint16(hdr, uint16(typ))
		binary.LittleEndian.PutUint16(hdr[2:], uint16(size)) //nolint:gosec // below 64KB
		hdr[4] = flags
		body = append(body, hdr...)
		body = append(body, data...)
		body = append(body, make([]byte, size-len(data))...)
		count++
	}
	for _, m := range msgs {
		add(m.Type, m.Flags, m.Data, core.Padded8(len(m.Data)))
	}
	if slack > 0 {
		add(core.MsgNil, 0, nil, core.Padded8(slack))
	}

	prefix := make([]byte, 16)
	prefix[0] = 1
	binary.LittleEndian.PutUint16(prefix[2:], uint16(count)) //nolint:gosec // few messages
	binary.LittleEndian.PutUint32(prefix[4:], 1)
	binary.LittleEndian.PutUint32(prefix[8:], uint32(len(body))) //nolint:gosec // small headers
	return append(prefix, body...)
}

func place(s core.Storage, buf []byte) (uint64, error) {
	addr, err := s.Allocate(uint64(len(buf)))
	if err != nil {
		return 0, err
	}
	//nolint:gosec // G115: test files are small
	if _, err := s.WriteAt(buf, int64(addr)); err != nil {
		return 0, err
	}
	return addr, nil
}
