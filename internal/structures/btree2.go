package structures

import (
	"github.com/scigolib/tables/internal/core"
	"github.com/scigolib/tables/internal/utils"
)

// Version 2 B-tree record types.
const (
	BTree2LinkName          = 5
	BTree2LinkCreationOrder = 6
	BTree2AttributeName     = 8
)

type btree2 struct {
	r        *core.Reader
	typ      uint8
	nodeSize int
	recSize  int
	depth    int
	info     []btree2Level
}

type btree2Level struct {
	maxRecs     int
	cumMaxRecs  uint64
	maxRecsSize int
	cumRecsSize int
}

// btree2Header is the decoded BTHD block.
type btree2Header struct {
	addr     uint64
	typ      uint8
	nodeSize int
	recSize  int
	depth    int
	split    uint8
	merge    uint8
	root     uint64
	rootRecs int
	total    uint64
}

func btree2HeaderSize(f core.Format) int {
	return 4 + 1 + 1 + 4 + 2 + 2 + 1 + 1 + f.OffsetSize + 2 + f.LengthSize + 4
}

func readBTree2Header(r *core.Reader, addr uint64) (*btree2Header, error) {
	buf, err := r.Read(addr, btree2HeaderSize(r.Format))
	if err != nil {
		return nil, utils.WrapErrorAt("v2 b-tree header", addr, err)
	}
	if err := core.VerifyChecksum(buf); err != nil {
		return nil, utils.WrapErrorAt("v2 b-tree header", addr, err)
	}
	d := core.NewDecoder(buf, r.Format)
	d.Signature("BTHD")
	d.Skip(1)
	h := &btree2Header{addr: addr, typ: d.U8(), nodeSize: int(d.U32()), recSize: int(d.U16()), depth: int(d.U16())}
	h.split = d.U8()
	h.merge = d.U8()
	h.root = d.Addr()
	h.rootRecs = int(d.U16())
	h.total = d.Length()
	if err := d.Err(); err != nil {
		return nil, utils.WrapErrorAt("v2 b-tree header", addr, err)
	}
	if h.recSize == 0 || h.nodeSize <= 10 {
		return nil, utils.Corruptf("v2 b-tree at 0x%x has node size %d, record size %d", addr, h.nodeSize, h.recSize)
	}
	return h, nil
}

func (h *btree2Header) encode(f core.Format) []byte {
	e := core.NewEncoder(f, btree2HeaderSize(f))
	e.Raw([]byte("BTHD"))
	e.U8(0)
	e.U8(h.typ)
	e.U32(uint32(h.nodeSize)) //nolint:gosec // bounded on write
	e.U16(uint16(h.recSize))  //nolint:gosec // small
	e.U16(uint16(h.depth))    //nolint:gosec // small
	e.U8(h.split)
	e.U8(h.merge)
	e.Addr(h.root)
	e.U16(uint16(h.rootRecs)) //nolint:gosec // bounded on write
	e.Length(h.total)
	e.Checksum()
	return e.Bytes()
}

// WalkBTree2 calls fn with every record of the version 2 B-tree at addr in
// key order, along with the tree's record type.
func WalkBTree2(r *core.Reader, addr uint64, fn func(typ uint8, rec []byte) error) error {
	h, err := readBTree2Header(r, addr)
	if err != nil {
		return err
	}
	bt := &btree2{r: r, typ: h.typ, nodeSize: h.nodeSize, recSize: h.recSize, depth: h.depth}
	bt.levels()
	if h.root == core.UndefinedAddress || h.rootRecs == 0 {
		return nil
	}
	return bt.walk(h.root, h.rootRecs, bt.depth, fn)
}

// levels computes the per-depth record limits that size child pointers.
func (bt *btree2) levels() {
	const prefix = 10 // signature, version, type and checksum
	bt.info = make([]btree2Level, bt.depth+1)
	leaf := (bt.nodeSize - prefix) / bt.recSize
	bt.info[0] = btree2Level{maxRecs: leaf, cumMaxRecs: uint64(leaf), maxRecsSize: core.BytesFor(uint64(leaf))} //nolint:gosec // positive
	for i := 1; i <= bt.depth; i++ {
		ptr := bt.pointerSize(i)
		n := (bt.nodeSize - prefix - ptr) / (bt.recSize + ptr)
		cum := uint64(n+1)*bt.info[i-1].cumMaxRecs + uint64(n) //nolint:gosec // positive
		bt.info[i] = btree2Level{
			maxRecs:     n,
			cumMaxRecs:  cum,
			maxRecsSize: core.BytesFor(uint64(n)), //nolint:gosec // positive
			cumRecsSize: core.BytesFor(cum),
		}
	}
}

// pointerSize is the size of a child pointer in a node at depth.
func (bt *btree2) pointerSize(depth int) int {
	n := bt.r.OffsetSize + bt.info[depth-1].maxRecsSize
	if depth > 1 {
		n += bt.info[depth-1].cumRecsSize
	}
	return n
}

func (bt *btree2) walk(addr uint64, nrecs, depth int, fn func(uint8, []byte) error) error {
	sig := "BTLF"
	size := 6 + nrecs*bt.recSize + 4
	if depth > 0 {
		sig = "BTIN"
		size += (nrecs + 1) * bt.pointerSize(depth)
	}
	buf, err := bt.r.Read(addr, size)
	if err != nil {
		return utils.WrapErrorAt("v2 b-tree node", addr, err)
	}
	if err := core.VerifyChecksum(buf); err != nil {
		return utils.WrapErrorAt("v2 b-tree node", addr, err)
	}
	d := core.NewDecoder(buf, bt.r.Format)
	d.Signature(sig)
	d.Skip(2)
	recs := make([][]byte, nrecs)
	for i := range recs {
		recs[i] = d.Bytes(bt.recSize)
	}
	if depth == 0 {
		if err := d.Err(); err != nil {
			return utils.WrapErrorAt("v2 b-tree leaf", addr, err)
		}
		for _, rec := range recs {
			if err := fn(bt.typ, rec); err != nil {
				return err
			}
		}
		return nil
	}

	type child struct {
		addr  uint64
		nrecs int
	}
	children := make([]child, nrecs+1)
	for i := range children {
		children[i].addr = d.Addr()
		children[i].nrecs = int(d.Uvar(bt.info[depth-1].maxRecsSize)) //nolint:gosec // bounded by node size
		if depth > 1 {
			d.Uvar(bt.info[depth-1].cumRecsSize)
		}
	}
	if err := d.Err(); err != nil {
		return utils.WrapErrorAt("v2 b-tree internal node", addr, err)
	}
	for i, c := range children {
		if err := bt.walk(c.addr, c.nrecs, depth-1, fn); err != nil {
			return err
		}
		if i < nrecs {
			if err := fn(bt.typ, recs[i]); err != nil {
				return err
			}
		}
	}
	return nil
}
