package structures

import (
	"fmt"
	"math"

	"github.com/scigolib/tables/internal/core"
)

// rewriteBTree2 replaces the contents of the tree described by h with a
// single leaf holding recs, which must already be in key order. The leaf
// goes to fresh space, doubling the node size until it fits, and the
// header is rewritten in place.
func rewriteBTree2(s core.Storage, f core.Format, h *btree2Header, recs [][]byte) error {
	if len(recs) > math.MaxUint16 {
		return fmt.Errorf("v2 b-tree at 0x%x: %d records do not fit one leaf", h.addr, len(recs))
	}
	for _, rec := range recs {
		if len(rec) != h.recSize {
			return fmt.Errorf("v2 b-tree at 0x%x: record of %d bytes, want %d", h.addr, len(rec), h.recSize)
		}
	}
	h.depth, h.rootRecs, h.total = 0, len(recs), uint64(len(recs))
	h.root = core.UndefinedAddress
	if len(recs) > 0 {
		for 10+len(recs)*h.recSize > h.nodeSize {
			h.nodeSize *= 2
		}
		var err error
		if h.root, err = storeNew(s, encodeBTree2Leaf(f, h, recs), "write v2 b-tree leaf"); err != nil {
			return err
		}
	}
	return storeAt(s, h.encode(f), h.addr, "write v2 b-tree header")
}

func encodeBTree2Leaf(f core.Format, h *btree2Header, recs [][]byte) []byte {
	e := core.NewEncoder(f, h.nodeSize)
	e.Raw([]byte("BTLF"))
	e.U8(0)
	e.U8(h.typ)
	for _, rec := range recs {
		e.Raw(rec)
	}
	e.Checksum()
	e.Zeros(h.nodeSize - e.Len())
	return e.Bytes()
}
