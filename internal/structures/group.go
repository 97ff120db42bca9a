package structures

import (
	"fmt"

	"github.com/scigolib/tables/internal/core"
	"github.com/scigolib/tables/internal/utils"
)

// ReadLinks returns the links of a group whatever storage it uses: a
// symbol table, link messages in the header, or a fractal heap indexed by
// name.
func ReadLinks(r *core.Reader, oh *core.ObjectHeader) ([]*core.Link, error) {
	if m := oh.Find(core.MsgSymbolTable); m != nil {
		st, err := core.ParseSymbolTable(m.Data, r.Format)
		if err != nil {
			return nil, err
		}
		return ReadSymbolTableLinks(r, st.BTreeAddress, st.HeapAddress)
	}

	var links []*core.Link
	for _, m := range oh.FindAll(core.MsgLink) {
		l, err := core.ParseLink(m.Data, r.Format)
		if err != nil {
			return nil, utils.WrapErrorAt("link", m.Addr, err)
		}
		links = append(links, l)
	}
	if m := oh.Find(core.MsgLinkInfo); m != nil {
		info, err := core.ParseLinkInfo(m.Data, r.Format)
		if err != nil {
			return nil, err
		}
		if info.Dense() {
			dense, err := readDenseLinks(r, info)
			if err != nil {
				return nil, utils.WrapError("dense links", err)
			}
			links = append(links, dense...)
		}
	}
	return links, nil
}

// ReadSymbolTableLinks lists an old-style group from its B-tree and
// local heap.
func ReadSymbolTableLinks(r *core.Reader, btree, heapAddr uint64) ([]*core.Link, error) {
	heap, err := ReadLocalHeap(r, heapAddr)
	if err != nil {
		return nil, err
	}
	var links []*core.Link
	err = WalkGroupBTree(r, btree, func(snod uint64) error {
		entries, err := ReadSymbolNode(r, snod)
		if err != nil {
			return err
		}
		for _, e := range entries {
			name, err := heap.String(e.NameOffset)
			if err != nil {
				return err
			}
			l := &core.Link{Name: name, Type: core.LinkHard, Address: e.ObjectAddr}
			if e.CacheType == CacheSoftLink {
				target, err := heap.String(uint64(e.LinkOffset))
				if err != nil {
					return err
				}
				l.Type, l.Target, l.Address = core.LinkSoft, target, core.UndefinedAddress
			}
			links = append(links, l)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return links, nil
}

func readDenseLinks(r *core.Reader, info *core.LinkInfo) ([]*core.Link, error) {
	heap, err := OpenFractalHeap(r, info.HeapAddress)
	if err != nil {
		return nil, err
	}
	var links []*core.Link
	err = WalkBTree2(r, info.NameIndexAddress, func(typ uint8, rec []byte) error {
		if typ != BTree2LinkName {
			return utils.Corruptf("link name index has record type %d", typ)
		}
		if len(rec) < 4+heap.IDLength {
			return utils.Corruptf("link name record of %d bytes", len(rec))
		}
		obj, err := heap.Object(rec[4 : 4+heap.IDLength])
		if err != nil {
			return err
		}
		l, err := core.ParseLink(obj, r.Format)
		if err != nil {
			return err
		}
		links = append(links, l)
		return nil
	})
	return links, err
}

// ReadDenseAttributes returns the attributes an object keeps in a
// fractal heap, in name index order. Objects without dense storage have
// none.
func ReadDenseAttributes(r *core.Reader, oh *core.ObjectHeader) ([]*core.Attribute, error) {
	m := oh.Find(core.MsgAttributeInfo)
	if m == nil {
		return nil, nil
	}
	info, err := core.ParseAttributeInfo(m.Data, r.Format)
	if err != nil {
		return nil, err
	}
	if info.HeapAddress == core.UndefinedAddress {
		return nil, nil
	}
	heap, err := OpenFractalHeap(r, info.HeapAddress)
	if err != nil {
		return nil, err
	}
	var attrs []*core.Attribute
	err = WalkBTree2(r, info.NameIndexAddress, func(typ uint8, rec []byte) error {
		if typ != BTree2AttributeName {
			return utils.Corruptf("attribute name index has record type %d", typ)
		}
		if len(rec) < heap.IDLength {
			return utils.Corruptf("attribute name record of %d bytes", len(rec))
		}
		obj, err := heap.Object(rec[:heap.IDLength])
		if err != nil {
			return err
		}
		a, err := core.ResolveAttribute(r, obj)
		if err != nil {
			return err
		}
		attrs = append(attrs, a)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("dense attributes: %w", err)
	}
	return attrs, nil
}
