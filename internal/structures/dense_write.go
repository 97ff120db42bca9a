package structures

import (
	"cmp"
	"encoding/binary"
	"fmt"
	"slices"
	"strings"

	"github.com/scigolib/tables/internal/core"
	"github.com/scigolib/tables/internal/utils"
)

type denseLink struct {
	link *core.Link
	hash uint32
	id   []byte
	obj  []byte
}

// InsertDenseLink adds l to a group whose links live in a fractal heap.
// It returns the link info to store back in the group header: the heap
// moves when it has to be rebuilt, and the creation order counter
// advances when the group tracks it.
func InsertDenseLink(s core.Storage, f core.Format, info *core.LinkInfo, l *core.Link) (*core.LinkInfo, error) {
	r := core.NewReader(s, f)
	heap, err := OpenFractalHeap(r, info.HeapAddress)
	if err != nil {
		return nil, err
	}
	names, err := readBTree2Header(r, info.NameIndexAddress)
	if err != nil {
		return nil, err
	}
	if names.typ != BTree2LinkName || names.recSize != 4+heap.IDLength {
		return nil, utils.Corruptf("link name index at 0x%x has type %d and %d byte records", names.addr, names.typ, names.recSize)
	}

	var all []denseLink
	err = WalkBTree2(r, info.NameIndexAddress, func(_ uint8, rec []byte) error {
		id := slices.Clone(rec[4:])
		obj, err := heap.Object(id)
		if err != nil {
			return err
		}
		link, err := core.ParseLink(obj, f)
		if err != nil {
			return err
		}
		if link.Name == l.Name {
			return fmt.Errorf("link %q already exists", l.Name)
		}
		all = append(all, denseLink{link: link, hash: nameHash(link.Name), id: id, obj: obj})
		return nil
	})
	if err != nil {
		return nil, err
	}

	out := *info
	if info.Flags&0x01 != 0 {
		l.CreationOrder, l.HasCreationOrder = int64(out.MaxCreationIndex), true //nolint:gosec // counter
		out.MaxCreationIndex++
	}
	added := denseLink{link: l, hash: nameHash(l.Name), obj: l.Encode(f)}

	ids := make([][]byte, len(all))
	for i, dl := range all {
		ids[i] = dl.id
	}
	id, ok, err := heap.insertInPlace(s, ids, added.obj)
	if err != nil {
		return nil, err
	}
	if ok {
		added.id = id
		all = append(all, added)
	} else {
		all = append(all, added)
		objs := make([][]byte, len(all))
		for i, dl := range all {
			objs[i] = dl.obj
		}
		if out.HeapAddress, ids, err = writeFractalHeap(s, f, heap.IDLength, objs); err != nil {
			return nil, err
		}
		for i := range all {
			all[i].id = ids[i]
		}
	}

	slices.SortFunc(all, func(a, b denseLink) int {
		return cmp.Or(cmp.Compare(a.hash, b.hash), strings.Compare(a.link.Name, b.link.Name))
	})
	recs := make([][]byte, len(all))
	for i, dl := range all {
		recs[i] = binary.LittleEndian.AppendUint32(nil, dl.hash)
		recs[i] = append(recs[i], dl.id...)
	}
	if err := rewriteBTree2(s, f, names, recs); err != nil {
		return nil, err
	}

	if info.Flags&0x02 == 0 || info.CreationOrderIndexAddress == core.UndefinedAddress {
		return &out, nil
	}
	order, err := readBTree2Header(r, info.CreationOrderIndexAddress)
	if err != nil {
		return nil, err
	}
	if order.typ != BTree2LinkCreationOrder || order.recSize != 8+heap.IDLength {
		return nil, utils.Corruptf("link creation order index at 0x%x has type %d and %d byte records", order.addr, order.typ, order.recSize)
	}
	slices.SortFunc(all, func(a, b denseLink) int { return cmp.Compare(a.link.CreationOrder, b.link.CreationOrder) })
	for i, dl := range all {
		recs[i] = binary.LittleEndian.AppendUint64(nil, uint64(dl.link.CreationOrder)) //nolint:gosec // stored as int64
		recs[i] = append(recs[i], dl.id...)
	}
	if err := rewriteBTree2(s, f, order, recs); err != nil {
		return nil, err
	}
	return &out, nil
}

// nameHash is the hash the link name index is keyed on.
func nameHash(name string) uint32 {
	return utils.Checksum([]byte(name))
}
