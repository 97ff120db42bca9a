package structures

import (
	"encoding/binary"
	"fmt"
	"slices"
	"strings"

	"github.com/scigolib/tables/internal/core"
	"github.com/scigolib/tables/internal/utils"
)

type namedEntry struct {
	name  string
	entry SymbolEntry
}

type symbolNode struct {
	addr    uint64
	entries []namedEntry
}

// InsertSymbolLink adds a hard link to obj under name in the old-style
// group whose B-tree and local heap are at btree and heap. leafK and
// internalK are the superblock ranks. It returns the B-tree root, which
// changes when the tree has to be rebuilt.
func InsertSymbolLink(s core.Storage, f core.Format, btree, heap uint64, leafK, internalK int, name string, obj uint64) (uint64, error) {
	if leafK <= 0 || internalK <= 0 {
		return 0, fmt.Errorf("invalid group ranks %d/%d", leafK, internalK)
	}
	r := core.NewReader(s, f)
	lh, err := ReadLocalHeap(r, heap)
	if err != nil {
		return 0, err
	}
	var nodes []symbolNode
	err = WalkGroupBTree(r, btree, func(snod uint64) error {
		entries, err := ReadSymbolNode(r, snod)
		if err != nil {
			return err
		}
		n := symbolNode{addr: snod, entries: make([]namedEntry, len(entries))}
		for i, e := range entries {
			if n.entries[i].name, err = lh.String(e.NameOffset); err != nil {
				return err
			}
			n.entries[i].entry = e
		}
		nodes = append(nodes, n)
		return nil
	})
	if err != nil {
		return 0, err
	}
	for _, n := range nodes {
		for _, e := range n.entries {
			if e.name == name {
				return 0, fmt.Errorf("symbol %q already exists", name)
			}
		}
	}

	off, err := AppendLocalHeapString(s, f, heap, name)
	if err != nil {
		return 0, err
	}
	added := namedEntry{name: name, entry: SymbolEntry{NameOffset: off, ObjectAddr: obj}}

	root, err := core.ReadBTreeV1Node(r, btree, f.LengthSize)
	if err != nil {
		return 0, err
	}
	if root.Level == 0 && len(nodes) > 0 {
		ok, err := insertIntoLeaf(s, f, btree, root, nodes, added, leafK, internalK)
		if err != nil || ok {
			return btree, err
		}
	}

	var all []namedEntry
	for _, n := range nodes {
		all = append(all, n.entries...)
	}
	i, _ := slices.BinarySearchFunc(all, name, func(e namedEntry, n string) int { return strings.Compare(e.name, n) })
	all = slices.Insert(all, i, added)
	return writeSymbolTree(s, f, all, leafK, internalK)
}

// insertIntoLeaf places e in its symbol node when the tree is a single
// leaf and that node has room, rewriting both in place.
func insertIntoLeaf(s core.Storage, f core.Format, btree uint64, root *core.BTreeV1Node, nodes []symbolNode, e namedEntry, leafK, internalK int) (bool, error) {
	if len(root.Children) != len(nodes) {
		return false, utils.Corruptf("group b-tree at 0x%x lists %d nodes, walked %d", btree, len(root.Children), len(nodes))
	}
	target := len(nodes) - 1
	for i, n := range nodes {
		if len(n.entries) > 0 && strings.Compare(n.entries[len(n.entries)-1].name, e.name) >= 0 {
			target = i
			break
		}
	}
	n := nodes[target]
	if len(n.entries) >= 2*leafK {
		return false, nil
	}
	i, _ := slices.BinarySearchFunc(n.entries, e.name, func(e namedEntry, n string) int { return strings.Compare(e.name, n) })
	n.entries = slices.Insert(n.entries, i, e)
	if err := storeAt(s, EncodeSymbolNode(f, entriesOf(n.entries), 2*leafK), n.addr, "write symbol table node"); err != nil {
		return false, err
	}
	root.Keys[target+1] = heapKey(f, n.entries[len(n.entries)-1].entry.NameOffset)
	return true, storeAt(s, core.EncodeBTreeV1Node(f, root, f.LengthSize, 2*internalK), btree, "write group b-tree")
}

// writeSymbolTree lays out sorted entries as half-full symbol nodes under
// a fresh group B-tree and returns its root.
func writeSymbolTree(s core.Storage, f core.Format, all []namedEntry, leafK, internalK int) (uint64, error) {
	type child struct {
		addr uint64
		key  uint64 // heap offset of the largest name below
	}
	var level []child
	for start := 0; start < len(all); start += leafK {
		part := all[start:min(start+leafK, len(all))]
		buf := EncodeSymbolNode(f, entriesOf(part), 2*leafK)
		addr, err := storeNew(s, buf, "write symbol table node")
		if err != nil {
			return 0, err
		}
		level = append(level, child{addr: addr, key: part[len(part)-1].entry.NameOffset})
	}

	fanout := 2 * internalK
	nodeSize := len(core.EncodeBTreeV1Node(f, &core.BTreeV1Node{Keys: [][]byte{heapKey(f, 0)}}, f.LengthSize, fanout))
	for depth := uint8(0); ; depth++ {
		count := max(1, (len(level)+fanout-1)/fanout)
		addrs := make([]uint64, count)
		for i := range addrs {
			a, err := s.Allocate(uint64(nodeSize)) //nolint:gosec // small
			if err != nil {
				return 0, err
			}
			addrs[i] = a
		}
		next := make([]child, count)
		leftKey := uint64(0)
		for i := range addrs {
			part := level[min(i*fanout, len(level)):min((i+1)*fanout, len(level))]
			n := &core.BTreeV1Node{
				Type:  core.BTreeGroupNode,
				Level: depth,
				Left:  core.UndefinedAddress,
				Right: core.UndefinedAddress,
				Keys:  [][]byte{heapKey(f, leftKey)},
			}
			if i > 0 {
				n.Left = addrs[i-1]
			}
			if i+1 < count {
				n.Right = addrs[i+1]
			}
			for _, c := range part {
				n.Children = append(n.Children, c.addr)
				n.Keys = append(n.Keys, heapKey(f, c.key))
				leftKey = c.key
			}
			if err := storeAt(s, core.EncodeBTreeV1Node(f, n, f.LengthSize, fanout), addrs[i], "write group b-tree"); err != nil {
				return 0, err
			}
			next[i] = child{addr: addrs[i], key: leftKey}
		}
		if count == 1 {
			return addrs[0], nil
		}
		level = next
	}
}

func entriesOf(named []namedEntry) []SymbolEntry {
	out := make([]SymbolEntry, len(named))
	for i, e := range named {
		out[i] = e.entry
	}
	return out
}

func heapKey(f core.Format, off uint64) []byte {
	key := make([]byte, f.LengthSize)
	if f.LengthSize == 8 {
		binary.LittleEndian.PutUint64(key, off)
	} else {
		binary.LittleEndian.PutUint32(key, uint32(off)) //nolint:gosec // heap offsets are small
	}
	return key
}

func storeNew(s core.Storage, buf []byte, what string) (uint64, error) {
	addr, err := s.Allocate(uint64(len(buf)))
	if err != nil {
		return 0, err
	}
	return addr, storeAt(s, buf, addr, what)
}

func storeAt(s core.Storage, buf []byte, addr uint64, what string) error {
	//nolint:gosec // G115: file addresses fit in int64
	if _, err := s.WriteAt(buf, int64(addr)); err != nil {
		return utils.WrapErrorAt(what, addr, err)
	}
	return nil
}
