package structures

import (
	"github.com/scigolib/tables/internal/core"
	"github.com/scigolib/tables/internal/utils"
)

// Default symbol table ranks: a SNOD holds 2*GroupLeafK entries and a
// group B-tree node 2*GroupInternalK children.
const (
	DefaultGroupLeafK     = 4
	DefaultGroupInternalK = 16
)

// WalkGroupBTree visits every symbol table node reachable from the group
// B-tree at addr in key order.
func WalkGroupBTree(r *core.Reader, addr uint64, fn func(snod uint64) error) error {
	visited := make(map[uint64]bool)
	var walk func(addr uint64, level int) error
	walk = func(addr uint64, level int) error {
		if visited[addr] {
			return utils.Corruptf("group b-tree cycle at 0x%x", addr)
		}
		visited[addr] = true
		n, err := core.ReadBTreeV1Node(r, addr, r.LengthSize)
		if err != nil {
			return err
		}
		if n.Type != core.BTreeGroupNode {
			return utils.Corruptf("b-tree node at 0x%x has type %d, want group", addr, n.Type)
		}
		if level >= 0 && int(n.Level) != level {
			return utils.Corruptf("b-tree node at 0x%x has level %d, want %d", addr, n.Level, level)
		}
		for _, child := range n.Children {
			if n.Level > 0 {
				err = walk(child, int(n.Level)-1)
			} else {
				err = fn(child)
			}
			if err != nil {
				return err
			}
		}
		return nil
	}
	return walk(addr, -1)
}

// WriteGroupBTree writes a single-leaf group B-tree over snods. keys
// holds len(snods)+1 heap offsets: the empty name, then the largest name
// of each node.
func WriteGroupBTree(s core.Storage, f core.Format, snods, keys []uint64) (uint64, error) {
	n := &core.BTreeV1Node{
		Type:     core.BTreeGroupNode,
		Left:     core.UndefinedAddress,
		Right:    core.UndefinedAddress,
		Children: snods,
	}
	for _, k := range keys {
		n.Keys = append(n.Keys, heapKey(f, k))
	}
	return storeNew(s, core.EncodeBTreeV1Node(f, n, f.LengthSize, 2*DefaultGroupInternalK), "write group b-tree")
}
