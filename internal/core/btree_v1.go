package core

import (
	"encoding/binary"
	"fmt"
	"slices"

	"github.com/scigolib/tables/internal/utils"
)

// Version 1 B-tree node types.
const (
	BTreeGroupNode = 0
	BTreeChunkNode = 1
)

// BTreeV1Node is a raw version 1 B-tree node. Keys has one more entry
// than Children.
type BTreeV1Node struct {
	Type     uint8
	Level    uint8
	Left     uint64
	Right    uint64
	Keys     [][]byte
	Children []uint64
}

// ReadBTreeV1Node reads the node at addr whose keys are keySize bytes.
func ReadBTreeV1Node(r *Reader, addr uint64, keySize int) (*BTreeV1Node, error) {
	hdrSize := 8 + 2*r.OffsetSize
	d, err := r.decoderAt(addr, hdrSize)
	if err != nil {
		return nil, utils.WrapErrorAt("b-tree node", addr, err)
	}
	d.Signature("TREE")
	n := &BTreeV1Node{Type: d.U8(), Level: d.U8()}
	entries := int(d.U16())
	n.Left = d.Addr()
	n.Right = d.Addr()
	if d.err != nil {
		return nil, utils.WrapErrorAt("b-tree node", addr, d.err)
	}

	body := entries*(keySize+r.OffsetSize) + keySize
	d, err = r.decoderAt(addr+uint64(hdrSize), body) //nolint:gosec // small header
	if err != nil {
		return nil, utils.WrapErrorAt("b-tree node entries", addr, err)
	}
	n.Keys = make([][]byte, 0, entries+1)
	n.Children = make([]uint64, 0, entries)
	for i := 0; i < entries; i++ {
		n.Keys = append(n.Keys, d.Bytes(keySize))
		n.Children = append(n.Children, d.Addr())
	}
	n.Keys = append(n.Keys, d.Bytes(keySize))
	if d.err != nil {
		return nil, utils.WrapErrorAt("b-tree node entries", addr, d.err)
	}
	return n, nil
}

// EncodeBTreeV1Node serializes a node sized for capacity children so that
// readers that always fetch a full node stay within the file.
func EncodeBTreeV1Node(f Format, n *BTreeV1Node, keySize, capacity int) []byte {
	size := 8 + 2*f.OffsetSize + capacity*(keySize+f.OffsetSize) + keySize
	e := NewEncoder(f, size)
	e.Raw([]byte("TREE"))
	e.U8(n.Type)
	e.U8(n.Level)
	e.U16(uint16(len(n.Children))) //nolint:gosec // bounded by capacity
	e.Addr(n.Left)
	e.Addr(n.Right)
	for i, child := range n.Children {
		e.Raw(n.Keys[i])
		e.Addr(child)
	}
	e.Raw(n.Keys[len(n.Children)])
	e.Zeros(size - e.Len())
	return e.buf
}

// ChunkRef locates one stored chunk of a dataset.
type ChunkRef struct {
	Offset     []uint64 // element coordinates of the chunk origin
	Addr       uint64
	Size       uint32
	FilterMask uint32
}

func chunkKeySize(rank int) int {
	return 8 + 8*(rank+1)
}

func decodeChunkKey(key []byte, rank int) ChunkRef {
	c := ChunkRef{
		Size:       binary.LittleEndian.Uint32(key),
		FilterMask: binary.LittleEndian.Uint32(key[4:]),
		Offset:     make([]uint64, rank),
	}
	for i := range c.Offset {
		c.Offset[i] = binary.LittleEndian.Uint64(key[8+8*i:])
	}
	return c
}

func encodeChunkKey(c ChunkRef, rank int) []byte {
	key := make([]byte, chunkKeySize(rank))
	binary.LittleEndian.PutUint32(key, c.Size)
	binary.LittleEndian.PutUint32(key[4:], c.FilterMask)
	for i := 0; i < rank; i++ {
		binary.LittleEndian.PutUint64(key[8+8*i:], c.Offset[i])
	}
	return key
}

// ReadChunkBTree collects every chunk indexed by the B-tree at addr.
// rank is the dataspace rank; keys carry one extra element dimension.
func ReadChunkBTree(r *Reader, addr uint64, rank int) ([]ChunkRef, error) {
	if addr == UndefinedAddress {
		return nil, nil
	}
	var out []ChunkRef
	visited := make(map[uint64]bool)
	var walk func(addr uint64, level int) error
	walk = func(addr uint64, level int) error {
		if visited[addr] {
			return utils.Corruptf("chunk b-tree cycle at 0x%x", addr)
		}
		visited[addr] = true
		n, err := ReadBTreeV1Node(r, addr, chunkKeySize(rank))
		if err != nil {
			return err
		}
		if n.Type != BTreeChunkNode {
			return utils.Corruptf("b-tree node at 0x%x has type %d, want chunk", addr, n.Type)
		}
		if level >= 0 && int(n.Level) != level {
			return utils.Corruptf("b-tree node at 0x%x has level %d, want %d", addr, n.Level, level)
		}
		for i, child := range n.Children {
			if n.Level > 0 {
				if err := walk(child, int(n.Level)-1); err != nil {
					return err
				}
				continue
			}
			c := decodeChunkKey(n.Keys[i], rank)
			c.Addr = child
			out = append(out, c)
		}
		return nil
	}
	if err := walk(addr, -1); err != nil {
		return nil, err
	}
	return out, nil
}

// WriteChunkBTree writes a fresh B-tree over chunks at the end of the file
// and returns the root address. Nodes are packed full, 2K children each.
func WriteChunkBTree(s Storage, f Format, chunks []ChunkRef, rank int, chunkDims []uint64, k int) (uint64, error) {
	if len(chunks) == 0 {
		return UndefinedAddress, nil
	}
	if k <= 0 {
		k = DefaultChunkK
	}
	fanout := 2 * k
	sorted := slices.Clone(chunks)
	slices.SortFunc(sorted, func(a, b ChunkRef) int {
		return slices.Compare(a.Offset, b.Offset)
	})

	keySize := chunkKeySize(rank)
	last := sorted[len(sorted)-1]
	end := ChunkRef{Offset: make([]uint64, rank)}
	for i := range end.Offset {
		end.Offset[i] = last.Offset[i] + chunkDims[i]
	}
	endKey := encodeChunkKey(end, rank)

	type entry struct {
		key  []byte
		addr uint64
	}
	level := make([]entry, len(sorted))
	for i, c := range sorted {
		level[i] = entry{key: encodeChunkKey(c, rank), addr: c.Addr}
	}

	for depth := 0; ; depth++ {
		var parents []entry
		for start := 0; start < len(level); start += fanout {
			group := level[start:min(start+fanout, len(level))]
			n := &BTreeV1Node{
				Type:  BTreeChunkNode,
				Level: uint8(depth), //nolint:gosec // trees stay shallow
				Left:  UndefinedAddress,
				Right: UndefinedAddress,
			}
			for _, en := range group {
				n.Keys = append(n.Keys, en.key)
				n.Children = append(n.Children, en.addr)
			}
			if start+fanout < len(level) {
				n.Keys = append(n.Keys, level[start+fanout].key)
			} else {
				n.Keys = append(n.Keys, endKey)
			}
			buf := EncodeBTreeV1Node(f, n, keySize, fanout)
			addr, err := s.Allocate(uint64(len(buf)))
			if err != nil {
				return 0, err
			}
			if err := writeFull(s, buf, addr); err != nil {
				return 0, err
			}
			parents = append(parents, entry{key: group[0].key, addr: addr})
		}
		if len(parents) == 1 {
			return parents[0].addr, nil
		}
		if depth > 32 {
			return 0, fmt.Errorf("chunk b-tree too deep for %d chunks", len(chunks))
		}
		level = parents
	}
}
