package structures

import (
	"github.com/scigolib/tables/internal/core"
	"github.com/scigolib/tables/internal/utils"
)

// Symbol table entry cache types.
const (
	CacheNone        = 0
	CacheSymbolTable = 1
	CacheSoftLink    = 2
)

// SymbolEntry is one entry of a symbol table node, or the root entry of
// an old superblock.
type SymbolEntry struct {
	NameOffset uint64
	ObjectAddr uint64
	CacheType  uint32

	// Scratch pad for CacheSymbolTable.
	BTreeAddr uint64
	HeapAddr  uint64
	// Scratch pad for CacheSoftLink.
	LinkOffset uint32
}

// SymbolEntrySize is the encoded size of an entry.
func SymbolEntrySize(f core.Format) int {
	return 2*f.OffsetSize + 8 + 16
}

func decodeSymbolEntry(d *core.Decoder, f core.Format) SymbolEntry {
	e := SymbolEntry{NameOffset: d.Addr(), ObjectAddr: d.Addr(), CacheType: d.U32()}
	d.Skip(4)
	scratch := d.Bytes(16)
	if scratch == nil {
		return e
	}
	sd := core.NewDecoder(scratch, f)
	switch e.CacheType {
	case CacheSymbolTable:
		e.BTreeAddr = sd.Addr()
		e.HeapAddr = sd.Addr()
	case CacheSoftLink:
		e.LinkOffset = sd.U32()
	}
	return e
}

func encodeSymbolEntry(e *core.Encoder, f core.Format, s SymbolEntry) {
	e.Addr(s.NameOffset)
	e.Addr(s.ObjectAddr)
	e.U32(s.CacheType)
	e.Zeros(4)
	scratch := core.NewEncoder(f, 16)
	switch s.CacheType {
	case CacheSymbolTable:
		scratch.Addr(s.BTreeAddr)
		scratch.Addr(s.HeapAddr)
	case CacheSoftLink:
		scratch.U32(s.LinkOffset)
	}
	scratch.Zeros(16 - scratch.Len())
	e.Raw(scratch.Bytes())
}

// ReadSymbolNode returns the used entries of the SNOD at addr.
func ReadSymbolNode(r *core.Reader, addr uint64) ([]SymbolEntry, error) {
	hdr, err := r.Read(addr, 8)
	if err != nil {
		return nil, utils.WrapErrorAt("symbol table node", addr, err)
	}
	d := core.NewDecoder(hdr, r.Format)
	d.Signature("SNOD")
	if v := d.U8(); d.Err() == nil && v != 1 {
		return nil, utils.Corruptf("symbol table node at 0x%x has version %d", addr, v)
	}
	d.Skip(1)
	n := int(d.U16())
	if err := d.Err(); err != nil {
		return nil, utils.WrapErrorAt("symbol table node", addr, err)
	}

	body, err := r.Read(addr+8, n*SymbolEntrySize(r.Format))
	if err != nil {
		return nil, utils.WrapErrorAt("symbol table node entries", addr, err)
	}
	d = core.NewDecoder(body, r.Format)
	entries := make([]SymbolEntry, n)
	for i := range entries {
		entries[i] = decodeSymbolEntry(d, r.Format)
	}
	if err := d.Err(); err != nil {
		return nil, utils.WrapErrorAt("symbol table node entries", addr, err)
	}
	return entries, nil
}

// ParseSymbolEntry decodes a single entry, as stored in a version 0 or 1
// superblock for the root group.
func ParseSymbolEntry(data []byte, f core.Format) (SymbolEntry, error) {
	d := core.NewDecoder(data, f)
	e := decodeSymbolEntry(d, f)
	return e, d.Err()
}

// EncodeSymbolNode serializes a SNOD with room for capacity entries.
func EncodeSymbolNode(f core.Format, entries []SymbolEntry, capacity int) []byte {
	size := 8 + capacity*SymbolEntrySize(f)
	e := core.NewEncoder(f, size)
	e.Raw([]byte("SNOD"))
	e.U8(1)
	e.U8(0)
	e.U16(uint16(len(entries))) //nolint:gosec // bounded by capacity
	for _, s := range entries {
		encodeSymbolEntry(e, f, s)
	}
	e.Zeros(size - e.Len())
	return e.Bytes()
}

// EncodeSymbolEntry serializes one entry.
func EncodeSymbolEntry(f core.Format, s SymbolEntry) []byte {
	e := core.NewEncoder(f, SymbolEntrySize(f))
	encodeSymbolEntry(e, f, s)
	return e.Bytes()
}
