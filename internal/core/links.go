package core

import (
	"fmt"

	"github.com/scigolib/tables/internal/utils"
)

// LinkType is the kind of a link message.
type LinkType uint8

// Link types.
const (
	LinkHard     LinkType = 0
	LinkSoft     LinkType = 1
	LinkExternal LinkType = 64
)

// Link is a decoded link message.
type Link struct {
	Name    string
	Type    LinkType
	CharSet CharSet

	Address uint64 // hard links
	Target  string // soft links

	ExternalFile string
	ExternalPath string

	CreationOrder    int64
	HasCreationOrder bool
}

// ParseLink decodes a link message.
func ParseLink(data []byte, f Format) (*Link, error) {
	d := NewDecoder(data, f)
	version := d.U8()
	if d.err == nil && version != 1 {
		return nil, fmt.Errorf("unsupported link message version: %d", version)
	}
	flags := d.U8()
	l := &Link{Address: UndefinedAddress}
	if flags&0x08 != 0 {
		l.Type = LinkType(d.U8())
	}
	if flags&0x04 != 0 {
		l.CreationOrder = int64(d.U64()) //nolint:gosec // stored as int64
		l.HasCreationOrder = true
	}
	if flags&0x10 != 0 {
		l.CharSet = CharSet(d.U8())
	}
	nameLen := int(d.Uvar(1 << (flags & 0x03)))
	l.Name = string(d.Bytes(nameLen))

	switch l.Type {
	case LinkHard:
		l.Address = d.Addr()
	case LinkSoft:
		n := int(d.U16())
		l.Target = string(d.Bytes(n))
	case LinkExternal:
		n := int(d.U16())
		body := d.Bytes(n)
		if d.err == nil && n > 0 {
			bd := NewDecoder(body[1:], f)
			l.ExternalFile = bd.CString()
			l.ExternalPath = bd.CString()
			if bd.err != nil {
				return nil, utils.WrapError("external link", bd.err)
			}
		}
	default:
		// User-defined link types carry opaque data we do not interpret.
		n := int(d.U16())
		d.Skip(n)
	}
	if d.err != nil {
		return nil, utils.WrapError("link message", d.err)
	}
	return l, nil
}

// Encode serializes the link message.
func (l *Link) Encode(f Format) []byte {
	e := NewEncoder(f, 16+len(l.Name)+len(l.Target))
	var flags uint8
	width := BytesFor(uint64(len(l.Name)))
	switch width {
	case 1:
	case 2:
		flags |= 0x01
	case 3, 4:
		flags |= 0x02
		width = 4
	default:
		flags |= 0x03
		width = 8
	}
	if l.Type != LinkHard {
		flags |= 0x08
	}
	if l.HasCreationOrder {
		flags |= 0x04
	}
	if l.CharSet != CharSetASCII {
		flags |= 0x10
	}

	e.U8(1)
	e.U8(flags)
	if l.Type != LinkHard {
		e.U8(uint8(l.Type))
	}
	if l.HasCreationOrder {
		e.U64(uint64(l.CreationOrder)) //nolint:gosec // stored as int64
	}
	if l.CharSet != CharSetASCII {
		e.U8(uint8(l.CharSet))
	}
	e.Uvar(uint64(len(l.Name)), width)
	e.Raw([]byte(l.Name))

	switch l.Type {
	case LinkHard:
		e.Addr(l.Address)
	case LinkSoft:
		e.U16(uint16(len(l.Target))) //nolint:gosec // paths are short
		e.Raw([]byte(l.Target))
	case LinkExternal:
		e.U16(uint16(1 + len(l.ExternalFile) + 1 + len(l.ExternalPath) + 1)) //nolint:gosec // paths are short
		e.U8(0)
		e.CString(l.ExternalFile)
		e.CString(l.ExternalPath)
	}
	return e.buf
}

// LinkInfo is a decoded link info message.
type LinkInfo struct {
	Flags                     uint8
	MaxCreationIndex          uint64
	HeapAddress               uint64
	NameIndexAddress          uint64
	CreationOrderIndexAddress uint64
}

// ParseLinkInfo decodes a link info message.
func ParseLinkInfo(data []byte, f Format) (*LinkInfo, error) {
	d := NewDecoder(data, f)
	version := d.U8()
	if d.err == nil && version != 0 {
		return nil, fmt.Errorf("unsupported link info version: %d", version)
	}
	li := &LinkInfo{Flags: d.U8(), CreationOrderIndexAddress: UndefinedAddress}
	if li.Flags&0x01 != 0 {
		li.MaxCreationIndex = d.U64()
	}
	li.HeapAddress = d.Addr()
	li.NameIndexAddress = d.Addr()
	if li.Flags&0x02 != 0 {
		li.CreationOrderIndexAddress = d.Addr()
	}
	if d.err != nil {
		return nil, utils.WrapError("link info message", d.err)
	}
	return li, nil
}

// Dense reports whether links live in a fractal heap.
func (li *LinkInfo) Dense() bool {
	return li.HeapAddress != UndefinedAddress
}

// Encode serializes the link info message.
func (li *LinkInfo) Encode(f Format) []byte {
	e := NewEncoder(f, 2+3*f.OffsetSize+8)
	e.U8(0)
	e.U8(li.Flags)
	if li.Flags&0x01 != 0 {
		e.U64(li.MaxCreationIndex)
	}
	e.Addr(li.HeapAddress)
	e.Addr(li.NameIndexAddress)
	if li.Flags&0x02 != 0 {
		e.Addr(li.CreationOrderIndexAddress)
	}
	return e.buf
}

// NewCompactLinkInfo describes a group whose links are header messages.
func NewCompactLinkInfo() *LinkInfo {
	return &LinkInfo{
		HeapAddress:               UndefinedAddress,
		NameIndexAddress:          UndefinedAddress,
		CreationOrderIndexAddress: UndefinedAddress,
	}
}

// EncodeGroupInfo returns a group info message with library defaults.
func EncodeGroupInfo() []byte {
	return []byte{0, 0}
}

// SymbolTable is the symbol table message of an old-style group.
type SymbolTable struct {
	BTreeAddress uint64
	HeapAddress  uint64
}

// ParseSymbolTable decodes a symbol table message.
func ParseSymbolTable(data []byte, f Format) (*SymbolTable, error) {
	d := NewDecoder(data, f)
	st := &SymbolTable{BTreeAddress: d.Addr(), HeapAddress: d.Addr()}
	if d.err != nil {
		return nil, utils.WrapError("symbol table message", d.err)
	}
	return st, nil
}

// Encode serializes the symbol table message.
func (st *SymbolTable) Encode(f Format) []byte {
	e := NewEncoder(f, 2*f.OffsetSize)
	e.Addr(st.BTreeAddress)
	e.Addr(st.HeapAddress)
	return e.buf
}

// AttributeInfo is a decoded attribute info message.
type AttributeInfo struct {
	Flags                     uint8
	HeapAddress               uint64
	NameIndexAddress          uint64
	CreationOrderIndexAddress uint64
}

// ParseAttributeInfo decodes an attribute info message.
func ParseAttributeInfo(data []byte, f Format) (*AttributeInfo, error) {
	d := NewDecoder(data, f)
	version := d.U8()
	if d.err == nil && version != 0 {
		return nil, fmt.Errorf("unsupported attribute info version: %d", version)
	}
	ai := &AttributeInfo{Flags: d.U8(), CreationOrderIndexAddress: UndefinedAddress}
	if ai.Flags&0x01 != 0 {
		d.Skip(2)
	}
	ai.HeapAddress = d.Addr()
	ai.NameIndexAddress = d.Addr()
	if ai.Flags&0x02 != 0 {
		ai.CreationOrderIndexAddress = d.Addr()
	}
	if d.err != nil {
		return nil, utils.WrapError("attribute info message", d.err)
	}
	return ai, nil
}
