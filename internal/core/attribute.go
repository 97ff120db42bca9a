package core

import (
	"fmt"

	"github.com/scigolib/tables/internal/utils"
)

// Attribute is a decoded attribute message.
type Attribute struct {
	Name  string
	Type  *Datatype
	Space *Dataspace
	Data  []byte

	// Message is the header message the attribute came from, nil for
	// attributes held in dense storage.
	Message *Message
}

// ParseAttribute decodes an attribute message. Shared datatypes are left
// unresolved; see ResolveAttribute.
func ParseAttribute(data []byte, f Format) (*Attribute, error) {
	a, _, err := parseAttribute(data, f)
	return a, err
}

type attrLayout struct {
	flags   uint8
	dtBytes []byte
}

func parseAttribute(data []byte, f Format) (*Attribute, attrLayout, error) {
	var lay attrLayout
	d := NewDecoder(data, f)
	version := d.U8()
	if d.err == nil && (version < 1 || version > 3) {
		return nil, lay, fmt.Errorf("unsupported attribute message version: %d", version)
	}
	lay.flags = d.U8()
	nameSize := int(d.U16())
	dtSize := int(d.U16())
	dsSize := int(d.U16())
	if version == 3 {
		d.Skip(1) // name character set
	}

	field := func(n int) []byte {
		b := d.Bytes(n)
		if version == 1 {
			d.Skip(Padded8(n) - n)
		}
		return b
	}
	name := trimNul(field(nameSize))
	lay.dtBytes = field(dtSize)
	dsBytes := field(dsSize)
	if d.err != nil {
		return nil, lay, utils.WrapError("attribute message", d.err)
	}

	a := &Attribute{Name: name}
	if lay.flags&0x01 == 0 {
		dt, _, err := ParseDatatype(lay.dtBytes)
		if err != nil {
			return nil, lay, utils.WrapError(fmt.Sprintf("attribute %q datatype", name), err)
		}
		a.Type = dt
	}
	if lay.flags&0x02 != 0 {
		return nil, lay, fmt.Errorf("attribute %q: shared dataspace not supported", name)
	}
	ds, err := ParseDataspace(dsBytes, f)
	if err != nil {
		return nil, lay, utils.WrapError(fmt.Sprintf("attribute %q dataspace", name), err)
	}
	a.Space = ds
	a.Data = data[d.Pos():]
	return a, lay, nil
}

// EncodeAttribute builds a version 3 attribute message.
func EncodeAttribute(name string, dt *Datatype, ds *Dataspace, value []byte, f Format) []byte {
	dtb := dt.Encode()
	dsb := ds.Encode(f)
	e := NewEncoder(f, 9+len(name)+1+len(dtb)+len(dsb)+len(value))
	e.U8(3)
	e.U8(0)
	e.U16(uint16(len(name) + 1)) //nolint:gosec // attribute names are short
	e.U16(uint16(len(dtb)))      //nolint:gosec // bounded by message size
	e.U16(uint16(len(dsb)))      //nolint:gosec // bounded by message size
	e.U8(uint8(CharSetUTF8))
	e.CString(name)
	e.Raw(dtb)
	e.Raw(dsb)
	e.Raw(value)
	return e.buf
}

// ReadAttributes returns the compact attributes of an object in header
// order. Attributes in dense storage are read by the structures package.
func ReadAttributes(r *Reader, oh *ObjectHeader) ([]*Attribute, error) {
	var attrs []*Attribute
	for _, m := range oh.FindAll(MsgAttribute) {
		a, err := ResolveAttribute(r, m.Data)
		if err != nil {
			return nil, utils.WrapErrorAt("attribute", m.Addr, err)
		}
		a.Message = m
		attrs = append(attrs, a)
	}
	return attrs, nil
}

// ResolveAttribute parses an attribute message and loads a committed
// datatype when the message refers to one.
func ResolveAttribute(r *Reader, data []byte) (*Attribute, error) {
	a, lay, err := parseAttribute(data, r.Format)
	if err != nil {
		return nil, err
	}
	if a.Type == nil {
		a.Type, err = ReadSharedDatatype(r, lay.dtBytes)
		if err != nil {
			return nil, utils.WrapError(fmt.Sprintf("attribute %q datatype", a.Name), err)
		}
	}
	return a, nil
}

// ReadSharedDatatype follows a shared datatype message to the committed
// datatype it names.
func ReadSharedDatatype(r *Reader, data []byte) (*Datatype, error) {
	addr, err := parseSharedAddress(data, r.Format)
	if err != nil {
		return nil, err
	}
	oh, err := ReadObjectHeader(r, addr)
	if err != nil {
		return nil, err
	}
	m := oh.Find(MsgDatatype)
	if m == nil {
		return nil, utils.Corruptf("committed datatype at 0x%x has no datatype message", addr)
	}
	dt, _, err := ParseDatatype(m.Data)
	return dt, err
}

// parseSharedAddress decodes the object header address of a shared
// message. Messages in the shared message heap are not supported.
func parseSharedAddress(data []byte, f Format) (uint64, error) {
	d := NewDecoder(data, f)
	version := d.U8()
	kind := d.U8()
	switch version {
	case 1:
		d.Skip(6)
	case 2:
	case 3:
		if kind == 1 {
			return 0, fmt.Errorf("shared message heap not supported")
		}
	default:
		return 0, fmt.Errorf("unsupported shared message version: %d", version)
	}
	addr := d.Addr()
	if d.err != nil {
		return 0, utils.WrapError("shared message", d.err)
	}
	return addr, nil
}
