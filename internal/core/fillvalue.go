package core

import (
	"fmt"

	"github.com/scigolib/tables/internal/utils"
)

// Space allocation and fill write times.
const (
	AllocEarly       = 1
	AllocLate        = 2
	AllocIncremental = 3
	FillWriteIfSet   = 2
)

// FillValue is a decoded fill value message.
type FillValue struct {
	Version   uint8
	AllocTime uint8
	WriteTime uint8
	Defined   bool
	Value     []byte // nil means the library default of all zeros
}

// ParseFillValueOld decodes the deprecated fill value message (type 4).
func ParseFillValueOld(data []byte) (*FillValue, error) {
	d := NewDecoder(data, DefaultFormat)
	n := int(d.U32())
	v := d.Bytes(n)
	if d.err != nil {
		return nil, utils.WrapError("old fill value message", d.err)
	}
	return &FillValue{Defined: n > 0, Value: v}, nil
}

// ParseFillValue decodes a fill value message (versions 1 to 3).
func ParseFillValue(data []byte) (*FillValue, error) {
	d := NewDecoder(data, DefaultFormat)
	fv := &FillValue{Version: d.U8()}
	switch fv.Version {
	case 1, 2:
		fv.AllocTime = d.U8()
		fv.WriteTime = d.U8()
		fv.Defined = d.U8() != 0
		if fv.Version == 1 || fv.Defined {
			if d.Remaining() >= 4 {
				n := int(d.U32())
				if n > 0 {
					fv.Value = d.Bytes(n)
				}
			}
		}
	case 3:
		flags := d.U8()
		fv.AllocTime = flags & 0x03
		fv.WriteTime = (flags >> 2) & 0x03
		fv.Defined = flags&0x20 != 0
		if fv.Defined {
			n := int(d.U32())
			fv.Value = d.Bytes(n)
		}
	default:
		if d.err != nil {
			return nil, d.err
		}
		return nil, fmt.Errorf("unsupported fill value version: %d", fv.Version)
	}
	if d.err != nil {
		return nil, utils.WrapError("fill value message", d.err)
	}
	return fv, nil
}

// Encode serializes a version 3 fill value message.
func (fv *FillValue) Encode() []byte {
	e := NewEncoder(DefaultFormat, 8+len(fv.Value))
	e.U8(3)
	flags := fv.AllocTime&0x03 | (fv.WriteTime&0x03)<<2
	if fv.Value != nil {
		flags |= 0x20
	}
	e.U8(flags)
	if fv.Value != nil {
		e.U32(uint32(len(fv.Value))) //nolint:gosec // element sized
		e.Raw(fv.Value)
	}
	return e.buf
}
