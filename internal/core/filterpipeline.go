package core

import (
	"fmt"

	"github.com/scigolib/tables/internal/filters"
	"github.com/scigolib/tables/internal/utils"
)

// FilterPipeline is a decoded filter pipeline message.
type FilterPipeline struct {
	Version uint8
	Stages  []filters.Stage
}

// ParseFilterPipeline decodes a filter pipeline message (versions 1, 2).
func ParseFilterPipeline(data []byte) (*FilterPipeline, error) {
	d := NewDecoder(data, DefaultFormat)
	fp := &FilterPipeline{Version: d.U8()}
	count := int(d.U8())
	switch fp.Version {
	case 1:
		d.Skip(6)
	case 2:
	default:
		if d.err != nil {
			return nil, d.err
		}
		return nil, fmt.Errorf("unsupported filter pipeline version: %d", fp.Version)
	}

	for i := 0; i < count && d.err == nil; i++ {
		var st filters.Stage
		st.ID = d.U16()
		nameLen := 0
		if fp.Version == 1 || st.ID >= 256 {
			nameLen = int(d.U16())
		}
		flags := d.U16()
		st.Optional = flags&0x01 != 0
		nvalues := int(d.U16())
		if nameLen > 0 {
			name := d.Bytes(nameLen)
			st.Name = trimNul(name)
			if fp.Version == 1 {
				d.Skip(Padded8(nameLen) - nameLen)
			}
		}
		st.ClientData = make([]uint32, nvalues)
		for j := range st.ClientData {
			st.ClientData[j] = d.U32()
		}
		if fp.Version == 1 && nvalues%2 != 0 {
			d.Skip(4)
		}
		fp.Stages = append(fp.Stages, st)
	}
	if d.err != nil {
		return nil, utils.WrapError("filter pipeline message", d.err)
	}
	return fp, nil
}

// Encode serializes the pipeline as a version 2 message. Names are kept
// only for filters outside the reserved id range, as the format requires.
func (fp *FilterPipeline) Encode() []byte {
	e := NewEncoder(DefaultFormat, 16*len(fp.Stages)+2)
	e.U8(2)
	e.U8(uint8(len(fp.Stages))) //nolint:gosec // at most 32 filters
	for _, st := range fp.Stages {
		e.U16(st.ID)
		name := st.DisplayName()
		if st.ID >= 256 {
			if name == "" {
				e.U16(0)
			} else {
				e.U16(uint16(len(name) + 1)) //nolint:gosec // short names
			}
		}
		var flags uint16
		if st.Optional {
			flags = 1
		}
		e.U16(flags)
		e.U16(uint16(len(st.ClientData))) //nolint:gosec // few client values
		if st.ID >= 256 && name != "" {
			e.CString(name)
		}
		for _, v := range st.ClientData {
			e.U32(v)
		}
	}
	return e.buf
}

// Has reports whether the pipeline contains filter id.
func (fp *FilterPipeline) Has(id uint16) bool {
	for _, st := range fp.Stages {
		if st.ID == id {
			return true
		}
	}
	return false
}
