package core

import (
	"fmt"

	"github.com/scigolib/tables/internal/utils"
)

// DataspaceKind distinguishes scalar, simple and null dataspaces.
type DataspaceKind uint8

// Dataspace kinds.
const (
	DataspaceScalar DataspaceKind = 0
	DataspaceSimple DataspaceKind = 1
	DataspaceNull   DataspaceKind = 2
)

// Unlimited is the maximum size of an extendible dimension.
const Unlimited = ^uint64(0)

// Dataspace is the shape of a dataset or attribute.
type Dataspace struct {
	Version uint8
	Kind    DataspaceKind
	Dims    []uint64
	MaxDims []uint64 // nil when the message stores no maxima
}

// ParseDataspace decodes a dataspace message (versions 1 and 2).
func ParseDataspace(data []byte, f Format) (*Dataspace, error) {
	d := NewDecoder(data, f)
	ds := &Dataspace{Version: d.U8()}
	rank := int(d.U8())
	flags := d.U8()

	switch ds.Version {
	case 1:
		d.Skip(5)
		ds.Kind = DataspaceSimple
		if rank == 0 {
			ds.Kind = DataspaceScalar
		}
	case 2:
		ds.Kind = DataspaceKind(d.U8())
		if ds.Kind > DataspaceNull {
			return nil, utils.Corruptf("dataspace type %d", ds.Kind)
		}
	default:
		if d.err != nil {
			return nil, d.err
		}
		return nil, fmt.Errorf("unsupported dataspace version: %d", ds.Version)
	}

	ds.Dims = make([]uint64, rank)
	for i := range ds.Dims {
		ds.Dims[i] = d.Length()
	}
	if flags&0x01 != 0 {
		ds.MaxDims = make([]uint64, rank)
		for i := range ds.MaxDims {
			v := d.Length()
			if isUndefined(v, f.LengthSize) {
				v = Unlimited
			}
			ds.MaxDims[i] = v
		}
	}
	if d.err != nil {
		return nil, utils.WrapError("dataspace message", d.err)
	}
	return ds, nil
}

// NewDataspace returns a version 2 simple dataspace. maxDims may be nil.
func NewDataspace(dims, maxDims []uint64) *Dataspace {
	kind := DataspaceSimple
	if len(dims) == 0 {
		kind = DataspaceScalar
	}
	return &Dataspace{Version: 2, Kind: kind, Dims: dims, MaxDims: maxDims}
}

// Encode serializes the dataspace in its own version, so that a message
// rewritten with new extents keeps its size.
func (ds *Dataspace) Encode(f Format) []byte {
	e := NewEncoder(f, 8+2*len(ds.Dims)*f.LengthSize)
	var flags uint8
	if ds.MaxDims != nil {
		flags |= 0x01
	}
	version := ds.Version
	if version == 0 {
		version = 2
	}
	e.U8(version)
	e.U8(uint8(len(ds.Dims))) //nolint:gosec // rank is at most 32
	e.U8(flags)
	if version == 1 {
		e.Zeros(5)
	} else {
		e.U8(uint8(ds.Kind))
	}
	for _, v := range ds.Dims {
		e.Length(v)
	}
	for _, v := range ds.MaxDims {
		e.Length(v)
	}
	return e.buf
}

// Rank returns the number of dimensions.
func (ds *Dataspace) Rank() int {
	return len(ds.Dims)
}

// NumElements returns the element count: 1 for scalars, 0 for null.
func (ds *Dataspace) NumElements() uint64 {
	if ds.Kind == DataspaceNull {
		return 0
	}
	n, err := utils.ElementCount(ds.Dims)
	if err != nil {
		return 0
	}
	return n
}

// UnlimitedDim returns the index of the first unlimited dimension, or -1.
func (ds *Dataspace) UnlimitedDim() int {
	for i, v := range ds.MaxDims {
		if v == Unlimited {
			return i
		}
	}
	return -1
}
