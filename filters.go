package tables

import (
	"fmt"
	"math"
	"strings"

	"github.com/scigolib/tables/internal/core"
	"github.com/scigolib/tables/internal/filters"
)

// Compression library names, as PyTables spells them.
const (
	ComplibZlib  = "zlib"
	ComplibSzip  = "szip"
	ComplibLZF   = "lzf"
	ComplibBZip2 = "bzip2"
	ComplibBlosc = "blosc"
	ComplibZstd  = "zstd"
	ComplibLZ4   = "lz4"
)

var complibIDs = map[string]uint16{
	ComplibZlib:  filters.Deflate,
	ComplibSzip:  filters.Szip,
	ComplibLZF:   filters.LZF,
	ComplibBZip2: filters.BZip2,
	ComplibBlosc: filters.Blosc,
	ComplibZstd:  filters.Zstd,
	ComplibLZ4:   filters.LZ4,
}

// Filters describes the filter pipeline of a chunked dataset.
//
// LeastSignificantDigit is not stored in the file. When set on creation,
// float data is quantized before it is written so that compression can
// exploit the discarded precision.
type Filters struct {
	Complevel             int
	Complib               string
	Shuffle               bool
	Fletcher32            bool
	LeastSignificantDigit *int
}

// filtersOf derives Filters from a pipeline message. A nil pipeline
// yields the zero value.
func filtersOf(fp *core.FilterPipeline) Filters {
	var out Filters
	if fp == nil {
		return out
	}
	for _, st := range fp.Stages {
		switch st.ID {
		case filters.Shuffle:
			out.Shuffle = true
		case filters.Fletcher32:
			out.Fletcher32 = true
		case filters.Deflate, filters.BZip2, filters.Zstd:
			out.Complib = complibName(st.ID)
			if len(st.ClientData) > 0 {
				out.Complevel = int(st.ClientData[0])
			}
		case filters.Blosc:
			out.Complib = ComplibBlosc
			// Blosc keeps the level in the fifth slot.
			if len(st.ClientData) > 4 {
				out.Complevel = int(st.ClientData[4])
			}
		case filters.LZF, filters.LZ4:
			out.Complib = complibName(st.ID)
			out.Complevel = 1
		case filters.Szip:
			out.Complib = ComplibSzip
		}
	}
	return out
}

func complibName(id uint16) string {
	for name, v := range complibIDs {
		if v == id {
			return name
		}
	}
	return ""
}

// String renders the filters the way PyTables prints them.
func (f Filters) String() string {
	var b strings.Builder
	b.WriteString("Filters(")
	if f.Complevel > 0 {
		fmt.Fprintf(&b, "complevel=%d, ", f.Complevel)
	}
	if f.Complib != "" {
		fmt.Fprintf(&b, "complib='%s', ", f.Complib)
	}
	fmt.Fprintf(&b, "shuffle=%s, fletcher32=%s, least_significant_digit=", pyBool(f.Shuffle), pyBool(f.Fletcher32))
	if f.LeastSignificantDigit == nil {
		b.WriteString("None")
	} else {
		fmt.Fprintf(&b, "%d", *f.LeastSignificantDigit)
	}
	b.WriteString(")")
	return b.String()
}

func pyBool(v bool) string {
	if v {
		return "True"
	}
	return "False"
}

// stages builds the pipeline for writing. Shuffle precedes compression
// and the checksum comes last.
func (f Filters) stages(elemSize int) ([]filters.Stage, error) {
	var out []filters.Stage
	if f.Shuffle {
		//nolint:gosec // G115: element sizes are small
		out = append(out, filters.Stage{ID: filters.Shuffle, Optional: true, ClientData: []uint32{uint32(elemSize)}})
	}
	if f.Complevel > 0 || f.Complib != "" {
		lib := f.Complib
		if lib == "" {
			lib = ComplibZlib
		}
		id, ok := complibIDs[lib]
		if !ok {
			return nil, fmt.Errorf("%w: compression library %q", ErrUnsupported, lib)
		}
		switch id {
		case filters.Szip, filters.Blosc, filters.BZip2:
			return nil, &filters.UnsupportedError{ID: id, Name: lib, Op: "encode"}
		}
		st := filters.Stage{ID: id, Optional: true}
		level := f.Complevel
		if level <= 0 {
			level = filters.DefaultDeflateLevel
		}
		switch id {
		case filters.Deflate:
			st.ClientData = []uint32{uint32(min(level, 9))} //nolint:gosec // clamped to 1..9
		case filters.Zstd:
			st.ClientData = []uint32{uint32(level)} //nolint:gosec // positive
		}
		out = append(out, st)
	}
	if f.Fletcher32 {
		out = append(out, filters.Stage{ID: filters.Fletcher32})
	}
	return out, nil
}

func (f Filters) pipeline(elemSize int) (*core.FilterPipeline, error) {
	st, err := f.stages(elemSize)
	if err != nil || len(st) == 0 {
		return nil, err
	}
	return &core.FilterPipeline{Version: 2, Stages: st}, nil
}

// quantize truncates float data to the precision implied by
// LeastSignificantDigit. Other values pass through.
func (f Filters) quantize(values any) any {
	if f.LeastSignificantDigit == nil {
		return values
	}
	scale := quantizeScale(*f.LeastSignificantDigit)
	switch v := values.(type) {
	case []float64:
		out := make([]float64, len(v))
		for i, x := range v {
			out[i] = math.RoundToEven(x*scale) / scale
		}
		return out
	case []float32:
		out := make([]float32, len(v))
		for i, x := range v {
			out[i] = float32(math.RoundToEven(float64(x)*scale) / scale)
		}
		return out
	case float64:
		return math.RoundToEven(v*scale) / scale
	case float32:
		return float32(math.RoundToEven(float64(v)*scale) / scale)
	}
	return values
}

// quantizeScale returns the power of two that keeps lsd decimal digits.
func quantizeScale(lsd int) float64 {
	exp := -float64(lsd)
	if exp < 0 {
		exp = math.Floor(exp)
	} else {
		exp = math.Ceil(exp)
	}
	bits := math.Ceil(math.Log2(math.Pow(10, -exp)))
	return math.Pow(2, bits)
}
