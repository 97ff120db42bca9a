package tables

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/scigolib/tables/internal/core"
)

// Data is a block of values read from an array: Values is a typed Go
// slice in row-major order, Shape its dimensions including the atom's.
type Data struct {
	Shape  []int64
	Values any
}

// Len returns the number of scalar values.
func (d *Data) Len() int {
	n := 1
	for _, v := range d.Shape {
		n *= int(v)
	}
	return n
}

// Array is a homogeneous dataset: a plain Array, a chunked CArray or an
// extendable EArray, as told by Kind.
type Array struct {
	node

	mu   sync.RWMutex // guards ds.Space against Append
	ds   *core.Dataset
	atom Atom
	lsd  *int
}

func newArray(base node, ds *core.Dataset) (*Array, error) {
	a := &Array{node: base, ds: ds}
	atom, err := atomOf(ds.Type)
	if err != nil {
		base.file.log.WithNode(base.path).Debug("element type treated as opaque", "error", err)
		atom = Atom{Type: "opaque", Kind: "opaque", ItemSize: int(ds.Type.Size)}
	}
	a.atom = atom
	return a, nil
}

// Shape returns the dataset dimensions; empty for a scalar.
func (a *Array) Shape() []int64 {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return toInt64s(a.ds.Space.Dims)
}

// Atom returns the element type.
func (a *Array) Atom() Atom { return a.atom }

// ByteOrder returns the order multi-byte elements are stored in.
func (a *Array) ByteOrder() ByteOrder { return byteOrderOf(a.ds.Type) }

// Len returns the size of the extendable dimension for an EArray and of
// the first dimension otherwise. A scalar has length 1.
func (a *Array) Len() int64 {
	a.mu.RLock()
	defer a.mu.RUnlock()
	dims := a.ds.Space.Dims
	if len(dims) == 0 {
		return 1
	}
	if d := a.extDim(); d >= 0 {
		return int64(dims[d]) //nolint:gosec // G115: extents fit in int64
	}
	return int64(dims[0]) //nolint:gosec // G115: extents fit in int64
}

// ExtDim returns the extendable dimension of an EArray, or -1.
func (a *Array) ExtDim() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.extDim()
}

func (a *Array) extDim() int {
	if a.kind != KindEArray {
		return -1
	}
	if attrs, err := a.Attrs(); err == nil && attrs.Contains("EXTDIM") {
		if d, err := attrs.Int64("EXTDIM"); err == nil && d >= 0 && int(d) < a.ds.Space.Rank() {
			return int(d)
		}
	}
	return a.ds.Space.UnlimitedDim()
}

// ChunkShape returns the chunk dimensions, or nil when not chunked.
func (a *Array) ChunkShape() []int64 {
	if a.ds.Layout.Class != core.LayoutChunked {
		return nil
	}
	return toInt64s(a.ds.Layout.ChunkDims)
}

// Filters returns the filter pipeline settings.
func (a *Array) Filters() Filters {
	f := filtersOf(a.ds.Pipeline)
	f.LeastSignificantDigit = a.lsd
	return f
}

// Enum returns the enumeration of an enum-typed array.
func (a *Array) Enum() (*Enum, error) {
	el, _ := a.ds.Type.Elem()
	return enumOf(el)
}

// Read returns the whole array.
func (a *Array) Read() (*Data, error) {
	return a.ReadContext(context.Background())
}

// ReadContext is Read with a context that cancels chunk decoding.
func (a *Array) ReadContext(ctx context.Context) (*Data, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.readRange(ctx, 0, a.ds.Extent()[0])
}

// ReadRange returns rows [start, stop) along the first dimension.
func (a *Array) ReadRange(start, stop int64) (*Data, error) {
	if start < 0 || stop < start {
		return nil, fmt.Errorf("invalid range [%d, %d)", start, stop)
	}
	a.mu.RLock()
	defer a.mu.RUnlock()
	//nolint:gosec // G115: checked non-negative
	return a.readRange(context.Background(), uint64(start), uint64(stop))
}

func (a *Array) readRange(ctx context.Context, start, stop uint64) (*Data, error) {
	if err := a.file.checkOpen(); err != nil {
		return nil, err
	}
	f := a.file
	raw, err := a.ds.ReadRows(ctx, f.reader, start, stop, f.opts.workers)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", a.path, err)
	}
	shape := toInt64s(a.ds.Space.Dims)
	if len(shape) > 0 {
		shape[0] = int64(stop - start) //nolint:gosec // G115: bounded by the extent
	}
	for _, v := range a.atom.Shape {
		shape = append(shape, int64(v))
	}
	d := &Data{Shape: shape}
	el, _ := a.ds.Type.Elem()
	d.Values, err = decodeValues(el, raw, d.Len(), f.heap)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", a.path, err)
	}
	return d, nil
}

// Append adds values along the extendable dimension. values holds whole
// rows in row-major order, as a flat or nested slice. Arrays that are
// not chunked report ErrNotExtendable.
func (a *Array) Append(values any) error {
	if a.ds.Layout.Class != core.LayoutChunked {
		return fmt.Errorf("append to %s: %w", a.path, ErrNotExtendable)
	}
	a.mu.RLock()
	ext := a.extDim()
	a.mu.RUnlock()
	switch {
	case ext < 0:
		return fmt.Errorf("append to %s: %w", a.path, ErrNotExtendable)
	case ext > 0:
		return fmt.Errorf("%w: appending along dimension %d", ErrUnsupported, ext)
	}

	s, done, err := a.file.beginWrite()
	if err != nil {
		return err
	}
	defer done()
	a.mu.Lock()
	defer a.mu.Unlock()

	old := a.ds.Extent()[0]
	raw, rows, err := a.encodeRows(s, values)
	if err == nil && rows > 0 {
		if err = a.ds.Extend(s, old+rows); err == nil {
			err = a.ds.WriteRows(s, old, raw)
		}
	}
	a.file.log.LogAppend(a.path, rows, old+rows, err)
	if err != nil {
		return fmt.Errorf("append to %s: %w", a.path, err)
	}
	return nil
}

// WriteRows overwrites rows starting at start, which must lie within the
// current extent.
func (a *Array) WriteRows(start int64, values any) error {
	if start < 0 {
		return fmt.Errorf("negative start %d", start)
	}
	s, done, err := a.file.beginWrite()
	if err != nil {
		return err
	}
	defer done()
	a.mu.Lock()
	defer a.mu.Unlock()
	raw, _, err := a.encodeRows(s, values)
	if err != nil {
		return err
	}
	//nolint:gosec // G115: checked non-negative
	if err := a.ds.WriteRows(s, uint64(start), raw); err != nil {
		return fmt.Errorf("write %s: %w", a.path, err)
	}
	return nil
}

// encodeRows converts values to file bytes and counts whole rows.
func (a *Array) encodeRows(s core.Storage, values any) ([]byte, uint64, error) {
	el, _ := a.ds.Type.Elem()
	rowElems := uint64(a.atom.Elems())
	for _, v := range a.ds.Extent()[1:] {
		rowElems *= v
	}
	if rowElems == 0 {
		return nil, 0, fmt.Errorf("%w: rows of %s hold no elements", ErrTypeMismatch, a.path)
	}
	enc := newEncoder(el, 0)
	n, err := enc.add(a.Filters().quantize(values))
	if err != nil {
		return nil, 0, err
	}
	if uint64(n)%rowElems != 0 {
		return nil, 0, fmt.Errorf("%w: %d values is not a whole number of %d-element rows", ErrTypeMismatch, n, rowElems)
	}
	raw, err := enc.finish(s, a.file.reader.Format)
	if err != nil {
		return nil, 0, err
	}
	return raw, uint64(n) / rowElems, nil
}

func toInt64s(dims []uint64) []int64 {
	out := make([]int64, len(dims))
	for i, v := range dims {
		out[i] = int64(v) //nolint:gosec // G115: extents fit in int64
	}
	return out
}

func toUint64s(dims []int64) []uint64 {
	out := make([]uint64, len(dims))
	for i, v := range dims {
		out[i] = uint64(max(v, 0))
	}
	return slices.Clip(out)
}

// replace overwrites the array from its first row with values, growing
// the extendable dimension when needed. The caller holds the write lock.
func (a *Array) replace(s core.Storage, values any) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	raw, rows, err := a.encodeRows(s, values)
	if err != nil || rows == 0 {
		return err
	}
	if rows > a.ds.Extent()[0] {
		if err := a.ds.Extend(s, rows); err != nil {
			return err
		}
	}
	return a.ds.WriteRows(s, 0, raw)
}
