package tables

import (
	"errors"
	"fmt"
	"math"
	"path"
	"reflect"
	"slices"

	"github.com/scigolib/tables/internal/core"
)

// PyTables class versions written on new nodes.
const (
	arrayVersion  = "2.4"
	carrayVersion = "1.1"
	earrayVersion = "1.1"
	tableVersion  = "2.7"
)

// newDataset describes a dataset to create.
type newDataset struct {
	where, name string
	dt          *core.Datatype
	space       *core.Dataspace
	layout      *core.Layout
	pipeline    *core.FilterPipeline
	attrs       []core.RawMessage
	// extra attributes whose encoding may need the global heap
	values map[string]any
}

// createDataset writes the header, links it into its parent and returns
// the loaded node. The caller holds the write lock.
func (f *File) createDataset(s core.Storage, nd newDataset) (Node, error) {
	parent, err := f.parentGroup(nd.where, nd.name)
	if err != nil {
		return nil, err
	}
	format := f.reader.Format
	msgs, err := core.DatasetMessages(format, nd.dt, nd.space, nd.layout, nd.pipeline, nil)
	if err != nil {
		return nil, err
	}
	msgs = append(msgs, nd.attrs...)
	names := make([]string, 0, len(nd.values))
	for name := range nd.values {
		names = append(names, name)
	}
	slices.Sort(names)
	for _, name := range names {
		data, err := encodeAttribute(s, format, name, nd.values[name])
		if err != nil {
			return nil, fmt.Errorf("attribute %q: %w", name, err)
		}
		msgs = append(msgs, core.RawMessage{Type: core.MsgAttribute, Data: data})
	}
	addr, err := core.WriteObjectHeader(s, msgs, core.HeaderSlack)
	if err != nil {
		return nil, err
	}
	if err := parent.addLink(s, nd.name, addr); err != nil {
		return nil, err
	}
	return f.loadNode(addr, path.Join(parent.path, nd.name))
}

// CreateArray stores values as a contiguous Array. shape may be nil, in
// which case it is taken from the nesting of values. Integer values are
// stored as an enumeration when WithEnum is given.
func (f *File) CreateArray(where, name string, values any, shape []int64, opts ...NodeOption) (*Array, error) {
	o := defaultNodeOptions()
	for _, opt := range opts {
		opt(&o)
	}
	atom, inferred, err := inferAtom(values)
	if err != nil {
		return nil, err
	}
	if shape == nil {
		shape = inferred
	}
	if o.enum != nil {
		if atom.Kind != "int" && atom.Kind != "uint" {
			return nil, fmt.Errorf("%w: enum data must be integers, got %s", ErrTypeMismatch, atom.Type)
		}
		if atom, err = EnumAtom(atom.Type); err != nil {
			return nil, err
		}
	}
	dt, err := atom.datatype(o.byteOrder, o.enum)
	if err != nil {
		return nil, err
	}
	if o.filters != nil {
		values = o.filters.quantize(values)
	}

	s, done, err := f.beginWrite()
	if err != nil {
		return nil, err
	}
	defer done()

	enc := newEncoder(dt, 0)
	n, err := enc.add(values)
	if err != nil {
		return nil, err
	}
	if want := product(shape); int64(n) != want {
		return nil, fmt.Errorf("%w: %d values for shape %v", ErrTypeMismatch, n, shape)
	}
	raw, err := enc.finish(s, f.reader.Format)
	if err != nil {
		return nil, err
	}
	addr := core.UndefinedAddress
	if len(raw) > 0 {
		if addr, err = s.Allocate(uint64(len(raw))); err != nil {
			return nil, err
		}
		//nolint:gosec // G115: addresses fit in int64
		if _, err := s.WriteAt(raw, int64(addr)); err != nil {
			return nil, err
		}
	}

	format := f.reader.Format
	n2, err := f.createDataset(s, newDataset{
		where:  where,
		name:   name,
		dt:     dt,
		space:  core.NewDataspace(toUint64s(shape), nil),
		layout: core.NewContiguousLayout(addr, uint64(len(raw))),
		attrs:  classAttrs(format, "ARRAY", arrayVersion, o.title),
	})
	if err != nil {
		return nil, err
	}
	f.log.WithNode(n2.Path()).Debug("array created", "shape", shape, "atom", atom.String())
	return n2.(*Array), nil
}

// CreateEArray creates an empty extendable array. Exactly one entry of
// shape must be 0: the extendable dimension. Only the first dimension
// can be extendable.
func (f *File) CreateEArray(where, name string, atom Atom, shape []int64, opts ...NodeOption) (*Array, error) {
	ext := -1
	for i, v := range shape {
		if v == 0 {
			if ext >= 0 {
				return nil, fmt.Errorf("shape %v has more than one extendable dimension", shape)
			}
			ext = i
		}
	}
	switch {
	case ext < 0:
		return nil, fmt.Errorf("shape %v has no extendable dimension", shape)
	case ext > 0:
		return nil, fmt.Errorf("%w: extendable dimension %d", ErrUnsupported, ext)
	}
	maxDims := toUint64s(shape)
	maxDims[0] = core.Unlimited
	return f.createChunked(where, name, atom, shape, maxDims, "EARRAY", earrayVersion, opts)
}

// CreateCArray creates a fixed-size chunked array filled with zeros.
func (f *File) CreateCArray(where, name string, atom Atom, shape []int64, opts ...NodeOption) (*Array, error) {
	if len(shape) == 0 || slices.Contains(shape, 0) {
		return nil, fmt.Errorf("invalid CArray shape %v", shape)
	}
	return f.createChunked(where, name, atom, shape, toUint64s(shape), "CARRAY", carrayVersion, opts)
}

func (f *File) createChunked(where, name string, atom Atom, shape []int64, maxDims []uint64, class, version string, opts []NodeOption) (*Array, error) {
	o := defaultNodeOptions()
	for _, opt := range opts {
		opt(&o)
	}
	if atom.Kind == "enum" && o.enum == nil {
		return nil, fmt.Errorf("%w: enum atom needs WithEnum", ErrTypeMismatch)
	}
	if slices.ContainsFunc(shape, func(v int64) bool { return v < 0 }) {
		return nil, fmt.Errorf("invalid shape %v", shape)
	}
	dt, err := atom.datatype(o.byteOrder, o.enum)
	if err != nil {
		return nil, err
	}
	chunk, err := chunkShape(o, shape, atom.Size())
	if err != nil {
		return nil, err
	}
	var filt Filters
	if o.filters != nil {
		filt = *o.filters
	}
	el, _ := dt.Elem()
	pipeline, err := filt.pipeline(int(el.Size))
	if err != nil {
		return nil, err
	}

	s, done, err := f.beginWrite()
	if err != nil {
		return nil, err
	}
	defer done()

	dims := toUint64s(shape)
	format := f.reader.Format
	nd := newDataset{
		where:    where,
		name:     name,
		dt:       dt,
		space:    core.NewDataspace(dims, maxDims),
		layout:   core.NewChunkedLayout(chunk, dt.Size),
		pipeline: pipeline,
		attrs:    classAttrs(format, class, version, o.title),
	}
	if class == "EARRAY" {
		nd.values = map[string]any{"EXTDIM": int32(0)}
	}
	n, err := f.createDataset(s, nd)
	if err != nil {
		return nil, err
	}
	a, ok := n.(*Array)
	if !ok {
		return nil, fmt.Errorf("%s created as %s", n.Path(), n.Kind())
	}
	a.lsd = filt.LeastSignificantDigit
	f.log.WithNode(a.path).Debug("chunked array created", "class", class, "chunk", chunk)
	return a, nil
}

// chunkShape returns the chunk dimensions for a dataset whose first
// dimension grows, honoring WithChunkShape.
func chunkShape(o nodeOptions, shape []int64, itemSize int) ([]uint64, error) {
	if o.chunkShape != nil {
		if len(o.chunkShape) != len(shape) {
			return nil, fmt.Errorf("chunk shape %v does not match rank %d", o.chunkShape, len(shape))
		}
		if slices.ContainsFunc(o.chunkShape, func(v int64) bool { return v <= 0 }) {
			return nil, fmt.Errorf("invalid chunk shape %v", o.chunkShape)
		}
		return toUint64s(o.chunkShape), nil
	}
	if len(shape) == 0 {
		return nil, errors.New("scalar datasets cannot be chunked")
	}
	chunk := toUint64s(shape)
	rowBytes := int64(max(itemSize, 1))
	for i, v := range chunk[1:] {
		chunk[i+1] = max(v, 1)
		rowBytes *= int64(chunk[i+1]) //nolint:gosec // G115: small dims
	}
	expected := o.expectedRows
	if shape[0] > 0 {
		expected = max(expected, shape[0])
	}
	target := chunkBytes(float64(expected*rowBytes) / (1 << 20))

	// Shrink the trailing dimensions of rows larger than a chunk.
	for rowBytes > target {
		i := 1 + argmax(chunk[1:])
		if chunk[i] == 1 {
			break
		}
		rowBytes = rowBytes / int64(chunk[i]) * int64((chunk[i]+1)/2) //nolint:gosec // G115: small dims
		chunk[i] = (chunk[i] + 1) / 2
	}
	rows := max(target/rowBytes, 1)
	if shape[0] > 0 {
		rows = min(rows, shape[0])
	}
	chunk[0] = uint64(rows) //nolint:gosec // positive
	return chunk, nil
}

// chunkBytes maps the expected dataset size in MB to a chunk size that
// doubles for every tenfold growth, starting at 16 KB.
func chunkBytes(expectedMB float64) int64 {
	mb := min(max(expectedMB, 1), 1e7)
	zone := math.Floor(math.Log10(mb))
	return int64(16 * 1024 * math.Pow(2, zone))
}

func argmax(v []uint64) int {
	best := 0
	for i, x := range v {
		if x > v[best] {
			best = i
		}
	}
	return best
}

func product(shape []int64) int64 {
	n := int64(1)
	for _, v := range shape {
		n *= v
	}
	return n
}

// inferAtom derives an atom and a shape from nested Go slices.
func inferAtom(values any) (Atom, []int64, error) {
	v := reflect.ValueOf(values)
	if !v.IsValid() {
		return Atom{}, nil, fmt.Errorf("%w: nil values", ErrTypeMismatch)
	}
	var shape []int64
	t := v.Type()
	cur := v
	for t.Kind() == reflect.Slice || t.Kind() == reflect.Array {
		if cur.IsValid() {
			shape = append(shape, int64(cur.Len()))
			if cur.Len() > 0 {
				cur = cur.Index(0)
			} else {
				cur = reflect.Value{}
			}
		} else {
			shape = append(shape, 0)
		}
		t = t.Elem()
	}
	switch t.Kind() {
	case reflect.String:
		return StringAtom(maxStringLen(v)), shape, nil
	case reflect.Bool:
		a, err := NewAtom("bool")
		return a, shape, err
	case reflect.Int, reflect.Int64:
		a, err := NewAtom("int64")
		return a, shape, err
	case reflect.Int8, reflect.Int16, reflect.Int32:
		a, err := NewAtom(fmt.Sprintf("int%d", 8*t.Size()))
		return a, shape, err
	case reflect.Uint, reflect.Uint64:
		a, err := NewAtom("uint64")
		return a, shape, err
	case reflect.Uint8, reflect.Uint16, reflect.Uint32:
		a, err := NewAtom(fmt.Sprintf("uint%d", 8*t.Size()))
		return a, shape, err
	case reflect.Float32, reflect.Float64:
		a, err := NewAtom(fmt.Sprintf("float%d", 8*t.Size()))
		return a, shape, err
	}
	return Atom{}, nil, fmt.Errorf("%w: cannot store %s", ErrTypeMismatch, t)
}

func maxStringLen(v reflect.Value) int {
	switch v.Kind() {
	case reflect.String:
		return v.Len()
	case reflect.Slice, reflect.Array:
		n := 0
		for i := 0; i < v.Len(); i++ {
			n = max(n, maxStringLen(v.Index(i)))
		}
		return n
	}
	return 0
}
