package tables

import (
	"cmp"
	"context"
	"fmt"
	"math"
	"path"
	"slices"
	"strings"

	"github.com/RoaringBitmap/roaring/v2/roaring64"

	"github.com/scigolib/tables/internal/core"
)

// Index layout versions.
const (
	IndexVersion20 = "2.0"
	IndexVersion21 = "2.1"
)

// DefaultSliceSize is the number of sorted values per index slice.
const DefaultSliceSize = 1024

const (
	tindexVersion = "2.1"
	rangesChunk   = 64
)

// Index is a full sorted index on one table column. The values are
// sorted globally and cut into slices of SliceSize values; the rest
// that does not fill a slice is kept in the last-row arrays.
type Index struct {
	col   *Column
	group *Group

	version   string
	sliceSize int64

	sorted, indices     *Array
	sortedLR, indicesLR *Array
	ranges              *Array // 2.1 only
}

// Bound limits one side of an index search. The zero Bound is
// unbounded.
type Bound struct {
	Value     any
	Inclusive bool
	Set       bool
}

// Inclusive returns the bound v, itself included.
func Inclusive(v any) Bound { return Bound{Value: v, Inclusive: true, Set: true} }

// Exclusive returns the bound v, itself excluded.
func Exclusive(v any) Bound { return Bound{Value: v, Set: true} }

// indexGroupName is the name of the group holding the indexes of a
// table.
func indexGroupName(table string) string { return "_i_" + table }

func (t *Table) indexGroupPath() string {
	return path.Join(path.Dir(t.path), indexGroupName(t.name))
}

// Version returns the layout version, "2.0" or "2.1".
func (ix *Index) Version() string { return ix.version }

// SliceSize returns the number of values per slice.
func (ix *Index) SliceSize() int64 { return ix.sliceSize }

// Column returns the indexed column.
func (ix *Index) Column() *Column { return ix.col }

// NElements returns the number of indexed values.
func (ix *Index) NElements() int64 {
	n, lr := ix.counts()
	return n + lr
}

// counts returns the values held in whole slices and in the last row.
func (ix *Index) counts() (int64, int64) {
	attrs, err := ix.group.Attrs()
	if err != nil {
		return 0, 0
	}
	n, _ := attrs.Int64("NELEMENTS")
	lr, _ := attrs.Int64("NELEMENTSLR")
	return n, lr
}

// IsIndexed reports whether the column has an index.
func (c *Column) IsIndexed() bool {
	_, err := c.Index()
	return err == nil
}

// Index returns the column's index, or ErrNoIndex.
func (c *Column) Index() (*Index, error) {
	t := c.table
	t.imu.Lock()
	defer t.imu.Unlock()
	if ix, ok := t.indexes[c.Name]; ok {
		return ix, nil
	}
	n, err := t.file.GetNode(t.indexGroupPath(), c.Name)
	if err != nil {
		return nil, fmt.Errorf("column %s of %s: %w", c.Name, t.path, ErrNoIndex)
	}
	g, ok := n.(*Group)
	if !ok || g.Kind() != KindIndex {
		return nil, fmt.Errorf("column %s of %s: %w", c.Name, t.path, ErrNoIndex)
	}
	ix, err := openIndex(c, g)
	if err != nil {
		return nil, err
	}
	if t.indexes == nil {
		t.indexes = map[string]*Index{}
	}
	t.indexes[c.Name] = ix
	return ix, nil
}

func openIndex(c *Column, g *Group) (*Index, error) {
	attrs, err := g.Attrs()
	if err != nil {
		return nil, err
	}
	ix := &Index{col: c, group: g}
	if ix.version, err = attrs.String("VERSION"); err != nil {
		return nil, fmt.Errorf("index %s: %w", g.path, err)
	}
	if ix.sliceSize, err = attrs.Int64("SLICESIZE"); err != nil {
		return nil, fmt.Errorf("index %s: %w", g.path, err)
	}
	if ix.sliceSize <= 0 {
		return nil, fmt.Errorf("index %s: slice size %d", g.path, ix.sliceSize)
	}
	arrays := map[string]**Array{
		"sorted": &ix.sorted, "indices": &ix.indices,
		"sortedLR": &ix.sortedLR, "indicesLR": &ix.indicesLR,
	}
	if ix.version != IndexVersion20 {
		arrays["ranges"] = &ix.ranges
	}
	for name, dst := range arrays {
		n, err := g.Child(name)
		if err != nil {
			return nil, fmt.Errorf("index %s: %w", g.path, err)
		}
		a, ok := n.(*Array)
		if !ok {
			return nil, fmt.Errorf("index %s: %s is a %s", g.path, name, n.Kind())
		}
		*dst = a
	}
	return ix, nil
}

// CreateIndex builds a full index on a scalar column.
func (t *Table) CreateIndex(name string, opts ...IndexOption) (*Index, error) {
	o := indexOptions{version: IndexVersion21, sliceSize: DefaultSliceSize}
	for _, opt := range opts {
		opt(&o)
	}
	if o.version != IndexVersion20 && o.version != IndexVersion21 {
		return nil, fmt.Errorf("%w: index version %q", ErrUnsupported, o.version)
	}
	if o.sliceSize <= 0 {
		return nil, fmt.Errorf("invalid slice size %d", o.sliceSize)
	}
	c, err := t.Col(name)
	if err != nil {
		return nil, err
	}
	if err := indexable(c); err != nil {
		return nil, err
	}
	if c.IsIndexed() {
		return nil, fmt.Errorf("index on %s.%s: %w", t.path, name, ErrNodeExists)
	}

	s, done, err := t.file.beginWrite()
	if err != nil {
		return nil, err
	}
	defer done()

	ix, err := t.writeIndex(s, c, o)
	if err != nil {
		return nil, fmt.Errorf("index on %s.%s: %w", t.path, name, err)
	}
	t.imu.Lock()
	if t.indexes == nil {
		t.indexes = map[string]*Index{}
	}
	t.indexes[name] = ix
	t.imu.Unlock()
	return ix, nil
}

func indexable(c *Column) error {
	switch {
	case len(c.Atom.Shape) > 0:
		return fmt.Errorf("%w: index on array column %s", ErrUnsupported, c.Name)
	case strings.Contains(c.Name, "/"):
		return fmt.Errorf("%w: index on nested column %s", ErrUnsupported, c.Name)
	}
	switch c.Atom.Kind {
	case "bool", "int", "uint", "float", "enum":
		return nil
	case "string":
		if c.Atom.Type == "string" {
			return nil
		}
	}
	return fmt.Errorf("%w: index on %s column %s", ErrUnsupported, c.Atom.Type, c.Name)
}

// writeIndex creates the index groups and datasets and fills them.
func (t *Table) writeIndex(s core.Storage, c *Column, o indexOptions) (*Index, error) {
	f := t.file
	format := f.reader.Format
	parent := path.Dir(t.path)
	gpath := t.indexGroupPath()
	if !f.Contains(gpath) {
		if _, err := f.createGroup(s, parent, indexGroupName(t.name), "TINDEX", tindexVersion, ""); err != nil {
			return nil, err
		}
	}
	g, err := f.createGroup(s, gpath, c.Name, "INDEX", o.version, "")
	if err != nil {
		return nil, err
	}
	attrs, err := g.Attrs()
	if err != nil {
		return nil, err
	}
	for _, kv := range []struct {
		name  string
		value any
	}{
		{"SLICESIZE", int64(o.sliceSize)},
		{"NELEMENTS", int64(0)},
		{"NELEMENTSLR", int64(0)},
		{"KIND", "full"},
	} {
		if err := attrs.set(s, kv.name, kv.value); err != nil {
			return nil, err
		}
	}

	ss := uint64(o.sliceSize) //nolint:gosec // positive
	rowType := core.NewInteger(8, true, false)
	if o.version == IndexVersion20 {
		rowType = core.NewInteger(4, false, false)
	}
	type member struct {
		name, class     string
		dt              *core.Datatype
		dims, max, chnk []uint64
	}
	members := []member{
		{"sorted", "INDEXARRAY", c.elem, []uint64{0, ss}, []uint64{core.Unlimited, ss}, []uint64{1, ss}},
		{"indices", "INDEXARRAY", rowType, []uint64{0, ss}, []uint64{core.Unlimited, ss}, []uint64{1, ss}},
		{"sortedLR", "CARRAY", c.elem, []uint64{ss}, []uint64{ss}, []uint64{ss}},
		{"indicesLR", "CARRAY", rowType, []uint64{ss}, []uint64{ss}, []uint64{ss}},
	}
	if o.version == IndexVersion21 {
		members = append(members, member{"ranges", "CARRAY", c.elem, []uint64{0, 2}, []uint64{core.Unlimited, 2}, []uint64{rangesChunk, 2}})
	}
	for _, sp := range members {
		nd := newDataset{
			where:  g.path,
			name:   sp.name,
			dt:     sp.dt,
			space:  core.NewDataspace(sp.dims, sp.max),
			layout: core.NewChunkedLayout(sp.chnk, sp.dt.Size),
			attrs:  classAttrs(format, sp.class, "1.0", ""),
		}
		if sp.class == "INDEXARRAY" {
			nd.values = map[string]any{"EXTDIM": int32(0)}
		}
		if _, err := f.createDataset(s, nd); err != nil {
			return nil, err
		}
	}

	ix, err := openIndex(c, g)
	if err != nil {
		return nil, err
	}
	if err := ix.rebuild(s); err != nil {
		return nil, err
	}
	f.log.WithNode(t.path).Debug("index created", "column", c.Name, "version", o.version)
	return ix, nil
}

// reindex rebuilds every index of the table after rows were added.
func (t *Table) reindex(s core.Storage) error {
	for _, c := range t.cols {
		if strings.Contains(c.Name, "/") {
			continue
		}
		ix, err := c.Index()
		if err != nil {
			continue
		}
		if err := ix.rebuild(s); err != nil {
			return fmt.Errorf("reindex %s: %w", c.Name, err)
		}
	}
	return nil
}

// rebuild sorts the whole column and rewrites the index datasets. Row
// numbers are absolute.
func (ix *Index) rebuild(s core.Storage) error {
	c := ix.col
	t := c.table
	n := t.NRows()
	if ix.version == IndexVersion20 && n > math.MaxUint32 {
		return fmt.Errorf("%w: %d rows in a 2.0 index", ErrUnsupported, n)
	}
	raw, err := c.read(context.Background(), 0, n)
	if err != nil {
		return err
	}
	keys, err := normalizeKeys(raw)
	if err != nil {
		return err
	}
	sorted, perm := sortKeys(keys)

	ss := ix.sliceSize
	nslices := n / ss
	whole := nslices * ss
	if nslices > 0 {
		if err := ix.sorted.replace(s, sliceAny(sorted, 0, whole)); err != nil {
			return err
		}
		if err := ix.indices.replace(s, perm[:whole]); err != nil {
			return err
		}
		if ix.ranges != nil {
			if err := ix.ranges.replace(s, sliceRanges(sorted, nslices, ss)); err != nil {
				return err
			}
		}
	}
	lrValues := padAny(sliceAny(sorted, whole, n), int(ss))
	lrRows := make([]int64, ss)
	copy(lrRows, perm[whole:])
	if err := ix.sortedLR.replace(s, lrValues); err != nil {
		return err
	}
	if err := ix.indicesLR.replace(s, lrRows); err != nil {
		return err
	}

	attrs, err := ix.group.Attrs()
	if err != nil {
		return err
	}
	if err := attrs.set(s, "NELEMENTS", whole); err != nil {
		return err
	}
	return attrs.set(s, "NELEMENTSLR", n-whole)
}

// Search returns the rows whose value lies between lo and hi. NaN never
// matches.
func (ix *Index) Search(lo, hi Bound) (*roaring64.Bitmap, error) {
	out := roaring64.New()
	n, lr := ix.counts()
	nslices := n / ix.sliceSize

	var ranges []any
	if ix.ranges != nil && nslices > 0 {
		d, err := ix.ranges.ReadRange(0, nslices)
		if err != nil {
			return nil, err
		}
		keys, err := normalizeKeys(d.Values)
		if err != nil {
			return nil, err
		}
		ranges = splitPairs(keys)
	}

	for i := int64(0); i < nslices; i++ {
		if ranges != nil {
			if !overlaps(ranges[i], lo, hi) {
				continue
			}
		}
		if err := ix.searchSlice(out, ix.sorted, ix.indices, i, ix.sliceSize, lo, hi); err != nil {
			return nil, err
		}
	}
	if lr > 0 {
		if err := ix.searchSlice(out, ix.sortedLR, ix.indicesLR, -1, lr, lo, hi); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// searchSlice adds the matches of slice i (or the last row when i < 0)
// holding n values.
func (ix *Index) searchSlice(out *roaring64.Bitmap, sorted, indices *Array, i, n int64, lo, hi Bound) error {
	var d *Data
	var err error
	if i < 0 {
		d, err = sorted.Read()
	} else {
		d, err = sorted.ReadRange(i, i+1)
	}
	if err != nil {
		return err
	}
	keys, err := normalizeKeys(d.Values)
	if err != nil {
		return err
	}
	keys = sliceAny(keys, 0, n)
	start, stop, err := searchKeys(keys, lo, hi)
	if err != nil || start >= stop {
		return err
	}
	if i < 0 {
		d, err = indices.Read()
	} else {
		d, err = indices.ReadRange(i, i+1)
	}
	if err != nil {
		return err
	}
	rows, err := normalizeKeys(d.Values)
	if err != nil {
		return err
	}
	switch r := rows.(type) {
	case []int64:
		for _, v := range r[start:stop] {
			out.Add(uint64(v)) //nolint:gosec // row numbers are non-negative
		}
	case []uint64:
		out.AddMany(r[start:stop])
	default:
		return fmt.Errorf("index %s: row numbers are %T", ix.group.path, rows)
	}
	return nil
}

// normalizeKeys widens typed values to []int64, []uint64, []float64 or
// []string so that one comparison covers every column type.
func normalizeKeys(vals any) (any, error) {
	switch v := vals.(type) {
	case []int8:
		return widen(v), nil
	case []int16:
		return widen(v), nil
	case []int32:
		return widen(v), nil
	case []int64:
		return v, nil
	case []uint8:
		return widen(v), nil
	case []uint16:
		return widen(v), nil
	case []uint32:
		return widen(v), nil
	case []uint64:
		return v, nil
	case []float32:
		out := make([]float64, len(v))
		for i, x := range v {
			out[i] = float64(x)
		}
		return out, nil
	case []float64:
		return v, nil
	case []bool:
		out := make([]int64, len(v))
		for i, x := range v {
			if x {
				out[i] = 1
			}
		}
		return out, nil
	case []string:
		return v, nil
	}
	return nil, fmt.Errorf("%w: cannot index %T", ErrUnsupported, vals)
}

func widen[S ~int8 | ~int16 | ~int32 | ~uint8 | ~uint16 | ~uint32](v []S) []int64 {
	out := make([]int64, len(v))
	for i, x := range v {
		out[i] = int64(x)
	}
	return out
}

// sortKeys returns the keys in ascending order with the permutation that
// sorts them. Equal keys keep row order.
func sortKeys(keys any) (any, []int64) {
	switch k := keys.(type) {
	case []int64:
		return argsort(k)
	case []uint64:
		return argsort(k)
	case []float64:
		return argsort(k)
	case []string:
		return argsort(k)
	}
	return nil, nil
}

func argsort[T cmp.Ordered](keys []T) (any, []int64) {
	perm := make([]int64, len(keys))
	for i := range perm {
		perm[i] = int64(i)
	}
	slices.SortStableFunc(perm, func(a, b int64) int { return cmp.Compare(keys[a], keys[b]) })
	sorted := make([]T, len(keys))
	for i, p := range perm {
		sorted[i] = keys[p]
	}
	return sorted, perm
}

// sliceAny slices a typed slice.
func sliceAny(vals any, start, stop int64) any {
	switch v := vals.(type) {
	case []int64:
		return v[start:stop]
	case []uint64:
		return v[start:stop]
	case []float64:
		return v[start:stop]
	case []string:
		return v[start:stop]
	}
	return vals
}

// padAny extends a typed slice with zero values to n elements.
func padAny(vals any, n int) any {
	switch v := vals.(type) {
	case []int64:
		return append(slices.Clone(v), make([]int64, n-len(v))...)
	case []uint64:
		return append(slices.Clone(v), make([]uint64, n-len(v))...)
	case []float64:
		return append(slices.Clone(v), make([]float64, n-len(v))...)
	case []string:
		return append(slices.Clone(v), make([]string, n-len(v))...)
	}
	return vals
}

// sliceRanges returns the first and last value of every slice.
func sliceRanges(sorted any, nslices, ss int64) any {
	switch v := sorted.(type) {
	case []int64:
		return pairs(v, nslices, ss)
	case []uint64:
		return pairs(v, nslices, ss)
	case []float64:
		return pairs(v, nslices, ss)
	case []string:
		return pairs(v, nslices, ss)
	}
	return nil
}

func pairs[T any](v []T, nslices, ss int64) []T {
	out := make([]T, 0, 2*nslices)
	for i := int64(0); i < nslices; i++ {
		out = append(out, v[i*ss], v[(i+1)*ss-1])
	}
	return out
}

// splitPairs turns the flat ranges array into one two-element slice per
// index slice.
func splitPairs(keys any) []any {
	var out []any
	switch k := keys.(type) {
	case []int64:
		for i := 0; i+1 < len(k); i += 2 {
			out = append(out, k[i:i+2])
		}
	case []uint64:
		for i := 0; i+1 < len(k); i += 2 {
			out = append(out, k[i:i+2])
		}
	case []float64:
		for i := 0; i+1 < len(k); i += 2 {
			out = append(out, k[i:i+2])
		}
	case []string:
		for i := 0; i+1 < len(k); i += 2 {
			out = append(out, k[i:i+2])
		}
	}
	return out
}

// overlaps reports whether a slice spanning rng may hold matches.
func overlaps(rng any, lo, hi Bound) bool {
	start, stop, err := searchKeys(rng, lo, hi)
	if err != nil {
		return true
	}
	if start < stop {
		return true
	}
	// The bounds may fall strictly inside the slice.
	return start == 1 && stop == 1
}

// searchKeys returns the positions [start, stop) of sorted keys within
// the bounds.
func searchKeys(keys any, lo, hi Bound) (int, int, error) {
	switch k := keys.(type) {
	case []int64:
		return searchRange(k, lo, hi, intKey)
	case []uint64:
		return searchRange(k, lo, hi, uintKey)
	case []float64:
		return searchRange(k, lo, hi, floatKey)
	case []string:
		return searchRange(k, lo, hi, stringKey)
	}
	return 0, 0, fmt.Errorf("%w: search on %T", ErrUnsupported, keys)
}

// keyFunc converts a bound to the key type. upper tells which side the
// bound is on; a key that cannot be represented moves to the nearest
// value that keeps the comparison, and empty reports a bound nothing can
// satisfy.
type keyFunc[T cmp.Ordered] func(b Bound, upper bool) (key T, incl, empty bool, err error)

func searchRange[T cmp.Ordered](keys []T, lo, hi Bound, conv keyFunc[T]) (int, int, error) {
	start := 0
	// NaN sorts first and never matches.
	for start < len(keys) && keys[start] != keys[start] {
		start++
	}
	stop := len(keys)
	if lo.Set {
		k, incl, empty, err := conv(lo, false)
		if err != nil || empty {
			return 0, 0, err
		}
		i, found := slices.BinarySearch(keys[start:], k)
		if found && !incl {
			for start+i < len(keys) && keys[start+i] == k {
				i++
			}
		}
		start += i
	}
	if hi.Set {
		k, incl, empty, err := conv(hi, true)
		if err != nil || empty {
			return 0, 0, err
		}
		i, found := slices.BinarySearch(keys, k)
		if found && incl {
			for i < len(keys) && keys[i] == k {
				i++
			}
		}
		stop = i
	}
	if stop < start {
		stop = start
	}
	return start, stop, nil
}

func intKey(b Bound, upper bool) (int64, bool, bool, error) {
	if v, ok := b.Value.(bool); ok {
		if v {
			return 1, b.Inclusive, false, nil
		}
		return 0, b.Inclusive, false, nil
	}
	if u, ok := b.Value.(uint64); ok && u > math.MaxInt64 {
		return math.MaxInt64, true, !upper, nil
	}
	if i, ok := toInt64(b.Value); ok {
		return i, b.Inclusive, false, nil
	}
	f, ok := toFloat64(b.Value)
	if !ok {
		return 0, false, false, fmt.Errorf("%w: %T bound on an integer column", ErrTypeMismatch, b.Value)
	}
	if math.IsNaN(f) {
		return 0, false, true, nil
	}
	// Rounding toward the range keeps the comparison exact; an integral
	// bound keeps its own inclusiveness.
	r := math.Ceil(f)
	if upper {
		r = math.Floor(f)
	}
	incl := b.Inclusive || r != f
	switch {
	case r >= twoTo63:
		return math.MaxInt64, true, !upper, nil
	case r < math.MinInt64:
		return math.MinInt64, true, upper, nil
	}
	return int64(r), incl, false, nil
}

func uintKey(b Bound, upper bool) (uint64, bool, bool, error) {
	if u, ok := b.Value.(uint64); ok {
		return u, b.Inclusive, false, nil
	}
	if f, ok := b.Value.(float64); ok && f >= twoTo63 {
		r := math.Ceil(f)
		if upper {
			r = math.Floor(f)
		}
		if r >= 2*twoTo63 {
			return math.MaxUint64, true, !upper, nil
		}
		return uint64(r), b.Inclusive || r != f, false, nil
	}
	k, incl, empty, err := intKey(b, upper)
	if err != nil || empty {
		return 0, incl, empty, err
	}
	if k < 0 {
		if upper {
			return 0, false, true, nil
		}
		return 0, true, false, nil
	}
	return uint64(k), incl, false, nil //nolint:gosec // checked non-negative
}

func floatKey(b Bound, _ bool) (float64, bool, bool, error) {
	f, ok := toFloat64(b.Value)
	if v, isBool := b.Value.(bool); isBool {
		f, ok = 0, true
		if v {
			f = 1
		}
	}
	if !ok {
		return 0, false, false, fmt.Errorf("%w: %T bound on a float column", ErrTypeMismatch, b.Value)
	}
	if math.IsNaN(f) {
		return 0, false, true, nil
	}
	return f, b.Inclusive, false, nil
}

func stringKey(b Bound, _ bool) (string, bool, bool, error) {
	switch v := b.Value.(type) {
	case string:
		return v, b.Inclusive, false, nil
	case []byte:
		return string(v), b.Inclusive, false, nil
	}
	return "", false, false, fmt.Errorf("%w: %T bound on a string column", ErrTypeMismatch, b.Value)
}
