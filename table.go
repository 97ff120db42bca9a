package tables

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/scigolib/tables/internal/core"
)

// Column is a field of a table record. Fields of nested compounds are
// flattened into columns named "outer/inner".
type Column struct {
	Name string
	Atom Atom
	// Pos is the position in the flattened description.
	Pos int

	table  *Table
	offset int
	field  *core.Datatype // member type, array dimensions included
	elem   *core.Datatype // scalar element type
}

// ColumnDef describes a column of a table to create.
type ColumnDef struct {
	Name string
	Atom Atom
	// Enum is required for enum atoms.
	Enum *Enum
}

// Table is a dataset of compound records.
type Table struct {
	node

	mu     sync.RWMutex // guards ds.Space against Append
	ds     *core.Dataset
	cols   []*Column
	byName map[string]*Column

	imu     sync.Mutex
	indexes map[string]*Index
}

func newTable(base node, ds *core.Dataset) (*Table, error) {
	if ds.Type.Class != core.ClassCompound {
		return nil, fmt.Errorf("%w: table %s is not compound", ErrTypeMismatch, base.path)
	}
	t := &Table{node: base, ds: ds, byName: map[string]*Column{}}
	cols, err := columnsOf(ds.Type)
	if err != nil {
		return nil, fmt.Errorf("table %s: %w", base.path, err)
	}
	for _, c := range cols {
		c.table = t
		t.byName[c.Name] = c
	}
	t.cols = cols
	return t, nil
}

// columnsOf flattens the members of a compound type.
func columnsOf(dt *core.Datatype) ([]*Column, error) {
	var cols []*Column
	var walk func(dt *core.Datatype, prefix string, offset int) error
	walk = func(dt *core.Datatype, prefix string, offset int) error {
		for _, m := range dt.Members {
			name := prefix + m.Name
			off := offset + int(m.Offset)
			if m.Type.Class == core.ClassCompound {
				if err := walk(m.Type, name+"/", off); err != nil {
					return err
				}
				continue
			}
			atom, err := atomOf(m.Type)
			if err != nil {
				return fmt.Errorf("column %s: %w", name, err)
			}
			el, _ := m.Type.Elem()
			cols = append(cols, &Column{Name: name, Atom: atom, Pos: len(cols), offset: off, field: m.Type, elem: el})
		}
		return nil
	}
	if err := walk(dt, "", 0); err != nil {
		return nil, err
	}
	return cols, nil
}

// ColNames returns the column names in record order.
func (t *Table) ColNames() []string {
	names := make([]string, len(t.cols))
	for i, c := range t.cols {
		names[i] = c.Name
	}
	return names
}

// ColType returns the atom type of a column, e.g. "int32" or "string".
func (t *Table) ColType(name string) (string, error) {
	c, err := t.Col(name)
	if err != nil {
		return "", err
	}
	return c.Atom.Type, nil
}

// ColShape returns the per-row shape of a column; empty for scalars.
func (t *Table) ColShape(name string) ([]int, error) {
	c, err := t.Col(name)
	if err != nil {
		return nil, err
	}
	return slices.Clone(c.Atom.Shape), nil
}

// Description returns a copy of the columns in record order.
func (t *Table) Description() []Column {
	out := make([]Column, len(t.cols))
	for i, c := range t.cols {
		out[i] = *c
	}
	return out
}

// Col returns the named column.
func (t *Table) Col(name string) (*Column, error) {
	c, ok := t.byName[name]
	if !ok {
		return nil, fmt.Errorf("column %q of %s: %w", name, t.path, ErrNodeNotFound)
	}
	return c, nil
}

// Cols returns the columns in record order.
func (t *Table) Cols() []*Column {
	return slices.Clone(t.cols)
}

// NRows returns the number of records.
func (t *Table) NRows() int64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.nrows()
}

func (t *Table) nrows() int64 {
	return int64(t.ds.Extent()[0]) //nolint:gosec // G115: extents fit in int64
}

// RowSize returns the size of one record in bytes.
func (t *Table) RowSize() int { return int(t.ds.Type.Size) }

// ChunkShape returns the chunk dimensions, or nil when not chunked.
func (t *Table) ChunkShape() []int64 {
	if t.ds.Layout.Class != core.LayoutChunked {
		return nil
	}
	return toInt64s(t.ds.Layout.ChunkDims)
}

// Filters returns the filter pipeline settings.
func (t *Table) Filters() Filters { return filtersOf(t.ds.Pipeline) }

// ByteOrder returns the byte order of the record fields.
func (t *Table) ByteOrder() ByteOrder { return byteOrderOf(t.ds.Type) }

// Extendable reports whether rows can be appended.
func (t *Table) Extendable() bool {
	return t.ds.Layout.Class == core.LayoutChunked && t.ds.Space.UnlimitedDim() == 0
}

// records returns the raw records [start, stop).
func (t *Table) records(ctx context.Context, start, stop int64) ([]byte, error) {
	if err := t.file.checkOpen(); err != nil {
		return nil, err
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	if start < 0 || stop < start || stop > t.nrows() {
		return nil, fmt.Errorf("rows [%d, %d) outside table %s of %d rows", start, stop, t.path, t.nrows())
	}
	//nolint:gosec // G115: checked non-negative
	raw, err := t.ds.ReadRows(ctx, t.file.reader, uint64(start), uint64(stop), t.file.opts.workers)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", t.path, err)
	}
	return raw, nil
}

// Row returns record i.
func (t *Table) Row(i int64) (*Row, error) {
	raw, err := t.records(context.Background(), i, i+1)
	if err != nil {
		return nil, err
	}
	return &Row{table: t, nrow: i, raw: raw}, nil
}

// Read returns the records [start, stop).
func (t *Table) Read(start, stop int64) ([]*Row, error) {
	raw, err := t.records(context.Background(), start, stop)
	if err != nil {
		return nil, err
	}
	size := t.RowSize()
	rows := make([]*Row, stop-start)
	for i := range rows {
		rows[i] = &Row{table: t, nrow: start + int64(i), raw: raw[i*size : (i+1)*size]}
	}
	return rows, nil
}

// Iterrows iterates over rows start, start+step, ... below stop. A stop
// of -1 means the end of the table.
func (t *Table) Iterrows(start, stop, step int64) *RowIterator {
	n := t.NRows()
	if stop < 0 || stop > n {
		stop = n
	}
	if step <= 0 {
		return &RowIterator{err: fmt.Errorf("invalid step %d", step)}
	}
	next := max(start, 0)
	return newRowIterator(t, func() (int64, bool) {
		if next >= stop {
			return 0, false
		}
		i := next
		next += step
		return i, true
	}, nil)
}

// Read returns the values of the column for rows [start, stop) as a
// typed slice; array-valued columns are flattened in row-major order.
func (c *Column) Read(start, stop int64) (any, error) {
	return c.read(context.Background(), start, stop)
}

func (c *Column) read(ctx context.Context, start, stop int64) (any, error) {
	t := c.table
	raw, err := t.records(ctx, start, stop)
	if err != nil {
		return nil, err
	}
	size := t.RowSize()
	fsize := int(c.field.Size)
	n := int(stop - start)
	buf := make([]byte, 0, n*fsize)
	for i := 0; i < n; i++ {
		buf = append(buf, raw[i*size+c.offset:i*size+c.offset+fsize]...)
	}
	return decodeValues(c.elem, buf, n*c.Atom.Elems(), t.file.heap)
}

// value decodes the column's field of one record.
func (c *Column) value(rec []byte) (any, error) {
	fsize := int(c.field.Size)
	if c.offset+fsize > len(rec) {
		return nil, fmt.Errorf("record of %d bytes too short for column %s", len(rec), c.Name)
	}
	vals, err := decodeValues(c.elem, rec[c.offset:c.offset+fsize], c.Atom.Elems(), c.table.file.heap)
	if err != nil {
		return nil, fmt.Errorf("column %s: %w", c.Name, err)
	}
	if len(c.Atom.Shape) == 0 {
		return firstValue(vals), nil
	}
	return vals, nil
}

// Append adds records, each holding one value per column in record
// order. A nil value stores zero. Contiguous tables report
// ErrNotExtendable without touching the file.
func (t *Table) Append(rows ...[]any) error {
	if !t.Extendable() {
		return fmt.Errorf("append to %s: %w", t.path, ErrNotExtendable)
	}
	if len(rows) == 0 {
		return nil
	}
	s, done, err := t.file.beginWrite()
	if err != nil {
		return err
	}
	defer done()

	t.mu.Lock()
	old := uint64(t.nrows()) //nolint:gosec // G115: non-negative
	added := uint64(len(rows))
	raw, err := encodeRecords(s, t.file.reader.Format, t.cols, t.RowSize(), rows)
	if err == nil {
		if err = t.ds.Extend(s, old+added); err == nil {
			err = t.ds.WriteRows(s, old, raw)
		}
	}
	t.mu.Unlock()
	if err == nil {
		err = t.afterAppend(s, old+added)
	}
	t.file.log.LogAppend(t.path, added, old+added, err)
	if err != nil {
		return fmt.Errorf("append to %s: %w", t.path, err)
	}
	return nil
}

// afterAppend keeps NROWS and the column indexes current.
func (t *Table) afterAppend(s core.Storage, total uint64) error {
	attrs, err := t.Attrs()
	if err != nil {
		return err
	}
	if attrs.Contains("NROWS") {
		if err := attrs.set(s, "NROWS", int64(total)); err != nil { //nolint:gosec // G115: fits
			return err
		}
	}
	return t.reindex(s)
}

// encodeRecords packs rows into records of rowSize bytes.
func encodeRecords(s core.Storage, f core.Format, cols []*Column, rowSize int, rows [][]any) ([]byte, error) {
	for i, r := range rows {
		if len(r) != len(cols) {
			return nil, fmt.Errorf("%w: row %d has %d values for %d columns", ErrTypeMismatch, i, len(r), len(cols))
		}
	}
	out := make([]byte, len(rows)*rowSize)
	for _, c := range cols {
		elems := c.Atom.Elems()
		fsize := int(c.field.Size)
		enc := newEncoder(c.elem, len(rows)*fsize)
		for i, r := range rows {
			if r[c.Pos] == nil {
				enc.zero(elems)
				continue
			}
			n, err := enc.add(r[c.Pos])
			if err != nil {
				return nil, fmt.Errorf("row %d column %s: %w", i, c.Name, err)
			}
			if n != elems {
				return nil, fmt.Errorf("%w: row %d column %s has %d values, want %d", ErrTypeMismatch, i, c.Name, n, elems)
			}
		}
		buf, err := enc.finish(s, f)
		if err != nil {
			return nil, err
		}
		for i := range rows {
			copy(out[i*rowSize+c.offset:], buf[i*fsize:(i+1)*fsize])
		}
	}
	return out, nil
}

// CreateTable creates a table. It is chunked and extendable unless
// WithContiguous is given, in which case it holds exactly those rows.
func (f *File) CreateTable(where, name string, desc []ColumnDef, opts ...NodeOption) (*Table, error) {
	o := defaultNodeOptions()
	for _, opt := range opts {
		opt(&o)
	}
	if len(desc) == 0 {
		return nil, fmt.Errorf("%w: table without columns", ErrTypeMismatch)
	}
	names := make([]string, len(desc))
	types := make([]*core.Datatype, len(desc))
	for i, d := range desc {
		if d.Name == "" || slices.Contains(names[:i], d.Name) {
			return nil, fmt.Errorf("invalid or duplicate column name %q", d.Name)
		}
		dt, err := d.Atom.datatype(o.byteOrder, d.Enum)
		if err != nil {
			return nil, fmt.Errorf("column %s: %w", d.Name, err)
		}
		names[i], types[i] = d.Name, dt
	}
	dt := core.NewCompound(names, types)
	cols, err := columnsOf(dt)
	if err != nil {
		return nil, err
	}
	rowSize := int(dt.Size)

	s, done, err := f.beginWrite()
	if err != nil {
		return nil, err
	}
	defer done()

	format := f.reader.Format
	nd := newDataset{where: where, name: name, dt: dt}
	nrows := int64(0)
	if o.contiguous {
		raw, err := encodeRecords(s, format, cols, rowSize, o.rows)
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
		nrows = int64(len(o.rows))
		nd.space = core.NewDataspace([]uint64{uint64(nrows)}, nil) //nolint:gosec // non-negative
		nd.layout = core.NewContiguousLayout(addr, uint64(len(raw)))
	} else {
		chunk, err := chunkShape(o, []int64{0}, rowSize)
		if err != nil {
			return nil, err
		}
		var filt Filters
		if o.filters != nil {
			filt = *o.filters
		}
		if nd.pipeline, err = filt.pipeline(rowSize); err != nil {
			return nil, err
		}
		nd.space = core.NewDataspace([]uint64{0}, []uint64{core.Unlimited})
		nd.layout = core.NewChunkedLayout(chunk, dt.Size)
	}

	nd.attrs = classAttrs(format, "TABLE", tableVersion, o.title)
	for i, n := range names {
		nd.attrs = append(nd.attrs, stringAttr(format, fmt.Sprintf("FIELD_%d_NAME", i), n))
	}
	nd.attrs = append(nd.attrs, int64Attr(format, "NROWS", nrows))

	n, err := f.createDataset(s, nd)
	if err != nil {
		return nil, err
	}
	t, ok := n.(*Table)
	if !ok {
		return nil, fmt.Errorf("%s created as %s", n.Path(), n.Kind())
	}
	f.log.WithNode(t.path).Debug("table created", "columns", len(cols), "rows", nrows)
	return t, nil
}
