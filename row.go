package tables

import (
	"context"
	"fmt"
	"reflect"
	"sync"
)

// iterBatch is the number of records an iterator reads at a time.
const iterBatch = 1024

// Row is one record of a table. Fields are decoded on demand.
type Row struct {
	table *Table
	nrow  int64
	raw   []byte
}

// Nrow returns the row number within the table.
func (r *Row) Nrow() int64 { return r.nrow }

// Get returns the value of a column: a Go scalar, or a typed slice in
// row-major order for array-valued columns.
func (r *Row) Get(name string) (any, error) {
	c, err := r.table.Col(name)
	if err != nil {
		return nil, err
	}
	return c.value(r.raw)
}

// Int64 returns an integer column as int64.
func (r *Row) Int64(name string) (int64, error) {
	v, err := r.Get(name)
	if err != nil {
		return 0, err
	}
	i, ok := toInt64(v)
	if !ok {
		return 0, fmt.Errorf("column %s is %T: %w", name, v, ErrTypeMismatch)
	}
	return i, nil
}

// Float64 returns a numeric column as float64.
func (r *Row) Float64(name string) (float64, error) {
	v, err := r.Get(name)
	if err != nil {
		return 0, err
	}
	f, ok := toFloat64(v)
	if !ok {
		return 0, fmt.Errorf("column %s is %T: %w", name, v, ErrTypeMismatch)
	}
	return f, nil
}

// String returns a string column.
func (r *Row) String(name string) (string, error) {
	v, err := r.Get(name)
	if err != nil {
		return "", err
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("column %s is %T: %w", name, v, ErrTypeMismatch)
	}
	return s, nil
}

// Bool returns a bool column.
func (r *Row) Bool(name string) (bool, error) {
	v, err := r.Get(name)
	if err != nil {
		return false, err
	}
	b, ok := v.(bool)
	if !ok {
		return false, fmt.Errorf("column %s is %T: %w", name, v, ErrTypeMismatch)
	}
	return b, nil
}

// Values returns every field in column order.
func (r *Row) Values() ([]any, error) {
	out := make([]any, len(r.table.cols))
	for i, c := range r.table.cols {
		v, err := c.value(r.raw)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

// RowIterator walks table rows:
//
//	it := t.Iterrows(0, -1, 1)
//	for it.Next() {
//		row := it.Row()
//	}
//	if err := it.Err(); err != nil { ... }
type RowIterator struct {
	t     *Table
	next  func() (int64, bool)
	match func(*Row) (bool, error)

	once   sync.Once
	init   func() error
	block  []byte
	bstart int64
	bstop  int64
	cur    *Row
	err    error
}

func newRowIterator(t *Table, next func() (int64, bool), match func(*Row) (bool, error)) *RowIterator {
	return &RowIterator{t: t, next: next, match: match}
}

// Next advances to the next row. It returns false at the end or on
// error.
func (it *RowIterator) Next() bool {
	if it.init != nil {
		it.once.Do(func() { it.err = it.init() })
	}
	for it.err == nil && it.next != nil {
		i, ok := it.next()
		if !ok {
			it.cur = nil
			return false
		}
		rec, err := it.record(i)
		if err != nil {
			it.err = err
			return false
		}
		row := &Row{table: it.t, nrow: i, raw: rec}
		if it.match != nil {
			ok, err := it.match(row)
			if err != nil {
				it.err = err
				return false
			}
			if !ok {
				continue
			}
		}
		it.cur = row
		return true
	}
	return false
}

// Row returns the current row.
func (it *RowIterator) Row() *Row { return it.cur }

// Err returns the error that stopped the iteration.
func (it *RowIterator) Err() error { return it.err }

// record returns the bytes of row i, reading a batch when i is outside
// the buffered one.
func (it *RowIterator) record(i int64) ([]byte, error) {
	if i < it.bstart || i >= it.bstop {
		stop := min(i+iterBatch, it.t.NRows())
		raw, err := it.t.records(context.Background(), i, stop)
		if err != nil {
			return nil, err
		}
		it.block, it.bstart, it.bstop = raw, i, stop
	}
	size := int64(it.t.RowSize())
	off := (i - it.bstart) * size
	return it.block[off : off+size], nil
}

// firstValue returns element 0 of a typed slice.
func firstValue(vals any) any {
	return reflect.ValueOf(vals).Index(0).Interface()
}

// RowWriter buffers rows for a table, PyTables' table.row:
//
//	w := t.NewRow()
//	w.Set("name", "x")
//	w.Set("value", 1.5)
//	w.Append()
//	err := w.Flush()
type RowWriter struct {
	t       *Table
	cur     []any
	pending [][]any
	err     error
}

// NewRow returns a writer for appending rows. Unset fields are zero.
func (t *Table) NewRow() *RowWriter {
	w := &RowWriter{t: t, cur: make([]any, len(t.cols))}
	if !t.Extendable() {
		w.err = fmt.Errorf("append to %s: %w", t.path, ErrNotExtendable)
	}
	return w
}

// Set assigns a field of the current row.
func (w *RowWriter) Set(name string, value any) error {
	if w.err != nil {
		return w.err
	}
	c, err := w.t.Col(name)
	if err != nil {
		return err
	}
	w.cur[c.Pos] = value
	return nil
}

// Append queues the current row and starts a new one.
func (w *RowWriter) Append() error {
	if w.err != nil {
		return w.err
	}
	w.pending = append(w.pending, w.cur)
	w.cur = make([]any, len(w.t.cols))
	return nil
}

// Flush writes the queued rows.
func (w *RowWriter) Flush() error {
	if w.err != nil {
		return w.err
	}
	if len(w.pending) == 0 {
		return nil
	}
	rows := w.pending
	w.pending = nil
	return w.t.Append(rows...)
}
