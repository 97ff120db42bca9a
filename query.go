package tables

import (
	"fmt"
	"slices"

	"github.com/RoaringBitmap/roaring/v2/roaring64"
)

// queryPlan is how a condition is answered: a full scan, or the
// candidates an index yields, each checked against the condition.
type queryPlan struct {
	cond       expr
	indexed    *Column
	candidates *roaring64.Bitmap // nil for a full scan
}

func (p *queryPlan) String() string {
	if p.candidates == nil {
		return "scan"
	}
	return "index:" + p.indexed.Name
}

// colBound is a comparison of a column with a constant.
type colBound struct {
	col    *Column
	lo, hi Bound
}

// plan parses cond and picks an index when the top-level conjunction
// bounds an indexed column.
func (t *Table) plan(cond string, vars map[string]any) (*queryPlan, error) {
	e, err := parseCondition(t, cond, vars)
	if err != nil {
		return nil, err
	}
	if len(columns(e)) == 0 {
		return nil, fmt.Errorf("%w: %q does not refer to any column", ErrBadCondition, cond)
	}
	p := &queryPlan{cond: e}

	var bounds []colBound
	for _, term := range conjuncts(e) {
		if b, ok := boundOf(term); ok {
			bounds = append(bounds, b)
		}
	}
	for _, b := range bounds {
		if !b.col.IsIndexed() {
			continue
		}
		ix, err := b.col.Index()
		if err != nil {
			return nil, err
		}
		var set *roaring64.Bitmap
		for _, other := range bounds {
			if other.col != b.col {
				continue
			}
			rows, err := ix.Search(other.lo, other.hi)
			if err != nil {
				return nil, err
			}
			if set == nil {
				set = rows
			} else {
				set.And(rows)
			}
		}
		p.indexed, p.candidates = b.col, set
		break
	}
	return p, nil
}

// conjuncts splits e at top-level & operators.
func conjuncts(e expr) []expr {
	if b, ok := e.(binaryExpr); ok && b.op == "&" {
		return append(conjuncts(b.l), conjuncts(b.r)...)
	}
	return []expr{e}
}

// boundOf recognizes "col op constant", "constant op col" and a bare
// boolean column.
func boundOf(e expr) (colBound, bool) {
	switch n := e.(type) {
	case colRef:
		if n.col.Atom.Kind == "bool" {
			return colBound{col: n.col, lo: Inclusive(true), hi: Inclusive(true)}, true
		}
		return colBound{}, false
	case unary:
		if c, ok := n.x.(colRef); ok && n.op == "~" && c.col.Atom.Kind == "bool" {
			return colBound{col: c.col, lo: Inclusive(false), hi: Inclusive(false)}, true
		}
		return colBound{}, false
	case binaryExpr:
		op := n.op
		c, okL := n.l.(colRef)
		other := n.r
		if !okL {
			var okR bool
			if c, okR = n.r.(colRef); !okR {
				return colBound{}, false
			}
			other = n.l
			op = mirror(op)
		}
		if len(columns(other)) > 0 {
			return colBound{}, false
		}
		v, err := eval(other, nil)
		if err != nil {
			return colBound{}, false
		}
		b := colBound{col: c.col}
		switch op {
		case "<":
			b.hi = Exclusive(v)
		case "<=":
			b.hi = Inclusive(v)
		case ">":
			b.lo = Exclusive(v)
		case ">=":
			b.lo = Inclusive(v)
		case "==":
			b.lo, b.hi = Inclusive(v), Inclusive(v)
		default:
			return colBound{}, false
		}
		return b, true
	}
	return colBound{}, false
}

// mirror swaps the sides of a comparison: 3 < x is x > 3.
func mirror(op string) string {
	switch op {
	case "<":
		return ">"
	case "<=":
		return ">="
	case ">":
		return "<"
	case ">=":
		return "<="
	}
	return op
}

// matcher returns the row predicate of a condition.
func matcher(e expr) func(*Row) (bool, error) {
	return func(r *Row) (bool, error) {
		v, err := eval(e, r)
		if err != nil {
			return false, err
		}
		b, ok := v.(bool)
		if !ok {
			return false, fmt.Errorf("%w: condition yields %T, not a boolean", ErrBadCondition, v)
		}
		return b, nil
	}
}

// Where iterates over the rows matching cond, in ascending row order.
// vars binds names used in cond to values or to *Column aliases.
func (t *Table) Where(cond string, vars map[string]any) *RowIterator {
	it := newRowIterator(t, nil, nil)
	it.init = func() error {
		p, err := t.plan(cond, vars)
		if err != nil {
			return err
		}
		it.match = matcher(p.cond)
		if p.candidates != nil {
			rows := p.candidates.Iterator()
			it.next = func() (int64, bool) {
				if !rows.HasNext() {
					return 0, false
				}
				return int64(rows.Next()), true //nolint:gosec // row numbers fit in int64
			}
			t.file.log.LogQuery(t.path, cond, p.String(), p.candidates.GetCardinality())
			return nil
		}
		n, next := t.NRows(), int64(0)
		it.next = func() (int64, bool) {
			if next >= n {
				return 0, false
			}
			next++
			return next - 1, true
		}
		t.file.log.LogQuery(t.path, cond, p.String(), uint64(n)) //nolint:gosec // non-negative
		return nil
	}
	return it
}

// GetWhereList returns the numbers of the rows matching cond.
func (t *Table) GetWhereList(cond string, vars map[string]any) ([]int64, error) {
	var out []int64
	it := t.Where(cond, vars)
	for it.Next() {
		out = append(out, it.Row().Nrow())
	}
	if err := it.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// ReadWhere returns the rows matching cond.
func (t *Table) ReadWhere(cond string, vars map[string]any) ([]*Row, error) {
	var out []*Row
	it := t.Where(cond, vars)
	for it.Next() {
		out = append(out, it.Row())
	}
	if err := it.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// WillQueryUseIndexing returns the names of the indexed columns cond
// would be answered with; empty for a full scan.
func (t *Table) WillQueryUseIndexing(cond string, vars map[string]any) ([]string, error) {
	e, err := parseCondition(t, cond, vars)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, term := range conjuncts(e) {
		if b, ok := boundOf(term); ok && b.col.IsIndexed() && !slices.Contains(names, b.col.Name) {
			names = append(names, b.col.Name)
		}
	}
	return names[:min(len(names), 1)], nil
}
