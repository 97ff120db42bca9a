package tables

import (
	"math"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const indexRows = 37

func indexDesc(t *testing.T) []ColumnDef {
	t.Helper()
	b, err := NewAtom("bool")
	require.NoError(t, err)
	i32, err := NewAtom("int32")
	require.NoError(t, err)
	f64, err := NewAtom("float64")
	require.NoError(t, err)
	return []ColumnDef{
		{Name: "var1", Atom: StringAtom(4)},
		{Name: "var2", Atom: b},
		{Name: "var3", Atom: i32},
		{Name: "var4", Atom: f64},
	}
}

// indexRow has duplicates in var1 and var2, a permutation of 0..36 in
// var3 and a NaN in var4 every 11 rows.
func indexRow(i int) []any {
	v4 := float64(indexRows-i) + 0.5
	if i%11 == 10 {
		v4 = math.NaN()
	}
	return []any{strconv.Itoa(i % 5), i%3 == 0, int32(i * 7 % indexRows), v4}
}

func indexRowRange(start, stop int) [][]any {
	rows := make([][]any, 0, stop-start)
	for i := start; i < stop; i++ {
		rows = append(rows, indexRow(i))
	}
	return rows
}

// indexedPair returns a table indexed on every column and an unindexed
// twin holding the same rows.
func indexedPair(t *testing.T, version string) (*File, *Table, *Table) {
	t.Helper()
	f, _ := newTestFile(t)
	plain, err := f.CreateTable("/", "plain", indexDesc(t))
	require.NoError(t, err)
	indexed, err := f.CreateTable("/", "indexed", indexDesc(t))
	require.NoError(t, err)
	rows := indexRowRange(0, indexRows)
	require.NoError(t, plain.Append(rows...))
	require.NoError(t, indexed.Append(rows...))
	for _, name := range []string{"var1", "var2", "var3", "var4"} {
		ix, err := indexed.CreateIndex(name, WithIndexVersion(version), WithSliceSize(8))
		require.NoError(t, err, name)
		assert.Equal(t, version, ix.Version())
		assert.Equal(t, int64(8), ix.SliceSize())
		assert.Equal(t, int64(indexRows), ix.NElements())
	}
	return f, plain, indexed
}

var indexQueries = []struct {
	cond string
	vars map[string]any
	uses string
}{
	{"var3 < 10", nil, "var3"},
	{"10 >= var3", nil, "var3"},
	{"(il <= var3) & (var3 < sl)", map[string]any{"il": 5, "sl": 20}, "var3"},
	{"var3 == 12", nil, "var3"},
	{"(var3 >= 2.5) & (var3 <= 8.5)", nil, "var3"},
	{"var3 > 100", nil, "var3"},
	{"var4 >= 30.5", nil, "var4"},
	{"var4 < 5", nil, "var4"},
	{"var4 > nan", nil, "var4"},
	{`var1 == "3"`, nil, "var1"},
	{`(var1 > "1") & (var1 <= "3")`, nil, "var1"},
	{"var2", nil, "var2"},
	{"~var2", nil, "var2"},
	{"var2 == False", nil, "var2"},
	{"(var3 > 5) & (var4 < 20)", nil, "var3"},
	{"(var3 > 5) | (var4 < 20)", nil, ""},
	{"var3 != 4", nil, ""},
	{"var3 + 1 < 10", nil, ""},
}

func TestIndexMatchesScan(t *testing.T) {
	for _, version := range []string{IndexVersion20, IndexVersion21} {
		t.Run(version, func(t *testing.T) {
			_, plain, indexed := indexedPair(t, version)
			for _, q := range indexQueries {
				want, err := plain.GetWhereList(q.cond, q.vars)
				require.NoError(t, err, q.cond)
				got, err := indexed.GetWhereList(q.cond, q.vars)
				require.NoError(t, err, q.cond)
				assert.Equal(t, want, got, q.cond)

				used, err := indexed.WillQueryUseIndexing(q.cond, q.vars)
				require.NoError(t, err, q.cond)
				if q.uses == "" {
					assert.Empty(t, used, q.cond)
				} else {
					assert.Equal(t, []string{q.uses}, used, q.cond)
				}
				used, err = plain.WillQueryUseIndexing(q.cond, q.vars)
				require.NoError(t, err, q.cond)
				assert.Empty(t, used, q.cond)
			}
		})
	}
}

func TestIndexSearch(t *testing.T) {
	_, _, indexed := indexedPair(t, IndexVersion21)
	col, err := indexed.Col("var3")
	require.NoError(t, err)
	require.True(t, col.IsIndexed())
	ix, err := col.Index()
	require.NoError(t, err)
	assert.Same(t, col, ix.Column())

	rowsWith := func(keep func(v int32) bool) []uint64 {
		var out []uint64
		for i := 0; i < indexRows; i++ {
			if keep(indexRow(i)[2].(int32)) {
				out = append(out, uint64(i))
			}
		}
		return out
	}

	tests := []struct {
		name   string
		lo, hi Bound
		keep   func(v int32) bool
	}{
		{"closed", Inclusive(5), Inclusive(10), func(v int32) bool { return v >= 5 && v <= 10 }},
		{"open", Exclusive(5), Exclusive(10), func(v int32) bool { return v > 5 && v < 10 }},
		{"lower_only", Inclusive(30), Bound{}, func(v int32) bool { return v >= 30 }},
		{"upper_only", Bound{}, Exclusive(3), func(v int32) bool { return v < 3 }},
		{"unbounded", Bound{}, Bound{}, func(int32) bool { return true }},
		{"empty", Inclusive(10), Exclusive(10), func(int32) bool { return false }},
		{"float_bounds", Inclusive(4.5), Inclusive(6.5), func(v int32) bool { return v == 5 || v == 6 }},
		{"above_all", Exclusive(math.MaxInt64), Bound{}, func(int32) bool { return false }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rows, err := ix.Search(tt.lo, tt.hi)
			require.NoError(t, err)
			want := rowsWith(tt.keep)
			if want == nil {
				assert.True(t, rows.IsEmpty())
				return
			}
			assert.Equal(t, want, rows.ToArray())
		})
	}

	_, err = ix.Search(Inclusive("x"), Bound{})
	require.ErrorIs(t, err, ErrTypeMismatch)
}

func TestIndexNaNNeverMatches(t *testing.T) {
	_, _, indexed := indexedPair(t, IndexVersion21)
	col, err := indexed.Col("var4")
	require.NoError(t, err)
	ix, err := col.Index()
	require.NoError(t, err)

	all, err := ix.Search(Bound{}, Bound{})
	require.NoError(t, err)
	// Rows 10, 21 and 32 hold NaN.
	assert.Equal(t, uint64(indexRows-3), all.GetCardinality())
	assert.False(t, all.Contains(10))

	none, err := ix.Search(Inclusive(math.NaN()), Bound{})
	require.NoError(t, err)
	assert.True(t, none.IsEmpty())
}

func TestIndexLayout(t *testing.T) {
	f, _, _ := indexedPair(t, IndexVersion21)
	g := reopen(t, f, ReadOnly)

	n, err := g.GetNode("/_i_indexed")
	require.NoError(t, err)
	assert.Equal(t, KindIndex, n.Kind())
	attrs, err := n.Attrs()
	require.NoError(t, err)
	class, err := attrs.String("CLASS")
	require.NoError(t, err)
	assert.Equal(t, "TINDEX", class)

	n, err = g.GetNode("/_i_indexed", "var3")
	require.NoError(t, err)
	assert.Equal(t, KindIndex, n.Kind())
	attrs, err = n.Attrs()
	require.NoError(t, err)
	for name, want := range map[string]any{
		"CLASS":       "INDEX",
		"VERSION":     "2.1",
		"KIND":        "full",
		"SLICESIZE":   int64(8),
		"NELEMENTS":   int64(32),
		"NELEMENTSLR": int64(5),
	} {
		switch w := want.(type) {
		case string:
			got, err := attrs.String(name)
			require.NoError(t, err, name)
			assert.Equal(t, w, got, name)
		case int64:
			got, err := attrs.Int64(name)
			require.NoError(t, err, name)
			assert.Equal(t, w, got, name)
		}
	}

	sorted := getArray(t, g, "/_i_indexed/var3/sorted")
	assert.Equal(t, KindEArray, sorted.Kind())
	assert.Equal(t, []int64{4, 8}, sorted.Shape())
	d, err := sorted.ReadRange(0, 1)
	require.NoError(t, err)
	assert.Equal(t, []int32{0, 1, 2, 3, 4, 5, 6, 7}, d.Values)

	ranges := getArray(t, g, "/_i_indexed/var3/ranges")
	assert.Equal(t, []int64{4, 2}, ranges.Shape())
	d, err = ranges.Read()
	require.NoError(t, err)
	assert.Equal(t, []int32{0, 7, 8, 15, 16, 23, 24, 31}, d.Values)

	_, err = g.GetNode("/_i_plain")
	require.ErrorIs(t, err, ErrNodeNotFound)

	// The index survives reopening.
	tbl := getTable(t, g, "/indexed")
	col, err := tbl.Col("var1")
	require.NoError(t, err)
	assert.True(t, col.IsIndexed())
	got, err := tbl.GetWhereList(`var1 == "3"`, nil)
	require.NoError(t, err)
	assert.Equal(t, []int64{3, 8, 13, 18, 23, 28, 33}, got)
}

func TestIndexVersion20Layout(t *testing.T) {
	f, _, _ := indexedPair(t, IndexVersion20)
	g := reopen(t, f, ReadOnly)
	assert.False(t, g.Contains("/_i_indexed/var3/ranges"))
	indices := getArray(t, g, "/_i_indexed/var3/indices")
	assert.Equal(t, "uint32", indices.Atom().Type)
}

func TestReindexOnAppend(t *testing.T) {
	f, plain, indexed := indexedPair(t, IndexVersion21)
	more := indexRowRange(indexRows, indexRows+12)
	require.NoError(t, plain.Append(more...))
	require.NoError(t, indexed.Append(more...))

	col, err := indexed.Col("var3")
	require.NoError(t, err)
	ix, err := col.Index()
	require.NoError(t, err)
	assert.Equal(t, int64(indexRows+12), ix.NElements())

	check := func(plain, indexed *Table) {
		t.Helper()
		for _, q := range indexQueries {
			want, err := plain.GetWhereList(q.cond, q.vars)
			require.NoError(t, err, q.cond)
			got, err := indexed.GetWhereList(q.cond, q.vars)
			require.NoError(t, err, q.cond)
			assert.Equal(t, want, got, q.cond)
		}
	}
	check(plain, indexed)

	g := reopen(t, f, ReadOnly)
	check(getTable(t, g, "/plain"), getTable(t, g, "/indexed"))
}

func TestCreateIndexErrors(t *testing.T) {
	_, _, indexed := indexedPair(t, IndexVersion21)

	_, err := indexed.CreateIndex("var3")
	require.ErrorIs(t, err, ErrNodeExists)
	_, err = indexed.CreateIndex("missing")
	require.ErrorIs(t, err, ErrNodeNotFound)

	f, _ := newTestFile(t)
	tbl, err := f.CreateTable("/", "particles", particleDesc(t))
	require.NoError(t, err)
	require.NoError(t, tbl.Append(particleRow(0), particleRow(1)))

	_, err = tbl.CreateIndex("vec")
	require.ErrorIs(t, err, ErrUnsupported)
	_, err = tbl.CreateIndex("id", WithIndexVersion("3.0"))
	require.ErrorIs(t, err, ErrUnsupported)
	_, err = tbl.CreateIndex("id", WithSliceSize(0))
	require.Error(t, err)

	col, err := tbl.Col("id")
	require.NoError(t, err)
	assert.False(t, col.IsIndexed())
	_, err = col.Index()
	require.ErrorIs(t, err, ErrNoIndex)

	// Enum columns index on their values.
	ix, err := tbl.CreateIndex("color", WithSliceSize(4))
	require.NoError(t, err)
	assert.Equal(t, int64(2), ix.NElements())
}
