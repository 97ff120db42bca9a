package tables

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var colors = NewEnum("red", "green", "blue")

func particleDesc(t *testing.T) []ColumnDef {
	t.Helper()
	id, err := NewAtom("int32")
	require.NoError(t, err)
	value, err := NewAtom("float64")
	require.NoError(t, err)
	flag, err := NewAtom("bool")
	require.NoError(t, err)
	vec, err := NewAtom("float32", 3)
	require.NoError(t, err)
	color, err := EnumAtom("uint8")
	require.NoError(t, err)
	return []ColumnDef{
		{Name: "name", Atom: StringAtom(8)},
		{Name: "id", Atom: id},
		{Name: "value", Atom: value},
		{Name: "flag", Atom: flag},
		{Name: "vec", Atom: vec},
		{Name: "color", Atom: color, Enum: colors},
	}
}

func particleRow(i int) []any {
	return []any{
		"p" + string(rune('a'+i%26)),
		int32(i),
		float64(i) * 0.5,
		i%2 == 0,
		[]float32{float32(i), float32(i + 1), float32(i + 2)},
		uint8(i % 3),
	}
}

func getTable(t *testing.T, f *File, p string) *Table {
	t.Helper()
	n, err := f.GetNode(p)
	require.NoError(t, err)
	tbl, ok := n.(*Table)
	require.True(t, ok, "%s is %s", p, n.Kind())
	return tbl
}

func TestCreateTableDescription(t *testing.T) {
	f, _ := newTestFile(t)
	tbl, err := f.CreateTable("/", "particles", particleDesc(t), WithTitle("particles"))
	require.NoError(t, err)
	assert.Equal(t, KindTable, tbl.Kind())
	assert.True(t, tbl.Extendable())
	assert.Equal(t, int64(0), tbl.NRows())
	assert.Equal(t, 8+4+8+1+12+1, tbl.RowSize())

	g := reopen(t, f, ReadOnly)
	tbl = getTable(t, g, "/particles")
	assert.Equal(t, []string{"name", "id", "value", "flag", "vec", "color"}, tbl.ColNames())

	typ, err := tbl.ColType("value")
	require.NoError(t, err)
	assert.Equal(t, "float64", typ)
	shape, err := tbl.ColShape("vec")
	require.NoError(t, err)
	assert.Equal(t, []int{3}, shape)
	shape, err = tbl.ColShape("id")
	require.NoError(t, err)
	assert.Empty(t, shape)
	_, err = tbl.ColType("missing")
	require.ErrorIs(t, err, ErrNodeNotFound)

	desc := tbl.Description()
	require.Len(t, desc, 6)
	assert.Equal(t, "color", desc[5].Name)
	assert.Equal(t, "enum", desc[5].Atom.Type)
	assert.Equal(t, 5, desc[5].Pos)

	attrs, err := tbl.Attrs()
	require.NoError(t, err)
	for name, want := range map[string]string{"CLASS": "TABLE", "VERSION": "2.7", "TITLE": "particles", "FIELD_0_NAME": "name", "FIELD_5_NAME": "color"} {
		got, err := attrs.String(name)
		require.NoError(t, err, name)
		assert.Equal(t, want, got, name)
	}
}

func TestTableAppendAndRead(t *testing.T) {
	f, _ := newTestFile(t)
	tbl, err := f.CreateTable("/", "p", particleDesc(t), WithChunkShape(16))
	require.NoError(t, err)

	rows := make([][]any, 50)
	for i := range rows {
		rows[i] = particleRow(i)
	}
	require.NoError(t, tbl.Append(rows[:20]...))
	require.NoError(t, tbl.Append(rows[20:]...))
	assert.Equal(t, int64(50), tbl.NRows())

	g := reopen(t, f, ReadOnly)
	tbl = getTable(t, g, "/p")
	assert.Equal(t, int64(50), tbl.NRows())
	assert.Equal(t, []int64{16}, tbl.ChunkShape())

	attrs, err := tbl.Attrs()
	require.NoError(t, err)
	nrows, err := attrs.Int64("NROWS")
	require.NoError(t, err)
	assert.Equal(t, int64(50), nrows)

	row, err := tbl.Row(33)
	require.NoError(t, err)
	assert.Equal(t, int64(33), row.Nrow())
	name, err := row.String("name")
	require.NoError(t, err)
	assert.Equal(t, "ph", name)
	id, err := row.Int64("id")
	require.NoError(t, err)
	assert.Equal(t, int64(33), id)
	value, err := row.Float64("value")
	require.NoError(t, err)
	assert.Equal(t, 16.5, value)
	flag, err := row.Bool("flag")
	require.NoError(t, err)
	assert.False(t, flag)
	vec, err := row.Get("vec")
	require.NoError(t, err)
	assert.Equal(t, []float32{33, 34, 35}, vec)
	color, err := row.Get("color")
	require.NoError(t, err)
	assert.Equal(t, uint8(0), color)

	_, err = row.Bool("id")
	require.ErrorIs(t, err, ErrTypeMismatch)
	_, err = row.String("value")
	require.ErrorIs(t, err, ErrTypeMismatch)

	values, err := row.Values()
	require.NoError(t, err)
	assert.Equal(t, []any{"ph", int32(33), 16.5, false, []float32{33, 34, 35}, uint8(0)}, values)

	read, err := tbl.Read(48, 50)
	require.NoError(t, err)
	require.Len(t, read, 2)
	assert.Equal(t, int64(49), read[1].Nrow())

	_, err = tbl.Read(40, 51)
	require.Error(t, err)
	_, err = tbl.Row(50)
	require.Error(t, err)
}

func TestColumnRead(t *testing.T) {
	f, _ := newTestFile(t)
	tbl, err := f.CreateTable("/", "p", particleDesc(t))
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		require.NoError(t, tbl.Append(particleRow(i)))
	}

	id, err := tbl.Col("id")
	require.NoError(t, err)
	ids, err := id.Read(0, 5)
	require.NoError(t, err)
	assert.Equal(t, []int32{0, 1, 2, 3, 4}, ids)

	vec, err := tbl.Col("vec")
	require.NoError(t, err)
	vecs, err := vec.Read(3, 5)
	require.NoError(t, err)
	assert.Equal(t, []float32{3, 4, 5, 4, 5, 6}, vecs)

	flag, err := tbl.Col("flag")
	require.NoError(t, err)
	flags, err := flag.Read(0, 3)
	require.NoError(t, err)
	assert.Equal(t, []bool{true, false, true}, flags)
}

func TestIterrows(t *testing.T) {
	f, _ := newTestFile(t)
	tbl, err := f.CreateTable("/", "p", particleDesc(t))
	require.NoError(t, err)
	rows := make([][]any, 2500)
	for i := range rows {
		rows[i] = particleRow(i)
	}
	require.NoError(t, tbl.Append(rows...))

	tests := []struct {
		start, stop, step int64
		count             int
		first, last       int64
	}{
		{0, -1, 1, 2500, 0, 2499},
		{10, 20, 3, 4, 10, 19},
		{2000, 5000, 250, 2, 2000, 2250},
		{1000, 1000, 1, 0, -1, -1},
	}
	for _, tt := range tests {
		var got []int64
		it := tbl.Iterrows(tt.start, tt.stop, tt.step)
		for it.Next() {
			id, err := it.Row().Int64("id")
			require.NoError(t, err)
			assert.Equal(t, it.Row().Nrow(), id)
			got = append(got, id)
		}
		require.NoError(t, it.Err())
		require.Len(t, got, tt.count)
		if tt.count > 0 {
			assert.Equal(t, tt.first, got[0])
			assert.Equal(t, tt.last, got[len(got)-1])
		}
	}

	it := tbl.Iterrows(0, -1, 0)
	assert.False(t, it.Next())
	require.Error(t, it.Err())
}

func TestRowWriter(t *testing.T) {
	f, _ := newTestFile(t)
	tbl, err := f.CreateTable("/", "p", particleDesc(t))
	require.NoError(t, err)

	w := tbl.NewRow()
	for i := 0; i < 3; i++ {
		require.NoError(t, w.Set("id", int32(i*10)))
		require.NoError(t, w.Set("name", "w"))
		require.NoError(t, w.Append())
	}
	require.Error(t, w.Set("nope", 1))
	assert.Equal(t, int64(0), tbl.NRows())
	require.NoError(t, w.Flush())
	require.NoError(t, w.Flush())
	assert.Equal(t, int64(3), tbl.NRows())

	row, err := tbl.Row(2)
	require.NoError(t, err)
	id, err := row.Int64("id")
	require.NoError(t, err)
	assert.Equal(t, int64(20), id)
	// Unset fields read back as zero.
	value, err := row.Float64("value")
	require.NoError(t, err)
	assert.Zero(t, value)
	vec, err := row.Get("vec")
	require.NoError(t, err)
	assert.Equal(t, []float32{0, 0, 0}, vec)
}

func TestTableAppendErrors(t *testing.T) {
	f, _ := newTestFile(t)
	tbl, err := f.CreateTable("/", "p", particleDesc(t))
	require.NoError(t, err)

	require.ErrorIs(t, tbl.Append([]any{"x", int32(1)}), ErrTypeMismatch)
	bad := particleRow(0)
	bad[4] = []float32{1, 2}
	require.ErrorIs(t, tbl.Append(bad), ErrTypeMismatch)
	bad = particleRow(0)
	bad[1] = "not a number"
	require.ErrorIs(t, tbl.Append(bad), ErrTypeMismatch)
	assert.Equal(t, int64(0), tbl.NRows())
	require.NoError(t, tbl.Append())
}

func TestContiguousTable(t *testing.T) {
	rows := [][]any{particleRow(0), particleRow(1), particleRow(2)}
	f, _ := newTestFile(t)
	tbl, err := f.CreateTable("/", "fixed", particleDesc(t), WithContiguous(rows))
	require.NoError(t, err)
	assert.False(t, tbl.Extendable())
	assert.Nil(t, tbl.ChunkShape())

	require.ErrorIs(t, tbl.Append(particleRow(3)), ErrNotExtendable)
	w := tbl.NewRow()
	require.ErrorIs(t, w.Set("id", 1), ErrNotExtendable)
	require.ErrorIs(t, w.Flush(), ErrNotExtendable)

	g := reopen(t, f, ReadOnly)
	tbl = getTable(t, g, "/fixed")
	assert.Equal(t, int64(3), tbl.NRows())
	row, err := tbl.Row(2)
	require.NoError(t, err)
	id, err := row.Int64("id")
	require.NoError(t, err)
	assert.Equal(t, int64(2), id)
}

func TestTableByteOrderAndFilters(t *testing.T) {
	f, _ := newTestFile(t)
	filt := Filters{Complevel: 4, Complib: ComplibZlib, Shuffle: true, Fletcher32: true}
	tbl, err := f.CreateTable("/", "be", particleDesc(t), WithByteOrder(BigEndian), WithFilters(filt), WithChunkShape(8))
	require.NoError(t, err)
	rows := make([][]any, 30)
	for i := range rows {
		rows[i] = particleRow(i)
	}
	require.NoError(t, tbl.Append(rows...))

	g := reopen(t, f, ReadOnly)
	tbl = getTable(t, g, "/be")
	assert.Equal(t, BigEndian, tbl.ByteOrder())
	got := tbl.Filters()
	assert.Equal(t, 4, got.Complevel)
	assert.Equal(t, ComplibZlib, got.Complib)
	assert.True(t, got.Shuffle)
	assert.True(t, got.Fletcher32)

	row, err := tbl.Row(29)
	require.NoError(t, err)
	values, err := row.Values()
	require.NoError(t, err)
	assert.Equal(t, []any{"pd", int32(29), 14.5, false, []float32{29, 30, 31}, uint8(2)}, values)
}

func TestVLStringColumn(t *testing.T) {
	id, err := NewAtom("int16")
	require.NoError(t, err)
	desc := []ColumnDef{{Name: "id", Atom: id}, {Name: "text", Atom: VLStringAtom()}}

	f, _ := newTestFile(t)
	tbl, err := f.CreateTable("/", "notes", desc)
	require.NoError(t, err)
	require.NoError(t, tbl.Append(
		[]any{int16(1), "short"},
		[]any{int16(2), "a considerably longer note than the first"},
		[]any{int16(3), nil},
	))

	g := reopen(t, f, ReadOnly)
	tbl = getTable(t, g, "/notes")
	typ, err := tbl.ColType("text")
	require.NoError(t, err)
	assert.Equal(t, "vlstring", typ)
	col, err := tbl.Col("text")
	require.NoError(t, err)
	texts, err := col.Read(0, 3)
	require.NoError(t, err)
	assert.Equal(t, []string{"short", "a considerably longer note than the first", ""}, texts)
}

func TestCreateTableErrors(t *testing.T) {
	f, _ := newTestFile(t)
	id, err := NewAtom("int32")
	require.NoError(t, err)
	color, err := EnumAtom("uint8")
	require.NoError(t, err)

	_, err = f.CreateTable("/", "empty", nil)
	require.ErrorIs(t, err, ErrTypeMismatch)
	_, err = f.CreateTable("/", "dup", []ColumnDef{{Name: "a", Atom: id}, {Name: "a", Atom: id}})
	require.Error(t, err)
	_, err = f.CreateTable("/", "noenum", []ColumnDef{{Name: "c", Atom: color}})
	require.ErrorIs(t, err, ErrTypeMismatch)

	_, err = f.CreateTable("/", "t", []ColumnDef{{Name: "a", Atom: id}})
	require.NoError(t, err)
	_, err = f.CreateTable("/", "t", []ColumnDef{{Name: "a", Atom: id}})
	require.ErrorIs(t, err, ErrNodeExists)
}
