package tables

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func getArray(t *testing.T, f *File, p string) *Array {
	t.Helper()
	n, err := f.GetNode(p)
	require.NoError(t, err)
	a, ok := n.(*Array)
	require.True(t, ok, "%s is %s", p, n.Kind())
	return a
}

func TestCreateArrayNumeric(t *testing.T) {
	tests := []struct {
		name   string
		values any
		order  ByteOrder
		atom   string
		shape  []int64
		want   any
		border ByteOrder
	}{
		{"int32_le", []int32{1, -2, 3}, LittleEndian, "int32", []int64{3}, []int32{1, -2, 3}, LittleEndian},
		{"int32_be", []int32{1, -2, 3}, BigEndian, "int32", []int64{3}, []int32{1, -2, 3}, BigEndian},
		{"uint16_be", []uint16{0, 65535}, BigEndian, "uint16", []int64{2}, []uint16{0, 65535}, BigEndian},
		{"int8", []int8{-128, 127}, BigEndian, "int8", []int64{2}, []int8{-128, 127}, Irrelevant},
		{"float64_be", [][]float64{{1.5, 2.5}, {-3, 4}}, BigEndian, "float64", []int64{2, 2}, []float64{1.5, 2.5, -3, 4}, BigEndian},
		{"float32_le", []float32{0.25}, LittleEndian, "float32", []int64{1}, []float32{0.25}, LittleEndian},
		{"int64", []int{7, 8}, LittleEndian, "int64", []int64{2}, []int64{7, 8}, LittleEndian},
		{"bool", []bool{true, false, true}, LittleEndian, "bool", []int64{3}, []bool{true, false, true}, Irrelevant},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, _ := newTestFile(t)
			_, err := f.CreateArray("/", "a", tt.values, nil, WithByteOrder(tt.order))
			require.NoError(t, err)

			g := reopen(t, f, ReadOnly)
			a := getArray(t, g, "/a")
			assert.Equal(t, KindArray, a.Kind())
			assert.Equal(t, tt.atom, a.Atom().Type)
			assert.Equal(t, tt.shape, a.Shape())
			assert.Equal(t, tt.border, a.ByteOrder())
			assert.Nil(t, a.ChunkShape())
			assert.Equal(t, -1, a.ExtDim())

			data, err := a.Read()
			require.NoError(t, err)
			assert.Equal(t, tt.shape, data.Shape)
			assert.Equal(t, tt.want, data.Values)

			attrs, err := a.Attrs()
			require.NoError(t, err)
			class, err := attrs.String("CLASS")
			require.NoError(t, err)
			assert.Equal(t, "ARRAY", class)
		})
	}
}

func TestCreateArrayExplicitShape(t *testing.T) {
	f, _ := newTestFile(t)
	a, err := f.CreateArray("/", "m", []int16{1, 2, 3, 4, 5, 6}, []int64{3, 2})
	require.NoError(t, err)
	assert.Equal(t, []int64{3, 2}, a.Shape())
	assert.Equal(t, int64(3), a.Len())

	rows, err := a.ReadRange(1, 3)
	require.NoError(t, err)
	assert.Equal(t, []int64{2, 2}, rows.Shape)
	assert.Equal(t, []int16{3, 4, 5, 6}, rows.Values)

	_, err = f.CreateArray("/", "bad", []int16{1, 2, 3}, []int64{2, 2})
	require.ErrorIs(t, err, ErrTypeMismatch)
}

func TestCreateArrayScalarAndStrings(t *testing.T) {
	f, _ := newTestFile(t)
	_, err := f.CreateArray("/", "scalar", 42.0, nil)
	require.NoError(t, err)
	_, err = f.CreateArray("/", "names", []string{"a", "bcd", ""}, nil)
	require.NoError(t, err)

	g := reopen(t, f, ReadOnly)
	s := getArray(t, g, "/scalar")
	assert.Empty(t, s.Shape())
	assert.Equal(t, int64(1), s.Len())
	data, err := s.Read()
	require.NoError(t, err)
	assert.Equal(t, []float64{42}, data.Values)

	n := getArray(t, g, "/names")
	assert.Equal(t, "string", n.Atom().Type)
	assert.Equal(t, 3, n.Atom().ItemSize)
	data, err = n.Read()
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "bcd", ""}, data.Values)
}

func TestCreateArrayEnum(t *testing.T) {
	colors := NewEnum("red", "green", "blue")
	f, _ := newTestFile(t)
	_, err := f.CreateArray("/", "colors", []uint8{0, 2, 1, 2}, nil, WithEnum(colors))
	require.NoError(t, err)

	_, err = f.CreateArray("/", "floats", []float64{1}, nil, WithEnum(colors))
	require.ErrorIs(t, err, ErrTypeMismatch)

	g := reopen(t, f, ReadOnly)
	a := getArray(t, g, "/colors")
	assert.Equal(t, "enum", a.Atom().Type)
	assert.Equal(t, "uint8", a.Atom().Base)

	e, err := a.Enum()
	require.NoError(t, err)
	assert.True(t, e.Equal(colors))
	assert.Equal(t, []string{"red", "green", "blue"}, e.Names())

	data, err := a.Read()
	require.NoError(t, err)
	assert.Equal(t, []uint8{0, 2, 1, 2}, data.Values)
	name, ok := e.Name(2)
	require.True(t, ok)
	assert.Equal(t, "blue", name)
}

func TestEnum(t *testing.T) {
	e := NewEnumValues(map[string]int64{"b": 5, "a": 1, "c": -3})
	assert.Equal(t, []string{"c", "a", "b"}, e.Names())
	assert.Equal(t, 3, e.Len())
	v, ok := e.Value("b")
	require.True(t, ok)
	assert.Equal(t, int64(5), v)
	_, ok = e.Value("z")
	assert.False(t, ok)
	assert.Equal(t, "Enum({'c': -3, 'a': 1, 'b': 5})", e.String())

	assert.True(t, NewEnum("x", "y", "x").Equal(NewEnumValues(map[string]int64{"y": 1, "x": 0})))
	assert.False(t, NewEnum("x").Equal(nil))
}

func TestEArrayAppend(t *testing.T) {
	f, _ := newTestFile(t)
	atom, err := NewAtom("float64")
	require.NoError(t, err)
	a, err := f.CreateEArray("/", "e", atom, []int64{0, 3}, WithChunkShape(4, 3))
	require.NoError(t, err)
	assert.Equal(t, KindEArray, a.Kind())
	assert.Equal(t, 0, a.ExtDim())
	assert.Equal(t, int64(0), a.Len())

	require.NoError(t, a.Append([][]float64{{1, 2, 3}, {4, 5, 6}}))
	require.NoError(t, a.Append([]float64{7, 8, 9, 10, 11, 12, 13, 14, 15}))
	assert.Equal(t, int64(5), a.Len())

	err = a.Append([]float64{1, 2})
	require.ErrorIs(t, err, ErrTypeMismatch)

	g := reopen(t, f, ReadOnly)
	e := getArray(t, g, "/e")
	assert.Equal(t, KindEArray, e.Kind())
	assert.Equal(t, 0, e.ExtDim())
	assert.Equal(t, []int64{5, 3}, e.Shape())
	assert.Equal(t, []int64{4, 3}, e.ChunkShape())

	data, err := e.Read()
	require.NoError(t, err)
	want := make([]float64, 15)
	for i := range want {
		want[i] = float64(i + 1)
	}
	assert.Equal(t, want, data.Values)

	part, err := e.ReadRange(3, 5)
	require.NoError(t, err)
	assert.Equal(t, want[9:], part.Values)

	attrs, err := e.Attrs()
	require.NoError(t, err)
	ext, err := attrs.Int64("EXTDIM")
	require.NoError(t, err)
	assert.Equal(t, int64(0), ext)
}

func TestEArrayShapes(t *testing.T) {
	f, _ := newTestFile(t)
	atom, err := NewAtom("int32")
	require.NoError(t, err)

	_, err = f.CreateEArray("/", "none", atom, []int64{2, 3})
	require.Error(t, err)
	_, err = f.CreateEArray("/", "two", atom, []int64{0, 0})
	require.Error(t, err)
	_, err = f.CreateEArray("/", "inner", atom, []int64{3, 0})
	require.ErrorIs(t, err, ErrUnsupported)
}

func TestAppendToArrayNotExtendable(t *testing.T) {
	f, _ := newTestFile(t)
	a, err := f.CreateArray("/", "a", []int32{1, 2}, nil)
	require.NoError(t, err)
	require.ErrorIs(t, a.Append([]int32{3}), ErrNotExtendable)

	atom, err := NewAtom("int32")
	require.NoError(t, err)
	c, err := f.CreateCArray("/", "c", atom, []int64{4})
	require.NoError(t, err)
	require.ErrorIs(t, c.Append([]int32{3}), ErrNotExtendable)
}

func TestCArrayWriteRows(t *testing.T) {
	f, _ := newTestFile(t)
	atom, err := NewAtom("int64")
	require.NoError(t, err)
	c, err := f.CreateCArray("/", "c", atom, []int64{10, 2}, WithChunkShape(3, 2), WithTitle("grid"))
	require.NoError(t, err)
	assert.Equal(t, KindCArray, c.Kind())

	require.NoError(t, c.WriteRows(2, [][]int64{{1, 2}, {3, 4}, {5, 6}, {7, 8}}))
	require.NoError(t, c.WriteRows(9, []int64{9, 9}))
	require.Error(t, c.WriteRows(9, []int64{1, 2, 3, 4}))

	g := reopen(t, f, ReadOnly)
	a := getArray(t, g, "/c")
	assert.Equal(t, KindCArray, a.Kind())
	data, err := a.Read()
	require.NoError(t, err)
	assert.Equal(t, []int64{
		0, 0, 0, 0,
		1, 2, 3, 4, 5, 6, 7, 8,
		0, 0, 0, 0, 0, 0,
		9, 9,
	}, data.Values)
}

func TestCompressedArrays(t *testing.T) {
	tests := []struct {
		name    string
		filters Filters
		repr    string
	}{
		{"zlib", Filters{Complevel: 5, Complib: ComplibZlib, Shuffle: true},
			"Filters(complevel=5, complib='zlib', shuffle=True, fletcher32=False, least_significant_digit=None)"},
		{"zstd", Filters{Complevel: 3, Complib: ComplibZstd, Fletcher32: true},
			"Filters(complevel=3, complib='zstd', shuffle=False, fletcher32=True, least_significant_digit=None)"},
		{"lz4", Filters{Complevel: 1, Complib: ComplibLZ4, Shuffle: true},
			"Filters(complevel=1, complib='lz4', shuffle=True, fletcher32=False, least_significant_digit=None)"},
		{"lzf", Filters{Complevel: 1, Complib: ComplibLZF},
			"Filters(complevel=1, complib='lzf', shuffle=False, fletcher32=False, least_significant_digit=None)"},
		{"default_lib", Filters{Complevel: 9},
			"Filters(complevel=9, complib='zlib', shuffle=False, fletcher32=False, least_significant_digit=None)"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, _ := newTestFile(t)
			atom, err := NewAtom("int32")
			require.NoError(t, err)
			a, err := f.CreateEArray("/", "z", atom, []int64{0}, WithFilters(tt.filters), WithChunkShape(100))
			require.NoError(t, err)

			values := make([]int32, 1000)
			for i := range values {
				values[i] = int32(i % 17)
			}
			require.NoError(t, a.Append(values))

			g := reopen(t, f, ReadOnly)
			z := getArray(t, g, "/z")
			assert.Equal(t, tt.repr, z.Filters().String())
			data, err := z.Read()
			require.NoError(t, err)
			assert.Equal(t, values, data.Values)
		})
	}
}

func TestCompressionUnavailableForWriting(t *testing.T) {
	f, _ := newTestFile(t)
	atom, err := NewAtom("int32")
	require.NoError(t, err)
	for _, lib := range []string{ComplibSzip, ComplibBlosc, ComplibBZip2} {
		_, err = f.CreateEArray("/", lib, atom, []int64{0}, WithFilters(Filters{Complevel: 1, Complib: lib}))
		require.Error(t, err)
		assert.True(t, IsUnsupportedFilter(err), "%s: %v", lib, err)
	}
	_, err = f.CreateEArray("/", "x", atom, []int64{0}, WithFilters(Filters{Complib: "nope"}))
	require.ErrorIs(t, err, ErrUnsupported)
}

func TestLeastSignificantDigit(t *testing.T) {
	lsd := 1
	f, _ := newTestFile(t)
	atom, err := NewAtom("float64")
	require.NoError(t, err)
	a, err := f.CreateEArray("/", "q", atom, []int64{0}, WithFilters(Filters{Complevel: 1, LeastSignificantDigit: &lsd}))
	require.NoError(t, err)
	require.NotNil(t, a.Filters().LeastSignificantDigit)
	assert.Equal(t, 1, *a.Filters().LeastSignificantDigit)

	require.NoError(t, a.Append([]float64{3.14159, -2.71828}))
	data, err := a.Read()
	require.NoError(t, err)
	got := data.Values.([]float64)
	assert.InDelta(t, 3.14159, got[0], 0.05)
	assert.InDelta(t, -2.71828, got[1], 0.05)
	assert.NotEqual(t, 3.14159, got[0])
}

func TestChunkShape(t *testing.T) {
	tests := []struct {
		name     string
		opts     nodeOptions
		shape    []int64
		itemSize int
		want     []uint64
	}{
		{"explicit", nodeOptions{chunkShape: []int64{5, 2}}, []int64{0, 2}, 8, []uint64{5, 2}},
		{"small_rows", nodeOptions{expectedRows: 10000}, []int64{0}, 8, []uint64{2048}},
		{"bounded_by_shape", nodeOptions{expectedRows: 10000}, []int64{10, 4}, 4, []uint64{10, 4}},
		{"wide_rows_shrink", nodeOptions{expectedRows: 1}, []int64{0, 8192}, 8, []uint64{1, 2048}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := chunkShape(tt.opts, tt.shape, tt.itemSize)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := chunkShape(nodeOptions{chunkShape: []int64{1}}, []int64{0, 2}, 8)
	require.Error(t, err)
	_, err = chunkShape(nodeOptions{chunkShape: []int64{0}}, []int64{0}, 8)
	require.Error(t, err)
	_, err = chunkShape(nodeOptions{}, nil, 8)
	require.Error(t, err)
}

func TestChunkBytes(t *testing.T) {
	assert.Equal(t, int64(16*1024), chunkBytes(0.01))
	assert.Equal(t, int64(16*1024), chunkBytes(9))
	assert.Equal(t, int64(32*1024), chunkBytes(10))
	assert.Equal(t, int64(64*1024), chunkBytes(150))
}
