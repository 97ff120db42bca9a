package tables

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestFile creates an empty file in a temporary directory.
func newTestFile(t *testing.T, opts ...Option) (*File, string) {
	t.Helper()
	filename := filepath.Join(t.TempDir(), "test.h5")
	f, err := Create(filename, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = f.Close() })
	return f, filename
}

// reopen closes f and opens the file again in mode.
func reopen(t *testing.T, f *File, mode Mode) *File {
	t.Helper()
	require.NoError(t, f.Close())
	g, err := Open(f.Path(), WithMode(mode))
	require.NoError(t, err)
	t.Cleanup(func() { _ = g.Close() })
	return g
}

func TestCreateAndOpen(t *testing.T) {
	f, filename := newTestFile(t)
	assert.Equal(t, Append, f.Mode())
	assert.Equal(t, uint8(2), f.SuperblockVersion())
	assert.Equal(t, uint64(0), f.UserBlock())
	require.NoError(t, f.Close())

	_, err := os.Stat(filename)
	require.NoError(t, err)

	g, err := Open(filename)
	require.NoError(t, err)
	defer g.Close()

	assert.Equal(t, ReadOnly, g.Mode())
	root := g.Root()
	require.NotNil(t, root)
	assert.Equal(t, "/", root.Path())
	assert.Equal(t, KindGroup, root.Kind())

	attrs, err := root.Attrs()
	require.NoError(t, err)
	class, err := attrs.String("CLASS")
	require.NoError(t, err)
	assert.Equal(t, "GROUP", class)
	version, err := attrs.String("PYTABLES_FORMAT_VERSION")
	require.NoError(t, err)
	assert.Equal(t, "2.1", version)
}

func TestCreateUserBlock(t *testing.T) {
	f, _ := newTestFile(t, WithUserBlock(512))
	_, err := f.CreateArray("/", "a", []int32{1, 2, 3}, nil)
	require.NoError(t, err)

	g := reopen(t, f, ReadOnly)
	assert.Equal(t, uint64(512), g.UserBlock())
	n, err := g.GetNode("/a")
	require.NoError(t, err)
	data, err := n.(*Array).Read()
	require.NoError(t, err)
	assert.Equal(t, []int32{1, 2, 3}, data.Values)
}

func TestCreateInvalidUserBlock(t *testing.T) {
	for _, size := range []uint64{100, 511, 768} {
		_, err := Create(filepath.Join(t.TempDir(), "ub.h5"), WithUserBlock(size))
		assert.Error(t, err, "size %d", size)
	}
}

func TestCreateExclusive(t *testing.T) {
	f, filename := newTestFile(t)
	require.NoError(t, f.Close())

	_, err := Create(filename, WithExclusive())
	require.Error(t, err)

	g, err := Create(filename, WithTruncate())
	require.NoError(t, err)
	require.NoError(t, g.Close())
}

func TestOpenNotHDF5(t *testing.T) {
	filename := filepath.Join(t.TempDir(), "plain.txt")
	require.NoError(t, os.WriteFile(filename, []byte("not an hdf5 file at all"), 0o600))

	_, err := Open(filename)
	require.Error(t, err)

	_, err = Open(filepath.Join(t.TempDir(), "missing.h5"))
	require.Error(t, err)
}

func TestReadOnlyRejectsWrites(t *testing.T) {
	f, _ := newTestFile(t)
	g := reopen(t, f, ReadOnly)

	_, err := g.CreateGroup("/", "g")
	require.ErrorIs(t, err, ErrReadOnly)

	attrs, err := g.Root().Attrs()
	require.NoError(t, err)
	require.ErrorIs(t, attrs.Set("x", 1), ErrReadOnly)
}

func TestCloseTwice(t *testing.T) {
	f, _ := newTestFile(t)
	require.NoError(t, f.Close())
	require.NoError(t, f.Close())

	_, err := f.GetNode("/")
	require.ErrorIs(t, err, ErrClosed)
	require.ErrorIs(t, f.Flush(), ErrClosed)
}

func TestGetNode(t *testing.T) {
	f, _ := newTestFile(t)
	_, err := f.CreateGroup("/", "g1", WithTitle("first"))
	require.NoError(t, err)
	_, err = f.CreateGroup("/g1", "g2")
	require.NoError(t, err)
	_, err = f.CreateArray("/g1/g2", "arr", []float64{1.5}, nil)
	require.NoError(t, err)

	tests := []struct {
		where string
		name  []string
		path  string
		kind  NodeKind
	}{
		{"/", nil, "/", KindGroup},
		{"/g1", nil, "/g1", KindGroup},
		{"/g1", []string{"g2"}, "/g1/g2", KindGroup},
		{"/g1/g2/arr", nil, "/g1/g2/arr", KindArray},
		{"/g1/", []string{"g2", "arr"}, "/g1/g2/arr", KindArray},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			n, err := f.GetNode(tt.where, tt.name...)
			require.NoError(t, err)
			assert.Equal(t, tt.path, n.Path())
			assert.Equal(t, tt.kind, n.Kind())
		})
	}

	_, err = f.GetNode("/missing")
	require.ErrorIs(t, err, ErrNodeNotFound)
	_, err = f.GetNode("/g1/g2/arr/below")
	require.ErrorIs(t, err, ErrNodeNotFound)
	_, err = f.GetNode("relative")
	require.ErrorIs(t, err, ErrNodeNotFound)

	assert.True(t, f.Contains("/g1/g2"))
	assert.False(t, f.Contains("/g3"))

	g := reopen(t, f, ReadOnly)
	n, err := g.GetNode("/g1")
	require.NoError(t, err)
	attrs, err := n.Attrs()
	require.NoError(t, err)
	title, err := attrs.String("TITLE")
	require.NoError(t, err)
	assert.Equal(t, "first", title)
}

func TestCreateGroupErrors(t *testing.T) {
	f, _ := newTestFile(t)
	_, err := f.CreateGroup("/", "g")
	require.NoError(t, err)

	_, err = f.CreateGroup("/", "g")
	require.ErrorIs(t, err, ErrNodeExists)

	_, err = f.CreateGroup("/missing", "g")
	require.ErrorIs(t, err, ErrNodeNotFound)

	for _, name := range []string{"", "a/b", "."} {
		_, err = f.CreateGroup("/", name)
		assert.Error(t, err, "name %q", name)
	}
}

func TestManyChildren(t *testing.T) {
	f, _ := newTestFile(t)
	names := make([]string, 0, 40)
	for i := 0; i < 40; i++ {
		name := string(rune('a'+i%26)) + string(rune('a'+i/26))
		names = append(names, name)
		_, err := f.CreateGroup("/", name)
		require.NoError(t, err)
	}

	g := reopen(t, f, ReadOnly)
	got, err := g.Root().ChildNames()
	require.NoError(t, err)
	assert.ElementsMatch(t, names, got)
}

func TestWalk(t *testing.T) {
	f, _ := newTestFile(t)
	_, err := f.CreateGroup("/", "b")
	require.NoError(t, err)
	_, err = f.CreateGroup("/", "a")
	require.NoError(t, err)
	_, err = f.CreateArray("/b", "x", []int8{1}, nil)
	require.NoError(t, err)

	var paths []string
	require.NoError(t, f.Walk(func(n Node) error {
		paths = append(paths, n.Path())
		return nil
	}))
	assert.Equal(t, []string{"/", "/a", "/b", "/b/x"}, paths)
}

func TestAppendModeReopen(t *testing.T) {
	f, _ := newTestFile(t)
	_, err := f.CreateGroup("/", "first")
	require.NoError(t, err)

	g := reopen(t, f, Append)
	_, err = g.CreateGroup("/", "second")
	require.NoError(t, err)
	require.NoError(t, g.Flush())

	h := reopen(t, g, ReadOnly)
	assert.True(t, h.Contains("/first"))
	assert.True(t, h.Contains("/second"))
}

func TestNodeScopedLogging(t *testing.T) {
	var buf bytes.Buffer
	f, filename := newTestFile(t, WithLogger(NewWriterLogger(&buf, slog.LevelDebug, true)))
	_, err := f.CreateGroup("/", "g")
	require.NoError(t, err)

	out := buf.String()
	assert.Contains(t, out, `"file":"`+filename+`"`)
	assert.Contains(t, out, `"msg":"group created","file":"`+filename+`","node":"/g"`)
	assert.Contains(t, out, `"node":"/","link":"g"`)
	assert.NotContains(t, out, `"level":"ERROR"`)

	buf.Reset()
	quiet := NewWriterLogger(&buf, slog.LevelInfo, false)
	quiet.LogAppend("/t", 3, 3, nil)
	assert.Empty(t, buf.String())
	quiet.LogAppend("/t", 3, 0, os.ErrClosed)
	assert.Contains(t, buf.String(), "node=/t")
	assert.Contains(t, buf.String(), "append failed")
}
