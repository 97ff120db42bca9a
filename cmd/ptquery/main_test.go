package main

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scigolib/tables"
)

func newShell(t *testing.T) (shell, *bytes.Buffer) {
	t.Helper()
	f, err := tables.Create(filepath.Join(t.TempDir(), "q.h5"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = f.Close() })

	id, err := tables.NewAtom("int32")
	require.NoError(t, err)
	flag, err := tables.NewAtom("bool")
	require.NoError(t, err)
	tbl, err := f.CreateTable("/", "t", []tables.ColumnDef{{Name: "id", Atom: id}, {Name: "flag", Atom: flag}})
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		require.NoError(t, tbl.Append([]any{int32(i), i%2 == 0}))
	}
	_, err = f.CreateArray("/", "a", []int16{1, 2, 3}, nil)
	require.NoError(t, err)
	_, err = f.CreateGroup("/", "g")
	require.NoError(t, err)

	out := &bytes.Buffer{}
	return shell{f: f, out: out}, out
}

func TestShellBrowse(t *testing.T) {
	sh, out := newShell(t)

	require.NoError(t, sh.run([]string{"ls"}))
	assert.Regexp(t, `(?m)^a\s+Array$`, out.String())
	assert.Regexp(t, `(?m)^g\s+Group$`, out.String())
	assert.Regexp(t, `(?m)^t\s+Table$`, out.String())

	out.Reset()
	require.NoError(t, sh.run([]string{"info", "/t"}))
	assert.Contains(t, out.String(), "/t: Table, 10 rows")
	assert.Regexp(t, `id\s+int32`, out.String())

	out.Reset()
	require.NoError(t, sh.run([]string{"info", "/a"}))
	assert.Contains(t, out.String(), "/a: Array [3] of int16")

	out.Reset()
	require.NoError(t, sh.run([]string{"ls", "/a"}))
	assert.Equal(t, "/a (Array)\n", out.String())
}

func TestShellWhereAndIndex(t *testing.T) {
	sh, out := newShell(t)

	require.NoError(t, sh.run([]string{"where", "/t", "id", ">=", "7"}))
	assert.Contains(t, out.String(), "[7] [7 false]")
	assert.Contains(t, out.String(), "3 rows (indexes used: [])")

	out.Reset()
	require.NoError(t, sh.run([]string{"index", "/t", "id"}))
	assert.Contains(t, out.String(), "indexed /t.id: version 2.1, 10 elements")

	out.Reset()
	require.NoError(t, sh.run([]string{"where", "/t", "id < 4"}))
	assert.Contains(t, out.String(), "4 rows (indexes used: [id])")

	out.Reset()
	require.NoError(t, sh.run([]string{"info", "/t"}))
	assert.Contains(t, out.String(), "(indexed)")
}

func TestShellErrors(t *testing.T) {
	sh, out := newShell(t)
	tests := []struct {
		name  string
		words []string
		msg   string
	}{
		{"unknown", []string{"drop", "/t"}, `unknown command "drop"`},
		{"info_usage", []string{"info"}, "usage: info <path>"},
		{"where_usage", []string{"where", "/t"}, "usage: where"},
		{"index_usage", []string{"index", "/t"}, "usage: index"},
		{"not_a_table", []string{"where", "/a", "x > 1"}, "not a table"},
		{"missing", []string{"info", "/nope"}, "nope"},
		{"bad_condition", []string{"where", "/t", "id >"}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := sh.run(tt.words)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.msg)
		})
	}

	out.Reset()
	require.NoError(t, sh.run([]string{"help"}))
	assert.Equal(t, help+"\n", out.String())
}
