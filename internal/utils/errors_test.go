package utils

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWrapError(t *testing.T) {
	cause := errors.New("invalid signature")

	err := WrapError("reading superblock", cause)
	require.Error(t, err)
	assert.Equal(t, "reading superblock: invalid signature", err.Error())
	assert.ErrorIs(t, err, cause)

	var h5err *H5Error
	require.ErrorAs(t, err, &h5err)
	assert.Equal(t, "reading superblock", h5err.Context)

	assert.NoError(t, WrapError("nothing", nil))
}

func TestWrapErrorAt(t *testing.T) {
	err := WrapErrorAt("object header", 0x60, errors.New("bad checksum"))
	assert.Equal(t, "object header at 0x60: bad checksum", err.Error())
	assert.NoError(t, WrapErrorAt("object header", 0x60, nil))
}

func TestCorruptf(t *testing.T) {
	err := Corruptf("node %d has %d entries", 3, 900)
	assert.ErrorIs(t, err, ErrCorrupt)
	assert.Contains(t, err.Error(), "node 3 has 900 entries")
}
