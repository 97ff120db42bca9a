package filters

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleChunk(n int) []byte {
	buf := make([]byte, 0, n*4)
	for i := 0; i < n; i++ {
		buf = binary.LittleEndian.AppendUint32(buf, uint32(i/3))
	}
	return buf
}

func TestRoundTripPerCodec(t *testing.T) {
	data := sampleChunk(1000)

	tests := []struct {
		name  string
		stage Stage
	}{
		{"deflate", Stage{ID: Deflate, ClientData: []uint32{5}}},
		{"shuffle", Stage{ID: Shuffle, ClientData: []uint32{4}}},
		{"fletcher32", Stage{ID: Fletcher32}},
		{"lzf", Stage{ID: LZF, ClientData: []uint32{4, 0, uint32(len(data))}}},
		{"zstd", Stage{ID: Zstd, ClientData: []uint32{3}}},
		{"lz4", Stage{ID: LZ4}},
		{"lz4 small blocks", Stage{ID: LZ4, ClientData: []uint32{512}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			stages := []Stage{tt.stage}
			enc, mask, err := Encode(stages, 4, data)
			require.NoError(t, err)
			assert.Zero(t, mask)

			dec, err := Decode(stages, mask, 4, len(data), enc)
			require.NoError(t, err)
			assert.Equal(t, data, dec)
		})
	}
}

func TestPipelineOrder(t *testing.T) {
	data := sampleChunk(4096)
	stages := []Stage{
		{ID: Shuffle, Optional: true, ClientData: []uint32{4}},
		{ID: Deflate, Optional: true, ClientData: []uint32{9}},
		{ID: Fletcher32},
	}

	enc, mask, err := Encode(stages, 4, data)
	require.NoError(t, err)
	assert.Zero(t, mask)
	assert.Less(t, len(enc), len(data))

	// The trailing checksum covers the compressed bytes.
	sum := binary.LittleEndian.Uint32(enc[len(enc)-4:])
	assert.Equal(t, Checksum32(enc[:len(enc)-4]), sum)

	dec, err := Decode(stages, mask, 4, len(data), enc)
	require.NoError(t, err)
	assert.Equal(t, data, dec)
}

func TestOptionalFailureSetsMask(t *testing.T) {
	// Random-looking short input does not compress with lzf.
	data := []byte{0x13, 0x97, 0x02, 0xfe, 0x44, 0x81, 0x6c, 0x3d}
	stages := []Stage{
		{ID: LZF, Optional: true},
		{ID: Fletcher32},
	}

	enc, mask, err := Encode(stages, 1, data)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), mask)
	assert.Equal(t, data, enc[:len(data)])

	dec, err := Decode(stages, mask, 1, len(data), enc)
	require.NoError(t, err)
	assert.Equal(t, data, dec)
}

func TestMandatoryFailure(t *testing.T) {
	_, _, err := Encode([]Stage{{ID: Szip}}, 4, sampleChunk(10))
	var unsupported *UnsupportedError
	require.ErrorAs(t, err, &unsupported)
	assert.Equal(t, Szip, unsupported.ID)
	assert.Equal(t, "szip", unsupported.Name)
}

func TestDecodeUnknownFilter(t *testing.T) {
	_, err := Decode([]Stage{{ID: 40000, Name: "custom"}}, 0, 1, 4, []byte{1, 2, 3, 4})
	var unsupported *UnsupportedError
	require.ErrorAs(t, err, &unsupported)
	assert.Equal(t, "custom", unsupported.Name)
	assert.Contains(t, err.Error(), "decode not supported")
}

func TestSzipAndBloscAreMetadataOnly(t *testing.T) {
	for _, id := range []uint16{Szip, Blosc} {
		c, ok := Lookup(id)
		require.True(t, ok)
		_, err := c.Decode(Params{}, []byte{1})
		var unsupported *UnsupportedError
		assert.True(t, errors.As(err, &unsupported))
	}
}

func TestFletcher32KnownValues(t *testing.T) {
	assert.Equal(t, uint32(0x05080406), Checksum32([]byte{0x01, 0x02, 0x03, 0x04}))
	assert.Equal(t, uint32(0x05040402), Checksum32([]byte{0x01, 0x02, 0x03}))
	assert.Equal(t, uint32(0), Checksum32(nil))
}

func TestFletcher32DetectsCorruption(t *testing.T) {
	enc, _, err := Encode([]Stage{{ID: Fletcher32}}, 1, []byte("chunk payload"))
	require.NoError(t, err)
	enc[2] ^= 0xff
	_, err = Decode([]Stage{{ID: Fletcher32}}, 0, 1, 13, enc)
	assert.ErrorIs(t, err, ErrChecksum)
}

func TestFletcher32AcceptsSwappedChecksum(t *testing.T) {
	payload := []byte("legacy")
	enc := binary.BigEndian.AppendUint32(append([]byte(nil), payload...), Checksum32(payload))
	dec, err := Decode([]Stage{{ID: Fletcher32}}, 0, 1, len(payload), enc)
	require.NoError(t, err)
	assert.Equal(t, payload, dec)
}

func TestShuffleKeepsTrailingBytes(t *testing.T) {
	data := []byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}
	c := shuffleCodec{}
	enc, err := c.Encode(Params{ElementSize: 4}, data)
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 5, 2, 6, 3, 7, 4, 8, 9, 10}, enc)

	dec, err := c.Decode(Params{ElementSize: 4}, enc)
	require.NoError(t, err)
	assert.Equal(t, data, dec)
}

func TestLZFLongRuns(t *testing.T) {
	data := bytes.Repeat([]byte("abcdefgh"), 2000)
	enc := lzfCompress(data)
	assert.Less(t, len(enc), len(data)/10)

	dec, err := lzfDecompress(enc, len(data))
	require.NoError(t, err)
	assert.Equal(t, data, dec)
}

// Long back references put the length byte before the low offset byte,
// the way liblzf writes them.
func TestLZFKnownStreams(t *testing.T) {
	tests := []struct {
		name string
		in   []byte
		want []byte
	}{
		{"run", bytes.Repeat([]byte("a"), 20), []byte{0x00, 'a', 0xe0, 0x0a, 0x00}},
		{"short_ref", []byte("abcabcab"), []byte{0x02, 'a', 'b', 'c', 0x60, 0x02}},
		{"long_ref", bytes.Repeat([]byte("abc"), 8), []byte{0x02, 'a', 'b', 'c', 0xe0, 0x0c, 0x02}},
		{"int32_ones", bytes.Repeat([]byte{1, 0, 0, 0}, 16), []byte{0x03, 1, 0, 0, 0, 0xe0, 0x33, 0x03}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, lzfCompress(tt.in))
			dec, err := lzfDecompress(tt.want, len(tt.in))
			require.NoError(t, err)
			assert.Equal(t, tt.in, dec)
		})
	}
}

func TestLZFFarReference(t *testing.T) {
	block := make([]byte, 1000)
	for i := range block {
		block[i] = byte(i*7 + i/13)
	}
	data := append(bytes.Clone(block), block...)
	enc := lzfCompress(data)
	assert.Less(t, len(enc), len(data))

	dec, err := lzfDecompress(enc, len(data))
	require.NoError(t, err)
	assert.Equal(t, data, dec)
}

func TestLZFRejectsBadReference(t *testing.T) {
	_, err := lzfDecompress([]byte{0x20, 0x05}, 16)
	assert.Error(t, err)
}

func TestLZ4RawBlocks(t *testing.T) {
	data := []byte{9, 8, 7, 6, 5}
	enc, err := lz4Codec{}.Encode(Params{}, data)
	require.NoError(t, err)
	assert.Equal(t, uint64(5), binary.BigEndian.Uint64(enc))
	assert.Equal(t, uint32(5), binary.BigEndian.Uint32(enc[12:]), "incompressible block is stored raw")

	dec, err := lz4Codec{}.Decode(Params{}, enc)
	require.NoError(t, err)
	assert.Equal(t, data, dec)
}

func TestKnownName(t *testing.T) {
	assert.Equal(t, "deflate", KnownName(Deflate))
	assert.Equal(t, "blosc", KnownName(Blosc))
	assert.Equal(t, "", KnownName(9999))
	assert.Equal(t, "zstd", Stage{ID: Zstd}.DisplayName())
	assert.Equal(t, "mine", Stage{ID: Zstd, Name: "mine"}.DisplayName())
}

func TestRegistered(t *testing.T) {
	ids := Registered()
	assert.Contains(t, ids, Deflate)
	assert.Contains(t, ids, LZ4)
	assert.IsIncreasing(t, ids)
}
