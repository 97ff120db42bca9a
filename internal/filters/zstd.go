package filters

import (
	"sync"

	"github.com/klauspost/compress/zstd"
)

// Zstandard filter 32015 stores one zstd frame per chunk. The first client
// value is the compression level.

var zstdDecoderPool sync.Pool

func getZstdDecoder() (*zstd.Decoder, error) {
	if v := zstdDecoderPool.Get(); v != nil {
		return v.(*zstd.Decoder), nil
	}
	return zstd.NewReader(nil)
}

type zstdCodec struct{}

func (zstdCodec) ID() uint16   { return Zstd }
func (zstdCodec) Name() string { return "zstd" }

func (zstdCodec) Encode(p Params, data []byte) ([]byte, error) {
	level := zstd.SpeedDefault
	if len(p.ClientData) > 0 && p.ClientData[0] > 0 {
		level = zstd.EncoderLevelFromZstd(int(p.ClientData[0]))
	}
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(level), zstd.WithEncoderConcurrency(1))
	if err != nil {
		return nil, err
	}
	defer func() { _ = enc.Close() }()
	return enc.EncodeAll(data, make([]byte, 0, len(data)/2)), nil
}

func (zstdCodec) Decode(p Params, data []byte) ([]byte, error) {
	dec, err := getZstdDecoder()
	if err != nil {
		return nil, err
	}
	defer zstdDecoderPool.Put(dec)
	return dec.DecodeAll(data, make([]byte, 0, p.ChunkSize))
}
