package filters

import (
	"encoding/binary"
	"fmt"

	"github.com/pierrec/lz4/v4"
)

// LZ4 filter 32004 framing: an 8-byte big-endian decoded size, a 4-byte
// big-endian block size, then per block a 4-byte big-endian compressed
// size followed by the block. A block whose compressed size equals its
// decoded size is stored raw.

const (
	lz4HeaderSize       = 12
	lz4DefaultBlockSize = 1 << 30
)

type lz4Codec struct{}

func (lz4Codec) ID() uint16   { return LZ4 }
func (lz4Codec) Name() string { return "lz4" }

func (lz4Codec) Encode(p Params, data []byte) ([]byte, error) {
	blockSize := lz4DefaultBlockSize
	if len(p.ClientData) > 0 && p.ClientData[0] > 0 {
		blockSize = int(p.ClientData[0])
	}
	blockSize = max(min(blockSize, len(data)), 1)

	out := make([]byte, lz4HeaderSize, lz4HeaderSize+lz4.CompressBlockBound(len(data))+4*(len(data)/blockSize+1))
	binary.BigEndian.PutUint64(out[0:], uint64(len(data)))
	//nolint:gosec // G115: block size is capped at 1GB
	binary.BigEndian.PutUint32(out[8:], uint32(blockSize))

	scratch := make([]byte, lz4.CompressBlockBound(blockSize))
	for off := 0; off < len(data); off += blockSize {
		block := data[off:min(off+blockSize, len(data))]
		n, err := lz4.CompressBlock(block, scratch, nil)
		if err != nil {
			return nil, err
		}
		if n == 0 || n >= len(block) {
			out = binary.BigEndian.AppendUint32(out, uint32(len(block))) //nolint:gosec // bounded by blockSize
			out = append(out, block...)
			continue
		}
		out = binary.BigEndian.AppendUint32(out, uint32(n)) //nolint:gosec // bounded by blockSize
		out = append(out, scratch[:n]...)
	}
	return out, nil
}

func (lz4Codec) Decode(_ Params, data []byte) ([]byte, error) {
	if len(data) < lz4HeaderSize {
		return nil, fmt.Errorf("lz4: chunk of %d bytes has no header", len(data))
	}
	total := binary.BigEndian.Uint64(data[0:])
	blockSize := uint64(binary.BigEndian.Uint32(data[8:]))
	if blockSize == 0 && total > 0 {
		return nil, fmt.Errorf("lz4: zero block size")
	}

	out := make([]byte, total)
	src := data[lz4HeaderSize:]
	for off := uint64(0); off < total; off += blockSize {
		want := min(blockSize, total-off)
		if len(src) < 4 {
			return nil, fmt.Errorf("lz4: truncated block header at %d", off)
		}
		csize := uint64(binary.BigEndian.Uint32(src))
		src = src[4:]
		if uint64(len(src)) < csize {
			return nil, fmt.Errorf("lz4: block at %d needs %d bytes, %d left", off, csize, len(src))
		}
		dst := out[off : off+want]
		if csize == want {
			copy(dst, src[:csize])
		} else {
			n, err := lz4.UncompressBlock(src[:csize], dst)
			if err != nil {
				return nil, fmt.Errorf("lz4: block at %d: %w", off, err)
			}
			if uint64(n) != want {
				return nil, fmt.Errorf("lz4: block at %d decoded to %d bytes, want %d", off, n, want)
			}
		}
		src = src[csize:]
	}
	return out, nil
}
