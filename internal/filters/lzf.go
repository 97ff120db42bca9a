package filters

import (
	"errors"
	"fmt"
)

// LZF as used by h5py and PyTables: a raw liblzf stream with no header.
// Client data: revision, lzf version, uncompressed chunk size.

const (
	lzfHashLog    = 14
	lzfMaxOffset  = 1 << 13
	lzfMaxLiteral = 32
	lzfMaxRef     = 264
)

var errLZFIncompressible = errors.New("lzf: data does not compress")

type lzfCodec struct{}

func (lzfCodec) ID() uint16   { return LZF }
func (lzfCodec) Name() string { return "lzf" }

func (lzfCodec) Encode(_ Params, data []byte) ([]byte, error) {
	if len(data) == 0 {
		return data, nil
	}
	out := lzfCompress(data)
	if len(out) >= len(data) {
		return nil, errLZFIncompressible
	}
	return out, nil
}

func (lzfCodec) Decode(p Params, data []byte) ([]byte, error) {
	size := p.ChunkSize
	if len(p.ClientData) > 2 && p.ClientData[2] > 0 {
		size = int(p.ClientData[2])
	}
	return lzfDecompress(data, size)
}

func lzfHash(b0, b1, b2 byte) uint32 {
	v := uint32(b0)<<16 | uint32(b1)<<8 | uint32(b2)
	v ^= v >> 16
	v *= 0x45d9f3b
	v ^= v >> 16
	return v & (1<<lzfHashLog - 1)
}

//nolint:gocognit // single pass matcher
func lzfCompress(in []byte) []byte {
	var table [1 << lzfHashLog]int32
	for i := range table {
		table[i] = -1
	}

	out := make([]byte, 0, len(in)+len(in)/lzfMaxLiteral+1)
	lit := 0
	pos := 0
	for pos+2 < len(in) {
		h := lzfHash(in[pos], in[pos+1], in[pos+2])
		ref := int(table[h])
		//nolint:gosec // G115: positions are bounded by the chunk size
		table[h] = int32(pos)

		dist := pos - ref
		if ref < 0 || dist > lzfMaxOffset ||
			in[ref] != in[pos] || in[ref+1] != in[pos+1] || in[ref+2] != in[pos+2] {
			pos++
			continue
		}

		out = lzfLiterals(out, in[lit:pos])

		limit := min(len(in)-pos, lzfMaxRef)
		n := 3
		for n < limit && in[ref+n] == in[pos+n] {
			n++
		}
		out = lzfBackref(out, dist, n)

		for i := pos + 1; i < pos+n && i+2 < len(in); i++ {
			//nolint:gosec // G115: positions are bounded by the chunk size
			table[lzfHash(in[i], in[i+1], in[i+2])] = int32(i)
		}
		pos += n
		lit = pos
	}
	return lzfLiterals(out, in[lit:])
}

func lzfLiterals(out, lit []byte) []byte {
	for len(lit) > 0 {
		n := min(len(lit), lzfMaxLiteral)
		out = append(out, byte(n-1))
		out = append(out, lit[:n]...)
		lit = lit[n:]
	}
	return out
}

func lzfBackref(out []byte, dist, n int) []byte {
	off := dist - 1
	if n <= 8 {
		return append(out, byte((n-2)<<5|off>>8), byte(off))
	}
	return append(out, byte(0xe0|off>>8), byte(n-9), byte(off))
}

func lzfDecompress(in []byte, sizeHint int) ([]byte, error) {
	out := make([]byte, 0, max(sizeHint, 2*len(in)))
	for i := 0; i < len(in); {
		ctrl := int(in[i])
		i++
		if ctrl < 1<<5 {
			n := ctrl + 1
			if i+n > len(in) {
				return nil, errors.New("lzf: truncated literal run")
			}
			out = append(out, in[i:i+n]...)
			i += n
			continue
		}

		n := ctrl >> 5
		if i >= len(in) {
			return nil, errors.New("lzf: truncated back reference")
		}
		if n == 7 {
			n += int(in[i])
			i++
			if i >= len(in) {
				return nil, errors.New("lzf: truncated back reference")
			}
		}
		dist := ((ctrl&0x1f)<<8 | int(in[i])) + 1
		i++
		n += 2
		if dist > len(out) {
			return nil, fmt.Errorf("lzf: back reference %d beyond output of %d bytes", dist, len(out))
		}
		start := len(out) - dist
		for k := 0; k < n; k++ {
			out = append(out, out[start+k])
		}
	}
	return out, nil
}
