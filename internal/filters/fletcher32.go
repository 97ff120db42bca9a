package filters

import (
	"encoding/binary"
	"errors"
	"math/bits"
)

type fletcher32Codec struct{}

func (fletcher32Codec) ID() uint16   { return Fletcher32 }
func (fletcher32Codec) Name() string { return "fletcher32" }

// Checksum32 is HDF5's fletcher32 variant: big-endian 16-bit words summed
// in blocks of 360 with the final sums folded to 16 bits.
func Checksum32(data []byte) uint32 {
	var sum1, sum2 uint32
	words := len(data) / 2
	p := 0
	for words > 0 {
		n := min(words, 360)
		words -= n
		for ; n > 0; n-- {
			sum1 += uint32(data[p])<<8 | uint32(data[p+1])
			sum2 += sum1
			p += 2
		}
		sum1 = (sum1 & 0xffff) + (sum1 >> 16)
		sum2 = (sum2 & 0xffff) + (sum2 >> 16)
	}
	if len(data)%2 != 0 {
		sum1 += uint32(data[p]) << 8
		sum2 += sum1
		sum1 = (sum1 & 0xffff) + (sum1 >> 16)
		sum2 = (sum2 & 0xffff) + (sum2 >> 16)
	}
	sum1 = (sum1 & 0xffff) + (sum1 >> 16)
	sum2 = (sum2 & 0xffff) + (sum2 >> 16)
	return sum2<<16 | sum1
}

func (fletcher32Codec) Encode(_ Params, data []byte) ([]byte, error) {
	out := make([]byte, len(data)+4)
	copy(out, data)
	binary.LittleEndian.PutUint32(out[len(data):], Checksum32(data))
	return out, nil
}

func (fletcher32Codec) Decode(_ Params, data []byte) ([]byte, error) {
	if len(data) < 4 {
		return nil, errors.New("fletcher32: chunk shorter than checksum")
	}
	payload := data[:len(data)-4]
	stored := binary.LittleEndian.Uint32(data[len(data)-4:])
	sum := Checksum32(payload)
	// Files from library versions before 1.6.3 stored the checksum byte-swapped.
	if stored != sum && stored != bits.ReverseBytes32(sum) {
		return nil, ErrChecksum
	}
	return payload, nil
}
