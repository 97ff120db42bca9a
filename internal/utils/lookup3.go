package utils

import "math/bits"

// Lookup3 computes Bob Jenkins' lookup3 hashlittle over data. HDF5 uses it
// with initval 0 as the checksum of every signed metadata block.
func Lookup3(data []byte, initval uint32) uint32 {
	length := len(data)
	//nolint:gosec // G115: metadata blocks are far below 4GB
	a := 0xdeadbeef + uint32(length) + initval
	b, c := a, a

	k := data
	for length > 12 {
		a += uint32(k[0]) | uint32(k[1])<<8 | uint32(k[2])<<16 | uint32(k[3])<<24
		b += uint32(k[4]) | uint32(k[5])<<8 | uint32(k[6])<<16 | uint32(k[7])<<24
		c += uint32(k[8]) | uint32(k[9])<<8 | uint32(k[10])<<16 | uint32(k[11])<<24
		a, b, c = lookup3Mix(a, b, c)
		length -= 12
		k = k[12:]
	}

	if length == 0 {
		return c
	}

	// Tail bytes land in c, b, a from the highest position down.
	for i := length - 1; i >= 0; i-- {
		v := uint32(k[i])
		switch {
		case i >= 8:
			c += v << (8 * uint(i-8))
		case i >= 4:
			b += v << (8 * uint(i-4))
		default:
			a += v << (8 * uint(i))
		}
	}

	_, _, c = lookup3Final(a, b, c)
	return c
}

// Checksum is Lookup3 with the zero initval HDF5 uses.
func Checksum(data []byte) uint32 {
	return Lookup3(data, 0)
}

func lookup3Mix(a, b, c uint32) (uint32, uint32, uint32) {
	a -= c
	a ^= bits.RotateLeft32(c, 4)
	c += b
	b -= a
	b ^= bits.RotateLeft32(a, 6)
	a += c
	c -= b
	c ^= bits.RotateLeft32(b, 8)
	b += a
	a -= c
	a ^= bits.RotateLeft32(c, 16)
	c += b
	b -= a
	b ^= bits.RotateLeft32(a, 19)
	a += c
	c -= b
	c ^= bits.RotateLeft32(b, 4)
	b += a
	return a, b, c
}

func lookup3Final(a, b, c uint32) (uint32, uint32, uint32) {
	c ^= b
	c -= bits.RotateLeft32(b, 14)
	a ^= c
	a -= bits.RotateLeft32(c, 11)
	b ^= a
	b -= bits.RotateLeft32(a, 25)
	c ^= b
	c -= bits.RotateLeft32(b, 16)
	a ^= c
	a -= bits.RotateLeft32(c, 4)
	b ^= a
	b -= bits.RotateLeft32(a, 14)
	c ^= b
	c -= bits.RotateLeft32(b, 24)
	return a, b, c
}
