// Package utils holds the small helpers shared by the format packages:
// error wrapping, pooled scratch buffers, overflow-checked size math and
// the Jenkins lookup3 checksum used by HDF5 metadata blocks.
package utils

import "sync"

const pooledBufferCap = 4096

var bufferPool = sync.Pool{
	New: func() any {
		b := make([]byte, 0, pooledBufferCap)
		return &b
	},
}

// GetBuffer returns a byte slice of length size. Small requests are
// served from a pool; release them with ReleaseBuffer.
func GetBuffer(size int) []byte {
	if size > pooledBufferCap {
		return make([]byte, size)
	}
	bp := bufferPool.Get().(*[]byte)
	buf := (*bp)[:size]
	clear(buf)
	return buf
}

// ReleaseBuffer returns a buffer obtained from GetBuffer to the pool.
func ReleaseBuffer(buf []byte) {
	if cap(buf) != pooledBufferCap {
		return
	}
	buf = buf[:0]
	bufferPool.Put(&buf)
}
