package internal

import "sync"

var bufPool = sync.Pool{New: func() interface{} {
	return []byte(nil)
}}

// ReserveByteBuffer fetches a byte slice of length 0 from a pool. The
// slice keeps whatever capacity it grew to in earlier use, so scratch
// buffers that are reserved once per run, such as the block buffers
// of the record projector, stop allocating after the first records.
func ReserveByteBuffer() []byte {
	return bufPool.Get().([]byte)[:0]
}

// ReleaseByteBuffer puts a byte slice back into the pool for a later
// ReserveByteBuffer to fetch. The caller must not use buf afterwards.
func ReleaseByteBuffer(buf []byte) {
	bufPool.Put(buf)
}
