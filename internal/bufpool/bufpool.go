// Package bufpool provides a tiered buffer pool for segment I/O.
//
// Transfer workers read, frame, and decrypt one segment at a time; pooling
// the scratch buffers keeps a busy worker pool from churning the GC with
// segment-sized allocations. Two tiers cover the workload: a small tier for
// headers and short tails, and a segment tier sized for a full segment plus
// frame and cipher overhead. Requests above the segment tier are allocated
// directly and never pooled.
package bufpool

import (
	"sync"
)

const (
	// SmallSize covers frame headers and short final segments (64 KiB).
	SmallSize = 64 << 10

	// SegmentSize covers a default-size segment with frame and AEAD
	// overhead (1 MiB).
	SegmentSize = 1 << 20
)

// Pool is a two-tier byte slice pool. The zero value is not usable; use
// NewPool.
type Pool struct {
	small   sync.Pool
	segment sync.Pool
}

// NewPool creates a pool with the package size classes.
func NewPool() *Pool {
	p := &Pool{}
	p.small.New = func() any {
		buf := make([]byte, SmallSize)
		return &buf
	}
	p.segment.New = func() any {
		buf := make([]byte, SegmentSize)
		return &buf
	}
	return p
}

// Get returns a byte slice of exactly the requested length, backed by a
// pooled buffer when the size fits a tier. The caller returns it with Put.
func (p *Pool) Get(size int) []byte {
	var ptr *[]byte
	switch {
	case size <= SmallSize:
		ptr = p.small.Get().(*[]byte)
	case size <= SegmentSize:
		ptr = p.segment.Get().(*[]byte)
	default:
		return make([]byte, size)
	}
	return (*ptr)[:size]
}

// Put returns a buffer obtained from Get. Oversized buffers are dropped for
// the GC; the buffer must not be used after Put.
func (p *Pool) Put(buf []byte) {
	if buf == nil {
		return
	}
	full := buf[:cap(buf)]
	switch cap(buf) {
	case SmallSize:
		p.small.Put(&full)
	case SegmentSize:
		p.segment.Put(&full)
	}
}

// globalPool serves the package-level Get/Put used by the transfer workers.
var globalPool = NewPool()

// Get returns a byte slice of the requested length from the shared pool.
func Get(size int) []byte {
	return globalPool.Get(size)
}

// Put returns a buffer obtained from Get to the shared pool.
func Put(buf []byte) {
	globalPool.Put(buf)
}
