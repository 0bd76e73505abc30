// Package framepool hands out fixed-size reusable byte buffers for raw
// media units and bounds how many of them may be in flight at once.
package framepool

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// Pool is a lease-based buffer pool. Acquire returns nil when the configured
// depth is exhausted; that is the backpressure signal, not an error. A zero
// depth means the pool is unbounded.
type Pool struct {
	bufferSize  int
	depth       int
	outstanding atomic.Int64
	free        chan []byte
	spare       sync.Pool
}

func New(bufferSize int, depth int) *Pool {
	p := &Pool{
		bufferSize: bufferSize,
		depth:      depth,
	}
	if depth > 0 {
		p.free = make(chan []byte, depth)
	} else {
		p.spare.New = func() any {
			return make([]byte, bufferSize)
		}
	}
	return p
}

func (p *Pool) BufferSize() int {
	return p.bufferSize
}

func (p *Pool) Depth() int {
	return p.depth
}

func (p *Pool) Outstanding() int {
	return int(p.outstanding.Load())
}

// Acquire leases a buffer; the caller owns it until it hands it back via
// Release (directly or by submitting it into a pipeline that releases it).
func (p *Pool) Acquire() []byte {
	if p.depth <= 0 {
		p.outstanding.Add(1)
		return p.spare.Get().([]byte)
	}
	for {
		count := p.outstanding.Load()
		if count >= int64(p.depth) {
			return nil
		}
		if p.outstanding.CompareAndSwap(count, count+1) {
			break
		}
	}
	select {
	case buf := <-p.free:
		return buf
	default:
		return make([]byte, p.bufferSize)
	}
}

// Release hands a buffer back to the pool. Releasing a buffer of the wrong
// size, or releasing more buffers than were acquired, is a programming
// error on the caller side.
func (p *Pool) Release(buf []byte) {
	if len(buf) != p.bufferSize {
		panic(fmt.Errorf("released a buffer of size %d into a pool of %d-byte buffers", len(buf), p.bufferSize))
	}
	if p.outstanding.Add(-1) < 0 {
		panic(fmt.Errorf("more buffers were released than acquired"))
	}
	if p.depth <= 0 {
		p.spare.Put(buf) //nolint:staticcheck
		return
	}
	select {
	case p.free <- buf:
	default:
	}
}
