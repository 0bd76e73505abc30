package framepool

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquireIsBounded(t *testing.T) {
	p := New(16, 3)

	var bufs [][]byte
	for i := 0; i < 3; i++ {
		buf := p.Acquire()
		require.NotNil(t, buf)
		require.Len(t, buf, 16)
		bufs = append(bufs, buf)
	}
	require.Nil(t, p.Acquire())
	assert.Equal(t, 3, p.Outstanding())

	p.Release(bufs[0])
	require.NotNil(t, p.Acquire())
	require.Nil(t, p.Acquire())
	assert.Equal(t, 3, p.Outstanding())
}

func TestBuffersAreReused(t *testing.T) {
	p := New(8, 2)

	buf := p.Acquire()
	require.NotNil(t, buf)
	buf[0] = 0xA5
	p.Release(buf)

	reused := p.Acquire()
	require.NotNil(t, reused)
	assert.Equal(t, byte(0xA5), reused[0])
}

func TestUnboundedPool(t *testing.T) {
	p := New(4, 0)

	var bufs [][]byte
	for i := 0; i < 100; i++ {
		buf := p.Acquire()
		require.NotNil(t, buf)
		bufs = append(bufs, buf)
	}
	assert.Equal(t, 100, p.Outstanding())
	for _, buf := range bufs {
		p.Release(buf)
	}
	assert.Equal(t, 0, p.Outstanding())
}

func TestReleaseWrongSizePanics(t *testing.T) {
	p := New(16, 1)
	require.NotNil(t, p.Acquire())
	assert.Panics(t, func() {
		p.Release(make([]byte, 15))
	})
}

func TestReleaseWithoutAcquirePanics(t *testing.T) {
	p := New(16, 1)
	assert.Panics(t, func() {
		p.Release(make([]byte, 16))
	})
}

func TestConcurrentLeasesNeverExceedDepth(t *testing.T) {
	const depth = 8
	p := New(32, depth)

	var wg sync.WaitGroup
	for worker := 0; worker < 16; worker++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 1000; i++ {
				buf := p.Acquire()
				if buf == nil {
					continue
				}
				if got := p.Outstanding(); got > depth {
					t.Errorf("observed %d outstanding buffers with a depth of %d", got, depth)
					p.Release(buf)
					return
				}
				p.Release(buf)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 0, p.Outstanding())
}
