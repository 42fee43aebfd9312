package pool

import (
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubmitRunsTasks(t *testing.T) {
	p := New(4)
	defer p.Close()

	var counter atomic.Int64
	futures := make([]*Future[int], 0, 100)
	for i := 0; i < 100; i++ {
		i := i
		f, err := Go(p, func() int {
			counter.Add(1)
			return i
		})
		require.NoError(t, err)
		futures = append(futures, f)
	}

	for i, f := range futures {
		assert.Equal(t, i, f.Wait())
	}
	assert.Equal(t, int64(100), counter.Load())
}

func TestSubmitAfterCloseFails(t *testing.T) {
	p := New(1)
	p.Close()

	err := p.Submit(func() {})
	assert.ErrorIs(t, err, ErrClosed)

	_, err = Go(p, func() int { return 0 })
	assert.ErrorIs(t, err, ErrClosed)
}

func TestCloseDrainsQueue(t *testing.T) {
	p := New(1)

	var counter atomic.Int64
	for i := 0; i < 50; i++ {
		require.NoError(t, p.Submit(func() { counter.Add(1) }))
	}

	p.Close()
	assert.Equal(t, int64(50), counter.Load())
}

func TestCloseIdempotent(t *testing.T) {
	p := New(2)
	p.Close()
	p.Close()
}
