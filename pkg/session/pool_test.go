package session

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/preflight-health/preflight/pkg/config"
)

func poolConfig(size int) *config.SessionConfig {
	cfg := config.DefaultSessionConfig()
	cfg.PoolSize = size
	return cfg
}

func TestPool_AcquireLowestFirst(t *testing.T) {
	p := NewPool(poolConfig(3))

	first, err := p.Acquire()
	require.NoError(t, err)
	assert.Equal(t, Slot{Index: 0, DisplayNum: 101, VNCPort: 6080, WebPort: 5080}, first)

	second, err := p.Acquire()
	require.NoError(t, err)
	assert.Equal(t, 1, second.Index)

	// Releasing slot 0 makes it the next grant again.
	p.Release(first)
	again, err := p.Acquire()
	require.NoError(t, err)
	assert.Equal(t, 0, again.Index)
}

func TestPool_Exhaustion(t *testing.T) {
	p := NewPool(poolConfig(2))

	_, err := p.Acquire()
	require.NoError(t, err)
	_, err = p.Acquire()
	require.NoError(t, err)

	_, err = p.Acquire()
	assert.ErrorIs(t, err, ErrPoolExhausted)
	assert.Equal(t, 0, p.Free())
}

func TestPool_ReleaseIsIdempotent(t *testing.T) {
	p := NewPool(poolConfig(2))

	s, err := p.Acquire()
	require.NoError(t, err)

	p.Release(s)
	p.Release(s)
	p.Release(Slot{Index: 99})

	assert.Equal(t, 2, p.Free())
}

func TestPool_ConcurrentAcquireGrantsEachSlotOnce(t *testing.T) {
	const size = 10
	p := NewPool(poolConfig(size))

	var mu sync.Mutex
	granted := make(map[int]int)

	var wg sync.WaitGroup
	for i := 0; i < size*2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s, err := p.Acquire()
			if err != nil {
				return
			}
			mu.Lock()
			granted[s.Index]++
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Len(t, granted, size)
	for index, count := range granted {
		assert.Equalf(t, 1, count, "slot %d granted %d times", index, count)
	}
}
