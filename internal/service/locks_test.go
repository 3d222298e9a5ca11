package service

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKeyedMutexSerializesPerKey(t *testing.T) {
	k := newKeyedMutex()
	counters := map[string]*int{"a": new(int), "b": new(int)}

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		for key, n := range counters {
			wg.Add(1)
			go func(key string, n *int) {
				defer wg.Done()
				unlock := k.Lock(key)
				defer unlock()
				*n++
			}(key, n)
		}
	}
	wg.Wait()

	assert.Equal(t, 100, *counters["a"])
	assert.Equal(t, 100, *counters["b"])
	assert.Equal(t, 0, k.size())
}

func TestSequencerMonotonic(t *testing.T) {
	var s sequencer
	assert.Equal(t, int64(1), s.next())
	s.observe(10)
	assert.Equal(t, int64(11), s.next())
	s.observe(5)
	assert.Equal(t, int64(12), s.next())
}
