package registry_test

import (
	"sort"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/Alia5/usbipd/internal/registry"
)

func TestTryAddRejectsDuplicates(t *testing.T) {
	r := registry.New[int, string]()
	assert.True(t, r.TryAdd(1, "a"))
	assert.False(t, r.TryAdd(1, "b"))

	v, ok := r.Get(1)
	assert.True(t, ok)
	assert.Equal(t, "a", v)
	assert.Equal(t, 1, r.Len())
}

func TestRemove(t *testing.T) {
	r := registry.New[int, string]()
	r.TryAdd(1, "a")
	r.TryAdd(2, "b")

	v, ok := r.Remove(1)
	assert.True(t, ok)
	assert.Equal(t, "a", v)
	_, ok = r.Remove(1)
	assert.False(t, ok)

	assert.False(t, r.RemoveIf(2, func(s string) bool { return s == "x" }))
	assert.True(t, r.Contains(2))
	assert.True(t, r.RemoveIf(2, func(s string) bool { return s == "b" }))
	assert.Zero(t, r.Len())
}

func TestSnapshots(t *testing.T) {
	r := registry.New[int, string]()
	r.TryAdd(2, "b")
	r.TryAdd(1, "a")
	keys := r.Keys()
	sort.Ints(keys)
	assert.Equal(t, []int{1, 2}, keys)
	assert.ElementsMatch(t, []string{"a", "b"}, r.Values())
}

func TestConcurrentTryAddSingleWinner(t *testing.T) {
	r := registry.New[int, int]()
	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if r.TryAdd(7, i) {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 1, wins)
}
