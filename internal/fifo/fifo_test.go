package fifo_test

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Alia5/usbipd/internal/fifo"
)

func TestLanesKeepPushOrder(t *testing.T) {
	tests := []struct {
		name  string
		keys  []int
		items int
	}{
		{name: "single key", keys: []int{2}, items: 200},
		{name: "many keys", keys: []int{0, 1, 2, 0x81, 0x82}, items: 100},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var l fifo.Lanes[int]
			var mu sync.Mutex
			got := make(map[int][]int)
			for i := range tt.items {
				for _, k := range tt.keys {
					require.True(t, l.Push(k, func() {
						mu.Lock()
						got[k] = append(got[k], i)
						mu.Unlock()
					}))
				}
			}
			l.Close()

			for _, k := range tt.keys {
				require.Len(t, got[k], tt.items, "key %d", k)
				for i, v := range got[k] {
					assert.Equal(t, i, v, "key %d", k)
				}
			}
		})
	}
}

func TestLanesRunKeysConcurrently(t *testing.T) {
	var l fifo.Lanes[string]
	block := make(chan struct{})
	ran := make(chan struct{})
	l.Push("slow", func() { <-block })
	l.Push("fast", func() { close(ran) })

	select {
	case <-ran:
	case <-time.After(2 * time.Second):
		require.FailNow(t, "a blocked key held up another key")
	}
	close(block)
	l.Close()
}

func TestLanesCloseWaitsAndRejects(t *testing.T) {
	var l fifo.Lanes[int]
	release := make(chan struct{})
	var done bool
	l.Push(1, func() { <-release })
	l.Push(1, func() { done = true })

	closed := make(chan struct{})
	go func() {
		l.Close()
		close(closed)
	}()
	select {
	case <-closed:
		require.FailNow(t, "Close returned with work queued")
	case <-time.After(50 * time.Millisecond):
	}
	close(release)
	<-closed

	assert.True(t, done)
	assert.False(t, l.Push(1, func() { t.Error("ran after Close") }))
}
