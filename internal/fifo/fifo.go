// Package fifo runs work in arrival order per key without blocking the caller.
package fifo

import "sync"

// Lanes runs the functions pushed under one key one after another, in push
// order, on a goroutine that exists only while the key has work. Different
// keys run concurrently. The zero value is ready to use.
type Lanes[K comparable] struct {
	mu     sync.Mutex
	queues map[K][]func()
	closed bool
	wg     sync.WaitGroup
}

// Push queues fn behind everything already pushed under key. It returns
// false, without queuing, once Close has been called.
func (l *Lanes[K]) Push(key K, fn func()) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return false
	}
	if l.queues == nil {
		l.queues = make(map[K][]func())
	}
	q, busy := l.queues[key]
	l.queues[key] = append(q, fn)
	if !busy {
		l.wg.Add(1)
		go l.drain(key)
	}
	return true
}

func (l *Lanes[K]) drain(key K) {
	defer l.wg.Done()
	for {
		l.mu.Lock()
		q := l.queues[key]
		if len(q) == 0 {
			delete(l.queues, key)
			l.mu.Unlock()
			return
		}
		fn := q[0]
		q[0] = nil
		l.queues[key] = q[1:]
		l.mu.Unlock()
		fn()
	}
}

// Close rejects further pushes and waits until everything already queued
// has run.
func (l *Lanes[K]) Close() {
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()
	l.wg.Wait()
}
