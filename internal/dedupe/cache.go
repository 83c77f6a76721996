// ABOUTME: Thread-safe TTL cache for recognizing redelivered updates
// ABOUTME: Bounded by size with oldest-first eviction; used by webhook ingress paths

package dedupe

import (
	"container/list"
	"sync"
	"time"
)

// entry is one remembered key and when it was last marked.
type entry[K comparable] struct {
	key    K
	marked time.Time
}

// Cache remembers keys for a window so a redelivered update can be acknowledged
// without being processed twice. The order list keeps the oldest mark at the front.
type Cache[K comparable] struct {
	mu      sync.Mutex
	seen    map[K]*list.Element
	order   *list.List
	ttl     time.Duration
	maxSize int
	now     func() time.Time
	done    chan struct{}
	closed  bool
}

// New creates a cache that forgets keys after ttl and holds at most maxSize keys.
// A background goroutine sweeps expired keys until Close is called.
func New[K comparable](ttl time.Duration, maxSize int) *Cache[K] {
	if maxSize <= 0 {
		maxSize = 1
	}
	c := &Cache[K]{
		seen:    make(map[K]*list.Element),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		now:     time.Now,
		done:    make(chan struct{}),
	}
	go c.sweepLoop(sweepInterval(ttl))
	return c
}

func sweepInterval(ttl time.Duration) time.Duration {
	if ttl < time.Minute {
		return max(ttl, time.Millisecond)
	}
	return time.Minute
}

// Seen reports whether key was marked within the window.
func (c *Cache[K]) Seen(key K) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.seen[key]
	return ok && c.live(el)
}

// CheckAndMark reports whether key was already marked within the window, and marks
// it when it was not. Concurrent callers with the same key see exactly one false.
func (c *Cache[K]) CheckAndMark(key K) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.seen[key]; ok && c.live(el) {
		return true
	}
	c.markLocked(key)
	return false
}

// Forget removes key so a later delivery is processed again.
func (c *Cache[K]) Forget(key K) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.seen[key]; ok {
		c.order.Remove(el)
		delete(c.seen, key)
	}
}

// Len returns the number of remembered keys, expired or not.
func (c *Cache[K]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.seen)
}

func (c *Cache[K]) live(el *list.Element) bool {
	return c.now().Sub(el.Value.(*entry[K]).marked) < c.ttl
}

// markLocked records key as newest. Must be called with mu held.
func (c *Cache[K]) markLocked(key K) {
	now := c.now()

	if el, ok := c.seen[key]; ok {
		el.Value.(*entry[K]).marked = now
		c.order.MoveToBack(el)
		return
	}

	if len(c.seen) >= c.maxSize {
		if front := c.order.Front(); front != nil {
			c.order.Remove(front)
			delete(c.seen, front.Value.(*entry[K]).key)
		}
	}

	c.seen[key] = c.order.PushBack(&entry[K]{key: key, marked: now})
}

func (c *Cache[K]) sweepLoop(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.sweep()
		case <-c.done:
			return
		}
	}
}

// sweep drops expired keys from the front; marks are ordered so it stops at the first live one.
func (c *Cache[K]) sweep() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for el := c.order.Front(); el != nil; el = c.order.Front() {
		if c.live(el) {
			return
		}
		c.order.Remove(el)
		delete(c.seen, el.Value.(*entry[K]).key)
	}
}

// Close stops the sweeper. It is safe to call multiple times.
func (c *Cache[K]) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.closed {
		close(c.done)
		c.closed = true
	}
}
