package cache

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

const DefaultMaxEntries = 256

// LRU is a thread-safe in-memory cache with a size bound and per-entry
// expiry.
type LRU struct {
	maxEntries int
	ttl        time.Duration
	clock      clockwork.Clock

	mu      sync.Mutex
	entries map[string]*entry
	head    *entry // most recently used
	tail    *entry // least recently used
}

type entry struct {
	key     string
	value   []byte
	expires time.Time
	prev    *entry
	next    *entry
}

type LRUOption func(*LRU)

func WithClock(c clockwork.Clock) LRUOption {
	return func(l *LRU) { l.clock = c }
}

func NewLRU(maxEntries int, ttl time.Duration, opts ...LRUOption) *LRU {
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	l := &LRU{
		maxEntries: maxEntries,
		ttl:        ttl,
		clock:      clockwork.NewRealClock(),
		entries:    make(map[string]*entry),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *LRU) Get(_ context.Context, key string) ([]byte, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.entries[key]
	if !ok {
		return nil, false, nil
	}
	if !l.clock.Now().Before(e.expires) {
		l.drop(e)
		return nil, false, nil
	}
	l.moveToFront(e)
	return e.value, true, nil
}

func (l *LRU) Set(_ context.Context, key string, value []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	expires := l.clock.Now().Add(l.ttl)
	if e, ok := l.entries[key]; ok {
		e.value = value
		e.expires = expires
		l.moveToFront(e)
		return nil
	}

	e := &entry{key: key, value: value, expires: expires}
	l.entries[key] = e
	l.addToFront(e)

	if len(l.entries) > l.maxEntries {
		l.drop(l.tail)
	}
	return nil
}

func (l *LRU) Invalidate(context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	clear(l.entries)
	l.head, l.tail = nil, nil
	return nil
}

// Len returns the number of entries, expired ones included.
func (l *LRU) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

func (l *LRU) moveToFront(e *entry) {
	if e == l.head {
		return
	}
	l.unlink(e)
	l.addToFront(e)
}

func (l *LRU) addToFront(e *entry) {
	e.next = l.head
	e.prev = nil
	if l.head != nil {
		l.head.prev = e
	}
	l.head = e
	if l.tail == nil {
		l.tail = e
	}
}

func (l *LRU) unlink(e *entry) {
	if e.prev != nil {
		e.prev.next = e.next
	} else {
		l.head = e.next
	}
	if e.next != nil {
		e.next.prev = e.prev
	} else {
		l.tail = e.prev
	}
}

func (l *LRU) drop(e *entry) {
	if e == nil {
		return
	}
	delete(l.entries, e.key)
	l.unlink(e)
}
