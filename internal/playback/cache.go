package playback

import (
	"container/list"
	"strings"
	"sync"

	"github.com/windfall/kaiwa/pkg/api"
)

// Key identifies a synthesized clip.
type Key struct {
	Engine string
	Voice  string
	Text   string
}

// KeyFor builds the cache key of a request.
func KeyFor(r Request) Key {
	return Key{Engine: r.Engine, Voice: r.Voice, Text: NormalizeText(r.Text)}
}

func (k Key) String() string {
	return k.Engine + "\x00" + k.Voice + "\x00" + k.Text
}

// NormalizeText trims the text and collapses whitespace runs so that texts
// differing only in spacing share a clip.
func NormalizeText(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// Cache stores synthesized clips.
type Cache interface {
	Get(k Key) (*api.Audio, bool)
	Put(k Key, a *api.Audio)
}

// MemoryCache is an in-process Cache. With maxEntries > 0 it evicts the
// least recently used clip; otherwise it keeps every clip.
type MemoryCache struct {
	mu         sync.Mutex
	maxEntries int
	ll         *list.List
	items      map[Key]*list.Element
}

type cacheEntry struct {
	key   Key
	audio *api.Audio
}

// NewMemoryCache creates a cache. Zero means unbounded.
func NewMemoryCache(maxEntries int) *MemoryCache {
	return &MemoryCache{
		maxEntries: maxEntries,
		ll:         list.New(),
		items:      make(map[Key]*list.Element),
	}
}

// Get implements Cache.
func (c *MemoryCache) Get(k Key) (*api.Audio, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.items[k]
	if !ok {
		return nil, false
	}
	c.ll.MoveToFront(el)
	return el.Value.(*cacheEntry).audio, true
}

// Put implements Cache.
func (c *MemoryCache) Put(k Key, a *api.Audio) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.items[k]; ok {
		el.Value.(*cacheEntry).audio = a
		c.ll.MoveToFront(el)
		return
	}
	c.items[k] = c.ll.PushFront(&cacheEntry{key: k, audio: a})

	if c.maxEntries > 0 && c.ll.Len() > c.maxEntries {
		oldest := c.ll.Back()
		c.ll.Remove(oldest)
		delete(c.items, oldest.Value.(*cacheEntry).key)
	}
}

// Len returns the number of cached clips.
func (c *MemoryCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ll.Len()
}
