// Package walk implements the walk engine (C6, spec §4.6): resolving a
// sequence of path components starting at a fid, stepping across lease
// and envoy boundaries as needed, consulting a flushable path→(qid,
// address) cache along the way.
package walk

import (
	"strings"
	"sync"

	"github.com/nicolagi/envoy9p/internal/wire"
)

type cacheEntry struct {
	qid  wire.Qid
	addr wire.Address
	// local is true when this pathname resolves on this envoy; addr is
	// only meaningful when local is false.
	local bool
}

// Cache is the walk cache (spec §4.6 "Cache maintenance"): every
// resolved intermediate pathname is recorded with its qid and either
// "local" or the envoy that answered for it. It is flushed wholesale
// on any lease-changing event or detected staleness race, never
// invalidated piecemeal.
type Cache struct {
	mu      sync.Mutex
	entries map[string]cacheEntry
}

func NewCache() *Cache {
	return &Cache{entries: make(map[string]cacheEntry)}
}

func (c *Cache) get(pathname string) (cacheEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[pathname]
	return e, ok
}

func (c *Cache) putLocal(pathname string, qid wire.Qid) {
	c.mu.Lock()
	c.entries[pathname] = cacheEntry{qid: qid, local: true}
	c.mu.Unlock()
}

func (c *Cache) putRemote(pathname string, qid wire.Qid, addr wire.Address) {
	c.mu.Lock()
	c.entries[pathname] = cacheEntry{qid: qid, addr: addr}
	c.mu.Unlock()
}

// Flush drops every cached entry (spec §4.6: lease changes and EBADF
// races flush the whole cache, never just one path).
func (c *Cache) Flush() {
	c.mu.Lock()
	c.entries = make(map[string]cacheEntry)
	c.mu.Unlock()
}

func joinPath(a, b string) string {
	a = strings.Trim(a, "/")
	b = strings.Trim(b, "/")
	switch {
	case a == "":
		return b
	case b == "":
		return a
	default:
		return a + "/" + b
	}
}
