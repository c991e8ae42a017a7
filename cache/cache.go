// Package cache implements the engine's two caches: a bounded LRU of
// decoded block payloads, and an ARC cache of folder metadata (folder
// listings are read far more than written and benefit from ARC's
// resistance to scan-induced eviction).
package cache

import (
	"sync"

	arc "github.com/hashicorp/golang-lru/arc/v2"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/cespare/xxhash/v2"
	"github.com/prometheus/client_golang/prometheus"
)

const stripeCount = 32

// Metrics are the counters the cache exposes.
type Metrics struct {
	PayloadHits   prometheus.Counter
	PayloadMisses prometheus.Counter
	FolderHits    prometheus.Counter
	FolderMisses  prometheus.Counter
}

func NewMetrics(reg prometheus.Registerer, namespace string) *Metrics {
	m := &Metrics{
		PayloadHits:   prometheus.NewCounter(prometheus.CounterOpts{Namespace: namespace, Subsystem: "cache", Name: "payload_hits_total"}),
		PayloadMisses: prometheus.NewCounter(prometheus.CounterOpts{Namespace: namespace, Subsystem: "cache", Name: "payload_misses_total"}),
		FolderHits:    prometheus.NewCounter(prometheus.CounterOpts{Namespace: namespace, Subsystem: "cache", Name: "folder_hits_total"}),
		FolderMisses:  prometheus.NewCounter(prometheus.CounterOpts{Namespace: namespace, Subsystem: "cache", Name: "folder_misses_total"}),
	}
	if reg != nil {
		reg.MustRegister(m.PayloadHits, m.PayloadMisses, m.FolderHits, m.FolderMisses)
	}
	return m
}

// Cache bundles the decoded-payload LRU and the folder-metadata ARC cache.
// Payload access goes through a striped-lock table keyed by block id, so
// readers of different blocks don't serialize through a single mutex;
// folder access relies on the ARC cache's own locking.
type Cache struct {
	payloads *lru.Cache[int64, []byte]
	folders  *arc.ARCCache[string, any]

	stripes [stripeCount]sync.Mutex

	metrics *Metrics
}

// Options configures cache sizes; zero values fall back to defaults
// sized for a typical desktop-scale mailbox.
type Options struct {
	PayloadCacheSize int
	FolderCacheSize  int
	Metrics          *Metrics
}

func New(opts Options) (*Cache, error) {
	payloadSize := opts.PayloadCacheSize
	if payloadSize <= 0 {
		payloadSize = 4096
	}
	folderSize := opts.FolderCacheSize
	if folderSize <= 0 {
		folderSize = 256
	}

	payloads, err := lru.New[int64, []byte](payloadSize)
	if err != nil {
		return nil, err
	}
	folders, err := arc.NewARC[string, any](folderSize)
	if err != nil {
		return nil, err
	}

	return &Cache{payloads: payloads, folders: folders, metrics: opts.Metrics}, nil
}

func (c *Cache) stripe(blockID int64) *sync.Mutex {
	h := xxhash.Sum64(encodeInt64(blockID))
	return &c.stripes[h%stripeCount]
}

func encodeInt64(v int64) []byte {
	b := make([]byte, 8)
	u := uint64(v)
	for i := 7; i >= 0; i-- {
		b[i] = byte(u)
		u >>= 8
	}
	return b
}

// GetPayload returns the decoded payload for blockID, if cached.
func (c *Cache) GetPayload(blockID int64) ([]byte, bool) {
	mu := c.stripe(blockID)
	mu.Lock()
	defer mu.Unlock()

	v, ok := c.payloads.Get(blockID)
	if c.metrics != nil {
		if ok {
			c.metrics.PayloadHits.Inc()
		} else {
			c.metrics.PayloadMisses.Inc()
		}
	}
	return v, ok
}

// PutPayload caches the decoded payload for blockID.
func (c *Cache) PutPayload(blockID int64, payload []byte) {
	mu := c.stripe(blockID)
	mu.Lock()
	defer mu.Unlock()
	c.payloads.Add(blockID, payload)
}

// InvalidatePayload removes blockID from the payload cache, used when a
// block is superseded so stale readers can't keep serving it from cache.
func (c *Cache) InvalidatePayload(blockID int64) {
	mu := c.stripe(blockID)
	mu.Lock()
	defer mu.Unlock()
	c.payloads.Remove(blockID)
}

// GetFolder returns the cached metadata value for a folder path.
func (c *Cache) GetFolder(path string) (any, bool) {
	v, ok := c.folders.Get(path)
	if c.metrics != nil {
		if ok {
			c.metrics.FolderHits.Inc()
		} else {
			c.metrics.FolderMisses.Inc()
		}
	}
	return v, ok
}

// PutFolder caches metadata for a folder path.
func (c *Cache) PutFolder(path string, v any) {
	c.folders.Add(path, v)
}

// InvalidateFolder evicts a folder path from the ARC cache, used whenever
// FolderManager appends a new envelope superseding the cached one.
func (c *Cache) InvalidateFolder(path string) {
	c.folders.Remove(path)
}

// PayloadLen reports the current entry count of the payload cache, for
// stats() reporting.
func (c *Cache) PayloadLen() int { return c.payloads.Len() }

// FolderLen reports the current entry count of the folder cache.
func (c *Cache) FolderLen() int { return c.folders.Len() }
