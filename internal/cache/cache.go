package cache

import (
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	lru "github.com/hashicorp/golang-lru/v2"
)

// Encoding identifies which cache pool a response belongs to.
type Encoding string

const (
	EncodingGzip     Encoding = "gzip"
	EncodingIdentity Encoding = "identity"
)

// Metadata is the per-ETag side record for a cached response. BufferHash
// points into the pool's buffer store.
type Metadata struct {
	BufferHash   uint64
	ETag         string
	MimeType     string
	CacheControl string
	Expires      string
	Vary         string
	AllowOrigin  string // Access-Control-Allow-Origin
	Encoding     Encoding
}

// metadataBytesPerEntry sizes the metadata LRU relative to the byte
// budgets of the buffer store.
const metadataBytesPerEntry = 8192

// ResponseCache is one pool of the two-pool response cache: an LRU
// metadata side-table keyed by ETag over a two-tier buffer store keyed
// by content hash. Safe for concurrent use.
type ResponseCache struct {
	meta    *lru.Cache[string, Metadata]
	buffers *BufferStore

	maxEntries int
	started    time.Time
	hits       atomic.Int64
	misses     atomic.Int64
	inserts    atomic.Int64
}

// New creates a response cache pool with the given byte budgets. dir is
// required when fsBytes > 0.
func New(memBytes, fsBytes int64, dir string) (*ResponseCache, error) {
	entries := int((memBytes + fsBytes) / metadataBytesPerEntry)
	if entries < 16 {
		entries = 16
	}

	meta, err := lru.New[string, Metadata](entries)
	if err != nil {
		return nil, err
	}

	buffers, err := NewBufferStore(memBytes, fsBytes, dir)
	if err != nil {
		return nil, err
	}

	return &ResponseCache{
		meta:       meta,
		buffers:    buffers,
		maxEntries: entries,
		started:    time.Now(),
	}, nil
}

// Hash returns the 64-bit content hash used to address a body.
func Hash(body []byte) uint64 {
	return xxhash.Sum64(body)
}

// Lookup returns the cached bytes and metadata for an ETag. A metadata
// hit whose buffer has been evicted independently counts as a miss; the
// stale metadata ages out of the LRU on its own.
func (c *ResponseCache) Lookup(etag string) ([]byte, Metadata, bool) {
	meta, ok := c.meta.Get(etag)
	if !ok {
		c.misses.Add(1)
		return nil, Metadata{}, false
	}

	buf, ok := c.buffers.Get(meta.BufferHash)
	if !ok {
		c.misses.Add(1)
		return nil, Metadata{}, false
	}

	c.hits.Add(1)
	return buf, meta, true
}

// Insert stores a response body under its ETag. The hash is computed
// here; inserting an existing ETag replaces its metadata. Identical
// bodies under different ETags share one buffer.
func (c *ResponseCache) Insert(etag string, meta Metadata, body []byte) {
	meta.ETag = etag
	meta.BufferHash = Hash(body)

	c.meta.Add(etag, meta)
	c.buffers.Put(meta.BufferHash, body)
	c.inserts.Add(1)
}

// Stats is a point-in-time view of one pool.
type Stats struct {
	MaxSize          int     `json:"maxsize"`
	Size             int     `json:"size"`
	Hits             int64   `json:"hits"`
	Misses           int64   `json:"misses"`
	Inserts          int64   `json:"inserts"`
	HitRate          float64 `json:"hit_rate"`
	HitsPerMinute    float64 `json:"hits_per_minute"`
	InsertsPerMinute float64 `json:"inserts_per_minute"`
	MemoryBytes      int64   `json:"memory_bytes"`
	FilesystemBytes  int64   `json:"filesystem_bytes"`
}

// Stats returns counters and derived rates since the pool was created.
func (c *ResponseCache) Stats() Stats {
	hits := c.hits.Load()
	misses := c.misses.Load()
	inserts := c.inserts.Load()

	var rate float64
	if total := hits + misses; total > 0 {
		rate = float64(hits) / float64(total)
	}

	minutes := time.Since(c.started).Minutes()
	var hitsPerMin, insertsPerMin float64
	if minutes > 0 {
		hitsPerMin = float64(hits) / minutes
		insertsPerMin = float64(inserts) / minutes
	}

	return Stats{
		MaxSize:          c.maxEntries,
		Size:             c.meta.Len(),
		Hits:             hits,
		Misses:           misses,
		Inserts:          inserts,
		HitRate:          rate,
		HitsPerMinute:    hitsPerMin,
		InsertsPerMinute: insertsPerMin,
		MemoryBytes:      c.buffers.MemoryBytes(),
		FilesystemBytes:  c.buffers.FilesystemBytes(),
	}
}
