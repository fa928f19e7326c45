package cache

import (
	"container/list"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/smartmet/synapse/internal/logging"
	"go.uber.org/zap"
)

// BufferStore is a two-tier LRU mapping a 64-bit content hash to response
// bytes. Tier 1 is bounded in-memory storage; tier 2 spills evicted
// buffers to one file per hash under dir. Lookups probe memory then the
// filesystem; a filesystem hit is promoted back into memory.
type BufferStore struct {
	mu sync.Mutex

	memBudget int64
	fsBudget  int64
	dir       string

	mem      *list.List // front = most recently used
	memIndex map[uint64]*list.Element
	memBytes int64

	fs      *list.List
	fsIndex map[uint64]*list.Element
	fsBytes int64
}

type memEntry struct {
	hash uint64
	buf  []byte
}

type fsEntry struct {
	hash uint64
	size int64
}

// NewBufferStore creates a buffer store. When fsBudget > 0 the directory
// is created and scanned: complete files from a previous run are adopted
// into the filesystem tier, leftover temp files are removed, and files
// with other names are left in place and ignored.
func NewBufferStore(memBudget, fsBudget int64, dir string) (*BufferStore, error) {
	s := &BufferStore{
		memBudget: memBudget,
		fsBudget:  fsBudget,
		dir:       dir,
		mem:       list.New(),
		memIndex:  make(map[uint64]*list.Element),
		fs:        list.New(),
		fsIndex:   make(map[uint64]*list.Element),
	}

	if fsBudget > 0 {
		if dir == "" {
			return nil, fmt.Errorf("buffer store: filesystem budget without directory")
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("buffer store: %w", err)
		}
		if err := s.scan(); err != nil {
			return nil, err
		}
	}

	return s, nil
}

// scan adopts surviving cache files. A crash mid-write leaves only a
// temp file, which is removed here.
func (s *BufferStore) scan() error {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return fmt.Errorf("buffer store scan: %w", err)
	}

	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if strings.HasPrefix(name, tmpPrefix) {
			os.Remove(filepath.Join(s.dir, name))
			continue
		}
		hash, err := strconv.ParseUint(name, 16, 64)
		if err != nil {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		elem := s.fs.PushBack(&fsEntry{hash: hash, size: info.Size()})
		s.fsIndex[hash] = elem
		s.fsBytes += info.Size()
	}

	s.evictFS()
	return nil
}

const tmpPrefix = ".tmp-"

func (s *BufferStore) path(hash uint64) string {
	return filepath.Join(s.dir, fmt.Sprintf("%016x", hash))
}

// Get returns the bytes for a hash, probing memory then the filesystem.
func (s *BufferStore) Get(hash uint64) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if elem, ok := s.memIndex[hash]; ok {
		s.mem.MoveToFront(elem)
		return elem.Value.(*memEntry).buf, true
	}

	elem, ok := s.fsIndex[hash]
	if !ok {
		return nil, false
	}

	buf, err := os.ReadFile(s.path(hash))
	if err != nil {
		// File vanished underneath us; drop the index entry.
		s.fs.Remove(elem)
		delete(s.fsIndex, hash)
		s.fsBytes -= elem.Value.(*fsEntry).size
		return nil, false
	}

	s.fs.MoveToFront(elem)
	s.promote(hash, buf)
	return buf, true
}

// Put stores bytes in the memory tier. Identical hashes share a single
// entry, so duplicate bodies dedupe.
func (s *BufferStore) Put(hash uint64, buf []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if elem, ok := s.memIndex[hash]; ok {
		s.mem.MoveToFront(elem)
		return
	}
	s.promote(hash, buf)
}

// promote inserts into the memory tier and runs eviction.
// Caller must hold the lock.
func (s *BufferStore) promote(hash uint64, buf []byte) {
	elem := s.mem.PushFront(&memEntry{hash: hash, buf: buf})
	s.memIndex[hash] = elem
	s.memBytes += int64(len(buf))
	s.evictMem()
}

// evictMem spills least-recently-used memory entries to the filesystem
// tier until the memory budget holds. Caller must hold the lock.
func (s *BufferStore) evictMem() {
	for s.memBytes > s.memBudget && s.mem.Len() > 0 {
		elem := s.mem.Back()
		entry := elem.Value.(*memEntry)
		s.mem.Remove(elem)
		delete(s.memIndex, entry.hash)
		s.memBytes -= int64(len(entry.buf))
		s.spill(entry.hash, entry.buf)
	}
}

// spill writes a buffer into the filesystem tier. A buffer whose hash is
// already on disk is only touched. Caller must hold the lock.
func (s *BufferStore) spill(hash uint64, buf []byte) {
	if s.fsBudget <= 0 {
		return
	}

	if elem, ok := s.fsIndex[hash]; ok {
		s.fs.MoveToFront(elem)
		return
	}

	if err := s.writeFile(hash, buf); err != nil {
		logging.Warn("Cache spill failed", zap.Error(err))
		return
	}

	elem := s.fs.PushFront(&fsEntry{hash: hash, size: int64(len(buf))})
	s.fsIndex[hash] = elem
	s.fsBytes += int64(len(buf))
	s.evictFS()
}

// writeFile writes the buffer crash-safely: a rename either lands the
// complete file or nothing.
func (s *BufferStore) writeFile(hash uint64, buf []byte) error {
	tmp, err := os.CreateTemp(s.dir, tmpPrefix)
	if err != nil {
		return err
	}
	if _, err := tmp.Write(buf); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), s.path(hash))
}

// evictFS unlinks least-recently-used files until the filesystem budget
// holds. Caller must hold the lock.
func (s *BufferStore) evictFS() {
	for s.fsBytes > s.fsBudget && s.fs.Len() > 0 {
		elem := s.fs.Back()
		entry := elem.Value.(*fsEntry)
		s.fs.Remove(elem)
		delete(s.fsIndex, entry.hash)
		s.fsBytes -= entry.size
		os.Remove(s.path(entry.hash))
	}
}

// MemoryBytes returns the bytes held in the memory tier.
func (s *BufferStore) MemoryBytes() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.memBytes
}

// FilesystemBytes returns the bytes held in the filesystem tier.
func (s *BufferStore) FilesystemBytes() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fsBytes
}

// Len returns the number of distinct buffers across both tiers.
func (s *BufferStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	distinct := s.mem.Len()
	for hash := range s.fsIndex {
		if _, ok := s.memIndex[hash]; !ok {
			distinct++
		}
	}
	return distinct
}
