package blobstore

import (
	"container/list"
	"context"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/singleflight"
)

// CachingStore wraps a Store and keeps recently read blobs in memory.
// Artifacts are immutable once written, so cached reads stay valid until a
// Put or Delete of the same name invalidates them. Concurrent misses for
// the same blob are coalesced into a single backend read.
type CachingStore struct {
	inner    Store
	capacity int64
	group    singleflight.Group

	mu        sync.Mutex
	size      int64
	items     map[string]*list.Element
	evictList *list.List

	hits   atomic.Int64
	misses atomic.Int64
}

var _ Store = (*CachingStore)(nil)

type cacheEntry struct {
	name string
	data []byte
}

// NewCachingStore creates a read-through cache over inner holding at most
// capacity bytes of blob data. capacity defaults to 64MB if <= 0.
func NewCachingStore(inner Store, capacity int64) *CachingStore {
	if capacity <= 0 {
		capacity = 64 << 20
	}
	return &CachingStore{
		inner:     inner,
		capacity:  capacity,
		items:     make(map[string]*list.Element),
		evictList: list.New(),
	}
}

// Put writes through to the backend and drops any cached copy.
func (s *CachingStore) Put(ctx context.Context, name string, data []byte) error {
	s.invalidate(name)
	return s.inner.Put(ctx, name, data)
}

// Get returns the cached blob or reads it through from the backend.
func (s *CachingStore) Get(ctx context.Context, name string) ([]byte, error) {
	if data, ok := s.lookup(name); ok {
		return data, nil
	}

	v, err, _ := s.group.Do(name, func() (any, error) {
		// A racing Get may have filled the entry while this call waited on
		// the flight group.
		if data, ok := s.peek(name); ok {
			return data, nil
		}
		data, err := s.inner.Get(ctx, name)
		if err != nil {
			return nil, err
		}
		s.store(name, data)
		return data, nil
	})
	if err != nil {
		return nil, err
	}
	data := v.([]byte)
	return append([]byte(nil), data...), nil
}

// Delete removes the blob from the backend and the cache.
func (s *CachingStore) Delete(ctx context.Context, name string) error {
	s.invalidate(name)
	return s.inner.Delete(ctx, name)
}

// Exists asks the backend, since a cache miss proves nothing.
func (s *CachingStore) Exists(ctx context.Context, name string) (bool, error) {
	if _, ok := s.peek(name); ok {
		return true, nil
	}
	return s.inner.Exists(ctx, name)
}

// List passes through to the backend.
func (s *CachingStore) List(ctx context.Context, prefix string) ([]string, error) {
	return s.inner.List(ctx, prefix)
}

// Stats returns the cumulative hit and miss counts observed by Get.
func (s *CachingStore) Stats() (hits, misses int64) {
	return s.hits.Load(), s.misses.Load()
}

func (s *CachingStore) lookup(name string) ([]byte, bool) {
	data, ok := s.peek(name)
	if ok {
		s.hits.Add(1)
	} else {
		s.misses.Add(1)
	}
	return data, ok
}

// peek fetches a cached copy without touching the hit counters.
func (s *CachingStore) peek(name string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if ent, ok := s.items[name]; ok {
		s.evictList.MoveToFront(ent)
		data := ent.Value.(*cacheEntry).data
		return append([]byte(nil), data...), true
	}
	return nil, false
}

func (s *CachingStore) store(name string, data []byte) {
	size := int64(len(data))
	if size > s.capacity {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if ent, ok := s.items[name]; ok {
		s.size += size - int64(len(ent.Value.(*cacheEntry).data))
		ent.Value.(*cacheEntry).data = append([]byte(nil), data...)
		s.evictList.MoveToFront(ent)
	} else {
		ent := s.evictList.PushFront(&cacheEntry{name: name, data: append([]byte(nil), data...)})
		s.items[name] = ent
		s.size += size
	}

	for s.size > s.capacity {
		oldest := s.evictList.Back()
		if oldest == nil {
			break
		}
		s.removeElement(oldest)
	}
}

func (s *CachingStore) invalidate(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if ent, ok := s.items[name]; ok {
		s.removeElement(ent)
	}
}

// removeElement drops an entry. Callers hold s.mu.
func (s *CachingStore) removeElement(ent *list.Element) {
	e := ent.Value.(*cacheEntry)
	delete(s.items, e.name)
	s.evictList.Remove(ent)
	s.size -= int64(len(e.data))
}
