// Package store remembers which output files a run has already produced.
package store

import (
	"fmt"
	"sync"

	"github.com/bits-and-blooms/bloom/v3"
	lru "github.com/hashicorp/golang-lru/v2"
)

// DedupStore is a bounded, thread-safe set of keys. The Bloom filter answers
// most negative lookups; the LRU holds the exact keys and evicts the oldest
// once capacity is reached.
type DedupStore struct {
	bloom     *bloom.BloomFilter
	keys      *lru.Cache[string, struct{}]
	mutex     sync.RWMutex
	evictions int
}

// NewDedupStore creates a store holding at most maxKeys keys.
func NewDedupStore(maxKeys int, bloomFalsePositiveRate float64) (*DedupStore, error) {
	if maxKeys <= 0 {
		return nil, fmt.Errorf("dedup capacity must be positive, got %d", maxKeys)
	}
	if bloomFalsePositiveRate <= 0 || bloomFalsePositiveRate >= 1 {
		return nil, fmt.Errorf("bloom false positive rate must be in (0, 1), got %v", bloomFalsePositiveRate)
	}

	keys, err := lru.New[string, struct{}](maxKeys)
	if err != nil {
		return nil, fmt.Errorf("failed to create dedup cache: %w", err)
	}

	return &DedupStore{
		bloom: bloom.NewWithEstimates(uint(maxKeys), bloomFalsePositiveRate),
		keys:  keys,
	}, nil
}

// Has reports whether key was marked and not evicted since.
func (ds *DedupStore) Has(key string) bool {
	ds.mutex.RLock()
	defer ds.mutex.RUnlock()
	return ds.has(key)
}

// MarkSeen records key and reports whether it had been recorded before.
func (ds *DedupStore) MarkSeen(key string) bool {
	ds.mutex.Lock()
	defer ds.mutex.Unlock()

	if ds.has(key) {
		return true
	}
	ds.bloom.AddString(key)
	if ds.keys.Add(key, struct{}{}) {
		ds.evictions++
	}
	return false
}

// Remove forgets key. The Bloom filter keeps its bits, so a later Has pays
// for one exact lookup.
func (ds *DedupStore) Remove(key string) {
	ds.mutex.Lock()
	defer ds.mutex.Unlock()
	ds.keys.Remove(key)
}

// Size returns the number of keys currently held.
func (ds *DedupStore) Size() int {
	ds.mutex.RLock()
	defer ds.mutex.RUnlock()
	return ds.keys.Len()
}

// Evictions returns how many keys were dropped for capacity.
func (ds *DedupStore) Evictions() int {
	ds.mutex.RLock()
	defer ds.mutex.RUnlock()
	return ds.evictions
}

func (ds *DedupStore) has(key string) bool {
	if !ds.bloom.TestString(key) {
		return false
	}
	return ds.keys.Contains(key)
}
