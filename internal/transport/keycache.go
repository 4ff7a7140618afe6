package transport

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/singleflight"
)

// keyCache holds every key fetched during one resolution, so each key URI
// is requested once. Concurrent requests for the same URI share a fetch.
type keyCache struct {
	resolver *Resolver
	group    singleflight.Group

	mutex sync.RWMutex
	keys  map[string][]byte
}

func newKeyCache(r *Resolver) *keyCache {
	return &keyCache{resolver: r, keys: make(map[string][]byte)}
}

func (k *keyCache) lookup(uri string) ([]byte, bool) {
	k.mutex.RLock()
	defer k.mutex.RUnlock()
	key, ok := k.keys[uri]
	return key, ok
}

func (k *keyCache) get(ctx context.Context, uri string) ([]byte, error) {
	if key, ok := k.lookup(uri); ok {
		return key, nil
	}

	v, err, _ := k.group.Do(uri, func() (interface{}, error) {
		if key, ok := k.lookup(uri); ok {
			return key, nil
		}

		key, err := k.resolver.fetch(ctx, uri, maxKeySize)
		if err != nil {
			return nil, fmt.Errorf("failed to fetch key: %w", err)
		}
		k.resolver.observer.ObserveKeyFetch()

		k.mutex.Lock()
		k.keys[uri] = key
		k.mutex.Unlock()
		return key, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]byte), nil
}

func (k *keyCache) fetches() int {
	k.mutex.RLock()
	defer k.mutex.RUnlock()
	return len(k.keys)
}
