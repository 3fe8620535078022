package blobstore

import (
	"bytes"
	"io"
	"sync"

	"github.com/gezibash/drop/internal/mempool"
)

// memoryArena holds in-memory blobs keyed by handle. Buffers are immutable
// once stored, so readers share them without copying.
type memoryArena struct {
	pool  *mempool.Pool
	mu    sync.RWMutex
	blobs map[string][]byte
	bytes int64
}

func newMemoryArena(pool *mempool.Pool) *memoryArena {
	return &memoryArena{pool: pool, blobs: make(map[string][]byte)}
}

// put takes ownership of data and the pool bytes held by res.
func (a *memoryArena) put(handle string, data []byte, res *mempool.Reservation) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if old, ok := a.blobs[handle]; ok {
		a.pool.Release(int64(len(old)))
		a.bytes -= int64(len(old))
	}
	a.blobs[handle] = data
	a.bytes += int64(len(data))
	res.Keep()
}

func (a *memoryArena) open(handle string) (io.ReadCloser, int64, error) {
	a.mu.RLock()
	data, ok := a.blobs[handle]
	a.mu.RUnlock()
	if !ok {
		return nil, 0, ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(data)), int64(len(data)), nil
}

func (a *memoryArena) remove(handle string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	data, ok := a.blobs[handle]
	if !ok {
		return false
	}
	delete(a.blobs, handle)
	a.bytes -= int64(len(data))
	a.pool.Release(int64(len(data)))
	return true
}

func (a *memoryArena) stats() (count int, size int64) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.blobs), a.bytes
}

// clear drops every blob and returns its bytes to the pool.
func (a *memoryArena) clear() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.pool.Release(a.bytes)
	a.blobs = make(map[string][]byte)
	a.bytes = 0
}
