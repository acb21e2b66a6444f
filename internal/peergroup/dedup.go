package peergroup

import (
	"sync"
	"time"

	"github.com/zeebo/blake3"
)

const (
	defaultDedupTTL = 5 * time.Second
	cleanupInterval = 1 * time.Second
)

// Dedup tracks recently-seen message bytes so a gossiped message that
// reaches a node by more than one path is only dispatched once.
type Dedup struct {
	seen map[[32]byte]int64
	mu   sync.RWMutex
	ttl  int64
	stop chan struct{}
	wg   sync.WaitGroup
}

// NewDedup creates a new deduplication tracker with its cleanup goroutine running.
func NewDedup() *Dedup {
	d := &Dedup{
		seen: make(map[[32]byte]int64),
		ttl:  int64(defaultDedupTTL),
		stop: make(chan struct{}),
	}
	d.startCleanup()
	return d
}

// Check reports whether data is new (not seen within the TTL window),
// recording it for future checks if so.
func (d *Dedup) Check(data []byte) bool {
	hash := blake3.Sum256(data)
	now := time.Now().UnixNano()

	d.mu.RLock()
	ts, exists := d.seen[hash]
	d.mu.RUnlock()

	if exists && now-ts < d.ttl {
		return false
	}

	d.mu.Lock()
	ts, exists = d.seen[hash]
	if exists && now-ts < d.ttl {
		d.mu.Unlock()
		return false
	}
	d.seen[hash] = now
	d.mu.Unlock()

	return true
}

// Close stops the cleanup goroutine.
func (d *Dedup) Close() {
	close(d.stop)
	d.wg.Wait()
}

func (d *Dedup) startCleanup() {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()

		ticker := time.NewTicker(cleanupInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				d.cleanup()
			case <-d.stop:
				return
			}
		}
	}()
}

func (d *Dedup) cleanup() {
	now := time.Now().UnixNano()
	d.mu.Lock()
	for hash, ts := range d.seen {
		if now-ts >= d.ttl {
			delete(d.seen, hash)
		}
	}
	d.mu.Unlock()
}
