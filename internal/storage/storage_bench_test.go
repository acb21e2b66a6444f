package storage

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
)

func benchDB(b *testing.B) (*DB, func()) {
	b.Helper()

	dir, err := os.MkdirTemp("", "syncnode-storage-bench-*")
	if err != nil {
		b.Fatalf("MkdirTemp: %v", err)
	}

	db, err := New(filepath.Join(dir, "db"))
	if err != nil {
		os.RemoveAll(dir)
		b.Fatalf("New: %v", err)
	}

	return db, func() {
		db.Close()
		os.RemoveAll(dir)
	}
}

func makeKey(i int) []byte {
	key := make([]byte, 32)
	binary.BigEndian.PutUint64(key, uint64(i))
	return key
}

func makeValue(size int) []byte {
	value := make([]byte, size)
	rand.Read(value)
	return value
}

// BenchmarkSet covers a spread of literal sizes (small root objects up to
// payload-heavy mutation ops).
func BenchmarkSet(b *testing.B) {
	sizes := []int{64, 512, 2048, 4096}

	for _, size := range sizes {
		b.Run(fmt.Sprintf("size=%d", size), func(b *testing.B) {
			db, cleanup := benchDB(b)
			defer cleanup()

			value := makeValue(size)

			b.ResetTimer()
			b.SetBytes(int64(size))

			for i := 0; i < b.N; i++ {
				if err := db.Set(makeKey(i), value); err != nil {
					b.Fatalf("Set failed: %v", err)
				}
			}
		})
	}
}

// BenchmarkGet reads against a pre-populated literal index, the steady-state
// shape once a node has synced a nontrivial op-DAG.
func BenchmarkGet(b *testing.B) {
	sizes := []int{64, 512, 2048, 4096}

	for _, size := range sizes {
		b.Run(fmt.Sprintf("size=%d", size), func(b *testing.B) {
			db, cleanup := benchDB(b)
			defer cleanup()

			const numEntries = 100_000
			value := makeValue(size)
			for i := 0; i < numEntries; i++ {
				if err := db.Set(makeKey(i), value); err != nil {
					b.Fatalf("Set failed: %v", err)
				}
			}

			b.ResetTimer()
			b.SetBytes(int64(size))

			for i := 0; i < b.N; i++ {
				if _, err := db.Get(makeKey(i % numEntries)); err != nil {
					b.Fatalf("Get failed: %v", err)
				}
			}
		})
	}
}

// BenchmarkSetBatch mirrors Store.Save's pattern of writing a literal plus
// its reference-index entries in one atomic batch.
func BenchmarkSetBatch(b *testing.B) {
	batchSizes := []int{1, 8, 16, 32, 64}
	valueSize := 512

	for _, batchSize := range batchSizes {
		b.Run(fmt.Sprintf("batch=%d", batchSize), func(b *testing.B) {
			db, cleanup := benchDB(b)
			defer cleanup()

			b.ResetTimer()
			b.SetBytes(int64(batchSize * valueSize))

			for i := 0; i < b.N; i++ {
				entries := make([]Entry, batchSize)
				for j := 0; j < batchSize; j++ {
					entries[j] = Entry{Key: makeKey(i*batchSize + j), Value: makeValue(valueSize)}
				}
				if err := db.SetBatch(entries); err != nil {
					b.Fatalf("SetBatch failed: %v", err)
				}
			}
		})
	}
}

// BenchmarkParallelSet simulates several peers' sync rounds landing accepted
// literals concurrently.
func BenchmarkParallelSet(b *testing.B) {
	goroutines := []int{1, 4, 8, 16, 32}
	valueSize := 512

	for _, numG := range goroutines {
		b.Run(fmt.Sprintf("goroutines=%d", numG), func(b *testing.B) {
			db, cleanup := benchDB(b)
			defer cleanup()

			value := makeValue(valueSize)
			var counter atomic.Int64

			b.ResetTimer()
			b.SetBytes(int64(valueSize))

			b.RunParallel(func(pb *testing.PB) {
				for pb.Next() {
					i := counter.Add(1)
					if err := db.Set(makeKey(int(i)), value); err != nil {
						b.Errorf("Set failed: %v", err)
					}
				}
			})
		})
	}
}

// BenchmarkParallelGet simulates concurrent HandleRequestObjs responders
// reading literals to serve peers.
func BenchmarkParallelGet(b *testing.B) {
	goroutines := []int{1, 4, 8, 16, 32}
	valueSize := 512

	for _, numG := range goroutines {
		b.Run(fmt.Sprintf("goroutines=%d", numG), func(b *testing.B) {
			db, cleanup := benchDB(b)
			defer cleanup()

			const numEntries = 100_000
			value := makeValue(valueSize)
			for i := 0; i < numEntries; i++ {
				if err := db.Set(makeKey(i), value); err != nil {
					b.Fatalf("Set failed: %v", err)
				}
			}

			var counter atomic.Int64

			b.ResetTimer()
			b.SetBytes(int64(valueSize))

			b.RunParallel(func(pb *testing.PB) {
				for pb.Next() {
					i := counter.Add(1)
					if _, err := db.Get(makeKey(int(i) % numEntries)); err != nil {
						b.Errorf("Get failed: %v", err)
					}
				}
			})
		})
	}
}

// BenchmarkMixedWorkload approximates a node's steady-state mix: mostly
// HandleRequestObjs/HandleRequestState reads, occasional accepted-literal
// writes from a sync round.
func BenchmarkMixedWorkload(b *testing.B) {
	db, cleanup := benchDB(b)
	defer cleanup()

	const numEntries = 100_000
	const valueSize = 512

	value := makeValue(valueSize)
	for i := 0; i < numEntries; i++ {
		if err := db.Set(makeKey(i), value); err != nil {
			b.Fatalf("Set failed: %v", err)
		}
	}

	var readCounter, writeCounter atomic.Int64

	b.ResetTimer()
	b.SetBytes(int64(valueSize))

	b.RunParallel(func(pb *testing.PB) {
		localOp := 0
		for pb.Next() {
			localOp++
			if localOp%5 == 0 {
				i := writeCounter.Add(1)
				if err := db.Set(makeKey(int(i)%numEntries), value); err != nil {
					b.Errorf("Set failed: %v", err)
				}
			} else {
				i := readCounter.Add(1)
				if _, err := db.Get(makeKey(int(i) % numEntries)); err != nil {
					b.Errorf("Get failed: %v", err)
				}
			}
		}
	})
}

// BenchmarkSyncThroughput simulates a node applying a burst of accepted
// literals from several peers' send-objs responses while still serving
// request-objs reads for other mutable objects.
func BenchmarkSyncThroughput(b *testing.B) {
	db, cleanup := benchDB(b)
	defer cleanup()

	const numEntries = 100_000
	const valueSize = 512
	const batchSize = 8

	value := makeValue(valueSize)
	for i := 0; i < numEntries; i++ {
		if err := db.Set(makeKey(i), value); err != nil {
			b.Fatalf("Set failed: %v", err)
		}
	}

	var batchCounter, readCounter atomic.Int64

	b.ResetTimer()
	b.SetBytes(int64(valueSize * batchSize))

	var wg sync.WaitGroup

	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				i := batchCounter.Add(1)
				if int(i) > b.N/batchSize {
					return
				}
				entries := make([]Entry, batchSize)
				for j := 0; j < batchSize; j++ {
					entries[j] = Entry{Key: makeKey((int(i)*batchSize + j) % numEntries), Value: value}
				}
				db.SetBatch(entries)
			}
		}()
	}

	for r := 0; r < 16; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				i := readCounter.Add(1)
				if int(i) > b.N*4 {
					return
				}
				db.Get(makeKey(int(i) % numEntries))
			}
		}()
	}

	wg.Wait()
}

// BenchmarkBurstWrite simulates the write spike after a gossip round detects
// a stale peer and a full terminal-ops chain lands in one sync round.
func BenchmarkBurstWrite(b *testing.B) {
	db, cleanup := benchDB(b)
	defer cleanup()

	const burstSize = 1000
	const valueSize = 512

	b.ResetTimer()
	b.SetBytes(int64(burstSize * valueSize))

	for i := 0; i < b.N; i++ {
		entries := make([]Entry, burstSize)
		for j := 0; j < burstSize; j++ {
			entries[j] = Entry{Key: makeKey(i*burstSize + j), Value: makeValue(valueSize)}
		}
		if err := db.SetBatch(entries); err != nil {
			b.Fatalf("SetBatch failed: %v", err)
		}
	}
}
