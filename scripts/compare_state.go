//go:build ignore

// compare_state opens two nodes' on-disk literal stores directly and reports
// any literal whose hash appears in one but not the other, or whose stored
// bytes differ — a divergence that ordinary sync rounds should never produce.
// Useful when two nodes disagree after a sync and client.GetTerminalOps
// alone doesn't say why.
package main

import (
	"bytes"
	"fmt"
	"os"

	"github.com/opgraph/syncnode/internal/storage"
)

const literalPrefix = "l:"

func main() {
	if len(os.Args) != 3 {
		fmt.Fprintf(os.Stderr, "Usage: %s <node1_db_path> <node2_db_path>\n", os.Args[0])
		os.Exit(1)
	}

	db1Path, db2Path := os.Args[1], os.Args[2]

	db1, err := storage.New(db1Path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open %s: %v\n", db1Path, err)
		os.Exit(1)
	}
	defer db1.Close()

	db2, err := storage.New(db2Path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open %s: %v\n", db2Path, err)
		os.Exit(1)
	}
	defer db2.Close()

	literals1 := collectLiterals(db1)
	literals2 := collectLiterals(db2)

	fmt.Printf("%s: %d literals\n", db1Path, len(literals1))
	fmt.Printf("%s: %d literals\n", db2Path, len(literals2))

	missing1, missing2, different := compare(literals1, literals2)
	if len(missing1) == 0 && len(missing2) == 0 && len(different) == 0 {
		fmt.Println("\nstores are identical")
		os.Exit(0)
	}

	fmt.Println("\nstores differ:")
	if len(missing1) > 0 {
		fmt.Printf("  in %s but not %s: %d\n", db1Path, db2Path, len(missing1))
		for _, key := range missing1 {
			fmt.Printf("      %s\n", key)
		}
	}
	if len(missing2) > 0 {
		fmt.Printf("  in %s but not %s: %d\n", db2Path, db1Path, len(missing2))
		for _, key := range missing2 {
			fmt.Printf("      %s\n", key)
		}
	}
	if len(different) > 0 {
		fmt.Printf("  present in both with different bytes: %d\n", len(different))
		for _, key := range different {
			fmt.Printf("      %s\n", key)
		}
	}
	os.Exit(1)
}

// collectLiterals reads every "l:<hash>" entry, keyed on the hash portion so
// two stores can be compared without decoding the literal JSON.
func collectLiterals(db *storage.DB) map[string][]byte {
	literals := make(map[string][]byte)
	db.IteratePrefix([]byte(literalPrefix), func(key, value []byte) error {
		hash := string(key[len(literalPrefix):])
		valueCopy := make([]byte, len(value))
		copy(valueCopy, value)
		literals[hash] = valueCopy
		return nil
	})
	return literals
}

func compare(a, b map[string][]byte) (missingFromB, missingFromA, different []string) {
	for hash := range a {
		if _, ok := b[hash]; !ok {
			missingFromB = append(missingFromB, hash)
		}
	}
	for hash := range b {
		if _, ok := a[hash]; !ok {
			missingFromA = append(missingFromA, hash)
		}
	}
	for hash, va := range a {
		if vb, ok := b[hash]; ok && !bytes.Equal(va, vb) {
			different = append(different, hash)
		}
	}
	return
}
