package main

import (
	"fmt"
	"os"

	"github.com/cairnfs/cairn/internal/chunker"
)

// Splits a file the way WriteBlob would and prints one line per chunk,
// which makes it easy to see how far an edit shifts the boundaries.
func main() {
	if len(os.Args) < 2 {
		fmt.Println("Please provide the file path")
		os.Exit(1)
	}

	file, err := os.Open(os.Args[1])
	if err != nil {
		panic(err)
	}
	defer file.Close()

	chunks, err := chunker.Split(file, chunker.DefaultConfig())
	if err != nil {
		panic(err)
	}

	total := 0
	for i, c := range chunks {
		fmt.Printf("chunk %4d  %5d bytes  %x\n", i, len(c.Data), c.Hash[:8])
		total += len(c.Data)
	}
	fmt.Printf("%d chunks, %d bytes total\n", len(chunks), total)
}
