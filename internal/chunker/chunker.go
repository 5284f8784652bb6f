// Package chunker splits incoming payloads into content-defined
// chunks. Boundaries are chosen by a rolling fingerprint crossing a
// threshold, so a single-byte insertion shifts at most the enclosing
// chunk and identical content keeps chunking identically regardless of
// how it is framed by the writer.
package chunker

import (
	"bytes"
	"fmt"
	"io"

	boxochunker "github.com/ipfs/boxo/chunker"

	"github.com/cairnfs/cairn/pkg/hashing"
)

// Config bounds chunk sizes. Boundaries respect Min/Max; Avg steers
// the fingerprint threshold.
type Config struct {
	MinSize int
	AvgSize int
	MaxSize int
}

// DefaultConfig returns chunk bounds sized for 4 KiB block slots:
// every chunk fits one block payload.
func DefaultConfig() Config {
	return Config{
		MinSize: 512,
		AvgSize: 1024,
		MaxSize: 4000,
	}
}

func (c Config) check() error {
	if c.MinSize <= 0 || c.AvgSize <= 0 || c.MaxSize <= 0 {
		return fmt.Errorf("chunker: sizes must be positive, got {%d %d %d}", c.MinSize, c.AvgSize, c.MaxSize)
	}
	if c.MinSize > c.AvgSize || c.AvgSize > c.MaxSize {
		return fmt.Errorf("chunker: need min ≤ avg ≤ max, got {%d %d %d}", c.MinSize, c.AvgSize, c.MaxSize)
	}
	return nil
}

// Chunk is one content-defined piece of a payload together with its
// content hash.
type Chunk struct {
	Hash hashing.Hash
	Data []byte
}

// Split consumes the reader and returns its content-defined chunks in
// order.
func Split(r io.Reader, config Config) ([]Chunk, error) {
	if err := config.check(); err != nil {
		return nil, err
	}

	splitter := boxochunker.NewRabinMinMax(r,
		uint64(config.MinSize), uint64(config.AvgSize), uint64(config.MaxSize))

	var chunks []Chunk
	for {
		piece, err := splitter.NextBytes()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("chunker: next chunk: %w", err)
		}
		chunks = append(chunks, Chunk{
			Hash: hashing.Sum(piece),
			Data: piece,
		})
	}
	return chunks, nil
}

// SplitBytes chunks an in-memory payload.
func SplitBytes(data []byte, config Config) ([]Chunk, error) {
	return Split(bytes.NewReader(data), config)
}
