package chunker

import (
	"bytes"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func randomBytes(t *testing.T, n int, seed int64) []byte {
	t.Helper()
	rng := rand.New(rand.NewSource(seed))
	b := make([]byte, n)
	_, err := rng.Read(b)
	require.NoError(t, err)
	return b
}

func TestSplitRespectsBounds(t *testing.T) {
	config := DefaultConfig()
	data := randomBytes(t, 64*1024, 1)

	chunks, err := SplitBytes(data, config)
	require.NoError(t, err)
	require.NotEmpty(t, chunks)

	for i, c := range chunks {
		assert.LessOrEqual(t, len(c.Data), config.MaxSize, "chunk %d too large", i)
		if i < len(chunks)-1 {
			assert.GreaterOrEqual(t, len(c.Data), config.MinSize, "chunk %d too small", i)
		}
	}
}

func TestSplitReassembles(t *testing.T) {
	data := randomBytes(t, 32*1024, 2)

	chunks, err := SplitBytes(data, DefaultConfig())
	require.NoError(t, err)

	var joined bytes.Buffer
	for _, c := range chunks {
		joined.Write(c.Data)
	}
	assert.Equal(t, data, joined.Bytes())
}

func TestSplitIsDeterministic(t *testing.T) {
	data := randomBytes(t, 32*1024, 3)

	a, err := SplitBytes(data, DefaultConfig())
	require.NoError(t, err)
	b, err := SplitBytes(data, DefaultConfig())
	require.NoError(t, err)

	require.Equal(t, len(a), len(b))
	for i := range a {
		assert.Equal(t, a[i].Hash, b[i].Hash)
	}
}

func TestSingleByteInsertionShiftsFewChunks(t *testing.T) {
	data := randomBytes(t, 128*1024, 4)

	before, err := SplitBytes(data, DefaultConfig())
	require.NoError(t, err)

	// insert one byte in the middle
	edited := make([]byte, 0, len(data)+1)
	edited = append(edited, data[:len(data)/2]...)
	edited = append(edited, 0x7f)
	edited = append(edited, data[len(data)/2:]...)

	after, err := SplitBytes(edited, DefaultConfig())
	require.NoError(t, err)

	beforeSet := make(map[[32]byte]bool, len(before))
	for _, c := range before {
		beforeSet[c.Hash] = true
	}
	shared := 0
	for _, c := range after {
		if beforeSet[c.Hash] {
			shared++
		}
	}

	// most chunks must survive the edit untouched
	assert.Greater(t, shared, len(after)/2,
		"only %d of %d chunks survived a one-byte insertion", shared, len(after))
}

func TestConfigValidation(t *testing.T) {
	_, err := SplitBytes([]byte("x"), Config{MinSize: 0, AvgSize: 10, MaxSize: 20})
	assert.Error(t, err)

	_, err = SplitBytes([]byte("x"), Config{MinSize: 30, AvgSize: 10, MaxSize: 20})
	assert.Error(t, err)
}

func TestEmptyInput(t *testing.T) {
	chunks, err := SplitBytes(nil, DefaultConfig())
	require.NoError(t, err)
	assert.Empty(t, chunks)
}
