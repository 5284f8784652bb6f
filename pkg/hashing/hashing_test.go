package hashing

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSumIsDeterministic(t *testing.T) {
	a := Sum([]byte("hello"))
	b := Sum([]byte("hello"))
	assert.Equal(t, a, b)
	assert.False(t, a.IsZero())
}

func TestSumDiffersPerInput(t *testing.T) {
	a := Sum([]byte("hello"))
	b := Sum([]byte("hellp"))
	assert.NotEqual(t, a, b)
}

func TestDomainSeparation(t *testing.T) {
	data := []byte("same bytes")
	assert.NotEqual(t, Sum(data), AuditSum(data))

	var l, r Hash
	copy(l[:], data)
	assert.NotEqual(t, Interior(l, r), Interior(r, l))
}

func TestSentinelIsStable(t *testing.T) {
	assert.Equal(t, Sentinel(), Sentinel())
	assert.NotEqual(t, Sentinel(), Sum(nil))
}

func TestHexRoundTrip(t *testing.T) {
	h := Sum([]byte("round trip"))
	parsed, err := FromHex(h.String())
	require.NoError(t, err)
	assert.Equal(t, h, parsed)
}

func TestFromHexRejectsBadInput(t *testing.T) {
	_, err := FromHex("zz")
	assert.Error(t, err)

	_, err = FromHex("abcd")
	assert.Error(t, err)
}

func TestTextMarshalRoundTrip(t *testing.T) {
	h := Sum([]byte("marshal"))
	text, err := h.MarshalText()
	require.NoError(t, err)

	var back Hash
	require.NoError(t, back.UnmarshalText(text))
	assert.Equal(t, h, back)
}
