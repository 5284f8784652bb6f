package device

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemDevRoundTrip(t *testing.T) {
	md := NewMemDev(8, 512)
	require.Equal(t, uint64(8), md.Sectors())
	require.Equal(t, 512, md.SectorSize())

	data := bytes.Repeat([]byte{0xab}, 512)
	require.NoError(t, md.WriteSector(3, data))

	buf := make([]byte, 512)
	require.NoError(t, md.ReadSector(3, buf))
	assert.Equal(t, data, buf)

	// untouched sector stays zero
	require.NoError(t, md.ReadSector(4, buf))
	assert.Equal(t, make([]byte, 512), buf)
}

func TestMemDevBounds(t *testing.T) {
	md := NewMemDev(2, 512)

	assert.Error(t, md.ReadSector(2, make([]byte, 512)))
	assert.Error(t, md.WriteSector(0, make([]byte, 100)))
}

func TestMemDevCorrupt(t *testing.T) {
	md := NewMemDev(2, 512)
	data := bytes.Repeat([]byte{0x11}, 512)
	require.NoError(t, md.WriteSector(1, data))

	md.Corrupt(1, 10, 0xff)

	buf := make([]byte, 512)
	require.NoError(t, md.ReadSector(1, buf))
	assert.NotEqual(t, data, buf)
	assert.Equal(t, byte(0x11^0xff), buf[10])
}

func TestFileDevRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vol.img")
	fd, err := NewFileDev(path, 16, 512)
	require.NoError(t, err)
	defer fd.Close()

	data := bytes.Repeat([]byte{0x5c}, 512)
	require.NoError(t, fd.WriteSector(7, data))
	require.NoError(t, fd.Sync())

	buf := make([]byte, 512)
	require.NoError(t, fd.ReadSector(7, buf))
	assert.Equal(t, data, buf)
}

func TestFileDevReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vol.img")
	fd, err := NewFileDev(path, 4, 512)
	require.NoError(t, err)

	data := bytes.Repeat([]byte{0x42}, 512)
	require.NoError(t, fd.WriteSector(2, data))
	require.NoError(t, fd.Close())

	fd2, err := NewFileDev(path, 4, 512)
	require.NoError(t, err)
	defer fd2.Close()

	buf := make([]byte, 512)
	require.NoError(t, fd2.ReadSector(2, buf))
	assert.Equal(t, data, buf)
}

func TestFileDevRejectsGeometryMismatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vol.img")
	fd, err := NewFileDev(path, 4, 512)
	require.NoError(t, err)
	require.NoError(t, fd.Close())

	_, err = NewFileDev(path, 8, 512)
	assert.Error(t, err)
}
