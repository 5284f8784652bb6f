package cairn

import (
	"bytes"

	"github.com/ulikunitz/xz/lzma"
)

// compressPayload returns the lzma form of payload, or payload itself
// when compression does not shrink it.
func compressPayload(payload []byte) ([]byte, bool, error) {
	var buf bytes.Buffer
	w, err := lzma.NewWriter(&buf)
	if err != nil {
		return nil, false, err
	}
	if _, err := w.Write(payload); err != nil {
		return nil, false, err
	}
	if err := w.Close(); err != nil {
		return nil, false, err
	}
	if buf.Len() >= len(payload) {
		return payload, false, nil
	}
	return buf.Bytes(), true, nil
}

func decompressPayload(data []byte) ([]byte, error) {
	r, err := lzma.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(r); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
