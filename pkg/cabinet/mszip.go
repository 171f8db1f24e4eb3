package cabinet

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/flate"
)

// windowSize is the deflate history carried from one MSZIP block to the next.
const windowSize = 32 * 1024

var errMSZIPSignature = errors.New("missing MSZIP block signature")

type blockDecoder interface {
	decode(payload []byte, uncompressedSize int) ([]byte, error)
}

type storedDecoder struct{}

func (storedDecoder) decode(payload []byte, uncompressedSize int) ([]byte, error) {
	if len(payload) != uncompressedSize {
		return nil, fmt.Errorf("stored block is %d bytes, header says %d", len(payload), uncompressedSize)
	}
	return payload, nil
}

// mszipDecoder inflates MSZIP blocks. Each block is "CK" followed by a
// deflate stream that may reference the previous block's output.
type mszipDecoder struct {
	window []byte
}

func (d *mszipDecoder) decode(payload []byte, uncompressedSize int) ([]byte, error) {
	if len(payload) < 2 || payload[0] != 'C' || payload[1] != 'K' {
		return nil, errMSZIPSignature
	}
	fr := flate.NewReaderDict(bytes.NewReader(payload[2:]), d.window)
	defer fr.Close()

	out := make([]byte, uncompressedSize)
	if _, err := io.ReadFull(fr, out); err != nil {
		return nil, fmt.Errorf("inflating: %w", err)
	}
	d.remember(out)
	return out, nil
}

func (d *mszipDecoder) remember(b []byte) {
	if len(b) >= windowSize {
		d.window = append(d.window[:0], b[len(b)-windowSize:]...)
		return
	}
	d.window = append(d.window, b...)
	if excess := len(d.window) - windowSize; excess > 0 {
		d.window = append(d.window[:0], d.window[excess:]...)
	}
}
