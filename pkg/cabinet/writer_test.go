package cabinet

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/klauspost/compress/flate"
	"github.com/stretchr/testify/require"
)

type cabOptions struct {
	compression   Compression
	headerReserve int
	folderReserve int
	dataReserve   int
	blockSize     int
	lzxBlocks     []lzxBlock
	e8Size        int32
}

type cabOption func(*cabOptions)

func withCompression(c Compression) cabOption {
	return func(o *cabOptions) { o.compression = c }
}

func withReserve(header, folder, data int) cabOption {
	return func(o *cabOptions) {
		o.headerReserve = header
		o.folderReserve = folder
		o.dataReserve = data
	}
}

func withBlockSize(n int) cabOption {
	return func(o *cabOptions) { o.blockSize = n }
}

func withLZX(blocks []lzxBlock, e8Size int32) cabOption {
	return func(o *cabOptions) {
		o.compression = CompressionLZX
		o.lzxBlocks = blocks
		o.e8Size = e8Size
	}
}

// buildCabinet writes a single-folder, single-file cabinet holding data.
func buildCabinet(t testing.TB, name string, data []byte, opts ...cabOption) []byte {
	t.Helper()
	o := cabOptions{compression: CompressionMSZIP, blockSize: windowSize}
	for _, opt := range opts {
		opt(&o)
	}
	reserve := o.headerReserve > 0 || o.folderReserve > 0 || o.dataReserve > 0

	var blocks [][]byte
	var sizes []int
	var window []byte
	typeCompress := uint16(o.compression)
	if o.compression == CompressionLZX {
		if o.lzxBlocks == nil {
			o.lzxBlocks = defaultLZXBlocks(len(data))
		}
		blocks, sizes = encodeLZX(t, data, o.lzxBlocks, o.e8Size)
		typeCompress |= testLZXWindowBits << 8
	}
	for start := 0; start < len(data) && o.compression != CompressionLZX; start += o.blockSize {
		end := min(start+o.blockSize, len(data))
		chunk := data[start:end]
		switch o.compression {
		case CompressionMSZIP:
			var buf bytes.Buffer
			buf.WriteString("CK")
			w, err := flate.NewWriterDict(&buf, flate.BestCompression, window)
			require.NoError(t, err)
			_, err = w.Write(chunk)
			require.NoError(t, err)
			require.NoError(t, w.Close())
			blocks = append(blocks, buf.Bytes())
			window = append(window, chunk...)
			if len(window) > windowSize {
				window = window[len(window)-windowSize:]
			}
		default:
			blocks = append(blocks, chunk)
		}
		sizes = append(sizes, len(chunk))
	}

	foldersOffset := headerSize
	if reserve {
		foldersOffset += 4 + o.headerReserve
	}
	filesOffset := foldersOffset + folderSize + o.folderReserve
	dataOffset := filesOffset + fileSize + len(name) + 1

	var out bytes.Buffer
	le := func(v any) { require.NoError(t, binary.Write(&out, binary.LittleEndian, v)) }

	h := header{
		FilesOffset:  uint32(filesOffset),
		VersionMinor: 3,
		VersionMajor: 1,
		Folders:      1,
		Files:        1,
	}
	copy(h.Signature[:], signature)
	if reserve {
		h.Flags |= flagReservePresent
	}
	le(h)
	if reserve {
		le(uint16(o.headerReserve))
		le(uint8(o.folderReserve))
		le(uint8(o.dataReserve))
		out.Write(make([]byte, o.headerReserve))
	}
	le(folder{DataOffset: uint32(dataOffset), DataBlocks: uint16(len(blocks)), Compression: typeCompress})
	out.Write(make([]byte, o.folderReserve))
	le(file{Size: uint32(len(data))})
	out.WriteString(name)
	out.WriteByte(0)
	require.Equal(t, dataOffset, out.Len())

	for i, b := range blocks {
		le(dataBlock{CompressedSize: uint16(len(b)), UncompressedSize: uint16(sizes[i])})
		out.Write(make([]byte, o.dataReserve))
		out.Write(b)
	}
	res := out.Bytes()
	binary.LittleEndian.PutUint32(res[8:], uint32(len(res)))
	return res
}
