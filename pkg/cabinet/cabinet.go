// Package cabinet expands single-file Microsoft cabinet archives, the
// format symbol servers use for compressed files such as foo.pd_.
package cabinet

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

var (
	ErrInvalidSignature       = errors.New("cabinet: invalid signature")
	ErrUnsupportedCompression = errors.New("cabinet: unsupported compression")
	ErrEmptyArchive           = errors.New("cabinet: archive contains no files")
)

const (
	signature = "MSCF"

	headerSize = 36
	folderSize = 8
	fileSize   = 16
	dataSize   = 8

	flagPrevCabinet    = 0x0001
	flagNextCabinet    = 0x0002
	flagReservePresent = 0x0004

	// iFolder values above this mark files continued across cabinets.
	maxFolderIndex = 0xFFFC

	maxNameLen = 256
)

// Compression is the low nibble of CFFOLDER.typeCompress.
type Compression uint16

const (
	CompressionNone    Compression = 0
	CompressionMSZIP   Compression = 1
	CompressionQuantum Compression = 2
	CompressionLZX     Compression = 3
)

func (c Compression) String() string {
	switch c {
	case CompressionNone:
		return "none"
	case CompressionMSZIP:
		return "mszip"
	case CompressionQuantum:
		return "quantum"
	case CompressionLZX:
		return "lzx"
	default:
		return fmt.Sprintf("unknown(%d)", uint16(c))
	}
}

type header struct {
	Signature    [4]byte
	Reserved1    uint32
	CabinetSize  uint32
	Reserved2    uint32
	FilesOffset  uint32
	Reserved3    uint32
	VersionMinor uint8
	VersionMajor uint8
	Folders      uint16
	Files        uint16
	Flags        uint16
	SetID        uint16
	Index        uint16
}

type folder struct {
	DataOffset  uint32
	DataBlocks  uint16
	Compression uint16
}

type file struct {
	Size         uint32
	FolderOffset uint32
	Folder       uint16
	Date         uint16
	Time         uint16
	Attributes   uint16
}

type dataBlock struct {
	Checksum         uint32
	CompressedSize   uint16
	UncompressedSize uint16
}

type archive struct {
	src io.ReaderAt

	header        header
	folderReserve int64
	dataReserve   int64
	foldersOffset int64
}

// Unpack expands the single file held by the cabinet read from r. Input
// that cannot be read at random offsets is buffered in memory first. The
// returned reader is positioned at the start of the expanded content.
func Unpack(r io.Reader) (*bytes.Reader, error) {
	src, err := randomAccess(r)
	if err != nil {
		return nil, err
	}
	a, err := openArchive(src)
	if err != nil {
		return nil, err
	}
	content, err := a.extractFirst()
	if err != nil {
		return nil, err
	}
	return bytes.NewReader(content), nil
}

func randomAccess(r io.Reader) (io.ReaderAt, error) {
	if ra, ok := r.(interface {
		io.ReaderAt
		io.Seeker
	}); ok {
		size, err := ra.Seek(0, io.SeekEnd)
		if err != nil {
			return nil, fmt.Errorf("cabinet: seeking input: %w", err)
		}
		if _, err = ra.Seek(0, io.SeekStart); err != nil {
			return nil, fmt.Errorf("cabinet: seeking input: %w", err)
		}
		return io.NewSectionReader(ra, 0, size), nil
	}
	buf, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("cabinet: buffering input: %w", err)
	}
	return bytes.NewReader(buf), nil
}

func openArchive(src io.ReaderAt) (*archive, error) {
	a := &archive{src: src}
	if err := a.readStruct(0, &a.header); err != nil {
		return nil, fmt.Errorf("cabinet: reading header: %w", err)
	}
	if string(a.header.Signature[:]) != signature {
		return nil, ErrInvalidSignature
	}
	if a.header.Files == 0 || a.header.Folders == 0 {
		return nil, ErrEmptyArchive
	}

	off := int64(headerSize)
	if a.header.Flags&flagReservePresent != 0 {
		var reserve struct {
			Header uint16
			Folder uint8
			Data   uint8
		}
		if err := a.readStruct(off, &reserve); err != nil {
			return nil, fmt.Errorf("cabinet: reading reserve sizes: %w", err)
		}
		off += 4 + int64(reserve.Header)
		a.folderReserve = int64(reserve.Folder)
		a.dataReserve = int64(reserve.Data)
	}
	for _, flag := range []uint16{flagPrevCabinet, flagNextCabinet} {
		if a.header.Flags&flag == 0 {
			continue
		}
		// cabinet name followed by disk name
		for i := 0; i < 2; i++ {
			s, err := a.readString(off)
			if err != nil {
				return nil, fmt.Errorf("cabinet: reading chained cabinet names: %w", err)
			}
			off += int64(len(s)) + 1
		}
	}
	a.foldersOffset = off
	return a, nil
}

func (a *archive) extractFirst() ([]byte, error) {
	var f file
	off := int64(a.header.FilesOffset)
	if err := a.readStruct(off, &f); err != nil {
		return nil, fmt.Errorf("cabinet: reading file entry: %w", err)
	}
	if f.Folder > maxFolderIndex || f.Folder >= a.header.Folders {
		return nil, fmt.Errorf("cabinet: file spans multiple cabinets (folder %#x)", f.Folder)
	}

	var fo folder
	foOff := a.foldersOffset + int64(f.Folder)*(folderSize+a.folderReserve)
	if err := a.readStruct(foOff, &fo); err != nil {
		return nil, fmt.Errorf("cabinet: reading folder %d: %w", f.Folder, err)
	}
	want := int64(f.FolderOffset) + int64(f.Size)
	content, err := a.expandFolder(fo, want)
	if err != nil {
		return nil, err
	}
	if int64(len(content)) < want {
		return nil, fmt.Errorf("cabinet: folder holds %d bytes, file needs %d", len(content), want)
	}
	return content[f.FolderOffset:want], nil
}

// expandFolder decodes data blocks until at least limit bytes are available.
func (a *archive) expandFolder(fo folder, limit int64) ([]byte, error) {
	comp := Compression(fo.Compression & 0x000F)
	var dec blockDecoder
	switch comp {
	case CompressionNone:
		dec = storedDecoder{}
	case CompressionMSZIP:
		dec = &mszipDecoder{}
	case CompressionLZX:
		lzx, err := newLZXDecoder(int(fo.Compression>>8) & 0x1F)
		if err != nil {
			return nil, err
		}
		dec = lzx
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedCompression, comp)
	}

	out := make([]byte, 0, initialCapacity(limit))
	off := int64(fo.DataOffset)
	for i := 0; i < int(fo.DataBlocks) && int64(len(out)) < limit; i++ {
		var db dataBlock
		if err := a.readStruct(off, &db); err != nil {
			return nil, fmt.Errorf("cabinet: reading data block %d: %w", i, err)
		}
		off += dataSize + a.dataReserve
		if db.UncompressedSize == 0 {
			return nil, fmt.Errorf("cabinet: data block %d continues in the next cabinet", i)
		}
		payload := make([]byte, db.CompressedSize)
		if err := readFullAt(a.src, payload, off); err != nil {
			return nil, fmt.Errorf("cabinet: reading data block %d payload: %w", i, err)
		}
		off += int64(db.CompressedSize)

		block, err := dec.decode(payload, int(db.UncompressedSize))
		if err != nil {
			return nil, fmt.Errorf("cabinet: decoding data block %d: %w", i, err)
		}
		out = append(out, block...)
	}
	return out, nil
}

func initialCapacity(n int64) int64 {
	const maxPrealloc = 64 << 20
	if n > maxPrealloc {
		return maxPrealloc
	}
	return n
}

func (a *archive) readStruct(off int64, v any) error {
	return binary.Read(io.NewSectionReader(a.src, off, int64(binary.Size(v))), binary.LittleEndian, v)
}

func (a *archive) readString(off int64) (string, error) {
	buf := make([]byte, maxNameLen)
	n, err := a.src.ReadAt(buf, off)
	if n == 0 && err != nil {
		return "", err
	}
	if i := bytes.IndexByte(buf[:n], 0); i >= 0 {
		return string(buf[:i]), nil
	}
	return "", errors.New("unterminated string")
}

func readFullAt(r io.ReaderAt, p []byte, off int64) error {
	n, err := r.ReadAt(p, off)
	if n == len(p) {
		return nil
	}
	if err == nil || err == io.EOF {
		err = io.ErrUnexpectedEOF
	}
	return err
}
