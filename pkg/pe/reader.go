// Package pe reads the parts of a Portable Executable image needed for
// symbol resolution: headers, sections, debug directories, CLR metadata,
// exports and the exception (pdata) table. Images may be read either as
// files on disk or as memory captured from a loaded process.
package pe

import (
	dpe "debug/pe"
	"encoding/binary"
	"errors"
	"io"

	"github.com/go-kit/log"
	perrors "github.com/pkg/errors"
)

// Format describes how the image bytes are laid out in the source.
type Format int

const (
	// DiskFormat is the layout of a file on disk. RVAs are translated to
	// offsets through the section table.
	DiskFormat Format = iota
	// MemoryLayoutFormat is the layout produced by the OS loader, as found
	// in a process dump. An RVA is its own offset.
	MemoryLayoutFormat
)

func (f Format) String() string {
	if f == MemoryLayoutFormat {
		return "memory"
	}
	return "disk"
}

const (
	peHeaderOffsetLocation = 0x3C

	signatureSize          = 4
	coffFileHeaderSize     = 20
	standardFieldsSize32   = 28
	standardFieldsSize64   = 24
	additionalFieldsSize32 = 68
	additionalFieldsSize64 = 88

	numDirectoryEntries = 16
	directoryEntrySize  = 8
	sectionHeaderSize   = 40
	debugDirectorySize  = 28

	magicPE32     = 0x10B
	magicPE32Plus = 0x20B

	// largest single read the reader will attempt
	maxReadSize = 1 << 28
)

var ErrInvalidHeader = errors.New("pe: invalid header")

// DirectoryEntry locates one of the optional header's data directories.
type DirectoryEntry struct {
	RVA  int32
	Size uint32
}

type COFFFileHeader struct {
	Machine              uint16
	NumberOfSections     uint16
	TimeDateStamp        uint32
	PointerToSymbolTable uint32
	NumberOfSymbols      uint32
	SizeOfOptionalHeader uint16
	Characteristics      uint16
}

type SectionHeader struct {
	Name                 [8]byte
	VirtualSize          uint32
	VirtualAddress       uint32
	SizeOfRawData        uint32
	PointerToRawData     uint32
	PointerToRelocations uint32
	PointerToLineNumbers uint32
	NumberOfRelocations  uint16
	NumberOfLineNumbers  uint16
	Characteristics      uint32
}

// SectionName returns the section name without NUL padding.
func (s SectionHeader) SectionName() string {
	for i, c := range s.Name {
		if c == 0 {
			return string(s.Name[:i])
		}
	}
	return string(s.Name[:])
}

func (s SectionHeader) contains(rva int64) bool {
	start := int64(s.VirtualAddress)
	return start <= rva && rva < start+int64(s.VirtualSize)
}

type Option func(*Reader)

// WithLogger sets the logger used to report malformed data.
func WithLogger(logger log.Logger) Option {
	return func(r *Reader) {
		r.logger = logger
	}
}

// Reader decodes a PE image from a random-access source. Every structure
// is read on first use and remembered afterwards. A Reader is not safe for
// concurrent use.
type Reader struct {
	src    io.ReaderAt
	format Format
	logger log.Logger

	peHeaderOffset lazy[int64]
	coffHeader     lazy[COFFFileHeader]
	magic          lazy[uint16]
	directories    lazy[[numDirectoryEntries]DirectoryEntry]
	sections       lazy[[]SectionHeader]
	debugDirs      lazy[[]DebugDirectory]
	codeView       lazy[*CodeViewDebugData]
	cor20          lazy[*COR20Header]
	exports        lazy[[]Export]
	pdata          lazy[*RuntimeFunctionTable]
}

func NewReader(src io.ReaderAt, format Format, opts ...Option) *Reader {
	r := &Reader{
		src:    src,
		format: format,
		logger: log.NewNopLogger(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Reader) Format() Format { return r.format }

// PEHeaderOffset returns the file offset of the "PE\0\0" signature.
func (r *Reader) PEHeaderOffset() (int64, error) {
	return r.peHeaderOffset.get(func() (int64, error) {
		v, err := r.readUint32(peHeaderOffsetLocation)
		if err != nil {
			return 0, perrors.Wrap(err, "reading PE header offset")
		}
		return int64(v), nil
	})
}

func (r *Reader) COFFFileHeader() (COFFFileHeader, error) {
	return r.coffHeader.get(func() (COFFFileHeader, error) {
		var h COFFFileHeader
		off, err := r.PEHeaderOffset()
		if err != nil {
			return h, err
		}
		if err = r.readStruct(off+signatureSize, &h); err != nil {
			return h, perrors.Wrap(err, "reading COFF file header")
		}
		return h, nil
	})
}

// Machine returns the COFF machine type, one of the debug/pe
// IMAGE_FILE_MACHINE_* values.
func (r *Reader) Machine() (uint16, error) {
	h, err := r.COFFFileHeader()
	return h.Machine, err
}

// TimeStamp is the link time recorded in the COFF header.
func (r *Reader) TimeStamp() (uint32, error) {
	h, err := r.COFFFileHeader()
	return h.TimeDateStamp, err
}

// OptionalHeaderMagic returns 0x10B for PE32 images and 0x20B for PE32+.
func (r *Reader) OptionalHeaderMagic() (uint16, error) {
	return r.magic.get(func() (uint16, error) {
		off, err := r.optionalHeaderOffset()
		if err != nil {
			return 0, err
		}
		var m uint16
		if err = r.readStruct(off, &m); err != nil {
			return 0, perrors.Wrap(err, "reading optional header magic")
		}
		if m != magicPE32 && m != magicPE32Plus {
			return 0, perrors.Wrapf(ErrInvalidHeader, "optional header magic %#x", m)
		}
		return m, nil
	})
}

func (r *Reader) Is64Bit() (bool, error) {
	m, err := r.OptionalHeaderMagic()
	return m == magicPE32Plus, err
}

func (r *Reader) optionalHeaderOffset() (int64, error) {
	off, err := r.PEHeaderOffset()
	if err != nil {
		return 0, err
	}
	return off + signatureSize + coffFileHeaderSize, nil
}

// SizeOfImage is the size of the image once mapped by the loader. Its
// offset is the same for PE32 and PE32+.
func (r *Reader) SizeOfImage() (uint32, error) {
	off, err := r.optionalHeaderOffset()
	if err != nil {
		return 0, err
	}
	v, err := r.readUint32(off + 56)
	if err != nil {
		return 0, perrors.Wrap(err, "reading SizeOfImage")
	}
	return v, nil
}

// OptionalHeaderDirectoryEntriesOffset returns the file offset of the
// first data directory entry.
func (r *Reader) OptionalHeaderDirectoryEntriesOffset() (int64, error) {
	off, err := r.optionalHeaderOffset()
	if err != nil {
		return 0, err
	}
	is64, err := r.Is64Bit()
	if err != nil {
		return 0, err
	}
	if is64 {
		return off + standardFieldsSize64 + additionalFieldsSize64, nil
	}
	return off + standardFieldsSize32 + additionalFieldsSize32, nil
}

func (r *Reader) SectionHeadersOffset() (int64, error) {
	off, err := r.OptionalHeaderDirectoryEntriesOffset()
	if err != nil {
		return 0, err
	}
	return off + numDirectoryEntries*directoryEntrySize, nil
}

func (r *Reader) endOfSectionTable() (int64, error) {
	off, err := r.SectionHeadersOffset()
	if err != nil {
		return 0, err
	}
	h, err := r.COFFFileHeader()
	if err != nil {
		return 0, err
	}
	return off + sectionHeaderSize*int64(h.NumberOfSections), nil
}

func (r *Reader) DirectoryEntries() ([numDirectoryEntries]DirectoryEntry, error) {
	return r.directories.get(func() ([numDirectoryEntries]DirectoryEntry, error) {
		var dirs [numDirectoryEntries]DirectoryEntry
		off, err := r.OptionalHeaderDirectoryEntriesOffset()
		if err != nil {
			return dirs, err
		}
		if err = r.readStruct(off, &dirs); err != nil {
			return dirs, perrors.Wrap(err, "reading data directories")
		}
		return dirs, nil
	})
}

// DirectoryEntry returns one data directory, indexed by the debug/pe
// IMAGE_DIRECTORY_ENTRY_* constants.
func (r *Reader) DirectoryEntry(index int) (DirectoryEntry, error) {
	if index < 0 || index >= numDirectoryEntries {
		return DirectoryEntry{}, perrors.Errorf("directory index %d out of range", index)
	}
	dirs, err := r.DirectoryEntries()
	return dirs[index], err
}

func (r *Reader) SectionHeaders() ([]SectionHeader, error) {
	return r.sections.get(func() ([]SectionHeader, error) {
		h, err := r.COFFFileHeader()
		if err != nil {
			return nil, err
		}
		off, err := r.SectionHeadersOffset()
		if err != nil {
			return nil, err
		}
		sections := make([]SectionHeader, h.NumberOfSections)
		if err = r.readStruct(off, sections); err != nil {
			return nil, perrors.Wrapf(err, "reading %d section headers", h.NumberOfSections)
		}
		return sections, nil
	})
}

// IsManaged reports whether the image carries CLR metadata.
func (r *Reader) IsManaged() (bool, error) {
	d, err := r.DirectoryEntry(dpe.IMAGE_DIRECTORY_ENTRY_COM_DESCRIPTOR)
	if err != nil {
		return false, err
	}
	return d.RVA != 0, nil
}

// ReadAtRVA reads size bytes at rva. It returns false when the bytes are
// not present in the source, which is common for images recovered from
// process dumps.
func (r *Reader) ReadAtRVA(rva int32, size int) ([]byte, bool) {
	if rva < 0 || size < 0 || size > maxReadSize {
		return nil, false
	}
	off, ok := r.rvaToOffset(int64(rva), int64(size))
	if !ok {
		return nil, false
	}
	buf := make([]byte, size)
	if err := readFullAt(r.src, buf, off); err != nil {
		return nil, false
	}
	return buf, true
}

func (r *Reader) rvaToOffset(rva, size int64) (int64, bool) {
	if r.format == MemoryLayoutFormat {
		return rva, true
	}
	sections, err := r.SectionHeaders()
	if err != nil {
		return 0, false
	}
	for _, s := range sections {
		if s.contains(rva) {
			return int64(s.PointerToRawData) + rva - int64(s.VirtualAddress), true
		}
	}
	// The loader maps the headers too, so RVAs up to the end of the
	// section table address the file directly.
	end, err := r.endOfSectionTable()
	if err != nil || rva+size > end {
		return 0, false
	}
	return rva, true
}

func (r *Reader) readDirectory(index int) ([]byte, DirectoryEntry, bool, error) {
	d, err := r.DirectoryEntry(index)
	if err != nil {
		return nil, d, false, err
	}
	if d.RVA == 0 {
		return nil, d, false, nil
	}
	b, ok := r.ReadAtRVA(d.RVA, int(d.Size))
	if !ok {
		return nil, d, false, perrors.Errorf("directory %d at rva %#x size %d is not readable", index, d.RVA, d.Size)
	}
	return b, d, true, nil
}

func (r *Reader) readUint32(off int64) (uint32, error) {
	var b [4]byte
	if err := readFullAt(r.src, b[:], off); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b[:]), nil
}

func (r *Reader) readStruct(off int64, v any) error {
	size := binary.Size(v)
	if size < 0 {
		return perrors.Errorf("cannot decode %T", v)
	}
	return binary.Read(io.NewSectionReader(r.src, off, int64(size)), binary.LittleEndian, v)
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

// lazy memoizes a value derived from the immutable source.
type lazy[T any] struct {
	done bool
	v    T
	err  error
}

func (l *lazy[T]) get(f func() (T, error)) (T, error) {
	if !l.done {
		l.v, l.err = f()
		l.done = true
	}
	return l.v, l.err
}
