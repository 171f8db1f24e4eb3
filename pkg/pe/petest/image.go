// Package petest builds synthetic PE images for tests.
package petest

import (
	"bytes"
	"encoding/binary"
	"io"
	"testing"

	"github.com/stretchr/testify/require"
)

const (
	PEOffset   = 0x80
	FileAlign  = 0x200
	HeaderSize = 0x400

	MagicPE32     = 0x10B
	MagicPE32Plus = 0x20B

	numDirectories = 16
)

// Section is a section under construction.
type Section struct {
	Name string
	RVA  uint32
	buf  bytes.Buffer
}

// Put appends v to the section and returns its RVA. Strings are written
// NUL terminated; everything else in little-endian binary form.
func (s *Section) Put(t testing.TB, v any) int32 {
	t.Helper()
	rva := int32(s.RVA) + int32(s.buf.Len())
	switch b := v.(type) {
	case []byte:
		s.buf.Write(b)
	case string:
		s.buf.WriteString(b)
		s.buf.WriteByte(0)
	default:
		require.NoError(t, binary.Write(&s.buf, binary.LittleEndian, v))
	}
	return rva
}

// Patch overwrites previously written data at rva.
func (s *Section) Patch(t testing.TB, rva int32, v any) {
	t.Helper()
	var b bytes.Buffer
	require.NoError(t, WriteLE(&b, v))
	copy(s.buf.Bytes()[rva-int32(s.RVA):], b.Bytes())
}

func (s *Section) Len() int { return s.buf.Len() }

type directory struct {
	RVA  int32
	Size uint32
}

type Image struct {
	Machine     uint16
	Is64        bool
	Timestamp   uint32
	SizeOfImage uint32

	dirs     [numDirectories]directory
	sections []*Section
}

func New(machine uint16, is64 bool) *Image {
	return &Image{Machine: machine, Is64: is64, Timestamp: 0x5F3759DF, SizeOfImage: 0x10000}
}

func (img *Image) Section(name string, rva uint32) *Section {
	s := &Section{Name: name, RVA: rva}
	img.sections = append(img.sections, s)
	return s
}

// Directory sets a data directory, indexed by IMAGE_DIRECTORY_ENTRY_*.
func (img *Image) Directory(index int, rva int32, size int) {
	img.dirs[index] = directory{RVA: rva, Size: uint32(size)}
}

func (img *Image) optionalSizes() (std, add int) {
	if img.Is64 {
		return 24, 88
	}
	return 28, 68
}

func (img *Image) SectionTableOffset() int {
	std, add := img.optionalSizes()
	return PEOffset + 4 + 20 + std + add + numDirectories*8
}

func (img *Image) rawOffsets() []uint32 {
	offs := make([]uint32, len(img.sections))
	off := uint32(HeaderSize)
	for i, s := range img.sections {
		offs[i] = off
		off += alignUp(uint32(s.buf.Len()), FileAlign)
	}
	return offs
}

func alignUp(v, a uint32) uint32 {
	return (v + a - 1) &^ (a - 1)
}

func (img *Image) headers(t testing.TB) []byte {
	t.Helper()
	std, add := img.optionalSizes()
	out := make([]byte, HeaderSize)
	copy(out, "MZ")
	binary.LittleEndian.PutUint32(out[0x3C:], PEOffset)
	copy(out[PEOffset:], "PE\x00\x00")

	coff := struct {
		Machine              uint16
		NumberOfSections     uint16
		TimeDateStamp        uint32
		PointerToSymbolTable uint32
		NumberOfSymbols      uint32
		SizeOfOptionalHeader uint16
		Characteristics      uint16
	}{
		Machine:              img.Machine,
		NumberOfSections:     uint16(len(img.sections)),
		TimeDateStamp:        img.Timestamp,
		SizeOfOptionalHeader: uint16(std + add + numDirectories*8),
	}
	var b bytes.Buffer
	require.NoError(t, WriteLE(&b, coff))
	copy(out[PEOffset+4:], b.Bytes())

	opt := PEOffset + 4 + 20
	magic := uint16(MagicPE32)
	if img.Is64 {
		magic = MagicPE32Plus
	}
	binary.LittleEndian.PutUint16(out[opt:], magic)
	binary.LittleEndian.PutUint32(out[opt+56:], img.SizeOfImage)

	b.Reset()
	require.NoError(t, WriteLE(&b, img.dirs))
	copy(out[opt+std+add:], b.Bytes())

	offs := img.rawOffsets()
	b.Reset()
	for i, s := range img.sections {
		var name [8]byte
		copy(name[:], s.Name)
		require.NoError(t, WriteLE(&b, name))
		require.NoError(t, WriteLE(&b, []uint32{
			uint32(s.buf.Len()),
			s.RVA,
			alignUp(uint32(s.buf.Len()), FileAlign),
			offs[i],
			0, 0, 0, 0,
		}))
	}
	require.LessOrEqual(t, img.SectionTableOffset()+b.Len(), HeaderSize)
	copy(out[img.SectionTableOffset():], b.Bytes())
	return out
}

// Disk returns the image as a linker would write it.
func (img *Image) Disk(t testing.TB) []byte {
	t.Helper()
	out := img.headers(t)
	for _, s := range img.sections {
		data := make([]byte, alignUp(uint32(s.buf.Len()), FileAlign))
		copy(data, s.buf.Bytes())
		out = append(out, data...)
	}
	return out
}

// Memory returns the image as the loader would map it.
func (img *Image) Memory(t testing.TB) []byte {
	t.Helper()
	size := uint32(HeaderSize)
	for _, s := range img.sections {
		size = max(size, s.RVA+uint32(s.buf.Len()))
	}
	out := make([]byte, size)
	copy(out, img.headers(t))
	for _, s := range img.sections {
		copy(out[s.RVA:], s.buf.Bytes())
	}
	return out
}

func WriteLE(w io.Writer, v any) error {
	return binary.Write(w, binary.LittleEndian, v)
}
