package pe

import (
	"bytes"
	dpe "debug/pe"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dotnet/corefx-tools/pkg/pe/petest"
)

func TestOptionalHeaderDirectoryEntriesOffset(t *testing.T) {
	for _, tc := range []struct {
		name    string
		machine uint16
		is64    bool
		want    int64
	}{
		{name: "pe32", machine: dpe.IMAGE_FILE_MACHINE_I386, want: petest.PEOffset + 4 + 20 + 28 + 68},
		{name: "pe32+", machine: dpe.IMAGE_FILE_MACHINE_AMD64, is64: true, want: petest.PEOffset + 4 + 20 + 24 + 88},
	} {
		t.Run(tc.name, func(t *testing.T) {
			img := petest.New(tc.machine, tc.is64)
			img.Section(".text", 0x1000).Put(t, []byte{0xCC})
			img.Directory(dpe.IMAGE_DIRECTORY_ENTRY_IAT, 0x1234, 0x56)
			r := NewReader(bytes.NewReader(img.Disk(t)), DiskFormat)

			off, err := r.OptionalHeaderDirectoryEntriesOffset()
			require.NoError(t, err)
			require.Equal(t, tc.want, off)

			secOff, err := r.SectionHeadersOffset()
			require.NoError(t, err)
			require.Equal(t, tc.want+128, secOff)

			is64, err := r.Is64Bit()
			require.NoError(t, err)
			require.Equal(t, tc.is64, is64)

			d, err := r.DirectoryEntry(dpe.IMAGE_DIRECTORY_ENTRY_IAT)
			require.NoError(t, err)
			require.Equal(t, DirectoryEntry{RVA: 0x1234, Size: 0x56}, d)

			sections, err := r.SectionHeaders()
			require.NoError(t, err)
			require.Len(t, sections, 1)
			require.Equal(t, ".text", sections[0].SectionName())
			require.Equal(t, uint32(0x1000), sections[0].VirtualAddress)
		})
	}
}

func TestHeaderFields(t *testing.T) {
	img := petest.New(dpe.IMAGE_FILE_MACHINE_AMD64, true)
	img.Timestamp = 0x12345678
	img.SizeOfImage = 0x4000
	img.Section(".text", 0x1000).Put(t, []byte{0xC3})
	r := NewReader(bytes.NewReader(img.Disk(t)), DiskFormat)

	ts, err := r.TimeStamp()
	require.NoError(t, err)
	require.Equal(t, uint32(0x12345678), ts)

	size, err := r.SizeOfImage()
	require.NoError(t, err)
	require.Equal(t, uint32(0x4000), size)

	m, err := r.Machine()
	require.NoError(t, err)
	require.Equal(t, uint16(dpe.IMAGE_FILE_MACHINE_AMD64), m)

	managed, err := r.IsManaged()
	require.NoError(t, err)
	require.False(t, managed)
}

func TestInvalidMagic(t *testing.T) {
	img := petest.New(dpe.IMAGE_FILE_MACHINE_I386, false)
	b := img.Disk(t)
	b[petest.PEOffset+24] = 0x42
	r := NewReader(bytes.NewReader(b), DiskFormat)

	_, err := r.OptionalHeaderDirectoryEntriesOffset()
	require.ErrorIs(t, err, ErrInvalidHeader)
	_, ok := r.ReadAtRVA(0, 2)
	require.False(t, ok)
}

func TestTruncatedImage(t *testing.T) {
	r := NewReader(bytes.NewReader([]byte("MZ")), DiskFormat)
	_, err := r.COFFFileHeader()
	require.Error(t, err)
	_, ok := r.CodeViewDebugData()
	require.False(t, ok)
}

func TestReadAtRVA(t *testing.T) {
	img := petest.New(dpe.IMAGE_FILE_MACHINE_AMD64, true)
	img.Section(".text", 0x1000).Put(t, bytes.Repeat([]byte{0x90}, 0x300))
	data := img.Section(".data", 0x3000)
	data.Put(t, make([]byte, 0x40))
	payload := []byte("symbols live here")
	rva := data.Put(t, payload)

	disk := NewReader(bytes.NewReader(img.Disk(t)), DiskFormat)
	got, ok := disk.ReadAtRVA(rva, len(payload))
	require.True(t, ok)
	require.Equal(t, payload, got)

	mem := NewReader(bytes.NewReader(img.Memory(t)), MemoryLayoutFormat)
	got, ok = mem.ReadAtRVA(rva, len(payload))
	require.True(t, ok)
	require.Equal(t, payload, got)

	t.Run("headers are addressable", func(t *testing.T) {
		got, ok := disk.ReadAtRVA(0, 2)
		require.True(t, ok)
		require.Equal(t, []byte("MZ"), got)
	})
	t.Run("past section table outside sections", func(t *testing.T) {
		_, ok := disk.ReadAtRVA(0x2000, 4)
		require.False(t, ok)
	})
	t.Run("past end of memory image", func(t *testing.T) {
		_, ok := mem.ReadAtRVA(0x3000+0x40+int32(len(payload)), 64)
		require.False(t, ok)
	})
	t.Run("negative", func(t *testing.T) {
		_, ok := disk.ReadAtRVA(-4, 4)
		require.False(t, ok)
		_, ok = mem.ReadAtRVA(-4, 4)
		require.False(t, ok)
	})
}

func TestReaderCachesStructures(t *testing.T) {
	img := petest.New(dpe.IMAGE_FILE_MACHINE_I386, false)
	img.Section(".text", 0x1000).Put(t, []byte{0xC3})
	src := &countingReaderAt{r: bytes.NewReader(img.Disk(t))}
	r := NewReader(src, DiskFormat)

	first, err := r.SectionHeaders()
	require.NoError(t, err)
	reads := src.n
	second, err := r.SectionHeaders()
	require.NoError(t, err)
	require.Equal(t, first, second)
	require.Equal(t, reads, src.n)
}

type countingReaderAt struct {
	r *bytes.Reader
	n int
}

func (c *countingReaderAt) ReadAt(p []byte, off int64) (int, error) {
	c.n++
	return c.r.ReadAt(p, off)
}
