package symbolizer

import (
	"bytes"
	dpe "debug/pe"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dotnet/corefx-tools/pkg/pe"
	"github.com/dotnet/corefx-tools/pkg/pe/petest"
	"github.com/dotnet/corefx-tools/pkg/symstore"
)

const (
	testPdbName = "coreclr.pdb"
	// {3F2504E0-4F89-11D3-9A0C-0305E82C3301}, age 2
	testIndex = "3F2504E04F8911D39A0C0305E82C33012"
)

var testGUID = pe.GUID{0xE0, 0x04, 0x25, 0x3F, 0x89, 0x4F, 0xD3, 0x11, 0x9A, 0x0C, 0x03, 0x05, 0xE8, 0x2C, 0x33, 0x01}

type testExportDirectory struct {
	Characteristics       uint32
	TimeDateStamp         uint32
	MajorVersion          uint16
	MinorVersion          uint16
	NameRVA               uint32
	OrdinalBase           uint32
	AddressTableEntries   uint32
	NumberOfNamePointers  uint32
	ExportAddressTableRVA uint32
	NamePointerRVA        uint32
	OrdinalTableRVA       uint32
}

// writeTestImage writes an AMD64 image exporting FirstExport (0x1000) and
// SecondExport (0x1100), with functions at [0x1000,0x1080), [0x1100,0x1200)
// and [0x1300,0x1400). A CodeView record naming coreclr.pdb is added when
// pdbPath is set.
func writeTestImage(t *testing.T, dir, name, pdbPath string) string {
	t.Helper()
	img := petest.New(dpe.IMAGE_FILE_MACHINE_AMD64, true)
	img.Section(".text", 0x1000).Put(t, bytes.Repeat([]byte{0xCC}, 0x400))
	rdata := img.Section(".rdata", 0x2000)

	if pdbPath != "" {
		var rec bytes.Buffer
		require.NoError(t, binary.Write(&rec, binary.LittleEndian, uint32(0x53445352)))
		rec.Write(testGUID[:])
		require.NoError(t, binary.Write(&rec, binary.LittleEndian, uint32(2)))
		rec.WriteString(pdbPath)
		rec.WriteByte(0)

		dirRVA := rdata.Put(t, pe.DebugDirectory{})
		recRVA := rdata.Put(t, rec.Bytes())
		rdata.Patch(t, dirRVA, pe.DebugDirectory{
			Type:             pe.DebugTypeCodeView,
			SizeOfData:       uint32(rec.Len()),
			AddressOfRawData: uint32(recRVA),
		})
		img.Directory(dpe.IMAGE_DIRECTORY_ENTRY_DEBUG, dirRVA, 28)
	}

	nameRVAs := []int32{rdata.Put(t, "FirstExport"), rdata.Put(t, "SecondExport")}
	ed := testExportDirectory{
		OrdinalBase:           1,
		AddressTableEntries:   2,
		NumberOfNamePointers:  2,
		ExportAddressTableRVA: uint32(rdata.Put(t, []int32{0x1000, 0x1100})),
		OrdinalTableRVA:       uint32(rdata.Put(t, []uint16{0, 1})),
		NamePointerRVA:        uint32(rdata.Put(t, nameRVAs)),
	}
	img.Directory(dpe.IMAGE_DIRECTORY_ENTRY_EXPORT, rdata.Put(t, ed), 40)

	pdata := img.Section(".pdata", 0x3000)
	pdata.Put(t, []int32{
		0x1000, 0x1080, 0x2800,
		0x1100, 0x1200, 0x2800,
		0x1300, 0x1400, 0x2800,
	})
	img.Directory(dpe.IMAGE_DIRECTORY_ENTRY_EXCEPTION, 0x3000, 3*12)

	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, img.Disk(t), 0o644))
	return path
}

// newTestChain returns a chain over a local store holding coreclr.pdb.
func newTestChain(t *testing.T) (*symstore.Chain, string) {
	t.Helper()
	root := t.TempDir()
	pdb := filepath.Join(root, testPdbName, testIndex, testPdbName)
	require.NoError(t, os.MkdirAll(filepath.Dir(pdb), 0o755))
	require.NoError(t, os.WriteFile(pdb, []byte("pdb"), 0o644))
	store, err := symstore.NewPathStore(root)
	require.NoError(t, err)
	return symstore.NewWithStores(nil, nil, store), pdb
}

// fakeLookup answers for the addresses in symbols and records session
// lifetimes.
type fakeLookup struct {
	symbols map[uint32]string
	loadErr error

	mu       sync.Mutex
	loaded   []string
	released int
	open     map[*fakeSession]bool
}

type fakeSession struct{ path string }

func newFakeLookup(symbols map[uint32]string) *fakeLookup {
	return &fakeLookup{symbols: symbols, open: map[*fakeSession]bool{}}
}

func (l *fakeLookup) LoadSession(path string) (Session, error) {
	if l.loadErr != nil {
		return nil, l.loadErr
	}
	if _, err := os.Stat(path); err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	s := &fakeSession{path: path}
	l.loaded = append(l.loaded, path)
	l.open[s] = true
	return s, nil
}

func (l *fakeLookup) Resolve(s Session, rva uint32) (string, bool) {
	fs := s.(*fakeSession)
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.open[fs] {
		panic(fmt.Sprintf("resolve on released session %s", fs.path))
	}
	sym, ok := l.symbols[rva]
	return sym, ok
}

func (l *fakeLookup) ReleaseSession(s Session) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.open, s.(*fakeSession))
	l.released++
}

func (l *fakeLookup) loads() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.loaded)
}

func (l *fakeLookup) openSessions() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.open)
}
