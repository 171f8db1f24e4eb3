package pe

import (
	dpe "debug/pe"
	"encoding/binary"
	"fmt"
	"slices"
	"sort"

	"github.com/go-kit/log/level"
)

// Arch selects the runtime function entry layout.
type Arch uint8

const (
	ArchUnknown Arch = iota
	ArchAMD64
	ArchARM
)

// ArchFromMachine maps a COFF machine value to the pdata layout it uses.
func ArchFromMachine(machine uint16) Arch {
	switch machine {
	case dpe.IMAGE_FILE_MACHINE_AMD64:
		return ArchAMD64
	case dpe.IMAGE_FILE_MACHINE_ARMNT, dpe.IMAGE_FILE_MACHINE_ARM:
		return ArchARM
	default:
		return ArchUnknown
	}
}

func (a Arch) String() string {
	switch a {
	case ArchAMD64:
		return "amd64"
	case ArchARM:
		return "arm"
	default:
		return "unknown"
	}
}

// EntrySize is the on-disk size of one runtime function entry.
func (a Arch) EntrySize() int {
	switch a {
	case ArchAMD64:
		return 12
	case ArchARM:
		return 8
	default:
		return 0
	}
}

// RuntimeFunctionEntry is one pdata record. EndAddress is only present on
// AMD64.
type RuntimeFunctionEntry struct {
	Arch         Arch
	BeginAddress int32
	EndAddress   int32
	UnwindData   int32
}

func (e RuntimeFunctionEntry) String() string {
	if e.Arch == ArchAMD64 {
		return fmt.Sprintf("begin=%#x end=%#x unwind=%#x", e.BeginAddress, e.EndAddress, e.UnwindData)
	}
	return fmt.Sprintf("begin=%#x unwind=%#x", e.BeginAddress, e.UnwindData)
}

// IsChained reports whether the unwind data points at a parent entry.
// Only AMD64 uses chained records.
func (e RuntimeFunctionEntry) IsChained() bool {
	return e.Arch == ArchAMD64 && e.UnwindData&1 == 1
}

func (a Arch) decode(b []byte) RuntimeFunctionEntry {
	e := RuntimeFunctionEntry{
		Arch:         a,
		BeginAddress: int32(binary.LittleEndian.Uint32(b)),
	}
	switch a {
	case ArchAMD64:
		e.EndAddress = int32(binary.LittleEndian.Uint32(b[4:]))
		e.UnwindData = int32(binary.LittleEndian.Uint32(b[8:]))
	case ArchARM:
		e.UnwindData = int32(binary.LittleEndian.Uint32(b[4:]))
	}
	return e
}

type LookupResult int

const (
	Found LookupResult = iota
	DoesNotExist
	MissingMemory
)

func (r LookupResult) String() string {
	switch r {
	case Found:
		return "found"
	case DoesNotExist:
		return "does not exist"
	case MissingMemory:
		return "missing memory"
	default:
		return fmt.Sprintf("LookupResult(%d)", int(r))
	}
}

// RuntimeFunctionTable resolves code addresses to the function entries of
// the exception directory.
type RuntimeFunctionTable struct {
	arch    Arch
	baseRVA int32
	entries []RuntimeFunctionEntry
	// directory slot of each entry, ascending
	slots []int
	// entries expected from the directory size
	expected int
}

// NewRuntimeFunctionTable builds a table over entries sorted by
// BeginAddress. baseRVA is the RVA of the exception directory, used to
// resolve chained entries.
func NewRuntimeFunctionTable(arch Arch, baseRVA int32, entries []RuntimeFunctionEntry) *RuntimeFunctionTable {
	slots := make([]int, len(entries))
	for i := range slots {
		slots[i] = i
	}
	return &RuntimeFunctionTable{
		arch:     arch,
		baseRVA:  baseRVA,
		entries:  entries,
		slots:    slots,
		expected: len(entries),
	}
}

func (t *RuntimeFunctionTable) Arch() Arch { return t.arch }

func (t *RuntimeFunctionTable) Entries() []RuntimeFunctionEntry { return t.entries }

// Lookup finds the function containing rva: the entry with the greatest
// BeginAddress not above rva. Chained AMD64 entries resolve to their
// parent; a parent whose entry could not be read is MissingMemory.
func (t *RuntimeFunctionTable) Lookup(rva int32) (RuntimeFunctionEntry, LookupResult) {
	if len(t.entries) == 0 {
		if t.expected > 0 {
			return RuntimeFunctionEntry{}, MissingMemory
		}
		return RuntimeFunctionEntry{}, DoesNotExist
	}

	i := sort.Search(len(t.entries), func(i int) bool {
		return t.entries[i].BeginAddress >= rva
	})
	if i == len(t.entries) || t.entries[i].BeginAddress != rva {
		if i == 0 {
			return RuntimeFunctionEntry{}, DoesNotExist
		}
		i--
	}
	e := t.entries[i]
	if e.BeginAddress > rva {
		return RuntimeFunctionEntry{}, DoesNotExist
	}

	if e.IsChained() {
		parentRVA := int64(e.UnwindData &^ 1)
		offset := parentRVA - int64(t.baseRVA)
		size := int64(t.arch.EntrySize())
		if offset < 0 || offset/size >= int64(t.expected) {
			return RuntimeFunctionEntry{}, DoesNotExist
		}
		j, ok := slices.BinarySearch(t.slots, int(offset/size))
		if !ok {
			return RuntimeFunctionEntry{}, MissingMemory
		}
		e = t.entries[j]
	}
	return e, Found
}

// RuntimeFunctionEntries reads the exception directory. Entries that
// cannot be read, as happens with partial dumps, are skipped.
func (r *Reader) RuntimeFunctionEntries() ([]RuntimeFunctionEntry, error) {
	t, err := r.RuntimeFunctionTable()
	if err != nil {
		return nil, err
	}
	return t.entries, nil
}

func (r *Reader) RuntimeFunctionTable() (*RuntimeFunctionTable, error) {
	return r.pdata.get(func() (*RuntimeFunctionTable, error) {
		machine, err := r.Machine()
		if err != nil {
			return nil, err
		}
		d, err := r.DirectoryEntry(dpe.IMAGE_DIRECTORY_ENTRY_EXCEPTION)
		if err != nil {
			return nil, err
		}
		arch := ArchFromMachine(machine)
		t := &RuntimeFunctionTable{arch: arch, baseRVA: d.RVA}
		size := arch.EntrySize()
		if d.RVA == 0 || size == 0 {
			return t, nil
		}

		t.expected = int(d.Size) / size
		t.entries = make([]RuntimeFunctionEntry, 0, min(t.expected, maxReadSize/size))
		t.slots = make([]int, 0, cap(t.entries))
		missing := 0
		rva := int64(d.RVA)
		for i := 0; i < t.expected; i, rva = i+1, rva+int64(size) {
			b, ok := r.ReadAtRVA(int32(rva), size)
			if !ok {
				missing++
				continue
			}
			t.entries = append(t.entries, arch.decode(b))
			t.slots = append(t.slots, i)
		}
		if missing > 0 {
			level.Warn(r.logger).Log("msg", "skipped unreadable runtime function entries", "missing", missing, "total", t.expected)
		}
		return t, nil
	})
}
