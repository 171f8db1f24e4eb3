package pe

import (
	"bytes"
	dpe "debug/pe"
	"encoding/binary"

	perrors "github.com/pkg/errors"
)

const (
	// exported names are assumed to fit in this many bytes
	maxExportNameLen = 100
	maxExportEntries = 1 << 20
)

type Export struct {
	Name    string
	Ordinal int32
	RVA     int32
}

type exportDirectory struct {
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

// ReadExports returns the named exports of the image. An image without an
// export directory has none.
//
// Each ordinal table slot is treated as an index into the address table,
// so the reported ordinal is that index plus the ordinal base. This is
// what linkers actually emit.
func (r *Reader) ReadExports() ([]Export, error) {
	return r.exports.get(func() ([]Export, error) {
		b, _, ok, err := r.readDirectory(dpe.IMAGE_DIRECTORY_ENTRY_EXPORT)
		if err != nil || !ok {
			return nil, err
		}
		var ed exportDirectory
		if err = binary.Read(bytes.NewReader(b), binary.LittleEndian, &ed); err != nil {
			return nil, perrors.Wrap(err, "decoding export directory")
		}

		if ed.NumberOfNamePointers > maxExportEntries || ed.AddressTableEntries > maxExportEntries {
			return nil, perrors.Wrapf(ErrInvalidHeader, "export directory has %d names and %d addresses", ed.NumberOfNamePointers, ed.AddressTableEntries)
		}
		n := int(ed.NumberOfNamePointers)
		nameRVAs := make([]int32, n)
		if err = r.readTable(ed.NamePointerRVA, nameRVAs); err != nil {
			return nil, perrors.Wrap(err, "reading export name pointer table")
		}
		exports := make([]Export, n)
		for i, rva := range nameRVAs {
			name, ok := r.readName(rva)
			if !ok {
				return nil, perrors.Errorf("reading export name %d at rva %#x", i, rva)
			}
			exports[i].Name = name
		}

		ordinals := make([]uint16, n)
		if err = r.readTable(ed.OrdinalTableRVA, ordinals); err != nil {
			return nil, perrors.Wrap(err, "reading export ordinal table")
		}
		for i, o := range ordinals {
			exports[i].Ordinal = int32(uint32(o) + ed.OrdinalBase)
		}

		addresses := make([]int32, ed.AddressTableEntries)
		if err = r.readTable(ed.ExportAddressTableRVA, addresses); err != nil {
			return nil, perrors.Wrap(err, "reading export address table")
		}
		for i := range exports {
			idx := int64(exports[i].Ordinal) - int64(ed.OrdinalBase)
			if idx >= 0 && idx < int64(len(addresses)) {
				exports[i].RVA = addresses[idx]
			}
		}
		return exports, nil
	})
}

func (r *Reader) readTable(rva uint32, data any) error {
	size := binary.Size(data)
	if size == 0 {
		return nil
	}
	b, ok := r.ReadAtRVA(int32(rva), size)
	if !ok {
		return perrors.Errorf("rva %#x size %d is not readable", rva, size)
	}
	return binary.Read(bytes.NewReader(b), binary.LittleEndian, data)
}

// readName reads a NUL-terminated name, shrinking the read when the name
// sits close to the end of the readable data.
func (r *Reader) readName(rva int32) (string, bool) {
	for size := maxExportNameLen; size > 0; size /= 2 {
		if b, ok := r.ReadAtRVA(rva, size); ok {
			return cString(b), true
		}
	}
	return "", false
}
