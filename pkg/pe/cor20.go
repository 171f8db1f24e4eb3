package pe

import (
	"bytes"
	dpe "debug/pe"
	"encoding/binary"

	perrors "github.com/pkg/errors"
)

// COR20Header is the CLR runtime header of a managed image.
type COR20Header struct {
	CountBytes              uint32
	MajorRuntimeVersion     uint16
	MinorRuntimeVersion     uint16
	MetaData                DirectoryEntry
	Flags                   uint32
	EntryPointTokenOrRVA    uint32
	Resources               DirectoryEntry
	StrongNameSignature     DirectoryEntry
	CodeManagerTable        DirectoryEntry
	VTableFixups            DirectoryEntry
	ExportAddressTableJumps DirectoryEntry
	ManagedNativeHeader     DirectoryEntry
}

// cor20Layout mirrors the on-disk record.
type cor20Layout struct {
	CountBytes              uint32
	MajorRuntimeVersion     uint16
	MinorRuntimeVersion     uint16
	MetaData                DirectoryEntry
	Flags                   uint32
	EntryPointTokenOrRVA    uint32
	Resources               DirectoryEntry
	StrongNameSignature     DirectoryEntry
	CodeManagerTable        DirectoryEntry
	VTableFixupsRVA         int32
	VTableFixupsSize        uint32
	ExportAddressTableJumps DirectoryEntry
	ManagedNativeHeader     DirectoryEntry
}

// COR20Header reads the CLR header. It returns false for native images.
//
// The VTableFixups size word is skipped; that directory always reports a
// zero size.
func (r *Reader) COR20Header() (COR20Header, bool, error) {
	h, err := r.cor20.get(func() (*COR20Header, error) {
		b, _, ok, err := r.readDirectory(dpe.IMAGE_DIRECTORY_ENTRY_COM_DESCRIPTOR)
		if err != nil || !ok {
			return nil, err
		}
		var l cor20Layout
		if err = binary.Read(bytes.NewReader(b), binary.LittleEndian, &l); err != nil {
			return nil, perrors.Wrap(err, "decoding COR20 header")
		}
		return &COR20Header{
			CountBytes:              l.CountBytes,
			MajorRuntimeVersion:     l.MajorRuntimeVersion,
			MinorRuntimeVersion:     l.MinorRuntimeVersion,
			MetaData:                l.MetaData,
			Flags:                   l.Flags,
			EntryPointTokenOrRVA:    l.EntryPointTokenOrRVA,
			Resources:               l.Resources,
			StrongNameSignature:     l.StrongNameSignature,
			CodeManagerTable:        l.CodeManagerTable,
			VTableFixups:            DirectoryEntry{RVA: l.VTableFixupsRVA},
			ExportAddressTableJumps: l.ExportAddressTableJumps,
			ManagedNativeHeader:     l.ManagedNativeHeader,
		}, nil
	})
	if err != nil || h == nil {
		return COR20Header{}, false, err
	}
	return *h, true, nil
}
