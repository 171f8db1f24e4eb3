package pe

import (
	"bytes"
	dpe "debug/pe"
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/go-kit/log/level"
	"github.com/google/uuid"
	perrors "github.com/pkg/errors"
)

const (
	DebugTypeCodeView = 2

	codeViewSignature = 0x53445352 // "RSDS"
	// CodeView records larger than this are treated as corrupt.
	maxCodeViewSize = 1000
	codeViewFixed   = 4 + 16 + 4
)

type DebugDirectory struct {
	Characteristics  uint32
	TimeDateStamp    uint32
	MajorVersion     uint16
	MinorVersion     uint16
	Type             uint32
	SizeOfData       uint32
	AddressOfRawData uint32
	PointerToRawData uint32
}

// GUID is a Windows GUID in its on-disk byte order: the first three
// fields are little-endian.
type GUID [16]byte

// UUID returns the GUID with its fields in RFC 4122 byte order.
func (g GUID) UUID() uuid.UUID {
	var u uuid.UUID
	copy(u[:], g[:])
	u[0], u[1], u[2], u[3] = g[3], g[2], g[1], g[0]
	u[4], u[5] = g[5], g[4]
	u[6], u[7] = g[7], g[6]
	return u
}

// String formats the GUID in the usual dashed form, upper case.
func (g GUID) String() string {
	return strings.ToUpper(g.UUID().String())
}

// CodeViewDebugData identifies the debug-info file built with the image.
type CodeViewDebugData struct {
	Signature GUID
	Age       uint32
	PdbPath   string
}

// IndexString is the symbol store key for the debug-info file: the GUID
// as 32 upper case hex digits followed by the decimal age.
func (d CodeViewDebugData) IndexString() string {
	return fmt.Sprintf("%s%d", strings.ReplaceAll(d.Signature.String(), "-", ""), d.Age)
}

// PdbFileName returns the base name of PdbPath. Both path separators are
// honored since the path was recorded on the build machine.
func (d CodeViewDebugData) PdbFileName() string {
	name := d.PdbPath
	if i := strings.LastIndexAny(name, `\/`); i >= 0 {
		name = name[i+1:]
	}
	return name
}

// DebugDirectories returns the image's debug directory records. An image
// without a debug directory yields an empty slice.
func (r *Reader) DebugDirectories() ([]DebugDirectory, error) {
	return r.debugDirs.get(func() ([]DebugDirectory, error) {
		b, d, ok, err := r.readDirectory(dpe.IMAGE_DIRECTORY_ENTRY_DEBUG)
		if err != nil || !ok {
			return nil, err
		}
		n := int(d.Size / debugDirectorySize)
		dirs := make([]DebugDirectory, n)
		if err = binary.Read(bytes.NewReader(b), binary.LittleEndian, dirs); err != nil {
			return nil, perrors.Wrap(err, "decoding debug directories")
		}
		return dirs, nil
	})
}

// CodeViewDebugData returns the first valid RSDS record among the debug
// directories. Missing or malformed records are reported as absent.
func (r *Reader) CodeViewDebugData() (CodeViewDebugData, bool) {
	cv, _ := r.codeView.get(func() (*CodeViewDebugData, error) {
		dirs, err := r.DebugDirectories()
		if err != nil {
			level.Warn(r.logger).Log("msg", "unable to read debug directories", "err", err)
			return nil, nil
		}
		for _, d := range dirs {
			if d.Type != DebugTypeCodeView {
				continue
			}
			if cv := r.readCodeView(d); cv != nil {
				return cv, nil
			}
		}
		return nil, nil
	})
	if cv == nil {
		return CodeViewDebugData{}, false
	}
	return *cv, true
}

func (r *Reader) readCodeView(d DebugDirectory) *CodeViewDebugData {
	if d.SizeOfData > maxCodeViewSize {
		level.Warn(r.logger).Log("msg", "codeview record too large, assuming bad data", "size", d.SizeOfData)
		return nil
	}
	if d.SizeOfData < codeViewFixed {
		level.Warn(r.logger).Log("msg", "codeview record too small", "size", d.SizeOfData)
		return nil
	}
	b, ok := r.ReadAtRVA(int32(d.AddressOfRawData), int(d.SizeOfData))
	if !ok {
		level.Warn(r.logger).Log("msg", "unable to read codeview record", "rva", fmt.Sprintf("%#x", d.AddressOfRawData), "size", d.SizeOfData)
		return nil
	}
	if sig := binary.LittleEndian.Uint32(b); sig != codeViewSignature {
		level.Warn(r.logger).Log("msg", "invalid codeview signature", "expected", fmt.Sprintf("%#x", codeViewSignature), "actual", fmt.Sprintf("%#x", sig))
		return nil
	}
	cv := &CodeViewDebugData{
		Age: binary.LittleEndian.Uint32(b[20:]),
	}
	copy(cv.Signature[:], b[4:20])
	cv.PdbPath = cString(b[codeViewFixed:])
	return cv
}

func cString(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(b)
}
