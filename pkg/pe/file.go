package pe

import (
	"os"
)

// File is a Reader over an image opened from disk.
type File struct {
	*Reader
	f *os.File
}

// OpenFile opens the image at path in DiskFormat.
func OpenFile(path string, opts ...Option) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	return &File{
		Reader: NewReader(f, DiskFormat, opts...),
		f:      f,
	}, nil
}

func (f *File) Close() error {
	return f.f.Close()
}
