package symstore

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"github.com/thanos-io/objstore"
	"github.com/thanos-io/objstore/providers/filesystem"
)

// Store is a single symbol store. Names are slash separated paths relative
// to the store root, such as "foo.pdb/<index>/foo.pdb".
type Store interface {
	// Root is the configured address of the store.
	Root() string
	// Kind is "http" or "path".
	Kind() string
	// Location is the full address of name, used in messages and as the
	// cached path handed to callers.
	Location(name string) string
	Open(ctx context.Context, name string) (io.ReadCloser, error)
	// Write stores the content of r under name. Read-only stores return
	// ErrNotSupported without reading r.
	Write(ctx context.Context, name string, r io.Reader) error
}

// PathStore is a symbol store in a local directory or on a file share,
// accessed through an object storage bucket.
type PathStore struct {
	root   string
	bucket objstore.Bucket
}

// NewPathStore opens the directory at root. The directory is created on
// the first write.
func NewPathStore(root string) (*PathStore, error) {
	bkt, err := filesystem.NewBucket(root)
	if err != nil {
		return nil, errors.Wrapf(err, "opening store at %s", root)
	}
	return NewBucketStore(root, bkt), nil
}

// NewBucketStore serves a store from an existing bucket. root is only used
// to report locations.
func NewBucketStore(root string, bkt objstore.Bucket) *PathStore {
	return &PathStore{root: root, bucket: bkt}
}

func (s *PathStore) Root() string { return s.root }

func (s *PathStore) Kind() string { return "path" }

func (s *PathStore) Location(name string) string {
	return filepath.Join(s.root, filepath.FromSlash(name))
}

func (s *PathStore) Open(ctx context.Context, name string) (io.ReadCloser, error) {
	rc, err := s.bucket.Get(ctx, name)
	if err != nil {
		if s.bucket.IsObjNotFoundErr(err) {
			return nil, notFoundError{location: s.Location(name)}
		}
		return nil, err
	}
	return rc, nil
}

func (s *PathStore) Write(ctx context.Context, name string, r io.Reader) error {
	return s.bucket.Upload(ctx, name, r)
}

// storeName joins the parts of a symbol store key.
func storeName(fileName, index, leaf string) string {
	return fileName + "/" + index + "/" + leaf
}

// compressedName is fileName with its last character replaced by '_',
// the symbol server naming convention for cabinet compressed files.
func compressedName(fileName string) string {
	return fileName[:len(fileName)-1] + "_"
}

func validateKey(fileName, index string) error {
	if fileName == "" || fileName == "." || fileName == ".." || strings.ContainsAny(fileName, `/\`) {
		return fmt.Errorf("%w: file name %q", ErrInvalidKey, fileName)
	}
	if index == "" {
		return fmt.Errorf("%w: empty index", ErrInvalidKey)
	}
	for _, c := range index {
		if !('0' <= c && c <= '9' || 'a' <= c && c <= 'z' || 'A' <= c && c <= 'Z') {
			return fmt.Errorf("%w: index %q", ErrInvalidKey, index)
		}
	}
	return nil
}

// memFile is a fully buffered file. It can be rewound after a failed
// write-through.
type memFile struct {
	*bytes.Reader
}

func (memFile) Close() error { return nil }

func newMemFile(b []byte) memFile {
	return memFile{Reader: bytes.NewReader(b)}
}
