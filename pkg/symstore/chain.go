// Package symstore retrieves debug-info files from chains of symbol stores
// laid out as {file}/{index}/{file}: local cache directories, file shares
// and HTTP symbol servers.
package symstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/runutil"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/dotnet/corefx-tools/pkg/cabinet"
)

const (
	pingFileName = "pingme.txt"
	storePrefix  = "STORE:"
)

// Chain is an ordered list of stores. Each store is backed by the one after
// it: files missing from a store are looked up in its backing store and
// copied back on success. A Chain is immutable and safe for concurrent use.
type Chain struct {
	logger  log.Logger
	stores  []Store
	metrics *metrics
}

// New builds the chain described by cfg.Path. Every local segment is
// checked for a pingme.txt relocation before the chain is built.
func New(ctx context.Context, cfg Config, logger log.Logger, reg prometheus.Registerer) (*Chain, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = log.NewNopLogger()
	}
	c := &Chain{
		logger:  logger,
		metrics: newMetrics(reg),
	}
	segments := splitPath(cfg.Path)
	if len(segments) == 0 {
		return nil, fmt.Errorf("%w: %q names no stores", ErrInvalidPath, cfg.Path)
	}
	for _, segment := range segments {
		s, err := c.newStore(ctx, segment, cfg)
		if err != nil {
			return nil, err
		}
		c.stores = append(c.stores, s)
	}
	return c, nil
}

// NewWithStores builds a chain from already constructed stores, the first
// being consulted first.
func NewWithStores(logger log.Logger, reg prometheus.Registerer, stores ...Store) *Chain {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Chain{
		logger:  logger,
		stores:  stores,
		metrics: newMetrics(reg),
	}
}

func (c *Chain) newStore(ctx context.Context, segment string, cfg Config) (Store, error) {
	if isHTTP(segment) {
		return newHTTPStore(segment, cfg, c.metrics)
	}
	path := segment
	if path == "" {
		dir, err := filepath.Abs(cfg.DefaultCacheDir)
		if err != nil {
			return nil, fmt.Errorf("resolving default cache directory: %w", err)
		}
		path = dir
	}
	if redirected, ok := c.relocation(ctx, path); ok {
		level.Debug(c.logger).Log("msg", "symbol store relocated", "from", path, "to", redirected)
		if isHTTP(redirected) {
			return newHTTPStore(redirected, cfg, c.metrics)
		}
		path = redirected
	}
	return NewPathStore(path)
}

// relocation reads the pingme.txt at path. A file starting with "STORE:"
// moves the store to the address that follows.
func (c *Chain) relocation(ctx context.Context, path string) (string, bool) {
	s, err := NewPathStore(path)
	if err != nil {
		return "", false
	}
	rc, err := s.Open(ctx, pingFileName)
	if err != nil {
		return "", false
	}
	defer runutil.CloseWithLogOnErr(c.logger, rc, "close pingme.txt")
	b, err := io.ReadAll(io.LimitReader(rc, maxPtrFileSize))
	if err != nil {
		level.Warn(c.logger).Log("msg", "unable to read pingme.txt", "path", path, "err", err)
		return "", false
	}
	content := string(b)
	if !strings.HasPrefix(content, storePrefix) {
		return "", false
	}
	return strings.TrimRight(content[len(storePrefix):], "\r\n"), true
}

// Stores returns the stores in lookup order.
func (c *Chain) Stores() []Store {
	return c.stores
}

// TryGetFile looks up fileName with the given index. On success the
// returned stream reads the file and the result's CachedPath says where a
// copy lives. The result is returned in all cases; its MessageLog lists
// every location tried.
func (c *Chain) TryGetFile(ctx context.Context, fileName, index string) (io.ReadCloser, *Result, bool) {
	res := &Result{}
	if err := validateKey(fileName, index); err != nil {
		res.logf("%s", err)
		return nil, res, false
	}
	if len(c.stores) == 0 {
		return nil, res, false
	}
	rc, ok := c.tryGetFile(ctx, 0, fileName, index, res)
	return rc, res, ok
}

// GetFile is TryGetFile for callers that only need the local copy. It
// returns an error wrapping ErrNotFound when no store has the file.
func (c *Chain) GetFile(ctx context.Context, fileName, index string) (*Result, error) {
	rc, res, ok := c.TryGetFile(ctx, fileName, index)
	if !ok {
		return res, fmt.Errorf("%w: %s/%s", ErrNotFound, fileName, index)
	}
	runutil.CloseWithLogOnErr(c.logger, rc, "close symbol file")
	return res, nil
}

func (c *Chain) tryGetFile(ctx context.Context, i int, fileName, index string, res *Result) (io.ReadCloser, bool) {
	s := c.stores[i]
	if rc, ok := c.tryLocal(ctx, s, fileName, index, res); ok {
		return rc, true
	}
	if i+1 >= len(c.stores) {
		return nil, false
	}
	rc, ok := c.tryGetFile(ctx, i+1, fileName, index, res)
	if !ok {
		return nil, false
	}

	name := storeName(fileName, index, fileName)
	err := s.Write(ctx, name, rc)
	c.metrics.writeThrough.WithLabelValues(statusOf(err)).Inc()
	if err != nil {
		res.logf("%s [not cached: %s]", s.Location(name), err)
		if seeker, ok := rc.(io.Seeker); ok {
			if _, serr := seeker.Seek(0, io.SeekStart); serr == nil {
				return rc, true
			}
		}
		runutil.CloseWithLogOnErr(c.logger, rc, "close symbol file")
		return nil, false
	}
	runutil.CloseWithLogOnErr(c.logger, rc, "close symbol file")
	return c.tryLocal(ctx, s, fileName, index, res)
}

// tryLocal looks in a single store for the file itself, then for its
// compressed form, then for a file.ptr redirect.
func (c *Chain) tryLocal(ctx context.Context, s Store, fileName, index string, res *Result) (io.ReadCloser, bool) {
	name := storeName(fileName, index, fileName)
	if rc, err := c.open(ctx, s, name, res); err == nil {
		res.CachedPath = s.Location(name)
		return rc, true
	}

	if rc, ok := c.tryCompressed(ctx, s, fileName, index, res); ok {
		return rc, true
	}

	ptrName := storeName(fileName, index, ptrFileName)
	rc, err := c.open(ctx, s, ptrName, res)
	if err != nil {
		return nil, false
	}
	content, err := io.ReadAll(io.LimitReader(rc, maxPtrFileSize))
	runutil.CloseWithLogOnErr(c.logger, rc, "close file.ptr")
	ptrLocation := s.Location(ptrName)
	if err != nil {
		res.failed(ptrLocation, err)
		return nil, false
	}
	ptr, ok := ParsePtrFile(string(content))
	if !ok {
		res.logf("%s [Unable to parse]", ptrLocation)
		return nil, false
	}
	res.logf("%s [Redirecting search]", ptrLocation)
	if ptr.Message != "" {
		res.logf("    Msg: %s", ptr.Message)
		return nil, false
	}
	res.logf("    Path: %s", ptr.Path)
	f, err := os.Open(ptr.Path)
	if err != nil {
		res.failed(ptr.Path, err)
		return nil, false
	}
	res.CachedPath = ptr.Path
	return f, true
}

func (c *Chain) tryCompressed(ctx context.Context, s Store, fileName, index string, res *Result) (io.ReadCloser, bool) {
	name := storeName(fileName, index, compressedName(fileName))
	rc, err := c.open(ctx, s, name, res)
	if err != nil {
		return nil, false
	}
	unpacked, err := cabinet.Unpack(rc)
	runutil.CloseWithLogOnErr(c.logger, rc, "close compressed symbol file")
	if err != nil {
		c.metrics.attempts.WithLabelValues(s.Kind(), statusErrorUnpack).Inc()
		res.failed(s.Location(name), err)
		return nil, false
	}
	res.CachedPath = s.Location(name)

	// Keep the expanded file next to the compressed one so the cached path
	// names a usable file.
	expanded := storeName(fileName, index, fileName)
	if err = s.Write(ctx, expanded, unpacked); err == nil {
		res.CachedPath = s.Location(expanded)
	} else if !errors.Is(err, ErrNotSupported) {
		level.Warn(c.logger).Log("msg", "unable to store expanded symbol file", "path", s.Location(expanded), "err", err)
	}
	if _, err = unpacked.Seek(0, io.SeekStart); err != nil {
		return nil, false
	}
	return memFile{Reader: unpacked}, true
}

func (c *Chain) open(ctx context.Context, s Store, name string, res *Result) (io.ReadCloser, error) {
	location := s.Location(name)
	res.attempted(location)
	rc, err := s.Open(ctx, name)
	c.metrics.attempts.WithLabelValues(s.Kind(), statusOf(err)).Inc()
	if err != nil {
		res.failed(location, err)
		return nil, err
	}
	res.logf("Retrieved %s", location)
	return rc, nil
}
