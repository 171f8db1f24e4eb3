// Package symbolizer turns module relative addresses into symbol names. Debug
// information is located through a symbol store chain using the CodeView
// record of each module image; modules without it fall back to their own
// export and runtime function tables.
package symbolizer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/runutil"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/samber/lo"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/dotnet/corefx-tools/pkg/pe"
	"github.com/dotnet/corefx-tools/pkg/symstore"
)

const (
	DefaultMaxConcurrency   = 4
	DefaultSessionCacheSize = 64
	DefaultBaseAddressToken = "<BaseAddress>"
)

var (
	ErrUnknownModule = errors.New("unknown module")
	ErrNoSymbolPath  = errors.New("no symbol path configured")

	errNoCodeView = errors.New("image has no CodeView debug record")
)

type loadError struct {
	path string
	err  error
}

func (e loadError) Error() string {
	return fmt.Sprintf("loading debug information %s: %v", e.path, e.err)
}

func (e loadError) Unwrap() error { return e.err }

type Config struct {
	MaxConcurrency   int    `yaml:"max_concurrency"`
	SessionCacheSize int    `yaml:"session_cache_size"`
	BaseAddressToken string `yaml:"base_address_token"`
}

func DefaultConfig() Config {
	return Config{
		MaxConcurrency:   DefaultMaxConcurrency,
		SessionCacheSize: DefaultSessionCacheSize,
		BaseAddressToken: DefaultBaseAddressToken,
	}
}

func (cfg *Config) Validate() error {
	if cfg.MaxConcurrency < 1 {
		return fmt.Errorf("invalid max_concurrency value, must be positive")
	}
	if cfg.SessionCacheSize < 1 {
		return fmt.Errorf("invalid session_cache_size value, must be positive")
	}
	if cfg.BaseAddressToken == "" {
		return fmt.Errorf("base_address_token must not be empty")
	}
	return nil
}

type module struct {
	name      string
	imagePath string
	debugInfo *symstore.Result

	mtx      sync.RWMutex
	session  Session
	exports  Session
	released bool
}

type Symbolizer struct {
	logger  log.Logger
	cfg     Config
	chain   *symstore.Chain
	lookup  LookupService
	exports LookupService
	metrics *metrics

	mtx     sync.RWMutex
	images  map[string]string
	local   map[string]string
	fetched map[string]string

	modules *lru.Cache[string, *module]
	group   singleflight.Group
}

// New creates a Symbolizer. Without a chain no debug information is
// retrieved; without a lookup service retrieved debug information is only
// downloaded, and addresses resolve against module exports.
func New(logger log.Logger, cfg Config, chain *symstore.Chain, lookup LookupService, reg prometheus.Registerer) (*Symbolizer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = log.NewNopLogger()
	}
	s := &Symbolizer{
		logger:  logger,
		cfg:     cfg,
		chain:   chain,
		lookup:  lookup,
		exports: NewExportLookup(logger),
		metrics: newMetrics(reg),
		images:  make(map[string]string),
		local:   make(map[string]string),
		fetched: make(map[string]string),
	}
	cache, err := lru.NewWithEvict[string, *module](cfg.SessionCacheSize, s.release)
	if err != nil {
		return nil, err
	}
	s.modules = cache
	return s, nil
}

// ModuleName is the key a module image is registered under: its base name
// without extension, lower cased.
func ModuleName(path string) string {
	base := filepath.Base(strings.ReplaceAll(path, `\`, "/"))
	return strings.ToLower(strings.TrimSuffix(base, filepath.Ext(base)))
}

// AddModule registers the image at path and returns its module name. A later
// image with the same name replaces the earlier one.
func (s *Symbolizer) AddModule(path string) string {
	name := ModuleName(path)
	s.mtx.Lock()
	defer s.mtx.Unlock()
	if prev, ok := s.images[name]; ok && prev != path {
		level.Warn(s.logger).Log("msg", "module registered twice, keeping the last one", "module", name, "previous", prev, "path", path)
		s.modules.Remove(name)
	}
	s.images[name] = path
	return name
}

// AddDebugInfo makes the debug information file at path answer for the
// named module instead of whatever the symbol store chain would return. The
// module needs no registered image; without one only the debug information
// is consulted.
func (s *Symbolizer) AddDebugInfo(moduleName, path string) error {
	if _, err := os.Stat(path); err != nil {
		return err
	}
	name := strings.ToLower(moduleName)
	s.mtx.Lock()
	defer s.mtx.Unlock()
	s.local[name] = path
	s.modules.Remove(name)
	return nil
}

func (s *Symbolizer) Modules() []string {
	s.mtx.RLock()
	defer s.mtx.RUnlock()
	names := lo.Union(lo.Keys(s.images), lo.Keys(s.local))
	slices.Sort(names)
	return names
}

// DebugInfoFiles lists the local paths of all debug information retrieved so
// far.
func (s *Symbolizer) DebugInfoFiles() []string {
	s.mtx.RLock()
	defer s.mtx.RUnlock()
	files := lo.Uniq(lo.Values(s.fetched))
	slices.Sort(files)
	return files
}

// FetchDebugInfo retrieves the debug information named by the CodeView record
// of the image at imagePath.
func (s *Symbolizer) FetchDebugInfo(ctx context.Context, imagePath string) (*symstore.Result, error) {
	if s.chain == nil {
		return nil, ErrNoSymbolPath
	}
	f, err := pe.OpenFile(imagePath, pe.WithLogger(s.logger))
	if err != nil {
		return nil, err
	}
	defer runutil.CloseWithLogOnErr(s.logger, f, "close image %s", imagePath)

	cv, ok := f.CodeViewDebugData()
	if !ok {
		return nil, fmt.Errorf("%s: %w", imagePath, errNoCodeView)
	}
	level.Debug(s.logger).Log("msg", "looking up debug information", "image", imagePath, "pdb", cv.PdbFileName(), "index", cv.IndexString())
	return s.chain.GetFile(ctx, cv.PdbFileName(), cv.IndexString())
}

// Prefetch loads every registered module, at most MaxConcurrency at a time.
func (s *Symbolizer) Prefetch(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.MaxConcurrency)
	for _, name := range s.Modules() {
		g.Go(func() error {
			_, err := s.load(ctx, name)
			return err
		})
	}
	return g.Wait()
}

// Resolve returns the symbol for rva in the named module. The module name is
// matched case-insensitively.
func (s *Symbolizer) Resolve(ctx context.Context, moduleName string, rva uint32) (string, bool) {
	name := strings.ToLower(moduleName)
	for range 2 {
		m, err := s.load(ctx, name)
		if err != nil {
			if errors.Is(err, ErrUnknownModule) {
				s.metrics.resolutions.WithLabelValues(sourceUnknownModule).Inc()
			} else {
				level.Debug(s.logger).Log("msg", "failed to load module", "module", name, "err", err)
			}
			return "", false
		}
		sym, source, ok := s.resolve(m, rva)
		if ok {
			s.metrics.resolutions.WithLabelValues(source).Inc()
			return sym, true
		}
		if source != "" {
			break
		}
		// evicted while in use
	}
	s.metrics.resolutions.WithLabelValues(sourceUnresolved).Inc()
	return "", false
}

func (s *Symbolizer) resolve(m *module, rva uint32) (string, string, bool) {
	m.mtx.RLock()
	defer m.mtx.RUnlock()
	if m.released {
		return "", "", false
	}
	if m.session != nil {
		if sym, ok := s.lookup.Resolve(m.session, rva); ok {
			return sym, sourceDebugInfo, true
		}
	}
	if m.exports != nil {
		if sym, ok := s.exports.Resolve(m.exports, rva); ok {
			return sym, sourceExports, true
		}
	}
	return "", sourceUnresolved, false
}

func (s *Symbolizer) load(ctx context.Context, name string) (*module, error) {
	if m, ok := s.modules.Get(name); ok {
		return m, nil
	}
	s.mtx.RLock()
	path, ok := s.images[name]
	_, local := s.local[name]
	s.mtx.RUnlock()
	if !ok && !local {
		return nil, fmt.Errorf("%w: %s", ErrUnknownModule, name)
	}

	v, err, _ := s.group.Do(name, func() (any, error) {
		if m, ok := s.modules.Get(name); ok {
			return m, nil
		}
		m, err := s.loadModule(ctx, name, path)
		if err != nil {
			return nil, err
		}
		s.modules.Add(name, m)
		return m, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*module), nil
}

func (s *Symbolizer) loadModule(ctx context.Context, name, path string) (*module, error) {
	start := time.Now()
	var debugErr error
	defer func() {
		s.metrics.moduleLoads.WithLabelValues(loadStatus(debugErr)).Observe(time.Since(start).Seconds())
	}()

	m := &module{name: name, imagePath: path}
	s.mtx.RLock()
	localPath, local := s.local[name]
	s.mtx.RUnlock()
	switch {
	case local:
		m.debugInfo = &symstore.Result{OriginalPath: localPath, CachedPath: localPath}
		debugErr = s.openSession(m)
	case s.chain != nil:
		m.debugInfo, debugErr = s.FetchDebugInfo(ctx, path)
		if debugErr == nil {
			s.mtx.Lock()
			s.fetched[name] = m.debugInfo.CachedPath
			s.mtx.Unlock()
			debugErr = s.openSession(m)
		}
	}
	if debugErr != nil {
		level.Warn(s.logger).Log("msg", "debug information unavailable, using exports", "module", name, "err", debugErr)
	}
	if err := ctx.Err(); err != nil {
		s.release(name, m)
		return nil, err
	}
	if path == "" {
		return m, nil
	}

	exports, err := s.exports.LoadSession(path)
	if err != nil {
		level.Warn(s.logger).Log("msg", "failed to read module image", "module", name, "path", path, "err", err)
	} else {
		m.exports = exports
	}
	return m, nil
}

func (s *Symbolizer) openSession(m *module) error {
	if s.lookup == nil {
		return nil
	}
	session, err := s.lookup.LoadSession(m.debugInfo.CachedPath)
	if err != nil {
		return loadError{path: m.debugInfo.CachedPath, err: err}
	}
	m.session = session
	s.metrics.sessions.Inc()
	return nil
}

func (s *Symbolizer) release(_ string, m *module) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	if m.released {
		return
	}
	m.released = true
	if m.session != nil {
		s.lookup.ReleaseSession(m.session)
		s.metrics.sessions.Dec()
		m.session = nil
	}
	if m.exports != nil {
		s.exports.ReleaseSession(m.exports)
		m.exports = nil
	}
}

// Close releases every open session.
func (s *Symbolizer) Close() error {
	s.modules.Purge()
	return nil
}
