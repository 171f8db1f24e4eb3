package symbolizer

import (
	"cmp"
	"fmt"
	"slices"
	"sort"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/runutil"

	"github.com/dotnet/corefx-tools/pkg/pe"
)

// ExportLookup resolves addresses against an image's own export table,
// refined by its runtime function table. It serves modules for which no
// debug information could be loaded.
type ExportLookup struct {
	logger log.Logger
}

func NewExportLookup(logger log.Logger) *ExportLookup {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &ExportLookup{logger: logger}
}

type exportSession struct {
	// exports sorted by RVA, one per address
	exports []pe.Export
	pdata   *pe.RuntimeFunctionTable
}

// LoadSession reads the export and runtime function tables of the image at
// path. The file is not kept open.
func (l *ExportLookup) LoadSession(path string) (Session, error) {
	f, err := pe.OpenFile(path, pe.WithLogger(l.logger))
	if err != nil {
		return nil, err
	}
	defer runutil.CloseWithLogOnErr(l.logger, f, "close image %s", path)

	if _, err = f.OptionalHeaderMagic(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	exports, err := f.ReadExports()
	if err != nil {
		level.Warn(l.logger).Log("msg", "failed to read export table", "path", path, "err", err)
	}
	pdata, err := f.RuntimeFunctionTable()
	if err != nil {
		level.Warn(l.logger).Log("msg", "failed to read runtime function table", "path", path, "err", err)
	}
	return newExportSession(exports, pdata), nil
}

func newExportSession(exports []pe.Export, pdata *pe.RuntimeFunctionTable) *exportSession {
	s := &exportSession{pdata: pdata}
	for _, e := range exports {
		if e.RVA > 0 {
			s.exports = append(s.exports, e)
		}
	}
	slices.SortFunc(s.exports, func(a, b pe.Export) int {
		return cmp.Or(cmp.Compare(a.RVA, b.RVA), cmp.Compare(a.Name, b.Name))
	})
	s.exports = slices.CompactFunc(s.exports, func(a, b pe.Export) bool {
		return a.RVA == b.RVA
	})
	return s
}

// Resolve names the nearest export at or below rva. When the runtime function
// containing rva starts after that export, the function is named after its
// start address instead.
func (l *ExportLookup) Resolve(s Session, rva uint32) (string, bool) {
	es, ok := s.(*exportSession)
	if !ok {
		return "", false
	}
	var (
		name  string
		start uint32
		found bool
	)
	if i := sort.Search(len(es.exports), func(i int) bool {
		return uint32(es.exports[i].RVA) > rva
	}); i > 0 {
		e := es.exports[i-1]
		name, start, found = e.Name, uint32(e.RVA), true
	}
	if es.pdata != nil {
		fn, res := es.pdata.Lookup(int32(rva))
		if res == pe.Found && (!found || uint32(fn.BeginAddress) > start) {
			name, start, found = fmt.Sprintf("sub_%X", fn.BeginAddress), uint32(fn.BeginAddress), true
		}
	}
	if !found {
		return "", false
	}
	return fmt.Sprintf("%s+0x%x", name, rva-start), true
}

func (l *ExportLookup) ReleaseSession(Session) {}
