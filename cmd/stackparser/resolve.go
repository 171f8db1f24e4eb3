package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/runutil"
	"github.com/pkg/errors"
	"github.com/samber/lo"
	"gopkg.in/alecthomas/kingpin.v2"

	"github.com/dotnet/corefx-tools/pkg/symbolizer"
	"github.com/dotnet/corefx-tools/pkg/symstore"
)

type commander interface {
	Flag(name, help string) *kingpin.FlagClause
	Arg(name, help string) *kingpin.ArgClause
}

type resolveParams struct {
	modules     []string
	in          string
	out         string
	symsrv      string
	keep        bool
	concurrency int
}

func addResolveParams(cmd commander) *resolveParams {
	params := &resolveParams{}
	cmd.Flag("modules", "Module image to resolve frames against. Repeat for several modules.").Short('m').ExistingFilesVar(&params.modules)
	cmd.Flag("in", "Stack trace to read. Defaults to stdin.").Default("").StringVar(&params.in)
	cmd.Flag("out", "File the rewritten trace is appended to. Defaults to stdout.").Default("").StringVar(&params.out)
	cmd.Flag("symsrv", "Symbol path, e.g. srv*/tmp/symbols*"+symstore.PublicSymbolServer+". Defaults to the config file, then to a temporary cache in front of the public symbol server.").Default("").StringVar(&params.symsrv)
	cmd.Flag("keep", "Keep downloaded symbol files after exit.").Default("false").BoolVar(&params.keep)
	cmd.Flag("concurrency", "Modules to prepare in parallel. Defaults to the config file.").Default("0").IntVar(&params.concurrency)
	return params
}

func resolve(ctx context.Context, conf config, params *resolveParams) (err error) {
	storeCfg := conf.SymStore
	switch {
	case params.symsrv != "":
		storeCfg.Path = params.symsrv
	case storeCfg.Path == "":
		dir, mkErr := os.MkdirTemp("", "stackparser")
		if mkErr != nil {
			return errors.Wrap(mkErr, "creating symbol cache")
		}
		if !params.keep {
			defer func() {
				if rmErr := os.RemoveAll(dir); rmErr != nil {
					level.Warn(logger).Log("msg", "failed to remove symbol cache", "dir", dir, "err", rmErr)
				}
			}()
		}
		storeCfg.Path = "srv*" + filepath.Join(dir, "symbols") + "*" + symstore.PublicSymbolServer
	}
	symCfg := conf.Symbolizer
	if params.concurrency > 0 {
		symCfg.MaxConcurrency = params.concurrency
	}

	chain, err := symstore.New(ctx, storeCfg, logger, nil)
	if err != nil {
		return err
	}
	s, err := symbolizer.New(logger, symCfg, chain, nil, nil)
	if err != nil {
		return err
	}
	defer runutil.CloseWithLogOnErr(logger, s, "close symbolizer")

	for _, path := range lo.Uniq(params.modules) {
		name := s.AddModule(path)
		level.Debug(logger).Log("msg", "registered module", "module", name, "path", path)
	}
	if err = s.Prefetch(ctx); err != nil {
		return err
	}

	in, closeIn, err := openInput(params.in)
	if err != nil {
		return err
	}
	defer closeIn()
	out, closeOut, err := openOutput(ctx, params.out)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := closeOut(); err == nil {
			err = cerr
		}
	}()

	w := symbolizer.NewRewriter(s, symCfg.BaseAddressToken)
	if err = w.Rewrite(ctx, in, out); err != nil {
		return err
	}

	if files := s.DebugInfoFiles(); params.keep && len(files) > 0 {
		fmt.Fprintln(consoleOutput, "Downloaded symbol file(s):")
		for _, f := range files {
			fmt.Fprintln(consoleOutput, f)
		}
	}
	return nil
}

func openInput(path string) (io.Reader, func(), error) {
	if path == "" || path == "-" {
		return os.Stdin, func() {}, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	return f, func() { runutil.CloseWithLogOnErr(logger, f, "close %s", path) }, nil
}

func openOutput(ctx context.Context, path string) (io.Writer, func() error, error) {
	if path == "" || path == "-" {
		return output(ctx), func() error { return nil }, nil
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, nil, err
	}
	return f, f.Close, nil
}
