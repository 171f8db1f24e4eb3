package main

import (
	"context"
	"fmt"

	"github.com/go-kit/log/level"
	"github.com/hashicorp/go-multierror"
	"github.com/samber/lo"

	"github.com/dotnet/corefx-tools/pkg/symbolizer"
	"github.com/dotnet/corefx-tools/pkg/symstore"
)

type fetchParams struct {
	modules []string
	symsrv  string
}

func addFetchParams(cmd commander) *fetchParams {
	params := &fetchParams{}
	cmd.Arg("module", "Module image(s) to fetch debug information for.").Required().ExistingFilesVar(&params.modules)
	cmd.Flag("symsrv", "Symbol path. Defaults to the config file, then to a cache in the working directory in front of the public symbol server.").Default("").StringVar(&params.symsrv)
	return params
}

func fetch(ctx context.Context, conf config, params *fetchParams) error {
	storeCfg := conf.SymStore
	switch {
	case params.symsrv != "":
		storeCfg.Path = params.symsrv
	case storeCfg.Path == "":
		storeCfg.Path = "srv**" + symstore.PublicSymbolServer
	}
	chain, err := symstore.New(ctx, storeCfg, logger, nil)
	if err != nil {
		return err
	}
	s, err := symbolizer.New(logger, conf.Symbolizer, chain, nil, nil)
	if err != nil {
		return err
	}
	defer s.Close()

	var (
		w       = output(ctx)
		modules = lo.Uniq(params.modules)
		errs    error
	)
	for _, path := range modules {
		res, err := s.FetchDebugInfo(ctx, path)
		if err != nil {
			errs = multierror.Append(errs, fmt.Errorf("%s: %w", path, err))
			level.Warn(logger).Log("msg", "failed to fetch debug information", "module", path, "err", err)
			fmt.Fprintf(w, "%s: not found\n", path)
		} else {
			fmt.Fprintf(w, "%s: %s\n", path, res.CachedPath)
		}
		if res != nil {
			for _, line := range res.MessageLog {
				fmt.Fprintf(w, "    %s\n", line)
			}
		}
	}
	return errs
}
