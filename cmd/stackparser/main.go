package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/fatih/color"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/common/version"
	"gopkg.in/alecthomas/kingpin.v2"
)

var cfg struct {
	verbose    bool
	configFile string
}

var (
	consoleOutput = os.Stderr
	logger        = log.NewLogfmtLogger(log.NewSyncWriter(consoleOutput))
)

func main() {
	ctx := withOutput(context.Background(), os.Stdout)

	app := kingpin.New(filepath.Base(os.Args[0]), "Resolves module relative addresses in stack traces using symbol servers.").UsageWriter(os.Stdout)
	app.Version(version.Print("stackparser"))
	app.HelpFlag.Short('h')
	app.Flag("verbose", "Enable verbose logging.").Short('v').Default("0").BoolVar(&cfg.verbose)
	app.Flag("config.file", "YAML configuration file. Command line flags take precedence.").Default("").StringVar(&cfg.configFile)

	resolveCmd := app.Command("resolve", "Rewrite <module>!<BaseAddress>+0x<rva> frames into symbol names.").Default()
	resolveParams := addResolveParams(resolveCmd)

	fetchCmd := app.Command("fetch", "Retrieve debug information for module images.")
	fetchParams := addFetchParams(fetchCmd)

	infoCmd := app.Command("info", "Print the headers and debug record of a module image.")
	infoParams := addInfoParams(infoCmd)

	unwindCmd := app.Command("unwind", "Look up the runtime function covering an address.")
	unwindParams := addUnwindParams(unwindCmd)

	// parse command line arguments
	parsedCmd := kingpin.MustParse(app.Parse(os.Args[1:]))

	// enable verbose logging if requested
	if !cfg.verbose {
		logger = level.NewFilter(logger, level.AllowInfo())
	}

	conf, err := loadConfig(cfg.configFile)
	if err != nil {
		os.Exit(checkError(err))
	}

	switch parsedCmd {
	case resolveCmd.FullCommand():
		os.Exit(checkError(resolve(ctx, conf, resolveParams)))
	case fetchCmd.FullCommand():
		os.Exit(checkError(fetch(ctx, conf, fetchParams)))
	case infoCmd.FullCommand():
		os.Exit(checkError(info(ctx, infoParams)))
	case unwindCmd.FullCommand():
		os.Exit(checkError(unwind(ctx, unwindParams)))
	default:
		level.Error(logger).Log("msg", "unknown command", "cmd", parsedCmd)
	}
}

func checkError(err error) int {
	if err == nil {
		return 0
	}
	fmt.Fprintln(os.Stderr, color.RedString("error:"), err)
	return 1
}

type contextKey uint8

const (
	contextKeyOutput contextKey = iota
)

func withOutput(ctx context.Context, w io.Writer) context.Context {
	return context.WithValue(ctx, contextKeyOutput, w)
}

func output(ctx context.Context) io.Writer {
	if w, ok := ctx.Value(contextKeyOutput).(io.Writer); ok {
		return w
	}
	return os.Stdout
}
