package main

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/runutil"
	"github.com/olekukonko/tablewriter"

	"github.com/dotnet/corefx-tools/pkg/pe"
)

type infoParams struct {
	module string
}

func addInfoParams(cmd commander) *infoParams {
	params := &infoParams{}
	cmd.Arg("module", "Module image.").Required().ExistingFileVar(&params.module)
	return params
}

func info(ctx context.Context, params *infoParams) error {
	f, err := pe.OpenFile(params.module, pe.WithLogger(logger))
	if err != nil {
		return err
	}
	defer runutil.CloseWithLogOnErr(logger, f, "close %s", params.module)

	coff, err := f.COFFFileHeader()
	if err != nil {
		return err
	}
	is64, err := f.Is64Bit()
	if err != nil {
		return err
	}
	sizeOfImage, err := f.SizeOfImage()
	if err != nil {
		return err
	}
	managed, err := f.IsManaged()
	if err != nil {
		return err
	}
	exports, exportsErr := f.ReadExports()
	if exportsErr != nil {
		level.Warn(logger).Log("msg", "failed to read exports", "module", params.module, "err", exportsErr)
	}
	sections, err := f.SectionHeaders()
	if err != nil {
		return err
	}

	out := output(ctx)
	fmt.Fprintln(out, "Module:", params.module)
	fmt.Fprintf(out, "\tMachine: %#04x (%s)\n", coff.Machine, pe.ArchFromMachine(coff.Machine))
	fmt.Fprintln(out, "\tTimestamp:", time.Unix(int64(coff.TimeDateStamp), 0).UTC().Format(time.RFC3339))
	fmt.Fprintln(out, "\t64-bit:", is64)
	fmt.Fprintf(out, "\tSize of image: %s (%#x)\n", humanize.IBytes(uint64(sizeOfImage)), sizeOfImage)
	fmt.Fprintln(out, "\tManaged:", managed)
	if exportsErr != nil {
		fmt.Fprintln(out, "\tExports: unreadable")
	} else {
		fmt.Fprintln(out, "\tExports:", len(exports))
	}
	if cv, ok := f.CodeViewDebugData(); ok {
		fmt.Fprintln(out, "\tCodeView:")
		fmt.Fprintln(out, "\t\tGUID:", cv.Signature)
		fmt.Fprintln(out, "\t\tAge:", cv.Age)
		fmt.Fprintln(out, "\t\tPath:", cv.PdbPath)
		fmt.Fprintln(out, "\t\tIndex:", cv.PdbFileName()+"/"+cv.IndexString())
	}

	fmt.Fprintln(out, "\tSections:")
	table := tablewriter.NewWriter(out)
	table.SetHeader([]string{"Name", "RVA", "VirtualSize", "RawOffset", "RawSize"})
	for _, s := range sections {
		table.Append([]string{
			s.SectionName(),
			fmt.Sprintf("%#x", s.VirtualAddress),
			fmt.Sprintf("%#x", s.VirtualSize),
			fmt.Sprintf("%#x", s.PointerToRawData),
			fmt.Sprintf("%#x", s.SizeOfRawData),
		})
	}
	table.Render()
	return nil
}

type unwindParams struct {
	module string
	rva    string
}

func addUnwindParams(cmd commander) *unwindParams {
	params := &unwindParams{}
	cmd.Arg("module", "Module image.").Required().ExistingFileVar(&params.module)
	cmd.Arg("rva", "Address relative to the image base, in hex.").Required().StringVar(&params.rva)
	return params
}

func unwind(ctx context.Context, params *unwindParams) error {
	rva, err := strconv.ParseUint(strings.TrimPrefix(strings.ToLower(params.rva), "0x"), 16, 32)
	if err != nil {
		return fmt.Errorf("invalid rva %q: %w", params.rva, err)
	}
	f, err := pe.OpenFile(params.module, pe.WithLogger(logger))
	if err != nil {
		return err
	}
	defer runutil.CloseWithLogOnErr(logger, f, "close %s", params.module)

	table, err := f.RuntimeFunctionTable()
	if err != nil {
		return err
	}
	entry, res := table.Lookup(int32(rva))
	out := output(ctx)
	fmt.Fprintf(out, "%s (%d entries, %s)\n", res, len(table.Entries()), table.Arch())
	if res == pe.Found {
		fmt.Fprintln(out, entry)
	}
	return nil
}
