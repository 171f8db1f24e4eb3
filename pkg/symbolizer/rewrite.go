package symbolizer

import (
	"bufio"
	"context"
	"io"
	"strconv"
	"strings"
)

// Resolver is implemented by Symbolizer.
type Resolver interface {
	Resolve(ctx context.Context, moduleName string, rva uint32) (string, bool)
}

// Rewriter replaces frames of the form
//
//	<prefix> <module>!<BaseAddress>+0x<rva> <suffix>
//
// with "<prefix> <module>!<symbol> <suffix>". Lines it cannot resolve are
// written unchanged.
type Rewriter struct {
	resolver  Resolver
	separator string
}

func NewRewriter(r Resolver, baseAddressToken string) *Rewriter {
	if baseAddressToken == "" {
		baseAddressToken = DefaultBaseAddressToken
	}
	return &Rewriter{resolver: r, separator: "!" + baseAddressToken + "+0x"}
}

func (w *Rewriter) RewriteLine(ctx context.Context, line string) string {
	var fragments []string
	for _, f := range strings.Split(line, w.separator) {
		if f != "" {
			fragments = append(fragments, f)
		}
	}
	if len(fragments) != 2 {
		return line
	}

	prefix, moduleName := "", fragments[0]
	if i := strings.LastIndexByte(moduleName, ' '); i >= 0 {
		prefix, moduleName = moduleName[:i+1], moduleName[i+1:]
	}
	rvaText, suffix := fragments[1], ""
	if i := strings.IndexByte(rvaText, ' '); i >= 0 {
		rvaText, suffix = rvaText[:i], rvaText[i:]
	}
	rva, err := strconv.ParseUint(rvaText, 16, 32)
	if err != nil || rva == 0 || moduleName == "" {
		return line
	}

	sym, ok := w.resolver.Resolve(ctx, moduleName, uint32(rva))
	if !ok {
		return line
	}
	return prefix + moduleName + "!" + sym + suffix
}

// Rewrite copies in to out line by line, rewriting each frame.
func (w *Rewriter) Rewrite(ctx context.Context, in io.Reader, out io.Writer) error {
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	bw := bufio.NewWriter(out)
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := bw.WriteString(w.RewriteLine(ctx, scanner.Text())); err != nil {
			return err
		}
		if err := bw.WriteByte('\n'); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	return bw.Flush()
}
