package main

import (
	"bytes"
	dpe "debug/pe"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dotnet/corefx-tools/pkg/pe/petest"
)

// writeImage writes an AMD64 image with runtime functions at
// [0x1000,0x1100) and [0x1200,0x1280).
func writeImage(t *testing.T, name string) string {
	t.Helper()
	img := petest.New(dpe.IMAGE_FILE_MACHINE_AMD64, true)
	img.Timestamp = 0
	img.Section(".text", 0x1000).Put(t, bytes.Repeat([]byte{0xCC}, 0x300))
	img.Section(".pdata", 0x2000).Put(t, []int32{
		0x1000, 0x1100, 0x3000,
		0x1200, 0x1280, 0x3000,
	})
	img.Directory(dpe.IMAGE_DIRECTORY_ENTRY_EXCEPTION, 0x2000, 24)

	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, img.Disk(t), 0o644))
	return path
}
