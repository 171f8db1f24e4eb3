package symstore

import (
	"bytes"
	"encoding/binary"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/klauspost/compress/flate"
	"github.com/stretchr/testify/require"
)

const testIndex = "3F2504E04F8911D39A0C0305E82C33012"

// fakeSymbolServer serves files by URL path and counts requests.
type fakeSymbolServer struct {
	*httptest.Server

	mu    sync.Mutex
	files map[string][]byte
	hits  map[string]int
	agent string
}

func newFakeSymbolServer(t *testing.T, files map[string][]byte) *fakeSymbolServer {
	s := &fakeSymbolServer{files: files, hits: map[string]int{}}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.hits[r.URL.Path]++
		s.agent = r.UserAgent()
		data, ok := s.files[r.URL.Path]
		s.mu.Unlock()
		if !ok {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/octet-stream")
		_, _ = w.Write(data)
	}))
	t.Cleanup(s.Close)
	return s
}

func (s *fakeSymbolServer) totalHits() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, h := range s.hits {
		n += h
	}
	return n
}

func (s *fakeSymbolServer) userAgent() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.agent
}

func testConfig(path string, client *http.Client) Config {
	cfg := DefaultConfig()
	cfg.Path = path
	cfg.HTTPClient = client
	return cfg
}

func writeFile(t *testing.T, path string, data []byte) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, data, 0o644))
}

// makeCabinet builds a single block MSZIP cabinet holding data.
func makeCabinet(t *testing.T, name string, data []byte) []byte {
	t.Helper()
	require.LessOrEqual(t, len(data), 32*1024)

	var block bytes.Buffer
	block.WriteString("CK")
	fw, err := flate.NewWriter(&block, flate.BestCompression)
	require.NoError(t, err)
	_, err = fw.Write(data)
	require.NoError(t, err)
	require.NoError(t, fw.Close())

	const (
		headerSize = 36
		folderSize = 8
		fileSize   = 16
	)
	filesOffset := headerSize + folderSize
	dataOffset := filesOffset + fileSize + len(name) + 1

	var out bytes.Buffer
	le := func(v any) { require.NoError(t, binary.Write(&out, binary.LittleEndian, v)) }
	out.WriteString("MSCF")
	le([]uint32{0, 0, 0, uint32(filesOffset), 0})
	le([]uint8{3, 1})
	le([]uint16{1, 1, 0, 0, 0}) // folders, files, flags, set id, index
	le(uint32(dataOffset))
	le([]uint16{1, 1}) // blocks, MSZIP
	le([]uint32{uint32(len(data)), 0})
	le([]uint16{0, 0, 0, 0})
	out.WriteString(name)
	out.WriteByte(0)
	le(uint32(0))
	le([]uint16{uint16(block.Len()), uint16(len(data))})
	out.Write(block.Bytes())
	return out.Bytes()
}
