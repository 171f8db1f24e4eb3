package symstore

import (
	"fmt"
	"net/http"
	"strings"
	"time"
)

const (
	DefaultUserAgent   = "Microsoft-Symbol-Server/6.3.9600.17095"
	DefaultHTTPTimeout = 30 * time.Second
	DefaultCacheDir    = "sym"

	// PublicSymbolServer is Microsoft's public symbol server.
	PublicSymbolServer = "http://msdl.microsoft.com/download/symbols"
)

type Config struct {
	// Path is a symbol path such as "srv*c:\symbols*http://server/symbols".
	Path string `yaml:"path"`
	// DefaultCacheDir replaces empty segments of Path. Relative
	// directories are resolved against the working directory.
	DefaultCacheDir string        `yaml:"default_cache_dir"`
	HTTPTimeout     time.Duration `yaml:"http_timeout"`
	UserAgent       string        `yaml:"user_agent"`
	// MaxRequestsPerSecond limits requests to each symbol server. Zero
	// means no limit.
	MaxRequestsPerSecond float64 `yaml:"max_requests_per_second"`

	HTTPClient *http.Client `yaml:"-"`
}

func DefaultConfig() Config {
	return Config{
		DefaultCacheDir: DefaultCacheDir,
		HTTPTimeout:     DefaultHTTPTimeout,
		UserAgent:       DefaultUserAgent,
	}
}

func (cfg *Config) Validate() error {
	if cfg.HTTPTimeout <= 0 {
		return fmt.Errorf("http_timeout must be positive, got %s", cfg.HTTPTimeout)
	}
	if cfg.MaxRequestsPerSecond < 0 {
		return fmt.Errorf("max_requests_per_second must not be negative, got %v", cfg.MaxRequestsPerSecond)
	}
	for _, s := range splitPath(cfg.Path) {
		if strings.HasPrefix(s, "http:") || strings.HasPrefix(s, "https:") {
			if !isHTTP(s) {
				return fmt.Errorf("%w: malformed server address %q", ErrInvalidPath, s)
			}
		}
	}
	return nil
}

// splitPath breaks a symbol path into store segments, dropping the
// leading "srv" marker.
func splitPath(path string) []string {
	segments := strings.Split(path, "*")
	if len(segments) > 0 && strings.EqualFold(segments[0], "srv") {
		segments = segments[1:]
	}
	return segments
}

func isHTTP(path string) bool {
	return strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://")
}
