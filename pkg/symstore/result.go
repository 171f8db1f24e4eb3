package symstore

import "fmt"

// Result describes a retrieval. It is filled in whether or not the file was
// found.
type Result struct {
	// CachedPath is where the returned file can be found locally.
	CachedPath string
	// OriginalPath is the first location tried.
	OriginalPath string
	// MessageLog has one line for every location tried.
	MessageLog []string
}

func (r *Result) logf(format string, args ...any) {
	r.MessageLog = append(r.MessageLog, fmt.Sprintf(format, args...))
}

func (r *Result) attempted(location string) {
	if r.OriginalPath == "" {
		r.OriginalPath = location
	}
}

func (r *Result) failed(location string, err error) {
	r.logf("%s [%s]", location, err)
}
