package symstore

import "strings"

const (
	ptrFileName      = "file.ptr"
	ptrMessagePrefix = "MSG: "
	ptrPathPrefix    = "PATH:"
	// file.ptr files are a single short line
	maxPtrFileSize = 4096
)

// PtrFile is a file.ptr redirect. Exactly one of Message and Path is set.
type PtrFile struct {
	Message string
	Path    string
}

// ParsePtrFile parses the content of a file.ptr. It returns false if the
// content is neither a message nor a path.
func ParsePtrFile(content string) (PtrFile, bool) {
	content = strings.TrimRight(content, "\r\n")
	switch {
	case strings.HasPrefix(content, ptrMessagePrefix):
		return PtrFile{Message: content[len(ptrMessagePrefix):]}, true
	case strings.HasPrefix(content, ptrPathPrefix):
		p := content[len(ptrPathPrefix):]
		if p == "" {
			return PtrFile{}, false
		}
		return PtrFile{Path: p}, true
	default:
		return PtrFile{}, false
	}
}
