package symstore

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound     = errors.New("symstore: file not found")
	ErrNotSupported = errors.New("not supported")
	ErrInvalidKey   = errors.New("symstore: invalid file name or index")
	ErrInvalidPath  = errors.New("symstore: invalid store path")

	errTimeout = errors.New("timed out waiting for http response")
)

type notFoundError struct {
	location string
}

func (e notFoundError) Error() string {
	return fmt.Sprintf("file not found at %s", e.location)
}

func (e notFoundError) Is(target error) bool {
	return target == ErrNotFound
}

type httpStatusError struct {
	statusCode int
	status     string
}

func (e httpStatusError) Error() string {
	return fmt.Sprintf("http request answered with status code %d", e.statusCode)
}

func (e httpStatusError) Is(target error) bool {
	return target == ErrNotFound && e.statusCode == 404
}

type htmlResponseError struct {
	location string
}

func (e htmlResponseError) Error() string {
	return fmt.Sprintf("http request redirected to %s", e.location)
}

func isHTTPStatusError(err error) (int, bool) {
	var httpErr httpStatusError
	if errors.As(err, &httpErr) {
		return httpErr.statusCode, true
	}
	return 0, false
}
