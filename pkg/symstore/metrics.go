package symstore

import (
	"context"
	"errors"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	statusSuccess = "success"

	statusErrorPrefix = "error:"

	statusErrorNotFound    = statusErrorPrefix + "not_found"
	statusErrorClientError = statusErrorPrefix + "client_error"
	statusErrorServerError = statusErrorPrefix + "server_error"
	statusErrorHTTPOther   = statusErrorPrefix + "http_other"
	statusErrorHTML        = statusErrorPrefix + "html"

	statusErrorCanceled    = statusErrorPrefix + "canceled"
	statusErrorTimeout     = statusErrorPrefix + "timeout"
	statusErrorUnpack      = statusErrorPrefix + "unpack"
	statusErrorUnsupported = statusErrorPrefix + "unsupported"
	statusErrorOther       = statusErrorPrefix + "other"
)

type metrics struct {
	attempts            *prometheus.CounterVec
	writeThrough        *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
}

func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stackparser_symstore_attempts_total",
			Help: "Symbol store retrieval attempts by store kind and status",
		}, []string{"store", "status"}),
		writeThrough: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stackparser_symstore_write_through_total",
			Help: "Files copied from a backing store into a cache store, by status",
		}, []string{"status"}),
		httpRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "stackparser_symstore_http_request_duration_seconds",
			Help:    "Time spent performing symbol server requests by status",
			Buckets: []float64{0.05, 0.1, 0.5, 1, 5, 10, 30},
		}, []string{"status"}),
	}
	if reg != nil {
		reg.MustRegister(m.attempts, m.writeThrough, m.httpRequestDuration)
	}
	return m
}

func statusOf(err error) string {
	if err == nil {
		return statusSuccess
	}
	switch {
	case errors.Is(err, context.Canceled):
		return statusErrorCanceled
	case errors.Is(err, errTimeout), errors.Is(err, context.DeadlineExceeded):
		return statusErrorTimeout
	case errors.Is(err, ErrNotFound):
		return statusErrorNotFound
	case errors.Is(err, ErrNotSupported):
		return statusErrorUnsupported
	}
	var htmlErr htmlResponseError
	if errors.As(err, &htmlErr) {
		return statusErrorHTML
	}
	if code, ok := isHTTPStatusError(err); ok {
		return categorizeHTTPStatusCode(code)
	}
	return statusErrorOther
}

func categorizeHTTPStatusCode(statusCode int) string {
	switch {
	case statusCode == http.StatusNotFound:
		return statusErrorNotFound
	case statusCode >= 400 && statusCode < 500:
		return statusErrorClientError
	case statusCode >= 500:
		return statusErrorServerError
	default:
		return statusErrorHTTPOther
	}
}
