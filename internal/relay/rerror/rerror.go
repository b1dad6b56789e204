// Package rerror implements the relay's error taxonomy and its mapping onto
// HTTP status codes, per spec.md §7.
//
// Grounded on internal/pipeline/core/errors.go's wrapped-error-with-fields
// idiom (struct types implementing error+Unwrap, package-level sentinels
// for the cases that carry no extra data).
package rerror

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
)

// AuthError indicates a failed password check. Never retried.
type AuthError struct {
	Reason string
}

func (e *AuthError) Error() string { return fmt.Sprintf("auth error: %s", e.Reason) }

// BadRequestError indicates a missing or invalid request parameter.
type BadRequestError struct {
	Param  string
	Reason string
}

func (e *BadRequestError) Error() string {
	return fmt.Sprintf("bad request: %s: %s", e.Param, e.Reason)
}

// ExtractionError indicates an extractor could not produce a
// StreamDescriptor, even after the registry's single automatic retry.
type ExtractionError struct {
	URL string
	Err error
}

func (e *ExtractionError) Error() string { return fmt.Sprintf("extraction failed for %s: %v", e.URL, e.Err) }
func (e *ExtractionError) Unwrap() error { return e.Err }

// TransientUpstreamError indicates a recognized-temporary upstream failure
// (403/502, timeout, connection refused, "temporarily unavailable" bodies).
type TransientUpstreamError struct {
	URL string
	Err error
}

func (e *TransientUpstreamError) Error() string {
	return fmt.Sprintf("transient upstream error for %s: %v", e.URL, e.Err)
}
func (e *TransientUpstreamError) Unwrap() error { return e.Err }

// UpstreamError indicates a non-2xx response when a stream was expected.
// Body carries the upstream response body, forwarded verbatim to the
// client alongside Status.
type UpstreamError struct {
	URL    string
	Status int
	Body   []byte
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("upstream %s returned status %d", e.URL, e.Status)
}

// DecryptError indicates a CENC decryptor invariant was violated (missing
// key, malformed boxes).
type DecryptError struct {
	Reason string
}

func (e *DecryptError) Error() string { return fmt.Sprintf("decrypt error: %s", e.Reason) }

// ClientDisconnected indicates the client closed the connection mid-stream.
type ClientDisconnected struct {
	Err error
}

func (e *ClientDisconnected) Error() string { return fmt.Sprintf("client disconnected: %v", e.Err) }
func (e *ClientDisconnected) Unwrap() error { return e.Err }

// StatusCode maps err onto spec.md §7's HTTP status taxonomy. Unrecognized
// errors map to 500.
func StatusCode(err error) int {
	var (
		authErr         *AuthError
		badRequestErr   *BadRequestError
		extractionErr   *ExtractionError
		transientErr    *TransientUpstreamError
		upstreamErr     *UpstreamError
		decryptErr      *DecryptError
		disconnectedErr *ClientDisconnected
	)
	switch {
	case errors.As(err, &authErr):
		return http.StatusUnauthorized
	case errors.As(err, &badRequestErr):
		return http.StatusBadRequest
	case errors.As(err, &extractionErr):
		return http.StatusInternalServerError
	case errors.As(err, &transientErr):
		return http.StatusServiceUnavailable
	case errors.As(err, &upstreamErr):
		return upstreamErr.Status
	case errors.As(err, &decryptErr):
		return http.StatusInternalServerError
	case errors.As(err, &disconnectedErr):
		return 499
	default:
		return http.StatusInternalServerError
	}
}

// WriteHTTP writes err to w with the status and body spec.md §7 prescribes,
// and logs it at the severity the taxonomy calls for (TransientUpstreamError
// at warning without a stack trace, ClientDisconnected at info, everything
// else the caller is expected to have already logged at error level).
func WriteHTTP(ctx context.Context, logger *slog.Logger, w http.ResponseWriter, err error) {
	var upstreamErr *UpstreamError
	if errors.As(err, &upstreamErr) {
		w.WriteHeader(upstreamErr.Status)
		_, _ = w.Write(upstreamErr.Body)
		return
	}

	var transientErr *TransientUpstreamError
	if errors.As(err, &transientErr) {
		logger.WarnContext(ctx, "transient upstream error", "error", err.Error())
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}

	var disconnectedErr *ClientDisconnected
	if errors.As(err, &disconnectedErr) {
		logger.InfoContext(ctx, "client disconnected", "error", err.Error())
		return
	}

	http.Error(w, err.Error(), StatusCode(err))
}

// IsTransient reports whether err (or an HTTP status code alone) should be
// classified as a TransientUpstreamError, per spec.md §7's recognized set.
func IsTransient(statusCode int, err error) bool {
	if err != nil {
		return true
	}
	switch statusCode {
	case http.StatusForbidden, http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	}
	return false
}
