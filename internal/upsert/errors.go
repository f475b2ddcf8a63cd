package upsert

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrTransport: the request never produced an HTTP response
	// (connection refused, DNS failure, reset, client timeout).
	ErrTransport = errors.New("transport error")

	// ErrResponse: the store answered, but the body is not a JSON object
	// or lacks the result fields.
	ErrResponse = errors.New("unusable response")
)

// ResponseError describes an answer that could not be turned into a
// result. errors.Is(err, ErrResponse) holds for every ResponseError.
type ResponseError struct {
	Status int
	Reason string
	Body   string // first bytes of the body, for diagnostics
}

func (e *ResponseError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s: HTTP %d: %s", ErrResponse, e.Status, e.Reason)
	}
	return fmt.Sprintf("%s: HTTP %d: %s: %s", ErrResponse, e.Status, e.Reason, e.Body)
}

func (e *ResponseError) Is(target error) bool {
	return target == ErrResponse
}

// Temporary reports whether the status suggests the same request may
// succeed later (429 or any 5xx).
func (e *ResponseError) Temporary() bool {
	return e.Status == http.StatusTooManyRequests || e.Status >= 500
}

// retryable decides which failures the retry loop repeats.
func retryable(err error) bool {
	if errors.Is(err, ErrTransport) {
		return true
	}

	var re *ResponseError
	return errors.As(err, &re) && re.Temporary()
}

const maxPreview = 256

func preview(body []byte) string {
	if len(body) > maxPreview {
		return string(body[:maxPreview]) + "..."
	}
	return string(body)
}
