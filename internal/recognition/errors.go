package recognition

import (
	"errors"
	"fmt"
)

// Error kinds. Every error returned by Client matches exactly one of the
// operation kinds below via errors.Is; transport failures additionally match
// ErrNetwork.
var (
	ErrNetwork     = errors.New("network error")
	ErrAuth        = errors.New("authentication failed")
	ErrUpload      = errors.New("upload failed")
	ErrSubmission  = errors.New("submission failed")
	ErrStatus      = errors.New("status check failed")
	ErrDownload    = errors.New("result download failed")
	ErrResultParse = errors.New("result parse failed")
)

// maxErrorBody bounds how much of a response body is echoed in Error().
const maxErrorBody = 512

// Error is returned by every Client operation. Body holds the raw response
// body when one was received.
type Error struct {
	Kind       error
	Op         string
	StatusCode int
	Body       string
	Err        error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %v", e.Op, e.Kind)
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(": status %d", e.StatusCode)
	}
	if e.Err != nil {
		msg += fmt.Sprintf(": %v", e.Err)
	}
	if e.Body != "" {
		msg += ": " + truncate(e.Body, maxErrorBody)
	}
	return msg
}

func (e *Error) Unwrap() []error {
	return []error{e.Kind, e.Err}
}

// KindOf returns a short name for the kind of err, or "internal" when err
// did not come from this package.
func KindOf(err error) string {
	switch {
	case errors.Is(err, ErrAuth):
		return "auth"
	case errors.Is(err, ErrNetwork):
		return "network"
	case errors.Is(err, ErrResultParse):
		return "result_parse"
	case errors.Is(err, ErrUpload):
		return "upload"
	case errors.Is(err, ErrSubmission):
		return "submission"
	case errors.Is(err, ErrStatus):
		return "status"
	case errors.Is(err, ErrDownload):
		return "download"
	default:
		return "internal"
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
