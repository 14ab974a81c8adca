// ABOUTME: Error taxonomy shared by the correlator, run tracker and gateway client
// ABOUTME: Sentinels for transport/timeout failures plus the structured RemoteError

package protocol

import (
	"errors"
	"fmt"
)

// Local failure sentinels. Callers classify with errors.Is.
var (
	// ErrConnectionClosed rejects work that was outstanding when the socket dropped.
	ErrConnectionClosed = errors.New("gateway connection closed")

	// ErrRequestTimeout is returned when no response arrived within the request window.
	ErrRequestTimeout = errors.New("gateway request timed out")

	// ErrStreamTimeout is returned when a run produced no final event within its window.
	ErrStreamTimeout = errors.New("gateway stream timed out")
)

// RemoteError is an application error reported by the gateway in a response
// (ok=false) or in a run's terminal event. Code and message are surfaced verbatim.
type RemoteError struct {
	Code    string
	Message string
}

func (e *RemoteError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("gateway error: %s", e.Message)
	}
	return fmt.Sprintf("gateway error %s: %s", e.Code, e.Message)
}

// HasCode reports whether err is a RemoteError with the given code.
func HasCode(err error, code string) bool {
	var re *RemoteError
	if errors.As(err, &re) {
		return re.Code == code
	}
	return false
}
