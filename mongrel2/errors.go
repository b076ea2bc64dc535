package mongrel2

import (
	"errors"
	"fmt"
	"strings"
)

// ErrConnectionClosed is returned by Receive and Reply once Close has been
// called on the connection.
var ErrConnectionClosed = errors.New("mongrel2: connection closed")

// BadRequestError reports an envelope that was framed correctly but whose
// contents were not usable (headers neither a dict nor a JSON object, a
// JSON body that does not parse, a malformed WebSocket frame).
type BadRequestError struct {
	Reason string
}

func (e *BadRequestError) Error() string {
	return "mongrel2: bad request: " + e.Reason
}

func badRequestf(format string, args ...any) error {
	return &BadRequestError{Reason: fmt.Sprintf(format, args...)}
}

// UnhandledMethodError reports a METHOD header that is absent, not a word,
// or has no registered variant and no default.
type UnhandledMethodError struct {
	Method string
}

func (e *UnhandledMethodError) Error() string {
	if e.Method == "" {
		return "mongrel2: missing METHOD header"
	}
	return fmt.Sprintf("mongrel2: unhandled METHOD %q", e.Method)
}

// ResponseError reports a response body that satisfies no length protocol.
type ResponseError struct {
	Reason string
}

func (e *ResponseError) Error() string {
	return "mongrel2: response error: " + e.Reason
}

// isTransportClosed reports whether err looks like the underlying socket
// being torn down rather than a transient transport failure. The run loop
// does not log these as receive failures; it goes straight back to the top
// of the loop, which exits once the current connection is closed.
func isTransportClosed(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrConnectionClosed) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "closed") ||
		strings.Contains(msg, "context canceled") ||
		strings.Contains(msg, "use of closed network connection")
}
