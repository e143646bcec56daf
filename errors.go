package interop

import (
	"fmt"

	"github.com/pkg/errors"
)

// Process exit codes
const (
	ExitOK              = 0
	ExitUnitsFailed     = 1
	ExitConfigError     = 2
	ExitRuntimeError    = 3
	ExitUnknownTestCase = 127
)

var (
	ErrUnknownScenario   = errors.New("unknown scenario")
	ErrMissingSetting    = errors.New("missing required setting")
	ErrEarlyDataRejected = errors.New("early data rejected")
	ErrNotFound          = errors.New("resource not found")
	ErrMalformedResponse = errors.New("malformed response")
	ErrMalformedRequest  = errors.New("malformed request")
	ErrUnsupportedMethod = errors.New("unsupported request method")
	ErrCipherMismatch    = errors.New("negotiated cipher suite is not permitted")
	ErrSessionClosed     = errors.New("session closed")
)

// ConfigError is fatal and aborts the process before any connection is attempted.
type ConfigError struct {
	Key string
	Err error
}

func (e *ConfigError) Error() string {
	if e.Key == "" {
		return fmt.Sprintf("configuration error: %s", e.Err)
	}
	return fmt.Sprintf("configuration error: %s: %s", e.Key, e.Err)
}
func (e *ConfigError) Unwrap() error { return e.Err }
func (e *ConfigError) Cause() error  { return e.Err }

// ExitCode maps the error to the code the interop runner expects.
func (e *ConfigError) ExitCode() int {
	if errors.Is(e.Err, ErrUnknownScenario) {
		return ExitUnknownTestCase
	}
	return ExitConfigError
}

func NewConfigError(key string, err error) *ConfigError {
	return &ConfigError{Key: key, Err: err}
}

// ConnectFailure is scoped to one ConnectionGroup.
type ConnectFailure struct {
	Group   int
	Address string
	Err     error
}

func (e *ConnectFailure) Error() string {
	return fmt.Sprintf("connection group %d to %s failed: %s", e.Group, e.Address, e.Err)
}
func (e *ConnectFailure) Unwrap() error { return e.Err }
func (e *ConnectFailure) Cause() error  { return e.Err }

// StreamFailure is scoped to one RequestUnit.
type StreamFailure struct {
	StreamID int64
	Resource string
	Err      error
}

func (e *StreamFailure) Error() string {
	if e.StreamID < 0 {
		return fmt.Sprintf("request for %s failed: %s", e.Resource, e.Err)
	}
	return fmt.Sprintf("request for %s on stream %d failed: %s", e.Resource, e.StreamID, e.Err)
}
func (e *StreamFailure) Unwrap() error { return e.Err }
func (e *StreamFailure) Cause() error  { return e.Err }

// ServerRequestError is answered on the stream it occurred on and never propagated further.
type ServerRequestError struct {
	StreamID int64
	Path     string
	Err      error
}

func (e *ServerRequestError) Error() string {
	return fmt.Sprintf("stream %d: request %q: %s", e.StreamID, e.Path, e.Err)
}
func (e *ServerRequestError) Unwrap() error { return e.Err }
func (e *ServerRequestError) Cause() error  { return e.Err }

// CloseError is how transports report a connection closed by either endpoint with an application error code.
type CloseError struct {
	Remote bool
	Code   uint64
	Reason string
}

func (e *CloseError) Error() string {
	side := "local"
	if e.Remote {
		side = "remote"
	}
	if e.Reason == "" {
		return fmt.Sprintf("connection closed by %s endpoint (code 0x%x)", side, e.Code)
	}
	return fmt.Sprintf("connection closed by %s endpoint (code 0x%x): %s", side, e.Code, e.Reason)
}

// IsGracefulClose tells whether err is the peer (or us) closing a connection without error.
func IsGracefulClose(err error) bool {
	var ce *CloseError
	return errors.As(err, &ce) && ce.Code == NoError
}
