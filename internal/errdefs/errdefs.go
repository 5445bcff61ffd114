// Package errdefs defines the error kinds shared by the controller packages.
package errdefs

import (
	"errors"
	"fmt"
)

// Kind classifies a failure. Values match the names surfaced in logs and replies.
type Kind string

const (
	// Environment
	UnsupportedPlatform Kind = "UNSUPPORTED_PLATFORM"
	MissingIdentity     Kind = "MISSING_IDENTITY"

	// Remote
	ManifestFetch     Kind = "MANIFEST_FETCH"
	DownloadHTTP      Kind = "DOWNLOAD_HTTP"
	DownloadIO        Kind = "DOWNLOAD_IO"
	DownloadCancelled Kind = "DOWNLOAD_CANCELLED"

	// Local IO
	FSPermission Kind = "FS_PERMISSION"
	FSNotFound   Kind = "FS_NOT_FOUND"
	ConfigParse  Kind = "CONFIG_PARSE"

	// Coordination
	AnotherDownloadInProgress Kind = "ANOTHER_DOWNLOAD_IN_PROGRESS"
	LockTimeout               Kind = "LOCK_TIMEOUT"

	// Supervisor
	PortExhausted    Kind = "PORT_EXHAUSTED"
	SpawnFailed      Kind = "SPAWN_FAILED"
	HealthTimeout    Kind = "HEALTH_TIMEOUT"
	RestartExhausted Kind = "RESTART_EXHAUSTED"

	Unknown Kind = "UNKNOWN"
)

// Error carries a Kind alongside the failing operation and cause.
type Error struct {
	Kind Kind
	Op   string
	// Code is the HTTP status for DownloadHTTP and ManifestFetch failures.
	Code int
	Err  error
}

func (e *Error) Error() string {
	label := string(e.Kind)
	if e.Kind == DownloadHTTP && e.Code != 0 {
		label = fmt.Sprintf("%s_%d", e.Kind, e.Code)
	}
	switch {
	case e.Op != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", label, e.Op, e.Err)
	case e.Op != "":
		return fmt.Sprintf("%s: %s", label, e.Op)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", label, e.Err)
	}
	return label
}

func (e *Error) Unwrap() error { return e.Err }

// New returns an error of the given kind without a cause.
func New(kind Kind, op string) error { return &Error{Kind: kind, Op: op} }

// Wrap annotates err with kind and op. A nil err stays nil.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// HTTP returns a DownloadHTTP style error for a non-200 status.
func HTTP(kind Kind, op string, code int) error {
	return &Error{Kind: kind, Op: op, Code: code, Err: fmt.Errorf("HTTP error: %d", code)}
}

// KindOf returns the outermost Kind found in err's chain, or Unknown.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Unknown
}

// Is reports whether err carries the given kind anywhere in its chain.
func Is(err error, kind Kind) bool {
	for err != nil {
		var e *Error
		if !errors.As(err, &e) {
			return false
		}
		if e.Kind == kind {
			return true
		}
		err = e.Err
	}
	return false
}

// Code returns the compact code used in install manifests and events,
// e.g. DOWNLOAD_HTTP_404 or DOWNLOAD_IO.
func Code(err error) string {
	var e *Error
	if !errors.As(err, &e) {
		return string(Unknown)
	}
	if e.Kind == DownloadHTTP && e.Code != 0 {
		return fmt.Sprintf("%s_%d", e.Kind, e.Code)
	}
	return string(e.Kind)
}
