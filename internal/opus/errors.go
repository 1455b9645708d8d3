package opus

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a pipeline failure.
type ErrorKind int

const (
	// SpawnFailure means the converter could not be started.
	SpawnFailure ErrorKind = iota + 1
	// UpstreamFetchFailure means the source feed could not be read.
	UpstreamFetchFailure
	// MalformedContainer means the converter output stopped parsing as Ogg.
	// The frame sequence still ends gracefully.
	MalformedContainer
	// NonZeroExit means the converter exited on its own with a failure code,
	// or was terminated by a signal Close did not send.
	NonZeroExit
	// ShutdownTimeout means the converter had to be killed during cleanup.
	// It is only ever logged.
	ShutdownTimeout
)

func (k ErrorKind) String() string {
	switch k {
	case SpawnFailure:
		return "spawn failure"
	case UpstreamFetchFailure:
		return "upstream fetch failure"
	case MalformedContainer:
		return "malformed container"
	case NonZeroExit:
		return "non-zero exit"
	case ShutdownTimeout:
		return "shutdown timeout"
	default:
		return "unknown"
	}
}

// Error is the tagged result carried out of a failed stream.
type Error struct {
	Kind ErrorKind
	// Detail holds diagnostic text, e.g. the converter's stderr.
	Detail string
	// ExitCode is set for NonZeroExit. It is -1 when the converter was
	// terminated by a signal.
	ExitCode int
	Err      error
}

func (e *Error) Error() string {
	switch {
	case e.Kind == NonZeroExit && e.ExitCode < 0:
		return fmt.Sprintf("ffmpeg was terminated by a signal (%s)", e.Detail)
	case e.Kind == NonZeroExit:
		return fmt.Sprintf("ffmpeg exited with code %d (%s)", e.ExitCode, e.Detail)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	case e.Detail != "":
		return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
	default:
		return e.Kind.String()
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

var _ error = (*Error)(nil)

// KindOf reports the ErrorKind of err, if err carries one.
func KindOf(err error) (ErrorKind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return 0, false
}
