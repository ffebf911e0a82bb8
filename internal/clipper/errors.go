package clipper

import "errors"

var (
	// ErrTimeout reports an extraction that lost the race against its
	// timeout. The underlying process is killed, never left running.
	ErrTimeout = errors.New("extraction timed out")
	// ErrFailed reports an extraction whose process failed or produced
	// no output.
	ErrFailed = errors.New("extraction failed")
)
