package objectstore

import (
	"errors"
	"io"
	"syscall"
)

// Error wraps a failed object store operation. The transport-level
// retry policy lives in the AWS SDK's own retryer (configured once at
// client construction); an Error reaching the caller means the SDK has
// already exhausted its retries.
type Error struct {
	Op  string
	Key string
	Err error
}

func (e *Error) Error() string {
	return "objectstore: " + e.Op + " " + e.Key + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// IsBrokenPipe reports whether err represents the writer side of a
// download closing early — tolerated per §4.2/§4.7, since the dataset
// receive process may close its stdin once it has consumed the bytes
// it needs (e.g. it rejects the stream header) before the full object
// has been read.
func IsBrokenPipe(err error) bool {
	return errors.Is(err, syscall.EPIPE) || errors.Is(err, io.ErrClosedPipe)
}
