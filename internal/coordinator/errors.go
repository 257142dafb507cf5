package coordinator

import (
	"errors"
	"fmt"
)

var (
	ErrChecksumMismatch = errors.New("checksum mismatch")
	ErrMissingContext   = errors.New("no download context for version")
)

// ProtocolError reports a Content-Lengths entry that disagrees with the
// requested drops. Expected or Got is -1 when that side has no entry at
// Position.
type ProtocolError struct {
	Position int
	File     string
	Expected int64
	Got      int64
}

func (e *ProtocolError) Error() string {
	switch {
	case e.Expected < 0:
		return fmt.Sprintf("invalid number of Content-Lengths received: unexpected entry %d (%d bytes)", e.Position, e.Got)
	case e.Got < 0:
		return fmt.Sprintf("invalid number of Content-Lengths received: missing entry %d for %s", e.Position, e.File)
	default:
		return fmt.Sprintf("for %s at position %d, expected %d bytes, got %d", e.File, e.Position, e.Expected, e.Got)
	}
}

// BucketError is returned once a bucket has used up its attempts.
type BucketError struct {
	Index    int
	Version  string
	Attempts int
	Err      error
}

func (e *BucketError) Error() string {
	return fmt.Sprintf("bucket %d (version %s) failed after %d attempts: %v", e.Index, e.Version, e.Attempts, e.Err)
}

func (e *BucketError) Unwrap() error {
	return e.Err
}
