package ninvfs

import (
	"errors"
	"fmt"
)

// ErrReadOnly is returned by WriteAt on mounts or sections that do not
// support writing.
var ErrReadOnly = errors.New("ninvfs: read-only")

// InvalidHeaderError reports a container whose header failed validation.
type InvalidHeaderError struct {
	Format string
	Reason string
}

func (e *InvalidHeaderError) Error() string {
	return fmt.Sprintf("%s: %s", e.Format, e.Reason)
}

// SectionNotFoundError reports a path that does not resolve to any entry of
// a mount.
type SectionNotFoundError struct {
	Path string
}

func (e *SectionNotFoundError) Error() string {
	return fmt.Sprintf("ninvfs: no such entry: %s", e.Path)
}
