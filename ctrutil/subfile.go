package ctrutil

import (
	"io"
)

// SubFile exposes a window of a larger io.ReaderAt as its own io.ReaderAt.
//
// Reads are clamped to the window: a read that starts past the end returns
// io.EOF, and a read that crosses the end is truncated and returns io.EOF
// alongside the data.
type SubFile struct {
	parent io.ReaderAt
	offset int64
	size   int64
}

var _ io.ReaderAt = &SubFile{}

// NewSubFile creates a window of the given parent starting at offset and
// spanning size bytes.
func NewSubFile(parent io.ReaderAt, offset, size int64) *SubFile {
	if sub, ok := parent.(*SubFile); ok {
		if offset+size > sub.size {
			size = sub.size - offset
		}
		return &SubFile{
			parent: sub.parent,
			offset: sub.offset + offset,
			size:   size,
		}
	}

	return &SubFile{
		parent: parent,
		offset: offset,
		size:   size,
	}
}

// Size of the window.
func (s *SubFile) Size() int64 {
	return s.size
}

func (s *SubFile) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, io.EOF
	}
	if off >= s.size {
		return 0, io.EOF
	}

	var eof error
	if max := s.size - off; int64(len(p)) > max {
		p = p[:max]
		eof = io.EOF
	}

	n, err := s.parent.ReadAt(p, s.offset+off)
	if err == nil {
		err = eof
	}
	return n, err
}

// SubWriter exposes a window of a larger io.WriterAt as its own io.WriterAt.
//
// Writes beyond the end of the window are rejected with io.ErrShortWrite after
// the in-range prefix has been written.
type SubWriter struct {
	parent io.WriterAt
	offset int64
	size   int64
}

var _ io.WriterAt = &SubWriter{}

// NewSubWriter creates a writable window of the given parent starting at
// offset and spanning size bytes.
func NewSubWriter(parent io.WriterAt, offset, size int64) *SubWriter {
	return &SubWriter{
		parent: parent,
		offset: offset,
		size:   size,
	}
}

// Size of the window.
func (s *SubWriter) Size() int64 {
	return s.size
}

func (s *SubWriter) WriteAt(p []byte, off int64) (int, error) {
	if off < 0 || off > s.size {
		return 0, io.ErrShortWrite
	}

	var short error
	if max := s.size - off; int64(len(p)) > max {
		p = p[:max]
		short = io.ErrShortWrite
	}

	n, err := s.parent.WriteAt(p, s.offset+off)
	if err == nil {
		err = short
	}
	return n, err
}
