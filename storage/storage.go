// Package storage defines where part content goes once it is too large to be
// kept in memory.
package storage

import (
	"errors"
	"io"
)

var ErrFileRemoved = errors.New("spool file was removed")
var ErrFileClosed = errors.New("spool file is closed for writing")
var ErrFilePersisted = errors.New("spool file was moved out of the spool directory")

// File is one spool file. It is written once, closed, then read any number of
// times until it is removed or persisted. Implementations are safe for
// concurrent use: Remove may be called while a Write is in progress on another
// goroutine, and the Write then fails.
type File interface {
	io.Writer

	// Location of the file.
	Path() string
	// Number of bytes written so far.
	Size() int64
	// Finishes writing. Calling Close more than once is a no-op.
	Close() error
	// Opens the closed file for reading.
	Open() (io.ReadCloser, error)
	// Closes and deletes the file. Removing a removed or persisted file is a no-op.
	Remove() error
	// Moves the closed file to dst. After that the file is no longer owned by the
	// store and Remove does nothing.
	Persist(dst string) error
}

type Store interface {
	// Creates a new empty spool file. hint is used in the file name when possible.
	Create(hint string) (File, error)
	// Directory the store creates files in, empty if files are not on disk.
	Dir() string
}
