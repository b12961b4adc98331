package filearchive

import (
	"fmt"

	"github.com/pkg/errors"
	"github.com/t7a/filearchive/digest"
	"github.com/t7a/filearchive/meta"
)

// ErrClosed is returned by every method of a closed FileStore.
var ErrClosed = errors.New("store is closed")

// errors raised by lower layers, re-exported for callers
type (
	NotFoundError        = meta.NotFoundError
	DuplicateEntityError = meta.DuplicateEntityError
	ShapeError           = meta.ShapeError
	MissingTypeError     = meta.MissingTypeError
	UnsupportedOpError   = meta.UnsupportedOpError
	ConflictError        = meta.ConflictError
	CorruptIndexError    = meta.CorruptIndexError
	LoopError            = digest.LoopError
	SpecialFileError     = digest.SpecialFileError
	UnsafeLinkWarning    = digest.UnsafeLinkWarning
)

// CreationError is returned by Create when the store cannot be made.
type CreationError struct {
	Dir    string
	Reason string
}

func (e *CreationError) Error() string {
	return fmt.Sprintf("can't create store %s: %s", e.Dir, e.Reason)
}

// InvalidStoreError is returned by Open for a directory that is not a
// well-formed store.
type InvalidStoreError struct {
	Dir    string
	Reason string
}

func (e *InvalidStoreError) Error() string {
	return fmt.Sprintf("invalid store %s: %s", e.Dir, e.Reason)
}

// IsDirError is returned when a directory object is opened as a file.
type IsDirError struct {
	ID string
}

func (e *IsDirError) Error() string {
	return fmt.Sprintf("object is a directory, not a file: %s", e.ID)
}

// NotDirError is returned when a member path is given for a file
// object.
type NotDirError struct {
	ID string
}

func (e *NotDirError) Error() string {
	return fmt.Sprintf("object is a file, not a directory: %s", e.ID)
}

// OutsideError is returned for a member path leading out of its
// object.
type OutsideError struct {
	ID    string
	Inner string
}

func (e *OutsideError) Error() string {
	return fmt.Sprintf("path leads outside of object %s: %s", e.ID, e.Inner)
}

// PathKindError is returned when an add is given a path of the wrong
// kind, such as a file to AddDirectory.
type PathKindError struct {
	Path string
	Want string
}

func (e *PathKindError) Error() string {
	return fmt.Sprintf("not a %s: %s", e.Want, e.Path)
}
