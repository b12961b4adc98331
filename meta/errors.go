package meta

import "fmt"

// ShapeError reports metadata or a query condition that does not have
// one of the accepted forms.
type ShapeError struct {
	Key    string
	Reason string
}

func (e *ShapeError) Error() string {
	return fmt.Sprintf("invalid value for %q: %s", e.Key, e.Reason)
}

// MissingTypeError reports a query condition carrying operators but no
// type.
type MissingTypeError struct {
	Key string
}

func (e *MissingTypeError) Error() string {
	return fmt.Sprintf("query condition for %q should include key 'type'", e.Key)
}

// UnsupportedOpError reports an operator that does not exist, or that
// is not defined for the condition's type.
type UnsupportedOpError struct {
	Key  string
	Type Type
	Op   string
}

func (e *UnsupportedOpError) Error() string {
	return fmt.Sprintf("unsupported operation %q on type %s for %q", e.Op, e.Type, e.Key)
}

// ConflictError reports two conditions on the same key that cannot be
// combined.
type ConflictError struct {
	Key    string
	Reason string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("conflicting conditions for %q: %s", e.Key, e.Reason)
}

type NotFoundError struct {
	ID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("no entry with id %s", e.ID)
}

type DuplicateEntityError struct {
	ID string
}

func (e *DuplicateEntityError) Error() string {
	return fmt.Sprintf("entry already exists: %s", e.ID)
}

// CorruptIndexError means the index returned rows that no insert could
// have produced.
type CorruptIndexError struct {
	ID     string
	Reason string
}

func (e *CorruptIndexError) Error() string {
	return fmt.Sprintf("corrupt index at %s: %s", e.ID, e.Reason)
}

// InvalidIndexError is returned by Open for a file that is not a
// metadata index.
type InvalidIndexError struct {
	Path   string
	Reason string
}

func (e *InvalidIndexError) Error() string {
	return fmt.Sprintf("not a metadata index: %s: %s", e.Path, e.Reason)
}
