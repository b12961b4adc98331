package filearchive

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/t7a/filearchive/meta"
)

// Entry is one stored record and the location of its object.
type Entry struct {
	ID       string
	Metadata meta.Record
	Filename string
}

// Hash returns the content digest of the entry's object.
func (e *Entry) Hash() string {
	return e.Metadata.Hash()
}

// Get returns the metadata value under key.
func (e *Entry) Get(key string) (v meta.Value, ok bool) {
	v, ok = e.Metadata[key]
	return
}

// IsDir reports whether the object is a directory tree.
func (e *Entry) IsDir() bool {
	st, err := os.Stat(e.Filename)
	return err == nil && st.IsDir()
}

// Open opens a file object for reading.
func (e *Entry) Open() (*os.File, error) {
	return e.OpenFile("")
}

// OpenFile opens the object for reading.  inner must be empty for a
// file object, and must name a member file, relative to the top of
// the tree, for a directory object.
func (e *Entry) OpenFile(inner string) (fh *os.File, err error) {
	st, err := os.Stat(e.Filename)
	if err != nil {
		return
	}
	if !st.IsDir() {
		if inner != "" {
			return nil, &NotDirError{ID: e.ID}
		}
		return os.Open(e.Filename)
	}
	if inner == "" {
		return nil, &IsDirError{ID: e.ID}
	}
	rel := filepath.Clean(inner)
	if filepath.IsAbs(rel) || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return nil, &OutsideError{ID: e.ID, Inner: inner}
	}
	fh, err = os.Open(filepath.Join(e.Filename, rel))
	if err != nil {
		return
	}
	st, err = fh.Stat()
	if err != nil {
		fh.Close()
		return nil, err
	}
	if st.IsDir() {
		fh.Close()
		return nil, &IsDirError{ID: e.ID}
	}
	return
}
