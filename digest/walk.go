package digest

import (
	"crypto/sha1"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	log "github.com/sirupsen/logrus"
)

// UnsafeLinkWarning reports a symbolic link pointing outside the tree
// being hashed.  The link was followed and its target's data will be
// copied rather than re-linked.  It is a diagnostic, never returned as
// an error.
type UnsafeLinkWarning struct {
	Path string
	Dir  bool
}

func (w *UnsafeLinkWarning) Error() string {
	if w.Dir {
		return fmt.Sprintf("%s is a symbolic link, recursing on target directory", w.Path)
	}
	return fmt.Sprintf("%s is a symbolic link, using target file instead", w.Path)
}

// LoopError is returned when a directory is reached twice while
// hashing a tree, which only happens through symbolic links.
type LoopError struct {
	Path string
}

func (e *LoopError) Error() string {
	return fmt.Sprintf("can't hash directory structure: loop detected at %s", e.Path)
}

// Walker hashes files and directory trees.  The zero value logs
// warnings through logrus.
type Walker struct {
	// Warn receives unsafe link diagnostics.
	Warn func(w *UnsafeLinkWarning)
}

func (w *Walker) warn(wrn *UnsafeLinkWarning) {
	if w == nil || w.Warn == nil {
		log.Warn(wrn.Error())
		return
	}
	w.Warn(wrn)
}

// traversal is the state threaded through one directory hash.
type traversal struct {
	walker  *Walker
	root    string
	visited map[string]bool
}

// HashFilePath returns the file digest of the file at path, following
// (and warning about) a symbolic link.
func (w *Walker) HashFilePath(path string) (hexhash string, err error) {
	lst, err := os.Lstat(path)
	if err != nil {
		return
	}
	if lst.Mode()&os.ModeSymlink != 0 {
		w.warn(&UnsafeLinkWarning{Path: path})
	}
	return HashPath(path)
}

// HashDir returns the directory digest of the tree at path.  Symbolic
// links are relativized against the real path of path itself.
func (w *Walker) HashDir(path string) (hexhash string, err error) {
	root, err := Realpath(path)
	if err != nil {
		return
	}
	tr := &traversal{walker: w, root: root, visited: make(map[string]bool)}
	return tr.dir(path)
}

func (tr *traversal) dir(path string) (hexhash string, err error) {
	real, err := Realpath(path)
	if err != nil {
		return
	}
	if tr.visited[real] {
		return "", &LoopError{Path: path}
	}
	tr.visited[real] = true

	names, err := List(path)
	if err != nil {
		return
	}
	h := sha1.New()
	h.Write([]byte(dirTag))
	for _, name := range names {
		kind, sum, err := tr.member(filepath.Join(path, name))
		if err != nil {
			return "", err
		}
		fmt.Fprintf(h, "%s %s %s\n", kind, name, sum)
	}
	return Hex(h), nil
}

func (tr *traversal) member(path string) (kind Kind, sum string, err error) {
	m, err := Inspect(path, tr.root)
	if err != nil {
		return
	}
	switch m.Kind {
	case KindLink:
		return KindLink, Sum(m.Link), nil
	case KindDir:
		if m.Deref {
			tr.walker.warn(&UnsafeLinkWarning{Path: path, Dir: true})
		}
		sum, err = tr.dir(path)
		return KindDir, sum, err
	default:
		if m.Deref {
			tr.walker.warn(&UnsafeLinkWarning{Path: path})
		}
		sum, err = HashPath(path)
		return KindFile, sum, err
	}
}

// List returns the names in directory path, sorted byte-wise.
func List(path string) (names []string, err error) {
	fh, err := os.Open(path)
	if err != nil {
		return
	}
	defer fh.Close()
	names, err = fh.Readdirnames(-1)
	if err != nil {
		return nil, err
	}
	sort.Strings(names)
	return
}
