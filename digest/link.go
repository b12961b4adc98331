package digest

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Kind is the way a directory member is recorded.
type Kind string

const (
	KindFile Kind = "file"
	KindDir  Kind = "dir"
	KindLink Kind = "link"
)

// Member describes how one directory member is treated by both hashing
// and copying, so that a stored tree always matches its digest.
type Member struct {
	Path  string
	Kind  Kind
	Link  string // relative target, KindLink only
	Deref bool   // a symbolic link followed to a target outside the tree
}

// SpecialFileError is returned for fifos, sockets and devices, which
// have no content to archive.
type SpecialFileError struct {
	Path string
	Mode os.FileMode
}

func (e *SpecialFileError) Error() string {
	return fmt.Sprintf("unsupported file type %v: %s", e.Mode.Type(), e.Path)
}

// Inspect classifies path, a member of the tree rooted at root.  root
// must already be a real path (see Realpath).
func Inspect(path, root string) (m *Member, err error) {
	m = &Member{Path: path}
	lst, err := os.Lstat(path)
	if err != nil {
		return nil, err
	}
	if lst.Mode()&os.ModeSymlink != 0 {
		rel, inside, err := RelativizeLink(path, root)
		if err != nil {
			return nil, err
		}
		if inside {
			m.Kind = KindLink
			m.Link = rel
			return m, nil
		}
		m.Deref = true
	}
	st, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	switch {
	case st.IsDir():
		m.Kind = KindDir
	case st.Mode().IsRegular():
		m.Kind = KindFile
	default:
		return nil, &SpecialFileError{Path: path, Mode: st.Mode()}
	}
	return
}

// RelativizeLink resolves the symbolic link at link.  If its target
// lies inside root, it returns the target relative to the link's own
// resolved directory and inside == true.  Otherwise inside is false.
func RelativizeLink(link, root string) (rel string, inside bool, err error) {
	dest, err := os.Readlink(link)
	if err != nil {
		return
	}
	target := dest
	if !filepath.IsAbs(target) {
		target = filepath.Join(filepath.Dir(link), dest)
	}
	target, err = Realpath(target)
	if err != nil {
		return
	}
	root, err = Realpath(root)
	if err != nil {
		return
	}
	prefix := root
	if !strings.HasSuffix(prefix, string(filepath.Separator)) {
		prefix += string(filepath.Separator)
	}
	if !strings.HasPrefix(target, prefix) {
		return "", false, nil
	}
	parent, err := Realpath(filepath.Dir(link))
	if err != nil {
		return
	}
	rel, err = filepath.Rel(parent, target)
	if err != nil {
		return
	}
	return rel, true, nil
}

// Realpath returns the absolute path of path with every symbolic link
// resolved.  Trailing components that do not exist are kept verbatim,
// so dangling links still get a canonical location.
func Realpath(path string) (real string, err error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return
	}
	real, err = filepath.EvalSymlinks(abs)
	if err == nil {
		return
	}
	if !os.IsNotExist(err) {
		return "", err
	}
	parent := filepath.Dir(abs)
	if parent == abs {
		return abs, nil
	}
	real, err = Realpath(parent)
	if err != nil {
		return
	}
	return filepath.Join(real, filepath.Base(abs)), nil
}
