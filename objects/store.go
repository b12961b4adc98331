/*

Package objects keeps immutable, content-addressed objects on disk.

An object is either a regular file or a directory tree, stored under
the digest computed by package digest:

	<Dir>/<first 2 hex>/<remaining 38 hex>

Objects are written once and never modified.  A put of a digest that
is already present is a no-op, so identical content is stored once no
matter how many times it is added.  Stored files are mode 0444.

*/
package objects

import (
	"fmt"
	"io"
	"io/ioutil"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/renameio"
	log "github.com/sirupsen/logrus"
	. "github.com/stevegt/goadapt"
	"github.com/t7a/filearchive/digest"
)

// file modes
const (
	FileMode os.FileMode = 0444
	DirMode  os.FileMode = 0755
)

// Store is a directory of objects.
type Store struct {
	Dir string
}

// StrayError describes an entry under the store directory that is not
// an object, such as a temporary file left behind by a crash.
type StrayError struct {
	Path string
}

func (e *StrayError) Error() string {
	return fmt.Sprintf("not an object: %s", e.Path)
}

func (store Store) New(dir string) *Store {
	store.Dir = filepath.Clean(dir)
	return &store
}

// Path returns the location of hexhash in store.
func (store *Store) Path(hexhash string) *Path {
	return Path{}.New(store, hexhash)
}

// Exists reports whether an object named hexhash is present.
func (store *Store) Exists(hexhash string) bool {
	_, err := os.Lstat(store.Path(hexhash).Abs)
	return err == nil
}

// mkshard makes sure the shard directory for path exists.  The returned
// function removes it again if this call created it and it is still
// empty.
func (store *Store) mkshard(path *Path) (undo func(), err error) {
	undo = func() {}
	dir := path.Dir()
	_, err = os.Stat(dir)
	if err == nil {
		return
	}
	if !os.IsNotExist(err) {
		return
	}
	err = os.Mkdir(dir, DirMode)
	if err != nil {
		return
	}
	undo = func() { rmEmpty(dir) }
	return
}

// rmEmpty removes dir if it has no entries left.
func rmEmpty(dir string) {
	names, err := digest.List(dir)
	if err != nil || len(names) > 0 {
		return
	}
	err = os.Remove(dir)
	if err != nil {
		log.Debugf("rmEmpty %s: %v", dir, err)
	}
}

// PutFile copies the regular file at src into the store as hexhash.
// The caller is responsible for hexhash being the file digest of src.
func (store *Store) PutFile(hexhash, src string) (path *Path, created bool, err error) {
	path = store.Path(hexhash)
	if store.Exists(hexhash) {
		log.Debugf("PutFile %s already stored", path)
		return path, false, nil
	}

	undo, err := store.mkshard(path)
	if err != nil {
		return nil, false, err
	}
	defer func() {
		if err != nil {
			undo()
		}
	}()
	defer Return(&err)

	in, err := os.Open(src)
	Ck(err)
	defer in.Close()

	t, err := renameio.TempFile(path.Dir(), path.Abs)
	Ck(err)
	defer t.Cleanup()

	_, err = io.Copy(t, in)
	Ck(err)
	err = t.Chmod(FileMode)
	Ck(err)
	err = t.CloseAtomicallyReplace()
	Ck(err)

	log.Debugf("PutFile %s from %s", path, src)
	return path, true, nil
}

// PutDir copies the directory tree at src into the store as hexhash.
// Symbolic links resolving inside src are recreated with the same
// relative target; all others are replaced by a copy of what they
// point to.  The tree is assembled in a temporary directory next to
// its final location and renamed into place, so a failed put leaves
// nothing behind.
func (store *Store) PutDir(hexhash, src string) (path *Path, created bool, err error) {
	path = store.Path(hexhash)
	if store.Exists(hexhash) {
		log.Debugf("PutDir %s already stored", path)
		return path, false, nil
	}

	root, err := digest.Realpath(src)
	if err != nil {
		return nil, false, err
	}

	undo, err := store.mkshard(path)
	if err != nil {
		return nil, false, err
	}
	var tmp string
	defer func() {
		if err != nil {
			if tmp != "" {
				removeTree(tmp)
			}
			undo()
		}
	}()
	defer Return(&err)

	tmp, err = ioutil.TempDir(path.Dir(), ".tmp-")
	Ck(err)
	cp := &copier{root: root, visited: make(map[string]bool)}
	err = cp.tree(src, tmp)
	if err != nil {
		return nil, false, err
	}
	err = os.Chmod(tmp, DirMode)
	Ck(err)
	err = os.Rename(tmp, path.Abs)
	Ck(err)

	log.Debugf("PutDir %s from %s", path, src)
	return path, true, nil
}

// copier mirrors the member classification used for hashing, so the
// stored tree always hashes to its own name.
type copier struct {
	root    string
	visited map[string]bool
}

func (cp *copier) tree(src, dst string) (err error) {
	real, err := digest.Realpath(src)
	if err != nil {
		return
	}
	if cp.visited[real] {
		return &digest.LoopError{Path: src}
	}
	cp.visited[real] = true

	names, err := digest.List(src)
	if err != nil {
		return
	}
	for _, name := range names {
		from := filepath.Join(src, name)
		to := filepath.Join(dst, name)
		m, err := digest.Inspect(from, cp.root)
		if err != nil {
			return err
		}
		switch m.Kind {
		case digest.KindLink:
			err = renameio.Symlink(m.Link, to)
		case digest.KindDir:
			err = os.Mkdir(to, DirMode)
			if err == nil {
				err = cp.tree(from, to)
			}
		default:
			err = copyFile(from, to)
		}
		if err != nil {
			return err
		}
	}
	return
}

func copyFile(src, dst string) (err error) {
	defer Return(&err)
	in, err := os.Open(src)
	Ck(err)
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_EXCL, FileMode)
	Ck(err)
	_, err = io.Copy(out, in)
	if err != nil {
		out.Close()
		return
	}
	return out.Close()
}

// removeTree deletes path and everything below it.  Stored files are
// read-only but live in writable directories, so RemoveAll is enough.
func removeTree(path string) {
	err := os.RemoveAll(path)
	if err != nil {
		log.Warnf("cannot remove %s: %v", path, err)
	}
}

// Delete removes the object named hexhash, and its shard directory if
// that becomes empty.  Deleting a missing object is an error.
func (store *Store) Delete(hexhash string) (err error) {
	path := store.Path(hexhash)
	st, err := os.Lstat(path.Abs)
	if err != nil {
		return
	}
	if st.IsDir() {
		err = os.RemoveAll(path.Abs)
	} else {
		err = os.Remove(path.Abs)
	}
	if err != nil {
		return
	}
	rmEmpty(path.Dir())
	log.Debugf("Delete %s", path)
	return
}

// Remove deletes a stray entry found by Walk.  It refuses to touch
// anything outside the store directory.
func (store *Store) Remove(stray string) (err error) {
	rel, err := filepath.Rel(store.Dir, stray)
	if err != nil {
		return
	}
	if rel == "." || strings.HasPrefix(rel, "..") {
		return fmt.Errorf("not inside %s: %s", store.Dir, stray)
	}
	err = os.RemoveAll(stray)
	if err != nil {
		return
	}
	if dir := filepath.Dir(stray); dir != store.Dir {
		rmEmpty(dir)
	}
	return
}

// Walk calls fn once for every entry of the store in sorted order.
// Objects are passed as path; anything else is passed as a
// *StrayError.  A non-nil return from fn stops the walk.
func (store *Store) Walk(fn func(path *Path, err error) error) (err error) {
	shards, err := digest.List(store.Dir)
	if err != nil {
		return
	}
	for _, shard := range shards {
		abs := filepath.Join(store.Dir, shard)
		st, err := os.Lstat(abs)
		if err != nil {
			return err
		}
		if !st.IsDir() || len(shard) != PrefixLen || strings.HasPrefix(shard, ".") {
			err = fn(nil, &StrayError{Path: abs})
			if err != nil {
				return err
			}
			continue
		}
		names, err := digest.List(abs)
		if err != nil {
			return err
		}
		for _, name := range names {
			p := filepath.Join(abs, name)
			path, perr := Path{}.Parse(store, p)
			if perr != nil {
				err = fn(nil, &StrayError{Path: p})
			} else {
				err = fn(path, nil)
			}
			if err != nil {
				return err
			}
		}
	}
	return nil
}
