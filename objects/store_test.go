package objects

import (
	"errors"
	"io/ioutil"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"testing"

	"github.com/stevegt/readercomp"
	"github.com/t7a/filearchive/digest"
)

const content = "this is some\nrandom content\nnote LF line endings\n"

// test boolean condition
func tassert(t *testing.T, cond bool, txt string, args ...interface{}) {
	t.Helper() // cause file:line info to show caller
	if !cond {
		t.Fatalf(txt, args...)
	}
}

func setup(t *testing.T) (store *Store) {
	dir := filepath.Join(t.TempDir(), "objects")
	err := os.Mkdir(dir, 0755)
	tassert(t, err == nil, "%#v", err)
	return Store{}.New(dir)
}

func mkfile(t *testing.T, path, data string) {
	t.Helper()
	err := ioutil.WriteFile(path, []byte(data), 0644)
	tassert(t, err == nil, "%#v", err)
}

func sameFile(t *testing.T, a, b string) {
	t.Helper()
	fa, err := os.Open(a)
	tassert(t, err == nil, "%#v", err)
	defer fa.Close()
	fb, err := os.Open(b)
	tassert(t, err == nil, "%#v", err)
	defer fb.Close()
	ok, err := readercomp.Equal(fa, fb, 4096)
	tassert(t, err == nil, "%#v", err)
	tassert(t, ok, "%s and %s differ", a, b)
}

func shards(t *testing.T, store *Store) []string {
	t.Helper()
	names, err := digest.List(store.Dir)
	tassert(t, err == nil, "%#v", err)
	return names
}

func TestPath(t *testing.T) {
	store := Store{}.New("/var/archive/objects")
	hexhash := "fce92fa2647153f7d696a3c1884d732290273102"
	path := Path{}.New(store, hexhash)
	tassert(t, path.Prefix == "fc", "prefix %q", path.Prefix)
	tassert(t, path.Rel == "fc/e92fa2647153f7d696a3c1884d732290273102", "rel %q", path.Rel)
	tassert(t, path.Abs == "/var/archive/objects/fc/e92fa2647153f7d696a3c1884d732290273102", "abs %q", path.Abs)
	tassert(t, path.Dir() == "/var/archive/objects/fc", "dir %q", path.Dir())

	parsed, err := Path{}.Parse(store, path.Abs)
	tassert(t, err == nil, "%#v", err)
	tassert(t, parsed.Hash == hexhash, "parsed %q", parsed.Hash)

	for _, bad := range []string{
		"/var/archive/objects/fc",
		"/var/archive/objects/fc/e92f",
		"/var/archive/objects/FC/E92FA2647153F7D696A3C1884D732290273102",
		"/var/archive/objects/fc/e92fa2647153f7d696a3c1884d732290273102/x",
		"/var/archive/objects/.stream-123",
	} {
		_, err = Path{}.Parse(store, bad)
		tassert(t, err != nil, "expected error for %s", bad)
	}

	tassert(t, !ValidDigest("abc"), "short digest accepted")
	tassert(t, ValidDigest(hexhash), "digest rejected")
}

func TestPutFile(t *testing.T) {
	store := setup(t)
	src := filepath.Join(t.TempDir(), "src")
	mkfile(t, src, content)
	hexhash, err := digest.HashPath(src)
	tassert(t, err == nil, "%#v", err)

	tassert(t, !store.Exists(hexhash), "exists before put")
	path, created, err := store.PutFile(hexhash, src)
	tassert(t, err == nil, "%#v", err)
	tassert(t, created, "not created")
	tassert(t, store.Exists(hexhash), "missing after put")
	sameFile(t, src, path.Abs)

	st, err := os.Stat(path.Abs)
	tassert(t, err == nil, "%#v", err)
	tassert(t, st.Mode().Perm() == FileMode, "mode %v", st.Mode())

	again, created, err := store.PutFile(hexhash, src)
	tassert(t, err == nil, "%#v", err)
	tassert(t, !created, "second put created a new object")
	tassert(t, again.Abs == path.Abs, "paths differ")

	got, err := digest.HashPath(path.Abs)
	tassert(t, err == nil, "%#v", err)
	tassert(t, got == hexhash, "stored file hashes to %s", got)
}

func TestPutFileFailure(t *testing.T) {
	store := setup(t)
	hexhash := "fce92fa2647153f7d696a3c1884d732290273102"
	_, _, err := store.PutFile(hexhash, filepath.Join(t.TempDir(), "nosuchfile"))
	tassert(t, err != nil, "expected error")
	tassert(t, !store.Exists(hexhash), "object left behind")
	tassert(t, len(shards(t, store)) == 0, "shard left behind: %v", shards(t, store))
}

func mktree(t *testing.T) (dir string) {
	dir = t.TempDir()
	mkfile(t, filepath.Join(dir, "file"), content)
	err := os.MkdirAll(filepath.Join(dir, "sub", "deeper"), 0755)
	tassert(t, err == nil, "%#v", err)
	mkfile(t, filepath.Join(dir, "sub", "deeper", "other"), "other\n")
	err = os.Symlink("../file", filepath.Join(dir, "sub", "link"))
	tassert(t, err == nil, "%#v", err)
	return
}

func TestPutDir(t *testing.T) {
	store := setup(t)
	src := mktree(t)

	outside := filepath.Join(t.TempDir(), "outside")
	mkfile(t, outside, "outside\n")
	err := os.Symlink(outside, filepath.Join(src, "ext"))
	tassert(t, err == nil, "%#v", err)

	w := &digest.Walker{Warn: func(*digest.UnsafeLinkWarning) {}}
	hexhash, err := w.HashDir(src)
	tassert(t, err == nil, "%#v", err)

	path, created, err := store.PutDir(hexhash, src)
	tassert(t, err == nil, "%#v", err)
	tassert(t, created, "not created")

	// in-tree link is recreated as a link
	target, err := os.Readlink(filepath.Join(path.Abs, "sub", "link"))
	tassert(t, err == nil, "%#v", err)
	tassert(t, target == "../file", "link target %q", target)

	// out-of-tree link is stored as a copy
	st, err := os.Lstat(filepath.Join(path.Abs, "ext"))
	tassert(t, err == nil, "%#v", err)
	tassert(t, st.Mode().IsRegular(), "ext mode %v", st.Mode())
	sameFile(t, outside, filepath.Join(path.Abs, "ext"))
	sameFile(t, filepath.Join(src, "sub", "deeper", "other"), filepath.Join(path.Abs, "sub", "deeper", "other"))

	// the stored tree hashes to its own name
	got, err := w.HashDir(path.Abs)
	tassert(t, err == nil, "%#v", err)
	tassert(t, got == hexhash, "stored tree hashes to %s", got)

	_, created, err = store.PutDir(hexhash, src)
	tassert(t, err == nil, "%#v", err)
	tassert(t, !created, "second put created a new object")

	// no temporary directories remain
	names, err := digest.List(path.Dir())
	tassert(t, err == nil, "%#v", err)
	tassert(t, len(names) == 1, "shard contents %v", names)
}

func TestPutDirFailure(t *testing.T) {
	store := setup(t)
	src := mktree(t)
	err := syscall.Mkfifo(filepath.Join(src, "sub", "fifo"), 0644)
	if err != nil {
		t.Skipf("mkfifo: %v", err)
	}
	hexhash := "8b71f7f8dc2a64b537b5520560c19510c835adf4"
	_, _, err = store.PutDir(hexhash, src)
	var special *digest.SpecialFileError
	tassert(t, errors.As(err, &special), "expected SpecialFileError, got %#v", err)
	tassert(t, !store.Exists(hexhash), "object left behind")
	tassert(t, len(shards(t, store)) == 0, "store not clean: %v", shards(t, store))
}

func TestPutDirLoop(t *testing.T) {
	store := setup(t)
	src := t.TempDir()
	err := os.Symlink(src, filepath.Join(src, "self"))
	tassert(t, err == nil, "%#v", err)
	hexhash := "8b71f7f8dc2a64b537b5520560c19510c835adf4"
	_, _, err = store.PutDir(hexhash, src)
	var loop *digest.LoopError
	tassert(t, errors.As(err, &loop), "expected LoopError, got %#v", err)
	tassert(t, len(shards(t, store)) == 0, "store not clean: %v", shards(t, store))
}

func TestDelete(t *testing.T) {
	store := setup(t)
	src := mktree(t)
	hexhash, err := (&digest.Walker{}).HashDir(src)
	tassert(t, err == nil, "%#v", err)
	_, _, err = store.PutDir(hexhash, src)
	tassert(t, err == nil, "%#v", err)

	err = store.Delete(hexhash)
	tassert(t, err == nil, "%#v", err)
	tassert(t, !store.Exists(hexhash), "still exists")
	tassert(t, len(shards(t, store)) == 0, "shard left behind: %v", shards(t, store))

	err = store.Delete(hexhash)
	tassert(t, os.IsNotExist(err), "expected not-exist error, got %#v", err)
}

func TestDeleteSharedShard(t *testing.T) {
	store := setup(t)
	dir := t.TempDir()
	// both digests start with "fc"
	a := "fc00000000000000000000000000000000000000"
	b := "fc11111111111111111111111111111111111111"
	src := filepath.Join(dir, "src")
	mkfile(t, src, content)
	_, _, err := store.PutFile(a, src)
	tassert(t, err == nil, "%#v", err)
	_, _, err = store.PutFile(b, src)
	tassert(t, err == nil, "%#v", err)

	err = store.Delete(a)
	tassert(t, err == nil, "%#v", err)
	tassert(t, store.Exists(b), "sibling object lost")
	tassert(t, len(shards(t, store)) == 1, "shards %v", shards(t, store))
}

func TestPutStream(t *testing.T) {
	store := setup(t)
	path, created, err := store.PutStream(strings.NewReader(content))
	tassert(t, err == nil, "%#v", err)
	tassert(t, created, "not created")
	tassert(t, path.Hash == "fce92fa2647153f7d696a3c1884d732290273102", "hash %s", path.Hash)

	// same bytes via a path put dedup against the stream
	src := filepath.Join(t.TempDir(), "src")
	mkfile(t, src, content)
	_, created, err = store.PutFile(path.Hash, src)
	tassert(t, err == nil, "%#v", err)
	tassert(t, !created, "duplicate created")

	_, created, err = store.PutStream(strings.NewReader(content))
	tassert(t, err == nil, "%#v", err)
	tassert(t, !created, "duplicate created")

	// only the object itself remains
	var found []string
	err = store.Walk(func(p *Path, err error) error {
		tassert(t, err == nil, "stray %v", err)
		found = append(found, p.Hash)
		return nil
	})
	tassert(t, err == nil, "%#v", err)
	tassert(t, len(found) == 1 && found[0] == path.Hash, "found %v", found)
}

func TestPendingAbort(t *testing.T) {
	store := setup(t)
	p, err := store.Create()
	tassert(t, err == nil, "%#v", err)
	_, err = p.Write([]byte(content))
	tassert(t, err == nil, "%#v", err)
	tassert(t, p.Digest() == "fce92fa2647153f7d696a3c1884d732290273102", "digest %s", p.Digest())
	err = p.Abort()
	tassert(t, err == nil, "%#v", err)
	tassert(t, len(shards(t, store)) == 0, "store not clean: %v", shards(t, store))
	err = p.Abort()
	tassert(t, err == nil, "second abort: %#v", err)
}

func TestWalkStrays(t *testing.T) {
	store := setup(t)
	src := filepath.Join(t.TempDir(), "src")
	mkfile(t, src, content)
	hexhash := "fce92fa2647153f7d696a3c1884d732290273102"
	_, _, err := store.PutFile(hexhash, src)
	tassert(t, err == nil, "%#v", err)

	mkfile(t, filepath.Join(store.Dir, ".stream-leftover"), "partial")
	err = os.Mkdir(filepath.Join(store.Dir, "fc", ".tmp-leftover"), 0700)
	tassert(t, err == nil, "%#v", err)

	var objs []string
	var strays []string
	err = store.Walk(func(p *Path, err error) error {
		var stray *StrayError
		if errors.As(err, &stray) {
			strays = append(strays, stray.Path)
			return nil
		}
		objs = append(objs, p.Hash)
		return nil
	})
	tassert(t, err == nil, "%#v", err)
	tassert(t, len(objs) == 1 && objs[0] == hexhash, "objects %v", objs)
	tassert(t, len(strays) == 2, "strays %v", strays)

	for _, stray := range strays {
		err = store.Remove(stray)
		tassert(t, err == nil, "%#v", err)
	}
	tassert(t, store.Exists(hexhash), "object removed with strays")
	err = store.Remove(filepath.Join(store.Dir, ".."))
	tassert(t, err != nil, "removed outside store")
}
