package digest

import (
	"bytes"
	"errors"
	"io/ioutil"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"testing"
)

const content = "this is some\nrandom content\nnote LF line endings\n"

// test boolean condition
func tassert(t *testing.T, cond bool, txt string, args ...interface{}) {
	t.Helper() // cause file:line info to show caller
	if !cond {
		t.Fatalf(txt, args...)
	}
}

func mkfile(t *testing.T, path, data string) {
	t.Helper()
	err := ioutil.WriteFile(path, []byte(data), 0644)
	tassert(t, err == nil, "%#v", err)
}

// mktree builds the reference tree used by several tests:
//
//	file
//	sub/link -> ../file
func mktree(t *testing.T) (dir string) {
	dir = t.TempDir()
	mkfile(t, filepath.Join(dir, "file"), content)
	err := os.Mkdir(filepath.Join(dir, "sub"), 0755)
	tassert(t, err == nil, "%#v", err)
	err = os.Symlink(filepath.Join(dir, "file"), filepath.Join(dir, "sub", "link"))
	tassert(t, err == nil, "%#v", err)
	return
}

func TestHashFile(t *testing.T) {
	got, err := HashFile(strings.NewReader(""))
	tassert(t, err == nil, "%#v", err)
	tassert(t, got == "046c168df2244d3a13985f042a50e479fe56455e", "empty file: got %s", got)

	got, err = HashFile(strings.NewReader(content))
	tassert(t, err == nil, "%#v", err)
	tassert(t, got == "fce92fa2647153f7d696a3c1884d732290273102", "got %s", got)

	// the chunk size must not change the result
	old := ChunkSize
	defer func() { ChunkSize = old }()
	for _, size := range []int{1, 4, 7, 1 << 16} {
		ChunkSize = size
		again, err := HashFile(strings.NewReader(content))
		tassert(t, err == nil, "%#v", err)
		tassert(t, again == got, "chunk size %d: got %s", size, again)
	}
}

func TestNewFile(t *testing.T) {
	h := NewFile()
	h.Write([]byte(content))
	got := Hex(h)
	expect, err := HashFile(bytes.NewBufferString(content))
	tassert(t, err == nil, "%#v", err)
	tassert(t, got == expect, "expected %s got %s", expect, got)
}

func TestHashEmptyDir(t *testing.T) {
	w := &Walker{}
	got, err := w.HashDir(t.TempDir())
	tassert(t, err == nil, "%#v", err)
	tassert(t, got == "8b71f7f8dc2a64b537b5520560c19510c835adf4", "got %s", got)
}

func TestHashDir(t *testing.T) {
	var warnings []*UnsafeLinkWarning
	w := &Walker{Warn: func(wrn *UnsafeLinkWarning) { warnings = append(warnings, wrn) }}

	dir1 := mktree(t)
	got1, err := w.HashDir(dir1)
	tassert(t, err == nil, "%#v", err)
	tassert(t, got1 == "3af0f5656506f3cf0ccf8865f59f32c7c4862e32", "got %s", got1)

	// same structure elsewhere, links written relative this time
	dir2 := t.TempDir()
	mkfile(t, filepath.Join(dir2, "file"), content)
	err = os.Mkdir(filepath.Join(dir2, "sub"), 0755)
	tassert(t, err == nil, "%#v", err)
	err = os.Symlink("../file", filepath.Join(dir2, "sub", "link"))
	tassert(t, err == nil, "%#v", err)
	got2, err := w.HashDir(dir2)
	tassert(t, err == nil, "%#v", err)
	tassert(t, got1 == got2, "expected %s got %s", got1, got2)

	tassert(t, len(warnings) == 0, "unexpected warnings %v", warnings)

	// hashing a sub-tree on its own turns the link into an unsafe one
	sub, err := w.HashDir(filepath.Join(dir1, "sub"))
	tassert(t, err == nil, "%#v", err)
	tassert(t, sub != "dc54b39aacb380af799ade2fbf7e52bb409a4b35", "link should have been followed")
	tassert(t, len(warnings) == 1, "warnings %v", warnings)
}

func TestHashDirExternalLink(t *testing.T) {
	outside := t.TempDir()
	mkfile(t, filepath.Join(outside, "target"), content)
	dir := t.TempDir()
	err := os.Symlink(filepath.Join(outside, "target"), filepath.Join(dir, "ext"))
	tassert(t, err == nil, "%#v", err)

	var warnings []*UnsafeLinkWarning
	w := &Walker{Warn: func(wrn *UnsafeLinkWarning) { warnings = append(warnings, wrn) }}
	got, err := w.HashDir(dir)
	tassert(t, err == nil, "%#v", err)
	tassert(t, got == "5b58073160ac3f0dd940e20c6d98b5a6fb82bf59", "got %s", got)
	tassert(t, len(warnings) == 1, "warnings %v", warnings)
	tassert(t, strings.HasSuffix(warnings[0].Error(), "is a symbolic link, using target file instead"), "%v", warnings[0])

	warnings = nil
	_, err = w.HashFilePath(filepath.Join(dir, "ext"))
	tassert(t, err == nil, "%#v", err)
	tassert(t, len(warnings) == 1, "warnings %v", warnings)
}

func TestHashDirLoop(t *testing.T) {
	dir := t.TempDir()
	mkfile(t, filepath.Join(dir, "file"), content)
	err := os.Symlink(dir, filepath.Join(dir, "link"))
	tassert(t, err == nil, "%#v", err)

	var warnings []*UnsafeLinkWarning
	w := &Walker{Warn: func(wrn *UnsafeLinkWarning) { warnings = append(warnings, wrn) }}
	_, err = w.HashDir(dir)
	var loop *LoopError
	tassert(t, errors.As(err, &loop), "expected LoopError, got %#v", err)
	tassert(t, len(warnings) == 1 && warnings[0].Dir, "warnings %v", warnings)
}

func TestHashDirSpecialFile(t *testing.T) {
	dir := t.TempDir()
	err := syscall.Mkfifo(filepath.Join(dir, "fifo"), 0644)
	if err != nil {
		t.Skipf("mkfifo: %v", err)
	}
	_, err = (&Walker{}).HashDir(dir)
	var special *SpecialFileError
	tassert(t, errors.As(err, &special), "expected SpecialFileError, got %#v", err)
}

func TestRelativizeLink(t *testing.T) {
	join := filepath.Join
	tmp := t.TempDir()

	d := join(tmp, "inner")
	i := join(d, "dirI")
	j := join(d, "dirJ")
	for _, dir := range []string{d, i, j} {
		err := os.Mkdir(dir, 0755)
		tassert(t, err == nil, "%#v", err)
	}
	links := map[string]string{
		join(i, "link1"):  join(d, "file"),
		join(i, "link1r"): "../file",
		join(i, "link2"):  join(j, "file"),
		join(i, "link2r"): "../dirJ/file",
		join(d, "link3"):  join(j, "file"),
		join(d, "link3r"): "dirJ/file",
		join(i, "link4"):  join(tmp, "file"),
		join(i, "link4r"): "../../file",
		join(d, "link5"):  join(tmp, "file"),
		join(d, "link5r"): "../file",
	}
	for link, target := range links {
		err := os.Symlink(target, link)
		tassert(t, err == nil, "%#v", err)
	}

	cases := []struct {
		link   string
		rel    string
		inside bool
	}{
		{join(i, "link1"), "../file", true},
		{join(i, "link1r"), "../file", true},
		{join(i, "link2"), "../dirJ/file", true},
		{join(i, "link2r"), "../dirJ/file", true},
		{join(d, "link3"), "dirJ/file", true},
		{join(d, "link3r"), "dirJ/file", true},
		{join(i, "link4"), "", false},
		{join(i, "link4r"), "", false},
		{join(d, "link5"), "", false},
		{join(d, "link5r"), "", false},
	}
	for _, c := range cases {
		rel, inside, err := RelativizeLink(c.link, d)
		tassert(t, err == nil, "%s: %#v", c.link, err)
		tassert(t, inside == c.inside, "%s: inside %v", c.link, inside)
		tassert(t, rel == c.rel, "%s: expected %q got %q", c.link, c.rel, rel)
	}
}
