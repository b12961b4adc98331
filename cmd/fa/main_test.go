package main

import (
	"flag"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmdtest"
	"github.com/pkg/errors"
	"github.com/pkg/fileutils"
	"github.com/t7a/filearchive/meta"
)

var update = flag.Bool("update", false, "update test files with results")

func TestCLI(t *testing.T) {
	ts, err := cmdtest.Read("testdata")
	if err != nil {
		t.Fatal(err)
	}
	srcdir, err := os.Getwd()
	if err != nil {
		panic(err)
	}
	ts.Setup = func(dir string) (err error) {
		return fileutils.CopyFile(filepath.Join(dir, "file1.bin"), filepath.Join(srcdir, "testdata/file1.bin"))
	}
	ts.Commands["fa"] = cmdtest.InProcessProgram("fa", run)
	ts.Run(t, *update)
}

// test boolean condition
func tassert(t *testing.T, cond bool, txt string, args ...interface{}) {
	t.Helper() // cause file:line info to show caller
	if !cond {
		t.Fatalf(txt, args...)
	}
}

func TestParseQuery(t *testing.T) {
	id, conds, err := parseQuery([]string{"year=int:>2000", "year=int:<2014", "name=report", "title=str:a:b"})
	tassert(t, err == nil, "%#v", err)
	tassert(t, id == "", "id %q", id)
	tassert(t, len(conds) == 3, "conds %v", conds)
	year := conds["year"]
	tassert(t, year.Type == meta.Int && len(year.Preds) == 2, "year %#v", year)
	tassert(t, conds["title"].Preds[0].Value == meta.StrValue("a:b"), "title %#v", conds["title"])

	id, conds, err = parseQuery([]string{"f039e6e317d1cce7f7da965f434d4b6d435e8586"})
	tassert(t, err == nil && id == "f039e6e317d1cce7f7da965f434d4b6d435e8586" && conds == nil, "%q %v %v", id, conds, err)

	id, conds, err = parseQuery(nil)
	tassert(t, err == nil && id == "" && len(conds) == 0, "%q %v %v", id, conds, err)

	for _, args := range [][]string{
		{"a=int:x"},
		{"a=int:>"},
		{"a=list:1"},
		{"a=1", "b"},
		{"a=int:1", "a=int:2"},
		{"a=int:1", "a=1"},
	} {
		_, _, err = parseQuery(args)
		var ee *exitError
		tassert(t, errors.As(err, &ee) && ee.code == 1, "%v: %v", args, err)
	}
}

func TestParseNew(t *testing.T) {
	raw, err := parseNew([]string{"a=b", "n=int:-3", "s=str:int:4", "empty="})
	tassert(t, err == nil, "%#v", err)
	rec, err := meta.Normalize(raw)
	tassert(t, err == nil, "%#v", err)
	tassert(t, rec["a"] == meta.StrValue("b"), "a %v", rec["a"])
	tassert(t, rec["n"] == meta.IntValue(-3), "n %v", rec["n"])
	tassert(t, rec["s"] == meta.StrValue("int:4"), "s %v", rec["s"])
	tassert(t, rec["empty"] == meta.StrValue(""), "empty %v", rec["empty"])
}
