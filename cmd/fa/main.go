package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/docopt/docopt-go"
	"github.com/google/shlex"
	gofuse "github.com/hanwen/go-fuse/v2/fuse"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	fa "github.com/t7a/filearchive"
	"github.com/t7a/filearchive/fuse"
	"github.com/t7a/filearchive/meta"
)

func init() {
	fa.SetupLog()
}

const usage = `fa - file archive

Usage:
  fa <store> create
  fa <store> add <path> [<meta>...]
  fa <store> write [<meta>...]
  fa <store> query [-d] [-t] [<meta>...]
  fa <store> print [-m] [-t] [<meta>...]
  fa <store> remove [-f] [<meta>...]
  fa <store> verify [--sweep]
  fa <store> import <manifest>
  fa <store> mount <mountpoint>
  fa <store> watch <dir> [<meta>...]

Metadata is given as key=value, key=str:value or key=int:23.  Queries
also take key=int:>21 and key=int:<21, or a single entry id.

Options:
  -h --help     Show this screen.
  -d            Print query results as a JSON object.
  -t            Show the type of each value.
  -m            Print metadata instead of content.
  -f            Allow removing every entry.
  --sweep       Delete orphaned objects and stray files.
`

type Opts struct {
	Store      string   `docopt:"<store>"`
	Create     bool     `docopt:"create"`
	Add        bool     `docopt:"add"`
	Path       string   `docopt:"<path>"`
	Meta       []string `docopt:"<meta>"`
	Write      bool     `docopt:"write"`
	Query      bool     `docopt:"query"`
	Dict       bool     `docopt:"-d"`
	Types      bool     `docopt:"-t"`
	Print      bool     `docopt:"print"`
	Metadata   bool     `docopt:"-m"`
	Remove     bool     `docopt:"remove"`
	Force      bool     `docopt:"-f"`
	Verify     bool     `docopt:"verify"`
	Sweep      bool     `docopt:"--sweep"`
	Import     bool     `docopt:"import"`
	Manifest   string   `docopt:"<manifest>"`
	Mount      bool     `docopt:"mount"`
	Mountpoint string   `docopt:"<mountpoint>"`
	Watch      bool     `docopt:"watch"`
	Dir        string   `docopt:"<dir>"`
}

func main() {
	// see https://github.com/google/go-cmdtest
	os.Exit(run())
}

func run() (rc int) {
	parser := &docopt.Parser{HelpHandler: docopt.PrintHelpOnly}
	o, err := parser.ParseArgs(usage, os.Args[1:], "")
	if err != nil {
		return 1
	}
	if o == nil {
		// help was shown
		return 0
	}
	var opts Opts
	err = o.Bind(&opts)
	if err != nil {
		log.Error(err)
		return 1
	}
	log.Debug(opts)

	if opts.Create {
		store, err := fa.Create(opts.Store)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Can't create store: %v\n", err)
			return 3
		}
		store.Close()
		return 0
	}

	store, err := fa.Open(opts.Store)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid store: %v\n", err)
		return 3
	}
	defer store.Close()

	switch {
	case opts.Add:
		err = add(store, opts.Path, opts.Meta)
	case opts.Write:
		err = write(store, os.Stdin, opts.Meta)
	case opts.Query:
		err = query(store, opts.Meta, opts.Dict, opts.Types)
	case opts.Print:
		err = printEntry(store, opts.Meta, opts.Metadata, opts.Types)
	case opts.Remove:
		err = remove(store, opts.Meta, opts.Force)
	case opts.Verify:
		err = verify(store, opts.Sweep)
	case opts.Import:
		err = importManifest(store, opts.Manifest)
	case opts.Mount:
		err = mount(store, opts.Mountpoint)
	case opts.Watch:
		err = watch(store, opts.Dir, opts.Meta)
	}
	return status(err)
}

// status reports err to the user and returns the exit code for it.
func status(err error) int {
	if err == nil {
		return 0
	}
	var ee *exitError
	if errors.As(err, &ee) {
		fmt.Fprintln(os.Stderr, ee.msg)
		return ee.code
	}
	var (
		shape    *meta.ShapeError
		missing  *meta.MissingTypeError
		op       *meta.UnsupportedOpError
		conflict *meta.ConflictError
		notfound *meta.NotFoundError
	)
	switch {
	case errors.As(err, &shape), errors.As(err, &missing), errors.As(err, &op), errors.As(err, &conflict):
		fmt.Fprintf(os.Stderr, "Invalid metadata: %v\n", err)
		return 1
	case errors.As(err, &notfound):
		fmt.Fprintln(os.Stderr, "Objectid not found")
		return 2
	}
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	return 3
}

func add(store *fa.FileStore, path string, args []string) (err error) {
	entry, err := addPath(store, path, args)
	if err != nil {
		return
	}
	fmt.Println(entry.ID)
	return
}

func addPath(store *fa.FileStore, path string, args []string) (entry *fa.Entry, err error) {
	_, err = os.Stat(path)
	if err != nil {
		return nil, exit(1, "Path does not exist: %s", path)
	}
	raw, err := parseNew(args)
	if err != nil {
		return
	}
	return store.Add(path, raw)
}

func write(store *fa.FileStore, rd io.Reader, args []string) (err error) {
	raw, err := parseNew(args)
	if err != nil {
		return
	}
	entry, err := store.AddReader(rd, raw)
	if err != nil {
		return
	}
	fmt.Println(entry.ID)
	return
}

// find returns the entries selected by query arguments.
func find(store *fa.FileStore, args []string, limit int) (entries []*fa.Entry, err error) {
	id, conds, err := parseQuery(args)
	if err != nil {
		return
	}
	if id != "" {
		entry, err := store.Get(id)
		if err != nil {
			return nil, err
		}
		return []*fa.Entry{entry}, nil
	}
	return store.Query(conds, limit)
}

func show(v meta.Value, types bool) string {
	if types {
		return v.Tagged()
	}
	return v.String()
}

func query(store *fa.FileStore, args []string, dict, types bool) (err error) {
	entries, err := find(store, args, 0)
	if err != nil {
		return
	}
	if dict {
		return printDict(os.Stdout, entries, types)
	}
	w := bufio.NewWriter(os.Stdout)
	for _, e := range entries {
		fmt.Fprintf(w, "%s\n", e.ID)
		for _, k := range e.Metadata.Keys() {
			fmt.Fprintf(w, "\t%s\t%s\n", k, show(e.Metadata[k], types))
		}
	}
	return w.Flush()
}

func jsonString(s string) string {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	err := enc.Encode(s)
	if err != nil {
		panic(err)
	}
	return strings.TrimSuffix(buf.String(), "\n")
}

func jsonValue(v meta.Value, types bool) string {
	var s string
	if v.Type == meta.Int {
		s = fmt.Sprintf("%d", v.Int)
	} else {
		s = jsonString(v.Str)
	}
	if types {
		return fmt.Sprintf(`{"type": "%s", "value": %s}`, v.Type, s)
	}
	return s
}

// printDict writes entries as one JSON object keyed by entry id.
func printDict(out io.Writer, entries []*fa.Entry, types bool) error {
	w := bufio.NewWriter(out)
	w.WriteString("{")
	for i, e := range entries {
		if i > 0 {
			w.WriteString(",")
		}
		fmt.Fprintf(w, "\n    %s: {", jsonString(e.ID))
		for j, k := range e.Metadata.Keys() {
			if j > 0 {
				w.WriteString(",")
			}
			fmt.Fprintf(w, "\n        %s: %s", jsonString(k), jsonValue(e.Metadata[k], types))
		}
		w.WriteString("\n    }")
	}
	w.WriteString("\n}\n")
	return w.Flush()
}

func printEntry(store *fa.FileStore, args []string, metadata, types bool) (err error) {
	entries, err := find(store, args, 2)
	if err != nil {
		return
	}
	if len(entries) == 0 {
		return exit(2, "No match found")
	}
	if len(entries) > 1 {
		fmt.Fprintln(os.Stderr, "Warning: more matching files exist")
	}
	entry := entries[0]

	if metadata {
		for _, k := range entry.Metadata.Keys() {
			if k == meta.HashKey {
				continue
			}
			fmt.Printf("%s\t%s\n", k, show(entry.Metadata[k], types))
		}
		return
	}
	if entry.IsDir() {
		return exit(2, "Error: match found but is a directory")
	}
	fh, err := entry.Open()
	if err != nil {
		return
	}
	defer fh.Close()
	_, err = io.Copy(os.Stdout, fh)
	return
}

func remove(store *fa.FileStore, args []string, force bool) (err error) {
	entries, err := find(store, args, 0)
	if err != nil {
		return
	}
	if len(args) == 0 && !force && len(entries) > 0 {
		return exit(1, "Error: not removing files unconditionally unless -f is given\n"+
			"(command would have removed %d files)", len(entries))
	}
	for _, e := range entries {
		err = store.RemoveEntry(e)
		if err != nil {
			return
		}
	}
	return
}

func verify(store *fa.FileStore, sweep bool) (err error) {
	if sweep {
		removed, err := store.Sweep()
		if err != nil {
			return err
		}
		for _, p := range removed {
			fmt.Printf("removed %s\n", p)
		}
	}
	problems, err := store.Verify()
	if err != nil {
		return
	}
	for _, p := range problems {
		fmt.Println(p)
	}
	if len(problems) > 0 {
		return exit(2, "%d problems found", len(problems))
	}
	return
}

// importManifest adds every file named in a manifest.  Each line holds
// a path followed by metadata arguments, split the way a shell would;
// relative paths are taken from the manifest's directory.
func importManifest(store *fa.FileStore, manifest string) (err error) {
	fh, err := os.Open(manifest)
	if err != nil {
		return exit(1, "Can't read manifest: %v", err)
	}
	defer fh.Close()
	base := filepath.Dir(manifest)

	scanner := bufio.NewScanner(fh)
	for lineno := 1; scanner.Scan(); lineno++ {
		words, err := shlex.Split(scanner.Text())
		if err != nil {
			return exit(1, "%s:%d: %v", manifest, lineno, err)
		}
		if len(words) == 0 {
			continue
		}
		path := words[0]
		if !filepath.IsAbs(path) {
			path = filepath.Join(base, path)
		}
		entry, err := addPath(store, path, words[1:])
		if err != nil {
			var ee *exitError
			if errors.As(err, &ee) {
				ee.msg = fmt.Sprintf("%s:%d: %s", manifest, lineno, ee.msg)
			}
			return err
		}
		fmt.Println(entry.ID)
	}
	return scanner.Err()
}

// interrupted returns a context cancelled on SIGINT or SIGTERM.
func interrupted() (ctx context.Context, stop func()) {
	ctx, cancel := context.WithCancel(context.Background())
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	go func() {
		select {
		case <-sig:
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, func() {
		signal.Stop(sig)
		cancel()
	}
}

// watch adds files written into dir until interrupted, printing the
// id of each.
func watch(store *fa.FileStore, dir string, args []string) (err error) {
	raw, err := parseNew(args)
	if err != nil {
		return
	}
	in, err := store.Inbox(dir)
	if err != nil {
		return
	}
	defer in.Close()
	ctx, stop := interrupted()
	defer stop()
	return in.Run(ctx, raw, func(e *fa.Entry) {
		fmt.Println(e.ID)
	})
}

func mount(store *fa.FileStore, mountpoint string) (err error) {
	var server *gofuse.Server
	server, err = fuse.Serve(store, mountpoint)
	if err != nil {
		return
	}

	// unmount on SIGINT or SIGTERM
	ctx, stop := interrupted()
	defer stop()
	go func() {
		<-ctx.Done()
		err := server.Unmount()
		if err != nil {
			log.Errorf("unmount %s: %v", mountpoint, err)
		}
	}()
	server.Wait()
	return
}
