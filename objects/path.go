package objects

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"

	. "github.com/stevegt/goadapt"
)

// PrefixLen is the number of leading hex characters used as the shard
// directory name.
const PrefixLen = 2

var hexdigest = regexp.MustCompile(`^[0-9a-f]{40}$`)

// ValidDigest reports whether s looks like a content digest.
func ValidDigest(s string) bool {
	return hexdigest.MatchString(s)
}

// Path locates one object.  It is pure arithmetic: building a Path
// never touches the filesystem.
type Path struct {
	Store  *Store
	Hash   string // full hex digest
	Prefix string // shard directory name
	Rel    string // relative to Store.Dir
	Abs    string // absolute
}

// New returns the path for hexhash within store.  It panics on a
// malformed digest; callers holding untrusted input use Parse or
// ValidDigest first.
func (path Path) New(store *Store, hexhash string) *Path {
	Assert(ValidDigest(hexhash), "malformed digest: %q", hexhash)
	path.Store = store
	path.Hash = hexhash
	path.Prefix = hexhash[:PrefixLen]
	path.Rel = filepath.Join(path.Prefix, hexhash[PrefixLen:])
	path.Abs = filepath.Join(store.Dir, path.Rel)
	return &path
}

// Parse does the inverse of New for a path found on disk.
func (path Path) Parse(store *Store, abs string) (res *Path, err error) {
	rel, err := filepath.Rel(store.Dir, abs)
	if err != nil {
		return
	}
	parts := strings.Split(rel, string(filepath.Separator))
	if len(parts) != 2 || len(parts[0]) != PrefixLen {
		return nil, fmt.Errorf("malformed object path: %s", abs)
	}
	hexhash := parts[0] + parts[1]
	if !ValidDigest(hexhash) {
		return nil, fmt.Errorf("malformed object path: %s", abs)
	}
	return path.New(store, hexhash), nil
}

// Dir is the shard directory holding the object.
func (path *Path) Dir() string {
	return filepath.Dir(path.Abs)
}

func (path *Path) String() string {
	return path.Rel
}
