package filearchive

import (
	"fmt"
	"os"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/t7a/filearchive/objects"
)

// ProblemKind classifies an inconsistency found by Verify.
type ProblemKind string

const (
	// Corrupt objects no longer hash to their own name.
	Corrupt ProblemKind = "corrupt"
	// Orphan objects are not referenced by any entry.
	Orphan ProblemKind = "orphan"
	// Missing objects are referenced by an entry but absent.
	Missing ProblemKind = "missing"
	// Stray files in the objects directory are not objects at all.
	Stray ProblemKind = "stray"
)

type Problem struct {
	Kind ProblemKind
	Hash string // empty for Stray
	Path string
	Err  error // why a Corrupt object could not be hashed, if it could not
}

func (p Problem) String() string {
	if p.Err != nil {
		return fmt.Sprintf("%s %s: %v", p.Kind, p.Path, p.Err)
	}
	return fmt.Sprintf("%s %s", p.Kind, p.Path)
}

// Verify rehashes every object and cross-checks objects against the
// index.  It changes nothing.
func (fs *FileStore) Verify() (problems []Problem, err error) {
	err = fs.check()
	if err != nil {
		return
	}
	digests, err := fs.Metadata.Digests()
	if err != nil {
		return
	}
	referenced := make(map[string]bool, len(digests))
	for _, d := range digests {
		referenced[d] = true
	}

	seen := make(map[string]bool)
	err = fs.Objects.Walk(func(path *objects.Path, werr error) error {
		var stray *objects.StrayError
		if errors.As(werr, &stray) {
			problems = append(problems, Problem{Kind: Stray, Path: stray.Path})
			return nil
		}
		if werr != nil {
			return werr
		}
		seen[path.Hash] = true
		got, herr := fs.rehash(path.Abs)
		if herr != nil || got != path.Hash {
			problems = append(problems, Problem{Kind: Corrupt, Hash: path.Hash, Path: path.Abs, Err: herr})
		}
		if !referenced[path.Hash] {
			problems = append(problems, Problem{Kind: Orphan, Hash: path.Hash, Path: path.Abs})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	for _, d := range digests {
		if seen[d] {
			continue
		}
		p := Problem{Kind: Missing, Hash: d, Path: d}
		if objects.ValidDigest(d) {
			p.Path = fs.Objects.Path(d).Abs
		}
		problems = append(problems, p)
	}
	log.Debugf("Verify found %d problems", len(problems))
	return
}

func (fs *FileStore) rehash(abs string) (hexhash string, err error) {
	st, err := os.Lstat(abs)
	if err != nil {
		return
	}
	switch {
	case st.IsDir():
		return fs.walker().HashDir(abs)
	case st.Mode().IsRegular():
		return fs.walker().HashFilePath(abs)
	}
	return "", fmt.Errorf("unexpected file type %v", st.Mode().Type())
}

// Sweep deletes orphaned objects and stray files, as found by Verify,
// and returns what it removed.  Corrupt and missing objects are left
// for the caller to deal with.
func (fs *FileStore) Sweep() (removed []Problem, err error) {
	problems, err := fs.Verify()
	if err != nil {
		return
	}
	for _, p := range problems {
		switch p.Kind {
		case Orphan:
			err = fs.Objects.Delete(p.Hash)
		case Stray:
			err = fs.Objects.Remove(p.Path)
		default:
			continue
		}
		if err != nil {
			return removed, err
		}
		removed = append(removed, p)
	}
	return
}
