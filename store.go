package filearchive

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	log "github.com/sirupsen/logrus"
	. "github.com/stevegt/goadapt"
	"github.com/t7a/filearchive/digest"
	"github.com/t7a/filearchive/meta"
	"github.com/t7a/filearchive/objects"
)

const (
	objectsDir = "objects"
	indexFile  = "database"
)

// Index is the part of *meta.Store used by FileStore.
type Index interface {
	Insert(id string, rec meta.Record) error
	Remove(id string) error
	Get(id string) (meta.Record, error)
	Has(id string) (bool, error)
	HasDigest(hexhash string) (bool, error)
	Digests() ([]string, error)
	Query(conds meta.Conditions, limit int) ([]meta.Result, error)
	Close() error
}

// FileStore is an open store directory.
type FileStore struct {
	Dir      string
	Objects  *objects.Store
	Metadata Index
	// Warn receives unsafe link diagnostics while adding; nil logs
	// them.
	Warn func(w *UnsafeLinkWarning)
}

// Create makes a new store in dir, which must be absent or an empty
// directory, and returns it open.
func Create(dir string) (fs *FileStore, err error) {
	dir = filepath.Clean(dir)
	fail := func(reason string, args ...interface{}) (*FileStore, error) {
		return nil, &CreationError{Dir: dir, Reason: fmt.Sprintf(reason, args...)}
	}

	made := false
	st, err := os.Stat(dir)
	switch {
	case err == nil:
		if !st.IsDir() {
			return fail("not a directory")
		}
		names, err := digest.List(dir)
		if err != nil {
			return fail("%v", err)
		}
		if len(names) > 0 {
			return fail("directory is not empty")
		}
	case os.IsNotExist(err):
		err = os.Mkdir(dir, 0755)
		if err != nil {
			return fail("%v", err)
		}
		made = true
	default:
		return fail("%v", err)
	}

	err = os.Mkdir(filepath.Join(dir, objectsDir), 0755)
	if err == nil {
		var index *meta.Store
		index, err = meta.Create(filepath.Join(dir, indexFile))
		if err == nil {
			err = index.Close()
		}
	}
	if err != nil {
		os.RemoveAll(filepath.Join(dir, objectsDir))
		os.Remove(filepath.Join(dir, indexFile))
		if made {
			os.Remove(dir)
		}
		return fail("%v", err)
	}
	log.Debugf("created store %s", dir)
	return Open(dir)
}

// Open opens the store in dir.
func Open(dir string) (fs *FileStore, err error) {
	dir = filepath.Clean(dir)
	invalid := func(reason string) (*FileStore, error) {
		return nil, &InvalidStoreError{Dir: dir, Reason: reason}
	}
	st, err := os.Stat(filepath.Join(dir, objectsDir))
	if err != nil || !st.IsDir() {
		return invalid("objects is not a directory")
	}
	st, err = os.Stat(filepath.Join(dir, indexFile))
	if err != nil || !st.Mode().IsRegular() {
		return invalid("database is not a file")
	}
	index, err := meta.Open(filepath.Join(dir, indexFile))
	if err != nil {
		return invalid(err.Error())
	}
	fs = &FileStore{
		Dir:      dir,
		Objects:  objects.Store{}.New(filepath.Join(dir, objectsDir)),
		Metadata: index,
	}
	return
}

// Close releases the index.  The store cannot be used afterwards.
func (fs *FileStore) Close() (err error) {
	err = fs.check()
	if err != nil {
		return
	}
	err = fs.Metadata.Close()
	fs.Metadata = nil
	return
}

func (fs *FileStore) check() error {
	if fs.Metadata == nil {
		return ErrClosed
	}
	return nil
}

func (fs *FileStore) walker() *digest.Walker {
	return &digest.Walker{Warn: fs.Warn}
}

// Add stores the file or directory at path with metadata raw.  See
// meta.Normalize for the accepted metadata values.
func (fs *FileStore) Add(path string, raw map[string]interface{}) (entry *Entry, err error) {
	st, err := os.Stat(path)
	if err != nil {
		return
	}
	if st.IsDir() {
		return fs.AddDirectory(path, raw)
	}
	return fs.AddFile(path, raw)
}

// AddFile stores the regular file at path.  A symbolic link is
// followed, with a warning.
func (fs *FileStore) AddFile(path string, raw map[string]interface{}) (entry *Entry, err error) {
	err = fs.check()
	if err != nil {
		return
	}
	rec, err := meta.Normalize(raw)
	if err != nil {
		return
	}
	st, err := os.Stat(path)
	if err != nil {
		return
	}
	if !st.Mode().IsRegular() {
		return nil, &SpecialFileError{Path: path, Mode: st.Mode()}
	}
	hexhash, err := fs.walker().HashFilePath(path)
	if err != nil {
		return
	}
	return fs.add(rec, hexhash, func() (bool, error) {
		_, created, err := fs.Objects.PutFile(hexhash, path)
		return created, err
	})
}

// AddDirectory stores the directory tree at path.
func (fs *FileStore) AddDirectory(path string, raw map[string]interface{}) (entry *Entry, err error) {
	err = fs.check()
	if err != nil {
		return
	}
	rec, err := meta.Normalize(raw)
	if err != nil {
		return
	}
	st, err := os.Stat(path)
	if err != nil {
		return
	}
	if !st.IsDir() {
		return nil, &PathKindError{Path: path, Want: "directory"}
	}
	hexhash, err := fs.walker().HashDir(path)
	if err != nil {
		return
	}
	return fs.add(rec, hexhash, func() (bool, error) {
		_, created, err := fs.Objects.PutDir(hexhash, path)
		return created, err
	})
}

// AddReader stores everything read from rd as a file.
func (fs *FileStore) AddReader(rd io.Reader, raw map[string]interface{}) (entry *Entry, err error) {
	err = fs.check()
	if err != nil {
		return
	}
	rec, err := meta.Normalize(raw)
	if err != nil {
		return
	}
	p, err := fs.Objects.Create()
	if err != nil {
		return
	}
	defer p.Abort()
	buf := make([]byte, digest.ChunkSize)
	_, err = io.CopyBuffer(p, rd, buf)
	if err != nil {
		return
	}
	return fs.add(rec, p.Digest(), func() (bool, error) {
		_, created, err := p.Commit()
		return created, err
	})
}

// add finishes an add once the content digest is known.  put writes
// the object and reports whether it was new.
func (fs *FileStore) add(rec meta.Record, hexhash string, put func() (created bool, err error)) (entry *Entry, err error) {
	rec[meta.HashKey] = meta.StrValue(hexhash)
	id, err := meta.EntityID(rec)
	if err != nil {
		return
	}
	has, err := fs.Metadata.Has(id)
	if err != nil {
		return
	}
	if has {
		log.Debugf("add %s already present", id)
		return fs.entry(id, rec)
	}

	created, err := put()
	if err != nil {
		return
	}
	err = fs.Metadata.Insert(id, rec)
	if err != nil {
		if created {
			fs.rollback(hexhash)
		}
		return nil, err
	}
	log.Debugf("add %s hash %s created %v", id, hexhash, created)
	return fs.entry(id, rec)
}

// rollback deletes a freshly written object after a failed insert,
// unless a record refers to it by now.
func (fs *FileStore) rollback(hexhash string) {
	shared, err := fs.Metadata.HasDigest(hexhash)
	if err != nil {
		log.Warnf("keeping object %s: %v", hexhash, err)
		return
	}
	if shared {
		return
	}
	err = fs.Objects.Delete(hexhash)
	if err != nil {
		log.Warnf("cannot roll back object %s: %v", hexhash, err)
	}
}

func (fs *FileStore) entry(id string, rec meta.Record) (entry *Entry, err error) {
	hexhash := rec.Hash()
	if !objects.ValidDigest(hexhash) {
		return nil, &CorruptIndexError{ID: id, Reason: fmt.Sprintf("malformed hash %q", hexhash)}
	}
	entry = &Entry{
		ID:       id,
		Metadata: rec,
		Filename: fs.Objects.Path(hexhash).Abs,
	}
	return
}

// Remove deletes the entry id, and its object if no other entry
// shares it.
func (fs *FileStore) Remove(id string) (err error) {
	entry, err := fs.Get(id)
	if err != nil {
		return
	}
	return fs.RemoveEntry(entry)
}

// RemoveEntry is Remove for an entry already at hand.
func (fs *FileStore) RemoveEntry(entry *Entry) (err error) {
	err = fs.check()
	if err != nil {
		return
	}
	Assert(entry != nil, "nil entry")
	err = fs.Metadata.Remove(entry.ID)
	if err != nil {
		return
	}
	shared, err := fs.Metadata.HasDigest(entry.Hash())
	if err != nil || shared {
		return
	}
	err = fs.Objects.Delete(entry.Hash())
	if os.IsNotExist(err) {
		log.Warnf("object of %s was already gone: %s", entry.ID, entry.Filename)
		return nil
	}
	return
}

// Get returns the entry stored under id.
func (fs *FileStore) Get(id string) (entry *Entry, err error) {
	err = fs.check()
	if err != nil {
		return
	}
	rec, err := fs.Metadata.Get(id)
	if err != nil {
		return
	}
	return fs.entry(id, rec)
}

// Query returns the entries matching every condition, ordered by id.
// A limit of zero or less returns all of them.
func (fs *FileStore) Query(conds meta.Conditions, limit int) (entries []*Entry, err error) {
	err = fs.check()
	if err != nil {
		return
	}
	results, err := fs.Metadata.Query(conds, limit)
	if err != nil {
		return
	}
	for _, r := range results {
		entry, err := fs.entry(r.ID, r.Record)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return
}

// QueryOne returns the first entry matching conds, or nil.
func (fs *FileStore) QueryOne(conds meta.Conditions) (entry *Entry, err error) {
	entries, err := fs.Query(conds, 1)
	if err != nil || len(entries) == 0 {
		return
	}
	return entries[0], nil
}

// Filename returns the path of the object of entry id.
func (fs *FileStore) Filename(id string) (path string, err error) {
	entry, err := fs.Get(id)
	if err != nil {
		return
	}
	return entry.Filename, nil
}

// OpenFile opens the object of entry id for reading.  For a directory
// object, inner names the member file to open.
func (fs *FileStore) OpenFile(id, inner string) (fh *os.File, err error) {
	entry, err := fs.Get(id)
	if err != nil {
		return
	}
	return entry.OpenFile(inner)
}
