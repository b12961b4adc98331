package objects

import (
	"hash"
	"io"
	"io/ioutil"
	"os"

	log "github.com/sirupsen/logrus"
	. "github.com/stevegt/goadapt"
	"github.com/t7a/filearchive/digest"
)

// Pending is a write-once file whose name is not known until all of
// its content has been written.  Data is hashed as it is written to a
// temporary file in the store directory; Commit moves the file to its
// content address.
type Pending struct {
	Store *Store
	fh    *os.File
	hash  hash.Hash
	done  bool
}

// Create starts a new pending file.
func (store *Store) Create() (p *Pending, err error) {
	fh, err := ioutil.TempFile(store.Dir, ".stream-")
	if err != nil {
		return
	}
	p = &Pending{Store: store, fh: fh, hash: digest.NewFile()}
	return
}

// Write supports the io.Writer interface.
func (p *Pending) Write(data []byte) (n int, err error) {
	Assert(!p.done, "write to committed file")
	n, err = p.fh.Write(data)
	if err != nil {
		return
	}
	p.hash.Write(data[:n])
	return
}

// Digest returns the file digest of everything written so far.
func (p *Pending) Digest() string {
	return digest.Hex(p.hash)
}

// Commit closes the pending file and moves it into place.  If an
// object with the same digest already exists the pending file is
// discarded and created is false.
func (p *Pending) Commit() (path *Path, created bool, err error) {
	defer Return(&err)
	Assert(!p.done, "pending file already committed")
	p.done = true
	tmp := p.fh.Name()
	defer func() {
		if err != nil || !created {
			os.Remove(tmp)
		}
	}()

	err = p.fh.Close()
	Ck(err)

	path = p.Store.Path(p.Digest())
	if p.Store.Exists(path.Hash) {
		log.Debugf("Commit %s already stored", path)
		return path, false, nil
	}

	undo, err := p.Store.mkshard(path)
	Ck(err)
	err = os.Chmod(tmp, FileMode)
	if err == nil {
		err = os.Rename(tmp, path.Abs)
	}
	if err != nil {
		undo()
		return nil, false, err
	}
	log.Debugf("Commit %s", path)
	return path, true, nil
}

// Abort discards the pending file.  It does nothing after Commit.
func (p *Pending) Abort() (err error) {
	if p.done {
		return
	}
	p.done = true
	p.fh.Close()
	return os.Remove(p.fh.Name())
}

// PutStream stores everything read from rd as a file object.
func (store *Store) PutStream(rd io.Reader) (path *Path, created bool, err error) {
	p, err := store.Create()
	if err != nil {
		return
	}
	defer p.Abort()
	buf := make([]byte, digest.ChunkSize)
	_, err = io.CopyBuffer(p, rd, buf)
	if err != nil {
		return nil, false, err
	}
	return p.Commit()
}
