// Package fuse serves a read-only view of a file archive.
//
// The root directory lists one name per entry, the entity id.  A file
// entry appears as a regular file holding the object's content; a
// directory entry appears as the stored tree, symbolic links included.
package fuse

import (
	"context"
	"path/filepath"
	"syscall"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	. "github.com/stevegt/goadapt"
	"github.com/t7a/filearchive"
	"github.com/t7a/filearchive/digest"
)

// root

type rootNode struct {
	fs.Inode
	store *filearchive.FileStore
}

var _ = (fs.NodeGetattrer)((*rootNode)(nil))

func (r *rootNode) Getattr(ctx context.Context, fh fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	out.Mode = 0555
	return 0
}

var _ = (fs.NodeReaddirer)((*rootNode)(nil))

func (r *rootNode) Readdir(ctx context.Context) (stream fs.DirStream, errno syscall.Errno) {
	defer Unpanic(&errno, msglog)

	all, err := r.store.Query(nil, 0)
	Ck(err)
	entries := []fuse.DirEntry{
		{Mode: syscall.S_IFDIR, Name: "."},
		{Mode: syscall.S_IFDIR, Name: ".."},
	}
	for _, e := range all {
		mode := uint32(syscall.S_IFREG)
		if e.IsDir() {
			mode = syscall.S_IFDIR
		}
		entries = append(entries, fuse.DirEntry{Mode: mode, Name: e.ID})
	}
	return fs.NewListDirStream(entries), 0
}

var _ = (fs.NodeLookuper)((*rootNode)(nil))

func (r *rootNode) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (child *fs.Inode, errno syscall.Errno) {
	defer Unpanic(&errno, msglog)

	entry, err := r.store.Get(name)
	var notfound *filearchive.NotFoundError
	if errors.As(err, &notfound) {
		return nil, syscall.ENOENT
	}
	Ck(err)
	return lookup(ctx, &r.Inode, entry.Filename, out)
}

// objects

// objectNode is a file, directory or symbolic link inside the object
// store.  Everything below the root is one.
type objectNode struct {
	fs.Inode
	path string
}

func lookup(ctx context.Context, parent *fs.Inode, path string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	var st syscall.Stat_t
	err := syscall.Lstat(path, &st)
	if err != nil {
		return nil, fs.ToErrno(err)
	}
	out.Attr.FromStat(&st)
	child := parent.NewInode(ctx,
		&objectNode{path: path},
		fs.StableAttr{Mode: st.Mode & syscall.S_IFMT},
	)
	return child, 0
}

var _ = (fs.NodeGetattrer)((*objectNode)(nil))

func (n *objectNode) Getattr(ctx context.Context, fh fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	var st syscall.Stat_t
	err := syscall.Lstat(n.path, &st)
	if err != nil {
		return fs.ToErrno(err)
	}
	out.FromStat(&st)
	return 0
}

var _ = (fs.NodeLookuper)((*objectNode)(nil))

func (n *objectNode) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	return lookup(ctx, &n.Inode, filepath.Join(n.path, name), out)
}

var _ = (fs.NodeReaddirer)((*objectNode)(nil))

func (n *objectNode) Readdir(ctx context.Context) (stream fs.DirStream, errno syscall.Errno) {
	defer Unpanic(&errno, msglog)

	names, err := digest.List(n.path)
	Ck(err)
	var entries []fuse.DirEntry
	for _, name := range names {
		var st syscall.Stat_t
		err = syscall.Lstat(filepath.Join(n.path, name), &st)
		Ck(err)
		entries = append(entries, fuse.DirEntry{Mode: st.Mode, Name: name})
	}
	return fs.NewListDirStream(entries), 0
}

var _ = (fs.NodeReadlinker)((*objectNode)(nil))

func (n *objectNode) Readlink(ctx context.Context) ([]byte, syscall.Errno) {
	buf := make([]byte, syscall.PathMax)
	nread, err := syscall.Readlink(n.path, buf)
	if err != nil {
		return nil, fs.ToErrno(err)
	}
	return buf[:nread], 0
}

var _ = (fs.NodeOpener)((*objectNode)(nil))

func (n *objectNode) Open(ctx context.Context, flags uint32) (fh fs.FileHandle, outflags uint32, errno syscall.Errno) {
	// disallow writes
	if flags&(syscall.O_RDWR|syscall.O_WRONLY|syscall.O_TRUNC|syscall.O_APPEND) != 0 {
		return nil, 0, syscall.EROFS
	}
	fd, err := syscall.Open(n.path, syscall.O_RDONLY, 0)
	if err != nil {
		return nil, 0, fs.ToErrno(err)
	}
	// The file content is immutable, so ask the kernel to cache the data.
	return fs.NewLoopbackFile(fd), fuse.FOPEN_KEEP_CACHE, fs.OK
}

// server

// Serve mounts the read-only view of store at mnt and returns once the
// mount is ready.
func Serve(store *filearchive.FileStore, mnt string) (server *fuse.Server, err error) {
	defer Return(&err)
	opts := &fs.Options{}
	opts.Debug = log.IsLevelEnabled(log.DebugLevel)
	// start inode numbers at 2^16
	opts.FirstAutomaticIno = 1 << 16
	opts.MountOptions.Options = append(opts.MountOptions.Options, "ro")
	opts.MountOptions.FsName = store.Dir
	opts.MountOptions.Name = "filearchive"
	server, err = fs.Mount(mnt, &rootNode{store: store}, opts)
	Ck(err)
	server.WaitMount()
	log.Debugf("serving %s on %s", store.Dir, mnt)
	return
}

func msglog(msg string) {
	log.Errorf("unpanic: %v", msg)
}
