/*

Package digest computes the content addresses used by the archive.

Vocabulary:

- digest: 40 lowercase hex characters of a SHA-1 sum
- tag: literal prefix fed to the hash before any content, "file\n" for
  regular files and "dir\n" for directories, so that the two kinds can
  never produce the same digest
- record: one line of a directory digest, "<kind> <name> <digest>\n",
  emitted for every member in byte-wise sorted order
- kind: file, dir or link
- in-tree link: a symbolic link whose target resolves strictly inside
  the directory being hashed; recorded by the digest of its relative
  target path rather than by its content
- unsafe link: a symbolic link pointing outside the tree; it is followed
  and its target's content is used instead

*/
package digest

import (
	"crypto/sha1"
	"encoding/hex"
	"hash"
	"io"
	"os"

	"github.com/pkg/errors"
)

// ChunkSize is the number of bytes read per call while hashing file
// content.
var ChunkSize = 4096

const (
	fileTag = "file\n"
	dirTag  = "dir\n"
)

// NewFile returns a SHA-1 state already seeded with the file tag.
// Writing a file's bytes into it and calling Hex yields the same
// digest as HashFile.
func NewFile() hash.Hash {
	h := sha1.New()
	h.Write([]byte(fileTag))
	return h
}

// Hex renders the current sum of h.
func Hex(h hash.Hash) string {
	return hex.EncodeToString(h.Sum(nil))
}

// Sum returns the untagged digest of s.
func Sum(s string) string {
	h := sha1.New()
	h.Write([]byte(s))
	return Hex(h)
}

// HashFile reads rd to EOF in ChunkSize pieces and returns its file
// digest.
func HashFile(rd io.Reader) (hexhash string, err error) {
	h := NewFile()
	buf := make([]byte, ChunkSize)
	for {
		n, err := rd.Read(buf)
		if n > 0 {
			h.Write(buf[:n])
		}
		if errors.Cause(err) == io.EOF {
			break
		}
		if err != nil {
			return "", err
		}
	}
	return Hex(h), nil
}

// HashPath opens the file at path and returns its file digest.
func HashPath(path string) (hexhash string, err error) {
	fh, err := os.Open(path)
	if err != nil {
		return
	}
	defer fh.Close()
	return HashFile(fh)
}
