/*

Filearchive is a content-addressed file store with typed metadata
search.  Files and directory trees are stored once under the digest of
their content; every add attaches a metadata record to the content,
and records are found again by conditions on their values.

Vocabulary:

- digest: SHA-1 of an object's content, tagged by kind (package digest)
- object: a stored file or directory tree, named by its digest
  (package objects)
- shard: the directory named after the first two hex characters of a
  digest
- record: the typed key/value metadata of one entry, always including
  "hash", the digest of its object (package meta)
- entry: a record plus the id it is stored under
- id: SHA-1 over the record's canonical encoding; adding the same
  content with the same metadata twice yields the same id
- index: the SQLite database holding every record
- orphan: an object no record refers to, left by a crash between the
  object write and the index insert; see Verify and Sweep

Layout of a store directory:

	<dir>/objects/<2 hex>/<38 hex>
	<dir>/database

*/
package filearchive
