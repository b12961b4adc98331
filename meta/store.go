package meta

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"sort"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/sqlitedialect"
)

const driver = "sqlite3"

var schema = []string{
	`CREATE TABLE metadata(
		entity_id VARCHAR(40) NOT NULL,
		"key" VARCHAR(255) NOT NULL,
		value_int INTEGER NULL,
		value_str TEXT NULL
	)`,
	`CREATE INDEX entity_id_idx ON metadata(entity_id)`,
	`CREATE INDEX key_idx ON metadata("key")`,
	`CREATE INDEX value_int_idx ON metadata(value_int)`,
	`CREATE INDEX value_str_idx ON metadata(value_str)`,
}

var columns = []string{"entity_id", "key", "value_int", "value_str"}

// row is one key of one record as stored.  Exactly one of the value
// columns is set.
type row struct {
	bun.BaseModel `bun:"table:metadata"`

	EntityID string         `bun:"entity_id,notnull"`
	Key      string         `bun:"key,notnull"`
	ValueInt sql.NullInt64  `bun:"value_int"`
	ValueStr sql.NullString `bun:"value_str"`
}

func newRow(id, key string, v Value) (r row) {
	r = row{EntityID: id, Key: key}
	switch v.Type {
	case Int:
		r.ValueInt = sql.NullInt64{Int64: v.Int, Valid: true}
	case Str:
		r.ValueStr = sql.NullString{String: v.Str, Valid: true}
	}
	return
}

// Store is the metadata index.  It keeps one row per key of every
// record, with the value in the column matching its type.
type Store struct {
	Path string
	db   *bun.DB
}

// New wraps an already open database handle.
func New(sqldb *sql.DB) *Store {
	// single writer
	sqldb.SetMaxOpenConns(1)
	return &Store{db: bun.NewDB(sqldb, sqlitedialect.New())}
}

// Create makes a new index file at path, which must not exist.
func Create(path string) (store *Store, err error) {
	_, err = os.Stat(path)
	if err == nil {
		return nil, fmt.Errorf("already exists: %s", path)
	}
	if !os.IsNotExist(err) {
		return
	}
	sqldb, err := sql.Open(driver, path)
	if err != nil {
		return
	}
	store = New(sqldb)
	store.Path = path
	ctx := context.Background()
	err = store.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) (err error) {
		for _, stmt := range schema {
			_, err = tx.ExecContext(ctx, stmt)
			if err != nil {
				return errors.Wrap(err, "cannot create index")
			}
		}
		return
	})
	if err != nil {
		store.db.Close()
		os.Remove(path)
		return nil, err
	}
	log.Debugf("created index %s", path)
	return
}

// Open opens an existing index, checking that it has exactly the
// expected table and columns.
func Open(path string) (store *Store, err error) {
	st, err := os.Stat(path)
	if err != nil {
		return nil, &InvalidIndexError{Path: path, Reason: err.Error()}
	}
	if !st.Mode().IsRegular() {
		return nil, &InvalidIndexError{Path: path, Reason: "not a regular file"}
	}
	sqldb, err := sql.Open(driver, path)
	if err != nil {
		return nil, &InvalidIndexError{Path: path, Reason: err.Error()}
	}
	store = New(sqldb)
	store.Path = path
	err = store.checkSchema(context.Background())
	if err != nil {
		store.db.Close()
		return nil, err
	}
	return
}

func (store *Store) checkSchema(ctx context.Context) (err error) {
	invalid := func(reason string) error {
		return &InvalidIndexError{Path: store.Path, Reason: reason}
	}
	tables, err := texts(ctx, store.db.NewSelect().
		ColumnExpr("name").
		TableExpr("sqlite_master").
		Where("type = ?", "table"))
	if err != nil {
		return invalid(err.Error())
	}
	if len(tables) != 1 || tables[0] != "metadata" {
		return invalid(fmt.Sprintf("unexpected tables %v", tables))
	}
	rows, err := store.db.QueryContext(ctx, `PRAGMA table_info(metadata)`)
	if err != nil {
		return invalid(err.Error())
	}
	defer rows.Close()
	var cols []string
	for rows.Next() {
		var cid, notnull, pk int
		var name, ctype string
		var dflt sql.NullString
		err = rows.Scan(&cid, &name, &ctype, &notnull, &dflt, &pk)
		if err != nil {
			return invalid(err.Error())
		}
		cols = append(cols, name)
	}
	if err = rows.Err(); err != nil {
		return invalid(err.Error())
	}
	sort.Strings(cols)
	if fmt.Sprint(cols) != fmt.Sprint(columns) {
		return invalid(fmt.Sprintf("unexpected columns %v", cols))
	}
	return
}

// texts runs a query returning one text column.
func texts(ctx context.Context, q *bun.SelectQuery) (out []string, err error) {
	rows, err := q.Rows(ctx)
	if err != nil {
		return
	}
	defer rows.Close()
	for rows.Next() {
		var s string
		err = rows.Scan(&s)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// exists reports whether q yields any row.
func exists(ctx context.Context, q *bun.SelectQuery) (found bool, err error) {
	rows, err := q.ColumnExpr("1").Limit(1).Rows(ctx)
	if err != nil {
		return
	}
	defer rows.Close()
	found = rows.Next()
	return found, rows.Err()
}

func hasID(ctx context.Context, db bun.IDB, id string) (bool, error) {
	return exists(ctx, db.NewSelect().TableExpr("metadata").Where("entity_id = ?", id))
}

// Insert adds rec under id.  Either all rows are written or none.
func (store *Store) Insert(id string, rec Record) (err error) {
	if _, ok := rec[HashKey]; !ok {
		return &ShapeError{Key: HashKey, Reason: "record has no content digest"}
	}
	rows := make([]row, 0, len(rec))
	for _, key := range rec.Keys() {
		v := rec[key]
		if !v.Type.valid() {
			return &ShapeError{Key: key, Reason: fmt.Sprintf("unknown type %q", v.Type)}
		}
		rows = append(rows, newRow(id, key, v))
	}
	ctx := context.Background()
	return store.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) (err error) {
		found, err := hasID(ctx, tx, id)
		if err != nil {
			return
		}
		if found {
			return &DuplicateEntityError{ID: id}
		}
		_, err = tx.NewInsert().Model(&rows).Exec(ctx)
		if err != nil {
			return errors.Wrapf(err, "insert %s", id)
		}
		log.Debugf("Insert %s %d keys", id, len(rows))
		return
	})
}

// Remove deletes every row of id.
func (store *Store) Remove(id string) (err error) {
	ctx := context.Background()
	return store.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) (err error) {
		res, err := tx.NewDelete().
			Model((*row)(nil)).
			Where("entity_id = ?", id).
			Exec(ctx)
		if err != nil {
			return
		}
		n, err := res.RowsAffected()
		if err != nil {
			return
		}
		if n == 0 {
			return &NotFoundError{ID: id}
		}
		log.Debugf("Remove %s %d rows", id, n)
		return
	})
}

// Get returns the record stored under id.
func (store *Store) Get(id string) (rec Record, err error) {
	rows, err := selectRows(store.db).
		Where("entity_id = ?", id).
		OrderExpr(`"key"`).
		Rows(context.Background())
	if err != nil {
		return
	}
	results, err := group(rows)
	if err != nil {
		return
	}
	if len(results) == 0 {
		return nil, &NotFoundError{ID: id}
	}
	return results[0].Record, nil
}

// Has reports whether id is present.
func (store *Store) Has(id string) (bool, error) {
	return hasID(context.Background(), store.db, id)
}

// HasDigest reports whether any record refers to the content digest
// hexhash.
func (store *Store) HasDigest(hexhash string) (bool, error) {
	return exists(context.Background(), store.db.NewSelect().
		TableExpr("metadata").
		Where(`"key" = ?`, HashKey).
		Where("value_str = ?", hexhash))
}

// Digests returns every content digest referenced by a record, sorted.
func (store *Store) Digests() ([]string, error) {
	return texts(context.Background(), store.db.NewSelect().
		Distinct().
		ColumnExpr("value_str").
		TableExpr("metadata").
		Where(`"key" = ?`, HashKey).
		Where("value_str IS NOT NULL").
		OrderExpr("value_str"))
}

// Query returns the entries matching all of conds, ordered by id.  A
// limit of zero or less returns every match.
func (store *Store) Query(conds Conditions, limit int) (results []Result, err error) {
	err = conds.Validate()
	if err != nil {
		return
	}
	q := compile(store.db, conds, limit)
	log.Debugf("Query %s", q)
	rows, err := q.Rows(context.Background())
	if err != nil {
		return
	}
	return group(rows)
}

// QueryOne returns the first entry matching conds, or nil.
func (store *Store) QueryOne(conds Conditions) (result *Result, err error) {
	results, err := store.Query(conds, 1)
	if err != nil || len(results) == 0 {
		return
	}
	return &results[0], nil
}

// Close releases the database.  The store cannot be used afterwards.
func (store *Store) Close() (err error) {
	if store.db == nil {
		return
	}
	err = store.db.Close()
	store.db = nil
	return
}
