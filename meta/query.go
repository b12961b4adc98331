package meta

import (
	"database/sql"
	"fmt"

	"github.com/uptrace/bun"
)

// Result is one entry returned by a query.
type Result struct {
	ID     string
	Record Record
}

// compile builds the query for conds.  Each condition key gets its own
// alias of the metadata table; the aliases are joined on entity_id so
// that the id subquery yields only entries satisfying every condition.
// The outer query then fetches all rows of those entries.
func compile(db bun.IDB, conds Conditions, limit int) *bun.SelectQuery {
	ids := db.NewSelect()
	if len(conds) == 0 {
		ids = ids.Distinct().
			ColumnExpr("entity_id").
			TableExpr("metadata").
			OrderExpr("entity_id")
	} else {
		ids = ids.ColumnExpr("i0.entity_id").TableExpr("metadata AS i0")
		for i, key := range conds.Keys() {
			alias := bun.Safe(fmt.Sprintf("i%d", i))
			if i > 0 {
				ids = ids.Join("INNER JOIN metadata AS ?", alias).
					JoinOn("?.entity_id = i0.entity_id", alias)
			}
			ids = ids.Where(`?."key" = ?`, alias, key)
			c := conds[key]
			if c.Type == "" {
				continue
			}
			col := bun.Safe(c.Type.column())
			if len(c.Preds) == 0 {
				ids = ids.Where("?.? IS NOT NULL", alias, col)
				continue
			}
			for _, p := range c.Preds {
				ids = ids.Where("?.? "+p.Op.sql()+" ?", alias, col, p.Value.Native())
			}
		}
		ids = ids.OrderExpr("i0.entity_id")
	}
	if limit > 0 {
		ids = ids.Limit(limit)
	}
	return selectRows(db).
		Where("entity_id IN (?)", ids).
		OrderExpr(`entity_id, "key"`)
}

// selectRows starts a query over whole metadata rows, in the column
// order group expects.
func selectRows(db bun.IDB) *bun.SelectQuery {
	return db.NewSelect().
		ColumnExpr(`entity_id, "key", value_int, value_str`).
		TableExpr("metadata")
}

// group folds rows sorted by entity_id into one Result per entity.  It
// closes rows.
func group(rows *sql.Rows) (results []Result, err error) {
	defer rows.Close()
	var cur *Result
	finish := func() error {
		if cur == nil {
			return nil
		}
		if _, ok := cur.Record[HashKey]; !ok {
			return &CorruptIndexError{ID: cur.ID, Reason: "entry has no hash"}
		}
		results = append(results, *cur)
		return nil
	}
	for rows.Next() {
		var id, key string
		var vi sql.NullInt64
		var vs sql.NullString
		err = rows.Scan(&id, &key, &vi, &vs)
		if err != nil {
			return nil, err
		}
		var v Value
		switch {
		case vi.Valid && !vs.Valid:
			v = IntValue(vi.Int64)
		case vs.Valid && !vi.Valid:
			v = StrValue(vs.String)
		default:
			return nil, &CorruptIndexError{ID: id, Reason: fmt.Sprintf("key %q needs exactly one value", key)}
		}
		if cur == nil || cur.ID != id {
			err = finish()
			if err != nil {
				return nil, err
			}
			cur = &Result{ID: id, Record: make(Record)}
		}
		if _, dup := cur.Record[key]; dup {
			return nil, &CorruptIndexError{ID: id, Reason: fmt.Sprintf("key %q stored twice", key)}
		}
		cur.Record[key] = v
	}
	err = rows.Err()
	if err != nil {
		return nil, err
	}
	err = finish()
	if err != nil {
		return nil, err
	}
	return
}
