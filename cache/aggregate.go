package cache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/offlinekit/offsync/errs"
	"github.com/offlinekit/offsync/query"
)

// Reduce names an aggregation function.
type Reduce string

const (
	Sum     Reduce = "SUM"
	Min     Reduce = "MIN"
	Max     Reduce = "MAX"
	Average Reduce = "AVERAGE"
	Count   Reduce = "COUNT"
)

func (r Reduce) sqlFunc() (string, bool) {
	switch r {
	case Sum:
		return "SUM", true
	case Min:
		return "MIN", true
	case Max:
		return "MAX", true
	case Average:
		return "AVG", true
	case Count:
		return "COUNT", true
	}
	return "", false
}

// AggregateResult is one group of an aggregation. Group is nil when no
// group field was given or the group field is missing on the entities it
// covers.
type AggregateResult struct {
	Group any     `json:"group"`
	Value float64 `json:"value"`
}

// Aggregate reduces field over the entities matching the filter of q,
// optionally grouped by groupBy. COUNT counts entities where field is
// non-null; the other functions ignore missing and null values and fail with
// ErrInvalidOperation if any matching value is not a number. Groups are
// ordered by their key.
func (c *LocalCache[T]) Aggregate(ctx context.Context, fn Reduce, field, groupBy string, q query.Query) ([]AggregateResult, error) {
	const op = "cache.Aggregate"
	sqlFn, ok := fn.sqlFunc()
	if !ok {
		return nil, errs.Newf(errs.ErrInvalidOperation, op, "unknown aggregation %q", fn)
	}
	if err := query.ValidateField(field); err != nil {
		return nil, errs.Wrap(errs.ErrInvalidOperation, op, err)
	}
	if groupBy != "" {
		if err := query.ValidateField(groupBy); err != nil {
			return nil, errs.Wrap(errs.ErrInvalidOperation, op, err)
		}
	}

	table, err := c.table(ctx, op, errs.ErrCacheRead)
	if err != nil {
		return nil, err
	}
	compiled, err := query.Query{Filter: q.Filter}.CompileSQL(target)
	if err != nil {
		return nil, errs.Wrap(errs.ErrInvalidOperation, op, err)
	}
	where := "1"
	if compiled.Where != "" {
		where = compiled.Where
	}

	valueExpr, valueArgs := target.Value(field)

	groupExpr, groupArgs := "NULL", []any(nil)
	if groupBy != "" {
		groupExpr, groupArgs = target.Value(groupBy)
	}

	var results []AggregateResult
	err = c.db.WithLock(ctx, func(conn *sql.DB) error {
		if fn != Count {
			var bad int
			args := append(append([]any{}, valueArgs...), compiled.Args...)
			err := conn.QueryRowContext(ctx, fmt.Sprintf(
				`SELECT COUNT(*) FROM %s WHERE typeof(%s) NOT IN ('integer', 'real', 'null') AND (%s)`,
				table, valueExpr, where), args...,
			).Scan(&bad)
			if err != nil {
				return err
			}
			if bad > 0 {
				return errs.Newf(errs.ErrInvalidOperation, op, "field %s is not numeric on %d entities", field, bad)
			}
		}

		selectValue := sqlFn + "(" + valueExpr + ")"
		args := append([]any{}, groupArgs...)
		args = append(args, valueArgs...)
		args = append(args, compiled.Args...)
		stmt := fmt.Sprintf(`SELECT %s AS grp, %s FROM %s WHERE %s`, groupExpr, selectValue, table, where)
		if groupBy != "" {
			stmt += ` GROUP BY grp ORDER BY grp`
		}

		rows, err := conn.QueryContext(ctx, stmt, args...)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			var group any
			var value sql.NullFloat64
			if err := rows.Scan(&group, &value); err != nil {
				return err
			}
			if !value.Valid {
				continue
			}
			results = append(results, AggregateResult{Group: groupValue(group), Value: value.Float64})
		}
		return rows.Err()
	})
	if errors.Is(err, errs.ErrInvalidOperation) {
		return nil, err
	}
	if err != nil {
		return nil, errs.Wrap(errs.ErrCacheRead, op, err)
	}
	return results, nil
}

// groupValue maps a scanned SQLite value onto the types a decoded JSON
// document would carry.
func groupValue(v any) any {
	switch v := v.(type) {
	case []byte:
		return string(v)
	case int64:
		return float64(v)
	}
	return v
}
