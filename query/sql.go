package query

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// SQLTarget describes how documents are laid out in a table: the entity
// identifier lives in its own column and the remaining fields inside a
// JSON document column.
type SQLTarget struct {
	IDColumn  string
	DocColumn string
}

// SQL is a compiled, parameterized query fragment. Where and OrderBy are
// empty when the query has no filter or sort; Limit always carries every
// placeholder it needs.
type SQL struct {
	Where   string
	Args    []any
	OrderBy string
	Limit   string
}

// Clause renders the fragment in WHERE / ORDER BY / LIMIT order, suitable
// for appending to "SELECT ... FROM t".
func (s SQL) Clause() string {
	var parts []string
	if s.Where != "" {
		parts = append(parts, "WHERE "+s.Where)
	}
	if s.OrderBy != "" {
		parts = append(parts, "ORDER BY "+s.OrderBy)
	}
	if s.Limit != "" {
		parts = append(parts, s.Limit)
	}
	return strings.Join(parts, " ")
}

// CompileSQL translates q into a SQL fragment for t. Arguments are ordered
// to match the placeholders of Where, then OrderBy, then Limit.
func (q Query) CompileSQL(t SQLTarget) (SQL, error) {
	if err := q.Validate(); err != nil {
		return SQL{}, err
	}

	var out SQL
	if q.Filter != nil {
		where, args := t.filter(q.Filter)
		out.Where = where
		out.Args = append(out.Args, args...)
	}

	if len(q.Sort) > 0 {
		var keys []string
		for _, s := range q.Sort {
			expr, args := t.Value(s.Field)
			out.Args = append(out.Args, args...)
			dir := "ASC"
			if s.Direction == Descending {
				dir = "DESC"
			}
			keys = append(keys, expr+" "+dir)
		}
		// Stable tie-break keeps pages from overlapping.
		keys = append(keys, t.IDColumn+" ASC")
		out.OrderBy = strings.Join(keys, ", ")
	}

	switch {
	case q.HasTake() && q.HasSkip():
		out.Limit = "LIMIT ? OFFSET ?"
		out.Args = append(out.Args, q.Page.Take, q.Page.Skip)
	case q.HasTake():
		out.Limit = "LIMIT ?"
		out.Args = append(out.Args, q.Page.Take)
	case q.HasSkip():
		out.Limit = "LIMIT -1 OFFSET ?"
		out.Args = append(out.Args, q.Page.Skip)
	}

	return out, nil
}

// jsonPath converts "a.b" into the quoted JSON path `$."a"."b"`.
func jsonPath(field string) string {
	var b strings.Builder
	b.WriteString("$")
	for _, seg := range strings.Split(field, ".") {
		b.WriteString(`."`)
		b.WriteString(seg)
		b.WriteString(`"`)
	}
	return b.String()
}

// Value returns the SQL expression extracting field and its arguments.
func (t SQLTarget) Value(field string) (string, []any) {
	if field == IDField {
		return t.IDColumn, nil
	}
	return fmt.Sprintf("json_extract(%s, ?)", t.DocColumn), []any{jsonPath(field)}
}

// presence returns an expression that is NULL only when field is absent.
// json_extract cannot distinguish an explicit null from a missing key.
func (t SQLTarget) presence(field string) (string, []any) {
	if field == IDField {
		return t.IDColumn, nil
	}
	return fmt.Sprintf("json_type(%s, ?)", t.DocColumn), []any{jsonPath(field)}
}

func (t SQLTarget) filter(f Filter) (string, []any) {
	switch f := f.(type) {
	case Predicate:
		return t.predicate(f)
	case And:
		if len(f) == 0 {
			return "1", nil
		}
		return t.join(f, " AND ")
	case Or:
		if len(f) == 0 {
			return "0", nil
		}
		return t.join(f, " OR ")
	case Not:
		where, args := t.filter(f.Filter)
		return "NOT (" + where + ")", args
	}
	return "0", nil
}

func (t SQLTarget) join(members []Filter, sep string) (string, []any) {
	var parts []string
	var args []any
	for _, m := range members {
		where, a := t.filter(m)
		parts = append(parts, "("+where+")")
		args = append(args, a...)
	}
	return strings.Join(parts, sep), args
}

// kind returns an expression naming the JSON type stored under field:
// json_type for document fields, typeof for the id column.
func (t SQLTarget) kind(field string) (string, []any) {
	if field == IDField {
		return "typeof(" + t.IDColumn + ")", nil
	}
	return fmt.Sprintf("json_type(%s, ?)", t.DocColumn), []any{jsonPath(field)}
}

// kinds lists the type names comparable with the normalized value v.
func kinds(v any) string {
	switch v.(type) {
	case float64:
		return "'integer', 'real'"
	case bool:
		return "'true', 'false'"
	}
	return "'text'"
}

// typed restricts cond to rows where field holds a value of the same kind
// as v. SQLite orders every number below every string; Match never
// compares across kinds. The result is 0 or 1, never NULL.
func (t SQLTarget) typed(field string, v any, cond string, condArgs []any) (string, []any) {
	kind, args := t.kind(field)
	args = append(args, condArgs...)
	return fmt.Sprintf("COALESCE(%s IN (%s) AND %s, 0)", kind, kinds(v), cond), args
}

func (t SQLTarget) predicate(p Predicate) (string, []any) {
	expr, args := t.Value(p.Field)

	switch p.Op {
	case OpExists:
		pres, pargs := t.presence(p.Field)
		if p.Value.(bool) {
			return pres + " IS NOT NULL", pargs
		}
		return pres + " IS NULL", pargs

	case OpIn:
		return t.in(p.Field, p.Value.([]any))

	case OpPrefix:
		prefix := p.Value.(string)
		n := utf8.RuneCountInString(prefix)
		return t.typed(p.Field, prefix,
			fmt.Sprintf("substr(%s, 1, ?) = ?", expr), append(args, n, prefix))
	}

	n, _ := normalize(p.Value)
	if n == nil {
		switch p.Op {
		case OpEq:
			return expr + " IS NULL", args
		case OpNe:
			return expr + " IS NOT NULL", args
		default:
			return "0", nil
		}
	}
	v := sqlValue(n)

	var cond string
	switch p.Op {
	case OpEq, OpNe:
		cond = expr + " = ?"
	case OpGt:
		cond = expr + " > ?"
	case OpGte:
		cond = expr + " >= ?"
	case OpLt:
		cond = expr + " < ?"
	case OpLte:
		cond = expr + " <= ?"
	default:
		return "0", nil
	}
	where, wargs := t.typed(p.Field, n, cond, append(args, v))
	if p.Op == OpNe {
		// Missing fields and other kinds are "not equal" to any value.
		return "NOT " + where, wargs
	}
	return where, wargs
}

// in matches field against values, one IN list per value kind.
func (t SQLTarget) in(field string, values []any) (string, []any) {
	if len(values) == 0 {
		return "0", nil
	}
	var (
		order  []string
		groups = make(map[string][]any)
		null   bool
	)
	for _, raw := range values {
		n, _ := normalize(raw)
		if n == nil {
			null = true
			continue
		}
		k := kinds(n)
		if _, ok := groups[k]; !ok {
			order = append(order, k)
		}
		groups[k] = append(groups[k], sqlValue(n))
	}

	var parts []string
	var args []any
	for _, k := range order {
		expr, eargs := t.Value(field)
		kind, kargs := t.kind(field)
		marks := strings.TrimSuffix(strings.Repeat("?, ", len(groups[k])), ", ")
		parts = append(parts, fmt.Sprintf("COALESCE(%s IN (%s) AND %s IN (%s), 0)", kind, k, expr, marks))
		args = append(append(append(args, kargs...), eargs...), groups[k]...)
	}
	if null {
		expr, eargs := t.Value(field)
		parts = append(parts, expr+" IS NULL")
		args = append(args, eargs...)
	}
	return "(" + strings.Join(parts, " OR ") + ")", args
}

// sqlValue converts a validated comparison value into a driver argument.
// JSON booleans extract as integers in SQLite.
func sqlValue(v any) any {
	n, _ := normalize(v)
	if b, ok := n.(bool); ok {
		if b {
			return 1
		}
		return 0
	}
	return n
}
