package query

import (
	"sort"
	"strings"
)

// Match reports whether doc satisfies the query's filter. Sort and
// pagination are ignored; use Apply to evaluate a whole query in memory.
func (q Query) Match(doc map[string]any) bool {
	if q.Filter == nil {
		return true
	}
	return matchFilter(q.Filter, doc)
}

// Apply evaluates q over docs in memory, honouring filter, sort, skip and
// take in that order. docs is not modified.
func (q Query) Apply(docs []map[string]any) []map[string]any {
	out := make([]map[string]any, 0, len(docs))
	for _, d := range docs {
		if q.Match(d) {
			out = append(out, d)
		}
	}

	if len(q.Sort) > 0 {
		sort.SliceStable(out, func(i, j int) bool {
			for _, s := range q.Sort {
				a, _ := lookup(out[i], s.Field)
				b, _ := lookup(out[j], s.Field)
				c := compareForSort(a, b)
				if c == 0 {
					continue
				}
				if s.Direction == Descending {
					return c > 0
				}
				return c < 0
			}
			return false
		})
	}

	if q.HasSkip() {
		if q.Page.Skip >= len(out) {
			return out[:0]
		}
		out = out[q.Page.Skip:]
	}
	if q.HasTake() && q.Page.Take < len(out) {
		out = out[:q.Page.Take]
	}
	return out
}

func matchFilter(f Filter, doc map[string]any) bool {
	switch f := f.(type) {
	case Predicate:
		return matchPredicate(f, doc)
	case And:
		for _, m := range f {
			if !matchFilter(m, doc) {
				return false
			}
		}
		return true
	case Or:
		for _, m := range f {
			if matchFilter(m, doc) {
				return true
			}
		}
		return false
	case Not:
		return !matchFilter(f.Filter, doc)
	}
	return false
}

func matchPredicate(p Predicate, doc map[string]any) bool {
	raw, present := lookup(doc, p.Field)
	got, _ := normalize(raw)

	switch p.Op {
	case OpExists:
		want, _ := p.Value.(bool)
		return present == want
	case OpIn:
		values, _ := p.Value.([]any)
		for _, v := range values {
			n, _ := normalize(v)
			if equal(got, n) {
				return true
			}
		}
		return false
	case OpPrefix:
		s, ok := got.(string)
		prefix, _ := p.Value.(string)
		return ok && strings.HasPrefix(s, prefix)
	}

	want, _ := normalize(p.Value)
	switch p.Op {
	case OpEq:
		return equal(got, want)
	case OpNe:
		return !equal(got, want)
	}

	c, ok := compare(got, want)
	if !ok {
		return false
	}
	switch p.Op {
	case OpGt:
		return c > 0
	case OpGte:
		return c >= 0
	case OpLt:
		return c < 0
	case OpLte:
		return c <= 0
	}
	return false
}

// lookup resolves a dotted field path inside doc.
func lookup(doc map[string]any, field string) (any, bool) {
	var cur any = doc
	for _, seg := range strings.Split(field, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[seg]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

func equal(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	c, ok := compare(a, b)
	return ok && c == 0
}

// compare orders two normalized scalars of the same kind.
func compare(a, b any) (int, bool) {
	switch av := a.(type) {
	case float64:
		bv, ok := b.(float64)
		if !ok {
			return 0, false
		}
		switch {
		case av < bv:
			return -1, true
		case av > bv:
			return 1, true
		}
		return 0, true
	case string:
		bv, ok := b.(string)
		if !ok {
			return 0, false
		}
		return strings.Compare(av, bv), true
	case bool:
		bv, ok := b.(bool)
		if !ok {
			return 0, false
		}
		switch {
		case av == bv:
			return 0, true
		case !av:
			return -1, true
		}
		return 1, true
	}
	return 0, false
}

// compareForSort is a total order matching SQLite's: NULL < numbers <
// strings, with booleans sorting as numbers.
func compareForSort(a, b any) int {
	a, _ = normalize(a)
	b, _ = normalize(b)
	ra, rb := sortRank(a), sortRank(b)
	if ra != rb {
		if ra < rb {
			return -1
		}
		return 1
	}
	if ra == 1 {
		fa, fb := asFloat(a), asFloat(b)
		switch {
		case fa < fb:
			return -1
		case fa > fb:
			return 1
		}
		return 0
	}
	c, _ := compare(a, b)
	return c
}

func sortRank(v any) int {
	switch v.(type) {
	case nil:
		return 0
	case float64, bool:
		return 1
	case string:
		return 2
	}
	return 3
}

func asFloat(v any) float64 {
	switch v := v.(type) {
	case float64:
		return v
	case bool:
		if v {
			return 1
		}
	}
	return 0
}
