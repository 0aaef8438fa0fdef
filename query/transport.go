package query

import (
	"bytes"
	"encoding/json"
	"net/url"
	"regexp"
	"strconv"
)

// member is one key/value pair of an ordered JSON object.
type member struct {
	key   string
	value any
}

// object is a JSON object that keeps insertion order when encoded, so the
// same filter tree always produces the same query string.
type object []member

func (o object) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, m := range o {
		if i > 0 {
			buf.WriteByte(',')
		}
		k, err := json.Marshal(m.key)
		if err != nil {
			return nil, err
		}
		buf.Write(k)
		buf.WriteByte(':')
		v, err := json.Marshal(m.value)
		if err != nil {
			return nil, err
		}
		buf.Write(v)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

var mongoOps = map[Op]string{
	OpNe:  "$ne",
	OpGt:  "$gt",
	OpGte: "$gte",
	OpLt:  "$lt",
	OpLte: "$lte",
}

func mongoFilter(f Filter) any {
	switch f := f.(type) {
	case Predicate:
		return mongoPredicate(f)
	case And:
		// An empty $and is rejected by Mongo-style backends.
		if len(f) == 0 {
			return object{}
		}
		if len(f) == 1 {
			return mongoFilter(f[0])
		}
		parts := make([]any, 0, len(f))
		for _, m := range f {
			parts = append(parts, mongoFilter(m))
		}
		return object{{"$and", parts}}
	case Or:
		if len(f) == 0 {
			// An empty Or matches nothing.
			return object{{IDField, object{{"$in", []any{}}}}}
		}
		parts := make([]any, 0, len(f))
		for _, m := range f {
			parts = append(parts, mongoFilter(m))
		}
		return object{{"$or", parts}}
	case Not:
		return object{{"$nor", []any{mongoFilter(f.Filter)}}}
	}
	return object{}
}

func mongoPredicate(p Predicate) any {
	switch p.Op {
	case OpEq:
		v, _ := normalize(p.Value)
		return object{{p.Field, v}}
	case OpIn:
		values, _ := p.Value.([]any)
		norm := make([]any, 0, len(values))
		for _, v := range values {
			n, _ := normalize(v)
			norm = append(norm, n)
		}
		return object{{p.Field, object{{"$in", norm}}}}
	case OpExists:
		return object{{p.Field, object{{"$exists", p.Value}}}}
	case OpPrefix:
		prefix, _ := p.Value.(string)
		return object{{p.Field, object{{"$regex", "^" + regexp.QuoteMeta(prefix)}}}}
	}
	v, _ := normalize(p.Value)
	return object{{p.Field, object{{mongoOps[p.Op], v}}}}
}

// FilterJSON returns the Mongo-style JSON encoding of the query's filter,
// "{}" when there is none.
func (q Query) FilterJSON() (string, error) {
	if q.Filter == nil {
		return "{}", nil
	}
	if err := q.Validate(); err != nil {
		return "", err
	}
	b, err := json.Marshal(mongoFilter(q.Filter))
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// SortJSON returns the JSON sort specification ({"field":1,"other":-1}),
// or "" when the query is unsorted.
func (q Query) SortJSON() (string, error) {
	if len(q.Sort) == 0 {
		return "", nil
	}
	o := make(object, 0, len(q.Sort))
	for _, s := range q.Sort {
		dir := 1
		if s.Direction == Descending {
			dir = -1
		}
		o = append(o, member{s.Field, dir})
	}
	b, err := json.Marshal(o)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Transport returns the URL parameters the backend expects for q:
// query, sort, skip and limit.
func (q Query) Transport() (url.Values, error) {
	v := url.Values{}
	if q.Filter != nil {
		f, err := q.FilterJSON()
		if err != nil {
			return nil, err
		}
		v.Set("query", f)
	}
	s, err := q.SortJSON()
	if err != nil {
		return nil, err
	}
	if s != "" {
		v.Set("sort", s)
	}
	if q.HasSkip() {
		v.Set("skip", strconv.Itoa(q.Page.Skip))
	}
	if q.HasTake() {
		v.Set("limit", strconv.Itoa(q.Page.Take))
	}
	return v, nil
}

// Signature identifies the query for delta-set bookkeeping. It is the
// literal filter JSON followed by the sort JSON; pagination is excluded.
// Structurally equal filters built in a different order have different
// signatures.
func (q Query) Signature() (string, error) {
	f, err := q.FilterJSON()
	if err != nil {
		return "", err
	}
	s, err := q.SortJSON()
	if err != nil {
		return "", err
	}
	if s == "" {
		return f, nil
	}
	return f + "|" + s, nil
}
