// Package query defines the closed filter algebra used to select entities.
//
// A Query is compiled once into the representations its consumers need:
//
//   - SQL: a parameterized WHERE / ORDER BY / LIMIT clause over a JSON
//     document column, used by the local cache
//   - Match: an in-process predicate over a decoded document
//   - Transport: the Mongo-style query string sent to the backend
//
// Example:
//
//	q := query.New().
//	    Where(query.AllOf(query.Eq("genre", "scifi"), query.Gte("pages", 200))).
//	    OrderBy("title").
//	    Skip(10).
//	    Take(10)
package query

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"
)

// Op is a comparison operator in a Predicate.
type Op string

const (
	OpEq     Op = "eq"
	OpNe     Op = "ne"
	OpGt     Op = "gt"
	OpGte    Op = "gte"
	OpLt     Op = "lt"
	OpLte    Op = "lte"
	OpIn     Op = "in"
	OpExists Op = "exists"
	OpPrefix Op = "prefix"
)

// IDField is the document field holding the entity identifier.
const IDField = "_id"

// Filter is one of Predicate, And, Or or Not.
type Filter interface {
	isFilter()
}

// Predicate compares a single document field against a value. Field may
// address nested documents with dots ("author.name").
type Predicate struct {
	Field string
	Op    Op
	Value any
}

// And matches when every member matches. An empty And matches everything.
type And []Filter

// Or matches when at least one member matches. An empty Or matches nothing.
type Or []Filter

// Not inverts its member.
type Not struct {
	Filter Filter
}

func (Predicate) isFilter() {}
func (And) isFilter()       {}
func (Or) isFilter()        {}
func (Not) isFilter()       {}

func Eq(field string, value any) Predicate  { return Predicate{Field: field, Op: OpEq, Value: value} }
func Ne(field string, value any) Predicate  { return Predicate{Field: field, Op: OpNe, Value: value} }
func Gt(field string, value any) Predicate  { return Predicate{Field: field, Op: OpGt, Value: value} }
func Gte(field string, value any) Predicate { return Predicate{Field: field, Op: OpGte, Value: value} }
func Lt(field string, value any) Predicate  { return Predicate{Field: field, Op: OpLt, Value: value} }
func Lte(field string, value any) Predicate { return Predicate{Field: field, Op: OpLte, Value: value} }

// In matches documents whose field equals any of values.
func In(field string, values ...any) Predicate {
	return Predicate{Field: field, Op: OpIn, Value: values}
}

// Exists matches documents where field is present (or absent, if want is false).
func Exists(field string, want bool) Predicate {
	return Predicate{Field: field, Op: OpExists, Value: want}
}

// Prefix matches string fields starting with prefix.
func Prefix(field, prefix string) Predicate {
	return Predicate{Field: field, Op: OpPrefix, Value: prefix}
}

// AllOf combines filters with And.
func AllOf(filters ...Filter) And { return And(filters) }

// AnyOf combines filters with Or.
func AnyOf(filters ...Filter) Or { return Or(filters) }

// Direction is a sort direction.
type Direction int

const (
	Ascending Direction = iota
	Descending
)

// Sort orders results by one field.
type Sort struct {
	Field     string
	Direction Direction
}

// Page bounds a result window. Take <= 0 means unbounded.
type Page struct {
	Skip int
	Take int
}

// Query is a filter plus optional ordering and pagination. The zero value
// selects every document in storage order.
//
// Evaluation order is always filter, then sort, then skip, then take.
type Query struct {
	Filter Filter
	Sort   []Sort
	Page   *Page
}

// New returns an empty Query.
func New() Query { return Query{} }

// Where returns a copy of q filtered by f. Successive calls are combined with And.
func (q Query) Where(f Filter) Query {
	if q.Filter == nil {
		q.Filter = f
		return q
	}
	q.Filter = And{q.Filter, f}
	return q
}

// OrderBy appends an ascending sort key.
func (q Query) OrderBy(field string) Query {
	q.Sort = append(append([]Sort(nil), q.Sort...), Sort{Field: field, Direction: Ascending})
	return q
}

// OrderByDescending appends a descending sort key.
func (q Query) OrderByDescending(field string) Query {
	q.Sort = append(append([]Sort(nil), q.Sort...), Sort{Field: field, Direction: Descending})
	return q
}

// Skip sets the number of leading results to drop.
func (q Query) Skip(n int) Query {
	p := q.page()
	p.Skip = n
	q.Page = &p
	return q
}

// Take sets the maximum number of results.
func (q Query) Take(n int) Query {
	p := q.page()
	p.Take = n
	q.Page = &p
	return q
}

func (q Query) page() Page {
	if q.Page == nil {
		return Page{}
	}
	return *q.Page
}

// HasSkip reports whether the query drops leading results.
func (q Query) HasSkip() bool { return q.Page != nil && q.Page.Skip > 0 }

// HasTake reports whether the query bounds the number of results.
func (q Query) HasTake() bool { return q.Page != nil && q.Page.Take > 0 }

// IsEmpty reports whether q has no filter, sort or pagination.
func (q Query) IsEmpty() bool {
	return q.Filter == nil && len(q.Sort) == 0 && !q.HasSkip() && !q.HasTake()
}

// Validate checks every predicate in the filter and every sort key.
func (q Query) Validate() error {
	if q.Filter != nil {
		if err := validateFilter(q.Filter); err != nil {
			return err
		}
	}
	for _, s := range q.Sort {
		if err := validateField(s.Field); err != nil {
			return err
		}
	}
	if q.Page != nil && q.Page.Skip < 0 {
		return fmt.Errorf("skip must not be negative (got %d)", q.Page.Skip)
	}
	return nil
}

func validateFilter(f Filter) error {
	switch f := f.(type) {
	case Predicate:
		if err := validateField(f.Field); err != nil {
			return err
		}
		switch f.Op {
		case OpIn:
			values, ok := f.Value.([]any)
			if !ok {
				return fmt.Errorf("in on %q requires a value list", f.Field)
			}
			for _, v := range values {
				if _, err := normalize(v); err != nil {
					return fmt.Errorf("field %q: %w", f.Field, err)
				}
			}
		case OpExists:
			if _, ok := f.Value.(bool); !ok {
				return fmt.Errorf("exists on %q requires a bool", f.Field)
			}
		case OpPrefix:
			if _, ok := f.Value.(string); !ok {
				return fmt.Errorf("prefix on %q requires a string", f.Field)
			}
		case OpEq, OpNe, OpGt, OpGte, OpLt, OpLte:
			if _, err := normalize(f.Value); err != nil {
				return fmt.Errorf("field %q: %w", f.Field, err)
			}
		default:
			return fmt.Errorf("unknown operator %q", f.Op)
		}
	case And:
		for _, m := range f {
			if err := validateFilter(m); err != nil {
				return err
			}
		}
	case Or:
		for _, m := range f {
			if err := validateFilter(m); err != nil {
				return err
			}
		}
	case Not:
		if f.Filter == nil {
			return fmt.Errorf("not requires a filter")
		}
		return validateFilter(f.Filter)
	case nil:
		return fmt.Errorf("nil filter")
	default:
		return fmt.Errorf("unsupported filter type %T", f)
	}
	return nil
}

func validateField(field string) error {
	if field == "" {
		return fmt.Errorf("field name is required")
	}
	for _, seg := range strings.Split(field, ".") {
		if seg == "" {
			return fmt.Errorf("invalid field name %q", field)
		}
		if strings.ContainsAny(seg, "\"\\[]$") {
			return fmt.Errorf("invalid field name %q", field)
		}
	}
	return nil
}

// normalize maps a comparison value onto the JSON scalar domain: nil,
// bool, float64 or string.
func normalize(v any) (any, error) {
	switch v := v.(type) {
	case nil:
		return nil, nil
	case bool, string:
		return v, nil
	case float64:
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, fmt.Errorf("non-finite number %v", v)
		}
		return v, nil
	case float32:
		return float64(v), nil
	case int:
		return float64(v), nil
	case int8:
		return float64(v), nil
	case int16:
		return float64(v), nil
	case int32:
		return float64(v), nil
	case int64:
		return float64(v), nil
	case uint:
		return float64(v), nil
	case uint8:
		return float64(v), nil
	case uint16:
		return float64(v), nil
	case uint32:
		return float64(v), nil
	case uint64:
		return float64(v), nil
	case json.Number:
		f, err := v.Float64()
		if err != nil {
			return nil, fmt.Errorf("invalid number %q", v)
		}
		return f, nil
	case time.Time:
		return v.UTC().Format(time.RFC3339Nano), nil
	default:
		return nil, fmt.Errorf("unsupported comparison value of type %T", v)
	}
}

// ValidateField checks that field is a usable document field path.
func ValidateField(field string) error {
	return validateField(field)
}
