package query

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"
)

var reversedOps = map[string]Op{
	"$ne":  OpNe,
	"$gt":  OpGt,
	"$gte": OpGte,
	"$lt":  OpLt,
	"$lte": OpLte,
}

// ParseFilterJSON parses the Mongo-style subset produced by FilterJSON back
// into a Filter. Keys of a JSON object are visited in sorted order, so the
// result is deterministic but not necessarily identical to the tree the
// string was produced from.
func ParseFilterJSON(s string) (Filter, error) {
	s = strings.TrimSpace(s)
	if s == "" || s == "{}" {
		return nil, nil
	}
	dec := json.NewDecoder(bytes.NewReader([]byte(s)))
	dec.UseNumber()
	var raw map[string]any
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("failed to parse query: %w", err)
	}
	f, err := parseObject(raw)
	if err != nil {
		return nil, err
	}
	if err := validateFilter(f); err != nil {
		return nil, err
	}
	return f, nil
}

func parseObject(obj map[string]any) (Filter, error) {
	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var parts And
	for _, k := range keys {
		v := obj[k]
		switch k {
		case "$and", "$or", "$nor":
			list, ok := v.([]any)
			if !ok {
				return nil, fmt.Errorf("%s requires an array", k)
			}
			var members []Filter
			for _, item := range list {
				m, ok := item.(map[string]any)
				if !ok {
					return nil, fmt.Errorf("%s members must be objects", k)
				}
				f, err := parseObject(m)
				if err != nil {
					return nil, err
				}
				members = append(members, f)
			}
			switch k {
			case "$and":
				parts = append(parts, And(members))
			case "$or":
				parts = append(parts, Or(members))
			default:
				parts = append(parts, Not{Filter: Or(members)})
			}
		default:
			f, err := parseField(k, v)
			if err != nil {
				return nil, err
			}
			parts = append(parts, f)
		}
	}
	if len(parts) == 1 {
		return parts[0], nil
	}
	return parts, nil
}

func parseField(field string, v any) (Filter, error) {
	ops, ok := v.(map[string]any)
	if !ok || !isOperatorObject(ops) {
		return Eq(field, v), nil
	}

	keys := make([]string, 0, len(ops))
	for k := range ops {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var parts And
	for _, k := range keys {
		arg := ops[k]
		switch k {
		case "$in":
			list, ok := arg.([]any)
			if !ok {
				return nil, fmt.Errorf("$in on %q requires an array", field)
			}
			parts = append(parts, In(field, list...))
		case "$exists":
			b, ok := arg.(bool)
			if !ok {
				return nil, fmt.Errorf("$exists on %q requires a bool", field)
			}
			parts = append(parts, Exists(field, b))
		case "$regex":
			s, ok := arg.(string)
			if !ok || !strings.HasPrefix(s, "^") {
				return nil, fmt.Errorf("$regex on %q: only anchored prefixes are supported", field)
			}
			prefix, err := unquoteMeta(s[1:])
			if err != nil {
				return nil, fmt.Errorf("$regex on %q: %w", field, err)
			}
			parts = append(parts, Prefix(field, prefix))
		default:
			op, ok := reversedOps[k]
			if !ok {
				return nil, fmt.Errorf("unsupported operator %s on %q", k, field)
			}
			parts = append(parts, Predicate{Field: field, Op: op, Value: arg})
		}
	}
	if len(parts) == 1 {
		return parts[0], nil
	}
	return parts, nil
}

func isOperatorObject(m map[string]any) bool {
	if len(m) == 0 {
		return false
	}
	for k := range m {
		if !strings.HasPrefix(k, "$") {
			return false
		}
	}
	return true
}

var metaChar = regexp.MustCompile(`[.+*?()|\[\]{}^$]`)

// unquoteMeta reverses regexp.QuoteMeta, rejecting unescaped metacharacters.
func unquoteMeta(s string) (string, error) {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c == '\\' {
			if i+1 >= len(s) {
				return "", fmt.Errorf("trailing backslash")
			}
			i++
			b.WriteByte(s[i])
			continue
		}
		if metaChar.MatchString(string(c)) {
			return "", fmt.Errorf("unsupported pattern %q", s)
		}
		b.WriteByte(c)
	}
	return b.String(), nil
}
