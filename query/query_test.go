package query

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func books() []map[string]any {
	return []map[string]any{
		{"_id": "b1", "title": "Dune", "pages": 412.0, "genre": "scifi", "author": map[string]any{"name": "Herbert"}},
		{"_id": "b2", "title": "Emma", "pages": 474.0, "genre": "classic"},
		{"_id": "b3", "title": "Anathem", "pages": 937.0, "genre": "scifi"},
		{"_id": "b4", "title": "Carrie", "pages": 199.0, "genre": "horror", "draft": nil},
		{"_id": "b5", "title": "Beloved", "pages": 324.0},
	}
}

func ids(docs []map[string]any) []string {
	out := make([]string, 0, len(docs))
	for _, d := range docs {
		out = append(out, d["_id"].(string))
	}
	return out
}

func TestMatch(t *testing.T) {
	tests := []struct {
		name   string
		filter Filter
		want   []string
	}{
		{"eq", Eq("genre", "scifi"), []string{"b1", "b3"}},
		{"eq int against float", Eq("pages", 412), []string{"b1"}},
		{"ne includes missing", Ne("genre", "scifi"), []string{"b2", "b4", "b5"}},
		{"gt", Gt("pages", 474), []string{"b3"}},
		{"lte", Lte("pages", 324), []string{"b4", "b5"}},
		{"in", In("_id", "b2", "b5", "zz"), []string{"b2", "b5"}},
		{"exists", Exists("genre", true), []string{"b1", "b2", "b3", "b4"}},
		{"exists explicit null", Exists("draft", true), []string{"b4"}},
		{"not exists", Exists("genre", false), []string{"b5"}},
		{"prefix", Prefix("title", "An"), []string{"b3"}},
		{"nested", Eq("author.name", "Herbert"), []string{"b1"}},
		{"and", AllOf(Eq("genre", "scifi"), Lt("pages", 500)), []string{"b1"}},
		{"or", AnyOf(Eq("genre", "horror"), Eq("genre", "classic")), []string{"b2", "b4"}},
		{"not", Not{Filter: Exists("genre", true)}, []string{"b5"}},
		{"empty and", And{}, []string{"b1", "b2", "b3", "b4", "b5"}},
		{"empty or", Or{}, []string{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ids(New().Where(tt.filter).Apply(books()))
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("Apply() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestApply_SortBeforePaginate(t *testing.T) {
	q := New().OrderBy("pages").Skip(2).Take(2)
	got := ids(q.Apply(books()))
	// pages ascending: b4(199) b5(324) b1(412) b2(474) b3(937)
	want := []string{"b1", "b2"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Apply() mismatch (-want +got):\n%s", diff)
	}
}

func TestApply_Descending(t *testing.T) {
	got := ids(New().OrderByDescending("title").Take(2).Apply(books()))
	want := []string{"b2", "b1"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Apply() mismatch (-want +got):\n%s", diff)
	}
}

func TestApply_SkipPastEnd(t *testing.T) {
	if got := New().Skip(10).Apply(books()); len(got) != 0 {
		t.Errorf("Apply() returned %d docs, want 0", len(got))
	}
}

func TestWhere_CombinesWithAnd(t *testing.T) {
	q := New().Where(Eq("genre", "scifi")).Where(Gt("pages", 500))
	if _, ok := q.Filter.(And); !ok {
		t.Fatalf("Filter = %T, want And", q.Filter)
	}
	got := ids(q.Apply(books()))
	if diff := cmp.Diff([]string{"b3"}, got); diff != "" {
		t.Errorf("Apply() mismatch (-want +got):\n%s", diff)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		q       Query
		wantErr bool
	}{
		{"empty", New(), false},
		{"ok", New().Where(Eq("a.b", 1)).OrderBy("c"), false},
		{"empty field", New().Where(Eq("", 1)), true},
		{"bad field", New().Where(Eq(`a"b`, 1)), true},
		{"bad value", New().Where(Eq("a", struct{}{})), true},
		{"bad sort", New().OrderBy("a..b"), true},
		{"negative skip", New().Skip(-1), true},
		{"not nil", New().Where(Not{}), true},
		{"unknown op", New().Where(Predicate{Field: "a", Op: "like", Value: "x"}), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.q.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestCompileSQL(t *testing.T) {
	target := SQLTarget{IDColumn: "id", DocColumn: "data"}
	q := New().
		Where(AllOf(Eq("genre", "scifi"), Ne("_id", "b1"), Exists("draft", false))).
		OrderByDescending("pages").
		Skip(5).
		Take(10)

	got, err := q.CompileSQL(target)
	if err != nil {
		t.Fatalf("CompileSQL() failed: %v", err)
	}

	wantWhere := `(COALESCE(json_type(data, ?) IN ('text') AND json_extract(data, ?) = ?, 0)) AND ` +
		`(NOT COALESCE(typeof(id) IN ('text') AND id = ?, 0)) AND (json_type(data, ?) IS NULL)`
	if got.Where != wantWhere {
		t.Errorf("Where = %q\nwant    %q", got.Where, wantWhere)
	}
	if want := `json_extract(data, ?) DESC, id ASC`; got.OrderBy != want {
		t.Errorf("OrderBy = %q, want %q", got.OrderBy, want)
	}
	if want := "LIMIT ? OFFSET ?"; got.Limit != want {
		t.Errorf("Limit = %q, want %q", got.Limit, want)
	}
	wantArgs := []any{`$."genre"`, `$."genre"`, "scifi", "b1", `$."draft"`, `$."pages"`, 10, 5}
	if diff := cmp.Diff(wantArgs, got.Args); diff != "" {
		t.Errorf("Args mismatch (-want +got):\n%s", diff)
	}
}

func TestCompileSQL_SkipOnly(t *testing.T) {
	got, err := New().Skip(3).CompileSQL(SQLTarget{IDColumn: "id", DocColumn: "data"})
	if err != nil {
		t.Fatalf("CompileSQL() failed: %v", err)
	}
	if got.Clause() != "LIMIT -1 OFFSET ?" {
		t.Errorf("Clause() = %q", got.Clause())
	}
}

func TestCompileSQL_Bool(t *testing.T) {
	got, err := New().Where(Eq("done", true)).CompileSQL(SQLTarget{IDColumn: "id", DocColumn: "data"})
	if err != nil {
		t.Fatalf("CompileSQL() failed: %v", err)
	}
	if diff := cmp.Diff([]any{`$."done"`, `$."done"`, 1}, got.Args); diff != "" {
		t.Errorf("Args mismatch (-want +got):\n%s", diff)
	}
}

func TestTransport(t *testing.T) {
	q := New().
		Where(AllOf(Eq("genre", "scifi"), Gte("pages", 200), In("tag", "a", "b"))).
		OrderBy("title").
		OrderByDescending("pages").
		Skip(20).
		Take(10)

	v, err := q.Transport()
	if err != nil {
		t.Fatalf("Transport() failed: %v", err)
	}

	wantQuery := `{"$and":[{"genre":"scifi"},{"pages":{"$gte":200}},{"tag":{"$in":["a","b"]}}]}`
	if got := v.Get("query"); got != wantQuery {
		t.Errorf("query = %s\nwant   %s", got, wantQuery)
	}
	if got, want := v.Get("sort"), `{"title":1,"pages":-1}`; got != want {
		t.Errorf("sort = %s, want %s", got, want)
	}
	if v.Get("skip") != "20" || v.Get("limit") != "10" {
		t.Errorf("skip/limit = %s/%s, want 20/10", v.Get("skip"), v.Get("limit"))
	}
}

func TestTransport_Empty(t *testing.T) {
	v, err := New().Transport()
	if err != nil {
		t.Fatalf("Transport() failed: %v", err)
	}
	if len(v) != 0 {
		t.Errorf("Transport() = %v, want no parameters", v)
	}
}

func TestFilterJSON_EmptyGroups(t *testing.T) {
	docs := books()
	tests := []struct {
		name     string
		filter   Filter
		wantJSON string
		wantN    int
	}{
		{"empty and", And{}, `{}`, len(docs)},
		{"empty or", Or{}, `{"_id":{"$in":[]}}`, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q := New().Where(tt.filter)
			got, err := q.FilterJSON()
			if err != nil {
				t.Fatalf("FilterJSON() failed: %v", err)
			}
			if got != tt.wantJSON {
				t.Errorf("FilterJSON() = %s, want %s", got, tt.wantJSON)
			}
			if n := len(q.Apply(docs)); n != tt.wantN {
				t.Errorf("Apply() matched %d, want %d", n, tt.wantN)
			}
			parsed, err := ParseFilterJSON(got)
			if err != nil {
				t.Fatalf("ParseFilterJSON(%s) failed: %v", got, err)
			}
			if parsed == nil {
				return
			}
			if n := len(New().Where(parsed).Apply(docs)); n != tt.wantN {
				t.Errorf("parsed filter matched %d, want %d", n, tt.wantN)
			}
		})
	}
}

func TestSignature_Literal(t *testing.T) {
	a, _ := New().Where(AllOf(Eq("x", 1), Eq("y", 2))).Signature()
	b, _ := New().Where(AllOf(Eq("x", 1), Eq("y", 2))).Take(5).Signature()
	c, _ := New().Where(AllOf(Eq("y", 2), Eq("x", 1))).Signature()

	if a != b {
		t.Errorf("pagination changed the signature: %q vs %q", a, b)
	}
	if a == c {
		t.Errorf("reordered filter produced the same signature %q", a)
	}

	empty, _ := New().Signature()
	if empty != "{}" {
		t.Errorf("empty signature = %q, want {}", empty)
	}
}

func TestParseFilterJSON_RoundTrip(t *testing.T) {
	src := New().Where(AllOf(
		Eq("genre", "scifi"),
		AnyOf(Lt("pages", 300), Prefix("title", "A.")),
		Not{Filter: Eq("draft", true)},
	))
	s, err := src.FilterJSON()
	if err != nil {
		t.Fatalf("FilterJSON() failed: %v", err)
	}

	f, err := ParseFilterJSON(s)
	if err != nil {
		t.Fatalf("ParseFilterJSON(%s) failed: %v", s, err)
	}

	docs := append(books(), map[string]any{"_id": "b6", "title": "A.I.", "pages": 500.0, "genre": "scifi"})
	want := ids(src.Apply(docs))
	got := ids(New().Where(f).Apply(docs))
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("parsed filter selects differently (-want +got):\n%s", diff)
	}
}

func TestParseFilterJSON_Errors(t *testing.T) {
	for _, s := range []string{
		`not json`,
		`{"$and": 1}`,
		`{"a": {"$regex": "a.*"}}`,
		`{"a": {"$near": 1}}`,
	} {
		if _, err := ParseFilterJSON(s); err == nil {
			t.Errorf("ParseFilterJSON(%s) succeeded, want error", s)
		}
	}
}

func TestParseFilterJSON_Empty(t *testing.T) {
	f, err := ParseFilterJSON("{}")
	if err != nil || f != nil {
		t.Errorf("ParseFilterJSON({}) = %v, %v; want nil, nil", f, err)
	}
}
