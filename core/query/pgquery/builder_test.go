package pgquery

import (
	"context"
	"strings"
	"testing"

	"github.com/relabs-tech/datagate/core/access"
	"github.com/relabs-tech/datagate/core/query"
	"github.com/relabs-tech/datagate/core/schema"
)

var testManifest = schema.MustParse(`{"models":[
	{"name": "continent", "access": "open", "properties": [
		{"name": "name", "type": "string", "unique": true}
	]},
	{"name": "country", "access": "open", "pkeys": ["code"], "properties": [
		{"name": "code", "type": "string", "unique": true},
		{"name": "name", "type": "string"},
		{"name": "population", "type": "integer"},
		{"name": "continent", "type": "ref", "ref": "continent"},
		{"name": "geo", "type": "object", "properties": [
			{"name": "lat", "type": "number"},
			{"name": "lon", "type": "number"}
		]}
	]},
	{"name": "city", "access": "open", "properties": [
		{"name": "name", "type": "string"},
		{"name": "country", "type": "ref", "ref": "country", "source": "country_code"}
	]}
]}`)

func newBuilder(t *testing.T, model string) *Builder {
	t.Helper()
	m, ok := testManifest.Model(model)
	if !ok {
		t.Fatalf("model %s missing", model)
	}
	return New(&access.Authorizer{}).Init(context.Background(), m, "datagate")
}

func mustParse(t *testing.T, input string) *query.Expr {
	t.Helper()
	expr, err := query.Parse(input)
	if err != nil {
		t.Fatal(err)
	}
	return expr
}

func TestFilterSingleTable(t *testing.T) {
	b := newBuilder(t, "continent")
	where, err := b.ResolveFilter(mustParse(t, "eq(name,'Europe')"))
	if err != nil {
		t.Fatal(err)
	}
	qry, _, _, err := b.Build(where)
	if err != nil {
		t.Fatal(err)
	}
	sql, args, err := qry.ToSql()
	if err != nil {
		t.Fatal(err)
	}
	want := `SELECT datagate."continent"."_id", datagate."continent"."name"` +
		` FROM datagate."continent" WHERE datagate."continent"."name" = $1`
	if sql != want {
		t.Fatalf("unexpected sql:\n%s\nwant:\n%s", sql, want)
	}
	if len(args) != 1 || args[0] != "Europe" {
		t.Fatalf("unexpected args %v", args)
	}
}

func TestFilterInList(t *testing.T) {
	b := newBuilder(t, "continent")
	where, err := b.ResolveFilter(mustParse(t, "eq(name,list('Europe','Asia'))"))
	if err != nil {
		t.Fatal(err)
	}
	qry, _, _, err := b.Build(where)
	if err != nil {
		t.Fatal(err)
	}
	sql, args, _ := qry.ToSql()
	if want := `datagate."continent"."name" IN ($1,$2)`; !strings.Contains(sql, want) {
		t.Fatalf("expected %q in %q", want, sql)
	}
	if len(args) != 2 {
		t.Fatalf("unexpected args %v", args)
	}
}

func TestFilterAcrossJoin(t *testing.T) {
	b := newBuilder(t, "country")
	where, err := b.ResolveFilter(mustParse(t, "eq(continent.name,'Europe')"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := b.Resolve(mustParse(t, "select(code)")); err != nil {
		t.Fatal(err)
	}
	qry, _, _, err := b.Build(where)
	if err != nil {
		t.Fatal(err)
	}
	sql, _, _ := qry.ToSql()
	want := `SELECT datagate."country"."code" FROM datagate."country"` +
		` JOIN datagate."continent" AS "j_continent" ON datagate."country"."continent" = "j_continent"."_id"` +
		` WHERE "j_continent"."name" = $1`
	if sql != want {
		t.Fatalf("unexpected sql:\n%s\nwant:\n%s", sql, want)
	}
}

func TestJoinDeduplicated(t *testing.T) {
	b := newBuilder(t, "country")
	where, err := b.ResolveFilter(mustParse(t, "eq(continent.name,'Europe')"))
	if err != nil {
		t.Fatal(err)
	}
	// selecting through the same reference reuses the join
	if _, err := b.Resolve(mustParse(t, "select(code,continent.name)")); err != nil {
		t.Fatal(err)
	}
	qry, _, _, err := b.Build(where)
	if err != nil {
		t.Fatal(err)
	}
	sql, _, _ := qry.ToSql()
	if n := strings.Count(sql, "JOIN"); n != 1 {
		t.Fatalf("expected a single join, got %d in %q", n, sql)
	}
}

func TestJoinOnNaturalKey(t *testing.T) {
	// city.country references the country model, whose declared key is code
	b := newBuilder(t, "city")
	where, err := b.ResolveFilter(mustParse(t, "eq(country.name,'Lithuania')"))
	if err != nil {
		t.Fatal(err)
	}
	qry, _, _, err := b.Build(where)
	if err != nil {
		t.Fatal(err)
	}
	sql, _, _ := qry.ToSql()
	want := `JOIN datagate."country" AS "j_country" ON datagate."city"."country_code" = "j_country"."code"`
	if !strings.Contains(sql, want) {
		t.Fatalf("expected %q in %q", want, sql)
	}
}

func TestNestedObjectColumn(t *testing.T) {
	b := newBuilder(t, "country")
	where, err := b.ResolveFilter(mustParse(t, "eq(geo.lat,54.7)"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := b.Resolve(mustParse(t, "select(geo.lat)")); err != nil {
		t.Fatal(err)
	}
	qry, _, _, err := b.Build(where)
	if err != nil {
		t.Fatal(err)
	}
	sql, _, _ := qry.ToSql()
	want := `SELECT datagate."country"."geo"->>'lat' FROM datagate."country"` +
		` WHERE datagate."country"."geo"->>'lat' = $1`
	if sql != want {
		t.Fatalf("unexpected sql:\n%s\nwant:\n%s", sql, want)
	}
}

func TestSortLimitOffset(t *testing.T) {
	b := newBuilder(t, "country")
	for _, input := range []string{"select(code)", "sort(-population,name)", "limit(5)", "offset(10)"} {
		if _, err := b.Resolve(mustParse(t, input)); err != nil {
			t.Fatal(err)
		}
	}
	qry, _, _, err := b.Build(nil)
	if err != nil {
		t.Fatal(err)
	}
	sql, _, _ := qry.ToSql()
	want := `SELECT datagate."country"."code" FROM datagate."country"` +
		` ORDER BY datagate."country"."population" DESC, datagate."country"."name" ASC` +
		` LIMIT 5 OFFSET 10`
	if sql != want {
		t.Fatalf("unexpected sql:\n%s\nwant:\n%s", sql, want)
	}
}

func TestCount(t *testing.T) {
	b := newBuilder(t, "continent")
	if _, err := b.Resolve(mustParse(t, "select(count())")); err != nil {
		t.Fatal(err)
	}
	qry, selected, order, err := b.Build(nil)
	if err != nil {
		t.Fatal(err)
	}
	sql, _, _ := qry.ToSql()
	if want := `SELECT count(*) FROM datagate."continent"`; sql != want {
		t.Fatalf("unexpected sql %q", sql)
	}
	if len(order) != 1 || order[0] != "count()" {
		t.Fatalf("unexpected output order %v", order)
	}
	if selected["count()"] == nil {
		t.Fatal("count column not selected")
	}
}

func TestCompositeIdentifier(t *testing.T) {
	b := newBuilder(t, "country")
	if _, err := b.Resolve(mustParse(t, "select(_id,name)")); err != nil {
		t.Fatal(err)
	}
	_, selected, _, err := b.Build(nil)
	if err != nil {
		t.Fatal(err)
	}
	// the declared natural key replaces the stored identifier
	id := selected["_id"]
	if id == nil || id.Item != -1 {
		t.Fatalf("expected a derived identifier, got %+v", id)
	}
	parts, ok := id.Prep.([]*Selected)
	if !ok || len(parts) != 1 {
		t.Fatalf("expected one key part, got %v", id.Prep)
	}
	if parts[0].Prop == nil || parts[0].Prop.Name != "code" {
		t.Fatal("identifier must derive from the declared key")
	}
}

func TestSelectTwiceFails(t *testing.T) {
	b := newBuilder(t, "continent")
	if _, err := b.Resolve(mustParse(t, "select(name)")); err != nil {
		t.Fatal(err)
	}
	if _, err := b.Resolve(mustParse(t, "select(name)")); err == nil {
		t.Fatal("second select on the same environment must fail")
	}
}

func TestUnknownProperty(t *testing.T) {
	b := newBuilder(t, "continent")
	if _, err := b.ResolveFilter(mustParse(t, "eq(nosuch,'x')")); err == nil {
		t.Fatal("expected PropertyNotFound")
	}
	if _, err := b.Resolve(mustParse(t, "select(nosuch)")); err == nil {
		t.Fatal("expected PropertyNotFound")
	}
}

