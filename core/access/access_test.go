package access

import (
	"context"
	"testing"

	"github.com/relabs-tech/datagate/core"
	"github.com/relabs-tech/datagate/core/schema"
)

var testManifest = schema.MustParse(`{
	"namespaces": [
		{"name": "datasets/gov", "access": "protected"}
	],
	"models": [
		{"name": "datasets/gov/country", "namespace": "datasets/gov", "access": "open",
		 "properties": [
			{"name": "code", "type": "string"},
			{"name": "secret", "type": "string", "hidden": true, "access": "protected"}
		 ]},
		{"name": "datasets/gov/city", "namespace": "datasets/gov", "access": "protected",
		 "properties": [{"name": "name", "type": "string"}]},
		{"name": "internal/audit", "access": "private",
		 "properties": [{"name": "entry", "type": "string"}]}
	]
}`)

func withScopes(scopes ...string) context.Context {
	return NewToken("tester", scopes...).ContextWithToken(context.Background())
}

func TestAnonymousReachesOpenOnly(t *testing.T) {
	auth := &Authorizer{}
	ctx := context.Background()

	country := testManifest.Models["datasets/gov/country"]
	if err := auth.Authorize(ctx, core.ActionGetAll, country); err != nil {
		t.Fatal("open models accept anonymous clients:", err)
	}

	city := testManifest.Models["datasets/gov/city"]
	err := auth.Authorize(ctx, core.ActionGetAll, city)
	if err == nil {
		t.Fatal("protected models reject anonymous clients")
	}
}

func TestScopeName(t *testing.T) {
	auth := &Authorizer{}
	got := auth.ScopeName("datasets/gov/country", core.ActionGetAll)
	if got != "datagate_datasets_gov_country_getall" {
		t.Fatalf("unexpected scope name %s", got)
	}
	if auth.ScopeName("", core.ActionInsert) != "datagate_insert" {
		t.Fatal("catalog-wide scope name")
	}
}

func TestModelScope(t *testing.T) {
	auth := &Authorizer{}
	city := testManifest.Models["datasets/gov/city"]

	ctx := withScopes("datagate_datasets_gov_city_insert")
	if err := auth.Authorize(ctx, core.ActionInsert, city); err != nil {
		t.Fatal(err)
	}
	if err := auth.Authorize(ctx, core.ActionDelete, city); err == nil {
		t.Fatal("scopes are per action")
	}
}

func TestNamespaceScopeInherited(t *testing.T) {
	auth := &Authorizer{}
	city := testManifest.Models["datasets/gov/city"]

	// a scope on datasets/gov covers every model below it
	ctx := withScopes("datagate_datasets_gov_insert")
	if err := auth.Authorize(ctx, core.ActionInsert, city); err != nil {
		t.Fatal(err)
	}
	// so does a scope on the ancestor datasets
	ctx = withScopes("datagate_datasets_insert")
	if err := auth.Authorize(ctx, core.ActionInsert, city); err != nil {
		t.Fatal(err)
	}
	// and the catalog-wide action scope
	ctx = withScopes("datagate_insert")
	if err := auth.Authorize(ctx, core.ActionInsert, city); err != nil {
		t.Fatal(err)
	}
}

func TestPrivateRequiresExplicitScope(t *testing.T) {
	auth := &Authorizer{}
	audit := testManifest.Models["internal/audit"]

	// inherited and catalog-wide scopes never reach private nodes
	ctx := withScopes("datagate_getall")
	if err := auth.Authorize(ctx, core.ActionGetAll, audit); err == nil {
		t.Fatal("catalog-wide scope must not reach a private model")
	}

	ctx = withScopes("datagate_internal_audit_getall")
	if err := auth.Authorize(ctx, core.ActionGetAll, audit); err != nil {
		t.Fatal(err)
	}
}

func TestHiddenPropertyScope(t *testing.T) {
	auth := &Authorizer{}
	country := testManifest.Models["datasets/gov/country"]
	code, _ := country.Property("code")
	secret, _ := country.Property("secret")

	// a model scope covers its non-hidden properties
	ctx := withScopes("datagate_datasets_gov_country_getall")
	if !auth.Authorized(ctx, core.ActionGetAll, code) {
		t.Fatal("model scope must cover non-hidden properties")
	}
	if auth.Authorized(ctx, core.ActionGetAll, secret) {
		t.Fatal("hidden properties require their explicit scope")
	}

	explicit := withScopes(auth.ScopeName(secret.NodeName(), core.ActionGetAll))
	if !auth.Authorized(explicit, core.ActionGetAll, secret) {
		t.Fatal("explicit property scope must grant access")
	}
}

func TestCheckScope(t *testing.T) {
	auth := &Authorizer{}
	if err := auth.CheckScope(withScopes("datagate_set_meta_fields"), "set_meta_fields"); err != nil {
		t.Fatal(err)
	}
	if err := auth.CheckScope(withScopes(), "set_meta_fields"); err == nil {
		t.Fatal("missing flat scope must fail")
	}
}

func TestScopePrefix(t *testing.T) {
	auth := &Authorizer{ScopePrefix: "acme_"}
	city := testManifest.Models["datasets/gov/city"]
	ctx := withScopes("acme_datasets_gov_city_getall")
	if err := auth.Authorize(ctx, core.ActionGetAll, city); err != nil {
		t.Fatal(err)
	}
}

func TestTokenFromContext(t *testing.T) {
	if TokenFromContext(context.Background()) != nil {
		t.Fatal("no token in a fresh context")
	}
	token := NewToken("tester", "a")
	ctx := token.ContextWithToken(context.Background())
	if TokenFromContext(ctx) != token {
		t.Fatal("token lost in context")
	}
}
