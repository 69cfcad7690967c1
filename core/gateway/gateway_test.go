package gateway

import (
	"net/http"
	"strings"
	"testing"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relabs-tech/datagate/core/access"
	"github.com/relabs-tech/datagate/core/backend"
	"github.com/relabs-tech/datagate/core/backend/memory"
	"github.com/relabs-tech/datagate/core/client"
	"github.com/relabs-tech/datagate/core/schema"
)

var testConfiguration = `{
	"models": [
		{"name": "datasets/gov/continent", "access": "open", "properties": [
			{"name": "name", "type": "string", "required": true, "unique": true}
		]},
		{"name": "datasets/gov/country", "access": "open", "properties": [
			{"name": "code", "type": "string", "required": true, "unique": true},
			{"name": "name", "type": "string"},
			{"name": "population", "type": "integer"},
			{"name": "geo", "type": "object", "properties": [
				{"name": "lat", "type": "number"},
				{"name": "lon", "type": "number"}
			]}
		]},
		{"name": "internal/audit", "access": "protected", "properties": [
			{"name": "entry", "type": "string"}
		]},
		{"name": "internal/staff", "access": "protected", "properties": [
			{"name": "name", "type": "string"},
			{"name": "salary", "type": "integer", "hidden": true}
		]}
	]
}`

func newTestClient(t *testing.T) client.Client {
	t.Helper()
	router := mux.NewRouter()
	store := memory.New()
	_, err := New(Config{
		Manifest:       schema.MustParse(testConfiguration),
		Router:         router,
		Backends:       map[string]backend.Backend{"memory": store},
		DefaultBackend: store,
		Auth:           &access.Authorizer{},
	})
	require.NoError(t, err)
	return client.NewWithRouter(router)
}

func TestInsertAndGet(t *testing.T) {
	cl := newTestClient(t)
	continents := cl.Model("datasets/gov/continent")

	created := map[string]interface{}{}
	status, err := continents.Insert(map[string]interface{}{"name": "Europe"}, &created)
	require.NoError(t, err)
	assert.Equal(t, http.StatusCreated, status)
	assert.Equal(t, "datasets/gov/continent", created["_type"])
	require.NotEmpty(t, created["_id"])
	require.NotEmpty(t, created["_revision"])

	fetched := map[string]interface{}{}
	status, err = continents.Get(created["_id"].(string), &fetched)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "Europe", fetched["name"])
	assert.Equal(t, created["_revision"], fetched["_revision"])
}

func TestListAndFilter(t *testing.T) {
	cl := newTestClient(t)
	countries := cl.Model("datasets/gov/country")

	for _, doc := range []map[string]interface{}{
		{"code": "lt", "name": "Lithuania", "population": 2800000},
		{"code": "lv", "name": "Latvia", "population": 1900000},
		{"code": "ee", "name": "Estonia", "population": 1300000},
	} {
		_, err := countries.Insert(doc, nil)
		require.NoError(t, err)
	}

	listing := struct {
		Data []map[string]interface{} `json:"_data"`
	}{}
	_, err := countries.List(&listing)
	require.NoError(t, err)
	assert.Len(t, listing.Data, 3)
	assert.Equal(t, "datasets/gov/country", listing.Data[0]["_type"])

	listing.Data = nil
	_, err = countries.WithQuery("eq(code,'lv')").List(&listing)
	require.NoError(t, err)
	require.Len(t, listing.Data, 1)
	assert.Equal(t, "Latvia", listing.Data[0]["name"])

	listing.Data = nil
	_, err = countries.WithSort("-population").WithLimit(2, 1).List(&listing)
	require.NoError(t, err)
	require.Len(t, listing.Data, 2)
	assert.Equal(t, "lv", listing.Data[0]["code"])
	assert.Equal(t, "ee", listing.Data[1]["code"])
}

func TestCount(t *testing.T) {
	cl := newTestClient(t)
	countries := cl.Model("datasets/gov/country")
	for _, code := range []string{"lt", "lv"} {
		_, err := countries.Insert(map[string]interface{}{"code": code}, nil)
		require.NoError(t, err)
	}

	listing := struct {
		Data []map[string]interface{} `json:"_data"`
	}{}
	_, err := countries.WithParameter("count", "true").List(&listing)
	require.NoError(t, err)
	require.Len(t, listing.Data, 1)
	assert.EqualValues(t, 2, listing.Data[0]["count()"])
}

func TestUpdateLifecycle(t *testing.T) {
	cl := newTestClient(t)
	countries := cl.Model("datasets/gov/country")

	created := map[string]interface{}{}
	_, err := countries.Insert(map[string]interface{}{"code": "lt", "name": "Lituania"}, &created)
	require.NoError(t, err)
	id := created["_id"].(string)

	// an update without the revision is refused
	status, _ := countries.Update(id, map[string]interface{}{"code": "lt", "name": "x"}, nil)
	assert.Equal(t, http.StatusConflict, status)

	updated := map[string]interface{}{}
	status, err = countries.Update(id, map[string]interface{}{
		"_revision": created["_revision"], "code": "lt", "name": "Lithuania",
	}, &updated)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, status)
	assert.NotEqual(t, created["_revision"], updated["_revision"])

	// the old revision is now stale
	status, _ = countries.Update(id, map[string]interface{}{
		"_revision": created["_revision"], "code": "lt", "name": "y",
	}, nil)
	assert.Equal(t, http.StatusConflict, status)

	patched := map[string]interface{}{}
	status, err = countries.Patch(id, map[string]interface{}{
		"_revision": updated["_revision"], "population": 2800000,
	}, &patched)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, status)

	fetched := map[string]interface{}{}
	_, err = countries.Get(id, &fetched)
	require.NoError(t, err)
	assert.Equal(t, "Lithuania", fetched["name"])
	assert.EqualValues(t, 2800000, fetched["population"])

	status, err = countries.Delete(id)
	require.NoError(t, err)
	assert.Equal(t, http.StatusNoContent, status)

	status, _ = countries.Get(id, nil)
	assert.Equal(t, http.StatusNotFound, status)
}

func TestUpsert(t *testing.T) {
	cl := newTestClient(t)
	continents := cl.Model("datasets/gov/continent")

	first := map[string]interface{}{}
	status, err := continents.Upsert(map[string]interface{}{
		"_where": "eq(name,'Europe')", "name": "Europe",
	}, &first)
	require.NoError(t, err)
	assert.Equal(t, http.StatusCreated, status)

	second := map[string]interface{}{}
	status, err = continents.Upsert(map[string]interface{}{
		"_where": "eq(name,'Europe')", "name": "Europe",
	}, &second)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, first["_id"], second["_id"])
}

func TestBatch(t *testing.T) {
	cl := newTestClient(t)
	continents := cl.Model("datasets/gov/continent")

	envelope := struct {
		Txn    string                   `json:"_transaction"`
		Status string                   `json:"_status"`
		Data   []map[string]interface{} `json:"_data"`
	}{}
	status, err := continents.Batch([]interface{}{
		map[string]interface{}{"name": "Europe"},
		map[string]interface{}{"name": "Asia"},
	}, &envelope)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "ok", envelope.Status)
	assert.NotEmpty(t, envelope.Txn)
	require.Len(t, envelope.Data, 2)

	// any failed item turns the whole response into an error envelope,
	// healthy siblings are still applied
	status, _ = continents.Batch([]interface{}{
		map[string]interface{}{"name": "Africa"},
		map[string]interface{}{"nosuch": true},
	}, nil)
	assert.Equal(t, http.StatusBadRequest, status)

	listing := struct {
		Data []map[string]interface{} `json:"_data"`
	}{}
	_, err = continents.List(&listing)
	require.NoError(t, err)
	assert.Len(t, listing.Data, 3)
}

func TestOpOverride(t *testing.T) {
	cl := newTestClient(t)
	continents := cl.Model("datasets/gov/continent")

	created := map[string]interface{}{}
	_, err := continents.Insert(map[string]interface{}{"name": "Europe"}, &created)
	require.NoError(t, err)

	// POST with _op delete removes the object
	status, _ := cl.RawPost(continents.Path(), map[string]interface{}{
		"_op": "delete", "_id": created["_id"], "_revision": created["_revision"],
	}, nil)
	assert.Equal(t, http.StatusNoContent, status)

	status, _ = continents.Get(created["_id"].(string), nil)
	assert.Equal(t, http.StatusNotFound, status)

	// reads are not valid payload operations
	status, _ = cl.RawPost(continents.Path(), map[string]interface{}{
		"_op": "getall",
	}, nil)
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestChangeFeed(t *testing.T) {
	cl := newTestClient(t)
	continents := cl.Model("datasets/gov/continent")

	created := map[string]interface{}{}
	_, err := continents.Insert(map[string]interface{}{"name": "Europe"}, &created)
	require.NoError(t, err)
	_, err = continents.Update(created["_id"].(string), map[string]interface{}{
		"_revision": created["_revision"], "name": "Europa",
	}, nil)
	require.NoError(t, err)

	feed := struct {
		Data []map[string]interface{} `json:"_data"`
	}{}
	status, err := continents.Changes(0, 0, &feed)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, status)
	require.Len(t, feed.Data, 2)
	assert.Equal(t, "insert", feed.Data[0]["_op"])
	assert.Equal(t, "update", feed.Data[1]["_op"])
	assert.EqualValues(t, 1, feed.Data[0]["_cid"])

	feed.Data = nil
	_, err = continents.Changes(1, 0, &feed)
	require.NoError(t, err)
	require.Len(t, feed.Data, 1)
	assert.Equal(t, "update", feed.Data[0]["_op"])
}

func TestWipe(t *testing.T) {
	cl := newTestClient(t)
	continents := cl.Model("datasets/gov/continent")
	for _, name := range []string{"Europe", "Asia"} {
		_, err := continents.Insert(map[string]interface{}{"name": name}, nil)
		require.NoError(t, err)
	}

	result := map[string]interface{}{}
	status, err := continents.Wipe(&result)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, status)
	assert.EqualValues(t, 2, result["_count"])

	listing := struct {
		Data []map[string]interface{} `json:"_data"`
	}{}
	_, err = continents.List(&listing)
	require.NoError(t, err)
	assert.Empty(t, listing.Data)
}

func TestCheck(t *testing.T) {
	cl := newTestClient(t)
	continents := cl.Model("datasets/gov/continent")

	status, err := continents.Check(map[string]interface{}{"name": "Europe"})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, status)

	status, _ = continents.Check(map[string]interface{}{"nosuch": true})
	assert.Equal(t, http.StatusBadRequest, status)

	// a check never writes
	listing := struct {
		Data []map[string]interface{} `json:"_data"`
	}{}
	_, err = continents.List(&listing)
	require.NoError(t, err)
	assert.Empty(t, listing.Data)
}

func TestProtectedModel(t *testing.T) {
	cl := newTestClient(t)

	status, _ := cl.Model("internal/audit").Insert(map[string]interface{}{"entry": "x"}, nil)
	assert.Equal(t, http.StatusUnauthorized, status)

	granted := cl.WithScopes("auditor", "datagate_internal_audit_insert", "datagate_internal_audit_getall")
	status, err := granted.Model("internal/audit").Insert(map[string]interface{}{"entry": "x"}, nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusCreated, status)

	listing := struct {
		Data []map[string]interface{} `json:"_data"`
	}{}
	_, err = granted.Model("internal/audit").List(&listing)
	require.NoError(t, err)
	assert.Len(t, listing.Data, 1)
}

func TestHiddenPropertyShaping(t *testing.T) {
	cl := newTestClient(t)

	writer := cl.WithScopes("hr", "datagate_internal_staff_insert")
	created := map[string]interface{}{}
	_, err := writer.Model("internal/staff").Insert(map[string]interface{}{
		"name": "bob", "salary": 100000,
	}, &created)
	require.NoError(t, err)
	id := created["_id"].(string)

	// a model-level read scope does not reach the hidden property,
	// neither on the collection nor on the single object
	reader := cl.WithScopes("reader",
		"datagate_internal_staff_getall", "datagate_internal_staff_getone")
	listing := struct {
		Data []map[string]interface{} `json:"_data"`
	}{}
	_, err = reader.Model("internal/staff").List(&listing)
	require.NoError(t, err)
	require.Len(t, listing.Data, 1)
	assert.Equal(t, "bob", listing.Data[0]["name"])
	assert.NotContains(t, listing.Data[0], "salary")

	fetched := map[string]interface{}{}
	_, err = reader.Model("internal/staff").Get(id, &fetched)
	require.NoError(t, err)
	assert.Equal(t, "bob", fetched["name"])
	assert.NotContains(t, fetched, "salary")

	// the hidden property opens up with its explicit scope
	payroll := cl.WithScopes("payroll",
		"datagate_internal_staff_getall", "datagate_internal_staff_salary_getall")
	listing.Data = nil
	_, err = payroll.Model("internal/staff").List(&listing)
	require.NoError(t, err)
	require.Len(t, listing.Data, 1)
	assert.EqualValues(t, 100000, listing.Data[0]["salary"])
}

func TestSelectList(t *testing.T) {
	cl := newTestClient(t)
	countries := cl.Model("datasets/gov/country")
	for _, doc := range []map[string]interface{}{
		{"code": "lt", "name": "Lithuania"},
		{"code": "lv", "name": "Latvia"},
	} {
		_, err := countries.Insert(doc, nil)
		require.NoError(t, err)
	}

	listing := struct {
		Data []map[string]interface{} `json:"_data"`
	}{}
	_, err := countries.WithSelect("name").List(&listing)
	require.NoError(t, err)
	require.Len(t, listing.Data, 2)
	assert.NotEmpty(t, listing.Data[0]["name"])
	assert.NotEmpty(t, listing.Data[0]["_id"])
	assert.NotContains(t, listing.Data[0], "code")

	// unknown names are rejected, not silently dropped
	status, _ := countries.WithSelect("salary").List(nil)
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestPropertySubresource(t *testing.T) {
	cl := newTestClient(t)
	countries := cl.Model("datasets/gov/country")

	created := map[string]interface{}{}
	_, err := countries.Insert(map[string]interface{}{
		"code": "lt", "name": "Lithuania",
		"geo": map[string]interface{}{"lat": 54.7, "lon": 25.3},
	}, &created)
	require.NoError(t, err)
	id := created["_id"].(string)

	fetched := map[string]interface{}{}
	status, err := countries.GetProperty(id, "geo", &fetched)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, status)
	geo, ok := fetched["geo"].(map[string]interface{})
	require.True(t, ok)
	assert.EqualValues(t, 54.7, geo["lat"])
	assert.NotContains(t, fetched, "name")

	// writes without the revision are refused
	status, _ = countries.PatchProperty(id, "geo", map[string]interface{}{
		"geo": map[string]interface{}{"lat": 55.0},
	}, nil)
	assert.Equal(t, http.StatusConflict, status)

	// a patch only touches the given fields
	patched := map[string]interface{}{}
	status, err = countries.PatchProperty(id, "geo", map[string]interface{}{
		"_revision": created["_revision"],
		"geo":       map[string]interface{}{"lat": 55.0},
	}, &patched)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, status)

	whole := map[string]interface{}{}
	_, err = countries.Get(id, &whole)
	require.NoError(t, err)
	geo = whole["geo"].(map[string]interface{})
	assert.EqualValues(t, 55.0, geo["lat"])
	assert.EqualValues(t, 25.3, geo["lon"])
	assert.Equal(t, "Lithuania", whole["name"])

	// an update replaces the property wholesale
	updated := map[string]interface{}{}
	status, err = countries.UpdateProperty(id, "geo", map[string]interface{}{
		"_revision": patched["_revision"],
		"geo":       map[string]interface{}{"lat": 56.0},
	}, &updated)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, status)

	whole = map[string]interface{}{}
	_, err = countries.Get(id, &whole)
	require.NoError(t, err)
	geo = whole["geo"].(map[string]interface{})
	assert.EqualValues(t, 56.0, geo["lat"])
	assert.Nil(t, geo["lon"])

	// deleting the property nulls it, the object itself survives
	status, err = countries.DeleteProperty(id, "geo", map[string]interface{}{
		"_revision": updated["_revision"],
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, status)

	whole = map[string]interface{}{}
	_, err = countries.Get(id, &whole)
	require.NoError(t, err)
	assert.Nil(t, whole["geo"])
	assert.Equal(t, "Lithuania", whole["name"])

	status, _ = countries.GetProperty(id, "nosuch", nil)
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestUnknownModel(t *testing.T) {
	cl := newTestClient(t)
	status, _ := cl.RawGet("/datasets/gov/nosuch", nil)
	assert.Equal(t, http.StatusNotFound, status)
}

func TestNDJSONList(t *testing.T) {
	cl := newTestClient(t).WithHeader("Accept", "application/x-ndjson")
	continents := cl.Model("datasets/gov/continent")
	for _, name := range []string{"Europe", "Asia"} {
		_, err := continents.Insert(map[string]interface{}{"name": name}, nil)
		require.NoError(t, err)
	}

	var raw []byte
	_, err := continents.List(&raw)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
	assert.Len(t, lines, 2)
	for _, line := range lines {
		assert.Contains(t, line, "\"_type\"")
	}
}
