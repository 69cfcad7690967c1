// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package data

import (
	"testing"

	"github.com/relabs-tech/datagate/core/schema"
)

var patchModel = schema.MustParse(`{"models":[
	{"name": "country", "properties": [
		{"name": "code", "type": "string"},
		{"name": "name", "type": "string"},
		{"name": "population", "type": "integer", "default": 0},
		{"name": "geo", "type": "object", "properties": [
			{"name": "lat", "type": "number"},
			{"name": "lon", "type": "number"}
		]},
		{"name": "tags", "type": "array", "items": {"type": "string"}}
	]}
]}`).Models["country"]

func given(doc map[string]interface{}) Value {
	return FromJSON(doc)
}

func TestPatchOnlyChangedFields(t *testing.T) {
	saved := given(map[string]interface{}{"code": "lt", "name": "Lituania"})
	g := given(map[string]interface{}{"code": "lt", "name": "Lithuania"})

	patch := BuildPatch(patchModel, g, saved, false)
	if patch.Len() != 1 {
		t.Fatalf("expected only the changed field, got %v", patch.Interface())
	}
	if patch.Get("name").ScalarValue() != "Lithuania" {
		t.Fatal("changed value missing from patch")
	}
}

func TestPatchIdenticalIsNoOp(t *testing.T) {
	saved := given(map[string]interface{}{
		"code": "lt",
		"geo":  map[string]interface{}{"lat": 54.7, "lon": 25.3},
		"tags": []interface{}{"eu"},
	})
	patch := BuildPatch(patchModel, saved, saved, false)
	if patch.Len() != 0 {
		t.Fatalf("identical given and saved must produce an empty patch, got %v", patch.Interface())
	}
}

func TestUpdateFillsOmittedFields(t *testing.T) {
	saved := given(map[string]interface{}{"code": "lt", "name": "Lithuania", "population": 2800000})
	g := given(map[string]interface{}{"code": "lt"})

	// fill is the full-overwrite semantics of update: omitted fields
	// resolve to their default, or null
	patch := BuildPatch(patchModel, g, saved, true)
	if !patch.Has("name") || !patch.Get("name").IsNull() {
		t.Fatalf("omitted field must be nulled on update, got %v", patch.Interface())
	}
	if patch.Get("population").ScalarValue() != float64(0) {
		t.Fatalf("omitted field with default must fill the default, got %v", patch.Interface())
	}
	if patch.Has("code") {
		t.Fatal("unchanged field must stay out of the patch")
	}
}

func TestPatchOmittedFieldsUntouched(t *testing.T) {
	saved := given(map[string]interface{}{"code": "lt", "name": "Lithuania"})
	g := given(map[string]interface{}{"population": 2800000})

	patch := BuildPatch(patchModel, g, saved, false)
	if patch.Has("name") || patch.Has("code") {
		t.Fatal("patch must not touch omitted fields")
	}
	if patch.Get("population").ScalarValue() != float64(2800000) {
		t.Fatal("given field missing from patch")
	}
}

func TestNestedObjectPatch(t *testing.T) {
	saved := given(map[string]interface{}{
		"geo": map[string]interface{}{"lat": 54.7, "lon": 25.3},
	})
	g := given(map[string]interface{}{
		"geo": map[string]interface{}{"lat": 54.9},
	})

	patch := BuildPatch(patchModel, g, saved, false)
	geo := patch.Get("geo")
	if geo.IsNA() {
		t.Fatal("nested change missing from patch")
	}
	if geo.Get("lat").ScalarValue() != 54.9 {
		t.Fatal("changed nested field missing")
	}
	if geo.Has("lon") {
		t.Fatal("unchanged nested field must stay out of the patch")
	}
}

func TestNullObjectPatch(t *testing.T) {
	saved := given(map[string]interface{}{
		"geo": map[string]interface{}{"lat": 54.7},
	})
	g := NewObject()
	g.Set("geo", Null())

	patch := BuildPatch(patchModel, g, saved, false)
	if !patch.Get("geo").IsNull() {
		t.Fatal("nulling an object must survive into the patch")
	}
}

func TestArrayReplacedWholesale(t *testing.T) {
	saved := given(map[string]interface{}{"tags": []interface{}{"eu", "baltic"}})
	g := given(map[string]interface{}{"tags": []interface{}{"eu"}})

	// arrays are never diffed element-wise
	patch := BuildPatch(patchModel, g, saved, false)
	items := patch.Get("tags").Items()
	if len(items) != 1 || items[0].ScalarValue() != "eu" {
		t.Fatalf("expected the whole new array, got %v", patch.Interface())
	}

	same := BuildPatch(patchModel, saved, saved, false)
	if same.Has("tags") {
		t.Fatal("identical array must stay out of the patch")
	}
}

func TestPatchIdempotent(t *testing.T) {
	saved := given(map[string]interface{}{"code": "lt", "name": "Lituania"})
	g := given(map[string]interface{}{"name": "Lithuania"})

	patch := BuildPatch(patchModel, g, saved, false)

	// applying the patch and recomputing yields an empty patch
	applied := NewObject()
	applied.Set("code", saved.Get("code"))
	applied.Set("name", patch.Get("name"))
	again := BuildPatch(patchModel, g, applied, false)
	if again.Len() != 0 {
		t.Fatalf("patch must be idempotent, got %v", again.Interface())
	}
}
