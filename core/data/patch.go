// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package data

import (
	"strings"

	"github.com/relabs-tech/datagate/core/schema"
)

// BuildPatch computes the minimal field-level patch between a given and a
// saved tree for a whole model.
//
// With fill set, every non-internal property of the schema is considered,
// so fields omitted from given resolve to their declared default: this is
// the full-overwrite semantics of update. Without fill only fields present
// in given are considered: this is the partial semantics of patch.
//
// The result is always an object value; an empty object means a no-op.
func BuildPatch(model *schema.Model, given, saved Value, fill bool) Value {
	patch := NewObject()
	for _, prop := range model.Properties {
		if strings.HasPrefix(prop.Name, "_") {
			continue
		}
		if !fill && !given.Has(prop.Name) {
			continue
		}
		value := BuildPropertyPatch(prop, given.Get(prop.Name), saved.Get(prop.Name), fill)
		if !value.IsNA() {
			patch.Set(prop.Name, value)
		}
	}
	return patch
}

// BuildPropertyPatch computes the patch for one property, recursively
// over object, array and scalar shapes. An absent result means the field
// did not change and stays out of the patch.
func BuildPropertyPatch(p *schema.Property, given, saved Value, fill bool) Value {
	switch p.Type {
	case schema.TypeObject:
		return buildObjectPatch(p, given, saved, fill)
	case schema.TypeArray:
		return buildArrayPatch(p, given, saved, fill)
	default:
		return buildScalarPatch(p, given, saved, fill)
	}
}

func buildObjectPatch(p *schema.Property, given, saved Value, fill bool) Value {
	if given.IsNull() {
		if saved.IsNull() {
			return NA
		}
		return Null()
	}
	patch := NewObject()
	for _, child := range p.Properties {
		if strings.HasPrefix(child.Name, "_") {
			continue
		}
		if !fill && !given.Has(child.Name) {
			continue
		}
		value := BuildPropertyPatch(child, given.Get(child.Name), saved.Get(child.Name), fill)
		if !value.IsNA() {
			patch.Set(child.Name, value)
		}
	}
	if patch.Len() == 0 {
		return NA
	}
	return patch
}

func buildArrayPatch(p *schema.Property, given, saved Value, fill bool) Value {
	if given.IsNA() && !fill {
		return NA
	}
	if given.IsNA() {
		// filling an omitted array keeps what was saved
		if saved.IsNA() || saved.IsNull() {
			return ArrayOf(nil)
		}
		return saved
	}
	if given.IsNull() {
		return Null()
	}

	// Arrays are never diffed element-wise. Every element is rebuilt as a
	// full overwrite against nothing, then the rendered array is compared
	// with the saved one as a whole.
	items := make([]Value, len(given.Items()))
	for i, elem := range given.Items() {
		items[i] = BuildPropertyPatch(p.Items, elem, NA, true)
	}
	patch := ArrayOf(items)
	if Equal(saved, patch) {
		return NA
	}
	return patch
}

// MergeValue merges a partial object patch into its saved value,
// yielding the complete value a backend can store. Anything but an
// object-into-object merge replaces the saved value.
func MergeValue(saved, patch Value) Value {
	if patch.Kind() != KindObject || saved.Kind() != KindObject {
		return patch
	}
	merged := NewObject()
	for _, key := range saved.Keys() {
		merged.Set(key, saved.Get(key))
	}
	for _, key := range patch.Keys() {
		merged.Set(key, MergeValue(saved.Get(key), patch.Get(key)))
	}
	return merged
}

func buildScalarPatch(p *schema.Property, given, saved Value, fill bool) Value {
	if given.IsNA() {
		if !fill {
			return NA
		}
		if p.Default != nil {
			given = FromJSON(p.Default)
		} else {
			given = Null()
		}
	}
	if Equal(given, saved) {
		return NA
	}
	return given
}
