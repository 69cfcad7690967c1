// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

/*Package data holds the unit of work flowing through the write pipeline:
the DataItem with its given, saved and patch value trees, plus the patch
engine computing minimal field-level diffs.

Values are a tagged variant tree distinguishing absent, null, scalar,
object and array, so the three-way "absent vs explicit null vs present"
distinction used throughout patch computation is carried by the type, not
by sentinel values.
*/
package data

import (
	"fmt"
	"sort"
	"strings"
)

// Kind tags a Value variant.
type Kind int

// all value kinds
const (
	KindAbsent Kind = iota
	KindNull
	KindScalar
	KindObject
	KindArray
)

// NA is the absent value. It is the zero Value.
var NA = Value{}

// Value is one node of a given/saved/patch tree.
//
// Scalars are normalized to JSON-representable forms: all numbers are
// float64, dates and datetimes are canonical ISO strings. This keeps
// values loaded from a request comparable with values read back from a
// backend.
type Value struct {
	kind   Kind
	scalar interface{}
	keys   []string
	object map[string]Value
	array  []Value
}

// Kind returns the variant tag.
func (v Value) Kind() Kind { return v.kind }

// IsNA returns true for the absent value.
func (v Value) IsNA() bool { return v.kind == KindAbsent }

// IsNull returns true for an explicit null.
func (v Value) IsNull() bool { return v.kind == KindNull }

// Null returns the explicit null value.
func Null() Value { return Value{kind: KindNull} }

// Scalar wraps a scalar. Numbers are normalized to float64.
func Scalar(v interface{}) Value {
	switch n := v.(type) {
	case int:
		v = float64(n)
	case int32:
		v = float64(n)
	case int64:
		v = float64(n)
	case float32:
		v = float64(n)
	}
	return Value{kind: KindScalar, scalar: v}
}

// ScalarValue returns the wrapped scalar, or nil for non-scalars.
func (v Value) ScalarValue() interface{} {
	if v.kind != KindScalar {
		return nil
	}
	return v.scalar
}

// String returns the scalar as a string. The second return value is false
// if the value is not a string scalar.
func (v Value) String() (string, bool) {
	s, ok := v.scalar.(string)
	return s, ok && v.kind == KindScalar
}

// NewObject returns an empty object value.
func NewObject() Value {
	return Value{kind: KindObject, object: map[string]Value{}}
}

// Set adds or replaces an object field, preserving insertion order.
// It panics when called on a non-object, which indicates a pipeline bug.
func (v *Value) Set(key string, val Value) {
	if v.kind != KindObject {
		panic(fmt.Sprintf("Set on %v value", v.kind))
	}
	if _, ok := v.object[key]; !ok {
		v.keys = append(v.keys, key)
	}
	v.object[key] = val
}

// Get returns an object field, or NA when the field is missing or the
// value is not an object.
func (v Value) Get(key string) Value {
	if v.kind != KindObject {
		return NA
	}
	val, ok := v.object[key]
	if !ok {
		return NA
	}
	return val
}

// Has returns true if the object has the field.
func (v Value) Has(key string) bool {
	if v.kind != KindObject {
		return false
	}
	_, ok := v.object[key]
	return ok
}

// Keys returns the object field names in insertion order.
func (v Value) Keys() []string { return v.keys }

// Len returns the number of object fields or array elements.
func (v Value) Len() int {
	switch v.kind {
	case KindObject:
		return len(v.object)
	case KindArray:
		return len(v.array)
	}
	return 0
}

// ArrayOf wraps a slice of values into an array value.
func ArrayOf(items []Value) Value {
	if items == nil {
		items = []Value{}
	}
	return Value{kind: KindArray, array: items}
}

// Items returns the array elements.
func (v Value) Items() []Value { return v.array }

// FromJSON converts a decoded JSON document into a value tree.
func FromJSON(doc interface{}) Value {
	switch d := doc.(type) {
	case nil:
		return Null()
	case map[string]interface{}:
		obj := NewObject()
		for _, key := range sortedKeys(d) {
			obj.Set(key, FromJSON(d[key]))
		}
		return obj
	case []interface{}:
		items := make([]Value, len(d))
		for i, e := range d {
			items[i] = FromJSON(e)
		}
		return ArrayOf(items)
	default:
		return Scalar(d)
	}
}

// Interface renders the value back into a plain JSON-ish document.
// Absent renders as nil; callers must check IsNA first where the
// distinction matters.
func (v Value) Interface() interface{} {
	switch v.kind {
	case KindAbsent, KindNull:
		return nil
	case KindScalar:
		return v.scalar
	case KindObject:
		doc := make(map[string]interface{}, len(v.object))
		for key, val := range v.object {
			doc[key] = val.Interface()
		}
		return doc
	case KindArray:
		doc := make([]interface{}, len(v.array))
		for i, val := range v.array {
			doc[i] = val.Interface()
		}
		return doc
	}
	return nil
}

// Equal compares two value trees. Objects compare by field set, not by
// field order.
func Equal(a, b Value) bool {
	if a.kind != b.kind {
		return false
	}
	switch a.kind {
	case KindAbsent, KindNull:
		return true
	case KindScalar:
		return a.scalar == b.scalar
	case KindObject:
		if len(a.object) != len(b.object) {
			return false
		}
		for key, av := range a.object {
			bv, ok := b.object[key]
			if !ok || !Equal(av, bv) {
				return false
			}
		}
		return true
	case KindArray:
		if len(a.array) != len(b.array) {
			return false
		}
		for i := range a.array {
			if !Equal(a.array[i], b.array[i]) {
				return false
			}
		}
		return true
	}
	return false
}

// StripMetadata returns a copy of an object value without the internal
// underscore-prefixed fields. Non-objects are returned unchanged.
func StripMetadata(v Value) Value {
	if v.kind != KindObject {
		return v
	}
	stripped := NewObject()
	for _, key := range v.keys {
		if strings.HasPrefix(key, "_") {
			continue
		}
		stripped.Set(key, v.object[key])
	}
	return stripped
}

func sortedKeys(m map[string]interface{}) []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	// insertion order of decoded JSON maps is not stable, sort for
	// deterministic iteration
	sort.Strings(keys)
	return keys
}
