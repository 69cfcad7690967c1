package data

import (
	"strings"
	"time"

	"github.com/relabs-tech/datagate/core"
	"github.com/relabs-tech/datagate/core/errs"
	"github.com/relabs-tech/datagate/core/schema"
)

const dateFormat = "2006-01-02"

// Load converts a raw client payload into a typed given tree following
// the model's declared property types. Unknown keys are rejected,
// metadata keys pass through untyped. The returned error is a user input
// error, the caller attaches it to the item instead of raising it.
func Load(model *schema.Model, payload map[string]interface{}) (Value, *errs.Error) {
	given := NewObject()
	for _, key := range sortedKeys(payload) {
		if strings.HasPrefix(key, "_") {
			if key == "_where" {
				continue
			}
			given.Set(key, FromJSON(payload[key]))
			continue
		}
		prop, ok := model.Property(key)
		if !ok {
			return NA, errs.FieldNotInResource(model.Name, key)
		}
		value, err := LoadProperty(prop, payload[key])
		if err != nil {
			return NA, err
		}
		given.Set(key, value)
	}
	return given, nil
}

// LoadProperty type-loads one raw value according to the property's
// declared data type, recursively for objects and arrays.
func LoadProperty(p *schema.Property, raw interface{}) (Value, *errs.Error) {
	if raw == nil {
		return Null(), nil
	}
	switch p.Type {
	case schema.TypeString, schema.TypeURL, schema.TypeFile, schema.TypePrimaryKey, schema.TypeRef, schema.TypeBackRef:
		s, ok := raw.(string)
		if !ok {
			return NA, errs.InvalidValue(p.Model.Name, p.Place, raw)
		}
		return Scalar(s), nil

	case schema.TypeInteger:
		switch n := raw.(type) {
		case float64:
			if n != float64(int64(n)) {
				return NA, errs.InvalidValue(p.Model.Name, p.Place, raw)
			}
			return Scalar(n), nil
		case int, int32, int64:
			return Scalar(n), nil
		}
		return NA, errs.InvalidValue(p.Model.Name, p.Place, raw)

	case schema.TypeNumber:
		switch n := raw.(type) {
		case float64, int, int32, int64:
			return Scalar(n), nil
		}
		return NA, errs.InvalidValue(p.Model.Name, p.Place, raw)

	case schema.TypeBoolean:
		b, ok := raw.(bool)
		if !ok {
			return NA, errs.InvalidValue(p.Model.Name, p.Place, raw)
		}
		return Scalar(b), nil

	case schema.TypeDate:
		s, ok := raw.(string)
		if !ok {
			return NA, errs.InvalidValue(p.Model.Name, p.Place, raw)
		}
		t, err := time.Parse(dateFormat, s)
		if err != nil {
			return NA, errs.InvalidValue(p.Model.Name, p.Place, raw)
		}
		return Scalar(t.Format(dateFormat)), nil

	case schema.TypeDateTime:
		s, ok := raw.(string)
		if !ok {
			return NA, errs.InvalidValue(p.Model.Name, p.Place, raw)
		}
		t, err := time.Parse(time.RFC3339, s)
		if err != nil {
			return NA, errs.InvalidValue(p.Model.Name, p.Place, raw)
		}
		return Scalar(t.UTC().Format(time.RFC3339)), nil

	case schema.TypeObject:
		doc, ok := raw.(map[string]interface{})
		if !ok {
			return NA, errs.InvalidValue(p.Model.Name, p.Place, raw)
		}
		obj := NewObject()
		for _, key := range sortedKeys(doc) {
			child, found := childProperty(p, key)
			if !found {
				return NA, errs.FieldNotInResource(p.Model.Name, p.Place+"."+key)
			}
			value, err := LoadProperty(child, doc[key])
			if err != nil {
				return NA, err
			}
			obj.Set(key, value)
		}
		return obj, nil

	case schema.TypeArray:
		list, ok := raw.([]interface{})
		if !ok {
			return NA, errs.InvalidValue(p.Model.Name, p.Place, raw)
		}
		items := make([]Value, len(list))
		for i, e := range list {
			value, err := LoadProperty(p.Items, e)
			if err != nil {
				return NA, err
			}
			items[i] = value
		}
		return ArrayOf(items), nil

	case schema.TypeGeneric:
		return FromJSON(raw), nil
	}
	return NA, errs.InvalidValue(p.Model.Name, p.Place, raw)
}

func childProperty(p *schema.Property, name string) (*schema.Property, bool) {
	for _, child := range p.Properties {
		if child.Name == name {
			return child, true
		}
	}
	return nil, false
}

// SimpleCheck runs the cheap per-field validation that needs no backend
// access: required properties must be present and non-null for full
// writes, and must not be nulled by partial writes.
func SimpleCheck(model *schema.Model, given Value, action core.Action) *errs.Error {
	fullWrite := action == core.ActionInsert || action == core.ActionUpsert || action == core.ActionUpdate
	for _, p := range model.Properties {
		if !p.Required {
			continue
		}
		value := given.Get(p.Name)
		if value.IsNA() {
			if fullWrite && p.Default == nil {
				return errs.MissingRequiredProperty(model.Name, p.Name)
			}
			continue
		}
		if value.IsNull() {
			return errs.MissingRequiredProperty(model.Name, p.Name)
		}
	}
	return nil
}
