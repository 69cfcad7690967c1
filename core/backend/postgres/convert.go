// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package postgres

import (
	"fmt"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/goccy/go-json"

	"github.com/relabs-tech/datagate/core/schema"
)

type storedColumn struct {
	name string
	prop *schema.Property
}

// storedColumns lists the full column set of a model's table: the
// managed meta columns first, then one column per top-level property.
func storedColumns(model *schema.Model) ([]string, []storedColumn) {
	refs := []string{"\"_id\"", "\"_revision\""}
	cols := []storedColumn{{name: "_id"}, {name: "_revision"}}
	for _, prop := range model.Properties {
		if isMetaName(prop.Name) {
			continue
		}
		refs = append(refs, "\""+prop.Column()+"\"")
		cols = append(cols, storedColumn{name: prop.Name, prop: prop})
	}
	return refs, cols
}

// columnValue converts a loaded value into its driver representation.
func columnValue(prop *schema.Property, value interface{}) (interface{}, error) {
	if value == nil {
		return nil, nil
	}
	switch prop.Type {
	case schema.TypeObject, schema.TypeArray, schema.TypeGeneric:
		encoded, err := json.Marshal(value)
		if err != nil {
			return nil, errors.Wrapf(err, "encode %s.%s", prop.Model.Name, prop.Place)
		}
		return encoded, nil
	case schema.TypeInteger:
		if f, ok := value.(float64); ok {
			return int64(f), nil
		}
		return value, nil
	case schema.TypeDate:
		if s, ok := value.(string); ok {
			t, err := time.Parse("2006-01-02", s)
			if err != nil {
				return nil, errors.Wrapf(err, "encode %s.%s", prop.Model.Name, prop.Place)
			}
			return t, nil
		}
		return value, nil
	case schema.TypeDateTime:
		if s, ok := value.(string); ok {
			t, err := time.Parse(time.RFC3339, s)
			if err != nil {
				return nil, errors.Wrapf(err, "encode %s.%s", prop.Model.Name, prop.Place)
			}
			return t, nil
		}
		return value, nil
	}
	return value, nil
}

// cellValue converts a scanned driver value back into its canonical
// in-memory form. A nil property means a managed meta column or a
// computed expression.
func cellValue(prop *schema.Property, raw interface{}) (interface{}, error) {
	if raw == nil {
		return nil, nil
	}
	if prop == nil {
		switch v := raw.(type) {
		case []byte:
			return string(v), nil
		case time.Time:
			return v.UTC().Format(time.RFC3339), nil
		}
		return raw, nil
	}
	switch prop.Type {
	case schema.TypeObject, schema.TypeArray, schema.TypeGeneric:
		data, ok := raw.([]byte)
		if !ok {
			if s, isString := raw.(string); isString {
				data = []byte(s)
			} else {
				return nil, fmt.Errorf("unexpected driver type %T for %s.%s", raw, prop.Model.Name, prop.Place)
			}
		}
		var decoded interface{}
		if err := json.Unmarshal(data, &decoded); err != nil {
			return nil, errors.Wrapf(err, "decode %s.%s", prop.Model.Name, prop.Place)
		}
		return decoded, nil
	case schema.TypeInteger, schema.TypeNumber:
		switch v := raw.(type) {
		case int64:
			return float64(v), nil
		case float64:
			return v, nil
		case []byte:
			var f float64
			if _, err := fmt.Sscanf(string(v), "%g", &f); err != nil {
				return nil, errors.Wrapf(err, "decode %s.%s", prop.Model.Name, prop.Place)
			}
			return f, nil
		}
		return raw, nil
	case schema.TypeDate:
		if t, ok := raw.(time.Time); ok {
			return t.Format("2006-01-02"), nil
		}
	case schema.TypeDateTime:
		if t, ok := raw.(time.Time); ok {
			return t.UTC().Format(time.RFC3339), nil
		}
	}
	if v, ok := raw.([]byte); ok {
		return string(v), nil
	}
	return raw, nil
}
