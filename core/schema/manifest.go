// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

/*Package schema holds the declarative manifest: namespaces, models and
properties describing data shapes, access rules and source mappings.

The manifest is loaded once from its JSON description and is immutable for
the lifetime of the process. Models and namespaces live in an arena
addressed by name; references between nodes are name lookups into the
arena, never embedded ownership, so cyclic model references are harmless.
*/
package schema

import (
	"fmt"
	"strings"

	"github.com/goccy/go-json"
)

// Access is a node access level. Anonymous clients may only reach open
// nodes; private nodes always require an explicit node scope.
//
// Undeclared access inherits downwards: properties from their model,
// models from their namespace. The catalog default is protected.
type Access int

// access levels, ordered
const (
	AccessUnset Access = iota
	AccessPrivate
	AccessProtected
	AccessPublic
	AccessOpen
)

var accessNames = map[string]Access{
	"private":   AccessPrivate,
	"protected": AccessProtected,
	"public":    AccessPublic,
	"open":      AccessOpen,
}

func (a Access) String() string {
	for name, access := range accessNames {
		if access == a {
			return name
		}
	}
	return fmt.Sprintf("access(%d)", int(a))
}

// UnmarshalJSON is a custom JSON unmarshaller
func (a *Access) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	access, ok := accessNames[s]
	if !ok {
		return fmt.Errorf("%s is not a valid access level", s)
	}
	*a = access
	return nil
}

// Type is a property data-type tag.
type Type string

// all supported property types
const (
	TypeString     Type = "string"
	TypeInteger    Type = "integer"
	TypeNumber     Type = "number"
	TypeBoolean    Type = "boolean"
	TypeDate       Type = "date"
	TypeDateTime   Type = "datetime"
	TypeURL        Type = "url"
	TypeObject     Type = "object"
	TypeArray      Type = "array"
	TypeRef        Type = "ref"
	TypeBackRef    Type = "backref"
	TypeFile       Type = "file"
	TypeGeneric    Type = "generic"
	TypePrimaryKey Type = "pk"
)

// Node is anything authorization can target: a namespace, a model or a
// property.
type Node interface {
	NodeName() string
}

// Namespace groups models. Namespace names are slash-separated paths;
// scopes granted on a namespace are inherited by everything below it.
type Namespace struct {
	Name   string `json:"name"`
	Access Access `json:"access"`
}

// NodeName implements Node
func (ns *Namespace) NodeName() string { return ns.Name }

// Parents returns the names of all ancestor namespaces, nearest first.
func (ns *Namespace) Parents() []string {
	var parents []string
	name := ns.Name
	for {
		i := strings.LastIndexByte(name, '/')
		if i < 0 {
			return parents
		}
		name = name[:i]
		parents = append(parents, name)
	}
}

// Property describes one field of a model. Object and array properties
// nest arbitrarily deep.
type Property struct {
	Name     string      `json:"name"`
	Type     Type        `json:"type"`
	Access   Access      `json:"access"`
	Hidden   bool        `json:"hidden,omitempty"`
	Required bool        `json:"required,omitempty"`
	Unique   bool        `json:"unique,omitempty"`
	Default  interface{} `json:"default,omitempty"`
	// Ref names the target model for ref and backref properties.
	Ref string `json:"ref,omitempty"`
	// Items describes the element shape of an array property.
	Items *Property `json:"items,omitempty"`
	// Properties describes the fields of an object property, in
	// declaration order.
	Properties []*Property `json:"properties,omitempty"`
	// Source is the backend column this property maps to. Empty means
	// the property name itself.
	Source string `json:"source,omitempty"`
	// Prepare is an optional formula computing the property value from
	// other columns, e.g. "country.code".
	Prepare string `json:"prepare,omitempty"`

	// Place is the dotted path of the property within its model.
	Place string `json:"-"`
	// Model points back to the owning model.
	Model *Model `json:"-"`
	// Parent is the object or array property this one nests under.
	Parent *Property `json:"-"`
}

// NodeName implements Node
func (p *Property) NodeName() string { return p.Model.Name + "_" + p.Place }

// Column returns the backend column name for this property.
func (p *Property) Column() string {
	if p.Source != "" {
		return p.Source
	}
	return p.Name
}

// Model describes one data shape with its backend binding.
type Model struct {
	Name      string `json:"name"`
	Namespace string `json:"namespace,omitempty"`
	// Backend names the storage backend this model is bound to.
	Backend string `json:"backend,omitempty"`
	// Table is the backend table or collection. Empty means the model
	// name itself.
	Table  string `json:"table,omitempty"`
	Access Access `json:"access"`
	// PKeys is the declared natural key, used by upsert existence
	// probes and composite join targets.
	PKeys []string `json:"pkeys,omitempty"`
	// SchemaID optionally names a JSON schema the raw payload must
	// follow.
	SchemaID   string      `json:"schema_id,omitempty"`
	Properties []*Property `json:"properties"`

	propIndex map[string]*Property
	flatprops map[string]*Property
	manifest  *Manifest
}

// NodeName implements Node
func (m *Model) NodeName() string { return m.Name }

// TableName returns the backend table for this model.
func (m *Model) TableName() string {
	if m.Table != "" {
		return m.Table
	}
	return m.Name
}

// Property returns a top-level property by name.
func (m *Model) Property(name string) (*Property, bool) {
	p, ok := m.propIndex[name]
	return p, ok
}

// Flat returns a property by its dotted place, descending into nested
// object properties.
func (m *Model) Flat(place string) (*Property, bool) {
	p, ok := m.flatprops[place]
	return p, ok
}

// Ns returns the model's namespace node, or nil if it has none.
func (m *Model) Ns() *Namespace {
	if m.Namespace == "" {
		return nil
	}
	return m.manifest.Namespaces[m.Namespace]
}

// RefModel resolves the target model of a ref property.
func (m *Model) RefModel(p *Property) (*Model, bool) {
	target, ok := m.manifest.Models[p.Ref]
	return target, ok
}

// Manifest is the arena of all declared namespaces and models.
type Manifest struct {
	Namespaces map[string]*Namespace
	Models     map[string]*Model
}

type manifestConfiguration struct {
	Namespaces []*Namespace `json:"namespaces"`
	Models     []*Model     `json:"models"`
}

// MustParse parses a manifest and panics on configuration errors. Use it
// for static configuration only.
func MustParse(config string) *Manifest {
	m, err := Parse(config)
	if err != nil {
		panic(fmt.Errorf("parse error in manifest configuration: %s", err))
	}
	return m
}

// Parse parses the JSON manifest description and links the arena.
func Parse(config string) (*Manifest, error) {
	var mc manifestConfiguration
	if err := json.Unmarshal([]byte(config), &mc); err != nil {
		return nil, err
	}

	manifest := &Manifest{
		Namespaces: map[string]*Namespace{},
		Models:     map[string]*Model{},
	}
	for _, ns := range mc.Namespaces {
		if _, ok := manifest.Namespaces[ns.Name]; ok {
			return nil, fmt.Errorf("duplicate namespace %s", ns.Name)
		}
		if ns.Access == AccessUnset {
			ns.Access = AccessProtected
		}
		manifest.Namespaces[ns.Name] = ns
		// implicitly declare all ancestors
		for _, parent := range ns.Parents() {
			if _, ok := manifest.Namespaces[parent]; !ok {
				manifest.Namespaces[parent] = &Namespace{Name: parent, Access: ns.Access}
			}
		}
	}

	for _, model := range mc.Models {
		if model.Name == "" {
			return nil, fmt.Errorf("model without a name")
		}
		if _, ok := manifest.Models[model.Name]; ok {
			return nil, fmt.Errorf("duplicate model %s", model.Name)
		}
		model.manifest = manifest
		if model.Namespace != "" {
			if _, ok := manifest.Namespaces[model.Namespace]; !ok {
				access := model.Access
				if access == AccessUnset {
					access = AccessProtected
				}
				manifest.Namespaces[model.Namespace] = &Namespace{
					Name:   model.Namespace,
					Access: access,
				}
			}
		}
		if model.Access == AccessUnset {
			if ns := model.Ns(); ns != nil {
				model.Access = ns.Access
			} else {
				model.Access = AccessProtected
			}
		}
		model.propIndex = make(map[string]*Property, len(model.Properties))
		model.flatprops = map[string]*Property{}
		for _, p := range model.Properties {
			if _, ok := model.propIndex[p.Name]; ok {
				return nil, fmt.Errorf("duplicate property %s in model %s", p.Name, model.Name)
			}
			model.propIndex[p.Name] = p
			if err := linkProperty(model, nil, p); err != nil {
				return nil, err
			}
		}
		manifest.Models[model.Name] = model
	}

	// refs can only be validated once all models are in the arena
	for _, model := range manifest.Models {
		for place, p := range model.flatprops {
			if (p.Type == TypeRef || p.Type == TypeBackRef) && p.Ref == "" {
				return nil, fmt.Errorf("property %s.%s lacks a ref target", model.Name, place)
			}
			if p.Ref != "" {
				if _, ok := manifest.Models[p.Ref]; !ok {
					return nil, fmt.Errorf("property %s.%s references unknown model %s",
						model.Name, place, p.Ref)
				}
			}
		}
	}
	return manifest, nil
}

func linkProperty(model *Model, parent *Property, p *Property) error {
	p.Model = model
	p.Parent = parent
	if parent != nil {
		p.Place = parent.Place + "." + p.Name
	} else {
		p.Place = p.Name
	}
	if p.Access == AccessUnset {
		if parent != nil {
			p.Access = parent.Access
		} else {
			p.Access = model.Access
		}
	}
	model.flatprops[p.Place] = p

	switch p.Type {
	case TypeObject:
		for _, child := range p.Properties {
			if err := linkProperty(model, p, child); err != nil {
				return err
			}
		}
	case TypeArray:
		if p.Items == nil {
			return fmt.Errorf("array property %s.%s lacks items", model.Name, p.Place)
		}
		p.Items.Model = model
		p.Items.Parent = p
		p.Items.Place = p.Place
		if p.Items.Access == AccessUnset {
			p.Items.Access = p.Access
		}
		for _, child := range p.Items.Properties {
			if err := linkProperty(model, p.Items, child); err != nil {
				return err
			}
		}
	case "":
		return fmt.Errorf("property %s.%s lacks a type", model.Name, p.Place)
	}
	return nil
}

// Model returns a model from the arena.
func (m *Manifest) Model(name string) (*Model, bool) {
	model, ok := m.Models[name]
	return model, ok
}
