// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

/*Package pgquery compiles parsed query expressions into postgres
queries.

The Builder is a stateful resolver environment: Init binds it to a model
and table, repeated Resolve calls accumulate selected columns, joins,
sort keys and window, Build assembles the final squirrel query plus the
Selected map used to shape raw rows into output objects. A Builder
instance is scratch state owned by exactly one compilation and must not
be reused across queries.
*/
package pgquery

import (
	"context"
	"fmt"
	"reflect"
	"strings"

	sq "github.com/Masterminds/squirrel"

	"github.com/relabs-tech/datagate/core"
	"github.com/relabs-tech/datagate/core/access"
	"github.com/relabs-tech/datagate/core/errs"
	"github.com/relabs-tech/datagate/core/query"
	"github.com/relabs-tech/datagate/core/schema"
)

// Selected represents one output field: either a positional index into
// the compiled column list or a prep structure for post-processing.
// Exactly one of the two determines how a raw row is converted.
type Selected struct {
	// Item is the positional index in the column list, -1 when Prep
	// applies.
	Item int
	// Prop is the source property, if the field maps to one directly.
	Prop *schema.Property
	// Prep is an optional post-processing structure: a literal value, a
	// nested *Selected or a list of *Selected for composite keys.
	Prep interface{}
}

// ForeignProperty is one resolved join-chain segment produced when a
// dotted attribute path crosses a reference property. Chains are named by
// their concatenated path so identical segments deduplicate to a single
// join.
type ForeignProperty struct {
	Name  string
	Left  *schema.Property
	Right *schema.Property
	Chain []*ForeignProperty
}

func newForeignProperty(fpr *ForeignProperty, left, right *schema.Property) *ForeignProperty {
	n := &ForeignProperty{Left: left, Right: right}
	if fpr == nil {
		n.Name = left.Place
		n.Chain = []*ForeignProperty{n}
	} else {
		n.Name = fpr.Name + "->" + left.Place
		n.Chain = append(append([]*ForeignProperty{}, fpr.Chain...), n)
	}
	return n
}

func (f *ForeignProperty) String() string {
	return "<" + f.Name + "->" + f.Right.Name + ">"
}

// Builder is the postgres query builder environment.
type Builder struct {
	env  *query.Env
	ctx  context.Context
	auth *access.Authorizer

	model    *schema.Model
	pgschema string
	table    string

	columns  []string
	resolved map[string]*Selected
	selected map[string]*Selected
	order    []string
	joins    *sqlFrom
	sort     []string
	limit    *uint64
	offset   *uint64
}

// New creates a builder bound to an authorizer. Call Init before use.
func New(auth *access.Authorizer) *Builder {
	b := &Builder{auth: auth}
	b.env = &query.Env{Registry: registry, Self: b}
	return b
}

// Init binds the builder to a model and a postgres schema and resets all
// accumulators.
func (b *Builder) Init(ctx context.Context, model *schema.Model, pgschema string) *Builder {
	b.ctx = ctx
	b.model = model
	b.pgschema = pgschema
	b.table = model.TableName()
	b.columns = nil
	b.resolved = map[string]*Selected{}
	b.selected = nil
	b.order = nil
	b.joins = &sqlFrom{builder: b, joined: map[string]bool{}}
	b.sort = nil
	b.limit = nil
	b.offset = nil
	return b
}

// Resolve evaluates one expression against the builder.
func (b *Builder) Resolve(expr *query.Expr) (interface{}, error) {
	return b.env.Resolve(expr)
}

// ResolveFilter evaluates a filter expression into a squirrel predicate.
func (b *Builder) ResolveFilter(expr *query.Expr) (sq.Sqlizer, error) {
	resolved, err := b.env.Resolve(expr)
	if err != nil {
		return nil, err
	}
	if resolved == nil {
		return nil, nil
	}
	cond, ok := resolved.(sq.Sqlizer)
	if !ok {
		return nil, errs.UnknownExpr(expr.Name, expr.String())
	}
	return cond, nil
}

// Build assembles the final query. When no select list was resolved, it
// defaults to every property the caller is authorized to read, always
// including the primary identifier.
func (b *Builder) Build(where sq.Sqlizer) (sq.SelectBuilder, map[string]*Selected, []string, error) {
	if b.selected == nil {
		if _, err := b.env.Resolve(query.NewExpr("select")); err != nil {
			return sq.SelectBuilder{}, nil, nil, err
		}
	}

	qry := sq.Select(b.columns...).
		From(b.fromClause()).
		PlaceholderFormat(sq.Dollar)
	for _, clause := range b.joins.clauses {
		qry = qry.JoinClause(clause)
	}
	if where != nil {
		qry = qry.Where(where)
	}
	if len(b.sort) > 0 {
		qry = qry.OrderBy(b.sort...)
	}
	if b.limit != nil {
		qry = qry.Limit(*b.limit)
	}
	if b.offset != nil {
		qry = qry.Offset(*b.offset)
	}
	return qry, b.selected, b.order, nil
}

// Columns returns the accumulated column list.
func (b *Builder) Columns() []string { return b.columns }

func (b *Builder) fromClause() string {
	return fmt.Sprintf("%s.\"%s\"", b.pgschema, b.table)
}

func (b *Builder) baseRef() string {
	return fmt.Sprintf("%s.\"%s\"", b.pgschema, b.table)
}

func (b *Builder) column(tableRef string, col string) string {
	return tableRef + "." + quoteIdent(col)
}

func quoteIdent(s string) string {
	return `"` + s + `"`
}

func (b *Builder) addColumn(column string) int {
	for i, c := range b.columns {
		if c == column {
			return i
		}
	}
	b.columns = append(b.columns, column)
	return len(b.columns) - 1
}

// sqlFrom accumulates the join graph, deduplicated by chain-segment
// name.
type sqlFrom struct {
	builder *Builder
	joined  map[string]bool
	clauses []string
	// alias per chain name
	aliases map[string]string
}

// tableRef ensures every segment of the chain is joined and returns the
// reference of the chain's target table.
func (f *sqlFrom) tableRef(fpr *ForeignProperty) (string, error) {
	if f.aliases == nil {
		f.aliases = map[string]string{}
	}
	leftRef := f.builder.baseRef()
	for _, segment := range fpr.Chain {
		alias, ok := f.aliases[segment.Name]
		if !ok {
			alias = aliasFor(segment.Name)
			f.aliases[segment.Name] = alias
		}
		if f.joined[segment.Name] {
			leftRef = alias
			continue
		}

		leftModel := segment.Left.Model
		rightModel, ok := leftModel.RefModel(segment.Left)
		if !ok {
			return "", fmt.Errorf("reference %s has no target model", segment.Left.Place)
		}

		leftKeys := splitColumns(segment.Left)
		rightKeys := keyColumns(rightModel)
		if len(leftKeys) != len(rightKeys) {
			return "", fmt.Errorf("join %s: %d foreign key columns vs %d primary key columns",
				segment.Name, len(leftKeys), len(rightKeys))
		}

		conditions := make([]string, len(leftKeys))
		for i := range leftKeys {
			conditions[i] = fmt.Sprintf("%s = %s",
				f.builder.column(leftRef, leftKeys[i]),
				f.builder.column(alias, rightKeys[i]))
		}
		f.clauses = append(f.clauses, fmt.Sprintf("JOIN %s.\"%s\" AS %s ON %s",
			f.builder.pgschema, rightModel.TableName(), alias,
			strings.Join(conditions, " AND ")))
		f.joined[segment.Name] = true
		leftRef = alias
	}
	return leftRef, nil
}

func aliasFor(chainName string) string {
	r := strings.NewReplacer("->", "__", ".", "_")
	return quoteIdent("j_" + r.Replace(chainName))
}

// splitColumns returns the foreign key columns of a reference property.
// Composite keys are declared as a comma separated source.
func splitColumns(p *schema.Property) []string {
	source := p.Column()
	if !strings.Contains(source, ",") {
		return []string{source}
	}
	parts := strings.Split(source, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}

// keyColumns returns the declared primary key columns of a model, or the
// managed _id column when no natural key is declared.
func keyColumns(m *schema.Model) []string {
	if len(m.PKeys) == 0 {
		return []string{"_id"}
	}
	cols := make([]string, len(m.PKeys))
	for i, name := range m.PKeys {
		if p, ok := m.Flat(name); ok {
			cols[i] = p.Column()
		} else {
			cols[i] = name
		}
	}
	return cols
}

// the package wide resolver registry; cloned from the shared base
// handlers and extended with the SQL specific ones at load time.
var registry = buildRegistry()

func self(env interface{}) *Builder { return env.(*Builder) }

func buildRegistry() *query.Registry {
	r := query.BaseRegistry()

	bind := query.TypeOf(query.Bind{})
	fpr := query.TypeOf(&ForeignProperty{})
	listT := reflect.TypeOf([]interface{}{})

	// getattr resolves one step of a dotted attribute path
	r.Register("getattr", []reflect.Type{bind, bind}, func(env interface{}, args []interface{}) (interface{}, error) {
		return self(env).resolveAttr(nil, args[0].(query.Bind).Name, args[1].(query.Bind))
	})
	r.Register("getattr", []reflect.Type{fpr, bind}, func(env interface{}, args []interface{}) (interface{}, error) {
		f := args[0].(*ForeignProperty)
		return self(env).resolveAttr(f, f.Right.Place, args[1].(query.Bind))
	})

	// comparison on plain property
	r.Register("eq", []reflect.Type{bind, query.Any}, func(env interface{}, args []interface{}) (interface{}, error) {
		b := self(env)
		col, err := b.boundColumn(args[0].(query.Bind))
		if err != nil {
			return nil, err
		}
		return sq.Eq{col: args[1]}, nil
	})
	r.Register("eq", []reflect.Type{bind, listT}, func(env interface{}, args []interface{}) (interface{}, error) {
		b := self(env)
		col, err := b.boundColumn(args[0].(query.Bind))
		if err != nil {
			return nil, err
		}
		// multi-value equality is set membership, not chained OR
		return sq.Eq{col: args[1].([]interface{})}, nil
	})
	r.Register("ne", []reflect.Type{bind, query.Any}, func(env interface{}, args []interface{}) (interface{}, error) {
		b := self(env)
		col, err := b.boundColumn(args[0].(query.Bind))
		if err != nil {
			return nil, err
		}
		return sq.NotEq{col: args[1]}, nil
	})
	r.Register("ne", []reflect.Type{bind, listT}, func(env interface{}, args []interface{}) (interface{}, error) {
		b := self(env)
		col, err := b.boundColumn(args[0].(query.Bind))
		if err != nil {
			return nil, err
		}
		return sq.NotEq{col: args[1].([]interface{})}, nil
	})

	// comparison across a join chain
	r.Register("eq", []reflect.Type{fpr, query.Any}, func(env interface{}, args []interface{}) (interface{}, error) {
		col, err := self(env).foreignColumn(args[0].(*ForeignProperty))
		if err != nil {
			return nil, err
		}
		return sq.Eq{col: args[1]}, nil
	})
	r.Register("eq", []reflect.Type{fpr, listT}, func(env interface{}, args []interface{}) (interface{}, error) {
		col, err := self(env).foreignColumn(args[0].(*ForeignProperty))
		if err != nil {
			return nil, err
		}
		return sq.Eq{col: args[1].([]interface{})}, nil
	})
	r.Register("ne", []reflect.Type{fpr, query.Any}, func(env interface{}, args []interface{}) (interface{}, error) {
		col, err := self(env).foreignColumn(args[0].(*ForeignProperty))
		if err != nil {
			return nil, err
		}
		return sq.NotEq{col: args[1]}, nil
	})
	r.Register("ne", []reflect.Type{fpr, listT}, func(env interface{}, args []interface{}) (interface{}, error) {
		col, err := self(env).foreignColumn(args[0].(*ForeignProperty))
		if err != nil {
			return nil, err
		}
		return sq.NotEq{col: args[1].([]interface{})}, nil
	})

	r.RegisterExpr("and", func(env interface{}, expr *query.Expr) (interface{}, error) {
		return self(env).connective(expr, true)
	})
	r.RegisterExpr("or", func(env interface{}, expr *query.Expr) (interface{}, error) {
		return self(env).connective(expr, false)
	})
	r.RegisterExpr("list", func(env interface{}, expr *query.Expr) (interface{}, error) {
		return self(env).env.ResolveArgs(expr)
	})

	r.Register("count", []reflect.Type{}, func(env interface{}, args []interface{}) (interface{}, error) {
		return "count(*)", nil
	})
	r.Register("len", []reflect.Type{bind}, func(env interface{}, args []interface{}) (interface{}, error) {
		b := self(env)
		col, err := b.boundColumn(args[0].(query.Bind))
		if err != nil {
			return nil, err
		}
		return "length(" + col + ")", nil
	})

	r.RegisterExpr("select", func(env interface{}, expr *query.Expr) (interface{}, error) {
		return nil, self(env).selectList(expr)
	})
	r.RegisterExpr("sort", func(env interface{}, expr *query.Expr) (interface{}, error) {
		return nil, self(env).sortList(expr)
	})
	r.Register("limit", []reflect.Type{reflect.TypeOf(int64(0))}, func(env interface{}, args []interface{}) (interface{}, error) {
		n := uint64(args[0].(int64))
		self(env).limit = &n
		return nil, nil
	})
	r.Register("offset", []reflect.Type{reflect.TypeOf(int64(0))}, func(env interface{}, args []interface{}) (interface{}, error) {
		n := uint64(args[0].(int64))
		self(env).offset = &n
		return nil, nil
	})
	return r
}

// resolveAttr resolves one attribute step starting from a property place.
func (b *Builder) resolveAttr(fpr *ForeignProperty, place string, attr query.Bind) (interface{}, error) {
	model := b.model
	if fpr != nil {
		target, ok := fpr.Left.Model.RefModel(fpr.Right)
		if !ok {
			return nil, errs.PropertyNotFound(fpr.Right.Model.Name, fpr.Right.Place)
		}
		model = target
	}
	prop, ok := model.Flat(place)
	if !ok {
		return nil, errs.PropertyNotFound(model.Name, place)
	}

	switch prop.Type {
	case schema.TypeRef:
		target, ok := prop.Model.RefModel(prop)
		if !ok {
			return nil, errs.PropertyNotFound(prop.Model.Name, prop.Place)
		}
		right, ok := target.Flat(attr.Name)
		if !ok {
			return nil, errs.PropertyNotFound(target.Name, attr.Name)
		}
		return newForeignProperty(fpr, prop, right), nil
	case schema.TypeObject:
		nested := place + "." + attr.Name
		if _, ok := model.Flat(nested); !ok {
			return nil, errs.PropertyNotFound(model.Name, nested)
		}
		return query.Bind{Name: nested}, nil
	}
	return nil, errs.PropertyNotFound(model.Name, place+"."+attr.Name)
}

func (b *Builder) boundColumn(bind query.Bind) (string, error) {
	return b.placeColumn(bind.Name)
}

// placeColumn compiles a property place into a column reference. Nested
// object members live inside a single jsonb column and compile to json
// accessors.
func (b *Builder) placeColumn(place string) (string, error) {
	if place == "_id" || place == "_revision" {
		return b.column(b.baseRef(), place), nil
	}
	if !strings.Contains(place, ".") {
		prop, ok := b.model.Property(place)
		if !ok {
			return "", errs.PropertyNotFound(b.model.Name, place)
		}
		return b.column(b.baseRef(), prop.Column()), nil
	}
	if _, ok := b.model.Flat(place); !ok {
		return "", errs.PropertyNotFound(b.model.Name, place)
	}
	parts := strings.Split(place, ".")
	top, ok := b.model.Property(parts[0])
	if !ok || top.Type != schema.TypeObject {
		return "", errs.PropertyNotFound(b.model.Name, place)
	}
	expr := b.column(b.baseRef(), top.Column())
	for i := 1; i < len(parts)-1; i++ {
		expr += "->'" + parts[i] + "'"
	}
	return expr + "->>'" + parts[len(parts)-1] + "'", nil
}

func (b *Builder) foreignColumn(fpr *ForeignProperty) (string, error) {
	ref, err := b.joins.tableRef(fpr)
	if err != nil {
		return "", err
	}
	return b.column(ref, fpr.Right.Column()), nil
}

func (b *Builder) connective(expr *query.Expr, conjunction bool) (interface{}, error) {
	var conditions []sq.Sqlizer
	for _, arg := range query.Flatten(expr) {
		resolved, err := b.env.Resolve(arg)
		if err != nil {
			return nil, err
		}
		if resolved == nil {
			continue
		}
		cond, ok := resolved.(sq.Sqlizer)
		if !ok {
			return nil, errs.UnknownExpr(expr.Name, expr.String())
		}
		conditions = append(conditions, cond)
	}
	if len(conditions) == 0 {
		return nil, nil
	}
	if len(conditions) == 1 {
		return conditions[0], nil
	}
	if conjunction {
		return sq.And(conditions), nil
	}
	return sq.Or(conditions), nil
}

func (b *Builder) selectList(expr *query.Expr) error {
	if b.selected != nil {
		// contract violation by the caller, not a user error
		return fmt.Errorf("select was already called on this environment")
	}
	b.selected = map[string]*Selected{}

	if len(expr.Args) == 0 {
		// no explicit select list: every authorized property, the
		// primary identifier always first
		b.selectKey("_id", &Selected{Item: b.addColumn(b.column(b.baseRef(), "_id"))})
		for _, prop := range b.model.Properties {
			if strings.HasPrefix(prop.Name, "_") {
				continue
			}
			if !b.auth.Authorized(b.ctx, core.ActionGetAll, prop) {
				continue
			}
			sel, err := b.selectProperty(prop)
			if err != nil {
				return err
			}
			b.selectKey(prop.Place, sel)
		}
	} else {
		for _, arg := range expr.Args {
			key := argKey(arg)
			resolved, err := b.env.Resolve(arg)
			if err != nil {
				return err
			}
			sel, err := b.selectResolved(resolved)
			if err != nil {
				return err
			}
			b.selectKey(key, sel)
		}
	}

	if len(b.columns) == 0 {
		return fmt.Errorf("%s did not add anything to the select list", expr)
	}
	return nil
}

func argKey(arg interface{}) string {
	switch a := arg.(type) {
	case query.Bind:
		return a.Name
	case *query.Expr:
		if a.Name == "getattr" {
			parts := make([]string, 0, len(a.Args))
			for _, sub := range a.Args {
				parts = append(parts, argKey(sub))
			}
			return strings.Join(parts, ".")
		}
		return a.String()
	default:
		return fmt.Sprintf("%v", a)
	}
}

func (b *Builder) selectKey(key string, sel *Selected) {
	if _, ok := b.selected[key]; !ok {
		b.order = append(b.order, key)
	}
	b.selected[key] = sel
}

// selectResolved converts an already-resolved select argument into a
// Selected.
func (b *Builder) selectResolved(resolved interface{}) (*Selected, error) {
	switch r := resolved.(type) {
	case query.Bind:
		if r.Name == "_id" {
			return b.selectPrimaryKey()
		}
		prop, ok := b.model.Flat(r.Name)
		if !ok || !b.auth.Authorized(b.ctx, core.ActionSearch, prop) {
			return nil, errs.PropertyNotFound(b.model.Name, r.Name)
		}
		if strings.Contains(r.Name, ".") {
			if sel, ok := b.resolved[r.Name]; ok {
				return sel, nil
			}
			col, err := b.placeColumn(r.Name)
			if err != nil {
				return nil, err
			}
			sel := &Selected{Item: b.addColumn(col), Prop: prop}
			b.resolved[r.Name] = sel
			return sel, nil
		}
		return b.selectProperty(prop)
	case *ForeignProperty:
		col, err := b.foreignColumn(r)
		if err != nil {
			return nil, err
		}
		return &Selected{Item: b.addColumn(col), Prop: r.Right}, nil
	case string:
		// a computed column expression such as count(*)
		return &Selected{Item: b.addColumn(r), Prep: nil, Prop: nil}, nil
	default:
		// a literal value needs no column at all
		return &Selected{Item: -1, Prep: resolved}, nil
	}
}

// selectProperty resolves one property into a Selected, caching by
// place so repeated selections share columns and joins.
func (b *Builder) selectProperty(prop *schema.Property) (*Selected, error) {
	if sel, ok := b.resolved[prop.Place]; ok {
		return sel, nil
	}
	var sel *Selected
	if prop.Prepare != "" {
		prepared, err := query.Parse(prop.Prepare)
		if err != nil {
			return nil, fmt.Errorf("invalid prepare formula %q on %s.%s: %s",
				prop.Prepare, prop.Model.Name, prop.Place, err)
		}
		resolved, err := b.env.Resolve(prepared)
		if err != nil {
			return nil, err
		}
		inner, err := b.selectResolved(resolved)
		if err != nil {
			return nil, err
		}
		sel = &Selected{Item: -1, Prop: prop, Prep: inner}
	} else {
		sel = &Selected{
			Item: b.addColumn(b.column(b.baseRef(), prop.Column())),
			Prop: prop,
		}
	}
	b.resolved[prop.Place] = sel
	return sel, nil
}

// selectPrimaryKey selects the primary identifier. Models with a declared
// natural key select every key property; the identifier itself is then
// derived from them.
func (b *Builder) selectPrimaryKey() (*Selected, error) {
	if sel, ok := b.resolved["_id"]; ok {
		return sel, nil
	}
	var sel *Selected
	if len(b.model.PKeys) == 0 {
		sel = &Selected{Item: b.addColumn(b.column(b.baseRef(), "_id"))}
	} else {
		parts := make([]*Selected, len(b.model.PKeys))
		for i, name := range b.model.PKeys {
			prop, ok := b.model.Flat(name)
			if !ok {
				return nil, errs.PropertyNotFound(b.model.Name, name)
			}
			part, err := b.selectProperty(prop)
			if err != nil {
				return nil, err
			}
			parts[i] = part
		}
		sel = &Selected{Item: -1, Prep: parts}
	}
	b.resolved["_id"] = sel
	return sel, nil
}

func (b *Builder) sortList(expr *query.Expr) error {
	args, err := b.env.ResolveArgs(expr)
	if err != nil {
		return err
	}
	b.sort = nil
	for _, arg := range args {
		switch key := arg.(type) {
		case query.Negative:
			col, err := b.boundColumn(query.Bind{Name: key.Name})
			if err != nil {
				return err
			}
			b.sort = append(b.sort, col+" DESC")
		case query.Positive:
			col, err := b.boundColumn(query.Bind{Name: key.Name})
			if err != nil {
				return err
			}
			b.sort = append(b.sort, col+" ASC")
		case query.Bind:
			col, err := b.boundColumn(key)
			if err != nil {
				return err
			}
			b.sort = append(b.sort, col+" ASC")
		default:
			return errs.UnknownExpr("sort", expr.String())
		}
	}
	return nil
}
