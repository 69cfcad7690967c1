// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

/*Package memory is the in-process backend, used for tests and for
models that declare no persistent store. It keeps rows in insertion
order and evaluates filter expressions directly against rows.
*/
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/relabs-tech/datagate/core/backend"
	"github.com/relabs-tech/datagate/core/errs"
	"github.com/relabs-tech/datagate/core/query"
	"github.com/relabs-tech/datagate/core/schema"
)

// Backend implements backend.Backend on in-process maps. All operations
// are safe for concurrent use.
type Backend struct {
	mu      sync.RWMutex
	tables  map[string]*table
	changes map[string][]backend.ChangeEntry
}

type table struct {
	order []string
	rows  map[string]backend.Row
}

// New creates an empty in-memory backend.
func New() *Backend {
	return &Backend{
		tables:  map[string]*table{},
		changes: map[string][]backend.ChangeEntry{},
	}
}

func (b *Backend) Name() string { return "memory" }

func (b *Backend) tableOf(model *schema.Model) *table {
	t, ok := b.tables[model.Name]
	if !ok {
		t = &table{rows: map[string]backend.Row{}}
		b.tables[model.Name] = t
	}
	return t
}

// GenObjectID returns a fresh random identifier.
func (b *Backend) GenObjectID(ctx context.Context, model *schema.Model) string {
	return uuid.New().String()
}

func (b *Backend) GetOne(ctx context.Context, model *schema.Model, id string) (backend.Row, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	t, ok := b.tables[model.Name]
	if !ok {
		return nil, errs.ItemDoesNotExist(model.Name, id)
	}
	row, ok := t.rows[id]
	if !ok {
		return nil, errs.ItemDoesNotExist(model.Name, id)
	}
	return copyRow(row), nil
}

func (b *Backend) GetAll(ctx context.Context, model *schema.Model, params *backend.Params) (backend.Iterator, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var rows []backend.Row
	if t, ok := b.tables[model.Name]; ok {
		for _, id := range t.order {
			row := t.rows[id]
			if params != nil && params.Query != nil {
				m := &matcher{model: model, row: row}
				ok, err := m.match(params.Query)
				if err != nil {
					return nil, err
				}
				if !ok {
					continue
				}
			}
			rows = append(rows, copyRow(row))
		}
	}

	if params != nil && params.Count {
		return &sliceIterator{rows: []backend.Row{{"count()": len(rows)}}}, nil
	}
	var selected []string
	if params != nil && params.Select != nil {
		fields, count, err := selectFields(model, params.Select)
		if err != nil {
			return nil, err
		}
		if count {
			return &sliceIterator{rows: []backend.Row{{"count()": len(rows)}}}, nil
		}
		selected = fields
	}
	if params != nil && params.Sort != nil {
		if err := sortRows(rows, params.Sort); err != nil {
			return nil, err
		}
	}
	if params != nil && params.Offset != nil {
		n := int(*params.Offset)
		if n > len(rows) {
			n = len(rows)
		}
		rows = rows[n:]
	}
	if params != nil && params.Limit != nil && int(*params.Limit) < len(rows) {
		rows = rows[:*params.Limit]
	}
	if selected != nil {
		for i, row := range rows {
			rows[i] = projectRow(row, selected)
		}
	}
	return &sliceIterator{rows: rows}, nil
}

// selectFields extracts the projected field paths of a select
// expression. A count() argument turns the query into a count query and
// cannot be combined with field selection. Anything the backend cannot
// project is rejected rather than ignored.
func selectFields(model *schema.Model, expr *query.Expr) ([]string, bool, error) {
	var fields []string
	count := false
	for _, arg := range expr.Args {
		switch v := arg.(type) {
		case query.Bind:
			fields = append(fields, v.Name)
		case *query.Expr:
			if v.Name == "count" && len(v.Args) == 0 {
				count = true
				continue
			}
			field, err := fieldPath(v)
			if err != nil {
				return nil, false, err
			}
			fields = append(fields, field)
		default:
			return nil, false, errs.UnknownExpr(expr.Name, expr.String())
		}
	}
	if count && len(fields) > 0 {
		return nil, false, errs.UnknownExpr(expr.Name, expr.String())
	}
	for _, field := range fields {
		if field == "_id" || field == "_revision" {
			continue
		}
		if _, ok := model.Flat(field); !ok {
			return nil, false, errs.PropertyNotFound(model.Name, field)
		}
	}
	return fields, count, nil
}

// projectRow narrows a row to the selected field paths, keeping the
// nested shape of dotted paths. Identity and revision always pass
// through.
func projectRow(row backend.Row, fields []string) backend.Row {
	out := backend.Row{}
	if id := backend.RowID(row); id != "" {
		out["_id"] = id
	}
	if revision := backend.RowRevision(row); revision != "" {
		out["_revision"] = revision
	}
	for _, field := range fields {
		setPath(out, field, fieldValue(row, field))
	}
	return out
}

func setPath(row backend.Row, path string, value interface{}) {
	parts := strings.Split(path, ".")
	current := map[string]interface{}(row)
	for _, part := range parts[:len(parts)-1] {
		child, ok := current[part].(map[string]interface{})
		if !ok {
			child = map[string]interface{}{}
			current[part] = child
		}
		current = child
	}
	current[parts[len(parts)-1]] = value
}

func (b *Backend) Insert(ctx context.Context, model *schema.Model, row backend.Row) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := backend.RowID(row)
	if id == "" {
		id = uuid.New().String()
		row = copyRow(row)
		row["_id"] = id
	}
	t := b.tableOf(model)
	if _, exists := t.rows[id]; exists {
		return "", errs.UniqueConstraint(model.Name, "_id", id)
	}
	for _, prop := range model.Properties {
		if !prop.Unique {
			continue
		}
		value, ok := row[prop.Name]
		if !ok || value == nil {
			continue
		}
		for _, existing := range t.order {
			if equalValue(t.rows[existing][prop.Name], value) {
				return "", errs.UniqueConstraint(model.Name, prop.Name, value)
			}
		}
	}
	t.rows[id] = copyRow(row)
	t.order = append(t.order, id)
	return id, nil
}

func (b *Backend) Update(ctx context.Context, model *schema.Model, id string, expectedRevision string, patch backend.Row) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.tables[model.Name]
	if !ok {
		return errs.ItemDoesNotExist(model.Name, id)
	}
	row, ok := t.rows[id]
	if !ok {
		return errs.ItemDoesNotExist(model.Name, id)
	}
	if expectedRevision != "" {
		current := backend.RowRevision(row)
		if current != expectedRevision {
			return errs.ConflictingValue(model.Name, "_revision", expectedRevision, current)
		}
	}
	next := copyRow(row)
	for key, value := range patch {
		next[key] = value
	}
	newID := backend.RowID(next)
	if newID != id {
		// the patch renamed the item
		delete(t.rows, id)
		for i, existing := range t.order {
			if existing == id {
				t.order[i] = newID
				break
			}
		}
		id = newID
	}
	t.rows[id] = next
	return nil
}

func (b *Backend) Delete(ctx context.Context, model *schema.Model, id string, expectedRevision string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.tables[model.Name]
	if !ok {
		return errs.ItemDoesNotExist(model.Name, id)
	}
	row, ok := t.rows[id]
	if !ok {
		return errs.ItemDoesNotExist(model.Name, id)
	}
	if expectedRevision != "" {
		current := backend.RowRevision(row)
		if current != expectedRevision {
			return errs.ConflictingValue(model.Name, "_revision", expectedRevision, current)
		}
	}
	delete(t.rows, id)
	for i, existing := range t.order {
		if existing == id {
			t.order = append(t.order[:i], t.order[i+1:]...)
			break
		}
	}
	return nil
}

func (b *Backend) Wipe(ctx context.Context, model *schema.Model) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	count := 0
	if t, ok := b.tables[model.Name]; ok {
		count = len(t.order)
	}
	delete(b.tables, model.Name)
	delete(b.changes, model.Name)
	return count, nil
}

func (b *Backend) AppendChange(ctx context.Context, model *schema.Model, entry *backend.ChangeEntry) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	log := b.changes[model.Name]
	entry.Serial = int64(len(log)) + 1
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	b.changes[model.Name] = append(log, *entry)
	return nil
}

func (b *Backend) Changes(ctx context.Context, model *schema.Model, afterSerial int64, limit int) ([]backend.ChangeEntry, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var result []backend.ChangeEntry
	for _, entry := range b.changes[model.Name] {
		if entry.Serial <= afterSerial {
			continue
		}
		result = append(result, entry)
		if limit > 0 && len(result) >= limit {
			break
		}
	}
	return result, nil
}

type sliceIterator struct {
	rows []backend.Row
	next int
}

func (it *sliceIterator) Next(ctx context.Context) (backend.Row, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if it.next >= len(it.rows) {
		return nil, nil
	}
	row := it.rows[it.next]
	it.next++
	return row, nil
}

// matcher evaluates a filter expression against a single row.
type matcher struct {
	model *schema.Model
	row   backend.Row
}

func (m *matcher) match(expr *query.Expr) (bool, error) {
	return m.eval(expr)
}

func (m *matcher) eval(expr *query.Expr) (bool, error) {
	switch expr.Name {
	case "and":
		for _, arg := range query.Flatten(expr) {
			sub, ok := arg.(*query.Expr)
			if !ok {
				return false, errs.UnknownExpr(expr.Name, expr.String())
			}
			matched, err := m.eval(sub)
			if err != nil || !matched {
				return false, err
			}
		}
		return true, nil
	case "or":
		for _, arg := range query.Flatten(expr) {
			sub, ok := arg.(*query.Expr)
			if !ok {
				return false, errs.UnknownExpr(expr.Name, expr.String())
			}
			matched, err := m.eval(sub)
			if err != nil {
				return false, err
			}
			if matched {
				return true, nil
			}
		}
		return false, nil
	case "eq", "ne":
		field, values, err := m.comparison(expr)
		if err != nil {
			return false, err
		}
		actual := fieldValue(m.row, field)
		matched := false
		for _, v := range values {
			if equalValue(actual, v) {
				matched = true
				break
			}
		}
		if expr.Name == "ne" {
			return !matched, nil
		}
		return matched, nil
	}
	return false, errs.UnknownExpr(expr.Name, expr.String())
}

// comparison extracts the field path and candidate values of an eq/ne
// node. Dotted paths descend into nested objects; reference chains are
// not resolvable without joins and are rejected.
func (m *matcher) comparison(expr *query.Expr) (string, []interface{}, error) {
	if len(expr.Args) != 2 {
		return "", nil, errs.UnknownExpr(expr.Name, expr.String())
	}
	field, err := fieldPath(expr.Args[0])
	if err != nil {
		return "", nil, err
	}
	if field != "_id" {
		prop, ok := m.model.Flat(field)
		if !ok {
			return "", nil, errs.PropertyNotFound(m.model.Name, field)
		}
		if prop.Type == schema.TypeRef {
			field = prop.Column()
		}
	}
	switch v := expr.Args[1].(type) {
	case *query.Expr:
		if v.Name != "list" {
			return "", nil, errs.UnknownExpr(expr.Name, expr.String())
		}
		return field, v.Args, nil
	default:
		return field, []interface{}{v}, nil
	}
}

func fieldPath(arg interface{}) (string, error) {
	switch v := arg.(type) {
	case query.Bind:
		return v.Name, nil
	case *query.Expr:
		if v.Name != "getattr" || len(v.Args) != 2 {
			return "", errs.UnknownExpr(v.Name, v.String())
		}
		left, err := fieldPath(v.Args[0])
		if err != nil {
			return "", err
		}
		right, err := fieldPath(v.Args[1])
		if err != nil {
			return "", err
		}
		return left + "." + right, nil
	}
	return "", errs.UnknownExpr("getattr", "")
}

// fieldValue reads a possibly dotted path out of a row.
func fieldValue(row backend.Row, path string) interface{} {
	current := interface{}(row)
	for _, part := range strings.Split(path, ".") {
		obj, ok := current.(backend.Row)
		if !ok {
			asMap, ok := current.(map[string]interface{})
			if !ok {
				return nil
			}
			obj = asMap
		}
		current = obj[part]
	}
	return current
}

func equalValue(a, b interface{}) bool {
	if na, ok := toFloat(a); ok {
		if nb, ok := toFloat(b); ok {
			return na == nb
		}
		return false
	}
	return a == b
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

func sortRows(rows []backend.Row, expr *query.Expr) error {
	type key struct {
		field string
		desc  bool
	}
	var keys []key
	for _, arg := range expr.Args {
		switch v := arg.(type) {
		case query.Bind:
			keys = append(keys, key{field: v.Name})
		case query.Positive:
			keys = append(keys, key{field: v.Name})
		case query.Negative:
			keys = append(keys, key{field: v.Name, desc: true})
		default:
			return errs.UnknownExpr("sort", expr.String())
		}
	}
	sort.SliceStable(rows, func(i, j int) bool {
		for _, k := range keys {
			a := fieldValue(rows[i], k.field)
			b := fieldValue(rows[j], k.field)
			c := compareValue(a, b)
			if c == 0 {
				continue
			}
			if k.desc {
				return c > 0
			}
			return c < 0
		}
		return false
	})
	return nil
}

func compareValue(a, b interface{}) int {
	if na, ok := toFloat(a); ok {
		if nb, ok := toFloat(b); ok {
			switch {
			case na < nb:
				return -1
			case na > nb:
				return 1
			}
			return 0
		}
	}
	sa, aok := a.(string)
	sb, bok := b.(string)
	if aok && bok {
		return strings.Compare(sa, sb)
	}
	return 0
}

func copyRow(row backend.Row) backend.Row {
	out := make(backend.Row, len(row))
	for k, v := range row {
		out[k] = copyValue(v)
	}
	return out
}

func copyValue(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, e := range t {
			out[k] = copyValue(e)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, e := range t {
			out[i] = copyValue(e)
		}
		return out
	}
	return v
}
