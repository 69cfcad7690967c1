// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package pipeline

import (
	"context"

	"github.com/google/uuid"

	"github.com/relabs-tech/datagate/core"
	"github.com/relabs-tech/datagate/core/backend"
	"github.com/relabs-tech/datagate/core/data"
	"github.com/relabs-tech/datagate/core/errs"
	"github.com/relabs-tech/datagate/core/query"
)

// prepareData normalizes payloads, validates them against the model
// schema and loads them into typed values.
func (p *Pipeline) prepareData(ctx context.Context, group []*Item) {
	for _, item := range group {
		if item.Error != nil {
			continue
		}
		item.Payload = core.RenameMetadata(item.Payload)

		if item.Where == nil {
			if raw, ok := item.Payload["_where"].(string); ok && raw != "" {
				where, err := query.Parse(raw)
				if err != nil {
					item.Fail(errs.InvalidValue(item.Model.Name, "_where", raw))
					continue
				}
				item.Where = where
			}
		}

		if p.Validator != nil && item.Model.SchemaID != "" && p.Validator.HasSchema(item.Model.SchemaID) {
			violations, err := p.Validator.Validate(item.Payload, item.Model.SchemaID)
			if err != nil {
				item.FailErr(err)
				continue
			}
			if len(violations) > 0 {
				item.Fail(errs.SchemaViolation(item.Model.Name, violations))
				continue
			}
		}

		given, loadErr := data.Load(item.Model, item.Payload)
		if loadErr != nil {
			item.Fail(loadErr)
			continue
		}
		item.Given = given
		if id, ok := given.Get("_id").String(); ok {
			item.ID = id
		}
		if item.Prop != nil {
			// a property write never carries the rest of the model, only
			// the addressed property is checked
			if item.Prop.Required && given.Get(item.Prop.Name).IsNull() {
				item.Fail(errs.MissingRequiredProperty(item.Model.Name, item.Prop.Name))
			}
			continue
		}
		if err := data.SimpleCheck(item.Model, given, item.Action); err != nil {
			item.Fail(err)
		}
	}
}

// readExisting loads the saved state of every item that addresses
// existing objects. A general selection predicate fans one item out into
// one item per matched object.
func (p *Pipeline) readExisting(ctx context.Context, group []*Item) []*Item {
	var out []*Item
	for _, item := range group {
		if item.Error != nil {
			out = append(out, item)
			continue
		}
		switch item.Action {
		case core.ActionInsert, core.ActionWipe:
			out = append(out, item)
		case core.ActionUpdate, core.ActionPatch, core.ActionDelete:
			out = append(out, p.readForWrite(ctx, item)...)
		case core.ActionUpsert:
			out = append(out, p.readForUpsert(ctx, item))
		default:
			item.Fail(errs.UnknownAction(string(item.Action), core.Actions()))
			out = append(out, item)
		}
	}
	return out
}

func (p *Pipeline) readForWrite(ctx context.Context, item *Item) []*Item {
	if item.ID != "" {
		p.readByID(ctx, item, item.ID)
		return []*Item{item}
	}
	if item.Where == nil {
		item.Fail(errs.MissingRequiredProperty(item.Model.Name, "_id"))
		return []*Item{item}
	}
	if id, ok := whereID(item.Where); ok {
		item.ID = id
		p.readByID(ctx, item, id)
		return []*Item{item}
	}

	rows, err := fetchAll(ctx, item.Backend, item, item.Where)
	if err != nil {
		item.FailErr(err)
		return []*Item{item}
	}
	if len(rows) == 0 {
		item.Fail(errs.ItemDoesNotExist(item.Model.Name, item.Where.String()))
		return []*Item{item}
	}
	fanned := make([]*Item, len(rows))
	for i, row := range rows {
		clone := *item
		clone.Saved = data.FromJSON(map[string]interface{}(row))
		clone.ID = backend.RowID(row)
		fanned[i] = &clone
	}
	return fanned
}

func (p *Pipeline) readByID(ctx context.Context, item *Item, id string) {
	row, err := item.Backend.GetOne(ctx, item.Model, id)
	if err != nil {
		item.FailErr(err)
		return
	}
	item.Saved = data.FromJSON(map[string]interface{}(row))
}

// readForUpsert resolves the match predicate of an upsert. No match
// selects the insert branch, exactly one match the update branch, more
// than one is an error.
func (p *Pipeline) readForUpsert(ctx context.Context, item *Item) *Item {
	where := item.Where
	if where == nil {
		where = naturalKeyPredicate(item)
	}
	if where == nil {
		if item.ID == "" {
			// nothing to match on, plain insert
			return item
		}
		row, err := item.Backend.GetOne(ctx, item.Model, item.ID)
		if err == nil {
			item.Saved = data.FromJSON(map[string]interface{}(row))
		} else if e := errs.As(err); e.Code != "ItemDoesNotExist" {
			item.Fail(e)
		}
		return item
	}

	item.Where = where
	rows, err := fetchAll(ctx, item.Backend, item, where)
	if err != nil {
		item.FailErr(err)
		return item
	}
	switch len(rows) {
	case 0:
		// insert branch
	case 1:
		item.Saved = data.FromJSON(map[string]interface{}(rows[0]))
		item.ID = backend.RowID(rows[0])
	default:
		item.Fail(errs.MultipleRowsFound(item.Model.Name, where.String()))
	}
	return item
}

// naturalKeyPredicate builds an equality predicate over the model's
// declared key properties from the given values.
func naturalKeyPredicate(item *Item) *query.Expr {
	if len(item.Model.PKeys) == 0 {
		return nil
	}
	var conditions []interface{}
	for _, name := range item.Model.PKeys {
		value := item.Given.Get(name)
		if value.IsNA() {
			return nil
		}
		conditions = append(conditions, query.NewExpr("eq", query.Bind{Name: name}, value.Interface()))
	}
	if len(conditions) == 1 {
		return conditions[0].(*query.Expr)
	}
	return query.NewExpr("and", conditions...)
}

func fetchAll(ctx context.Context, b backend.Backend, item *Item, where *query.Expr) ([]backend.Row, error) {
	iter, err := b.GetAll(ctx, item.Model, &backend.Params{Query: where})
	if err != nil {
		return nil, err
	}
	var rows []backend.Row
	for {
		row, err := iter.Next(ctx)
		if err != nil {
			return nil, err
		}
		if row == nil {
			return rows, nil
		}
		rows = append(rows, row)
	}
}

// whereID recognizes the plain eq(_id, value) predicate.
func whereID(expr *query.Expr) (string, bool) {
	if expr.Name != "eq" || len(expr.Args) != 2 {
		return "", false
	}
	bind, ok := expr.Args[0].(query.Bind)
	if !ok || bind.Name != "_id" {
		return "", false
	}
	id, ok := expr.Args[1].(string)
	return id, ok
}

// validateData enforces the metadata write rules.
func (p *Pipeline) validateData(ctx context.Context, group []*Item) {
	for _, item := range group {
		if item.Error != nil {
			continue
		}
		givenID, hasID := item.Given.Get("_id").String()
		givenRevision, hasRevision := item.Given.Get("_revision").String()

		insertBranch := item.Action == core.ActionInsert ||
			(item.Action == core.ActionUpsert && item.Saved.IsNA())

		if insertBranch {
			if hasID {
				// explicit identifiers are reserved for privileged clients
				if err := p.Auth.CheckScope(ctx, "set_meta_fields"); err != nil {
					item.FailErr(err)
					continue
				}
			}
			if hasRevision {
				item.Fail(errs.ManagedProperty(item.Model.Name, "_revision"))
			}
			continue
		}

		savedRevision, _ := item.Saved.Get("_revision").String()
		switch item.Action {
		case core.ActionUpdate, core.ActionPatch:
			if !hasRevision {
				item.Fail(errs.NoItemRevision(item.Model.Name))
				continue
			}
			if givenRevision != savedRevision {
				item.Fail(errs.ConflictingValue(item.Model.Name, "_revision", givenRevision, savedRevision))
				continue
			}
		case core.ActionDelete, core.ActionUpsert:
			if hasRevision && givenRevision != savedRevision {
				item.Fail(errs.ConflictingValue(item.Model.Name, "_revision", givenRevision, savedRevision))
				continue
			}
		}
		if hasID && givenID != "" && item.ID != "" && givenID != item.ID {
			// renaming an object requires the same privilege as choosing
			// an identifier on insert
			if err := p.Auth.CheckScope(ctx, "set_meta_fields"); err != nil {
				item.FailErr(err)
			}
		}
	}
}

// preparePatches computes the write patch of every item and stamps the
// managed metadata.
func (p *Pipeline) preparePatches(ctx context.Context, group []*Item) {
	for _, item := range group {
		if item.Error != nil {
			continue
		}
		switch item.Action {
		case core.ActionDelete, core.ActionWipe:
			continue
		}

		fill := item.Action != core.ActionPatch
		var patch data.Value
		if item.Prop != nil {
			// update replaces the addressed property wholesale, patch
			// merges into it; the rest of the object stays untouched
			patch = data.NewObject()
			saved := item.Saved.Get(item.Prop.Name)
			value := data.BuildPropertyPatch(item.Prop,
				item.Given.Get(item.Prop.Name), saved, fill)
			if !value.IsNA() {
				// backends store whole property values, the field-level
				// diff is merged back before it is written
				patch.Set(item.Prop.Name, data.MergeValue(saved, value))
			}
		} else {
			patch = data.BuildPatch(item.Model, item.Given, item.Saved, fill)
		}

		insertBranch := item.Action == core.ActionInsert ||
			(item.Action == core.ActionUpsert && item.Saved.IsNA())
		if insertBranch {
			id := item.ID
			if id == "" {
				id = item.Backend.GenObjectID(ctx, item.Model)
			}
			item.ID = id
			item.Revision = uuid.New().String()
			patch.Set("_id", data.Scalar(id))
			patch.Set("_revision", data.Scalar(item.Revision))
			item.Patch = patch
			continue
		}

		givenID, hasID := item.Given.Get("_id").String()
		renamed := hasID && givenID != "" && givenID != item.ID
		if renamed {
			patch.Set("_id", data.Scalar(givenID))
		}
		if len(patch.Keys()) == 0 {
			// nothing changed, keep the saved revision
			item.NoOp = true
			item.Revision, _ = item.Saved.Get("_revision").String()
			item.Patch = patch
			continue
		}
		item.Revision = uuid.New().String()
		patch.Set("_revision", data.Scalar(item.Revision))
		item.Patch = patch
	}
}
