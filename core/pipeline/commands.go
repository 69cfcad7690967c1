// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package pipeline

import (
	"context"
	"fmt"

	"github.com/goccy/go-json"

	"github.com/relabs-tech/datagate/core"
	"github.com/relabs-tech/datagate/core/backend"
	"github.com/relabs-tech/datagate/core/errs"
	"github.com/relabs-tech/datagate/core/logger"
)

// execute runs the backend command of every surviving item and appends
// the changelog entry.
func (p *Pipeline) execute(ctx context.Context, txn string, group []*Item) {
	for _, item := range group {
		if item.Error != nil {
			continue
		}
		switch item.Action {
		case core.ActionInsert:
			p.executeInsert(ctx, txn, item)
		case core.ActionUpsert:
			if item.Saved.IsNA() {
				p.executeInsert(ctx, txn, item)
			} else {
				p.executeUpdate(ctx, txn, item)
			}
		case core.ActionUpdate, core.ActionPatch:
			p.executeUpdate(ctx, txn, item)
		case core.ActionDelete:
			p.executeDelete(ctx, txn, item)
		case core.ActionWipe:
			p.executeWipe(ctx, item)
		}
		if p.StopOnError && item.Error != nil {
			return
		}
	}
}

func (p *Pipeline) executeInsert(ctx context.Context, txn string, item *Item) {
	row, ok := item.Patch.Interface().(map[string]interface{})
	if !ok {
		item.Fail(errs.Internal(fmt.Errorf("patch of %s is not an object", item.Model.Name)))
		return
	}
	id, err := item.Backend.Insert(ctx, item.Model, backend.Row(row))
	if err != nil {
		item.FailErr(err)
		return
	}
	item.ID = id
	p.appendChange(ctx, txn, item, core.ActionInsert, row)
}

func (p *Pipeline) executeUpdate(ctx context.Context, txn string, item *Item) {
	if item.NoOp {
		return
	}
	row, ok := item.Patch.Interface().(map[string]interface{})
	if !ok {
		item.Fail(errs.Internal(fmt.Errorf("patch of %s is not an object", item.Model.Name)))
		return
	}
	expectedRevision, _ := item.Saved.Get("_revision").String()
	if err := item.Backend.Update(ctx, item.Model, item.ID, expectedRevision, backend.Row(row)); err != nil {
		item.FailErr(err)
		return
	}
	if id, ok := row["_id"].(string); ok && id != "" {
		item.ID = id
	}
	op := item.Action
	if op == core.ActionUpsert {
		op = core.ActionUpdate
	}
	p.appendChange(ctx, txn, item, op, row)
}

func (p *Pipeline) executeDelete(ctx context.Context, txn string, item *Item) {
	expectedRevision, _ := item.Given.Get("_revision").String()
	if err := item.Backend.Delete(ctx, item.Model, item.ID, expectedRevision); err != nil {
		item.FailErr(err)
		return
	}
	p.appendChange(ctx, txn, item, core.ActionDelete, nil)
}

func (p *Pipeline) executeWipe(ctx context.Context, item *Item) {
	count, err := item.Backend.Wipe(ctx, item.Model)
	if err != nil {
		item.FailErr(err)
		return
	}
	item.Wiped = count
}

func (p *Pipeline) appendChange(ctx context.Context, txn string, item *Item, op core.Action, patch map[string]interface{}) {
	entry := &backend.ChangeEntry{
		Txn:      txn,
		Action:   op,
		Model:    item.Model.Name,
		ID:       item.ID,
		Revision: item.Revision,
		Patch:    patch,
	}
	if err := item.Backend.AppendChange(ctx, item.Model, entry); err != nil {
		item.FailErr(err)
		return
	}
	if p.Notifier == nil {
		return
	}
	payload, err := json.Marshal(entry)
	if err != nil {
		logger.FromContext(ctx).WithError(err).Errorln("encode change notification")
		return
	}
	// notifications are best effort, a failed delivery never fails the write
	p.Notifier.Notify(item.Model.Name, op, payload)
}
