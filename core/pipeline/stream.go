// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

/*Package pipeline implements the staged write path: a pull-based stream
of data items is grouped by model and action, authorized once per group
and pushed through the prepare, read, validate, patch and execute
stages. An error on an item short-circuits its remaining stages but
never stops the stream unless stop-on-error is requested.
*/
package pipeline

import (
	"context"

	"github.com/relabs-tech/datagate/core"
	"github.com/relabs-tech/datagate/core/backend"
	"github.com/relabs-tech/datagate/core/data"
	"github.com/relabs-tech/datagate/core/errs"
	"github.com/relabs-tech/datagate/core/query"
	"github.com/relabs-tech/datagate/core/schema"
)

// Item is one unit of work moving through the pipeline. The stages fill
// in Given, Saved and Patch; Error marks the item failed and excludes it
// from all later stages.
type Item struct {
	Model   *schema.Model
	Backend backend.Backend
	Action  core.Action

	// Prop narrows the item to one property sub-resource. The write then
	// touches only this property of the addressed object.
	Prop *schema.Property

	// Payload is the decoded request body, with metadata aliases already
	// renamed to their canonical form.
	Payload map[string]interface{}

	// Where is the optional selection predicate of the item.
	Where *query.Expr

	Given data.Value
	Saved data.Value
	Patch data.Value

	// ID is the resolved object identifier, once known.
	ID string
	// Revision is the new revision after a successful write.
	Revision string

	// NoOp is set when a write resolves to an empty patch.
	NoOp bool

	// Wiped counts removed objects after a wipe.
	Wiped int

	Error *errs.Error
}

// Fail marks the item failed. Only the first error sticks.
func (item *Item) Fail(err *errs.Error) {
	if item.Error == nil {
		item.Error = err
	}
}

// FailErr marks the item failed with an arbitrary error, converting it
// into a gateway error first.
func (item *Item) FailErr(err error) {
	item.Fail(errs.As(err))
}

// Stream is a pull-based source of items. Next returns nil, nil when the
// stream is exhausted.
type Stream interface {
	Next(ctx context.Context) (*Item, error)
}

type sliceStream struct {
	items []*Item
	next  int
}

// FromSlice wraps a fixed item list as a stream.
func FromSlice(items []*Item) Stream {
	return &sliceStream{items: items}
}

func (s *sliceStream) Next(ctx context.Context) (*Item, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.next >= len(s.items) {
		return nil, nil
	}
	item := s.items[s.next]
	s.next++
	return item, nil
}

// groupKey identifies a run of consecutive items processed together.
type groupKey struct {
	model  string
	prop   string
	action core.Action
}

func keyOf(item *Item) groupKey {
	key := groupKey{model: item.Model.Name, action: item.Action}
	if item.Prop != nil {
		key.prop = item.Prop.Place
	}
	return key
}
