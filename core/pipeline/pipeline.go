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
	"github.com/relabs-tech/datagate/core/access"
	"github.com/relabs-tech/datagate/core/logger"
	"github.com/relabs-tech/datagate/core/schema"
)

// Pipeline drives write streams through the staged execution path.
type Pipeline struct {
	Auth      *access.Authorizer
	Validator *schema.Validator
	Notifier  core.Notifier

	// StopOnError stops consuming the stream after the first failed
	// item. Batch requests run fault tolerant instead and collect all
	// item errors.
	StopOnError bool
}

// Result is the outcome of one pipeline run.
type Result struct {
	// Txn is the transaction identifier shared by all changelog entries
	// of this run.
	Txn   string
	Items []*Item
}

// Failed reports whether any item ended in an error.
func (r *Result) Failed() bool {
	for _, item := range r.Items {
		if item.Error != nil {
			return true
		}
	}
	return false
}

// Run consumes the stream, processing consecutive runs of items that
// share model and action as one authorized group. Fatal errors abort the
// run; item-level errors stay on their item.
func (p *Pipeline) Run(ctx context.Context, stream Stream) (*Result, error) {
	result := &Result{Txn: uuid.New().String()}
	log := logger.FromContext(ctx)

	var group []*Item
	flush := func() error {
		if len(group) == 0 {
			return nil
		}
		processed, err := p.runGroup(ctx, result.Txn, group)
		result.Items = append(result.Items, processed...)
		group = nil
		return err
	}

	stopped := false
	for !stopped {
		item, err := stream.Next(ctx)
		if err != nil {
			return result, err
		}
		if item == nil {
			break
		}
		if item.Model == nil || item.Action == "" {
			// items without a target cannot be processed, re-emit them
			// unchanged
			if err := flush(); err != nil {
				return result, err
			}
			result.Items = append(result.Items, item)
			continue
		}
		if len(group) > 0 && keyOf(item) != keyOf(group[0]) {
			if err := flush(); err != nil {
				return result, err
			}
			if p.StopOnError && resultHasError(result) {
				stopped = true
				break
			}
		}
		group = append(group, item)
	}
	if !stopped {
		if err := flush(); err != nil {
			return result, err
		}
	}

	if resultHasError(result) {
		log.Debugf("pipeline transaction %s finished with errors", result.Txn)
	}
	return result, nil
}

func resultHasError(r *Result) bool {
	return r.Failed()
}

// runGroup pushes one homogeneous group through all stages. The group is
// authorized as a whole; a failed authorization is fatal for the entire
// run.
func (p *Pipeline) runGroup(ctx context.Context, txn string, group []*Item) ([]*Item, error) {
	first := group[0]
	node := schema.Node(first.Model)
	if first.Prop != nil {
		node = first.Prop
	}
	if err := p.Auth.Authorize(ctx, first.Action, node); err != nil {
		return nil, err
	}

	p.prepareData(ctx, group)
	// reading may fan out one item into many
	group = p.readExisting(ctx, group)
	p.validateData(ctx, group)
	p.preparePatches(ctx, group)

	// authorization and integrity failures abort the run before any
	// backend write, even in fault tolerant mode
	if trimmed, err := fatalFailure(group); err != nil {
		return trimmed, err
	}
	if p.StopOnError {
		// no backend writes past the first failed item
		for i, item := range group {
			if item.Error != nil {
				group = group[:i+1]
				break
			}
		}
	}
	p.execute(ctx, txn, group)
	if trimmed, err := fatalFailure(group); err != nil {
		return trimmed, err
	}

	if p.StopOnError {
		for i, item := range group {
			if item.Error != nil {
				return group[:i+1], nil
			}
		}
	}
	return group, nil
}

// fatalFailure scans a group for an error that must abort the whole run.
func fatalFailure(group []*Item) ([]*Item, error) {
	for i, item := range group {
		if item.Error != nil && item.Error.IsFatal() {
			return group[:i+1], item.Error
		}
	}
	return group, nil
}
