// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package gateway

import (
	"bufio"
	"context"
	"io"
	"mime"
	"net/http"

	"github.com/goccy/go-json"

	"github.com/relabs-tech/datagate/core"
	"github.com/relabs-tech/datagate/core/backend"
	"github.com/relabs-tech/datagate/core/data"
	"github.com/relabs-tech/datagate/core/errs"
	"github.com/relabs-tech/datagate/core/pipeline"
	"github.com/relabs-tech/datagate/core/query"
	"github.com/relabs-tech/datagate/core/schema"
)

var supportedContentTypes = []string{"application/json", "application/x-ndjson"}

// write handles every modifying request on a model.
func (g *Gateway) write(w http.ResponseWriter, r *http.Request, model *schema.Model, id string) {
	b, berr := g.backendFor(model)
	if berr != nil {
		writeError(w, berr)
		return
	}

	contentType := r.Header.Get("Content-Type")
	if contentType != "" {
		parsed, _, err := mime.ParseMediaType(contentType)
		if err == nil {
			contentType = parsed
		}
	}

	switch contentType {
	case "application/x-ndjson":
		g.writeStreaming(w, r, model, b, id)
		return
	case "", "application/json":
	default:
		writeError(w, errs.UnknownContentType(contentType, supportedContentTypes))
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		logAndWriteError(r, w, errs.JSONError(err.Error()))
		return
	}
	payload := map[string]interface{}{}
	if len(body) > 0 {
		if err := json.Unmarshal(body, &payload); err != nil {
			writeError(w, errs.JSONError(err.Error()))
			return
		}
	}
	payload = core.RenameMetadata(payload)

	defaultAction, ok := actionFor(r.Method)
	if !ok {
		writeError(w, errs.UnknownAction(r.Method, core.Actions()))
		return
	}

	// a batch posts multiple documents under _data
	if batch, isBatch := payload["_data"].([]interface{}); isBatch {
		items := make([]*pipeline.Item, 0, len(batch))
		for _, element := range batch {
			doc, ok := element.(map[string]interface{})
			if !ok {
				item := g.newItem(model, b, defaultAction, map[string]interface{}{}, "")
				item.Fail(errs.JSONError("batch element is not an object"))
				items = append(items, item)
				continue
			}
			items = append(items, g.newItem(model, b, defaultAction, core.RenameMetadata(doc), ""))
		}
		g.runBatch(w, r, pipeline.FromSlice(items))
		return
	}

	item := g.newItem(model, b, defaultAction, payload, id)
	g.runSingle(w, r, item)
}

// newItem builds one pipeline item. A payload _op overrides the action
// derived from the request method; a request path id becomes the
// selection predicate, leaving a payload _id free to request a rename.
func (g *Gateway) newItem(model *schema.Model, b backend.Backend, action core.Action, payload map[string]interface{}, id string) *pipeline.Item {
	item := &pipeline.Item{
		Model:   model,
		Backend: b,
		Action:  action,
		Payload: payload,
	}
	if op, ok := payload["_op"].(string); ok && op != "" {
		parsed, known := core.ParseAction(op)
		if !known || !parsed.IsWrite() {
			item.Fail(errs.UnknownAction(op, core.Actions()))
			return item
		}
		item.Action = parsed
	}
	if id != "" {
		item.Where = query.ParseEq("_id", id)
	}
	return item
}

// writeProperty handles modifying requests that address one property of
// an object. A delete nulls the property out, the object itself stays.
func (g *Gateway) writeProperty(w http.ResponseWriter, r *http.Request, model *schema.Model, id string, prop *schema.Property) {
	b, berr := g.backendFor(model)
	if berr != nil {
		writeError(w, berr)
		return
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		logAndWriteError(r, w, errs.JSONError(err.Error()))
		return
	}
	payload := map[string]interface{}{}
	if len(body) > 0 {
		if err := json.Unmarshal(body, &payload); err != nil {
			writeError(w, errs.JSONError(err.Error()))
			return
		}
	}
	payload = core.RenameMetadata(payload)

	var action core.Action
	switch r.Method {
	case http.MethodPut:
		action = core.ActionUpdate
	case http.MethodPatch:
		action = core.ActionPatch
	case http.MethodDelete:
		action = core.ActionUpdate
		payload[prop.Name] = nil
	default:
		writeError(w, errs.UnknownAction(r.Method, nil))
		return
	}
	if r.Method != http.MethodDelete {
		if _, ok := payload[prop.Name]; !ok {
			writeError(w, errs.MissingRequiredProperty(model.Name, prop.Name))
			return
		}
	}

	item := &pipeline.Item{
		Model:   model,
		Backend: b,
		Action:  action,
		Prop:    prop,
		Payload: payload,
		Where:   query.ParseEq("_id", id),
	}
	g.runSingle(w, r, item)
}

func (g *Gateway) runSingle(w http.ResponseWriter, r *http.Request, item *pipeline.Item) {
	pipe := *g.pipe
	pipe.StopOnError = true
	result, err := pipe.Run(r.Context(), pipeline.FromSlice([]*pipeline.Item{item}))
	if err != nil {
		logAndWriteError(r, w, err)
		return
	}
	if len(result.Items) == 1 {
		only := result.Items[0]
		status := pipeline.ItemStatus(only)
		if status == http.StatusNoContent {
			writeJSON(w, status, nil)
			return
		}
		writeJSON(w, status, pipeline.ItemBody(only))
		return
	}
	// the predicate fanned out into several objects
	writeJSON(w, pipeline.BatchStatus(result), pipeline.BatchBody(result))
}

func (g *Gateway) runBatch(w http.ResponseWriter, r *http.Request, stream pipeline.Stream) {
	pipe := *g.pipe
	pipe.StopOnError = false
	result, err := pipe.Run(r.Context(), stream)
	if err != nil {
		logAndWriteError(r, w, err)
		return
	}
	writeJSON(w, pipeline.BatchStatus(result), pipeline.BatchBody(result))
}

// writeStreaming handles newline delimited json: one document per line
// in, one result document per line out.
func (g *Gateway) writeStreaming(w http.ResponseWriter, r *http.Request, model *schema.Model, b backend.Backend, id string) {
	if id != "" {
		writeError(w, errs.JSONError("streaming writes address the collection, not a single object"))
		return
	}
	defaultAction, ok := actionFor(r.Method)
	if !ok {
		writeError(w, errs.UnknownAction(r.Method, core.Actions()))
		return
	}

	scanner := bufio.NewScanner(r.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	stream := &ndjsonStream{
		gateway: g,
		scanner: scanner,
		model:   model,
		backend: b,
		action:  defaultAction,
	}

	pipe := *g.pipe
	pipe.StopOnError = false
	result, err := pipe.Run(r.Context(), stream)
	if err != nil {
		logAndWriteError(r, w, err)
		return
	}

	w.Header().Set("Content-Type", "application/x-ndjson; charset=utf-8")
	w.WriteHeader(pipeline.BatchStatus(result))
	encoder := json.NewEncoder(w)
	for _, item := range result.Items {
		encoder.Encode(pipeline.ItemBody(item))
	}
}

type ndjsonStream struct {
	gateway *Gateway
	scanner *bufio.Scanner
	model   *schema.Model
	backend backend.Backend
	action  core.Action
}

func (s *ndjsonStream) Next(ctx context.Context) (*pipeline.Item, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	for {
		if !s.scanner.Scan() {
			return nil, s.scanner.Err()
		}
		line := s.scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		payload := map[string]interface{}{}
		if err := json.Unmarshal(line, &payload); err != nil {
			item := s.gateway.newItem(s.model, s.backend, s.action, map[string]interface{}{}, "")
			item.Fail(errs.JSONError(err.Error()))
			return item, nil
		}
		return s.gateway.newItem(s.model, s.backend, s.action, core.RenameMetadata(payload), ""), nil
	}
}

// wipe removes all objects of a model, including its change history.
func (g *Gateway) wipe(w http.ResponseWriter, r *http.Request, model *schema.Model) {
	if r.Method != http.MethodDelete {
		writeError(w, errs.UnknownAction(r.Method, []string{http.MethodDelete}))
		return
	}
	b, berr := g.backendFor(model)
	if berr != nil {
		writeError(w, berr)
		return
	}
	item := &pipeline.Item{
		Model:   model,
		Backend: b,
		Action:  core.ActionWipe,
		Payload: map[string]interface{}{},
	}
	pipe := *g.pipe
	pipe.StopOnError = true
	result, err := pipe.Run(r.Context(), pipeline.FromSlice([]*pipeline.Item{item}))
	if err != nil {
		logAndWriteError(r, w, err)
		return
	}
	only := result.Items[0]
	if only.Error != nil {
		writeError(w, only.Error)
		return
	}
	writeJSON(w, http.StatusOK, pipeline.ItemBody(only))
}

// check validates a payload against the model without writing anything.
func (g *Gateway) check(w http.ResponseWriter, r *http.Request, model *schema.Model) {
	if r.Method != http.MethodPost {
		writeError(w, errs.UnknownAction(r.Method, []string{http.MethodPost}))
		return
	}
	if err := g.auth.Authorize(r.Context(), core.ActionCheck, model); err != nil {
		logAndWriteError(r, w, err)
		return
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, errs.JSONError(err.Error()))
		return
	}
	payload := map[string]interface{}{}
	if len(body) > 0 {
		if err := json.Unmarshal(body, &payload); err != nil {
			writeError(w, errs.JSONError(err.Error()))
			return
		}
	}
	payload = core.RenameMetadata(payload)

	if g.pipe.Validator != nil && model.SchemaID != "" && g.pipe.Validator.HasSchema(model.SchemaID) {
		violations, err := g.pipe.Validator.Validate(payload, model.SchemaID)
		if err != nil {
			logAndWriteError(r, w, err)
			return
		}
		if len(violations) > 0 {
			writeError(w, errs.SchemaViolation(model.Name, violations))
			return
		}
	}
	given, loadErr := data.Load(model, payload)
	if loadErr != nil {
		writeError(w, loadErr)
		return
	}
	if checkErr := data.SimpleCheck(model, given, core.ActionInsert); checkErr != nil {
		writeError(w, checkErr)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"_status": "ok"})
}
