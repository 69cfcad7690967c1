// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package gateway

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/goccy/go-json"

	"github.com/relabs-tech/datagate/core"
	"github.com/relabs-tech/datagate/core/backend"
	"github.com/relabs-tech/datagate/core/errs"
	"github.com/relabs-tech/datagate/core/query"
	"github.com/relabs-tech/datagate/core/schema"
)

// getAll serves collection reads. The search action applies as soon as a
// filter is present, plain enumeration only needs getall.
func (g *Gateway) getAll(w http.ResponseWriter, r *http.Request, model *schema.Model) {
	b, berr := g.backendFor(model)
	if berr != nil {
		writeError(w, berr)
		return
	}

	params, err := queryParams(r)
	if err != nil {
		writeError(w, err)
		return
	}
	action := core.ActionGetAll
	if params.Query != nil {
		action = core.ActionSearch
	}
	if authErr := g.auth.Authorize(r.Context(), action, model); authErr != nil {
		logAndWriteError(r, w, authErr)
		return
	}

	iter, iterErr := b.GetAll(r.Context(), model, params)
	if iterErr != nil {
		logAndWriteError(r, w, iterErr)
		return
	}

	if wantsNDJSON(r) {
		w.Header().Set("Content-Type", "application/x-ndjson; charset=utf-8")
		encoder := json.NewEncoder(w)
		for {
			row, err := iter.Next(r.Context())
			if err != nil {
				return
			}
			if row == nil {
				return
			}
			encoder.Encode(g.shapeRow(r, action, model, row))
		}
	}

	docs := []interface{}{}
	for {
		row, err := iter.Next(r.Context())
		if err != nil {
			logAndWriteError(r, w, err)
			return
		}
		if row == nil {
			break
		}
		docs = append(docs, g.shapeRow(r, action, model, row))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"_data": docs})
}

func wantsNDJSON(r *http.Request) bool {
	return strings.Contains(r.Header.Get("Accept"), "application/x-ndjson")
}

// queryParams parses the supported request parameters into backend query
// parameters.
func queryParams(r *http.Request) (*backend.Params, *errs.Error) {
	values := r.URL.Query()
	params := &backend.Params{}

	if raw := values.Get("query"); raw != "" {
		expr, err := query.Parse(raw)
		if err != nil {
			return nil, errs.InvalidValue("", "query", raw)
		}
		params.Query = expr
	}
	if raw := values.Get("select"); raw != "" {
		expr, err := query.Parse("select(" + raw + ")")
		if err != nil {
			return nil, errs.InvalidValue("", "select", raw)
		}
		params.Select = expr
	}
	if raw := values.Get("sort"); raw != "" {
		expr, err := query.Parse("sort(" + raw + ")")
		if err != nil {
			return nil, errs.InvalidValue("", "sort", raw)
		}
		params.Sort = expr
	}
	if raw := values.Get("limit"); raw != "" {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || n < 0 {
			return nil, errs.InvalidValue("", "limit", raw)
		}
		params.Limit = &n
	}
	if raw := values.Get("offset"); raw != "" {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || n < 0 {
			return nil, errs.InvalidValue("", "offset", raw)
		}
		params.Offset = &n
	}
	if values.Get("count") == "true" {
		params.Count = true
	}
	return params, nil
}

// getOne serves single object reads.
func (g *Gateway) getOne(w http.ResponseWriter, r *http.Request, model *schema.Model, id string) {
	if err := g.auth.Authorize(r.Context(), core.ActionGetOne, model); err != nil {
		logAndWriteError(r, w, err)
		return
	}
	b, berr := g.backendFor(model)
	if berr != nil {
		writeError(w, berr)
		return
	}
	row, err := b.GetOne(r.Context(), model, id)
	if err != nil {
		logAndWriteError(r, w, err)
		return
	}
	writeJSON(w, http.StatusOK, g.shapeRow(r, core.ActionGetOne, model, row))
}

// getProperty serves one property of an object, wrapped in the usual
// object metadata.
func (g *Gateway) getProperty(w http.ResponseWriter, r *http.Request, model *schema.Model, id string, prop *schema.Property) {
	if err := g.auth.Authorize(r.Context(), core.ActionGetOne, prop); err != nil {
		logAndWriteError(r, w, err)
		return
	}
	b, berr := g.backendFor(model)
	if berr != nil {
		writeError(w, berr)
		return
	}
	row, err := b.GetOne(r.Context(), model, id)
	if err != nil {
		logAndWriteError(r, w, err)
		return
	}
	doc := map[string]interface{}{"_type": model.Name}
	if rowID := backend.RowID(row); rowID != "" {
		doc["_id"] = rowID
	}
	if revision := backend.RowRevision(row); revision != "" {
		doc["_revision"] = revision
	}
	doc[prop.Name] = row[prop.Name]
	writeJSON(w, http.StatusOK, doc)
}

// shapeRow filters a stored row down to the properties the caller is
// authorized to read. Both single object reads and collection reads run
// through here, so a property hidden from one is hidden from the other.
func (g *Gateway) shapeRow(r *http.Request, action core.Action, model *schema.Model, row backend.Row) map[string]interface{} {
	doc := map[string]interface{}{"_type": model.Name}
	if id := backend.RowID(row); id != "" {
		doc["_id"] = id
	}
	if revision := backend.RowRevision(row); revision != "" {
		doc["_revision"] = revision
	}
	if n, ok := row["count()"]; ok {
		doc["count()"] = n
	}
	for _, prop := range model.Properties {
		if strings.HasPrefix(prop.Name, "_") {
			continue
		}
		value, ok := row[prop.Name]
		if !ok {
			continue
		}
		if !g.auth.Authorized(r.Context(), action, prop) {
			continue
		}
		doc[prop.Name] = value
	}
	return doc
}

// getChanges serves the change feed of a model.
func (g *Gateway) getChanges(w http.ResponseWriter, r *http.Request, model *schema.Model) {
	if r.Method != http.MethodGet {
		writeError(w, errs.UnknownAction(r.Method, []string{http.MethodGet}))
		return
	}
	if err := g.auth.Authorize(r.Context(), core.ActionChanges, model); err != nil {
		logAndWriteError(r, w, err)
		return
	}
	b, berr := g.backendFor(model)
	if berr != nil {
		writeError(w, berr)
		return
	}

	var after int64
	limit := 0
	if raw := r.URL.Query().Get("after"); raw != "" {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || n < 0 {
			writeError(w, errs.InvalidValue(model.Name, "after", raw))
			return
		}
		after = n
	}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, errs.InvalidValue(model.Name, "limit", raw))
			return
		}
		limit = n
	}

	entries, err := b.Changes(r.Context(), model, after, limit)
	if err != nil {
		logAndWriteError(r, w, err)
		return
	}
	docs := make([]interface{}, len(entries))
	for i := range entries {
		docs[i] = &entries[i]
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"_data": docs})
}
