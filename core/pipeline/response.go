// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package pipeline

import (
	"net/http"

	"github.com/relabs-tech/datagate/core"
)

// ItemStatus returns the http status of a single-item write.
func ItemStatus(item *Item) int {
	if item.Error != nil {
		return item.Error.Status
	}
	switch item.Action {
	case core.ActionInsert:
		return http.StatusCreated
	case core.ActionUpsert:
		if item.Saved.IsNA() {
			return http.StatusCreated
		}
	case core.ActionDelete, core.ActionWipe:
		return http.StatusNoContent
	}
	return http.StatusOK
}

// ItemBody shapes one processed item into its response document.
func ItemBody(item *Item) map[string]interface{} {
	if item.Error != nil {
		body := map[string]interface{}{
			"_errors": []interface{}{errorDocument(item)},
		}
		if item.ID != "" {
			body["_id"] = item.ID
		}
		return body
	}

	body := map[string]interface{}{}
	if !item.Patch.IsNA() {
		if doc, ok := item.Patch.Interface().(map[string]interface{}); ok {
			for key, value := range doc {
				body[key] = value
			}
		}
	}
	body["_type"] = item.Model.Name
	if item.ID != "" {
		body["_id"] = item.ID
	}
	if item.Revision != "" {
		body["_revision"] = item.Revision
	}
	if item.Action == core.ActionWipe {
		body["_count"] = item.Wiped
	}
	return body
}

func errorDocument(item *Item) map[string]interface{} {
	doc := map[string]interface{}{
		"code":    item.Error.Code,
		"message": item.Error.Message,
	}
	if len(item.Error.Context) > 0 {
		doc["context"] = item.Error.Context
	}
	if item.Model != nil {
		doc["type"] = item.Model.Name
	}
	return doc
}

// BatchStatus returns the http status of a batch response: any failed
// item fails the batch.
func BatchStatus(result *Result) int {
	if result.Failed() {
		return http.StatusBadRequest
	}
	return http.StatusOK
}

// BatchBody shapes a full pipeline result into the transaction response
// envelope.
func BatchBody(result *Result) map[string]interface{} {
	docs := make([]interface{}, len(result.Items))
	for i, item := range result.Items {
		docs[i] = ItemBody(item)
	}
	status := "ok"
	if result.Failed() {
		status = "error"
	}
	return map[string]interface{}{
		"_transaction": result.Txn,
		"_status":      status,
		"_data":        docs,
	}
}
