// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

/*
Package client provides easy and fast in-process access to the gateway api

Instead of marshalling HTTP, the client talks directly to the mux router. The client
is the tool of choice if one request handler needs to call other handlers to fulfill
its task. It is also perfectly suited for unit tests.
*/
package client

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/mux"

	"github.com/relabs-tech/datagate/core/access"
)

// Client provides easy access to the gateway API.
type Client struct {
	router     *mux.Router
	httpClient *http.Client
	url        string
	token      string
	scopes     *access.Token
	ctx        context.Context

	defaultHeaders map[string]string
}

// NewWithRouter creates a client to make pseudo-REST requests to the gateway,
// through the mux router
//
// WithScopes() adds an access token to the request context.
// WithContext() specifies a different base context all together.
func NewWithRouter(router *mux.Router) Client {
	return Client{
		router:         router,
		defaultHeaders: map[string]string{},
	}
}

// NewWithURL creates a client to make REST requests to the gateway
//
// WithToken adds an authorization token to the request header.
func NewWithURL(url string) Client {
	return Client{
		url:            url,
		httpClient:     &http.Client{Timeout: 20 * time.Second},
		defaultHeaders: map[string]string{},
	}
}

// WithHeader returns a new client with a default header added
func (c Client) WithHeader(key string, value string) Client {
	c.defaultHeaders[key] = value
	return c
}

// WithToken returns a new client with a bearer token
func (c Client) WithToken(token string) Client {
	c.token = token
	return c
}

// WithScopes returns a new client with a scope token in the request
// context (this works only directly against the mux router, for a
// normal client use WithToken())
func (c Client) WithScopes(clientID string, scopes ...string) Client {
	c.scopes = access.NewToken(clientID, scopes...)
	return c
}

// WithContext returns a new client with specific request context
func (c Client) WithContext(ctx context.Context) Client {
	c.ctx = ctx
	return c
}

// Context returns the base context of all requests made by this client
func (c Client) Context() context.Context {
	ctx := c.ctx
	if c.ctx == nil {
		ctx = context.Background()
	}
	if c.scopes != nil {
		ctx = c.scopes.ContextWithToken(ctx)
	}
	return ctx
}

// Model represents one model of the manifest
type Model struct {
	name       string
	client     *Client
	parameters []string
}

// Model returns a new model client
func (c Client) Model(name string) Model {
	return Model{
		client: &c,
		name:   name,
	}
}

// WithParameter returns a new model client with a URL parameter added.
func (m Model) WithParameter(key string, value string) Model {
	parameter := url.QueryEscape(key) + "=" + url.QueryEscape(value)
	return Model{
		client: m.client,
		name:   m.name,
		// we want a true copy to avoid side effects
		parameters: append(append([]string{}, m.parameters...), parameter),
	}
}

// WithQuery returns a new model client with a filter expression added.
func (m Model) WithQuery(expr string) Model {
	return m.WithParameter("query", expr)
}

// WithSelect returns a new model client with a select list added.
func (m Model) WithSelect(fields string) Model {
	return m.WithParameter("select", fields)
}

// WithSort returns a new model client with sort keys added.
func (m Model) WithSort(keys string) Model {
	return m.WithParameter("sort", keys)
}

// WithLimit returns a new model client with a result window added.
func (m Model) WithLimit(limit, offset int) Model {
	return m.WithParameter("limit", strconv.Itoa(limit)).
		WithParameter("offset", strconv.Itoa(offset))
}

// Path returns the collection path of the model plus optional query strings
func (m Model) Path() string {
	path := "/" + m.name
	if len(m.parameters) > 0 {
		path += "?" + strings.Join(m.parameters, "&")
	}
	return path
}

// ItemPath returns the path of a single object
func (m Model) ItemPath(id string) string {
	return "/" + m.name + "/" + id
}

// Insert creates a new object.
//
// The operation corresponds to a POST request.
//
// Expects http.StatusCreated as response, otherwise it will
// flag an error. Returns the actual http status code.
func (m Model) Insert(body interface{}, result interface{}) (int, error) {
	return m.client.RawPost(m.Path(), body, result)
}

// Upsert inserts the object or updates the already stored one, matched
// by the _where predicate in the body or the model's declared key.
//
// Returns the actual http status code.
func (m Model) Upsert(body interface{}, result interface{}) (int, error) {
	doc, err := withOp(body, "upsert")
	if err != nil {
		return http.StatusBadRequest, err
	}
	return m.client.RawPost(m.Path(), doc, result)
}

// Batch posts multiple documents as one fault tolerant transaction.
func (m Model) Batch(docs []interface{}, result interface{}) (int, error) {
	return m.client.RawPost(m.Path(), map[string]interface{}{"_data": docs}, result)
}

// List gets the collection.
//
// The operation corresponds to a GET request.
func (m Model) List(result interface{}) (int, error) {
	return m.client.RawGet(m.Path(), result)
}

// Get reads a single object.
func (m Model) Get(id string, result interface{}) (int, error) {
	return m.client.RawGet(m.ItemPath(id), result)
}

// Update replaces an object. The body must carry the current _revision.
//
// The operation corresponds to a PUT request.
func (m Model) Update(id string, body interface{}, result interface{}) (int, error) {
	return m.client.RawPut(m.ItemPath(id), body, result)
}

// Patch updates selected fields of an object. The body must carry the
// current _revision.
func (m Model) Patch(id string, body interface{}, result interface{}) (int, error) {
	return m.client.RawPatch(m.ItemPath(id), body, result)
}

// Delete deletes an object.
//
// Expects http.StatusNoContent as response, otherwise it will
// flag an error. Returns the actual http status code.
func (m Model) Delete(id string) (int, error) {
	return m.client.RawDelete(m.ItemPath(id))
}

// PropertyPath returns the path of a single property of an object
func (m Model) PropertyPath(id string, prop string) string {
	return "/" + m.name + "/" + id + "/" + prop
}

// GetProperty reads one property of an object.
func (m Model) GetProperty(id string, prop string, result interface{}) (int, error) {
	return m.client.RawGet(m.PropertyPath(id, prop), result)
}

// UpdateProperty replaces one property of an object. The body must
// carry the current _revision.
func (m Model) UpdateProperty(id string, prop string, body interface{}, result interface{}) (int, error) {
	return m.client.RawPut(m.PropertyPath(id, prop), body, result)
}

// PatchProperty merges a partial value into one property of an object.
// The body must carry the current _revision.
func (m Model) PatchProperty(id string, prop string, body interface{}, result interface{}) (int, error) {
	return m.client.RawPatch(m.PropertyPath(id, prop), body, result)
}

// DeleteProperty sets one property of an object to null. The object
// itself survives, so unlike Delete this returns the updated metadata
// with http.StatusOK.
func (m Model) DeleteProperty(id string, prop string, body interface{}, result interface{}) (int, error) {
	var err error
	j, ok := body.([]byte)
	if !ok {
		j, err = json.Marshal(body)
		if err != nil {
			return http.StatusBadRequest, err
		}
	}
	r, _ := http.NewRequestWithContext(m.client.Context(), http.MethodDelete, m.client.url+m.PropertyPath(id, prop), bytes.NewBuffer(j))
	status, resBody, err := m.client.do(r)
	if err != nil {
		return status, err
	}
	if status != http.StatusOK {
		return status, errors.New(strings.TrimSpace(string(resBody)))
	}
	if resBody != nil && result != nil {
		err = json.Unmarshal(resBody, result)
	}
	return status, err
}

// Changes reads the change feed after the given serial.
func (m Model) Changes(after int64, limit int, result interface{}) (int, error) {
	path := "/" + m.name + "/:changes?after=" + strconv.FormatInt(after, 10)
	if limit > 0 {
		path += "&limit=" + strconv.Itoa(limit)
	}
	return m.client.RawGet(path, result)
}

// Wipe removes all objects of the model including its change history.
func (m Model) Wipe(result interface{}) (int, error) {
	r, _ := http.NewRequestWithContext(m.client.Context(), http.MethodDelete, m.client.url+"/"+m.name+"/:wipe", nil)
	status, resBody, err := m.client.do(r)
	if err != nil {
		return status, err
	}
	if status != http.StatusOK {
		return status, errors.New(strings.TrimSpace(string(resBody)))
	}
	if resBody != nil && result != nil {
		err = json.Unmarshal(resBody, result)
	}
	return status, err
}

// Check validates a document without writing it.
func (m Model) Check(body interface{}) (int, error) {
	return m.client.RawPost("/"+m.name+"/:check", body, nil)
}

func withOp(body interface{}, op string) (interface{}, error) {
	encoded, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	doc := map[string]interface{}{}
	if err := json.Unmarshal(encoded, &doc); err != nil {
		return nil, err
	}
	doc["_op"] = op
	return doc, nil
}

// do executes the request, either in-process through the router or over
// the wire.
func (c *Client) do(r *http.Request) (int, []byte, error) {
	for key, value := range c.defaultHeaders {
		r.Header.Add(key, value)
	}
	if c.router != nil {
		// server handlers expect a non-nil body, as net/http guarantees
		if r.Body == nil {
			r.Body = http.NoBody
		}
		rec := httptest.NewRecorder()
		c.router.ServeHTTP(rec, r)
		return rec.Result().StatusCode, rec.Body.Bytes(), nil
	}
	if c.token != "" {
		r.Header.Add("Authorization", "Bearer "+c.token)
	}
	res, err := c.httpClient.Do(r)
	if err != nil {
		return http.StatusInternalServerError, nil, err
	}
	defer res.Body.Close()
	resBody, _ := io.ReadAll(res.Body)
	return res.StatusCode, resBody, nil
}

// RawGet gets the resource from path. Expects http.StatusOK as response, otherwise it will
// flag an error. Returns the actual http status code.
//
// The path can be extend with query strings.
//
// result can be map[string]interface{} or a raw *[]byte.
// result can be nil.
func (c Client) RawGet(path string, result interface{}) (int, error) {
	r, _ := http.NewRequestWithContext(c.Context(), http.MethodGet, c.url+path, nil)
	status, resBody, err := c.do(r)
	if err != nil {
		return status, err
	}
	if status == http.StatusNoContent {
		return status, nil
	}
	if status != http.StatusOK {
		return status, fmt.Errorf("handler returned wrong status code: got %v want %v. Error: %s",
			status, http.StatusOK, strings.TrimSpace(string(resBody)))
	}
	if resBody != nil && result != nil {
		if raw, ok := result.(*[]byte); ok {
			*raw = resBody
		} else {
			err = json.Unmarshal(resBody, result)
		}
	}
	return status, err
}

// RawPost posts a resource to path. Expects http.StatusCreated or http.StatusOK
// as response, otherwise it will flag an error. Returns the actual http status code.
//
// body can also be a []byte, result can also be raw *[]byte.
// result can be nil.
func (c Client) RawPost(path string, body interface{}, result interface{}) (int, error) {
	var err error
	j, ok := body.([]byte)
	if !ok {
		j, err = json.Marshal(body)
		if err != nil {
			return http.StatusBadRequest, fmt.Errorf("POST to %s: %w", path, err)
		}
	}
	r, _ := http.NewRequestWithContext(c.Context(), http.MethodPost, c.url+path, bytes.NewBuffer(j))
	status, resBody, err := c.do(r)
	if err != nil {
		return status, err
	}
	if status != http.StatusCreated && status != http.StatusOK {
		return status, fmt.Errorf("handler returned wrong status code: got %v want %v. Error: %s",
			status, http.StatusCreated, strings.TrimSpace(string(resBody)))
	}
	if resBody != nil && result != nil {
		if raw, ok := result.(*[]byte); ok {
			*raw = resBody
		} else {
			err = json.Unmarshal(resBody, result)
		}
	}
	return status, err
}

// RawPut puts a resource to path. Expects http.StatusOK, http.StatusCreated or
// http.StatusNoContent as valid responses, otherwise it will flag an error.
// Returns the actual http status code.
//
// body can also be a []byte, result can also be raw *[]byte.
// result can be nil.
func (c Client) RawPut(path string, body interface{}, result interface{}) (int, error) {
	var err error
	j, ok := body.([]byte)
	if !ok {
		j, err = json.Marshal(body)
		if err != nil {
			return http.StatusBadRequest, fmt.Errorf("PUT to %s: %w", path, err)
		}
	}
	r, _ := http.NewRequestWithContext(c.Context(), http.MethodPut, c.url+path, bytes.NewBuffer(j))
	status, resBody, err := c.do(r)
	if err != nil {
		return status, err
	}
	if status != http.StatusOK && status != http.StatusCreated && status != http.StatusNoContent {
		return status, fmt.Errorf("put got status=%d body=%s", status, strings.TrimSpace(string(resBody)))
	}
	if resBody != nil && result != nil {
		if raw, ok := result.(*[]byte); ok {
			*raw = resBody
		} else {
			err = json.Unmarshal(resBody, result)
		}
	}
	return status, err
}

// RawPatch puts a patch to path. Expects http.StatusOK, http.StatusCreated or
// http.StatusNoContent as valid responses, otherwise it will flag an error.
// Returns the actual http status code.
//
// body can also be a []byte, result can also be raw *[]byte.
// result can be nil.
func (c Client) RawPatch(path string, body interface{}, result interface{}) (int, error) {
	var err error
	j, ok := body.([]byte)
	if !ok {
		j, err = json.Marshal(body)
		if err != nil {
			return http.StatusBadRequest, err
		}
	}
	r, _ := http.NewRequestWithContext(c.Context(), http.MethodPatch, c.url+path, bytes.NewBuffer(j))
	status, resBody, err := c.do(r)
	if err != nil {
		return status, err
	}
	if status != http.StatusOK && status != http.StatusCreated && status != http.StatusNoContent {
		return status, errors.New(strings.TrimSpace(string(resBody)))
	}
	if resBody != nil && result != nil {
		if raw, ok := result.(*[]byte); ok {
			*raw = resBody
		} else {
			err = json.Unmarshal(resBody, result)
		}
	}
	return status, err
}

// RawDelete deletes the resource at path. Expects http.StatusNoContent as
// response, otherwise it will flag an error.
//
// Returns the actual http status code.
func (c Client) RawDelete(path string) (int, error) {
	r, _ := http.NewRequestWithContext(c.Context(), http.MethodDelete, c.url+path, nil)
	status, resBody, err := c.do(r)
	if err != nil {
		return status, err
	}
	if status != http.StatusNoContent {
		return status, errors.New(strings.TrimSpace(string(resBody)))
	}
	return status, nil
}
