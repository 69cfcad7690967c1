// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

/*Package gateway is the HTTP surface of the data gateway. It resolves
request paths against the manifest, feeds writes through the staged
pipeline and compiles reads into backend queries.

Model names may contain slashes, so requests are resolved by longest
model-name prefix instead of fixed route patterns.
*/
package gateway

import (
	"net/http"
	"sort"
	"strings"

	"github.com/goccy/go-json"
	"github.com/gorilla/mux"

	"github.com/relabs-tech/datagate/core"
	"github.com/relabs-tech/datagate/core/access"
	"github.com/relabs-tech/datagate/core/backend"
	"github.com/relabs-tech/datagate/core/errs"
	"github.com/relabs-tech/datagate/core/logger"
	"github.com/relabs-tech/datagate/core/pipeline"
	"github.com/relabs-tech/datagate/core/schema"
)

// Gateway routes model requests to their backends.
type Gateway struct {
	manifest *schema.Manifest
	backends map[string]backend.Backend
	fallback backend.Backend
	auth     *access.Authorizer
	pipe     *pipeline.Pipeline
	router   *mux.Router

	// model names, longest first, for path resolution
	modelNames []string
}

// Config assembles a gateway.
type Config struct {
	Manifest *schema.Manifest
	Router   *mux.Router
	// Backends maps backend names to implementations. DefaultBackend
	// serves models that do not name one.
	Backends       map[string]backend.Backend
	DefaultBackend backend.Backend
	Auth           *access.Authorizer
	Validator      *schema.Validator
	Notifier       core.Notifier
}

// New creates the gateway and registers its routes.
func New(cfg Config) (*Gateway, error) {
	if cfg.Auth == nil {
		cfg.Auth = &access.Authorizer{}
	}
	g := &Gateway{
		manifest: cfg.Manifest,
		backends: cfg.Backends,
		fallback: cfg.DefaultBackend,
		auth:     cfg.Auth,
		pipe: &pipeline.Pipeline{
			Auth:      cfg.Auth,
			Validator: cfg.Validator,
			Notifier:  cfg.Notifier,
		},
		router: cfg.Router,
	}
	for name := range cfg.Manifest.Models {
		g.modelNames = append(g.modelNames, name)
	}
	sort.Slice(g.modelNames, func(i, j int) bool {
		return len(g.modelNames[i]) > len(g.modelNames[j])
	})

	g.router.PathPrefix("/").HandlerFunc(g.dispatch)
	return g, nil
}

// Router returns the router the gateway registered on.
func (g *Gateway) Router() *mux.Router { return g.router }

func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.router.ServeHTTP(w, r)
}

// backendFor returns the backend serving a model.
func (g *Gateway) backendFor(model *schema.Model) (backend.Backend, *errs.Error) {
	if model.Backend == "" {
		if g.fallback == nil {
			return nil, errs.ModelNotFound(model.Name)
		}
		return g.fallback, nil
	}
	if b, ok := g.backends[model.Backend]; ok {
		return b, nil
	}
	return nil, errs.ModelNotFound(model.Name)
}

// resolve matches a request path against the manifest and splits off the
// trailing id or subresource.
func (g *Gateway) resolve(path string) (*schema.Model, string, bool) {
	path = strings.Trim(path, "/")
	for _, name := range g.modelNames {
		if path == name {
			return g.manifest.Models[name], "", true
		}
		if strings.HasPrefix(path, name+"/") {
			return g.manifest.Models[name], path[len(name)+1:], true
		}
	}
	return nil, "", false
}

func (g *Gateway) dispatch(w http.ResponseWriter, r *http.Request) {
	model, rest, ok := g.resolve(r.URL.Path)
	if !ok {
		writeError(w, errs.ModelNotFound(strings.Trim(r.URL.Path, "/")))
		return
	}

	switch {
	case rest == ":changes":
		g.getChanges(w, r, model)
	case rest == ":wipe":
		g.wipe(w, r, model)
	case rest == ":check":
		g.check(w, r, model)
	case rest == "":
		switch r.Method {
		case http.MethodGet:
			g.getAll(w, r, model)
		case http.MethodPost:
			g.write(w, r, model, "")
		case http.MethodPut, http.MethodPatch, http.MethodDelete:
			// collection writes select objects with a _where predicate
			g.write(w, r, model, "")
		default:
			writeError(w, errs.UnknownAction(r.Method, nil))
		}
	default:
		if id, propName, found := strings.Cut(rest, "/"); found {
			// property sub-resources address one top level property of
			// an object
			prop, ok := model.Property(propName)
			if !ok {
				writeError(w, errs.PropertyNotFound(model.Name, propName))
				return
			}
			switch r.Method {
			case http.MethodGet:
				g.getProperty(w, r, model, id, prop)
			case http.MethodPut, http.MethodPatch, http.MethodDelete:
				g.writeProperty(w, r, model, id, prop)
			default:
				writeError(w, errs.UnknownAction(r.Method, nil))
			}
			return
		}
		switch r.Method {
		case http.MethodGet:
			g.getOne(w, r, model, rest)
		case http.MethodPut, http.MethodPatch, http.MethodDelete, http.MethodPost:
			g.write(w, r, model, rest)
		default:
			writeError(w, errs.UnknownAction(r.Method, nil))
		}
	}
}

// actionFor derives the write action from the request method. A payload
// _op always wins over the method.
func actionFor(method string) (core.Action, bool) {
	switch method {
	case http.MethodPost:
		return core.ActionInsert, true
	case http.MethodPut:
		return core.ActionUpdate, true
	case http.MethodPatch:
		return core.ActionPatch, true
	case http.MethodDelete:
		return core.ActionDelete, true
	}
	return "", false
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	if status == http.StatusNoContent && body == nil {
		w.WriteHeader(status)
		return
	}
	encoded, err := json.Marshal(body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	w.Write(encoded)
}

func writeError(w http.ResponseWriter, err error) {
	e := errs.As(err)
	writeJSON(w, e.Status, map[string]interface{}{
		"_errors": []interface{}{map[string]interface{}{
			"code":    e.Code,
			"message": e.Message,
			"context": e.Context,
		}},
	})
}

func logAndWriteError(r *http.Request, w http.ResponseWriter, err error) {
	logger.FromContext(r.Context()).WithError(err).Infoln("request failed")
	writeError(w, err)
}
