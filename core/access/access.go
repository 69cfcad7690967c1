/*Package access provides scope based authorization for manifest nodes.

A client credential carries a set of scope strings. A scope grants one
action on one node: the scope for action "getall" on model "country" is
"datagate_country_getall". Scopes compose hierarchically: a scope granted
on a namespace covers every model below it, and a scope granted on a model
covers its non-hidden properties.
*/
package access

import (
	"context"
	"strings"

	"github.com/relabs-tech/datagate/core"
	"github.com/relabs-tech/datagate/core/errs"
	"github.com/relabs-tech/datagate/core/schema"
)

// contextKey is the type for context keys. Go linter does not like plain strings
type contextKey string

const contextKeyToken contextKey = "_token_"

// Token is an authenticated client credential: the client id plus the
// scopes granted to it.
type Token struct {
	ClientID string
	scopes   map[string]struct{}
}

// NewToken creates a token for a client with the given scopes.
func NewToken(clientID string, scopes ...string) *Token {
	t := &Token{ClientID: clientID, scopes: make(map[string]struct{}, len(scopes))}
	for _, s := range scopes {
		t.scopes[s] = struct{}{}
	}
	return t
}

// HasScope returns true if the token carries the requested scope.
func (t *Token) HasScope(scope string) bool {
	if t == nil {
		return false
	}
	_, ok := t.scopes[scope]
	return ok
}

// HasAnyScope returns true if the token carries at least one of the
// requested scopes.
func (t *Token) HasAnyScope(scopes []string) bool {
	for _, s := range scopes {
		if t.HasScope(s) {
			return true
		}
	}
	return false
}

// ContextWithToken returns a new context with this token added to it
func (t *Token) ContextWithToken(ctx context.Context) context.Context {
	return context.WithValue(ctx, contextKeyToken, t)
}

// TokenFromContext retrieves a token from the context
func TokenFromContext(ctx context.Context) *Token {
	t, ok := ctx.Value(contextKeyToken).(*Token)
	if ok {
		return t
	}
	return nil
}

// Authorizer checks tokens against manifest nodes.
type Authorizer struct {
	// ScopePrefix is prepended to every scope name. Defaults to "datagate_".
	ScopePrefix string
	// DefaultClient is the client id assigned to requests without a
	// credential. Defaults to "default".
	DefaultClient string
}

func (a *Authorizer) prefix() string {
	if a == nil || a.ScopePrefix == "" {
		return "datagate_"
	}
	return a.ScopePrefix
}

func (a *Authorizer) defaultClient() string {
	if a == nil || a.DefaultClient == "" {
		return "default"
	}
	return a.DefaultClient
}

var scopeCleaner = strings.NewReplacer("/", "_", ".", "_", "-", "_", ":", "_")

// ScopeName builds the scope string for an action on a named node. An
// empty name yields the catalog-wide scope for the action.
func (a *Authorizer) ScopeName(name string, action core.Action) string {
	if name == "" {
		return a.prefix() + string(action)
	}
	return a.prefix() + strings.ToLower(scopeCleaner.Replace(name)) + "_" + string(action)
}

// Authorize checks that the context's token may perform action on node
// and returns a structured error if it may not.
//
// The rules are:
//   - anonymous clients only reach open nodes, anything else fails with
//     AuthorizedClientsOnly before any scope check
//   - open nodes require no scope at all
//   - a non-hidden property accepts its model's scope or any ancestor
//     namespace scope; a hidden property requires its explicit scope
//   - models accept any ancestor namespace scope
//   - nodes with private access require their explicit node scope
func (a *Authorizer) Authorize(ctx context.Context, action core.Action, node schema.Node) error {
	token := TokenFromContext(ctx)

	// Unauthorized clients can only access open nodes.
	anonymous := token == nil || token.ClientID == a.defaultClient()
	access := nodeAccess(node)
	if anonymous && access < schema.AccessOpen {
		return errs.AuthorizedClientsOnly()
	}
	// open nodes need no scope at all
	if access == schema.AccessOpen {
		return nil
	}

	var names []string

	// Inherited scopes don't reach private nodes.
	if access > schema.AccessPrivate {
		var ns *schema.Namespace
		switch n := node.(type) {
		case *schema.Property:
			// Hidden properties require their explicit scope.
			if !n.Hidden {
				names = append(names, n.Model.Name)
				ns = n.Model.Ns()
				if ns != nil {
					names = append(names, ns.Name)
				}
			}
		case *schema.Model:
			ns = n.Ns()
			if ns != nil {
				names = append(names, ns.Name)
			}
		case *schema.Namespace:
			ns = n
		}
		if ns != nil {
			names = append(names, ns.Parents()...)
		}
		// the catalog-wide scope
		names = append(names, "")
	}

	// The explicit node scope always counts.
	names = append(names, node.NodeName())

	scopes := make([]string, len(names))
	for i, name := range names {
		scopes[i] = a.ScopeName(name, action)
	}
	if token.HasAnyScope(scopes) {
		return nil
	}
	return errs.InsufficientScope(scopes)
}

// Authorized is like Authorize but reports the result as a bool.
func (a *Authorizer) Authorized(ctx context.Context, action core.Action, node schema.Node) bool {
	return a.Authorize(ctx, action, node) == nil
}

// CheckScope checks a flat non-node scope, e.g. "set_meta_fields" for
// clients that may set _id explicitly.
func (a *Authorizer) CheckScope(ctx context.Context, scope string) error {
	token := TokenFromContext(ctx)
	full := a.prefix() + scope
	if token.HasScope(full) {
		return nil
	}
	return errs.InsufficientScope([]string{full})
}

func nodeAccess(node schema.Node) schema.Access {
	switch n := node.(type) {
	case *schema.Property:
		return n.Access
	case *schema.Model:
		return n.Access
	case *schema.Namespace:
		return n.Access
	}
	return schema.AccessPrivate
}
