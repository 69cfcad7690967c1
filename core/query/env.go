// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package query

import (
	"fmt"
	"reflect"

	"github.com/relabs-tech/datagate/core/errs"
)

// Resolver is a registered expression handler. It receives the concrete
// environment and the already-resolved arguments.
type Resolver func(env interface{}, args []interface{}) (interface{}, error)

// ExprResolver is a handler that receives the raw, unresolved expression
// node. Used by functions that control the resolution of their own
// arguments, such as boolean connectives and select.
type ExprResolver func(env interface{}, expr *Expr) (interface{}, error)

// Any matches any argument type, including nil.
var Any = reflect.TypeOf((*interface{})(nil)).Elem()

// TypeOf is a registration helper returning the reflect type of a sample
// value. Pass a pointer sample for pointer types.
func TypeOf(sample interface{}) reflect.Type {
	return reflect.TypeOf(sample)
}

type handler struct {
	types []reflect.Type
	fn    Resolver
	raw   ExprResolver
}

// Registry maps (function name, argument type signature) pairs to
// handlers. Resolution picks the most specific handler whose signature
// matches the actual argument types: exact matches beat interface and Any
// matches, ties are reported as errors, never resolved by registration
// order.
type Registry struct {
	handlers map[string][]handler
}

// NewRegistry creates an empty resolver registry.
func NewRegistry() *Registry {
	return &Registry{handlers: map[string][]handler{}}
}

// Clone returns a copy of the registry that can be extended without
// affecting the original. Base environments share a registry, backend
// specializations clone and extend it.
func (r *Registry) Clone() *Registry {
	clone := NewRegistry()
	for name, hs := range r.handlers {
		clone.handlers[name] = append([]handler(nil), hs...)
	}
	return clone
}

// Register adds a handler for a function name with an expected argument
// type signature.
func (r *Registry) Register(name string, types []reflect.Type, fn Resolver) {
	r.handlers[name] = append(r.handlers[name], handler{types: types, fn: fn})
}

// RegisterExpr adds a raw-expression handler for a function name.
func (r *Registry) RegisterExpr(name string, fn ExprResolver) {
	r.handlers[name] = append(r.handlers[name], handler{raw: fn})
}

// Env evaluates expression trees against a registry, bottom-up with
// dynamic dispatch over the resolved argument types. Self is the concrete
// environment handed to every handler, e.g. a SQL query builder.
type Env struct {
	Registry *Registry
	Self     interface{}
}

// Resolve evaluates one expression tree node. Non-expression nodes
// resolve to themselves.
func (e *Env) Resolve(node interface{}) (interface{}, error) {
	expr, ok := node.(*Expr)
	if !ok {
		return node, nil
	}

	handlers := e.Registry.handlers[expr.Name]
	for _, h := range handlers {
		if h.raw != nil {
			return h.raw(e.Self, expr)
		}
	}

	args := make([]interface{}, len(expr.Args))
	for i, a := range expr.Args {
		resolved, err := e.Resolve(a)
		if err != nil {
			return nil, err
		}
		args[i] = resolved
	}
	return e.Call(expr.Name, args...)
}

// ResolveArgs resolves every argument of an expression. Raw-expression
// handlers use it to resolve the arguments they want resolved.
func (e *Env) ResolveArgs(expr *Expr) ([]interface{}, error) {
	args := make([]interface{}, len(expr.Args))
	for i, a := range expr.Args {
		resolved, err := e.Resolve(a)
		if err != nil {
			return nil, err
		}
		args[i] = resolved
	}
	return args, nil
}

// Call dispatches a function over already-resolved arguments, picking the
// most specific matching handler.
func (e *Env) Call(name string, args ...interface{}) (interface{}, error) {
	handlers := e.Registry.handlers[name]
	best := -1
	bestScore := -1
	ambiguous := false
	for i, h := range handlers {
		if h.raw != nil {
			continue
		}
		score, ok := matchScore(h.types, args)
		if !ok {
			continue
		}
		if score > bestScore {
			best, bestScore, ambiguous = i, score, false
		} else if score == bestScore {
			ambiguous = true
		}
	}
	if best < 0 {
		return nil, errs.UnknownExpr(name, formatCall(name, args))
	}
	if ambiguous {
		return nil, fmt.Errorf("ambiguous resolver dispatch for %s", formatCall(name, args))
	}
	return handlers[best].fn(e.Self, args)
}

// matchScore scores a signature against actual arguments: 2 per exact
// type match, 1 per interface or Any match. The second return value is
// false if any argument does not match.
func matchScore(types []reflect.Type, args []interface{}) (int, bool) {
	if len(types) != len(args) {
		return 0, false
	}
	score := 0
	for i, expected := range types {
		if expected == Any {
			score++
			continue
		}
		if args[i] == nil {
			return 0, false
		}
		actual := reflect.TypeOf(args[i])
		switch {
		case actual == expected:
			score += 2
		case expected.Kind() == reflect.Interface && actual.Implements(expected):
			score++
		default:
			return 0, false
		}
	}
	return score, true
}

func formatCall(name string, args []interface{}) string {
	return (&Expr{Name: name, Args: args}).String()
}
