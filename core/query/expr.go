/*Package query holds the parsed expression model for filters, select
lists, sort keys and source prepare formulas, plus the typed
multiple-dispatch resolver environment that query builders specialize.
*/
package query

import (
	"fmt"
	"strings"
)

// Expr is one node of a parsed expression tree: a function name with
// positional arguments. Arguments are nested *Expr nodes, Bind/Negative/
// Positive references or literal values.
type Expr struct {
	Name string
	Args []interface{}
}

// NewExpr builds an expression node.
func NewExpr(name string, args ...interface{}) *Expr {
	return &Expr{Name: name, Args: args}
}

func (e *Expr) String() string {
	args := make([]string, len(e.Args))
	for i, a := range e.Args {
		args[i] = formatArg(a)
	}
	return e.Name + "(" + strings.Join(args, ",") + ")"
}

func formatArg(a interface{}) string {
	switch v := a.(type) {
	case *Expr:
		return v.String()
	case Bind:
		return v.Name
	case Negative:
		return "-" + v.Name
	case Positive:
		return "+" + v.Name
	case Pair:
		return v.Name + "=" + formatArg(v.Value)
	case string:
		return "'" + v + "'"
	default:
		return fmt.Sprintf("%v", v)
	}
}

// Bind is an unresolved name reference, typically a property name.
type Bind struct {
	Name string
}

// Negative marks a name for descending sort order.
type Negative struct {
	Name string
}

// Positive marks a name for ascending sort order.
type Positive struct {
	Name string
}

// Pair is a keyword argument: a name bound to a value.
type Pair struct {
	Name  string
	Value interface{}
}

// Flatten inlines nested expressions carrying the same operator name, so
// and(a,and(b,c)) contributes a, b and c. Used by binary boolean
// connectives before combining their arguments.
func Flatten(e *Expr) []interface{} {
	var args []interface{}
	for _, a := range e.Args {
		if nested, ok := a.(*Expr); ok && nested.Name == e.Name {
			args = append(args, Flatten(nested)...)
			continue
		}
		args = append(args, a)
	}
	return args
}
