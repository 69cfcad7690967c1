/*Package errs defines the user-facing error taxonomy of the data gateway.

Every error carries a machine-readable code, an HTTP status and a structured
context map, so that clients and tests can assert on errors without matching
message prose.
*/
package errs

import (
	"fmt"
	"net/http"
	"sort"
	"strings"
)

// Error is a structured, user-facing gateway error.
type Error struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Status  int                    `json:"-"`
	Context map[string]interface{} `json:"context,omitempty"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if len(e.Context) == 0 {
		return e.Code + ": " + e.Message
	}
	keys := make([]string, 0, len(e.Context))
	for k := range e.Context {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = fmt.Sprintf("%s=%v", k, e.Context[k])
	}
	return e.Code + ": " + e.Message + " (" + strings.Join(parts, ", ") + ")"
}

// IsFatal reports whether the error must abort the whole request even in
// fault-tolerant mode. Authorization and integrity errors are never
// suppressed.
func (e *Error) IsFatal() bool {
	switch e.Code {
	case "InsufficientScope", "AuthorizedClientsOnly", "InternalError", "UnknownExpr", "UnknownAction":
		return true
	}
	return false
}

// As extracts an *Error from any error value, converting unknown errors
// into an InternalError so that no raw error ever reaches a client.
func As(err error) *Error {
	if err == nil {
		return nil
	}
	if e, ok := err.(*Error); ok {
		return e
	}
	return &Error{
		Code:    "InternalError",
		Message: err.Error(),
		Status:  http.StatusInternalServerError,
	}
}

func newError(code, message string, status int, ctx map[string]interface{}) *Error {
	return &Error{Code: code, Message: message, Status: status, Context: ctx}
}

// ItemDoesNotExist reports a mutation target that could not be found.
func ItemDoesNotExist(model, id string) *Error {
	return newError("ItemDoesNotExist", "item does not exist", http.StatusNotFound,
		map[string]interface{}{"model": model, "id": id})
}

// MultipleRowsFound reports a supposedly unique filter matching more than
// one row. This is a data integrity violation, the gateway never silently
// picks one of the matches.
func MultipleRowsFound(model, id string) *Error {
	return newError("MultipleRowsFound", "multiple rows found", http.StatusBadRequest,
		map[string]interface{}{"model": model, "id": id})
}

// InsufficientScope reports a credential lacking the scope required for an
// action on a node.
func InsufficientScope(scopes []string) *Error {
	return newError("InsufficientScope", "missing one of required scopes", http.StatusForbidden,
		map[string]interface{}{"scopes": scopes})
}

// AuthorizedClientsOnly reports an anonymous client reaching for a node
// that is not open.
func AuthorizedClientsOnly() *Error {
	return newError("AuthorizedClientsOnly", "authorized clients only", http.StatusUnauthorized, nil)
}

// ManagedProperty reports an attempt to set a property that is managed by
// the gateway itself.
func ManagedProperty(model, property string) *Error {
	return newError("ManagedProperty", "property is managed by the gateway", http.StatusBadRequest,
		map[string]interface{}{"model": model, "property": property})
}

// NoItemRevision reports a property update or patch without the optimistic
// concurrency revision token.
func NoItemRevision(model string) *Error {
	return newError("NoItemRevision", "update requires _revision", http.StatusConflict,
		map[string]interface{}{"model": model})
}

// ConflictingValue reports a metadata value that does not match the stored
// one, typically a stale revision.
func ConflictingValue(model, property string, given, expected interface{}) *Error {
	return newError("ConflictingValue", "conflicting value", http.StatusConflict,
		map[string]interface{}{
			"model":    model,
			"property": property,
			"given":    given,
			"expected": expected,
		})
}

// UniqueConstraint reports a write that would duplicate a unique property.
func UniqueConstraint(model, property string, value interface{}) *Error {
	return newError("UniqueConstraint", "value must be unique", http.StatusBadRequest,
		map[string]interface{}{"model": model, "property": property, "value": value})
}

// FieldNotInResource reports an unknown property name.
func FieldNotInResource(model, property string) *Error {
	return newError("FieldNotInResource", "unknown property", http.StatusBadRequest,
		map[string]interface{}{"model": model, "property": property})
}

// PropertyNotFound reports a select/filter referencing an unknown or
// unauthorized property.
func PropertyNotFound(model, property string) *Error {
	return newError("PropertyNotFound", "property not found", http.StatusBadRequest,
		map[string]interface{}{"model": model, "property": property})
}

// ModelNotFound reports an unknown model name.
func ModelNotFound(model string) *Error {
	return newError("ModelNotFound", "unknown model", http.StatusNotFound,
		map[string]interface{}{"model": model})
}

// UnknownAction reports an unsupported _op value.
func UnknownAction(action string, supported []string) *Error {
	return newError("UnknownAction", "unknown action", http.StatusBadRequest,
		map[string]interface{}{"action": action, "supported": supported})
}

// UnknownExpr reports a query expression the resolver environment has no
// handler for. This indicates a manifest or resolver bug and is fatal.
func UnknownExpr(name, expr string) *Error {
	return newError("UnknownExpr", "unknown expression", http.StatusInternalServerError,
		map[string]interface{}{"name": name, "expr": expr})
}

// InvalidValue reports a payload value that does not match the declared
// data type of its property.
func InvalidValue(model, property string, value interface{}) *Error {
	return newError("InvalidValue", "invalid value", http.StatusBadRequest,
		map[string]interface{}{"model": model, "property": property, "value": value})
}

// MissingRequiredProperty reports an absent required field.
func MissingRequiredProperty(model, property string) *Error {
	return newError("MissingRequiredProperty", "missing required property", http.StatusBadRequest,
		map[string]interface{}{"model": model, "property": property})
}

// JSONError reports a malformed JSON payload.
func JSONError(detail string) *Error {
	return newError("JSONError", "invalid json data", http.StatusBadRequest,
		map[string]interface{}{"error": detail})
}

// UnknownContentType reports an unsupported request content type.
func UnknownContentType(contentType string, supported []string) *Error {
	return newError("UnknownContentType", "unknown content type", http.StatusUnsupportedMediaType,
		map[string]interface{}{"content_type": contentType, "supported": supported})
}

// OutOfScope reports a batch item addressing a model outside the request's
// target namespace.
func OutOfScope(model, scope string) *Error {
	return newError("OutOfScope", "model is out of request scope", http.StatusBadRequest,
		map[string]interface{}{"model": model, "scope": scope})
}

// SchemaViolation reports a payload rejected by the model's declared JSON
// schema.
func SchemaViolation(model string, details []string) *Error {
	return newError("SchemaViolation", "payload does not follow schema", http.StatusBadRequest,
		map[string]interface{}{"model": model, "details": details})
}

// Internal wraps an unexpected backend or programming error.
func Internal(err error) *Error {
	return newError("InternalError", err.Error(), http.StatusInternalServerError, nil)
}
