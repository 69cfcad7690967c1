package core

import (
	"fmt"
	"strings"

	"github.com/goccy/go-json"
)

// Action represents a data gateway operation requested by a client,
// either a mutation (insert, upsert, update, patch, delete, wipe) or
// a read (getone, getall, search, changes, check).
type Action string

// all supported actions
const (
	ActionInsert  Action = "insert"
	ActionUpsert  Action = "upsert"
	ActionUpdate  Action = "update"
	ActionPatch   Action = "patch"
	ActionDelete  Action = "delete"
	ActionWipe    Action = "wipe"
	ActionGetOne  Action = "getone"
	ActionGetAll  Action = "getall"
	ActionSearch  Action = "search"
	ActionChanges Action = "changes"
	ActionCheck   Action = "check"
)

var allActions = []Action{
	ActionInsert, ActionUpsert, ActionUpdate, ActionPatch, ActionDelete,
	ActionWipe, ActionGetOne, ActionGetAll, ActionSearch, ActionChanges,
	ActionCheck,
}

// ParseAction converts a string into an Action. The second return value
// is false if the string is not a valid action.
func ParseAction(s string) (Action, bool) {
	a := Action(s)
	for _, known := range allActions {
		if a == known {
			return a, true
		}
	}
	return "", false
}

// Actions returns the list of all supported action names.
func Actions() []string {
	names := make([]string, len(allActions))
	for i, a := range allActions {
		names[i] = string(a)
	}
	return names
}

// IsWrite returns true for actions that mutate backend state.
func (a Action) IsWrite() bool {
	switch a {
	case ActionInsert, ActionUpsert, ActionUpdate, ActionPatch, ActionDelete, ActionWipe:
		return true
	}
	return false
}

// UnmarshalJSON is a custom JSON unmarshaller
func (a *Action) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, ok := ParseAction(s)
	if !ok {
		return fmt.Errorf("%s is not a valid action, must be one of %s",
			s, strings.Join(Actions(), ", "))
	}
	*a = parsed
	return nil
}

// metadata keys accepted under their legacy alias names. RenameMetadata
// rewrites them to the canonical underscore-prefixed form.
var metadataAliases = map[string]string{
	"id":          "_id",
	"type":        "_type",
	"revision":    "_revision",
	"transaction": "_txn",
	"where":       "_where",
	"op":          "_op",
}

// RenameMetadata returns a copy of the payload with legacy metadata
// aliases renamed to their canonical names. A canonical key always wins
// over its alias.
func RenameMetadata(payload map[string]interface{}) map[string]interface{} {
	renamed := make(map[string]interface{}, len(payload))
	for key, value := range payload {
		if canonical, ok := metadataAliases[key]; ok {
			if _, exists := payload[canonical]; !exists {
				renamed[canonical] = value
			}
			continue
		}
		renamed[key] = value
	}
	return renamed
}
