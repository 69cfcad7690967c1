/*Package backend defines the primitive contract every storage backend
must satisfy. The write pipeline and the query surface depend only on
this seam; drivers live in the sub-packages.
*/
package backend

import (
	"context"
	"time"

	"github.com/relabs-tech/datagate/core"
	"github.com/relabs-tech/datagate/core/query"
	"github.com/relabs-tech/datagate/core/schema"
)

// Row is one stored object in its JSON-ish form. Internal fields carry
// underscore-prefixed keys, _id and _revision are always present on
// stored rows.
type Row = map[string]interface{}

// Params carries a compiled read request: filter, select, sort and
// window.
type Params struct {
	// Query is the filter expression, nil selects everything.
	Query *query.Expr
	// Select is the select list expression, nil selects all properties
	// the caller is authorized to read.
	Select *query.Expr
	// Sort is the sort expression, nil keeps backend iteration order.
	Sort *query.Expr
	// Limit and Offset window the result, nil means unbounded.
	Limit  *int64
	Offset *int64
	// Count requests the total match count instead of rows.
	Count bool
}

// Iterator is a lazy row sequence. Next returns nil when the sequence is
// exhausted.
type Iterator interface {
	Next(ctx context.Context) (Row, error)
}

// ChangeEntry is one changelog record. Every successful mutation appends
// exactly one entry; downstream sync processes depend on the total order
// of entries per backend.
type ChangeEntry struct {
	Serial    int64                  `json:"_cid"`
	Txn       string                 `json:"_txn"`
	Timestamp time.Time              `json:"_created"`
	Action    core.Action            `json:"_op"`
	Model     string                 `json:"_model"`
	ID        string                 `json:"_id"`
	Revision  string                 `json:"_revision"`
	Patch     map[string]interface{} `json:"patch"`
}

// Backend is the storage primitive contract.
type Backend interface {
	// Name returns the backend's manifest name.
	Name() string

	// GetOne fetches a single row by id. Missing rows yield an
	// ItemDoesNotExist error.
	GetOne(ctx context.Context, model *schema.Model, id string) (Row, error)

	// GetAll runs a compiled read request and returns a lazy row
	// sequence.
	GetAll(ctx context.Context, model *schema.Model, params *Params) (Iterator, error)

	// Insert stores a full new row including its generated _id and
	// _revision and returns the stored id.
	Insert(ctx context.Context, model *schema.Model, row Row) (string, error)

	// Update applies a patch to a stored row. When expectedRevision is
	// not empty the row must still carry that revision, otherwise the
	// update fails with a structured conflict error; it never silently
	// overwrites.
	Update(ctx context.Context, model *schema.Model, id string, expectedRevision string, patch Row) error

	// Delete removes a stored row, with the same revision precondition
	// as Update.
	Delete(ctx context.Context, model *schema.Model, id string, expectedRevision string) error

	// Wipe removes all rows of a model and returns the removed count.
	Wipe(ctx context.Context, model *schema.Model) (int, error)

	// GenObjectID returns a fresh unique identifier for a model row.
	GenObjectID(ctx context.Context, model *schema.Model) string

	// AppendChange appends one changelog entry. The entry is part of
	// the mutation, not optional telemetry.
	AppendChange(ctx context.Context, model *schema.Model, entry *ChangeEntry) error

	// Changes returns the changelog for a model in commit order,
	// starting after the given serial.
	Changes(ctx context.Context, model *schema.Model, afterSerial int64, limit int) ([]ChangeEntry, error)
}

// RowID extracts the _id of a row.
func RowID(row Row) string {
	id, _ := row["_id"].(string)
	return id
}

// RowRevision extracts the _revision of a row.
func RowRevision(row Row) string {
	rev, _ := row["_revision"].(string)
	return rev
}
