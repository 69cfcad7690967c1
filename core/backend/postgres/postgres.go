// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

/*Package postgres is the persistent backend. Every model maps to one
table plus a companion changelog table; writes use optimistic revision
checks and reads are compiled through the pgquery builder.
*/
package postgres

import (
	"context"
	"database/sql"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/cockroachdb/errors"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/relabs-tech/datagate/core"
	"github.com/relabs-tech/datagate/core/access"
	"github.com/relabs-tech/datagate/core/backend"
	"github.com/relabs-tech/datagate/core/csql"
	"github.com/relabs-tech/datagate/core/errs"
	"github.com/relabs-tech/datagate/core/schema"
)

// Backend implements backend.Backend on a postgres database.
type Backend struct {
	db   *csql.DB
	auth *access.Authorizer
}

// New creates a postgres backend. The authorizer is needed to compute
// default select lists for queries without an explicit projection.
func New(db *csql.DB, auth *access.Authorizer) *Backend {
	return &Backend{db: db, auth: auth}
}

func (b *Backend) Name() string { return "postgres" }

// GenObjectID returns a fresh random identifier.
func (b *Backend) GenObjectID(ctx context.Context, model *schema.Model) string {
	return uuid.New().String()
}

func (b *Backend) table(model *schema.Model) string {
	return b.db.Schema + ".\"" + model.TableName() + "\""
}

func (b *Backend) changelogTable(model *schema.Model) string {
	return b.db.Schema + ".\"" + model.TableName() + "__changelog\""
}

func (b *Backend) GetOne(ctx context.Context, model *schema.Model, id string) (backend.Row, error) {
	columns, props := storedColumns(model)
	qry, args, err := sq.Select(columns...).
		From(b.table(model)).
		Where(sq.Eq{"\"_id\"": id}).
		PlaceholderFormat(sq.Dollar).
		ToSql()
	if err != nil {
		return nil, errors.Wrap(err, "build getone query")
	}

	values := make([]interface{}, len(columns))
	targets := make([]interface{}, len(columns))
	for i := range values {
		targets[i] = &values[i]
	}
	err = b.db.QueryRowContext(ctx, qry, args...).Scan(targets...)
	if err == sql.ErrNoRows {
		return nil, errs.ItemDoesNotExist(model.Name, id)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "getone %s %s", model.Name, id)
	}

	row := backend.Row{}
	for i, prop := range props {
		value, err := cellValue(prop.prop, values[i])
		if err != nil {
			return nil, errors.Wrapf(err, "decode column %s of %s", prop.name, model.Name)
		}
		row[prop.name] = value
	}
	return row, nil
}

func (b *Backend) Insert(ctx context.Context, model *schema.Model, row backend.Row) (string, error) {
	id := backend.RowID(row)
	if id == "" {
		id = uuid.New().String()
	}

	columns := []string{"\"_id\""}
	values := []interface{}{id}
	if revision := backend.RowRevision(row); revision != "" {
		columns = append(columns, "\"_revision\"")
		values = append(values, revision)
	}
	for _, prop := range model.Properties {
		if isMetaName(prop.Name) {
			continue
		}
		value, ok := row[prop.Name]
		if !ok {
			continue
		}
		cell, err := columnValue(prop, value)
		if err != nil {
			return "", err
		}
		columns = append(columns, "\""+prop.Column()+"\"")
		values = append(values, cell)
	}

	qry, args, err := sq.Insert(b.table(model)).
		Columns(columns...).
		Values(values...).
		PlaceholderFormat(sq.Dollar).
		ToSql()
	if err != nil {
		return "", errors.Wrap(err, "build insert query")
	}
	if _, err := b.db.ExecContext(ctx, qry, args...); err != nil {
		return "", mapSQLError(err, model)
	}
	return id, nil
}

func (b *Backend) Update(ctx context.Context, model *schema.Model, id string, expectedRevision string, patch backend.Row) error {
	upd := sq.Update(b.table(model)).PlaceholderFormat(sq.Dollar)
	assigned := 0
	for key, value := range patch {
		var cell interface{}
		var column string
		if isMetaName(key) {
			column = key
			cell = value
		} else {
			prop, ok := model.Property(key)
			if !ok {
				return errs.PropertyNotFound(model.Name, key)
			}
			column = prop.Column()
			converted, err := columnValue(prop, value)
			if err != nil {
				return err
			}
			cell = converted
		}
		upd = upd.Set("\""+column+"\"", cell)
		assigned++
	}
	if assigned == 0 {
		return nil
	}

	where := sq.Eq{"\"_id\"": id}
	if expectedRevision != "" {
		where["\"_revision\""] = expectedRevision
	}
	qry, args, err := upd.Where(where).ToSql()
	if err != nil {
		return errors.Wrap(err, "build update query")
	}
	result, err := b.db.ExecContext(ctx, qry, args...)
	if err != nil {
		return mapSQLError(err, model)
	}
	count, err := result.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "update rows affected")
	}
	if count == 0 {
		return b.staleOrMissing(ctx, model, id, expectedRevision)
	}
	return nil
}

func (b *Backend) Delete(ctx context.Context, model *schema.Model, id string, expectedRevision string) error {
	where := sq.Eq{"\"_id\"": id}
	if expectedRevision != "" {
		where["\"_revision\""] = expectedRevision
	}
	qry, args, err := sq.Delete(b.table(model)).
		Where(where).
		PlaceholderFormat(sq.Dollar).
		ToSql()
	if err != nil {
		return errors.Wrap(err, "build delete query")
	}
	result, err := b.db.ExecContext(ctx, qry, args...)
	if err != nil {
		return mapSQLError(err, model)
	}
	count, err := result.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "delete rows affected")
	}
	if count == 0 {
		return b.staleOrMissing(ctx, model, id, expectedRevision)
	}
	return nil
}

// staleOrMissing disambiguates a zero-row write: the item either never
// existed or its revision moved on.
func (b *Backend) staleOrMissing(ctx context.Context, model *schema.Model, id, expectedRevision string) error {
	current, err := b.GetOne(ctx, model, id)
	if err != nil {
		return errs.ItemDoesNotExist(model.Name, id)
	}
	revision := backend.RowRevision(current)
	return errs.ConflictingValue(model.Name, "_revision", expectedRevision, revision)
}

func (b *Backend) Wipe(ctx context.Context, model *schema.Model) (int, error) {
	result, err := b.db.ExecContext(ctx, "DELETE FROM "+b.table(model))
	if err != nil {
		return 0, mapSQLError(err, model)
	}
	count, err := result.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, "wipe rows affected")
	}
	if _, err := b.db.ExecContext(ctx, "DELETE FROM "+b.changelogTable(model)); err != nil {
		return int(count), mapSQLError(err, model)
	}
	return int(count), nil
}

func (b *Backend) AppendChange(ctx context.Context, model *schema.Model, entry *backend.ChangeEntry) error {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	patch, err := json.Marshal(entry.Patch)
	if err != nil {
		return errors.Wrap(err, "encode changelog patch")
	}
	err = b.db.QueryRowContext(ctx,
		"INSERT INTO "+b.changelogTable(model)+
			" (txn, timestamp, op, object_id, revision, patch) VALUES ($1, $2, $3, $4, $5, $6) RETURNING serial",
		entry.Txn, entry.Timestamp, string(entry.Action), entry.ID, entry.Revision, patch,
	).Scan(&entry.Serial)
	if err != nil {
		return mapSQLError(err, model)
	}
	return nil
}

func (b *Backend) Changes(ctx context.Context, model *schema.Model, afterSerial int64, limit int) ([]backend.ChangeEntry, error) {
	qry := "SELECT serial, txn, timestamp, op, object_id, revision, patch FROM " +
		b.changelogTable(model) + " WHERE serial > $1 ORDER BY serial"
	args := []interface{}{afterSerial}
	if limit > 0 {
		qry += " LIMIT $2"
		args = append(args, limit)
	}
	rows, err := b.db.QueryContext(ctx, qry, args...)
	if err != nil {
		return nil, mapSQLError(err, model)
	}
	defer rows.Close()

	var result []backend.ChangeEntry
	for rows.Next() {
		var entry backend.ChangeEntry
		var op string
		var patch []byte
		if err := rows.Scan(&entry.Serial, &entry.Txn, &entry.Timestamp, &op, &entry.ID, &entry.Revision, &patch); err != nil {
			return nil, errors.Wrap(err, "scan changelog entry")
		}
		entry.Model = model.Name
		entry.Action = core.Action(op)
		if len(patch) > 0 {
			if err := json.Unmarshal(patch, &entry.Patch); err != nil {
				return nil, errors.Wrap(err, "decode changelog patch")
			}
		}
		result = append(result, entry)
	}
	return result, rows.Err()
}

func isMetaName(name string) bool {
	return len(name) > 0 && name[0] == '_'
}

// mapSQLError converts driver errors into gateway errors where a stable
// mapping exists.
func mapSQLError(err error, model *schema.Model) error {
	if pqErr, ok := err.(*pq.Error); ok {
		switch pqErr.Code {
		case "23505":
			return errs.UniqueConstraint(model.Name, pqErr.Constraint, nil)
		case "23503":
			return errs.InvalidValue(model.Name, pqErr.Constraint, pqErr.Detail)
		}
	}
	return errors.Wrapf(err, "backend postgres, model %s", model.Name)
}
