// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	sq "github.com/Masterminds/squirrel"
	"github.com/cockroachdb/errors"

	"github.com/relabs-tech/datagate/core/backend"
	"github.com/relabs-tech/datagate/core/logger"
	"github.com/relabs-tech/datagate/core/query"
	"github.com/relabs-tech/datagate/core/query/pgquery"
	"github.com/relabs-tech/datagate/core/schema"
)

// GetAll compiles the query parameters into a single select statement
// and streams the shaped result rows.
func (b *Backend) GetAll(ctx context.Context, model *schema.Model, params *backend.Params) (backend.Iterator, error) {
	builder := pgquery.New(b.auth).Init(ctx, model, b.db.Schema)

	var where sq.Sqlizer
	if params != nil {
		if params.Select != nil {
			if _, err := builder.Resolve(params.Select); err != nil {
				return nil, err
			}
		} else if params.Count {
			countExpr := query.NewExpr("select", query.NewExpr("count"))
			if _, err := builder.Resolve(countExpr); err != nil {
				return nil, err
			}
		}
		if params.Query != nil {
			cond, err := builder.ResolveFilter(params.Query)
			if err != nil {
				return nil, err
			}
			where = cond
		}
		if params.Sort != nil {
			if _, err := builder.Resolve(params.Sort); err != nil {
				return nil, err
			}
		}
		if params.Limit != nil {
			if _, err := builder.Resolve(query.NewExpr("limit", *params.Limit)); err != nil {
				return nil, err
			}
		}
		if params.Offset != nil {
			if _, err := builder.Resolve(query.NewExpr("offset", *params.Offset)); err != nil {
				return nil, err
			}
		}
	}

	stmt, selected, order, err := builder.Build(where)
	if err != nil {
		return nil, err
	}
	qry, args, err := stmt.ToSql()
	if err != nil {
		return nil, errors.Wrap(err, "build select query")
	}
	logger.FromContext(ctx).Debugln("query:", qry)

	rows, err := b.db.QueryContext(ctx, qry, args...)
	if err != nil {
		return nil, mapSQLError(err, model)
	}
	return &queryIterator{
		rows:     rows,
		width:    len(builder.Columns()),
		selected: selected,
		order:    order,
	}, nil
}

type queryIterator struct {
	rows     *sql.Rows
	width    int
	selected map[string]*pgquery.Selected
	order    []string
	done     bool
}

func (it *queryIterator) Next(ctx context.Context) (backend.Row, error) {
	if it.done {
		return nil, nil
	}
	if err := ctx.Err(); err != nil {
		it.close()
		return nil, err
	}
	if !it.rows.Next() {
		it.close()
		return nil, it.rows.Err()
	}

	values := make([]interface{}, it.width)
	targets := make([]interface{}, it.width)
	for i := range values {
		targets[i] = &values[i]
	}
	if err := it.rows.Scan(targets...); err != nil {
		it.close()
		return nil, errors.Wrap(err, "scan result row")
	}

	row := backend.Row{}
	for _, key := range it.order {
		value, err := shapeSelected(it.selected[key], values)
		if err != nil {
			it.close()
			return nil, err
		}
		setPath(row, key, value)
	}
	return row, nil
}

func (it *queryIterator) close() {
	if !it.done {
		it.done = true
		it.rows.Close()
	}
}

// shapeSelected converts one selected field of a scanned row into its
// output value.
func shapeSelected(sel *pgquery.Selected, values []interface{}) (interface{}, error) {
	switch prep := sel.Prep.(type) {
	case *pgquery.Selected:
		return shapeSelected(prep, values)
	case []*pgquery.Selected:
		// composite natural key, packed into a single identifier
		parts := make([]string, len(prep))
		for i, part := range prep {
			value, err := shapeSelected(part, values)
			if err != nil {
				return nil, err
			}
			parts[i] = fmt.Sprint(value)
		}
		return strings.Join(parts, "/"), nil
	case nil:
		if sel.Item < 0 {
			return nil, nil
		}
		return cellValue(sel.Prop, values[sel.Item])
	default:
		return prep, nil
	}
}

// setPath writes a possibly dotted key into a row, creating nested
// objects along the way.
func setPath(row backend.Row, path string, value interface{}) {
	parts := strings.Split(path, ".")
	current := map[string]interface{}(row)
	for _, part := range parts[:len(parts)-1] {
		next, ok := current[part].(map[string]interface{})
		if !ok {
			next = map[string]interface{}{}
			current[part] = next
		}
		current = next
	}
	current[parts[len(parts)-1]] = value
}
