// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package postgres

import (
	"context"
	"strings"

	"github.com/cockroachdb/errors"

	"github.com/relabs-tech/datagate/core/logger"
	"github.com/relabs-tech/datagate/core/schema"
)

// EnsureSchema creates the table and the companion changelog table of
// every model served by this backend. Creation is idempotent; existing
// tables are left untouched.
func (b *Backend) EnsureSchema(ctx context.Context, manifest *schema.Manifest) error {
	log := logger.FromContext(ctx)
	for _, model := range manifest.Models {
		if model.Backend != "" && model.Backend != b.Name() {
			continue
		}
		log.WithField("model", model.Name).Debugln("ensure table", model.TableName())
		if err := b.ensureModelTable(ctx, model); err != nil {
			return errors.Wrapf(err, "create table for %s", model.Name)
		}
		if err := b.ensureChangelogTable(ctx, model); err != nil {
			return errors.Wrapf(err, "create changelog table for %s", model.Name)
		}
	}
	return nil
}

func (b *Backend) ensureModelTable(ctx context.Context, model *schema.Model) error {
	var columns []string
	columns = append(columns,
		"\"_id\" uuid NOT NULL DEFAULT uuid_generate_v4()",
		"\"_revision\" varchar NOT NULL DEFAULT ''",
	)
	for _, prop := range model.Properties {
		if isMetaName(prop.Name) {
			continue
		}
		def := "\"" + prop.Column() + "\" " + columnType(prop)
		if prop.Unique {
			def += " UNIQUE"
		}
		columns = append(columns, def)
	}
	columns = append(columns, "PRIMARY KEY(\"_id\")")

	_, err := b.db.ExecContext(ctx, "CREATE TABLE IF NOT EXISTS "+b.table(model)+
		" ("+strings.Join(columns, ", ")+");")
	return err
}

func (b *Backend) ensureChangelogTable(ctx context.Context, model *schema.Model) error {
	_, err := b.db.ExecContext(ctx, "CREATE TABLE IF NOT EXISTS "+b.changelogTable(model)+` (
serial bigserial NOT NULL,
txn uuid NOT NULL,
timestamp timestamp NOT NULL DEFAULT now(),
op varchar NOT NULL,
object_id varchar NOT NULL,
revision varchar NOT NULL DEFAULT '',
patch jsonb NOT NULL DEFAULT '{}'::jsonb,
PRIMARY KEY(serial)
);`)
	return err
}

func columnType(prop *schema.Property) string {
	switch prop.Type {
	case schema.TypeInteger:
		return "bigint"
	case schema.TypeNumber:
		return "double precision"
	case schema.TypeBoolean:
		return "boolean"
	case schema.TypeDate:
		return "date"
	case schema.TypeDateTime:
		return "timestamp"
	case schema.TypeObject, schema.TypeArray, schema.TypeGeneric:
		return "jsonb"
	}
	return "varchar"
}
