package escrow

import (
	"database/sql"

	_ "github.com/lib/pq"

	"github.com/honeycomb-labs/settlement/pkg/util/sqldialect"
)

// NewPostgresStore uses db as-is; call Migrate to create the schema.
func NewPostgresStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db, dialect: sqldialect.Postgres}
}
