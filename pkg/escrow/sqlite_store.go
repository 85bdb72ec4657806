package escrow

import (
	"context"
	"database/sql"

	_ "modernc.org/sqlite"

	"github.com/honeycomb-labs/settlement/pkg/util/sqldialect"
)

// NewSQLiteStore opens the escrow tables in db, creating them if needed.
func NewSQLiteStore(ctx context.Context, db *sql.DB) (*SQLStore, error) {
	s := &SQLStore{db: db, dialect: sqldialect.SQLite}
	if err := s.Migrate(ctx); err != nil {
		return nil, err
	}
	return s, nil
}
