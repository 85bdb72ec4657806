// Package sqldialect covers the differences between the SQLite and Postgres
// backends that share one set of queries.
package sqldialect

import (
	"strconv"
	"strings"
)

// Dialect describes one SQL backend.
type Dialect struct {
	Name     string
	BlobType string
	// Numbered placeholders ($1, $2, ...) instead of ?
	Numbered bool
}

var (
	SQLite   = Dialect{Name: "sqlite", BlobType: "BLOB"}
	Postgres = Dialect{Name: "postgres", BlobType: "BYTEA", Numbered: true}
)

// Rebind rewrites ? placeholders for the dialect.
func (d Dialect) Rebind(query string) string {
	if !d.Numbered {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
