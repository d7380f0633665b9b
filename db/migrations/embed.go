// Package migrations embeds the schema migration files, one set per SQL
// dialect. Files apply in ascending order by filename.
package migrations

import (
	"embed"
	"io/fs"
)

//go:embed sqlite/*.sql
var sqliteFS embed.FS

//go:embed postgres/*.sql
var postgresFS embed.FS

var (
	SQLite   = mustSub(sqliteFS, "sqlite")
	Postgres = mustSub(postgresFS, "postgres")
)

func mustSub(fsys fs.FS, dir string) fs.FS {
	sub, err := fs.Sub(fsys, dir)
	if err != nil {
		panic(err)
	}
	return sub
}
