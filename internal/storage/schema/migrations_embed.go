package schema

import (
	"embed"
	"io/fs"
)

//go:embed migrations/*.sql
var rawMigrationsFS embed.FS

// MigrationsFS is the dbmate-formatted migration directory applied at
// process startup, rooted at its own contents (rather than the
// "migrations/" prefix embed.FS keeps) so callers can fs.ReadDir(fs, ".")
// directly, following the teacher's internal/migrations/postgres
// embed.FS convention.
var MigrationsFS fs.FS = mustSub(rawMigrationsFS, "migrations")

func mustSub(fsys fs.FS, dir string) fs.FS {
	sub, err := fs.Sub(fsys, dir)
	if err != nil {
		panic(err)
	}
	return sub
}
