// Package migrations embeds the SQL migration files into the binary so
// the daemon can migrate without the files present on disk.
package migrations

import (
	"embed"

	"github.com/nerrad567/dispenser-relay/internal/infrastructure/database"
)

//go:embed *.sql
var files embed.FS

// Source returns the embedded migrations as a database.Source.
func Source() database.Source {
	return database.Source{FS: files, Dir: "."}
}
