// Package migrations compiles the queue schema into the binary, so a
// freshly imaged gateway can bootstrap its store with nothing on disk
// but the executable. Importing the package (blank import from main
// is enough) hands the embedded files to the database package.
package migrations

import (
	"embed"

	"github.com/meterpoint/metersync/internal/infrastructure/database"
)

//go:embed *.sql
var files embed.FS

func init() {
	database.MigrationsFS = files
	database.MigrationsDir = "." // *.sql sit at the FS root
}
