// Package all registers every storage backend with the storage registry.
package all

import (
	_ "intunesync/internal/storage/mssql"
	_ "intunesync/internal/storage/postgres"
	_ "intunesync/internal/storage/sqlite"
)
