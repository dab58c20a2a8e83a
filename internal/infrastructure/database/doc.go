// Package database provides SQLite connectivity for the dispenser relay.
//
// This package manages:
//   - The connection, pinned to a single writer with WAL enabled
//   - Schema migrations read from an fs.FS (see the migrations package)
//   - Health checks and transaction helpers
//
// Security Considerations:
//   - All queries use parameterised statements
//   - The database file is chmod 0600 after creation
//
// Usage:
//
//	db, err := database.Open(database.Config{Path: cfg.Database.Path, WALMode: true, BusyTimeout: 5})
//	if err != nil {
//	    return err
//	}
//	defer db.Close()
//
//	if err := db.Migrate(ctx, migrations.Source()); err != nil {
//	    return err
//	}
//
// Migration files are named YYYYMMDD_HHMMSS_description.up.sql with a
// matching .down.sql. Each file is applied in its own transaction.
package database
