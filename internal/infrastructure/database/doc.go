// Package database provides SQLite connectivity for the device hub.
//
// It opens the database with WAL mode and a busy timeout, and applies
// schema migrations read from an fs.FS (normally the embedded
// migrations package).
//
// Usage:
//
//	db, err := database.Open(ctx, database.Config{Path: cfg.Database.Path, WALMode: true})
//	if err != nil {
//	    return err
//	}
//	defer db.Close()
//
//	if err := db.Migrate(ctx, migrations.FS); err != nil {
//	    return err
//	}
//
// Migration files are named VERSION_description.up.sql where VERSION is
// YYYYMMDD_HHMMSS. They are additive: new columns are nullable or carry
// a default.
package database
