package record

import (
	"context"

	"github.com/jmoiron/sqlx"

	"github.com/mohans/schedrun/internal/errors"
)

func init() {
	// modernc.org/sqlite registers as "sqlite", which sqlx has no bindvar entry for
	sqlx.BindDriver("sqlite", sqlx.QUESTION)
}

// Open connects to the relational store. Drivers are registered by the
// caller's imports ("sqlite" via modernc.org/sqlite, "postgres" via lib/pq).
func Open(ctx context.Context, driver, dsn string) (*sqlx.DB, error) {
	db, err := sqlx.Open(driver, dsn)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open %s database", driver)
	}

	if driver == "sqlite" {
		// One writer at a time; also keeps :memory: databases on a single connection
		db.SetMaxOpenConns(1)
		for _, pragma := range []string{"PRAGMA journal_mode = WAL", "PRAGMA busy_timeout = 5000"} {
			if _, err := db.ExecContext(ctx, pragma); err != nil {
				db.Close()
				return nil, errors.Wrapf(err, "failed to apply %q", pragma)
			}
		}
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "failed to reach database")
	}
	return db, nil
}
