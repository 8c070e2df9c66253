// Package testutil holds fixtures shared by package tests.
package testutil

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/mohans/schedrun/record"
)

// CreateTestStore opens a private in-memory SQLite database, applies the
// schema and registers cleanup via t.Cleanup().
func CreateTestStore(t *testing.T, opts ...record.Option) *record.SQLStore {
	t.Helper()

	dsn := fmt.Sprintf("file:schedrun_%s?mode=memory&cache=shared", uuid.NewString())
	db, err := record.Open(context.Background(), "sqlite", dsn)
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	store := record.NewSQLStore(db, opts...)
	if err := store.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate schema: %v", err)
	}
	return store
}

// SeedSchedule inserts a schedule row. Zero-valued identity fields get defaults.
func SeedSchedule(t *testing.T, store *record.SQLStore, sch *record.Schedule) *record.Schedule {
	t.Helper()

	if sch.ScheduleID == "" {
		sch.ScheduleID = "sch-" + uuid.NewString()
	}
	if sch.CanvasID == "" {
		sch.CanvasID = "canvas-" + uuid.NewString()
	}
	if sch.CronExpression == "" {
		sch.CronExpression = "0 * * * *"
	}
	if sch.Timezone == "" {
		sch.Timezone = "UTC"
	}
	now := time.Now().UTC()
	sch.CreatedAt, sch.UpdatedAt = now, now

	_, err := store.DB().NamedExecContext(context.Background(), `INSERT INTO schedules (
		schedule_id, uid, canvas_id, name, cron_expression, timezone, is_enabled,
		next_run_at, deleted_at, created_at, updated_at
	) VALUES (
		:schedule_id, :uid, :canvas_id, :name, :cron_expression, :timezone, :is_enabled,
		:next_run_at, :deleted_at, :created_at, :updated_at)`, sch)
	if err != nil {
		t.Fatalf("seed schedule: %v", err)
	}
	return sch
}

// Exec runs a raw statement against the store's database.
func Exec(t *testing.T, store *record.SQLStore, query string, args ...interface{}) {
	t.Helper()
	if _, err := store.DB().ExecContext(context.Background(), store.DB().Rebind(query), args...); err != nil {
		t.Fatalf("exec %q: %v", query, err)
	}
}

// SeedCredits gives the user an enabled, non-expiring credit balance.
func SeedCredits(t *testing.T, store *record.SQLStore, uid string, balance float64) {
	t.Helper()
	Exec(t, store, `INSERT INTO credit_recharges (uid, balance, enabled, expires_at) VALUES (?, ?, ?, NULL)`, uid, balance, true)
}

// SeedSubscription records an active subscription tier for the user.
func SeedSubscription(t *testing.T, store *record.SQLStore, uid, lookupKey string) {
	t.Helper()
	Exec(t, store, `INSERT INTO subscriptions (uid, lookup_key, status, created_at) VALUES (?, ?, ?, ?)`,
		uid, lookupKey, "active", time.Now().UTC())
}

// SeedUser inserts a user with an email address.
func SeedUser(t *testing.T, store *record.SQLStore, uid, email string) {
	t.Helper()
	Exec(t, store, `INSERT INTO users (uid, email, name) VALUES (?, ?, ?)`, uid, email, uid)
}

// SeedCanvas inserts a canvas with a JSON graph and variables.
func SeedCanvas(t *testing.T, store *record.SQLStore, canvasID, uid, graph, variables string) {
	t.Helper()
	Exec(t, store, `INSERT INTO canvases (canvas_id, uid, title, graph, variables, deleted_at) VALUES (?, ?, ?, ?, ?, NULL)`,
		canvasID, uid, "canvas "+canvasID, graph, variables)
}

// SeedFinishedRecord inserts a terminal record completed at the given time.
func SeedFinishedRecord(t *testing.T, store *record.SQLStore, uid string, status record.Status, completedAt time.Time) {
	t.Helper()
	Exec(t, store, `INSERT INTO schedule_records (
		schedule_record_id, schedule_id, uid, canvas_id, status, priority,
		completed_at, created_at, updated_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		uuid.NewString(), "sch-history", uid, "canvas-history", status, 5,
		completedAt.UTC(), completedAt.UTC(), completedAt.UTC())
}
