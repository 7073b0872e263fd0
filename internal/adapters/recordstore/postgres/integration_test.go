//go:build integration

package postgres_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"

	"studio/internal/adapters/recordstore"
	"studio/internal/adapters/recordstore/postgres"
)

// setupPostgres starts a migrated database and returns a store on it.
func setupPostgres(t *testing.T) *postgres.Store {
	return setupPostgresPool(t, postgres.PoolConfig{MaxConns: 8})
}

func setupPostgresPool(t *testing.T, poolCfg postgres.PoolConfig) *postgres.Store {
	ctx := context.Background()

	container, err := tcpostgres.Run(ctx, "postgres:16-alpine",
		tcpostgres.WithDatabase("studio"),
		tcpostgres.WithUsername("studio"),
		tcpostgres.WithPassword("studio"),
		tcpostgres.BasicWaitStrategies(),
	)
	if err != nil {
		t.Fatalf("failed to start Postgres container: %v", err)
	}
	t.Cleanup(func() {
		if err := testcontainers.TerminateContainer(container); err != nil {
			t.Logf("failed to terminate container: %v", err)
		}
	})

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("failed to get connection string: %v", err)
	}
	if err := postgres.Migrate(dsn, 15*time.Second); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	// a second run is a no-op
	if err := postgres.Migrate(dsn, 15*time.Second); err != nil {
		t.Fatalf("second Migrate: %v", err)
	}

	pool, err := postgres.NewPool(ctx, dsn, poolCfg)
	if err != nil {
		t.Fatalf("NewPool: %v", err)
	}
	t.Cleanup(pool.Close)
	return postgres.New(pool)
}

func booking(id, userID, status string) recordstore.Record {
	return recordstore.Record{
		"id":        id,
		"user_id":   userID,
		"course_id": "2026100508450930Flexx",
		"status":    status,
		"timestamp": time.Date(2026, time.October, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestIntegration_Store_CRUD(t *testing.T) {
	store := setupPostgres(t)
	ctx := context.Background()

	if err := store.Ping(ctx); err != nil {
		t.Fatalf("Ping: %v", err)
	}
	inserted, err := store.Insert(ctx, recordstore.TableBookings, []recordstore.Record{booking("b-1", "u-1", "Pending")})
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if ts, ok := inserted[0]["timestamp"].(time.Time); !ok || !ts.Equal(time.Date(2026, time.October, 1, 12, 0, 0, 0, time.UTC)) {
		t.Errorf("timestamp = %v", inserted[0]["timestamp"])
	}

	updated, err := store.Update(ctx, recordstore.TableBookings, recordstore.Filter{"id": "b-1"}, recordstore.Record{"status": "Confirmed"})
	if err != nil || len(updated) != 1 || updated[0].String("status") != "Confirmed" {
		t.Fatalf("Update = %+v, %v", updated, err)
	}

	if err := store.Delete(ctx, recordstore.TableBookings, recordstore.Filter{"user_id": "u-1"}); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	rows, err := store.Select(ctx, recordstore.TableBookings, nil)
	if err != nil || len(rows) != 0 {
		t.Fatalf("Select after delete = %+v, %v", rows, err)
	}
}

func TestIntegration_Store_OneActiveBookingIndex(t *testing.T) {
	store := setupPostgres(t)
	ctx := context.Background()

	if _, err := store.Insert(ctx, recordstore.TableBookings, []recordstore.Record{booking("b-1", "u-1", "Pending")}); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	_, err := store.Insert(ctx, recordstore.TableBookings, []recordstore.Record{booking("b-2", "u-1", "Pending")})
	if !errors.Is(err, recordstore.ErrConflict) {
		t.Fatalf("expected ErrConflict for second active booking, got %v", err)
	}
	if _, err := store.Insert(ctx, recordstore.TableBookings, []recordstore.Record{booking("b-3", "u-1", "Cancelled")}); err != nil {
		t.Fatalf("inactive booking rejected: %v", err)
	}
}

func TestIntegration_Store_UpsertCourses(t *testing.T) {
	store := setupPostgres(t)
	ctx := context.Background()
	course := recordstore.Record{
		"id": "2026100508450930Flexx", "name": "Fle.xx", "time": "08:45-09:30",
		"date": time.Date(2026, time.October, 5, 0, 0, 0, 0, time.UTC), "date_display": "Monday, October 5, 2026", "day_of_week": "Monday",
	}
	for i := 0; i < 2; i++ {
		if _, err := store.Upsert(ctx, recordstore.TableCourses, []recordstore.Record{course}, "id"); err != nil {
			t.Fatalf("Upsert #%d: %v", i, err)
		}
	}
	rows, err := store.Select(ctx, recordstore.TableCourses, recordstore.Filter{"id": "2026100508450930Flexx"})
	if err != nil || len(rows) != 1 {
		t.Fatalf("Select = %+v, %v", rows, err)
	}
}

func TestIntegration_Store_SubscribeReceivesNotify(t *testing.T) {
	store := setupPostgres(t)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	events, err := store.Subscribe(ctx, recordstore.TableBookings)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if _, err := store.Insert(ctx, recordstore.TableBookings, []recordstore.Record{booking("b-1", "u-1", "Pending")}); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	select {
	case ev := <-events:
		if ev.Type != recordstore.EventInsert || ev.Table != recordstore.TableBookings || ev.New.String("id") != "b-1" {
			t.Errorf("unexpected event: %+v", ev)
		}
		if ev.Old != nil {
			t.Errorf("insert event carries old record: %+v", ev.Old)
		}
	case <-ctx.Done():
		t.Fatal("no notification received")
	}
}

func TestIntegration_Store_ListenersLeavePoolFree(t *testing.T) {
	store := setupPostgresPool(t, postgres.PoolConfig{MaxConns: 1})
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var bookings <-chan recordstore.ChangeEvent
	for _, table := range recordstore.Tables {
		events, err := store.Subscribe(ctx, table)
		if err != nil {
			t.Fatalf("Subscribe %s: %v", table, err)
		}
		if table == recordstore.TableBookings {
			bookings = events
		}
	}

	queryCtx, queryCancel := context.WithTimeout(ctx, 5*time.Second)
	defer queryCancel()
	if _, err := store.Insert(queryCtx, recordstore.TableBookings, []recordstore.Record{booking("b-1", "u-1", "Pending")}); err != nil {
		t.Fatalf("Insert with every table subscribed: %v", err)
	}
	if rows, err := store.Select(queryCtx, recordstore.TableBookings, nil); err != nil || len(rows) != 1 {
		t.Fatalf("Select = %+v, %v", rows, err)
	}
	select {
	case ev := <-bookings:
		if ev.New.String("id") != "b-1" {
			t.Errorf("unexpected event: %+v", ev)
		}
	case <-ctx.Done():
		t.Fatal("no notification received")
	}
}
