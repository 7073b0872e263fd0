package recordstore_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"studio/internal/adapters/recordstore"
	"studio/internal/adapters/recordstore/recordstoretest"
)

// TestCircuit_WrapsFailuresAsUnavailable verifies the error contract of the decorator.
func TestCircuit_WrapsFailuresAsUnavailable(t *testing.T) {
	mem := recordstoretest.NewMemory()
	mem.SetDown(true)
	c := recordstore.NewCircuit(mem, recordstore.CircuitConfig{FailureThreshold: 10, OpenTimeout: time.Minute})

	_, err := c.Select(context.Background(), recordstore.TableUsers, nil)
	if !errors.Is(err, recordstore.ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
	if !errors.Is(err, recordstoretest.ErrDown) {
		t.Errorf("expected underlying error to be kept, got %v", err)
	}
}

// TestCircuit_OpensAfterConsecutiveFailures verifies that an open circuit stops calling the store.
func TestCircuit_OpensAfterConsecutiveFailures(t *testing.T) {
	mem := recordstoretest.NewMemory()
	mem.SetDown(true)
	c := recordstore.NewCircuit(mem, recordstore.CircuitConfig{FailureThreshold: 3, OpenTimeout: time.Minute})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := c.Ping(ctx); err == nil {
			t.Fatalf("ping %d: expected error", i)
		}
	}
	if err := c.Ping(ctx); !errors.Is(err, recordstore.ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable from open circuit, got %v", err)
	}
	if n := mem.Calls("ping"); n != 3 {
		t.Errorf("store called %d times, want 3 (open circuit must short-circuit)", n)
	}
}

// TestCircuit_PassesThroughSuccess verifies results are returned unchanged.
func TestCircuit_PassesThroughSuccess(t *testing.T) {
	mem := recordstoretest.NewMemory()
	c := recordstore.NewCircuit(mem, recordstore.DefaultCircuitConfig())
	ctx := context.Background()

	rows, err := c.Insert(ctx, recordstore.TableUsers, []recordstore.Record{{"id": "u-1", "email": "a@b.c"}})
	if err != nil || len(rows) != 1 {
		t.Fatalf("Insert = %v, %v", rows, err)
	}
	if err := c.Delete(ctx, recordstore.TableUsers, recordstore.Filter{"id": "u-1"}); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if got := mem.Rows(recordstore.TableUsers); len(got) != 0 {
		t.Errorf("rows after delete: %+v", got)
	}
}

func TestCheckColumns(t *testing.T) {
	cols, err := recordstore.CheckColumns(recordstore.TableBookings, map[string]any{"status": "x", "id": "y"})
	if err != nil || len(cols) != 2 || cols[0] != "id" || cols[1] != "status" {
		t.Errorf("CheckColumns = %v, %v", cols, err)
	}
	if _, err := recordstore.CheckColumns(recordstore.TableBookings, map[string]any{"password": "x"}); !errors.Is(err, recordstore.ErrUnknownColumn) {
		t.Errorf("expected ErrUnknownColumn, got %v", err)
	}
}

// TestCircuit_ConflictIsNotAFailure verifies that constraint violations pass through
// without tripping the breaker.
func TestCircuit_ConflictIsNotAFailure(t *testing.T) {
	mem := recordstoretest.NewMemory()
	c := recordstore.NewCircuit(mem, recordstore.CircuitConfig{FailureThreshold: 1, OpenTimeout: time.Minute})
	ctx := context.Background()
	row := []recordstore.Record{{"id": "u-1"}}

	if _, err := c.Insert(ctx, recordstore.TableUsers, row); err != nil {
		t.Fatalf("first Insert: %v", err)
	}
	_, err := c.Insert(ctx, recordstore.TableUsers, row)
	if !errors.Is(err, recordstore.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
	if errors.Is(err, recordstore.ErrUnavailable) {
		t.Errorf("conflict reported as unavailable: %v", err)
	}
	if err := c.Ping(ctx); err != nil {
		t.Errorf("circuit opened after a conflict: %v", err)
	}
}
