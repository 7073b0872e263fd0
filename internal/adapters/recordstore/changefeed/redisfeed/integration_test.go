//go:build integration

package redisfeed_test

import (
	"context"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"studio/internal/adapters/recordstore"
	"studio/internal/adapters/recordstore/changefeed/redisfeed"
)

// setupRedis starts a Redis container and returns its address.
func setupRedis(t *testing.T) string {
	ctx := context.Background()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForListeningPort("6379/tcp"),
		},
		Started: true,
	})
	if err != nil {
		t.Fatalf("failed to start Redis container: %v", err)
	}
	t.Cleanup(func() {
		if err := testcontainers.TerminateContainer(container); err != nil {
			t.Logf("failed to terminate container: %v", err)
		}
	})

	addr, err := container.Endpoint(ctx, "")
	if err != nil {
		t.Fatalf("failed to get Redis endpoint: %v", err)
	}
	return addr
}

func TestIntegration_Broadcaster_PublishSubscribe(t *testing.T) {
	addr := setupRedis(t)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	client, err := redisfeed.NewClient(ctx, redisfeed.Options{Addr: addr})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	defer client.Close()

	feed := redisfeed.New(client, "")
	events, err := feed.Subscribe(ctx, recordstore.TableBookings)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	want := recordstore.ChangeEvent{
		Table: recordstore.TableBookings,
		Type:  recordstore.EventUpdate,
		New:   recordstore.Record{"id": "b-1", "status": "Confirmed"},
		Old:   recordstore.Record{"id": "b-1", "status": "Pending"},
	}
	if err := feed.Publish(ctx, want); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	select {
	case got := <-events:
		if got.Type != want.Type || got.New.String("status") != "Confirmed" || got.Old.String("status") != "Pending" {
			t.Errorf("unexpected event: %+v", got)
		}
	case <-ctx.Done():
		t.Fatal("no event received")
	}
}

func TestIntegration_NewClient_Unreachable(t *testing.T) {
	_, err := redisfeed.NewClient(context.Background(), redisfeed.Options{Addr: "127.0.0.1:1"})
	if err == nil {
		t.Fatal("expected error for unreachable redis")
	}
}
