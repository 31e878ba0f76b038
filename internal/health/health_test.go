package health

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestRegistryEmpty(t *testing.T) {
	r := NewRegistry(0)
	healthy, statuses := r.CheckAll(context.Background())
	if !healthy {
		t.Fatal("empty registry should be healthy")
	}
	if len(statuses) != 0 {
		t.Fatalf("expected 0 statuses, got %d", len(statuses))
	}
}

func TestRegistryAggregation(t *testing.T) {
	r := NewRegistry(0)
	r.Register("database", func(_ context.Context) Status {
		return Status{Healthy: true}
	})
	r.Register("ledger", func(_ context.Context) Status {
		return Status{Healthy: false, Detail: "connection refused"}
	})

	healthy, statuses := r.CheckAll(context.Background())
	if healthy {
		t.Fatal("registry with unhealthy checker should report unhealthy")
	}
	if len(statuses) != 2 {
		t.Fatalf("expected 2 statuses, got %d", len(statuses))
	}
	if statuses[0].Name != "database" {
		t.Errorf("expected registered name to be backfilled, got %q", statuses[0].Name)
	}
	if statuses[1].Detail != "connection refused" {
		t.Fatalf("expected detail 'connection refused', got %q", statuses[1].Detail)
	}
}

func TestPingChecker(t *testing.T) {
	r := NewRegistry(0)
	r.Register("database", PingChecker(func(_ context.Context) error {
		return nil
	}))
	r.Register("vault", PingChecker(func(_ context.Context) error {
		return errors.New("rpc timeout")
	}))

	healthy, statuses := r.CheckAll(context.Background())
	if healthy {
		t.Fatal("failing ping should report unhealthy")
	}
	if statuses[0].Name != "database" || !statuses[0].Healthy {
		t.Errorf("database check = %+v, want healthy", statuses[0])
	}
	if statuses[1].Name != "vault" || statuses[1].Healthy {
		t.Errorf("vault check = %+v, want unhealthy", statuses[1])
	}
	if statuses[1].Detail != "rpc timeout" {
		t.Errorf("vault detail = %q, want rpc timeout", statuses[1].Detail)
	}
}

func TestPerCheckTimeout(t *testing.T) {
	r := NewRegistry(20 * time.Millisecond)
	r.Register("slow", PingChecker(func(ctx context.Context) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(5 * time.Second):
			return nil
		}
	}))

	start := time.Now()
	healthy, _ := r.CheckAll(context.Background())
	if healthy {
		t.Fatal("timed-out checker should report unhealthy")
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("CheckAll took %v, per-check timeout not applied", elapsed)
	}
}

func TestRegistryConcurrentRegisterAndCheck(t *testing.T) {
	r := NewRegistry(0)
	var wg sync.WaitGroup

	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.Register("checker", func(_ context.Context) Status {
				return Status{Healthy: true}
			})
		}()
	}

	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.CheckAll(context.Background())
		}()
	}

	wg.Wait()
}
