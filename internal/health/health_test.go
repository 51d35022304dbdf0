package health

import (
	"context"
	"fmt"
	"sync"
	"testing"
)

func healthyProbe(name string) Checker {
	return func(_ context.Context) Status {
		return Status{Name: name, Healthy: true}
	}
}

func TestRegistry_Empty(t *testing.T) {
	healthy, statuses := NewRegistry().CheckAll(context.Background())
	if !healthy {
		t.Fatal("empty registry should be healthy")
	}
	if len(statuses) != 0 {
		t.Fatalf("expected no statuses, got %d", len(statuses))
	}
}

func TestRegistry_AggregatesProbes(t *testing.T) {
	r := NewRegistry()
	r.Register("database", healthyProbe("database"))
	r.Register("chain", func(_ context.Context) Status {
		return Status{Name: "chain", Healthy: false, Detail: "rpc timeout"}
	})

	healthy, statuses := r.CheckAll(context.Background())
	if healthy {
		t.Fatal("one failing probe should fail the aggregate")
	}
	if len(statuses) != 2 {
		t.Fatalf("expected 2 statuses, got %d", len(statuses))
	}
	if statuses[0].Name != "database" || statuses[1].Name != "chain" {
		t.Fatalf("expected registration order preserved, got %v", statuses)
	}
	if statuses[1].Detail != "rpc timeout" {
		t.Fatalf("expected probe detail carried through, got %q", statuses[1].Detail)
	}
}

func TestRegistry_ReregisterReplaces(t *testing.T) {
	r := NewRegistry()
	r.Register("database", func(_ context.Context) Status {
		return Status{Name: "database", Healthy: false}
	})
	r.Register("database", healthyProbe("database"))

	healthy, statuses := r.CheckAll(context.Background())
	if !healthy {
		t.Fatal("replacement probe should win")
	}
	if len(statuses) != 1 {
		t.Fatalf("expected a single status, got %d", len(statuses))
	}
}

func TestRegistry_ConcurrentUse(t *testing.T) {
	r := NewRegistry()
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			name := fmt.Sprintf("probe-%d", n)
			r.Register(name, healthyProbe(name))
		}(i)
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.CheckAll(context.Background())
		}()
	}
	wg.Wait()

	healthy, statuses := r.CheckAll(context.Background())
	if !healthy || len(statuses) != 10 {
		t.Fatalf("expected 10 healthy probes, got healthy=%v n=%d", healthy, len(statuses))
	}
}
