package health

import (
	"context"
	"sync"
	"testing"
)

func staticChecker(name string, healthy bool, detail string) Checker {
	return func(context.Context) Status {
		return Status{Name: name, Healthy: healthy, Detail: detail}
	}
}

func TestCheckAllEmptyRegistry(t *testing.T) {
	healthy, statuses := NewRegistry().CheckAll(context.Background())
	if !healthy {
		t.Fatal("a registry with nothing to check is healthy")
	}
	if len(statuses) != 0 {
		t.Fatalf("statuses = %d, want none", len(statuses))
	}
}

func TestCheckAllAggregates(t *testing.T) {
	tests := []struct {
		name        string
		rpcHealthy  bool
		dbHealthy   bool
		wantHealthy bool
	}{
		{name: "both up", rpcHealthy: true, dbHealthy: true, wantHealthy: true},
		{name: "database down", rpcHealthy: true, dbHealthy: false, wantHealthy: false},
		{name: "both down", rpcHealthy: false, dbHealthy: false, wantHealthy: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewRegistry()
			r.Register("rpc", staticChecker("rpc", tt.rpcHealthy, ""))
			r.Register("database", staticChecker("database", tt.dbHealthy, "connection refused"))

			healthy, statuses := r.CheckAll(context.Background())
			if healthy != tt.wantHealthy {
				t.Fatalf("healthy = %v, want %v", healthy, tt.wantHealthy)
			}
			if len(statuses) != 2 {
				t.Fatalf("statuses = %d, want 2", len(statuses))
			}
			// Registration order is preserved in the report.
			if statuses[0].Name != "rpc" || statuses[1].Name != "database" {
				t.Errorf("status order = %s, %s", statuses[0].Name, statuses[1].Name)
			}
			if !tt.dbHealthy && statuses[1].Detail != "connection refused" {
				t.Errorf("detail = %q, want the probe's detail", statuses[1].Detail)
			}
		})
	}
}

func TestCheckAllRunsProbesConcurrently(t *testing.T) {
	r := NewRegistry()

	// Each probe blocks until every probe has started. If CheckAll ran
	// them sequentially this would deadlock; the test timeout catches it.
	const probes = 3
	var started sync.WaitGroup
	started.Add(probes)
	for i := 0; i < probes; i++ {
		r.Register("probe", func(context.Context) Status {
			started.Done()
			started.Wait()
			return Status{Name: "probe", Healthy: true}
		})
	}

	healthy, statuses := r.CheckAll(context.Background())
	if !healthy || len(statuses) != probes {
		t.Fatalf("healthy = %v, statuses = %d", healthy, len(statuses))
	}
}

func TestRegisterDuringCheck(t *testing.T) {
	r := NewRegistry()
	var wg sync.WaitGroup

	for i := 0; i < 10; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			r.Register("rpc", staticChecker("rpc", true, ""))
		}()
		go func() {
			defer wg.Done()
			r.CheckAll(context.Background())
		}()
	}
	wg.Wait()
}
