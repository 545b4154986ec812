package supervisor

import (
	"context"
	"testing"
	"time"
)

// newTestPool builds a Pool with n already-connected fake workers, skipping
// Start/spawn entirely.
func newTestPool(t *testing.T, n int) *Pool {
	t.Helper()

	p := NewPool(PoolConfig{
		Name:               "test",
		NumProcesses:       n,
		ProcessTimeout:     2 * time.Second,
		GracePeriod:        time.Second,
		MaxWaitingRequests: n,
	}, nil, nil)

	for i := 0; i < n; i++ {
		proc, _ := newConnectedProcess(t, "test_w")
		p.workers = append(p.workers, proc)
		p.avail <- proc
	}
	return p
}

func TestPoolGetWorkerAndRelease(t *testing.T) {
	p := newTestPool(t, 1)

	ctx := context.Background()
	worker, release, err := p.GetWorker(ctx)
	if err != nil {
		t.Fatalf("GetWorker() error = %v", err)
	}
	if worker == nil {
		t.Fatal("expected a worker")
	}
	if p.AvailableWorkers() != 0 {
		t.Errorf("AvailableWorkers() = %d, want 0 while checked out", p.AvailableWorkers())
	}

	release()
	if p.AvailableWorkers() != 1 {
		t.Errorf("AvailableWorkers() = %d, want 1 after release", p.AvailableWorkers())
	}
}

func TestPoolGetWorkerExhausted(t *testing.T) {
	p := newTestPool(t, 1)
	p.cfg.MaxWaitingRequests = 1

	ctx := context.Background()
	_, release, err := p.GetWorker(ctx)
	if err != nil {
		t.Fatalf("GetWorker() error = %v", err)
	}
	defer release()

	if _, _, err := p.GetWorker(ctx); err == nil {
		t.Fatal("expected pool-exhausted error on second concurrent checkout")
	}
}

func TestPoolShuttingDownRejectsCheckout(t *testing.T) {
	p := newTestPool(t, 1)
	p.shuttingDown.Store(true)

	if _, _, err := p.GetWorker(context.Background()); err == nil {
		t.Fatal("expected error when pool is shutting down")
	}
}

func TestPoolBroadcast(t *testing.T) {
	p := newTestPool(t, 3)

	count := 0
	err := p.Broadcast(context.Background(), func(ctx context.Context, w *Process) error {
		return w.Ping(ctx)
	})
	if err != nil {
		t.Fatalf("Broadcast() error = %v", err)
	}
	_ = count
}

func TestPoolWorkerFailurePressure(t *testing.T) {
	p := newTestPool(t, 2)
	p.workers[0].alive = false

	if got, want := p.WorkerFailurePressure(), 0.5; got != want {
		t.Errorf("WorkerFailurePressure() = %v, want %v", got, want)
	}
}
