package supervisor

import (
	"context"
	"io"
	"testing"
	"time"

	"qjazz/internal/cache"
	"qjazz/internal/qgis"
	"qjazz/internal/wire"
	"qjazz/internal/worker"
)

// newConnectedProcess wires a Process directly to an in-process worker
// Runtime over a pipe pair, bypassing subprocess spawning so the supervisor
// layer can be tested without a real QGIS worker binary.
func newConnectedProcess(t *testing.T, name string) (*Process, func()) {
	t.Helper()

	toWorker, fromSupervisor := io.Pipe()
	toSupervisor, fromWorker := io.Pipe()

	workerCodec := wire.NewCodec(toWorker, fromWorker)
	supervisorCodec := wire.NewCodec(toSupervisor, fromSupervisor)

	mgr := cache.NewManager(cache.Config{}, map[string]cache.ProtocolHandler{})
	rt := worker.NewRuntime(workerCodec, qgis.NewFakeHandler(), mgr, nil, worker.Config{}, nil)

	done := make(chan error, 1)
	go func() { done <- rt.Serve() }()

	p := &Process{cfg: ProcessConfig{Name: name}, codec: supervisorCodec, alive: true}
	cleanup := func() {
		_, _ = supervisorCodec, done
	}
	return p, cleanup
}

func TestProcessPing(t *testing.T) {
	p, cleanup := newConnectedProcess(t, "w0")
	defer cleanup()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := p.Ping(ctx); err != nil {
		t.Fatalf("Ping() error = %v", err)
	}
}

func TestProcessQuit(t *testing.T) {
	p, cleanup := newConnectedProcess(t, "w0")
	defer cleanup()

	if err := p.Quit(2 * time.Second); err != nil {
		t.Fatalf("Quit() error = %v", err)
	}
}

func TestProcessCallAfterDeadIsError(t *testing.T) {
	p := &Process{cfg: ProcessConfig{Name: "dead"}, alive: false}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	if err := p.Ping(ctx); err == nil {
		t.Fatal("expected error pinging a dead process")
	}
}
