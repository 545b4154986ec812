// Package supervisor owns the fleet of worker subprocesses behind one RPC
// service: spawning and restarting them, dispatching requests fairly across
// idle workers, and broadcasting cache/config management calls to all of
// them.
package supervisor

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"qjazz/internal/wire"
	"qjazz/pkg/apperror"
)

// ProcessConfig describes how to spawn one worker subprocess.
type ProcessConfig struct {
	Name       string
	Command    string
	Args       []string
	Env        []string
	RendezVous string // path to the busy/idle FIFO; empty disables rendez-vous tracking
}

// Process is one worker subprocess and the single-in-flight RPC client
// talking to it over its stdin/stdout pipe. The wire protocol allows exactly
// one outstanding request per worker, so every call serializes on mu.
type Process struct {
	cfg ProcessConfig

	mu       sync.Mutex
	cmd      *exec.Cmd
	codec    *wire.Codec
	alive    bool
	rv       *rendezVousReader
	draining atomic.Bool
}

// NewProcess builds an unstarted Process.
func NewProcess(cfg ProcessConfig) *Process {
	return &Process{cfg: cfg}
}

// Name returns the worker's configured identity, used in logs and metrics.
func (p *Process) Name() string { return p.cfg.Name }

// IsAlive reports whether the subprocess is still running, as observed by
// the last Wait/signal check — not a liveness probe.
func (p *Process) IsAlive() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.alive
}

// IsIdle reports whether the worker is safe to hand to a new request: not
// mid-drain from a just-cancelled call, and, when rendez-vous tracked,
// reporting idle on its busy/idle FIFO. A worker can be alive and yet not
// idle — cancelled but still unwinding its last response.
func (p *Process) IsIdle() bool {
	if p.draining.Load() {
		return false
	}
	if p.rv != nil && p.rv.IsBusy() {
		return false
	}
	return true
}

// Cancel sends SIGHUP to the subprocess, the signal the worker's own runtime
// treats as a request to abandon its current diagnostic/handler and reply
// early. Best-effort: it does not wait for the worker to react.
func (p *Process) Cancel() {
	p.mu.Lock()
	cmd := p.cmd
	p.mu.Unlock()
	if cmd != nil && cmd.Process != nil {
		_ = cmd.Process.Signal(syscall.SIGHUP)
	}
}

// Start spawns the subprocess and wires its stdio to a frame codec. If
// cfg.RendezVous is set, it also opens the read end of the busy/idle FIFO;
// opening blocks until the child opens its write end, so it must happen
// after the child starts.
func (p *Process) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	cmd := exec.CommandContext(ctx, p.cfg.Command, p.cfg.Args...)
	cmd.Env = p.cfg.Env
	cmd.Stderr = os.Stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("supervisor: stdin pipe for %s: %w", p.cfg.Name, err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("supervisor: stdout pipe for %s: %w", p.cfg.Name, err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("supervisor: start %s: %w", p.cfg.Name, err)
	}

	p.cmd = cmd
	p.codec = wire.NewCodec(stdout, stdin)
	p.alive = true

	if p.cfg.RendezVous != "" {
		rv, err := newRendezVousReader(p.cfg.RendezVous)
		if err != nil {
			return fmt.Errorf("supervisor: rendez-vous for %s: %w", p.cfg.Name, err)
		}
		p.rv = rv
	}

	return nil
}

// Terminate kills the subprocess. It does not wait for exit; callers that
// need a clean shutdown should call Quit first and fall back to Terminate
// only on timeout.
func (p *Process) Terminate() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.alive = false
	if p.rv != nil {
		p.rv.Close()
	}
	if p.cmd == nil || p.cmd.Process == nil {
		return nil
	}
	return p.cmd.Process.Kill()
}

// Wait blocks until the subprocess exits and marks the process dead.
func (p *Process) Wait() error {
	p.mu.Lock()
	cmd := p.cmd
	p.mu.Unlock()
	if cmd == nil {
		return nil
	}
	err := cmd.Wait()
	p.mu.Lock()
	p.alive = false
	p.mu.Unlock()
	return err
}

// call sends one envelope and reads back a single-shot Reply, honoring ctx's
// deadline. When ctx ends first, the worker is sent SIGHUP and the process
// stays draining until the abandoned reply arrives; it is not terminated,
// however long that takes.
func (p *Process) call(ctx context.Context, msgType wire.MsgType, body any) (wire.Reply, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.alive {
		return wire.Reply{}, apperror.ErrWorkerDead.WithDetails("worker", p.cfg.Name)
	}

	frame, err := wire.EncodeMessage(msgType, body)
	if err != nil {
		return wire.Reply{}, fmt.Errorf("supervisor: encode request: %w", err)
	}
	if err := p.codec.SendFrame(frame); err != nil {
		p.alive = false
		return wire.Reply{}, apperror.ErrWorkerDead.WithDetails("worker", p.cfg.Name).WithDetails("cause", err.Error())
	}

	replyCh := make(chan wire.Reply, 1)
	errCh := make(chan error, 1)
	go func() {
		raw, err := p.codec.RecvFrame()
		if err != nil {
			errCh <- err
			return
		}
		var reply wire.Reply
		if err := msgpack.Unmarshal(raw, &reply); err != nil {
			errCh <- err
			return
		}
		replyCh <- reply
	}()

	select {
	case reply := <-replyCh:
		return reply, nil
	case err := <-errCh:
		p.alive = false
		return wire.Reply{}, apperror.ErrWorkerDead.WithDetails("worker", p.cfg.Name).WithDetails("cause", err.Error())
	case <-ctx.Done():
		// The wire protocol allows no pipelining, so the pending reply is
		// still coming down the pipe. Signal the worker to abandon it, mark
		// the process draining so the pool won't hand it to another caller,
		// and keep reading in the background until the reply actually lands.
		p.draining.Store(true)
		go p.Cancel()
		go p.drainCall(replyCh, errCh)
		return wire.Reply{}, apperror.ErrCheckoutTimeout.WithDetails("worker", p.cfg.Name)
	}
}

// drainCall waits for the reply a cancelled call abandoned, holding mu for
// the duration so no other call can race it onto the same pipe, then clears
// the draining flag once the worker is genuinely idle again.
func (p *Process) drainCall(replyCh <-chan wire.Reply, errCh <-chan error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	defer p.draining.Store(false)
	select {
	case <-replyCh:
	case err := <-errCh:
		p.alive = false
		_ = err
	}
}

// Ping checks liveness; the worker answers (200, "pong").
func (p *Process) Ping(ctx context.Context) error {
	_, err := p.call(ctx, wire.MsgPing, wire.PingMsg{})
	return err
}

// CheckoutProject resolves (and optionally pulls) a project on this worker.
func (p *Process) CheckoutProject(ctx context.Context, uri string, pull bool) (wire.CacheInfo, error) {
	return p.decodeCacheInfo(p.call(ctx, wire.MsgCheckoutProject, wire.CheckoutProjectMsg{URI: uri, Pull: pull}))
}

// UpdateCache reloads a previously-checked-out project.
func (p *Process) UpdateCache(ctx context.Context, uri string) (wire.CacheInfo, error) {
	return p.decodeCacheInfo(p.call(ctx, wire.MsgUpdateCache, wire.UpdateCacheMsg{URI: uri}))
}

// DropProject evicts a single cache entry on this worker.
func (p *Process) DropProject(ctx context.Context, uri string) (wire.CacheInfo, error) {
	return p.decodeCacheInfo(p.call(ctx, wire.MsgDropProject, wire.DropProjectMsg{URI: uri}))
}

// ClearCache evicts every cache entry on this worker.
func (p *Process) ClearCache(ctx context.Context) error {
	_, err := p.call(ctx, wire.MsgClearCache, wire.ClearCacheMsg{})
	return err
}

// PutConfig pushes a new configuration. isProxy must be true unless the
// worker was started with direct-config updates allowed.
func (p *Process) PutConfig(ctx context.Context, cfg map[string]any, isProxy bool) error {
	_, err := p.call(ctx, wire.MsgPutConfig, wire.PutConfigMsg{Config: cfg, IsProxy: isProxy})
	return err
}

// ListCache lists every cache entry on this worker, optionally filtered by
// checkout status.
func (p *Process) ListCache(ctx context.Context, statusFilter string) ([]wire.CacheInfo, error) {
	reply, err := p.call(ctx, wire.MsgListCache, wire.ListCacheMsg{StatusFilter: statusFilter})
	if err != nil {
		return nil, err
	}
	return decodeRemarshal[[]wire.CacheInfo](reply.Body)
}

// GetProjectInfo fetches per-layer validity metadata for a cached project.
func (p *Process) GetProjectInfo(ctx context.Context, uri string) (wire.ProjectInfo, error) {
	reply, err := p.call(ctx, wire.MsgGetProjectInfo, wire.GetProjectInfoMsg{URI: uri})
	if err != nil {
		return wire.ProjectInfo{}, err
	}
	return decodeRemarshal[wire.ProjectInfo](reply.Body)
}

// StreamRequest sends an OWS or OGC-API request and streams the chunked
// response back through onChunk, returning the header reply once the
// end-of-stream sentinel is read. Only one StreamRequest or call may be in
// flight on a Process at a time — the wire protocol allows no pipelining.
func (p *Process) StreamRequest(ctx context.Context, msgType wire.MsgType, body any, onChunk func([]byte) error) (wire.RequestReply, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.alive {
		return wire.RequestReply{}, apperror.ErrWorkerDead.WithDetails("worker", p.cfg.Name)
	}

	frame, err := wire.EncodeMessage(msgType, body)
	if err != nil {
		return wire.RequestReply{}, fmt.Errorf("supervisor: encode request: %w", err)
	}
	if err := p.codec.SendFrame(frame); err != nil {
		p.alive = false
		return wire.RequestReply{}, apperror.ErrWorkerDead.WithDetails("worker", p.cfg.Name)
	}

	headerFrame, err := p.codec.RecvFrame()
	if err != nil {
		p.alive = false
		return wire.RequestReply{}, apperror.ErrWorkerDead.WithDetails("worker", p.cfg.Name).WithDetails("cause", err.Error())
	}
	var header wire.RequestReply
	if err := msgpack.Unmarshal(headerFrame, &header); err != nil {
		return wire.RequestReply{}, fmt.Errorf("supervisor: decode stream header: %w", err)
	}

	for {
		if ctx.Err() != nil {
			p.draining.Store(true)
			go p.Cancel()
			go p.drainStream()
			return header, ctx.Err()
		}
		chunk, ok, err := p.codec.ReadChunk()
		if err != nil {
			p.alive = false
			return header, apperror.ErrWorkerDead.WithDetails("worker", p.cfg.Name).WithDetails("cause", err.Error())
		}
		if !ok {
			return header, nil
		}
		if err := onChunk(chunk); err != nil {
			return header, err
		}
	}
}

// drainStream keeps reading chunks off the pipe after a cancelled
// StreamRequest returns early, holding mu for the duration so no other call
// races it onto the same pipe, until the end-of-stream sentinel (or a pipe
// error) is observed.
func (p *Process) drainStream() {
	p.mu.Lock()
	defer p.mu.Unlock()
	defer p.draining.Store(false)
	for {
		_, ok, err := p.codec.ReadChunk()
		if err != nil {
			p.alive = false
			return
		}
		if !ok {
			return
		}
	}
}

// Sleep asks the worker to block for delay seconds and returns its reply:
// "slept" when the delay ran out, "cancelled" when a cancellation signal
// woke it first. Used as a diagnostic hook to
// exercise request cancellation end-to-end.
func (p *Process) Sleep(ctx context.Context, delay float64) (string, error) {
	reply, err := p.call(ctx, wire.MsgSleep, wire.SleepMsg{Delay: delay})
	if err != nil {
		return "", err
	}
	return decodeRemarshal[string](reply.Body)
}

// Catalog streams every project reachable under location (or the whole
// search-path table, when location is empty).
func (p *Process) Catalog(ctx context.Context, location string) ([]wire.CatalogItem, error) {
	return callStream[wire.CatalogItem](p, ctx, wire.MsgCatalog, wire.CatalogMsg{Location: location})
}

// Collections streams the OGC-API collections (one per layer) exposed by the
// project named by msg.Location.
func (p *Process) Collections(ctx context.Context, location string) ([]wire.CollectionItem, error) {
	return callStream[wire.CollectionItem](p, ctx, wire.MsgCollections, wire.CollectionsMsg{Location: location})
}

// callStream sends one request and reads back the (206, item)...(204,)
// streamed-reply convention used by Catalog/Collections, decoding
// each continuation frame into T.
func callStream[T any](p *Process, ctx context.Context, msgType wire.MsgType, body any) ([]T, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.alive {
		return nil, apperror.ErrWorkerDead.WithDetails("worker", p.cfg.Name)
	}

	frame, err := wire.EncodeMessage(msgType, body)
	if err != nil {
		return nil, fmt.Errorf("supervisor: encode request: %w", err)
	}
	if err := p.codec.SendFrame(frame); err != nil {
		p.alive = false
		return nil, apperror.ErrWorkerDead.WithDetails("worker", p.cfg.Name).WithDetails("cause", err.Error())
	}

	var out []T
	for {
		raw, err := p.codec.RecvFrame()
		if err != nil {
			p.alive = false
			return nil, apperror.ErrWorkerDead.WithDetails("worker", p.cfg.Name).WithDetails("cause", err.Error())
		}
		var reply wire.Reply
		if err := msgpack.Unmarshal(raw, &reply); err != nil {
			return nil, fmt.Errorf("supervisor: decode stream reply: %w", err)
		}
		if reply.Status == wire.StatusStreamEnd {
			return out, nil
		}
		if reply.Status != wire.StatusStreamContinue {
			return nil, apperror.New(apperror.CodeUpstreamError, fmt.Sprintf("worker replied status %d", reply.Status)).
				WithDetails("worker", p.cfg.Name)
		}
		item, err := decodeRemarshal[T](reply.Body)
		if err != nil {
			return nil, err
		}
		out = append(out, item)
	}
}

// Quit asks the worker to exit cleanly, waiting up to grace for it to do so.
func (p *Process) Quit(grace time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()
	_, err := p.call(ctx, wire.MsgQuit, wire.QuitMsg{})
	return err
}

func (p *Process) decodeCacheInfo(reply wire.Reply, err error) (wire.CacheInfo, error) {
	if err != nil {
		return wire.CacheInfo{}, err
	}
	return decodeRemarshal[wire.CacheInfo](reply.Body)
}

// decodeRemarshal re-encodes an any-typed reply body and decodes it into T,
// needed because msgpack.Unmarshal into `any` produces map[string]any rather
// than the concrete struct the caller expects.
func decodeRemarshal[T any](body any) (T, error) {
	var out T
	raw, err := msgpack.Marshal(body)
	if err != nil {
		return out, fmt.Errorf("supervisor: remarshal reply: %w", err)
	}
	if err := msgpack.Unmarshal(raw, &out); err != nil {
		return out, fmt.Errorf("supervisor: decode reply: %w", err)
	}
	return out, nil
}
