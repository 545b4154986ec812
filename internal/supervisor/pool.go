package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"qjazz/internal/qgis"
	"qjazz/internal/wire"
	"qjazz/pkg/apperror"
)

// PoolConfig configures a Pool's sizing and timeouts.
type PoolConfig struct {
	Name                string
	NumProcesses        int
	ProcessTimeout      time.Duration
	GracePeriod         time.Duration
	MaxWaitingRequests  int
	MaxFailurePressure  float64 // fraction of dead workers deemed fatal; stored only, the Pool itself does not act on it
}

// SpawnFunc builds the ProcessConfig for the n'th worker of a pool, letting
// the caller supply the worker binary path, base env, and per-worker
// rendez-vous FIFO path.
type SpawnFunc func(name string) ProcessConfig

// Pool fans out requests across a fixed-size set of worker subprocesses
// using fair balancing: callers block on an availability channel rather
// than being assigned a specific worker, so no single worker starves.
// Cache/config management calls are broadcast to every live worker instead.
type Pool struct {
	cfg   PoolConfig
	spawn SpawnFunc
	log   *slog.Logger

	mu      sync.Mutex
	workers []*Process
	avail   chan *Process
	nextID  int

	count        atomic.Int64
	shuttingDown atomic.Bool
	startTime    time.Time

	cachedEnv     map[string]string
	cachedPlugins []qgis.Plugin
}

// NewPool builds an unstarted Pool.
func NewPool(cfg PoolConfig, spawn SpawnFunc, log *slog.Logger) *Pool {
	if log == nil {
		log = slog.Default()
	}
	if cfg.MaxWaitingRequests <= 0 {
		cfg.MaxWaitingRequests = 1
	}
	return &Pool{
		cfg:   cfg,
		spawn: spawn,
		log:   log,
		// Sized generously rather than to cfg.NumProcesses: Grow can expand
		// the pool past its initial size, and the channel only ever holds
		// pointers.
		avail: make(chan *Process, 1024),
	}
}

// Start spawns every configured worker concurrently, then caches the
// immutable worker environment and plugin list from the first worker —
// mirroring that these never vary across a homogeneous pool.
func (p *Pool) Start(ctx context.Context) error {
	p.mu.Lock()
	workers := make([]*Process, p.cfg.NumProcesses)
	for i := range workers {
		name := fmt.Sprintf("%s_%d", p.cfg.Name, i)
		workers[i] = NewProcess(p.spawn(name))
	}
	p.nextID = len(workers)
	p.workers = workers
	p.startTime = time.Now()
	p.mu.Unlock()

	var wg sync.WaitGroup
	errs := make([]error, len(workers))
	for i, w := range workers {
		wg.Add(1)
		go func(i int, w *Process) {
			defer wg.Done()
			if err := w.Start(ctx); err != nil {
				errs[i] = err
				return
			}
			p.avail <- w
		}(i, w)
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return fmt.Errorf("supervisor: pool %s failed to start: %w", p.cfg.Name, err)
		}
	}

	return p.cacheWorkerStatus(ctx)
}

func (p *Pool) cacheWorkerStatus(ctx context.Context) error {
	p.mu.Lock()
	workers := p.workers
	p.mu.Unlock()
	if len(workers) == 0 {
		return nil
	}

	worker := workers[0]
	reply, err := worker.call(ctx, wire.MsgGetEnv, wire.GetEnvMsg{})
	if err != nil {
		return fmt.Errorf("supervisor: cache worker env: %w", err)
	}
	env, err := decodeRemarshal[map[string]string](reply.Body)
	if err != nil {
		return err
	}

	reply, err = worker.call(ctx, wire.MsgPlugins, wire.PluginsMsg{})
	if err != nil {
		return fmt.Errorf("supervisor: cache worker plugins: %w", err)
	}
	plugins, err := decodeRemarshal[[]qgis.Plugin](reply.Body)
	if err != nil {
		return err
	}

	p.mu.Lock()
	p.cachedEnv = env
	p.cachedPlugins = plugins
	p.mu.Unlock()
	return nil
}

// Env returns the cached, immutable worker environment.
func (p *Pool) Env() map[string]string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cachedEnv
}

// Plugins returns the cached worker plugin list.
func (p *Pool) Plugins() []qgis.Plugin {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cachedPlugins
}

// NumWorkers returns the pool's current number of workers, dead or alive.
func (p *Pool) NumWorkers() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.workers)
}

// StoppedWorkers counts workers observed dead.
func (p *Pool) StoppedWorkers() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, w := range p.workers {
		if !w.IsAlive() {
			n++
		}
	}
	return n
}

// AvailableWorkers returns the number of workers currently idle in the
// dispatch queue.
func (p *Pool) AvailableWorkers() int {
	return len(p.avail)
}

// RequestPressure is the fraction of MaxWaitingRequests currently in use.
func (p *Pool) RequestPressure() float64 {
	return float64(p.count.Load()) / float64(p.cfg.MaxWaitingRequests)
}

// WorkerFailurePressure is the fraction of the pool's workers observed dead.
// cmd/qjazz-supervisor's maintenance loop exits the process once this
// reaches the configured threshold.
func (p *Pool) WorkerFailurePressure() float64 {
	n := p.NumWorkers()
	if n == 0 {
		return 0
	}
	return float64(p.StoppedWorkers()) / float64(n)
}

// Uptime returns how long the pool has been running since Start.
func (p *Pool) Uptime() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.startTime.IsZero() {
		return 0
	}
	return time.Since(p.startTime)
}

// release is returned by GetWorker; callers must invoke it exactly once.
type release func()

// GetWorker checks out one idle worker for the duration of one request,
// enforcing the pool's waiting-request ceiling and checkout deadline. The
// release function restores the worker to the dispatch queue once it is
// idle; a worker that is no longer alive is not requeued.
func (p *Pool) GetWorker(ctx context.Context) (*Process, release, error) {
	if p.shuttingDown.Load() {
		return nil, nil, apperror.ErrShuttingDown
	}
	if p.count.Load() >= int64(p.cfg.MaxWaitingRequests) {
		return nil, nil, apperror.New(apperror.CodePoolExhausted, "maximum number of waiting requests reached")
	}

	p.count.Add(1)
	released := false
	release := func() {
		if released {
			return
		}
		released = true
		p.count.Add(-1)
	}

	timeout := p.cfg.ProcessTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	select {
	case worker := <-p.avail:
		return worker, func() {
			release()
			p.requeue(worker)
		}, nil
	case <-waitCtx.Done():
		release()
		if ctx.Err() != nil {
			return nil, nil, apperror.ErrPoolExhausted
		}
		// Best-effort: nudge one in-flight worker to abandon its current
		// request on the chance it frees up in time for the next caller,
		// rather than leaving every worker stuck until its own deadline.
		p.cancelOneBusyWorker()
		return nil, nil, apperror.ErrCheckoutTimeout
	}
}

// requeue returns worker to the dispatch queue once it is genuinely idle —
// rendez-vous Idle and its pipe fully drained — rather than immediately, so
// a worker cancelled mid-response is never handed to a new request before
// its old one finishes unwinding.
func (p *Pool) requeue(worker *Process) {
	if !worker.IsAlive() {
		return
	}
	if worker.IsIdle() {
		p.avail <- worker
		return
	}
	go func() {
		ticker := time.NewTicker(10 * time.Millisecond)
		defer ticker.Stop()
		for range ticker.C {
			if !worker.IsAlive() {
				return
			}
			if worker.IsIdle() {
				p.avail <- worker
				return
			}
		}
	}()
}

// cancelOneBusyWorker signals one alive-but-busy worker to abandon its
// current request, the escalation GetWorker performs on checkout timeout.
func (p *Pool) cancelOneBusyWorker() {
	p.mu.Lock()
	workers := append([]*Process(nil), p.workers...)
	p.mu.Unlock()
	for _, w := range workers {
		if w.IsAlive() && !w.IsIdle() {
			w.Cancel()
			return
		}
	}
}

// Broadcast runs fn against every currently-alive worker concurrently and
// returns the first error encountered, after waiting for all to finish.
func (p *Pool) Broadcast(ctx context.Context, fn func(ctx context.Context, w *Process) error) error {
	p.mu.Lock()
	workers := append([]*Process(nil), p.workers...)
	p.mu.Unlock()

	var wg sync.WaitGroup
	errs := make([]error, len(workers))
	for i, w := range workers {
		if !w.IsAlive() {
			continue
		}
		wg.Add(1)
		go func(i int, w *Process) {
			defer wg.Done()
			errs[i] = fn(ctx, w)
		}(i, w)
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

// MaintainPool replaces workers observed dead with freshly-spawned ones,
// optionally pulling a set of project URIs into each replacement so it
// converges to the same cache state as its siblings.
func (p *Pool) MaintainPool(ctx context.Context, restore []string) error {
	p.mu.Lock()
	var dead []int
	for i, w := range p.workers {
		if !w.IsAlive() {
			dead = append(dead, i)
		}
	}
	p.mu.Unlock()

	if len(dead) == 0 {
		return nil
	}
	p.log.Info("restoring dead workers", "pool", p.cfg.Name, "count", len(dead), "total", p.NumWorkers())

	var wg sync.WaitGroup
	for _, idx := range dead {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()

			p.mu.Lock()
			name := fmt.Sprintf("%s_%d", p.cfg.Name, idx)
			p.mu.Unlock()

			w := NewProcess(p.spawn(name))
			if err := w.Start(ctx); err != nil {
				p.log.Error("worker restart failed", "worker", name, "error", err)
				return
			}
			if err := w.Ping(ctx); err != nil {
				p.log.Error("worker restart ping failed", "worker", name, "error", err)
				return
			}
			for _, uri := range restore {
				if _, err := w.CheckoutProject(ctx, uri, true); err != nil {
					p.log.Warn("restore checkout failed", "worker", name, "uri", uri, "error", err)
				}
			}

			p.mu.Lock()
			p.workers[idx] = w
			p.mu.Unlock()
			p.avail <- w
		}(idx)
	}
	wg.Wait()
	return nil
}

// Grow spawns n additional workers and adds them to the pool once started.
func (p *Pool) Grow(ctx context.Context, n int) error {
	if n <= 0 {
		return nil
	}
	p.mu.Lock()
	start := p.nextID
	p.nextID += n
	p.mu.Unlock()

	workers := make([]*Process, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			name := fmt.Sprintf("%s_%d", p.cfg.Name, start+i)
			w := NewProcess(p.spawn(name))
			if err := w.Start(ctx); err != nil {
				errs[i] = fmt.Errorf("supervisor: grow %s: %w", name, err)
				return
			}
			workers[i] = w
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return err
		}
	}

	p.mu.Lock()
	p.workers = append(p.workers, workers...)
	p.mu.Unlock()
	for _, w := range workers {
		p.avail <- w
	}
	return nil
}

// Shrink pops up to n idle workers from the dispatch queue, asks each to
// quit cleanly (falling back to Terminate on timeout), and drops it from the
// pool's worker list. Returns the number actually removed — fewer than n
// when not enough workers are currently idle.
func (p *Pool) Shrink(n int, grace time.Duration) int {
	removed := 0
	for removed < n {
		select {
		case worker := <-p.avail:
			p.mu.Lock()
			for i, w := range p.workers {
				if w == worker {
					p.workers = append(p.workers[:i], p.workers[i+1:]...)
					break
				}
			}
			p.mu.Unlock()

			go func(w *Process) {
				if err := w.Quit(grace); err != nil {
					w.Terminate()
				}
			}(worker)
			removed++
		default:
			return removed
		}
	}
	return removed
}

// Rescale grows or shrinks the pool to exactly target workers.
func (p *Pool) Rescale(ctx context.Context, target int, grace time.Duration) error {
	current := p.NumWorkers()
	switch {
	case target > current:
		return p.Grow(ctx, target-current)
	case target < current:
		p.Shrink(current-target, grace)
	}
	return nil
}

// Shutdown marks the pool as draining and terminates every worker, waiting
// up to gracePeriod for each to exit cleanly via Quit before killing it.
func (p *Pool) Shutdown(gracePeriod time.Duration) {
	p.shuttingDown.Store(true)

	p.mu.Lock()
	workers := append([]*Process(nil), p.workers...)
	p.mu.Unlock()

	var wg sync.WaitGroup
	for _, w := range workers {
		wg.Add(1)
		go func(w *Process) {
			defer wg.Done()
			if err := w.Quit(gracePeriod); err != nil {
				w.Terminate()
			}
			w.Wait()
		}(w)
	}
	wg.Wait()
}
