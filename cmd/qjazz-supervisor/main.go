package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"google.golang.org/grpc/encoding"

	"qjazz/internal/rpcapi"
	"qjazz/internal/rpcserver"
	"qjazz/internal/supervisor"
	"qjazz/pkg/config"
	"qjazz/pkg/logger"
	"qjazz/pkg/server"
)

func init() {
	encoding.RegisterCodec(rpcapi.Codec{})
}

func main() {
	cfg, err := config.LoadWithServiceDefaults("qjazz-supervisor", 23456)
	if err != nil {
		logger.Init("error")
		logger.Fatal("failed to load config", "error", err)
	}

	logger.InitWithConfig(logger.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		Output: cfg.Log.Output,
	})

	log := logger.WithService("qjazz-supervisor")

	pool := supervisor.NewPool(supervisor.PoolConfig{
		Name:               cfg.App.Name,
		NumProcesses:       cfg.Supervisor.NumProcesses,
		ProcessTimeout:     cfg.Supervisor.GetWorkerTimeout,
		GracePeriod:        cfg.Supervisor.RestartGrace,
		MaxWaitingRequests: cfg.Supervisor.MaxWaitingRequests,
		MaxFailurePressure: cfg.Supervisor.WorkerFailurePressure,
	}, spawnFunc(cfg), log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := pool.Start(ctx); err != nil {
		logger.Fatal("failed to start worker pool", "error", err)
	}
	defer pool.Shutdown(cfg.Supervisor.RestartGrace)

	go maintainLoop(ctx, pool, cfg, log)

	srv := server.New(cfg)
	rpcSvc := rpcserver.New(pool)
	rpcSvc.SetHealth(srv)
	srv.GetEngine().RegisterService(&rpcapi.ServiceDesc, rpcSvc)

	log.Info("supervisor ready",
		"pool", cfg.App.Name,
		"num_processes", cfg.Supervisor.NumProcesses,
		"port", cfg.GRPC.Port,
	)

	if err := srv.Run(); err != nil {
		logger.Fatal("server failed", "error", err)
	}
}

// spawnFunc builds the per-worker ProcessConfig, pre-creating each worker's
// rendez-vous FIFO node so Process.Start's reader can open it without racing
// the child's own open.
func spawnFunc(cfg *config.Config) supervisor.SpawnFunc {
	return func(name string) supervisor.ProcessConfig {
		env := append(os.Environ(), fmt.Sprintf("QJAZZ_WORKER_NAME=%s", name))

		var rvPath string
		if cfg.Supervisor.RendezVousDir != "" {
			rvPath = filepath.Join(cfg.Supervisor.RendezVousDir, name+".rv")
			if err := syscall.Mkfifo(rvPath, 0600); err != nil && !os.IsExist(err) {
				logger.Error("failed to create rendez-vous fifo", "worker", name, "path", rvPath, "error", err)
				rvPath = ""
			} else {
				env = append(env, fmt.Sprintf("QJAZZ_RENDEZ_VOUS=%s", rvPath))
			}
		}

		return supervisor.ProcessConfig{
			Name:       name,
			Command:    cfg.Supervisor.WorkerExecutable,
			Args:       cfg.Supervisor.WorkerArgs,
			Env:        env,
			RendezVous: rvPath,
		}
	}
}

// maintainLoop periodically restores dead workers and escalates a pool whose
// failure pressure has crossed the configured threshold into a fatal exit,
// since a supervisor that keeps dispatching into a mostly-dead pool is worse
// than restarting the whole process under its own supervision (systemd, k8s).
func maintainLoop(ctx context.Context, pool *supervisor.Pool, cfg *config.Config, log interface {
	Info(string, ...any)
	Error(string, ...any)
}) {
	interval := cfg.Supervisor.MaintainInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if cfg.Supervisor.WorkerFailurePressure > 0 && pool.WorkerFailurePressure() >= cfg.Supervisor.WorkerFailurePressure {
				log.Error("worker failure pressure exceeded threshold, exiting",
					"pressure", pool.WorkerFailurePressure(),
					"threshold", cfg.Supervisor.WorkerFailurePressure,
				)
				os.Exit(1)
			}
			if err := pool.MaintainPool(ctx, nil); err != nil {
				log.Error("pool maintenance failed", "error", err)
			}
		}
	}
}
