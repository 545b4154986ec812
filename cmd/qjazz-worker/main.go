package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"qjazz/internal/cache"
	"qjazz/internal/qgis"
	"qjazz/internal/wire"
	"qjazz/internal/worker"
	"qjazz/pkg/config"
	"qjazz/pkg/database"
	"qjazz/pkg/logger"
)

func main() {
	cfg, err := config.LoadWithServiceDefaults("qjazz-worker", 0)
	if err != nil {
		logger.Init("error")
		logger.Fatal("failed to load config", "error", err)
	}

	logger.InitWithConfig(logger.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		Output: cfg.Log.Output,
	})

	log := logger.WithService("qjazz-worker")

	mgr := cache.NewManager(cache.Config{
		Routes:             routesFromSearchPaths(cfg.CacheMgr.SearchPaths),
		MaxProjects:        cfg.CacheMgr.MaxProjects,
		AllowDirect:        cfg.Worker.DefaultProject != "",
		TrustLayerMetadata: cfg.CacheMgr.TrustLayerMetadata,
	}, handlersFor(cfg))

	handler := qgis.NewFakeHandler()

	var rv *worker.RendezVous
	if path := os.Getenv("QJAZZ_RENDEZ_VOUS"); path != "" {
		rv, err = worker.OpenRendezVous(path)
		if err != nil {
			log.Error("failed to open rendez-vous channel", "error", err)
			os.Exit(1)
		}
		defer rv.Close()
	}

	codec := wire.NewCodec(os.Stdin, os.Stdout)

	rt := worker.NewRuntime(codec, handler, mgr, rv, worker.Config{
		AllowDirectConfig: cfg.Worker.DefaultProject != "",
	}, log)

	// The supervisor sends SIGHUP as its cancellation transport: there is no
	// in-band way to interrupt a request on the single-in-flight pipe, so it
	// signals the process directly and the runtime unblocks whatever
	// cancellation-aware handler is in flight (currently Sleep).
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	go func() {
		for range hup {
			rt.Cancel()
		}
	}()

	log.Info("worker ready", "project_cache_strategy", cfg.Worker.ProjectCacheStrategy)

	if err := rt.Serve(); err != nil {
		log.Error("worker serve loop exited", "error", err)
		os.Exit(1)
	}
}

// routesFromSearchPaths turns the configured prefix->root-URI map into the
// cache manager's route table. ResolvePath takes the first route whose prefix
// matches, so with map iteration order the choice among overlapping prefixes
// is not defined; disjoint prefixes resolve the same in any order.
func routesFromSearchPaths(searchPaths map[string]string) []cache.Route {
	routes := make([]cache.Route, 0, len(searchPaths))
	for prefix, template := range searchPaths {
		routes = append(routes, cache.Route{Prefix: prefix, Template: template})
	}
	return routes
}

// handlersFor registers a protocol handler per scheme the worker is
// configured to resolve projects from. postgresql is only wired when the
// database section sets a host, and s3 only when AWS_REGION or AWS_PROFILE is
// set in the environment, since dialing them eagerly would
// turn a worker with no such projects into one that can't start without a
// database or cloud credentials.
func handlersFor(cfg *config.Config) map[string]cache.ProtocolHandler {
	handlers := map[string]cache.ProtocolHandler{
		"file":       cache.NewFileHandler(),
		"geopackage": cache.NewGeopackageHandler(),
	}

	if cfg.Database.Host != "" {
		db, err := database.NewPostgresDB(context.Background(), &cfg.Database)
		if err != nil {
			logger.Error("failed to connect to postgresql project store, postgresql:// projects unavailable", "error", err)
		} else {
			handlers["postgresql"] = cache.NewPostgresHandler(db.Pool())
		}
	}

	if os.Getenv("AWS_REGION") != "" || os.Getenv("AWS_PROFILE") != "" {
		awsCfg, err := awsconfig.LoadDefaultConfig(context.Background())
		if err != nil {
			logger.Error("failed to load AWS config, s3:// projects unavailable", "error", err)
		} else {
			handlers["s3"] = cache.NewS3Handler(s3.NewFromConfig(awsCfg))
		}
	}

	return handlers
}
