package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
	"google.golang.org/grpc/encoding"

	"qjazz/internal/gateway"
	"qjazz/internal/rpcapi"
	"qjazz/pkg/cache"
	"qjazz/pkg/config"
	"qjazz/pkg/logger"
)

func init() {
	encoding.RegisterCodec(rpcapi.Codec{})
}

// newAdmin builds the fleet-wide admin aggregator, wiring the generic KV
// cache (pkg/cache) to memoize catalog views when cache.enabled is set.
// Catalog consolidation is the only admin view expensive enough (a full
// search-path walk per backend) to be worth the extra moving part.
func newAdmin(channels []*gateway.Channel, cfg *config.Config, log interface{ Error(string, ...any) }) *gateway.Admin {
	if !cfg.Cache.Enabled {
		return gateway.NewAdmin(channels)
	}
	c, err := cache.New(cache.FromConfig(&cfg.Cache))
	if err != nil {
		log.Error("failed to initialize admin catalog cache, continuing without it", "error", err)
		return gateway.NewAdmin(channels)
	}
	return gateway.NewAdminWithCatalogCache(channels, c, cfg.Gateway.AdminCacheTTL)
}

func main() {
	cfg, err := config.LoadWithServiceDefaults("qjazz-gateway", 8080)
	if err != nil {
		logger.Init("error")
		logger.Fatal("failed to load config", "error", err)
	}

	logger.InitWithConfig(logger.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		Output: cfg.Log.Output,
	})

	log := logger.WithService("qjazz-gateway")

	if len(cfg.Backends) == 0 {
		logger.Fatal("no backends configured", "hint", "set backends[] in config")
	}

	channels := make([]*gateway.Channel, 0, len(cfg.Backends))
	for _, be := range cfg.Backends {
		ch, err := gateway.Dial(gateway.ChannelConfig{
			Label:      be.Label,
			Address:    be.Address(),
			Route:      be.Route,
			Timeout:    be.Timeout,
			TLS:        be.TLS,
			MaxRetries: be.MaxRetries,
			Backoff:    be.RetryBackoff,
		})
		if err != nil {
			logger.Fatal("failed to dial backend", "backend", be.Label, "error", err)
		}
		channels = append(channels, ch)
	}
	defer func() {
		for _, ch := range channels {
			ch.Close()
		}
	}()

	admin := newAdmin(channels, cfg, log)
	router := gateway.NewRouter(gateway.RouterConfig{
		CORS: gateway.CORSConfig{
			Enabled:          cfg.HTTP.CORS.Enabled,
			AllowedOrigins:   cfg.HTTP.CORS.AllowedOrigins,
			AllowedMethods:   cfg.HTTP.CORS.AllowedMethods,
			AllowedHeaders:   cfg.HTTP.CORS.AllowedHeaders,
			AllowCredentials: cfg.HTTP.CORS.AllowCredentials,
			MaxAge:           cfg.HTTP.CORS.MaxAge,
		},
		ForwardedHeaders: cfg.Gateway.ForwardedHeaders,
		WFSMaxFeatures:   cfg.Gateway.WFSMaxFeatures,
	}, channels, admin, log)

	// h2c lets OWS/OGC-API clients speak HTTP/2 to the gateway without TLS,
	// matching how the fleet talks to its own backends in cleartext deployments.
	h2s := &http2.Server{}
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HTTP.Port),
		Handler:      h2c.NewHandler(router, h2s),
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
	}

	go func() {
		log.Info("gateway listening", "port", cfg.HTTP.Port, "backends", len(channels))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server failed", "error", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down")
	shutdownTimeout := cfg.HTTP.ShutdownTimeout
	if shutdownTimeout <= 0 {
		shutdownTimeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Error("server shutdown error", "error", err)
	}
}
