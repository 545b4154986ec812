// Package gateway implements the HTTP-facing edge: one Channel per backend
// supervisor pool, a Router dispatching OWS/OGC-API requests to the right
// channel, and an Admin aggregator exposing fleet-wide status across every
// channel.
package gateway

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"

	"qjazz/internal/rpcapi"
	"qjazz/internal/wire"
	"qjazz/pkg/client"
)

const serviceName = rpcapi.ServiceName

// ChannelConfig describes one backend the gateway dials.
type ChannelConfig struct {
	Label      string
	Address    string
	Route      string // URL path prefix routed to this backend
	Timeout    time.Duration
	TLS        bool
	MaxRetries int
	Backoff    time.Duration
}

// Channel is a reconnecting gRPC client to one supervisor pool, speaking the
// hand-rolled msgpack-coded RpcService. It never gives up on a lost
// connection on its own — grpc.ClientConn already retries dials internally —
// and Ping, CheckoutProject, DropProject, ClearCache and GetProjectInfo are
// wrapped in an application-level retry for the transient unavailable window
// right after a backend restarts. The other calls and the streams are not
// retried by Channel.
type Channel struct {
	cfg  ChannelConfig
	conn *grpc.ClientConn
}

// Dial opens (without blocking for readiness) a Channel to cfg.Address,
// wiring the shared retry gRPC client dialer with this channel's
// transport security and the msgpack content-subtype.
func Dial(cfg ChannelConfig) (*Channel, error) {
	extra := []grpc.DialOption{
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(rpcapi.Codec{}.Name())),
	}
	if cfg.TLS {
		extra = append(extra, grpc.WithTransportCredentials(credentials.NewTLS(nil)))
	}

	conn, err := client.NewGRPCClient(context.Background(), client.ClientConfig{
		Address:      cfg.Address,
		Timeout:      cfg.Timeout,
		MaxRetries:   cfg.MaxRetries,
		RetryBackoff: cfg.Backoff,
	}, extra...)
	if err != nil {
		return nil, fmt.Errorf("gateway: dial %s: %w", cfg.Label, err)
	}
	return &Channel{cfg: cfg, conn: conn}, nil
}

// Close releases the underlying connection.
func (c *Channel) Close() error { return c.conn.Close() }

// Label identifies this channel in admin/catalog responses.
func (c *Channel) Label() string { return c.cfg.Label }

// Route returns the URL path prefix this channel answers for.
func (c *Channel) Route() string { return c.cfg.Route }

func (c *Channel) callCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.cfg.Timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, c.cfg.Timeout)
}

// withRetry runs fn with exponential backoff, making at most cfg.MaxRetries
// attempts in all, absorbing the brief Unavailable window a backend shows right after a
// worker-pool restart.
func (c *Channel) withRetry(ctx context.Context, fn func() error) error {
	if c.cfg.MaxRetries <= 0 {
		return fn()
	}
	b := backoff.NewExponentialBackOff()
	if c.cfg.Backoff > 0 {
		b.InitialInterval = c.cfg.Backoff
	}
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, fn()
	}, backoff.WithBackOff(b), backoff.WithMaxTries(uint(c.cfg.MaxRetries)))
	return err
}

// Ping checks backend liveness.
func (c *Channel) Ping(ctx context.Context) error {
	ctx, cancel := c.callCtx(ctx)
	defer cancel()
	return c.withRetry(ctx, func() error {
		var reply rpcapi.StatusReply
		return c.conn.Invoke(ctx, method("Ping"), &wire.PingMsg{}, &reply)
	})
}

// CheckoutProject resolves a project on the backend pool.
func (c *Channel) CheckoutProject(ctx context.Context, uri string, pull bool) (wire.CacheInfo, error) {
	ctx, cancel := c.callCtx(ctx)
	defer cancel()
	var info wire.CacheInfo
	err := c.withRetry(ctx, func() error {
		return c.conn.Invoke(ctx, method("CheckoutProject"), &rpcapi.CheckoutRequest{URI: uri, Pull: pull}, &info)
	})
	return info, err
}

// DropProject evicts one cache entry on the backend pool.
func (c *Channel) DropProject(ctx context.Context, uri string) (wire.CacheInfo, error) {
	ctx, cancel := c.callCtx(ctx)
	defer cancel()
	var info wire.CacheInfo
	err := c.withRetry(ctx, func() error {
		return c.conn.Invoke(ctx, method("DropProject"), &rpcapi.URIRequest{URI: uri}, &info)
	})
	return info, err
}

// ClearCache clears every worker's cache on the backend pool.
func (c *Channel) ClearCache(ctx context.Context) error {
	ctx, cancel := c.callCtx(ctx)
	defer cancel()
	var reply rpcapi.StatusReply
	return c.withRetry(ctx, func() error {
		return c.conn.Invoke(ctx, method("ClearCache"), &rpcapi.EmptyRequest{}, &reply)
	})
}

// GetProjectInfo fetches per-layer validity metadata from the backend pool.
func (c *Channel) GetProjectInfo(ctx context.Context, uri string) (wire.ProjectInfo, error) {
	ctx, cancel := c.callCtx(ctx)
	defer cancel()
	var info wire.ProjectInfo
	err := c.withRetry(ctx, func() error {
		return c.conn.Invoke(ctx, method("GetProjectInfo"), &rpcapi.URIRequest{URI: uri}, &info)
	})
	return info, err
}

// Plugins lists the backend pool's loaded QGIS server plugins.
func (c *Channel) Plugins(ctx context.Context) (rpcapi.PluginsReply, error) {
	ctx, cancel := c.callCtx(ctx)
	defer cancel()
	var reply rpcapi.PluginsReply
	err := c.conn.Invoke(ctx, method("Plugins"), &rpcapi.EmptyRequest{}, &reply)
	return reply, err
}

// Env reports the backend pool's cached QGIS/GDAL/Qt environment.
func (c *Channel) Env(ctx context.Context) (rpcapi.EnvReply, error) {
	ctx, cancel := c.callCtx(ctx)
	defer cancel()
	var reply rpcapi.EnvReply
	err := c.conn.Invoke(ctx, method("GetEnv"), &rpcapi.EmptyRequest{}, &reply)
	return reply, err
}

// PutConfig pushes a new proxied configuration to every worker in the pool.
func (c *Channel) PutConfig(ctx context.Context, cfg map[string]any) error {
	ctx, cancel := c.callCtx(ctx)
	defer cancel()
	var reply rpcapi.StatusReply
	return c.conn.Invoke(ctx, method("PutConfig"), &rpcapi.PutConfigRequest{Config: cfg, IsProxy: true}, &reply)
}

// ListCache opens a streaming ListCache call against the backend pool.
func (c *Channel) ListCache(ctx context.Context, statusFilter string) (grpc.ClientStream, error) {
	stream, err := c.conn.NewStream(ctx, &grpc.StreamDesc{StreamName: "ListCache", ServerStreams: true}, method("ListCache"))
	if err != nil {
		return nil, err
	}
	if err := stream.SendMsg(&rpcapi.ListCacheRequest{StatusFilter: statusFilter}); err != nil {
		return nil, err
	}
	return stream, stream.CloseSend()
}

// ServeOws opens a streaming OWS request against the backend pool. Callers
// drain the stream with RecvMsg(*rpcapi.StreamChunk) until io.EOF, then read
// the x-reply-status-code/x-reply-header-* trailer.
func (c *Channel) ServeOws(ctx context.Context, req *rpcapi.OwsStreamRequest) (grpc.ClientStream, error) {
	stream, err := c.conn.NewStream(ctx, &grpc.StreamDesc{StreamName: "ServeOws", ServerStreams: true}, method("ServeOws"))
	if err != nil {
		return nil, err
	}
	if err := stream.SendMsg(req); err != nil {
		return nil, err
	}
	return stream, stream.CloseSend()
}

// ServeApi opens a streaming OGC-API request against the backend pool.
func (c *Channel) ServeApi(ctx context.Context, req *rpcapi.ApiStreamRequest) (grpc.ClientStream, error) {
	stream, err := c.conn.NewStream(ctx, &grpc.StreamDesc{StreamName: "ServeApi", ServerStreams: true}, method("ServeApi"))
	if err != nil {
		return nil, err
	}
	if err := stream.SendMsg(req); err != nil {
		return nil, err
	}
	return stream, stream.CloseSend()
}

// Catalog opens a streaming Catalog call against the backend pool, listing
// every project reachable under location (or every route, if empty).
func (c *Channel) Catalog(ctx context.Context, location string) (grpc.ClientStream, error) {
	stream, err := c.conn.NewStream(ctx, &grpc.StreamDesc{StreamName: "Catalog", ServerStreams: true}, method("Catalog"))
	if err != nil {
		return nil, err
	}
	if err := stream.SendMsg(&rpcapi.CatalogRequest{Location: location}); err != nil {
		return nil, err
	}
	return stream, stream.CloseSend()
}

// Collections opens a streaming Collections call against the backend pool.
func (c *Channel) Collections(ctx context.Context, location string) (grpc.ClientStream, error) {
	stream, err := c.conn.NewStream(ctx, &grpc.StreamDesc{StreamName: "Collections", ServerStreams: true}, method("Collections"))
	if err != nil {
		return nil, err
	}
	if err := stream.SendMsg(&rpcapi.CollectionsRequest{Location: location}); err != nil {
		return nil, err
	}
	return stream, stream.CloseSend()
}

// Stats reports the backend pool's current size and load.
func (c *Channel) Stats(ctx context.Context) (rpcapi.StatsReply, error) {
	ctx, cancel := c.callCtx(ctx)
	defer cancel()
	var reply rpcapi.StatsReply
	err := c.conn.Invoke(ctx, method("Stats"), &rpcapi.EmptyRequest{}, &reply)
	return reply, err
}

// Sleep is a diagnostic/test hook exercising worker-level cancellation.
func (c *Channel) Sleep(ctx context.Context, delay float64) (rpcapi.SleepReply, error) {
	var reply rpcapi.SleepReply
	err := c.conn.Invoke(ctx, method("Sleep"), &rpcapi.SleepRequest{Delay: delay}, &reply)
	return reply, err
}

func method(rpc string) string {
	return fmt.Sprintf("/%s/%s", serviceName, rpc)
}
