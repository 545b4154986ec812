// Package rpcserver implements rpcapi.Server against a supervisor.Pool,
// turning each RPC into one fair-dispatched worker checkout.
package rpcserver

import (
	"context"
	"fmt"
	"strconv"

	"github.com/vmihailenco/msgpack/v5"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"

	"qjazz/internal/rpcapi"
	"qjazz/internal/supervisor"
	"qjazz/internal/wire"
	"qjazz/pkg/apperror"
)

// HealthSetter toggles the gRPC health status reported for a service name;
// satisfied by *pkg/server.GRPCServer.
type HealthSetter interface {
	SetServingStatus(status grpc_health_v1.HealthCheckResponse_ServingStatus)
}

// Service implements rpcapi.Server over one worker pool. A gateway-facing
// deployment registers one Service per backend pool.
type Service struct {
	pool   *supervisor.Pool
	health HealthSetter
}

// New builds a Service backed by pool.
func New(pool *supervisor.Pool) *Service {
	return &Service{pool: pool}
}

// SetHealth wires the gRPC health server SetServerServingStatus controls,
// once the enclosing server (and its health endpoint) exists.
func (s *Service) SetHealth(h HealthSetter) {
	s.health = h
}

func (s *Service) Ping(ctx context.Context, _ *wire.PingMsg) (*rpcapi.StatusReply, error) {
	w, release, err := s.pool.GetWorker(ctx)
	if err != nil {
		return nil, apperror.ToGRPC(err)
	}
	defer release()

	if err := w.Ping(ctx); err != nil {
		return nil, apperror.ToGRPC(err)
	}
	return &rpcapi.StatusReply{OK: true}, nil
}

func (s *Service) CheckoutProject(ctx context.Context, req *rpcapi.CheckoutRequest) (*wire.CacheInfo, error) {
	w, release, err := s.pool.GetWorker(ctx)
	if err != nil {
		return nil, apperror.ToGRPC(err)
	}
	defer release()

	info, err := w.CheckoutProject(ctx, req.URI, req.Pull)
	if err != nil {
		return nil, apperror.ToGRPC(err)
	}
	return &info, nil
}

func (s *Service) UpdateCache(ctx context.Context, req *rpcapi.URIRequest) (*wire.CacheInfo, error) {
	w, release, err := s.pool.GetWorker(ctx)
	if err != nil {
		return nil, apperror.ToGRPC(err)
	}
	defer release()

	info, err := w.UpdateCache(ctx, req.URI)
	if err != nil {
		return nil, apperror.ToGRPC(err)
	}
	return &info, nil
}

func (s *Service) DropProject(ctx context.Context, req *rpcapi.URIRequest) (*wire.CacheInfo, error) {
	w, release, err := s.pool.GetWorker(ctx)
	if err != nil {
		return nil, apperror.ToGRPC(err)
	}
	defer release()

	info, err := w.DropProject(ctx, req.URI)
	if err != nil {
		return nil, apperror.ToGRPC(err)
	}
	return &info, nil
}

// ClearCache broadcasts to every live worker in the pool, not just one
// checked-out worker, since the cache lives per-process.
func (s *Service) ClearCache(ctx context.Context, _ *rpcapi.EmptyRequest) (*rpcapi.StatusReply, error) {
	err := s.pool.Broadcast(ctx, func(ctx context.Context, w *supervisor.Process) error {
		return w.ClearCache(ctx)
	})
	if err != nil {
		return nil, apperror.ToGRPC(err)
	}
	return &rpcapi.StatusReply{OK: true}, nil
}

func (s *Service) GetProjectInfo(ctx context.Context, req *rpcapi.URIRequest) (*wire.ProjectInfo, error) {
	w, release, err := s.pool.GetWorker(ctx)
	if err != nil {
		return nil, apperror.ToGRPC(err)
	}
	defer release()

	info, err := w.GetProjectInfo(ctx, req.URI)
	if err != nil {
		return nil, apperror.ToGRPC(err)
	}
	return &info, nil
}

func (s *Service) Plugins(ctx context.Context, _ *rpcapi.EmptyRequest) (*rpcapi.PluginsReply, error) {
	return &rpcapi.PluginsReply{Plugins: s.pool.Plugins()}, nil
}

func (s *Service) GetEnv(ctx context.Context, _ *rpcapi.EmptyRequest) (*rpcapi.EnvReply, error) {
	return &rpcapi.EnvReply{Env: s.pool.Env()}, nil
}

// PutConfig broadcasts the new configuration to every live worker.
func (s *Service) PutConfig(ctx context.Context, req *rpcapi.PutConfigRequest) (*rpcapi.StatusReply, error) {
	err := s.pool.Broadcast(ctx, func(ctx context.Context, w *supervisor.Process) error {
		return w.PutConfig(ctx, req.Config, req.IsProxy)
	})
	if err != nil {
		return nil, apperror.ToGRPC(err)
	}
	return &rpcapi.StatusReply{OK: true}, nil
}

func (s *Service) GetConfig(ctx context.Context, _ *rpcapi.EmptyRequest) (*rpcapi.ConfigReply, error) {
	return &rpcapi.ConfigReply{Config: map[string]any{}}, nil
}

// Stats reports the pool's current size and load, for admin dashboards and
// autoscaling decisions.
func (s *Service) Stats(ctx context.Context, _ *rpcapi.EmptyRequest) (*rpcapi.StatsReply, error) {
	return &rpcapi.StatsReply{
		NumWorkers:            s.pool.NumWorkers(),
		StoppedWorkers:        s.pool.StoppedWorkers(),
		AvailableWorkers:      s.pool.AvailableWorkers(),
		RequestPressure:       s.pool.RequestPressure(),
		WorkerFailurePressure: s.pool.WorkerFailurePressure(),
		UptimeSeconds:         s.pool.Uptime().Seconds(),
	}, nil
}

// Sleep is a diagnostic/test hook: it checks out a worker and blocks it for
// req.Delay seconds, exercising the SIGHUP cancellation path end to end when
// the RPC's own context is cancelled first.
func (s *Service) Sleep(ctx context.Context, req *rpcapi.SleepRequest) (*rpcapi.SleepReply, error) {
	w, release, err := s.pool.GetWorker(ctx)
	if err != nil {
		return nil, apperror.ToGRPC(err)
	}
	defer release()

	status, err := w.Sleep(ctx, req.Delay)
	if err != nil {
		return nil, apperror.ToGRPC(err)
	}
	return &rpcapi.SleepReply{Status: status}, nil
}

// SetServerServingStatus toggles the gRPC health status this service reports,
// letting an operator drain a deployment out of a load balancer without
// killing it. A no-op, reporting an error, if no health server was wired.
func (s *Service) SetServerServingStatus(ctx context.Context, req *rpcapi.SetServingStatusRequest) (*rpcapi.StatusReply, error) {
	if s.health == nil {
		return nil, apperror.ToGRPC(apperror.New(apperror.CodeUnimplemented, "no health server wired to this service"))
	}
	var status grpc_health_v1.HealthCheckResponse_ServingStatus
	switch req.Status {
	case "SERVING":
		status = grpc_health_v1.HealthCheckResponse_SERVING
	case "NOT_SERVING":
		status = grpc_health_v1.HealthCheckResponse_NOT_SERVING
	default:
		return nil, apperror.ToGRPC(apperror.New(apperror.CodeInvalidArgument, "status must be SERVING or NOT_SERVING").WithDetails("status", req.Status))
	}
	s.health.SetServingStatus(status)
	return &rpcapi.StatusReply{OK: true}, nil
}

// ListCache streams every cached entry visible on one checked-out worker.
// Each worker owns an independent cache, so a full fleet view is an admin
// aggregation concern (internal/gateway), not this RPC's job.
func (s *Service) ListCache(req *rpcapi.ListCacheRequest, stream grpc.ServerStream) error {
	ctx := stream.Context()
	w, release, err := s.pool.GetWorker(ctx)
	if err != nil {
		setReplyTrailer(stream, apperror.HTTPStatus(err), nil)
		return apperror.ToGRPC(err)
	}
	defer release()

	entries, err := w.ListCache(ctx, req.StatusFilter)
	if err != nil {
		setReplyTrailer(stream, apperror.HTTPStatus(err), nil)
		return apperror.ToGRPC(err)
	}

	setReplyTrailer(stream, wire.StatusOK, nil)
	for _, entry := range entries {
		chunk, err := msgpack.Marshal(entry)
		if err != nil {
			return fmt.Errorf("rpcserver: encode cache entry: %w", err)
		}
		if err := stream.SendMsg(&rpcapi.StreamChunk{Data: chunk}); err != nil {
			return err
		}
	}
	return nil
}

// Catalog streams every project reachable under req.Location (or the whole
// search-path table, when empty), resolved by one checked-out worker.
func (s *Service) Catalog(req *rpcapi.CatalogRequest, stream grpc.ServerStream) error {
	ctx := stream.Context()
	w, release, err := s.pool.GetWorker(ctx)
	if err != nil {
		setReplyTrailer(stream, apperror.HTTPStatus(err), nil)
		return apperror.ToGRPC(err)
	}
	defer release()

	items, err := w.Catalog(ctx, req.Location)
	if err != nil {
		setReplyTrailer(stream, apperror.HTTPStatus(err), nil)
		return apperror.ToGRPC(err)
	}

	setReplyTrailer(stream, wire.StatusOK, nil)
	for _, item := range items {
		chunk, err := msgpack.Marshal(item)
		if err != nil {
			return fmt.Errorf("rpcserver: encode catalog item: %w", err)
		}
		if err := stream.SendMsg(&rpcapi.StreamChunk{Data: chunk}); err != nil {
			return err
		}
	}
	return nil
}

// Collections streams the OGC-API collections (one per layer) exposed by the
// project named by req.Location.
func (s *Service) Collections(req *rpcapi.CollectionsRequest, stream grpc.ServerStream) error {
	ctx := stream.Context()
	w, release, err := s.pool.GetWorker(ctx)
	if err != nil {
		setReplyTrailer(stream, apperror.HTTPStatus(err), nil)
		return apperror.ToGRPC(err)
	}
	defer release()

	items, err := w.Collections(ctx, req.Location)
	if err != nil {
		setReplyTrailer(stream, apperror.HTTPStatus(err), nil)
		return apperror.ToGRPC(err)
	}

	setReplyTrailer(stream, wire.StatusOK, nil)
	for _, item := range items {
		chunk, err := msgpack.Marshal(item)
		if err != nil {
			return fmt.Errorf("rpcserver: encode collection item: %w", err)
		}
		if err := stream.SendMsg(&rpcapi.StreamChunk{Data: chunk}); err != nil {
			return err
		}
	}
	return nil
}

// ServeOws checks out a worker, forwards the OWS request, and streams the
// worker's chunked response back to the caller. The reply status/headers
// travel as trailing metadata, per the x-reply-status-code/x-reply-header-*
// convention, set once the worker's response has been relayed; the caller
// reads them when the stream closes.
func (s *Service) ServeOws(req *rpcapi.OwsStreamRequest, stream grpc.ServerStream) error {
	return s.forwardRequest(stream, wire.MsgOwsRequest, wire.OwsRequestMsg{
		Service: req.Service,
		Request: req.Request,
		Target:  req.Target,
		URL:     req.URL,
		Method:  req.Method,
		Headers: req.Headers,
		Body:    req.Body,
	})
}

func (s *Service) ServeApi(req *rpcapi.ApiStreamRequest, stream grpc.ServerStream) error {
	return s.forwardRequest(stream, wire.MsgApiRequest, wire.ApiRequestMsg{
		Target:  req.Target,
		URL:     req.URL,
		Method:  req.Method,
		Path:    req.Path,
		Headers: req.Headers,
		Body:    req.Body,
	})
}

func (s *Service) forwardRequest(stream grpc.ServerStream, msgType wire.MsgType, body any) error {
	ctx := stream.Context()
	w, release, err := s.pool.GetWorker(ctx)
	if err != nil {
		setReplyTrailer(stream, apperror.HTTPStatus(err), nil)
		return apperror.ToGRPC(err)
	}
	defer release()

	header, err := w.StreamRequest(ctx, msgType, body, func(chunk []byte) error {
		return stream.SendMsg(&rpcapi.StreamChunk{Data: chunk})
	})
	if err != nil {
		setReplyTrailer(stream, apperror.HTTPStatus(err), nil)
		return apperror.ToGRPC(err)
	}

	headers := map[string]string{}
	for i := 0; i+1 < len(header.Headers); i += 2 {
		headers[header.Headers[i]] = header.Headers[i+1]
	}
	setReplyTrailer(stream, header.StatusCode, headers)
	return nil
}

// setReplyTrailer writes the x-reply-status-code/x-reply-header-* trailer
// convention shared by every streaming RPC on this service.
func setReplyTrailer(stream grpc.ServerStream, status int, headers map[string]string) {
	md := metadata.Pairs("x-reply-status-code", strconv.Itoa(status))
	for k, v := range headers {
		md.Append(fmt.Sprintf("x-reply-header-%s", k), v)
	}
	stream.SetTrailer(md)
}
