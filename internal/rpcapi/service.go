package rpcapi

import (
	"context"

	"google.golang.org/grpc"

	"qjazz/internal/qgis"
	"qjazz/internal/wire"
)

// CheckoutRequest asks the pool to resolve (and optionally pull) a project.
type CheckoutRequest struct {
	URI  string `msgpack:"uri"`
	Pull bool   `msgpack:"pull"`
}

// URIRequest names a single project by its resolved storage URI.
type URIRequest struct {
	URI string `msgpack:"uri"`
}

// ListCacheRequest filters ListCache by checkout status.
type ListCacheRequest struct {
	StatusFilter string `msgpack:"status_filter,omitempty"`
}

// PutConfigRequest pushes a new broadcast configuration to every worker.
type PutConfigRequest struct {
	Config  map[string]any `msgpack:"config"`
	IsProxy bool           `msgpack:"is_proxy"`
}

// OwsStreamRequest carries an OWS request to be routed to a project.
type OwsStreamRequest struct {
	Target  string            `msgpack:"target"`
	Service string            `msgpack:"service"`
	Request string            `msgpack:"request"`
	URL     string            `msgpack:"url"`
	Method  string            `msgpack:"method"`
	Headers map[string]string `msgpack:"headers,omitempty"`
	Body    []byte            `msgpack:"body,omitempty"`
}

// ApiStreamRequest carries an OGC-API request to be routed to a project.
type ApiStreamRequest struct {
	Target  string            `msgpack:"target"`
	URL     string            `msgpack:"url"`
	Method  string            `msgpack:"method"`
	Path    string            `msgpack:"path"`
	Headers map[string]string `msgpack:"headers,omitempty"`
	Body    []byte            `msgpack:"body,omitempty"`
}

// StreamChunk is one frame of a streamed response body. The reply status and
// headers of a ServeOws/ServeApi/ListCache/Catalog/Collections stream are not
// in any chunk: they travel in gRPC trailing metadata (x-reply-status-code,
// x-reply-header-*), read once the stream closes — see rpcserver for the
// trailer convention.
type StreamChunk struct {
	Data []byte `msgpack:"data"`
}

// SleepRequest is the diagnostic Sleep passthrough.
type SleepRequest struct {
	Delay float64 `msgpack:"delay"`
}

// SleepReply echoes how the diagnostic Sleep ended.
type SleepReply struct {
	Status string `msgpack:"status"`
}

// CatalogRequest lists every project reachable under location, or every
// route in the search-path table when location is empty.
type CatalogRequest struct {
	Location string `msgpack:"location,omitempty"`
}

// CollectionsRequest lists the OGC-API collections (one per layer) exposed
// by the project named by Location.
type CollectionsRequest struct {
	Location string `msgpack:"location"`
}

// StatsReply reports a pool's current size and load, the data behind
// admin/monitoring dashboards and autoscaling decisions.
type StatsReply struct {
	NumWorkers            int     `msgpack:"num_workers"`
	StoppedWorkers        int     `msgpack:"stopped_workers"`
	AvailableWorkers      int     `msgpack:"available_workers"`
	RequestPressure       float64 `msgpack:"request_pressure"`
	WorkerFailurePressure float64 `msgpack:"worker_failure_pressure"`
	UptimeSeconds         float64 `msgpack:"uptime_seconds"`
}

// SetServingStatusRequest toggles the gRPC health status reported for this
// service, letting an operator drain a deployment out of a load balancer
// without killing it.
type SetServingStatusRequest struct {
	Status string `msgpack:"status"` // "SERVING" or "NOT_SERVING"
}

// Server is the interface the supervisor's pool-backed implementation
// satisfies; ServiceDesc below dispatches onto it by method name.
type Server interface {
	Ping(ctx context.Context, req *wire.PingMsg) (*StatusReply, error)
	CheckoutProject(ctx context.Context, req *CheckoutRequest) (*wire.CacheInfo, error)
	UpdateCache(ctx context.Context, req *URIRequest) (*wire.CacheInfo, error)
	DropProject(ctx context.Context, req *URIRequest) (*wire.CacheInfo, error)
	ClearCache(ctx context.Context, req *EmptyRequest) (*StatusReply, error)
	GetProjectInfo(ctx context.Context, req *URIRequest) (*wire.ProjectInfo, error)
	Plugins(ctx context.Context, req *EmptyRequest) (*PluginsReply, error)
	GetEnv(ctx context.Context, req *EmptyRequest) (*EnvReply, error)
	PutConfig(ctx context.Context, req *PutConfigRequest) (*StatusReply, error)
	GetConfig(ctx context.Context, req *EmptyRequest) (*ConfigReply, error)
	Stats(ctx context.Context, req *EmptyRequest) (*StatsReply, error)
	Sleep(ctx context.Context, req *SleepRequest) (*SleepReply, error)
	SetServerServingStatus(ctx context.Context, req *SetServingStatusRequest) (*StatusReply, error)

	ListCache(req *ListCacheRequest, stream grpc.ServerStream) error
	ServeOws(req *OwsStreamRequest, stream grpc.ServerStream) error
	ServeApi(req *ApiStreamRequest, stream grpc.ServerStream) error
	Catalog(req *CatalogRequest, stream grpc.ServerStream) error
	Collections(req *CollectionsRequest, stream grpc.ServerStream) error
}

// EmptyRequest is the placeholder request for RPCs with no parameters.
type EmptyRequest struct{}

// StatusReply is the generic "it worked" acknowledgement for management RPCs.
type StatusReply struct {
	OK      bool   `msgpack:"ok"`
	Message string `msgpack:"message,omitempty"`
}

// PluginsReply lists loaded worker plugins.
type PluginsReply struct {
	Plugins []qgis.Plugin `msgpack:"plugins"`
}

// EnvReply carries the cached worker runtime environment.
type EnvReply struct {
	Env map[string]string `msgpack:"env"`
}

// ConfigReply carries the pool's effective broadcast configuration.
type ConfigReply struct {
	Config map[string]any `msgpack:"config"`
}

func unaryHandler[Req any](
	method func(Server, context.Context, *Req) (any, error),
) func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		req := new(Req)
		if err := dec(req); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return method(srv.(Server), ctx, req)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: ServiceName}
		handler := func(ctx context.Context, req any) (any, error) {
			return method(srv.(Server), ctx, req.(*Req))
		}
		return interceptor(ctx, req, info, handler)
	}
}

// ServiceName is the gRPC service path registered with the server.
const ServiceName = "qjazz.rpc.RpcService"

// ServiceDesc is the hand-rolled descriptor registered on a *grpc.Server in
// place of a protoc-generated one — this system has no .proto sources; every
// message here is a plain msgpack-tagged struct shared with the pipe
// protocol in internal/wire.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*Server)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Ping", Handler: pingHandler},
		{MethodName: "CheckoutProject", Handler: checkoutHandler},
		{MethodName: "UpdateCache", Handler: updateCacheHandler},
		{MethodName: "DropProject", Handler: dropProjectHandler},
		{MethodName: "ClearCache", Handler: clearCacheHandler},
		{MethodName: "GetProjectInfo", Handler: getProjectInfoHandler},
		{MethodName: "Plugins", Handler: pluginsHandler},
		{MethodName: "GetEnv", Handler: getEnvHandler},
		{MethodName: "PutConfig", Handler: putConfigHandler},
		{MethodName: "GetConfig", Handler: getConfigHandler},
		{MethodName: "Stats", Handler: statsHandler},
		{MethodName: "Sleep", Handler: sleepHandler},
		{MethodName: "SetServerServingStatus", Handler: setServerServingStatusHandler},
	},
	Streams: []grpc.StreamDesc{
		{StreamName: "ListCache", Handler: listCacheStreamHandler, ServerStreams: true},
		{StreamName: "ServeOws", Handler: serveOwsStreamHandler, ServerStreams: true},
		{StreamName: "ServeApi", Handler: serveApiStreamHandler, ServerStreams: true},
		{StreamName: "Catalog", Handler: catalogStreamHandler, ServerStreams: true},
		{StreamName: "Collections", Handler: collectionsStreamHandler, ServerStreams: true},
	},
	Metadata: "qjazz/rpcapi.proto",
}

var pingHandler = unaryHandler(func(s Server, ctx context.Context, req *wire.PingMsg) (any, error) {
	return s.Ping(ctx, req)
})

var checkoutHandler = unaryHandler(func(s Server, ctx context.Context, req *CheckoutRequest) (any, error) {
	return s.CheckoutProject(ctx, req)
})

var updateCacheHandler = unaryHandler(func(s Server, ctx context.Context, req *URIRequest) (any, error) {
	return s.UpdateCache(ctx, req)
})

var dropProjectHandler = unaryHandler(func(s Server, ctx context.Context, req *URIRequest) (any, error) {
	return s.DropProject(ctx, req)
})

var clearCacheHandler = unaryHandler(func(s Server, ctx context.Context, req *EmptyRequest) (any, error) {
	return s.ClearCache(ctx, req)
})

var getProjectInfoHandler = unaryHandler(func(s Server, ctx context.Context, req *URIRequest) (any, error) {
	return s.GetProjectInfo(ctx, req)
})

var pluginsHandler = unaryHandler(func(s Server, ctx context.Context, req *EmptyRequest) (any, error) {
	return s.Plugins(ctx, req)
})

var getEnvHandler = unaryHandler(func(s Server, ctx context.Context, req *EmptyRequest) (any, error) {
	return s.GetEnv(ctx, req)
})

var putConfigHandler = unaryHandler(func(s Server, ctx context.Context, req *PutConfigRequest) (any, error) {
	return s.PutConfig(ctx, req)
})

var getConfigHandler = unaryHandler(func(s Server, ctx context.Context, req *EmptyRequest) (any, error) {
	return s.GetConfig(ctx, req)
})

var statsHandler = unaryHandler(func(s Server, ctx context.Context, req *EmptyRequest) (any, error) {
	return s.Stats(ctx, req)
})

var sleepHandler = unaryHandler(func(s Server, ctx context.Context, req *SleepRequest) (any, error) {
	return s.Sleep(ctx, req)
})

var setServerServingStatusHandler = unaryHandler(func(s Server, ctx context.Context, req *SetServingStatusRequest) (any, error) {
	return s.SetServerServingStatus(ctx, req)
})

func listCacheStreamHandler(srv any, stream grpc.ServerStream) error {
	req := new(ListCacheRequest)
	if err := stream.RecvMsg(req); err != nil {
		return err
	}
	return srv.(Server).ListCache(req, stream)
}

func serveOwsStreamHandler(srv any, stream grpc.ServerStream) error {
	req := new(OwsStreamRequest)
	if err := stream.RecvMsg(req); err != nil {
		return err
	}
	return srv.(Server).ServeOws(req, stream)
}

func serveApiStreamHandler(srv any, stream grpc.ServerStream) error {
	req := new(ApiStreamRequest)
	if err := stream.RecvMsg(req); err != nil {
		return err
	}
	return srv.(Server).ServeApi(req, stream)
}

func catalogStreamHandler(srv any, stream grpc.ServerStream) error {
	req := new(CatalogRequest)
	if err := stream.RecvMsg(req); err != nil {
		return err
	}
	return srv.(Server).Catalog(req, stream)
}

func collectionsStreamHandler(srv any, stream grpc.ServerStream) error {
	req := new(CollectionsRequest)
	if err := stream.RecvMsg(req); err != nil {
		return err
	}
	return srv.(Server).Collections(req, stream)
}
