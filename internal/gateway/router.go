package gateway

import (
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/google/uuid"
	"google.golang.org/grpc"

	"qjazz/internal/rpcapi"
)

// defaultForwardedHeaders is the per-backend glob allow-list used when the
// gateway config leaves ForwardedHeaders empty.
var defaultForwardedHeaders = []string{"x-qgis-*", "x-lizmap-*", "authorization"}

// hopByHopHeaders must never be forwarded verbatim in either direction: the
// gateway and its gRPC transport own framing, not the proxied backend.
var hopByHopHeaders = map[string]bool{
	"content-length":    true,
	"transfer-encoding": true,
	"connection":        true,
}

// RouterConfig configures the HTTP router's CORS policy and per-request
// metadata forwarding.
type RouterConfig struct {
	CORS CORSConfig

	// ForwardedHeaders is the glob allow-list (e.g. "x-qgis-*") of incoming
	// request headers passed through to a backend. Empty uses
	// defaultForwardedHeaders.
	ForwardedHeaders []string

	// WFSMaxFeatures clamps WFS GetFeature's COUNT/MAXFEATURES params when
	// either exceeds it, or is absent. Zero disables clamping.
	WFSMaxFeatures int
}

// CORSConfig mirrors the gateway's configured CORS policy.
type CORSConfig struct {
	Enabled          bool
	AllowedOrigins   []string
	AllowedMethods   []string
	AllowedHeaders   []string
	AllowCredentials bool
	MaxAge           int
}

// Router dispatches incoming OWS/OGC-API HTTP requests to the Channel whose
// configured route prefix matches the request path, and exposes the Admin
// aggregator under /admin.
type Router struct {
	mux              *chi.Mux
	log              *slog.Logger
	forwardedHeaders []string
	wfsMaxFeatures   int
}

// NewRouter builds a chi-based Router over channels, each serving the
// path prefix it was configured with.
func NewRouter(cfg RouterConfig, channels []*Channel, admin *Admin, log *slog.Logger) *Router {
	if log == nil {
		log = slog.Default()
	}
	headerAllowList := cfg.ForwardedHeaders
	if len(headerAllowList) == 0 {
		headerAllowList = defaultForwardedHeaders
	}
	r := &Router{mux: chi.NewRouter(), log: log, forwardedHeaders: headerAllowList, wfsMaxFeatures: cfg.WFSMaxFeatures}

	if cfg.CORS.Enabled {
		r.mux.Use(cors.Handler(cors.Options{
			AllowedOrigins:   cfg.CORS.AllowedOrigins,
			AllowedMethods:   cfg.CORS.AllowedMethods,
			AllowedHeaders:   cfg.CORS.AllowedHeaders,
			AllowCredentials: cfg.CORS.AllowCredentials,
			MaxAge:           cfg.CORS.MaxAge,
		}))
	}

	for _, ch := range channels {
		prefix := ch.Route()
		r.mux.HandleFunc(prefix+"/*", r.handleProject(ch, prefix))
	}

	if admin != nil {
		r.mux.Mount("/admin", admin.Handler())
	}

	r.mux.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	return r
}

// ServeHTTP lets Router serve as a plain http.Handler.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}

// handleProject forwards one request under prefix to ch, picking OWS or
// OGC-API framing by the presence of the SERVICE query parameter —
// the same heuristic the legacy HTTP dispatcher uses to tell a classic OWS
// GET apart from an OGC-API path segment.
func (r *Router) handleProject(ch *Channel, prefix string) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		pathTarget := strings.TrimPrefix(strings.TrimPrefix(req.URL.Path, prefix), "/")

		body, err := io.ReadAll(req.Body)
		if err != nil {
			http.Error(w, "failed to read request body", http.StatusBadRequest)
			return
		}
		headers := r.filteredHeaders(req)
		reqID := headers["X-Request-Id"]
		if reqID == "" {
			reqID = uuid.NewString()
			headers["X-Request-Id"] = reqID
		}
		w.Header().Set("X-Request-Id", reqID)

		q := req.URL.Query()
		// X-Qgis-Project wins over MAP=, which wins over the request path's
		// own tail, per the project-selection precedence in the spec.
		target := firstNonEmpty(req.Header.Get("X-Qgis-Project"), q.Get("MAP"), q.Get("map"), pathTarget)

		isOws := q.Get("SERVICE") != "" || q.Get("service") != ""
		reqURL := req.URL.String()
		if isOws {
			service := firstNonEmpty(q.Get("SERVICE"), q.Get("service"))
			request := firstNonEmpty(q.Get("REQUEST"), q.Get("request"))
			if strings.EqualFold(service, "WFS") && strings.EqualFold(request, "GetFeature") {
				reqURL = r.clampWFSFeatureLimit(req.URL, q)
			}
			stream, err := ch.ServeOws(req.Context(), &rpcapi.OwsStreamRequest{
				Target:  target,
				Service: service,
				Request: request,
				URL:     reqURL,
				Method:  req.Method,
				Headers: headers,
				Body:    body,
			})
			if err != nil {
				http.Error(w, err.Error(), http.StatusBadGateway)
				return
			}
			streamResponse(w, stream, r.log)
			return
		}

		stream, err := ch.ServeApi(req.Context(), &rpcapi.ApiStreamRequest{
			Target:  target,
			URL:     reqURL,
			Method:  req.Method,
			Path:    target,
			Headers: headers,
			Body:    body,
		})
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadGateway)
			return
		}
		streamResponse(w, stream, r.log)
	}
}

// clampWFSFeatureLimit rewrites a WFS GetFeature URL's feature-count param so
// it never exceeds r.wfsMaxFeatures: WFS 2.0 clients use COUNT, 1.x clients
// use MAXFEATURES; an absent or over-limit value is set to the limit.
// Disabled when wfsMaxFeatures is zero.
func (r *Router) clampWFSFeatureLimit(u *url.URL, q url.Values) string {
	if r.wfsMaxFeatures <= 0 {
		return u.String()
	}
	clamped := false
	for _, param := range []string{"COUNT", "count", "MAXFEATURES", "maxFeatures", "maxfeatures"} {
		raw := q.Get(param)
		if raw == "" {
			continue
		}
		n, err := strconv.Atoi(raw)
		if err != nil || n > r.wfsMaxFeatures {
			q.Set(param, strconv.Itoa(r.wfsMaxFeatures))
			clamped = true
		}
	}
	if !clamped {
		if q.Get("COUNT") == "" && q.Get("count") == "" && q.Get("MAXFEATURES") == "" && q.Get("maxfeatures") == "" && q.Get("maxFeatures") == "" {
			q.Set("COUNT", strconv.Itoa(r.wfsMaxFeatures))
			clamped = true
		}
	}
	if !clamped {
		return u.String()
	}
	out := *u
	out.RawQuery = q.Encode()
	return out.String()
}

// streamResponse drains a backend's chunked reply into w, translating the
// x-reply-status-code/x-reply-header-* trailer convention into the real HTTP
// status line and headers. Those trailers only land once the stream closes,
// so the response can't be flushed chunk-by-chunk without risking a 200
// that later turns out to have been an error — buffering the whole body is
// the price of that guarantee.
func streamResponse(w http.ResponseWriter, stream grpc.ClientStream, log *slog.Logger) {
	var chunks [][]byte
	for {
		var chunk rpcapi.StreamChunk
		err := stream.RecvMsg(&chunk)
		if err == io.EOF {
			break
		}
		if err != nil {
			if len(chunks) == 0 {
				http.Error(w, err.Error(), http.StatusBadGateway)
				return
			}
			log.Warn("stream interrupted mid-response", "error", err)
			break
		}
		chunks = append(chunks, chunk.Data)
	}

	status := http.StatusOK
	md := stream.Trailer()
	if codes := md.Get("x-reply-status-code"); len(codes) == 1 {
		if code, err := strconv.Atoi(codes[0]); err == nil {
			status = code
		}
	}
	for key, vals := range md {
		if name, ok := strings.CutPrefix(key, "x-reply-header-"); ok && len(vals) > 0 {
			if hopByHopHeaders[name] {
				continue
			}
			w.Header().Set(name, vals[0])
		}
	}
	w.WriteHeader(status)
	for _, c := range chunks {
		w.Write(c)
	}
}

// filteredHeaders copies only the incoming headers that match r's glob
// allow-list, case-insensitively, and never copies a hop-by-hop header name
// regardless of the allow-list.
func (r *Router) filteredHeaders(req *http.Request) map[string]string {
	headers := make(map[string]string, len(req.Header))
	for k, v := range req.Header {
		if len(v) == 0 {
			continue
		}
		lower := strings.ToLower(k)
		if hopByHopHeaders[lower] {
			continue
		}
		if matchesAnyGlob(lower, r.forwardedHeaders) {
			headers[k] = v[0]
		}
	}
	return headers
}

// matchesAnyGlob reports whether name matches any pattern, where a pattern
// ending in "*" matches by prefix and any other pattern matches exactly.
// Both name and patterns are compared case-insensitively.
func matchesAnyGlob(name string, patterns []string) bool {
	for _, p := range patterns {
		p = strings.ToLower(p)
		if prefix, ok := strings.CutSuffix(p, "*"); ok {
			if strings.HasPrefix(name, prefix) {
				return true
			}
			continue
		}
		if name == p {
			return true
		}
	}
	return false
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
