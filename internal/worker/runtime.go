// Package worker implements the worker-process side of the pipe protocol: a
// main loop that receives framed messages over a Codec, dispatches them
// against a cache Manager and a qgis Handler, and writes back single-shot or
// streamed replies.
package worker

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"qjazz/internal/cache"
	"qjazz/internal/qgis"
	"qjazz/internal/wire"
	"qjazz/pkg/apperror"
)

// Config carries the startup-time decisions the runtime needs beyond its
// collaborators: whether PutConfig may be honored directly (IsProxy
// distinguishes the same thing per-request).
type Config struct {
	AllowDirectConfig bool
}

// Runtime drives one worker process's message loop. It owns no goroutines of
// its own — Serve blocks the calling goroutine until the peer closes the
// pipe or a QuitMsg is handled.
type Runtime struct {
	codec   *wire.Codec
	handler qgis.Handler
	cache   *cache.Manager
	rv      *RendezVous
	log     *slog.Logger
	cfg     Config

	env    map[string]string
	config map[string]any

	cancel chan struct{}
}

// NewRuntime builds a Runtime. rv may be nil when the worker runs without a
// supervisor-facing rendez-vous FIFO (e.g. under test).
func NewRuntime(codec *wire.Codec, handler qgis.Handler, mgr *cache.Manager, rv *RendezVous, cfg Config, log *slog.Logger) *Runtime {
	if log == nil {
		log = slog.Default()
	}
	return &Runtime{
		codec:   codec,
		handler: handler,
		cache:   mgr,
		rv:      rv,
		log:     log,
		cfg:     cfg,
		env:     handler.Env(),
		config:  map[string]any{},
		cancel:  make(chan struct{}),
	}
}

// Cancel unblocks any in-flight Sleep diagnostic handler. Analogous to the
// SIGHUP-triggered feedback cancellation of the process this runtime models.
func (rt *Runtime) Cancel() {
	select {
	case <-rt.cancel:
	default:
		close(rt.cancel)
	}
}

// Serve runs the receive-dispatch-reply loop until the peer closes the pipe
// (reported as nil) or an unrecoverable framing error occurs.
func (rt *Runtime) Serve() error {
	for {
		if rt.rv != nil {
			if err := rt.rv.Done(); err != nil {
				return fmt.Errorf("worker: rendez-vous done: %w", err)
			}
		}

		frame, err := rt.codec.RecvFrame()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("worker: recv: %w", err)
		}
		if frame == nil {
			continue
		}

		if rt.rv != nil {
			if err := rt.rv.Busy(); err != nil {
				return fmt.Errorf("worker: rendez-vous busy: %w", err)
			}
		}

		env, err := wire.DecodeEnvelope(frame)
		if err != nil {
			rt.log.Error("worker: malformed envelope", "error", err)
			if werr := rt.sendReply(wire.StatusBadInput, err.Error()); werr != nil {
				return werr
			}
			continue
		}

		quit, err := rt.dispatch(env)
		if err != nil {
			rt.log.Error("worker: dispatch failed", "type", env.Type, "error", err)
			if werr := rt.sendReply(statusFor(err), err.Error()); werr != nil {
				return werr
			}
			continue
		}
		if quit {
			return nil
		}
	}
}

// dispatch handles one decoded envelope. A returned error means the handler
// itself failed (reported back to the peer as a reply, loop continues); a
// returned transport error from writing the reply propagates out of Serve.
func (rt *Runtime) dispatch(env wire.Envelope) (quit bool, err error) {
	switch env.Type {
	case wire.MsgPing:
		return false, rt.sendReply(wire.StatusOK, "pong")

	case wire.MsgQuit:
		_ = rt.sendReply(wire.StatusOK, "bye")
		return true, nil

	case wire.MsgOwsRequest:
		msg, derr := wire.DecodeBody[wire.OwsRequestMsg](env)
		if derr != nil {
			return false, derr
		}
		return false, rt.handleRequest(requestFromOws(msg), msg.Target)

	case wire.MsgApiRequest:
		msg, derr := wire.DecodeBody[wire.ApiRequestMsg](env)
		if derr != nil {
			return false, derr
		}
		return false, rt.handleRequest(requestFromAPI(msg), msg.Target)

	case wire.MsgCheckoutProject:
		msg, derr := wire.DecodeBody[wire.CheckoutProjectMsg](env)
		if derr != nil {
			return false, derr
		}
		return false, rt.handleCheckout(msg)

	case wire.MsgUpdateCache:
		msg, derr := wire.DecodeBody[wire.UpdateCacheMsg](env)
		if derr != nil {
			return false, derr
		}
		return false, rt.handleUpdateCache(msg)

	case wire.MsgDropProject:
		msg, derr := wire.DecodeBody[wire.DropProjectMsg](env)
		if derr != nil {
			return false, derr
		}
		status, derr := rt.cache.Drop(msg.URI)
		if derr != nil {
			return false, derr
		}
		return false, rt.sendReply(wire.StatusOK, cacheInfoFrom(msg.URI, status, nil))

	case wire.MsgClearCache:
		rt.cache.Clear()
		return false, rt.sendReply(wire.StatusOK, "cleared")

	case wire.MsgListCache:
		msg, derr := wire.DecodeBody[wire.ListCacheMsg](env)
		if derr != nil {
			return false, derr
		}
		return false, rt.handleListCache(msg)

	case wire.MsgGetProjectInfo:
		msg, derr := wire.DecodeBody[wire.GetProjectInfoMsg](env)
		if derr != nil {
			return false, derr
		}
		return false, rt.handleGetProjectInfo(msg)

	case wire.MsgCatalog:
		msg, derr := wire.DecodeBody[wire.CatalogMsg](env)
		if derr != nil {
			return false, derr
		}
		return false, rt.handleCatalog(msg)

	case wire.MsgCollections:
		msg, derr := wire.DecodeBody[wire.CollectionsMsg](env)
		if derr != nil {
			return false, derr
		}
		return false, rt.handleCollections(msg)

	case wire.MsgPlugins:
		return false, rt.sendReply(wire.StatusOK, rt.handler.Plugins())

	case wire.MsgPutConfig:
		msg, derr := wire.DecodeBody[wire.PutConfigMsg](env)
		if derr != nil {
			return false, derr
		}
		return false, rt.handlePutConfig(msg)

	case wire.MsgGetConfig:
		return false, rt.sendReply(wire.StatusOK, rt.config)

	case wire.MsgGetEnv:
		return false, rt.sendReply(wire.StatusOK, rt.env)

	case wire.MsgSleep:
		msg, derr := wire.DecodeBody[wire.SleepMsg](env)
		if derr != nil {
			return false, derr
		}
		return false, rt.handleSleep(msg)

	default:
		return false, apperror.New(apperror.CodeUnsupportedMsg, fmt.Sprintf("unsupported message type %d", env.Type))
	}
}

// handlePutConfig gates live config replacement on the IsProxy flag: a
// direct (non-proxied) write is only honored when the worker itself was
// started with AllowDirectConfig, mirroring the config-object/config-proxy
// distinction of the process this models.
func (rt *Runtime) handlePutConfig(msg wire.PutConfigMsg) error {
	if !msg.IsProxy && !rt.cfg.AllowDirectConfig {
		return apperror.New(apperror.CodeResourceNotAllowed, "direct config updates are not allowed on this worker")
	}
	rt.config = msg.Config
	return rt.sendReply(wire.StatusOK, "ok")
}

// handleSleep blocks for the requested delay or until Cancel is called,
// whichever comes first. A pure diagnostic handler exercising the
// cancellation path without touching QGIS.
func (rt *Runtime) handleSleep(msg wire.SleepMsg) error {
	d := time.Duration(msg.Delay * float64(time.Second))
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return rt.sendReply(wire.StatusOK, "slept")
	case <-rt.cancel:
		return rt.sendReply(wire.StatusOK, "cancelled")
	}
}

func (rt *Runtime) handleCheckout(msg wire.CheckoutProjectMsg) error {
	md, status, err := rt.cache.Checkout(msg.URI)
	if err != nil {
		return err
	}
	// A removed project is always evicted, pull or not: there is nothing to
	// pull and a stale entry must not linger in the cache map.
	if status == cache.StatusRemoved || (msg.Pull && (status == cache.StatusNew || status == cache.StatusNeedUpdate)) {
		_, status, err = rt.cache.Update(md, status)
		if err != nil {
			return err
		}
	}
	return rt.sendReply(wire.StatusOK, cacheInfoFrom(msg.URI, status, &md))
}

func (rt *Runtime) handleUpdateCache(msg wire.UpdateCacheMsg) error {
	md, status, err := rt.cache.Checkout(msg.URI)
	if err != nil {
		return err
	}
	_, status, err = rt.cache.Update(md, status)
	if err != nil {
		return err
	}
	return rt.sendReply(wire.StatusOK, cacheInfoFrom(msg.URI, status, &md))
}

func (rt *Runtime) handleListCache(msg wire.ListCacheMsg) error {
	entries := rt.cache.List()
	out := make([]wire.CacheInfo, 0, len(entries))
	for _, e := range entries {
		info := wire.CacheInfo{
			Status:    "UNCHANGED",
			URI:       e.Metadata.URI,
			InCache:   true,
			Pinned:    e.Pinned,
			Timestamp: e.Metadata.LastModified,
		}
		if msg.StatusFilter != "" && info.Status != msg.StatusFilter {
			continue
		}
		out = append(out, info)
	}
	return rt.sendReply(wire.StatusOK, out)
}

// handleCatalog streams every project reachable under msg.Location as a
// (206, CatalogItem) per project followed by a terminating (204,).
func (rt *Runtime) handleCatalog(msg wire.CatalogMsg) error {
	projects, err := rt.cache.Catalog(msg.Location)
	if err != nil {
		return err
	}
	items := make([]any, len(projects))
	for i, p := range projects {
		items[i] = wire.CatalogItem{Storage: p.StorageTag, URI: p.URI, Name: p.PublicName}
	}
	return rt.sendStream(items)
}

// handleCollections streams the OGC-API collections (one per layer) exposed
// by the project named in msg.Location as a (206, CollectionItem) per layer
// followed by a terminating (204,).
func (rt *Runtime) handleCollections(msg wire.CollectionsMsg) error {
	entry, ok := rt.cache.Get(msg.Location)
	if !ok {
		return apperror.ErrProjectNotFound.WithDetails("target", msg.Location)
	}

	var items []any
	if raw, ok := entry.DebugDetails["layers"]; ok {
		for _, l := range raw.([]cache.LayerValidity) {
			items = append(items, wire.CollectionItem{ID: l.LayerID, Title: l.Name})
		}
	}
	return rt.sendStream(items)
}

func (rt *Runtime) handleGetProjectInfo(msg wire.GetProjectInfoMsg) error {
	entry, ok := rt.cache.Get(msg.URI)
	if !ok {
		return apperror.ErrProjectNotFound
	}

	var layers []wire.LayerInfo
	hasBad := false
	if raw, ok := entry.DebugDetails["layers"]; ok {
		for _, l := range raw.([]cache.LayerValidity) {
			layers = append(layers, wire.LayerInfo{
				LayerID: l.LayerID, Name: l.Name, Source: l.Source,
				CRS: l.CRS, IsValid: l.IsValid, IsSpatial: l.IsSpatial,
			})
			if !l.IsValid {
				hasBad = true
			}
		}
	}

	return rt.sendReply(wire.StatusOK, wire.ProjectInfo{
		Status:       "UNCHANGED",
		URI:          entry.Metadata.URI,
		Filename:     entry.Metadata.PublicName,
		LastModified: entry.Metadata.LastModified,
		Storage:      entry.Metadata.StorageTag,
		HasBadLayers: hasBad,
		Layers:       layers,
		CacheID:      entry.Metadata.URI,
	})
}

// handleRequest resolves the optional target project, then drives the
// qgis.Handler through a streamWriter so the reply leaves the wire as a
// header frame followed by zero or more chunk frames and a terminating
// zero-length frame.
func (rt *Runtime) handleRequest(req qgis.Request, target string) error {
	var project qgis.Project
	if target != "" {
		p, err := rt.handler.LoadProject(target)
		if err != nil {
			return apperror.ErrProjectNotFound.WithDetails("target", target)
		}
		project = p
	}

	w := &streamWriter{codec: rt.codec, status: wire.StatusOK}
	if err := rt.handler.HandleRequest(req, w, project); err != nil {
		return err
	}
	return w.finish()
}

func requestFromOws(msg wire.OwsRequestMsg) qgis.Request {
	return qgis.Request{URL: msg.URL, Method: msg.Method, Path: msg.Service, Headers: msg.Headers, Body: msg.Body}
}

func requestFromAPI(msg wire.ApiRequestMsg) qgis.Request {
	return qgis.Request{URL: msg.URL, Method: msg.Method, Path: msg.Path, Headers: msg.Headers, Body: msg.Body}
}

func cacheInfoFrom(uri string, status cache.CheckoutStatus, md *cache.ProjectMetadata) wire.CacheInfo {
	info := wire.CacheInfo{Status: status.String(), URI: uri, InCache: status != cache.StatusRemoved && status != cache.StatusNotFound}
	if md != nil {
		info.Timestamp = md.LastModified
	}
	return info
}

// sendReply writes a single-shot (status, body) reply frame.
func (rt *Runtime) sendReply(status int, body any) error {
	payload, err := msgpack.Marshal(wire.Reply{Status: status, Body: body})
	if err != nil {
		return fmt.Errorf("worker: encode reply: %w", err)
	}
	return rt.codec.SendFrame(payload)
}

// sendStream writes one (206, item) reply per item followed by a
// terminating (204,), the streamed-reply convention for Catalog/Collections.
func (rt *Runtime) sendStream(items []any) error {
	for _, item := range items {
		if err := rt.sendReply(wire.StatusStreamContinue, item); err != nil {
			return err
		}
	}
	return rt.sendReply(wire.StatusStreamEnd, nil)
}

// statusFor maps a handler error to a reply status, using the apperror
// taxonomy's HTTP-like scale when available and falling back to 500.
func statusFor(err error) int {
	var appErr *apperror.Error
	if errors.As(err, &appErr) {
		return appErr.HTTPStatus()
	}
	return wire.StatusInternal
}

// streamWriter adapts qgis.ResponseWriter onto the wire codec: the first
// Write flushes a RequestReply header frame, subsequent Writes become chunk
// frames, and Close (or finish, if the handler never calls Close) emits the
// end-of-stream sentinel.
type streamWriter struct {
	codec       *wire.Codec
	status      int
	headers     []string
	wroteHeader bool
	closed      bool
}

func (w *streamWriter) SetStatus(code int) { w.status = code }

func (w *streamWriter) SetHeader(key, value string) {
	w.headers = append(w.headers, key, value)
}

func (w *streamWriter) Write(p []byte) (int, error) {
	if err := w.flushHeader(); err != nil {
		return 0, err
	}
	if len(p) == 0 {
		return 0, nil
	}
	if err := w.codec.SendChunk(p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (w *streamWriter) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true
	if err := w.flushHeader(); err != nil {
		return err
	}
	return w.codec.SendEndOfStream()
}

func (w *streamWriter) finish() error {
	return w.Close()
}

func (w *streamWriter) flushHeader() error {
	if w.wroteHeader {
		return nil
	}
	w.wroteHeader = true
	payload, err := msgpack.Marshal(wire.RequestReply{StatusCode: w.status, Headers: w.headers})
	if err != nil {
		return fmt.Errorf("worker: encode header: %w", err)
	}
	return w.codec.SendFrame(payload)
}
