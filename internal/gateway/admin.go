package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/vmihailenco/msgpack/v5"

	"qjazz/internal/rpcapi"
	"qjazz/internal/wire"
	"qjazz/pkg/cache"
)

func decodeChunk(data []byte, v any) error {
	return msgpack.Unmarshal(data, v)
}

// BackendStatus mirrors one pool's health as reported to a fleet-wide admin
// view: whether it answered a Ping, and the error if it did not. Worker
// counts and load are served separately by the stats endpoint.
type BackendStatus struct {
	Label   string `json:"label"`
	Address string `json:"address"`
	Status  string `json:"status"` // "ok" or "unavailable"
	Error   string `json:"error,omitempty"`
}

// CacheItem mirrors one cached project entry surfaced through the admin
// catalog view.
type CacheItem struct {
	URI          string `json:"uri"`
	Status       string `json:"status"`
	Name         string `json:"name"`
	LastModified int64  `json:"last_modified"`
}

// Admin serves status, plugin, environment, and cache information for the
// backend channels the gateway knows about. It never forwards project
// requests itself — that's Router's job. /pools pings every channel; the
// other endpoints address one backend, named by its label, and results are
// not merged across backends.
type Admin struct {
	channels  []*Channel
	catalogCache cache.Cache // optional; nil disables catalog-view caching
	catalogTTL   time.Duration
}

// NewAdmin builds an Admin aggregator over channels.
func NewAdmin(channels []*Channel) *Admin {
	return &Admin{channels: channels}
}

// NewAdminWithCatalogCache builds an Admin whose catalog view is memoized for
// ttl, since a backend's catalog walks its whole search-path table on every
// request and rarely changes between two admin page loads.
func NewAdminWithCatalogCache(channels []*Channel, c cache.Cache, ttl time.Duration) *Admin {
	return &Admin{channels: channels, catalogCache: c, catalogTTL: ttl}
}

// Handler returns the admin HTTP surface, mountable under any prefix.
func (a *Admin) Handler() http.Handler {
	r := chi.NewRouter()
	r.Get("/pools", a.listPools)
	r.Get("/pools/{label}/cache", a.listCache)
	r.Get("/pools/{label}/catalog", a.catalog)
	r.Get("/pools/{label}/stats", a.stats)
	r.Get("/pools/{label}/plugins", a.plugins)
	r.Get("/pools/{label}/env", a.env)
	r.Post("/pools/{label}/config", a.putConfig)
	r.Post("/pools/{label}/cache/clear", a.clearCache)
	return r
}

func (a *Admin) findChannel(label string) (*Channel, bool) {
	for _, ch := range a.channels {
		if ch.Label() == label {
			return ch, true
		}
	}
	return nil, false
}

// listPools reports a BackendStatus per configured channel, pinging each
// concurrently so one unreachable backend doesn't delay the rest.
func (a *Admin) listPools(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	statuses := make([]BackendStatus, len(a.channels))
	done := make(chan struct{}, len(a.channels))
	for i, ch := range a.channels {
		go func(i int, ch *Channel) {
			defer func() { done <- struct{}{} }()
			st := BackendStatus{Label: ch.Label(), Address: ch.cfg.Address, Status: "ok"}
			if err := ch.Ping(ctx); err != nil {
				st.Status = "unavailable"
				st.Error = err.Error()
			}
			statuses[i] = st
		}(i, ch)
	}
	for range a.channels {
		<-done
	}

	writeJSON(w, http.StatusOK, statuses)
}

func (a *Admin) listCache(w http.ResponseWriter, r *http.Request) {
	ch, ok := a.findChannel(chi.URLParam(r, "label"))
	if !ok {
		http.Error(w, "unknown backend", http.StatusNotFound)
		return
	}

	stream, err := ch.ListCache(r.Context(), r.URL.Query().Get("status"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}

	var items []CacheItem
	for {
		var chunk rpcapi.StreamChunk
		if err := stream.RecvMsg(&chunk); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			http.Error(w, err.Error(), http.StatusBadGateway)
			return
		}
		var entry wire.CacheInfo
		if err := decodeChunk(chunk.Data, &entry); err != nil {
			continue
		}
		items = append(items, CacheItem{
			URI:          entry.URI,
			LastModified: entry.Timestamp,
			Status:       entry.Status,
		})
	}

	writeJSON(w, http.StatusOK, items)
}

// CatalogItem mirrors one project reachable under a pool's search-path
// table, surfaced through the admin catalog view.
type CatalogItem struct {
	Storage string `json:"storage"`
	URI     string `json:"uri"`
	Name    string `json:"name"`
}

func (a *Admin) catalog(w http.ResponseWriter, r *http.Request) {
	label := chi.URLParam(r, "label")
	ch, ok := a.findChannel(label)
	if !ok {
		http.Error(w, "unknown backend", http.StatusNotFound)
		return
	}
	location := r.URL.Query().Get("location")

	cacheKey := fmt.Sprintf("gateway:catalog:%s:%s", label, location)
	if a.catalogCache != nil {
		if raw, err := a.catalogCache.Get(r.Context(), cacheKey); err == nil {
			var items []CatalogItem
			if err := json.Unmarshal(raw, &items); err == nil {
				writeJSON(w, http.StatusOK, items)
				return
			}
		}
	}

	stream, err := ch.Catalog(r.Context(), location)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}

	var items []CatalogItem
	for {
		var chunk rpcapi.StreamChunk
		if err := stream.RecvMsg(&chunk); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			http.Error(w, err.Error(), http.StatusBadGateway)
			return
		}
		var entry wire.CatalogItem
		if err := decodeChunk(chunk.Data, &entry); err != nil {
			continue
		}
		items = append(items, CatalogItem{Storage: entry.Storage, URI: entry.URI, Name: entry.Name})
	}

	if a.catalogCache != nil {
		if raw, err := json.Marshal(items); err == nil {
			_ = a.catalogCache.Set(r.Context(), cacheKey, raw, a.catalogTTL)
		}
	}

	writeJSON(w, http.StatusOK, items)
}

func (a *Admin) stats(w http.ResponseWriter, r *http.Request) {
	ch, ok := a.findChannel(chi.URLParam(r, "label"))
	if !ok {
		http.Error(w, "unknown backend", http.StatusNotFound)
		return
	}
	reply, err := ch.Stats(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	writeJSON(w, http.StatusOK, reply)
}

func (a *Admin) plugins(w http.ResponseWriter, r *http.Request) {
	ch, ok := a.findChannel(chi.URLParam(r, "label"))
	if !ok {
		http.Error(w, "unknown backend", http.StatusNotFound)
		return
	}
	reply, err := ch.Plugins(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	writeJSON(w, http.StatusOK, reply.Plugins)
}

func (a *Admin) env(w http.ResponseWriter, r *http.Request) {
	ch, ok := a.findChannel(chi.URLParam(r, "label"))
	if !ok {
		http.Error(w, "unknown backend", http.StatusNotFound)
		return
	}
	reply, err := ch.Env(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	writeJSON(w, http.StatusOK, reply.Env)
}

func (a *Admin) putConfig(w http.ResponseWriter, r *http.Request) {
	ch, ok := a.findChannel(chi.URLParam(r, "label"))
	if !ok {
		http.Error(w, "unknown backend", http.StatusNotFound)
		return
	}
	var cfg map[string]any
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		http.Error(w, "invalid config body", http.StatusBadRequest)
		return
	}
	if err := ch.PutConfig(r.Context(), cfg); err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *Admin) clearCache(w http.ResponseWriter, r *http.Request) {
	ch, ok := a.findChannel(chi.URLParam(r, "label"))
	if !ok {
		http.Error(w, "unknown backend", http.StatusNotFound)
		return
	}
	if err := ch.ClearCache(r.Context()); err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
