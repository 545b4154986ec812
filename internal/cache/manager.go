// Package cache implements the project-cache coordinator: resolving public
// paths to storage URLs, checking out and updating loaded project handles,
// and enforcing the pin/evict lifecycle described by the search-path route
// table.
package cache

import (
	"fmt"
	"net/url"
	"sync"
	"time"

	"qjazz/internal/qgis"
	"qjazz/pkg/apperror"
)

// CheckoutStatus describes the relation of a cache lookup to stored state.
type CheckoutStatus int

const (
	StatusNew CheckoutStatus = iota
	StatusUnchanged
	StatusNeedUpdate
	StatusUpdated
	StatusRemoved
	StatusNotFound
)

func (s CheckoutStatus) String() string {
	switch s {
	case StatusNew:
		return "NEW"
	case StatusUnchanged:
		return "UNCHANGED"
	case StatusNeedUpdate:
		return "NEEDUPDATE"
	case StatusUpdated:
		return "UPDATED"
	case StatusRemoved:
		return "REMOVED"
	case StatusNotFound:
		return "NOTFOUND"
	default:
		return "UNKNOWN"
	}
}

// ProjectMetadata is immutable and compared by (URI, LastModified) to detect
// storage-side updates. Produced by a scheme-specific ProtocolHandler.
type ProjectMetadata struct {
	URI          string
	PublicName   string
	Scheme       string
	StorageTag   string
	LastModified int64
}

// CacheEntry owns one loaded project. The cache manager is the sole writer;
// readers hold a reference valid until eviction or replacement.
type CacheEntry struct {
	Metadata     ProjectMetadata
	Project      qgis.Project
	LoadedAt     time.Time
	LastHit      time.Time
	Hits         int64
	Pinned       bool
	DebugDetails map[string]any
}

// Route is one entry of the search-path table: a static prefix mapped to a
// target URL template, optionally carrying a `{name}` placeholder bound from
// the remainder of the request path.
type Route struct {
	Prefix   string
	Template string
}

// Manager is the cache coordinator. checkout is read-only; update is the
// sole mutator.
type Manager struct {
	mu       sync.RWMutex
	entries  map[string]*CacheEntry
	routes   []Route
	handlers map[string]ProtocolHandler

	maxProjects        int
	allowDirect        bool
	trustLayerMetadata bool
}

// Config configures a Manager.
type Config struct {
	Routes             []Route
	MaxProjects         int
	AllowDirect         bool
	TrustLayerMetadata  bool
}

// NewManager builds a Manager with the given route table and registered
// scheme handlers. Handlers are looked up by URL scheme ("file", "postgresql",
// "geopackage", "s3").
func NewManager(cfg Config, handlers map[string]ProtocolHandler) *Manager {
	return &Manager{
		entries:            make(map[string]*CacheEntry),
		routes:             cfg.Routes,
		handlers:           handlers,
		maxProjects:        cfg.MaxProjects,
		allowDirect:        cfg.AllowDirect,
		trustLayerMetadata: cfg.TrustLayerMetadata,
	}
}

// ResolvePath maps a client-visible path to a scheme URL using the
// search-path table. The first matching prefix wins; AllowDirect additionally
// permits absolute on-disk paths bypassing the table.
func (m *Manager) ResolvePath(publicPath string) (string, error) {
	for _, r := range m.routes {
		if !hasPrefix(publicPath, r.Prefix) {
			continue
		}
		rest := publicPath[len(r.Prefix):]
		return expandTemplate(r.Template, rest), nil
	}

	if m.allowDirect && len(publicPath) > 0 && publicPath[0] == '/' {
		return "file://" + publicPath, nil
	}

	return "", apperror.ErrResourceNotAllowed
}

func hasPrefix(path, prefix string) bool {
	return len(path) >= len(prefix) && path[:len(prefix)] == prefix
}

// expandTemplate substitutes a single `{name}` placeholder in template with
// the dynamic remainder of the request path, trimming any leading slash.
func expandTemplate(template, rest string) string {
	for len(rest) > 0 && rest[0] == '/' {
		rest = rest[1:]
	}
	const placeholder = "{name}"
	for i := 0; i+len(placeholder) <= len(template); i++ {
		if template[i:i+len(placeholder)] == placeholder {
			return template[:i] + rest + template[i+len(placeholder):]
		}
	}
	return template
}

// Checkout is read-only: it computes the CheckoutStatus by comparing any
// existing entry's LastModified against the storage's current LastModified.
// It never mutates the cache.
func (m *Manager) Checkout(rawURL string) (ProjectMetadata, CheckoutStatus, error) {
	handler, md, err := m.resolveHandler(rawURL)
	if err != nil {
		// A URI that was previously loaded (so storage once vouched for it) but
		// now fails to resolve has been removed from storage, not merely
		// unknown to us; distinguish that from a URI we never cached.
		m.mu.RLock()
		_, cached := m.entries[rawURL]
		m.mu.RUnlock()
		if cached {
			return ProjectMetadata{URI: rawURL}, StatusRemoved, nil
		}
		return ProjectMetadata{}, StatusNotFound, err
	}

	m.mu.RLock()
	entry, exists := m.entries[md.URI]
	m.mu.RUnlock()

	if !exists {
		return md, StatusNew, nil
	}
	if entry.Metadata.LastModified < md.LastModified {
		return md, StatusNeedUpdate, nil
	}

	_ = handler
	return md, StatusUnchanged, nil
}

// Update is the mutator. For NEW it loads the project via the scheme's
// protocol handler; for NEEDUPDATE it reloads; for REMOVED it evicts.
func (m *Manager) Update(md ProjectMetadata, status CheckoutStatus) (*CacheEntry, CheckoutStatus, error) {
	switch status {
	case StatusRemoved:
		m.mu.Lock()
		delete(m.entries, md.URI)
		m.mu.Unlock()
		return nil, StatusRemoved, nil

	case StatusNew:
		m.mu.Lock()
		defer m.mu.Unlock()
		if m.maxProjects > 0 && len(m.entries) >= m.maxProjects {
			return nil, status, apperror.ErrMaxProjectsReached
		}
		entry, err := m.load(md)
		if err != nil {
			return nil, status, err
		}
		m.entries[md.URI] = entry
		return entry, StatusUpdated, nil

	case StatusNeedUpdate:
		m.mu.Lock()
		defer m.mu.Unlock()
		entry, err := m.load(md)
		if err != nil {
			return nil, status, err
		}
		if existing, ok := m.entries[md.URI]; ok {
			entry.Pinned = existing.Pinned
		}
		m.entries[md.URI] = entry
		return entry, StatusUpdated, nil

	default:
		m.mu.RLock()
		entry := m.entries[md.URI]
		m.mu.RUnlock()
		return entry, status, nil
	}
}

func (m *Manager) load(md ProjectMetadata) (*CacheEntry, error) {
	handler, ok := m.handlers[md.Scheme]
	if !ok {
		return nil, fmt.Errorf("cache: no handler registered for scheme %q", md.Scheme)
	}

	project, layers, err := handler.LoadProject(md)
	if err != nil {
		return nil, err
	}

	hasBad := false
	for _, l := range layers {
		if !l.IsValid {
			hasBad = true
			break
		}
	}
	if hasBad && m.trustLayerMetadata {
		return nil, apperror.NewWarning(apperror.CodeStrictCheckFailed, "project has invalid layers").WithDetails("uri", md.URI)
	}

	now := time.Now()
	return &CacheEntry{
		Metadata:     md,
		Project:      project,
		LoadedAt:     now,
		LastHit:      now,
		Pinned:       true,
		DebugDetails: map[string]any{"layers": layers},
	}, nil
}

func (m *Manager) resolveHandler(rawURL string) (ProtocolHandler, ProjectMetadata, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, ProjectMetadata{}, apperror.New(apperror.CodeInvalidURI, "cannot parse project uri").WithDetails("uri", rawURL)
	}
	handler, ok := m.handlers[u.Scheme]
	if !ok {
		return nil, ProjectMetadata{}, fmt.Errorf("cache: no handler registered for scheme %q", u.Scheme)
	}
	md, err := handler.Metadata(rawURL)
	if err != nil {
		return nil, ProjectMetadata{}, err
	}
	return handler, md, nil
}

// Drop evicts a cache entry regardless of pinning.
func (m *Manager) Drop(uri string) (CheckoutStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.entries[uri]; !ok {
		return StatusNotFound, apperror.ErrProjectNotFound
	}
	delete(m.entries, uri)
	return StatusRemoved, nil
}

// Clear evicts every cache entry. Callers must ensure the supervisor holds
// no outstanding requests against cached entries before calling this.
func (m *Manager) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = make(map[string]*CacheEntry)
}

// List returns a snapshot of every cached entry, for admin introspection.
func (m *Manager) List() []*CacheEntry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*CacheEntry, 0, len(m.entries))
	for _, e := range m.entries {
		out = append(out, e)
	}
	return out
}

// Catalog lists every project reachable under the search-path table,
// restricted to the route whose prefix matches location (or every route,
// when location is empty). Each route's root URL is resolved the same way
// ResolvePath resolves a request path, then delegated to that scheme's
// ProtocolHandler.Projects.
func (m *Manager) Catalog(location string) ([]ProjectMetadata, error) {
	var out []ProjectMetadata
	for _, r := range m.routes {
		if location != "" && !hasPrefix(location, r.Prefix) {
			continue
		}
		root := expandTemplate(r.Template, "")
		u, err := url.Parse(root)
		if err != nil {
			return nil, fmt.Errorf("cache: catalog: parse route root %s: %w", root, err)
		}
		handler, ok := m.handlers[u.Scheme]
		if !ok {
			continue
		}
		projects, err := handler.Projects(root)
		if err != nil {
			return nil, fmt.Errorf("cache: catalog: list %s: %w", root, err)
		}
		out = append(out, projects...)
	}
	return out, nil
}

// Get returns the cache entry for uri, recording a hit, or false if absent.
func (m *Manager) Get(uri string) (*CacheEntry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[uri]
	if ok {
		e.Hits++
		e.LastHit = time.Now()
	}
	return e, ok
}
