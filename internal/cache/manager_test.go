package cache

import (
	"os"
	"path/filepath"
	"testing"

	"qjazz/internal/qgis"
)

type fakeHandler struct {
	scheme string
	mtime  int64
}

func (h *fakeHandler) Scheme() string { return h.scheme }

func (h *fakeHandler) Metadata(rawURL string) (ProjectMetadata, error) {
	return ProjectMetadata{
		URI:          rawURL,
		PublicName:   rawURL,
		Scheme:       h.scheme,
		LastModified: h.mtime,
	}, nil
}

func (h *fakeHandler) LoadProject(md ProjectMetadata) (qgis.Project, []LayerValidity, error) {
	return &qgis.FakeProject{}, []LayerValidity{{LayerID: "0", IsValid: true}}, nil
}

func (h *fakeHandler) Projects(rootURL string) ([]ProjectMetadata, error) {
	return nil, nil
}

// flakyHandler reports Metadata failures for URIs listed in missing,
// simulating storage that has forgotten a project between checkouts.
type flakyHandler struct {
	fakeHandler
	missing map[string]bool
}

func (h *flakyHandler) Metadata(rawURL string) (ProjectMetadata, error) {
	if h.missing[rawURL] {
		return ProjectMetadata{}, os.ErrNotExist
	}
	return h.fakeHandler.Metadata(rawURL)
}

func newTestManager(mtime int64) *Manager {
	handler := &fakeHandler{scheme: "test", mtime: mtime}
	return NewManager(Config{
		Routes:      []Route{{Prefix: "/france", Template: "test://france/{name}"}},
		MaxProjects: 2,
	}, map[string]ProtocolHandler{"test": handler})
}

func TestResolvePath(t *testing.T) {
	m := newTestManager(1)

	got, err := m.ResolvePath("/france/parts")
	if err != nil {
		t.Fatalf("ResolvePath() error = %v", err)
	}
	if want := "test://france/parts"; got != want {
		t.Errorf("ResolvePath() = %q, want %q", got, want)
	}
}

func TestResolvePath_NotAllowed(t *testing.T) {
	m := newTestManager(1)

	_, err := m.ResolvePath("/germany/parts")
	if err == nil {
		t.Fatal("expected error for unmatched path")
	}
}

func TestCheckoutUpdateCycle(t *testing.T) {
	m := newTestManager(1)

	md, status, err := m.Checkout("test://france/parts")
	if err != nil {
		t.Fatalf("Checkout() error = %v", err)
	}
	if status != StatusNew {
		t.Errorf("Checkout() status = %v, want NEW", status)
	}

	entry, status, err := m.Update(md, status)
	if err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	if status != StatusUpdated {
		t.Errorf("Update() status = %v, want UPDATED", status)
	}
	if entry == nil || !entry.Pinned {
		t.Fatal("expected pinned entry after NEW update")
	}

	_, status, err = m.Checkout("test://france/parts")
	if err != nil {
		t.Fatalf("Checkout() error = %v", err)
	}
	if status != StatusUnchanged {
		t.Errorf("Checkout() status = %v, want UNCHANGED", status)
	}
}

func TestDrop(t *testing.T) {
	m := newTestManager(1)

	md, status, _ := m.Checkout("test://france/parts")
	m.Update(md, status)

	got, err := m.Drop("test://france/parts")
	if err != nil {
		t.Fatalf("Drop() error = %v", err)
	}
	if got != StatusRemoved {
		t.Errorf("Drop() = %v, want REMOVED", got)
	}

	if _, err := m.Drop("test://france/parts"); err == nil {
		t.Error("expected error dropping already-removed entry")
	}
}

func TestCheckout_NotFoundVsRemoved(t *testing.T) {
	handler := &flakyHandler{fakeHandler: fakeHandler{scheme: "test", mtime: 1}, missing: map[string]bool{"test://gone": true}}
	m := NewManager(Config{MaxProjects: 2}, map[string]ProtocolHandler{"test": handler})

	// A URI that was never cached and fails to resolve is plain NOTFOUND.
	_, status, err := m.Checkout("test://gone")
	if status != StatusNotFound || err == nil {
		t.Fatalf("Checkout() on unknown URI = (%v, %v), want NOTFOUND with error", status, err)
	}

	// Load it once storage has it, then have storage start reporting it
	// missing again: now it must report REMOVED, since it was previously
	// vouched for by storage, not plain NOTFOUND.
	handler.missing["test://gone"] = false
	md, status, err := m.Checkout("test://gone")
	if err != nil {
		t.Fatalf("Checkout() error = %v", err)
	}
	if _, _, err := m.Update(md, status); err != nil {
		t.Fatalf("Update() error = %v", err)
	}

	handler.missing["test://gone"] = true
	md, status, err = m.Checkout("test://gone")
	if err != nil {
		t.Fatalf("Checkout() of disappeared project returned error = %v, want nil", err)
	}
	if status != StatusRemoved {
		t.Errorf("Checkout() status = %v, want REMOVED", status)
	}

	if _, _, err := m.Update(md, status); err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	if _, exists := m.Get("test://gone"); exists {
		t.Error("expected entry evicted after REMOVED update")
	}
}

func TestMaxProjectsReached(t *testing.T) {
	m := newTestManager(1)

	for _, uri := range []string{"test://a", "test://b"} {
		md, status, _ := m.Checkout(uri)
		if _, _, err := m.Update(md, status); err != nil {
			t.Fatalf("Update(%s) error = %v", uri, err)
		}
	}

	md, status, _ := m.Checkout("test://c")
	if _, _, err := m.Update(md, status); err == nil {
		t.Error("expected max-projects error on third load")
	}
}

func TestClear(t *testing.T) {
	m := newTestManager(1)
	md, status, _ := m.Checkout("test://france/parts")
	m.Update(md, status)

	m.Clear()

	if len(m.List()) != 0 {
		t.Error("expected empty cache after Clear()")
	}
}

func TestFileHandler(t *testing.T) {
	dir := t.TempDir()
	projectPath := filepath.Join(dir, "test.qgs")
	if err := os.WriteFile(projectPath, []byte("<qgis/>"), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	h := NewFileHandler()
	md, err := h.Metadata("file://" + projectPath)
	if err != nil {
		t.Fatalf("Metadata() error = %v", err)
	}
	if md.Scheme != "file" {
		t.Errorf("Scheme = %v, want file", md.Scheme)
	}

	_, layers, err := h.LoadProject(md)
	if err != nil {
		t.Fatalf("LoadProject() error = %v", err)
	}
	if len(layers) == 0 {
		t.Error("expected at least one layer")
	}

	projects, err := h.Projects("file://" + dir)
	if err != nil {
		t.Fatalf("Projects() error = %v", err)
	}
	if len(projects) != 1 {
		t.Errorf("Projects() count = %d, want 1", len(projects))
	}
}
