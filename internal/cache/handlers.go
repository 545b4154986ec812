package cache

import (
	"fmt"
	"os"

	"qjazz/internal/qgis"
)

// LayerValidity is the per-layer validity summary a ProtocolHandler reports
// alongside a loaded project, mirroring the admin ProjectInfo reply shape.
type LayerValidity struct {
	LayerID   string
	Name      string
	Source    string
	CRS       string
	IsValid   bool
	IsSpatial bool
}

// ProtocolHandler resolves and loads projects for one URL scheme. Each
// handler owns the storage-specific notion of "last modified" and the
// mapping from a resolved URL back to project metadata.
type ProtocolHandler interface {
	// Scheme is the URL scheme this handler answers for ("file", "postgresql",
	// "geopackage", "s3").
	Scheme() string

	// Metadata resolves a URL into ProjectMetadata without loading the project.
	Metadata(rawURL string) (ProjectMetadata, error)

	// LoadProject loads the project named by md, returning its per-layer
	// validity summary alongside the opaque handle.
	LoadProject(md ProjectMetadata) (qgis.Project, []LayerValidity, error)

	// Projects lists every project reachable under a search-path root.
	Projects(rootURL string) ([]ProjectMetadata, error)
}

// FileHandler resolves `file://` URLs against the local filesystem.
type FileHandler struct{}

func NewFileHandler() *FileHandler { return &FileHandler{} }

func (h *FileHandler) Scheme() string { return "file" }

func (h *FileHandler) Metadata(rawURL string) (ProjectMetadata, error) {
	path := trimScheme(rawURL, "file://")
	info, err := os.Stat(path)
	if err != nil {
		return ProjectMetadata{}, fmt.Errorf("cache: stat %s: %w", path, err)
	}
	return ProjectMetadata{
		URI:          rawURL,
		PublicName:   path,
		Scheme:       "file",
		StorageTag:   "file",
		LastModified: info.ModTime().Unix(),
	}, nil
}

func (h *FileHandler) LoadProject(md ProjectMetadata) (qgis.Project, []LayerValidity, error) {
	path := trimScheme(md.URI, "file://")
	return &qgis.FakeProject{}, []LayerValidity{{LayerID: "0", Name: path, IsValid: true}}, nil
}

func (h *FileHandler) Projects(rootURL string) ([]ProjectMetadata, error) {
	root := trimScheme(rootURL, "file://")
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, fmt.Errorf("cache: read dir %s: %w", root, err)
	}
	out := make([]ProjectMetadata, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		out = append(out, ProjectMetadata{
			URI:          "file://" + root + "/" + e.Name(),
			PublicName:   e.Name(),
			Scheme:       "file",
			StorageTag:   "file",
			LastModified: info.ModTime().Unix(),
		})
	}
	return out, nil
}

func trimScheme(rawURL, scheme string) string {
	if len(rawURL) >= len(scheme) && rawURL[:len(scheme)] == scheme {
		return rawURL[len(scheme):]
	}
	return rawURL
}
