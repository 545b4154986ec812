package cache

import (
	"database/sql"
	"fmt"
	"os"

	_ "modernc.org/sqlite"

	"qjazz/internal/qgis"
)

// GeopackageHandler resolves `geopackage://` URLs pointing at a GeoPackage
// (SQLite) file on disk. last_modified is the file's mtime; the layer list
// comes from the gpkg_contents table, and every listed layer is reported
// valid.
type GeopackageHandler struct{}

func NewGeopackageHandler() *GeopackageHandler { return &GeopackageHandler{} }

func (h *GeopackageHandler) Scheme() string { return "geopackage" }

func (h *GeopackageHandler) Metadata(rawURL string) (ProjectMetadata, error) {
	path := trimScheme(rawURL, "geopackage://")
	info, err := os.Stat(path)
	if err != nil {
		return ProjectMetadata{}, fmt.Errorf("cache: stat %s: %w", path, err)
	}
	return ProjectMetadata{
		URI:          rawURL,
		PublicName:   path,
		Scheme:       "geopackage",
		StorageTag:   "geopackage",
		LastModified: info.ModTime().Unix(),
	}, nil
}

func (h *GeopackageHandler) LoadProject(md ProjectMetadata) (qgis.Project, []LayerValidity, error) {
	path := trimScheme(md.URI, "geopackage://")

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, nil, fmt.Errorf("cache: open geopackage %s: %w", path, err)
	}
	defer db.Close()

	rows, err := db.Query(`SELECT table_name, data_type, srs_id FROM gpkg_contents`)
	if err != nil {
		return nil, nil, fmt.Errorf("cache: read gpkg_contents %s: %w", path, err)
	}
	defer rows.Close()

	var layers []LayerValidity
	for rows.Next() {
		var table, dataType string
		var srsID int
		if err := rows.Scan(&table, &dataType, &srsID); err != nil {
			return nil, nil, fmt.Errorf("cache: scan gpkg_contents %s: %w", path, err)
		}
		layers = append(layers, LayerValidity{
			LayerID:   table,
			Name:      table,
			Source:    path,
			CRS:       fmt.Sprintf("EPSG:%d", srsID),
			IsValid:   true,
			IsSpatial: dataType == "features",
		})
	}

	return &qgis.FakeProject{}, layers, rows.Err()
}

func (h *GeopackageHandler) Projects(rootURL string) ([]ProjectMetadata, error) {
	root := trimScheme(rootURL, "geopackage://")
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
			URI:          "geopackage://" + root + "/" + e.Name(),
			PublicName:   e.Name(),
			Scheme:       "geopackage",
			StorageTag:   "geopackage",
			LastModified: info.ModTime().Unix(),
		})
	}
	return out, nil
}
