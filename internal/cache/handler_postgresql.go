package cache

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"qjazz/internal/qgis"
)

// pgxQuerier is the slice of *pgxpool.Pool that PostgresHandler needs,
// narrow enough for pgxmock to stand in for during tests.
type pgxQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// PostgresHandler resolves `postgresql://` project URLs stored in a
// `qgis_projects` table, keyed by project name. last_modified comes from the
// row's own timestamp column rather than filesystem mtime.
type PostgresHandler struct {
	pool pgxQuerier
}

// NewPostgresHandler builds a PostgresHandler backed by an existing pool.
func NewPostgresHandler(pool pgxQuerier) *PostgresHandler {
	return &PostgresHandler{pool: pool}
}

func (h *PostgresHandler) Scheme() string { return "postgresql" }

func (h *PostgresHandler) Metadata(rawURL string) (ProjectMetadata, error) {
	name := trimScheme(rawURL, "postgresql://")

	var lastModified int64
	err := h.pool.QueryRow(
		context.Background(),
		`SELECT extract(epoch from last_modified)::bigint FROM qgis_projects WHERE name = $1`,
		name,
	).Scan(&lastModified)
	if err != nil {
		return ProjectMetadata{}, fmt.Errorf("cache: postgresql metadata for %s: %w", name, err)
	}

	return ProjectMetadata{
		URI:          rawURL,
		PublicName:   name,
		Scheme:       "postgresql",
		StorageTag:   "postgresql",
		LastModified: lastModified,
	}, nil
}

func (h *PostgresHandler) LoadProject(md ProjectMetadata) (qgis.Project, []LayerValidity, error) {
	var xml []byte
	err := h.pool.QueryRow(
		context.Background(),
		`SELECT content FROM qgis_projects WHERE name = $1`,
		md.PublicName,
	).Scan(&xml)
	if err != nil {
		return nil, nil, fmt.Errorf("cache: postgresql load %s: %w", md.PublicName, err)
	}
	return &qgis.FakeProject{}, []LayerValidity{{LayerID: "0", Name: md.PublicName, IsValid: true}}, nil
}

func (h *PostgresHandler) Projects(rootURL string) ([]ProjectMetadata, error) {
	rows, err := h.pool.Query(context.Background(), `SELECT name, extract(epoch from last_modified)::bigint FROM qgis_projects`)
	if err != nil {
		return nil, fmt.Errorf("cache: postgresql list: %w", err)
	}
	defer rows.Close()

	var out []ProjectMetadata
	for rows.Next() {
		var name string
		var lastModified int64
		if err := rows.Scan(&name, &lastModified); err != nil {
			return nil, fmt.Errorf("cache: postgresql scan: %w", err)
		}
		out = append(out, ProjectMetadata{
			URI:          "postgresql://" + name,
			PublicName:   name,
			Scheme:       "postgresql",
			StorageTag:   "postgresql",
			LastModified: lastModified,
		})
	}
	return out, rows.Err()
}
