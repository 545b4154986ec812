package cache

import (
	"testing"

	"github.com/pashagolub/pgxmock/v4"
)

func TestPostgresHandlerMetadata(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("NewPool() error = %v", err)
	}
	defer mock.Close()

	mock.ExpectQuery(`SELECT extract\(epoch from last_modified\)::bigint FROM qgis_projects WHERE name = \$1`).
		WithArgs("roads").
		WillReturnRows(pgxmock.NewRows([]string{"last_modified"}).AddRow(int64(1700000000)))

	h := NewPostgresHandler(mock)
	md, err := h.Metadata("postgresql://roads")
	if err != nil {
		t.Fatalf("Metadata() error = %v", err)
	}
	if md.LastModified != 1700000000 || md.PublicName != "roads" || md.Scheme != "postgresql" {
		t.Errorf("Metadata() = %+v, unexpected fields", md)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestPostgresHandlerProjects(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("NewPool() error = %v", err)
	}
	defer mock.Close()

	mock.ExpectQuery(`SELECT name, extract\(epoch from last_modified\)::bigint FROM qgis_projects`).
		WillReturnRows(pgxmock.NewRows([]string{"name", "last_modified"}).
			AddRow("roads", int64(100)).
			AddRow("parks", int64(200)))

	h := NewPostgresHandler(mock)
	projects, err := h.Projects("postgresql://")
	if err != nil {
		t.Fatalf("Projects() error = %v", err)
	}
	if len(projects) != 2 {
		t.Fatalf("Projects() returned %d entries, want 2", len(projects))
	}
	if projects[0].URI != "postgresql://roads" || projects[1].URI != "postgresql://parks" {
		t.Errorf("Projects() = %+v, unexpected URIs", projects)
	}
}
