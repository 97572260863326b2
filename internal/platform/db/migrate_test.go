package db

import (
	"testing"
	"testing/fstest"

	"github.com/radris/risync/migrations"
)

func TestLoadMigrations_SortOrder(t *testing.T) {
	files := fstest.MapFS{
		"010_tables.sql": {Data: []byte("SELECT 10;")},
		"002_second.sql": {Data: []byte("SELECT 2;")},
		"001_first.sql":  {Data: []byte("SELECT 1;")},
		"005_middle.sql": {Data: []byte("SELECT 5;")},
	}

	got, err := NewMigrator(nil, files).LoadMigrations()
	if err != nil {
		t.Fatalf("LoadMigrations() error: %v", err)
	}
	if len(got) != 4 {
		t.Fatalf("expected 4 migrations, got %d", len(got))
	}
	want := []int{1, 2, 5, 10}
	for i, v := range want {
		if got[i].Version != v {
			t.Errorf("migration %d: expected version %d, got %d", i, v, got[i].Version)
		}
	}
	if got[0].SQL != "SELECT 1;" {
		t.Errorf("unexpected SQL content: %s", got[0].SQL)
	}
}

func TestLoadMigrations_SkipsNonMigrations(t *testing.T) {
	files := fstest.MapFS{
		"001_core.sql":    {Data: []byte("SELECT 1;")},
		"README.md":       {Data: []byte("docs")},
		"notes.sql":       {Data: []byte("SELECT 0;")},
		"abc_bad.sql":     {Data: []byte("SELECT 0;")},
		"sub/002_x.sql":   {Data: []byte("SELECT 2;")},
		"003_indexes.sql": {Data: []byte("SELECT 3;")},
	}

	got, err := NewMigrator(nil, files).LoadMigrations()
	if err != nil {
		t.Fatalf("LoadMigrations() error: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 migrations, got %d: %+v", len(got), got)
	}
	if got[1].Name != "003_indexes.sql" {
		t.Errorf("expected 003_indexes.sql, got %s", got[1].Name)
	}
}

func TestLoadMigrations_Embedded(t *testing.T) {
	got, err := NewMigrator(nil, migrations.FS).LoadMigrations()
	if err != nil {
		t.Fatalf("LoadMigrations() error: %v", err)
	}
	if len(got) == 0 || got[0].Version != 1 {
		t.Fatalf("expected embedded migrations starting at version 1, got %+v", got)
	}
}
