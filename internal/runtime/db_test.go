package runtime

import (
	"testing"

	"github.com/mohammad-safakhou/specforge/config"
)

func TestBuildPostgresDSNPrefersURL(t *testing.T) {
	cfg := &config.Config{Storage: config.StorageConfig{Postgres: config.PostgresConfig{URL: "postgres://x/y", Host: "ignored"}}}
	dsn, err := BuildPostgresDSN(cfg)
	if err != nil {
		t.Fatalf("dsn: %v", err)
	}
	if dsn != "postgres://x/y" {
		t.Fatalf("unexpected dsn %q", dsn)
	}
}

func TestBuildPostgresDSNFromParts(t *testing.T) {
	cfg := &config.Config{Storage: config.StorageConfig{Postgres: config.PostgresConfig{
		Host: "db", User: "spec", Password: "p@ss", DBName: "specforge",
	}}}
	dsn, err := BuildPostgresDSN(cfg)
	if err != nil {
		t.Fatalf("dsn: %v", err)
	}
	want := "postgres://spec:p%40ss@db:5432/specforge?sslmode=disable"
	if dsn != want {
		t.Fatalf("expected %q, got %q", want, dsn)
	}
}

func TestBuildPostgresDSNIncomplete(t *testing.T) {
	if _, err := BuildPostgresDSN(&config.Config{}); err == nil {
		t.Fatalf("expected error")
	}
	if _, err := BuildPostgresDSN(nil); err == nil {
		t.Fatalf("expected error for nil config")
	}
}
