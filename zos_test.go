package zos_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/zos-ai/zos"
)

func TestOpen(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "zos.db")

	ctx := context.Background()
	store, err := zos.Open(ctx, dbPath)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer store.Close()

	if err := store.Ping(ctx); err != nil {
		t.Fatalf("Ping failed: %v", err)
	}
}

func TestOpenCreatesParentPath(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "nested", "zos.db")

	store, err := zos.Open(context.Background(), dbPath)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer store.Close()
}
