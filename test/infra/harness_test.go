package infra

import (
	"context"
	"os"
	"testing"
	"time"
)

func TestHarness_ResetClearsTables(t *testing.T) {
	if os.Getenv("COLISFLOW_DOCKER_TESTS") == "" {
		t.Skip("COLISFLOW_DOCKER_TESTS not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
	defer cancel()

	h, err := NewHarness(ctx)
	if err != nil {
		t.Fatalf("harness: %v", err)
	}
	defer h.Close(context.Background())

	if _, err := h.Pool().Exec(ctx, `INSERT INTO participants (id, display_name) VALUES ('p-1', 'Reset Me')`); err != nil {
		t.Fatalf("seed participant: %v", err)
	}
	if err := h.Reset(ctx); err != nil {
		t.Fatalf("reset: %v", err)
	}

	var n int
	if err := h.Pool().QueryRow(ctx, `SELECT COUNT(*) FROM participants`).Scan(&n); err != nil {
		t.Fatalf("count participants: %v", err)
	}
	if n != 0 {
		t.Fatalf("participants after reset = %d, want 0", n)
	}

	var applied int
	if err := h.Pool().QueryRow(ctx, `SELECT COUNT(*) FROM schema_migrations`).Scan(&applied); err != nil {
		t.Fatalf("count migrations: %v", err)
	}
	if applied == 0 {
		t.Fatalf("reset must keep schema_migrations")
	}
}
