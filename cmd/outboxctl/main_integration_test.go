//go:build integration

package main

import (
	"context"
	"fmt"
	"testing"

	"github.com/velmie/delivery/cmd/internal/testutil"
)

func TestOutboxctlContainers(t *testing.T) {
	bin := testutil.BuildBinary(t, ".")

	for _, engine := range []testutil.Engine{testutil.MySQL, testutil.Postgres} {
		t.Run(engine.Driver, func(t *testing.T) {
			ctx := context.Background()
			db := testutil.StartDatabase(t, ctx, engine)
			env := map[string]string{"DELIVERY_LOG_FORMAT": "text"}
			run := func(args ...string) string {
				t.Helper()

				return db.RunCLI(t, ctx, bin, env, args...)
			}

			run("migrate", "up")
			enqueue := []string{"enqueue", "--integration", "slack", "--operation", "post_message", "--resource", "X", "--payload", `{"text":"hi"}`}
			run(enqueue...)
			run(enqueue...)

			if got := db.Count(t, ctx, "SELECT COUNT(*) FROM deliveries"); got != 1 {
				t.Fatalf("deliveries = %d, want 1", got)
			}

			// Age the record so reconciliation resets it.
			age := fmt.Sprintf("UPDATE deliveries SET attempts = 3, created_at = %s", db.HoursAgo(7))
			if _, err := db.DB.ExecContext(ctx, age); err != nil {
				t.Fatalf("age record: %v", err)
			}
			run("reconcile", "--integration", "slack")

			if got := db.Count(t, ctx, "SELECT attempts FROM deliveries"); got != 0 {
				t.Fatalf("attempts = %d, want 0", got)
			}
			if got := db.Count(t, ctx, "SELECT COUNT(*) FROM reconciliation_runs WHERE status = 'success'"); got != 1 {
				t.Fatalf("successful runs = %d, want 1", got)
			}

			if _, err := db.DB.ExecContext(ctx, "UPDATE reconciliation_runs SET finished_at = "+db.HoursAgo(60*24)); err != nil {
				t.Fatalf("age run: %v", err)
			}
			run("prune-runs", "--retention", "720h")

			if got := db.Count(t, ctx, "SELECT COUNT(*) FROM reconciliation_runs"); got != 0 {
				t.Fatalf("runs after prune = %d, want 0", got)
			}
			if got := db.Count(t, ctx, "SELECT COUNT(*) FROM deliveries"); got != 1 {
				t.Fatalf("deliveries after prune = %d, want 1", got)
			}

			run("bench", "--records", "20", "--producers", "2", "--batch-size", "10")
			if got := db.Count(t, ctx, "SELECT COUNT(*) FROM deliveries WHERE status = 'sent'"); got != 20 {
				t.Fatalf("bench sent = %d, want 20", got)
			}
		})
	}
}
