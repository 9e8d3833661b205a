//go:build integration

package main

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/velmie/offline-outbox"
	"github.com/velmie/offline-outbox/internal/testutil"
)

func TestSimCLIContainerMySQL(t *testing.T) {
	ctx := context.Background()
	env := testutil.StartMySQL(t, ctx)

	bin := testutil.BuildBinary(t, ".")
	args := []string{
		"run",
		"--store", "mysql",
		"--dsn", env.NetworkDSN,
		"--messages", "5",
		"--offline-for", "200ms",
		"--min-latency", "0",
		"--max-latency", "0",
		"--timeout-rate", "0",
		"--json",
	}
	code, logs := testutil.RunCLIContainer(t, ctx, env.Network.Name, bin, args)
	if code != 0 {
		t.Fatalf("sim exit code %d logs: %s", code, logs)
	}
	if !strings.Contains(logs, `"sent": 5`) {
		t.Fatalf("result missing from logs: %s", logs)
	}

	var sent int
	query := fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE status = ?", defaultMySQLTable)
	if err := env.DB.QueryRowContext(ctx, query, outbox.StatusSent).Scan(&sent); err != nil {
		t.Fatalf("count sent: %v", err)
	}
	if sent != 5 {
		t.Fatalf("sent rows = %d, want 5", sent)
	}

	prune := []string{"prune", "--store", "mysql", "--dsn", env.NetworkDSN, "--retention", "1ns"}
	code, logs = testutil.RunCLIContainer(t, ctx, env.Network.Name, bin, prune)
	if code != 0 {
		t.Fatalf("prune exit code %d logs: %s", code, logs)
	}
	if !strings.Contains(logs, "deleted 5") {
		t.Fatalf("prune output missing from logs: %s", logs)
	}
}
