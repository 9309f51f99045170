package main

import (
	"bytes"
	"context"
	"errors"
	"os"
	"os/exec"
	"strings"
	"testing"
	"time"

	"github.com/vladislavdragonenkov/bidflow/internal/storage/postgres"
)

func envOf(values map[string]string) func(string) string {
	return func(key string) string { return values[key] }
}

func TestParseFlags(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		args    []string
		env     map[string]string
		want    options
		wantErr string
	}{
		{
			name: "defaults with env dsn",
			env:  map[string]string{envPostgresDSN: " postgres://localhost/bidflow "},
			want: options{direction: "up", dsn: "postgres://localhost/bidflow"},
		},
		{
			name: "flag dsn wins over env",
			args: []string{"-direction=STATUS", "-dsn=postgres://flag/db"},
			env:  map[string]string{envPostgresDSN: "postgres://env/db"},
			want: options{direction: "status", dsn: "postgres://flag/db"},
		},
		{
			name: "down with steps",
			args: []string{"-direction=down", "-steps=2", "-dsn=postgres://x"},
			want: options{direction: "down", steps: 2, dsn: "postgres://x"},
		},
		{name: "missing dsn", args: []string{"-direction=status"}, wantErr: "is required"},
		{name: "bad direction", args: []string{"-direction=sideways", "-dsn=postgres://x"}, wantErr: "unsupported direction"},
		{name: "negative steps", args: []string{"-steps=-1", "-dsn=postgres://x"}, wantErr: "steps must be"},
		{name: "unknown flag", args: []string{"-force"}, wantErr: "flag provided but not defined"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got, err := parseFlags(tt.args, envOf(tt.env))
			if tt.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
					t.Fatalf("expected error containing %q, got %v", tt.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Fatalf("options = %+v, want %+v", got, tt.want)
			}
		})
	}

	if _, err := parseFlags(nil, envOf(nil)); !errors.Is(err, errDSNRequired) {
		t.Fatalf("expected errDSNRequired, got %v", err)
	}
}

func TestPrintState(t *testing.T) {
	t.Parallel()

	var out bytes.Buffer
	printState(&out, "status", postgres.MigrationState{
		Version: 9,
		Applied: []postgres.MigrationInfo{{Version: 1, Name: "orders", AppliedAt: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)}},
		Pending: []postgres.MigrationInfo{{Version: 2, Name: "channels_idempotency"}},
		Unknown: []int64{9},
	})

	for _, want := range []string{
		"status ok: version=9 applied=1 pending=1",
		"applied  0001_orders  2026-01-02T03:04:05Z",
		"pending  0002_channels_idempotency",
		"unknown  0009",
	} {
		if !strings.Contains(out.String(), want) {
			t.Fatalf("output missing %q:\n%s", want, out.String())
		}
	}
}

func testPostgresDSN(t *testing.T) string {
	t.Helper()

	dsn := strings.TrimSpace(os.Getenv("BIDFLOW_POSTGRES_TEST_DSN"))
	if dsn == "" {
		t.Skip("postgres dsn is not available")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	store, err := postgres.Open(ctx, dsn)
	if err != nil {
		t.Skipf("postgres is not available: %v", err)
	}
	_ = store.Close()
	return dsn
}

func TestRunAgainstPostgres(t *testing.T) {
	dsn := testPostgresDSN(t)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	for _, direction := range []string{"up", "status", "down", "up"} {
		var out bytes.Buffer
		if err := run(ctx, options{direction: direction, steps: 1, dsn: dsn}, &out); err != nil {
			t.Fatalf("%s failed: %v", direction, err)
		}
		if !strings.HasPrefix(out.String(), direction+" ok:") {
			t.Fatalf("unexpected %s output: %s", direction, out.String())
		}
	}
}

func TestFailExits(t *testing.T) {
	if os.Getenv("MIGRATE_TEST_FAIL_EXIT") == "1" {
		fail("forced failure %d", 42)
		return
	}

	cmd := exec.Command(os.Args[0], "-test.run=TestFailExits")
	cmd.Env = append(os.Environ(), "MIGRATE_TEST_FAIL_EXIT=1")
	err := cmd.Run()
	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) || exitErr.ExitCode() == 0 {
		t.Fatalf("expected non-zero exit code, got %v", err)
	}
}
