// Command claw runs a reference worker: it polls the spine API for
// queued jobs, claims them one at a time, heartbeats while running, and
// executes each job's spec as a shell command.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/garnizeh/spine/internal/job"
	"github.com/garnizeh/spine/internal/worker"
)

func main() {
	var (
		serverURL string
		token     string
		heartbeat time.Duration
	)

	root := &cobra.Command{
		Use:           "claw",
		Short:         "Reference spine worker",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if serverURL == "" || token == "" {
				return fmt.Errorf("--server and --token are required")
			}
			return run(serverURL, token, heartbeat)
		},
	}
	root.Flags().StringVar(&serverURL, "server", os.Getenv("SPINE_SERVER"), "spine API base URL")
	root.Flags().StringVar(&token, "token", os.Getenv("SPINE_TOKEN"), "bearer token for this claw")
	root.Flags().DurationVar(&heartbeat, "heartbeat", 30*time.Second, "lease heartbeat interval")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func run(serverURL, token string, heartbeat time.Duration) error {
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	client := worker.NewClient(serverURL, token)
	w := worker.New(client, execSpec, heartbeat, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("claw started", "server", serverURL)
	if err := w.Run(ctx); err != nil && ctx.Err() == nil {
		return err
	}
	logger.Info("claw exited cleanly")
	return nil
}

// execSpec runs the job spec with the shell and returns its output as
// the job result.
func execSpec(ctx context.Context, j *job.Job) (any, error) {
	if strings.TrimSpace(j.Spec) == "" {
		return map[string]any{"output": ""}, nil
	}
	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", j.Spec)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return nil, fmt.Errorf("spec failed: %w: %s", err, strings.TrimSpace(string(out)))
	}
	return map[string]any{"output": string(out)}, nil
}
