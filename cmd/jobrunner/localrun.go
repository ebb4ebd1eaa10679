package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/opensafely-core/job-runner/pkg/config"
	"github.com/opensafely-core/job-runner/pkg/container"
	"github.com/opensafely-core/job-runner/pkg/expander"
	"github.com/opensafely-core/job-runner/pkg/finaliser"
	"github.com/opensafely-core/job-runner/pkg/git"
	"github.com/opensafely-core/job-runner/pkg/runloop"
	"github.com/opensafely-core/job-runner/pkg/store"
	"github.com/opensafely-core/job-runner/pkg/types"
)

var localRunCmd = &cobra.Command{
	Use:   "local-run ACTION [ACTION...]",
	Short: "Run one or more actions against a local project directory",
	Long: `Runs the requested actions from the project.yaml in --directory (default
the current directory) without a coordinator: jobs are expanded, driven
through the run loop in-process, and the command exits once every job
they produced reaches a terminal state.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runLocalRun,
}

func init() {
	localRunCmd.Flags().String("directory", ".", "Project directory containing project.yaml")
	localRunCmd.Flags().Bool("force-run-dependencies", false, "Re-run every dependency even if its outputs already exist")
}

func runLocalRun(cmd *cobra.Command, args []string) error {
	directory, _ := cmd.Flags().GetString("directory")
	forceRunDeps, _ := cmd.Flags().GetBool("force-run-dependencies")

	absDir, err := filepath.Abs(directory)
	if err != nil {
		return fmt.Errorf("resolving %s: %w", directory, err)
	}
	if _, err := os.Stat(filepath.Join(absDir, "project.yaml")); err != nil {
		return fmt.Errorf("no project.yaml in %s: %w", absDir, err)
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}
	cfg.LocalRunMode = true
	cfg.UsingDummyDataBackend = true
	workspace := filepath.Base(absDir)
	cfg.HighPrivacyWorkspacesDir = filepath.Dir(absDir)
	if cfg.JobLogDir == "" {
		cfg.JobLogDir = filepath.Join(cfg.TmpDir, "jobrunner-local-logs")
	}
	if cfg.DatabaseFile == "" {
		cfg.DatabaseFile = filepath.Join(cfg.TmpDir, "jobrunner-local.db")
	}

	st, err := store.Open(cfg.DatabaseFile)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer st.Close()

	runner := container.New(cfg.DockerRegistry)
	fetcher := git.NewFetcher()
	exp := expander.New(st, fetcher, cfg)
	fin := finaliser.New(runner, st, fetcher, cfg)

	// local-run never calls loop.Start, so this interval is not what paces
	// it: watchUntilDone below calls Tick directly every 250ms, far faster
	// than the daemon default, because a human is watching the terminal.
	cfg.JobLoopInterval = 500 * time.Millisecond
	loop := runloop.New(st, fin, cfg)

	req := &types.JobRequest{
		ID:                   types.NewJobID(),
		RepoURL:              absDir,
		Workspace:            workspace,
		DatabaseName:         "dummy",
		RequestedActions:     args,
		ForceRunDependencies: forceRunDeps,
		CreatedBy:            os.Getenv("USER"),
		Original: map[string]any{
			"identifier": "local-run",
			"created_by": os.Getenv("USER"),
		},
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := exp.CreateOrUpdateJobs(ctx, req); err != nil {
		return fmt.Errorf("expanding requested actions: %w", err)
	}

	return watchUntilDone(ctx, st, loop, req.ID)
}

// watchUntilDone ticks the run loop until every job belonging to requestID
// has reached a terminal state, printing status changes as they happen.
func watchUntilDone(ctx context.Context, st *store.Store, loop *runloop.RunLoop, requestID string) error {
	last := map[string]types.State{}
	anyFailed := false

	for {
		if _, err := loop.Tick(ctx); err != nil {
			return fmt.Errorf("running loop tick: %w", err)
		}

		jobs, err := st.FindJobs(store.JobFilter{JobRequestID: requestID})
		if err != nil {
			return fmt.Errorf("reading jobs for request: %w", err)
		}

		allDone := true
		for _, job := range jobs {
			if last[job.ID] != job.Status {
				fmt.Printf("[%s] %s -> %s: %s\n", job.Action, last[job.ID], job.Status, job.StatusMessage)
				last[job.ID] = job.Status
			}
			if !job.Status.Terminal() {
				allDone = false
			} else if job.Status == types.StateFailed {
				anyFailed = true
			}
		}

		if allDone && len(jobs) > 0 {
			break
		}

		select {
		case <-time.After(250 * time.Millisecond):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	if anyFailed {
		return fmt.Errorf("one or more actions failed")
	}
	fmt.Println("✓ all actions completed successfully")
	return nil
}
