package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/opensafely-core/job-runner/pkg/config"
	"github.com/opensafely-core/job-runner/pkg/container"
	"github.com/opensafely-core/job-runner/pkg/expander"
	"github.com/opensafely-core/job-runner/pkg/finaliser"
	"github.com/opensafely-core/job-runner/pkg/git"
	"github.com/opensafely-core/job-runner/pkg/health"
	"github.com/opensafely-core/job-runner/pkg/log"
	"github.com/opensafely-core/job-runner/pkg/metrics"
	"github.com/opensafely-core/job-runner/pkg/runloop"
	"github.com/opensafely-core/job-runner/pkg/store"
	"github.com/opensafely-core/job-runner/pkg/sync"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the job-runner daemon (sync + run loop)",
	Long: `Starts the daemon: polls the coordinator for active job requests,
expands them into jobs, and drives every pending/running job through its
lifecycle until it completes or fails.`,
	RunE: runDaemon,
}

func init() {
	runCmd.Flags().String("metrics-addr", "127.0.0.1:9090", "Address to serve /metrics, /health, /ready and /live on")
}

func runDaemon(cmd *cobra.Command, args []string) error {
	metricsAddr, _ := cmd.Flags().GetString("metrics-addr")

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
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
	loop := runloop.New(st, fin, cfg)
	syncer := sync.New(cfg, st, exp)

	metrics.SetVersion(Version)
	metrics.RegisterComponent("store", true, "open")
	metrics.RegisterComponent("container_runtime", false, "not yet checked")
	metrics.RegisterComponent("sync", false, "not yet polled")

	checkHealth()

	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		mux.Handle("/health", metrics.HealthHandler())
		mux.Handle("/ready", metrics.ReadyHandler())
		mux.Handle("/live", metrics.LivenessHandler())
		if err := http.ListenAndServe(metricsAddr, mux); err != nil {
			log.Logger.Error().Err(err).Msg("metrics server stopped")
		}
	}()
	fmt.Printf("metrics listening on http://%s/metrics\n", metricsAddr)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	loop.Start(ctx)
	syncer.Start(ctx)

	fmt.Println("jobrunner is running. Press Ctrl+C to stop.")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	fmt.Println("shutting down...")
	syncer.Stop()
	loop.Stop()

	return nil
}

// checkHealth runs a one-off probe of the docker binary so the
// container_runtime component reflects reality before the first loop tick,
// rather than staying "not yet checked" until something fails.
func checkHealth() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	docker := health.NewExecChecker([]string{"docker", "info"})
	result := docker.Check(ctx)
	metrics.RegisterComponent("container_runtime", result.Healthy, result.Message)
}
