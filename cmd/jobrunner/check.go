package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/opensafely-core/job-runner/pkg/config"
	"github.com/opensafely-core/job-runner/pkg/health"
)

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Validate configuration and external tool availability",
	Long: `Loads configuration the same way "run" would, then probes the
external tools the daemon depends on (docker, git) without starting
anything. Useful before a deploy or inside a CI smoke test.`,
	RunE: runCheck,
}

func runCheck(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("configuration: %w", err)
	}
	fmt.Println("✓ configuration loaded")
	fmt.Printf("  backend:                %s\n", cfg.Backend)
	fmt.Printf("  job server endpoint:    %s\n", cfg.JobServerEndpoint)
	fmt.Printf("  max workers:            %d\n", cfg.MaxWorkers)
	fmt.Printf("  local run mode:         %v\n", cfg.LocalRunMode)
	fmt.Printf("  database file:          %s\n", cfg.DatabaseFile)
	fmt.Printf("  high privacy dir:       %s\n", cfg.HighPrivacyWorkspacesDir)
	fmt.Printf("  medium privacy dir:     %s\n", cfg.MediumPrivacyWorkspacesDir)
	fmt.Printf("  known databases:        %d configured\n", len(cfg.DatabaseURLs))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	ok := true
	for _, probe := range []struct {
		name    string
		command []string
	}{
		{"docker", []string{"docker", "info"}},
		{"git", []string{"git", "--version"}},
	} {
		checker := health.NewExecChecker(probe.command)
		result := checker.Check(ctx)
		if result.Healthy {
			fmt.Printf("✓ %s: %s\n", probe.name, result.Message)
		} else {
			fmt.Printf("✗ %s: %s\n", probe.name, result.Message)
			ok = false
		}
	}

	if !ok {
		return fmt.Errorf("one or more external tools are unavailable")
	}
	return nil
}
