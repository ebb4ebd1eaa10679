package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/opensafely-core/job-runner/pkg/store"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Bootstrap or back up the job-runner database",
	Long: `Ensures the job/request buckets exist in DATABASE_FILE, creating the
file if it doesn't exist yet. An existing database is first copied aside
(to --backup, or <database-file>.backup by default) so a failed migration
can be rolled back by hand; --dry-run skips the copy.`,
	RunE: runMigrate,
}

func init() {
	migrateCmd.Flags().String("database-file", "", "Path to the bbolt database (defaults to $DATABASE_FILE)")
	migrateCmd.Flags().Bool("dry-run", false, "Report what would change without writing anything")
	migrateCmd.Flags().String("backup", "", "Path to back up the database before migrating (default: <database-file>.backup)")
}

func runMigrate(cmd *cobra.Command, args []string) error {
	dbPath, _ := cmd.Flags().GetString("database-file")
	if dbPath == "" {
		dbPath = os.Getenv("DATABASE_FILE")
	}
	if dbPath == "" {
		return fmt.Errorf("no database file: pass --database-file or set DATABASE_FILE")
	}
	dryRun, _ := cmd.Flags().GetBool("dry-run")
	backupPath, _ := cmd.Flags().GetString("backup")

	fmt.Printf("database: %s\n", dbPath)
	fmt.Printf("dry run:  %v\n", dryRun)

	existed := true
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		existed = false
	}

	if existed && !dryRun {
		if backupPath == "" {
			backupPath = dbPath + ".backup"
		}
		fmt.Printf("creating backup: %s\n", backupPath)
		if err := copyFile(dbPath, backupPath); err != nil {
			return fmt.Errorf("backing up database: %w", err)
		}
	}

	if dryRun {
		if existed {
			fmt.Println("[dry run] would ensure 'jobs' and 'job_requests' buckets exist")
		} else {
			fmt.Println("[dry run] would create a new database with 'jobs' and 'job_requests' buckets")
		}
		return nil
	}

	st, err := store.Open(dbPath)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer st.Close()

	jobCount, err := st.CountJobs(store.JobFilter{})
	if err != nil {
		return fmt.Errorf("counting jobs: %w", err)
	}

	fmt.Printf("✓ buckets ready, %d existing job(s)\n", jobCount)
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}
	defer out.Close()

	_, err = io.Copy(out, in)
	return err
}
