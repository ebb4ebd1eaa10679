package expander_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opensafely-core/job-runner/pkg/config"
	"github.com/opensafely-core/job-runner/pkg/expander"
	"github.com/opensafely-core/job-runner/pkg/git"
	"github.com/opensafely-core/job-runner/pkg/store"
	"github.com/opensafely-core/job-runner/pkg/types"
)

const projectYAML = `
version: "1.0"
actions:
  generate_cohort:
    run: cohortextractor:latest generate_cohort
    outputs:
      highly_sensitive:
        cohort: output/input.csv
  analyse:
    run: python:latest analysis/run.py
    needs: [generate_cohort]
    outputs:
      moderately_sensitive:
        figure: output/fig.png
`

// testFixture bundles an Expander wired to local-run mode, plus the
// workspace directory its project.yaml lives in.
type testFixture struct {
	Expander     *expander.Expander
	Store        *store.Store
	WorkspaceDir string
	Workspace    string
}

func newTestExpander(t *testing.T) testFixture {
	t.Helper()

	workspaceDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(workspaceDir, "project.yaml"), []byte(projectYAML), 0o644))

	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	cfg := &config.Config{
		LocalRunMode:             true,
		UsingDummyDataBackend:    true,
		HighPrivacyWorkspacesDir: filepath.Dir(workspaceDir),
	}

	return testFixture{
		Expander:     expander.New(st, git.NewFetcher(), cfg),
		Store:        st,
		WorkspaceDir: workspaceDir,
		Workspace:    filepath.Base(workspaceDir),
	}
}

func TestCreateOrUpdateJobsExpandsDependencyDAG(t *testing.T) {
	fx := newTestExpander(t)

	req := &types.JobRequest{
		ID:               "req-1",
		RepoURL:          fx.WorkspaceDir,
		Workspace:        fx.Workspace,
		DatabaseName:     "dummy",
		RequestedActions: []string{"analyse"},
		Original:         map[string]any{"identifier": "req-1"},
	}

	require.NoError(t, fx.Expander.CreateOrUpdateJobs(context.Background(), req))

	jobs, err := fx.Store.FindJobs(store.JobFilter{JobRequestID: "req-1"})
	require.NoError(t, err)
	require.Len(t, jobs, 2)

	byAction := map[string]*types.Job{}
	for _, j := range jobs {
		byAction[j.Action] = j
	}
	require.Contains(t, byAction, "generate_cohort")
	require.Contains(t, byAction, "analyse")
	assert.Equal(t, []string{byAction["generate_cohort"].ID}, byAction["analyse"].WaitForJobIDs)
	assert.Equal(t, types.StatePending, byAction["analyse"].Status)
}

func TestCreateOrUpdateJobsIsIdempotentForSameRequest(t *testing.T) {
	fx := newTestExpander(t)

	req := &types.JobRequest{
		ID:               "req-1",
		RepoURL:          fx.WorkspaceDir,
		Workspace:        fx.Workspace,
		DatabaseName:     "dummy",
		RequestedActions: []string{"analyse"},
		Original:         map[string]any{"identifier": "req-1"},
	}
	require.NoError(t, fx.Expander.CreateOrUpdateJobs(context.Background(), req))

	jobsBefore, err := fx.Store.FindJobs(store.JobFilter{})
	require.NoError(t, err)

	require.NoError(t, fx.Expander.CreateOrUpdateJobs(context.Background(), req))

	jobsAfter, err := fx.Store.FindJobs(store.JobFilter{})
	require.NoError(t, err)
	assert.Len(t, jobsAfter, len(jobsBefore), "re-submitting the same request id must not create more jobs")
}

func TestCreateOrUpdateJobsRejectsInvalidWorkspaceName(t *testing.T) {
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	cfg := &config.Config{
		UsingDummyDataBackend:    true,
		HighPrivacyWorkspacesDir: t.TempDir(),
	}
	exp := expander.New(st, git.NewFetcher(), cfg)

	req := &types.JobRequest{
		ID:               "req-bad",
		Workspace:        "bad/name",
		DatabaseName:     "dummy",
		RequestedActions: []string{"analyse"},
		Original:         map[string]any{"identifier": "req-bad"},
	}

	require.NoError(t, exp.CreateOrUpdateJobs(context.Background(), req))

	jobs, err := st.FindJobs(store.JobFilter{JobRequestID: "req-bad"})
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, types.StateFailed, jobs[0].Status)
	assert.Equal(t, "", jobs[0].Action)
	assert.Contains(t, jobs[0].StatusMessage, "JobRequestError")
	assert.Contains(t, jobs[0].StatusMessage, "Invalid workspace name")
}

func TestCreateOrUpdateJobsRejectsUnknownDatabase(t *testing.T) {
	fx := newTestExpander(t)

	req := &types.JobRequest{
		ID:               "req-db",
		RepoURL:          fx.WorkspaceDir,
		Workspace:        fx.Workspace,
		DatabaseName:     "not-dummy",
		RequestedActions: []string{"analyse"},
		Original:         map[string]any{"identifier": "req-db"},
	}

	require.NoError(t, fx.Expander.CreateOrUpdateJobs(context.Background(), req))

	jobs, err := fx.Store.FindJobs(store.JobFilter{JobRequestID: "req-db"})
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, types.StateFailed, jobs[0].Status)
}
