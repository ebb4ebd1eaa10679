package store_test

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opensafely-core/job-runner/pkg/store"
	"github.com/opensafely-core/job-runner/pkg/types"
)

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func TestInsertAndGetJob(t *testing.T) {
	st := openTestStore(t)

	job := &types.Job{
		ID:        "job-1",
		Workspace: "study",
		Action:    "analyse",
		Status:    types.StatePending,
		CreatedAt: time.Now(),
	}
	require.NoError(t, st.InsertJob(job))

	got, ok, err := st.GetJob("job-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "study", got.Workspace)
	assert.Equal(t, types.StatePending, got.Status)

	_, ok, err = st.GetJob("missing")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestFindJobsByFilter(t *testing.T) {
	st := openTestStore(t)

	require.NoError(t, st.InsertJob(&types.Job{ID: "a", Workspace: "study", Action: "generate", Status: types.StatePending}))
	require.NoError(t, st.InsertJob(&types.Job{ID: "b", Workspace: "study", Action: "analyse", Status: types.StateRunning}))
	require.NoError(t, st.InsertJob(&types.Job{ID: "c", Workspace: "other", Action: "generate", Status: types.StatePending}))

	jobs, err := st.FindJobs(store.JobFilter{Workspace: "study"})
	require.NoError(t, err)
	assert.Len(t, jobs, 2)

	jobs, err = st.FindJobs(store.JobFilter{Status: []types.State{types.StateRunning}})
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, "b", jobs[0].ID)

	count, err := st.CountJobs(store.JobFilter{Status: []types.State{types.StatePending}})
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestUpdateJob(t *testing.T) {
	st := openTestStore(t)
	require.NoError(t, st.InsertJob(&types.Job{ID: "a", Status: types.StatePending}))

	err := st.UpdateJob("a", func(j *types.Job) {
		j.Status = types.StateRunning
		j.StatusMessage = "started"
	})
	require.NoError(t, err)

	got, _, err := st.GetJob("a")
	require.NoError(t, err)
	assert.Equal(t, types.StateRunning, got.Status)
	assert.Equal(t, "started", got.StatusMessage)
	assert.False(t, got.UpdatedAt.IsZero(), "UpdatedAt must be stamped on every mutation")
}

func TestSelectStatuses(t *testing.T) {
	st := openTestStore(t)
	require.NoError(t, st.InsertJob(&types.Job{ID: "a", Status: types.StateCompleted}))
	require.NoError(t, st.InsertJob(&types.Job{ID: "b", Status: types.StateFailed}))

	statuses, err := st.SelectStatuses([]string{"a", "b", "missing"})
	require.NoError(t, err)
	assert.ElementsMatch(t, []types.State{types.StateCompleted, types.StateFailed}, statuses)

	statuses, err = st.SelectStatuses(nil)
	require.NoError(t, err)
	assert.Nil(t, statuses)
}

func TestTransactionRollsBackOnError(t *testing.T) {
	st := openTestStore(t)

	err := st.Transaction(func(tx *store.Tx) error {
		if err := tx.InsertJob(&types.Job{ID: "a", Status: types.StatePending}); err != nil {
			return err
		}
		return assert.AnError
	})
	require.Error(t, err)

	_, ok, err := st.GetJob("a")
	require.NoError(t, err)
	assert.False(t, ok, "insert performed inside a failed transaction must not be visible")
}

func TestTransactionSeesOwnWrites(t *testing.T) {
	st := openTestStore(t)

	err := st.Transaction(func(tx *store.Tx) error {
		require.NoError(t, tx.InsertJob(&types.Job{ID: "a", JobRequestID: "req-1", Status: types.StatePending}))
		exists, err := tx.ExistsJobForRequest("req-1")
		require.NoError(t, err)
		assert.True(t, exists)
		return nil
	})
	require.NoError(t, err)
}

func TestSavedJobRequest(t *testing.T) {
	st := openTestStore(t)
	req := &types.SavedJobRequest{ID: "req-1", Original: map[string]any{"created_by": "alice"}}
	require.NoError(t, st.InsertSavedJobRequest(req))

	got, ok, err := st.GetSavedJobRequest("req-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "alice", got.Original["created_by"])

	_, ok, err = st.GetSavedJobRequest("missing")
	require.NoError(t, err)
	assert.False(t, ok)
}
