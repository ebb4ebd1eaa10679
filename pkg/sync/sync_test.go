package sync

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opensafely-core/job-runner/pkg/config"
	"github.com/opensafely-core/job-runner/pkg/store"
	"github.com/opensafely-core/job-runner/pkg/types"
)

func TestJobRequestFromRemoteFormat(t *testing.T) {
	raw := json.RawMessage(`{
		"identifier": "req-1",
		"sha": "abc123",
		"requested_actions": ["analyse"],
		"force_run_dependencies": true,
		"created_by": "alice",
		"workspace": {"repo": "https://example.test/repo", "branch": "main", "name": "study", "db": "full"}
	}`)

	req, err := jobRequestFromRemoteFormat(raw)
	require.NoError(t, err)
	assert.Equal(t, "req-1", req.ID)
	assert.Equal(t, "abc123", req.Commit)
	assert.Equal(t, "main", req.Branch)
	assert.Equal(t, "study", req.Workspace)
	assert.Equal(t, "full", req.DatabaseName)
	assert.True(t, req.ForceRunDependencies)
	assert.Equal(t, "alice", req.Original["created_by"])
}

func TestJobToRemoteFormat(t *testing.T) {
	now := time.Date(2026, 7, 31, 10, 0, 0, 0, time.UTC)
	job := &types.Job{
		ID:            "job-1",
		JobRequestID:  "req-1",
		Action:        "analyse",
		Status:        types.StateCompleted,
		StatusMessage: "Completed successfully",
		CreatedAt:     now,
		UpdatedAt:     now,
		CompletedAt:   &now,
	}
	remote := jobToRemoteFormat(job)
	assert.Equal(t, "job-1", remote.ID)
	assert.Equal(t, "completed", remote.Status)
	assert.Equal(t, now.Format(time.RFC3339), remote.UpdatedAt)
	assert.NotNil(t, remote.CompletedAt)
	assert.Nil(t, remote.StartedAt)
}

func TestTickTreatsBadRequestAsNonFatal(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			w.Write([]byte(`{"results": []}`))
			return
		}
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"detail": "bad backend"}`))
	}))
	defer server.Close()

	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	defer st.Close()

	cfg := &config.Config{JobServerEndpoint: server.URL, Backend: "test"}
	s := New(cfg, st, nil)

	require.NoError(t, s.Tick(context.Background()))
}
