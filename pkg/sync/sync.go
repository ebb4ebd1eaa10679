package sync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/opensafely-core/job-runner/pkg/config"
	"github.com/opensafely-core/job-runner/pkg/expander"
	"github.com/opensafely-core/job-runner/pkg/log"
	"github.com/opensafely-core/job-runner/pkg/metrics"
	"github.com/opensafely-core/job-runner/pkg/store"
	"github.com/opensafely-core/job-runner/pkg/types"
)

// Syncer polls the coordinator for active job requests and reports back
// the state of every job they produced.
type Syncer struct {
	Config   *config.Config
	Store    *store.Store
	Expander *expander.Expander
	Client   *http.Client

	logger zerolog.Logger
	stopCh chan struct{}
}

// New returns a Syncer ready to Start.
func New(cfg *config.Config, st *store.Store, exp *expander.Expander) *Syncer {
	return &Syncer{
		Config:   cfg,
		Store:    st,
		Expander: exp,
		Client:   &http.Client{Timeout: 30 * time.Second},
		logger:   log.WithComponent("sync"),
		stopCh:   make(chan struct{}),
	}
}

// Start begins polling on Config.PollInterval in the background.
func (s *Syncer) Start(ctx context.Context) {
	go s.run(ctx)
}

// Stop ends the poll loop.
func (s *Syncer) Stop() {
	close(s.stopCh)
}

func (s *Syncer) run(ctx context.Context) {
	ticker := time.NewTicker(s.Config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := s.Tick(ctx); err != nil {
				s.logger.Error().Err(err).Msg("sync tick failed")
			}
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

type remoteWorkspace struct {
	Repo   string `json:"repo"`
	Branch string `json:"branch"`
	Name   string `json:"name"`
	DB     string `json:"db"`
}

type remoteJobRequest struct {
	Identifier           string          `json:"identifier"`
	SHA                  string          `json:"sha"`
	RequestedActions     []string        `json:"requested_actions"`
	ForceRunDependencies bool            `json:"force_run_dependencies"`
	CreatedBy            string          `json:"created_by"`
	Workspace            remoteWorkspace `json:"workspace"`
}

type remoteJobRequestList struct {
	Results []json.RawMessage `json:"results"`
}

type remoteJob struct {
	ID            string  `json:"id"`
	JobRequestID  string  `json:"job_request_id"`
	Action        string  `json:"action"`
	Status        string  `json:"status"`
	StatusMessage string  `json:"status_message"`
	CreatedAt     string  `json:"created_at"`
	UpdatedAt     string  `json:"updated_at"`
	StartedAt     *string `json:"started_at,omitempty"`
	CompletedAt   *string `json:"completed_at,omitempty"`
}

// Tick runs one poll cycle: fetch active job requests, expand each into
// jobs, then report back every job belonging to one of those requests.
func (s *Syncer) Tick(ctx context.Context) error {
	timer := metrics.NewTimer()
	defer func() { metrics.SyncDuration.Observe(timer.Duration().Seconds()) }()

	raw, err := s.get(ctx, "job-requests", url.Values{
		"active":  []string{"true"},
		"backend": []string{s.Config.Backend},
	})
	if err != nil {
		return fmt.Errorf("fetching job requests: %w", err)
	}

	var list remoteJobRequestList
	if err := json.Unmarshal(raw, &list); err != nil {
		return fmt.Errorf("decoding job requests: %w", err)
	}

	jobRequestIDs := make([]string, 0, len(list.Results))
	for _, item := range list.Results {
		req, err := jobRequestFromRemoteFormat(item)
		if err != nil {
			return fmt.Errorf("decoding job request: %w", err)
		}
		jobRequestIDs = append(jobRequestIDs, req.ID)
		if err := s.Expander.CreateOrUpdateJobs(ctx, req); err != nil {
			return fmt.Errorf("expanding job request %s: %w", req.ID, err)
		}
	}

	var jobs []*types.Job
	if len(jobRequestIDs) > 0 {
		jobs, err = s.Store.FindJobs(store.JobFilter{JobRequestIDIn: jobRequestIDs})
		if err != nil {
			return fmt.Errorf("loading jobs to report: %w", err)
		}
	}
	payload := make([]remoteJob, 0, len(jobs))
	for _, job := range jobs {
		payload = append(payload, jobToRemoteFormat(job))
	}

	if _, err := s.post(ctx, "jobs", payload); err != nil {
		return fmt.Errorf("reporting jobs: %w", err)
	}
	return nil
}

func jobRequestFromRemoteFormat(raw json.RawMessage) (*types.JobRequest, error) {
	var remote remoteJobRequest
	if err := json.Unmarshal(raw, &remote); err != nil {
		return nil, err
	}
	var original map[string]any
	if err := json.Unmarshal(raw, &original); err != nil {
		return nil, err
	}
	return &types.JobRequest{
		ID:                   remote.Identifier,
		RepoURL:              remote.Workspace.Repo,
		Commit:               remote.SHA,
		Branch:               remote.Workspace.Branch,
		Workspace:            remote.Workspace.Name,
		DatabaseName:         remote.Workspace.DB,
		RequestedActions:     remote.RequestedActions,
		ForceRunDependencies: remote.ForceRunDependencies,
		CreatedBy:            remote.CreatedBy,
		Original:             original,
	}, nil
}

func jobToRemoteFormat(job *types.Job) remoteJob {
	r := remoteJob{
		ID:            job.ID,
		JobRequestID:  job.JobRequestID,
		Action:        job.Action,
		Status:        string(job.Status),
		StatusMessage: job.StatusMessage,
		CreatedAt:     job.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt:     job.UpdatedAt.UTC().Format(time.RFC3339),
	}
	if job.StartedAt != nil {
		v := job.StartedAt.UTC().Format(time.RFC3339)
		r.StartedAt = &v
	}
	if job.CompletedAt != nil {
		v := job.CompletedAt.UTC().Format(time.RFC3339)
		r.CompletedAt = &v
	}
	return r
}

func (s *Syncer) get(ctx context.Context, path string, params url.Values) (json.RawMessage, error) {
	u := s.endpoint(path)
	if len(params) > 0 {
		u += "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	return s.do(req, "download")
}

func (s *Syncer) post(ctx context.Context, path string, body any) (json.RawMessage, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encoding request body: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint(path), bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return s.do(req, "upload")
}

func (s *Syncer) endpoint(path string) string {
	return fmt.Sprintf("%s/%s/", strings.TrimRight(s.Config.JobServerEndpoint, "/"), strings.Trim(path, "/"))
}

func (s *Syncer) do(req *http.Request, direction string) (json.RawMessage, error) {
	req.SetBasicAuth(s.Config.QueueUser, s.Config.QueuePass)
	resp, err := s.Client.Do(req)
	if err != nil {
		metrics.SyncRequestsTotal.WithLabelValues(direction, "error").Inc()
		return nil, fmt.Errorf("%s %s: %w", req.Method, req.URL, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		metrics.SyncRequestsTotal.WithLabelValues(direction, "error").Inc()
		return nil, fmt.Errorf("reading response body: %w", err)
	}

	status := strconv.Itoa(resp.StatusCode)
	metrics.SyncRequestsTotal.WithLabelValues(direction, status).Inc()

	if resp.StatusCode == http.StatusBadRequest {
		s.logger.Info().Str("body", string(respBody)).Msg("coordinator returned 400")
		return json.RawMessage(respBody), nil
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("unexpected status %d from %s: %s", resp.StatusCode, req.URL, respBody)
	}
	return json.RawMessage(respBody), nil
}
