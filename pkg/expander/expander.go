package expander

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/opensafely-core/job-runner/pkg/config"
	"github.com/opensafely-core/job-runner/pkg/finaliser"
	"github.com/opensafely-core/job-runner/pkg/git"
	"github.com/opensafely-core/job-runner/pkg/project"
	"github.com/opensafely-core/job-runner/pkg/store"
	"github.com/opensafely-core/job-runner/pkg/types"
)

// RequestError is raised for problems with the request itself (bad
// workspace name, unknown database, an action that previously failed and
// must be re-run). CreateOrUpdateJobs projects it, like every other
// expansion error, into a single synthetic Failed job.
type RequestError struct {
	Message string
}

func (e *RequestError) Error() string {
	return e.Message
}

func requestErrorf(format string, args ...any) error {
	return &RequestError{Message: fmt.Sprintf(format, args...)}
}

var workspaceNamePattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// Expander resolves JobRequests into persisted Jobs.
type Expander struct {
	Store  *store.Store
	Git    *git.Fetcher
	Config *config.Config
}

// New returns an Expander backed by st, using fetcher for git access and
// cfg for the configured database names and local-run behaviour.
func New(st *store.Store, fetcher *git.Fetcher, cfg *config.Config) *Expander {
	return &Expander{Store: st, Git: fetcher, Config: cfg}
}

// CreateOrUpdateJobs creates Jobs in response to req, or does nothing if
// a job already references req.ID. Any problem encountered before a
// transaction commits is projected into a single synthetic Failed job
// rather than returned as an error — the coordinator must always see a
// row for every request it submitted.
func (e *Expander) CreateOrUpdateJobs(ctx context.Context, req *types.JobRequest) error {
	exists, err := e.relatedJobsExist(req)
	if err != nil {
		return fmt.Errorf("checking for existing jobs for request %s: %w", req.ID, err)
	}
	if exists {
		// Updates to existing requests are currently a no-op; see Job.Cancel
		// for the documented future extension point.
		return nil
	}

	if err := e.createJobs(ctx, req); err != nil {
		if isExpansionFailure(err) {
			return e.createFailedJob(req, err)
		}
		return err
	}
	return nil
}

func isExpansionFailure(err error) bool {
	switch err.(type) {
	case *RequestError, *project.ValidationError, *git.NotFoundError, *git.FetchError:
		return true
	default:
		return false
	}
}

func (e *Expander) relatedJobsExist(req *types.JobRequest) (bool, error) {
	return e.Store.ExistsJob(store.JobFilter{JobRequestID: req.ID})
}

func (e *Expander) createJobs(ctx context.Context, req *types.JobRequest) error {
	if err := validateJobRequest(req, e.Config); err != nil {
		return err
	}

	if req.Commit == "" {
		commit, err := e.Git.ResolveCommit(ctx, req.RepoURL, req.Branch)
		if err != nil {
			return err
		}
		req.Commit = commit
	}

	projectFile, err := e.readProjectFile(ctx, req)
	if err != nil {
		return err
	}

	return e.createJobsWithProjectFile(req, projectFile)
}

func (e *Expander) readProjectFile(ctx context.Context, req *types.JobRequest) ([]byte, error) {
	if e.Config.LocalRunMode {
		data, err := os.ReadFile(filepath.Join(req.RepoURL, "project.yaml"))
		if err != nil {
			return nil, fmt.Errorf("reading local project.yaml: %w", err)
		}
		return data, nil
	}
	return e.Git.ReadFileAtCommit(ctx, req.RepoURL, req.Commit, "project.yaml")
}

// forceSet decides whether an action must run regardless of existing
// outputs: either every action (wildcard, when force_run_dependencies is
// set) or exactly the set of actions explicitly requested.
type forceSet struct {
	all       bool
	requested map[string]bool
}

func (f forceSet) contains(action string) bool {
	return f.all || f.requested[action]
}

func newForceSet(req *types.JobRequest) forceSet {
	if req.ForceRunDependencies {
		return forceSet{all: true}
	}
	requested := make(map[string]bool, len(req.RequestedActions))
	for _, a := range req.RequestedActions {
		requested[a] = true
	}
	return forceSet{requested: requested}
}

func (e *Expander) createJobsWithProjectFile(req *types.JobRequest, projectFile []byte) error {
	proj, err := project.Parse(projectFile)
	if err != nil {
		return err
	}

	force := newForceSet(req)

	return e.Store.Transaction(func(tx *store.Tx) error {
		if err := tx.InsertSavedJobRequest(&types.SavedJobRequest{ID: req.ID, Original: req.Original}); err != nil {
			return fmt.Errorf("inserting job request %s: %w", req.ID, err)
		}

		newJobScheduled := false
		visiting := map[string]bool{}
		for _, action := range req.RequestedActions {
			job, err := e.recursivelyAddJobs(tx, req, proj, action, force, visiting)
			if err != nil {
				return err
			}
			if job != nil && job.JobRequestID == req.ID {
				newJobScheduled = true
			}
		}
		if !newJobScheduled {
			return requestErrorf("All requested actions were already scheduled to run")
		}
		return nil
	})
}

// recursivelyAddJobs returns the Job that satisfies action within this
// request, or nil if a historical successful run already satisfies it
// and nothing new needs to run.
func (e *Expander) recursivelyAddJobs(tx *store.Tx, req *types.JobRequest, proj *project.Project, action string, force forceSet, visiting map[string]bool) (*types.Job, error) {
	if visiting[action] {
		return nil, requestErrorf("dependency cycle detected while expanding action %q", action)
	}
	visiting[action] = true
	defer delete(visiting, action)

	activeJobs, err := tx.FindJobs(store.JobFilter{
		Workspace: req.Workspace,
		Action:    action,
		Status:    []types.State{types.StatePending, types.StateRunning},
	})
	if err != nil {
		return nil, fmt.Errorf("checking for active job for %s/%s: %w", req.Workspace, action, err)
	}
	if len(activeJobs) > 0 {
		return activeJobs[0], nil
	}

	if !force.contains(action) {
		status, err := e.actionOutputsStatus(req.Workspace, action)
		if err != nil {
			return nil, fmt.Errorf("checking historical outputs for %s/%s: %w", req.Workspace, action, err)
		}
		switch status {
		case finaliser.OutputsSuccessful:
			return nil, nil
		case finaliser.OutputsFailed:
			return nil, requestErrorf("%s failed on a previous run and must be re-run", action)
		}
		// OutputsUnknown: fall through and create the job.
	}

	spec, err := project.GetActionSpecification(proj, action)
	if err != nil {
		return nil, err
	}

	var waitForJobIDs []string
	for _, need := range spec.Needs {
		requiredJob, err := e.recursivelyAddJobs(tx, req, proj, need, force, visiting)
		if err != nil {
			return nil, err
		}
		if requiredJob != nil {
			waitForJobIDs = append(waitForJobIDs, requiredJob.ID)
		}
	}

	now := time.Now()
	job := &types.Job{
		ID:                  types.NewJobID(),
		JobRequestID:        req.ID,
		Workspace:           req.Workspace,
		RepoURL:             req.RepoURL,
		Commit:              req.Commit,
		DatabaseName:        req.DatabaseName,
		Action:              action,
		RunCommand:          spec.Run,
		RequiresOutputsFrom: spec.Needs,
		WaitForJobIDs:       waitForJobIDs,
		OutputSpec:          spec.Outputs,
		Status:              types.StatePending,
		CreatedAt:           now,
		UpdatedAt:           now,
	}
	if err := tx.InsertJob(job); err != nil {
		return nil, fmt.Errorf("inserting job for %s/%s: %w", req.Workspace, action, err)
	}
	return job, nil
}

func (e *Expander) actionOutputsStatus(workspace, action string) (finaliser.ActionOutputStatus, error) {
	workspaceDir := filepath.Join(e.Config.HighPrivacyWorkspacesDir, workspace)
	return finaliser.ActionHasSuccessfulOutputs(workspaceDir, action)
}

func validateJobRequest(req *types.JobRequest, cfg *config.Config) error {
	if req.Workspace == "" {
		return requestErrorf("Workspace name cannot be blank")
	}
	if !cfg.LocalRunMode && !workspaceNamePattern.MatchString(req.Workspace) {
		return requestErrorf("Invalid workspace name (allowed are alphanumeric, dash and underscore)")
	}

	if cfg.UsingDummyDataBackend {
		if req.DatabaseName != "dummy" {
			return requestErrorf("Invalid database name %q, allowed are: dummy", req.DatabaseName)
		}
		return nil
	}

	url, ok := cfg.DatabaseURLs[req.DatabaseName]
	if !ok {
		return requestErrorf("Invalid database name %q, allowed are: %s", req.DatabaseName, allowedDatabaseNames(cfg))
	}
	if url == "" {
		return requestErrorf("Database name %q is not currently defined for backend %q", req.DatabaseName, cfg.Backend)
	}
	return nil
}

func allowedDatabaseNames(cfg *config.Config) string {
	names := make([]string, 0, len(cfg.DatabaseURLs))
	for name := range cfg.DatabaseURLs {
		names = append(names, name)
	}
	return fmt.Sprintf("%v", names)
}

// createFailedJob projects err into a single Failed job so the
// coordinator always sees a row for req, even though nothing could
// actually be scheduled.
func (e *Expander) createFailedJob(req *types.JobRequest, cause error) error {
	return e.Store.Transaction(func(tx *store.Tx) error {
		if err := tx.InsertSavedJobRequest(&types.SavedJobRequest{ID: req.ID, Original: req.Original}); err != nil {
			return fmt.Errorf("inserting job request %s: %w", req.ID, err)
		}
		now := time.Now()
		job := &types.Job{
			ID:            types.NewJobID(),
			JobRequestID:  req.ID,
			Status:        types.StateFailed,
			RepoURL:       req.RepoURL,
			Commit:        req.Commit,
			Workspace:     req.Workspace,
			Action:        "",
			StatusMessage: fmt.Sprintf("%s: %s", errorKind(cause), cause.Error()),
			CreatedAt:     now,
			UpdatedAt:     now,
			CompletedAt:   &now,
		}
		return tx.InsertJob(job)
	})
}

func errorKind(err error) string {
	switch err.(type) {
	case *RequestError:
		return "JobRequestError"
	case *project.ValidationError:
		return "ProjectValidationError"
	case *git.NotFoundError:
		return "RepoNotFound"
	case *git.FetchError:
		return "GitCloneError"
	default:
		return "Error"
	}
}
