package finaliser

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/mattn/go-shellwords"

	"github.com/opensafely-core/job-runner/pkg/config"
	"github.com/opensafely-core/job-runner/pkg/container"
	"github.com/opensafely-core/job-runner/pkg/git"
	"github.com/opensafely-core/job-runner/pkg/project"
	"github.com/opensafely-core/job-runner/pkg/store"
	"github.com/opensafely-core/job-runner/pkg/types"
)

// JobError is a job-level failure that still requires outputs and logs to
// be extracted for debugging before it's surfaced — FinaliseJob always
// finishes the extraction work before returning one.
type JobError struct {
	Message string
}

func (e *JobError) Error() string { return e.Message }

func jobErrorf(format string, args ...any) error {
	return &JobError{Message: fmt.Sprintf(format, args...)}
}

// ActionNotRunError means no manifest entry exists yet for an action.
type ActionNotRunError struct{ Action string }

func (e *ActionNotRunError) Error() string { return fmt.Sprintf("%s has not been run", e.Action) }

// ActionFailedError means an action's last recorded run did not succeed.
type ActionFailedError struct{ Action string }

func (e *ActionFailedError) Error() string { return fmt.Sprintf("%s failed", e.Action) }

// MissingOutputError means a manifest entry names a file that is no longer
// on disk, most likely because someone deleted it by hand.
type MissingOutputError struct{ Action, File string }

func (e *MissingOutputError) Error() string {
	return fmt.Sprintf("output %s missing from %s", e.File, e.Action)
}

// Finaliser starts job containers and harvests them once they've finished.
type Finaliser struct {
	Runner *container.Runner
	Store  *store.Store
	Git    *git.Fetcher
	Config *config.Config
}

// New returns a Finaliser wired to its collaborators.
func New(runner *container.Runner, st *store.Store, fetcher *git.Fetcher, cfg *config.Config) *Finaliser {
	return &Finaliser{Runner: runner, Store: st, Git: fetcher, Config: cfg}
}

// ContainerName is the deterministic container name for job, derived from
// its slug so a killed-and-restarted run loop can recognise work already
// under way.
func ContainerName(job *types.Job) string {
	return "job-" + job.Slug()
}

// VolumeName is the deterministic volume name for job.
func VolumeName(job *types.Job) string {
	return "volume-" + job.Slug()
}

func (f *Finaliser) highPrivacyWorkspaceDir(workspace string) string {
	return filepath.Join(f.Config.HighPrivacyWorkspacesDir, workspace)
}

func (f *Finaliser) mediumPrivacyWorkspaceDir(workspace string) (string, bool) {
	if f.Config.MediumPrivacyWorkspacesDir == "" {
		return "", false
	}
	return filepath.Join(f.Config.MediumPrivacyWorkspacesDir, workspace), true
}

// StartJob launches job's container, creating and populating its input
// volume first. It is idempotent: if the container already exists (the
// runner was killed after creating it but before recording that fact),
// StartJob does nothing.
func (f *Finaliser) StartJob(ctx context.Context, job *types.Job) error {
	exists, err := f.Runner.ContainerExists(ctx, ContainerName(job))
	if err != nil {
		return fmt.Errorf("checking for existing container for %s: %w", job.Action, err)
	}
	if exists {
		return nil
	}

	volume, err := f.createAndPopulateVolume(ctx, job)
	if err != nil {
		return err
	}

	args, err := shellwords.NewParser().Parse(job.RunCommand)
	if err != nil {
		return fmt.Errorf("parsing run command %q: %w", job.RunCommand, err)
	}
	if len(args) == 0 {
		return jobErrorf("Run command is empty")
	}

	env := map[string]string{}
	allowNetworkAccess := false
	if project.IsGenerateCohortCommand(job.RunCommand) && !f.Config.UsingDummyDataBackend {
		allowNetworkAccess = true
		env["DATABASE_URL"] = f.Config.DatabaseURLs[job.DatabaseName]
		if f.Config.TempDatabaseName != "" {
			env["TEMP_DATABASE_NAME"] = f.Config.TempDatabaseName
		}
	}

	image := args[0]
	fullImage := fmt.Sprintf("%s/%s", f.Config.DockerRegistry, image)
	found, err := f.Runner.ImageExistsLocally(ctx, fullImage)
	if err != nil {
		return fmt.Errorf("checking image %s: %w", fullImage, err)
	}
	if !found {
		return jobErrorf("Docker image %s is not currently available", image)
	}

	return f.Runner.Run(ctx, ContainerName(job), fullImage, args[1:], container.RunOptions{
		Volume:             &container.VolumeMount{Name: volume, MountPath: container.VolumeMountPoint},
		Env:                env,
		AllowNetworkAccess: allowNetworkAccess,
	})
}

func (f *Finaliser) createAndPopulateVolume(ctx context.Context, job *types.Job) (string, error) {
	if f.Config.LocalRunMode {
		return f.createAndPopulateVolumeFromLocalWorkspace(ctx, job)
	}

	var inputFiles []string
	workspaceDir := f.highPrivacyWorkspaceDir(job.Workspace)
	for _, action := range job.RequiresOutputsFrom {
		files, err := filesProducedByAction(workspaceDir, action, false)
		if err != nil {
			return "", fmt.Errorf("gathering inputs from %s: %w", action, err)
		}
		inputFiles = append(inputFiles, files...)
	}

	volume := VolumeName(job)
	if err := f.Runner.CreateVolume(ctx, volume); err != nil {
		return "", fmt.Errorf("creating volume %s: %w", volume, err)
	}

	tmpDir, err := os.MkdirTemp(f.Config.TmpDir, "job-runner-checkout-")
	if err != nil {
		return "", fmt.Errorf("creating checkout directory: %w", err)
	}
	defer os.RemoveAll(tmpDir)

	if err := f.Git.FetchCommit(ctx, job.RepoURL, job.Commit, tmpDir); err != nil {
		return "", err
	}
	for _, dir := range parentDirs(inputFiles) {
		if err := os.MkdirAll(filepath.Join(tmpDir, dir), 0o755); err != nil {
			return "", fmt.Errorf("creating input parent directory %s: %w", dir, err)
		}
	}
	if err := f.Runner.CopyToVolume(ctx, volume, tmpDir, "."); err != nil {
		return "", fmt.Errorf("copying code into volume %s: %w", volume, err)
	}

	for _, filename := range inputFiles {
		if err := f.Runner.CopyToVolume(ctx, volume, filepath.Join(workspaceDir, filename), filename); err != nil {
			return "", fmt.Errorf("copying input file %s into volume %s: %w", filename, volume, err)
		}
	}
	return volume, nil
}

func (f *Finaliser) createAndPopulateVolumeFromLocalWorkspace(ctx context.Context, job *types.Job) (string, error) {
	workspaceDir := f.highPrivacyWorkspaceDir(job.Workspace)

	projectData, err := os.ReadFile(filepath.Join(workspaceDir, "project.yaml"))
	if err != nil {
		return "", fmt.Errorf("reading local project.yaml: %w", err)
	}
	proj, err := project.Parse(projectData)
	if err != nil {
		return "", err
	}
	codeFiles, err := project.LocalWorkspaceFiles(workspaceDir, proj)
	if err != nil {
		return "", fmt.Errorf("listing local workspace files: %w", err)
	}

	var inputFiles []string
	for _, action := range job.RequiresOutputsFrom {
		files, err := filesProducedByAction(workspaceDir, action, false)
		if err != nil {
			return "", fmt.Errorf("gathering inputs from %s: %w", action, err)
		}
		inputFiles = append(inputFiles, files...)
	}

	volume := VolumeName(job)
	if err := f.Runner.CreateVolume(ctx, volume); err != nil {
		return "", fmt.Errorf("creating volume %s: %w", volume, err)
	}

	dirs := parentDirs(append(append([]string{}, inputFiles...), codeFiles...))
	if len(dirs) > 0 {
		tmpDir, err := os.MkdirTemp("", "job-runner-local-")
		if err != nil {
			return "", fmt.Errorf("creating scratch directory: %w", err)
		}
		defer os.RemoveAll(tmpDir)
		for _, dir := range dirs {
			if err := os.MkdirAll(filepath.Join(tmpDir, dir), 0o755); err != nil {
				return "", fmt.Errorf("creating parent directory %s: %w", dir, err)
			}
		}
		if err := f.Runner.CopyToVolume(ctx, volume, tmpDir, "."); err != nil {
			return "", fmt.Errorf("priming volume %s: %w", volume, err)
		}
	}

	for _, filename := range codeFiles {
		if err := f.Runner.CopyToVolume(ctx, volume, filepath.Join(workspaceDir, filename), filename); err != nil {
			return "", fmt.Errorf("copying code file %s into volume %s: %w", filename, volume, err)
		}
	}
	for _, filename := range inputFiles {
		if err := f.Runner.CopyToVolume(ctx, volume, filepath.Join(workspaceDir, filename), filename); err != nil {
			return "", fmt.Errorf("copying input file %s into volume %s: %w", filename, volume, err)
		}
	}
	return volume, nil
}

// parentDirs returns the distinct, non-"." parent directories of filenames,
// the set that must exist inside a volume before individual files can be
// docker-cp'd into it.
func parentDirs(filenames []string) []string {
	seen := map[string]bool{}
	var dirs []string
	for _, name := range filenames {
		dir := filepath.Dir(name)
		if dir == "." || dir == "" || seen[dir] {
			continue
		}
		seen[dir] = true
		dirs = append(dirs, dir)
	}
	sort.Strings(dirs)
	return dirs
}

// filesProducedByAction returns the relative paths that action's manifest
// entry says it created. With ignoreErrors false it raises if the action
// has never run, last failed, or is missing a file it claims to have
// produced — used when gathering a job's own inputs, where a broken
// dependency must stop the job outright. With ignoreErrors true it's
// forgiving — used when pruning an action's own stale outputs, where the
// previous manifest entry may itself belong to a failed or partial run.
func filesProducedByAction(workspaceDir, action string, ignoreErrors bool) ([]string, error) {
	manifest, _, err := ReadManifestFile(ManifestPath(workspaceDir))
	if err != nil {
		return nil, err
	}
	entry, ok := manifest.Actions.Get(action)
	if !ignoreErrors {
		if !ok {
			return nil, &ActionNotRunError{Action: action}
		}
		if entry.Status != types.StateCompleted {
			return nil, &ActionFailedError{Action: action}
		}
	}
	files := manifest.FilesCreatedBy(action)
	if !ignoreErrors {
		for _, filename := range files {
			if _, err := os.Stat(filepath.Join(workspaceDir, filename)); err != nil {
				return nil, &MissingOutputError{Action: action, File: filename}
			}
		}
	}
	return files, nil
}

type containerMetadata struct {
	ExitCode int
	Image    string
	Raw      map[string]any
}

func (f *Finaliser) getContainerMetadata(ctx context.Context, job *types.Job) (*containerMetadata, error) {
	raw, ok, err := f.Runner.InspectRaw(ctx, ContainerName(job))
	if err != nil {
		return nil, fmt.Errorf("inspecting container for %s: %w", job.Action, err)
	}
	if !ok {
		return nil, jobErrorf("Job container has vanished")
	}

	var parsed struct {
		Image string `json:"Image"`
		State struct {
			ExitCode int `json:"ExitCode"`
		} `json:"State"`
	}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("decoding container metadata for %s: %w", job.Action, err)
	}

	var full map[string]any
	if err := json.Unmarshal(raw, &full); err != nil {
		return nil, fmt.Errorf("decoding container metadata for %s: %w", job.Action, err)
	}
	redactEnvironmentVariables(full)

	return &containerMetadata{ExitCode: parsed.State.ExitCode, Image: parsed.Image, Raw: full}, nil
}

// safeEnvironmentVariables lists names whose values are not sensitive and
// so are left untouched in archived container metadata. Everything else
// (most importantly DATABASE_URL) is redacted.
var safeEnvironmentVariables = map[string]bool{
	"PATH": true, "PYTHON_VERSION": true, "DEBIAN_FRONTEND": true,
	"DEBCONF_NONINTERACTIVE_SEEN": true, "UBUNTU_VERSION": true,
	"PYENV_SHELL": true, "PYENV_VERSION": true, "PYTHONUNBUFFERED": true,
}

func redactEnvironmentVariables(containerMeta map[string]any) {
	containerConfig, ok := containerMeta["Config"].(map[string]any)
	if !ok {
		return
	}
	rawEnv, ok := containerConfig["Env"].([]any)
	if !ok {
		return
	}
	redacted := make([]any, len(rawEnv))
	for i, v := range rawEnv {
		line, ok := v.(string)
		if !ok {
			redacted[i] = v
			continue
		}
		key, _, found := strings.Cut(line, "=")
		if !found || safeEnvironmentVariables[key] {
			redacted[i] = line
			continue
		}
		redacted[i] = fmt.Sprintf("%s=xxxx-REDACTED-xxxx", key)
	}
	containerConfig["Env"] = redacted
}

// findMatchingOutputs globs job's volume against every pattern in its
// output spec, returning the matched files by privacy level plus any
// pattern that matched nothing at all.
func (f *Finaliser) findMatchingOutputs(ctx context.Context, job *types.Job) (map[string]types.PrivacyLevel, []string, error) {
	allPatterns := job.OutputSpec.AllPatterns()
	allMatches, err := f.Runner.GlobVolumeFiles(ctx, VolumeName(job), allPatterns)
	if err != nil {
		return nil, nil, fmt.Errorf("globbing outputs for %s: %w", job.Action, err)
	}

	outputs := map[string]types.PrivacyLevel{}
	var unmatched []string
	for _, level := range []types.PrivacyLevel{types.HighlySensitive, types.ModeratelySensitive} {
		named, ok := job.OutputSpec[level]
		if !ok {
			continue
		}
		for _, name := range sortedNames(named) {
			pattern := named[name]
			filenames := allMatches[pattern]
			if len(filenames) == 0 {
				unmatched = append(unmatched, pattern)
				continue
			}
			for _, filename := range filenames {
				outputs[filename] = level
			}
		}
	}
	return outputs, unmatched, nil
}

func sortedNames(named map[string]string) []string {
	names := make([]string, 0, len(named))
	for name := range named {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// JobMetadata is everything the runner knows about a finished job,
// archived to JOB_LOG_DIR and to the workspace's manifest-adjacent log.
type JobMetadata struct {
	types.Job
	JobRequest        map[string]any                `json:"job_request"`
	JobID             string                         `json:"job_id"`
	RunByUser         string                         `json:"run_by_user"`
	DockerImageID     string                         `json:"docker_image_id"`
	Outputs           map[string]types.PrivacyLevel  `json:"outputs"`
	ContainerMetadata map[string]any                 `json:"container_metadata"`
}

func (f *Finaliser) buildJobMetadata(job *types.Job, cm *containerMetadata, outputs map[string]types.PrivacyLevel, jobErr error) (*JobMetadata, error) {
	finalJob := *job
	if jobErr != nil {
		finalJob.Status = types.StateFailed
		finalJob.StatusMessage = fmt.Sprintf("JobError: %s", jobErr.Error())
	} else {
		finalJob.Status = types.StateCompleted
		finalJob.StatusMessage = "Completed successfully"
	}
	completedAt := time.Now()
	finalJob.CompletedAt = &completedAt

	savedRequest, found, err := f.Store.GetSavedJobRequest(job.JobRequestID)
	if err != nil {
		return nil, fmt.Errorf("loading job request %s: %w", job.JobRequestID, err)
	}
	var original map[string]any
	var runByUser string
	if found {
		original = savedRequest.Original
		if createdBy, ok := original["created_by"].(string); ok {
			runByUser = createdBy
		}
	}

	return &JobMetadata{
		Job:               finalJob,
		JobRequest:        original,
		JobID:             finalJob.ID,
		RunByUser:         runByUser,
		DockerImageID:     cm.Image,
		Outputs:           outputs,
		ContainerMetadata: cm.Raw,
	}, nil
}

func (f *Finaliser) logDir(job *types.Job) string {
	month := time.Now().Format("2006-01")
	return filepath.Join(f.Config.JobLogDir, month, ContainerName(job))
}

func (f *Finaliser) writeLogFile(ctx context.Context, job *types.Job, metadata *JobMetadata, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating log directory: %w", err)
	}
	if err := f.Runner.WriteLogsToFile(ctx, ContainerName(job), path); err != nil {
		return fmt.Errorf("writing container logs for %s: %w", job.Action, err)
	}

	file, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("opening log file %s: %w", path, err)
	}
	defer file.Close()

	type outputLine struct {
		level types.PrivacyLevel
		name  string
	}
	var lines []outputLine
	for name, level := range metadata.Outputs {
		lines = append(lines, outputLine{level: level, name: name})
	}
	sort.Slice(lines, func(i, j int) bool {
		if lines[i].level != lines[j].level {
			return lines[i].level < lines[j].level
		}
		return lines[i].name < lines[j].name
	})

	fmt.Fprintf(file, "\n\n")
	fmt.Fprintf(file, "status: %s\n", metadata.Status)
	fmt.Fprintf(file, "status_message: %s\n", metadata.StatusMessage)
	fmt.Fprintf(file, "commit: %s\n", metadata.Commit)
	fmt.Fprintf(file, "docker_image_id: %s\n", metadata.DockerImageID)
	fmt.Fprintf(file, "job_id: %s\n", metadata.JobID)
	fmt.Fprintf(file, "run_by_user: %s\n", metadata.RunByUser)
	fmt.Fprintf(file, "created_at: %s\n", metadata.CreatedAt)
	if metadata.StartedAt != nil {
		fmt.Fprintf(file, "started_at: %s\n", metadata.StartedAt)
	}
	if metadata.CompletedAt != nil {
		fmt.Fprintf(file, "completed_at: %s\n", metadata.CompletedAt)
	}
	fmt.Fprintf(file, "\noutputs:\n")
	for _, line := range lines {
		fmt.Fprintf(file, "  %s - %s\n", line.level, line.name)
	}
	return nil
}

func writeJSONFile(path string, v any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating directory for %s: %w", path, err)
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding %s: %w", path, err)
	}
	return os.WriteFile(path, data, 0o644)
}

func copyFile(src, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("creating directory for %s: %w", dst, err)
	}
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("opening %s: %w", src, err)
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("creating %s: %w", dst, err)
	}
	defer out.Close()
	if _, err := io.Copy(out, in); err != nil {
		return fmt.Errorf("copying %s to %s: %w", src, dst, err)
	}
	return nil
}

func deleteFiles(dir string, filenames []string) {
	for _, filename := range filenames {
		_ = os.Remove(filepath.Join(dir, filename))
	}
}

func filesNotIn(existing []string, outputs map[string]types.PrivacyLevel) []string {
	var remove []string
	for _, filename := range existing {
		if _, ok := outputs[filename]; !ok {
			remove = append(remove, filename)
		}
	}
	sort.Strings(remove)
	return remove
}

// FinaliseJob inspects job's finished container, extracts its outputs and
// logs into the workspace, updates the manifest, and returns the job-level
// error (if any) only after every side effect has been durably written —
// so a caller that crashes partway through never loses already-extracted
// outputs, and the manifest is always the last thing touched.
func (f *Finaliser) FinaliseJob(ctx context.Context, job *types.Job) error {
	containerMeta, err := f.getContainerMetadata(ctx, job)
	if err != nil {
		return err
	}
	outputs, unmatched, err := f.findMatchingOutputs(ctx, job)
	if err != nil {
		return err
	}

	var jobErr error
	switch {
	case containerMeta.ExitCode != 0:
		jobErr = jobErrorf("Job exited with an error code")
	case len(unmatched) > 0:
		jobErr = jobErrorf("No outputs found matching: %s", strings.Join(unmatched, ", "))
	}

	metadata, err := f.buildJobMetadata(job, containerMeta, outputs, jobErr)
	if err != nil {
		return err
	}

	logDir := f.logDir(job)
	if err := f.writeLogFile(ctx, job, metadata, filepath.Join(logDir, "logs.txt")); err != nil {
		return err
	}
	if err := writeJSONFile(filepath.Join(logDir, "metadata.json"), metadata); err != nil {
		return err
	}

	workspaceDir := f.highPrivacyWorkspaceDir(job.Workspace)
	metadataLogFile := filepath.Join(workspaceDir, "metadata", job.Action+".log")
	if err := copyFile(filepath.Join(logDir, "logs.txt"), metadataLogFile); err != nil {
		return err
	}

	volume := VolumeName(job)
	for filename := range outputs {
		if err := f.Runner.CopyFromVolume(ctx, volume, filename, filepath.Join(workspaceDir, filename)); err != nil {
			return fmt.Errorf("extracting output %s: %w", filename, err)
		}
	}

	manifestPath := ManifestPath(workspaceDir)
	manifest, _, err := ReadManifestFile(manifestPath)
	if err != nil {
		return err
	}

	existingFiles, err := filesProducedByAction(workspaceDir, job.Action, true)
	if err != nil {
		return err
	}
	filesToRemove := filesNotIn(existingFiles, outputs)
	deleteFiles(workspaceDir, filesToRemove)

	manifest.RemoveFilesCreatedBy(job.Action)
	for filename, level := range outputs {
		manifest.Files[filename] = types.ManifestFileEntry{CreatedByAction: job.Action, PrivacyLevel: level}
	}
	finalStatus := types.StateCompleted
	if jobErr != nil {
		finalStatus = types.StateFailed
	}
	manifest.SetAction(job.Action, types.ManifestActionEntry{
		Status:        finalStatus,
		Commit:        job.Commit,
		DockerImageID: containerMeta.Image,
		JobID:         job.ID,
		RunByUser:     metadata.RunByUser,
		CreatedAt:     job.CreatedAt,
		CompletedAt:   *metadata.CompletedAt,
	})

	if mediumDir, ok := f.mediumPrivacyWorkspaceDir(job.Workspace); ok {
		mediumLogFile := filepath.Join(mediumDir, "metadata", job.Action+".log")
		if err := copyFile(metadataLogFile, mediumLogFile); err != nil {
			return err
		}
		for filename, level := range outputs {
			if level == types.ModeratelySensitive {
				if err := copyFile(filepath.Join(workspaceDir, filename), filepath.Join(mediumDir, filename)); err != nil {
					return err
				}
			}
		}
		deleteFiles(mediumDir, filesToRemove)
		if err := WriteManifestFile(ManifestPath(mediumDir), manifest); err != nil {
			return err
		}
	}

	// The primary manifest is committed last: a crash at any earlier point
	// leaves the previous manifest, and so the previous record of what this
	// action produced, intact.
	if err := WriteManifestFile(manifestPath, manifest); err != nil {
		return err
	}

	return jobErr
}

// CleanupJob removes job's container and volume. Safe to call more than
// once, and safe to call even if StartJob never got as far as creating
// either.
func (f *Finaliser) CleanupJob(ctx context.Context, job *types.Job) error {
	if err := f.Runner.DeleteContainer(ctx, ContainerName(job)); err != nil {
		return fmt.Errorf("removing container for %s: %w", job.Action, err)
	}
	if err := f.Runner.DeleteVolume(ctx, VolumeName(job)); err != nil {
		return fmt.Errorf("removing volume for %s: %w", job.Action, err)
	}
	return nil
}

// JobStillRunning reports whether job's container is still running.
func (f *Finaliser) JobStillRunning(ctx context.Context, job *types.Job) (bool, error) {
	return f.Runner.ContainerIsRunning(ctx, ContainerName(job))
}
