package container

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
)

// Label is applied to every container and volume the runner creates, for
// easier management and test cleanup.
const Label = "job-runner"

// VolumeMountPoint is where volumes are mounted, both inside their manager
// containers and inside the job's own container.
const VolumeMountPoint = "/workspace"

// PullError is returned by Pull when the docker daemon could not retrieve
// an image; Output carries the CLI's stderr so the caller can surface it
// to the job's status message.
type PullError struct {
	Image  string
	Output string
}

func (e *PullError) Error() string {
	return fmt.Sprintf("pulling image %s: %s", e.Image, e.Output)
}

// Runner executes docker CLI commands on behalf of the job runner.
type Runner struct {
	// DockerRegistry prefixes the management container image, matching
	// spec's DOCKER_REGISTRY configuration.
	DockerRegistry string
}

// New returns a Runner that pulls its management container from registry.
func New(registry string) *Runner {
	return &Runner{DockerRegistry: registry}
}

func (r *Runner) managementImage() string {
	return fmt.Sprintf("%s/cohortextractor", r.DockerRegistry)
}

// ManagerName returns the name of the stopped container docker requires to
// interact with a volume's contents.
func ManagerName(volumeName string) string {
	return volumeName + "-manager"
}

func (r *Runner) run(ctx context.Context, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, "docker", args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return stdout.Bytes(), fmt.Errorf("docker %s: %w: %s", strings.Join(args, " "), err, stderr.String())
	}
	return stdout.Bytes(), nil
}

// runIgnoring runs args and treats the command as successful if it exits 1
// and its stderr contains needle, mirroring the idempotent
// already-removed/already-exists handling docker.py does for every
// destructive operation.
func (r *Runner) runIgnoring(ctx context.Context, needle string, args ...string) error {
	cmd := exec.CommandContext(ctx, "docker", args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	err := cmd.Run()
	if err == nil {
		return nil
	}
	exitErr, ok := err.(*exec.ExitError)
	if ok && exitErr.ExitCode() == 1 && strings.Contains(stderr.String(), needle) {
		return nil
	}
	return fmt.Errorf("docker %s: %w: %s", strings.Join(args, " "), err, stderr.String())
}

// CreateVolume creates the named volume and a stopped manager container
// with it mounted, so later copy/glob operations have something to attach
// to. Idempotent: recreating an existing volume and manager is not an
// error.
func (r *Runner) CreateVolume(ctx context.Context, volumeName string) error {
	if _, err := r.run(ctx, "volume", "create", "--label", Label, "--name", volumeName); err != nil {
		return err
	}
	err := r.runIgnoring(ctx, "is already in use by container",
		"container", "create",
		"--label", Label,
		"--name", ManagerName(volumeName),
		"--volume", fmt.Sprintf("%s:%s", volumeName, VolumeMountPoint),
		"--entrypoint", "sh",
		"--interactive",
		"--init",
		r.managementImage(),
	)
	if err != nil {
		return fmt.Errorf("creating manager container for volume %s: %w", volumeName, err)
	}
	return nil
}

// DeleteVolume removes the named volume and its manager container.
// Idempotent: deleting an already-deleted volume is not an error.
func (r *Runner) DeleteVolume(ctx context.Context, volumeName string) error {
	if err := r.runIgnoring(ctx, "No such container", "container", "rm", "--force", ManagerName(volumeName)); err != nil {
		return fmt.Errorf("removing manager container for volume %s: %w", volumeName, err)
	}
	if err := r.runIgnoring(ctx, "No such volume", "volume", "rm", volumeName); err != nil {
		return fmt.Errorf("removing volume %s: %w", volumeName, err)
	}
	return nil
}

// CopyToVolume copies the contents of the host path source into dest
// inside volumeName. If source is a directory, its contents (not the
// directory itself) are copied, matching docker cp's extended-description
// semantics.
func (r *Runner) CopyToVolume(ctx context.Context, volumeName, source, dest string) error {
	info, err := os.Stat(source)
	if err != nil {
		return fmt.Errorf("stat %s: %w", source, err)
	}
	if info.IsDir() {
		source = strings.TrimRight(source, string(filepath.Separator)) + string(filepath.Separator) + "."
	}
	target := fmt.Sprintf("%s:%s/%s", ManagerName(volumeName), VolumeMountPoint, dest)
	_, err = r.run(ctx, "cp", source, target)
	return err
}

// CopyFromVolume copies source (relative to the volume root) out of
// volumeName to the host path dest, creating dest's parent directory if
// needed.
func (r *Runner) CopyFromVolume(ctx context.Context, volumeName, source, dest string) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return fmt.Errorf("creating parent directory for %s: %w", dest, err)
	}
	src := fmt.Sprintf("%s:%s/%s", ManagerName(volumeName), VolumeMountPoint, source)
	_, err := r.run(ctx, "cp", src, dest)
	return err
}

// GlobVolumeFiles accepts a list of glob patterns and returns a map from
// each pattern to every file inside volumeName that matches it. Accepting
// multiple patterns at once avoids a docker round trip per pattern.
func (r *Runner) GlobVolumeFiles(ctx context.Context, volumeName string, patterns []string) (map[string][]string, error) {
	args := []string{VolumeMountPoint, "-type", "f", "("}
	for _, pattern := range patterns {
		args = append(args, "-regex", globPatternToRegex(VolumeMountPoint+"/"+pattern), "-o")
	}
	if len(args) > 4 {
		args[len(args)-1] = ")"
	} else {
		args = append(args, ")")
	}

	if _, err := r.run(ctx, "container", "start", ManagerName(volumeName)); err != nil {
		return nil, fmt.Errorf("starting manager container for volume %s: %w", volumeName, err)
	}

	findArgs := append([]string{"container", "exec", ManagerName(volumeName), "find"}, args...)
	out, err := r.run(ctx, findArgs...)
	if err != nil {
		return nil, fmt.Errorf("listing files in volume %s: %w", volumeName, err)
	}

	prefix := VolumeMountPoint + "/"
	var files []string
	for _, line := range strings.Split(strings.TrimRight(string(out), "\n"), "\n") {
		if line == "" {
			continue
		}
		files = append(files, strings.TrimPrefix(line, prefix))
	}
	sort.Strings(files)

	matches := make(map[string][]string, len(patterns))
	for _, pattern := range patterns {
		re, err := regexp.Compile("^" + globPatternToRegex(pattern) + "$")
		if err != nil {
			return nil, fmt.Errorf("compiling pattern %q: %w", pattern, err)
		}
		var matched []string
		for _, f := range files {
			if re.MatchString(f) {
				matched = append(matched, f)
			}
		}
		matches[pattern] = matched
	}
	return matches, nil
}

// globPatternToRegex converts a shell glob pattern (where "*" does not
// match "/") into the regular expression find -regex expects.
func globPatternToRegex(pattern string) string {
	parts := strings.Split(pattern, "*")
	for i, p := range parts {
		parts[i] = regexp.QuoteMeta(p)
	}
	return strings.Join(parts, "[^/]*")
}

// ContainerExists reports whether a container with this name exists,
// regardless of its running state.
func (r *Runner) ContainerExists(ctx context.Context, name string) (bool, error) {
	_, ok, err := r.containerInspect(ctx, name, "ID")
	return ok, err
}

// ContainerIsRunning reports whether a container with this name exists
// and is currently running.
func (r *Runner) ContainerIsRunning(ctx context.Context, name string) (bool, error) {
	raw, ok, err := r.containerInspect(ctx, name, "State.Running")
	if err != nil || !ok {
		return false, err
	}
	var running bool
	if err := json.Unmarshal(raw, &running); err != nil {
		return false, fmt.Errorf("decoding running state for %s: %w", name, err)
	}
	return running, nil
}

// ContainerInspect retrieves the value at key (a dotted path understood by
// docker's --format template) for the named container.
func (r *Runner) ContainerInspect(ctx context.Context, name, key string) (json.RawMessage, error) {
	raw, ok, err := r.containerInspect(ctx, name, key)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("container %s does not exist", name)
	}
	return raw, nil
}

func (r *Runner) containerInspect(ctx context.Context, name, key string) (json.RawMessage, bool, error) {
	format := fmt.Sprintf("{{json .%s}}", key)
	cmd := exec.CommandContext(ctx, "docker", "container", "inspect", "--format", format, name)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok && exitErr.ExitCode() == 1 && strings.Contains(stderr.String(), "No such container") {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("inspecting container %s: %w: %s", name, err, stderr.String())
	}
	return json.RawMessage(bytes.TrimSpace(stdout.Bytes())), true, nil
}

// InspectRaw returns the full docker-inspect object for the named
// container, or ok=false if it does not exist. Callers that only need one
// field should prefer ContainerInspect; this is for finalising a job, where
// most of the object ends up archived as metadata.
func (r *Runner) InspectRaw(ctx context.Context, name string) (json.RawMessage, bool, error) {
	cmd := exec.CommandContext(ctx, "docker", "container", "inspect", name)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok && exitErr.ExitCode() == 1 && strings.Contains(stderr.String(), "No such container") {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("inspecting container %s: %w: %s", name, err, stderr.String())
	}
	var arr []json.RawMessage
	if err := json.Unmarshal(stdout.Bytes(), &arr); err != nil {
		return nil, false, fmt.Errorf("decoding inspect output for %s: %w", name, err)
	}
	if len(arr) == 0 {
		return nil, false, nil
	}
	return arr[0], true, nil
}

// RunOptions configures a detached container launched by Run.
type RunOptions struct {
	// Volume, if non-empty, mounts Volume.Name at Volume.MountPath.
	Volume *VolumeMount
	// Env is passed as a sequence of --env KEY=VALUE flags.
	Env map[string]string
	// AllowNetworkAccess disables the default `--network none` isolation.
	AllowNetworkAccess bool
}

// VolumeMount names a volume and the path to mount it at.
type VolumeMount struct {
	Name      string
	MountPath string
}

// Run starts a detached, labelled container named name running image with
// args as its command, returning once the container has been created.
func (r *Runner) Run(ctx context.Context, name, image string, args []string, opts RunOptions) error {
	runArgs := []string{"run", "--init", "--detach", "--label", Label, "--name", name}
	if !opts.AllowNetworkAccess {
		runArgs = append(runArgs, "--network", "none")
	}
	if opts.Volume != nil {
		runArgs = append(runArgs, "--volume", fmt.Sprintf("%s:%s", opts.Volume.Name, opts.Volume.MountPath))
	}
	for _, key := range sortedEnvKeys(opts.Env) {
		runArgs = append(runArgs, "--env", fmt.Sprintf("%s=%s", key, opts.Env[key]))
	}
	runArgs = append(runArgs, image)
	runArgs = append(runArgs, args...)
	_, err := r.run(ctx, runArgs...)
	return err
}

func sortedEnvKeys(env map[string]string) []string {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// ImageExistsLocally reports whether image has already been pulled.
func (r *Runner) ImageExistsLocally(ctx context.Context, image string) (bool, error) {
	cmd := exec.CommandContext(ctx, "docker", "image", "inspect", "--format", "ok", image)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	err := cmd.Run()
	if err == nil {
		return true, nil
	}
	if exitErr, ok := err.(*exec.ExitError); ok && exitErr.ExitCode() == 1 && strings.Contains(stderr.String(), "No such image") {
		return false, nil
	}
	return false, fmt.Errorf("inspecting image %s: %w: %s", image, err, stderr.String())
}

// DeleteContainer force-removes the named container. Idempotent: removing
// an already-removed container is not an error.
func (r *Runner) DeleteContainer(ctx context.Context, name string) error {
	return r.runIgnoring(ctx, "No such container", "container", "rm", "--force", name)
}

// WriteLogsToFile writes the named container's combined, timestamped logs
// to path, overwriting any existing file.
func (r *Runner) WriteLogsToFile(ctx context.Context, name, path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating log file %s: %w", path, err)
	}
	defer f.Close()

	cmd := exec.CommandContext(ctx, "docker", "container", "logs", "--timestamps", name)
	cmd.Stdout = f
	cmd.Stderr = f
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("writing logs for container %s: %w", name, err)
	}
	return nil
}

// Pull retrieves image from the registry, returning a *PullError on
// failure so callers can surface the daemon's own message.
func (r *Runner) Pull(ctx context.Context, image string) error {
	cmd := exec.CommandContext(ctx, "docker", "pull", image)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return &PullError{Image: image, Output: stderr.String()}
	}
	return nil
}
