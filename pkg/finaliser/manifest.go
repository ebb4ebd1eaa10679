package finaliser

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/opensafely-core/job-runner/pkg/types"
)

// ManifestPath returns the path of the manifest file within a workspace
// directory.
func ManifestPath(workspaceDir string) string {
	return filepath.Join(workspaceDir, "metadata", "manifest.json")
}

// ReadManifestFile reads and parses the manifest at path. A missing file
// is not an error: it returns a fresh empty manifest and exists=false, the
// state of a workspace that has never had anything finalised into it.
func ReadManifestFile(path string) (manifest *types.Manifest, exists bool, err error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return types.NewManifest(), false, nil
		}
		return nil, false, fmt.Errorf("reading manifest %s: %w", path, err)
	}
	m := &types.Manifest{}
	if err := json.Unmarshal(data, m); err != nil {
		return nil, false, fmt.Errorf("parsing manifest %s: %w", path, err)
	}
	return m, true, nil
}

// WriteManifestFile atomically writes manifest to path via a temporary
// sibling file and rename, so a reader (or a crash) never observes a
// partially-written manifest.
func WriteManifestFile(path string, manifest *types.Manifest) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating manifest directory: %w", err)
	}
	data, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding manifest: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("writing manifest temp file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("committing manifest: %w", err)
	}
	return nil
}

// ActionOutputStatus is the three-way answer to "does this action's
// manifest entry, cross-checked against the files actually on disk, show
// a successful prior run".
type ActionOutputStatus int

const (
	// OutputsUnknown means there's no manifest entry, or its files are
	// missing from disk: the caller should schedule a fresh run.
	OutputsUnknown ActionOutputStatus = iota
	// OutputsSuccessful means the action last completed and all its
	// recorded output files are still present.
	OutputsSuccessful
	// OutputsFailed means the action's last recorded run failed.
	OutputsFailed
)

// ActionHasSuccessfulOutputs inspects workspaceDir's manifest for action,
// returning OutputsSuccessful only when the manifest says it completed
// and every file it claims to have produced still exists on disk.
func ActionHasSuccessfulOutputs(workspaceDir, action string) (ActionOutputStatus, error) {
	manifest, exists, err := ReadManifestFile(ManifestPath(workspaceDir))
	if err != nil {
		return OutputsUnknown, err
	}
	if !exists {
		return OutputsUnknown, nil
	}
	entry, ok := manifest.Actions.Get(action)
	if !ok {
		return OutputsUnknown, nil
	}
	if entry.Status == types.StateFailed {
		return OutputsFailed, nil
	}
	if entry.Status != types.StateCompleted {
		return OutputsUnknown, nil
	}
	for _, rel := range manifest.FilesCreatedBy(action) {
		if _, err := os.Stat(filepath.Join(workspaceDir, rel)); err != nil {
			return OutputsUnknown, nil
		}
	}
	return OutputsSuccessful, nil
}
