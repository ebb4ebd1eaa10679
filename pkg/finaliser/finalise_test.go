package finaliser

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opensafely-core/job-runner/pkg/types"
)

func TestParentDirs(t *testing.T) {
	dirs := parentDirs([]string{"output/input.csv", "output/sub/fig.png", "README.md"})
	assert.Equal(t, []string{"output", "output/sub"}, dirs)
}

func TestFilesNotIn(t *testing.T) {
	existing := []string{"a.csv", "b.csv", "c.csv"}
	outputs := map[string]types.PrivacyLevel{"a.csv": types.HighlySensitive}
	assert.Equal(t, []string{"b.csv", "c.csv"}, filesNotIn(existing, outputs))
}

func TestRedactEnvironmentVariables(t *testing.T) {
	containerMeta := map[string]any{
		"Config": map[string]any{
			"Env": []any{"PATH=/usr/bin", "DATABASE_URL=postgres://secret", "PYTHONUNBUFFERED=1"},
		},
	}
	redactEnvironmentVariables(containerMeta)
	env := containerMeta["Config"].(map[string]any)["Env"].([]any)
	assert.Equal(t, "PATH=/usr/bin", env[0])
	assert.Equal(t, "DATABASE_URL=xxxx-REDACTED-xxxx", env[1])
	assert.Equal(t, "PYTHONUNBUFFERED=1", env[2])
}

func TestFilesProducedByActionNotRun(t *testing.T) {
	dir := t.TempDir()
	_, err := filesProducedByAction(dir, "analyse", false)
	assert.ErrorAs(t, err, new(*ActionNotRunError))
}

func TestFilesProducedByActionFailed(t *testing.T) {
	dir := t.TempDir()
	manifest := types.NewManifest()
	manifest.SetAction("analyse", types.ManifestActionEntry{Status: types.StateFailed})
	require.NoError(t, WriteManifestFile(ManifestPath(dir), manifest))

	_, err := filesProducedByAction(dir, "analyse", false)
	assert.ErrorAs(t, err, new(*ActionFailedError))
}

func TestFilesProducedByActionMissingOutput(t *testing.T) {
	dir := t.TempDir()
	manifest := types.NewManifest()
	manifest.Files["output/input.csv"] = types.ManifestFileEntry{CreatedByAction: "analyse", PrivacyLevel: types.HighlySensitive}
	manifest.SetAction("analyse", types.ManifestActionEntry{Status: types.StateCompleted, CreatedAt: time.Now()})
	require.NoError(t, WriteManifestFile(ManifestPath(dir), manifest))

	_, err := filesProducedByAction(dir, "analyse", false)
	assert.ErrorAs(t, err, new(*MissingOutputError))

	// With ignoreErrors, the missing file does not matter.
	files, err := filesProducedByAction(dir, "analyse", true)
	require.NoError(t, err)
	assert.Equal(t, []string{"output/input.csv"}, files)
}

func TestFilesProducedByActionSuccess(t *testing.T) {
	dir := t.TempDir()
	manifest := types.NewManifest()
	manifest.Files["output/input.csv"] = types.ManifestFileEntry{CreatedByAction: "analyse", PrivacyLevel: types.HighlySensitive}
	manifest.SetAction("analyse", types.ManifestActionEntry{Status: types.StateCompleted, CreatedAt: time.Now()})
	require.NoError(t, WriteManifestFile(ManifestPath(dir), manifest))
	outputPath := filepath.Join(dir, "output", "input.csv")
	require.NoError(t, os.MkdirAll(filepath.Dir(outputPath), 0o755))
	require.NoError(t, os.WriteFile(outputPath, []byte("col1,col2\n"), 0o644))

	files, err := filesProducedByAction(dir, "analyse", false)
	require.NoError(t, err)
	assert.Equal(t, []string{"output/input.csv"}, files)
}
