package project

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalWorkspaceFilesSkipsGitAndOutputs(t *testing.T) {
	dir := t.TempDir()

	write := func(rel, content string) {
		full := filepath.Join(dir, rel)
		require.NoError(t, os.MkdirAll(filepath.Dir(full), 0o755))
		require.NoError(t, os.WriteFile(full, []byte(content), 0o644))
	}

	write("analysis.do", "* stata script")
	write("output/input.csv", "stale output from a previous local run")
	write(".git/HEAD", "ref: refs/heads/main")
	write(".gitignore", "ignored.txt\n")
	write("ignored.txt", "should be skipped")

	p, err := Parse([]byte(validProject))
	require.NoError(t, err)

	files, err := LocalWorkspaceFiles(dir, p)
	require.NoError(t, err)

	assert.Contains(t, files, "analysis.do")
	assert.NotContains(t, files, "output/input.csv")
	assert.NotContains(t, files, "ignored.txt")
	for _, f := range files {
		assert.NotContains(t, f, ".git")
	}
}
