package project

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/bmatcuk/doublestar/v4"
	gitignore "github.com/sabhiram/go-gitignore"
)

// LocalWorkspaceFiles walks dir (a local checkout used in local-run mode
// in place of a git fetch) and returns every regular file that should be
// copied into a job's input volume: anything not under .git, not matched
// by a .gitignore at the workspace root, and not matched by any of the
// project's own declared output globs. Skipping output globs stops a
// workspace's outputs from a previous local run being fed back in as if
// they were source.
func LocalWorkspaceFiles(dir string, p *Project) ([]string, error) {
	outputPatterns, err := outputPatternsOf(p)
	if err != nil {
		return nil, err
	}

	ignore, err := loadGitignore(dir)
	if err != nil {
		return nil, err
	}

	var files []string
	err = filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, relErr := filepath.Rel(dir, path)
		if relErr != nil {
			return relErr
		}
		if rel == "." {
			return nil
		}
		if d.IsDir() {
			if d.Name() == ".git" {
				return filepath.SkipDir
			}
			if ignore != nil && ignore.MatchesPath(rel) {
				return filepath.SkipDir
			}
			return nil
		}
		if ignore != nil && ignore.MatchesPath(rel) {
			return nil
		}
		if matchesAny(rel, outputPatterns) {
			return nil
		}
		files = append(files, rel)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walking local workspace %s: %w", dir, err)
	}
	return files, nil
}

func outputPatternsOf(p *Project) ([]string, error) {
	var patterns []string
	for _, action := range p.Actions {
		patterns = append(patterns, action.Outputs.AllPatterns()...)
	}
	return patterns, nil
}

func loadGitignore(dir string) (*gitignore.GitIgnore, error) {
	path := filepath.Join(dir, ".gitignore")
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("checking for .gitignore: %w", err)
	}
	ignore, err := gitignore.CompileIgnoreFile(path)
	if err != nil {
		return nil, fmt.Errorf("parsing .gitignore: %w", err)
	}
	return ignore, nil
}

func matchesAny(path string, patterns []string) bool {
	for _, pattern := range patterns {
		if ok, err := doublestar.Match(pattern, path); err == nil && ok {
			return true
		}
	}
	return false
}
