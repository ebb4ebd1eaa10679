package project

import (
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// validate runs every project-wide check that needs the full action map:
// dependency references resolve, the dependency graph is acyclic, output
// globs are syntactically valid and don't escape the workspace, and no
// single action declares the same glob under two different privacy
// levels.
func validate(p *Project) error {
	for name, action := range p.Actions {
		for _, need := range action.Needs {
			if _, ok := p.Actions[need]; !ok {
				return validationErrorf("action %q needs undefined action %q", name, need)
			}
		}
		if err := validateOutputPatterns(name, action); err != nil {
			return err
		}
	}
	if cyclePath := findCycle(p); cyclePath != "" {
		return validationErrorf("project.yaml contains a dependency cycle: %s", cyclePath)
	}
	return nil
}

func validateOutputPatterns(action string, spec ActionSpec) error {
	seen := map[string]string{}
	for level, named := range spec.Outputs {
		for outputName, pattern := range named {
			if !doublestar.ValidatePattern(pattern) {
				return validationErrorf("action %q output %q has invalid glob pattern %q", action, outputName, pattern)
			}
			if strings.Contains(pattern, "..") {
				return validationErrorf("action %q output %q path %q is not permitted", action, outputName, pattern)
			}
			if strings.HasPrefix(pattern, "/") {
				return validationErrorf("action %q output %q path %q must be relative", action, outputName, pattern)
			}
			if otherLevel, ok := seen[pattern]; ok && otherLevel != string(level) {
				return validationErrorf("action %q declares output pattern %q under both %s and %s", action, pattern, otherLevel, level)
			}
			seen[pattern] = string(level)
		}
	}
	return nil
}

// findCycle returns a human-readable description of the first dependency
// cycle found via depth-first search, or "" if the graph is acyclic.
// Naive unguarded recursion over Needs would stack-overflow on a
// malicious or accidentally cyclic project file, so this tracks the
// current path explicitly instead of just a visited set.
func findCycle(p *Project) string {
	const (
		unvisited = 0
		visiting  = 1
		done      = 2
	)
	state := make(map[string]int, len(p.Actions))
	var path []string

	var visit func(name string) string
	visit = func(name string) string {
		switch state[name] {
		case done:
			return ""
		case visiting:
			return strings.Join(append(append([]string{}, path...), name), " -> ")
		}
		state[name] = visiting
		path = append(path, name)
		for _, need := range p.Actions[name].Needs {
			if cycle := visit(need); cycle != "" {
				return cycle
			}
		}
		path = path[:len(path)-1]
		state[name] = done
		return ""
	}

	names := make([]string, 0, len(p.Actions))
	for name := range p.Actions {
		names = append(names, name)
	}
	for _, name := range names {
		if state[name] == unvisited {
			if cycle := visit(name); cycle != "" {
				return cycle
			}
		}
	}
	return ""
}
