package project

import (
	"fmt"
	"sort"

	"github.com/mattn/go-shellwords"
	"gopkg.in/yaml.v3"

	"github.com/opensafely-core/job-runner/pkg/types"
)

// SupportedVersion is the only project.yaml schema version this job
// runner understands.
const SupportedVersion = "1.0"

// ValidationError is the single error kind parsing and validation
// produce; the expander projects it into a failed synthetic job rather
// than letting a malformed project file crash the loop.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

func validationErrorf(format string, args ...any) error {
	return &ValidationError{Message: fmt.Sprintf(format, args...)}
}

// ActionSpec is one action's declared command, dependencies and outputs.
type ActionSpec struct {
	Run     string
	Needs   []string
	Outputs types.OutputSpec
}

// Project is a parsed, validated project.yaml.
type Project struct {
	Version string
	Actions map[string]ActionSpec
}

// yamlProject and yamlAction mirror project.yaml's on-disk shape; Project
// and ActionSpec are the validated, application-facing types built from
// them.
type yamlProject struct {
	Version string                `yaml:"version"`
	Actions map[string]yamlAction `yaml:"actions"`
}

type yamlAction struct {
	Run     string                       `yaml:"run"`
	Needs   []string                     `yaml:"needs"`
	Outputs map[string]map[string]string `yaml:"outputs"`
}

// Parse parses and validates project.yaml content, returning a
// *ValidationError for any schema or semantic problem.
func Parse(data []byte) (*Project, error) {
	var raw yamlProject
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, validationErrorf("invalid project.yaml: %s", err)
	}
	if raw.Version != SupportedVersion {
		return nil, validationErrorf("project file must specify a valid version (currently only %s)", SupportedVersion)
	}
	if len(raw.Actions) == 0 {
		return nil, validationErrorf("project file must declare at least one action")
	}

	project := &Project{
		Version: raw.Version,
		Actions: make(map[string]ActionSpec, len(raw.Actions)),
	}
	for name, action := range raw.Actions {
		if action.Run == "" {
			return nil, validationErrorf("action %q has no run command", name)
		}
		outputs, err := parseOutputs(name, action.Outputs)
		if err != nil {
			return nil, err
		}
		project.Actions[name] = ActionSpec{
			Run:     action.Run,
			Needs:   action.Needs,
			Outputs: outputs,
		}
	}

	if err := validate(project); err != nil {
		return nil, err
	}
	return project, nil
}

func parseOutputs(action string, raw map[string]map[string]string) (types.OutputSpec, error) {
	if len(raw) == 0 {
		return nil, validationErrorf("action %q must declare at least one output", action)
	}
	outputs := make(types.OutputSpec, len(raw))
	for levelName, named := range raw {
		level := types.PrivacyLevel(levelName)
		if !level.Valid() {
			return nil, validationErrorf("action %q has unsupported privacy level %q", action, levelName)
		}
		outputs[level] = named
	}
	return outputs, nil
}

// GetActionSpecification returns the named action's spec, or a
// *ValidationError if it isn't declared.
func GetActionSpecification(p *Project, action string) (*ActionSpec, error) {
	spec, ok := p.Actions[action]
	if !ok {
		return nil, validationErrorf("action %q is not defined in project.yaml", action)
	}
	return &spec, nil
}

// IsGenerateCohortCommand reports whether runCommand invokes the
// privileged cohortextractor action, which is the only action that
// receives database credentials.
func IsGenerateCohortCommand(runCommand string) bool {
	parser := shellwords.NewParser()
	args, err := parser.Parse(runCommand)
	if err != nil || len(args) == 0 {
		return false
	}
	name := args[0]
	for i, r := range name {
		if r == ':' {
			name = name[:i]
			break
		}
	}
	return name == "cohortextractor"
}

// GetAllOutputPatternsFromProjectFile parses data and flattens every
// output glob across every action into one sorted, deduplicated list.
// Local-run mode does not call it: LocalWorkspaceFiles collects the
// patterns of an already parsed Project through outputPatternsOf.
func GetAllOutputPatternsFromProjectFile(data []byte) ([]string, error) {
	p, err := Parse(data)
	if err != nil {
		return nil, err
	}
	seen := map[string]struct{}{}
	var patterns []string
	for _, action := range p.Actions {
		for _, pattern := range action.Outputs.AllPatterns() {
			if _, ok := seen[pattern]; ok {
				continue
			}
			seen[pattern] = struct{}{}
			patterns = append(patterns, pattern)
		}
	}
	sort.Strings(patterns)
	return patterns, nil
}
