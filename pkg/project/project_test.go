package project

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validProject = `
version: "1.0"
actions:
  generate_cohort:
    run: cohortextractor:latest generate_cohort --output-dir=output
    outputs:
      highly_sensitive:
        cohort: output/input.csv
  analyse:
    run: stata-mp:latest do analysis.do
    needs:
      - generate_cohort
    outputs:
      moderately_sensitive:
        figure: output/fig.png
`

func TestParseValidProject(t *testing.T) {
	p, err := Parse([]byte(validProject))
	require.NoError(t, err)
	assert.Len(t, p.Actions, 2)

	spec, err := GetActionSpecification(p, "analyse")
	require.NoError(t, err)
	assert.Equal(t, []string{"generate_cohort"}, spec.Needs)
}

func TestParseRejectsWrongVersion(t *testing.T) {
	_, err := Parse([]byte("version: \"2.0\"\nactions: {}\n"))
	require.Error(t, err)
	assert.IsType(t, &ValidationError{}, err)
}

func TestParseRejectsUndefinedDependency(t *testing.T) {
	src := `
version: "1.0"
actions:
  analyse:
    run: stata-mp:latest do analysis.do
    needs:
      - missing_action
    outputs:
      moderately_sensitive:
        figure: output/fig.png
`
	_, err := Parse([]byte(src))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing_action")
}

func TestParseRejectsCycle(t *testing.T) {
	src := `
version: "1.0"
actions:
  a:
    run: stata-mp:latest do a.do
    needs: [b]
    outputs:
      moderately_sensitive:
        out: a.png
  b:
    run: stata-mp:latest do b.do
    needs: [a]
    outputs:
      moderately_sensitive:
        out: b.png
`
	_, err := Parse([]byte(src))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cycle")
}

func TestParseRejectsDuplicateOutputPatternAcrossPrivacyLevels(t *testing.T) {
	src := `
version: "1.0"
actions:
  a:
    run: stata-mp:latest do a.do
    outputs:
      highly_sensitive:
        out1: shared/out.csv
      moderately_sensitive:
        out2: shared/out.csv
`
	_, err := Parse([]byte(src))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "shared/out.csv")
}

func TestParseRejectsEscapingPath(t *testing.T) {
	src := `
version: "1.0"
actions:
  a:
    run: stata-mp:latest do a.do
    outputs:
      moderately_sensitive:
        out: ../escape.csv
`
	_, err := Parse([]byte(src))
	require.Error(t, err)
}

func TestIsGenerateCohortCommand(t *testing.T) {
	assert.True(t, IsGenerateCohortCommand("cohortextractor:latest generate_cohort --output-dir=output"))
	assert.False(t, IsGenerateCohortCommand("stata-mp:latest do analysis.do"))
}

func TestGetAllOutputPatternsFromProjectFile(t *testing.T) {
	patterns, err := GetAllOutputPatternsFromProjectFile([]byte(validProject))
	require.NoError(t, err)
	assert.Equal(t, []string{"output/fig.png", "output/input.csv"}, patterns)
}
