package container

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGlobPatternToRegex(t *testing.T) {
	cases := []struct {
		name    string
		pattern string
		match   []string
		noMatch []string
	}{
		{
			name:    "no wildcard",
			pattern: "output/results.csv",
			match:   []string{"output/results.csv"},
			noMatch: []string{"output/results.csv.bak"},
		},
		{
			name:    "single segment wildcard",
			pattern: "output/*.csv",
			match:   []string{"output/a.csv", "output/results.csv"},
			noMatch: []string{"output/sub/a.csv", "output/a.txt"},
		},
		{
			name:    "wildcard does not cross slash",
			pattern: "*.csv",
			match:   []string{"results.csv"},
			noMatch: []string{"output/results.csv"},
		},
		{
			name:    "literal dot is escaped",
			pattern: "output/*.csv",
			match:   []string{"output/a.csv"},
			noMatch: []string{"output/acsv"},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			re := globPatternToRegex(tc.pattern)
			for _, m := range tc.match {
				assert.Regexp(t, "^"+re+"$", m)
			}
			for _, nm := range tc.noMatch {
				assert.NotRegexp(t, "^"+re+"$", nm)
			}
		})
	}
}

func TestManagerName(t *testing.T) {
	assert.Equal(t, "myvolume-manager", ManagerName("myvolume"))
}

func TestPullErrorMessage(t *testing.T) {
	err := &PullError{Image: "docker.opensafely.org/myaction:v1", Output: "manifest unknown"}
	assert.Contains(t, err.Error(), "myaction:v1")
	assert.Contains(t, err.Error(), "manifest unknown")
}
