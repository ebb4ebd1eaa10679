package git

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsNotFoundOutput(t *testing.T) {
	cases := []struct {
		output string
		want   bool
	}{
		{"fatal: repository 'https://example.com/x.git/' not found", true},
		{"remote: Repository not found.", true},
		{"fatal: could not read Username for 'https://example.com'", false},
		{"", false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, isNotFoundOutput(tc.output), tc.output)
	}
}

func TestNotFoundErrorMessage(t *testing.T) {
	err := &NotFoundError{RepoURL: "https://example.com/x.git", Output: "not found"}
	assert.Contains(t, err.Error(), "https://example.com/x.git")
}

func TestFetchErrorMessage(t *testing.T) {
	err := &FetchError{RepoURL: "https://example.com/x.git", Commit: "abc123", Attempts: 4, Output: "timed out"}
	assert.Contains(t, err.Error(), "abc123")
	assert.Contains(t, err.Error(), "4 attempts")
}

func TestNewFetcherDefaults(t *testing.T) {
	f := NewFetcher()
	assert.Equal(t, 3, f.MaxRetries)
	assert.Equal(t, 4, f.MaxRetries+1, "expect 4 total attempts: initial plus 3 retries")
}
