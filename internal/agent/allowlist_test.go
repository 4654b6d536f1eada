package agent

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMatchAllowlist(t *testing.T) {
	cases := []struct {
		name    string
		allowed []string
		tool    string
		want    bool
	}{
		{"exact", []string{"Read"}, "Read", true},
		{"prefix-before-paren", []string{"Bash(git commit *)"}, "Bash", true},
		{"glob", []string{"mcp__*"}, "mcp__jira_search", true},
		{"no match", []string{"Read"}, "Write", false},
		{"empty allowlist", nil, "Read", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, MatchAllowlist(tc.allowed, tc.tool))
		})
	}
}

func TestNormalizeEntry(t *testing.T) {
	assert.Equal(t, "Bash", NormalizeEntry("Bash(git commit *)"))
	assert.Equal(t, "Read", NormalizeEntry("Read"))
}
