package agents

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseTestResults_Jest(t *testing.T) {
	lines := []string{
		"PASS src/auth.test.ts",
		"Tests:       3 failed, 1 skipped, 42 passed, 46 total",
		"----------|---------|----------|---------|---------|",
		"All files |   87.45 |    71.11 |   90.00 |   87.45 |",
	}
	res, ok := parseTestResults(lines)
	require.True(t, ok)
	assert.Equal(t, 42, res.Passed)
	assert.Equal(t, 3, res.Failed)
	assert.Equal(t, 1, res.Skipped)
	assert.Equal(t, 46, res.Total)
	assert.InDelta(t, 87.45, res.Coverage, 0.001)
}

func TestParseTestResults_Vitest(t *testing.T) {
	lines := []string{
		" Test Files  4 passed (4)",
		"      Tests  17 passed | 2 failed (19)",
	}
	res, ok := parseTestResults(lines)
	require.True(t, ok)
	assert.Equal(t, 17, res.Passed)
	assert.Equal(t, 2, res.Failed)
	assert.Equal(t, 19, res.Total)
}

func TestParseTestResults_TextCoverageSummary(t *testing.T) {
	lines := []string{
		"Tests:       5 passed, 5 total",
		"Statements   : 92.31% ( 24/26 )",
	}
	res, ok := parseTestResults(lines)
	require.True(t, ok)
	assert.Equal(t, 5, res.Passed)
	assert.InDelta(t, 92.31, res.Coverage, 0.001)
}

func TestParseTestResults_TotalComputedWhenAbsent(t *testing.T) {
	res, ok := parseTestResults([]string{"Tests:       2 failed, 8 passed"})
	require.True(t, ok)
	assert.Equal(t, 10, res.Total)
}

func TestParseTestResults_NoSummary(t *testing.T) {
	res, ok := parseTestResults([]string{"building...", "done"})
	assert.False(t, ok)
	assert.Zero(t, res.Total)
	assert.Zero(t, res.Coverage)
}

func TestExtractJSONBlock_LastBlockWins(t *testing.T) {
	lines := []string{
		"thinking about the plan",
		"```json",
		`{"value": "draft"}`,
		"```",
		"revised:",
		"```json",
		`{"value": "final"}`,
		"```",
	}
	var out struct {
		Value string `json:"value"`
	}
	require.NoError(t, extractJSONBlock(lines, &out))
	assert.Equal(t, "final", out.Value)
}

func TestExtractJSONBlock_Missing(t *testing.T) {
	var out map[string]interface{}
	err := extractJSONBlock([]string{"no structured output here"}, &out)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no json block")
}

func TestExtractJSONBlock_Malformed(t *testing.T) {
	var out map[string]interface{}
	err := extractJSONBlock([]string{"```json", "{not json", "```"}, &out)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "malformed json block")
}

func TestValidStoryID(t *testing.T) {
	assert.True(t, validStoryID("11-4"))
	assert.True(t, validStoryID("1-1"))
	assert.False(t, validStoryID("11.4"))
	assert.False(t, validStoryID("story-1"))
	assert.False(t, validStoryID("1-2-3"))
	assert.False(t, validStoryID(""))
}
