package classifier

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// TestClassifyDeterministic is spec.md §8 Property 9: classifying the same
// prompt and expert set repeatedly always yields byte-identical output.
func TestClassifyDeterministic(t *testing.T) {
	prompt := "Refactor the billing service across multiple files and add integration tests"
	available := []string{"testing", "backend", "frontend"}

	first := Classify(prompt, available)
	for i := 0; i < 20; i++ {
		got := Classify(prompt, available)
		require.Equal(t, first, got)
	}
}

func TestSimpleQuestionScoresLow(t *testing.T) {
	c := Classify("What does this function do?", nil)
	require.Equal(t, baseScore, c.ComplexityScore)
	require.False(t, c.RequiresDelegation)
	require.NotContains(t, c.SuggestedAgents, "builder")
}

func TestRefactorAcrossFilesRequiresDelegation(t *testing.T) {
	c := Classify("Refactor the auth module across several files, it touches the database schema", nil)
	require.True(t, c.ComplexityScore > 50)
	require.True(t, c.RequiresDelegation)
	require.Contains(t, c.Domains, "database")
	require.Contains(t, c.Domains, "security")
	require.Contains(t, c.SuggestedAgents, "builder")
	require.Contains(t, c.SuggestedAgents, "scout")
}

func TestSuggestedExpertsIntersectsAvailableInDomainOrder(t *testing.T) {
	c := Classify("Fix the frontend component and the backend API endpoint", []string{"backend", "frontend"})
	require.Equal(t, []string{"frontend", "backend"}, c.SuggestedExperts)
}

func TestSuggestedExpertsEmptyWhenNoneAvailable(t *testing.T) {
	c := Classify("Fix the frontend component", nil)
	require.Empty(t, c.SuggestedExperts)
}

func TestHighScoreAddsReviewerAndPlanner(t *testing.T) {
	c := Classify(
		"Refactor the system across multiple files, debug and investigate the integration test failures in the database, frontend, backend, infra, security, and docs layers",
		nil,
	)
	require.Equal(t, 100, c.ComplexityScore)
	require.Contains(t, c.SuggestedAgents, "reviewer")
	require.Contains(t, c.SuggestedAgents, "planner")
}

func TestEstimatedToolCallsIsPiecewiseLinearInScore(t *testing.T) {
	c := Classify("What is this?", nil)
	require.Equal(t, 2+c.ComplexityScore/10, c.EstimatedToolCalls)
}
