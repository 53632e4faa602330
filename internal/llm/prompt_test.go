package llm

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/academic-crawl-pipeline/internal/crawler"
)

func TestFirstJSONObject(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		in   string
		want string
		ok   bool
	}{
		{"plain", `{"a":1}`, `{"a":1}`, true},
		{"wrapped in prose", "Sure! Here it is:\n```json\n{\"a\":{\"b\":2}}\n```\nAnything else?", `{"a":{"b":2}}`, true},
		{"braces inside strings", `x {"a":"}{","b":"\"}"} y`, `{"a":"}{","b":"\"}"}`, true},
		{"first of two", `{"a":1} {"b":2}`, `{"a":1}`, true},
		{"unbalanced", `{"a":{"b":1}`, "", false},
		{"none", "I refuse", "", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got, ok := FirstJSONObject(tc.in)
			require.Equal(t, tc.ok, ok)
			require.Equal(t, tc.want, got)
		})
	}
}

func TestParseAnalysisAppliesDefaults(t *testing.T) {
	t.Parallel()

	paper := crawler.PaperInput{ID: "paper-1", URL: "https://x.edu/p/1", Title: "Raft"}
	got, err := ParseAnalysis(`{"topic_easy":"  computers agreeing ","deep_dive":{"keywords":"consensus"},
		"career_path":{"companies":["Acme",""]}}`, paper)
	require.NoError(t, err)
	require.Equal(t, "paper-1", got.PaperID)
	require.Equal(t, "computers agreeing", got.TopicEasy)
	require.Equal(t, Unknown, got.TopicTechnical)
	require.Equal(t, Unknown, got.Explanation)
	require.Equal(t, "https://x.edu/p/1", got.ReferenceLink)
	require.Equal(t, []string{"consensus"}, got.DeepDive.Keywords)
	require.Equal(t, []string{}, got.DeepDive.Recommendations)
	require.Equal(t, []string{}, got.DeepDive.RelatedConcepts)
	require.Equal(t, []string{"Acme"}, got.CareerPath.Companies)
	require.Equal(t, Unknown, got.CareerPath.JobTitle)
	require.Equal(t, []string{}, got.ActionItem.Subjects)
	require.Equal(t, Unknown, got.ActionItem.ResearchTopic)
}

func TestParseAnalysisErrors(t *testing.T) {
	t.Parallel()

	_, err := ParseAnalysis("I refuse", crawler.PaperInput{})
	require.ErrorIs(t, err, crawler.ErrLLMParse)

	_, err = ParseAnalysis(`{"deep_dive": {"keywords": 42}}`, crawler.PaperInput{})
	require.ErrorIs(t, err, crawler.ErrLLMParse)
}

func TestBuildPromptTruncatesRunes(t *testing.T) {
	t.Parallel()

	prompt, err := BuildPrompt(crawler.PaperInput{
		Title:      "Graphs",
		University: "KAIST",
		URL:        "https://kaist.ac.kr/p",
		ContentRaw: "가나다라마바사",
	}, 3)
	require.NoError(t, err)
	require.Contains(t, prompt, "Title: Graphs")
	require.Contains(t, prompt, "가나다\n")
	require.NotContains(t, prompt, "라")
	require.NotContains(t, prompt, "Department:")
}

func TestTruncate(t *testing.T) {
	t.Parallel()

	require.Equal(t, "abc", Truncate("abc", 0))
	require.Equal(t, "abc", Truncate("abc", 5))
	require.Equal(t, "ab", Truncate("abc", 2))
}
