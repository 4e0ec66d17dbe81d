package evaluation

import (
	"context"
	"testing"
	"time"

	"ai-screener-go/internal/constants"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestEvaluator(m *mockChatModel) *ResponseEvaluator {
	return NewResponseEvaluator(m,
		WithEvaluatorRetry(1, time.Millisecond),
		WithEvaluatorTimeout(time.Second),
	)
}

func TestEvaluateResponseParsesScoreAndFeedback(t *testing.T) {
	m := &mockChatModel{responses: []string{
		`{"score": 8.5, "feedback": "Clear and specific answer."}`,
	}}
	e := newTestEvaluator(m)

	score, feedback := e.EvaluateResponse(context.Background(), "Tell me about yourself.", "I have five years of backend experience.", "")

	assert.Equal(t, 8.5, score)
	assert.Equal(t, "Clear and specific answer.", feedback)
}

func TestEvaluateResponseSentinelTranscriptsScoreZero(t *testing.T) {
	m := &mockChatModel{responses: []string{`{"score": 9, "feedback": "should not be called"}`}}
	e := newTestEvaluator(m)

	cases := []string{
		constants.TranscriptProcessing,
		constants.TranscriptUnavailable,
		constants.TranscriptFailedPrefix + "audio too short",
		"",
	}
	for _, transcript := range cases {
		score, feedback := e.EvaluateResponse(context.Background(), "Q", transcript, "")
		assert.Zero(t, score, "哨兵转写应计0分: %q", transcript)
		assert.Equal(t, constants.DefaultFeedbackNoAnswer, feedback)
	}
	assert.Zero(t, m.calls, "哨兵转写不应触发LLM调用")
}

func TestEvaluateResponseDefaultsOnLLMError(t *testing.T) {
	m := &mockChatModel{err: assert.AnError}
	e := newTestEvaluator(m)

	score, feedback := e.EvaluateResponse(context.Background(), "Q", "A real answer.", "")

	assert.Equal(t, constants.DefaultScore, score)
	assert.Equal(t, constants.DefaultFeedbackNoService, feedback)
}

func TestEvaluateResponseDefaultsOnBadFormat(t *testing.T) {
	m := &mockChatModel{responses: []string{"I think the answer was pretty good overall."}}
	e := newTestEvaluator(m)

	score, feedback := e.EvaluateResponse(context.Background(), "Q", "A real answer.", "")

	assert.Equal(t, constants.DefaultScore, score)
	assert.Equal(t, constants.DefaultFeedbackBadFormat, feedback)
}

func TestEvaluateResponseClampsScore(t *testing.T) {
	m := &mockChatModel{responses: []string{`{"score": 42, "feedback": "off the chart"}`}}
	e := newTestEvaluator(m)

	score, _ := e.EvaluateResponse(context.Background(), "Q", "A real answer.", "")

	assert.Equal(t, 10.0, score, "分数应被限制在0-10")
}

func TestGenerateRecommendationParsesFullResult(t *testing.T) {
	m := &mockChatModel{responses: []string{`{
		"overall_score": 7.2,
		"recommendation": "hire",
		"summary": "Strong candidate with solid fundamentals.",
		"strengths": ["communication", "depth"],
		"areas_for_improvement": ["system design"]
	}`}}
	e := newTestEvaluator(m)

	result := e.GenerateRecommendation(context.Background(), []ResponseSummary{
		{Question: "Q1", Transcript: "A1", Score: 7},
	}, "")

	require.NotNil(t, result)
	assert.Equal(t, 7.2, result.OverallScore)
	assert.Equal(t, constants.RecommendationHire, result.Recommendation)
	assert.Equal(t, "Strong candidate with solid fundamentals.", result.Summary)
	assert.Equal(t, []string{"communication", "depth"}, result.Strengths)
}

func TestGenerateRecommendationDefaultsOnLLMError(t *testing.T) {
	m := &mockChatModel{err: assert.AnError}
	e := newTestEvaluator(m)

	result := e.GenerateRecommendation(context.Background(), nil, "")

	require.NotNil(t, result)
	assert.Equal(t, constants.DefaultScore, result.OverallScore)
	assert.Equal(t, constants.RecommendationConsider, result.Recommendation, "失败时应给出consider待人工复核")
	assert.Equal(t, constants.DefaultSummary, result.Summary)
}

func TestGenerateRecommendationSanitizesMessyJSON(t *testing.T) {
	// summary字符串内部带裸引号，标准解析会失败，需走sanitize分支
	m := &mockChatModel{responses: []string{`{
		"overall_score": 6.0,
		"recommendation": "consider",
		"summary": "Candidate said "I prefer Go" during the interview.",
		"strengths": ["honesty"],
		"areas_for_improvement": ["breadth"]
	}`}}
	e := newTestEvaluator(m)

	result := e.GenerateRecommendation(context.Background(), nil, "")

	require.NotNil(t, result)
	assert.Equal(t, 6.0, result.OverallScore)
	assert.Contains(t, result.Summary, "I prefer Go")
}

func TestNormalizeRecommendation(t *testing.T) {
	cases := map[string]string{
		"hire":                          constants.RecommendationHire,
		"Hire - great candidate":        constants.RecommendationHire,
		"no_hire":                       constants.RecommendationNoHire,
		"No hire, lacked depth":         constants.RecommendationNoHire,
		"Reject with reasoning":         constants.RecommendationNoHire,
		"consider":                      constants.RecommendationConsider,
		"Maybe worth a follow-up round": constants.RecommendationConsider,
		"":                              constants.RecommendationConsider,
	}
	for raw, want := range cases {
		assert.Equal(t, want, normalizeRecommendation(raw), "原始建议: %q", raw)
	}
}

func TestExtractJSONObjectAndSanitize(t *testing.T) {
	text := "Sure! Here is the result: {\"score\": 7, \"feedback\": \"good\"} Let me know."
	assert.Equal(t, `{"score": 7, "feedback": "good"}`, extractJSONObject(text))

	assert.Empty(t, extractJSONObject("no json here"))
	assert.Empty(t, extractJSONObject("{unbalanced"))

	messy := `{"feedback": "he said "yes" loudly"}`
	fixed := sanitizeJSON(messy)
	assert.Equal(t, `{"feedback": "he said \"yes\" loudly"}`, fixed)
}
