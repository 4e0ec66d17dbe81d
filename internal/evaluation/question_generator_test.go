package evaluation

import (
	"context"
	"testing"
	"time"

	"ai-screener-go/internal/constants"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestGenerator(m *mockChatModel) *QuestionGenerator {
	return NewQuestionGenerator(m,
		WithGeneratorRetry(1, time.Millisecond),
		WithGeneratorTimeout(time.Second),
	)
}

func TestGenerateQuestionsFromJSONArray(t *testing.T) {
	m := &mockChatModel{responses: []string{
		`["Tell me about Go concurrency.", "How do you test HTTP services?", "Describe a production incident you handled."]`,
	}}
	g := newTestGenerator(m)

	questions := g.GenerateQuestions(context.Background(), "Go后端工程师", "负责API服务开发", "", 3)

	require.Len(t, questions, 3, "应返回3个问题")
	assert.Equal(t, "Tell me about Go concurrency.", questions[0])
	assert.Equal(t, 1, m.calls, "成功时只调用一次LLM")
}

func TestGenerateQuestionsWithCodeFence(t *testing.T) {
	m := &mockChatModel{responses: []string{
		"```json\n[\"Question one?\", \"Question two?\"]\n```",
	}}
	g := newTestGenerator(m)

	questions := g.GenerateQuestions(context.Background(), "工程师", "描述", "", 2)

	require.Len(t, questions, 2)
	assert.Equal(t, "Question one?", questions[0], "应剥离围栏后解析JSON")
}

func TestGenerateQuestionsExtractsArrayFromProse(t *testing.T) {
	m := &mockChatModel{responses: []string{
		`Here are the questions you asked for: ["What is your experience with MySQL?", "How do you handle deadlines?"] Hope these help!`,
	}}
	g := newTestGenerator(m)

	questions := g.GenerateQuestions(context.Background(), "工程师", "描述", "", 2)

	require.Len(t, questions, 2)
	assert.Equal(t, "What is your experience with MySQL?", questions[0], "应从说明文字中提取数组")
}

func TestGenerateQuestionsLineFallback(t *testing.T) {
	m := &mockChatModel{responses: []string{
		"\"First question?\",\n\"Second question?\",\n\"Third question?\"",
	}}
	g := newTestGenerator(m)

	questions := g.GenerateQuestions(context.Background(), "工程师", "描述", "", 3)

	require.Len(t, questions, 3)
	assert.Equal(t, "First question?", questions[0], "按行解析应去掉引号和尾逗号")
}

func TestGenerateQuestionsTopsUpWithDefaults(t *testing.T) {
	m := &mockChatModel{responses: []string{
		`["Only one question?"]`,
	}}
	g := newTestGenerator(m)

	questions := g.GenerateQuestions(context.Background(), "工程师", "描述", "", 5)

	require.Len(t, questions, 5, "不足时应用兜底问题补齐")
	assert.Equal(t, "Only one question?", questions[0])
	assert.Contains(t, constants.DefaultQuestions, questions[1], "补齐的问题来自兜底列表")
}

func TestGenerateQuestionsFallsBackOnLLMError(t *testing.T) {
	m := &mockChatModel{err: assert.AnError}
	g := newTestGenerator(m)

	questions := g.GenerateQuestions(context.Background(), "工程师", "描述", "", 5)

	require.Len(t, questions, 5)
	assert.Equal(t, constants.DefaultQuestions, questions, "LLM失败时应整体退回兜底问题")
}

func TestGenerateQuestionsTruncatesExcess(t *testing.T) {
	m := &mockChatModel{responses: []string{
		`["q1", "q2", "q3", "q4", "q5", "q6", "q7"]`,
	}}
	g := newTestGenerator(m)

	questions := g.GenerateQuestions(context.Background(), "工程师", "描述", "", 5)

	require.Len(t, questions, 5, "超出数量时应截断")
}

func TestCleanQuestionsSkipsNoise(t *testing.T) {
	cleaned := cleanQuestions([]string{"", "json", `"Real question?"`, "  "})
	require.Len(t, cleaned, 1)
	assert.Equal(t, "Real question?", cleaned[0])
}
