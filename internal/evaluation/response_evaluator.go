package evaluation

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"ai-screener-go/internal/constants"
	"ai-screener-go/internal/logger"

	"github.com/cloudwego/eino/components/model"
)

// ResponseSummary 供最终评估使用的单题摘要
type ResponseSummary struct {
	Question   string
	Transcript string
	Score      float64
}

// FinalEvaluation 面试的最终评估结论
type FinalEvaluation struct {
	OverallScore        float64  `json:"overall_score"`
	Recommendation      string   `json:"recommendation"`
	Summary             string   `json:"summary"`
	Strengths           []string `json:"strengths"`
	AreasForImprovement []string `json:"areas_for_improvement"`
}

// ResponseEvaluator 用LLM为候选人的回答打分，并在面试结束时生成综合结论。
// 评估是尽力而为的：LLM不可用或输出不可解析时落到保守默认值，绝不让流水线失败。
type ResponseEvaluator struct {
	caller *llmCaller
}

// ResponseEvaluatorOption 配置ResponseEvaluator
type ResponseEvaluatorOption func(*responseEvaluatorConfig)

type responseEvaluatorConfig struct {
	maxAttempts int
	retryStep   time.Duration
	callTimeout time.Duration
}

// WithEvaluatorRetry 设置重试次数与退避步长
func WithEvaluatorRetry(maxAttempts int, retryStep time.Duration) ResponseEvaluatorOption {
	return func(c *responseEvaluatorConfig) {
		c.maxAttempts = maxAttempts
		c.retryStep = retryStep
	}
}

// WithEvaluatorTimeout 设置单次LLM调用超时
func WithEvaluatorTimeout(timeout time.Duration) ResponseEvaluatorOption {
	return func(c *responseEvaluatorConfig) {
		c.callTimeout = timeout
	}
}

// NewResponseEvaluator 创建回答评估器
func NewResponseEvaluator(m model.ToolCallingChatModel, opts ...ResponseEvaluatorOption) *ResponseEvaluator {
	cfg := &responseEvaluatorConfig{}
	for _, opt := range opts {
		opt(cfg)
	}
	return &ResponseEvaluator{
		caller: newLLMCaller(m, cfg.maxAttempts, cfg.retryStep, cfg.callTimeout),
	}
}

// IsUnusableTranscript 判断转写文本是否为占位或失败哨兵值
func IsUnusableTranscript(transcript string) bool {
	if transcript == "" || transcript == constants.TranscriptProcessing || transcript == constants.TranscriptUnavailable {
		return true
	}
	return strings.HasPrefix(transcript, constants.TranscriptFailedPrefix)
}

// EvaluateResponse 评估单题回答，返回0-10分与反馈。
// 哨兵转写（占位、转写失败）直接计0分，不浪费LLM调用。
func (e *ResponseEvaluator) EvaluateResponse(ctx context.Context, question, transcript, resumeContext string) (float64, string) {
	if IsUnusableTranscript(transcript) {
		return 0, constants.DefaultFeedbackNoAnswer
	}

	prompt := buildAnalysisPrompt(question, transcript, resumeContext)

	raw, err := e.caller.generate(ctx, prompt)
	if err != nil {
		logger.Warn().Err(err).Msg("回答评估LLM调用失败，使用默认分数")
		return constants.DefaultScore, constants.DefaultFeedbackNoService
	}

	var parsed struct {
		Score    float64 `json:"score"`
		Feedback string  `json:"feedback"`
	}
	jsonStr := extractJSONObject(stripCodeFence(raw))
	if jsonStr == "" {
		logger.Warn().Str("response", raw).Msg("回答评估输出中未找到JSON对象")
		return constants.DefaultScore, constants.DefaultFeedbackBadFormat
	}
	if err := json.Unmarshal([]byte(jsonStr), &parsed); err != nil {
		if err2 := json.Unmarshal([]byte(sanitizeJSON(jsonStr)), &parsed); err2 != nil {
			logger.Warn().Err(err).Msg("回答评估JSON解析失败，使用默认分数")
			return constants.DefaultScore, constants.DefaultFeedbackBadFormat
		}
	}

	score := clampScore(parsed.Score)
	feedback := parsed.Feedback
	if feedback == "" {
		feedback = constants.DefaultFeedbackBadFormat
	}
	return score, feedback
}

// GenerateRecommendation 基于全部回答生成最终评估。
// 失败时返回保守默认值：5.0分、consider建议，待人工复核。
func (e *ResponseEvaluator) GenerateRecommendation(ctx context.Context, responses []ResponseSummary, resumeContext string) *FinalEvaluation {
	prompt := buildRecommendationPrompt(responses, resumeContext)

	raw, err := e.caller.generate(ctx, prompt)
	if err != nil {
		logger.Warn().Err(err).Msg("最终评估LLM调用失败，使用保守默认结论")
		return defaultFinalEvaluation("Interview completed", "Technical analysis unavailable")
	}

	jsonStr := extractJSONObject(stripCodeFence(raw))
	if jsonStr == "" {
		logger.Warn().Str("response", raw).Msg("最终评估输出中未找到JSON对象")
		return defaultFinalEvaluation("Analysis completed", "Unable to provide specific feedback")
	}

	var parsed FinalEvaluation
	if err := json.Unmarshal([]byte(jsonStr), &parsed); err != nil {
		if err2 := json.Unmarshal([]byte(sanitizeJSON(jsonStr)), &parsed); err2 != nil {
			logger.Warn().Err(err).Msg("最终评估JSON解析失败，使用保守默认结论")
			return defaultFinalEvaluation("Analysis completed", "Unable to provide specific feedback")
		}
	}

	parsed.OverallScore = clampScore(parsed.OverallScore)
	parsed.Recommendation = normalizeRecommendation(parsed.Recommendation)
	if parsed.Summary == "" {
		parsed.Summary = constants.DefaultSummary
	}
	if len(parsed.Strengths) == 0 {
		parsed.Strengths = []string{"Interview completed"}
	}
	if len(parsed.AreasForImprovement) == 0 {
		parsed.AreasForImprovement = []string{"Unable to provide specific feedback"}
	}
	return &parsed
}

func buildAnalysisPrompt(question, transcript, resumeContext string) string {
	var b strings.Builder
	b.WriteString("Analyze this interview response and provide a score (0-10) and feedback.\n\n")
	fmt.Fprintf(&b, "Question: %s\n", question)
	fmt.Fprintf(&b, "Response: %s\n", transcript)
	if strings.TrimSpace(resumeContext) != "" {
		fmt.Fprintf(&b, "Resume Context: %s\n", resumeContext)
	}
	b.WriteString(`
Evaluate based on:
- Relevance to the question
- Clarity and communication
- Specificity and examples
- Professionalism

Return as JSON: {"score": float, "feedback": "string"}`)
	return b.String()
}

func buildRecommendationPrompt(responses []ResponseSummary, resumeContext string) string {
	var summary strings.Builder
	for i, resp := range responses {
		fmt.Fprintf(&summary, "Q%d: %s\nA%d: %s\nScore: %.1f\n\n", i+1, resp.Question, i+1, resp.Transcript, resp.Score)
	}

	var b strings.Builder
	b.WriteString("Based on these interview responses, provide a comprehensive evaluation:\n\n")
	if strings.TrimSpace(resumeContext) != "" {
		fmt.Fprintf(&b, "Resume Context: %s\n\n", resumeContext)
	}
	fmt.Fprintf(&b, "Interview Responses:\n%s\n", summary.String())
	b.WriteString(`Provide:
1. Overall score (0-10)
2. Recommendation (hire/consider/no_hire)
3. A short summary of the interview
4. Key strengths (list)
5. Areas for improvement (list)

Return as JSON:
{
    "overall_score": float,
    "recommendation": "string",
    "summary": "string",
    "strengths": ["string"],
    "areas_for_improvement": ["string"]
}`)
	return b.String()
}

// normalizeRecommendation 把LLM的自由文本建议归一到 hire/consider/no_hire
func normalizeRecommendation(raw string) string {
	r := strings.ToLower(strings.TrimSpace(raw))
	switch {
	case strings.Contains(r, "no_hire"), strings.Contains(r, "no hire"),
		strings.Contains(r, "reject"), strings.Contains(r, "do not hire"):
		return constants.RecommendationNoHire
	case strings.Contains(r, "hire"):
		return constants.RecommendationHire
	default:
		return constants.RecommendationConsider
	}
}

func clampScore(score float64) float64 {
	if score < 0 {
		return 0
	}
	if score > 10 {
		return 10
	}
	return score
}

func defaultFinalEvaluation(strength, area string) *FinalEvaluation {
	return &FinalEvaluation{
		OverallScore:        constants.DefaultScore,
		Recommendation:      constants.RecommendationConsider,
		Summary:             constants.DefaultSummary,
		Strengths:           []string{strength},
		AreasForImprovement: []string{area},
	}
}
