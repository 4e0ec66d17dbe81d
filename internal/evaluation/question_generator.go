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

// QuestionGenerator 根据岗位描述生成电话面试问题。
// 生成永远会产出结果：LLM失败或输出不可解析时用兜底问题补齐。
type QuestionGenerator struct {
	caller *llmCaller
}

// QuestionGeneratorOption 配置QuestionGenerator
type QuestionGeneratorOption func(*questionGeneratorConfig)

type questionGeneratorConfig struct {
	maxAttempts int
	retryStep   time.Duration
	callTimeout time.Duration
}

// WithGeneratorRetry 设置重试次数与退避步长
func WithGeneratorRetry(maxAttempts int, retryStep time.Duration) QuestionGeneratorOption {
	return func(c *questionGeneratorConfig) {
		c.maxAttempts = maxAttempts
		c.retryStep = retryStep
	}
}

// WithGeneratorTimeout 设置单次LLM调用超时
func WithGeneratorTimeout(timeout time.Duration) QuestionGeneratorOption {
	return func(c *questionGeneratorConfig) {
		c.callTimeout = timeout
	}
}

// NewQuestionGenerator 创建问题生成器
func NewQuestionGenerator(m model.ToolCallingChatModel, opts ...QuestionGeneratorOption) *QuestionGenerator {
	cfg := &questionGeneratorConfig{}
	for _, opt := range opts {
		opt(cfg)
	}
	return &QuestionGenerator{
		caller: newLLMCaller(m, cfg.maxAttempts, cfg.retryStep, cfg.callTimeout),
	}
}

// GenerateQuestions 为指定岗位生成count个面试问题。
// 解析按 JSON数组 -> 括号提取 -> 按行拆分 的顺序降级；
// 不足count个时用兜底问题补齐，超出时截断。
func (g *QuestionGenerator) GenerateQuestions(ctx context.Context, jobTitle, jobDescription, requirements string, count int) []string {
	if count <= 0 {
		count = len(constants.DefaultQuestions)
	}

	prompt := buildQuestionPrompt(jobTitle, jobDescription, requirements, count)

	raw, err := g.caller.generate(ctx, prompt)
	if err != nil {
		logger.Warn().Err(err).Str("job_title", jobTitle).Msg("问题生成LLM调用失败，使用兜底问题")
		return topUpQuestions(nil, count)
	}

	questions := parseQuestionList(raw)
	if len(questions) == 0 {
		logger.Warn().Str("job_title", jobTitle).Msg("LLM输出无法解析出任何问题，使用兜底问题")
	}

	result := topUpQuestions(questions, count)
	logger.Info().
		Str("job_title", jobTitle).
		Int("generated", len(questions)).
		Int("final", len(result)).
		Msg("面试问题生成完成")
	return result
}

func buildQuestionPrompt(jobTitle, jobDescription, requirements string, count int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Based on the following job description, generate %d relevant interview questions.\n\n", count)
	fmt.Fprintf(&b, "Job Title: %s\n", jobTitle)
	fmt.Fprintf(&b, "Job Description: %s\n", jobDescription)
	if strings.TrimSpace(requirements) != "" {
		fmt.Fprintf(&b, "Requirements: %s\n", requirements)
	}
	b.WriteString(`
Generate questions that assess:
1. Technical skills and experience
2. Problem-solving abilities
3. Communication skills
4. Cultural fit
5. Past achievements and challenges

Return only the questions as a JSON array of strings, no additional text.`)
	return b.String()
}

// parseQuestionList 将LLM原始输出解析为问题列表
func parseQuestionList(raw string) []string {
	text := stripCodeFence(raw)

	// 第一层：整体就是JSON数组
	var questions []string
	if err := json.Unmarshal([]byte(text), &questions); err == nil {
		return cleanQuestions(questions)
	}

	// 第二层：从夹杂文字的输出里提取数组
	if arr := extractJSONArray(text); arr != "" {
		if err := json.Unmarshal([]byte(arr), &questions); err == nil {
			return cleanQuestions(questions)
		}
		if err := json.Unmarshal([]byte(sanitizeJSON(arr)), &questions); err == nil {
			return cleanQuestions(questions)
		}
	}

	// 第三层：按行拆分
	var lines []string
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		line = strings.Trim(line, `"'`)
		if line == "" || line == "[" || line == "]" {
			continue
		}
		line = strings.TrimSpace(strings.TrimSuffix(line, ","))
		lines = append(lines, line)
	}
	return cleanQuestions(lines)
}

// cleanQuestions 清理问题列表，去掉空行、引号和围栏残留
func cleanQuestions(raw []string) []string {
	cleaned := make([]string, 0, len(raw))
	for _, q := range raw {
		if q == "" || strings.EqualFold(q, "json") {
			continue
		}
		q = strings.TrimSpace(strings.Trim(strings.TrimSpace(q), `"'`))
		if q != "" {
			cleaned = append(cleaned, q)
		}
	}
	return cleaned
}

// topUpQuestions 用兜底问题补齐到count个，超出则截断
func topUpQuestions(questions []string, count int) []string {
	result := make([]string, 0, count)
	result = append(result, questions...)
	if len(result) > count {
		return result[:count]
	}
	for _, q := range constants.DefaultQuestions {
		if len(result) >= count {
			break
		}
		if !containsQuestion(result, q) {
			result = append(result, q)
		}
	}
	// 兜底问题都用完仍不足时保持现状，通话流程按实际问题数推进
	return result
}

func containsQuestion(list []string, q string) bool {
	for _, item := range list {
		if strings.EqualFold(item, q) {
			return true
		}
	}
	return false
}
