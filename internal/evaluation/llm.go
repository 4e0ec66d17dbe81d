package evaluation

import (
	"context"
	"fmt"
	"time"

	"ai-screener-go/internal/agent"
	"ai-screener-go/internal/logger"

	"github.com/cloudwego/eino/components/model"
	einoschema "github.com/cloudwego/eino/schema"
)

const (
	defaultMaxAttempts = 3
	defaultRetryStep   = 2 * time.Second
	defaultCallTimeout = 60 * time.Second
)

// llmCaller 封装对聊天模型的调用，带限流/超时重试。
// 第n次失败后等待 n*retryStep 再重试（2s、4s），非可重试错误立即返回。
type llmCaller struct {
	model       model.ToolCallingChatModel
	maxAttempts int
	retryStep   time.Duration
	callTimeout time.Duration
}

func newLLMCaller(m model.ToolCallingChatModel, maxAttempts int, retryStep, callTimeout time.Duration) *llmCaller {
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	if retryStep <= 0 {
		retryStep = defaultRetryStep
	}
	if callTimeout <= 0 {
		callTimeout = defaultCallTimeout
	}
	return &llmCaller{
		model:       m,
		maxAttempts: maxAttempts,
		retryStep:   retryStep,
		callTimeout: callTimeout,
	}
}

// generate 以单条user消息调用模型并返回文本内容
func (c *llmCaller) generate(ctx context.Context, prompt string) (string, error) {
	messages := []*einoschema.Message{
		{Role: einoschema.User, Content: prompt},
	}

	var response *einoschema.Message
	var err error

	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		if attempt > 1 {
			wait := time.Duration(attempt-1) * c.retryStep
			logger.Warn().
				Int("attempt", attempt).
				Dur("wait", wait).
				Err(err).
				Msg("LLM调用失败，准备重试")
			select {
			case <-ctx.Done():
				return "", fmt.Errorf("上下文已取消: %w", ctx.Err())
			case <-time.After(wait):
			}
		}

		callCtx, cancel := context.WithTimeout(ctx, c.callTimeout)
		response, err = c.model.Generate(callCtx, messages)
		cancel()

		if err == nil {
			return response.Content, nil
		}

		if !agent.IsRetryableError(err) {
			return "", fmt.Errorf("LLM调用失败: %w", err)
		}
	}

	return "", fmt.Errorf("LLM调用在%d次尝试后仍然失败: %w", c.maxAttempts, err)
}
