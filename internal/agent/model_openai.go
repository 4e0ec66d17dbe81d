package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"ai-screener-go/internal/logger"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
)

const (
	defaultOpenAIAPIURL    = "https://api.openai.com/v1/chat/completions"
	defaultOpenAIModelName = "gpt-4o-mini"
	defaultRequestTimeout  = 60 * time.Second
)

// --- OpenAI 兼容的请求/响应结构 ---

type OpenAIToolFunctionParamsProperty struct {
	Type        string   `json:"type"`
	Description string   `json:"description,omitempty"`
	Enum        []string `json:"enum,omitempty"`
}

type OpenAIToolFunctionParams struct {
	Type       string                                      `json:"type"`
	Properties map[string]OpenAIToolFunctionParamsProperty `json:"properties"`
	Required   []string                                    `json:"required,omitempty"`
}

type OpenAIFunction struct {
	Name        string                   `json:"name"`
	Description string                   `json:"description"`
	Parameters  OpenAIToolFunctionParams `json:"parameters"`
}

type OpenAITool struct {
	Type     string         `json:"type"` // 固定为 "function"
	Function OpenAIFunction `json:"function"`
}

type OpenAIChatCompletionRequest struct {
	Model       string            `json:"model"`
	Messages    []*schema.Message `json:"messages"` // eino 的 schema.Message 字段与 OpenAI 角色/内容兼容
	Tools       []OpenAITool      `json:"tools,omitempty"`
	Temperature *float64          `json:"temperature,omitempty"`
	MaxTokens   int               `json:"max_tokens,omitempty"`
}

type OpenAIToolCallData struct {
	Id       string `json:"id"`
	Type     string `json:"type"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

type OpenAIMessage struct {
	Role      string               `json:"role"`
	Content   *string              `json:"content"` // 存在 tool_calls 时 content 可能为 null
	ToolCalls []OpenAIToolCallData `json:"tool_calls,omitempty"`
}

type OpenAIChatChoice struct {
	Index        int           `json:"index"`
	Message      OpenAIMessage `json:"message"`
	FinishReason string        `json:"finish_reason"`
}

type OpenAICompletionResponse struct {
	Id      string             `json:"id"`
	Object  string             `json:"object"`
	Created int64              `json:"created"`
	Model   string             `json:"model"`
	Choices []OpenAIChatChoice `json:"choices"`
}

type openAIErrorResponse struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    any    `json:"code"`
	} `json:"error"`
}

// OpenAIChatModel 通过 OpenAI 兼容的 chat/completions 接口实现
// model.ChatModel 和 model.ToolCallingChatModel。
type OpenAIChatModel struct {
	apiKey      string
	modelName   string
	apiURL      string
	temperature *float64
	maxTokens   int
	httpClient  *http.Client
	boundTools  []OpenAITool
}

// OpenAIChatModelOption 配置 OpenAIChatModel
type OpenAIChatModelOption func(*OpenAIChatModel)

// WithTemperature 设置采样温度
func WithTemperature(t float64) OpenAIChatModelOption {
	return func(m *OpenAIChatModel) {
		m.temperature = &t
	}
}

// WithMaxTokens 设置单次补全的最大 token 数
func WithMaxTokens(n int) OpenAIChatModelOption {
	return func(m *OpenAIChatModel) {
		m.maxTokens = n
	}
}

// WithHTTPClient 替换底层 HTTP 客户端，测试时注入
func WithHTTPClient(c *http.Client) OpenAIChatModelOption {
	return func(m *OpenAIChatModel) {
		m.httpClient = c
	}
}

// NewOpenAIChatModel 创建一个新的 OpenAIChatModel 实例。
func NewOpenAIChatModel(apiKey string, modelName string, apiURL string, opts ...OpenAIChatModelOption) (*OpenAIChatModel, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, fmt.Errorf("API 密钥不能为空")
	}

	mn := modelName
	if strings.TrimSpace(mn) == "" {
		mn = defaultOpenAIModelName
	}

	url := apiURL
	if strings.TrimSpace(url) == "" {
		url = defaultOpenAIAPIURL
	}

	m := &OpenAIChatModel{
		apiKey:     apiKey,
		modelName:  mn,
		apiURL:     url,
		httpClient: &http.Client{Timeout: defaultRequestTimeout},
		boundTools: make([]OpenAITool, 0),
	}
	for _, opt := range opts {
		opt(m)
	}

	logger.Info().Str("api_url", url).Str("model", mn).Msg("初始化 OpenAI 兼容 LLM 客户端")
	return m, nil
}

// Generate 实现 model.ChatModel 接口
func (m *OpenAIChatModel) Generate(ctx context.Context, messages []*schema.Message, options ...model.Option) (*schema.Message, error) {
	for _, opt := range options {
		_ = opt // 工具绑定通过 WithTools 完成，通用选项此处不做额外处理
	}

	reqPayload := OpenAIChatCompletionRequest{
		Model:       m.modelName,
		Messages:    messages,
		Temperature: m.temperature,
		MaxTokens:   m.maxTokens,
	}
	if len(m.boundTools) > 0 {
		reqPayload.Tools = m.boundTools
	}

	jsonData, err := json.Marshal(reqPayload)
	if err != nil {
		return nil, fmt.Errorf("序列化请求体失败: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, m.apiURL, bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, fmt.Errorf("创建 HTTP 请求失败: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+m.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")

	logger.Debug().Str("model", m.modelName).Int("messages", len(messages)).Msg("发送 LLM 请求")

	httpResp, err := m.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("发送 HTTP 请求失败: %w", err)
	}
	defer httpResp.Body.Close()

	bodyBytes, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, fmt.Errorf("读取响应体失败: %w", err)
	}

	if httpResp.StatusCode != http.StatusOK {
		var apiErr openAIErrorResponse
		if jsonErr := json.Unmarshal(bodyBytes, &apiErr); jsonErr == nil && apiErr.Error.Message != "" {
			return nil, &APIStatusError{StatusCode: httpResp.StatusCode, Message: apiErr.Error.Message}
		}
		return nil, &APIStatusError{StatusCode: httpResp.StatusCode, Message: string(bodyBytes)}
	}

	var openAIResp OpenAICompletionResponse
	if err := json.Unmarshal(bodyBytes, &openAIResp); err != nil {
		return nil, fmt.Errorf("反序列化 API 响应失败: %w。响应体: %s", err, string(bodyBytes))
	}

	if len(openAIResp.Choices) == 0 {
		return nil, fmt.Errorf("从 API 收到空选项: %s", string(bodyBytes))
	}

	apiMessage := openAIResp.Choices[0].Message
	responseContent := ""
	if apiMessage.Content != nil {
		responseContent = *apiMessage.Content
	}

	resultMessage := &schema.Message{
		Role:    schema.RoleType(apiMessage.Role),
		Content: responseContent,
	}

	if len(apiMessage.ToolCalls) > 0 {
		resultMessage.ToolCalls = make([]schema.ToolCall, len(apiMessage.ToolCalls))
		for i, tc := range apiMessage.ToolCalls {
			resultMessage.ToolCalls[i] = schema.ToolCall{
				ID: tc.Id,
				Function: schema.FunctionCall{
					Name:      tc.Function.Name,
					Arguments: tc.Function.Arguments,
				},
			}
		}
	}

	if resultMessage.Role == "" {
		resultMessage.Role = schema.RoleType("assistant")
	}

	return resultMessage, nil
}

// Stream 实现 model.ChatModel 接口。面试评估流程都是一次性补全，未实现流式输出。
func (m *OpenAIChatModel) Stream(ctx context.Context, messages []*schema.Message, options ...model.Option) (*schema.StreamReader[*schema.Message], error) {
	return nil, fmt.Errorf("OpenAIChatModel 的 Stream 方法未实现")
}

// BindTools 实现 model.ChatModel 接口。
// 工具参数 schema 无法从 schema.ParamsOneOf 外部可靠导出，这里按空对象绑定，
// 评估流程目前不依赖结构化工具调用。
func (m *OpenAIChatModel) BindTools(tools []*schema.ToolInfo) error {
	m.boundTools = make([]OpenAITool, 0, len(tools))
	for _, toolInfo := range tools {
		if toolInfo == nil {
			continue
		}
		m.boundTools = append(m.boundTools, OpenAITool{
			Type: "function",
			Function: OpenAIFunction{
				Name:        toolInfo.Name,
				Description: toolInfo.Desc,
				Parameters: OpenAIToolFunctionParams{
					Type:       "object",
					Properties: map[string]OpenAIToolFunctionParamsProperty{},
				},
			},
		})
	}
	return nil
}

// WithTools 实现 model.ToolCallingChatModel 接口，内部复用 BindTools。
func (m *OpenAIChatModel) WithTools(tools []*schema.ToolInfo) (model.ToolCallingChatModel, error) {
	if err := m.BindTools(tools); err != nil {
		return nil, err
	}
	return m, nil
}

var _ model.ChatModel = (*OpenAIChatModel)(nil)
var _ model.ToolCallingChatModel = (*OpenAIChatModel)(nil)

// APIStatusError 表示 LLM 接口返回的非 200 状态
type APIStatusError struct {
	StatusCode int
	Message    string
}

func (e *APIStatusError) Error() string {
	return fmt.Sprintf("API 请求失败，状态码 %d: %s", e.StatusCode, e.Message)
}

// IsRetryableError 判断 LLM 调用错误是否值得重试。
// 限流(429)、服务过载(503)和网络超时类错误重试，其余错误直接失败。
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}

	var apiErr *APIStatusError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == http.StatusTooManyRequests || apiErr.StatusCode == http.StatusServiceUnavailable
	}

	errStr := err.Error()
	return strings.Contains(errStr, "timeout") ||
		strings.Contains(errStr, "deadline exceeded") ||
		strings.Contains(errStr, "connection reset") ||
		strings.Contains(errStr, "EOF") ||
		strings.Contains(errStr, "connection refused") ||
		strings.Contains(errStr, "no such host")
}
