package telephony

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"ai-screener-go/internal/config"
	"ai-screener-go/internal/logger"
)

// ErrRecordingNotFound 录音资源尚不存在（平台还没归档完成时常见）
var ErrRecordingNotFound = errors.New("录音资源不存在")

// e164Pattern 国际号码格式: +国家码加最多14位数字
var e164Pattern = regexp.MustCompile(`^\+[1-9]\d{1,14}$`)

// httpDoer 抽象HTTP执行器，测试时注入假实现
type httpDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Client 对接Twilio兼容的语音呼叫REST接口
type Client struct {
	cfg        *config.TwilioConfig
	httpClient httpDoer
}

// ClientOption 配置Client
type ClientOption func(*Client)

// WithHTTPDoer 替换底层HTTP执行器
func WithHTTPDoer(d httpDoer) ClientOption {
	return func(c *Client) {
		c.httpClient = d
	}
}

// NewClient 创建呼叫客户端
func NewClient(cfg *config.TwilioConfig, opts ...ClientOption) (*Client, error) {
	if cfg == nil {
		return nil, fmt.Errorf("telephony配置不能为空")
	}
	if cfg.AccountSID == "" || cfg.AuthToken == "" {
		return nil, fmt.Errorf("AccountSID和AuthToken不能为空")
	}
	if cfg.FromNumber == "" {
		return nil, fmt.Errorf("主叫号码不能为空")
	}

	c := &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// RecordingResource 录音资源的元数据
type RecordingResource struct {
	SID      string `json:"sid"`
	CallSID  string `json:"call_sid"`
	Status   string `json:"status"`
	Duration string `json:"duration"`
	URI      string `json:"uri"`
}

type callResource struct {
	SID    string `json:"sid"`
	Status string `json:"status"`
	To     string `json:"to"`
	From   string `json:"from"`
}

// InitiateCall 向候选人发起外呼，返回平台分配的通话SID。
// 语音流程由voice回调按需生成，状态变化回调call-status。
func (c *Client) InitiateCall(ctx context.Context, sessionID, toPhone string) (string, error) {
	if sessionID == "" {
		return "", fmt.Errorf("会话ID不能为空")
	}
	if !e164Pattern.MatchString(toPhone) {
		return "", fmt.Errorf("被叫号码 %s 不是合法的E.164格式", toPhone)
	}
	if !c.numberAllowed(toPhone) {
		return "", fmt.Errorf("被叫号码 %s 不在白名单内", toPhone)
	}

	webhookBase := strings.TrimRight(c.cfg.WebhookBaseURL, "/")
	if webhookBase == "" {
		return "", fmt.Errorf("WebhookBaseURL未配置，平台无法回调")
	}
	if isLocalURL(webhookBase) && !c.cfg.AllowLocalWebhook {
		return "", fmt.Errorf("WebhookBaseURL %s 指向本机地址，外部平台无法访问", webhookBase)
	}

	voiceURL := fmt.Sprintf("%s/api/v1/webhooks/voice?session_id=%s&question_number=1",
		webhookBase, url.QueryEscape(sessionID))
	statusURL := webhookBase + "/api/v1/webhooks/call-status"

	form := url.Values{}
	form.Set("To", toPhone)
	form.Set("From", c.cfg.FromNumber)
	form.Set("Url", voiceURL)
	form.Set("Method", "POST")
	form.Set("Record", "true")
	form.Set("Timeout", strconv.Itoa(c.callTimeout()))
	form.Set("StatusCallback", statusURL)
	form.Set("StatusCallbackMethod", "POST")
	for _, ev := range []string{"initiated", "ringing", "answered", "completed"} {
		form.Add("StatusCallbackEvent", ev)
	}

	endpoint := fmt.Sprintf("%s/2010-04-01/Accounts/%s/Calls.json", c.apiBase(), c.cfg.AccountSID)
	body, status, err := c.doForm(ctx, endpoint, form)
	if err != nil {
		return "", fmt.Errorf("发起呼叫请求失败: %w", err)
	}
	if status != http.StatusCreated && status != http.StatusOK {
		return "", fmt.Errorf("发起呼叫失败，状态码 %d: %s", status, string(body))
	}

	var call callResource
	if err := json.Unmarshal(body, &call); err != nil {
		return "", fmt.Errorf("解析呼叫响应失败: %w", err)
	}
	if call.SID == "" {
		return "", fmt.Errorf("呼叫响应中缺少SID: %s", string(body))
	}

	logger.Info().
		Str("session_id", sessionID).
		Str("call_sid", call.SID).
		Str("to", toPhone).
		Msg("外呼已发起")
	return call.SID, nil
}

// FetchRecording 查询录音资源的元数据，用于轮询录音是否就绪
func (c *Client) FetchRecording(ctx context.Context, recordingSID string) (*RecordingResource, error) {
	endpoint := fmt.Sprintf("%s/2010-04-01/Accounts/%s/Recordings/%s.json",
		c.apiBase(), c.cfg.AccountSID, recordingSID)

	body, status, err := c.doGet(ctx, endpoint)
	if err != nil {
		return nil, fmt.Errorf("查询录音元数据失败: %w", err)
	}
	if status == http.StatusNotFound {
		return nil, ErrRecordingNotFound
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("查询录音元数据失败，状态码 %d: %s", status, string(body))
	}

	var rec RecordingResource
	if err := json.Unmarshal(body, &rec); err != nil {
		return nil, fmt.Errorf("解析录音元数据失败: %w", err)
	}
	return &rec, nil
}

// DownloadRecording 下载录音媒体文件。资源还没就绪时返回ErrRecordingNotFound。
func (c *Client) DownloadRecording(ctx context.Context, mediaURL string) ([]byte, error) {
	body, status, err := c.doGet(ctx, mediaURL)
	if err != nil {
		return nil, fmt.Errorf("下载录音失败: %w", err)
	}
	if status == http.StatusNotFound {
		return nil, ErrRecordingNotFound
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("下载录音失败，状态码 %d", status)
	}
	return body, nil
}

// RecordingMediaURL 根据录音SID拼出mp3媒体地址
func (c *Client) RecordingMediaURL(recordingSID string) string {
	return fmt.Sprintf("%s/2010-04-01/Accounts/%s/Recordings/%s.mp3",
		c.apiBase(), c.cfg.AccountSID, recordingSID)
}

func (c *Client) doForm(ctx context.Context, endpoint string, form url.Values) ([]byte, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, 0, err
	}
	req.SetBasicAuth(c.cfg.AccountSID, c.cfg.AuthToken)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return c.do(req)
}

func (c *Client) doGet(ctx context.Context, endpoint string) ([]byte, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, 0, err
	}
	req.SetBasicAuth(c.cfg.AccountSID, c.cfg.AuthToken)
	return c.do(req)
}

func (c *Client) do(req *http.Request) ([]byte, int, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("读取响应体失败: %w", err)
	}
	return body, resp.StatusCode, nil
}

// numberAllowed 检查号码白名单，空白名单或包含"*"时放行所有号码
func (c *Client) numberAllowed(phone string) bool {
	if len(c.cfg.WhitelistedNumbers) == 0 {
		return true
	}
	for _, allowed := range c.cfg.WhitelistedNumbers {
		if allowed == "*" || allowed == phone {
			return true
		}
	}
	return false
}

func (c *Client) apiBase() string {
	base := strings.TrimRight(c.cfg.APIBaseURL, "/")
	if base == "" {
		base = "https://api.twilio.com"
	}
	return base
}

func (c *Client) callTimeout() int {
	if c.cfg.CallTimeoutSeconds > 0 {
		return c.cfg.CallTimeoutSeconds
	}
	return 30
}

// isLocalURL 判断URL是否指向本机
func isLocalURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	host := u.Hostname()
	return host == "localhost" || host == "127.0.0.1" || host == "::1"
}
