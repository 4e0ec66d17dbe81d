package transcriber

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"ai-screener-go/internal/constants"
	"ai-screener-go/internal/logger"
	"ai-screener-go/internal/telephony"
)

const (
	defaultWhisperAPIURL = "https://api.openai.com/v1/audio/transcriptions"
	defaultWhisperModel  = "whisper-1"

	defaultPollInterval    = 5 * time.Second
	defaultPollMaxWait     = 30 * time.Second
	defaultDownloadRetries = 3
	defaultDownloadBackoff = 5 * time.Second
)

// RecordingAPI 录音下载所需的电话平台能力
type RecordingAPI interface {
	FetchRecording(ctx context.Context, recordingSID string) (*telephony.RecordingResource, error)
	DownloadRecording(ctx context.Context, mediaURL string) ([]byte, error)
	RecordingMediaURL(recordingSID string) string
}

// RecordingArchive 录音归档能力，归档失败不影响转写结果
type RecordingArchive interface {
	ArchiveRecording(ctx context.Context, recordingSID string, audio []byte) (string, error)
}

type httpDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Transcriber 将通话录音转成文字。
// 失败不会向上传播为error：调用方总能拿到可入库的文本，
// 失败情形写入哨兵值，由评估层按无效回答处理。
type Transcriber struct {
	api     RecordingAPI
	archive RecordingArchive

	apiKey     string
	apiURL     string
	model      string
	httpClient httpDoer

	pollInterval    time.Duration
	pollMaxWait     time.Duration
	downloadRetries int
	downloadBackoff time.Duration
}

// Option 配置Transcriber
type Option func(*Transcriber)

// WithArchive 设置录音归档存储
func WithArchive(a RecordingArchive) Option {
	return func(t *Transcriber) {
		t.archive = a
	}
}

// WithHTTPDoer 替换转写接口的HTTP执行器
func WithHTTPDoer(d httpDoer) Option {
	return func(t *Transcriber) {
		t.httpClient = d
	}
}

// WithPolling 设置录音就绪轮询的间隔与最长等待
func WithPolling(interval, maxWait time.Duration) Option {
	return func(t *Transcriber) {
		t.pollInterval = interval
		t.pollMaxWait = maxWait
	}
}

// WithDownloadRetry 设置下载重试次数与起始退避（退避逐次翻倍）
func WithDownloadRetry(retries int, backoff time.Duration) Option {
	return func(t *Transcriber) {
		t.downloadRetries = retries
		t.downloadBackoff = backoff
	}
}

// New 创建转写器
func New(api RecordingAPI, apiKey, apiURL, model string, opts ...Option) (*Transcriber, error) {
	if api == nil {
		return nil, fmt.Errorf("录音API不能为空")
	}
	if strings.TrimSpace(apiKey) == "" {
		return nil, fmt.Errorf("转写API密钥不能为空")
	}
	if strings.TrimSpace(apiURL) == "" {
		apiURL = defaultWhisperAPIURL
	}
	if strings.TrimSpace(model) == "" {
		model = defaultWhisperModel
	}

	t := &Transcriber{
		api:             api,
		apiKey:          apiKey,
		apiURL:          apiURL,
		model:           model,
		httpClient:      &http.Client{Timeout: 120 * time.Second},
		pollInterval:    defaultPollInterval,
		pollMaxWait:     defaultPollMaxWait,
		downloadRetries: defaultDownloadRetries,
		downloadBackoff: defaultDownloadBackoff,
	}
	for _, opt := range opts {
		opt(t)
	}
	if t.pollInterval <= 0 {
		t.pollInterval = defaultPollInterval
	}
	if t.pollMaxWait <= 0 {
		t.pollMaxWait = defaultPollMaxWait
	}
	if t.downloadRetries <= 0 {
		t.downloadRetries = defaultDownloadRetries
	}
	if t.downloadBackoff <= 0 {
		t.downloadBackoff = defaultDownloadBackoff
	}
	return t, nil
}

// Transcribe 将录音URL转写为文本，返回转写文本与归档对象键（归档失败时为空）。
func (t *Transcriber) Transcribe(ctx context.Context, audioURL string) (string, string) {
	recordingSID := ExtractRecordingSID(audioURL)
	if recordingSID == "" {
		logger.Warn().Str("audio_url", audioURL).Msg("无法从录音URL提取录音SID")
		return constants.TranscriptFailedPrefix + "could not extract recording SID from URL", ""
	}

	if err := t.waitUntilReady(ctx, recordingSID); err != nil {
		logger.Warn().Err(err).Str("recording_sid", recordingSID).Msg("等待录音就绪失败")
		return constants.TranscriptFailedPrefix + err.Error(), ""
	}

	audio, err := t.downloadWithRetry(ctx, recordingSID)
	if err != nil {
		logger.Error().Err(err).Str("recording_sid", recordingSID).Msg("录音下载失败")
		return constants.TranscriptUnavailable, ""
	}

	// 归档是尽力而为的，失败只记日志
	archiveKey := ""
	if t.archive != nil {
		archiveKey, err = t.archive.ArchiveRecording(ctx, recordingSID, audio)
		if err != nil {
			logger.Warn().Err(err).Str("recording_sid", recordingSID).Msg("录音归档失败")
			archiveKey = ""
		}
	}

	transcript, err := t.callWhisper(ctx, audio)
	if err != nil {
		logger.Error().Err(err).Str("recording_sid", recordingSID).Msg("语音转写失败")
		return constants.TranscriptFailedPrefix + err.Error(), archiveKey
	}

	logger.Info().
		Str("recording_sid", recordingSID).
		Int("audio_bytes", len(audio)).
		Int("transcript_chars", len(transcript)).
		Msg("录音转写完成")
	return transcript, archiveKey
}

// waitUntilReady 轮询录音状态直到completed或超出最长等待。
// 单次查询出错不终止轮询，录音归档延迟时查询404很常见。
func (t *Transcriber) waitUntilReady(ctx context.Context, recordingSID string) error {
	rec, err := t.api.FetchRecording(ctx, recordingSID)
	if err == nil && rec.Status == "completed" {
		return nil
	}

	deadline := time.Now().Add(t.pollMaxWait)
	status := ""
	if rec != nil {
		status = rec.Status
	}
	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return fmt.Errorf("上下文已取消: %w", ctx.Err())
		case <-time.After(t.pollInterval):
		}

		rec, err = t.api.FetchRecording(ctx, recordingSID)
		if err != nil {
			logger.Debug().Err(err).Str("recording_sid", recordingSID).Msg("轮询录音状态出错，继续等待")
			continue
		}
		status = rec.Status
		if status == "completed" {
			return nil
		}
	}
	return fmt.Errorf("录音在%s内未就绪（最后状态: %s）", t.pollMaxWait, status)
}

// downloadWithRetry 下载录音，404（媒体尚未归档）按翻倍退避重试
func (t *Transcriber) downloadWithRetry(ctx context.Context, recordingSID string) ([]byte, error) {
	mediaURL := t.api.RecordingMediaURL(recordingSID)
	backoff := t.downloadBackoff

	var lastErr error
	for attempt := 1; attempt <= t.downloadRetries; attempt++ {
		audio, err := t.api.DownloadRecording(ctx, mediaURL)
		if err == nil {
			return audio, nil
		}
		lastErr = err

		if !errors.Is(err, telephony.ErrRecordingNotFound) {
			return nil, err
		}
		if attempt == t.downloadRetries {
			break
		}

		logger.Warn().
			Int("attempt", attempt).
			Dur("backoff", backoff).
			Str("recording_sid", recordingSID).
			Msg("录音媒体尚不可用，稍后重试")
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("上下文已取消: %w", ctx.Err())
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return nil, fmt.Errorf("%d次尝试后录音仍不可用: %w", t.downloadRetries, lastErr)
}

// callWhisper 以multipart上传音频调用转写接口，响应为纯文本
func (t *Transcriber) callWhisper(ctx context.Context, audio []byte) (string, error) {
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)

	if err := writer.WriteField("model", t.model); err != nil {
		return "", fmt.Errorf("写入model字段失败: %w", err)
	}
	if err := writer.WriteField("response_format", "text"); err != nil {
		return "", fmt.Errorf("写入response_format字段失败: %w", err)
	}
	part, err := writer.CreateFormFile("file", "audio.mp3")
	if err != nil {
		return "", fmt.Errorf("创建音频表单失败: %w", err)
	}
	if _, err := part.Write(audio); err != nil {
		return "", fmt.Errorf("写入音频数据失败: %w", err)
	}
	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("关闭multipart写入器失败: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.apiURL, &buf)
	if err != nil {
		return "", fmt.Errorf("创建转写请求失败: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+t.apiKey)
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("转写请求失败: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("读取转写响应失败: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("转写接口返回状态码 %d: %s", resp.StatusCode, string(body))
	}
	return strings.TrimSpace(string(body)), nil
}
