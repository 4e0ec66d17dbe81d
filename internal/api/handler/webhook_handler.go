package handler

import (
	"context"
	"errors"
	"strconv"

	"ai-screener-go/internal/interview"
	"ai-screener-go/internal/logger"
	"ai-screener-go/internal/telephony"

	"github.com/cloudwego/hertz/pkg/app"
	"github.com/cloudwego/hertz/pkg/protocol/consts"
)

const twimlContentType = "text/xml; charset=utf-8"

// WebhookHandler 接收电话平台的回调。
// 平台对非2xx会重试甚至挂断通话，所以除陌生CallSID应答404外，
// 其余情况无论内部发生什么都应答200，
// 需要语音响应的场景兜底返回故障提示TwiML。
type WebhookHandler struct {
	service *interview.Service
}

// NewWebhookHandler 创建回调处理器
func NewWebhookHandler(service *interview.Service) *WebhookHandler {
	return &WebhookHandler{service: service}
}

// Voice 通话接通后的第一个回调，返回开场白加第一个问题
func (h *WebhookHandler) Voice(c context.Context, ctx *app.RequestContext) {
	sessionID := ctx.Query("session_id")
	questionNumber := queryInt(ctx, "question_number", 1)

	if sessionID == "" {
		logger.Warn().Msg("voice回调缺少session_id")
		ctx.Data(consts.StatusOK, twimlContentType, []byte(telephony.TechnicalDifficulties()))
		return
	}

	twiml := h.service.VoicePrompt(c, sessionID, questionNumber)
	ctx.Data(consts.StatusOK, twimlContentType, []byte(twiml))
}

// RecordResponse 单题录音完成回调，落回答记录并返回下一段TwiML
func (h *WebhookHandler) RecordResponse(c context.Context, ctx *app.RequestContext) {
	sessionID := ctx.Query("session_id")
	questionNumber := queryInt(ctx, "question_number", 0)
	recordingURL := ctx.PostForm("RecordingUrl")

	if sessionID == "" || questionNumber < 1 {
		logger.Warn().
			Str("session_id", sessionID).
			Int("question_number", questionNumber).
			Msg("record-response回调参数不完整")
		ctx.Data(consts.StatusOK, twimlContentType, []byte(telephony.TechnicalDifficulties()))
		return
	}

	twiml := h.service.HandleRecording(c, sessionID, questionNumber, recordingURL)
	ctx.Data(consts.StatusOK, twimlContentType, []byte(twiml))
}

// CallStatus 通话状态回调，驱动会话状态机
func (h *WebhookHandler) CallStatus(c context.Context, ctx *app.RequestContext) {
	callSID := ctx.PostForm("CallSid")
	callStatus := ctx.PostForm("CallStatus")
	recordingURL := ctx.PostForm("RecordingUrl")
	recordingSID := ctx.PostForm("RecordingSid")

	var durationSecs *int
	if raw := ctx.PostForm("CallDuration"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			durationSecs = &v
		}
	}

	if callSID == "" || callStatus == "" {
		logger.Warn().Msg("call-status回调缺少CallSid或CallStatus")
		ctx.JSON(consts.StatusOK, map[string]string{"status": "ignored"})
		return
	}

	err := h.service.HandleCallStatus(c, callSID, callStatus, durationSecs, recordingURL, recordingSID)
	if err != nil {
		switch {
		case errors.Is(err, interview.ErrSessionNotFound):
			// 陌生CallSID可能来自过期或他人的通话，应答404且无副作用
			logger.Warn().Str("call_sid", callSID).Msg("状态回调找不到对应会话")
			ctx.JSON(consts.StatusNotFound, map[string]string{"error": "unknown call"})
			return
		case errors.Is(err, interview.ErrTerminalState):
			logger.Warn().Str("call_sid", callSID).Str("status", callStatus).Msg("终态会话收到状态回调")
		default:
			logger.Error().Err(err).Str("call_sid", callSID).Msg("处理状态回调失败")
		}
	}
	ctx.JSON(consts.StatusOK, map[string]string{"status": "ok"})
}

// queryInt 解析查询参数中的整数，缺失或非法时返回默认值
func queryInt(ctx *app.RequestContext, name string, defaultValue int) int {
	raw := ctx.Query(name)
	if raw == "" {
		return defaultValue
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return defaultValue
	}
	return v
}
