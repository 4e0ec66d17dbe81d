package router

import (
	"context"
	"strings"

	"ai-screener-go/internal/api/handler"

	"github.com/cloudwego/hertz/pkg/app"
	"github.com/cloudwego/hertz/pkg/app/server"
	"github.com/cloudwego/hertz/pkg/common/utils"
	"github.com/cloudwego/hertz/pkg/protocol/consts"
	"github.com/hertz-contrib/keyauth"
)

// RegisterRoutes 注册API路由。
// 管理接口要求X-API-Key，电话平台的回调与健康检查豁免鉴权。
// apiKey为空时关闭鉴权，仅限本地联调。
func RegisterRoutes(h *server.Hertz, screening *handler.ScreeningHandler, webhooks *handler.WebhookHandler, apiKey string) {
	h.GET("/health", func(c context.Context, ctx *app.RequestContext) {
		ctx.JSON(consts.StatusOK, utils.H{"status": "ok"})
	})

	api := h.Group("/api/v1")

	if apiKey != "" {
		api.Use(keyauth.New(
			keyauth.WithKeyLookUp("header:X-API-Key", ""),
			keyauth.WithFilter(func(c context.Context, ctx *app.RequestContext) bool {
				// 电话平台不会带我们的密钥，回调路径放行
				return strings.HasPrefix(string(ctx.Path()), "/api/v1/webhooks/")
			}),
			keyauth.WithValidator(func(c context.Context, ctx *app.RequestContext, key string) (bool, error) {
				return key == apiKey, nil
			}),
			keyauth.WithErrorHandler(func(c context.Context, ctx *app.RequestContext, err error) {
				ctx.JSON(consts.StatusUnauthorized, utils.H{"error": "无效的API密钥"})
				ctx.Abort()
			}),
		))
	}

	api.POST("/candidates", screening.CreateCandidate)
	api.GET("/candidates", screening.ListCandidates)
	api.PUT("/candidates/:id/resume", screening.UpdateCandidateResume)

	api.POST("/jobs", screening.CreateJob)
	api.GET("/jobs", screening.ListJobs)

	api.POST("/interviews", screening.StartInterview)
	api.GET("/interviews", screening.ListInterviews)
	api.GET("/interviews/:id", screening.GetInterview)
	api.GET("/interviews/:id/result", screening.GetInterviewResult)

	webhookGroup := api.Group("/webhooks")
	webhookGroup.POST("/voice", webhooks.Voice)
	webhookGroup.POST("/record-response", webhooks.RecordResponse)
	webhookGroup.POST("/call-status", webhooks.CallStatus)
}
