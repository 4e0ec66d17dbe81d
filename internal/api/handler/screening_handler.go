package handler

import (
	"context"
	"errors"
	"strings"

	"ai-screener-go/internal/interview"
	"ai-screener-go/internal/logger"
	"ai-screener-go/internal/storage"
	"ai-screener-go/internal/storage/models"
	"ai-screener-go/internal/types"

	"github.com/cloudwego/hertz/pkg/app"
	"github.com/cloudwego/hertz/pkg/protocol/consts"
	"gorm.io/gorm"
)

const (
	defaultPageSize = 50
	maxPageSize     = 200
)

// ScreeningHandler 管理接口: 候选人、岗位与面试的增查
type ScreeningHandler struct {
	store   *storage.MySQL
	service *interview.Service
}

// NewScreeningHandler 创建管理接口处理器
func NewScreeningHandler(store *storage.MySQL, service *interview.Service) *ScreeningHandler {
	return &ScreeningHandler{store: store, service: service}
}

// CreateCandidate 登记候选人，手机号重复时返回已有记录
func (h *ScreeningHandler) CreateCandidate(c context.Context, ctx *app.RequestContext) {
	var req types.CreateCandidateRequest
	if err := ctx.BindJSON(&req); err != nil {
		ctx.JSON(consts.StatusBadRequest, types.ErrorResponse{Error: "请求体解析失败"})
		return
	}
	req.Name = strings.TrimSpace(req.Name)
	req.Phone = strings.TrimSpace(req.Phone)
	if req.Name == "" || req.Phone == "" {
		ctx.JSON(consts.StatusBadRequest, types.ErrorResponse{Error: "name和phone为必填项"})
		return
	}

	var candidate *models.Candidate
	err := h.store.Transaction(c, func(tx *gorm.DB) error {
		var txErr error
		candidate, txErr = h.store.FindOrCreateCandidate(c, tx, req.Name, req.Phone, req.Email)
		return txErr
	})
	if err != nil {
		logger.Error().Err(err).Msg("登记候选人失败")
		ctx.JSON(consts.StatusInternalServerError, types.ErrorResponse{Error: "登记候选人失败"})
		return
	}

	if req.ResumeText != "" {
		if err := h.store.UpdateCandidateResumeText(c, candidate.CandidateID, req.ResumeText); err != nil {
			logger.Warn().Err(err).Str("candidate_id", candidate.CandidateID).Msg("写入简历文本失败")
		} else {
			candidate.ResumeText = &req.ResumeText
		}
	}

	ctx.JSON(consts.StatusCreated, candidateView(candidate))
}

// ListCandidates 分页列出候选人
func (h *ScreeningHandler) ListCandidates(c context.Context, ctx *app.RequestContext) {
	limit, offset := pagination(ctx)
	candidates, err := h.store.ListCandidates(c, limit, offset)
	if err != nil {
		logger.Error().Err(err).Msg("查询候选人列表失败")
		ctx.JSON(consts.StatusInternalServerError, types.ErrorResponse{Error: "查询候选人列表失败"})
		return
	}

	items := make([]types.CandidateResponse, 0, len(candidates))
	for i := range candidates {
		items = append(items, candidateView(&candidates[i]))
	}
	ctx.JSON(consts.StatusOK, map[string]interface{}{"items": items, "count": len(items)})
}

// UpdateCandidateResume 补录候选人简历文本
func (h *ScreeningHandler) UpdateCandidateResume(c context.Context, ctx *app.RequestContext) {
	candidateID := ctx.Param("id")
	var req types.UpdateResumeRequest
	if err := ctx.BindJSON(&req); err != nil {
		ctx.JSON(consts.StatusBadRequest, types.ErrorResponse{Error: "请求体解析失败"})
		return
	}
	if strings.TrimSpace(req.ResumeText) == "" {
		ctx.JSON(consts.StatusBadRequest, types.ErrorResponse{Error: "resume_text不能为空"})
		return
	}

	if err := h.store.UpdateCandidateResumeText(c, candidateID, req.ResumeText); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			ctx.JSON(consts.StatusNotFound, types.ErrorResponse{Error: "候选人不存在"})
			return
		}
		logger.Error().Err(err).Str("candidate_id", candidateID).Msg("更新简历文本失败")
		ctx.JSON(consts.StatusInternalServerError, types.ErrorResponse{Error: "更新简历文本失败"})
		return
	}
	ctx.JSON(consts.StatusOK, map[string]string{"status": "updated"})
}

// CreateJob 创建岗位描述。(title, description)重复提交返回已有岗位，
// 且不再触发问题生成。
func (h *ScreeningHandler) CreateJob(c context.Context, ctx *app.RequestContext) {
	var req types.CreateJobRequest
	if err := ctx.BindJSON(&req); err != nil {
		ctx.JSON(consts.StatusBadRequest, types.ErrorResponse{Error: "请求体解析失败"})
		return
	}
	if strings.TrimSpace(req.Title) == "" || strings.TrimSpace(req.Description) == "" {
		ctx.JSON(consts.StatusBadRequest, types.ErrorResponse{Error: "title和description为必填项"})
		return
	}

	jd, created, err := h.service.CreateJob(c, req.Title, req.Description, req.Requirements)
	if err != nil {
		logger.Error().Err(err).Msg("创建岗位失败")
		ctx.JSON(consts.StatusInternalServerError, types.ErrorResponse{Error: "创建岗位失败"})
		return
	}
	status := consts.StatusCreated
	if !created {
		status = consts.StatusOK
	}
	ctx.JSON(status, jobView(jd))
}

// ListJobs 分页列出岗位
func (h *ScreeningHandler) ListJobs(c context.Context, ctx *app.RequestContext) {
	limit, offset := pagination(ctx)
	jobs, err := h.store.ListJobDescriptions(c, limit, offset)
	if err != nil {
		logger.Error().Err(err).Msg("查询岗位列表失败")
		ctx.JSON(consts.StatusInternalServerError, types.ErrorResponse{Error: "查询岗位列表失败"})
		return
	}

	items := make([]types.JobResponse, 0, len(jobs))
	for i := range jobs {
		items = append(items, jobView(&jobs[i]))
	}
	ctx.JSON(consts.StatusOK, map[string]interface{}{"items": items, "count": len(items)})
}

// StartInterview 发起一场电话面试
func (h *ScreeningHandler) StartInterview(c context.Context, ctx *app.RequestContext) {
	var req types.StartInterviewRequest
	if err := ctx.BindJSON(&req); err != nil {
		ctx.JSON(consts.StatusBadRequest, types.ErrorResponse{Error: "请求体解析失败"})
		return
	}
	if req.CandidateID == "" || req.JobID == "" {
		ctx.JSON(consts.StatusBadRequest, types.ErrorResponse{Error: "candidate_id和job_id为必填项"})
		return
	}

	session, err := h.service.StartInterview(c, req.CandidateID, req.JobID)
	if err != nil {
		switch {
		case errors.Is(err, interview.ErrCandidateNotFound):
			ctx.JSON(consts.StatusNotFound, types.ErrorResponse{Error: "候选人不存在"})
		case errors.Is(err, interview.ErrJobNotFound):
			ctx.JSON(consts.StatusNotFound, types.ErrorResponse{Error: "岗位不存在"})
		default:
			logger.Error().Err(err).Msg("发起面试失败")
			// 外呼失败时会话已创建并转failed，把会话带回去便于排查
			if session != nil {
				ctx.JSON(consts.StatusBadGateway, map[string]interface{}{
					"error":   "发起外呼失败",
					"session": sessionView(session),
				})
				return
			}
			ctx.JSON(consts.StatusInternalServerError, types.ErrorResponse{Error: "发起面试失败"})
		}
		return
	}

	ctx.JSON(consts.StatusCreated, sessionView(session))
}

// ListInterviews 按状态分页列出面试会话
func (h *ScreeningHandler) ListInterviews(c context.Context, ctx *app.RequestContext) {
	limit, offset := pagination(ctx)
	status := ctx.Query("status")

	sessions, err := h.store.ListSessions(c, status, limit, offset)
	if err != nil {
		logger.Error().Err(err).Msg("查询面试列表失败")
		ctx.JSON(consts.StatusInternalServerError, types.ErrorResponse{Error: "查询面试列表失败"})
		return
	}

	items := make([]types.SessionResponse, 0, len(sessions))
	for i := range sessions {
		items = append(items, sessionView(&sessions[i]))
	}
	ctx.JSON(consts.StatusOK, map[string]interface{}{"items": items, "count": len(items)})
}

// GetInterview 会话详情，含全部回答与最终结果
func (h *ScreeningHandler) GetInterview(c context.Context, ctx *app.RequestContext) {
	sessionID := ctx.Param("id")
	session, responses, result, err := h.store.GetSessionDetail(c, sessionID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			ctx.JSON(consts.StatusNotFound, types.ErrorResponse{Error: "面试会话不存在"})
			return
		}
		logger.Error().Err(err).Str("session_id", sessionID).Msg("查询会话详情失败")
		ctx.JSON(consts.StatusInternalServerError, types.ErrorResponse{Error: "查询会话详情失败"})
		return
	}

	detail := types.SessionDetailResponse{
		Session:   sessionView(session),
		Responses: make([]types.ResponseRecordView, 0, len(responses)),
	}
	for i := range responses {
		detail.Responses = append(detail.Responses, responseView(&responses[i]))
	}
	if result != nil {
		view := resultView(result)
		detail.Result = &view
	}
	ctx.JSON(consts.StatusOK, detail)
}

// GetInterviewResult 最终结果，未生成时404
func (h *ScreeningHandler) GetInterviewResult(c context.Context, ctx *app.RequestContext) {
	sessionID := ctx.Param("id")
	result, err := h.store.GetResultBySessionID(c, sessionID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			ctx.JSON(consts.StatusNotFound, types.ErrorResponse{Error: "面试结果尚未生成"})
			return
		}
		logger.Error().Err(err).Str("session_id", sessionID).Msg("查询面试结果失败")
		ctx.JSON(consts.StatusInternalServerError, types.ErrorResponse{Error: "查询面试结果失败"})
		return
	}
	ctx.JSON(consts.StatusOK, resultView(result))
}

func candidateView(c *models.Candidate) types.CandidateResponse {
	return types.CandidateResponse{
		CandidateID: c.CandidateID,
		Name:        c.Name,
		Phone:       c.Phone,
		Email:       c.Email,
		HasResume:   c.ResumeText != nil && *c.ResumeText != "",
		CreatedAt:   c.CreatedAt,
	}
}

func jobView(j *models.JobDescription) types.JobResponse {
	questions, err := j.QuestionList()
	if err != nil || questions == nil {
		questions = []string{}
	}
	return types.JobResponse{
		JobID:        j.JobID,
		Title:        j.Title,
		Description:  j.Description,
		Requirements: j.Requirements,
		Questions:    questions,
		CreatedAt:    j.CreatedAt,
	}
}

func sessionView(s *models.InterviewSession) types.SessionResponse {
	view := types.SessionResponse{
		SessionID:        s.SessionID,
		CandidateID:      s.CandidateID,
		JobID:            s.JobID,
		Status:           s.Status,
		CallDurationSecs: s.CallDurationSecs,
		ScheduledAt:      s.ScheduledAt,
		StartedAt:        s.StartedAt,
		CompletedAt:      s.CompletedAt,
	}
	if s.CallSID != nil {
		view.CallSID = *s.CallSID
	}
	if questions, err := s.QuestionList(); err == nil {
		view.Questions = questions
	}
	return view
}

func responseView(r *models.ResponseRecord) types.ResponseRecordView {
	return types.ResponseRecordView{
		QuestionNumber: r.QuestionNumber,
		QuestionText:   r.QuestionText,
		Transcript:     r.Transcript,
		Score:          r.Score,
		Feedback:       r.Feedback,
		AnsweredAt:     r.AnsweredAt,
	}
}

func resultView(r *models.InterviewResult) types.ResultView {
	strengths, _ := models.JSONToStrings(r.Strengths)
	areas, _ := models.JSONToStrings(r.AreasForImprovement)
	if strengths == nil {
		strengths = []string{}
	}
	if areas == nil {
		areas = []string{}
	}
	return types.ResultView{
		SessionID:           r.SessionID,
		OverallScore:        r.OverallScore,
		Recommendation:      r.Recommendation,
		Summary:             r.Summary,
		Strengths:           strengths,
		AreasForImprovement: areas,
		CreatedAt:           r.CreatedAt,
	}
}

// pagination 解析limit/offset查询参数
func pagination(ctx *app.RequestContext) (int, int) {
	limit := queryInt(ctx, "limit", defaultPageSize)
	if limit <= 0 || limit > maxPageSize {
		limit = defaultPageSize
	}
	offset := queryInt(ctx, "offset", 0)
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}
