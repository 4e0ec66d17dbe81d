package interview

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"ai-screener-go/internal/constants"
	"ai-screener-go/internal/evaluation"
	"ai-screener-go/internal/logger"
	"ai-screener-go/internal/outbox"
	"ai-screener-go/internal/storage"
	"ai-screener-go/internal/storage/models"
	"ai-screener-go/internal/telephony"
	"ai-screener-go/internal/tracing"
	"ai-screener-go/internal/transcriber"

	"github.com/gofrs/uuid/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"gorm.io/gorm"
)

var tracer = otel.Tracer("ai-screener-go/interview")

var (
	// ErrSessionNotFound 会话不存在
	ErrSessionNotFound = errors.New("面试会话不存在")
	// ErrTerminalState 会话已处于终态，拒绝再变更
	ErrTerminalState = errors.New("面试会话已处于终态")
	// ErrJobNotFound 岗位不存在
	ErrJobNotFound = errors.New("岗位描述不存在")
	// ErrCandidateNotFound 候选人不存在
	ErrCandidateNotFound = errors.New("候选人不存在")
	// ErrTranscriptsPending 尚有回答停留在转写中，结果生成推迟到转写落库之后
	ErrTranscriptsPending = errors.New("回答转写尚未完成")
)

const (
	resultLockTTL = 2 * time.Minute
	sweepLockTTL  = time.Minute
)

// Store 状态机需要的持久化能力，由storage.MySQL实现
type Store interface {
	Transaction(ctx context.Context, fn func(tx *gorm.DB) error) error
	GetCandidateByID(ctx context.Context, candidateID string) (*models.Candidate, error)
	GetJobDescriptionByID(ctx context.Context, jobID string) (*models.JobDescription, error)
	GetJobDescriptionByDigest(ctx context.Context, digest string) (*models.JobDescription, error)
	CreateJobDescription(ctx context.Context, jd *models.JobDescription) error
	CreateInterviewSession(ctx context.Context, tx *gorm.DB, session *models.InterviewSession) error
	GetSessionByID(ctx context.Context, sessionID string) (*models.InterviewSession, error)
	GetSessionByCallSID(ctx context.Context, callSID string) (*models.InterviewSession, error)
	UpdateSessionFields(ctx context.Context, tx *gorm.DB, sessionID string, updates map[string]interface{}) error
	LockSessionForUpdate(ctx context.Context, tx *gorm.DB, sessionID string) (*models.InterviewSession, error)
	GetOrCreateResponseRecord(ctx context.Context, tx *gorm.DB, record *models.ResponseRecord) (*models.ResponseRecord, bool, error)
	UpdateResponseRecord(ctx context.Context, responseID string, updates map[string]interface{}) error
	ListResponsesBySession(ctx context.Context, sessionID string) ([]models.ResponseRecord, error)
	CountResponsesBySession(ctx context.Context, tx *gorm.DB, sessionID string) (int64, error)
	CreateInterviewResult(ctx context.Context, tx *gorm.DB, result *models.InterviewResult) error
	GetResultBySessionID(ctx context.Context, sessionID string) (*models.InterviewResult, error)
	FindStuckSessions(ctx context.Context, cutoff time.Time) ([]models.InterviewSession, error)
	CreateOutboxMessage(ctx context.Context, tx *gorm.DB, msg *models.OutboxMessage) error
}

// Locker 分布式锁与回调去重能力，由storage.Redis实现
type Locker interface {
	AcquireLock(ctx context.Context, lockKey string, expiration time.Duration) (string, error)
	ReleaseLock(ctx context.Context, lockKey string, lockValue string) (bool, error)
	CheckAndAddCallbackKey(ctx context.Context, callbackKey string) (bool, error)
	RemoveCallbackKey(ctx context.Context, callbackKey string) error
}

// Dialer 外呼能力，由telephony.Client实现
type Dialer interface {
	InitiateCall(ctx context.Context, sessionID, toPhone string) (string, error)
}

// AudioTranscriber 录音转写能力，由transcriber.Transcriber实现
type AudioTranscriber interface {
	Transcribe(ctx context.Context, audioURL string) (transcript string, archiveKey string)
}

// Evaluator 回答评估能力，由evaluation.ResponseEvaluator实现
type Evaluator interface {
	EvaluateResponse(ctx context.Context, question, transcript, resumeContext string) (float64, string)
	GenerateRecommendation(ctx context.Context, responses []evaluation.ResponseSummary, resumeContext string) *evaluation.FinalEvaluation
}

// QuestionSource 问题生成能力，由evaluation.QuestionGenerator实现
type QuestionSource interface {
	GenerateQuestions(ctx context.Context, jobTitle, jobDescription, requirements string, count int) []string
}

// Service 驱动面试会话状态机: pending -> in_progress -> completed/failed。
// 终态不可再变更；电话平台的重复与乱序回调都必须幂等。
type Service struct {
	store       Store
	locker      Locker
	dialer      Dialer
	transcriber AudioTranscriber
	evaluator   Evaluator
	questions   QuestionSource
	twiml       *telephony.TwiMLBuilder

	questionCount  int
	stuckAfter     time.Duration
	webhookBaseURL string

	eventExchange string
	scheduledKey  string
	completedKey  string
}

// ServiceOption 配置Service
type ServiceOption func(*Service)

// WithQuestionCount 设置每场面试的问题数
func WithQuestionCount(n int) ServiceOption {
	return func(s *Service) {
		if n > 0 {
			s.questionCount = n
		}
	}
}

// WithStuckAfter 设置无应答会话的清扫阈值
func WithStuckAfter(d time.Duration) ServiceOption {
	return func(s *Service) {
		if d > 0 {
			s.stuckAfter = d
		}
	}
}

// WithWebhookBaseURL 设置回调基础地址，用于拼录音回调URL
func WithWebhookBaseURL(base string) ServiceOption {
	return func(s *Service) {
		s.webhookBaseURL = base
	}
}

// WithEventRouting 设置生命周期事件的交换机与路由键
func WithEventRouting(exchange, scheduledKey, completedKey string) ServiceOption {
	return func(s *Service) {
		s.eventExchange = exchange
		s.scheduledKey = scheduledKey
		s.completedKey = completedKey
	}
}

// NewService 创建面试状态机服务
func NewService(
	store Store,
	locker Locker,
	dialer Dialer,
	transcriber AudioTranscriber,
	evaluator Evaluator,
	questions QuestionSource,
	twiml *telephony.TwiMLBuilder,
	opts ...ServiceOption,
) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("store不能为空")
	}
	if twiml == nil {
		twiml = telephony.NewTwiMLBuilder(0, 0)
	}

	s := &Service{
		store:         store,
		locker:        locker,
		dialer:        dialer,
		transcriber:   transcriber,
		evaluator:     evaluator,
		questions:     questions,
		twiml:         twiml,
		questionCount: 5,
		stuckAfter:    constants.DefaultStuckAfter,
		eventExchange: "interview.events",
		scheduledKey:  "interview.scheduled",
		completedKey:  "interview.completed",
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// CreateJob 创建岗位描述，(title, description)按内容摘要去重:
// 重复提交返回已有岗位且不再调用问题生成。问题列表在创建时生成后固定。
// 返回值第二项表示本次是否新建。
func (s *Service) CreateJob(ctx context.Context, title, description, requirements string) (*models.JobDescription, bool, error) {
	ctx, span := tracer.Start(ctx, "interview.CreateJob")
	defer span.End()

	digest := models.JobContentDigest(title, description)
	span.SetAttributes(attribute.String("job.content_digest", digest))

	existing, err := s.store.GetJobDescriptionByDigest(ctx, digest)
	if err == nil {
		return existing, false, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, fmt.Errorf("查询岗位失败: %w", err)
	}

	questionList := s.questions.GenerateQuestions(ctx, title, description, requirements, s.questionCount)
	questionsJSON, err := models.StringsToJSON(questionList)
	if err != nil {
		return nil, false, fmt.Errorf("编码问题列表失败: %w", err)
	}

	jd := &models.JobDescription{
		Title:         title,
		Description:   description,
		Requirements:  requirements,
		ContentDigest: digest,
		Questions:     questionsJSON,
	}
	if err := s.store.CreateJobDescription(ctx, jd); err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			// 并发提交已抢先创建，取已有行
			if existing, qerr := s.store.GetJobDescriptionByDigest(ctx, digest); qerr == nil {
				return existing, false, nil
			}
		}
		return nil, false, fmt.Errorf("创建岗位失败: %w", err)
	}

	logger.Info().
		Str("job_id", jd.JobID).
		Int("questions", len(questionList)).
		Msg("岗位已创建并生成问题")
	return jd, true, nil
}

// StartInterview 创建面试会话并发起外呼。
// 问题取岗位创建时固定的列表并随会话持久化，之后的通话流程只读会话里的问题。
// 外呼失败时会话立即转failed并盖上completed_at。
func (s *Service) StartInterview(ctx context.Context, candidateID, jobID string) (*models.InterviewSession, error) {
	ctx, span := tracer.Start(ctx, "interview.StartInterview")
	defer span.End()
	span.SetAttributes(
		attribute.String("candidate_id", candidateID),
		attribute.String("job_id", jobID),
	)

	candidate, err := s.store.GetCandidateByID(ctx, candidateID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrCandidateNotFound
		}
		return nil, fmt.Errorf("查询候选人失败: %w", err)
	}
	job, err := s.store.GetJobDescriptionByID(ctx, jobID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrJobNotFound
		}
		return nil, fmt.Errorf("查询岗位失败: %w", err)
	}

	questionList, qErr := job.QuestionList()
	if qErr != nil || len(questionList) == 0 {
		// 存量岗位没有固定问题列表时回退到即时生成
		questionList = s.questions.GenerateQuestions(ctx, job.Title, job.Description, job.Requirements, s.questionCount)
	}
	questionsJSON, err := models.StringsToJSON(questionList)
	if err != nil {
		return nil, fmt.Errorf("编码问题列表失败: %w", err)
	}

	sessionID, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("生成会话ID失败: %w", err)
	}

	session := &models.InterviewSession{
		SessionID:   sessionID.String(),
		CandidateID: candidate.CandidateID,
		JobID:       job.JobID,
		Status:      constants.SessionStatusPending,
		Questions:   questionsJSON,
		ScheduledAt: time.Now(),
	}

	err = s.store.Transaction(ctx, func(tx *gorm.DB) error {
		if err := s.store.CreateInterviewSession(ctx, tx, session); err != nil {
			return err
		}
		return s.enqueueEvent(ctx, tx, session, storage.EventInterviewScheduled, s.scheduledKey, "")
	})
	if err != nil {
		return nil, fmt.Errorf("创建面试会话失败: %w", err)
	}

	callSID, err := s.dialer.InitiateCall(ctx, session.SessionID, candidate.Phone)
	if err != nil {
		tracing.RecordError(span, err, tracing.ErrorTypeTelephony)
		logger.Error().Err(err).Str("session_id", session.SessionID).Msg("外呼发起失败，会话转failed")
		if markErr := s.markFailed(ctx, session); markErr != nil {
			logger.Error().Err(markErr).Str("session_id", session.SessionID).Msg("标记会话失败时出错")
		}
		session.Status = constants.SessionStatusFailed
		return session, fmt.Errorf("发起外呼失败: %w", err)
	}

	if err := s.store.Transaction(ctx, func(tx *gorm.DB) error {
		return s.store.UpdateSessionFields(ctx, tx, session.SessionID, map[string]interface{}{"call_sid": callSID})
	}); err != nil {
		logger.Error().Err(err).Str("session_id", session.SessionID).Msg("持久化call_sid失败")
	}
	session.CallSID = &callSID

	logger.Info().
		Str("session_id", session.SessionID).
		Str("call_sid", callSID).
		Int("questions", len(questionList)).
		Msg("面试会话已创建并发起外呼")
	return session, nil
}

// HandleCallStatus 处理通话状态回调。
// 重复回调幂等，终态会话返回ErrTerminalState（HTTP层只记日志），
// 未知CallSID返回ErrSessionNotFound且无任何副作用，HTTP层应答404。
func (s *Service) HandleCallStatus(ctx context.Context, callSID, callStatus string, durationSecs *int, recordingURL, recordingSID string) error {
	ctx, span := tracer.Start(ctx, "interview.HandleCallStatus")
	defer span.End()
	span.SetAttributes(
		attribute.String("call_sid", callSID),
		attribute.String("call_status", callStatus),
	)

	var dedupKey string
	if s.locker != nil {
		dedupKey = fmt.Sprintf("call-status:%s:%s", callSID, callStatus)
		if seen, err := s.locker.CheckAndAddCallbackKey(ctx, dedupKey); err == nil && seen {
			logger.Debug().Str("call_sid", callSID).Str("status", callStatus).Msg("重复的状态回调，忽略")
			return nil
		}
	}

	err := s.dispatchCallStatus(ctx, callSID, callStatus, durationSecs, recordingURL, recordingSID)
	if err != nil && dedupKey != "" {
		// 处理失败时撤销去重登记，平台的重试投递才不会被当成重复吞掉
		if remErr := s.locker.RemoveCallbackKey(ctx, dedupKey); remErr != nil {
			logger.Warn().Err(remErr).Str("call_sid", callSID).Msg("撤销回调去重标识失败")
		}
	}
	return err
}

func (s *Service) dispatchCallStatus(ctx context.Context, callSID, callStatus string, durationSecs *int, recordingURL, recordingSID string) error {
	session, err := s.store.GetSessionByCallSID(ctx, callSID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrSessionNotFound
		}
		return fmt.Errorf("按CallSID查询会话失败: %w", err)
	}

	switch callStatus {
	case constants.CallStatusRinging, constants.CallStatusAnswered, constants.CallStatusInProgress:
		return s.promoteToInProgress(ctx, session.SessionID)

	case constants.CallStatusInitiated:
		// 外呼已受理但尚未振铃，不推进状态机
		return nil

	case constants.CallStatusCompleted:
		return s.completeSession(ctx, session.SessionID, durationSecs, recordingURL, recordingSID)

	case constants.CallStatusFailed, constants.CallStatusBusy, constants.CallStatusNoAnswer:
		return s.failSession(ctx, session.SessionID)

	default:
		logger.Debug().Str("call_sid", callSID).Str("status", callStatus).Msg("忽略未知的通话状态")
		return nil
	}
}

// promoteToInProgress pending转in_progress并盖started_at，重复回调no-op
func (s *Service) promoteToInProgress(ctx context.Context, sessionID string) error {
	return s.store.Transaction(ctx, func(tx *gorm.DB) error {
		locked, err := s.store.LockSessionForUpdate(ctx, tx, sessionID)
		if err != nil {
			return err
		}
		if locked.IsTerminal() {
			return ErrTerminalState
		}
		if locked.Status != constants.SessionStatusPending {
			return nil
		}
		now := time.Now()
		return s.store.UpdateSessionFields(ctx, tx, sessionID, map[string]interface{}{
			"status":     constants.SessionStatusInProgress,
			"started_at": &now,
		})
	})
}

// completeSession 通话结束后的收尾: 回答数达到问题数才算completed并生成结果，
// 提前挂断（回答数不足）判failed。单题面试退化为至少一个回答。
func (s *Service) completeSession(ctx context.Context, sessionID string, durationSecs *int, recordingURL, recordingSID string) error {
	completed := false
	err := s.store.Transaction(ctx, func(tx *gorm.DB) error {
		locked, err := s.store.LockSessionForUpdate(ctx, tx, sessionID)
		if err != nil {
			return err
		}
		if locked.IsTerminal() {
			return ErrTerminalState
		}

		count, err := s.store.CountResponsesBySession(ctx, tx, sessionID)
		if err != nil {
			return err
		}
		questionList, qErr := locked.QuestionList()
		expected := int64(len(questionList))
		if qErr != nil || expected == 0 {
			expected = 1
		}

		now := time.Now()
		updates := map[string]interface{}{
			"completed_at": &now,
		}
		if durationSecs != nil {
			updates["call_duration_secs"] = durationSecs
		}
		if recordingURL != "" {
			updates["audio_url"] = recordingURL
		}
		if recordingSID != "" {
			updates["recording_sid"] = recordingSID
		}

		eventType := storage.EventInterviewFailed
		if count >= expected {
			updates["status"] = constants.SessionStatusCompleted
			eventType = storage.EventInterviewCompleted
			completed = true
		} else {
			updates["status"] = constants.SessionStatusFailed
		}
		if err := s.store.UpdateSessionFields(ctx, tx, sessionID, updates); err != nil {
			return err
		}
		return s.enqueueEvent(ctx, tx, locked, eventType, s.completedKey, updates["status"].(string))
	})
	if err != nil {
		return err
	}

	if completed {
		// 同步尝试生成结果，发件箱事件作为失败重试的后备通道。
		// 最后一题的转写通常还在后台进行，此时推迟到后备消费者生成。
		if genErr := s.GenerateResult(ctx, sessionID); genErr != nil {
			if errors.Is(genErr, ErrTranscriptsPending) {
				logger.Info().Str("session_id", sessionID).Msg("转写未全部落库，结果由后备消费者生成")
			} else {
				logger.Error().Err(genErr).Str("session_id", sessionID).Msg("结果生成失败，等待后备消费者重试")
			}
		}
	}
	return nil
}

// failSession 标记失败并盖completed_at，重复/乱序回调幂等
func (s *Service) failSession(ctx context.Context, sessionID string) error {
	return s.store.Transaction(ctx, func(tx *gorm.DB) error {
		locked, err := s.store.LockSessionForUpdate(ctx, tx, sessionID)
		if err != nil {
			return err
		}
		if locked.IsTerminal() {
			return ErrTerminalState
		}
		now := time.Now()
		if err := s.store.UpdateSessionFields(ctx, tx, sessionID, map[string]interface{}{
			"status":       constants.SessionStatusFailed,
			"completed_at": &now,
		}); err != nil {
			return err
		}
		return s.enqueueEvent(ctx, tx, locked, storage.EventInterviewFailed, s.completedKey, constants.SessionStatusFailed)
	})
}

// markFailed failSession的无锁版本，用于外呼失败等会话还不可能有并发回调的场景。
// 与失败回调一样写入failed事件，下游消费者不区分失败来源。
func (s *Service) markFailed(ctx context.Context, session *models.InterviewSession) error {
	now := time.Now()
	return s.store.Transaction(ctx, func(tx *gorm.DB) error {
		if err := s.store.UpdateSessionFields(ctx, tx, session.SessionID, map[string]interface{}{
			"status":       constants.SessionStatusFailed,
			"completed_at": &now,
		}); err != nil {
			return err
		}
		return s.enqueueEvent(ctx, tx, session, storage.EventInterviewFailed, s.completedKey, constants.SessionStatusFailed)
	})
}

// VoicePrompt 生成voice回调的TwiML: 开场白加第一个问题。
// 会话异常时返回故障提示文档，保证平台永远拿到合法TwiML。
func (s *Service) VoicePrompt(ctx context.Context, sessionID string, questionNumber int) string {
	session, err := s.store.GetSessionByID(ctx, sessionID)
	if err != nil {
		logger.Warn().Err(err).Str("session_id", sessionID).Msg("voice回调查不到会话")
		return telephony.TechnicalDifficulties()
	}
	if session.IsTerminal() {
		return s.twiml.Farewell()
	}

	questionList, err := session.QuestionList()
	if err != nil || len(questionList) == 0 {
		logger.Error().Err(err).Str("session_id", sessionID).Msg("会话问题列表不可用")
		return telephony.TechnicalDifficulties()
	}
	if questionNumber < 1 || questionNumber > len(questionList) {
		return s.twiml.Farewell()
	}

	actionURL := s.recordActionURL(sessionID, questionNumber)
	if questionNumber == 1 {
		return s.twiml.GreetingAndQuestion(questionList[0], actionURL)
	}
	return s.twiml.NextQuestion(questionList[questionNumber-1], actionURL)
}

// HandleRecording 处理单题录音回调，返回下一段TwiML。
// 回答记录在(session, question)上幂等创建，转写与评估异步进行，
// 下一个问题编号只由已持久化的回答数决定。
func (s *Service) HandleRecording(ctx context.Context, sessionID string, questionNumber int, recordingURL string) string {
	ctx, span := tracer.Start(ctx, "interview.HandleRecording")
	defer span.End()
	span.SetAttributes(
		attribute.String("session_id", sessionID),
		attribute.Int("question_number", questionNumber),
	)

	session, err := s.store.GetSessionByID(ctx, sessionID)
	if err != nil {
		logger.Warn().Err(err).Str("session_id", sessionID).Msg("录音回调查不到会话")
		return telephony.TechnicalDifficulties()
	}
	if session.IsTerminal() {
		logger.Warn().Str("session_id", sessionID).Str("status", session.Status).Msg("终态会话收到录音回调，忽略")
		return s.twiml.Farewell()
	}

	questionList, err := session.QuestionList()
	if err != nil {
		logger.Error().Err(err).Str("session_id", sessionID).Msg("解析问题列表失败")
		return telephony.TechnicalDifficulties()
	}
	questionText := fmt.Sprintf("Question %d", questionNumber)
	if questionNumber >= 1 && questionNumber <= len(questionList) {
		questionText = questionList[questionNumber-1]
	}

	var record *models.ResponseRecord
	var created bool
	var responseCount int64
	err = s.store.Transaction(ctx, func(tx *gorm.DB) error {
		locked, err := s.store.LockSessionForUpdate(ctx, tx, sessionID)
		if err != nil {
			return err
		}
		if locked.IsTerminal() {
			return ErrTerminalState
		}
		// 乱序回调容忍: 录音先到时直接把会话推进到in_progress
		if locked.Status == constants.SessionStatusPending {
			now := time.Now()
			if err := s.store.UpdateSessionFields(ctx, tx, sessionID, map[string]interface{}{
				"status":     constants.SessionStatusInProgress,
				"started_at": &now,
			}); err != nil {
				return err
			}
		}

		responseID, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("生成回答ID失败: %w", err)
		}
		now := time.Now()
		record, created, err = s.store.GetOrCreateResponseRecord(ctx, tx, &models.ResponseRecord{
			ResponseID:     responseID.String(),
			SessionID:      sessionID,
			QuestionNumber: questionNumber,
			QuestionText:   questionText,
			Transcript:     constants.TranscriptProcessing,
			AudioURL:       recordingURL,
			AnsweredAt:     &now,
		})
		if err != nil {
			return err
		}

		responseCount, err = s.store.CountResponsesBySession(ctx, tx, sessionID)
		return err
	})
	if err != nil {
		if errors.Is(err, ErrTerminalState) {
			return s.twiml.Farewell()
		}
		logger.Error().Err(err).Str("session_id", sessionID).Msg("持久化回答记录失败")
		return telephony.TechnicalDifficulties()
	}

	// 录音回调重复投递时记录已存在，不重复跑流水线
	if created {
		go s.processResponse(record.ResponseID, questionText, recordingURL, s.resumeContext(session))
	}

	next := int(responseCount) + 1
	if next > len(questionList) {
		return s.twiml.Farewell()
	}
	return s.twiml.NextQuestion(questionList[next-1], s.recordActionURL(sessionID, next))
}

// processResponse 后台流水线: 转写 -> 评估 -> 落库。
// 与回调的HTTP生命周期解耦，用独立context避免请求结束被连带取消。
func (s *Service) processResponse(responseID, question, recordingURL, resumeContext string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()
	ctx, span := tracer.Start(ctx, "interview.ProcessResponse")
	defer span.End()
	span.SetAttributes(attribute.String("response_id", responseID))

	transcript, archiveKey := s.transcriber.Transcribe(ctx, recordingURL)
	span.SetAttributes(attribute.String("transcript.preview", tracing.SafeTranscript(transcript)))

	updates := map[string]interface{}{
		"transcript": transcript,
	}
	if sid := transcriber.ExtractRecordingSID(recordingURL); sid != "" {
		updates["recording_sid"] = sid
	}
	if archiveKey != "" {
		updates["archive_object"] = archiveKey
	}
	if err := s.store.UpdateResponseRecord(ctx, responseID, updates); err != nil {
		tracing.RecordError(span, err, tracing.ErrorTypeDB)
		logger.Error().Err(err).Str("response_id", responseID).Msg("写入转写结果失败")
		return
	}

	score, feedback := s.evaluator.EvaluateResponse(ctx, question, transcript, resumeContext)
	if err := s.store.UpdateResponseRecord(ctx, responseID, map[string]interface{}{
		"score":    score,
		"feedback": feedback,
	}); err != nil {
		tracing.RecordError(span, err, tracing.ErrorTypeDB)
		logger.Error().Err(err).Str("response_id", responseID).Msg("写入评估结果失败")
		return
	}

	logger.Info().
		Str("response_id", responseID).
		Float64("score", score).
		Msg("回答处理完成")
}

// GenerateResult 生成最终面试结果，幂等。
// Redis锁挡住并发生成，DB唯一索引兜底；两者都把"已存在"当成功。
func (s *Service) GenerateResult(ctx context.Context, sessionID string) error {
	ctx, span := tracer.Start(ctx, "interview.GenerateResult")
	defer span.End()
	span.SetAttributes(attribute.String("session_id", sessionID))

	if existing, err := s.store.GetResultBySessionID(ctx, sessionID); err == nil && existing != nil {
		return nil
	}

	if s.locker != nil {
		lockKey := fmt.Sprintf(constants.KeyResultLock, sessionID)
		lockValue, err := s.locker.AcquireLock(ctx, lockKey, resultLockTTL)
		if err != nil {
			return fmt.Errorf("获取结果生成锁失败: %w", err)
		}
		if lockValue == "" {
			logger.Debug().Str("session_id", sessionID).Msg("结果正在由其他进程生成，跳过")
			return nil
		}
		defer func() {
			if _, err := s.locker.ReleaseLock(ctx, lockKey, lockValue); err != nil {
				logger.Warn().Err(err).Str("session_id", sessionID).Msg("释放结果生成锁失败")
			}
		}()

		// 拿到锁后再查一次，锁竞争的输家可能已经写入
		if existing, err := s.store.GetResultBySessionID(ctx, sessionID); err == nil && existing != nil {
			return nil
		}
	}

	session, err := s.store.GetSessionByID(ctx, sessionID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrSessionNotFound
		}
		return fmt.Errorf("查询会话失败: %w", err)
	}

	responses, err := s.store.ListResponsesBySession(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("查询回答记录失败: %w", err)
	}
	if len(responses) == 0 {
		return fmt.Errorf("会话 %s 没有任何回答记录，无法生成结果", sessionID)
	}
	// 结果必须聚合真实转写。占位转写意味着后台流水线还没跑完，
	// 此时返回错误让后备消费者稍后重试，而不是拿占位文本去评估。
	for _, r := range responses {
		if r.Transcript == constants.TranscriptProcessing {
			return fmt.Errorf("会话 %s 第%d题: %w", sessionID, r.QuestionNumber, ErrTranscriptsPending)
		}
	}

	summaries := make([]evaluation.ResponseSummary, 0, len(responses))
	for _, r := range responses {
		score := 0.0
		if r.Score != nil {
			score = *r.Score
		}
		summaries = append(summaries, evaluation.ResponseSummary{
			Question:   r.QuestionText,
			Transcript: r.Transcript,
			Score:      score,
		})
	}

	final := s.evaluator.GenerateRecommendation(ctx, summaries, s.resumeContext(session))
	span.SetAttributes(
		attribute.String("result.recommendation", final.Recommendation),
		attribute.String("result.summary", tracing.SafeTranscript(final.Summary)),
	)

	strengths, err := models.StringsToJSON(final.Strengths)
	if err != nil {
		return fmt.Errorf("编码优势列表失败: %w", err)
	}
	areas, err := models.StringsToJSON(final.AreasForImprovement)
	if err != nil {
		return fmt.Errorf("编码待改进列表失败: %w", err)
	}
	resultID, err := uuid.NewV7()
	if err != nil {
		return fmt.Errorf("生成结果ID失败: %w", err)
	}

	err = s.store.Transaction(ctx, func(tx *gorm.DB) error {
		return s.store.CreateInterviewResult(ctx, tx, &models.InterviewResult{
			ResultID:            resultID.String(),
			SessionID:           sessionID,
			OverallScore:        final.OverallScore,
			Recommendation:      final.Recommendation,
			Summary:             final.Summary,
			Strengths:           strengths,
			AreasForImprovement: areas,
		})
	})
	if err != nil {
		if errors.Is(err, storage.ErrResultExists) {
			logger.Debug().Str("session_id", sessionID).Msg("结果已由并发写入者创建")
			return nil
		}
		return fmt.Errorf("写入面试结果失败: %w", err)
	}

	logger.Info().
		Str("session_id", sessionID).
		Float64("overall_score", final.OverallScore).
		Str("recommendation", final.Recommendation).
		Msg("面试结果已生成")
	return nil
}

// enqueueEvent 在事务内写入生命周期事件到发件箱
func (s *Service) enqueueEvent(ctx context.Context, tx *gorm.DB, session *models.InterviewSession, eventType, routingKey, status string) error {
	if s.eventExchange == "" {
		return nil
	}
	if status == "" {
		status = session.Status
	}
	callSID := ""
	if session.CallSID != nil {
		callSID = *session.CallSID
	}
	msg, err := outbox.NewMessage(&storage.InterviewEventMessage{
		EventType:   eventType,
		SessionID:   session.SessionID,
		CandidateID: session.CandidateID,
		JobID:       session.JobID,
		CallSID:     callSID,
		Status:      status,
		OccurredAt:  time.Now(),
	}, s.eventExchange, routingKey)
	if err != nil {
		return err
	}
	return s.store.CreateOutboxMessage(ctx, tx, msg)
}

// recordActionURL 录音完成后平台回调的地址
func (s *Service) recordActionURL(sessionID string, questionNumber int) string {
	return fmt.Sprintf("%s/api/v1/webhooks/record-response?session_id=%s&question_number=%d",
		s.webhookBaseURL, url.QueryEscape(sessionID), questionNumber)
}

// resumeContext 给评估提供的简历上下文，未录入时为空
func (s *Service) resumeContext(session *models.InterviewSession) string {
	if session.Candidate != nil && session.Candidate.ResumeText != nil {
		return *session.Candidate.ResumeText
	}
	return ""
}
