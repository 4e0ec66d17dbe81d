package interview

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"ai-screener-go/internal/constants"
	"ai-screener-go/internal/evaluation"
	"ai-screener-go/internal/storage"
	"ai-screener-go/internal/storage/models"
	"ai-screener-go/internal/telephony"

	"github.com/gofrs/uuid/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

// fakeStore 内存版Store，事务回调直接以nil tx执行
type fakeStore struct {
	mu sync.Mutex

	candidates map[string]*models.Candidate
	jobs       map[string]*models.JobDescription
	sessions   map[string]*models.InterviewSession
	responses  []*models.ResponseRecord
	results    map[string]*models.InterviewResult
	outbox     []*models.OutboxMessage

	createResultErr error
	txErr           error

	responseUpdated chan struct{}
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		candidates:      make(map[string]*models.Candidate),
		jobs:            make(map[string]*models.JobDescription),
		sessions:        make(map[string]*models.InterviewSession),
		results:         make(map[string]*models.InterviewResult),
		responseUpdated: make(chan struct{}, 16),
	}
}

func (f *fakeStore) Transaction(ctx context.Context, fn func(tx *gorm.DB) error) error {
	if f.txErr != nil {
		return f.txErr
	}
	return fn(nil)
}

func (f *fakeStore) GetCandidateByID(ctx context.Context, candidateID string) (*models.Candidate, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.candidates[candidateID]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	return c, nil
}

func (f *fakeStore) GetJobDescriptionByID(ctx context.Context, jobID string) (*models.JobDescription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[jobID]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	return j, nil
}

func (f *fakeStore) GetJobDescriptionByDigest(ctx context.Context, digest string) (*models.JobDescription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, j := range f.jobs {
		if j.ContentDigest == digest {
			copied := *j
			return &copied, nil
		}
	}
	return nil, gorm.ErrRecordNotFound
}

func (f *fakeStore) CreateJobDescription(ctx context.Context, jd *models.JobDescription) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, j := range f.jobs {
		if j.ContentDigest != "" && j.ContentDigest == jd.ContentDigest {
			return gorm.ErrDuplicatedKey
		}
	}
	if jd.JobID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return err
		}
		jd.JobID = id.String()
	}
	copied := *jd
	f.jobs[jd.JobID] = &copied
	return nil
}

func (f *fakeStore) CreateInterviewSession(ctx context.Context, tx *gorm.DB, session *models.InterviewSession) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	copied := *session
	f.sessions[session.SessionID] = &copied
	return nil
}

func (f *fakeStore) GetSessionByID(ctx context.Context, sessionID string) (*models.InterviewSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[sessionID]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	copied := *s
	return &copied, nil
}

func (f *fakeStore) GetSessionByCallSID(ctx context.Context, callSID string) (*models.InterviewSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range f.sessions {
		if s.CallSID != nil && *s.CallSID == callSID {
			copied := *s
			return &copied, nil
		}
	}
	return nil, gorm.ErrRecordNotFound
}

func (f *fakeStore) UpdateSessionFields(ctx context.Context, tx *gorm.DB, sessionID string, updates map[string]interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[sessionID]
	if !ok {
		return gorm.ErrRecordNotFound
	}
	for key, value := range updates {
		switch key {
		case "status":
			s.Status = value.(string)
		case "started_at":
			s.StartedAt = value.(*time.Time)
		case "completed_at":
			s.CompletedAt = value.(*time.Time)
		case "call_sid":
			v := value.(string)
			s.CallSID = &v
		case "call_duration_secs":
			s.CallDurationSecs = value.(*int)
		case "audio_url":
			v := value.(string)
			s.AudioURL = &v
		case "recording_sid":
			v := value.(string)
			s.RecordingSID = &v
		}
	}
	return nil
}

func (f *fakeStore) LockSessionForUpdate(ctx context.Context, tx *gorm.DB, sessionID string) (*models.InterviewSession, error) {
	return f.GetSessionByID(ctx, sessionID)
}

func (f *fakeStore) GetOrCreateResponseRecord(ctx context.Context, tx *gorm.DB, record *models.ResponseRecord) (*models.ResponseRecord, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, existing := range f.responses {
		if existing.SessionID == record.SessionID && existing.QuestionNumber == record.QuestionNumber {
			copied := *existing
			return &copied, false, nil
		}
	}
	copied := *record
	f.responses = append(f.responses, &copied)
	returned := copied
	return &returned, true, nil
}

func (f *fakeStore) UpdateResponseRecord(ctx context.Context, responseID string, updates map[string]interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range f.responses {
		if r.ResponseID != responseID {
			continue
		}
		for key, value := range updates {
			switch key {
			case "transcript":
				r.Transcript = value.(string)
			case "score":
				v := value.(float64)
				r.Score = &v
			case "feedback":
				r.Feedback = value.(string)
			case "recording_sid":
				r.RecordingSID = value.(string)
			case "archive_object":
				r.ArchiveObject = value.(string)
			}
		}
		select {
		case f.responseUpdated <- struct{}{}:
		default:
		}
		return nil
	}
	return gorm.ErrRecordNotFound
}

func (f *fakeStore) ListResponsesBySession(ctx context.Context, sessionID string) ([]models.ResponseRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.ResponseRecord
	for _, r := range f.responses {
		if r.SessionID == sessionID {
			out = append(out, *r)
		}
	}
	return out, nil
}

func (f *fakeStore) CountResponsesBySession(ctx context.Context, tx *gorm.DB, sessionID string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var count int64
	for _, r := range f.responses {
		if r.SessionID == sessionID {
			count++
		}
	}
	return count, nil
}

func (f *fakeStore) CreateInterviewResult(ctx context.Context, tx *gorm.DB, result *models.InterviewResult) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createResultErr != nil {
		return f.createResultErr
	}
	if _, exists := f.results[result.SessionID]; exists {
		return storage.ErrResultExists
	}
	copied := *result
	f.results[result.SessionID] = &copied
	return nil
}

func (f *fakeStore) GetResultBySessionID(ctx context.Context, sessionID string) (*models.InterviewResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.results[sessionID]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	copied := *r
	return &copied, nil
}

func (f *fakeStore) FindStuckSessions(ctx context.Context, cutoff time.Time) ([]models.InterviewSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.InterviewSession
	for _, s := range f.sessions {
		if s.Status != constants.SessionStatusInProgress {
			continue
		}
		if s.StartedAt == nil || !s.StartedAt.Before(cutoff) {
			continue
		}
		hasResponse := false
		for _, r := range f.responses {
			if r.SessionID == s.SessionID {
				hasResponse = true
				break
			}
		}
		if !hasResponse {
			out = append(out, *s)
		}
	}
	return out, nil
}

func (f *fakeStore) CreateOutboxMessage(ctx context.Context, tx *gorm.DB, msg *models.OutboxMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	copied := *msg
	f.outbox = append(f.outbox, &copied)
	return nil
}

func (f *fakeStore) responseByNumber(sessionID string, questionNumber int) *models.ResponseRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range f.responses {
		if r.SessionID == sessionID && r.QuestionNumber == questionNumber {
			copied := *r
			return &copied
		}
	}
	return nil
}

func (f *fakeStore) outboxEventTypes() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var types []string
	for _, msg := range f.outbox {
		types = append(types, msg.EventType)
	}
	return types
}

// fakeLocker 锁永远立即可得，可配置为已持有或已见过回调
type fakeLocker struct {
	mu           sync.Mutex
	denyLock     bool
	seenCallback bool
	dedupKeys    []string
	removedKeys  []string
	acquired     int
	released     int
}

func (f *fakeLocker) AcquireLock(ctx context.Context, lockKey string, expiration time.Duration) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.denyLock {
		return "", nil
	}
	f.acquired++
	return "lock-token", nil
}

func (f *fakeLocker) ReleaseLock(ctx context.Context, lockKey string, lockValue string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.released++
	return true, nil
}

func (f *fakeLocker) CheckAndAddCallbackKey(ctx context.Context, callbackKey string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dedupKeys = append(f.dedupKeys, callbackKey)
	return f.seenCallback, nil
}

func (f *fakeLocker) RemoveCallbackKey(ctx context.Context, callbackKey string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removedKeys = append(f.removedKeys, callbackKey)
	return nil
}

type fakeDialer struct {
	callSID string
	err     error
	calls   int
	phones  []string
}

func (f *fakeDialer) InitiateCall(ctx context.Context, sessionID, toPhone string) (string, error) {
	f.calls++
	f.phones = append(f.phones, toPhone)
	if f.err != nil {
		return "", f.err
	}
	return f.callSID, nil
}

type fakeTranscriber struct {
	mu         sync.Mutex
	transcript string
	archiveKey string
	calls      int
}

func (f *fakeTranscriber) Transcribe(ctx context.Context, audioURL string) (string, string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.transcript, f.archiveKey
}

func (f *fakeTranscriber) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeEvaluator struct {
	mu              sync.Mutex
	score           float64
	feedback        string
	final           *evaluation.FinalEvaluation
	evaluateCalls   int
	recommendCalls  int
	lastTranscripts []string
}

func (f *fakeEvaluator) EvaluateResponse(ctx context.Context, question, transcript, resumeContext string) (float64, string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.evaluateCalls++
	f.lastTranscripts = append(f.lastTranscripts, transcript)
	return f.score, f.feedback
}

func (f *fakeEvaluator) GenerateRecommendation(ctx context.Context, responses []evaluation.ResponseSummary, resumeContext string) *evaluation.FinalEvaluation {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.recommendCalls++
	return f.final
}

func (f *fakeEvaluator) recommendCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.recommendCalls
}

type fakeQuestions struct {
	questions []string
	calls     int
}

func (f *fakeQuestions) GenerateQuestions(ctx context.Context, jobTitle, jobDescription, requirements string, count int) []string {
	f.calls++
	return f.questions
}

type serviceFixture struct {
	store       *fakeStore
	locker      *fakeLocker
	dialer      *fakeDialer
	transcriber *fakeTranscriber
	evaluator   *fakeEvaluator
	questions   *fakeQuestions
	service     *Service
}

func newServiceFixture(t *testing.T) *serviceFixture {
	t.Helper()
	f := &serviceFixture{
		store:       newFakeStore(),
		locker:      &fakeLocker{},
		dialer:      &fakeDialer{callSID: "CA00000000000000000000000000000001"},
		transcriber: &fakeTranscriber{transcript: "I have five years of backend experience.", archiveKey: "recordings/a.mp3"},
		evaluator: &fakeEvaluator{
			score:    7.5,
			feedback: "Solid answer with concrete detail.",
			final: &evaluation.FinalEvaluation{
				OverallScore:        7.5,
				Recommendation:      constants.RecommendationHire,
				Summary:             "Strong candidate overall.",
				Strengths:           []string{"clear communication"},
				AreasForImprovement: []string{"system design depth"},
			},
		},
		questions: &fakeQuestions{questions: []string{
			"Tell me about your experience.",
			"What are your strengths?",
			"Why this role?",
		}},
	}
	svc, err := NewService(
		f.store, f.locker, f.dialer, f.transcriber, f.evaluator, f.questions,
		telephony.NewTwiMLBuilder(120, 10),
		WithQuestionCount(3),
		WithWebhookBaseURL("https://screener.example.com"),
	)
	require.NoError(t, err, "创建服务不应失败")
	f.service = svc
	return f
}

func (f *serviceFixture) seedCandidateAndJob(t *testing.T) (string, string) {
	t.Helper()
	candidateID := newID(t)
	jobID := newID(t)
	resume := "Backend engineer, 5 years Go and MySQL."
	f.store.candidates[candidateID] = &models.Candidate{
		CandidateID: candidateID,
		Name:        "Alex Chen",
		Phone:       "+14155550100",
		ResumeText:  &resume,
	}
	f.store.jobs[jobID] = &models.JobDescription{
		JobID:        jobID,
		Title:        "Backend Engineer",
		Description:  "Build and operate Go services.",
		Requirements: "Go, MySQL, messaging",
	}
	return candidateID, jobID
}

func (f *serviceFixture) seedSession(t *testing.T, status string, callSID string, questions []string) *models.InterviewSession {
	t.Helper()
	sessionID := newID(t)
	questionsJSON, err := models.StringsToJSON(questions)
	require.NoError(t, err)
	session := &models.InterviewSession{
		SessionID:   sessionID,
		CandidateID: newID(t),
		JobID:       newID(t),
		Status:      status,
		Questions:   questionsJSON,
		ScheduledAt: time.Now(),
	}
	if callSID != "" {
		session.CallSID = &callSID
	}
	if status == constants.SessionStatusInProgress {
		started := time.Now().Add(-time.Minute)
		session.StartedAt = &started
	}
	f.store.sessions[sessionID] = session
	return session
}

func (f *serviceFixture) seedResponse(t *testing.T, sessionID string, questionNumber int, transcript string, score float64) *models.ResponseRecord {
	t.Helper()
	now := time.Now()
	record := &models.ResponseRecord{
		ResponseID:     newID(t),
		SessionID:      sessionID,
		QuestionNumber: questionNumber,
		QuestionText:   fmt.Sprintf("Question %d", questionNumber),
		Transcript:     transcript,
		Score:          &score,
		AnsweredAt:     &now,
	}
	f.store.responses = append(f.store.responses, record)
	return record
}

func newID(t *testing.T) string {
	t.Helper()
	id, err := uuid.NewV7()
	require.NoError(t, err)
	return id.String()
}

func waitForUpdates(t *testing.T, store *fakeStore, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-store.responseUpdated:
		case <-time.After(2 * time.Second):
			t.Fatalf("等待第%d次回答更新超时", i+1)
		}
	}
}

func TestStartInterview_Success(t *testing.T) {
	f := newServiceFixture(t)
	candidateID, jobID := f.seedCandidateAndJob(t)

	session, err := f.service.StartInterview(context.Background(), candidateID, jobID)
	require.NoError(t, err, "正常外呼不应报错")
	require.NotNil(t, session)

	assert.Equal(t, constants.SessionStatusPending, session.Status, "新会话应处于pending")
	require.NotNil(t, session.CallSID)
	assert.Equal(t, "CA00000000000000000000000000000001", *session.CallSID)

	stored := f.store.sessions[session.SessionID]
	require.NotNil(t, stored, "会话应已持久化")
	questions, err := stored.QuestionList()
	require.NoError(t, err)
	assert.Len(t, questions, 3, "问题应随会话持久化")

	assert.Equal(t, []string{"+14155550100"}, f.dialer.phones, "应拨打候选人登记的号码")
	assert.Contains(t, f.store.outboxEventTypes(), storage.EventInterviewScheduled, "应写入scheduled事件")
}

func TestStartInterview_CandidateNotFound(t *testing.T) {
	f := newServiceFixture(t)
	_, jobID := f.seedCandidateAndJob(t)

	_, err := f.service.StartInterview(context.Background(), newID(t), jobID)
	assert.ErrorIs(t, err, ErrCandidateNotFound)
	assert.Zero(t, f.dialer.calls, "不应发起外呼")
}

func TestStartInterview_DialFailureMarksFailed(t *testing.T) {
	f := newServiceFixture(t)
	candidateID, jobID := f.seedCandidateAndJob(t)
	f.dialer.err = errors.New("gateway unreachable")

	session, err := f.service.StartInterview(context.Background(), candidateID, jobID)
	require.Error(t, err, "外呼失败应向调用方报错")
	require.NotNil(t, session, "失败时也应返回会话供排查")

	stored := f.store.sessions[session.SessionID]
	require.NotNil(t, stored)
	assert.Equal(t, constants.SessionStatusFailed, stored.Status, "外呼失败会话应转failed")
	assert.NotNil(t, stored.CompletedAt, "终态必须盖completed_at")
	assert.Contains(t, f.store.outboxEventTypes(), storage.EventInterviewFailed, "外呼失败同样写入failed事件")
}

func TestHandleCallStatus_AnsweredPromotesSession(t *testing.T) {
	f := newServiceFixture(t)
	callSID := "CA1111"
	session := f.seedSession(t, constants.SessionStatusPending, callSID, f.questions.questions)

	err := f.service.HandleCallStatus(context.Background(), callSID, constants.CallStatusAnswered, nil, "", "")
	require.NoError(t, err)

	stored := f.store.sessions[session.SessionID]
	assert.Equal(t, constants.SessionStatusInProgress, stored.Status)
	assert.NotNil(t, stored.StartedAt, "进入in_progress应盖started_at")

	// 重复的answered回调不应报错也不应重置started_at
	firstStarted := *stored.StartedAt
	err = f.service.HandleCallStatus(context.Background(), callSID, constants.CallStatusAnswered, nil, "", "")
	require.NoError(t, err)
	assert.Equal(t, firstStarted, *f.store.sessions[session.SessionID].StartedAt)
}

func TestHandleCallStatus_CompletedWithResponses(t *testing.T) {
	f := newServiceFixture(t)
	callSID := "CA2222"
	session := f.seedSession(t, constants.SessionStatusInProgress, callSID, f.questions.questions)
	f.seedResponse(t, session.SessionID, 1, "answer one", 7)
	f.seedResponse(t, session.SessionID, 2, "answer two", 8)
	f.seedResponse(t, session.SessionID, 3, "answer three", 8)

	duration := 180
	err := f.service.HandleCallStatus(context.Background(), callSID, constants.CallStatusCompleted, &duration, "https://t/rec.mp3", "RE0123456789abcdef0123456789abcdef")
	require.NoError(t, err)

	stored := f.store.sessions[session.SessionID]
	assert.Equal(t, constants.SessionStatusCompleted, stored.Status)
	assert.NotNil(t, stored.CompletedAt)
	require.NotNil(t, stored.CallDurationSecs)
	assert.Equal(t, 180, *stored.CallDurationSecs)

	result := f.store.results[session.SessionID]
	require.NotNil(t, result, "有回答的完成会话应同步生成结果")
	assert.Equal(t, constants.RecommendationHire, result.Recommendation)
	assert.Contains(t, f.store.outboxEventTypes(), storage.EventInterviewCompleted)
}

func TestHandleCallStatus_CompletedPartialAnswersFails(t *testing.T) {
	f := newServiceFixture(t)
	callSID := "CA2223"
	session := f.seedSession(t, constants.SessionStatusInProgress, callSID, f.questions.questions)
	f.seedResponse(t, session.SessionID, 1, "answer one", 7)

	err := f.service.HandleCallStatus(context.Background(), callSID, constants.CallStatusCompleted, nil, "", "")
	require.NoError(t, err)

	stored := f.store.sessions[session.SessionID]
	assert.Equal(t, constants.SessionStatusFailed, stored.Status, "三题只答一题属于中途挂断，应判failed")
	assert.NotNil(t, stored.CompletedAt)
	assert.Nil(t, f.store.results[session.SessionID], "未完成的面试不应有结果")
	assert.Zero(t, f.evaluator.recommendCount(), "不应调用LLM生成结果")
	assert.Contains(t, f.store.outboxEventTypes(), storage.EventInterviewFailed)
}

func TestHandleCallStatus_SingleQuestionCompleted(t *testing.T) {
	f := newServiceFixture(t)
	callSID := "CA2224"
	session := f.seedSession(t, constants.SessionStatusInProgress, callSID, []string{"Tell me about your experience."})
	f.seedResponse(t, session.SessionID, 1, "answer one", 7)

	err := f.service.HandleCallStatus(context.Background(), callSID, constants.CallStatusCompleted, nil, "", "")
	require.NoError(t, err)

	stored := f.store.sessions[session.SessionID]
	assert.Equal(t, constants.SessionStatusCompleted, stored.Status, "单题面试答满一题即算完成")
	require.NotNil(t, f.store.results[session.SessionID])
}

func TestHandleCallStatus_CompletedWithoutResponses(t *testing.T) {
	f := newServiceFixture(t)
	callSID := "CA3333"
	session := f.seedSession(t, constants.SessionStatusInProgress, callSID, f.questions.questions)

	err := f.service.HandleCallStatus(context.Background(), callSID, constants.CallStatusCompleted, nil, "", "")
	require.NoError(t, err)

	stored := f.store.sessions[session.SessionID]
	assert.Equal(t, constants.SessionStatusFailed, stored.Status, "零回答的完成通话应判failed")
	assert.NotNil(t, stored.CompletedAt)
	assert.Nil(t, f.store.results[session.SessionID], "失败会话不应有结果")
	assert.Zero(t, f.evaluator.recommendCount(), "不应调用LLM生成结果")
}

func TestHandleCallStatus_TerminalSessionRejected(t *testing.T) {
	f := newServiceFixture(t)
	callSID := "CA4444"
	session := f.seedSession(t, constants.SessionStatusCompleted, callSID, f.questions.questions)
	done := time.Now()
	f.store.sessions[session.SessionID].CompletedAt = &done

	err := f.service.HandleCallStatus(context.Background(), callSID, constants.CallStatusFailed, nil, "", "")
	assert.ErrorIs(t, err, ErrTerminalState, "终态会话拒绝再变更")
	assert.Equal(t, constants.SessionStatusCompleted, f.store.sessions[session.SessionID].Status, "状态不应被改写")
}

func TestHandleCallStatus_UnknownCallSID(t *testing.T) {
	f := newServiceFixture(t)
	err := f.service.HandleCallStatus(context.Background(), "CA-missing", constants.CallStatusAnswered, nil, "", "")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestHandleCallStatus_DuplicateCallbackDeduped(t *testing.T) {
	f := newServiceFixture(t)
	f.locker.seenCallback = true
	callSID := "CA5555"
	session := f.seedSession(t, constants.SessionStatusPending, callSID, f.questions.questions)

	err := f.service.HandleCallStatus(context.Background(), callSID, constants.CallStatusAnswered, nil, "", "")
	require.NoError(t, err, "重复回调应静默吸收")
	assert.Equal(t, constants.SessionStatusPending, f.store.sessions[session.SessionID].Status, "重复回调不应推进状态机")
}

func TestHandleCallStatus_ProcessingFailureRevokesDedup(t *testing.T) {
	f := newServiceFixture(t)
	callSID := "CA5556"
	session := f.seedSession(t, constants.SessionStatusInProgress, callSID, f.questions.questions)
	f.store.txErr = errors.New("db connection lost")

	err := f.service.HandleCallStatus(context.Background(), callSID, constants.CallStatusCompleted, nil, "", "")
	require.Error(t, err, "事务失败应向上报错")
	assert.Contains(t, f.locker.removedKeys, "call-status:CA5556:completed", "处理失败必须撤销去重登记")
	assert.Equal(t, constants.SessionStatusInProgress, f.store.sessions[session.SessionID].Status)

	// 平台重试这条回调时不能再被去重集合挡掉
	f.store.txErr = nil
	err = f.service.HandleCallStatus(context.Background(), callSID, constants.CallStatusCompleted, nil, "", "")
	require.NoError(t, err)
	assert.True(t, f.store.sessions[session.SessionID].IsTerminal(), "重试回调应正常推进到终态")
}

func TestHandleCallStatus_BusyMarksFailed(t *testing.T) {
	f := newServiceFixture(t)
	callSID := "CA6666"
	session := f.seedSession(t, constants.SessionStatusPending, callSID, f.questions.questions)

	err := f.service.HandleCallStatus(context.Background(), callSID, constants.CallStatusBusy, nil, "", "")
	require.NoError(t, err)

	stored := f.store.sessions[session.SessionID]
	assert.Equal(t, constants.SessionStatusFailed, stored.Status)
	assert.NotNil(t, stored.CompletedAt)
	assert.Contains(t, f.store.outboxEventTypes(), storage.EventInterviewFailed)
}

func TestHandleRecording_FirstAnswer(t *testing.T) {
	f := newServiceFixture(t)
	session := f.seedSession(t, constants.SessionStatusInProgress, "CA7777", f.questions.questions)

	twiml := f.service.HandleRecording(context.Background(), session.SessionID, 1, "https://t/Recordings/RE0123456789abcdef0123456789abcdef")

	assert.Contains(t, twiml, "What are your strengths?", "应播报第二个问题")
	assert.Contains(t, twiml, "record-response?session_id="+session.SessionID+"&amp;question_number=2", "录音回调应指向下一题")

	record := f.store.responseByNumber(session.SessionID, 1)
	require.NotNil(t, record, "回答记录应已创建")
	assert.Equal(t, "Tell me about your experience.", record.QuestionText)

	// 等异步流水线: 先写转写，再写评分
	waitForUpdates(t, f.store, 2)
	record = f.store.responseByNumber(session.SessionID, 1)
	assert.Equal(t, "I have five years of backend experience.", record.Transcript)
	require.NotNil(t, record.Score)
	assert.Equal(t, 7.5, *record.Score)
	assert.Equal(t, "recordings/a.mp3", record.ArchiveObject)
	assert.Equal(t, "RE0123456789abcdef0123456789abcdef", record.RecordingSID)
}

func TestHandleRecording_DuplicateCallbackDoesNotReprocess(t *testing.T) {
	f := newServiceFixture(t)
	session := f.seedSession(t, constants.SessionStatusInProgress, "CA8888", f.questions.questions)

	url := "https://t/Recordings/RE0123456789abcdef0123456789abcdef"
	_ = f.service.HandleRecording(context.Background(), session.SessionID, 1, url)
	waitForUpdates(t, f.store, 2)

	twiml := f.service.HandleRecording(context.Background(), session.SessionID, 1, url)

	assert.Len(t, f.store.responses, 1, "重复回调不应创建第二条记录")
	assert.Equal(t, 1, f.transcriber.callCount(), "重复回调不应再次转写")
	assert.Contains(t, twiml, "What are your strengths?", "重复回调仍应推进到下一题")
}

func TestHandleRecording_PendingSessionPromoted(t *testing.T) {
	f := newServiceFixture(t)
	session := f.seedSession(t, constants.SessionStatusPending, "CA9999", f.questions.questions)

	_ = f.service.HandleRecording(context.Background(), session.SessionID, 1, "https://t/Recordings/RE0123456789abcdef0123456789abcdef")

	stored := f.store.sessions[session.SessionID]
	assert.Equal(t, constants.SessionStatusInProgress, stored.Status, "录音先于状态回调到达时应自动推进")
	assert.NotNil(t, stored.StartedAt)
	waitForUpdates(t, f.store, 2)
}

func TestHandleRecording_LastAnswerSaysFarewell(t *testing.T) {
	f := newServiceFixture(t)
	session := f.seedSession(t, constants.SessionStatusInProgress, "CAaaaa", f.questions.questions)
	f.seedResponse(t, session.SessionID, 1, "one", 7)
	f.seedResponse(t, session.SessionID, 2, "two", 7)

	twiml := f.service.HandleRecording(context.Background(), session.SessionID, 3, "https://t/Recordings/RE0123456789abcdef0123456789abcdef")

	assert.Contains(t, twiml, "Goodbye!", "最后一题后应致谢告别")
	assert.Contains(t, twiml, "<Hangup", "告别后应挂断")
	waitForUpdates(t, f.store, 2)
}

func TestHandleRecording_TerminalSessionIgnored(t *testing.T) {
	f := newServiceFixture(t)
	session := f.seedSession(t, constants.SessionStatusFailed, "CAbbbb", f.questions.questions)

	twiml := f.service.HandleRecording(context.Background(), session.SessionID, 1, "https://t/rec")

	assert.Contains(t, twiml, "Goodbye!", "终态会话直接告别")
	assert.Empty(t, f.store.responses, "终态会话不应再落回答")
	assert.Zero(t, f.transcriber.callCount())
}

func TestHandleRecording_UnknownSession(t *testing.T) {
	f := newServiceFixture(t)
	twiml := f.service.HandleRecording(context.Background(), newID(t), 1, "https://t/rec")
	assert.Contains(t, twiml, "technical difficulties", "查不到会话时返回故障提示")
}

func TestVoicePrompt_FirstQuestionGreeting(t *testing.T) {
	f := newServiceFixture(t)
	session := f.seedSession(t, constants.SessionStatusInProgress, "CAcccc", f.questions.questions)

	twiml := f.service.VoicePrompt(context.Background(), session.SessionID, 1)

	assert.Contains(t, twiml, "Welcome to your automated interview")
	assert.Contains(t, twiml, "Tell me about your experience.")
	assert.Contains(t, twiml, "record-response?session_id="+session.SessionID+"&amp;question_number=1")
}

func TestVoicePrompt_UnknownSession(t *testing.T) {
	f := newServiceFixture(t)
	twiml := f.service.VoicePrompt(context.Background(), newID(t), 1)
	assert.Contains(t, twiml, "technical difficulties")
}

func TestVoicePrompt_QuestionNumberBeyondList(t *testing.T) {
	f := newServiceFixture(t)
	session := f.seedSession(t, constants.SessionStatusInProgress, "CAdddd", f.questions.questions)
	twiml := f.service.VoicePrompt(context.Background(), session.SessionID, 4)
	assert.Contains(t, twiml, "Goodbye!", "越界题号直接告别")
}

func TestGenerateResult_Success(t *testing.T) {
	f := newServiceFixture(t)
	session := f.seedSession(t, constants.SessionStatusCompleted, "CAeeee", f.questions.questions)
	f.seedResponse(t, session.SessionID, 1, "good answer", 8)

	err := f.service.GenerateResult(context.Background(), session.SessionID)
	require.NoError(t, err)

	result := f.store.results[session.SessionID]
	require.NotNil(t, result)
	assert.Equal(t, 7.5, result.OverallScore)
	assert.Equal(t, constants.RecommendationHire, result.Recommendation)
	assert.Equal(t, "Strong candidate overall.", result.Summary)
	assert.Equal(t, 1, f.locker.acquired, "应获取结果生成锁")
	assert.Equal(t, 1, f.locker.released, "锁应释放")
}

func TestGenerateResult_AlreadyExists(t *testing.T) {
	f := newServiceFixture(t)
	session := f.seedSession(t, constants.SessionStatusCompleted, "CAffff", f.questions.questions)
	f.store.results[session.SessionID] = &models.InterviewResult{
		ResultID:  newID(t),
		SessionID: session.SessionID,
	}

	err := f.service.GenerateResult(context.Background(), session.SessionID)
	require.NoError(t, err, "已存在视为成功")
	assert.Zero(t, f.evaluator.recommendCount(), "不应再调用LLM")
}

func TestGenerateResult_LockHeldByOther(t *testing.T) {
	f := newServiceFixture(t)
	f.locker.denyLock = true
	session := f.seedSession(t, constants.SessionStatusCompleted, "CA0001", f.questions.questions)
	f.seedResponse(t, session.SessionID, 1, "answer", 7)

	err := f.service.GenerateResult(context.Background(), session.SessionID)
	require.NoError(t, err, "锁被占用时静默让出")
	assert.Nil(t, f.store.results[session.SessionID])
	assert.Zero(t, f.evaluator.recommendCount())
}

func TestGenerateResult_ConcurrentInsertTolerated(t *testing.T) {
	f := newServiceFixture(t)
	session := f.seedSession(t, constants.SessionStatusCompleted, "CA0002", f.questions.questions)
	f.seedResponse(t, session.SessionID, 1, "answer", 7)
	f.store.createResultErr = storage.ErrResultExists

	err := f.service.GenerateResult(context.Background(), session.SessionID)
	assert.NoError(t, err, "唯一索引冲突视为并发写入成功")
}

func TestGenerateResult_NoResponses(t *testing.T) {
	f := newServiceFixture(t)
	session := f.seedSession(t, constants.SessionStatusCompleted, "CA0003", f.questions.questions)

	err := f.service.GenerateResult(context.Background(), session.SessionID)
	assert.Error(t, err, "零回答会话不可能有结果")
	assert.Nil(t, f.store.results[session.SessionID])
}

func TestGenerateResult_DeferredWhileTranscriptInFlight(t *testing.T) {
	f := newServiceFixture(t)
	session := f.seedSession(t, constants.SessionStatusCompleted, "CA9911", []string{"Tell me about your experience."})
	now := time.Now()
	f.store.responses = append(f.store.responses, &models.ResponseRecord{
		ResponseID:     newID(t),
		SessionID:      session.SessionID,
		QuestionNumber: 1,
		QuestionText:   "Tell me about your experience.",
		Transcript:     constants.TranscriptProcessing,
		AnsweredAt:     &now,
	})

	err := f.service.GenerateResult(context.Background(), session.SessionID)
	require.ErrorIs(t, err, ErrTranscriptsPending, "占位转写未落库前不应生成结果")
	assert.Nil(t, f.store.results[session.SessionID])
	assert.Zero(t, f.evaluator.recommendCount(), "不应拿占位文本去评估")

	// 后台流水线落库后，后备消费者的重试应能成功
	require.NoError(t, f.store.UpdateResponseRecord(context.Background(), f.store.responses[0].ResponseID, map[string]interface{}{
		"transcript": "I have five years of backend experience.",
		"score":      7.5,
	}))
	require.NoError(t, f.service.GenerateResult(context.Background(), session.SessionID))
	require.NotNil(t, f.store.results[session.SessionID])
}

func TestCreateJob_GeneratesQuestionsOnce(t *testing.T) {
	f := newServiceFixture(t)

	jd, created, err := f.service.CreateJob(context.Background(), "Backend Engineer", "Build and operate Go services.", "Go, MySQL")
	require.NoError(t, err)
	assert.True(t, created, "首次提交应新建岗位")
	questions, err := jd.QuestionList()
	require.NoError(t, err)
	assert.Len(t, questions, 3, "问题应在创建时生成并固定")

	again, created, err := f.service.CreateJob(context.Background(), "BACKEND ENGINEER", "Build and operate Go services.", "Go, MySQL")
	require.NoError(t, err)
	assert.False(t, created, "重复提交应命中已有岗位")
	assert.Equal(t, jd.JobID, again.JobID, "大小写不同的同内容岗位应视为同一条")
	assert.Equal(t, 1, f.questions.calls, "重复提交不应再调用问题生成")
}

func TestStartInterview_UsesJobQuestions(t *testing.T) {
	f := newServiceFixture(t)
	candidateID, _ := f.seedCandidateAndJob(t)

	jd, _, err := f.service.CreateJob(context.Background(), "Platform Engineer", "Run the platform.", "Go")
	require.NoError(t, err)
	generatorCalls := f.questions.calls

	session, err := f.service.StartInterview(context.Background(), candidateID, jd.JobID)
	require.NoError(t, err)
	assert.Equal(t, generatorCalls, f.questions.calls, "发起面试应复用岗位固定的问题列表")

	stored := f.store.sessions[session.SessionID]
	questions, err := stored.QuestionList()
	require.NoError(t, err)
	assert.Equal(t, []string{
		"Tell me about your experience.",
		"What are your strengths?",
		"Why this role?",
	}, questions)
}

func TestSweepStuck_ClosesAbandonedSessions(t *testing.T) {
	f := newServiceFixture(t)
	stuck := f.seedSession(t, constants.SessionStatusInProgress, "CA0004", f.questions.questions)
	longAgo := time.Now().Add(-30 * time.Minute)
	f.store.sessions[stuck.SessionID].StartedAt = &longAgo

	active := f.seedSession(t, constants.SessionStatusInProgress, "CA0005", f.questions.questions)
	activeStart := time.Now().Add(-30 * time.Minute)
	f.store.sessions[active.SessionID].StartedAt = &activeStart
	f.seedResponse(t, active.SessionID, 1, "still talking", 7)

	err := f.service.SweepStuck(context.Background())
	require.NoError(t, err)

	assert.Equal(t, constants.SessionStatusFailed, f.store.sessions[stuck.SessionID].Status, "零回答超时会话应被关闭")
	assert.NotNil(t, f.store.sessions[stuck.SessionID].CompletedAt)
	assert.Equal(t, constants.SessionStatusInProgress, f.store.sessions[active.SessionID].Status, "有回答的会话不动")
	assert.Contains(t, f.store.outboxEventTypes(), storage.EventInterviewFailed)
}

func TestSweepStuck_RecentSessionsUntouched(t *testing.T) {
	f := newServiceFixture(t)
	recent := f.seedSession(t, constants.SessionStatusInProgress, "CA0006", f.questions.questions)
	justNow := time.Now().Add(-time.Minute)
	f.store.sessions[recent.SessionID].StartedAt = &justNow

	err := f.service.SweepStuck(context.Background())
	require.NoError(t, err)
	assert.Equal(t, constants.SessionStatusInProgress, f.store.sessions[recent.SessionID].Status)
}

func TestSweepStuck_LockHeldByOtherInstance(t *testing.T) {
	f := newServiceFixture(t)
	f.locker.denyLock = true
	stuck := f.seedSession(t, constants.SessionStatusInProgress, "CA0007", f.questions.questions)
	longAgo := time.Now().Add(-30 * time.Minute)
	f.store.sessions[stuck.SessionID].StartedAt = &longAgo

	err := f.service.SweepStuck(context.Background())
	require.NoError(t, err)
	assert.Equal(t, constants.SessionStatusInProgress, f.store.sessions[stuck.SessionID].Status, "没抢到锁就不动会话")
}

func TestOutboxEventPayload(t *testing.T) {
	f := newServiceFixture(t)
	candidateID, jobID := f.seedCandidateAndJob(t)

	session, err := f.service.StartInterview(context.Background(), candidateID, jobID)
	require.NoError(t, err)

	require.NotEmpty(t, f.store.outbox)
	msg := f.store.outbox[0]
	assert.Equal(t, storage.EventInterviewScheduled, msg.EventType)
	assert.Equal(t, session.SessionID, msg.AggregateID)
	assert.True(t, strings.Contains(string(msg.Payload), session.SessionID), "payload应携带会话ID")
}
