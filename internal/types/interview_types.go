package types

import "time"

// 管理接口的请求与响应结构，字段命名与存储层解耦

// CreateCandidateRequest 登记候选人
type CreateCandidateRequest struct {
	Name       string `json:"name"`
	Phone      string `json:"phone"` // E.164格式
	Email      string `json:"email"`
	ResumeText string `json:"resume_text"` // 可选，简历原文
}

// CandidateResponse 候选人信息
type CandidateResponse struct {
	CandidateID string    `json:"candidate_id"`
	Name        string    `json:"name"`
	Phone       string    `json:"phone"`
	Email       string    `json:"email,omitempty"`
	HasResume   bool      `json:"has_resume"`
	CreatedAt   time.Time `json:"created_at"`
}

// UpdateResumeRequest 补录候选人简历文本
type UpdateResumeRequest struct {
	ResumeText string `json:"resume_text"`
}

// CreateJobRequest 创建岗位描述
type CreateJobRequest struct {
	Title        string `json:"title"`
	Description  string `json:"description"`
	Requirements string `json:"requirements"`
}

// JobResponse 岗位信息
type JobResponse struct {
	JobID        string    `json:"job_id"`
	Title        string    `json:"title"`
	Description  string    `json:"description"`
	Requirements string    `json:"requirements,omitempty"`
	Questions    []string  `json:"questions"` // 创建时固定的问题列表
	CreatedAt    time.Time `json:"created_at"`
}

// StartInterviewRequest 发起一场电话面试
type StartInterviewRequest struct {
	CandidateID string `json:"candidate_id"`
	JobID       string `json:"job_id"`
}

// SessionResponse 面试会话概要
type SessionResponse struct {
	SessionID        string     `json:"session_id"`
	CandidateID      string     `json:"candidate_id"`
	JobID            string     `json:"job_id"`
	Status           string     `json:"status"`
	Questions        []string   `json:"questions,omitempty"`
	CallSID          string     `json:"call_sid,omitempty"`
	CallDurationSecs *int       `json:"call_duration_secs,omitempty"`
	ScheduledAt      time.Time  `json:"scheduled_at"`
	StartedAt        *time.Time `json:"started_at,omitempty"`
	CompletedAt      *time.Time `json:"completed_at,omitempty"`
}

// ResponseRecordView 单题回答
type ResponseRecordView struct {
	QuestionNumber int        `json:"question_number"`
	QuestionText   string     `json:"question_text"`
	Transcript     string     `json:"transcript"`
	Score          *float64   `json:"score,omitempty"`
	Feedback       string     `json:"feedback,omitempty"`
	AnsweredAt     *time.Time `json:"answered_at,omitempty"`
}

// ResultView 最终面试结果
type ResultView struct {
	SessionID           string    `json:"session_id"`
	OverallScore        float64   `json:"overall_score"`
	Recommendation      string    `json:"recommendation"` // hire/consider/no_hire
	Summary             string    `json:"summary,omitempty"`
	Strengths           []string  `json:"strengths"`
	AreasForImprovement []string  `json:"areas_for_improvement"`
	CreatedAt           time.Time `json:"created_at"`
}

// SessionDetailResponse 会话详情，含全部回答与最终结果
type SessionDetailResponse struct {
	Session   SessionResponse      `json:"session"`
	Responses []ResponseRecordView `json:"responses"`
	Result    *ResultView          `json:"result,omitempty"`
}

// ErrorResponse 统一错误响应
type ErrorResponse struct {
	Error string `json:"error"`
}
