package constants

import "time"

// 面试会话状态
const (
	SessionStatusPending    = "pending"
	SessionStatusInProgress = "in_progress"
	SessionStatusCompleted  = "completed"
	SessionStatusFailed     = "failed"
)

// 电话平台回调的通话状态
const (
	CallStatusInitiated  = "initiated"
	CallStatusRinging    = "ringing"
	CallStatusAnswered   = "answered"
	CallStatusInProgress = "in-progress"
	CallStatusCompleted  = "completed"
	CallStatusFailed     = "failed"
	CallStatusBusy       = "busy"
	CallStatusNoAnswer   = "no-answer"
)

// 最终建议取值
const (
	RecommendationHire     = "hire"
	RecommendationConsider = "consider"
	RecommendationNoHire   = "no_hire"
)

// 转写占位与失败哨兵值
const (
	// TranscriptProcessing 回答记录创建时的占位转写文本
	TranscriptProcessing = "Processing..."
	// TranscriptUnavailable 下载或转写彻底失败时写入的文本
	TranscriptUnavailable = "Unable to transcribe audio"
	// TranscriptFailedPrefix 转写接口报错时写入的前缀，后接具体原因
	TranscriptFailedPrefix = "Transcription failed: "
)

// 评估失败时的保守默认值
const (
	DefaultScore             = 5.0
	DefaultFeedbackBadFormat = "Analysis completed but feedback format was unexpected."
	DefaultFeedbackNoService = "Unable to analyze response due to technical issues."
	DefaultFeedbackNoAnswer  = "No usable answer was captured for this question."
	DefaultSummary           = "Automated evaluation was unavailable for this interview. Manual review recommended."
)

// 清扫无应答会话的默认阈值
const DefaultStuckAfter = 15 * time.Minute

// DefaultQuestions 生成失败时补齐用的兜底问题
var DefaultQuestions = []string{
	"Can you tell me about your relevant experience for this role?",
	"What are your key strengths that would make you successful in this position?",
	"Describe a challenging project you worked on and how you handled it.",
	"What interests you most about this opportunity?",
	"Where do you see yourself professionally in the next few years?",
}

// LLM任务名，用于按任务选择模型
const (
	TaskQuestionGeneration = "question_generation"
	TaskResponseEvaluation = "response_evaluation"
	TaskFinalEvaluation    = "final_evaluation"
)
