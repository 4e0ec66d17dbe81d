package storage

import "time"

// 面试生命周期事件类型
const (
	EventInterviewScheduled = "interview.scheduled"
	EventInterviewCompleted = "interview.completed"
	EventInterviewFailed    = "interview.failed"
)

// InterviewEventMessage 面试生命周期事件，经发件箱中继发布到消息队列
type InterviewEventMessage struct {
	EventType   string    `json:"event_type"`             // interview.scheduled / interview.completed / interview.failed
	SessionID   string    `json:"session_id"`             // 面试会话ID
	CandidateID string    `json:"candidate_id,omitempty"` // 候选人ID
	JobID       string    `json:"job_id,omitempty"`       // 岗位ID
	CallSID     string    `json:"call_sid,omitempty"`     // 电话平台通话SID
	Status      string    `json:"status"`                 // 事件发生时的会话状态
	OccurredAt  time.Time `json:"occurred_at"`            // 事件时间
}
