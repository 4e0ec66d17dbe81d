package models

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"
	"time"

	"gorm.io/datatypes"
)

// Candidate 候选人主表
type Candidate struct {
	CandidateID string    `gorm:"type:char(36);primaryKey"`
	Name        string    `gorm:"type:varchar(255);not null"`
	Phone       string    `gorm:"type:varchar(50);not null;uniqueIndex:idx_candidates_phone_unique"` // E.164格式
	Email       string    `gorm:"type:varchar(255)"`
	ResumeText  *string   `gorm:"type:longtext"` // 可空，简历原文由外部系统补录
	CreatedAt   time.Time `gorm:"type:datetime(6);default:CURRENT_TIMESTAMP(6)"`
	UpdatedAt   time.Time `gorm:"type:datetime(6);default:CURRENT_TIMESTAMP(6);autoUpdateTime"`
}

func (Candidate) TableName() string {
	return "candidates"
}

// JobDescription 岗位描述表。
// (title, description)按摘要去重，问题列表在创建时生成后不再变更。
type JobDescription struct {
	JobID         string         `gorm:"type:char(36);primaryKey"`
	Title         string         `gorm:"type:varchar(255);not null"`
	Description   string         `gorm:"type:longtext;not null"`
	Requirements  string         `gorm:"type:longtext"`
	ContentDigest string         `gorm:"type:char(64);not null;uniqueIndex:idx_jobs_content_digest"` // sha256(lower(title)+"\n"+lower(description))
	Questions     datatypes.JSON `gorm:"type:json"`                                                  // 字符串数组，按提问顺序
	CreatedAt     time.Time      `gorm:"type:datetime(6);default:CURRENT_TIMESTAMP(6)"`
}

func (JobDescription) TableName() string {
	return "job_descriptions"
}

// QuestionList 解码岗位的固定问题列表
func (j *JobDescription) QuestionList() ([]string, error) {
	if len(j.Questions) == 0 {
		return nil, nil
	}
	var qs []string
	if err := json.Unmarshal(j.Questions, &qs); err != nil {
		return nil, err
	}
	return qs, nil
}

// JobContentDigest 计算岗位内容摘要，大小写不敏感
func JobContentDigest(title, description string) string {
	normalized := strings.ToLower(strings.TrimSpace(title)) + "\n" + strings.ToLower(strings.TrimSpace(description))
	sum := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:])
}

// InterviewSession 面试会话表，status只允许 pending/in_progress/completed/failed
type InterviewSession struct {
	SessionID        string         `gorm:"type:char(36);primaryKey"`
	CandidateID      string         `gorm:"type:char(36);not null;index:idx_sessions_candidate_id"`
	JobID            string         `gorm:"type:char(36);not null;index:idx_sessions_job_id"`
	Status           string         `gorm:"type:varchar(20);not null;default:'pending';index:idx_sessions_status"`
	Questions        datatypes.JSON `gorm:"type:json"` // 字符串数组，按提问顺序
	CallSID          *string        `gorm:"type:varchar(64);index:idx_sessions_call_sid"`
	RecordingSID     *string        `gorm:"type:varchar(64)"`
	AudioURL         *string        `gorm:"type:varchar(1024)"` // 整通录音地址（电话平台侧）
	CallDurationSecs *int           `gorm:"type:int"`
	ScheduledAt      time.Time      `gorm:"type:datetime(6);default:CURRENT_TIMESTAMP(6)"`
	StartedAt        *time.Time     `gorm:"type:datetime(6)"`
	CompletedAt      *time.Time     `gorm:"type:datetime(6)"` // 进入终态时写入，含失败
	CreatedAt        time.Time      `gorm:"type:datetime(6);default:CURRENT_TIMESTAMP(6)"`
	UpdatedAt        time.Time      `gorm:"type:datetime(6);default:CURRENT_TIMESTAMP(6);autoUpdateTime"`

	Candidate *Candidate      `gorm:"foreignKey:CandidateID;references:CandidateID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
	Job       *JobDescription `gorm:"foreignKey:JobID;references:JobID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
}

func (InterviewSession) TableName() string {
	return "interview_sessions"
}

// IsTerminal 会话是否已处于终态
func (s *InterviewSession) IsTerminal() bool {
	return s.Status == "completed" || s.Status == "failed"
}

// QuestionList 解码questions列为字符串切片
func (s *InterviewSession) QuestionList() ([]string, error) {
	if len(s.Questions) == 0 {
		return nil, nil
	}
	var qs []string
	if err := json.Unmarshal(s.Questions, &qs); err != nil {
		return nil, err
	}
	return qs, nil
}

// ResponseRecord 单题回答记录表
// (session_id, question_number) 唯一，重复回调只会更新已有行
type ResponseRecord struct {
	ResponseID     string     `gorm:"type:char(36);primaryKey"`
	SessionID      string     `gorm:"type:char(36);not null;index:idx_responses_session_id;uniqueIndex:idx_responses_session_question,priority:1"`
	QuestionNumber int        `gorm:"not null;uniqueIndex:idx_responses_session_question,priority:2"` // 从1开始
	QuestionText   string     `gorm:"type:text;not null"`
	Transcript     string     `gorm:"type:longtext"`
	AudioURL       string     `gorm:"type:varchar(1024)"`
	RecordingSID   string     `gorm:"type:varchar(64)"`
	ArchiveObject  string     `gorm:"type:varchar(512)"` // 对象存储归档键，归档失败时为空
	Score          *float64   `gorm:"type:float"`        // 0-10，评估完成前为NULL
	Feedback       string     `gorm:"type:text"`
	AnsweredAt     *time.Time `gorm:"type:datetime(6)"`
	CreatedAt      time.Time  `gorm:"type:datetime(6);default:CURRENT_TIMESTAMP(6)"`
	UpdatedAt      time.Time  `gorm:"type:datetime(6);default:CURRENT_TIMESTAMP(6);autoUpdateTime"`

	Session *InterviewSession `gorm:"foreignKey:SessionID;references:SessionID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
}

func (ResponseRecord) TableName() string {
	return "response_records"
}

// InterviewResult 面试最终结果表，session_id唯一保证每场至多一份
type InterviewResult struct {
	ResultID            string         `gorm:"type:char(36);primaryKey"`
	SessionID           string         `gorm:"type:char(36);not null;uniqueIndex:idx_results_session_unique"`
	OverallScore        float64        `gorm:"type:float;not null"`
	Recommendation      string         `gorm:"type:varchar(20);not null"` // hire/consider/no_hire
	Summary             string         `gorm:"type:text"`
	Strengths           datatypes.JSON `gorm:"type:json"` // 字符串数组
	AreasForImprovement datatypes.JSON `gorm:"type:json"` // 字符串数组
	CreatedAt           time.Time      `gorm:"type:datetime(6);default:CURRENT_TIMESTAMP(6)"`

	Session *InterviewSession `gorm:"foreignKey:SessionID;references:SessionID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
}

func (InterviewResult) TableName() string {
	return "interview_results"
}

// OutboxMessage 事务性发件箱表，由中继轮询投递到消息队列
type OutboxMessage struct {
	MessageID    uint64         `gorm:"primaryKey;autoIncrement"`
	EventType    string         `gorm:"type:varchar(100);not null;index:idx_outbox_event_type"`
	AggregateID  string         `gorm:"type:char(36);not null;index:idx_outbox_aggregate_id"`
	Exchange     string         `gorm:"type:varchar(255);not null"`
	RoutingKey   string         `gorm:"type:varchar(255);not null"`
	Payload      datatypes.JSON `gorm:"type:json;not null"`
	Status       string         `gorm:"type:varchar(20);not null;default:'pending';index:idx_outbox_status"`
	RetryCount   int            `gorm:"default:0"`
	LastError    string         `gorm:"type:text"`
	CreatedAt    time.Time      `gorm:"type:datetime(6);default:CURRENT_TIMESTAMP(6)"`
	DispatchedAt *time.Time     `gorm:"type:datetime(6)"`
}

func (OutboxMessage) TableName() string {
	return "outbox_messages"
}

// StringsToJSON 将字符串切片编码为datatypes.JSON
func StringsToJSON(ss []string) (datatypes.JSON, error) {
	if ss == nil {
		ss = []string{}
	}
	bytes, err := json.Marshal(ss)
	if err != nil {
		return nil, err
	}
	return bytes, nil
}

// JSONToStrings 将datatypes.JSON解码回字符串切片
func JSONToStrings(j datatypes.JSON) ([]string, error) {
	if len(j) == 0 {
		return nil, nil
	}
	var ss []string
	if err := json.Unmarshal(j, &ss); err != nil {
		return nil, err
	}
	return ss, nil
}

// MapToJSON 将map编码为datatypes.JSON
func MapToJSON(m map[string]interface{}) (datatypes.JSON, error) {
	bytes, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return bytes, nil
}
