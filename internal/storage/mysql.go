package storage

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"ai-screener-go/internal/config"
	"ai-screener-go/internal/constants"
	"ai-screener-go/internal/storage/models"

	"github.com/gofrs/uuid/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

var mysqlTracer = otel.Tracer("ai-screener-go/storage/mysql")

// GormTracingPlugin GORM插件，向OpenTelemetry上报数据库操作
type GormTracingPlugin struct {
	tracer         trace.Tracer
	dbName         string
	dbSystem       string
	disableErrSkip bool
}

// Name 返回插件名称
func (p *GormTracingPlugin) Name() string {
	return "GormOpenTelemetryPlugin"
}

// Initialize 注册GORM回调以启用追踪
func (p *GormTracingPlugin) Initialize(db *gorm.DB) error {
	cb := db.Callback()

	if err := cb.Create().Before("gorm:create").Register("otel:before_create", p.before("CREATE")); err != nil {
		return err
	}
	if err := cb.Create().After("gorm:create").Register("otel:after_create", p.after()); err != nil {
		return err
	}

	if err := cb.Query().Before("gorm:query").Register("otel:before_query", p.before("SELECT")); err != nil {
		return err
	}
	if err := cb.Query().After("gorm:query").Register("otel:after_query", p.after()); err != nil {
		return err
	}

	if err := cb.Update().Before("gorm:update").Register("otel:before_update", p.before("UPDATE")); err != nil {
		return err
	}
	if err := cb.Update().After("gorm:update").Register("otel:after_update", p.after()); err != nil {
		return err
	}

	if err := cb.Delete().Before("gorm:delete").Register("otel:before_delete", p.before("DELETE")); err != nil {
		return err
	}
	if err := cb.Delete().After("gorm:delete").Register("otel:after_delete", p.after()); err != nil {
		return err
	}

	if err := cb.Row().Before("gorm:row").Register("otel:before_row", p.before("ROW")); err != nil {
		return err
	}
	if err := cb.Row().After("gorm:row").Register("otel:after_row", p.after()); err != nil {
		return err
	}

	if err := cb.Raw().Before("gorm:raw").Register("otel:before_raw", p.before("RAW")); err != nil {
		return err
	}
	if err := cb.Raw().After("gorm:raw").Register("otel:after_raw", p.after()); err != nil {
		return err
	}

	return nil
}

// before 返回GORM操作前的回调
func (p *GormTracingPlugin) before(operation string) func(db *gorm.DB) {
	return func(db *gorm.DB) {
		if p.disableErrSkip && db.Statement.SkipHooks {
			return
		}

		ctx := db.Statement.Context
		if ctx == nil {
			ctx = context.Background()
		}

		tableName := db.Statement.Table
		if tableName == "" {
			tableName = "unknown"
		}

		spanName := fmt.Sprintf("%s %s", operation, tableName)
		opts := []trace.SpanStartOption{
			trace.WithSpanKind(trace.SpanKindClient),
			trace.WithAttributes(
				semconv.DBSystemMySQL,
				attribute.String("db.name", p.dbName),
				attribute.String("db.operation", operation),
				attribute.String("db.sql.table", tableName),
			),
		}

		if sqlStatement := db.Statement.SQL.String(); sqlStatement != "" {
			opts = append(opts, trace.WithAttributes(
				attribute.String("db.statement", sqlStatement),
			))
		}

		newCtx, span := p.tracer.Start(ctx, spanName, opts...)

		// span存入上下文，after回调中取出结束
		db.Statement.Context = context.WithValue(newCtx, "otel-span", span)
	}
}

// after 返回GORM操作后的回调
func (p *GormTracingPlugin) after() func(db *gorm.DB) {
	return func(db *gorm.DB) {
		span, ok := db.Statement.Context.Value("otel-span").(trace.Span)
		if !ok {
			return
		}
		defer span.End()

		if db.Statement.RowsAffected > 0 {
			span.SetAttributes(attribute.Int64("db.rows_affected", db.Statement.RowsAffected))
		} else {
			span.SetAttributes(attribute.Int64("db.rows_affected", 0))
		}

		// ErrRecordNotFound属于正常业务分支，不作为错误上报
		if db.Error != nil {
			if errors.Is(db.Error, gorm.ErrRecordNotFound) {
				span.SetAttributes(attribute.String("error.type", "record_not_found"))
				span.SetStatus(codes.Ok, "record not found")
			} else {
				span.SetAttributes(attribute.String("error.type", "database_error"))
				span.SetAttributes(attribute.String("error.message", db.Error.Error()))
				span.RecordError(db.Error)
				span.SetStatus(codes.Error, db.Error.Error())
			}
		} else {
			span.SetStatus(codes.Ok, "")
		}
	}
}

// NewGormTracingPlugin 创建GORM追踪插件
func NewGormTracingPlugin(dbName string) *GormTracingPlugin {
	return &GormTracingPlugin{
		tracer:         mysqlTracer,
		dbName:         dbName,
		dbSystem:       "mysql",
		disableErrSkip: true,
	}
}

// WithDisableErrSkip 设置是否跳过SkipHooks语句的追踪
func (p *GormTracingPlugin) WithDisableErrSkip(disable bool) *GormTracingPlugin {
	p.disableErrSkip = disable
	return p
}

// Database 关系数据库接口
type Database interface {
	// DB 返回GORM数据库连接实例
	DB() *gorm.DB

	// Close 关闭数据库连接
	Close() error

	// Transaction 在事务中执行fn
	Transaction(ctx context.Context, fn func(tx *gorm.DB) error) error
}

// 确保MySQL实现了Database接口
var _ Database = (*MySQL)(nil)

// MySQL 提供关系数据库功能
type MySQL struct {
	db  *gorm.DB
	cfg *config.MySQLConfig
}

// NewMySQL 创建MySQL客户端
func NewMySQL(cfg *config.MySQLConfig) (*MySQL, error) {
	if cfg == nil {
		return nil, fmt.Errorf("MySQL配置不能为空")
	}

	// 构建DSN，附带超时设置
	dsn := fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?charset=utf8mb4&parseTime=True&loc=Local&timeout=%ds&readTimeout=%ds&writeTimeout=%ds",
		cfg.Username, cfg.Password, cfg.Host, cfg.Port, cfg.Database,
		cfg.ConnectTimeoutSeconds, cfg.ReadTimeoutSeconds, cfg.WriteTimeoutSeconds)

	var logLevel logger.LogLevel
	switch cfg.LogLevel {
	case 1:
		logLevel = logger.Silent
	case 2:
		logLevel = logger.Error
	case 3:
		logLevel = logger.Warn
	case 4:
		logLevel = logger.Info
	default:
		logLevel = logger.Info
	}

	gormConfig := &gorm.Config{
		DisableForeignKeyConstraintWhenMigrating: true,
		Logger:                                   logger.Default.LogMode(logLevel),
		PrepareStmt:                              true,
		TranslateError:                           true, // 把驱动错误翻译成gorm.ErrDuplicatedKey等
		NowFunc: func() time.Time {
			return time.Now().Local()
		},
	}

	db, err := gorm.Open(mysql.Open(dsn), gormConfig)
	if err != nil {
		return nil, fmt.Errorf("连接MySQL失败: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("获取底层 sql.DB 失败: %w", err)
	}

	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetConnMaxLifetime(time.Duration(cfg.ConnMaxLifetimeMinutes) * time.Minute)
	sqlDB.SetConnMaxIdleTime(time.Duration(cfg.ConnMaxIdleTimeMinutes) * time.Minute)

	m := &MySQL{
		db:  db,
		cfg: cfg,
	}

	// 注册OpenTelemetry追踪插件
	tracingPlugin := NewGormTracingPlugin(cfg.Database).WithDisableErrSkip(true)
	if err := db.Use(tracingPlugin); err != nil {
		return nil, fmt.Errorf("注册追踪插件失败: %w", err)
	}

	if err := m.autoMigrateSchema(); err != nil {
		if sqlDB, derr := db.DB(); derr == nil {
			sqlDB.Close()
		}
		return nil, fmt.Errorf("自动迁移数据库结构失败: %w", err)
	}

	log.Println("成功连接到MySQL并自动迁移数据库结构")
	return m, nil
}

// autoMigrateSchema 使用GORM自动迁移表结构，迁移期间关闭SQL日志
func (m *MySQL) autoMigrateSchema() error {
	currentLogger := m.db.Logger

	silentLogger := logger.New(
		log.New(log.Writer(), "", log.LstdFlags),
		logger.Config{
			SlowThreshold:             200 * time.Millisecond,
			LogLevel:                  logger.Silent,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)

	silentDB := m.db.Session(&gorm.Session{Logger: silentLogger})

	err := silentDB.AutoMigrate(
		&models.Candidate{},
		&models.JobDescription{},
		&models.InterviewSession{},
		&models.ResponseRecord{},
		&models.InterviewResult{},
		&models.OutboxMessage{},
	)

	m.db = m.db.Session(&gorm.Session{Logger: currentLogger})

	if err != nil {
		return fmt.Errorf("GORM自动迁移失败: %w", err)
	}
	return nil
}

// DB 返回GORM数据库连接实例
func (m *MySQL) DB() *gorm.DB {
	return m.db
}

// Close 关闭数据库连接
func (m *MySQL) Close() error {
	sqlDB, err := m.db.DB()
	if err != nil {
		return fmt.Errorf("获取底层 sql.DB 失败: %w", err)
	}
	return sqlDB.Close()
}

// Transaction 在事务中执行fn
func (m *MySQL) Transaction(ctx context.Context, fn func(tx *gorm.DB) error) error {
	return m.db.WithContext(ctx).Transaction(fn)
}

// FindOrCreateCandidate 按手机号查找候选人，不存在则创建
// 传入tx时在事务内执行，保证与其它写入的原子性
func (m *MySQL) FindOrCreateCandidate(ctx context.Context, tx *gorm.DB, name, phone, email string) (*models.Candidate, error) {
	ctx, span := mysqlTracer.Start(ctx, "FindOrCreateCandidate", trace.WithAttributes(
		attribute.String("candidate.phone", phone),
	))
	defer span.End()

	if phone == "" {
		err := fmt.Errorf("候选人手机号不能为空")
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	db := m.db
	if tx != nil {
		db = tx
	}

	var candidate models.Candidate
	err := db.WithContext(ctx).Where("phone = ?", phone).First(&candidate).Error
	if err == nil {
		span.SetAttributes(attribute.Bool("candidate.found", true), attribute.String("candidate.id", candidate.CandidateID))
		return &candidate, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to query candidate")
		return nil, fmt.Errorf("查询候选人失败: %w", err)
	}

	span.SetAttributes(attribute.Bool("candidate.found", false))

	newUUID, err := uuid.NewV7()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to generate UUIDv7")
		return nil, fmt.Errorf("生成UUIDv7失败: %w", err)
	}

	newCandidate := &models.Candidate{
		CandidateID: newUUID.String(),
		Name:        name,
		Phone:       phone,
		Email:       email,
	}

	if err := db.WithContext(ctx).Create(newCandidate).Error; err != nil {
		// 唯一索引冲突说明并发写入已创建，重查一次
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			if qerr := db.WithContext(ctx).Where("phone = ?", phone).First(&candidate).Error; qerr == nil {
				return &candidate, nil
			}
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to create candidate")
		return nil, fmt.Errorf("创建候选人失败: %w", err)
	}

	span.SetAttributes(attribute.String("candidate.id", newCandidate.CandidateID))
	return newCandidate, nil
}

// GetCandidateByID 通过CandidateID获取候选人
func (m *MySQL) GetCandidateByID(ctx context.Context, candidateID string) (*models.Candidate, error) {
	var candidate models.Candidate
	if err := m.db.WithContext(ctx).Where("candidate_id = ?", candidateID).First(&candidate).Error; err != nil {
		return nil, err
	}
	return &candidate, nil
}

// ListCandidates 按创建时间倒序列出候选人
func (m *MySQL) ListCandidates(ctx context.Context, limit, offset int) ([]models.Candidate, error) {
	var candidates []models.Candidate
	err := m.db.WithContext(ctx).Order("created_at DESC").Limit(limit).Offset(offset).Find(&candidates).Error
	if err != nil {
		return nil, fmt.Errorf("查询候选人列表失败: %w", err)
	}
	return candidates, nil
}

// UpdateCandidateResumeText 补录候选人简历文本
func (m *MySQL) UpdateCandidateResumeText(ctx context.Context, candidateID, resumeText string) error {
	result := m.db.WithContext(ctx).Model(&models.Candidate{}).
		Where("candidate_id = ?", candidateID).
		Update("resume_text", resumeText)
	if result.Error != nil {
		return fmt.Errorf("更新简历文本失败: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

// CreateJobDescription 创建岗位描述
func (m *MySQL) CreateJobDescription(ctx context.Context, jd *models.JobDescription) error {
	if jd.JobID == "" {
		newUUID, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("生成UUIDv7失败: %w", err)
		}
		jd.JobID = newUUID.String()
	}
	if err := m.db.WithContext(ctx).Create(jd).Error; err != nil {
		return fmt.Errorf("创建岗位描述失败: %w", err)
	}
	return nil
}

// GetJobDescriptionByID 通过JobID获取岗位描述
// GetJobDescriptionByDigest 按内容摘要查岗位，用于(title, description)去重
func (m *MySQL) GetJobDescriptionByDigest(ctx context.Context, digest string) (*models.JobDescription, error) {
	var jd models.JobDescription
	if err := m.db.WithContext(ctx).Where("content_digest = ?", digest).First(&jd).Error; err != nil {
		return nil, err
	}
	return &jd, nil
}

func (m *MySQL) GetJobDescriptionByID(ctx context.Context, jobID string) (*models.JobDescription, error) {
	var jd models.JobDescription
	if err := m.db.WithContext(ctx).Where("job_id = ?", jobID).First(&jd).Error; err != nil {
		return nil, err
	}
	return &jd, nil
}

// ListJobDescriptions 按创建时间倒序列出岗位描述
func (m *MySQL) ListJobDescriptions(ctx context.Context, limit, offset int) ([]models.JobDescription, error) {
	var jds []models.JobDescription
	err := m.db.WithContext(ctx).Order("created_at DESC").Limit(limit).Offset(offset).Find(&jds).Error
	if err != nil {
		return nil, fmt.Errorf("查询岗位列表失败: %w", err)
	}
	return jds, nil
}

// CreateInterviewSession 创建面试会话 (在事务中执行)
func (m *MySQL) CreateInterviewSession(ctx context.Context, tx *gorm.DB, session *models.InterviewSession) error {
	db := m.db
	if tx != nil {
		db = tx
	}
	if session.SessionID == "" {
		newUUID, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("生成UUIDv7失败: %w", err)
		}
		session.SessionID = newUUID.String()
	}
	if session.Status == "" {
		session.Status = constants.SessionStatusPending
	}
	if err := db.WithContext(ctx).Create(session).Error; err != nil {
		return fmt.Errorf("创建面试会话失败: %w", err)
	}
	return nil
}

// GetSessionByID 通过SessionID获取面试会话
func (m *MySQL) GetSessionByID(ctx context.Context, sessionID string) (*models.InterviewSession, error) {
	var session models.InterviewSession
	if err := m.db.WithContext(ctx).Preload("Candidate").Where("session_id = ?", sessionID).First(&session).Error; err != nil {
		return nil, err
	}
	return &session, nil
}

// GetSessionByCallSID 通过电话平台CallSID获取面试会话
func (m *MySQL) GetSessionByCallSID(ctx context.Context, callSID string) (*models.InterviewSession, error) {
	var session models.InterviewSession
	if err := m.db.WithContext(ctx).Where("call_sid = ?", callSID).First(&session).Error; err != nil {
		return nil, err
	}
	return &session, nil
}

// GetSessionDetail 获取面试会话及其回答记录和最终结果
func (m *MySQL) GetSessionDetail(ctx context.Context, sessionID string) (*models.InterviewSession, []models.ResponseRecord, *models.InterviewResult, error) {
	ctx, span := mysqlTracer.Start(ctx, "MySQL.GetSessionDetail", trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()
	span.SetAttributes(attribute.String("session.id", sessionID))

	session, err := m.GetSessionByID(ctx, sessionID)
	if err != nil {
		return nil, nil, nil, err
	}

	responses, err := m.ListResponsesBySession(ctx, sessionID)
	if err != nil {
		return nil, nil, nil, err
	}

	result, err := m.GetResultBySessionID(ctx, sessionID)
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil, nil, err
	}

	return session, responses, result, nil
}

// ListSessions 按创建时间倒序列出会话，status非空时按状态过滤
func (m *MySQL) ListSessions(ctx context.Context, status string, limit, offset int) ([]models.InterviewSession, error) {
	query := m.db.WithContext(ctx).Model(&models.InterviewSession{})
	if status != "" {
		query = query.Where("status = ?", status)
	}
	var sessions []models.InterviewSession
	if err := query.Order("created_at DESC").Limit(limit).Offset(offset).Find(&sessions).Error; err != nil {
		return nil, fmt.Errorf("查询会话列表失败: %w", err)
	}
	return sessions, nil
}

// UpdateSessionFields 更新会话的若干字段 (在事务中执行)
func (m *MySQL) UpdateSessionFields(ctx context.Context, tx *gorm.DB, sessionID string, updates map[string]interface{}) error {
	db := m.db
	if tx != nil {
		db = tx
	}
	if len(updates) == 0 {
		return nil
	}
	return db.WithContext(ctx).Model(&models.InterviewSession{}).Where("session_id = ?", sessionID).Updates(updates).Error
}

// LockSessionForUpdate 在事务内以行锁读取会话，供状态迁移使用
func (m *MySQL) LockSessionForUpdate(ctx context.Context, tx *gorm.DB, sessionID string) (*models.InterviewSession, error) {
	var session models.InterviewSession
	err := tx.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("session_id = ?", sessionID).
		First(&session).Error
	if err != nil {
		return nil, err
	}
	return &session, nil
}

// GetOrCreateResponseRecord 按(session, question_number)取回答记录，不存在则创建
// 唯一索引保证并发下不会产生重复行，冲突时重查返回已有记录
func (m *MySQL) GetOrCreateResponseRecord(ctx context.Context, tx *gorm.DB, record *models.ResponseRecord) (*models.ResponseRecord, bool, error) {
	ctx, span := mysqlTracer.Start(ctx, "MySQL.GetOrCreateResponseRecord", trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()
	span.SetAttributes(
		attribute.String("session.id", record.SessionID),
		attribute.Int("question.number", record.QuestionNumber),
	)

	db := m.db
	if tx != nil {
		db = tx
	}

	var existing models.ResponseRecord
	err := db.WithContext(ctx).
		Where("session_id = ? AND question_number = ?", record.SessionID, record.QuestionNumber).
		First(&existing).Error
	if err == nil {
		span.SetAttributes(attribute.Bool("response.created", false))
		return &existing, false, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		span.RecordError(err)
		return nil, false, fmt.Errorf("查询回答记录失败: %w", err)
	}

	if record.ResponseID == "" {
		newUUID, err := uuid.NewV7()
		if err != nil {
			return nil, false, fmt.Errorf("生成UUIDv7失败: %w", err)
		}
		record.ResponseID = newUUID.String()
	}

	if err := db.WithContext(ctx).Create(record).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			// 并发回调已抢先创建，取已有行
			if qerr := db.WithContext(ctx).
				Where("session_id = ? AND question_number = ?", record.SessionID, record.QuestionNumber).
				First(&existing).Error; qerr == nil {
				span.SetAttributes(attribute.Bool("response.created", false))
				return &existing, false, nil
			}
		}
		span.RecordError(err)
		return nil, false, fmt.Errorf("创建回答记录失败: %w", err)
	}

	span.SetAttributes(attribute.Bool("response.created", true))
	return record, true, nil
}

// UpdateResponseRecord 更新回答记录的若干字段
func (m *MySQL) UpdateResponseRecord(ctx context.Context, responseID string, updates map[string]interface{}) error {
	if len(updates) == 0 {
		return nil
	}
	return m.db.WithContext(ctx).Model(&models.ResponseRecord{}).Where("response_id = ?", responseID).Updates(updates).Error
}

// ListResponsesBySession 按题号升序列出会话的全部回答记录
func (m *MySQL) ListResponsesBySession(ctx context.Context, sessionID string) ([]models.ResponseRecord, error) {
	var responses []models.ResponseRecord
	err := m.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("question_number ASC").
		Find(&responses).Error
	if err != nil {
		return nil, fmt.Errorf("查询回答记录失败: %w", err)
	}
	return responses, nil
}

// CountResponsesBySession 统计会话已保存的回答记录数 (在事务中执行)
func (m *MySQL) CountResponsesBySession(ctx context.Context, tx *gorm.DB, sessionID string) (int64, error) {
	db := m.db
	if tx != nil {
		db = tx
	}
	var count int64
	err := db.WithContext(ctx).Model(&models.ResponseRecord{}).Where("session_id = ?", sessionID).Count(&count).Error
	if err != nil {
		return 0, fmt.Errorf("统计回答记录失败: %w", err)
	}
	return count, nil
}

// ErrResultExists 该会话已有最终结果
var ErrResultExists = errors.New("interview result already exists")

// CreateInterviewResult 创建最终结果，唯一索引保证每场至多一份
func (m *MySQL) CreateInterviewResult(ctx context.Context, tx *gorm.DB, result *models.InterviewResult) error {
	db := m.db
	if tx != nil {
		db = tx
	}
	if result.ResultID == "" {
		newUUID, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("生成UUIDv7失败: %w", err)
		}
		result.ResultID = newUUID.String()
	}
	if err := db.WithContext(ctx).Create(result).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return ErrResultExists
		}
		return fmt.Errorf("创建面试结果失败: %w", err)
	}
	return nil
}

// GetResultBySessionID 通过SessionID获取最终结果
func (m *MySQL) GetResultBySessionID(ctx context.Context, sessionID string) (*models.InterviewResult, error) {
	var result models.InterviewResult
	if err := m.db.WithContext(ctx).Where("session_id = ?", sessionID).First(&result).Error; err != nil {
		return nil, err
	}
	return &result, nil
}

// FindStuckSessions 找出启动超过cutoff且没有任何回答记录的进行中会话
func (m *MySQL) FindStuckSessions(ctx context.Context, cutoff time.Time) ([]models.InterviewSession, error) {
	ctx, span := mysqlTracer.Start(ctx, "MySQL.FindStuckSessions", trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()

	var sessions []models.InterviewSession
	err := m.db.WithContext(ctx).
		Where("status = ?", constants.SessionStatusInProgress).
		Where("started_at IS NOT NULL AND started_at < ?", cutoff).
		Where("NOT EXISTS (SELECT 1 FROM response_records r WHERE r.session_id = interview_sessions.session_id)").
		Find(&sessions).Error
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("查询滞留会话失败: %w", err)
	}
	span.SetAttributes(attribute.Int("stuck.count", len(sessions)))
	return sessions, nil
}

// CreateOutboxMessage 写入发件箱消息 (在事务中执行)
func (m *MySQL) CreateOutboxMessage(ctx context.Context, tx *gorm.DB, msg *models.OutboxMessage) error {
	db := m.db
	if tx != nil {
		db = tx
	}
	if err := db.WithContext(ctx).Create(msg).Error; err != nil {
		return fmt.Errorf("写入发件箱消息失败: %w", err)
	}
	return nil
}
