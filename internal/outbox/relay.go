package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"ai-screener-go/internal/logger"
	"ai-screener-go/internal/storage"
	"ai-screener-go/internal/storage/models"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const (
	defaultPollingInterval = 5 * time.Second // 轮询outbox表的间隔
	defaultBatchSize       = 10              // 每次轮询处理的批量大小
	maxRetryCount          = 5               // 投递失败的最大重试次数
)

// 发件箱消息状态
const (
	StatusPending = "pending"
	StatusSent    = "sent"
	StatusFailed  = "failed"
)

// NewMessage 把领域事件打包成待入库的发件箱消息。
// 调用方负责在业务事务内持久化，与业务写入同事务提交保证事件不丢不多。
func NewMessage(event *storage.InterviewEventMessage, exchange, routingKey string) (*models.OutboxMessage, error) {
	payload, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("序列化事件失败: %w", err)
	}
	return &models.OutboxMessage{
		EventType:   event.EventType,
		AggregateID: event.SessionID,
		Exchange:    exchange,
		RoutingKey:  routingKey,
		Payload:     payload,
		Status:      StatusPending,
	}, nil
}

// MessageRelay 轮询outbox表并把消息发布到消息队列
type MessageRelay struct {
	db              *gorm.DB
	publisher       *storage.RabbitMQ
	pollingInterval time.Duration
	batchSize       int
	done            chan struct{}
	tracer          trace.Tracer
}

// NewMessageRelay 创建MessageRelay
func NewMessageRelay(db *gorm.DB, publisher *storage.RabbitMQ) *MessageRelay {
	return &MessageRelay{
		db:              db,
		publisher:       publisher,
		pollingInterval: defaultPollingInterval,
		batchSize:       defaultBatchSize,
		done:            make(chan struct{}),
		tracer:          otel.Tracer("outbox-relay"),
	}
}

// Start 启动轮询
func (r *MessageRelay) Start() {
	logger.Info().Msg("发件箱中继启动")
	ticker := time.NewTicker(r.pollingInterval)

	go func() {
		for {
			select {
			case <-r.done:
				ticker.Stop()
				logger.Info().Msg("发件箱中继已停止")
				return
			case <-ticker.C:
				if err := r.processPendingMessages(context.Background()); err != nil {
					logger.Error().Err(err).Msg("处理待投递消息失败")
				}
			}
		}
	}()
}

// Stop 停止轮询
func (r *MessageRelay) Stop() {
	close(r.done)
}

// processPendingMessages 取出一批待投递消息发布并更新状态
func (r *MessageRelay) processPendingMessages(ctx context.Context) error {
	var messages []models.OutboxMessage

	tx := r.db.WithContext(ctx).Begin()
	if tx.Error != nil {
		return tx.Error
	}
	defer tx.Rollback()

	// FOR UPDATE SKIP LOCKED 让多实例可以并行消费而不互相阻塞
	err := tx.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
		Where("status = ?", StatusPending).
		Order("created_at asc").
		Limit(r.batchSize).
		Find(&messages).Error

	if err != nil {
		logger.Error().Err(err).Msg("查询待投递发件箱消息失败")
		return err
	}

	// 空轮询不建span
	if len(messages) == 0 {
		return tx.Commit().Error
	}

	ctx, span := r.tracer.Start(ctx, "outbox.ProcessBatch",
		trace.WithAttributes(
			attribute.Int("messaging.batch.message_count", len(messages)),
		),
	)
	defer span.End()

	logger.Debug().Int("count", len(messages)).Msg("取到待投递发件箱消息")

	for _, msg := range messages {
		err := r.publisher.PublishMessage(
			ctx,
			msg.Exchange,
			msg.RoutingKey,
			[]byte(msg.Payload),
			true, // 持久化
		)

		if err != nil {
			logger.Warn().
				Err(err).
				Uint64("message_id", msg.MessageID).
				Str("aggregate_id", msg.AggregateID).
				Int("retries", msg.RetryCount+1).
				Msg("发布发件箱消息失败")
			msg.RetryCount++
			msg.LastError = err.Error()
			if msg.RetryCount >= maxRetryCount {
				msg.Status = StatusFailed
			}
		} else {
			msg.Status = StatusSent
			now := time.Now()
			msg.DispatchedAt = &now
			msg.LastError = ""
		}

		// 更新失败则整批回滚，消息留待下轮重投
		if err := tx.Save(&msg).Error; err != nil {
			logger.Error().Err(err).Uint64("message_id", msg.MessageID).Msg("更新发件箱消息状态失败")
			return err
		}
	}

	return tx.Commit().Error
}
