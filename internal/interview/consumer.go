package interview

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"ai-screener-go/internal/logger"
	"ai-screener-go/internal/storage"
)

// ResultBackfillConsumer 结果生成的后备通道。
// 同步生成失败时(LLM抖动、进程重启)，发件箱里的interview.completed事件
// 会经MQ回到这里重新触发GenerateResult，幂等保证最多一份结果。
type ResultBackfillConsumer struct {
	service *Service
	mq      *storage.RabbitMQ

	queueName  string
	exchange   string
	routingKey string

	stopCh chan struct{}
}

// NewResultBackfillConsumer 创建结果回填消费者
func NewResultBackfillConsumer(service *Service, mq *storage.RabbitMQ, queueName, exchange, routingKey string) *ResultBackfillConsumer {
	return &ResultBackfillConsumer{
		service:    service,
		mq:         mq,
		queueName:  queueName,
		exchange:   exchange,
		routingKey: routingKey,
	}
}

// Start 声明拓扑并启动消费
func (c *ResultBackfillConsumer) Start() error {
	if err := c.mq.EnsureExchange(c.exchange, "topic", true); err != nil {
		return err
	}
	if err := c.mq.EnsureQueue(c.queueName, true); err != nil {
		return err
	}
	if err := c.mq.BindQueue(c.queueName, c.exchange, c.routingKey); err != nil {
		return err
	}

	stopCh, err := c.mq.StartConsumer(c.queueName, 4, c.handle)
	if err != nil {
		return err
	}
	c.stopCh = stopCh
	return nil
}

// Stop 停止消费
func (c *ResultBackfillConsumer) Stop() {
	if c.stopCh != nil {
		close(c.stopCh)
		c.stopCh = nil
	}
}

// handle 处理一条生命周期事件，返回true表示Ack
func (c *ResultBackfillConsumer) handle(body []byte) bool {
	var event storage.InterviewEventMessage
	if err := json.Unmarshal(body, &event); err != nil {
		// 坏消息重投无意义，Ack丢弃
		logger.Error().Err(err).Msg("解析面试事件消息失败，丢弃")
		return true
	}

	if event.EventType != storage.EventInterviewCompleted {
		return true
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
	defer cancel()

	if err := c.service.GenerateResult(ctx, event.SessionID); err != nil {
		if errors.Is(err, ErrTranscriptsPending) {
			// 转写还在后台进行，缓一缓再重投，避免空转
			logger.Info().Str("session_id", event.SessionID).Msg("转写未完成，稍后重试结果回填")
			time.Sleep(5 * time.Second)
			return false
		}
		logger.Error().Err(err).Str("session_id", event.SessionID).Msg("回填生成面试结果失败，消息重新入队")
		return false
	}

	logger.Info().Str("session_id", event.SessionID).Msg("结果回填检查完成")
	return true
}
