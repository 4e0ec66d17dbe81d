package interview

import (
	"context"
	"errors"
	"sync"
	"time"

	"ai-screener-go/internal/constants"
	"ai-screener-go/internal/logger"
	"ai-screener-go/internal/storage"

	"gorm.io/gorm"
)

// Sweeper 定期清扫滞留会话: 通话中断后平台回调丢失时，
// in_progress 会话会永远停在那里，这里把超时且零回答的会话兜底转 failed。
type Sweeper struct {
	service  *Service
	interval time.Duration

	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewSweeper 创建滞留会话清扫器
func NewSweeper(service *Service, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &Sweeper{
		service:  service,
		interval: interval,
		stopChan: make(chan struct{}),
	}
}

// Start 启动后台清扫循环
func (w *Sweeper) Start() {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		ticker := time.NewTicker(w.interval)
		defer ticker.Stop()
		logger.Info().Dur("interval", w.interval).Msg("滞留会话清扫器已启动")
		for {
			select {
			case <-ticker.C:
				if err := w.service.SweepStuck(context.Background()); err != nil {
					logger.Error().Err(err).Msg("清扫滞留会话失败")
				}
			case <-w.stopChan:
				logger.Info().Msg("滞留会话清扫器已停止")
				return
			}
		}
	}()
}

// Stop 停止清扫循环并等待当前轮次结束
func (w *Sweeper) Stop() {
	w.stopOnce.Do(func() {
		close(w.stopChan)
	})
	w.wg.Wait()
}

// SweepStuck 扫描并关闭滞留会话。
// 多实例部署时用Redis锁保证同一时刻只有一个实例在清扫；
// 每个会话在事务内加行锁复核状态，避免与迟到的平台回调竞争。
func (s *Service) SweepStuck(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "interview.SweepStuck")
	defer span.End()

	if s.locker != nil {
		lockValue, err := s.locker.AcquireLock(ctx, constants.KeySweepLock, sweepLockTTL)
		if err != nil {
			return err
		}
		if lockValue == "" {
			logger.Debug().Msg("其他实例正在清扫，本轮跳过")
			return nil
		}
		defer func() {
			if _, err := s.locker.ReleaseLock(ctx, constants.KeySweepLock, lockValue); err != nil {
				logger.Warn().Err(err).Msg("释放清扫锁失败")
			}
		}()
	}

	cutoff := time.Now().Add(-s.stuckAfter)
	stuck, err := s.store.FindStuckSessions(ctx, cutoff)
	if err != nil {
		return err
	}
	if len(stuck) == 0 {
		return nil
	}

	swept := 0
	for _, session := range stuck {
		sessionID := session.SessionID
		err := s.store.Transaction(ctx, func(tx *gorm.DB) error {
			locked, err := s.store.LockSessionForUpdate(ctx, tx, sessionID)
			if err != nil {
				return err
			}
			// 拿锁期间可能有回调把会话推进了终态或补了回答
			if locked.IsTerminal() {
				return ErrTerminalState
			}
			count, err := s.store.CountResponsesBySession(ctx, tx, sessionID)
			if err != nil {
				return err
			}
			if count > 0 {
				return nil
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
		if err != nil {
			if errors.Is(err, ErrTerminalState) {
				continue
			}
			logger.Error().Err(err).Str("session_id", sessionID).Msg("关闭滞留会话失败")
			continue
		}
		swept++
	}

	if swept > 0 {
		logger.Warn().Int("count", swept).Msg("已关闭滞留会话")
	}
	return nil
}
