package main

import (
	"context"
	"log"
	"os"
	"time"

	"ai-screener-go/internal/agent"
	"ai-screener-go/internal/config"
	"ai-screener-go/internal/constants"
	"ai-screener-go/internal/evaluation"
	"ai-screener-go/internal/interview"
	"ai-screener-go/internal/storage"
	"ai-screener-go/internal/telephony"

	"github.com/spf13/pflag"
)

// 运维修复工具:
//  1. 关闭滞留的in_progress会话（回调丢失后永远停在进行中的那批）
//  2. 为completed但缺少结果的会话重新生成结果
//
// 幂等，可重复执行。

func main() {
	var (
		configPath string
		dryRun     bool
		stuckAfter time.Duration
	)
	pflag.StringVarP(&configPath, "config", "c", "", "配置文件路径")
	pflag.BoolVar(&dryRun, "dry-run", false, "只报告不修改")
	pflag.DurationVar(&stuckAfter, "stuck-after", constants.DefaultStuckAfter, "无应答会话判定阈值")
	pflag.Parse()

	logFile, err := os.Create("stuckfix.log")
	if err != nil {
		log.Fatalf("创建日志文件失败: %v", err)
	}
	defer logFile.Close()
	log.SetOutput(logFile)
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	ctx := context.Background()

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		log.Fatalf("加载配置失败: %v", err)
	}

	storageManager, err := storage.NewStorage(ctx, cfg)
	if err != nil {
		log.Fatalf("初始化存储失败: %v", err)
	}
	defer storageManager.Close()
	if storageManager.MySQL == nil {
		log.Fatal("MySQL未就绪，无法继续")
	}

	svc, err := buildService(cfg, storageManager, stuckAfter)
	if err != nil {
		log.Fatalf("初始化面试服务失败: %v", err)
	}

	// 1. 滞留会话
	cutoff := time.Now().Add(-stuckAfter)
	stuck, err := storageManager.MySQL.FindStuckSessions(ctx, cutoff)
	if err != nil {
		log.Fatalf("查询滞留会话失败: %v", err)
	}
	log.Printf("找到 %d 个滞留会话 (started_at < %s)", len(stuck), cutoff.Format(time.RFC3339))

	if dryRun {
		for _, s := range stuck {
			log.Printf("[dry-run] 将关闭滞留会话 %s (started_at=%v)", s.SessionID, s.StartedAt)
		}
	} else if len(stuck) > 0 {
		if err := svc.SweepStuck(ctx); err != nil {
			log.Printf("清扫滞留会话失败: %v", err)
		} else {
			log.Printf("滞留会话清扫完成")
		}
	}

	// 2. completed但缺结果的会话
	var missing []string
	err = storageManager.MySQL.DB().WithContext(ctx).Raw(`
		SELECT s.session_id
		FROM interview_sessions s
		LEFT JOIN interview_results r ON r.session_id = s.session_id
		WHERE s.status = ? AND r.result_id IS NULL
	`, constants.SessionStatusCompleted).Scan(&missing).Error
	if err != nil {
		log.Fatalf("查询缺结果的会话失败: %v", err)
	}
	log.Printf("找到 %d 个缺少结果的已完成会话", len(missing))

	repaired := 0
	for _, sessionID := range missing {
		if dryRun {
			log.Printf("[dry-run] 将为会话 %s 重新生成结果", sessionID)
			continue
		}
		if err := svc.GenerateResult(ctx, sessionID); err != nil {
			log.Printf("会话 %s 结果生成失败: %v", sessionID, err)
			continue
		}
		repaired++
		log.Printf("✅ 会话 %s 结果已补齐", sessionID)
	}

	log.Printf("修复完成: 滞留会话 %d 个, 结果补齐 %d/%d", len(stuck), repaired, len(missing))
}

// buildService 组装只含修复所需依赖的面试服务，不接电话平台外呼
func buildService(cfg *config.Config, storageManager *storage.Storage, stuckAfter time.Duration) (*interview.Service, error) {
	evaluationModel, err := agent.NewOpenAIChatModel(
		cfg.OpenAI.APIKey,
		cfg.GetModelForTask(constants.TaskFinalEvaluation),
		cfg.OpenAI.APIURL,
		agent.WithTemperature(cfg.OpenAI.Temperature),
		agent.WithMaxTokens(cfg.OpenAI.MaxTokens),
	)
	if err != nil {
		return nil, err
	}

	retryStep := time.Duration(cfg.OpenAI.RetryStepSeconds) * time.Second
	callTimeout := time.Duration(cfg.OpenAI.TimeoutSeconds) * time.Second
	responseEvaluator := evaluation.NewResponseEvaluator(evaluationModel,
		evaluation.WithEvaluatorRetry(cfg.OpenAI.MaxRetries, retryStep),
		evaluation.WithEvaluatorTimeout(callTimeout),
	)
	questionGenerator := evaluation.NewQuestionGenerator(evaluationModel)

	var locker interview.Locker
	if storageManager.Redis != nil {
		locker = storageManager.Redis
	}

	return interview.NewService(
		storageManager.MySQL,
		locker,
		nil, // 不外呼
		nil, // 不转写
		responseEvaluator,
		questionGenerator,
		telephony.NewTwiMLBuilder(cfg.Interview.RecordMaxSeconds, cfg.Interview.RecordTimeoutSeconds),
		interview.WithStuckAfter(stuckAfter),
		interview.WithEventRouting(
			cfg.RabbitMQ.InterviewEventsExchange,
			cfg.RabbitMQ.ScheduledRoutingKey,
			cfg.RabbitMQ.CompletedRoutingKey,
		),
	)
}
