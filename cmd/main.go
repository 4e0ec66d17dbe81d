package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"ai-screener-go/internal/agent"
	"ai-screener-go/internal/api/handler"
	"ai-screener-go/internal/api/router"
	"ai-screener-go/internal/config"
	"ai-screener-go/internal/constants"
	"ai-screener-go/internal/evaluation"
	"ai-screener-go/internal/interview"
	appCoreLogger "ai-screener-go/internal/logger"
	"ai-screener-go/internal/outbox"
	"ai-screener-go/internal/storage"
	"ai-screener-go/internal/telephony"
	"ai-screener-go/internal/tracing"
	"ai-screener-go/internal/transcriber"

	"github.com/cloudwego/hertz/pkg/app/server"
	hertzconfig "github.com/cloudwego/hertz/pkg/common/config"
	glog "github.com/cloudwego/hertz/pkg/common/hlog"
	hertzadapter "github.com/hertz-contrib/logger/zerolog"
	hertztracing "github.com/hertz-contrib/obs-opentelemetry/tracing"
	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
)

func main() {
	var configPath string
	pflag.StringVarP(&configPath, "config", "c", "", "配置文件路径")
	pflag.Parse()

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		log.Fatalf("加载配置失败: %v", err)
	}

	initLogger(&cfg.Logger)
	glog.Info("配置加载成功")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 链路追踪
	serviceName := cfg.Tracing.ServiceName
	if serviceName == "" {
		serviceName = "ai-screener"
	}
	var shutdownTracing func(context.Context) error
	if cfg.Tracing.Enabled {
		shutdownTracing, err = tracing.InitProvider(ctx, serviceName, cfg.Tracing.Endpoint, cfg.Tracing.SampleRatio)
		if err != nil {
			glog.Fatalf("初始化链路追踪失败: %v", err)
		}
		glog.Info("链路追踪已启用")
	}

	storageManager, err := storage.NewStorage(ctx, cfg)
	if err != nil {
		glog.Fatalf("初始化存储失败: %v", err)
	}
	defer storageManager.Close()
	if storageManager.MySQL == nil {
		glog.Fatal("MySQL是必需组件，初始化失败后无法继续")
	}
	glog.Info("存储服务初始化成功")

	// LLM: 问题生成与评估各取任务模型
	questionModel, err := agent.NewOpenAIChatModel(
		cfg.OpenAI.APIKey,
		cfg.GetModelForTask(constants.TaskQuestionGeneration),
		cfg.OpenAI.APIURL,
		agent.WithTemperature(cfg.OpenAI.Temperature),
		agent.WithMaxTokens(cfg.OpenAI.MaxTokens),
	)
	if err != nil {
		glog.Fatalf("初始化问题生成模型失败: %v", err)
	}
	evaluationModel, err := agent.NewOpenAIChatModel(
		cfg.OpenAI.APIKey,
		cfg.GetModelForTask(constants.TaskResponseEvaluation),
		cfg.OpenAI.APIURL,
		agent.WithTemperature(cfg.OpenAI.Temperature),
		agent.WithMaxTokens(cfg.OpenAI.MaxTokens),
	)
	if err != nil {
		glog.Fatalf("初始化评估模型失败: %v", err)
	}

	retryStep := time.Duration(cfg.OpenAI.RetryStepSeconds) * time.Second
	callTimeout := time.Duration(cfg.OpenAI.TimeoutSeconds) * time.Second
	questionGenerator := evaluation.NewQuestionGenerator(questionModel,
		evaluation.WithGeneratorRetry(cfg.OpenAI.MaxRetries, retryStep),
		evaluation.WithGeneratorTimeout(callTimeout),
	)
	responseEvaluator := evaluation.NewResponseEvaluator(evaluationModel,
		evaluation.WithEvaluatorRetry(cfg.OpenAI.MaxRetries, retryStep),
		evaluation.WithEvaluatorTimeout(callTimeout),
	)
	glog.Info("LLM组件初始化成功")

	// 电话平台客户端
	telephonyClient, err := telephony.NewClient(&cfg.Twilio)
	if err != nil {
		glog.Fatalf("初始化电话平台客户端失败: %v", err)
	}

	// 语音转写，录音归档到MinIO（未配置时跳过归档）
	transcriberOpts := []transcriber.Option{
		transcriber.WithPolling(
			time.Duration(cfg.Interview.RecordingPollSeconds)*time.Second,
			time.Duration(cfg.Interview.RecordingWaitSeconds)*time.Second,
		),
		transcriber.WithDownloadRetry(
			cfg.Interview.DownloadRetries,
			time.Duration(cfg.Interview.DownloadBackoffSecs)*time.Second,
		),
	}
	if storageManager.MinIO != nil {
		transcriberOpts = append(transcriberOpts, transcriber.WithArchive(storageManager.MinIO))
	} else {
		glog.Warn("MinIO未配置，录音不做归档")
	}
	audioTranscriber, err := transcriber.New(
		telephonyClient,
		cfg.Whisper.APIKey,
		cfg.Whisper.APIURL,
		cfg.Whisper.Model,
		transcriberOpts...,
	)
	if err != nil {
		glog.Fatalf("初始化语音转写器失败: %v", err)
	}

	// 面试状态机服务
	twimlBuilder := telephony.NewTwiMLBuilder(cfg.Interview.RecordMaxSeconds, cfg.Interview.RecordTimeoutSeconds)
	var locker interview.Locker
	if storageManager.Redis != nil {
		locker = storageManager.Redis
	} else {
		glog.Warn("Redis未配置，回调去重与分布式锁不可用")
	}
	interviewService, err := interview.NewService(
		storageManager.MySQL,
		locker,
		telephonyClient,
		audioTranscriber,
		responseEvaluator,
		questionGenerator,
		twimlBuilder,
		interview.WithQuestionCount(cfg.Interview.QuestionCount),
		interview.WithStuckAfter(config.GetDuration(cfg.Interview.StuckAfter, constants.DefaultStuckAfter)),
		interview.WithWebhookBaseURL(cfg.Twilio.WebhookBaseURL),
		interview.WithEventRouting(
			cfg.RabbitMQ.InterviewEventsExchange,
			cfg.RabbitMQ.ScheduledRoutingKey,
			cfg.RabbitMQ.CompletedRoutingKey,
		),
	)
	if err != nil {
		glog.Fatalf("初始化面试服务失败: %v", err)
	}
	glog.Info("面试服务初始化成功")

	// 发件箱中继: 把事务内落库的事件搬运到RabbitMQ
	var messageRelay *outbox.MessageRelay
	if storageManager.RabbitMQ != nil {
		if err := storageManager.RabbitMQ.EnsureExchange(cfg.RabbitMQ.InterviewEventsExchange, "topic", true); err != nil {
			glog.Fatalf("声明事件交换机失败: %v", err)
		}
		messageRelay = outbox.NewMessageRelay(storageManager.MySQL.DB(), storageManager.RabbitMQ)
		messageRelay.Start()
		glog.Info("发件箱中继已启动")
	} else {
		glog.Warn("RabbitMQ未配置，生命周期事件仅落库不投递")
	}

	// 结果回填消费者: 同步生成失败时经MQ补偿
	var backfillConsumer *interview.ResultBackfillConsumer
	if cfg.Interview.ResultQueueEnabled && storageManager.RabbitMQ != nil {
		backfillConsumer = interview.NewResultBackfillConsumer(
			interviewService,
			storageManager.RabbitMQ,
			cfg.RabbitMQ.ResultQueue,
			cfg.RabbitMQ.InterviewEventsExchange,
			cfg.RabbitMQ.CompletedRoutingKey,
		)
		if err := backfillConsumer.Start(); err != nil {
			glog.Fatalf("启动结果回填消费者失败: %v", err)
		}
		glog.Info("结果回填消费者已启动")
	}

	// 滞留会话清扫
	var sweeper *interview.Sweeper
	if interval := config.GetDuration(cfg.Interview.SweepInterval, 0); interval > 0 {
		sweeper = interview.NewSweeper(interviewService, interval)
		sweeper.Start()
	}

	screeningHandler := handler.NewScreeningHandler(storageManager.MySQL, interviewService)
	webhookHandler := handler.NewWebhookHandler(interviewService)

	serverOpts := []hertzconfig.Option{
		server.WithHostPorts(cfg.Server.Address),
		server.WithHandleMethodNotAllowed(true),
	}
	var tracingCfg *hertztracing.Config
	if cfg.Tracing.Enabled {
		tracerOpt, c := hertztracing.NewServerTracer()
		tracingCfg = c
		serverOpts = append(serverOpts, tracerOpt)
	}
	h := server.New(serverOpts...)
	if tracingCfg != nil {
		h.Use(hertztracing.ServerMiddleware(tracingCfg))
	}

	if cfg.Server.APIKey == "" {
		glog.Warn("未配置API密钥，管理接口处于无鉴权状态")
	}
	router.RegisterRoutes(h, screeningHandler, webhookHandler, cfg.Server.APIKey)
	glog.Infof("HTTP服务器启动中，监听地址: %s", cfg.Server.Address)

	go func() {
		if err := h.Run(); err != nil {
			glog.Fatalf("启动HTTP服务器失败: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	glog.Info("接收到终止信号，正在优雅退出...")

	if sweeper != nil {
		sweeper.Stop()
	}
	if backfillConsumer != nil {
		backfillConsumer.Stop()
	}
	if messageRelay != nil {
		messageRelay.Stop()
		glog.Info("发件箱中继已停止")
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	if err := h.Shutdown(shutdownCtx); err != nil {
		glog.Errorf("服务器关闭失败: %v", err)
	}
	if shutdownTracing != nil {
		if err := shutdownTracing(shutdownCtx); err != nil {
			glog.Errorf("关闭链路追踪失败: %v", err)
		}
	}
	glog.Info("优雅退出完成")
}

// initLogger 初始化zerolog并接管hertz的日志输出
func initLogger(cfg *config.LoggerConfig) {
	appCoreLogger.Init(appCoreLogger.Config{
		Level:        cfg.Level,
		Format:       cfg.Format,
		TimeFormat:   cfg.TimeFormat,
		ReportCaller: cfg.ReportCaller,
	})

	if cfg.FilePath != "" {
		fileWriter, err := os.OpenFile(cfg.FilePath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			log.Fatalf("无法打开日志文件 %s: %v", cfg.FilePath, err)
		}
		consoleWriter := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: cfg.TimeFormat}
		multiWriter := zerolog.MultiLevelWriter(consoleWriter, fileWriter)
		appCoreLogger.Logger = appCoreLogger.Logger.Output(multiWriter)
		zlog.Logger = appCoreLogger.Logger
	}

	glog.SetLogger(hertzadapter.From(appCoreLogger.Logger))
	if level, err := zerolog.ParseLevel(cfg.Level); err == nil && level == zerolog.DebugLevel {
		glog.SetLevel(glog.LevelDebug)
	}
}
