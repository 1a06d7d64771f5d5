// Package main 是应用程序的入口点。
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"biomeai-go/internal/config"
	"biomeai-go/internal/handler"
	"biomeai-go/internal/middleware"
	"biomeai-go/internal/pipeline"
	"biomeai-go/internal/repository"
	"biomeai-go/internal/service"
	"biomeai-go/pkg/database"
	"biomeai-go/pkg/embedding"
	"biomeai-go/pkg/kafka"
	"biomeai-go/pkg/llm"
	"biomeai-go/pkg/log"
	"biomeai-go/pkg/storage"
	"biomeai-go/pkg/token"

	"github.com/gin-gonic/gin"
)

func main() {
	// 1. 初始化配置
	config.Init("./configs/config.yaml")
	cfg := config.Conf

	// 2. 初始化日志记录器
	log.Init(cfg.Log.Level, cfg.Log.Format, cfg.Log.OutputPath)
	defer log.Sync() // 确保在程序退出时刷新所有缓冲的日志条目
	log.Info("日志记录器初始化成功")

	// 3. 初始化数据库、Redis、对象存储与 Kafka 生产者
	database.InitPostgres(cfg.Database.Postgres.DSN)
	database.InitRedis(cfg.Database.Redis.Addr, cfg.Database.Redis.Password, cfg.Database.Redis.DB)
	storage.InitMinIO(cfg.MinIO)
	kafka.InitProducer(cfg.Kafka)

	// 4. 初始化 Repository
	userRepo := repository.NewUserRepository(database.DB)
	reportRepo := repository.NewReportRepository(database.DB)
	chunkRepo := repository.NewChunkRepository(database.DB)
	messageRepo := repository.NewMessageRepository(database.DB)
	eventRepo := repository.NewEventRepository(database.RDB)

	// 5. 初始化 Service (依赖注入)
	jwtManager := token.NewJWTManager(cfg.Gateway.JWTSecret, cfg.Gateway.TokenExpireMinutes)
	embeddingClient := embedding.NewClient(cfg.Embedding)
	llmClient := llm.NewClient(cfg.LLM)
	gatewayHub := handler.NewGatewayHub()
	retrievalService := service.NewRetrievalService(embeddingClient, chunkRepo)
	stageDetector := service.NewStageDetector()
	promptBuilder := service.NewPromptBuilder(cfg.LLM.Generation, cfg.Ingest)
	conversationService := service.NewConversationService(
		userRepo,
		reportRepo,
		messageRepo,
		eventRepo,
		retrievalService,
		stageDetector,
		promptBuilder,
		llmClient,
		gatewayHub,
		cfg.MinIO,
		cfg.Ingest,
	)
	adminService := service.NewAdminService(userRepo, reportRepo, messageRepo)

	// 6. 初始化报告摄取管道 (Processor)
	processor := pipeline.NewProcessor(
		embeddingClient,
		cfg.MinIO,
		cfg.Embedding,
		cfg.Ingest,
		reportRepo,
		chunkRepo,
		conversationService,
	)

	// 7. 启动后台 Kafka 消费者
	go kafka.StartConsumer(cfg.Kafka, processor)

	// 8. 设置 Gin 模式并创建路由引擎
	gin.SetMode(cfg.Server.Mode)
	r := gin.New() // 使用 New() 创建一个不带默认中间件的引擎
	// 添加我们自定义的日志中间件和 Gin 的 Recovery 中间件
	r.Use(middleware.RequestLogger(), gin.Recovery())

	// 9. 注册路由
	eventHandler := handler.NewEventHandler(conversationService, cfg.Ingest)
	gatewayHandler := handler.NewGatewayHandler(jwtManager, gatewayHub)
	adminHandler := handler.NewAdminHandler(adminService)

	apiV1 := r.Group("/api/v1")
	{
		// 协作方入站事件
		events := apiV1.Group("/events")
		{
			events.POST("/message", eventHandler.PostMessage)
			events.POST("/upload", eventHandler.PostUpload)
		}

		// 网关令牌签发
		gateway := apiV1.Group("/gateway")
		{
			gateway.GET("/token", gatewayHandler.GetToken)
		}

		// 管理员诊断接口
		admin := apiV1.Group("/admin")
		admin.Use(middleware.AdminKeyMiddleware(cfg.Admin.KeyHash))
		{
			admin.GET("/health", adminHandler.Health)
			admin.GET("/stats", adminHandler.Stats)
		}
	}

	// 出站消息通道 (WebSocket)
	r.GET("/gateway/:token", gatewayHandler.Connect)

	// 启动 HTTP 服务器并实现优雅停机
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%s", cfg.Server.Port),
		Handler: r,
	}

	go func() {
		log.Infof("服务启动于 %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("HTTP 服务监听失败: %s\n", err)
		}
	}()

	// 等待中断信号以实现优雅停机
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("接收到停机信号，正在关闭服务...")

	// 设置一个5秒的超时上下文
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// 关闭 HTTP 服务器
	if err := srv.Shutdown(ctx); err != nil {
		log.Fatalf("HTTP 服务器关闭失败: %v", err)
	}

	// Kafka 消费者是一个循环，会在进程退出时自然结束，
	// 这里不需要手动关闭。
	log.Info("服务已优雅关闭")
}
