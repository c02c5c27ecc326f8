// Package main 是应用程序的入口点。
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"
	"vault-drive-go/internal/config"
	"vault-drive-go/internal/handler"
	"vault-drive-go/internal/model"
	"vault-drive-go/internal/pipeline"
	"vault-drive-go/internal/repository"
	"vault-drive-go/internal/service"
	"vault-drive-go/pkg/database"
	"vault-drive-go/pkg/events"
	"vault-drive-go/pkg/kafka"
	"vault-drive-go/pkg/log"
	"vault-drive-go/pkg/metrics"
	"vault-drive-go/pkg/objectstore"
	"vault-drive-go/pkg/token"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	// 1. 初始化配置
	config.Init("./configs/config.yaml")
	cfg := config.Conf

	// 2. 初始化日志记录器
	log.Init(cfg.Log.Level, cfg.Log.Format, cfg.Log.OutputPath)
	defer log.Sync() // 确保在程序退出时刷新所有缓冲的日志条目
	log.Info("日志记录器初始化成功")

	// 3. 初始化数据库和 Redis
	database.InitMySQL(cfg.Database.MySQL.DSN)
	if cfg.Database.MySQL.AutoMigrate {
		if err := database.AutoMigrate(database.DB); err != nil {
			log.Fatal("数据库迁移失败", err)
		}
	}
	database.InitRedis(cfg.Database.Redis.Addr, cfg.Database.Redis.Password, cfg.Database.Redis.DB)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 4. 初始化对象存储后端
	jwtManager := token.NewJWTManager(cfg.JWT.Secret, cfg.JWT.AccessTokenExpireHours)
	providerRepo := repository.NewProviderRepository(database.DB)
	registry := objectstore.NewRegistry(cfg.Storage.DefaultProvider, providerRepo)
	localStore := initStores(ctx, cfg, registry, providerRepo, jwtManager)

	// 5. 指标与事件发布
	m := metrics.New(prometheus.DefaultRegisterer)
	var publisher events.Publisher = events.Nop{}
	var producer *kafka.Producer
	if cfg.Kafka.Enabled {
		producer = kafka.NewProducer(cfg.Kafka)
		publisher = producer
	}

	// 6. 初始化 Repository
	accountRepo := repository.NewAccountRepository(database.DB)
	folderRepo := repository.NewFolderRepository(database.DB)
	fileRepo := repository.NewFileRepository(database.DB)
	uploadRepo := repository.NewUploadRepository(database.RDB)

	// 7. 初始化 Service (依赖注入)
	storage := service.NewStorageGateway(registry, publisher, m, cfg.Storage)
	quotaService := service.NewQuotaService(accountRepo, cfg.Quota, m)
	namespaceService := service.NewNamespaceService(folderRepo, fileRepo, storage, publisher, cfg.Namespace)
	fileService := service.NewFileService(fileRepo, namespaceService, quotaService, storage, publisher, cfg.Upload)
	uploadService := service.NewUploadService(uploadRepo, fileService, namespaceService, quotaService, storage, m, cfg.Upload)
	resourceService := service.NewResourceService(namespaceService, fileService)
	sweeper := service.NewSweeper(uploadService, cfg.Upload.SweepInterval)

	// 8. 启动后台任务：Kafka 消费者、过期会话清理、存储健康检查
	if cfg.Kafka.Enabled {
		processor := pipeline.NewProcessor(registry, cfg.Storage.OperationTimeout)
		go kafka.StartConsumer(ctx, cfg.Kafka, database.RDB, processor)
	}
	sweepDone := make(chan struct{})
	go func() {
		defer close(sweepDone)
		sweeper.Run(ctx)
	}()
	go registry.RunHealthChecks(ctx, cfg.Storage.HealthCheckInterval)

	// 8.1 从 seed 目录导入初始文件，已导入则跳过
	go seedFiles(ctx, cfg.Seed, registry, namespaceService, fileService, uploadService)

	// 9. 设置 Gin 模式并注册路由
	gin.SetMode(cfg.Server.Mode)
	handlers := handler.Handlers{
		Upload:   handler.NewUploadHandler(uploadService),
		Folder:   handler.NewFolderHandler(namespaceService),
		File:     handler.NewFileHandler(fileService),
		Resource: handler.NewResourceHandler(resourceService),
		Quota:    handler.NewQuotaHandler(quotaService),
		Admin:    handler.NewAdminHandler(quotaService, namespaceService, sweeper),
		Health:   handler.NewHealthHandler(database.DB, database.RDB, registry),
		Metrics:  promhttp.Handler(),
	}
	if localStore != nil {
		handlers.Blob = handler.NewBlobHandler(localStore, jwtManager, fileService)
	}
	r := handler.NewRouter(jwtManager, handlers)

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

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Errorf("HTTP 服务器关闭失败: %v", err)
	}

	// 停止后台任务，等待清理协程把在途的分片删除做完
	cancel()
	<-sweepDone
	if producer != nil {
		if err := producer.Close(); err != nil {
			log.Errorf("Kafka 生产者关闭失败: %v", err)
		}
	}
	log.Info("服务已优雅关闭")
}

// initStores 按配置注册各后端并登记到 storage_providers 表，返回本地后端（未启用时为 nil）。
func initStores(ctx context.Context, cfg config.Config, registry *objectstore.Registry, providers repository.ProviderRepository, jwtManager *token.JWTManager) *objectstore.Local {
	var local *objectstore.Local
	register := func(name string, typ model.ProviderType, s objectstore.Store) {
		registry.Register(name, s)
		err := providers.Upsert(ctx, &model.StorageProvider{
			Name:         name,
			Type:         typ,
			IsActive:     true,
			IsDefault:    name == cfg.Storage.DefaultProvider,
			SupportsCopy: objectstore.SupportsCopy(s),
			HealthStatus: model.HealthUnknown,
		})
		if err != nil {
			log.Errorf("登记存储后端 %s 失败: %v", name, err)
		}
		log.Infof("存储后端 %s (%s) 已注册", name, typ)
	}

	if cfg.Storage.Local.Enabled {
		var err error
		local, err = objectstore.NewLocal(objectstore.LocalOptions{
			RootDir: cfg.Storage.Local.RootDir,
			BaseURL: strings.TrimRight(cfg.Server.PublicURL, "/") + "/api/v1/blobs",
			Signer:  jwtManager,
		})
		if err != nil {
			log.Fatal("初始化本地存储失败", err)
		}
		register(string(model.ProviderLocal), model.ProviderLocal, local)
	}
	if cfg.Storage.MinIO.Enabled {
		s, err := objectstore.NewMinIO(ctx, cfg.Storage.MinIO)
		if err != nil {
			log.Fatal("初始化 MinIO 失败", err)
		}
		register(string(model.ProviderMinIO), model.ProviderMinIO, s)
	}
	if cfg.Storage.S3.Enabled {
		s, err := objectstore.NewS3(ctx, cfg.Storage.S3)
		if err != nil {
			log.Fatal("初始化 S3 失败", err)
		}
		register(string(model.ProviderS3), model.ProviderS3, s)
	}
	if len(registry.Names()) == 0 {
		log.Fatalf("没有启用任何存储后端")
	}
	return local
}
