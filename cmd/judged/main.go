package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"gavel/internal/common/cache"
	"gavel/internal/common/db"
	"gavel/internal/common/mq"
	"gavel/internal/common/storage"
	"gavel/internal/judge/admission"
	"gavel/internal/judge/engine"
	"gavel/internal/judge/events"
	"gavel/internal/judge/language"
	"gavel/internal/judge/repository"
	"gavel/internal/judge/service"
	"gavel/internal/judge/sweeper"
	"gavel/internal/judge/testdata"
	"gavel/internal/judge/web"
	"gavel/internal/judge/worker"
	"gavel/pkg/logger"

	"go.uber.org/zap"
)

const defaultConfigPath = "configs/judged.yaml"

func main() {
	configPath := flag.String("config", defaultConfigPath, "Path to config file")
	flag.Parse()

	appCfg, err := loadAppConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load app config failed: %v\n", err)
		return
	}

	if err := logger.Init(appCfg.Logger); err != nil {
		fmt.Fprintf(os.Stderr, "init logger failed: %v\n", err)
		return
	}
	defer func() {
		_ = logger.Sync()
	}()

	mysqlDB, err := db.NewMySQLWithConfig(&appCfg.Database)
	if err != nil {
		logger.Error(context.Background(), "init database failed", zap.Error(err))
		return
	}
	defer func() {
		_ = mysqlDB.Close()
	}()

	redisCache, err := cache.NewRedisCacheWithConfig(&appCfg.Redis)
	if err != nil {
		logger.Error(context.Background(), "init redis failed", zap.Error(err))
		return
	}
	defer func() {
		_ = redisCache.Close()
	}()

	objStorage, err := storage.NewMinIOStorage(appCfg.MinIO)
	if err != nil {
		logger.Error(context.Background(), "init minio failed", zap.Error(err))
		return
	}

	var publisher events.Publisher = events.NopPublisher{}
	if len(appCfg.Kafka.Brokers) > 0 {
		producer, err := mq.NewKafkaProducer(appCfg.Kafka)
		if err != nil {
			logger.Error(context.Background(), "init kafka failed", zap.Error(err))
			return
		}
		defer func() {
			_ = producer.Close()
		}()
		publisher = events.NewMQPublisher(producer, appCfg.EventTopic)
	}

	registry, err := language.NewRegistry(appCfg.Languages)
	if err != nil {
		logger.Error(context.Background(), "init language registry failed", zap.Error(err))
		return
	}

	sandbox, err := engine.NewSandbox(appCfg.Sandbox)
	if err != nil {
		logger.Error(context.Background(), "init sandbox failed", zap.Error(err))
		return
	}
	judgeEngine, err := engine.New(registry, sandbox, appCfg.Engine)
	if err != nil {
		logger.Error(context.Background(), "init judge engine failed", zap.Error(err))
		return
	}

	repo := repository.NewMySQLSubmissionRepository(mysqlDB)
	packs := testdata.NewObjectStore(objStorage, appCfg.TestData)
	guard := admission.NewGuard(redisCache, repo, appCfg.Admission)
	svc := service.NewSubmissions(repo, registry, guard, redisCache, publisher, appCfg.Service)

	judgeWorker := worker.New(repo, packs, judgeEngine, redisCache, publisher, appCfg.Worker)
	workerCtx, stopWorker := context.WithCancel(context.Background())
	workerDone := make(chan struct{})
	go func() {
		judgeWorker.Run(workerCtx)
		close(workerDone)
	}()

	recoverySweeper := sweeper.New(repo, redisCache, publisher, appCfg.Sweeper)
	if err := recoverySweeper.Start(); err != nil {
		logger.Error(context.Background(), "start sweeper failed", zap.Error(err))
		stopWorker()
		return
	}

	addr := fmt.Sprintf("%s:%d", appCfg.Server.Host, appCfg.Server.Port)
	router := web.NewRouter(web.NewHandler(svc), appCfg.Server.Config)
	httpServer := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  appCfg.Server.ReadTimeout,
		WriteTimeout: appCfg.Server.WriteTimeout,
		IdleTimeout:  appCfg.Server.IdleTimeout,
	}
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		logger.Error(context.Background(), "init http listener failed", zap.Error(err))
		stopWorker()
		recoverySweeper.Stop()
		return
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info(context.Background(), "judged http server started", zap.String("addr", addr))
		errCh <- httpServer.Serve(listener)
	}()

	shutdownCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error(context.Background(), "http server stopped", zap.Error(err))
		}
	case <-shutdownCtx.Done():
		logger.Info(context.Background(), "shutdown signal received")
	}

	ctx, cancel := context.WithTimeout(context.Background(), defaultShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Error(context.Background(), "http server shutdown failed", zap.Error(err))
	}

	recoverySweeper.Stop()
	stopWorker()
	select {
	case <-workerDone:
	case <-ctx.Done():
		logger.Warn(context.Background(), "worker did not drain before deadline")
	}
}
