package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/xela07ax/iiot-sentinel/internal/analytics"
	"github.com/xela07ax/iiot-sentinel/internal/audit"
	"github.com/xela07ax/iiot-sentinel/internal/console/handler"
	"github.com/xela07ax/iiot-sentinel/internal/console/server"
	"github.com/xela07ax/iiot-sentinel/internal/console/service"
	"github.com/xela07ax/iiot-sentinel/internal/engine"
	"github.com/xela07ax/iiot-sentinel/internal/infra"
	"github.com/xela07ax/iiot-sentinel/internal/infra/auth"
	"github.com/xela07ax/iiot-sentinel/internal/ingest"
	"github.com/xela07ax/iiot-sentinel/internal/lifecycle"
	"github.com/xela07ax/iiot-sentinel/internal/scoring"
	"github.com/xela07ax/iiot-sentinel/internal/topology"
	"go.uber.org/zap"
	"google.golang.org/grpc"
)

var version = "dev"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "sentinel: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := infra.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger, err := infra.NewLogger(cfg.Logger)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()
	logger.Info("starting iiot-sentinel", zap.String("version", version))

	// Контекст фоновых слушателей Redis; отменяется последним
	appCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 1. Метрики
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := infra.NewMetrics(reg)

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	metricsSrv := &http.Server{Addr: cfg.Metrics.Addr, Handler: metricsMux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", zap.Error(err))
		}
	}()

	// 2. Хранилища и топология
	st, err := openStorage(appCtx, cfg, metrics, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	topo := topology.NewStore(logger)
	if err := loadTopology(appCtx, topo, st, cfg.Topology.File, logger); err != nil {
		return fmt.Errorf("load topology: %w", err)
	}
	logger.Info("topology loaded", zap.Int("nodes", topo.Size()))

	// 3. Аналитика: счётчики «сегодня» поднимаются из хранилища
	loc, err := cfg.Analytics.Location()
	if err != nil {
		return err
	}
	agg := analytics.New(loc)
	summary, err := st.anomalies.Summary(appCtx, agg.DayStart())
	if err != nil {
		return fmt.Errorf("seed analytics: %w", err)
	}
	agg.Seed(summary)

	// 4. Scoring Engine и Lifecycle Manager
	model, err := scoring.LoadModelFile(cfg.Scoring.ModelFile)
	if err != nil {
		return err
	}
	eng := scoring.NewEngine(scoring.GraphScorer{}, model, topo, cfg.Scoring, metrics, logger).WithStatusSink(topo)

	instanceID := uuid.NewString()
	lc := lifecycle.NewManager(st.anomalies, agg, cfg.Lifecycle, metrics, logger).WithOrigin(instanceID)
	journal := audit.NewJournal(st.journal, cfg.Lifecycle, metrics, logger)
	journal.Start()
	lc.Subscribe(journal)

	hub := handler.NewStreamHub(cfg.Server.FrontendURL, logger)

	// 5. Redis: события между инстансами, статусы узлов, горячая замена модели
	var (
		rdb         *redis.Client
		broadcaster *engine.Broadcaster
		statusSync  *engine.NodeStatusSync
	)
	if cfg.Redis.Enabled {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
		defer rdb.Close()
		if err := rdb.Ping(appCtx).Err(); err != nil {
			return fmt.Errorf("redis ping: %w", err)
		}

		broadcaster = engine.NewBroadcaster(rdb, cfg.Lifecycle.JournalBufferSize, logger)
		broadcaster.Start()
		lc.Subscribe(broadcaster)
		go engine.RelayEvents(appCtx, rdb, logger, hub, lifecycle.PublisherFunc(lc.ApplyRemote))

		statusSync = engine.NewNodeStatusSync(rdb, topo, logger)
		statusSync.Start()
		topo.OnStatusChange(statusSync.OnLocalChange)
		if err := statusSync.Warmup(appCtx); err != nil {
			logger.Warn("node status warmup failed", zap.Error(err))
		}
		go statusSync.Listen(appCtx)
		go engine.ListenModelUpdates(appCtx, rdb, eng, logger)
	} else {
		lc.Subscribe(hub)
	}

	// 6. Конвейер ingest → scoring → lifecycle
	in := ingest.New(topo, cfg.Ingest, metrics, logger)
	pool := scoring.NewPool(eng, engine.RecordHandler(lc), cfg.Scoring.Workers, logger)
	pipeline := engine.NewPipeline(in, pool, cfg.Server.ShutdownTimeout, logger)
	if cfg.Kafka.Enabled {
		pipeline.AddSource("kafka", ingest.NewKafkaSource(cfg.Kafka, in, logger))
	}

	pipeCtx, stopPipeline := context.WithCancel(context.Background())
	defer stopPipeline()
	pipeDone := make(chan error, 1)
	go func() { pipeDone <- pipeline.Run(pipeCtx) }()

	// 7. Аутентификация и сервисы консоли
	privKey, pubKey, err := auth.LoadKeys(cfg.Auth, logger)
	if err != nil {
		return err
	}
	validator := auth.NewBaseValidator(pubKey, cfg.Auth.Issuer)
	mailer := service.NewMailer(cfg.Mail, logger)
	authSvc, err := service.NewAuthService(st.users, auth.NewTokenIssuer(privKey, cfg.Auth.Issuer, cfg.Auth.TokenTTL),
		mailer, cfg.Auth, cfg.Server.FrontendURL, logger)
	if err != nil {
		return err
	}

	api := server.NewAPIServer(logger, validator, metrics, server.Handlers{
		Auth:   handler.NewAuthHandler(authSvc, logger),
		Admin:  handler.NewAdminHandler(service.NewAdminService(st.users, mailer, agg, logger), logger),
		Model:  handler.NewModelHandler(service.NewDetectionService(in, eng, lc, topo, logger), logger),
		Stream: hub,
		Health: handler.NewHealthHandler(version),
	})
	srv := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      api,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// 8. gRPC приём телеметрии
	var grpcSrv *grpc.Server
	if cfg.GRPC.Enabled {
		lis, err := net.Listen("tcp", cfg.GRPC.Addr)
		if err != nil {
			return fmt.Errorf("listen gRPC: %w", err)
		}
		grpcSrv = grpc.NewServer(grpc.UnaryInterceptor(engine.UnaryAuthInterceptor(validator, logger)))
		engine.RegisterTelemetryServer(grpcSrv, engine.NewTelemetryServer(in, logger))
		go func() {
			logger.Info("gRPC telemetry server started", zap.String("addr", cfg.GRPC.Addr))
			if err := grpcSrv.Serve(lis); err != nil {
				logger.Error("gRPC server failed", zap.Error(err))
			}
		}()
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("HTTP API started", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	// 9. Graceful Shutdown
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	var runErr error
	select {
	case sig := <-stop:
		logger.Info("shutdown signal received", zap.String("signal", sig.String()))
	case runErr = <-serveErr:
		logger.Error("HTTP server failed", zap.Error(runErr))
	case runErr = <-pipeDone:
		logger.Error("pipeline stopped unexpectedly", zap.Error(runErr))
		pipeDone <- runErr
	}

	ctx, cancelShutdown := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancelShutdown()

	// Входы закрываются первыми, затем дренаж конвейера, затем публикация событий
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("HTTP shutdown error", zap.Error(err))
	}
	if grpcSrv != nil {
		grpcSrv.GracefulStop()
	}
	stopPipeline()
	if err := <-pipeDone; err != nil && !errors.Is(err, context.Canceled) {
		logger.Warn("pipeline finished with error", zap.Error(err))
	}
	if statusSync != nil {
		statusSync.Stop()
	}
	if broadcaster != nil {
		broadcaster.Stop()
	}
	journal.Stop()
	cancel()
	hub.Close()
	_ = metricsSrv.Shutdown(ctx)

	logger.Info("iiot-sentinel stopped")
	return runErr
}
