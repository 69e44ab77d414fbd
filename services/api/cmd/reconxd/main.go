package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"reconx/pkg/bus"
	"reconx/pkg/db"
	gos3 "reconx/pkg/s3"
	"reconx/pkg/telemetry"
	"reconx/services/api"
	"reconx/services/execution"
	"reconx/services/scans"
)

const streamName = "RECONX"

func main() {
	if err := run("reconxd"); err != nil {
		log.New(os.Stderr, "", log.LstdFlags).Fatal(err)
	}
}

func run(serviceName string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, middleware, logger, err := telemetry.Init(ctx, serviceName)
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}

	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if shutdownTelemetry != nil {
			if err := shutdownTelemetry(shutdownCtx); err != nil {
				fmt.Fprintf(os.Stderr, "%s: telemetry shutdown error: %v\n", serviceName, err)
			}
		}
	}()

	dsn := strings.TrimSpace(os.Getenv("DATABASE_URL"))
	if dsn == "" {
		return errors.New("DATABASE_URL is required")
	}

	pool, err := db.Open(ctx, dsn)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer pool.Close()

	if err := db.WithTimeout(ctx, 2*time.Minute, func(ctx context.Context) error {
		return db.Migrate(ctx, pool)
	}); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	orm, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		TranslateError: true,
		Logger:         gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return fmt.Errorf("open orm: %w", err)
	}

	natsURL := strings.TrimSpace(os.Getenv("NATS_URL"))
	if natsURL == "" {
		natsURL = "nats://127.0.0.1:4222"
	}
	eventBus, err := bus.New(natsURL)
	if err != nil {
		return fmt.Errorf("connect nats: %w", err)
	}
	defer eventBus.Close()

	if err := eventBus.EnsureStream(streamName, []string{"reconx.>"}); err != nil {
		return fmt.Errorf("ensure stream: %w", err)
	}

	var s3Client *gos3.Client
	if os.Getenv("S3_ENDPOINT") != "" {
		s3Client, err = gos3.NewClientFromEnv()
		if err != nil {
			return fmt.Errorf("init s3 client: %w", err)
		}
	}
	bucket := strings.TrimSpace(os.Getenv("S3_BUCKET"))

	logStore, err := execution.NewPostgresLogStore(orm, pool)
	if err != nil {
		return fmt.Errorf("init log store: %w", err)
	}
	resolver, err := api.NewPOCResolver(orm)
	if err != nil {
		return fmt.Errorf("init poc resolver: %w", err)
	}

	broker := execution.NewBroker()
	runner := execution.NewRunner(logger)
	execution.RegisterMetrics(prometheus.DefaultRegisterer)

	var archiver execution.OutputArchiver
	if s3Client != nil && bucket != "" {
		archiver, err = execution.NewS3Archiver(s3Client, bucket, logger)
		if err != nil {
			return fmt.Errorf("init archiver: %w", err)
		}
	}

	orchestrator, err := execution.NewOrchestrator(execution.OrchestratorConfig{
		Store:  logStore,
		POCs:   resolver,
		Runner: runner,
		Broker: broker,
		Logger: logger,
		Publish: func(subject string, payload map[string]any) {
			pubCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := eventBus.Publish(pubCtx, subject, payload); err != nil {
				logger.Printf("WARN publish %s: %v", subject, err)
			}
		},
		Archiver: archiver,
	})
	if err != nil {
		return fmt.Errorf("init execution orchestrator: %w", err)
	}

	scanStore, err := scans.NewGormStore(orm)
	if err != nil {
		return fmt.Errorf("init scan store: %w", err)
	}

	catalog := scans.DefaultCatalog()
	if path := strings.TrimSpace(os.Getenv("SCANNER_CATALOG")); path != "" {
		catalog, err = scans.LoadCatalog(path)
		if err != nil {
			return fmt.Errorf("load scanner catalog: %w", err)
		}
	}

	scanOrchestrator, err := scans.NewOrchestrator(scanStore, eventBus, runner, catalog, logger)
	if err != nil {
		return fmt.Errorf("init scan orchestrator: %w", err)
	}
	if err := scanOrchestrator.Start(ctx); err != nil {
		return fmt.Errorf("start scan orchestrator: %w", err)
	}
	defer scanOrchestrator.Close()

	apiLayer, err := api.New(
		&api.Store{DB: pool, ORM: orm, S3: s3Client, Bus: eventBus},
		api.Deps{Exec: orchestrator, Broker: broker, Logs: logStore, ScanStore: scanStore},
		api.Config{ArtifactBucket: bucket},
		logger,
	)
	if err != nil {
		return fmt.Errorf("init api: %w", err)
	}

	routes, err := apiLayer.Routes()
	if err != nil {
		return fmt.Errorf("build routes: %w", err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if err := db.Ping(r.Context(), pool); err != nil {
			http.Error(w, "database unreachable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/", routes)

	addr := strings.TrimSpace(os.Getenv("LISTEN_ADDR"))
	if addr == "" {
		addr = ":8080"
	}

	server := &http.Server{
		Addr:    addr,
		Handler: middleware(mux),
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			fmt.Fprintf(os.Stderr, "%s: server shutdown error: %v\n", serviceName, err)
		}
	}()

	logger.Printf("INFO listening on %s", server.Addr)

	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Printf("ERROR server failed: %v", err)
		return err
	}

	return nil
}
