package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"pos-report-service/internal/config"
	"pos-report-service/internal/database"
	"pos-report-service/internal/extraction"
	"pos-report-service/internal/gmail"
	"pos-report-service/internal/handlers"
	"pos-report-service/internal/locking"
	"pos-report-service/internal/logger"
	"pos-report-service/internal/repositories"
	"pos-report-service/internal/services"
	"pos-report-service/internal/sheets"
)

func main() {
	configPath := flag.String("config", ".env", "Path to the dotenv config file")
	migrateCmd := flag.String("migrate", "", "Migration command (up/down/version)")
	steps := flag.Int("steps", 0, "Number of migration steps (0 means all)")
	once := flag.Bool("once", false, "Run a single batch and exit")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Error loading config: %v", err)
	}

	zl, err := logger.NewLogger(cfg.IsDevelopment())
	if err != nil {
		log.Fatalf("Error creating logger: %v", err)
	}
	defer zl.Sync()

	if *migrateCmd != "" {
		handleMigration(cfg, zl, *migrateCmd, *steps)
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	repo, closeStore, err := openStore(cfg, zl)
	if err != nil {
		zl.Fatal("Error opening report store", zap.Error(err))
	}
	defer closeStore()

	mail, err := gmail.NewClient(ctx, cfg.Mail, zl)
	if err != nil {
		zl.Fatal("Error creating Gmail client", zap.Error(err))
	}

	reconciler := services.NewReconciliationService(repo, zl)

	var syncer *services.SheetSyncService
	if cfg.Sheets.SpreadsheetID != "" {
		sink, err := sheets.NewClient(ctx, cfg.Sheets, zl)
		if err != nil {
			zl.Fatal("Error creating Sheets client", zap.Error(err))
		}
		syncer = services.NewSheetSyncService(repo, sink, zl)
	} else {
		zl.Warn("SHEETS_SPREADSHEET_ID not set, batches will only update the store")
	}

	locker, closeLocker := newLocker(cfg, zl)
	defer closeLocker()

	parser := extraction.NewParser(extraction.DefaultLayout())
	ingestion := services.NewIngestionService(mail, cfg.Mail.Label, parser, reconciler, syncer, repo, locker, zl)

	if *once {
		result, err := ingestion.RunBatch(ctx)
		if err != nil {
			zl.Fatal("Batch failed", zap.Error(err))
		}
		fmt.Printf("Batch %s: %d inserted, %d replaced, %d skipped, %d failed, %d anomalies, %d records\n",
			result.BatchID, result.Inserted, result.Replaced, result.Skipped, result.Failed, len(result.Anomalies), result.TotalRecords)
		return
	}

	if cfg.Sync.Interval > 0 {
		go runTicker(ctx, ingestion, cfg.Sync.Interval, zl)
	}

	router := handlers.SetupRouter(reconciler, ingestion, zl)

	srv := &http.Server{
		Addr:         cfg.ServerAddress,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 5 * time.Minute,
	}

	go func() {
		zl.Info("Server is running", zap.String("addr", cfg.ServerAddress))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			zl.Fatal("HTTP server error", zap.Error(err))
		}
	}()

	<-ctx.Done()
	zl.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		zl.Error("Server shutdown failed", zap.Error(err))
		return
	}
	zl.Info("Server exited gracefully")
}

// openStore returns the report repository selected by STORE_DRIVER and a
// func closing whatever it opened.
func openStore(cfg *config.Config, zl *zap.Logger) (repositories.ReportRepository, func(), error) {
	if cfg.Store.Driver == config.StoreDriverJSON {
		repo, err := repositories.NewDocumentRepository(cfg.Store.Path)
		if err != nil {
			return nil, nil, err
		}
		zl.Info("Using JSON document store", zap.String("path", cfg.Store.Path))
		return repo, func() {}, nil
	}

	db, err := database.NewConnection(cfg, zl)
	if err != nil {
		return nil, nil, err
	}
	if cfg.Migration.Auto {
		if err := database.RunMigrationsWithDB(db, cfg.Store.Driver, cfg.Migration.Dir); err != nil {
			db.Close()
			return nil, nil, fmt.Errorf("failed to run migrations: %w", err)
		}
		zl.Info("Migrations applied", zap.String("dir", cfg.Migration.Dir))
	}
	return repositories.NewSQLRepository(db), func() { db.Close() }, nil
}

func newLocker(cfg *config.Config, zl *zap.Logger) (locking.Locker, func()) {
	local := locking.NewLocalLocker()
	if cfg.Redis.Addr == "" {
		return local, func() {}
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	zl.Info("Using Redis batch lease", zap.String("addr", cfg.Redis.Addr), zap.String("key", cfg.Redis.LockKey))
	return locking.Chain(local, locking.NewRedisLocker(rdb, cfg.Redis.LockKey, cfg.Redis.LockTTL, zl)), func() { rdb.Close() }
}

func runTicker(ctx context.Context, ingestion *services.IngestionService, interval time.Duration, zl *zap.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	zl.Info("Background sync enabled", zap.Duration("interval", interval))
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := ingestion.RunBatch(ctx); errors.Is(err, locking.ErrLocked) {
				zl.Info("Skipping tick, a batch is already running")
			}
		}
	}
}

func handleMigration(cfg *config.Config, zl *zap.Logger, command string, steps int) {
	if cfg.Store.Driver == config.StoreDriverJSON {
		zl.Fatal("Migrations need a SQL store, set STORE_DRIVER to mysql or sqlite3")
	}

	db, err := database.NewConnection(cfg, zl)
	if err != nil {
		zl.Fatal("Failed to ensure database exists", zap.Error(err))
	}
	defer db.Close()

	m, err := database.NewMigrator(db, cfg.Store.Driver, cfg.Migration.Dir)
	if err != nil {
		zl.Fatal("Failed to initialize migrate", zap.Error(err))
	}

	msg, err := database.Migrate(m, command, steps)
	if err != nil {
		zl.Fatal("Migration failed", zap.Error(err))
	}
	zl.Info(msg, zap.String("driver", cfg.Store.Driver), zap.String("dir", cfg.Migration.Dir))
}
