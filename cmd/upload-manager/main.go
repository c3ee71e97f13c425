// Точка входа Upload Manager — сервиса приёма и пакетной загрузки файлов.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/bigkaa/goartstore/upload-manager/internal/api/handlers"
	"github.com/bigkaa/goartstore/upload-manager/internal/config"
	"github.com/bigkaa/goartstore/upload-manager/internal/executor"
	"github.com/bigkaa/goartstore/upload-manager/internal/server"
	"github.com/bigkaa/goartstore/upload-manager/internal/service"
	"github.com/bigkaa/goartstore/upload-manager/internal/storage/index"
)

// sseKeepalive — интервал пингов потока /api/v1/events.
const sseKeepalive = 15 * time.Second

func main() {
	// Загрузка конфигурации из переменных окружения
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Ошибка конфигурации: %v\n", err)
		os.Exit(1)
	}

	logger := config.SetupLogger(cfg)
	logger.Info("Upload Manager запускается",
		slog.String("version", config.Version),
		slog.Int("port", cfg.Port),
		slog.String("executor", cfg.Executor),
		slog.Int("concurrency", cfg.Concurrency),
		slog.Int64("max_file_size", cfg.MaxFileSize),
	)

	// --- Инициализация компонентов ---

	// 1. Transfer Executor
	exec, spoolDir, err := newExecutor(cfg, logger)
	if err != nil {
		logger.Error("Ошибка инициализации executor", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// 2. File Record Store
	idx := index.New(logger)

	// 3. Сервисы
	validator := service.NewValidator(cfg.Policy())
	previews := service.NewPreviewService(uint(cfg.PreviewMaxDim), cfg.PreviewCacheSize, cfg.PreviewCacheTTL, logger)
	scheduler := service.NewScheduler(idx, exec, cfg.Concurrency, logger)
	uploadSvc := service.NewUploadService(idx, validator, previews, scheduler, logger)

	// 4. Фоновые процессы
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	projector := service.NewMetricsProjector(idx, logger)
	projector.Start()

	watchdog := service.NewWatchdog(idx, cfg.StallTimeout, cfg.WatchdogInterval, logger)
	watchdog.Start(ctx)

	// 5. Handlers
	apiHandler := handlers.NewAPIHandler(
		handlers.NewFilesHandler(uploadSvc, cfg.MaxUploadRequest, logger),
		handlers.NewUploadsHandler(uploadSvc, logger),
		handlers.NewSystemHandler(uploadSvc, cfg.Executor),
		handlers.NewEventsHandler(uploadSvc, sseKeepalive, logger),
		handlers.NewHealthHandler(spoolDir, getDiskUsage, uploadSvc.Closing),
	)

	// 6. HTTP-сервер
	srv := server.New(cfg, logger, apiHandler)
	runErr := srv.Run(ctx)

	// --- Graceful shutdown ---
	logger.Info("Остановка фоновых процессов...")

	watchdog.Stop()
	uploadSvc.Close()
	projector.Stop()

	if runErr != nil {
		logger.Error("Ошибка сервера", slog.String("error", runErr.Error()))
		os.Exit(1)
	}
	logger.Info("Upload Manager остановлен")
}

// newExecutor создаёт Transfer Executor по конфигурации.
// Возвращает также каталог приёма (пусто для simulated).
func newExecutor(cfg *config.Config, logger *slog.Logger) (executor.Executor, string, error) {
	switch cfg.Executor {
	case config.ExecutorDisk:
		d, err := executor.NewDisk(cfg.SpoolDir, cfg.DiskRateLimit, logger)
		if err != nil {
			return nil, "", err
		}
		if _, err := d.Sweep(); err != nil {
			return nil, "", err
		}
		return d, d.SpoolDir(), nil
	default:
		simCfg := executor.DefaultSimulatedConfig()
		simCfg.FailureRate = cfg.SimFailureRate
		if cfg.SimBaseURL != "" {
			simCfg.BaseURL = cfg.SimBaseURL
		}
		return executor.NewSimulated(simCfg, logger), "", nil
	}
}
