// health.go — обработчики health endpoints для Kubernetes probes.
package handlers

import (
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/bigkaa/goartstore/upload-manager/internal/config"
)

// statusFail — строковая константа для статуса "fail" в health checks.
const statusFail = "fail"

// minFreeSpace — порог свободного места в spool, ниже которого готовность degraded.
const minFreeSpace = 100 << 20

// DiskUsageFunc возвращает (total, free) байт файловой системы каталога.
type DiskUsageFunc func(path string) (total, free uint64, err error)

// HealthHandler реализует health endpoints: /health/live, /health/ready.
type HealthHandler struct {
	version string
	// spoolDir — каталог приёма disk executor (пусто для simulated)
	spoolDir  string
	diskUsage DiskUsageFunc
	// closing — признак остановки сервиса
	closing func() bool
}

// NewHealthHandler создаёт обработчик health endpoints.
// spoolDir пустой — проверка файловой системы не выполняется.
func NewHealthHandler(spoolDir string, diskUsage DiskUsageFunc, closing func() bool) *HealthHandler {
	return &HealthHandler{
		version:   config.Version,
		spoolDir:  spoolDir,
		diskUsage: diskUsage,
		closing:   closing,
	}
}

// HealthLive обрабатывает GET /health/live.
// Возвращает 200, если процесс жив. Не проверяет зависимости.
func (h *HealthHandler) HealthLive(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"version":   h.version,
		"service":   "upload-manager",
	})
}

// HealthReady обрабатывает GET /health/ready.
// Проверяет: сервис не останавливается, spool доступен на запись, свободное место.
func (h *HealthHandler) HealthReady(w http.ResponseWriter, _ *http.Request) {
	overallStatus := "ok"
	httpStatus := http.StatusOK

	if h.closing != nil && h.closing() {
		overallStatus = statusFail
		httpStatus = http.StatusServiceUnavailable
	}

	fsCheck := h.checkSpool()
	if fsCheck["status"] == statusFail {
		overallStatus = statusFail
		httpStatus = http.StatusServiceUnavailable
	}

	diskCheck := h.checkDiskSpace()
	if diskCheck["status"] != "ok" && overallStatus != statusFail {
		overallStatus = "degraded"
	}

	writeJSON(w, httpStatus, map[string]any{
		"status":    overallStatus,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"version":   h.version,
		"service":   "upload-manager",
		"checks": map[string]any{
			"spool":      fsCheck,
			"disk_space": diskCheck,
		},
	})
}

// checkSpool проверяет доступность каталога приёма на запись.
func (h *HealthHandler) checkSpool() map[string]any {
	if h.spoolDir == "" {
		return map[string]any{
			"status":  "ok",
			"message": "Проверка не настроена",
		}
	}

	testFile := filepath.Join(h.spoolDir, ".health_check")
	if err := os.WriteFile(testFile, []byte("ok"), 0o600); err != nil {
		return map[string]any{
			"status":  statusFail,
			"message": "Каталог приёма недоступен для записи: " + err.Error(),
		}
	}
	_ = os.Remove(testFile)

	return map[string]any{
		"status": "ok",
	}
}

// checkDiskSpace проверяет свободное место в каталоге приёма.
func (h *HealthHandler) checkDiskSpace() map[string]any {
	if h.spoolDir == "" || h.diskUsage == nil {
		return map[string]any{
			"status":  "ok",
			"message": "Проверка не настроена",
		}
	}

	total, free, err := h.diskUsage(h.spoolDir)
	if err != nil {
		return map[string]any{
			"status":  "degraded",
			"message": "Не удалось получить использование диска: " + err.Error(),
		}
	}

	status := "ok"
	if free < minFreeSpace {
		status = "degraded"
	}
	return map[string]any{
		"status": status,
		"total":  humanize.IBytes(total),
		"free":   humanize.IBytes(free),
	}
}
