// system.go — обработчики GET /api/v1/info и GET /api/v1/summary.
package handlers

import (
	"net/http"

	"github.com/dustin/go-humanize"

	"github.com/bigkaa/goartstore/upload-manager/internal/config"
	"github.com/bigkaa/goartstore/upload-manager/internal/domain/model"
)

// SystemHandler — обработчик системных endpoints.
type SystemHandler struct {
	svc      QueueService
	executor string
}

// NewSystemHandler создаёт обработчик системных endpoints.
// executor — имя реализации Transfer Executor (для /api/v1/info).
func NewSystemHandler(svc QueueService, executor string) *SystemHandler {
	return &SystemHandler{
		svc:      svc,
		executor: executor,
	}
}

// infoResponse — сведения о сервисе и политике загрузки.
type infoResponse struct {
	Service  string             `json:"service"`
	Version  string             `json:"version"`
	Executor string             `json:"executor"`
	Policy   model.UploadPolicy `json:"policy"`
	// MaxFileSizeHuman — лимит размера в читаемом виде (например, "10 MiB")
	MaxFileSizeHuman string `json:"max_file_size_human"`
}

// summaryResponse — агрегаты очереди.
type summaryResponse struct {
	model.Summary
	Version uint64 `json:"version"`
	// Percent — общий прогресс по объёму
	Percent int `json:"percent"`
	// TransferRate — суммарная скорость активных передач, байт/сек
	TransferRate float64 `json:"transfer_rate"`

	TotalHuman       string `json:"total_human"`
	TransferredHuman string `json:"transferred_human"`
	RateHuman        string `json:"rate_human"`

	UploadRunning bool `json:"upload_running"`
}

// GetInfo обрабатывает GET /api/v1/info.
func (h *SystemHandler) GetInfo(w http.ResponseWriter, _ *http.Request) {
	policy := h.svc.Policy()
	writeJSON(w, http.StatusOK, infoResponse{
		Service:          "upload-manager",
		Version:          config.Version,
		Executor:         h.executor,
		Policy:           policy,
		MaxFileSizeHuman: humanize.IBytes(uint64(max(policy.MaxFileSize, 0))),
	})
}

// GetSummary обрабатывает GET /api/v1/summary.
func (h *SystemHandler) GetSummary(w http.ResponseWriter, _ *http.Request) {
	snap := h.svc.Snapshot()
	writeJSON(w, http.StatusOK, buildSummary(snap.Version, snap.Files, snap.Summary, h.svc.UploadRunning()))
}

func buildSummary(version uint64, files []model.FileRecord, sum model.Summary, running bool) summaryResponse {
	var rate float64
	for i := range files {
		if files[i].Status == model.StatusUploading {
			rate += files[i].TransferRate
		}
	}

	percent := 0
	if sum.TotalBytes > 0 {
		percent = int(sum.TransferredBytes * 100 / sum.TotalBytes)
	}

	return summaryResponse{
		Summary:          sum,
		Version:          version,
		Percent:          percent,
		TransferRate:     rate,
		TotalHuman:       humanize.IBytes(uint64(sum.TotalBytes)),
		TransferredHuman: humanize.IBytes(uint64(sum.TransferredBytes)),
		RateHuman:        humanize.IBytes(uint64(rate)) + "/s",
		UploadRunning:    running,
	}
}
