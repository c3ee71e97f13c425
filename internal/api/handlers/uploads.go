// uploads.go — обработчики запуска и состояния прохода загрузки.
package handlers

import (
	"context"
	stderrors "errors"
	"log/slog"
	"net/http"

	"github.com/bigkaa/goartstore/upload-manager/internal/api/errors"
	"github.com/bigkaa/goartstore/upload-manager/internal/service"
)

// UploadsHandler — обработчик endpoints прохода загрузки.
type UploadsHandler struct {
	svc         QueueService
	concurrency int
	logger      *slog.Logger
}

// NewUploadsHandler создаёт обработчик endpoints прохода загрузки.
func NewUploadsHandler(svc QueueService, logger *slog.Logger) *UploadsHandler {
	return &UploadsHandler{
		svc:         svc,
		concurrency: svc.Policy().Concurrency,
		logger:      logger.With(slog.String("component", "uploads_handler")),
	}
}

type startResponse struct {
	Scheduled   int `json:"scheduled"`
	Concurrency int `json:"concurrency"`
}

type passStatusResponse struct {
	Running  bool                `json:"running"`
	LastPass *service.PassResult `json:"last_pass,omitempty"`
}

// StartUpload обрабатывает POST /api/v1/uploads.
// Запускает проход по всем pending-файлам и сразу отвечает 202.
// Проход не привязан к жизни запроса: отмена запроса его не прерывает.
func (h *UploadsHandler) StartUpload(w http.ResponseWriter, r *http.Request) {
	scheduled, err := h.svc.UploadAllAsync(context.WithoutCancel(r.Context()))
	switch {
	case err == nil:
	case stderrors.Is(err, service.ErrPassInProgress):
		errors.UploadInProgress(w, "Проход загрузки уже выполняется")
		return
	case stderrors.Is(err, service.ErrNothingToUpload):
		errors.NothingToUpload(w, "Нет файлов в статусе pending")
		return
	case stderrors.Is(err, service.ErrSchedulerClosed):
		errors.ServiceUnavailable(w, "Сервис останавливается")
		return
	default:
		h.logger.Error("Ошибка запуска прохода загрузки", slog.String("error", err.Error()))
		errors.InternalError(w, "Ошибка запуска загрузки")
		return
	}

	writeJSON(w, http.StatusAccepted, startResponse{
		Scheduled:   scheduled,
		Concurrency: h.concurrency,
	})
}

// GetUploadStatus обрабатывает GET /api/v1/uploads.
func (h *UploadsHandler) GetUploadStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, passStatusResponse{
		Running:  h.svc.UploadRunning(),
		LastPass: h.svc.LastPass(),
	})
}
