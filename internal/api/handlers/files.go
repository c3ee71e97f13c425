// files.go — HTTP handlers очереди файлов Upload Manager.
// Приём, список, запись, превью, удаление, pause/resume/cancel.
package handlers

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/bigkaa/goartstore/upload-manager/internal/api/errors"
	"github.com/bigkaa/goartstore/upload-manager/internal/domain/model"
	"github.com/bigkaa/goartstore/upload-manager/internal/domain/transfer"
	"github.com/bigkaa/goartstore/upload-manager/internal/service"
	"github.com/bigkaa/goartstore/upload-manager/internal/storage/index"
)

// multipartMemory — часть multipart-формы, хранимая в памяти; остальное во временных файлах.
const multipartMemory = 32 << 20

// QueueService — операции очереди, используемые HTTP-слоем.
type QueueService interface {
	AddFiles(ctx context.Context, files []service.RawFile) service.AddResult
	RemoveFile(fileID string) error
	UploadAllAsync(ctx context.Context) (int, error)
	Pause(fileID string) error
	Resume(fileID string) error
	Cancel(fileID string) error
	ClearAll() int
	Get(fileID string) (model.FileRecord, bool)
	Snapshot() index.Snapshot
	Subscribe() (<-chan index.Snapshot, func())
	UploadRunning() bool
	LastPass() *service.PassResult
	Policy() model.UploadPolicy
}

// FilesHandler — обработчик файловых endpoints.
type FilesHandler struct {
	svc        QueueService
	maxRequest int64
	logger     *slog.Logger
}

// NewFilesHandler создаёт обработчик файловых endpoints.
// maxRequest — лимит тела multipart-запроса в байтах.
func NewFilesHandler(svc QueueService, maxRequest int64, logger *slog.Logger) *FilesHandler {
	return &FilesHandler{
		svc:        svc,
		maxRequest: maxRequest,
		logger:     logger.With(slog.String("component", "files_handler")),
	}
}

// fileListResponse — снимок очереди.
type fileListResponse struct {
	Version uint64             `json:"version"`
	Items   []model.FileRecord `json:"items"`
	Total   int                `json:"total"`
	Summary model.Summary      `json:"summary"`
}

// AddFiles обрабатывает POST /api/v1/files.
// Multipart form: files (одно или несколько полей). Каждый файл проверяется
// политикой отдельно; отказ по одному файлу не прерывает пакет.
func (h *FilesHandler) AddFiles(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxRequest)
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if stderrors.As(err, &tooLarge) {
			errors.FileTooLarge(w, fmt.Sprintf("Запрос превышает лимит %d байт", tooLarge.Limit))
			return
		}
		errors.ValidationError(w, fmt.Sprintf("Ошибка парсинга multipart: %s", err.Error()))
		return
	}
	defer func() { _ = r.MultipartForm.RemoveAll() }()

	headers := append(r.MultipartForm.File["files"], r.MultipartForm.File["file"]...)
	if len(headers) == 0 {
		errors.ValidationError(w, "Поле 'files' обязательно")
		return
	}

	raws := make([]service.RawFile, 0, len(headers))
	for _, fh := range headers {
		raw, err := readPart(fh)
		if err != nil {
			h.logger.Error("Ошибка чтения файла из multipart",
				slog.String("filename", fh.Filename),
				slog.String("error", err.Error()),
			)
			errors.InternalError(w, "Ошибка чтения файла из запроса")
			return
		}
		raws = append(raws, raw)
	}

	result := h.svc.AddFiles(r.Context(), raws)

	if len(result.Accepted) == 0 {
		writeRejected(w, result.Rejected)
		return
	}

	writeJSON(w, http.StatusCreated, result)
}

// readPart читает файл multipart-формы целиком.
func readPart(fh *multipart.FileHeader) (service.RawFile, error) {
	f, err := fh.Open()
	if err != nil {
		return service.RawFile{}, fmt.Errorf("открытие части %s: %w", fh.Filename, err)
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return service.RawFile{}, fmt.Errorf("чтение части %s: %w", fh.Filename, err)
	}
	return service.RawFile{
		Name:     fh.Filename,
		Size:     fh.Size,
		MimeType: fh.Header.Get("Content-Type"),
		Bytes:    data,
	}, nil
}

// writeRejected отвечает ошибкой, когда не принят ни один файл:
// 413 если все отказы по размеру, иначе 400.
func writeRejected(w http.ResponseWriter, rejected []*service.ValidationError) {
	allTooLarge := len(rejected) > 0
	messages := make([]string, 0, len(rejected))
	for _, rej := range rejected {
		allTooLarge = allTooLarge && rej.TooLarge
		messages = append(messages, rej.Error())
	}
	message := strings.Join(messages, "; ")

	if allTooLarge {
		errors.FileTooLarge(w, message)
		return
	}
	errors.ValidationError(w, message)
}

// ListFiles обрабатывает GET /api/v1/files.
// Фильтр: status (необязательный).
func (h *FilesHandler) ListFiles(w http.ResponseWriter, r *http.Request) {
	snap := h.svc.Snapshot()

	items := snap.Files
	if raw := r.URL.Query().Get("status"); raw != "" {
		status := model.FileStatus(raw)
		if !isKnownStatus(status) {
			errors.ValidationError(w, fmt.Sprintf("Недопустимый статус: %s", raw))
			return
		}
		items = make([]model.FileRecord, 0, len(snap.Files))
		for _, rec := range snap.Files {
			if rec.Status == status {
				items = append(items, rec)
			}
		}
	}

	writeJSON(w, http.StatusOK, fileListResponse{
		Version: snap.Version,
		Items:   items,
		Total:   len(items),
		Summary: snap.Summary,
	})
}

// GetFile обрабатывает GET /api/v1/files/{id}.
func (h *FilesHandler) GetFile(w http.ResponseWriter, r *http.Request) {
	fileID := chi.URLParam(r, "id")
	rec, ok := h.svc.Get(fileID)
	if !ok {
		errors.NotFound(w, fmt.Sprintf("Файл %s не найден", fileID))
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// GetPreview обрабатывает GET /api/v1/files/{id}/preview.
// Возвращает уменьшенную копию изображения в PNG.
func (h *FilesHandler) GetPreview(w http.ResponseWriter, r *http.Request) {
	fileID := chi.URLParam(r, "id")
	rec, ok := h.svc.Get(fileID)
	if !ok {
		errors.NotFound(w, fmt.Sprintf("Файл %s не найден", fileID))
		return
	}
	if rec.Preview == nil || len(rec.Preview.Thumbnail) == 0 {
		errors.NotFound(w, fmt.Sprintf("Для файла %s нет превью", fileID))
		return
	}

	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "private, max-age=3600")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(rec.Preview.Thumbnail)
}

// RemoveFile обрабатывает DELETE /api/v1/files/{id}.
func (h *FilesHandler) RemoveFile(w http.ResponseWriter, r *http.Request) {
	fileID := chi.URLParam(r, "id")
	if err := h.svc.RemoveFile(fileID); err != nil {
		writeIntentError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ClearAll обрабатывает DELETE /api/v1/files.
// Останавливает все передачи и очищает очередь.
func (h *FilesHandler) ClearAll(w http.ResponseWriter, _ *http.Request) {
	removed := h.svc.ClearAll()
	writeJSON(w, http.StatusOK, map[string]int{"removed": removed})
}

// Pause обрабатывает POST /api/v1/files/{id}/pause.
func (h *FilesHandler) Pause(w http.ResponseWriter, r *http.Request) {
	h.applyIntent(w, r, h.svc.Pause)
}

// Resume обрабатывает POST /api/v1/files/{id}/resume.
func (h *FilesHandler) Resume(w http.ResponseWriter, r *http.Request) {
	h.applyIntent(w, r, h.svc.Resume)
}

// Cancel обрабатывает POST /api/v1/files/{id}/cancel.
func (h *FilesHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	h.applyIntent(w, r, h.svc.Cancel)
}

// applyIntent применяет намерение и отвечает обновлённой записью.
func (h *FilesHandler) applyIntent(w http.ResponseWriter, r *http.Request, intent func(string) error) {
	fileID := chi.URLParam(r, "id")
	if err := intent(fileID); err != nil {
		writeIntentError(w, err)
		return
	}
	rec, ok := h.svc.Get(fileID)
	if !ok {
		errors.NotFound(w, fmt.Sprintf("Файл %s не найден", fileID))
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// writeIntentError отображает ошибку намерения в HTTP-ответ.
func writeIntentError(w http.ResponseWriter, err error) {
	var ie *transfer.IntentError
	switch {
	case stderrors.As(err, &ie) && ie.Code == transfer.CodeNotFound:
		errors.NotFound(w, ie.Message)
	case stderrors.As(err, &ie) && ie.Code == transfer.CodeNoOpIntent:
		errors.NoOpIntent(w, ie.Message)
	case stderrors.As(err, &ie):
		errors.InvalidTransition(w, ie.Message)
	case stderrors.Is(err, service.ErrSchedulerClosed):
		errors.ServiceUnavailable(w, "Сервис останавливается")
	default:
		errors.InternalError(w, err.Error())
	}
}

func isKnownStatus(status model.FileStatus) bool {
	for _, s := range model.AllStatuses {
		if s == status {
			return true
		}
	}
	return false
}

// writeJSON записывает JSON-ответ.
func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
