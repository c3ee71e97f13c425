// Пакет service — бизнес-логика Upload Manager.
// upload.go — приём файлов в очередь и пользовательские намерения.
package service

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/bigkaa/goartstore/upload-manager/internal/domain/model"
	"github.com/bigkaa/goartstore/upload-manager/internal/domain/transfer"
	"github.com/bigkaa/goartstore/upload-manager/internal/storage/index"
)

// RawFile — файл-кандидат на приём в очередь.
type RawFile struct {
	// Name — оригинальное имя файла
	Name string
	// Size — заявленный размер; при наличии Bytes берётся len(Bytes)
	Size int64
	// MimeType — заявленный MIME-тип; пустой определяется по содержимому
	MimeType string
	// Bytes — содержимое файла
	Bytes []byte
}

// AddResult — результат приёма пакета файлов.
type AddResult struct {
	Accepted []model.FileRecord `json:"accepted"`
	Rejected []*ValidationError `json:"rejected"`
}

// UploadService — фасад очереди загрузки: приём файлов и намерения
// пользователя (remove, upload all, pause, resume, cancel, clear all).
type UploadService struct {
	idx       *index.Index
	validator *Validator
	previews  *PreviewService
	scheduler *Scheduler
	logger    *slog.Logger
	now       func() time.Time
}

// NewUploadService создаёт сервис очереди загрузки.
func NewUploadService(
	idx *index.Index,
	validator *Validator,
	previews *PreviewService,
	scheduler *Scheduler,
	logger *slog.Logger,
) *UploadService {
	return &UploadService{
		idx:       idx,
		validator: validator,
		previews:  previews,
		scheduler: scheduler,
		logger:    logger.With(slog.String("component", "upload_service")),
		now:       time.Now,
	}
}

// Policy возвращает политику загрузки.
func (s *UploadService) Policy() model.UploadPolicy {
	return s.validator.Policy()
}

// AddFiles проверяет каждый файл и принимает допустимые в очередь
// в статусе pending. Отказ по одному файлу не прерывает пакет.
//
// Поток для каждого файла:
//  1. Определение MIME-типа (заявленный или по содержимому)
//  2. Validation Gate (размер, префикс типа)
//  3. Превью (только изображения, ошибка — без превью)
//  4. Admit в хранилище
func (s *UploadService) AddFiles(ctx context.Context, files []RawFile) AddResult {
	result := AddResult{
		Accepted: []model.FileRecord{},
		Rejected: []*ValidationError{},
	}

	for _, f := range files {
		if err := ctx.Err(); err != nil {
			result.Rejected = append(result.Rejected, &ValidationError{
				Name:    f.Name,
				Reasons: []string{err.Error()},
			})
			continue
		}

		size := f.Size
		if f.Bytes != nil {
			size = int64(len(f.Bytes))
		}
		mimeType := detectContentType(f.MimeType, f.Bytes)

		if err := s.validator.Validate(f.Name, size, mimeType); err != nil {
			var verr *ValidationError
			if errors.As(err, &verr) {
				result.Rejected = append(result.Rejected, verr)
			}
			s.logger.Info("Файл отклонён",
				slog.String("filename", f.Name),
				slog.Int64("size", size),
				slog.String("mime_type", mimeType),
				slog.String("reason", err.Error()),
			)
			continue
		}

		rec := model.FileRecord{
			ID:       uuid.New().String(),
			Name:     f.Name,
			Size:     size,
			MimeType: mimeType,
			Status:   model.StatusPending,
			Preview:  s.previews.Build(f.Name, mimeType, f.Bytes),
			AddedAt:  s.now().UTC(),
		}
		if err := s.idx.Admit(rec, f.Bytes); err != nil {
			result.Rejected = append(result.Rejected, &ValidationError{
				Name:    f.Name,
				Reasons: []string{err.Error()},
			})
			continue
		}

		stored, _ := s.idx.Get(rec.ID)
		result.Accepted = append(result.Accepted, stored)
	}

	if len(result.Accepted) > 0 {
		s.logger.Info("Файлы добавлены в очередь",
			slog.Int("accepted", len(result.Accepted)),
			slog.Int("rejected", len(result.Rejected)),
		)
	}
	return result
}

// RemoveFile удаляет файл из очереди. Допустимо только из pending,
// completed, error, cancelled; для активной передачи сначала нужен cancel.
func (s *UploadService) RemoveFile(fileID string) error {
	err := s.idx.Remove(fileID)
	if err == nil {
		s.scheduler.discard(fileID)
	}
	return s.intent(transfer.IntentRemove, fileID, err)
}

// UploadAll загружает все pending файлы волнами и блокируется до конца прохода.
func (s *UploadService) UploadAll(ctx context.Context) (*PassResult, error) {
	return s.scheduler.UploadAll(ctx)
}

// UploadAllAsync запускает проход в фоне. Возвращает количество запланированных файлов.
func (s *UploadService) UploadAllAsync(ctx context.Context) (int, error) {
	return s.scheduler.UploadAllAsync(ctx)
}

// Pause приостанавливает передачу файла.
func (s *UploadService) Pause(fileID string) error {
	return s.intent(transfer.IntentPause, fileID, s.scheduler.Pause(fileID))
}

// Resume возобновляет передачу с сохранённого процента.
func (s *UploadService) Resume(fileID string) error {
	return s.intent(transfer.IntentResume, fileID, s.scheduler.Resume(fileID))
}

// Cancel отменяет передачу файла.
func (s *UploadService) Cancel(fileID string) error {
	return s.intent(transfer.IntentCancel, fileID, s.scheduler.Cancel(fileID))
}

// ClearAll останавливает все активные передачи и удаляет все записи.
// Возвращает количество удалённых записей.
func (s *UploadService) ClearAll() int {
	removed := s.idx.Clear()
	for _, id := range removed {
		s.scheduler.discard(id)
	}
	return len(removed)
}

// Get возвращает запись по file_id.
func (s *UploadService) Get(fileID string) (model.FileRecord, bool) {
	return s.idx.Get(fileID)
}

// Snapshot возвращает упорядоченный снимок очереди с агрегатами.
func (s *UploadService) Snapshot() index.Snapshot {
	return s.idx.Snapshot()
}

// Subscribe подписывает на снимки очереди.
func (s *UploadService) Subscribe() (<-chan index.Snapshot, func()) {
	return s.idx.Subscribe()
}

// UploadRunning сообщает, выполняется ли проход загрузки.
func (s *UploadService) UploadRunning() bool {
	return s.scheduler.Running()
}

// LastPass возвращает итог последнего прохода или nil.
func (s *UploadService) LastPass() *PassResult {
	return s.scheduler.LastPass()
}

// Closing сообщает, что сервис останавливается.
func (s *UploadService) Closing() bool {
	return s.scheduler.Closed()
}

// Close останавливает все передачи.
func (s *UploadService) Close() {
	s.scheduler.Close()
}

// intent учитывает результат намерения. No-op намерения не являются
// сбоем: логируются на debug и возвращаются вызывающему как есть.
func (s *UploadService) intent(intent transfer.Intent, fileID string, err error) error {
	switch {
	case err == nil:
		intentsTotal.WithLabelValues(string(intent), "applied").Inc()
	case errors.Is(err, transfer.ErrNotFound):
		intentsTotal.WithLabelValues(string(intent), "not_found").Inc()
	case transfer.IsBenign(err):
		intentsTotal.WithLabelValues(string(intent), "noop").Inc()
		s.logger.Debug("Намерение проигнорировано",
			slog.String("file_id", fileID),
			slog.String("intent", string(intent)),
			slog.String("reason", err.Error()),
		)
	default:
		intentsTotal.WithLabelValues(string(intent), "error").Inc()
	}
	return err
}
