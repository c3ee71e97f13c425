// disk.go — исполнитель, переносящий содержимое файла в spool-директорию.
//
// Запись ведётся в {file_id}.part с подсчётом SHA-256 по завершении,
// fsync и атомарным rename в итоговое имя. Рядом с готовым файлом
// пишется манифест {name}.attr.json. Частичный файл сохраняется
// между паузой и resume: продолжение пишет с байтового смещения,
// соответствующего StartPercent. Скорость записи ограничивается
// token bucket (golang.org/x/time/rate).
package executor

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/bigkaa/goartstore/upload-manager/internal/domain/progress"
	"github.com/bigkaa/goartstore/upload-manager/internal/storage/attr"
)

// diskChunkSize — размер блока записи.
const diskChunkSize = 32 * 1024

// Disk — исполнитель, записывающий файлы на локальный диск.
type Disk struct {
	// spoolDir — директория для частичных и готовых файлов
	spoolDir string
	// bytesPerSec — ограничение скорости записи (0 = без ограничения)
	bytesPerSec int64
	logger      *slog.Logger
}

// NewDisk создаёт исполнитель. Проверяет и создаёт директорию,
// если она не существует.
func NewDisk(spoolDir string, bytesPerSec int64, logger *slog.Logger) (*Disk, error) {
	if err := os.MkdirAll(spoolDir, 0o750); err != nil {
		return nil, fmt.Errorf("не удалось создать spool-директорию %s: %w", spoolDir, err)
	}

	return &Disk{
		spoolDir:    spoolDir,
		bytesPerSec: bytesPerSec,
		logger:      logger.With(slog.String("component", "disk_executor")),
	}, nil
}

// Begin реализует Executor.
func (d *Disk) Begin(ctx context.Context, req Request, onProgress func(Progress)) (*Result, error) {
	if int64(len(req.Payload)) != req.Size {
		return nil, fmt.Errorf("размер содержимого %d не совпадает с заявленным %d", len(req.Payload), req.Size)
	}

	partPath := d.partPath(req.FileID)
	f, err := os.OpenFile(partPath, os.O_CREATE|os.O_WRONLY, 0o640)
	if err != nil {
		return nil, fmt.Errorf("ошибка открытия частичного файла: %w", err)
	}

	// Смещение продолжения: не дальше уже записанного
	offset := req.Size * int64(req.StartPercent) / 100
	if info, statErr := f.Stat(); statErr == nil && info.Size() < offset {
		offset = info.Size()
	}
	if err := f.Truncate(offset); err != nil {
		f.Close()
		return nil, fmt.Errorf("ошибка усечения частичного файла: %w", err)
	}
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		f.Close()
		return nil, fmt.Errorf("ошибка позиционирования: %w", err)
	}

	limiter := d.limiter()
	meter := progress.NewMeter(req.Size, req.StartPercent, nil)
	lastPercent := -1

	d.logger.Debug("Запись в spool начата",
		slog.String("file_id", req.FileID),
		slog.Int64("offset", offset),
	)

	for written := offset; written < req.Size; {
		n := int64(diskChunkSize)
		if remaining := req.Size - written; remaining < n {
			n = remaining
		}

		if err := limiter.WaitN(ctx, int(n)); err != nil {
			f.Close()
			if ctx.Err() != nil {
				return nil, fmt.Errorf("%w: %w", ErrStopped, ctx.Err())
			}
			return nil, fmt.Errorf("ошибка ограничителя скорости: %w", err)
		}

		if _, err := f.Write(req.Payload[written : written+n]); err != nil {
			f.Close()
			return nil, fmt.Errorf("ошибка записи данных: %w", err)
		}
		written += n

		if ctx.Err() != nil {
			f.Close()
			return nil, fmt.Errorf("%w: %w", ErrStopped, ctx.Err())
		}

		sample := meter.Observe(float64(written) * 100 / float64(req.Size))
		if sample.Percent != lastPercent && onProgress != nil {
			lastPercent = sample.Percent
			onProgress(Progress{Percent: sample.Percent, Rate: sample.Rate, ETA: sample.ETA})
		}
	}

	// fsync для гарантии записи на диск
	if err := f.Sync(); err != nil {
		f.Close()
		return nil, fmt.Errorf("ошибка fsync: %w", err)
	}
	if err := f.Close(); err != nil {
		return nil, fmt.Errorf("ошибка закрытия файла: %w", err)
	}

	checksum, err := computeChecksum(partPath)
	if err != nil {
		return nil, err
	}

	// Остановка после записи последнего блока: итоговый файл не создаётся,
	// частичный остаётся для resume или Discard
	if ctx.Err() != nil {
		return nil, fmt.Errorf("%w: %w", ErrStopped, ctx.Err())
	}

	// Атомарный rename
	finalPath := filepath.Join(d.spoolDir, storageName(req.FileID, req.Name))
	if err := os.Rename(partPath, finalPath); err != nil {
		return nil, fmt.Errorf("ошибка атомарного переименования: %w", err)
	}

	finishedAt := time.Now().UTC()
	manifest := &attr.Manifest{
		FileID:      req.FileID,
		Name:        req.Name,
		StoragePath: filepath.Base(finalPath),
		MimeType:    req.MimeType,
		Size:        req.Size,
		Checksum:    checksum,
		CompletedAt: finishedAt,
	}
	if err := attr.Write(attr.AttrFilePath(finalPath), manifest); err != nil {
		// Файл без манифеста не считается загруженным
		_ = os.Remove(finalPath)
		return nil, fmt.Errorf("ошибка записи манифеста: %w", err)
	}

	// Отмена во время rename или записи манифеста: результат удаляется
	if ctx.Err() != nil {
		d.removeCompleted(finalPath)
		return nil, fmt.Errorf("%w: %w", ErrStopped, ctx.Err())
	}

	return &Result{
		FileID:     req.FileID,
		Location:   finalPath,
		Checksum:   checksum,
		Size:       req.Size,
		FinishedAt: finishedAt,
	}, nil
}

// removeCompleted удаляет итоговый файл и его манифест.
func (d *Disk) removeCompleted(finalPath string) {
	if err := os.Remove(finalPath); err != nil && !os.IsNotExist(err) {
		d.logger.Warn("Не удалось удалить файл отменённой передачи",
			slog.String("path", finalPath),
			slog.String("error", err.Error()),
		)
	}
	if err := attr.Delete(attr.AttrFilePath(finalPath)); err != nil {
		d.logger.Warn("Не удалось удалить манифест", slog.String("error", err.Error()))
	}
}

// SweepResult — итог очистки spool-директории.
type SweepResult struct {
	// RemovedParts — удалённые частичные файлы прошлых запусков
	RemovedParts int
	// OrphanedAttrs — удалённые манифесты без файла данных
	OrphanedAttrs int
	// Completed — манифесты завершённых передач
	Completed int
}

// Sweep очищает spool после перезапуска. Очередь живёт только в памяти,
// поэтому ни один *.part не может быть продолжен и удаляется.
// Манифесты без файла данных также удаляются.
// Вызывается до начала приёма файлов.
func (d *Disk) Sweep() (*SweepResult, error) {
	entries, err := os.ReadDir(d.spoolDir)
	if err != nil {
		return nil, fmt.Errorf("ошибка чтения spool-директории: %w", err)
	}

	result := &SweepResult{}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".part") {
			continue
		}
		if err := os.Remove(filepath.Join(d.spoolDir, e.Name())); err != nil && !os.IsNotExist(err) {
			d.logger.Warn("Не удалось удалить частичный файл",
				slog.String("name", e.Name()),
				slog.String("error", err.Error()),
			)
			continue
		}
		result.RemovedParts++
	}

	manifests, err := attr.ScanDir(d.spoolDir)
	if err != nil {
		return nil, err
	}
	for _, m := range manifests {
		dataPath := filepath.Join(d.spoolDir, m.StoragePath)
		if _, statErr := os.Stat(dataPath); os.IsNotExist(statErr) {
			if delErr := attr.Delete(attr.AttrFilePath(dataPath)); delErr == nil {
				result.OrphanedAttrs++
			}
			continue
		}
		result.Completed++
	}

	d.logger.Info("Spool-директория очищена",
		slog.Int("removed_parts", result.RemovedParts),
		slog.Int("orphaned_attrs", result.OrphanedAttrs),
		slog.Int("completed", result.Completed),
	)
	return result, nil
}

// Discard удаляет частичный файл отменённой или удалённой передачи.
// Возвращает nil, если файла нет.
func (d *Disk) Discard(fileID string) error {
	err := os.Remove(d.partPath(fileID))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("ошибка удаления частичного файла %s: %w", fileID, err)
	}
	return nil
}

// SpoolDir возвращает путь к spool-директории.
func (d *Disk) SpoolDir() string {
	return d.spoolDir
}

func (d *Disk) partPath(fileID string) string {
	return filepath.Join(d.spoolDir, sanitize(fileID)+".part")
}

func (d *Disk) limiter() *rate.Limiter {
	if d.bytesPerSec <= 0 {
		return rate.NewLimiter(rate.Inf, diskChunkSize)
	}
	burst := int(d.bytesPerSec)
	if burst < diskChunkSize {
		burst = diskChunkSize
	}
	return rate.NewLimiter(rate.Limit(d.bytesPerSec), burst)
}

// computeChecksum вычисляет SHA-256 хэш файла.
func computeChecksum(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("ошибка открытия файла %s: %w", path, err)
	}
	defer f.Close()

	hasher := sha256.New()
	if _, err := io.Copy(hasher, f); err != nil {
		return "", fmt.Errorf("ошибка вычисления checksum %s: %w", path, err)
	}

	return hex.EncodeToString(hasher.Sum(nil)), nil
}

// storageName генерирует итоговое имя файла: {file_id}_{name}{ext}.
func storageName(fileID, originalFilename string) string {
	ext := filepath.Ext(originalFilename)
	name := sanitize(strings.TrimSuffix(originalFilename, ext))

	// Ограничиваем длину имени для предотвращения проблем с FS
	if len(name) > 50 {
		name = name[:50]
	}

	if ext != "" {
		return fmt.Sprintf("%s_%s%s", sanitize(fileID), name, sanitize(ext))
	}
	return fmt.Sprintf("%s_%s", sanitize(fileID), name)
}

// sanitize убирает небезопасные символы из строки для использования в имени файла.
// Оставляет только буквы, цифры, точку, дефис и подчёркивание.
func sanitize(s string) string {
	var result strings.Builder
	for _, r := range s {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') ||
			(r >= '0' && r <= '9') || r == '-' || r == '_' || r == '.' ||
			(r >= 0x0400 && r <= 0x04FF) { // Кириллица
			result.WriteRune(r)
		}
	}
	if result.Len() == 0 {
		return "file"
	}
	return result.String()
}
