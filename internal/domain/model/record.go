// Пакет model — доменные модели Upload Manager.
// FileRecord — единая структура состояния файла в очереди загрузки,
// используется как in-memory представление и как формат API-ответа.
package model

import (
	"strings"
	"time"
)

// FileStatus — статус файла в очереди загрузки.
type FileStatus string

const (
	// StatusPending — файл принят в очередь, загрузка не начиналась
	StatusPending FileStatus = "pending"
	// StatusUploading — идёт передача данных
	StatusUploading FileStatus = "uploading"
	// StatusPaused — передача приостановлена пользователем
	StatusPaused FileStatus = "paused"
	// StatusCompleted — файл загружен (конечный статус)
	StatusCompleted FileStatus = "completed"
	// StatusError — передача завершилась ошибкой (конечный статус)
	StatusError FileStatus = "error"
	// StatusCancelled — передача отменена пользователем (конечный статус)
	StatusCancelled FileStatus = "cancelled"
)

// AllStatuses — все статусы в порядке жизненного цикла.
var AllStatuses = []FileStatus{
	StatusPending, StatusUploading, StatusPaused,
	StatusCompleted, StatusError, StatusCancelled,
}

// IsTerminal возвращает true для статусов без автоматических переходов.
func (s FileStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusError || s == StatusCancelled
}

// IsActive возвращает true, пока запись владеет передачей (uploading, paused).
func (s FileStatus) IsActive() bool {
	return s == StatusUploading || s == StatusPaused
}

// IsSettled — файл больше не удерживает волну планировщика.
// Пауза считается завершением для текущего прохода.
func (s FileStatus) IsSettled() bool {
	return s.IsTerminal() || s == StatusPaused
}

// CancelledByUser — причина, записываемая в LastError при отмене.
const CancelledByUser = "cancelled by user"

// Preview — декодированное превью изображения. Создаётся один раз при
// приёме файла и больше не изменяется.
type Preview struct {
	// Format — формат исходного изображения (png, jpeg, gif)
	Format string `json:"format"`
	// Width, Height — размеры исходного изображения
	Width  int `json:"width"`
	Height int `json:"height"`
	// Thumbnail — уменьшенная копия в PNG. В JSON не отдаётся,
	// доступна через /api/v1/files/{id}/preview.
	Thumbnail []byte `json:"-"`
}

// FileRecord — состояние одного файла в очереди.
type FileRecord struct {
	// ID — уникальный идентификатор (UUID v4), не переиспользуется в рамках сессии
	ID string `json:"id"`

	// Name — оригинальное имя файла
	Name string `json:"name"`

	// Size — размер файла в байтах
	Size int64 `json:"size"`

	// MimeType — MIME-тип файла
	MimeType string `json:"mime_type"`

	// Status — текущий статус
	Status FileStatus `json:"status"`

	// Progress — процент передачи 0..100
	Progress int `json:"progress"`

	// TransferRate — оценка скорости в байтах/сек (только uploading)
	TransferRate float64 `json:"transfer_rate"`

	// ETASeconds — оценка оставшегося времени (только uploading)
	ETASeconds float64 `json:"eta_seconds"`

	// LastError — причина ошибки или отмены
	LastError string `json:"last_error,omitempty"`

	// Preview — превью изображения (nil для остальных типов)
	Preview *Preview `json:"preview,omitempty"`

	// Attempts — количество запусков передачи (begin), включая resume
	Attempts int `json:"attempts"`

	// Checksum, Location — итоговые метаданные от executor после успеха
	Checksum string `json:"checksum,omitempty"`
	Location string `json:"location,omitempty"`

	AddedAt     time.Time  `json:"added_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Normalize приводит производные поля в соответствие со статусом:
// скорость и ETA обнуляются вне uploading, completed всегда 100%,
// pending всегда 0%, LastError живёт только в error и cancelled.
func (r *FileRecord) Normalize() {
	if r.Status != StatusUploading {
		r.TransferRate = 0
		r.ETASeconds = 0
	}
	switch r.Status {
	case StatusPending:
		r.Progress = 0
		r.LastError = ""
	case StatusCompleted:
		r.Progress = 100
		r.LastError = ""
	case StatusUploading, StatusPaused:
		r.LastError = ""
	}
	if r.Progress < 0 {
		r.Progress = 0
	}
	if r.Progress > 100 {
		r.Progress = 100
	}
}

// TransferredBytes — оценка переданного объёма по проценту.
func (r *FileRecord) TransferredBytes() int64 {
	return r.Size * int64(r.Progress) / 100
}

// IsImage проверяет, является ли MIME-тип изображением.
func IsImage(mimeType string) bool {
	return strings.HasPrefix(strings.ToLower(mimeType), "image/")
}

// UploadPolicy — политика приёма и загрузки файлов. Загружается один раз
// при старте и не изменяется в течение сессии.
type UploadPolicy struct {
	// MaxFileSize — максимальный размер файла в байтах
	MaxFileSize int64 `json:"max_file_size"`
	// AllowedTypes — допустимые префиксы MIME-типа (пусто = любые)
	AllowedTypes []string `json:"allowed_types"`
	// Concurrency — бюджет одновременных передач (>= 1)
	Concurrency int `json:"concurrency"`
}

// Summary — агрегаты по очереди. Полностью производные, без собственного состояния.
type Summary struct {
	Total     int `json:"total"`
	Pending   int `json:"pending"`
	Uploading int `json:"uploading"`
	Paused    int `json:"paused"`
	Completed int `json:"completed"`
	// Failed — error + cancelled
	Failed int `json:"failed"`

	TotalBytes       int64 `json:"total_bytes"`
	TransferredBytes int64 `json:"transferred_bytes"`
	CompletedBytes   int64 `json:"completed_bytes"`
}

// Summarize вычисляет агрегаты по набору записей.
func Summarize(records []FileRecord) Summary {
	var s Summary
	for i := range records {
		r := &records[i]
		s.Total++
		s.TotalBytes += r.Size
		s.TransferredBytes += r.TransferredBytes()
		switch r.Status {
		case StatusPending:
			s.Pending++
		case StatusUploading:
			s.Uploading++
		case StatusPaused:
			s.Paused++
		case StatusCompleted:
			s.Completed++
			s.CompletedBytes += r.Size
		case StatusError, StatusCancelled:
			s.Failed++
		}
	}
	return s
}
