// Пакет executor — контракт исполнителя передачи данных и его реализации.
//
// Исполнитель выполняет фактическое перемещение данных одного файла,
// периодически сообщая прогресс. Оркестрация (статусы, волны, пауза)
// находится в сервисном слое и от реализации не зависит.
package executor

import (
	"context"
	"errors"
	"time"
)

// ErrStopped — передача остановлена вызывающей стороной (отмена ctx).
var ErrStopped = errors.New("передача остановлена")

// Request — параметры запуска передачи.
type Request struct {
	FileID   string
	Name     string
	Size     int64
	MimeType string
	// Payload — содержимое файла (может быть nil для исполнителей,
	// которым данные не нужны)
	Payload []byte
	// StartPercent — процент, с которого продолжается передача (0..100).
	// Прогресс ниже этого значения не воспроизводится.
	StartPercent int
}

// Progress — событие прогресса.
type Progress struct {
	// Percent — общий процент 0..100, монотонно возрастает
	Percent int
	// Rate — байт/сек с момента begin
	Rate float64
	// ETA — секунд до завершения
	ETA float64
}

// Result — итоговые метаданные успешной передачи.
type Result struct {
	FileID     string
	Location   string
	Checksum   string
	Size       int64
	FinishedAt time.Time
}

// Executor — подключаемый исполнитель передачи.
//
// Begin блокируется до завершения передачи. Отмена ctx — это вызов stop:
// после неё исполнитель не вызывает onProgress и возвращает ошибку,
// оборачивающую ErrStopped или ctx.Err(). Успех означает 100%.
// Ошибка возможна в любой момент, в том числе после достижения 100%
// до подтверждения.
type Executor interface {
	Begin(ctx context.Context, req Request, onProgress func(Progress)) (*Result, error)
}

// Func — адаптер функции к интерфейсу Executor.
type Func func(ctx context.Context, req Request, onProgress func(Progress)) (*Result, error)

// Begin реализует Executor.
func (f Func) Begin(ctx context.Context, req Request, onProgress func(Progress)) (*Result, error) {
	return f(ctx, req, onProgress)
}

// IsStopped проверяет, что ошибка вызвана остановкой передачи.
func IsStopped(err error) bool {
	return errors.Is(err, ErrStopped) || errors.Is(err, context.Canceled)
}
