// Пакет transfer — конечный автомат передачи одного файла.
//
// Жизненный цикл:
//   - pending → uploading → completed | error
//   - uploading ↔ paused
//   - uploading | paused → cancelled
//
// Конечные статусы (completed, error, cancelled) покидаются только
// удалением записи. Пакет не хранит состояние: матрицы переходов
// применяются хранилищем записей под его собственным мьютексом.
package transfer

import (
	"errors"
	"fmt"

	"github.com/bigkaa/goartstore/upload-manager/internal/domain/model"
)

// Intent — пользовательское намерение или событие планировщика.
type Intent string

const (
	// IntentStart — планировщик допускает файл в волну
	IntentStart  Intent = "start"
	IntentPause  Intent = "pause"
	IntentResume Intent = "resume"
	IntentCancel Intent = "cancel"
	IntentRemove Intent = "remove"
	// IntentComplete, IntentFail — терминальные события executor
	IntentComplete Intent = "complete"
	IntentFail     Intent = "fail"
)

// Коды ошибок намерений.
const (
	CodeNoOpIntent        = "NOOP_INTENT"
	CodeNotFound          = "NOT_FOUND"
	CodeInvalidTransition = "INVALID_TRANSITION"
)

var (
	// ErrNoOpIntent — намерение не поддерживается текущим статусом.
	// Не является сбоем: сообщается клиенту и игнорируется.
	ErrNoOpIntent = errors.New("намерение не применимо к текущему статусу")
	// ErrNotFound — запись не найдена.
	ErrNotFound = errors.New("запись не найдена")
	// ErrInvalidTransition — нарушение матрицы переходов (ошибка программы).
	ErrInvalidTransition = errors.New("недопустимый переход")
)

// validTransitions — матрица допустимых переходов.
// Ключ — текущий статус, значение — набор допустимых целевых статусов.
var validTransitions = map[model.FileStatus]map[model.FileStatus]bool{
	model.StatusPending:   {model.StatusUploading: true},
	model.StatusUploading: {model.StatusCompleted: true, model.StatusError: true, model.StatusPaused: true, model.StatusCancelled: true},
	model.StatusPaused:    {model.StatusUploading: true, model.StatusCancelled: true},
	model.StatusCompleted: {},
	model.StatusError:     {},
	model.StatusCancelled: {},
}

// allowedIntents — какие намерения допустимы в каждом статусе.
var allowedIntents = map[model.FileStatus]map[Intent]bool{
	model.StatusPending:   {IntentStart: true, IntentRemove: true},
	model.StatusUploading: {IntentPause: true, IntentCancel: true, IntentComplete: true, IntentFail: true},
	model.StatusPaused:    {IntentResume: true, IntentCancel: true},
	model.StatusCompleted: {IntentRemove: true},
	model.StatusError:     {IntentRemove: true},
	model.StatusCancelled: {IntentRemove: true},
}

// intentTargets — целевой статус для каждого намерения.
// remove не имеет целевого статуса: запись удаляется.
var intentTargets = map[Intent]model.FileStatus{
	IntentStart:    model.StatusUploading,
	IntentPause:    model.StatusPaused,
	IntentResume:   model.StatusUploading,
	IntentCancel:   model.StatusCancelled,
	IntentComplete: model.StatusCompleted,
	IntentFail:     model.StatusError,
}

// CanTransition проверяет, допустим ли переход from → to.
func CanTransition(from, to model.FileStatus) bool {
	transitions, ok := validTransitions[from]
	if !ok {
		return false
	}
	return transitions[to]
}

// Allows проверяет, допустимо ли намерение в статусе.
func Allows(status model.FileStatus, intent Intent) bool {
	intents, ok := allowedIntents[status]
	if !ok {
		return false
	}
	return intents[intent]
}

// Target возвращает целевой статус намерения.
// Для remove возвращает false.
func Target(intent Intent) (model.FileStatus, bool) {
	s, ok := intentTargets[intent]
	return s, ok
}

// Check проверяет намерение для записи и возвращает *IntentError,
// если оно не применимо.
func Check(fileID string, status model.FileStatus, intent Intent) error {
	if Allows(status, intent) {
		return nil
	}
	return &IntentError{
		Code:   CodeNoOpIntent,
		FileID: fileID,
		Intent: intent,
		Status: status,
		Message: fmt.Sprintf("намерение %s не применимо к файлу %s в статусе %s",
			intent, fileID, status),
	}
}

// Apply переводит запись в целевой статус намерения с побочными
// эффектами из матрицы переходов (обнуление скорости/ETA, progress, LastError).
// Запись изменяется на месте; при ошибке не изменяется.
func Apply(rec *model.FileRecord, intent Intent, reason string) error {
	if err := Check(rec.ID, rec.Status, intent); err != nil {
		return err
	}
	target, ok := Target(intent)
	if !ok || !CanTransition(rec.Status, target) {
		return &IntentError{
			Code:    CodeInvalidTransition,
			FileID:  rec.ID,
			Intent:  intent,
			Status:  rec.Status,
			Message: fmt.Sprintf("переход %s → %s недопустим", rec.Status, target),
		}
	}

	switch intent {
	case IntentStart:
		rec.Progress = 0
	case IntentComplete:
		rec.Progress = 100
	case IntentFail:
		rec.LastError = reason
	case IntentCancel:
		rec.LastError = model.CancelledByUser
	}

	rec.Status = target
	if target != model.StatusUploading {
		rec.TransferRate = 0
		rec.ETASeconds = 0
	}
	if target == model.StatusError || target == model.StatusCancelled {
		// LastError переживает Normalize только в этих статусах
		if rec.LastError == "" {
			rec.LastError = reason
		}
	} else {
		rec.LastError = ""
	}
	rec.Normalize()
	return nil
}

// IntentError — ошибка применения намерения к записи.
type IntentError struct {
	Code    string // Машиночитаемый код (NOOP_INTENT, NOT_FOUND, INVALID_TRANSITION)
	FileID  string
	Intent  Intent
	Status  model.FileStatus
	Message string // Человекочитаемое описание
}

func (e *IntentError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap связывает код с sentinel-ошибкой для errors.Is.
func (e *IntentError) Unwrap() error {
	switch e.Code {
	case CodeNoOpIntent:
		return ErrNoOpIntent
	case CodeNotFound:
		return ErrNotFound
	default:
		return ErrInvalidTransition
	}
}

// NotFound создаёт ошибку отсутствующей записи.
func NotFound(fileID string, intent Intent) *IntentError {
	return &IntentError{
		Code:    CodeNotFound,
		FileID:  fileID,
		Intent:  intent,
		Message: fmt.Sprintf("файл %s не найден", fileID),
	}
}

// IsBenign возвращает true для ошибок, которые сообщаются клиенту,
// но не являются сбоем (no-op намерения и отсутствующие записи).
func IsBenign(err error) bool {
	return errors.Is(err, ErrNoOpIntent) || errors.Is(err, ErrNotFound)
}
