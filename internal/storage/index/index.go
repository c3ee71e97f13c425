// Пакет index — потокобезопасное in-memory хранилище записей очереди загрузки.
//
// Единственное разделяемое изменяемое состояние сервиса. Любая мутация
// выполняется под мьютексом как слияние целой записи по file_id; после
// каждой мутации подписчикам рассылается упорядоченный снимок.
//
// Пока запись находится в uploading или paused, она владеет дескриптором
// передачи (Handle). События executor несут токен дескриптора и
// применяются только если запись всё ещё владеет этим дескриптором,
// поэтому запоздавшие события после pause, cancel или resume отбрасываются.
//
// Не персистентный: при рестарте очередь пуста.
package index

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/bigkaa/goartstore/upload-manager/internal/domain/model"
	"github.com/bigkaa/goartstore/upload-manager/internal/domain/transfer"
	"github.com/bigkaa/goartstore/upload-manager/internal/executor"
)

// Snapshot — упорядоченный снимок очереди и производные агрегаты.
type Snapshot struct {
	// Version — монотонно растёт с каждой мутацией
	Version uint64             `json:"version"`
	Files   []model.FileRecord `json:"files"`
	Summary model.Summary      `json:"summary"`
}

// Handle — дескриптор запущенной передачи, которым владеет запись.
type Handle struct {
	token   uint64
	cancel  context.CancelFunc
	stopped bool
}

// Token — уникальный идентификатор запуска передачи.
func (h *Handle) Token() uint64 {
	return h.token
}

// stop вызывает остановку executor. Идемпотентен.
func (h *Handle) stop() {
	if h.stopped {
		return
	}
	h.stopped = true
	if h.cancel != nil {
		h.cancel()
	}
}

// entry — запись очереди вместе с внутренним состоянием, не входящим в снимок.
type entry struct {
	rec     model.FileRecord
	payload []byte
	handle  *Handle
	// lastActivity — время последнего begin или события прогресса
	lastActivity time.Time
}

// Started — данные для запуска executor после перехода в uploading.
type Started struct {
	Token   uint64
	Request executor.Request
}

// Stall — передача без событий прогресса дольше порога.
type Stall struct {
	FileID string
	Token  uint64
	Idle   time.Duration
}

// Index — потокобезопасное хранилище записей.
// Использует sync.RWMutex для конкурентного чтения и
// эксклюзивной записи.
type Index struct {
	mu        sync.RWMutex
	entries   map[string]*entry // file_id → запись
	order     []string          // порядок приёма
	version   uint64
	nextToken uint64

	subs    map[int]chan Snapshot
	nextSub int

	now    func() time.Time
	logger *slog.Logger
}

// New создаёт пустое хранилище.
func New(logger *slog.Logger) *Index {
	return &Index{
		entries: make(map[string]*entry),
		subs:    make(map[int]chan Snapshot),
		now:     time.Now,
		logger:  logger.With(slog.String("component", "index")),
	}
}

// SetClock подменяет источник времени (для тестов watchdog).
func (idx *Index) SetClock(now func() time.Time) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.now = now
}

// Admit добавляет новую запись в статусе pending.
// Возвращает ошибку, если file_id уже встречался.
func (idx *Index) Admit(rec model.FileRecord, payload []byte) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	if _, ok := idx.entries[rec.ID]; ok {
		return fmt.Errorf("файл %s уже есть в очереди", rec.ID)
	}

	rec.Status = model.StatusPending
	rec.Attempts = 0
	rec.StartedAt = nil
	rec.CompletedAt = nil
	rec.Normalize()

	idx.entries[rec.ID] = &entry{rec: rec, payload: payload}
	idx.order = append(idx.order, rec.ID)
	idx.publishLocked()
	return nil
}

// Get возвращает копию записи по file_id.
func (idx *Index) Get(fileID string) (model.FileRecord, bool) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	e, ok := idx.entries[fileID]
	if !ok {
		return model.FileRecord{}, false
	}
	return e.rec, true
}

// List возвращает копии всех записей в порядке приёма.
func (idx *Index) List() []model.FileRecord {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return idx.listLocked()
}

// PendingIDs возвращает file_id записей в статусе pending в порядке приёма.
func (idx *Index) PendingIDs() []string {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	var ids []string
	for _, id := range idx.order {
		if idx.entries[id].rec.Status == model.StatusPending {
			ids = append(ids, id)
		}
	}
	return ids
}

// Snapshot возвращает текущий снимок очереди.
func (idx *Index) Snapshot() Snapshot {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return idx.snapshotLocked()
}

// Count возвращает количество записей.
func (idx *Index) Count() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return len(idx.entries)
}

// CountByStatus возвращает количество записей с указанным статусом.
func (idx *Index) CountByStatus(status model.FileStatus) int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	count := 0
	for _, e := range idx.entries {
		if e.rec.Status == status {
			count++
		}
	}
	return count
}

// Start атомарно переводит pending → uploading и закрепляет за записью
// новый дескриптор. cancel — функция остановки executor.
func (idx *Index) Start(fileID string, cancel context.CancelFunc) (*Started, error) {
	return idx.begin(fileID, transfer.IntentStart, cancel)
}

// Resume переводит paused → uploading с новым дескриптором.
// Прежний дескриптор (уже остановленный паузой) заменяется, поэтому
// его запоздавшие события отбрасываются.
func (idx *Index) Resume(fileID string, cancel context.CancelFunc) (*Started, error) {
	return idx.begin(fileID, transfer.IntentResume, cancel)
}

func (idx *Index) begin(fileID string, intent transfer.Intent, cancel context.CancelFunc) (*Started, error) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	e, ok := idx.entries[fileID]
	if !ok {
		return nil, transfer.NotFound(fileID, intent)
	}
	if err := transfer.Apply(&e.rec, intent, ""); err != nil {
		return nil, err
	}

	if e.handle != nil {
		e.handle.stop()
	}
	idx.nextToken++
	e.handle = &Handle{token: idx.nextToken, cancel: cancel}

	now := idx.now()
	e.lastActivity = now
	e.rec.Attempts++
	if e.rec.StartedAt == nil {
		started := now.UTC()
		e.rec.StartedAt = &started
	}

	idx.publishLocked()

	return &Started{
		Token: e.handle.token,
		Request: executor.Request{
			FileID:       e.rec.ID,
			Name:         e.rec.Name,
			Size:         e.rec.Size,
			MimeType:     e.rec.MimeType,
			Payload:      e.payload,
			StartPercent: e.rec.Progress,
		},
	}, nil
}

// Pause переводит uploading → paused и останавливает executor.
// Progress сохраняется, дескриптор остаётся за записью до resume или cancel.
func (idx *Index) Pause(fileID string) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	e, ok := idx.entries[fileID]
	if !ok {
		return transfer.NotFound(fileID, transfer.IntentPause)
	}
	if err := transfer.Apply(&e.rec, transfer.IntentPause, ""); err != nil {
		return err
	}
	if e.handle != nil {
		e.handle.stop()
	}

	idx.publishLocked()
	return nil
}

// Cancel переводит uploading | paused → cancelled, останавливает executor
// (повторная остановка безопасна) и освобождает дескриптор.
func (idx *Index) Cancel(fileID string) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	e, ok := idx.entries[fileID]
	if !ok {
		return transfer.NotFound(fileID, transfer.IntentCancel)
	}
	if err := transfer.Apply(&e.rec, transfer.IntentCancel, model.CancelledByUser); err != nil {
		return err
	}
	idx.finishLocked(e)

	idx.publishLocked()
	return nil
}

// ApplyProgress сливает событие прогресса с записью.
// Возвращает false, если событие устарело: запись удалена, не в uploading
// или владеет другим дескриптором. Progress не убывает.
func (idx *Index) ApplyProgress(fileID string, token uint64, p executor.Progress) bool {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	e, ok := idx.ownedLocked(fileID, token)
	if !ok {
		idx.logger.Debug("Устаревшее событие прогресса отброшено",
			slog.String("file_id", fileID),
			slog.Uint64("token", token),
		)
		return false
	}

	if p.Percent > e.rec.Progress {
		e.rec.Progress = min(p.Percent, 100)
	}
	e.rec.TransferRate = max(p.Rate, 0)
	e.rec.ETASeconds = max(p.ETA, 0)
	e.lastActivity = idx.now()

	idx.publishLocked()
	return true
}

// Complete переводит uploading → completed по успеху executor.
func (idx *Index) Complete(fileID string, token uint64, res *executor.Result) bool {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	e, ok := idx.ownedLocked(fileID, token)
	if !ok {
		return false
	}
	if err := transfer.Apply(&e.rec, transfer.IntentComplete, ""); err != nil {
		return false
	}
	if res != nil {
		e.rec.Checksum = res.Checksum
		e.rec.Location = res.Location
	}
	done := idx.now().UTC()
	e.rec.CompletedAt = &done
	idx.finishLocked(e)

	idx.publishLocked()
	return true
}

// Fail переводит uploading → error. Progress не сбрасывается.
func (idx *Index) Fail(fileID string, token uint64, reason string) bool {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	e, ok := idx.ownedLocked(fileID, token)
	if !ok {
		return false
	}
	return idx.failLocked(e, reason)
}

// FailStalled переводит передачу в error, если она всё ещё владеет token
// и не присылала событий не меньше threshold. Простой перепроверяется
// под блокировкой.
func (idx *Index) FailStalled(fileID string, token uint64, threshold time.Duration, reason string) bool {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	e, ok := idx.ownedLocked(fileID, token)
	if !ok || idx.now().Sub(e.lastActivity) < threshold {
		return false
	}
	return idx.failLocked(e, reason)
}

func (idx *Index) failLocked(e *entry, reason string) bool {
	if err := transfer.Apply(&e.rec, transfer.IntentFail, reason); err != nil {
		return false
	}
	idx.finishLocked(e)

	idx.publishLocked()
	return true
}

// Remove удаляет запись. Допустимо только из pending, completed, error, cancelled.
func (idx *Index) Remove(fileID string) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	e, ok := idx.entries[fileID]
	if !ok {
		return transfer.NotFound(fileID, transfer.IntentRemove)
	}
	if err := transfer.Check(fileID, e.rec.Status, transfer.IntentRemove); err != nil {
		return err
	}

	idx.deleteLocked(fileID)
	idx.publishLocked()
	return nil
}

// Clear останавливает все активные передачи и удаляет все записи.
// Возвращает file_id удалённых записей.
func (idx *Index) Clear() []string {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	removed := make([]string, 0, len(idx.order))
	for _, id := range idx.order {
		if e := idx.entries[id]; e.handle != nil {
			e.handle.stop()
			e.handle = nil
		}
		removed = append(removed, id)
	}
	idx.entries = make(map[string]*entry)
	idx.order = nil

	idx.publishLocked()
	idx.logger.Info("Очередь очищена", slog.Int("removed", len(removed)))
	return removed
}

// Stalled возвращает передачи в uploading без активности дольше threshold.
func (idx *Index) Stalled(threshold time.Duration) []Stall {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	now := idx.now()
	var stalls []Stall
	for _, id := range idx.order {
		e := idx.entries[id]
		if e.rec.Status != model.StatusUploading || e.handle == nil {
			continue
		}
		if idle := now.Sub(e.lastActivity); idle >= threshold {
			stalls = append(stalls, Stall{FileID: id, Token: e.handle.token, Idle: idle})
		}
	}
	return stalls
}

// Subscribe подписывает на снимки очереди. Канал получает текущий снимок
// сразу и затем после каждой мутации; медленный подписчик получает
// только самый свежий снимок. Возвращённая функция отменяет подписку.
func (idx *Index) Subscribe() (<-chan Snapshot, func()) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	ch := make(chan Snapshot, 1)
	id := idx.nextSub
	idx.nextSub++
	idx.subs[id] = ch
	ch <- idx.snapshotLocked()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			idx.mu.Lock()
			defer idx.mu.Unlock()
			delete(idx.subs, id)
			close(ch)
		})
	}
}

// ownedLocked возвращает запись, если она в uploading и владеет дескриптором token.
func (idx *Index) ownedLocked(fileID string, token uint64) (*entry, bool) {
	e, ok := idx.entries[fileID]
	if !ok {
		return nil, false
	}
	if e.rec.Status != model.StatusUploading || e.handle == nil || e.handle.token != token || e.handle.stopped {
		return nil, false
	}
	return e, true
}

// finishLocked останавливает и освобождает дескриптор при конечном переходе.
func (idx *Index) finishLocked(e *entry) {
	if e.handle != nil {
		e.handle.stop()
		e.handle = nil
	}
	e.payload = nil
}

func (idx *Index) deleteLocked(fileID string) {
	delete(idx.entries, fileID)
	for i, id := range idx.order {
		if id == fileID {
			idx.order = append(idx.order[:i], idx.order[i+1:]...)
			break
		}
	}
}

func (idx *Index) listLocked() []model.FileRecord {
	out := make([]model.FileRecord, 0, len(idx.order))
	for _, id := range idx.order {
		out = append(out, idx.entries[id].rec)
	}
	return out
}

func (idx *Index) snapshotLocked() Snapshot {
	files := idx.listLocked()
	return Snapshot{
		Version: idx.version,
		Files:   files,
		Summary: model.Summarize(files),
	}
}

// publishLocked увеличивает версию и рассылает снимок подписчикам.
// Устаревший неполученный снимок вытесняется свежим.
func (idx *Index) publishLocked() {
	idx.version++
	if len(idx.subs) == 0 {
		return
	}

	snap := idx.snapshotLocked()
	for _, ch := range idx.subs {
		select {
		case ch <- snap:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- snap:
			default:
			}
		}
	}
}
