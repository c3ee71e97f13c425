// scheduler.go — планировщик загрузки «всех pending» волнами.
//
// Волна — не более C файлов, запущенных одновременно. Следующая волна
// стартует только после того, как каждый участник текущей завершился
// (completed, error, cancelled, paused или пропущен). Ожидание волны
// изолирующее: ошибка одной передачи не прерывает соседние.
package service

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/bigkaa/goartstore/upload-manager/internal/domain/model"
	"github.com/bigkaa/goartstore/upload-manager/internal/executor"
	"github.com/bigkaa/goartstore/upload-manager/internal/storage/index"
)

var (
	// ErrPassInProgress — проход загрузки уже выполняется. Не является сбоем.
	ErrPassInProgress = errors.New("загрузка уже выполняется")
	// ErrNothingToUpload — в очереди нет pending файлов. Не является сбоем.
	ErrNothingToUpload = errors.New("нет файлов для загрузки")
	// ErrSchedulerClosed — планировщик остановлен.
	ErrSchedulerClosed = errors.New("планировщик остановлен")
)

// ReasonInterrupted — причина ошибки, если передачу прервала остановка сервиса.
const ReasonInterrupted = "upload interrupted"

// Discarder — необязательная возможность executor удалить частично
// переданные данные файла после отмены или удаления.
type Discarder interface {
	Discard(fileID string) error
}

// PassResult — итог одного прохода UploadAll.
type PassResult struct {
	// Scheduled — количество pending файлов на момент старта
	Scheduled int `json:"scheduled"`
	// Waves — количество выполненных волн
	Waves     int `json:"waves"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Cancelled int `json:"cancelled"`
	Paused    int `json:"paused"`
	// Skipped — файлы, покинувшие pending до своей волны или удалённые
	Skipped int `json:"skipped"`
	// Aborted — проход остановлен до исчерпания волн
	Aborted  bool          `json:"aborted"`
	Duration time.Duration `json:"duration"`
}

// Scheduler — планировщик передач с бюджетом одновременности.
type Scheduler struct {
	idx         *index.Index
	exec        executor.Executor
	concurrency int
	logger      *slog.Logger

	// base — родительский контекст всех передач, отменяется в Close
	base   context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex // защита от параллельного прохода
	running  bool
	closed   bool
	lastPass *PassResult
}

// NewScheduler создаёт планировщик. concurrency < 1 приводится к 1.
func NewScheduler(idx *index.Index, exec executor.Executor, concurrency int, logger *slog.Logger) *Scheduler {
	if concurrency < 1 {
		concurrency = 1
	}
	base, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		idx:         idx,
		exec:        exec,
		concurrency: concurrency,
		logger:      logger.With(slog.String("component", "scheduler")),
		base:        base,
		cancel:      cancel,
	}
}

// Concurrency возвращает бюджет одновременных передач.
func (s *Scheduler) Concurrency() int {
	return s.concurrency
}

// Running сообщает, выполняется ли проход.
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// LastPass возвращает итог последнего завершённого прохода или nil.
func (s *Scheduler) LastPass() *PassResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lastPass == nil {
		return nil
	}
	res := *s.lastPass
	return &res
}

// UploadAll выполняет проход по всем pending файлам и блокируется до его конца.
// Отмена ctx прекращает запуск новых волн; запущенные передачи доводятся.
func (s *Scheduler) UploadAll(ctx context.Context) (*PassResult, error) {
	ids, err := s.prepare()
	if err != nil {
		return nil, err
	}
	defer s.wg.Done()
	return s.run(ctx, ids), nil
}

// UploadAllAsync запускает проход в фоне и возвращает количество
// запланированных файлов. Ошибки ErrPassInProgress и ErrNothingToUpload
// возвращаются синхронно.
func (s *Scheduler) UploadAllAsync(ctx context.Context) (int, error) {
	ids, err := s.prepare()
	if err != nil {
		return 0, err
	}
	go func() {
		defer s.wg.Done()
		s.run(ctx, ids)
	}()
	return len(ids), nil
}

// prepare резервирует проход и фиксирует снимок pending файлов.
func (s *Scheduler) prepare() ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrSchedulerClosed
	}
	if s.running {
		return nil, ErrPassInProgress
	}
	ids := s.idx.PendingIDs()
	if len(ids) == 0 {
		return nil, ErrNothingToUpload
	}
	s.running = true
	s.wg.Add(1)
	return ids, nil
}

// run выполняет волны последовательно.
func (s *Scheduler) run(ctx context.Context, ids []string) *PassResult {
	start := time.Now()
	result := &PassResult{Scheduled: len(ids)}

	s.logger.Info("Проход загрузки начат",
		slog.Int("files", len(ids)),
		slog.Int("concurrency", s.concurrency),
	)

	for from := 0; from < len(ids); from += s.concurrency {
		if ctx.Err() != nil || s.base.Err() != nil {
			result.Aborted = true
			break
		}
		to := min(from+s.concurrency, len(ids))
		s.runWave(ids[from:to], result)
		result.Waves++
		wavesTotal.Inc()
	}

	result.Duration = time.Since(start)

	s.mu.Lock()
	s.running = false
	s.lastPass = result
	s.mu.Unlock()

	s.logger.Info("Проход загрузки завершён",
		slog.Int("waves", result.Waves),
		slog.Int("completed", result.Completed),
		slog.Int("failed", result.Failed),
		slog.Int("cancelled", result.Cancelled),
		slog.Int("paused", result.Paused),
		slog.Int("skipped", result.Skipped),
		slog.Bool("aborted", result.Aborted),
		slog.Duration("duration", result.Duration),
	)
	return result
}

// runWave запускает участников волны и ждёт завершения каждого.
// Файл, покинувший pending до своей волны, пропускается.
func (s *Scheduler) runWave(wave []string, result *PassResult) {
	var g errgroup.Group
	admitted := make([]string, 0, len(wave))

	for _, id := range wave {
		ctx, cancel := context.WithCancel(s.base)
		started, err := s.idx.Start(id, cancel)
		if err != nil {
			cancel()
			result.Skipped++
			s.logger.Debug("Файл пропущен в волне",
				slog.String("file_id", id),
				slog.String("reason", err.Error()),
			)
			continue
		}
		admitted = append(admitted, id)
		g.Go(func() error {
			s.transfer(ctx, id, started)
			return nil
		})
	}

	// Функции группы не возвращают ошибок: сбой передачи уже записан в запись
	_ = g.Wait()

	for _, id := range admitted {
		rec, ok := s.idx.Get(id)
		if !ok {
			result.Skipped++
			continue
		}
		switch rec.Status {
		case model.StatusCompleted:
			result.Completed++
		case model.StatusError:
			result.Failed++
		case model.StatusCancelled:
			result.Cancelled++
		case model.StatusPaused:
			result.Paused++
		case model.StatusUploading:
			// возобновлён до окончания волны и идёт вне бюджета
			result.Paused++
		}
	}
}

// Resume возобновляет приостановленный файл с сохранённого процента.
// Передача запускается сразу, вне бюджета волн.
func (s *Scheduler) Resume(fileID string) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSchedulerClosed
	}
	s.wg.Add(1)
	s.mu.Unlock()

	ctx, cancel := context.WithCancel(s.base)
	started, err := s.idx.Resume(fileID, cancel)
	if err != nil {
		cancel()
		s.wg.Done()
		return err
	}

	s.logger.Info("Передача возобновлена",
		slog.String("file_id", fileID),
		slog.Int("from_percent", started.Request.StartPercent),
	)

	go func() {
		defer s.wg.Done()
		s.transfer(ctx, fileID, started)
	}()
	return nil
}

// Pause приостанавливает передачу, сохраняя прогресс.
func (s *Scheduler) Pause(fileID string) error {
	if err := s.idx.Pause(fileID); err != nil {
		return err
	}
	s.logger.Info("Передача приостановлена", slog.String("file_id", fileID))
	return nil
}

// Cancel отменяет передачу и удаляет частично переданные данные.
func (s *Scheduler) Cancel(fileID string) error {
	if err := s.idx.Cancel(fileID); err != nil {
		return err
	}
	s.discard(fileID)
	s.logger.Info("Передача отменена", slog.String("file_id", fileID))
	return nil
}

// Closed сообщает, что планировщик остановлен.
func (s *Scheduler) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Close останавливает все передачи и ждёт их завершения.
// Передачи, прерванные остановкой, переходят в error.
func (s *Scheduler) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	s.wg.Wait()
	s.logger.Info("Планировщик остановлен")
}

// transfer выполняет одну передачу и применяет её итог к записи.
// Итог применяется только если запись всё ещё владеет дескриптором token.
func (s *Scheduler) transfer(ctx context.Context, fileID string, started *index.Started) {
	token := started.Token
	begin := time.Now()

	res, err := s.exec.Begin(ctx, started.Request, func(p executor.Progress) {
		s.idx.ApplyProgress(fileID, token, p)
	})

	if err == nil {
		if s.idx.Complete(fileID, token, res) {
			transfersTotal.WithLabelValues("completed").Inc()
			transferDuration.Observe(time.Since(begin).Seconds())
			s.logger.Info("Файл загружен",
				slog.String("file_id", fileID),
				slog.String("filename", started.Request.Name),
				slog.String("location", res.Location),
				slog.Duration("duration", time.Since(begin)),
			)
		}
		return
	}

	reason := err.Error()
	if executor.IsStopped(err) {
		// Остановка по pause/cancel уже применена к записи, Fail будет no-op
		reason = ReasonInterrupted
	}
	if s.idx.Fail(fileID, token, reason) {
		transfersTotal.WithLabelValues("failed").Inc()
		s.logger.Warn("Ошибка загрузки файла",
			slog.String("file_id", fileID),
			slog.String("filename", started.Request.Name),
			slog.String("error", err.Error()),
		)
	}
}

// discard удаляет частичные данные, если executor это поддерживает.
func (s *Scheduler) discard(fileID string) {
	d, ok := s.exec.(Discarder)
	if !ok {
		return
	}
	if err := d.Discard(fileID); err != nil {
		s.logger.Warn("Ошибка удаления частичных данных",
			slog.String("file_id", fileID),
			slog.String("error", err.Error()),
		)
	}
}
