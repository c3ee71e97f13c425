// Пакет executortest — управляемый исполнитель для тестов.
//
// Manual не двигает прогресс сам: тест получает активную передачу через
// Next/Wait и вручную отправляет события прогресса, успех или ошибку.
package executortest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bigkaa/goartstore/upload-manager/internal/executor"
)

// Transfer — одна передача, запущенная через Manual.Begin.
type Transfer struct {
	Req executor.Request

	ctx        context.Context
	onProgress func(executor.Progress)
	done       chan outcome
	finished   chan struct{}
}

type outcome struct {
	res *executor.Result
	err error
}

// Progress отправляет событие прогресса в обход проверки остановки,
// как это сделал бы исполнитель с запоздавшим событием.
func (t *Transfer) Progress(percent int, rate, eta float64) {
	t.onProgress(executor.Progress{Percent: percent, Rate: rate, ETA: eta})
}

// Succeed завершает передачу успешно.
func (t *Transfer) Succeed() {
	t.finish(outcome{res: &executor.Result{
		FileID:     t.Req.FileID,
		Location:   "manual://" + t.Req.FileID,
		Checksum:   "manual",
		Size:       t.Req.Size,
		FinishedAt: time.Now().UTC(),
	}})
}

// Fail завершает передачу ошибкой.
func (t *Transfer) Fail(reason string) {
	t.finish(outcome{err: errors.New(reason)})
}

// Stopped возвращает канал, закрываемый при остановке передачи.
func (t *Transfer) Stopped() <-chan struct{} {
	return t.ctx.Done()
}

// Finished возвращает канал, закрываемый после возврата Begin.
func (t *Transfer) Finished() <-chan struct{} {
	return t.finished
}

func (t *Transfer) finish(o outcome) {
	select {
	case t.done <- o:
	default:
	}
}

// Manual — исполнитель, управляемый тестом.
type Manual struct {
	mu       sync.Mutex
	active   map[string]*Transfer
	started  chan *Transfer
	history  []executor.Request
	inFlight int
	peak     int
}

// NewManual создаёт управляемый исполнитель.
func NewManual() *Manual {
	return &Manual{
		active:  make(map[string]*Transfer),
		started: make(chan *Transfer, 1024),
	}
}

// Begin реализует executor.Executor.
func (m *Manual) Begin(ctx context.Context, req executor.Request, onProgress func(executor.Progress)) (*executor.Result, error) {
	t := &Transfer{
		Req:        req,
		ctx:        ctx,
		onProgress: onProgress,
		done:       make(chan outcome, 1),
		finished:   make(chan struct{}),
	}

	m.mu.Lock()
	m.active[req.FileID] = t
	m.history = append(m.history, req)
	m.inFlight++
	if m.inFlight > m.peak {
		m.peak = m.inFlight
	}
	m.mu.Unlock()

	m.started <- t

	defer func() {
		m.mu.Lock()
		m.inFlight--
		if m.active[req.FileID] == t {
			delete(m.active, req.FileID)
		}
		m.mu.Unlock()
		close(t.finished)
	}()

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %w", executor.ErrStopped, ctx.Err())
	case o := <-t.done:
		return o.res, o.err
	}
}

// Next ожидает очередной запуск передачи.
func (m *Manual) Next(timeout time.Duration) (*Transfer, error) {
	select {
	case t := <-m.started:
		return t, nil
	case <-time.After(timeout):
		return nil, fmt.Errorf("за %s не запущено ни одной передачи", timeout)
	}
}

// Active возвращает текущую передачу файла.
func (m *Manual) Active(fileID string) (*Transfer, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.active[fileID]
	return t, ok
}

// InFlight — количество незавершённых вызовов Begin.
func (m *Manual) InFlight() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.inFlight
}

// Peak — максимальное число одновременных вызовов Begin.
func (m *Manual) Peak() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.peak
}

// Requests возвращает все запросы в порядке запуска.
func (m *Manual) Requests() []executor.Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]executor.Request, len(m.history))
	copy(out, m.history)
	return out
}
