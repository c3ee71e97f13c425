// watchdog.go — фоновое обнаружение зависших передач.
//
// Передача в uploading, от которой дольше порога нет событий прогресса,
// переводится в error с причиной "stalled: no progress for <порог>",
// executor останавливается. Запускается как горутина с периодическим
// тикером (UM_WATCHDOG_INTERVAL). При пороге 0 не запускается.
package service

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/bigkaa/goartstore/upload-manager/internal/storage/index"
)

// WatchdogResult — результат одного запуска проверки.
type WatchdogResult struct {
	// Stalled — количество передач, переведённых в error
	Stalled int
	// Duration — длительность выполнения
	Duration time.Duration
}

// Watchdog — сервис обнаружения зависших передач.
type Watchdog struct {
	idx       *index.Index
	threshold time.Duration
	interval  time.Duration
	logger    *slog.Logger

	mu     sync.Mutex // защита от параллельного запуска RunOnce
	cancel context.CancelFunc
	done   chan struct{}
}

// NewWatchdog создаёт watchdog. threshold — допустимый простой передачи.
func NewWatchdog(idx *index.Index, threshold, interval time.Duration, logger *slog.Logger) *Watchdog {
	return &Watchdog{
		idx:       idx,
		threshold: threshold,
		interval:  interval,
		logger:    logger.With(slog.String("component", "watchdog")),
	}
}

// Enabled сообщает, включён ли watchdog.
func (w *Watchdog) Enabled() bool {
	return w.threshold > 0 && w.interval > 0
}

// Start запускает фоновую горутину с периодическим тикером.
// Вызывается один раз при старте приложения.
func (w *Watchdog) Start(ctx context.Context) {
	if !w.Enabled() {
		w.logger.Info("Watchdog отключён")
		return
	}

	wdCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.done = make(chan struct{})

	go w.run(wdCtx)

	w.logger.Info("Watchdog запущен",
		slog.String("threshold", w.threshold.String()),
		slog.String("interval", w.interval.String()),
	)
}

// Stop останавливает фоновый процесс.
func (w *Watchdog) Stop() {
	if w.cancel == nil {
		return
	}
	w.cancel()
	<-w.done
	w.cancel = nil
	w.logger.Info("Watchdog остановлен")
}

// run — основной цикл фоновой горутины.
func (w *Watchdog) run(ctx context.Context) {
	defer close(w.done)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.RunOnce()
		}
	}
}

// RunOnce выполняет одну проверку.
// Потокобезопасен: использует mutex для защиты от параллельного запуска.
func (w *Watchdog) RunOnce() *WatchdogResult {
	w.mu.Lock()
	defer w.mu.Unlock()

	start := time.Now()
	result := &WatchdogResult{}

	if w.threshold <= 0 {
		return result
	}

	reason := fmt.Sprintf("stalled: no progress for %s", w.threshold)
	for _, stall := range w.idx.Stalled(w.threshold) {
		// Передача, успевшая прислать событие или завершиться, не затрагивается
		if !w.idx.FailStalled(stall.FileID, stall.Token, w.threshold, reason) {
			continue
		}
		result.Stalled++
		transfersTotal.WithLabelValues("stalled").Inc()
		watchdogStallsTotal.Inc()

		w.logger.Warn("Передача прервана: нет прогресса",
			slog.String("file_id", stall.FileID),
			slog.Duration("idle", stall.Idle),
		)
	}

	result.Duration = time.Since(start)
	if result.Stalled > 0 {
		w.logger.Info("Watchdog: проверка завершена",
			slog.Int("stalled", result.Stalled),
			slog.Duration("duration", result.Duration),
		)
	}
	return result
}
