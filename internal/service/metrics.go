// metrics.go — Prometheus-метрики очереди загрузки.
// Счётчики передач обновляются планировщиком и watchdog, gauge по статусам
// и объёмам — проекцией снимков хранилища (MetricsProjector).
package service

import (
	"log/slog"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/bigkaa/goartstore/upload-manager/internal/domain/model"
	"github.com/bigkaa/goartstore/upload-manager/internal/storage/index"
)

var (
	// filesByStatus — текущее количество файлов в очереди по статусам.
	filesByStatus = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "um_files",
		Help: "Текущее количество файлов в очереди по статусам",
	}, []string{"status"})

	// queueBytes — объёмы очереди: total, transferred, completed.
	queueBytes = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "um_queue_bytes",
		Help: "Объём файлов в очереди в байтах",
	}, []string{"kind"})

	// transfersTotal — завершённые передачи по результату.
	transfersTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "um_transfers_total",
		Help: "Общее количество завершённых передач по результату",
	}, []string{"result"})

	// transferDuration — длительность успешных передач.
	transferDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "um_transfer_duration_seconds",
		Help:    "Длительность успешной передачи файла в секундах",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 300},
	})

	// wavesTotal — количество выполненных волн.
	wavesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "um_waves_total",
		Help: "Общее количество выполненных волн загрузки",
	})

	// watchdogStallsTotal — передачи, прерванные watchdog.
	watchdogStallsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "um_watchdog_stalls_total",
		Help: "Общее количество передач, прерванных watchdog",
	})

	// intentsTotal — пользовательские намерения по результату (applied, noop, not_found).
	intentsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "um_intents_total",
		Help: "Общее количество пользовательских намерений",
	}, []string{"intent", "result"})
)

// MetricsProjector обновляет gauge-метрики по снимкам хранилища.
type MetricsProjector struct {
	idx    *index.Index
	logger *slog.Logger

	mu          sync.Mutex
	unsubscribe func()
	done        chan struct{}
}

// NewMetricsProjector создаёт проекцию метрик.
func NewMetricsProjector(idx *index.Index, logger *slog.Logger) *MetricsProjector {
	return &MetricsProjector{
		idx:    idx,
		logger: logger.With(slog.String("component", "metrics")),
	}
}

// Start подписывается на снимки хранилища.
func (m *MetricsProjector) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.unsubscribe != nil {
		return
	}

	ch, unsubscribe := m.idx.Subscribe()
	m.unsubscribe = unsubscribe
	m.done = make(chan struct{})

	go func(done chan struct{}) {
		defer close(done)
		for snap := range ch {
			Project(snap.Summary)
		}
	}(m.done)
}

// Stop отменяет подписку и ждёт завершения горутины.
func (m *MetricsProjector) Stop() {
	m.mu.Lock()
	unsubscribe, done := m.unsubscribe, m.done
	m.unsubscribe = nil
	m.mu.Unlock()

	if unsubscribe == nil {
		return
	}
	unsubscribe()
	<-done
}

// Project записывает агрегаты очереди в gauge-метрики.
func Project(s model.Summary) {
	filesByStatus.WithLabelValues(string(model.StatusPending)).Set(float64(s.Pending))
	filesByStatus.WithLabelValues(string(model.StatusUploading)).Set(float64(s.Uploading))
	filesByStatus.WithLabelValues(string(model.StatusPaused)).Set(float64(s.Paused))
	filesByStatus.WithLabelValues(string(model.StatusCompleted)).Set(float64(s.Completed))
	// error и cancelled учитываются вместе
	filesByStatus.WithLabelValues("failed").Set(float64(s.Failed))

	queueBytes.WithLabelValues("total").Set(float64(s.TotalBytes))
	queueBytes.WithLabelValues("transferred").Set(float64(s.TransferredBytes))
	queueBytes.WithLabelValues("completed").Set(float64(s.CompletedBytes))
}
