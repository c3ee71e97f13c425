// Пакет progress — расчёт скорости передачи и оставшегося времени.
//
// Отсчёт ведётся от последнего вызова begin: после resume время и объём,
// переданные до паузы, в расчёт не попадают.
package progress

import (
	"math"
	"time"
)

// Rate возвращает скорость в байтах/сек: fraction × totalBytes / elapsed.
// При нулевом elapsed скорость не определена, возвращается 0.
func Rate(fraction float64, totalBytes int64, elapsed time.Duration) float64 {
	secs := elapsed.Seconds()
	if secs <= 0 || fraction <= 0 || totalBytes <= 0 {
		return 0
	}
	return clampFraction(fraction) * float64(totalBytes) / secs
}

// ETA возвращает оставшееся время в секундах: elapsed × (1 − fraction) / fraction.
// При нулевой доле ETA не определено, возвращается 0.
func ETA(fraction float64, elapsed time.Duration) float64 {
	if fraction <= 0 {
		return 0
	}
	f := clampFraction(fraction)
	return elapsed.Seconds() * (1 - f) / f
}

func clampFraction(f float64) float64 {
	return math.Max(0, math.Min(1, f))
}

// Sample — одно измерение прогресса.
type Sample struct {
	// Percent — общий процент 0..100 (монотонно не убывает)
	Percent int
	// Rate — байт/сек с момента begin
	Rate float64
	// ETA — секунд до завершения
	ETA float64
}

// Meter считает скорость и ETA относительно момента begin.
// Создаётся заново при каждом запуске передачи (включая resume).
type Meter struct {
	totalBytes   int64
	startPercent float64
	startedAt    time.Time
	now          func() time.Time
	last         int
}

// NewMeter создаёт измеритель для передачи, начатой с startPercent.
func NewMeter(totalBytes int64, startPercent int, now func() time.Time) *Meter {
	if now == nil {
		now = time.Now
	}
	sp := startPercent
	if sp < 0 {
		sp = 0
	}
	if sp > 100 {
		sp = 100
	}
	return &Meter{
		totalBytes:   totalBytes,
		startPercent: float64(sp),
		startedAt:    now(),
		now:          now,
		last:         sp,
	}
}

// Observe принимает текущий общий процент (может быть дробным) и возвращает
// измерение. Процент ниже ранее отданного не возвращается.
//
// Доля для скорости и ETA считается от участка, оставшегося после begin:
// при startPercent = 0 формулы совпадают с Rate/ETA для общей доли.
func (m *Meter) Observe(percent float64) Sample {
	if percent > 100 {
		percent = 100
	}
	p := int(math.Round(percent))
	if p < m.last {
		p = m.last
	}
	m.last = p

	elapsed := m.now().Sub(m.startedAt)
	span := 100 - m.startPercent
	if span <= 0 {
		return Sample{Percent: p}
	}

	done := (percent - m.startPercent) / span
	segmentBytes := int64(float64(m.totalBytes) * span / 100)

	return Sample{
		Percent: p,
		Rate:    Rate(done, segmentBytes, elapsed),
		ETA:     ETA(done, elapsed),
	}
}

// Elapsed — время с момента begin.
func (m *Meter) Elapsed() time.Duration {
	return m.now().Sub(m.startedAt)
}
