// simulated.go — исполнитель с синтетическим прогрессом.
//
// Повторяет поведение демонстрационного сервиса: на каждом тике
// прибавляется 1–4% со случайным интервалом 100–300 мс, по достижении
// 100% передача с заданной вероятностью завершается сетевой ошибкой.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strings"
	"sync"
	"time"

	"github.com/bigkaa/goartstore/upload-manager/internal/domain/progress"
)

// SimulatedConfig — параметры синтетического исполнителя.
type SimulatedConfig struct {
	// MinInterval, MaxInterval — границы случайного интервала между тиками
	MinInterval time.Duration
	MaxInterval time.Duration
	// MinStep, MaxStep — прирост процента за тик
	MinStep float64
	MaxStep float64
	// FailureRate — вероятность ошибки по достижении 100% (0..1)
	FailureRate float64
	// BaseURL — префикс итогового адреса файла
	BaseURL string
	// Seed — зерно генератора (0 = случайное)
	Seed uint64
}

// DefaultSimulatedConfig возвращает параметры демонстрационного сервиса.
func DefaultSimulatedConfig() SimulatedConfig {
	return SimulatedConfig{
		MinInterval: 100 * time.Millisecond,
		MaxInterval: 300 * time.Millisecond,
		MinStep:     1,
		MaxStep:     4,
		FailureRate: 0.1,
		BaseURL:     "https://cdn.example.com/uploads",
	}
}

// ErrSimulatedNetwork — синтетическая сетевая ошибка.
var ErrSimulatedNetwork = errors.New("upload failed due to network error")

// Simulated — исполнитель с синтетическим прогрессом.
type Simulated struct {
	cfg    SimulatedConfig
	logger *slog.Logger

	mu  sync.Mutex // защита rng
	rng *rand.Rand
}

// NewSimulated создаёт синтетический исполнитель.
func NewSimulated(cfg SimulatedConfig, logger *slog.Logger) *Simulated {
	seed := cfg.Seed
	if seed == 0 {
		seed = rand.Uint64()
	}
	if cfg.MaxInterval < cfg.MinInterval {
		cfg.MaxInterval = cfg.MinInterval
	}
	if cfg.MaxStep < cfg.MinStep {
		cfg.MaxStep = cfg.MinStep
	}
	return &Simulated{
		cfg:    cfg,
		logger: logger.With(slog.String("component", "simulated_executor")),
		rng:    rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
	}
}

// Begin реализует Executor.
func (s *Simulated) Begin(ctx context.Context, req Request, onProgress func(Progress)) (*Result, error) {
	meter := progress.NewMeter(req.Size, req.StartPercent, nil)
	current := float64(req.StartPercent)

	s.logger.Debug("Синтетическая передача начата",
		slog.String("file_id", req.FileID),
		slog.Int("start_percent", req.StartPercent),
	)

	timer := time.NewTimer(s.interval())
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %w", ErrStopped, ctx.Err())
		case <-timer.C:
		}

		current += s.step()
		if current >= 100 {
			if s.fail() {
				return nil, ErrSimulatedNetwork
			}
			// Остановка могла случиться на последнем тике
			if ctx.Err() != nil {
				return nil, fmt.Errorf("%w: %w", ErrStopped, ctx.Err())
			}
			return &Result{
				FileID:     req.FileID,
				Location:   strings.TrimSuffix(s.cfg.BaseURL, "/") + "/" + req.FileID,
				Size:       req.Size,
				FinishedAt: time.Now().UTC(),
			}, nil
		}

		sample := meter.Observe(current)
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %w", ErrStopped, ctx.Err())
		}
		if onProgress != nil {
			onProgress(Progress{Percent: sample.Percent, Rate: sample.Rate, ETA: sample.ETA})
		}

		timer.Reset(s.interval())
	}
}

func (s *Simulated) interval() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	spread := s.cfg.MaxInterval - s.cfg.MinInterval
	if spread <= 0 {
		return s.cfg.MinInterval
	}
	return s.cfg.MinInterval + time.Duration(s.rng.Int64N(int64(spread)))
}

func (s *Simulated) step() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.MinStep + s.rng.Float64()*(s.cfg.MaxStep-s.cfg.MinStep)
}

func (s *Simulated) fail() bool {
	if s.cfg.FailureRate <= 0 {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rng.Float64() < s.cfg.FailureRate
}
