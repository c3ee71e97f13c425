// preview.go — построение превью изображений при приёме файла.
// Уменьшенная копия в PNG, кэш по SHA-256 содержимого
// (hashicorp/golang-lru/v2/expirable).
package service

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"image"
	_ "image/gif" // регистрация декодера GIF
	_ "image/jpeg" // регистрация декодера JPEG
	"image/png"
	"log/slog"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/nfnt/resize"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/bigkaa/goartstore/upload-manager/internal/domain/model"
)

// Prometheus-метрики кэша превью.
var (
	previewCacheHitsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "um_preview_cache_hits_total",
		Help: "Общее количество попаданий в кэш превью.",
	})
	previewCacheMissesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "um_preview_cache_misses_total",
		Help: "Общее количество промахов кэша превью.",
	})
	previewFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "um_preview_failures_total",
		Help: "Общее количество изображений, для которых превью не построено.",
	})
)

// PreviewService строит превью изображений.
// Ошибка декодирования не является ошибкой приёма: файл остаётся без превью.
type PreviewService struct {
	maxDim uint
	cache  *expirable.LRU[string, *model.Preview]
	logger *slog.Logger
}

// NewPreviewService создаёт сервис превью.
// maxDim — максимальная сторона уменьшенной копии,
// cacheSize и ttl — параметры LRU-кэша.
func NewPreviewService(maxDim uint, cacheSize int, ttl time.Duration, logger *slog.Logger) *PreviewService {
	return &PreviewService{
		maxDim: maxDim,
		cache:  expirable.NewLRU[string, *model.Preview](cacheSize, nil, ttl),
		logger: logger.With(slog.String("component", "preview")),
	}
}

// Build возвращает превью для изображения или nil для остальных типов
// и для повреждённых изображений.
func (p *PreviewService) Build(name, mimeType string, data []byte) *model.Preview {
	if !model.IsImage(mimeType) || len(data) == 0 {
		return nil
	}

	sum := sha256.Sum256(data)
	key := hex.EncodeToString(sum[:])
	if cached, ok := p.cache.Get(key); ok {
		previewCacheHitsTotal.Inc()
		return clonePreview(cached)
	}
	previewCacheMissesTotal.Inc()

	preview, err := p.render(data)
	if err != nil {
		previewFailuresTotal.Inc()
		p.logger.Warn("Превью не построено",
			slog.String("filename", name),
			slog.String("mime_type", mimeType),
			slog.String("error", err.Error()),
		)
		return nil
	}

	p.cache.Add(key, preview)
	return clonePreview(preview)
}

// clonePreview возвращает копию превью: каждая запись владеет своей.
func clonePreview(src *model.Preview) *model.Preview {
	dst := *src
	dst.Thumbnail = bytes.Clone(src.Thumbnail)
	return &dst
}

// render декодирует изображение и кодирует уменьшенную копию в PNG.
func (p *PreviewService) render(data []byte) (*model.Preview, error) {
	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("декодирование изображения: %w", err)
	}

	bounds := img.Bounds()
	thumb := resize.Thumbnail(p.maxDim, p.maxDim, img, resize.Lanczos3)

	var buf bytes.Buffer
	if err := png.Encode(&buf, thumb); err != nil {
		return nil, fmt.Errorf("кодирование превью: %w", err)
	}

	return &model.Preview{
		Format:    format,
		Width:     bounds.Dx(),
		Height:    bounds.Dy(),
		Thumbnail: buf.Bytes(),
	}, nil
}
