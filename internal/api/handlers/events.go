// events.go — поток изменений очереди через Server-Sent Events.
package handlers

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// EventsHandler — обработчик GET /api/v1/events.
type EventsHandler struct {
	svc       QueueService
	keepalive time.Duration
	logger    *slog.Logger
}

// NewEventsHandler создаёт обработчик потока событий.
// keepalive — интервал комментариев-пингов, удерживающих соединение.
func NewEventsHandler(svc QueueService, keepalive time.Duration, logger *slog.Logger) *EventsHandler {
	return &EventsHandler{
		svc:       svc,
		keepalive: keepalive,
		logger:    logger.With(slog.String("component", "events_handler")),
	}
}

// snapshotEvent — данные одного события "snapshot".
type snapshotEvent struct {
	fileListResponse
	UploadRunning bool `json:"upload_running"`
}

// Stream обрабатывает GET /api/v1/events.
// Первое событие — текущий снимок, далее по одному на каждое изменение.
// Медленный клиент получает последний снимок, промежуточные пропускаются.
func (h *EventsHandler) Stream(w http.ResponseWriter, r *http.Request) {
	rc := http.NewResponseController(w)

	updates, unsubscribe := h.svc.Subscribe()
	defer unsubscribe()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	if err := rc.Flush(); err != nil {
		h.logger.Warn("SSE не поддерживается соединением", slog.String("error", err.Error()))
		return
	}

	// Без таймаута записи: поток живёт до отключения клиента.
	_ = rc.SetWriteDeadline(time.Time{})

	ticker := time.NewTicker(h.keepalive)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case snap, ok := <-updates:
			if !ok {
				return
			}
			data, err := json.Marshal(snapshotEvent{
				fileListResponse: fileListResponse{
					Version: snap.Version,
					Items:   snap.Files,
					Total:   len(snap.Files),
					Summary: snap.Summary,
				},
				UploadRunning: h.svc.UploadRunning(),
			})
			if err != nil {
				h.logger.Error("Ошибка сериализации снимка", slog.String("error", err.Error()))
				return
			}
			if _, err := fmt.Fprintf(w, "id: %d\nevent: snapshot\ndata: %s\n\n", snap.Version, data); err != nil {
				return
			}
			if err := rc.Flush(); err != nil {
				return
			}
		case <-ticker.C:
			if _, err := fmt.Fprint(w, ": keepalive\n\n"); err != nil {
				return
			}
			if err := rc.Flush(); err != nil {
				return
			}
		}
	}
}
