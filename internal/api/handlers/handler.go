// handler.go — APIHandler собирает доменные handler'ы и регистрирует маршруты.
package handlers

import (
	"github.com/go-chi/chi/v5"
)

// APIHandler — набор всех HTTP handlers Upload Manager.
type APIHandler struct {
	files   *FilesHandler
	uploads *UploadsHandler
	system  *SystemHandler
	events  *EventsHandler
	health  *HealthHandler
}

// NewAPIHandler создаёт единый handler для всех endpoints.
func NewAPIHandler(
	files *FilesHandler,
	uploads *UploadsHandler,
	system *SystemHandler,
	events *EventsHandler,
	health *HealthHandler,
) *APIHandler {
	return &APIHandler{
		files:   files,
		uploads: uploads,
		system:  system,
		events:  events,
		health:  health,
	}
}

// Register монтирует маршруты на роутер.
func (h *APIHandler) Register(r chi.Router) {
	r.Get("/health/live", h.health.HealthLive)
	r.Get("/health/ready", h.health.HealthReady)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/info", h.system.GetInfo)
		r.Get("/summary", h.system.GetSummary)
		r.Get("/events", h.events.Stream)

		r.Route("/files", func(r chi.Router) {
			r.Get("/", h.files.ListFiles)
			r.Post("/", h.files.AddFiles)
			r.Delete("/", h.files.ClearAll)

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", h.files.GetFile)
				r.Delete("/", h.files.RemoveFile)
				r.Get("/preview", h.files.GetPreview)
				r.Post("/pause", h.files.Pause)
				r.Post("/resume", h.files.Resume)
				r.Post("/cancel", h.files.Cancel)
			})
		})

		r.Get("/uploads", h.uploads.GetUploadStatus)
		r.Post("/uploads", h.uploads.StartUpload)
	})
}
