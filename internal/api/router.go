package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

func NewRouter(app *App) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	// Health stays open for load balancers and device discovery.
	r.Get("/", HealthHandler)
	r.Get("/ping", PingHandler)
	r.Get("/health", HealthHandler)

	r.Group(func(r chi.Router) {
		if app.APISecret != "" {
			r.Use(RequireSecret(app.APISecret))
		}

		r.Post("/upload", app.UploadHandler)
		r.Post("/segments", app.SegmentHandler)

		r.Get("/session", app.SessionHandler)
		r.Post("/session/new", app.NewSessionHandler)

		r.Route("/deliveries", func(r chi.Router) {
			r.Get("/", app.ListDeliveriesHandler)
			r.Get("/{id}", app.GetDeliveryHandler)
			r.Post("/{id}/analyze", app.AnalyzeDeliveryHandler)
			r.Get("/{id}/stream", app.DeliveryStreamHandler)
			r.Get("/{id}/clip", app.ClipHandler)
			r.Get("/{id}/thumbnail", app.ThumbnailHandler)
			r.Get("/{id}/overlay", app.OverlayHandler)
		})

		r.Get("/history", app.HistoryHandler)
	})

	return r
}
