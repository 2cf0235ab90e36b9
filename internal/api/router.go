package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
)

func NewRouter(apiHandler *APIHandler, log zerolog.Logger) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(RequestLogger(log))
	r.Use(middleware.Recoverer)
	r.Use(middleware.StripSlashes)

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
			w.Write([]byte(`{"status":"ok"}`))
		})

		r.Get("/state", apiHandler.StateHandler)
		r.Get("/events", apiHandler.EventsHandler)

		r.Post("/messages", apiHandler.PostMessageHandler)
		r.Post("/messages/retry", apiHandler.RetryHandler)

		r.Post("/sync", apiHandler.SyncHandler)
		r.Get("/transactions", apiHandler.ListTransactionsHandler)
		r.Post("/transactions", apiHandler.RecordTransactionHandler)
		r.Get("/export", apiHandler.ExportHandler)

		r.Put("/connectivity", apiHandler.ConnectivityHandler)
		r.Post("/reset", apiHandler.ResetHandler)
	})

	return r
}
