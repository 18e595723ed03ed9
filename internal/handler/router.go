package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	custommiddleware "github.com/mmeshcher/edugrant-system/internal/middleware"
)

// SetupRouter настраивает HTTP-маршруты и middleware сервиса стипендий.
func (h *Handler) SetupRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(custommiddleware.GzipMiddleware)
	r.Use(custommiddleware.Logger(h.logger))

	r.Route("/api", func(r chi.Router) {
		r.Post("/reviewer/login", h.ReviewerLogin)

		r.Route("/scholarships", func(r chi.Router) {
			r.Post("/", h.CreateScholarship)
			r.Get("/{scholarshipID}", h.GetScholarship)
			r.Get("/{scholarshipID}/settlements", h.GetSettlements)
			r.Post("/{scholarshipID}/milestones", h.AddMilestone)
			r.Post("/{scholarshipID}/donations", h.SubmitDonation)

			r.Group(func(r chi.Router) {
				r.Use(h.authMiddleware.Middleware)

				r.Post("/{scholarshipID}/archive", h.ArchiveScholarship)
			})
		})

		r.Route("/milestones", func(r chi.Router) {
			r.Post("/{milestoneID}/evidence", h.SubmitEvidence)

			r.Group(func(r chi.Router) {
				r.Use(h.authMiddleware.Middleware)

				r.Post("/{milestoneID}/override", h.OverrideVerdict)
			})
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
	})

	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
	})

	return r
}
