package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// NewRouter creates a chi router with all API routes mounted.
// authEnabled controls whether Bearer token auth is enforced.
// sseHandler, if non-nil, is mounted at GET /events inside the auth group.
func NewRouter(h *Handler, ah *AttachmentHandler, authEnabled bool, token string, sseHandler http.Handler) chi.Router {
	r := chi.NewRouter()
	r.Use(AuthMiddleware(authEnabled, token))

	// Notes CRUD and per-note resources.
	r.Get("/notes", h.ListNotes)
	r.Post("/notes", h.CreateNote)
	r.Get("/notes/{id}", h.GetNote)
	r.Put("/notes/{id}", h.UpdateNote)
	r.Delete("/notes/{id}", h.DeleteNote)
	r.Post("/notes/{id}/review", h.RecordReview)
	r.Get("/notes/{id}/attachments", ah.ForNote)

	// Search.
	r.Get("/search", h.Search)

	// Tag index.
	r.Get("/tags", h.ListTags)
	r.Get("/tags/{tag}", h.GetTag)
	r.Get("/tags/{tag}/notes", h.NotesForTag)

	// Review scheduling.
	r.Get("/reviews/due", h.DueReviews)
	r.Get("/reviews/weak-spots", h.WeakSpots)
	r.Get("/reviews/flashback", h.Flashback)

	// Durable operation queue.
	r.Get("/operations", h.ListOperations)
	r.Post("/operations", h.EnqueueOperation)
	r.Post("/operations/dequeue", h.DequeueOperations)
	r.Get("/operations/{id}", h.GetOperation)
	r.Post("/operations/{id}/complete", h.CompleteOperation)
	r.Post("/operations/{id}/fail", h.FailOperation)

	// Settings.
	r.Get("/settings", h.ListSettings)
	r.Get("/settings/{key}", h.GetSetting)
	r.Put("/settings/{key}", h.PutSetting)
	r.Delete("/settings/{key}", h.DeleteSetting)

	// Attachments.
	r.Post("/attachments", ah.Upload)
	r.Get("/attachments/{id}", ah.Serve)
	r.Delete("/attachments/{id}", ah.Delete)

	// Health.
	r.Get("/health", h.Health)

	// SSE endpoint (protected by same auth middleware).
	if sseHandler != nil {
		r.Get("/events", sseHandler.ServeHTTP)
	}

	return r
}
