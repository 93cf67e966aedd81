package api

import (
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/nbrewer/mneme/internal/queue"
	"github.com/nbrewer/mneme/internal/review"
	"github.com/nbrewer/mneme/internal/settings"
	"github.com/nbrewer/mneme/internal/sse"
	"github.com/nbrewer/mneme/internal/store"
)

const maxBodyBytes = 10 << 20 // 10 MB

// Handler holds API route handlers.
type Handler struct {
	notes    *store.DB
	queue    *queue.Queue
	reviews  *review.Scheduler
	settings *settings.Store
	broker   *sse.Broker
}

// NewHandler creates a new Handler. broker may be nil (no events are
// published then, useful in tests).
func NewHandler(notes *store.DB, q *queue.Queue, reviews *review.Scheduler, st *settings.Store, broker *sse.Broker) *Handler {
	return &Handler{notes: notes, queue: q, reviews: reviews, settings: st, broker: broker}
}

func (h *Handler) publishNote(eventType, id string) {
	if h.broker != nil {
		h.broker.PublishNote(eventType, id)
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid JSON body"))
		return false
	}
	return true
}

// ListNotes handles GET /api/notes.
func (h *Handler) ListNotes(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	offset, _ := strconv.Atoi(q.Get("offset"))

	notes, total, err := h.notes.List(store.ListOptions{
		Tag:            q.Get("tag"),
		Sort:           q.Get("sort"),
		IncludeDeleted: q.Get("include_deleted") == "true",
		Limit:          limit,
		Offset:         offset,
	})
	if err != nil {
		writeError(w, err, "list notes failed")
		return
	}
	writeJSON(w, http.StatusOK, NoteListResponse{Notes: notes, Total: total})
}

// GetNote handles GET /api/notes/{id}.
func (h *Handler) GetNote(w http.ResponseWriter, r *http.Request) {
	note, err := h.notes.Get(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err, "get note failed")
		return
	}
	writeJSON(w, http.StatusOK, note)
}

// CreateNote handles POST /api/notes.
func (h *Handler) CreateNote(w http.ResponseWriter, r *http.Request) {
	var req CreateNoteRequest
	if !decodeBody(w, r, &req) {
		return
	}
	note, err := h.notes.Create(&store.Note{
		ID:    req.ID,
		Title: req.Title,
		Body:  req.Body,
		Tags:  req.Tags,
	})
	if err != nil {
		writeError(w, err, "create note failed")
		return
	}
	h.publishNote(sse.EventNoteCreated, note.ID)
	writeJSON(w, http.StatusCreated, note)
}

// UpdateNote handles PUT /api/notes/{id}. Absent fields are left
// untouched.
func (h *Handler) UpdateNote(w http.ResponseWriter, r *http.Request) {
	var req UpdateNoteRequest
	if !decodeBody(w, r, &req) {
		return
	}
	id := chi.URLParam(r, "id")
	note, err := h.notes.Update(id, store.NotePatch{
		Title: req.Title,
		Body:  req.Body,
		Tags:  req.Tags,
	})
	if err != nil {
		writeError(w, err, "update note failed")
		return
	}
	h.publishNote(sse.EventNoteUpdated, note.ID)
	writeJSON(w, http.StatusOK, note)
}

// DeleteNote handles DELETE /api/notes/{id} (soft delete).
func (h *Handler) DeleteNote(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.notes.SoftDelete(id); err != nil {
		writeError(w, err, "delete note failed")
		return
	}
	h.publishNote(sse.EventNoteDeleted, id)
	w.WriteHeader(http.StatusNoContent)
}

// Search handles GET /api/search. Both q and tags are optional; tags is
// a comma-separated list that must all be present on a match.
func (h *Handler) Search(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	offset, _ := strconv.Atoi(q.Get("offset"))

	var tags []string
	if raw := q.Get("tags"); raw != "" {
		tags = strings.Split(raw, ",")
	}

	results, err := h.notes.Search(q.Get("q"), tags, limit, offset)
	if err != nil {
		writeError(w, err, "search failed")
		return
	}
	writeJSON(w, http.StatusOK, SearchResponse{Results: results})
}

// ListTags handles GET /api/tags.
func (h *Handler) ListTags(w http.ResponseWriter, r *http.Request) {
	tags, err := h.notes.ListTags()
	if err != nil {
		writeError(w, err, "list tags failed")
		return
	}
	writeJSON(w, http.StatusOK, TagListResponse{Tags: tags})
}

// tagParam decodes the {tag} URL parameter (tags may contain slashes
// when percent-encoded).
func tagParam(r *http.Request) string {
	raw := chi.URLParam(r, "tag")
	decoded, err := url.PathUnescape(raw)
	if err != nil {
		return raw
	}
	return decoded
}

// GetTag handles GET /api/tags/{tag}.
func (h *Handler) GetTag(w http.ResponseWriter, r *http.Request) {
	entry, err := h.notes.GetTag(tagParam(r))
	if err != nil {
		writeError(w, err, "get tag failed")
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

// NotesForTag handles GET /api/tags/{tag}/notes.
func (h *Handler) NotesForTag(w http.ResponseWriter, r *http.Request) {
	ids, err := h.notes.NotesForTag(tagParam(r))
	if err != nil {
		writeError(w, err, "notes for tag failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"note_ids": ids})
}

// DueReviews handles GET /api/reviews/due.
func (h *Handler) DueReviews(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	notes, err := h.reviews.Due(time.Now(), limit)
	if err != nil {
		writeError(w, err, "due reviews failed")
		return
	}
	writeJSON(w, http.StatusOK, NoteListResponse{Notes: notes, Total: len(notes)})
}

// RecordReview handles POST /api/notes/{id}/review.
func (h *Handler) RecordReview(w http.ResponseWriter, r *http.Request) {
	var req RecordReviewRequest
	if !decodeBody(w, r, &req) {
		return
	}
	id := chi.URLParam(r, "id")
	note, err := h.reviews.RecordOutcome(id, review.Outcome(req.Outcome))
	if err != nil {
		writeError(w, err, "record review failed")
		return
	}
	if h.broker != nil {
		h.broker.Publish(sse.Event{
			Type: sse.EventReviewRecorded,
			Data: map[string]string{"id": id, "outcome": req.Outcome},
		})
	}
	writeJSON(w, http.StatusOK, note)
}

// WeakSpots handles GET /api/reviews/weak-spots.
func (h *Handler) WeakSpots(w http.ResponseWriter, r *http.Request) {
	spots, err := h.reviews.WeakSpots(time.Now())
	if err != nil {
		writeError(w, err, "weak spots failed")
		return
	}
	if spots == nil {
		spots = []review.WeakSpot{}
	}
	writeJSON(w, http.StatusOK, WeakSpotsResponse{WeakSpots: spots})
}

// Flashback handles GET /api/reviews/flashback. 404 when the store has
// nothing old enough.
func (h *Handler) Flashback(w http.ResponseWriter, r *http.Request) {
	note, err := h.reviews.Flashback(time.Now())
	if err != nil {
		writeError(w, err, "flashback failed")
		return
	}
	if note == nil {
		writeJSON(w, http.StatusNotFound, errorBody("no note old enough for a flashback"))
		return
	}
	writeJSON(w, http.StatusOK, note)
}

// ListOperations handles GET /api/operations.
func (h *Handler) ListOperations(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	ops, err := h.queue.List(queue.Status(r.URL.Query().Get("status")), limit)
	if err != nil {
		writeError(w, err, "list operations failed")
		return
	}
	writeJSON(w, http.StatusOK, OperationListResponse{Operations: ops})
}

// EnqueueOperation handles POST /api/operations.
func (h *Handler) EnqueueOperation(w http.ResponseWriter, r *http.Request) {
	var req EnqueueRequest
	if !decodeBody(w, r, &req) {
		return
	}
	delay := time.Duration(req.DelaySeconds) * time.Second
	var (
		id  string
		err error
	)
	if req.MaxRetries > 0 {
		id, err = h.queue.EnqueueWithRetries(req.Kind, req.Payload, delay, req.MaxRetries)
	} else {
		id, err = h.queue.Enqueue(req.Kind, req.Payload, delay)
	}
	if err != nil {
		writeError(w, err, "enqueue failed")
		return
	}
	op, err := h.queue.Get(id)
	if err != nil {
		writeError(w, err, "get enqueued operation failed")
		return
	}
	writeJSON(w, http.StatusCreated, op)
}

// GetOperation handles GET /api/operations/{id}.
func (h *Handler) GetOperation(w http.ResponseWriter, r *http.Request) {
	op, err := h.queue.Get(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err, "get operation failed")
		return
	}
	writeJSON(w, http.StatusOK, op)
}

// DequeueOperations handles POST /api/operations/dequeue: claims ready
// operations for an external processor.
func (h *Handler) DequeueOperations(w http.ResponseWriter, r *http.Request) {
	var req DequeueRequest
	if !decodeBody(w, r, &req) {
		return
	}
	ops, err := h.queue.DequeueReady(time.Now(), req.Limit)
	if err != nil {
		writeError(w, err, "dequeue failed")
		return
	}
	writeJSON(w, http.StatusOK, OperationListResponse{Operations: ops})
}

// CompleteOperation handles POST /api/operations/{id}/complete.
func (h *Handler) CompleteOperation(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.queue.Complete(id); err != nil {
		writeError(w, err, "complete operation failed")
		return
	}
	if h.broker != nil {
		h.broker.Publish(sse.Event{Type: sse.EventQueueCompleted, Data: map[string]string{"id": id}})
	}
	w.WriteHeader(http.StatusNoContent)
}

// FailOperation handles POST /api/operations/{id}/fail: reports one
// failed delivery and returns whether the operation will be retried.
func (h *Handler) FailOperation(w http.ResponseWriter, r *http.Request) {
	var req FailRequest
	if !decodeBody(w, r, &req) {
		return
	}
	id := chi.URLParam(r, "id")
	retrying, err := h.queue.Fail(id, req.Error)
	if err != nil {
		writeError(w, err, "fail operation failed")
		return
	}
	op, err := h.queue.Get(id)
	if err != nil {
		writeError(w, err, "get failed operation failed")
		return
	}
	if h.broker != nil && !retrying {
		h.broker.Publish(sse.Event{Type: sse.EventQueueFailed, Data: map[string]string{"id": id}})
	}
	writeJSON(w, http.StatusOK, FailResponse{Operation: op, Retrying: retrying})
}

// ListSettings handles GET /api/settings.
func (h *Handler) ListSettings(w http.ResponseWriter, r *http.Request) {
	entries, err := h.settings.List()
	if err != nil {
		writeError(w, err, "list settings failed")
		return
	}
	if entries == nil {
		entries = []*settings.Entry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"settings": entries})
}

// GetSetting handles GET /api/settings/{key}.
func (h *Handler) GetSetting(w http.ResponseWriter, r *http.Request) {
	entry, err := h.settings.Get(chi.URLParam(r, "key"))
	if err != nil {
		writeError(w, err, "get setting failed")
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

// PutSetting handles PUT /api/settings/{key}.
func (h *Handler) PutSetting(w http.ResponseWriter, r *http.Request) {
	var req SetSettingRequest
	if !decodeBody(w, r, &req) {
		return
	}
	entry, err := h.settings.Set(chi.URLParam(r, "key"), req.Value)
	if err != nil {
		writeError(w, err, "put setting failed")
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

// DeleteSetting handles DELETE /api/settings/{key}.
func (h *Handler) DeleteSetting(w http.ResponseWriter, r *http.Request) {
	if err := h.settings.Delete(chi.URLParam(r, "key")); err != nil {
		writeError(w, err, "delete setting failed")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Health handles GET /api/health.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if err := h.notes.SQL().PingContext(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, errorBody("database unavailable"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
