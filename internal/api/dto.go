package api

import (
	"github.com/nbrewer/mneme/internal/queue"
	"github.com/nbrewer/mneme/internal/review"
	"github.com/nbrewer/mneme/internal/store"
)

// CreateNoteRequest is the request body for creating a note.
type CreateNoteRequest struct {
	ID    string   `json:"id,omitempty"`
	Title string   `json:"title,omitempty"`
	Body  string   `json:"body"`
	Tags  []string `json:"tags,omitempty"`
}

// UpdateNoteRequest is the request body for updating a note. Absent
// fields keep their current value.
type UpdateNoteRequest struct {
	Title *string   `json:"title,omitempty"`
	Body  *string   `json:"body,omitempty"`
	Tags  *[]string `json:"tags,omitempty"`
}

// NoteListResponse wraps paginated note listings.
type NoteListResponse struct {
	Notes []*store.Note `json:"notes"`
	Total int           `json:"total"`
}

// SearchResponse wraps search results.
type SearchResponse struct {
	Results []*store.Note `json:"results"`
}

// TagListResponse wraps the tag index listing.
type TagListResponse struct {
	Tags []store.TagEntry `json:"tags"`
}

// RecordReviewRequest is the request body for recording a review.
type RecordReviewRequest struct {
	Outcome string `json:"outcome"`
}

// WeakSpotsResponse wraps the weak-spot report.
type WeakSpotsResponse struct {
	WeakSpots []review.WeakSpot `json:"weak_spots"`
}

// EnqueueRequest is the request body for queueing an operation.
type EnqueueRequest struct {
	Kind         string `json:"kind"`
	Payload      string `json:"payload,omitempty"`
	DelaySeconds int    `json:"delay_seconds,omitempty"`
	MaxRetries   int    `json:"max_retries,omitempty"`
}

// DequeueRequest is the request body for claiming ready operations.
type DequeueRequest struct {
	Limit int `json:"limit,omitempty"`
}

// OperationListResponse wraps operation listings.
type OperationListResponse struct {
	Operations []queue.Operation `json:"operations"`
}

// FailRequest is the request body for reporting a failed operation.
type FailRequest struct {
	Error string `json:"error"`
}

// FailResponse reports whether the operation will be retried.
type FailResponse struct {
	Operation *queue.Operation `json:"operation"`
	Retrying  bool             `json:"retrying"`
}

// SetSettingRequest is the request body for storing a setting.
type SetSettingRequest struct {
	Value string `json:"value"`
}
