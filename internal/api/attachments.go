package api

import (
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/nbrewer/mneme/internal/attach"
)

const maxUploadBytes = 50 << 20 // 50 MB

// AttachmentHandler accepts and serves attachment files.
type AttachmentHandler struct {
	attachments *attach.Store
}

// NewAttachmentHandler creates a handler over the attachment store.
func NewAttachmentHandler(attachments *attach.Store) *AttachmentHandler {
	return &AttachmentHandler{attachments: attachments}
}

// Upload handles POST /api/attachments (multipart/form-data, field
// "file", optional field "note_id").
func (h *AttachmentHandler) Upload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)

	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("file too large or invalid multipart"))
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("missing 'file' field in multipart form"))
		return
	}
	defer file.Close()

	content, err := io.ReadAll(file)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("failed to read file"))
		return
	}

	a, err := h.attachments.Put(r.FormValue("note_id"), header.Filename, content)
	if err != nil {
		writeError(w, err, "attachment upload failed")
		return
	}
	writeJSON(w, http.StatusCreated, a)
}

// Serve handles GET /api/attachments/{id}: streams the stored bytes
// with the original filename.
func (h *AttachmentHandler) Serve(w http.ResponseWriter, r *http.Request) {
	a, content, err := h.attachments.Content(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err, "attachment read failed")
		return
	}
	w.Header().Set("Content-Disposition", `attachment; filename="`+a.Name+`"`)
	w.Header().Set("Content-Type", "application/octet-stream")
	_, _ = w.Write(content)
}

// Delete handles DELETE /api/attachments/{id}.
func (h *AttachmentHandler) Delete(w http.ResponseWriter, r *http.Request) {
	if err := h.attachments.Delete(chi.URLParam(r, "id")); err != nil {
		writeError(w, err, "attachment delete failed")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ForNote handles GET /api/notes/{id}/attachments.
func (h *AttachmentHandler) ForNote(w http.ResponseWriter, r *http.Request) {
	list, err := h.attachments.ForNote(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err, "list attachments failed")
		return
	}
	if list == nil {
		list = []*attach.Attachment{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"attachments": list})
}
