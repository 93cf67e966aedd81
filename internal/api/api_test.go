package api

import (
	"bytes"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/nbrewer/mneme/internal/attach"
	"github.com/nbrewer/mneme/internal/queue"
	"github.com/nbrewer/mneme/internal/review"
	"github.com/nbrewer/mneme/internal/settings"
	"github.com/nbrewer/mneme/internal/storage"
	"github.com/nbrewer/mneme/internal/store"
)

// testEnv sets up a temp SQLite DB, blob dir, all domain layers, and
// the router. authToken == "" means disabled auth mode.
func testEnv(t *testing.T, authToken string) (*store.DB, http.Handler) {
	t.Helper()

	dir := t.TempDir()
	db, err := store.Open(filepath.Join(dir, "api.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	blobs, err := storage.NewFS(filepath.Join(dir, "blobs"))
	if err != nil {
		t.Fatalf("open blobs: %v", err)
	}

	h := NewHandler(
		db,
		queue.New(db.SQL()),
		review.NewScheduler(db, review.DefaultPolicy()),
		settings.New(db.SQL()),
		nil,
	)
	ah := NewAttachmentHandler(attach.New(db.SQL(), blobs))
	router := NewRouter(h, ah, authToken != "", authToken, nil)
	return db, router
}

func do(t *testing.T, router http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestCreateAndGetNote(t *testing.T) {
	_, router := testEnv(t, "")

	w := do(t, router, http.MethodPost, "/notes", CreateNoteRequest{
		Body: "# Raft\n\nleader election",
		Tags: []string{"Distributed", "consensus"},
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("create status = %d, body = %s", w.Code, w.Body.String())
	}
	var created store.Note
	_ = json.Unmarshal(w.Body.Bytes(), &created)
	if created.Title != "Raft" {
		t.Errorf("title = %q, want Raft (derived from heading)", created.Title)
	}
	if len(created.Tags) != 2 || created.Tags[0] != "consensus" {
		t.Errorf("tags = %v, want normalized sorted", created.Tags)
	}

	w = do(t, router, http.MethodGet, "/notes/"+created.ID, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("get status = %d", w.Code)
	}
}

func TestCreateNoteValidationErrors(t *testing.T) {
	_, router := testEnv(t, "")

	w := do(t, router, http.MethodPost, "/notes", CreateNoteRequest{Body: "   "})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
	var resp errResponse
	_ = json.Unmarshal(w.Body.Bytes(), &resp)
	if len(resp.Violations) == 0 {
		t.Errorf("expected violations in body: %s", w.Body.String())
	}
}

func TestUpdateAndDeleteNote(t *testing.T) {
	_, router := testEnv(t, "")

	w := do(t, router, http.MethodPost, "/notes", CreateNoteRequest{Body: "original", Tags: []string{"a"}})
	var created store.Note
	_ = json.Unmarshal(w.Body.Bytes(), &created)

	newBody := "# Updated\n\nbody"
	w = do(t, router, http.MethodPut, "/notes/"+created.ID, UpdateNoteRequest{Body: &newBody})
	if w.Code != http.StatusOK {
		t.Fatalf("update status = %d, body = %s", w.Code, w.Body.String())
	}
	var updated store.Note
	_ = json.Unmarshal(w.Body.Bytes(), &updated)
	if updated.Title != "Updated" {
		t.Errorf("title = %q, want re-derived Updated", updated.Title)
	}
	if len(updated.Tags) != 1 || updated.Tags[0] != "a" {
		t.Errorf("absent tags field should keep tags, got %v", updated.Tags)
	}

	w = do(t, router, http.MethodDelete, "/notes/"+created.ID, nil)
	if w.Code != http.StatusNoContent {
		t.Fatalf("delete status = %d", w.Code)
	}
	w = do(t, router, http.MethodGet, "/notes/"+created.ID, nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("get after delete = %d, want 404", w.Code)
	}
	w = do(t, router, http.MethodDelete, "/notes/"+created.ID, nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("second delete = %d, want 404", w.Code)
	}
}

func TestSearchWithTagsAndQuery(t *testing.T) {
	_, router := testEnv(t, "")

	for _, n := range []CreateNoteRequest{
		{Body: "# Raft\n\nleader election", Tags: []string{"consensus"}},
		{Body: "# Paxos\n\nquorum voting", Tags: []string{"consensus"}},
		{Body: "# Bread\n\nleaven the dough", Tags: []string{"baking"}},
	} {
		if w := do(t, router, http.MethodPost, "/notes", n); w.Code != http.StatusCreated {
			t.Fatalf("seed create = %d", w.Code)
		}
	}

	w := do(t, router, http.MethodGet, "/search?q=lea&tags=consensus", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("search status = %d", w.Code)
	}
	var resp SearchResponse
	_ = json.Unmarshal(w.Body.Bytes(), &resp)
	if len(resp.Results) != 1 || resp.Results[0].Title != "Raft" {
		t.Errorf("results = %+v, want only Raft", resp.Results)
	}
}

func TestTagEndpoints(t *testing.T) {
	_, router := testEnv(t, "")

	do(t, router, http.MethodPost, "/notes", CreateNoteRequest{Body: "one", Tags: []string{"go", "db"}})
	do(t, router, http.MethodPost, "/notes", CreateNoteRequest{Body: "two", Tags: []string{"go"}})

	w := do(t, router, http.MethodGet, "/tags", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("list tags status = %d", w.Code)
	}
	var tags TagListResponse
	_ = json.Unmarshal(w.Body.Bytes(), &tags)
	if len(tags.Tags) != 2 || tags.Tags[0].Tag != "go" || tags.Tags[0].Count != 2 {
		t.Errorf("tags = %+v, want go first with count 2", tags.Tags)
	}

	w = do(t, router, http.MethodGet, "/tags/go", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("get tag status = %d", w.Code)
	}

	w = do(t, router, http.MethodGet, "/tags/nope", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("missing tag = %d, want 404", w.Code)
	}

	w = do(t, router, http.MethodGet, "/tags/go/notes", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("notes for tag status = %d", w.Code)
	}
	var ids struct {
		NoteIDs []string `json:"note_ids"`
	}
	_ = json.Unmarshal(w.Body.Bytes(), &ids)
	if len(ids.NoteIDs) != 2 {
		t.Errorf("note ids = %v, want 2", ids.NoteIDs)
	}
}

func TestReviewEndpoints(t *testing.T) {
	_, router := testEnv(t, "")

	w := do(t, router, http.MethodPost, "/notes", CreateNoteRequest{Body: "to review"})
	var n store.Note
	_ = json.Unmarshal(w.Body.Bytes(), &n)

	// Fresh note is due immediately.
	w = do(t, router, http.MethodGet, "/reviews/due", nil)
	var due NoteListResponse
	_ = json.Unmarshal(w.Body.Bytes(), &due)
	if due.Total != 1 {
		t.Fatalf("due total = %d, want 1", due.Total)
	}

	w = do(t, router, http.MethodPost, "/notes/"+n.ID+"/review", RecordReviewRequest{Outcome: "easy"})
	if w.Code != http.StatusOK {
		t.Fatalf("record review status = %d, body = %s", w.Code, w.Body.String())
	}
	var reviewed store.Note
	_ = json.Unmarshal(w.Body.Bytes(), &reviewed)
	if reviewed.ReviewCount != 1 || reviewed.NextReview == nil {
		t.Errorf("reviewed note = %+v, want count 1 and next review set", reviewed)
	}

	// Now nothing is due.
	w = do(t, router, http.MethodGet, "/reviews/due", nil)
	_ = json.Unmarshal(w.Body.Bytes(), &due)
	if due.Total != 0 {
		t.Errorf("due total after review = %d, want 0", due.Total)
	}

	w = do(t, router, http.MethodPost, "/notes/"+n.ID+"/review", RecordReviewRequest{Outcome: "brilliant"})
	if w.Code != http.StatusBadRequest {
		t.Errorf("bad outcome status = %d, want 400", w.Code)
	}

	w = do(t, router, http.MethodGet, "/reviews/weak-spots", nil)
	if w.Code != http.StatusOK {
		t.Errorf("weak spots status = %d", w.Code)
	}

	// Nothing six months old yet.
	w = do(t, router, http.MethodGet, "/reviews/flashback", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("flashback status = %d, want 404 on young store", w.Code)
	}
}

func TestOperationLifecycleOverHTTP(t *testing.T) {
	_, router := testEnv(t, "")

	w := do(t, router, http.MethodPost, "/operations", EnqueueRequest{Kind: "sync", Payload: `{"note":"x"}`})
	if w.Code != http.StatusCreated {
		t.Fatalf("enqueue status = %d, body = %s", w.Code, w.Body.String())
	}
	var op queue.Operation
	_ = json.Unmarshal(w.Body.Bytes(), &op)
	if op.Status != queue.StatusPending {
		t.Errorf("status = %q, want pending", op.Status)
	}

	w = do(t, router, http.MethodPost, "/operations/dequeue", DequeueRequest{Limit: 5})
	if w.Code != http.StatusOK {
		t.Fatalf("dequeue status = %d", w.Code)
	}
	var claimed OperationListResponse
	_ = json.Unmarshal(w.Body.Bytes(), &claimed)
	if len(claimed.Operations) != 1 {
		t.Fatalf("claimed = %+v, want 1", claimed.Operations)
	}

	w = do(t, router, http.MethodPost, "/operations/"+op.ID+"/fail", FailRequest{Error: "remote unavailable"})
	if w.Code != http.StatusOK {
		t.Fatalf("fail status = %d", w.Code)
	}
	var failed FailResponse
	_ = json.Unmarshal(w.Body.Bytes(), &failed)
	if !failed.Retrying {
		t.Errorf("first failure should retry")
	}
	if failed.Operation.ErrorMessage != "remote unavailable" {
		t.Errorf("error message = %q", failed.Operation.ErrorMessage)
	}

	w = do(t, router, http.MethodPost, "/operations/"+op.ID+"/complete", nil)
	if w.Code != http.StatusNoContent {
		t.Fatalf("complete status = %d", w.Code)
	}

	w = do(t, router, http.MethodGet, "/operations/"+op.ID, nil)
	_ = json.Unmarshal(w.Body.Bytes(), &op)
	if op.Status != queue.StatusCompleted {
		t.Errorf("final status = %q, want completed", op.Status)
	}

	w = do(t, router, http.MethodPost, "/operations", EnqueueRequest{Kind: ""})
	if w.Code != http.StatusBadRequest {
		t.Errorf("blank kind status = %d, want 400", w.Code)
	}
}

func TestFailAfterRetryBudgetIsConflict(t *testing.T) {
	_, router := testEnv(t, "")

	w := do(t, router, http.MethodPost, "/operations", EnqueueRequest{Kind: "sync", MaxRetries: 1})
	if w.Code != http.StatusCreated {
		t.Fatalf("enqueue status = %d", w.Code)
	}
	var op queue.Operation
	_ = json.Unmarshal(w.Body.Bytes(), &op)

	w = do(t, router, http.MethodPost, "/operations/"+op.ID+"/fail", FailRequest{Error: "boom"})
	if w.Code != http.StatusOK {
		t.Fatalf("first fail status = %d", w.Code)
	}
	var failed FailResponse
	_ = json.Unmarshal(w.Body.Bytes(), &failed)
	if failed.Retrying {
		t.Fatal("budget of 1 should be exhausted by the first failure")
	}

	w = do(t, router, http.MethodPost, "/operations/"+op.ID+"/fail", FailRequest{Error: "again"})
	if w.Code != http.StatusConflict {
		t.Errorf("fail on terminal op status = %d, want 409", w.Code)
	}
}

func TestSettingsEndpoints(t *testing.T) {
	_, router := testEnv(t, "")

	w := do(t, router, http.MethodPut, "/settings/theme", SetSettingRequest{Value: "dark"})
	if w.Code != http.StatusOK {
		t.Fatalf("put setting status = %d", w.Code)
	}

	w = do(t, router, http.MethodGet, "/settings/theme", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("get setting status = %d", w.Code)
	}
	var entry settings.Entry
	_ = json.Unmarshal(w.Body.Bytes(), &entry)
	if entry.Value != "dark" {
		t.Errorf("value = %q, want dark", entry.Value)
	}

	w = do(t, router, http.MethodDelete, "/settings/theme", nil)
	if w.Code != http.StatusNoContent {
		t.Fatalf("delete setting status = %d", w.Code)
	}
	w = do(t, router, http.MethodGet, "/settings/theme", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("get deleted setting = %d, want 404", w.Code)
	}
}

func TestAttachmentUploadAndServe(t *testing.T) {
	_, router := testEnv(t, "")

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", "diagram.png")
	if err != nil {
		t.Fatalf("create form file: %v", err)
	}
	content := []byte("not really a png")
	_, _ = part.Write(content)
	_ = mw.WriteField("note_id", "some-note")
	_ = mw.Close()

	req := httptest.NewRequest(http.MethodPost, "/attachments", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusCreated {
		t.Fatalf("upload status = %d, body = %s", w.Code, w.Body.String())
	}
	var a attach.Attachment
	_ = json.Unmarshal(w.Body.Bytes(), &a)
	if a.Size != int64(len(content)) {
		t.Errorf("size = %d, want %d", a.Size, len(content))
	}

	got := do(t, router, http.MethodGet, "/attachments/"+a.ID, nil)
	if got.Code != http.StatusOK {
		t.Fatalf("serve status = %d", got.Code)
	}
	if !bytes.Equal(got.Body.Bytes(), content) {
		t.Errorf("served bytes differ")
	}

	got = do(t, router, http.MethodDelete, "/attachments/"+a.ID, nil)
	if got.Code != http.StatusNoContent {
		t.Fatalf("delete status = %d", got.Code)
	}
}

func TestAuthModes(t *testing.T) {
	_, router := testEnv(t, "sekrit")

	// No token: 401.
	w := do(t, router, http.MethodGet, "/notes", nil)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("no token status = %d, want 401", w.Code)
	}

	// Wrong token: 401.
	req := httptest.NewRequest(http.MethodGet, "/notes", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("wrong token status = %d, want 401", rec.Code)
	}

	// Correct token: 200.
	req = httptest.NewRequest(http.MethodGet, "/notes", nil)
	req.Header.Set("Authorization", "Bearer sekrit")
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("valid token status = %d, want 200", rec.Code)
	}
}

func TestHealth(t *testing.T) {
	_, router := testEnv(t, "")
	w := do(t, router, http.MethodGet, "/health", nil)
	if w.Code != http.StatusOK {
		t.Errorf("health status = %d", w.Code)
	}
}
