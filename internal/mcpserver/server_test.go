package mcpserver

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/nbrewer/mneme/internal/queue"
	"github.com/nbrewer/mneme/internal/review"
	"github.com/nbrewer/mneme/internal/store"
)

func testServer(t *testing.T) (*Server, *store.DB) {
	t.Helper()

	db, err := store.Open(filepath.Join(t.TempDir(), "mcp.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })

	srv := New(db, queue.New(db.SQL()), review.NewScheduler(db, review.DefaultPolicy()))
	return srv, db
}

func callTool(t *testing.T, srv *Server, name string, args map[string]interface{}) *mcp.CallToolResult {
	t.Helper()
	ctx := context.Background()
	req := mcp.CallToolRequest{}
	req.Method = "tools/call"
	req.Params.Name = name
	req.Params.Arguments = args

	// mcp-go doesn't expose a direct "call tool" test helper, so we
	// call the handler functions directly.
	var result *mcp.CallToolResult
	var err error

	switch name {
	case "search_notes":
		result, err = srv.searchNotes(ctx, req)
	case "read_note":
		result, err = srv.readNote(ctx, req)
	case "create_note":
		result, err = srv.createNote(ctx, req)
	case "due_reviews":
		result, err = srv.dueReviews(ctx, req)
	case "record_review":
		result, err = srv.recordReview(ctx, req)
	case "weak_spots":
		result, err = srv.weakSpots(ctx, req)
	case "poll_operations":
		result, err = srv.pollOperations(ctx, req)
	case "complete_operation":
		result, err = srv.completeOperation(ctx, req)
	case "fail_operation":
		result, err = srv.failOperation(ctx, req)
	case "get_note_contract":
		result, err = srv.getNoteContract(ctx, req)
	default:
		t.Fatalf("unknown tool: %s", name)
	}

	if err != nil {
		t.Fatalf("tool %s error: %v", name, err)
	}
	return result
}

func resultText(r *mcp.CallToolResult) string {
	if len(r.Content) > 0 {
		if tc, ok := r.Content[0].(mcp.TextContent); ok {
			return tc.Text
		}
	}
	return ""
}

func TestCreateAndReadNote(t *testing.T) {
	srv, db := testServer(t)

	r := callTool(t, srv, "create_note", map[string]interface{}{
		"body": "# Test\n\nHello",
		"tags": "alpha,Beta",
	})
	text := resultText(r)
	if !strings.HasPrefix(text, "created: ") || !strings.Contains(text, `"Test"`) {
		t.Errorf("create result = %q", text)
	}

	notes, _, err := db.List(store.ListOptions{})
	if err != nil || len(notes) != 1 {
		t.Fatalf("stored notes = %v, err = %v", notes, err)
	}
	id := notes[0].ID

	r = callTool(t, srv, "read_note", map[string]interface{}{"id": id})
	text = resultText(r)
	if !strings.Contains(text, `"alpha"`) || !strings.Contains(text, `"beta"`) {
		t.Errorf("read result missing normalized tags: %q", text)
	}
}

func TestReadNoteMissing(t *testing.T) {
	srv, _ := testServer(t)
	r := callTool(t, srv, "read_note", map[string]interface{}{"id": "01ARZ3NDEKTSV4RRFFQ69G5FAV"})
	if !r.IsError {
		t.Error("expected error for missing note")
	}
}

func TestSearchNotes(t *testing.T) {
	srv, _ := testServer(t)
	callTool(t, srv, "create_note", map[string]interface{}{"body": "# Raft\n\nleader election", "tags": "consensus"})
	callTool(t, srv, "create_note", map[string]interface{}{"body": "# Bread\n\nleaven", "tags": "baking"})

	r := callTool(t, srv, "search_notes", map[string]interface{}{"query": "lea", "tags": "consensus"})
	text := resultText(r)
	if !strings.Contains(text, "Raft") || strings.Contains(text, "Bread") {
		t.Errorf("search result = %q, want Raft only", text)
	}
}

func TestReviewTools(t *testing.T) {
	srv, db := testServer(t)
	callTool(t, srv, "create_note", map[string]interface{}{"body": "to review"})
	notes, _, _ := db.List(store.ListOptions{})
	id := notes[0].ID

	r := callTool(t, srv, "due_reviews", map[string]interface{}{})
	if !strings.Contains(resultText(r), id) {
		t.Errorf("due result should contain the fresh note: %q", resultText(r))
	}

	r = callTool(t, srv, "record_review", map[string]interface{}{"id": id, "outcome": "easy"})
	if r.IsError {
		t.Fatalf("record_review error: %q", resultText(r))
	}
	if !strings.Contains(resultText(r), "next review") {
		t.Errorf("record result = %q", resultText(r))
	}

	r = callTool(t, srv, "due_reviews", map[string]interface{}{})
	if resultText(r) != "nothing is due for review" {
		t.Errorf("due after review = %q", resultText(r))
	}

	r = callTool(t, srv, "record_review", map[string]interface{}{"id": id, "outcome": "brilliant"})
	if !r.IsError {
		t.Error("expected error for invalid outcome")
	}

	r = callTool(t, srv, "weak_spots", map[string]interface{}{})
	if resultText(r) != "no weak spots detected" {
		t.Errorf("weak spots = %q", resultText(r))
	}
}

func TestOperationTools(t *testing.T) {
	srv, _ := testServer(t)

	id, err := srv.queue.EnqueueWithRetries("sync", `{"x":1}`, 0, 1)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	r := callTool(t, srv, "poll_operations", map[string]interface{}{})
	if !strings.Contains(resultText(r), id) {
		t.Fatalf("poll result = %q, want claimed op", resultText(r))
	}

	r = callTool(t, srv, "fail_operation", map[string]interface{}{"id": id, "error": "boom"})
	if !strings.Contains(resultText(r), "terminal") {
		t.Errorf("fail with budget 1 should be terminal: %q", resultText(r))
	}

	// A completed op.
	id2, _ := srv.queue.Enqueue("sync", "", 0)
	callTool(t, srv, "poll_operations", map[string]interface{}{})
	r = callTool(t, srv, "complete_operation", map[string]interface{}{"id": id2})
	if r.IsError {
		t.Errorf("complete error: %q", resultText(r))
	}

	op, err := srv.queue.Get(id2)
	if err != nil || op.Status != queue.StatusCompleted {
		t.Errorf("op status = %v, err = %v", op, err)
	}
}

func TestContractTool(t *testing.T) {
	srv, _ := testServer(t)
	r := callTool(t, srv, "get_note_contract", map[string]interface{}{})
	if !strings.Contains(resultText(r), "Note Format Contract") {
		t.Errorf("contract = %q", resultText(r))
	}
}
