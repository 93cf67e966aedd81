// Package mcpserver provides an MCP (Model Context Protocol) server
// that exposes the knowledge engine to LLM collaborators via stdio
// transport: note access, review scheduling, and the durable operation
// queue they use for deferred work.
package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/nbrewer/mneme/internal/queue"
	"github.com/nbrewer/mneme/internal/review"
	"github.com/nbrewer/mneme/internal/store"
)

// Server wraps the MCP server with Mneme tools.
type Server struct {
	mcp     *server.MCPServer
	notes   *store.DB
	queue   *queue.Queue
	reviews *review.Scheduler
}

// New creates a new MCP server with all Mneme tools registered.
func New(notes *store.DB, q *queue.Queue, reviews *review.Scheduler) *Server {
	s := &Server{notes: notes, queue: q, reviews: reviews}

	s.mcp = server.NewMCPServer(
		"Mneme",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithResourceCapabilities(false, false),
	)

	s.mcp.AddTool(mcp.NewTool("search_notes",
		mcp.WithDescription("Search notes by substring and/or tags. Title matches rank first."),
		mcp.WithString("query", mcp.Description("Substring to match in title or body (optional)")),
		mcp.WithString("tags", mcp.Description("Comma-separated tags; a match must carry all of them (optional)")),
	), s.searchNotes)

	s.mcp.AddTool(mcp.NewTool("read_note",
		mcp.WithDescription("Read a note by its identifier, including tags and review state."),
		mcp.WithString("id", mcp.Required(), mcp.Description("Note identifier (ULID)")),
	), s.readNote)

	s.mcp.AddTool(mcp.NewTool("create_note",
		mcp.WithDescription("Create a new note. The body MUST follow the canonical note format; "+
			"read the contract first via the get_note_contract tool or the mneme://note-format resource."),
		mcp.WithString("body", mcp.Required(), mcp.Description("Markdown body following the Mneme note format contract")),
		mcp.WithString("tags", mcp.Description("Comma-separated tags (optional)")),
	), s.createNote)

	s.mcp.AddTool(mcp.NewTool("get_note_contract",
		mcp.WithDescription("Returns the canonical Mneme note format contract. "+
			"Call this before creating or updating notes to ensure correct structure."),
	), s.getNoteContract)

	s.mcp.AddTool(mcp.NewTool("due_reviews",
		mcp.WithDescription("List notes due for spaced-repetition review, most overdue first."),
		mcp.WithNumber("limit", mcp.Description("Maximum notes to return (default 20)")),
	), s.dueReviews)

	s.mcp.AddTool(mcp.NewTool("record_review",
		mcp.WithDescription("Record the outcome of reviewing a note and reschedule it."),
		mcp.WithString("id", mcp.Required(), mcp.Description("Note identifier")),
		mcp.WithString("outcome", mcp.Required(), mcp.Description("One of: easy, medium, hard, forgotten")),
	), s.recordReview)

	s.mcp.AddTool(mcp.NewTool("weak_spots",
		mcp.WithDescription("Report tags whose notes are stale and under-reviewed."),
	), s.weakSpots)

	s.mcp.AddTool(mcp.NewTool("poll_operations",
		mcp.WithDescription("Claim ready operations from the durable queue for processing. "+
			"Claimed operations must be resolved with complete_operation or fail_operation."),
		mcp.WithNumber("limit", mcp.Description("Maximum operations to claim (default 10)")),
	), s.pollOperations)

	s.mcp.AddTool(mcp.NewTool("complete_operation",
		mcp.WithDescription("Mark a claimed operation as successfully processed."),
		mcp.WithString("id", mcp.Required(), mcp.Description("Operation identifier")),
	), s.completeOperation)

	s.mcp.AddTool(mcp.NewTool("fail_operation",
		mcp.WithDescription("Report a failed delivery for a claimed operation. It is retried "+
			"with exponential backoff until its retry budget runs out."),
		mcp.WithString("id", mcp.Required(), mcp.Description("Operation identifier")),
		mcp.WithString("error", mcp.Description("Error message to record")),
	), s.failOperation)

	// Resource: note format contract.
	s.mcp.AddResource(
		mcp.NewResource("mneme://note-format", "Note Format Contract",
			mcp.WithResourceDescription("Canonical note format that all notes must follow."),
			mcp.WithMIMEType("text/markdown"),
		),
		s.readNoteFormatResource,
	)

	return s
}

// ServeStdio starts the MCP server on stdin/stdout.
func (s *Server) ServeStdio() error {
	return server.ServeStdio(s.mcp)
}

// MCPServer returns the underlying server for testing.
func (s *Server) MCPServer() *server.MCPServer {
	return s.mcp
}

func splitTags(raw string) []string {
	if raw == "" {
		return nil
	}
	return strings.Split(raw, ",")
}

func (s *Server) searchNotes(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	query := req.GetString("query", "")
	tags := splitTags(req.GetString("tags", ""))

	results, err := s.notes.Search(query, tags, 20, 0)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	out, _ := json.MarshalIndent(results, "", "  ")
	return mcp.NewToolResultText(string(out)), nil
}

func (s *Server) readNote(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	note, err := s.notes.Get(id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("not found: %s", id)), nil
	}
	out, _ := json.MarshalIndent(note, "", "  ")
	return mcp.NewToolResultText(string(out)), nil
}

func (s *Server) createNote(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	body, err := req.RequireString("body")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	note, err := s.notes.Create(&store.Note{
		Body: body,
		Tags: splitTags(req.GetString("tags", "")),
	})
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("created: %s (%q)", note.ID, note.Title)), nil
}

func (s *Server) getNoteContract(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return mcp.NewToolResultText(NoteFormatContract), nil
}

func (s *Server) readNoteFormatResource(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      "mneme://note-format",
			MIMEType: "text/markdown",
			Text:     NoteFormatContract,
		},
	}, nil
}

func (s *Server) dueReviews(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	limit := req.GetInt("limit", 20)
	notes, err := s.reviews.Due(time.Now(), limit)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if len(notes) == 0 {
		return mcp.NewToolResultText("nothing is due for review"), nil
	}
	out, _ := json.MarshalIndent(notes, "", "  ")
	return mcp.NewToolResultText(string(out)), nil
}

func (s *Server) recordReview(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	outcome, err := req.RequireString("outcome")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	note, err := s.reviews.RecordOutcome(id, review.Outcome(outcome))
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("recorded %s for %s; next review %s",
		outcome, id, note.NextReview.Format(time.RFC3339))), nil
}

func (s *Server) weakSpots(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	spots, err := s.reviews.WeakSpots(time.Now())
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if len(spots) == 0 {
		return mcp.NewToolResultText("no weak spots detected"), nil
	}
	out, _ := json.MarshalIndent(spots, "", "  ")
	return mcp.NewToolResultText(string(out)), nil
}

func (s *Server) pollOperations(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	limit := req.GetInt("limit", 10)
	ops, err := s.queue.DequeueReady(time.Now(), limit)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if len(ops) == 0 {
		return mcp.NewToolResultText("no operations ready"), nil
	}
	out, _ := json.MarshalIndent(ops, "", "  ")
	return mcp.NewToolResultText(string(out)), nil
}

func (s *Server) completeOperation(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if err := s.queue.Complete(id); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("completed: %s", id)), nil
}

func (s *Server) failOperation(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	retrying, err := s.queue.Fail(id, req.GetString("error", ""))
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if retrying {
		return mcp.NewToolResultText(fmt.Sprintf("failure recorded for %s; it will be retried", id)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("failure recorded for %s; retry budget exhausted, operation is terminal", id)), nil
}
