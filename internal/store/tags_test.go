package store

import (
	"errors"
	"reflect"
	"testing"

	"github.com/nbrewer/mneme/internal/apperr"
)

// indexTagsFor returns the set of tags whose index entry references id.
func indexTagsFor(t *testing.T, db *DB, id string) []string {
	t.Helper()
	rows, err := db.conn.Query(`SELECT tag FROM note_tags WHERE note_id = ? ORDER BY tag`, id)
	if err != nil {
		t.Fatalf("query note_tags: %v", err)
	}
	defer rows.Close()
	out := []string{}
	for rows.Next() {
		var tag string
		if err := rows.Scan(&tag); err != nil {
			t.Fatal(err)
		}
		out = append(out, tag)
	}
	return out
}

// assertCountsMatchSets fails if any tags.count differs from the join
// table cardinality, or an entry exists with an empty set.
func assertCountsMatchSets(t *testing.T, db *DB) {
	t.Helper()
	rows, err := db.conn.Query(`
		SELECT t.tag, t.count, (SELECT COUNT(*) FROM note_tags nt WHERE nt.tag = t.tag)
		FROM tags t
	`)
	if err != nil {
		t.Fatal(err)
	}
	defer rows.Close()
	for rows.Next() {
		var tag string
		var count, actual int
		if err := rows.Scan(&tag, &count, &actual); err != nil {
			t.Fatal(err)
		}
		if count != actual {
			t.Errorf("tag %q count = %d, set size = %d", tag, count, actual)
		}
		if actual == 0 {
			t.Errorf("tag %q persisted with empty set", tag)
		}
	}
}

func TestTagIndexStaysConsistentThroughLifecycle(t *testing.T) {
	db := testDB(t)

	// End-to-end scenario: create with [a b], update to [b c].
	n, err := db.Create(&Note{Body: "# Hello\nWorld", Tags: []string{"a", "b"}})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if n.Title != "Hello" {
		t.Errorf("title = %q, want Hello", n.Title)
	}
	for _, tag := range []string{"a", "b"} {
		e, err := db.GetTag(tag)
		if err != nil {
			t.Fatalf("GetTag(%q): %v", tag, err)
		}
		if e.Count != 1 || !reflect.DeepEqual(e.NoteIDs, []string{n.ID}) {
			t.Errorf("tag %q entry = %+v", tag, e)
		}
	}

	newTags := []string{"b", "c"}
	if _, err := db.Update(n.ID, NotePatch{Tags: &newTags}); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if _, err := db.GetTag("a"); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("tag a should be deleted, got %v", err)
	}
	for _, tag := range []string{"b", "c"} {
		e, err := db.GetTag(tag)
		if err != nil {
			t.Fatalf("GetTag(%q): %v", tag, err)
		}
		if e.Count != 1 {
			t.Errorf("tag %q count = %d, want 1", tag, e.Count)
		}
	}

	got, _ := db.Get(n.ID)
	if !reflect.DeepEqual(got.Tags, indexTagsFor(t, db, n.ID)) {
		t.Errorf("note tags %v != indexed tags %v", got.Tags, indexTagsFor(t, db, n.ID))
	}
	assertCountsMatchSets(t, db)
}

func TestApplyTagDeltaIdempotent(t *testing.T) {
	db := testDB(t)
	n, _ := db.Create(&Note{Body: "x", Tags: []string{"go"}})

	// Re-adding a present id and removing an absent one are no-ops.
	if err := db.ApplyTagDelta(n.ID, []string{"go"}, []string{"never-there"}); err != nil {
		t.Fatalf("ApplyTagDelta: %v", err)
	}
	e, err := db.GetTag("go")
	if err != nil {
		t.Fatalf("GetTag: %v", err)
	}
	if e.Count != 1 {
		t.Errorf("count = %d, want 1 after idempotent re-add", e.Count)
	}
	assertCountsMatchSets(t, db)
}

func TestTagNormalization(t *testing.T) {
	db := testDB(t)
	a, _ := db.Create(&Note{Body: "x", Tags: []string{" Go "}})
	b, _ := db.Create(&Note{Body: "y", Tags: []string{"go"}})

	e, err := db.GetTag("GO")
	if err != nil {
		t.Fatalf("GetTag: %v", err)
	}
	if e.Count != 2 {
		t.Errorf("count = %d, want 2", e.Count)
	}
	want := []string{a.ID, b.ID}
	if a.ID > b.ID {
		want = []string{b.ID, a.ID}
	}
	if !reflect.DeepEqual(e.NoteIDs, want) {
		t.Errorf("note ids = %v, want %v", e.NoteIDs, want)
	}
}

func TestListTagsOrdersByCount(t *testing.T) {
	db := testDB(t)
	_, _ = db.Create(&Note{Body: "1", Tags: []string{"rare", "common"}})
	_, _ = db.Create(&Note{Body: "2", Tags: []string{"common"}})

	entries, err := db.ListTags()
	if err != nil {
		t.Fatalf("ListTags: %v", err)
	}
	if len(entries) != 2 || entries[0].Tag != "common" || entries[0].Count != 2 || entries[1].Tag != "rare" {
		t.Errorf("entries = %+v", entries)
	}
}

func TestReconcileTagsHealsDrift(t *testing.T) {
	db := testDB(t)
	keep, _ := db.Create(&Note{Body: "keep", Tags: []string{"shared"}})

	// Inject drift behind the store's back: a stale reference on an
	// existing entry and an entry referencing only a missing note.
	if _, err := db.conn.Exec(`INSERT INTO note_tags (tag, note_id) VALUES ('shared', 'GONE'), ('orphan', 'GONE')`); err != nil {
		t.Fatal(err)
	}
	if _, err := db.conn.Exec(`INSERT INTO tags (tag, count, created_at, last_used) VALUES ('orphan', 1, 0, 0)`); err != nil {
		t.Fatal(err)
	}
	if _, err := db.conn.Exec(`UPDATE tags SET count = 2 WHERE tag = 'shared'`); err != nil {
		t.Fatal(err)
	}

	report, err := db.ReconcileTags()
	if err != nil {
		t.Fatalf("ReconcileTags: %v", err)
	}
	if report.EntriesFixed != 1 || report.EntriesRemoved != 1 {
		t.Errorf("report = %+v, want fixed=1 removed=1", report)
	}

	e, err := db.GetTag("shared")
	if err != nil {
		t.Fatalf("GetTag: %v", err)
	}
	if e.Count != 1 || !reflect.DeepEqual(e.NoteIDs, []string{keep.ID}) {
		t.Errorf("shared entry after reconcile = %+v", e)
	}
	if _, err := db.GetTag("orphan"); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("orphan entry should be removed, got %v", err)
	}
	assertCountsMatchSets(t, db)
}
