package queue

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/miams/rmcitecraft/internal/primarystore"
	"github.com/miams/rmcitecraft/internal/statestore"
	"github.com/miams/rmcitecraft/internal/types"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

func setupStores(t *testing.T) (*primarystore.Store, *statestore.Store, string, func()) {
	t.Helper()
	dir, err := os.MkdirTemp("", "rmcitecraft-queue-test-*")
	if err != nil {
		t.Fatalf("mkdir temp: %v", err)
	}
	primaryPath := filepath.Join(dir, "test.rmtree")
	primary, err := primarystore.Open(primaryPath)
	if err != nil {
		os.RemoveAll(dir)
		t.Fatalf("open primary store: %v", err)
	}
	state, err := statestore.Open(filepath.Join(dir, "test.state.db"))
	if err != nil {
		primary.Close()
		os.RemoveAll(dir)
		t.Fatalf("open state store: %v", err)
	}
	return primary, state, primaryPath, func() {
		primary.Close()
		state.Close()
		os.RemoveAll(dir)
	}
}

// seedCensusCandidate inserts a person with a free-form, unformatted
// citation through a second connection to the same database file, the way
// an operator's existing .rmtree would already look before a batch runs.
func seedCensusCandidate(t *testing.T, path, personID, url string) {
	t.Helper()
	db, err := sql.Open("sqlite3", fmt.Sprintf("file:%s?_busy_timeout=30000", path))
	if err != nil {
		t.Fatalf("open seed connection: %v", err)
	}
	defer db.Close()

	stmts := []struct {
		q    string
		args []interface{}
	}{
		{`INSERT INTO PersonTable (PersonID, Sex, BirthYear) VALUES (?, 'F', 1880)`, []interface{}{personID}},
		{`INSERT INTO SourceTable (SourceID, Name, Fields) VALUES (?, 'census', '{}')`, []interface{}{"src-" + personID}},
		{`INSERT INTO CitationTable (CitationID, SourceID, TemplateID, ThirdPartyURL, FreeFormText) VALUES (?, ?, 0, ?, '1900 census')`,
			[]interface{}{"cit-" + personID, "src-" + personID, url}},
		{`INSERT INTO CitationLinkTable (CitationID, OwnerType, OwnerID) VALUES (?, 'person', ?)`, []interface{}{"cit-" + personID, personID}},
	}
	for _, s := range stmts {
		if _, err := db.Exec(s.q, s.args...); err != nil {
			t.Fatalf("seed %q: %v", s.q, err)
		}
	}
}

func TestNormalizeImageID(t *testing.T) {
	cases := []struct{ in, want string }{
		{"https://example.com/image/123?ref=tracker", "https://example.com/image/123"},
		{"https://example.com/image/123/", "https://example.com/image/123"},
		{"https://example.com/image/123#frag", "https://example.com/image/123"},
	}
	for _, c := range cases {
		if got := NormalizeImageID(c.in); got != c.want {
			t.Errorf("NormalizeImageID(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestBuildCreatesItemsFromCandidates(t *testing.T) {
	primary, state, path, cleanup := setupStores(t)
	defer cleanup()
	ctx := context.Background()

	seedCensusCandidate(t, path, "person-1", "https://example.com/image/1?x=1")
	seedCensusCandidate(t, path, "person-2", "https://example.com/image/2")

	builder := New(primary, state)
	sessionID, err := builder.Build(ctx, Options{Kind: types.KindCensus, Filter: primarystore.CandidateFilter{Year: 1900}})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	sess, err := state.GetSession(ctx, sessionID)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if sess.Total != 2 {
		t.Errorf("expected 2 items queued, got %d", sess.Total)
	}

	item, err := state.NextQueuedItem(ctx, sessionID)
	if err != nil {
		t.Fatalf("NextQueuedItem: %v", err)
	}
	if item == nil {
		t.Fatal("expected a queued item")
	}
}

func TestBuildSkipsProcessedImages(t *testing.T) {
	primary, state, path, cleanup := setupStores(t)
	defer cleanup()
	ctx := context.Background()

	imageURL := "https://example.com/image/1"
	seedCensusCandidate(t, path, "person-1", imageURL)

	if err := state.MarkImageProcessed(ctx, nil, NormalizeImageID(imageURL), "research-page-1", "prior-session"); err != nil {
		t.Fatalf("mark_image_processed: %v", err)
	}

	builder := New(primary, state)
	sessionID, err := builder.Build(ctx, Options{Kind: types.KindCensus, Filter: primarystore.CandidateFilter{Year: 1900}})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	sess, err := state.GetSession(ctx, sessionID)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if sess.Total != 0 {
		t.Errorf("expected the already-processed image to be skipped, got %d items", sess.Total)
	}
}

// Items must be grouped in candidate (first-occurrence) order, not sorted
// alphabetically by image id: FindCandidates orders by person id, so
// person-A (whose image id sorts last alphabetically) must still produce
// the first item group.
func TestBuildPreservesCandidateOrder(t *testing.T) {
	primary, state, path, cleanup := setupStores(t)
	defer cleanup()
	ctx := context.Background()

	seedCensusCandidate(t, path, "person-A", "https://example.com/z-image/1900")
	seedCensusCandidate(t, path, "person-B", "https://example.com/a-image/1900")

	builder := New(primary, state)
	sessionID, err := builder.Build(ctx, Options{Kind: types.KindCensus, Filter: primarystore.CandidateFilter{Year: 1900}})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	var gotOrder []string
	for {
		item, err := state.NextQueuedItem(ctx, sessionID)
		if err != nil {
			t.Fatalf("NextQueuedItem: %v", err)
		}
		if item == nil {
			break
		}
		gotOrder = append(gotOrder, item.ImageID)
		item.Status = types.ItemExtracting
		if err := state.UpdateItem(ctx, item); err != nil {
			t.Fatalf("UpdateItem: %v", err)
		}
	}

	wantOrder := []string{"https://example.com/z-image/1900", "https://example.com/a-image/1900"}
	if len(gotOrder) != len(wantOrder) {
		t.Fatalf("got %d items, want %d: %v", len(gotOrder), len(wantOrder), gotOrder)
	}
	for i, want := range wantOrder {
		if gotOrder[i] != want {
			t.Errorf("item %d image id = %q, want %q (candidate order must be preserved, not sorted): %v", i, gotOrder[i], want, gotOrder)
		}
	}
}

func TestBuildReprocessIncludesProcessedImages(t *testing.T) {
	primary, state, path, cleanup := setupStores(t)
	defer cleanup()
	ctx := context.Background()

	imageURL := "https://example.com/image/1"
	seedCensusCandidate(t, path, "person-1", imageURL)

	if err := state.MarkImageProcessed(ctx, nil, NormalizeImageID(imageURL), "research-page-1", "prior-session"); err != nil {
		t.Fatalf("mark_image_processed: %v", err)
	}

	builder := New(primary, state)
	sessionID, err := builder.Build(ctx, Options{Kind: types.KindCensus, Filter: primarystore.CandidateFilter{Year: 1900}, Reprocess: true})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	sess, err := state.GetSession(ctx, sessionID)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if sess.Total != 1 {
		t.Errorf("expected reprocess to include the item, got %d", sess.Total)
	}
}
