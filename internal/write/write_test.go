package write

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/miams/rmcitecraft/internal/primarystore"
	"github.com/miams/rmcitecraft/internal/queue"
	"github.com/miams/rmcitecraft/internal/researchstore"
	"github.com/miams/rmcitecraft/internal/statestore"
	"github.com/miams/rmcitecraft/internal/types"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

type harness struct {
	research *researchstore.Store
	primary  *primarystore.Store
	state    *statestore.Store
	primPath string
	sessID   string
}

func setupHarness(t *testing.T) (*harness, func()) {
	t.Helper()
	dir, err := os.MkdirTemp("", "rmcitecraft-write-test-*")
	if err != nil {
		t.Fatalf("mkdir temp: %v", err)
	}
	primPath := filepath.Join(dir, "test.rmtree")
	primary, err := primarystore.Open(primPath)
	if err != nil {
		os.RemoveAll(dir)
		t.Fatalf("open primary: %v", err)
	}
	research, err := researchstore.Open(filepath.Join(dir, "test.research.db"))
	if err != nil {
		primary.Close()
		os.RemoveAll(dir)
		t.Fatalf("open research: %v", err)
	}
	state, err := statestore.Open(filepath.Join(dir, "test.state.db"))
	if err != nil {
		primary.Close()
		research.Close()
		os.RemoveAll(dir)
		t.Fatalf("open state: %v", err)
	}

	sess, err := state.CreateSession(context.Background(), types.KindCensus, 1, nil)
	if err != nil {
		t.Fatalf("create session: %v", err)
	}

	h := &harness{research: research, primary: primary, state: state, primPath: primPath, sessID: sess.ID}
	return h, func() {
		primary.Close()
		research.Close()
		state.Close()
		os.RemoveAll(dir)
	}
}

// seedPerson inserts a bare PersonTable row directly, the way an operator's
// existing .rmtree already has people before any batch runs.
func seedPerson(t *testing.T, path, personID string) {
	t.Helper()
	db, err := sql.Open("sqlite3", fmt.Sprintf("file:%s?_busy_timeout=30000", path))
	if err != nil {
		t.Fatalf("open seed connection: %v", err)
	}
	defer db.Close()
	if _, err := db.Exec(`INSERT INTO PersonTable (PersonID, Sex, BirthYear) VALUES (?, 'F', 1880)`, personID); err != nil {
		t.Fatalf("seed person: %v", err)
	}
}

// seedCensusCitation inserts a free-form placeholder citation and its
// source. personID is not used: no CitationLinkTable row is written, since
// the tests hand the citation id to the item directly.
func seedCensusCitation(t *testing.T, path, personID, citationID string) {
	t.Helper()
	db, err := sql.Open("sqlite3", fmt.Sprintf("file:%s?_busy_timeout=30000", path))
	if err != nil {
		t.Fatalf("open seed connection: %v", err)
	}
	defer db.Close()
	sourceID := "src-" + citationID
	if _, err := db.Exec(`INSERT INTO SourceTable (SourceID, Name, Fields) VALUES (?, 'census', '{}')`, sourceID); err != nil {
		t.Fatalf("seed source: %v", err)
	}
	if _, err := db.Exec(`INSERT INTO CitationTable (CitationID, SourceID, TemplateID) VALUES (?, ?, 0)`, citationID, sourceID); err != nil {
		t.Fatalf("seed citation: %v", err)
	}
}

func sampleArtifact() types.CitationArtifact {
	return types.CitationArtifact{
		Footnote:      "1900 U.S. census, Frederick Co., Md., ...",
		ShortFootnote: "1900 U.S. census, Frederick Co., Md.",
		Bibliography:  "1900 U.S. census. Frederick Co., Md.",
		Fingerprint:   "abc123",
	}
}

func TestCommitCensusWritesAllThreeStores(t *testing.T) {
	h, cleanup := setupHarness(t)
	defer cleanup()
	ctx := context.Background()

	seedPerson(t, h.primPath, "person-1")
	seedCensusCitation(t, h.primPath, "person-1", "cit-1")

	c := New(h.research, h.primary, h.state)
	item := &types.Item{ID: "item-1", SessionID: h.sessID, PrimaryCitationID: "cit-1"}
	ex := &types.Extraction{
		Kind:      types.ExtractionCensusPopulation,
		SourceURL: "https://example.com/image/1",
		CensusPage: types.Page{Year: 1900, State: "Maryland", County: "Frederick"},
	}
	row := &types.PersonRow{Line: 12, GivenName: "Ella", Surname: "Ijams", Sex: "F", AgeYears: 20}

	in := Input{
		Item:       item,
		Extraction: ex,
		Row:        row,
		Match:      types.MatchResult{Decision: types.DecisionMatched, PrimaryPersonID: "person-1", Method: types.MatchExact},
		Artifact:   sampleArtifact(),
		SessionID:  h.sessID,
	}

	if err := c.Commit(ctx, in); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if item.Status != types.ItemComplete {
		t.Errorf("expected item complete, got %s", item.Status)
	}
	if item.ResearchPageID == "" {
		t.Error("expected research_page_id to be set")
	}

	pageID, err := h.research.LookupPageByImage(ctx, queue.NormalizeImageID(ex.SourceURL))
	if err != nil || pageID == "" {
		t.Fatalf("expected page recorded in research store, err=%v", err)
	}

	fields, err := h.primary.SourceFields(ctx, "src-cit-1")
	if err != nil {
		t.Fatalf("source_fields: %v", err)
	}
	if fields == "" || fields == "{}" {
		t.Errorf("expected citation fields to carry the formatted artifact, got %q", fields)
	}

	processed, err := h.state.IsImageProcessed(ctx, queue.NormalizeImageID(ex.SourceURL))
	if err != nil || !processed {
		t.Fatalf("expected image marked processed, err=%v", err)
	}
}

func TestCommitReviewNeededSkipsPrimaryAndResearchLink(t *testing.T) {
	h, cleanup := setupHarness(t)
	defer cleanup()
	ctx := context.Background()

	c := New(h.research, h.primary, h.state)
	item := &types.Item{ID: "item-2", SessionID: h.sessID}
	ex := &types.Extraction{
		Kind:       types.ExtractionCensusPopulation,
		SourceURL:  "https://example.com/image/2",
		CensusPage: types.Page{Year: 1900},
	}
	row := &types.PersonRow{Line: 5, GivenName: "Unknown", Surname: "Person"}

	in := Input{
		Item:       item,
		Extraction: ex,
		Row:        row,
		Match:      types.MatchResult{Decision: types.DecisionReviewNeeded},
		Artifact:   types.CitationArtifact{},
		SessionID:  h.sessID,
	}

	if err := c.Commit(ctx, in); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if item.Status != types.ItemComplete {
		t.Errorf("expected item complete even for review_needed, got %s", item.Status)
	}
	if item.PrimaryCitationID != "" {
		t.Errorf("expected no primary citation for review_needed, got %s", item.PrimaryCitationID)
	}
}

func TestCommitFindAGraveCreatesCitationAndEvent(t *testing.T) {
	h, cleanup := setupHarness(t)
	defer cleanup()
	ctx := context.Background()

	seedPerson(t, h.primPath, "person-2")

	c := New(h.research, h.primary, h.state)
	item := &types.Item{ID: "item-3", SessionID: h.sessID}
	ex := &types.Extraction{
		Kind:          types.ExtractionFindAGrave,
		SourceURL:     "https://findagrave.com/memorial/123",
		MemorialName:  "Ella Ijams",
		CemeteryPlace: "Mount Olivet Cemetery, Frederick, Maryland",
		BurialDate:    "1952",
	}

	in := Input{
		Item:       item,
		Extraction: ex,
		Match:      types.MatchResult{Decision: types.DecisionMatched, PrimaryPersonID: "person-2", Method: types.MatchExact},
		Artifact:   sampleArtifact(),
		SessionID:  h.sessID,
	}

	if err := c.Commit(ctx, in); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if item.PrimaryCitationID == "" {
		t.Fatal("expected a new primary_citation_id to be created")
	}
	if item.PrimaryEventID == "" {
		t.Fatal("expected a new primary_event_id to be created")
	}

	freeForm, url, err := h.primary.ReadCitation(ctx, item.PrimaryCitationID)
	if err != nil {
		t.Fatalf("read_citation: %v", err)
	}
	_ = freeForm
	if url != ex.SourceURL {
		t.Errorf("expected third-party url %q, got %q", ex.SourceURL, url)
	}
}

func TestCommitPartialFailureLeavesItemCommitting(t *testing.T) {
	h, cleanup := setupHarness(t)
	defer cleanup()
	ctx := context.Background()

	// No PersonTable seed and no pre-existing citation: commitResearch will
	// succeed (it never touches PrimaryStore), but commitPrimary fails
	// because the item carries neither a primary_citation_id nor a findagrave
	// extraction kind to create one from.
	c := New(h.research, h.primary, h.state)
	item := &types.Item{ID: "item-4", SessionID: h.sessID}
	ex := &types.Extraction{
		Kind:       types.ExtractionCensusPopulation,
		SourceURL:  "https://example.com/image/4",
		CensusPage: types.Page{Year: 1900},
	}
	row := &types.PersonRow{Line: 9, GivenName: "Gap", Surname: "Case"}
	if err := h.state.CreateItems(ctx, h.sessID, []types.Item{*item}); err != nil {
		t.Fatalf("create items: %v", err)
	}

	in := Input{
		Item:       item,
		Extraction: ex,
		Row:        row,
		Match:      types.MatchResult{Decision: types.DecisionMatched, PrimaryPersonID: "ghost-person"},
		Artifact:   sampleArtifact(),
		SessionID:  h.sessID,
	}

	err := c.Commit(ctx, in)
	if err == nil {
		t.Fatal("expected commit_primary to fail")
	}
	if item.Status != types.ItemCommitting {
		t.Errorf("expected item to remain committing for resume, got %s", item.Status)
	}
	if item.ResearchPageID == "" {
		t.Error("expected the research step to have already committed despite the later failure")
	}

	persisted, gerr := h.state.GetItem(ctx, item.ID)
	if gerr != nil {
		t.Fatalf("get_item: %v", gerr)
	}
	if persisted.Status != types.ItemCommitting {
		t.Errorf("expected persisted item status committing, got %s", persisted.Status)
	}
}

func TestCommitDedupesSharedImagePage(t *testing.T) {
	h, cleanup := setupHarness(t)
	defer cleanup()
	ctx := context.Background()

	seedPerson(t, h.primPath, "person-5")
	seedPerson(t, h.primPath, "person-6")
	seedCensusCitation(t, h.primPath, "person-5", "cit-5")
	seedCensusCitation(t, h.primPath, "person-6", "cit-6")

	c := New(h.research, h.primary, h.state)
	ex := &types.Extraction{
		Kind:       types.ExtractionCensusPopulation,
		SourceURL:  "https://example.com/image/shared",
		CensusPage: types.Page{Year: 1900},
	}

	in1 := Input{
		Item:       &types.Item{ID: "item-5", SessionID: h.sessID, PrimaryCitationID: "cit-5"},
		Extraction: ex,
		Row:        &types.PersonRow{Line: 1, GivenName: "A", Surname: "One"},
		Match:      types.MatchResult{Decision: types.DecisionMatched, PrimaryPersonID: "person-5"},
		Artifact:   sampleArtifact(),
		SessionID:  h.sessID,
	}
	in2 := Input{
		Item:       &types.Item{ID: "item-6", SessionID: h.sessID, PrimaryCitationID: "cit-6"},
		Extraction: ex,
		Row:        &types.PersonRow{Line: 2, GivenName: "B", Surname: "Two"},
		Match:      types.MatchResult{Decision: types.DecisionMatched, PrimaryPersonID: "person-6"},
		Artifact:   sampleArtifact(),
		SessionID:  h.sessID,
	}

	if err := c.Commit(ctx, in1); err != nil {
		t.Fatalf("commit in1: %v", err)
	}
	if err := c.Commit(ctx, in2); err != nil {
		t.Fatalf("commit in2: %v", err)
	}
	if in1.Item.ResearchPageID != in2.Item.ResearchPageID {
		t.Errorf("expected both items to share one research page id, got %s and %s", in1.Item.ResearchPageID, in2.Item.ResearchPageID)
	}
}

func TestShouldReformat(t *testing.T) {
	fresh := types.CitationArtifact{Fingerprint: "same"}
	if !ShouldReformat("", fresh) {
		t.Error("expected reformat when no existing fingerprint")
	}
	if ShouldReformat("same", fresh) {
		t.Error("expected no reformat when fingerprint unchanged")
	}
	if !ShouldReformat("different", fresh) {
		t.Error("expected reformat when fingerprint changed")
	}
}
