package runner

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/miams/rmcitecraft/internal/extractor"
	"github.com/miams/rmcitecraft/internal/primarystore"
	"github.com/miams/rmcitecraft/internal/queue"
	"github.com/miams/rmcitecraft/internal/researchstore"
	"github.com/miams/rmcitecraft/internal/statestore"
	"github.com/miams/rmcitecraft/internal/types"
	"github.com/miams/rmcitecraft/internal/userassist"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

type harness struct {
	research *researchstore.Store
	primary  *primarystore.Store
	state    *statestore.Store
	primPath string
}

func setupHarness(t *testing.T) (*harness, func()) {
	t.Helper()
	dir, err := os.MkdirTemp("", "rmcitecraft-runner-test-*")
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

	h := &harness{research: research, primary: primary, state: state, primPath: primPath}
	return h, func() {
		primary.Close()
		research.Close()
		state.Close()
		os.RemoveAll(dir)
	}
}

// seedPerson inserts a bare PersonTable row, mirroring write_test.go's helper.
func seedPerson(t *testing.T, path, personID, sex string, birthYear int) {
	t.Helper()
	db, err := sql.Open("sqlite3", fmt.Sprintf("file:%s?_busy_timeout=30000", path))
	if err != nil {
		t.Fatalf("open seed connection: %v", err)
	}
	defer db.Close()
	if _, err := db.Exec(`INSERT INTO PersonTable (PersonID, Sex, BirthYear) VALUES (?, ?, ?)`, personID, sex, birthYear); err != nil {
		t.Fatalf("seed person: %v", err)
	}
}

// seedName inserts a NameTable row for personID, the data load_subject and
// the MatchEngine's name scorer both read.
func seedName(t *testing.T, path, personID, given, surname string) {
	t.Helper()
	db, err := sql.Open("sqlite3", fmt.Sprintf("file:%s?_busy_timeout=30000", path))
	if err != nil {
		t.Fatalf("open seed connection: %v", err)
	}
	defer db.Close()
	if _, err := db.Exec(`INSERT INTO NameTable (NameID, OwnerID, Given, Surname, NameType) VALUES (?, ?, ?, ?, 'primary')`,
		"name-"+personID, personID, given, surname); err != nil {
		t.Fatalf("seed name: %v", err)
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

func testOptions() Options {
	return Options{
		MaxAttempts:       3,
		BaseBackoff:       10_000_000,  // 10ms, irrelevant unless a retry fires
		MaxBackoff:        50_000_000,  // 50ms
		TimeoutFloor:      2_000_000_000, // 2s
		TimeoutMultiplier: 2,
		TimeoutCeiling:    5_000_000_000, // 5s
		AccessDate:        "2026-07-31",
		WeightSimilarity:  0.7,
		WeightUsage:       0.3,
	}
}

// stubCollaborator fails the test if either method is invoked, for paths
// that are expected to complete without any operator suspension.
type stubCollaborator struct {
	t *testing.T

	missingFieldsAnswer *userassist.FieldsComplete
	placeDecision       *userassist.PlaceDecision
}

func (s *stubCollaborator) RequestMissingFields(_ context.Context, req userassist.MissingFieldsRequest) (userassist.FieldsComplete, error) {
	if s.missingFieldsAnswer == nil {
		s.t.Fatalf("unexpected RequestMissingFields call for item %s", req.ItemID)
	}
	return *s.missingFieldsAnswer, nil
}

func (s *stubCollaborator) RequestPlaceApproval(_ context.Context, req userassist.PlaceApprovalRequest) (userassist.PlaceDecision, error) {
	if s.placeDecision == nil {
		s.t.Fatalf("unexpected RequestPlaceApproval call for item %s", req.ItemID)
	}
	return *s.placeDecision, nil
}

func TestRunCensusItemCompletes(t *testing.T) {
	h, cleanup := setupHarness(t)
	defer cleanup()
	ctx := context.Background()

	seedPerson(t, h.primPath, "person-1", "F", 1880)
	seedName(t, h.primPath, "person-1", "Ella", "Ijams")
	seedCensusCitation(t, h.primPath, "person-1", "cit-1")

	sess, err := h.state.CreateSession(ctx, types.KindCensus, 1, nil)
	if err != nil {
		t.Fatalf("create session: %v", err)
	}

	const url = "https://example.com/image/10"
	item := types.Item{
		ID:                "item-1",
		Subject:           types.SubjectKey{PrimaryPersonID: "person-1", Year: 1900, URL: url},
		DisplayName:       "Ella Ijams",
		PrimaryCitationID: "cit-1",
		ImageID:           queue.NormalizeImageID(url),
	}
	if err := h.state.CreateItems(ctx, sess.ID, []types.Item{item}); err != nil {
		t.Fatalf("create items: %v", err)
	}

	fixture := extractor.NewFixtureExtractor(map[string]*types.Extraction{
		url: {
			Kind:      types.ExtractionCensusPopulation,
			SourceURL: url,
			CensusPage: types.Page{
				Year: 1900, State: "Maryland", County: "Frederick",
				EnumerationDist: "45", Sheet: "3A",
			},
			PersonRows: []types.PersonRow{
				{Line: 12, FamilyNumber: "7", GivenName: "Ella", Surname: "Ijams", Sex: "F", AgeYears: 20},
			},
		},
	})

	r := New(h.research, h.primary, h.state, fixture, nil, &stubCollaborator{t: t}, nil, testOptions())
	if err := r.Run(ctx, sess.ID); err != nil {
		t.Fatalf("Run: %v", err)
	}

	final, err := h.state.GetSession(ctx, sess.ID)
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if final.Status != types.SessionCompleted {
		t.Errorf("expected session completed, got %s", final.Status)
	}
	if final.Completed != 1 {
		t.Errorf("expected 1 completed item, got %d", final.Completed)
	}

	fields, err := h.primary.SourceFields(ctx, "src-cit-1")
	if err != nil {
		t.Fatalf("source_fields: %v", err)
	}
	if fields == "" || fields == "{}" {
		t.Errorf("expected citation fields to carry the formatted artifact, got %q", fields)
	}

	processed, err := h.state.IsImageProcessed(ctx, queue.NormalizeImageID(url))
	if err != nil || !processed {
		t.Fatalf("expected image marked processed, err=%v", err)
	}
}

func TestRunFindAGraveItemCompletes(t *testing.T) {
	h, cleanup := setupHarness(t)
	defer cleanup()
	ctx := context.Background()

	seedPerson(t, h.primPath, "person-2", "F", 1875)

	sess, err := h.state.CreateSession(ctx, types.KindFindAGrave, 1, nil)
	if err != nil {
		t.Fatalf("create session: %v", err)
	}

	const url = "https://findagrave.com/memorial/123"
	item := types.Item{
		ID:          "item-2",
		Subject:     types.SubjectKey{PrimaryPersonID: "person-2", URL: url},
		DisplayName: "Ella Ijams",
		ImageID:     queue.NormalizeImageID(url),
	}
	if err := h.state.CreateItems(ctx, sess.ID, []types.Item{item}); err != nil {
		t.Fatalf("create items: %v", err)
	}

	fixture := extractor.NewFixtureExtractor(map[string]*types.Extraction{
		url: {
			Kind:          types.ExtractionFindAGrave,
			SourceURL:     url,
			MemorialName:  "Ella Ijams",
			MemorialDate:  "1875-1952",
			CemeteryName:  "Mount Olivet Cemetery",
			CemeteryPlace: "Mount Olivet Cemetery, Frederick, Maryland",
			BurialDate:    "1952",
		},
	})

	r := New(h.research, h.primary, h.state, fixture, nil, &stubCollaborator{t: t}, nil, testOptions())
	if err := r.Run(ctx, sess.ID); err != nil {
		t.Fatalf("Run: %v", err)
	}

	finalItem, err := h.state.GetItem(ctx, "item-2")
	if err != nil {
		t.Fatalf("get item: %v", err)
	}
	if finalItem.Status != types.ItemComplete {
		t.Errorf("expected item complete, got %s", finalItem.Status)
	}
	if finalItem.PrimaryCitationID == "" || finalItem.PrimaryEventID == "" {
		t.Error("expected a new citation and burial event to be created")
	}
}

func TestRunDataIncompleteSuspendsThenCompletesAfterOperatorAnswer(t *testing.T) {
	h, cleanup := setupHarness(t)
	defer cleanup()
	ctx := context.Background()

	seedPerson(t, h.primPath, "person-3", "F", 1880)
	seedName(t, h.primPath, "person-3", "Ella", "Ijams")
	seedCensusCitation(t, h.primPath, "person-3", "cit-3")

	sess, err := h.state.CreateSession(ctx, types.KindCensus, 1, nil)
	if err != nil {
		t.Fatalf("create session: %v", err)
	}

	const url = "https://example.com/image/20"
	item := types.Item{
		ID:                "item-3",
		Subject:           types.SubjectKey{PrimaryPersonID: "person-3", Year: 1900, URL: url},
		DisplayName:       "Ella Ijams",
		PrimaryCitationID: "cit-3",
		ImageID:           queue.NormalizeImageID(url),
	}
	if err := h.state.CreateItems(ctx, sess.ID, []types.Item{item}); err != nil {
		t.Fatalf("create items: %v", err)
	}

	fixture := extractor.NewFixtureExtractor(map[string]*types.Extraction{
		url: {
			Kind:      types.ExtractionCensusPopulation,
			SourceURL: url,
			CensusPage: types.Page{
				Year: 1900, State: "Maryland", County: "Frederick",
				EnumerationDist: "45",
				// Sheet deliberately omitted -- the operator supplies it.
			},
			PersonRows: []types.PersonRow{
				{Line: 12, FamilyNumber: "7", GivenName: "Ella", Surname: "Ijams", Sex: "F", AgeYears: 20},
			},
			MissingFields: []string{"sheet"},
		},
	})

	answer := userassist.FieldsComplete{Values: map[string]string{"sheet": "3A"}}
	collab := &stubCollaborator{t: t, missingFieldsAnswer: &answer}

	r := New(h.research, h.primary, h.state, fixture, nil, collab, nil, testOptions())
	if err := r.Run(ctx, sess.ID); err != nil {
		t.Fatalf("Run: %v", err)
	}

	finalItem, err := h.state.GetItem(ctx, "item-3")
	if err != nil {
		t.Fatalf("get item: %v", err)
	}
	if finalItem.Status != types.ItemComplete {
		t.Errorf("expected item complete after operator answer, got %s", finalItem.Status)
	}

	fields, err := h.primary.SourceFields(ctx, "src-cit-3")
	if err != nil {
		t.Fatalf("source_fields: %v", err)
	}
	if fields == "" || fields == "{}" {
		t.Error("expected formatted citation fields after operator supplied the missing sheet")
	}
}

func TestRunCancellationPausesSession(t *testing.T) {
	h, cleanup := setupHarness(t)
	defer cleanup()

	sess, err := h.state.CreateSession(context.Background(), types.KindCensus, 1, nil)
	if err != nil {
		t.Fatalf("create session: %v", err)
	}

	const url = "https://example.com/image/30"
	item := types.Item{
		ID:          "item-4",
		Subject:     types.SubjectKey{PrimaryPersonID: "person-4", Year: 1900, URL: url},
		DisplayName: "Unreached Person",
		ImageID:     queue.NormalizeImageID(url),
	}
	if err := h.state.CreateItems(context.Background(), sess.ID, []types.Item{item}); err != nil {
		t.Fatalf("create items: %v", err)
	}

	fixture := extractor.NewFixtureExtractor(nil)
	r := New(h.research, h.primary, h.state, fixture, nil, &stubCollaborator{t: t}, nil, testOptions())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err = r.Run(ctx, sess.ID)
	if err != ErrCancelled {
		t.Fatalf("expected ErrCancelled, got %v", err)
	}

	final, err := h.state.GetSession(context.Background(), sess.ID)
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if final.Status != types.SessionPaused {
		t.Errorf("expected session paused, got %s", final.Status)
	}
}

func TestRunResumesCommittingItem(t *testing.T) {
	h, cleanup := setupHarness(t)
	defer cleanup()
	ctx := context.Background()

	seedPerson(t, h.primPath, "person-5", "F", 1880)
	seedCensusCitation(t, h.primPath, "person-5", "cit-5")

	sess, err := h.state.CreateSession(ctx, types.KindCensus, 1, nil)
	if err != nil {
		t.Fatalf("create session: %v", err)
	}

	const url = "https://example.com/image/40"
	extraction := types.Extraction{
		Kind:      types.ExtractionCensusPopulation,
		SourceURL: url,
		CensusPage: types.Page{
			Year: 1900, State: "Maryland", County: "Frederick",
			EnumerationDist: "45", Sheet: "3A",
		},
		PersonRows: []types.PersonRow{
			{Line: 12, FamilyNumber: "7", GivenName: "Ella", Surname: "Ijams", Sex: "F", AgeYears: 20},
		},
	}
	snapshot, err := json.Marshal(extraction)
	if err != nil {
		t.Fatalf("marshal snapshot: %v", err)
	}

	item := types.Item{
		ID:                "item-5",
		Subject:           types.SubjectKey{PrimaryPersonID: "person-5", Year: 1900, URL: url},
		DisplayName:       "Ella Ijams",
		PrimaryCitationID: "cit-5",
		ImageID:           queue.NormalizeImageID(url),
		ExtractedSnapshot: snapshot,
	}
	if err := h.state.CreateItems(ctx, sess.ID, []types.Item{item}); err != nil {
		t.Fatalf("create items: %v", err)
	}
	created, err := h.state.GetItem(ctx, "item-5")
	if err != nil {
		t.Fatalf("find created item: %v", err)
	}
	created.Status = types.ItemCommitting
	created.ExtractedSnapshot = snapshot
	if err := h.state.UpdateItem(ctx, created); err != nil {
		t.Fatalf("set committing: %v", err)
	}

	fixture := extractor.NewFixtureExtractor(nil) // never consulted on resume
	r := New(h.research, h.primary, h.state, fixture, nil, &stubCollaborator{t: t}, nil, testOptions())
	if err := r.Run(ctx, sess.ID); err != nil {
		t.Fatalf("Run: %v", err)
	}

	finalItem, err := h.state.GetItem(ctx, "item-5")
	if err != nil {
		t.Fatalf("get item: %v", err)
	}
	if finalItem.Status != types.ItemComplete {
		t.Errorf("expected resumed item complete, got %s", finalItem.Status)
	}

	fields, err := h.primary.SourceFields(ctx, "src-cit-5")
	if err != nil {
		t.Fatalf("source_fields: %v", err)
	}
	if fields == "" || fields == "{}" {
		t.Error("expected the resumed commit to have written the citation fields")
	}
}
