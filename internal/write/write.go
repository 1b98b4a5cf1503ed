// Package write implements the WriteCoordinator (spec.md §4.11): the
// strict three-store commit order ResearchStore -> PrimaryStore ->
// StateStore, Page deduplication by image id (singleflight-collapsed so
// concurrent items sharing one census image never race to insert it
// twice), and partial-commit recovery bookkeeping. Grounded on no direct
// teacher analogue for the cross-store order itself, but the per-step
// transaction discipline follows internal/storage/sqlite's RunInTx usage
// throughout the teacher.
package write

import (
	"context"
	"database/sql"
	"fmt"

	"golang.org/x/sync/singleflight"

	"github.com/miams/rmcitecraft/internal/errs"
	"github.com/miams/rmcitecraft/internal/primarystore"
	"github.com/miams/rmcitecraft/internal/queue"
	"github.com/miams/rmcitecraft/internal/researchstore"
	"github.com/miams/rmcitecraft/internal/statestore"
	"github.com/miams/rmcitecraft/internal/types"
)

// Coordinator owns the three-store write sequence for one Item at a time
// (spec.md §4.11). A single Coordinator serves all of a Session's items;
// the page-dedup group collapses concurrent first-writers for the same
// image id.
type Coordinator struct {
	research *researchstore.Store
	primary  *primarystore.Store
	state    *statestore.Store

	pageGroup singleflight.Group
}

// New constructs a WriteCoordinator over the three stores.
func New(research *researchstore.Store, primary *primarystore.Store, state *statestore.Store) *Coordinator {
	return &Coordinator{research: research, primary: primary, state: state}
}

// Input bundles everything one Commit call needs: the item being
// finalized, its extraction, the matched row/decision, and the formatted
// citation artifact already produced by internal/citation and
// internal/match.
type Input struct {
	Item      *types.Item
	Extraction *types.Extraction
	Row       *types.PersonRow // nil for findagrave or skipped rows
	Match     types.MatchResult
	Artifact  types.CitationArtifact
	SessionID string
}

// Commit runs the three ordered steps for one item: ResearchStore first
// (page + person + fields + field history + match attempt), then
// PrimaryStore (citation write, and for findagrave a burial event), then
// StateStore (item status -> complete, checkpoint, processed-image
// ledger). If a later step fails, the earlier steps' commits remain in
// place — Resume detects the item is still 'committing' and completes the
// remaining steps rather than redoing finished ones (spec.md §4.11).
func (c *Coordinator) Commit(ctx context.Context, in Input) error {
	it := in.Item
	it.Status = types.ItemCommitting

	pageID, researchPersonID, err := c.commitResearch(ctx, in)
	if err != nil {
		return errs.PartialCommit("research", err)
	}
	it.ResearchPageID = pageID
	if researchPersonID != "" {
		it.ResearchPersonIDs = append(it.ResearchPersonIDs, researchPersonID)
	}

	if err := c.commitPrimary(ctx, in); err != nil {
		// ResearchStore already committed; the item stays 'committing' so a
		// resume can retry just the PrimaryStore step rather than redo the
		// ResearchStore insert (which would collide on image_id/source_url).
		if uerr := c.state.UpdateItem(ctx, it); uerr != nil {
			return errs.PartialCommit("primary (and state update failed)", uerr)
		}
		return errs.PartialCommit("primary", err)
	}

	if err := c.commitState(ctx, in); err != nil {
		return errs.PartialCommit("state", err)
	}

	it.Status = types.ItemComplete
	return c.state.UpdateItem(ctx, it)
}

// commitResearch inserts the page (deduped by image id via singleflight so
// concurrent items sharing one image never double-insert), the person row,
// its EAV fields and field history, and the match attempt record.
func (c *Coordinator) commitResearch(ctx context.Context, in Input) (pageID, researchPersonID string, err error) {
	ex := in.Extraction
	imageID := queue.NormalizeImageID(ex.SourceURL)

	pageIDAny, sfErr, _ := c.pageGroup.Do(imageID, func() (interface{}, error) {
		if existing, lookErr := c.research.LookupPageByImage(ctx, imageID); lookErr == nil && existing != "" {
			return existing, nil
		}
		page := ex.CensusPage
		page.ImageID = imageID
		page.SourceURL = ex.SourceURL
		id, insErr := c.research.InsertPage(ctx, nil, page)
		if insErr != nil {
			var dup *errs.DuplicateError
			if asDuplicate(insErr, &dup) {
				return dup.ExistingID, nil
			}
			return nil, insErr
		}
		return id, nil
	})
	if sfErr != nil {
		return "", "", fmt.Errorf("commit_research: insert_page: %w", sfErr)
	}
	pageID = pageIDAny.(string)

	if in.Row == nil {
		return pageID, "", nil
	}

	researchPersonID, err = c.research.InsertPerson(ctx, nil, *in.Row, pageID)
	if err != nil {
		return pageID, "", fmt.Errorf("commit_research: insert_person: %w", err)
	}

	if len(in.Row.YearFields) > 0 {
		if err := c.research.InsertFields(ctx, nil, researchPersonID, in.Row.YearFields); err != nil {
			return pageID, researchPersonID, fmt.Errorf("commit_research: insert_fields: %w", err)
		}
		for field, value := range in.Row.YearFields {
			if err := c.research.RecordFieldHistory(ctx, nil, researchPersonID, field, value, value, ex.SourceURL, "batch_runner"); err != nil {
				return pageID, researchPersonID, fmt.Errorf("commit_research: record_field_history: %w", err)
			}
		}
	}

	if err := c.research.RecordMatchAttempt(ctx, nil, in.SessionID, in.Item.ID, in.Match); err != nil {
		return pageID, researchPersonID, fmt.Errorf("commit_research: record_match_attempt: %w", err)
	}

	if in.Match.Decision == types.DecisionMatched {
		if err := c.research.LinkToPrimary(ctx, nil, researchPersonID, in.Match.PrimaryPersonID, in.Item.PrimaryCitationID, in.Item.PrimaryEventID, in.Match.Score, string(in.Match.Method), in.Artifact.Fingerprint); err != nil {
			return pageID, researchPersonID, fmt.Errorf("commit_research: link_to_primary: %w", err)
		}
	}

	return pageID, researchPersonID, nil
}

// commitPrimary writes the formatted citation (census) or creates a place,
// burial event, and fresh citation (findagrave) — never both, since the
// two session kinds never share an item.
func (c *Coordinator) commitPrimary(ctx context.Context, in Input) error {
	if in.Match.Decision != types.DecisionMatched {
		return nil // review_needed/skipped rows never reach PrimaryStore
	}

	if in.Extraction.Kind == types.ExtractionFindAGrave {
		return c.commitFindAGrave(ctx, in)
	}

	if in.Item.PrimaryCitationID == "" {
		return fmt.Errorf("commit_primary: item has no primary_citation_id to write to")
	}
	return c.primary.WriteCitation(ctx, in.Item.PrimaryCitationID, in.Artifact)
}

// commitFindAGrave upserts the cemetery place, creates the burial event,
// creates a fresh free-form citation carrying the formatted artifact, and
// links the two (spec.md §4.1 create_burial_event, §4.10 place-approval).
// The event/citation creation steps are skipped when in.Item already carries
// their ids, so a Resume call after a partial failure never double-creates
// them — it only re-attempts the step that actually failed.
func (c *Coordinator) commitFindAGrave(ctx context.Context, in Input) error {
	ex := in.Extraction

	if in.Item.PrimaryEventID == "" {
		placeID, err := c.primary.UpsertPlace(ctx, ex.CemeteryPlace)
		if err != nil {
			return fmt.Errorf("commit_findagrave: upsert_place: %w", err)
		}
		eventID, err := c.primary.CreateBurialEvent(ctx, in.Match.PrimaryPersonID, placeID, "", ex.BurialDate)
		if err != nil {
			return fmt.Errorf("commit_findagrave: create_burial_event: %w", err)
		}
		in.Item.PrimaryEventID = eventID
	}

	if in.Item.PrimaryCitationID == "" {
		citationID, err := c.primary.CreateCitation(ctx, "Find A Grave", ex.SourceURL)
		if err != nil {
			return fmt.Errorf("commit_findagrave: create_citation: %w", err)
		}
		in.Item.PrimaryCitationID = citationID
	}

	if err := c.primary.WriteCitation(ctx, in.Item.PrimaryCitationID, in.Artifact); err != nil {
		return fmt.Errorf("commit_findagrave: write_citation: %w", err)
	}
	if err := c.primary.LinkCitationToEvent(ctx, in.Item.PrimaryCitationID, in.Item.PrimaryEventID); err != nil {
		return fmt.Errorf("commit_findagrave: link_citation_to_event: %w", err)
	}
	for _, photo := range ex.PhotoPaths {
		if _, err := c.primary.AttachMedia(ctx, "event", in.Item.PrimaryEventID, photo, "", ""); err != nil {
			return fmt.Errorf("commit_findagrave: attach_media: %w", err)
		}
	}
	return nil
}

// Resume re-attempts only the PrimaryStore and StateStore steps for an item
// a prior Commit call left in 'committing' status — the ResearchStore step
// already succeeded and must never be redone, since InsertPerson has no
// natural key to upsert against (spec.md §4.11 recovery model). Callers
// reconstruct Input from the persisted Item plus a freshly recomputed
// Artifact (internal/citation.Format is a pure function of its inputs, so
// recomputing it is always safe).
func (c *Coordinator) Resume(ctx context.Context, in Input) error {
	it := in.Item
	if err := c.commitPrimary(ctx, in); err != nil {
		if uerr := c.state.UpdateItem(ctx, it); uerr != nil {
			return errs.PartialCommit("primary (and state update failed)", uerr)
		}
		return errs.PartialCommit("primary", err)
	}
	if err := c.commitState(ctx, in); err != nil {
		return errs.PartialCommit("state", err)
	}
	it.Status = types.ItemComplete
	return c.state.UpdateItem(ctx, it)
}

// commitState records the processed-image ledger entry and the session
// checkpoint, the final and always-safe-to-retry step.
func (c *Coordinator) commitState(ctx context.Context, in Input) error {
	imageID := queue.NormalizeImageID(in.Extraction.SourceURL)
	return c.state.RunInTx(func(tx *sql.Tx) error {
		if err := c.state.MarkImageProcessed(ctx, tx, imageID, in.Item.ResearchPageID, in.SessionID); err != nil {
			return err
		}
		return c.state.AppendCheckpoint(ctx, tx, in.SessionID, in.Item.ID)
	})
}

func asDuplicate(err error, target **errs.DuplicateError) bool {
	d, ok := err.(*errs.DuplicateError)
	if ok {
		*target = d
	}
	return ok
}

// ShouldReformat is the fingerprint comparison of the re-processing policy
// (SPEC_FULL.md §O.3): given the fingerprint already recorded for a
// (research_person_id, primary_person_id) link, it reports whether a
// freshly formatted artifact differs from it. The BatchRunner does not call
// it; every committed item is written to PrimaryStore.
func ShouldReformat(existingFingerprint string, fresh types.CitationArtifact) bool {
	return existingFingerprint == "" || existingFingerprint != fresh.Fingerprint
}
