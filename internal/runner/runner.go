// Package runner implements the BatchRunner (spec.md §4.10): the single
// cooperative loop that drives every Item in a Session through
// extracting -> matching -> formatting -> committing, suspending into
// awaiting_user for missing fields or place approval, retrying transient
// failures with backoff, and resuming an item a crash left mid-commit.
// Grounded on the teacher's internal/daemon + internal/rpc/server_core.go
// request-dispatch-loop shape: one goroutine owns all mutation, and every
// suspension point is an ordinary blocking call rather than a background
// task the loop has to track.
package runner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/miams/rmcitecraft/internal/browser"
	"github.com/miams/rmcitecraft/internal/citation"
	"github.com/miams/rmcitecraft/internal/edge"
	"github.com/miams/rmcitecraft/internal/errs"
	"github.com/miams/rmcitecraft/internal/extractor"
	"github.com/miams/rmcitecraft/internal/match"
	"github.com/miams/rmcitecraft/internal/obslog"
	"github.com/miams/rmcitecraft/internal/primarystore"
	"github.com/miams/rmcitecraft/internal/researchstore"
	"github.com/miams/rmcitecraft/internal/statestore"
	"github.com/miams/rmcitecraft/internal/types"
	"github.com/miams/rmcitecraft/internal/userassist"
	"github.com/miams/rmcitecraft/internal/write"
)

// Collaborator is the operator-facing half of the user-assist protocol
// (spec.md §6). Each method blocks until the operator answers — that block
// is the suspension point itself, so the runner never needs its own
// pending-request bookkeeping. The presentation layer (NiceGUI, or the
// `rmcitecraft resolve` terminal fallback) implements this interface.
type Collaborator interface {
	RequestMissingFields(ctx context.Context, req userassist.MissingFieldsRequest) (userassist.FieldsComplete, error)
	RequestPlaceApproval(ctx context.Context, req userassist.PlaceApprovalRequest) (userassist.PlaceDecision, error)
}

// Options carries every tunable the BatchRunner needs, resolved by the
// caller (cmd/rmcitecraft) from internal/config — the runner itself never
// imports internal/config, so it can be driven identically from tests and
// from the CLI (spec.md §5).
type Options struct {
	MaxAttempts       int
	BaseBackoff       time.Duration
	MaxBackoff        time.Duration
	TimeoutFloor      time.Duration
	TimeoutMultiplier float64
	TimeoutCeiling    time.Duration

	// AccessDate is the operator-supplied raw access date string, normalized
	// once per formatted citation via internal/citation.NormalizeAccessDate.
	AccessDate string

	WeightSimilarity float64
	WeightUsage      float64
}

// Runner owns one Session's execution. A Runner is not safe for concurrent
// use across goroutines — spec.md §5 mandates a single cooperative loop per
// session kind, enforced at the process level by statestore.KindLock, which
// callers acquire before constructing or running a Runner.
type Runner struct {
	research *researchstore.Store
	primary  *primarystore.Store
	state    *statestore.Store

	extractor extractor.Extractor
	session   browser.Session // nil when the active Extractor needs no browser
	matcher   *match.Engine
	writer    *write.Coordinator
	collab    Collaborator
	log       *obslog.Logger

	opts Options
	now  func() time.Time
}

// New constructs a Runner over its three stores and collaborators.
func New(research *researchstore.Store, primary *primarystore.Store, state *statestore.Store,
	ex extractor.Extractor, sess browser.Session, collab Collaborator, log *obslog.Logger, opts Options) *Runner {
	return &Runner{
		research:  research,
		primary:   primary,
		state:     state,
		extractor: ex,
		session:   sess,
		matcher:   match.New(),
		writer:    write.New(research, primary, state),
		collab:    collab,
		log:       log,
		opts:      opts,
		now:       time.Now,
	}
}

// ErrCancelled is returned by Run when the context was cancelled between
// items (spec.md §4.10 Cancellation: cooperative, checked only at
// suspension points — never mid-commit).
var ErrCancelled = errors.New("runner: session cancelled")

// Run drives sess to completion, pausing on ErrBlocked, failing outright on
// ErrFatal, and returning ErrCancelled if ctx is cancelled between items.
// Callers are expected to hold the session kind's KindLock for the whole
// call (spec.md §5 "at most one runner per kind").
func (r *Runner) Run(ctx context.Context, sessionID string) error {
	// Session bookkeeping uses a context that ignores cancellation, so a
	// cancelled run can still load the session and record it as paused.
	storeCtx := context.WithoutCancel(ctx)
	sess, err := r.state.GetSession(storeCtx, sessionID)
	if err != nil {
		return fmt.Errorf("runner: load session: %w", err)
	}
	if err := r.state.SetSessionStatus(storeCtx, sessionID, types.SessionRunning); err != nil {
		return fmt.Errorf("runner: set session running: %w", err)
	}
	sess.Status = types.SessionRunning

	for {
		select {
		case <-ctx.Done():
			if err := r.state.SetSessionStatus(storeCtx, sessionID, types.SessionPaused); err != nil {
				r.logEvent(sessionID, "", "cancel", "error", err.Error())
			}
			return ErrCancelled
		default:
		}

		it, err := r.state.NextResumableItem(ctx, sessionID)
		if err != nil {
			return fmt.Errorf("runner: next_resumable_item: %w", err)
		}
		resuming := it != nil
		if it == nil {
			it, err = r.state.NextQueuedItem(ctx, sessionID)
			if err != nil {
				return fmt.Errorf("runner: next_queued_item: %w", err)
			}
		}
		if it == nil {
			break // no resumable or queued work left
		}

		var itemErr error
		if resuming {
			itemErr = r.resumeItem(ctx, sess, it)
		} else {
			itemErr = r.processItem(ctx, sess, it)
		}

		if itemErr == nil {
			continue
		}

		switch {
		case errors.Is(itemErr, errs.ErrBlocked):
			_ = r.state.SetSessionStatus(ctx, sessionID, types.SessionPaused)
			return itemErr
		case errors.Is(itemErr, errs.ErrFatal):
			return r.failSession(ctx, sess, itemErr)
		case errors.Is(itemErr, errs.ErrPartialCommit):
			// The item stays 'committing'; the next Run resumes it through
			// NextResumableItem instead of this loop re-picking it at once.
			_ = r.state.SetSessionStatus(ctx, sessionID, types.SessionPaused)
			return itemErr
		default:
			// Terminal (validation/duplicate) or exhausted-retry transient
			// errors were already recorded on the item by fail(); the
			// session keeps going so one bad item doesn't stop the batch.
			continue
		}
	}

	final, err := r.state.GetSession(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("runner: reload session: %w", err)
	}
	status := types.SessionCompleted
	if final.Errored > 0 && final.Completed == 0 && final.Skipped == 0 {
		status = types.SessionFailed
	}
	return r.state.SetSessionStatus(ctx, sessionID, status)
}

func (r *Runner) failSession(ctx context.Context, sess *types.Session, cause error) error {
	_ = r.state.SetSessionStatus(ctx, sess.ID, types.SessionFailed)
	r.logEvent(sess.ID, "", "session", "fatal", cause.Error())
	return cause
}

func (r *Runner) logEvent(sessionID, itemID, stage, kind, detail string) {
	if r.log == nil {
		return
	}
	r.log.Log(obslog.Event{Session: sessionID, Item: itemID, Stage: stage, Kind: kind, Detail: detail})
}

// processItem runs the full pipeline for an item that has never reached
// committing: extract (honoring the duplicate guard and DataIncomplete
// suspension), match, format, and commit. Only two transitions are
// persisted mid-pipeline — awaiting_user and committing — so a crash before
// committing leaves the item 'queued' or 'awaiting_user', and
// NextQueuedItem hands either back to be retried from scratch next run;
// extraction, matching, and formatting have no side effects, so redoing
// them is always safe.
func (r *Runner) processItem(ctx context.Context, sess *types.Session, it *types.Item) error {
	extraction, reused, err := r.extractWithGuard(ctx, sess, it)
	if err != nil {
		return r.handleExtractError(ctx, sess, it, extraction, err)
	}
	return r.finishExtracted(ctx, sess, it, extraction, reused)
}

// resumeItem re-attempts only the PrimaryStore/StateStore steps of an item
// a prior crash left in 'committing' (spec.md §4.11). The Extraction and
// matched row are recovered from the item's own persisted snapshot rather
// than re-extracted, and the artifact is recomputed (citation.Format is
// pure, so recomputing it is always identical to what was committed, or
// better if the access date changed since).
func (r *Runner) resumeItem(ctx context.Context, sess *types.Session, it *types.Item) error {
	var extraction types.Extraction
	if err := json.Unmarshal(it.ExtractedSnapshot, &extraction); err != nil {
		return fmt.Errorf("runner: resume: decode extracted_snapshot: %w", err)
	}

	row := subjectRow(&extraction)
	accessDate, err := citation.NormalizeAccessDate(r.opts.AccessDate, r.now())
	if err != nil {
		return r.fail(ctx, sess, it, errs.Validation("access_date", err))
	}
	artifact, err := citation.Format(&extraction, citationKind(extraction.Kind), row, accessDate)
	if err != nil {
		return r.fail(ctx, sess, it, errs.Validation("format", err))
	}

	matchResult := types.MatchResult{Decision: types.DecisionMatched, PrimaryPersonID: it.Subject.PrimaryPersonID}
	if row != nil {
		matchResult.RowLine = row.Line
	}

	in := write.Input{Item: it, Extraction: &extraction, Row: row, Match: matchResult, Artifact: artifact, SessionID: sess.ID}
	if err := r.writer.Resume(ctx, in); err != nil {
		return err
	}
	return r.state.IncrementSessionCounters(ctx, sess.ID, 1, 0, 0)
}

// subjectRow picks the PersonRow the item's subject matched, for the resume
// path where the original match decision is already known (an item only
// reaches 'committing' after a decision was made). finishExtracted stores a
// matched census item's snapshot with only the matched row.
func subjectRow(ex *types.Extraction) *types.PersonRow {
	if ex.Kind == types.ExtractionFindAGrave || len(ex.PersonRows) == 0 {
		return nil
	}
	return &ex.PersonRows[0]
}

func citationKind(k types.ExtractionKind) citation.SourceKind {
	if k == types.ExtractionFindAGrave {
		return citation.SourceFindAGrave
	}
	return citation.SourceCensus
}

// extractWithGuard implements the duplicate guard (spec.md §4.10: "at the
// start of extracting, check ResearchStore.lookup_by_source_url. If
// present, skip extraction and jump to matching using the stored
// extraction") and the retry/backoff loop around the real extraction call.
// reused reports whether the stored extraction was reused rather than a
// fresh one fetched. On a DataIncomplete failure the partially populated
// Extraction is still returned alongside the error so the caller can
// suspend on exactly the fields still missing. The reuse path only applies
// to census kind: ResearchStore's EAV schema reconstructs a full page and
// its person rows, but it has no columns for a findagrave memorial's
// fields, so findagrave items always re-extract (QueueBuilder's
// processed-image ledger already keeps an already-committed memorial URL
// from being queued a second time).
func (r *Runner) extractWithGuard(ctx context.Context, sess *types.Session, it *types.Item) (*types.Extraction, bool, error) {
	if sess.Kind == types.KindCensus {
		if page, rows, err := r.research.LoadExtractionByURL(ctx, it.Subject.URL); err == nil && page != nil {
			return &types.Extraction{Kind: types.ExtractionCensusPopulation, SourceURL: it.Subject.URL, CensusPage: *page, PersonRows: rows}, true, nil
		}
	}

	timeout := r.adaptiveTimeout(ctx, "extract", sess.Kind)
	hint := extractor.Hint{Year: it.Subject.Year}

	var extraction *types.Extraction
	attempt := 0
	for {
		attempt++
		start := r.now()
		err := r.runWithTimeout(ctx, timeout, func(ctx context.Context) error {
			var exErr error
			extraction, exErr = r.extractor.Extract(ctx, it.Subject.URL, hint)
			return exErr
		})
		success := err == nil
		_ = r.state.RecordMetric(ctx, types.Metric{Op: "extract", DurationMS: r.now().Sub(start).Milliseconds(), Success: success, SessionID: sess.ID, Kind: sess.Kind})
		if success {
			return extraction, false, nil
		}

		var extErr *extractor.Error
		if errors.As(err, &extErr) && extErr.Class == extractor.ClassDataIncomplete {
			return extraction, false, err // DataIncomplete is never retried
		}
		if !r.retryable(err) || attempt >= r.opts.MaxAttempts {
			return nil, false, err
		}
		r.logEvent(sess.ID, it.ID, "extract", "retry", fmt.Sprintf("attempt %d: %v", attempt, err))
		if sleepErr := r.sleepBackoff(ctx, attempt); sleepErr != nil {
			return nil, false, sleepErr
		}
	}
}

func extractionKindFor(kind types.SessionKind) types.ExtractionKind {
	if kind == types.KindFindAGrave {
		return types.ExtractionFindAGrave
	}
	return types.ExtractionCensusPopulation
}

// handleExtractError classifies an extraction failure: DataIncomplete
// suspends the item into awaiting_user and blocks on the Collaborator for
// the missing values; a browser Blocked failure tries one recovery before
// giving up; everything else is a terminal failure on the item.
func (r *Runner) handleExtractError(ctx context.Context, sess *types.Session, it *types.Item, partial *types.Extraction, err error) error {
	var extErr *extractor.Error
	if errors.As(err, &extErr) {
		switch extErr.Class {
		case extractor.ClassDataIncomplete:
			return r.suspendMissingFields(ctx, sess, it, partial, extErr)
		case extractor.ClassBlocked:
			if r.session != nil {
				if recErr := r.session.Recover(ctx); recErr != nil {
					return r.fail(ctx, sess, it, errs.Blocked("browser recovery failed", recErr))
				}
				return r.fail(ctx, sess, it, errs.Transient("extract", err)) // item stays queued, retried next pass
			}
			return r.fail(ctx, sess, it, errs.Blocked("no browser session configured", err))
		case extractor.ClassFatal:
			return r.fail(ctx, sess, it, errs.Fatal("extract", err))
		}
	}
	return r.fail(ctx, sess, it, err)
}

// suspendMissingFields persists the item as awaiting_user, blocks on the
// Collaborator for the operator's answer, merges the supplied values into
// the partial extraction, and resumes the pipeline exactly where extraction
// left off (spec.md §4.Extractor, §6).
func (r *Runner) suspendMissingFields(ctx context.Context, sess *types.Session, it *types.Item, partial *types.Extraction, extErr *extractor.Error) error {
	it.Status = types.ItemAwaitingUser
	it.LastErrorKind = types.ErrKindDataIncomplete
	it.LastErrorMessage = extErr.Error()
	if err := r.state.UpdateItem(ctx, it); err != nil {
		return err
	}
	r.logEvent(sess.ID, it.ID, "extract", "awaiting_user", extErr.Error())

	req := userassist.MissingFieldsRequest{Type: userassist.TypeMissingFieldsRequest, ItemID: it.ID, Fields: extErr.MissingFields, SourceURL: it.Subject.URL}
	answer, err := r.collab.RequestMissingFields(ctx, req)
	if err != nil {
		return r.fail(ctx, sess, it, errs.Transient("request_missing_fields", err))
	}

	if partial == nil {
		partial = &types.Extraction{Kind: extractionKindFor(sess.Kind), SourceURL: it.Subject.URL}
	}
	mergeValues(partial, answer.Values)
	return r.finishExtracted(ctx, sess, it, partial, false)
}

// mergeValues overlays operator-supplied field values onto an extraction's
// YearFields for every row, its census page fields (sheet/page, ED,
// township, stamp), and its top-level findagrave fields, clearing
// MissingFields so downstream formatting proceeds normally.
func mergeValues(ex *types.Extraction, values map[string]string) {
	ex.MissingFields = nil
	for i := range ex.PersonRows {
		if ex.PersonRows[i].YearFields == nil {
			ex.PersonRows[i].YearFields = map[string]string{}
		}
		for k, v := range values {
			ex.PersonRows[i].YearFields[k] = v
		}
	}
	for k, v := range values {
		switch k {
		case "memorial_name":
			ex.MemorialName = v
		case "memorial_date":
			ex.MemorialDate = v
		case "cemetery_name":
			ex.CemeteryName = v
		case "cemetery_place":
			ex.CemeteryPlace = v
		case "burial_date":
			ex.BurialDate = v
		case "sheet", "page":
			ex.CensusPage.Sheet = v
		case "enumeration_dist":
			ex.CensusPage.EnumerationDist = v
		case "township":
			ex.CensusPage.Township = v
		case "stamp":
			ex.CensusPage.Stamp = v
		}
	}
}

// finishExtracted runs matching, place approval, formatting, and commit for
// an extraction already in hand (whether freshly fetched, reused via the
// duplicate guard, or completed by an operator's missing-fields answer).
func (r *Runner) finishExtracted(ctx context.Context, sess *types.Session, it *types.Item, extraction *types.Extraction, reused bool) error {
	it.ExtractedSnapshot, _ = json.Marshal(extraction)

	row, matchResult, err := r.matchItem(ctx, it, extraction, reused)
	if err != nil {
		return r.fail(ctx, sess, it, err)
	}
	it.EdgeFlags = edgeFlagsFor(extraction, row)

	if extraction.Kind == types.ExtractionFindAGrave && matchResult.Decision == types.DecisionMatched {
		approved, err := r.ensurePlaceApproved(ctx, sess, it, extraction)
		if err != nil {
			return r.fail(ctx, sess, it, err)
		}
		if approved != "" {
			extraction.CemeteryPlace = approved
		}
	}

	accessDate, err := citation.NormalizeAccessDate(r.opts.AccessDate, r.now())
	if err != nil {
		return r.fail(ctx, sess, it, errs.Validation("access_date", err))
	}
	artifact, err := citation.Format(extraction, citationKind(extraction.Kind), row, accessDate)
	if err != nil {
		return r.fail(ctx, sess, it, errs.Validation("format", err))
	}
	it.Fingerprint = artifact.Fingerprint

	// Resume re-formats from this snapshot, so it holds the extraction as
	// committed: any operator-approved place, and only the matched row.
	committed := *extraction
	if row != nil {
		committed.PersonRows = []types.PersonRow{*row}
	}
	it.ExtractedSnapshot, _ = json.Marshal(&committed)

	it.Status = types.ItemCommitting
	if err := r.state.UpdateItem(ctx, it); err != nil {
		return err
	}

	in := write.Input{Item: it, Extraction: extraction, Row: row, Match: matchResult, Artifact: artifact, SessionID: sess.ID}
	if err := r.writer.Commit(ctx, in); err != nil {
		return err
	}

	completed, errored, skipped := 1, 0, 0
	if matchResult.Decision != types.DecisionMatched {
		completed, skipped = 0, 1
	}
	return r.state.IncrementSessionCounters(ctx, sess.ID, completed, errored, skipped)
}

// ensurePlaceApproved checks the proposed cemetery place against existing
// PrimaryStore places and, when no confident match exists, suspends on the
// place-approval protocol (spec.md §4.10, SPEC_FULL.md §O.2). Returns a
// non-empty existing place hierarchy when the operator chose to reuse one.
func (r *Runner) ensurePlaceApproved(ctx context.Context, sess *types.Session, it *types.Item, ex *types.Extraction) (string, error) {
	candidates, err := r.primary.LookupPlaceCandidates(ctx, ex.CemeteryPlace)
	if err != nil {
		return "", fmt.Errorf("ensure_place_approved: %w", err)
	}
	if len(candidates) == 0 {
		return "", nil // nothing to disambiguate against
	}

	var maxUsage int
	for _, c := range candidates {
		if c.UsageCount > maxUsage {
			maxUsage = c.UsageCount
		}
	}
	for _, c := range candidates {
		if similarity(c.Name, ex.CemeteryPlace) >= 0.95 {
			return c.Name, nil // confident match, no suspension needed
		}
	}

	it.Status = types.ItemAwaitingUser
	if err := r.state.UpdateItem(ctx, it); err != nil {
		return "", err
	}
	r.logEvent(sess.ID, it.ID, "place_approval", "awaiting_user", ex.CemeteryPlace)

	views := make([]userassist.PlaceCandidateView, 0, len(candidates))
	for _, c := range candidates {
		score := r.opts.WeightSimilarity*similarity(c.Name, ex.CemeteryPlace) + r.opts.WeightUsage*usageScore(c.UsageCount, maxUsage)
		views = append(views, userassist.PlaceCandidateView{PlaceID: c.PlaceID, Name: c.Name, Score: score})
	}

	req := userassist.PlaceApprovalRequest{Type: userassist.TypePlaceApprovalRequest, ItemID: it.ID, Proposed: ex.CemeteryPlace, Valid: true, Candidates: views}
	decision, err := r.collab.RequestPlaceApproval(ctx, req)
	if err != nil {
		return "", errs.Transient("request_place_approval", err)
	}

	switch decision.Choice {
	case userassist.ChoiceUseExisting:
		for _, c := range candidates {
			if c.PlaceID == decision.ExistingID {
				return c.Name, nil
			}
		}
		return "", fmt.Errorf("ensure_place_approved: operator chose unknown existing place %q", decision.ExistingID)
	case userassist.ChoiceAbortBatch:
		return "", errs.Blocked("operator aborted batch at place approval", fmt.Errorf("item %s", it.ID))
	default: // add_new
		return "", nil
	}
}

// similarity is a cheap containment proxy mirroring
// primarystore.LookupPlaceCandidates' own substring ranking; a real
// gazetteer comparison is an external collaborator (spec.md §9).
func similarity(a, b string) float64 {
	switch {
	case a == b:
		return 1
	case a == "" || b == "":
		return 0
	case contains(a, b) || contains(b, a):
		return 0.9
	default:
		return 0
	}
}

func contains(haystack, needle string) bool {
	if needle == "" || len(haystack) < len(needle) {
		return false
	}
	for i := 0; i+len(needle) <= len(haystack); i++ {
		if haystack[i:i+len(needle)] == needle {
			return true
		}
	}
	return false
}

func usageScore(usage, max int) float64 {
	if max == 0 {
		return 0
	}
	return float64(usage) / float64(max)
}

// matchItem builds the candidate pool from the subject's household and
// runs the MatchEngine for census items; findagrave items have no
// candidate-generation step since the subject person is already known from
// the QueueBuilder's memorial-URL scan (spec.md §4.1 find_candidates
// findagrave branch), so the match is a direct identity confirmation.
func (r *Runner) matchItem(ctx context.Context, it *types.Item, extraction *types.Extraction, reused bool) (*types.PersonRow, types.MatchResult, error) {
	if extraction.Kind == types.ExtractionFindAGrave {
		method := types.MatchExact
		if reused {
			method = types.MatchReused
		}
		return nil, types.MatchResult{Decision: types.DecisionMatched, PrimaryPersonID: it.Subject.PrimaryPersonID, Score: 1.0, Method: method}, nil
	}

	subject, err := r.primary.LoadSubject(ctx, it.Subject)
	if err != nil {
		return nil, types.MatchResult{}, fmt.Errorf("match_item: load_subject: %w", err)
	}

	candidates := r.buildCandidates(ctx, subject)
	results := r.matcher.MatchPage(it.Subject.Year, extraction.PersonRows, candidates)
	for i, res := range results {
		if res.PrimaryPersonID != it.Subject.PrimaryPersonID {
			continue
		}
		if reused {
			res.Method = types.MatchReused
		}
		return &extraction.PersonRows[i], res, nil
	}
	return nil, types.MatchResult{Decision: types.DecisionSkipped, SkipReason: "subject not found among page candidates"}, nil
}

// buildCandidates turns a SubjectFacts' household list into match.Candidate
// values, loading each household member's own facts for name/sex/birth-year
// (spec.md §4.7 candidate generation). A stale household reference never
// blocks the whole match — that member is simply omitted from the pool.
func (r *Runner) buildCandidates(ctx context.Context, subject *primarystore.SubjectFacts) []match.Candidate {
	candidates := make([]match.Candidate, 0, len(subject.Household)+1)
	candidates = append(candidates, match.Candidate{PersonID: subject.PersonID, Sex: subject.Sex, BirthYear: subject.BirthYear, Names: subject.Names, InHousehold: true})

	for _, memberID := range subject.Household {
		if memberID == subject.PersonID {
			continue
		}
		member, err := r.primary.LoadSubject(ctx, types.SubjectKey{PrimaryPersonID: memberID})
		if err != nil {
			continue
		}
		candidates = append(candidates, match.Candidate{PersonID: member.PersonID, Sex: member.Sex, BirthYear: member.BirthYear, Names: member.Names, InHousehold: true})
	}
	return candidates
}

// edgeFlagsFor computes the advisory EdgeDetector flags for the matched
// row, defaulting to a zero-value flag set for findagrave items and
// unmatched rows (spec.md §4.8).
func edgeFlagsFor(extraction *types.Extraction, row *types.PersonRow) types.EdgeFlags {
	if extraction.Kind == types.ExtractionFindAGrave || row == nil {
		return types.EdgeFlags{}
	}
	return edge.Detect(extraction.CensusPage, *row, extraction.Kind)
}

// fail records a terminal (non-retried) failure on the item: validation,
// duplicate, or a retry-exhausted transient error. The item moves to
// 'error' and the session's errored counter increments; the batch
// continues with the next item.
func (r *Runner) fail(ctx context.Context, sess *types.Session, it *types.Item, cause error) error {
	it.Status = types.ItemError
	it.LastErrorMessage = cause.Error()
	it.LastErrorKind = classify(cause)
	it.RetryCount++
	now := r.now()
	it.LastAttemptAt = &now
	if err := r.state.UpdateItem(ctx, it); err != nil {
		return err
	}
	r.logEvent(sess.ID, it.ID, "fail", string(it.LastErrorKind), cause.Error())
	if err := r.state.IncrementSessionCounters(ctx, sess.ID, 0, 1, 0); err != nil {
		return err
	}
	return cause
}

func classify(err error) types.ErrorKind {
	switch {
	case errors.Is(err, errs.ErrDataIncomplete):
		return types.ErrKindDataIncomplete
	case errors.Is(err, errs.ErrValidation):
		return types.ErrKindValidation
	case errors.Is(err, errs.ErrDuplicate):
		return types.ErrKindDuplicate
	case errors.Is(err, errs.ErrPartialCommit):
		return types.ErrKindPartialCommit
	case errors.Is(err, errs.ErrBlocked):
		return types.ErrKindBlocked
	case errors.Is(err, errs.ErrFatal):
		return types.ErrKindFatal
	default:
		return types.ErrKindTransient
	}
}

func (r *Runner) retryable(err error) bool {
	return errors.Is(err, errs.ErrTransient)
}

// adaptiveTimeout implements spec.md §5's per-stage timeout formula:
// max(floor, multiplier*median-of-recent-successful-durations), capped at
// ceiling. With no history yet it falls back to the floor.
func (r *Runner) adaptiveTimeout(ctx context.Context, op string, kind types.SessionKind) time.Duration {
	durations, err := r.state.RecentDurations(ctx, op, kind, 20)
	if err != nil || len(durations) == 0 {
		return r.opts.TimeoutFloor
	}
	med := median(durations)
	timeout := time.Duration(float64(med)*r.opts.TimeoutMultiplier) * time.Millisecond
	if timeout < r.opts.TimeoutFloor {
		timeout = r.opts.TimeoutFloor
	}
	if timeout > r.opts.TimeoutCeiling {
		timeout = r.opts.TimeoutCeiling
	}
	return timeout
}

func median(samples []int64) int64 {
	sorted := append([]int64(nil), samples...)
	for i := 1; i < len(sorted); i++ {
		for j := i; j > 0 && sorted[j-1] > sorted[j]; j-- {
			sorted[j-1], sorted[j] = sorted[j], sorted[j-1]
		}
	}
	mid := len(sorted) / 2
	if len(sorted)%2 == 0 {
		return (sorted[mid-1] + sorted[mid]) / 2
	}
	return sorted[mid]
}

// runWithTimeout bounds fn to timeout using errgroup so its error (and any
// future concurrent step run alongside it, such as a browser health check)
// surface through one cancellation-aware group rather than an unmanaged
// goroutine racing a select.
func (r *Runner) runWithTimeout(ctx context.Context, timeout time.Duration, fn func(ctx context.Context) error) error {
	tctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	g, gctx := errgroup.WithContext(tctx)
	g.Go(func() error { return fn(gctx) })
	if err := g.Wait(); err != nil {
		return err
	}
	return tctx.Err()
}

// sleepBackoff waits an exponential-with-jitter interval before the next
// retry attempt, bounded by MaxBackoff, and aborts early if ctx is
// cancelled (spec.md §7 retry policy).
func (r *Runner) sleepBackoff(ctx context.Context, attempt int) error {
	d := r.opts.BaseBackoff << uint(attempt-1)
	if d <= 0 || d > r.opts.MaxBackoff {
		d = r.opts.MaxBackoff
	}
	jitter := time.Duration(rand.Int63n(int64(d)/2 + 1))
	d -= jitter

	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
