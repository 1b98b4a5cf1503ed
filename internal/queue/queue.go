// Package queue implements the QueueBuilder (spec.md §4.9): scans
// PrimaryStore for candidate subjects, normalizes third-party URLs into
// stable image identifiers, filters out images the ProcessedImageLedger
// already holds (unless reprocessing is explicitly requested), groups
// same-image rows together, and hands the result to StateStore as a
// session's Items. Grounded on the teacher's internal/storage query-then-
// insert helpers (scan, transform, bulk-insert as three distinct steps).
package queue

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/miams/rmcitecraft/internal/primarystore"
	"github.com/miams/rmcitecraft/internal/statestore"
	"github.com/miams/rmcitecraft/internal/types"
)

// Options configures one build_queue call (spec.md §4.9).
type Options struct {
	Kind        types.SessionKind
	Filter      primarystore.CandidateFilter
	Reprocess   bool // when true, images already in the ledger are not skipped
	ConfigSnapshot map[string]string
}

// Builder wires PrimaryStore candidate scanning to StateStore item creation.
type Builder struct {
	primary *primarystore.Store
	state   *statestore.Store
}

// New constructs a QueueBuilder over the two stores it reads from and
// writes to.
func New(primary *primarystore.Store, state *statestore.Store) *Builder {
	return &Builder{primary: primary, state: state}
}

// NormalizeImageID strips query parameters, fragments, and a trailing
// slash from a third-party URL so that two URLs pointing at the same
// underlying image (differing only by tracking params) collapse to one
// dedup key (spec.md §4.9 step 2).
func NormalizeImageID(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return strings.TrimSuffix(rawURL, "/")
	}
	u.RawQuery = ""
	u.Fragment = ""
	return strings.TrimSuffix(u.String(), "/")
}

// Build scans candidates, dedupes against the processed-image ledger,
// groups by image id, creates a Session and its Items, and returns the new
// session id (spec.md §4.9 steps 1-5).
func (b *Builder) Build(ctx context.Context, opts Options) (string, error) {
	keys, err := b.primary.FindCandidates(ctx, opts.Kind, opts.Filter)
	if err != nil {
		return "", fmt.Errorf("queue: find_candidates: %w", err)
	}

	type grouped struct {
		imageID string
		keys    []types.SubjectKey
	}
	byImage := map[string]*grouped{}
	var order []string

	for _, k := range keys {
		imageID := NormalizeImageID(k.URL)
		if imageID == "" {
			continue
		}
		if !opts.Reprocess {
			processed, err := b.state.IsImageProcessed(ctx, imageID)
			if err != nil {
				return "", fmt.Errorf("queue: is_image_processed: %w", err)
			}
			if processed {
				continue
			}
		}
		g, ok := byImage[imageID]
		if !ok {
			g = &grouped{imageID: imageID}
			byImage[imageID] = g
			order = append(order, imageID)
		}
		g.keys = append(g.keys, k)
	}

	var items []types.Item
	for _, imageID := range order {
		for _, k := range byImage[imageID].keys {
			items = append(items, types.Item{
				Subject:     k,
				DisplayName: k.PrimaryPersonID,
				Status:      types.ItemQueued,
				ImageID:     imageID,
			})
		}
	}

	session, err := b.state.CreateSession(ctx, opts.Kind, len(items), opts.ConfigSnapshot)
	if err != nil {
		return "", fmt.Errorf("queue: create_session: %w", err)
	}
	if len(items) == 0 {
		return session.ID, nil
	}
	if err := b.state.CreateItems(ctx, session.ID, items); err != nil {
		return "", fmt.Errorf("queue: create_items: %w", err)
	}
	return session.ID, nil
}
