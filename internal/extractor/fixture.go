package extractor

import (
	"context"
	"fmt"

	"github.com/miams/rmcitecraft/internal/types"
)

// FixtureExtractor is a deterministic test double keyed by URL. It exists
// so internal/runner and internal/write can be exercised end-to-end
// without a real browser/LLM-backed Extractor — the actual DOM selectors
// and LLM prompt wrappers are out-of-scope external collaborators
// (spec.md §1).
type FixtureExtractor struct {
	ByURL map[string]*types.Extraction
}

// NewFixtureExtractor builds an extractor over a fixed URL->Extraction map.
func NewFixtureExtractor(byURL map[string]*types.Extraction) *FixtureExtractor {
	return &FixtureExtractor{ByURL: byURL}
}

func (f *FixtureExtractor) Extract(_ context.Context, url string, _ Hint) (*types.Extraction, error) {
	ex, ok := f.ByURL[url]
	if !ok {
		return nil, &Error{Class: ClassNotFound, Err: fmt.Errorf("no fixture for url %q", url)}
	}
	if len(ex.MissingFields) > 0 {
		return ex, &Error{Class: ClassDataIncomplete, MissingFields: ex.MissingFields}
	}
	return ex, nil
}
