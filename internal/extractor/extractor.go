// Package extractor defines the Extractor capability the BatchRunner
// consumes (spec.md §4.4). The real DOM-scraping / LLM-backed
// implementations are external collaborators out of scope for this core
// (spec.md §1) — this package only defines the contract and a
// deterministic fixture-backed double used by tests and local dry runs,
// grounded on the teacher's internal/extractor.Extractor interface shape.
package extractor

import (
	"context"
	"errors"
	"fmt"

	"github.com/miams/rmcitecraft/internal/types"
)

// Hint carries the expected subject so an Extractor implementation can
// sanity-check what it scraped against what was asked for (spec.md §4.4).
type Hint struct {
	GivenName, Surname string
	Year               int
}

// ErrorClass is the Extractor-specific failure taxonomy spec.md §4.4 names;
// the BatchRunner maps these onto internal/errs' broader taxonomy.
type ErrorClass string

const (
	ClassTransient        ErrorClass = "transient"
	ClassNavigationStalled ErrorClass = "navigation_stalled"
	ClassDataIncomplete   ErrorClass = "data_incomplete"
	ClassNotFound         ErrorClass = "not_found"
	ClassBlocked          ErrorClass = "blocked"
	ClassFatal            ErrorClass = "fatal"
)

// Error wraps an ErrorClass with the missing fields for DataIncomplete.
type Error struct {
	Class         ErrorClass
	MissingFields []string
	Err           error
}

func (e *Error) Error() string {
	if len(e.MissingFields) > 0 {
		return fmt.Sprintf("extractor: %s: missing fields %v", e.Class, e.MissingFields)
	}
	return fmt.Sprintf("extractor: %s: %v", e.Class, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Extractor is the capability the core consumes (spec.md §4.4). An
// implementation may internally use a BrowserSession, query a structured
// third-party endpoint, or call an LLM — the core treats it as opaque.
type Extractor interface {
	Extract(ctx context.Context, url string, hint Hint) (*types.Extraction, error)
}

// ErrNotImplemented is a sentinel for "no real Extractor was wired in";
// nothing in this package returns it.
var ErrNotImplemented = errors.New("extractor: no implementation configured")
