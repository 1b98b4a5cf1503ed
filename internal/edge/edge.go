// Package edge implements the EdgeDetector (spec.md §4.8): advisory flags
// raised when an extracted line sits at a page boundary or on a known
// sample/example line printed on the blank form itself, so an operator can
// sanity-check the match rather than silently accept a misread. Grounded on
// the teacher's internal/validation layered-rule style, generalized from
// field validation to page-position heuristics, sharing the year-keyed
// tables `internal/citation` already loads from eras.toml.
package edge

import (
	"strings"

	"github.com/miams/rmcitecraft/internal/citation"
	"github.com/miams/rmcitecraft/internal/types"
)

// lastLineMargin bounds how close to the bottom of the page a line must be
// to raise a warning (spec.md §4.8: "near the ... bottom of the page").
const lastLineMargin = 2

// Detect computes the EdgeFlags for one extracted row on one census page
// (spec.md §4.8). The line count comes from the page year alone; the
// ExtractionKind argument is accepted but not consulted.
func Detect(page types.Page, row types.PersonRow, _ types.ExtractionKind) types.EdgeFlags {
	var flags types.EdgeFlags
	if row.Line == 0 {
		return flags
	}

	total := citation.LineCount(page.Year)
	if row.Line == 1 && !strings.EqualFold(row.RelationToHead, "head") {
		flags.FirstLineWarning = true
	}
	if row.Line > total-lastLineMargin {
		flags.LastLineWarning = true
	}
	for _, sample := range citation.SampleLines(page.Year) {
		if row.Line == sample {
			flags.SampleLine = true
			break
		}
	}
	return flags
}
