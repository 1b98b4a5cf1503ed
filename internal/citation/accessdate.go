package citation

import (
	"fmt"
	"time"

	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"
)

// explicitLayouts are tried, in order, before falling back to free-text
// parsing. Evidence Explained renders access dates as "2 January 2006" in
// the footnote (spec.md §4.6), so that is the layout NormalizeAccessDate
// always emits.
var explicitLayouts = []string{
	"2006-01-02",
	"01/02/2006",
	"2 January 2006",
	"January 2, 2006",
	"02 Jan 2006",
}

var flexibleParser = func() *when.Parser {
	w := when.New(nil)
	w.Add(en.All...)
	w.Add(common.All...)
	return w
}()

// NormalizeAccessDate parses an operator-supplied access date in ISO8601,
// US-slash, or long-form notation, falling back to flexible natural-
// language parsing (e.g. "yesterday", "last Tuesday"), and renders it in
// Evidence Explained's "2 January 2006" footnote form (spec.md §4.6).
func NormalizeAccessDate(raw string, now time.Time) (string, error) {
	for _, layout := range explicitLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return t.Format("2 January 2006"), nil
		}
	}

	result, err := flexibleParser.Parse(raw, now)
	if err != nil {
		return "", fmt.Errorf("citation: parsing access date %q: %w", raw, err)
	}
	if result == nil {
		return "", fmt.Errorf("citation: could not parse access date %q", raw)
	}
	return result.Time.Format("2 January 2006"), nil
}
