package citation

import (
	"fmt"
	"strconv"

	"github.com/miams/rmcitecraft/internal/types"
)

// validYear excludes 1890 (no surviving population schedule) and any year
// outside the table, per spec.md §4.6 validation rule 1.
func validYear(year int, kind types.ExtractionKind) error {
	if year == 1890 {
		return fmt.Errorf("citation: 1890 U.S. census population schedule does not survive")
	}
	if _, err := classify(year, kind); err != nil {
		return err
	}
	return nil
}

// requiredFieldValue reads one of the era's required fields off the row,
// keyed by the same names used in eras.toml required_fields.
func requiredFieldValue(row *types.PersonRow, page types.Page, field string) string {
	switch field {
	case "page":
		return page.Sheet
	case "township":
		return page.Township
	case "enumeration_dist":
		return page.EnumerationDist
	case "sheet":
		return page.Sheet
	case "stamp":
		return page.Stamp
	case "line":
		if row == nil || row.Line == 0 {
			return ""
		}
		return strconv.Itoa(row.Line)
	case "owner_name":
		if row == nil {
			return ""
		}
		return row.OwnerName
	case "column":
		if row == nil {
			return ""
		}
		return row.Column
	default:
		return ""
	}
}

// validateCensus enforces spec.md §4.6 validation rules 1-3 for the
// census branch: valid year, era-required fields present (respecting the
// 1860 family-number substitution). Footnote/short-footnote distinctness
// is checked after formatting by formatCensus, which compares the two
// strings directly.
func validateCensus(ex *types.Extraction, era eraRule, row *types.PersonRow) error {
	page := ex.CensusPage
	if err := validYear(page.Year, ex.Kind); err != nil {
		return err
	}
	if row == nil && era.Form != "household_only" {
		return fmt.Errorf("citation: %s era requires a matched person row", era.Form)
	}

	var missing []string
	for _, f := range era.RequiredFields {
		if f == "line" && preferFamilyNumber(page.Year) && row != nil && row.Line == 0 && row.FamilyNumber != "" {
			continue // family-number substitution satisfies the line requirement
		}
		if requiredFieldValue(row, page, f) == "" {
			missing = append(missing, f)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("citation: era %q missing required fields %v", era.Form, missing)
	}
	return nil
}

// validateFindAGrave enforces the findagrave branch's minimal required
// fields: a memorial name, a source URL, and a cemetery place to cite.
func validateFindAGrave(ex *types.Extraction) error {
	var missing []string
	if ex.MemorialName == "" {
		missing = append(missing, "memorial_name")
	}
	if ex.SourceURL == "" {
		missing = append(missing, "source_url")
	}
	if ex.CemeteryPlace == "" {
		missing = append(missing, "cemetery_place")
	}
	if len(missing) > 0 {
		return fmt.Errorf("citation: findagrave missing required fields %v", missing)
	}
	return nil
}
