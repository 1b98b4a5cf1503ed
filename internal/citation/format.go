package citation

import (
	"fmt"
	"strings"

	"github.com/miams/rmcitecraft/internal/types"
)

// SourceKind distinguishes which third-party collection an Extraction came
// from, since census and findagrave citations have unrelated forms
// (spec.md §4.6).
type SourceKind string

const (
	SourceCensus    SourceKind = "census"
	SourceFindAGrave SourceKind = "findagrave"
)

// subjectName picks the display name for the row being cited: the matched
// PersonRow when one is given, otherwise the memorial name for findagrave.
func subjectName(row *types.PersonRow, ex *types.Extraction) string {
	if row != nil {
		return strings.TrimSpace(row.GivenName + " " + row.Surname)
	}
	return ex.MemorialName
}

// Format produces the deterministic (Footnote, ShortFootnote, Bibliography,
// Fingerprint) artifact for one extraction and matched subject row
// (spec.md §4.6). accessDate must already be normalized to "2 January 2006"
// form by NormalizeAccessDate. row is nil for findagrave citations.
func Format(ex *types.Extraction, kind SourceKind, row *types.PersonRow, accessDate string) (types.CitationArtifact, error) {
	switch kind {
	case SourceCensus:
		return formatCensus(ex, row, accessDate)
	case SourceFindAGrave:
		return formatFindAGrave(ex, accessDate)
	default:
		return types.CitationArtifact{}, fmt.Errorf("citation: unknown source kind %q", kind)
	}
}

func formatCensus(ex *types.Extraction, row *types.PersonRow, accessDate string) (types.CitationArtifact, error) {
	page := ex.CensusPage
	era, err := classify(page.Year, ex.Kind)
	if err != nil {
		return types.CitationArtifact{}, err
	}

	if err := validateCensus(ex, era, row); err != nil {
		return types.CitationArtifact{}, err
	}

	name := subjectName(row, ex)
	abbrevState := stateAbbrev(page.State)

	var footnote, short string
	switch era.Form {
	case "household_only":
		footnote = fmt.Sprintf(
			"%d U.S. census, %s County, %s, %s, p. %s, %s household; imaged, \"%d U.S. Federal Census,\" database with images, accessed %s.",
			page.Year, page.County, page.State, place3(page), page.Sheet, name, page.Year, accessDate)
		short = fmt.Sprintf("%d U.S. census, %s Co., %s, p. %s, %s.",
			page.Year, page.County, abbrevState, page.Sheet, name)

	case "individual_no_ed":
		line := row.Line
		locant := fmt.Sprintf("page %s", page.Sheet)
		if line == 0 && preferFamilyNumber(page.Year) && row.FamilyNumber != "" {
			locant = fmt.Sprintf("page %s, family %s", page.Sheet, row.FamilyNumber)
		} else if line != 0 {
			locant = fmt.Sprintf("page %s, line %d", page.Sheet, line)
		}
		footnote = fmt.Sprintf(
			"%d U.S. census, %s County, %s, %s, %s, %s; imaged, \"%d U.S. Federal Census,\" database with images, accessed %s.",
			page.Year, page.County, page.State, place3(page), locant, name, page.Year, accessDate)
		short = fmt.Sprintf("%d U.S. census, %s Co., %s, %s%s, %s.",
			page.Year, page.County, abbrevState, townshipPrefix(page), locant, name)

	case "ed_sheet":
		popSch := "population schedule, "
		popSchShort := "pop. sch., "
		if omitPopSchInShortForm(page.Year) {
			popSchShort = ""
		}
		footnote = fmt.Sprintf(
			"%d U.S. census, %s County, %s, %s%s, enumeration district (ED) %s, sheet %s, family %s, %s; imaged, \"%d U.S. Federal Census,\" database with images, accessed %s.",
			page.Year, page.County, page.State, popSch, place3(page), page.EnumerationDist, page.Sheet, row.FamilyNumber, name, page.Year, accessDate)
		short = fmt.Sprintf("%d U.S. census, %s Co., %s, %s%sE.D. %s, sheet %s, %s.",
			page.Year, page.County, abbrevState, popSchShort, townshipPrefix(page), page.EnumerationDist, page.Sheet, name)

	case "ed_stamp":
		footnote = fmt.Sprintf(
			"%d U.S. census, %s County, %s, population schedule, %s, enumeration district (ED) %s, stamp %s, line %d, %s; imaged, \"%d U.S. Federal Census,\" database with images, accessed %s.",
			page.Year, page.County, page.State, place3(page), page.EnumerationDist, page.Stamp, row.Line, name, page.Year, accessDate)
		short = fmt.Sprintf("%d U.S. census, %s Co., %s, pop. sch., E.D. %s, stamp %s, %s.",
			page.Year, page.County, abbrevState, page.EnumerationDist, page.Stamp, name)

	case "slave_schedule":
		footnote = fmt.Sprintf(
			"%d U.S. census, %s County, %s, slave schedule, %s, page %s, %s, \"owner,\" line %d, column %s and line %d, column %s, (unnamed) slave; imaged, \"%d U.S. Federal Census, Slave Schedules,\" database with images, accessed %s.",
			page.Year, page.County, page.State, place3(page), page.Sheet, row.OwnerName, row.Line, row.Column, row.Line, row.Column, page.Year, accessDate)
		short = fmt.Sprintf("%d U.S. census, %s Co., %s, slave sch., p. %s, %s.",
			page.Year, page.County, abbrevState, page.Sheet, row.OwnerName)

	case "mortality_schedule":
		footnote = fmt.Sprintf(
			"%d U.S. census, %s County, %s, mortality schedule, %s, page %s, line %d, %s; imaged, \"%d U.S. Federal Census, Mortality Schedules,\" database with images, accessed %s.",
			page.Year, page.County, page.State, place3(page), page.Sheet, row.Line, name, page.Year, accessDate)
		short = fmt.Sprintf("%d U.S. census, %s Co., %s, mortality sch., p. %s, %s.",
			page.Year, page.County, abbrevState, page.Sheet, name)

	default:
		return types.CitationArtifact{}, fmt.Errorf("citation: unhandled era form %q", era.Form)
	}

	bib := fmt.Sprintf("%s County, %s. %d U.S. Federal Census. Database with images.",
		page.County, page.State, page.Year)

	if footnote == short {
		return types.CitationArtifact{}, fmt.Errorf("citation: footnote and short footnote must not be identical")
	}

	art := types.CitationArtifact{Footnote: footnote, ShortFootnote: short, Bibliography: bib}
	art.Fingerprint = Fingerprint(art, page.Year, name)
	return art, nil
}

func formatFindAGrave(ex *types.Extraction, accessDate string) (types.CitationArtifact, error) {
	if err := validateFindAGrave(ex); err != nil {
		return types.CitationArtifact{}, err
	}
	footnote := fmt.Sprintf(
		"Find A Grave, database and images (%s : accessed %s), memorial for %s, %s; burial information, citing %s, %s.",
		ex.SourceURL, accessDate, ex.MemorialName, ex.MemorialDate, ex.CemeteryName, ex.CemeteryPlace)
	short := fmt.Sprintf("Find A Grave, memorial for %s, citing %s.", ex.MemorialName, ex.CemeteryName)
	bib := fmt.Sprintf("Find A Grave. Database and images. %s.", ex.CemeteryName)

	art := types.CitationArtifact{Footnote: footnote, ShortFootnote: short, Bibliography: bib}
	art.Fingerprint = Fingerprint(art, 0, ex.MemorialName)
	return art, nil
}

// place3 renders township/village detail below the county level, or the
// literal "township not recorded" when absent (household_only era rarely
// records it).
func place3(p types.Page) string {
	if p.Township == "" {
		return "township not recorded"
	}
	return p.Township
}

// townshipPrefix renders the named township for a short footnote, comma-
// terminated, or "" when the page has none (spec.md §4.6 S1: the short
// form includes the named township alongside ED/sheet).
func townshipPrefix(p types.Page) string {
	if p.Township == "" {
		return ""
	}
	return p.Township + ", "
}
