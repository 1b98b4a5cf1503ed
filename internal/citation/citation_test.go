package citation

import (
	"strings"
	"testing"
	"time"

	"github.com/miams/rmcitecraft/internal/types"
)

func mustAccessDate(t *testing.T, raw string) string {
	t.Helper()
	d, err := NormalizeAccessDate(raw, time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("NormalizeAccessDate(%q): %v", raw, err)
	}
	return d
}

// S1: 1900 full ED+sheet footnote.
func TestFormatCensus1900EDSheet(t *testing.T) {
	ex := &types.Extraction{
		Kind: types.ExtractionCensusPopulation,
		CensusPage: types.Page{
			Year: 1900, State: "Ohio", County: "Noble", Township: "Olive Township",
			EnumerationDist: "95", Sheet: "3B",
		},
	}
	row := &types.PersonRow{GivenName: "Ella", Surname: "Ijams", FamilyNumber: "57", Line: 12}

	art, err := Format(ex, SourceCensus, row, mustAccessDate(t, "2026-03-01"))
	if err != nil {
		t.Fatalf("Format: %v", err)
	}
	for _, want := range []string{"1900 U.S. census", "Noble County, Ohio", "enumeration district (ED) 95", "sheet 3B", "family 57", "Ella Ijams"} {
		if !strings.Contains(art.Footnote, want) {
			t.Errorf("footnote missing %q: %s", want, art.Footnote)
		}
	}
	for _, want := range []string{"Noble Co., Oh.", "pop. sch.", "Olive Township", "E.D. 95", "sheet 3B", "Ella Ijams"} {
		if !strings.Contains(art.ShortFootnote, want) {
			t.Errorf("short footnote missing %q: %s", want, art.ShortFootnote)
		}
	}
	const wantShort = "1900 U.S. census, Noble Co., Oh., pop. sch., Olive Township, E.D. 95, sheet 3B, Ella Ijams."
	if art.ShortFootnote != wantShort {
		t.Errorf("short footnote = %q, want %q", art.ShortFootnote, wantShort)
	}
	if art.Footnote == art.ShortFootnote {
		t.Error("footnote and short footnote must differ")
	}
}

// S2: 1940 omits "pop. sch." from the short footnote.
func TestFormatCensus1940OmitsPopSchShort(t *testing.T) {
	ex := &types.Extraction{
		Kind: types.ExtractionCensusPopulation,
		CensusPage: types.Page{
			Year: 1940, State: "Missouri", County: "Wayne", Township: "Black River Township",
			EnumerationDist: "112-9", Sheet: "14",
		},
	}
	row := &types.PersonRow{GivenName: "John", Surname: "Doe", FamilyNumber: "3", Line: 5}

	art, err := Format(ex, SourceCensus, row, mustAccessDate(t, "2026-03-01"))
	if err != nil {
		t.Fatalf("Format: %v", err)
	}
	if strings.Contains(art.ShortFootnote, "pop. sch.") {
		t.Errorf("1940 short footnote must omit pop. sch.: %s", art.ShortFootnote)
	}
	for _, want := range []string{"E.D. 112-9", "sheet 14"} {
		if !strings.Contains(art.ShortFootnote, want) {
			t.Errorf("short footnote missing %q: %s", want, art.ShortFootnote)
		}
	}
}

// S3: 1820 household-only era needs no line number and no ED.
func TestFormatCensus1820HouseholdOnly(t *testing.T) {
	ex := &types.Extraction{
		Kind: types.ExtractionCensusPopulation,
		CensusPage: types.Page{
			Year: 1820, State: "Virginia", County: "Loudoun", Sheet: "136",
		},
	}
	row := &types.PersonRow{GivenName: "Thomas", Surname: "Ijams"}

	art, err := Format(ex, SourceCensus, row, mustAccessDate(t, "2026-03-01"))
	if err != nil {
		t.Fatalf("Format: %v", err)
	}
	if strings.Contains(art.Footnote, "enumeration district") {
		t.Errorf("household-only era must not mention an ED: %s", art.Footnote)
	}
	if !strings.Contains(art.Footnote, "p. 136") {
		t.Errorf("footnote missing page reference: %s", art.Footnote)
	}
}

// S4: 1850 slave schedule cites owner, page, line, and column.
func TestFormatCensus1850SlaveSchedule(t *testing.T) {
	ex := &types.Extraction{
		Kind: types.ExtractionCensusSlave,
		CensusPage: types.Page{
			Year: 1850, State: "Maryland", County: "Frederick", Sheet: "21",
		},
	}
	row := &types.PersonRow{OwnerName: "Burgess Ijams", Line: 40, Column: "1"}

	art, err := Format(ex, SourceCensus, row, mustAccessDate(t, "2026-03-01"))
	if err != nil {
		t.Fatalf("Format: %v", err)
	}
	for _, want := range []string{"slave schedule", "Burgess Ijams", "\"owner,\"", "column 1", "line 40"} {
		if !strings.Contains(art.Footnote, want) {
			t.Errorf("footnote missing %q: %s", want, art.Footnote)
		}
	}
	if !strings.Contains(art.ShortFootnote, "slave sch.") {
		t.Errorf("short footnote missing slave sch. abbreviation: %s", art.ShortFootnote)
	}
}

func TestFormatCensusRejects1890(t *testing.T) {
	ex := &types.Extraction{CensusPage: types.Page{Year: 1890, State: "Ohio", County: "Noble", Sheet: "1"}}
	row := &types.PersonRow{GivenName: "A", Surname: "B"}
	if _, err := Format(ex, SourceCensus, row, mustAccessDate(t, "2026-03-01")); err == nil {
		t.Fatal("expected 1890 to be rejected")
	}
}

func TestFormatCensusMissingRequiredFields(t *testing.T) {
	ex := &types.Extraction{CensusPage: types.Page{Year: 1900, State: "Ohio", County: "Noble"}}
	row := &types.PersonRow{GivenName: "A", Surname: "B"}
	if _, err := Format(ex, SourceCensus, row, mustAccessDate(t, "2026-03-01")); err == nil {
		t.Fatal("expected missing ED/sheet/line to be rejected")
	}
}

// 1860 family-number substitution: a zero line number with a family
// number present should satisfy the era's line requirement.
func TestFormatCensus1860FamilyNumberSubstitution(t *testing.T) {
	ex := &types.Extraction{
		CensusPage: types.Page{Year: 1860, State: "Ohio", County: "Noble", Township: "Olive Township", Sheet: "44"},
	}
	row := &types.PersonRow{GivenName: "Jacob", Surname: "Ijams", FamilyNumber: "12"}

	art, err := Format(ex, SourceCensus, row, mustAccessDate(t, "2026-03-01"))
	if err != nil {
		t.Fatalf("Format: %v", err)
	}
	if !strings.Contains(art.Footnote, "family 12") {
		t.Errorf("expected family-number substitution in footnote: %s", art.Footnote)
	}
}

// 1950 ed_stamp era uses "stamp N" (not "sheet N (stamped)") in the
// footnote and retains "pop. sch." in the short footnote.
func TestFormatCensus1950EDStamp(t *testing.T) {
	ex := &types.Extraction{
		Kind: types.ExtractionCensusPopulation,
		CensusPage: types.Page{
			Year: 1950, State: "Ohio", County: "Noble", Township: "Olive Township",
			EnumerationDist: "66-12", Stamp: "22",
		},
	}
	row := &types.PersonRow{GivenName: "Ella", Surname: "Ijams", Line: 8}

	art, err := Format(ex, SourceCensus, row, mustAccessDate(t, "2026-03-01"))
	if err != nil {
		t.Fatalf("Format: %v", err)
	}
	for _, want := range []string{"stamp 22", "enumeration district (ED) 66-12", "line 8"} {
		if !strings.Contains(art.Footnote, want) {
			t.Errorf("footnote missing %q: %s", want, art.Footnote)
		}
	}
	if strings.Contains(art.Footnote, "sheet") {
		t.Errorf("1950 footnote must use stamp, not sheet: %s", art.Footnote)
	}
	for _, want := range []string{"pop. sch.", "E.D. 66-12", "stamp 22"} {
		if !strings.Contains(art.ShortFootnote, want) {
			t.Errorf("short footnote missing %q: %s", want, art.ShortFootnote)
		}
	}
}

func TestFormatFindAGrave(t *testing.T) {
	ex := &types.Extraction{
		Kind:          types.ExtractionFindAGrave,
		SourceURL:     "https://www.findagrave.com/memorial/12345",
		MemorialName:  "Jane Ijams",
		MemorialDate:  "1850-1920",
		CemeteryName:  "Oak Hill Cemetery",
		CemeteryPlace: "Loudoun County, Virginia",
	}
	art, err := Format(ex, SourceFindAGrave, nil, mustAccessDate(t, "2026-03-01"))
	if err != nil {
		t.Fatalf("Format: %v", err)
	}
	if !strings.Contains(art.Footnote, "Oak Hill Cemetery") {
		t.Errorf("footnote missing cemetery: %s", art.Footnote)
	}
	if art.Fingerprint == "" {
		t.Error("expected a non-empty fingerprint")
	}
}

func TestFingerprintStableAcrossAccessDate(t *testing.T) {
	ex := &types.Extraction{
		CensusPage: types.Page{Year: 1900, State: "Ohio", County: "Noble", Township: "Olive Township", EnumerationDist: "95", Sheet: "3B"},
	}
	row := &types.PersonRow{GivenName: "Ella", Surname: "Ijams", FamilyNumber: "57", Line: 12}

	a, err := Format(ex, SourceCensus, row, mustAccessDate(t, "2026-03-01"))
	if err != nil {
		t.Fatalf("Format: %v", err)
	}
	b, err := Format(ex, SourceCensus, row, mustAccessDate(t, "15 April 2026"))
	if err != nil {
		t.Fatalf("Format: %v", err)
	}
	if a.Fingerprint != b.Fingerprint {
		t.Errorf("fingerprint must be stable across access date: %s != %s", a.Fingerprint, b.Fingerprint)
	}
}

func TestNormalizeAccessDateLayouts(t *testing.T) {
	cases := []string{"2026-03-01", "03/01/2026", "1 March 2026", "March 1, 2026"}
	for _, c := range cases {
		if _, err := NormalizeAccessDate(c, time.Now()); err != nil {
			t.Errorf("NormalizeAccessDate(%q): %v", c, err)
		}
	}
}
