package edge

import (
	"testing"

	"github.com/miams/rmcitecraft/internal/types"
)

func TestDetectFirstLineWarning(t *testing.T) {
	page := types.Page{Year: 1900}
	row := types.PersonRow{Line: 1, RelationToHead: "Wife"}
	flags := Detect(page, row, types.ExtractionCensusPopulation)
	if !flags.FirstLineWarning {
		t.Error("expected first-line warning for line 1 with a non-head relation")
	}
	if flags.LastLineWarning {
		t.Error("did not expect last-line warning for line 1")
	}
}

// A household head on line 1 is the expected, unremarkable case and must
// not raise first_line_warning.
func TestDetectFirstLineHeadNoWarning(t *testing.T) {
	page := types.Page{Year: 1900}
	row := types.PersonRow{Line: 1, RelationToHead: "Head"}
	flags := Detect(page, row, types.ExtractionCensusPopulation)
	if flags.FirstLineWarning {
		t.Error("did not expect first-line warning for a head on line 1")
	}
}

// first_line_warning is keyed strictly to line == 1; line 2 must never
// trigger it regardless of relation.
func TestDetectSecondLineNoFirstLineWarning(t *testing.T) {
	page := types.Page{Year: 1900}
	row := types.PersonRow{Line: 2, RelationToHead: "Daughter"}
	flags := Detect(page, row, types.ExtractionCensusPopulation)
	if flags.FirstLineWarning {
		t.Error("did not expect first-line warning for line 2")
	}
}

func TestDetectLastLineWarning(t *testing.T) {
	page := types.Page{Year: 1940} // line count 40
	row := types.PersonRow{Line: 40}
	flags := Detect(page, row, types.ExtractionCensusPopulation)
	if !flags.LastLineWarning {
		t.Error("expected last-line warning for the final line of a 1940 page")
	}
}

func TestDetectSampleLine(t *testing.T) {
	page := types.Page{Year: 1940}
	row := types.PersonRow{Line: 14}
	flags := Detect(page, row, types.ExtractionCensusPopulation)
	if !flags.SampleLine {
		t.Error("expected sample-line flag for 1940 line 14")
	}
}

func TestDetectMidPageNoWarnings(t *testing.T) {
	page := types.Page{Year: 1900}
	row := types.PersonRow{Line: 25}
	flags := Detect(page, row, types.ExtractionCensusPopulation)
	if flags.FirstLineWarning || flags.LastLineWarning || flags.SampleLine {
		t.Errorf("unexpected flags for a mid-page line: %+v", flags)
	}
}

func TestDetectZeroLineNoFlags(t *testing.T) {
	page := types.Page{Year: 1900}
	row := types.PersonRow{}
	flags := Detect(page, row, types.ExtractionCensusPopulation)
	if flags.FirstLineWarning || flags.LastLineWarning || flags.SampleLine {
		t.Errorf("unexpected flags for a row with no line number: %+v", flags)
	}
}
