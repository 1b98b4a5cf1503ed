// Package citation implements the era-aware, deterministic CitationFormatter
// (spec.md §4.6). Grounded on the teacher's internal/merge rule-table
// loading style (BurntSushi/toml-decoded config, not code, for the rules
// that are data rather than logic) and on internal/validation's layered
// validator pattern.
package citation

import (
	_ "embed"
	"fmt"

	"github.com/BurntSushi/toml"
	"github.com/miams/rmcitecraft/internal/types"
)

//go:embed eras.toml
var erasTOML []byte

// eraRule is one row of the era table (spec.md §4.6 era classification).
type eraRule struct {
	Key            string   `toml:"key"`
	Kind           string   `toml:"kind"`
	MinYear        int      `toml:"min_year"`
	MaxYear        int      `toml:"max_year"`
	Form           string   `toml:"form"`
	RequiredFields []string `toml:"required_fields"`
}

type eraTable struct {
	Era                []eraRule          `toml:"era"`
	FamilyLineRule     map[string]bool    `toml:"family_line_rule"`
	StateAbbrev        map[string]string  `toml:"state_abbrev"`
	ShortFormOmitPopSch struct {
		Years []int `toml:"years"`
	} `toml:"short_form_omit_pop_sch"`
	SampleLines map[string][]int `toml:"sample_lines"`
	LineCounts  map[string]int  `toml:"line_counts"`
}

var table eraTable

func init() {
	if _, err := toml.Decode(string(erasTOML), &table); err != nil {
		panic(fmt.Sprintf("citation: malformed eras.toml: %v", err))
	}
}

// ErrUnknownEra is returned when a census year falls outside every era row
// for the requested schedule kind.
var ErrUnknownEra = fmt.Errorf("citation: year outside supported census era table")

// scheduleKind maps an Extraction's kind to the era table's kind column.
func scheduleKind(k types.ExtractionKind) string {
	switch k {
	case types.ExtractionCensusSlave:
		return "slave"
	case types.ExtractionCensusMortality:
		return "mortality"
	default:
		return "population"
	}
}

// classify returns the era rule governing a census year within one
// schedule family (population, slave, or mortality — spec.md §4.6).
func classify(year int, kind types.ExtractionKind) (eraRule, error) {
	want := scheduleKind(kind)
	for _, r := range table.Era {
		if r.Kind == want && year >= r.MinYear && year <= r.MaxYear {
			return r, nil
		}
	}
	return eraRule{}, fmt.Errorf("%w: %s %d", ErrUnknownEra, want, year)
}

// stateAbbrev returns the closed short-form abbreviation for a state name,
// falling back to the state name itself if it isn't in the table (spec.md
// §4.6 leaves unmapped states to render in full rather than guess).
func stateAbbrev(state string) string {
	if ab, ok := table.StateAbbrev[state]; ok {
		return ab
	}
	return state
}

// preferFamilyNumber reports whether, for the given year, an absent line
// number should be substituted with the family number rather than treated
// as a validation failure (SPEC_FULL.md §O.1, the 1860 Open Question).
func preferFamilyNumber(year int) bool {
	return table.FamilyLineRule[fmt.Sprint(year)]
}

// omitPopSchInShortForm reports whether the given year's short footnote
// drops the "pop. sch." abbreviation (spec.md S2: 1940 omits it).
func omitPopSchInShortForm(year int) bool {
	for _, y := range table.ShortFormOmitPopSch.Years {
		if y == year {
			return true
		}
	}
	return false
}

// SampleLines returns the line numbers EdgeDetector treats as "known
// sample/example lines" printed on the blank form itself for a given year
// (spec.md §4.8), shared with this package's era table so the two stay in
// sync as new years are added.
func SampleLines(year int) []int {
	return table.SampleLines[fmt.Sprint(year)]
}

// LineCount returns the number of lines per census page for a given year,
// used by EdgeDetector's first/last-line heuristics.
func LineCount(year int) int {
	if n, ok := table.LineCounts[fmt.Sprint(year)]; ok {
		return n
	}
	return table.LineCounts["default"]
}
