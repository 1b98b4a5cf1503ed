// Package match implements the MatchEngine (spec.md §4.7): for each
// extracted PersonRow it scores every plausible SubjectFacts.Household
// member, finds the assignment that maximizes total score across the whole
// page via Kuhn-Munkres bipartite assignment, and classifies each row as
// matched, review_needed, or skipped. Grounded on no direct teacher
// analogue — BeadsLog has no scoring/assignment component — built fresh
// against spec.md §4.7 and validated against §8 property 7 (assignment
// optimality).
package match

import (
	"math"
	"sort"
	"strings"

	"github.com/miams/rmcitecraft/internal/primarystore"
	"github.com/miams/rmcitecraft/internal/types"
)

// Weights for the four scoring dimensions (spec.md §4.7). These sum to 1.0
// and are deliberately not exposed as runtime config — re-balancing them
// is a formatter-level decision, not an operator one.
const (
	weightName      = 0.40
	weightRelation  = 0.20
	weightAge       = 0.25
	weightBirthplace = 0.15
)

// MatchedThreshold and ReviewThreshold bound the three decision bands
// (spec.md §4.7): score >= MatchedThreshold is matched outright,
// [ReviewThreshold, MatchedThreshold) is review_needed, below is skipped.
const (
	MatchedThreshold = 0.75
	ReviewThreshold  = 0.45
)

// birthYearWindow bounds candidate generation: a PersonRow's reported age
// must put its inferred birth year within this many years of a candidate's
// recorded BirthYear (spec.md §4.7): 2 years for census years from 1880
// on, 3 years for earlier ones.
func birthYearWindow(censusYear int) int {
	if censusYear >= 1880 {
		return 2
	}
	return 3
}

// Candidate is one primary-store person eligible to match a PersonRow.
type Candidate struct {
	PersonID  string
	Sex       string
	BirthYear int
	Names     []primarystore.NameVariant
	InHousehold bool
}

// Engine matches a page's PersonRows against a set of candidates drawn
// from the subject's household (spec.md §4.7).
type Engine struct{}

// New constructs a MatchEngine. It carries no state — every call is a pure
// function of its inputs, keeping results reproducible across retries.
func New() *Engine { return &Engine{} }

// MatchPage scores and assigns every row in rows against candidates,
// returning one MatchResult per row in the same order (spec.md §4.7,
// §3 MatchResult). censusYear selects the birth-year tolerance window.
func (e *Engine) MatchPage(censusYear int, rows []types.PersonRow, candidates []Candidate) []types.MatchResult {
	results := make([]types.MatchResult, len(rows))
	if len(rows) == 0 || len(candidates) == 0 {
		for i, r := range rows {
			results[i] = types.MatchResult{RowLine: r.Line, Decision: types.DecisionSkipped, SkipReason: "no candidates available"}
		}
		return results
	}

	window := birthYearWindow(censusYear)

	// cost[i][j] is built as (1 - score) so the classical Hungarian
	// minimization directly maximizes total score (spec.md §8 property 7).
	cost := make([][]float64, len(rows))
	scores := make([][]types.CandidateScore, len(rows))
	for i, row := range rows {
		cost[i] = make([]float64, len(candidates))
		var rowScores []types.CandidateScore
		for j, c := range candidates {
			if !sexCompatible(row.Sex, c.Sex) || !withinBirthWindow(row, c, window, censusYear) {
				cost[i][j] = 1.0 // effectively unassignable
				continue
			}
			cs := score(row, c, censusYear)
			rowScores = append(rowScores, cs)
			cost[i][j] = 1.0 - cs.Score
		}
		sort.Slice(rowScores, func(a, b int) bool { return rowScores[a].Score > rowScores[b].Score })
		scores[i] = rowScores
	}

	assignment := hungarian(cost)

	for i, row := range rows {
		r := types.MatchResult{RowLine: row.Line, Candidates: scores[i]}
		j := assignment[i]
		if j < 0 || j >= len(candidates) || cost[i][j] >= 1.0 {
			r.Decision = types.DecisionSkipped
			r.SkipReason = "no compatible candidate"
			results[i] = r
			continue
		}
		best := 1.0 - cost[i][j]
		r.Score = best
		r.PrimaryPersonID = candidates[j].PersonID
		r.Method = matchMethod(row, candidates[j])

		switch {
		case best >= MatchedThreshold:
			r.Decision = types.DecisionMatched
		case best >= ReviewThreshold:
			r.Decision = types.DecisionReviewNeeded
		default:
			r.Decision = types.DecisionSkipped
			r.SkipReason = "best candidate score below review threshold"
			r.PrimaryPersonID = ""
		}
		results[i] = r
	}
	return results
}

func sexCompatible(rowSex, candidateSex string) bool {
	if rowSex == "" || candidateSex == "" {
		return true // unknown sex never disqualifies a candidate
	}
	return strings.EqualFold(rowSex, candidateSex)
}

func withinBirthWindow(row types.PersonRow, c Candidate, window, censusYear int) bool {
	if row.AgeYears <= 0 || c.BirthYear == 0 {
		return true // insufficient data to exclude on this axis
	}
	inferred := censusYear - row.AgeYears
	diff := inferred - c.BirthYear
	if diff < 0 {
		diff = -diff
	}
	return diff <= window
}

func matchMethod(row types.PersonRow, c Candidate) types.MatchMethod {
	full := strings.TrimSpace(row.GivenName + " " + row.Surname)
	for _, nv := range c.Names {
		if strings.EqualFold(strings.TrimSpace(nv.Given+" "+nv.Surname), full) {
			if nv.NameType == "primary" || nv.NameType == "" {
				return types.MatchExact
			}
			return types.MatchAlternate
		}
	}
	return types.MatchFuzzy
}

// score computes the weighted CandidateScore for one (row, candidate) pair
// (spec.md §4.7: name similarity, relationship agreement, age proximity,
// birthplace consistency).
func score(row types.PersonRow, c Candidate, censusYear int) types.CandidateScore {
	nameScore := bestNameScore(row, c.Names)
	relationScore := 0.5
	if c.InHousehold {
		relationScore = 1.0
	}
	ageScore := ageProximityScore(row, c, censusYear)
	birthplaceScore := 0.5 // neutral: BirthPlace text comparison against a
	// candidate's recorded place requires a gazetteer lookup the MatchEngine
	// doesn't own; the BatchRunner's place-approval protocol handles place
	// reconciliation separately (spec.md §4.10).

	total := weightName*nameScore + weightRelation*relationScore + weightAge*ageScore + weightBirthplace*birthplaceScore
	return types.CandidateScore{
		PrimaryPersonID: c.PersonID,
		Score:           total,
		NameScore:       nameScore,
		RelationScore:   relationScore,
		AgeScore:        ageScore,
		BirthplaceScore: birthplaceScore,
	}
}

func bestNameScore(row types.PersonRow, names []primarystore.NameVariant) float64 {
	best := 0.0
	for _, nv := range names {
		s := nameSimilarity(row.GivenName, nv.Given) * 0.5
		s += nameSimilarity(row.Surname, nv.Surname) * 0.5
		if s > best {
			best = s
		}
	}
	return best
}

// nameSimilarity is a normalized Levenshtein-distance similarity in [0,1],
// case-insensitive, so "Ella" vs "Ellen" scores close but not identical.
func nameSimilarity(a, b string) float64 {
	a, b = strings.ToLower(strings.TrimSpace(a)), strings.ToLower(strings.TrimSpace(b))
	if a == "" || b == "" {
		return 0
	}
	if a == b {
		return 1
	}
	dist := levenshtein(a, b)
	maxLen := len(a)
	if len(b) > maxLen {
		maxLen = len(b)
	}
	return 1 - float64(dist)/float64(maxLen)
}

func levenshtein(a, b string) int {
	ar, br := []rune(a), []rune(b)
	prev := make([]int, len(br)+1)
	curr := make([]int, len(br)+1)
	for j := range prev {
		prev[j] = j
	}
	for i := 1; i <= len(ar); i++ {
		curr[0] = i
		for j := 1; j <= len(br); j++ {
			cost := 1
			if ar[i-1] == br[j-1] {
				cost = 0
			}
			curr[j] = min3(curr[j-1]+1, prev[j]+1, prev[j-1]+cost)
		}
		prev, curr = curr, prev
	}
	return prev[len(br)]
}

func min3(a, b, c int) int {
	m := a
	if b < m {
		m = b
	}
	if c < m {
		m = c
	}
	return m
}

// ageProximityScore rewards a candidate whose recorded BirthYear is close
// to the age the row reports, on a linear falloff within the era's
// tolerance window (spec.md §4.7).
func ageProximityScore(row types.PersonRow, c Candidate, censusYear int) float64 {
	if row.AgeYears <= 0 || c.BirthYear == 0 || censusYear == 0 {
		return 0.5
	}
	inferred := censusYear - row.AgeYears
	diff := inferred - c.BirthYear
	if diff < 0 {
		diff = -diff
	}
	window := birthYearWindow(censusYear)
	if diff >= window {
		return 0
	}
	return 1 - float64(diff)/float64(window)
}

// hungarian returns, for each row index i, the chosen column index
// (assignment[i]), solving the classical bipartite assignment problem by
// minimizing total cost (the Kuhn-Munkres algorithm). No library in the
// example corpus implements assignment problems, so this is deliberately
// hand-rolled per DESIGN.md.
func hungarian(cost [][]float64) []int {
	n := len(cost)
	m := 0
	if n > 0 {
		m = len(cost[0])
	}
	size := n
	if m > size {
		size = m
	}
	if size == 0 {
		return []int{}
	}

	// Pad to a square matrix with a neutral (max) cost so unmatched rows or
	// columns never win an assignment over a real candidate.
	const inf = 1e9
	a := make([][]float64, size)
	for i := range a {
		a[i] = make([]float64, size)
		for j := range a[i] {
			switch {
			case i < n && j < m:
				a[i][j] = cost[i][j]
			default:
				a[i][j] = inf
			}
		}
	}

	u := make([]float64, size+1)
	v := make([]float64, size+1)
	p := make([]int, size+1)
	way := make([]int, size+1)

	for i := 1; i <= size; i++ {
		p[0] = i
		j0 := 0
		minv := make([]float64, size+1)
		used := make([]bool, size+1)
		for j := range minv {
			minv[j] = math.Inf(1)
		}
		for {
			used[j0] = true
			i0, delta, j1 := p[j0], math.Inf(1), 0
			for j := 1; j <= size; j++ {
				if used[j] {
					continue
				}
				cur := a[i0-1][j-1] - u[i0] - v[j]
				if cur < minv[j] {
					minv[j] = cur
					way[j] = j0
				}
				if minv[j] < delta {
					delta = minv[j]
					j1 = j
				}
			}
			for j := 0; j <= size; j++ {
				if used[j] {
					u[p[j]] += delta
					v[j] -= delta
				} else {
					minv[j] -= delta
				}
			}
			j0 = j1
			if p[j0] == 0 {
				break
			}
		}
		for j0 != 0 {
			j1 := way[j0]
			p[j0] = p[j1]
			j0 = j1
		}
	}

	assignment := make([]int, n)
	for i := range assignment {
		assignment[i] = -1
	}
	for j := 1; j <= size; j++ {
		if p[j] >= 1 && p[j] <= n && j-1 < m {
			assignment[p[j]-1] = j - 1
		}
	}
	return assignment
}
