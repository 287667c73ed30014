package scan

import (
	"fmt"
	"sort"
)

// Impact score weights and caps. Raw occurrence counts cap at 20 and block
// sizes at 100 lines before normalization so one pathological group cannot
// drown the rest.
const (
	occurrenceWeight = 40.0
	similarityWeight = 35.0
	sizeWeight       = 25.0
	occurrenceCap    = 20
	sizeCap          = 100
)

// Severity thresholds on the 0-100 impact score.
const (
	ImpactCritical = 75.0
	ImpactHigh     = 50.0
	ImpactMedium   = 25.0
)

// HighImpactThreshold flags groups worth a notification.
const HighImpactThreshold = ImpactCritical

const maxQuickWins = 10

// ImpactScore combines occurrence count, similarity, and block size into a
// 0-100 score.
func ImpactScore(occurrences int, similarity float64, lines int) float64 {
	occ := float64(min(occurrences, occurrenceCap)) / occurrenceCap
	size := float64(min(lines, sizeCap)) / sizeCap
	return occ*occurrenceWeight + similarity*similarityWeight + size*sizeWeight
}

// ImpactSeverity names the band an impact score falls into.
func ImpactSeverity(score float64) string {
	switch {
	case score >= ImpactCritical:
		return "critical"
	case score >= ImpactHigh:
		return "high"
	case score >= ImpactMedium:
		return "medium"
	default:
		return "low"
	}
}

// DuplicationSeverity bands an overall duplication percentage.
func DuplicationSeverity(pct float64) string {
	switch {
	case pct >= 40:
		return "critical"
	case pct >= 20:
		return "high"
	case pct >= 10:
		return "moderate"
	case pct >= 5:
		return "low"
	default:
		return "minimal"
	}
}

// HighImpact reports whether a group deserves priority attention: big,
// widely copied, or high scoring.
func HighImpact(g *Group) bool {
	return g.Lines >= 20 || len(g.Occurrences) >= 5 || g.ImpactScore >= HighImpactThreshold
}

// Suggestion is one actionable consolidation recommendation.
type Suggestion struct {
	Kind        string   `json:"kind"`
	Description string   `json:"description"`
	Files       []string `json:"files,omitempty"`
	Impact      string   `json:"impact"`
	Lines       int      `json:"lines_saved,omitempty"`
}

// BuildSuggestions derives quick wins and extraction candidates from the
// scored groups. Quick wins are small, low-occurrence groups (easy to
// stamp out); the list caps at 10.
func BuildSuggestions(groups []*Group, metrics Metrics) []Suggestion {
	var out []Suggestion

	quickWins := 0
	for _, g := range groups {
		if len(g.Occurrences) <= 3 && g.Lines < 20 {
			if quickWins >= maxQuickWins {
				break
			}
			quickWins++
			out = append(out, Suggestion{
				Kind: "quick-win",
				Description: fmt.Sprintf("deduplicate a %d-line block copied %d times",
					g.Lines, len(g.Occurrences)),
				Files:  groupFiles(g),
				Impact: ImpactSeverity(g.ImpactScore),
				Lines:  g.Lines * (len(g.Occurrences) - 1),
			})
		}
	}

	for _, g := range groups {
		if len(g.Occurrences) < 2 || !HighImpact(g) {
			continue
		}
		out = append(out, Suggestion{
			Kind: "extract",
			Description: fmt.Sprintf("extract a shared helper for a %d-line block with %d copies",
				g.Lines, len(g.Occurrences)),
			Files:  groupFiles(g),
			Impact: ImpactSeverity(g.ImpactScore),
			Lines:  g.Lines * (len(g.Occurrences) - 1),
		})
	}
	return out
}

// ConsolidationScore rates how much a consolidation pass would pay off,
// 0-100.
func ConsolidationScore(metrics Metrics, groups []*Group) float64 {
	if metrics.TotalLines == 0 {
		return 0
	}

	quickWins := 0
	savable := 0
	for _, g := range groups {
		if len(g.Occurrences) <= 3 && g.Lines < 20 {
			quickWins++
		}
		savable += g.Lines * (len(g.Occurrences) - 1)
	}

	quickWinRatio := 0.0
	if len(groups) > 0 {
		quickWinRatio = float64(quickWins) / float64(len(groups)) * 100
	}
	locReduction := float64(savable) / float64(metrics.TotalLines) * 100

	score := metrics.DuplicationPct*0.35 + quickWinRatio*0.40 + locReduction*0.25
	return min(score, 100)
}

func groupFiles(g *Group) []string {
	seen := map[string]bool{}
	var files []string
	for _, o := range g.Occurrences {
		name := o.File
		if o.Repository != "" {
			name = o.Repository + ":" + o.File
		}
		if !seen[name] {
			seen[name] = true
			files = append(files, name)
		}
	}
	sort.Strings(files)
	return files
}
