// numerics.go holds the Retriever's pure scoring functions: RRF fusion,
// signal boosts, and MMR diversification. None of these touch the store —
// per spec.md §5, pure computation never suspends — so they're unit
// tested for monotonicity and bounds directly, with no database fixture.
package retrieval

import (
	"math"
	"sort"
)

// RRFFuse combines one or more ranked candidate-id lists into a single
// fused score per id using reciprocal rank fusion: score(id) =
// sum over lists containing id of 1/(k + rank), where rank is the id's
// 1-based position in that list.
func RRFFuse(k int, rankedLists ...[]string) map[string]float64 {
	scores := make(map[string]float64)
	for _, list := range rankedLists {
		for i, id := range list {
			rank := i + 1
			scores[id] += 1.0 / float64(k+rank)
		}
	}
	return scores
}

// RecencyBoost returns an exponential-decay freshness score in (0, 1],
// halving every halfLife. age and halfLife share units (seconds).
func RecencyBoost(ageSeconds, halfLifeSeconds float64) float64 {
	if halfLifeSeconds <= 0 {
		return 0
	}
	if ageSeconds < 0 {
		ageSeconds = 0
	}
	return math.Exp(-math.Ln2 * ageSeconds / halfLifeSeconds)
}

// FrequencyBoost returns a saturating score in [0, 1) from a raw usage
// count: it rises quickly at first and flattens as count grows, so a
// learning used 500 times isn't weighted 50x one used 10 times.
func FrequencyBoost(usageCount int, saturationConstant float64) float64 {
	if saturationConstant <= 0 {
		saturationConstant = 1
	}
	c := float64(usageCount)
	return c / (c + saturationConstant)
}

// Weights are the signal-boost coefficients applied on top of the fused
// RRF score.
type Weights struct {
	Recency   float64
	Outcome   float64
	Frequency float64
	Feedback  float64
}

// Signals bundles the per-candidate inputs to the final score.
type Signals struct {
	RRFScore      float64
	AgeSeconds    float64
	HalfLifeSeconds float64
	OutcomeScore  float64
	UsageCount    int
	FrequencySaturation float64
	FeedbackScore float64
}

// FinalScore combines the fused RRF score with the weighted signal boosts.
func FinalScore(s Signals, w Weights) float64 {
	recency := RecencyBoost(s.AgeSeconds, s.HalfLifeSeconds)
	frequency := FrequencyBoost(s.UsageCount, s.FrequencySaturation)
	return s.RRFScore +
		w.Recency*recency +
		w.Outcome*s.OutcomeScore +
		w.Frequency*frequency +
		w.Feedback*s.FeedbackScore
}

// Scored pairs an id with a score and an optional embedding/category used
// by MMR to judge similarity between candidates.
type Scored struct {
	ID         string
	Score      float64
	Category   string
	Embedding  []float32
}

// MMR re-ranks candidates (already sorted best-first by Score) to balance
// relevance against diversity: at each step it picks the candidate
// maximizing lambda*relevance - (1-lambda)*maxSimilarityToSelected, and
// never selects more than maxPerCategory items sharing a Category.
func MMR(candidates []Scored, lambda float64, limit, maxPerCategory int) []Scored {
	if limit <= 0 || limit > len(candidates) {
		limit = len(candidates)
	}
	remaining := append([]Scored{}, candidates...)
	var selected []Scored
	categoryCount := map[string]int{}

	for len(selected) < limit && len(remaining) > 0 {
		bestIdx := -1
		bestValue := math.Inf(-1)
		for i, cand := range remaining {
			if maxPerCategory > 0 && categoryCount[cand.Category] >= maxPerCategory {
				continue
			}
			maxSim := 0.0
			for _, sel := range selected {
				if sim := cosineSim(cand.Embedding, sel.Embedding); sim > maxSim {
					maxSim = sim
				}
			}
			value := lambda*cand.Score - (1-lambda)*maxSim
			if value > bestValue {
				bestValue = value
				bestIdx = i
			}
		}
		if bestIdx == -1 {
			break // every remaining candidate is capped out by category
		}
		picked := remaining[bestIdx]
		selected = append(selected, picked)
		categoryCount[picked.Category]++
		remaining = append(remaining[:bestIdx], remaining[bestIdx+1:]...)
	}
	return selected
}

func cosineSim(a, b []float32) float64 {
	if len(a) == 0 || len(b) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

// SortByScoreDesc sorts candidates in place, best score first.
func SortByScoreDesc(candidates []Scored) {
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].Score > candidates[j].Score })
}
