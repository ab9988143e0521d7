package similarity

import (
	ctxmath "github.com/Siddhant-K-code/ctxcache/pkg/math"
)

// MMRConfig holds Maximal Marginal Relevance parameters.
type MMRConfig struct {
	// Lambda controls the relevance vs diversity tradeoff.
	// 1.0 = pure relevance (no diversity)
	// 0.0 = pure diversity (ignore relevance)
	Lambda float64

	// TargetK is the number of results to select.
	TargetK int
}

// DefaultMMRConfig returns sensible defaults.
func DefaultMMRConfig() MMRConfig {
	return MMRConfig{
		Lambda:  0.5,
		TargetK: 8,
	}
}

// MMR re-ranks results to balance relevance against redundancy.
type MMR struct {
	cfg MMRConfig
}

// NewMMR creates a new MMR re-ranker with the given config.
func NewMMR(cfg MMRConfig) *MMR {
	if cfg.Lambda < 0 {
		cfg.Lambda = 0
	}
	if cfg.Lambda > 1 {
		cfg.Lambda = 1
	}
	if cfg.TargetK <= 0 {
		cfg.TargetK = DefaultMMRConfig().TargetK
	}
	return &MMR{cfg: cfg}
}

// Rerank greedily picks results maximising
// λ * relevance - (1-λ) * max(similarity to already selected).
// Relevance is the result score normalised to [0, 1]. Ties keep input
// order, so an input already sorted by Less stays deterministic.
func (m *MMR) Rerank(results []Result) []Result {
	if len(results) == 0 {
		return nil
	}
	if len(results) <= m.cfg.TargetK && m.cfg.Lambda == 1 {
		return results
	}

	target := m.cfg.TargetK
	if target > len(results) {
		target = len(results)
	}

	relevance := normalizeScores(results)
	sim := similarityMatrix(results)

	selected := make([]int, 0, target)
	taken := make([]bool, len(results))

	for len(selected) < target {
		best := -1
		bestScore := -2.0
		for i := range results {
			if taken[i] {
				continue
			}
			score := m.cfg.Lambda * relevance[i]
			if len(selected) > 0 {
				maxSim := 0.0
				for _, s := range selected {
					if sim[i][s] > maxSim {
						maxSim = sim[i][s]
					}
				}
				score -= (1 - m.cfg.Lambda) * maxSim
			}
			if score > bestScore {
				bestScore = score
				best = i
			}
		}
		if best < 0 {
			break
		}
		taken[best] = true
		selected = append(selected, best)
	}

	out := make([]Result, len(selected))
	for i, idx := range selected {
		out[i] = results[idx]
	}
	return out
}

func normalizeScores(results []Result) []float64 {
	lo, hi := results[0].Score, results[0].Score
	for _, r := range results[1:] {
		if r.Score < lo {
			lo = r.Score
		}
		if r.Score > hi {
			hi = r.Score
		}
	}

	out := make([]float64, len(results))
	span := hi - lo
	for i, r := range results {
		if span == 0 {
			out[i] = 1.0
		} else {
			out[i] = (r.Score - lo) / span
		}
	}
	return out
}

func similarityMatrix(results []Result) [][]float64 {
	n := len(results)
	matrix := make([][]float64, n)
	for i := range matrix {
		matrix[i] = make([]float64, n)
		matrix[i][i] = 1.0
	}
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			s, ok := ctxmath.Cosine(results[i].Entry.Embedding, results[j].Entry.Embedding)
			if !ok {
				s = 0
			}
			matrix[i][j] = s
			matrix[j][i] = s
		}
	}
	return matrix
}

// Diversity is the average pairwise cosine distance of the results. Higher
// means less redundant.
func Diversity(results []Result) float64 {
	if len(results) < 2 {
		return 0
	}

	var total float64
	pairs := 0
	for i := 0; i < len(results)-1; i++ {
		for j := i + 1; j < len(results); j++ {
			total += ctxmath.CosineDistance(results[i].Entry.Embedding, results[j].Entry.Embedding)
			pairs++
		}
	}
	return total / float64(pairs)
}
