package casememory

import "sort"

// Hit is a similar past case.
type Hit struct {
	ID         string  `json:"id"`
	Agent      string  `json:"agent"`
	UserID     string  `json:"user_id"`
	Summary    string  `json:"summary"`
	Action     int     `json:"action"`
	Reward     float64 `json:"reward"`
	Similarity float64 `json:"similarity"`
	Source     string  `json:"source"` // keyword, vector or hybrid
}

// mergeHits combines keyword and vector hits. Keyword scores are normalized by
// their maximum; vector scores are cosine values clamped to [0, 1]. With weights
// summing to 1 the merged similarity stays in [0, 1].
func mergeHits(keyword, vector []Hit, keywordWeight, vectorWeight float64) []Hit {
	normalize(keyword)
	merged := make(map[string]*Hit, len(keyword)+len(vector))

	for i := range keyword {
		h := keyword[i]
		h.Similarity *= keywordWeight
		h.Source = "keyword"
		merged[h.ID] = &h
	}
	for i := range vector {
		h := vector[i]
		s := min(max(h.Similarity, 0), 1) * vectorWeight
		if existing, ok := merged[h.ID]; ok {
			existing.Similarity += s
			existing.Source = "hybrid"
			continue
		}
		h.Similarity = s
		h.Source = "vector"
		merged[h.ID] = &h
	}

	out := make([]Hit, 0, len(merged))
	for _, h := range merged {
		out = append(out, *h)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Similarity != out[j].Similarity {
			return out[i].Similarity > out[j].Similarity
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func normalize(hits []Hit) {
	var top float64
	for _, h := range hits {
		top = max(top, h.Similarity)
	}
	if top <= 0 {
		return
	}
	for i := range hits {
		hits[i].Similarity /= top
	}
}
