package recall

import "sort"

// Merge deduplicates gists by (date, content), keeping the highest similarity,
// and returns at most topK sorted by similarity descending. Merging a result with
// itself yields the same result.
func Merge(topK int, lists ...[]Gist) []Gist {
	type key struct{ date, content string }

	best := make(map[key]Gist)
	var order []key
	for _, list := range lists {
		for _, g := range list {
			k := key{g.Date, g.Content}
			current, ok := best[k]
			if !ok {
				order = append(order, k)
				best[k] = g
				continue
			}
			if g.Similarity > current.Similarity {
				best[k] = g
			}
		}
	}

	out := make([]Gist, 0, len(order))
	for _, k := range order {
		out = append(out, best[k])
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Similarity != out[j].Similarity {
			return out[i].Similarity > out[j].Similarity
		}
		return out[i].Date > out[j].Date
	})
	if topK > 0 && len(out) > topK {
		out = out[:topK]
	}
	return out
}
