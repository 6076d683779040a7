package storage

import (
	"encoding/binary"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/EternisAI/enchanted-memory/pkg/agent/memory"
)

// CosineSimilarity returns 1 - cosine distance. Zero vectors have similarity 0.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// EncodeEmbedding packs a vector as little-endian float32s. Nil encodes to nil.
func EncodeEmbedding(v []float32) []byte {
	if v == nil {
		return nil
	}
	buf := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(f))
	}
	return buf
}

// DecodeEmbedding unpacks EncodeEmbedding output. An empty blob decodes to nil.
func DecodeEmbedding(b []byte) ([]float32, error) {
	if len(b) == 0 {
		return nil, nil
	}
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("embedding blob length %d is not a multiple of 4", len(b))
	}
	v := make([]float32, len(b)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[4*i:]))
	}
	return v, nil
}

// scored pairs a candidate with its similarity and creation time for ranking.
type scored[T any] struct {
	item       T
	embedding  []float32
	tags       memory.Tags
	createdAt  time.Time
	similarity float64
}

// rank applies the search contract in memory: tag predicates, similarity
// threshold, ordering by similarity then recency, and top-k.
// With a nil query embedding it returns the most recent tag matches.
func rank[T any](candidates []scored[T], q SearchQuery) []scored[T] {
	out := make([]scored[T], 0, len(candidates))
	for _, c := range candidates {
		if !memory.MatchesAll(c.tags, q.Tags) {
			continue
		}
		if q.Embedding != nil {
			if c.embedding == nil {
				continue
			}
			c.similarity = CosineSimilarity(q.Embedding, c.embedding)
			if c.similarity <= q.SimilarityThreshold {
				continue
			}
		}
		out = append(out, c)
	}

	sort.SliceStable(out, func(i, j int) bool {
		if q.Embedding != nil && out[i].similarity != out[j].similarity {
			return out[i].similarity > out[j].similarity
		}
		return out[i].createdAt.After(out[j].createdAt)
	})

	if q.TopK > 0 && len(out) > q.TopK {
		out = out[:q.TopK]
	}
	return out
}
