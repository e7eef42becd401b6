package recognition

import (
	"fmt"
	"sort"
	"sync"

	"github.com/coder/hnsw"
)

// Neighbor is one enrolled user close to a query embedding.
type Neighbor struct {
	UserID     string  `json:"user_id"`
	Name       string  `json:"name"`
	Similarity float64 `json:"similarity"`
}

type galleryEntry struct {
	userID string
	name   string
	vec    Embedding
}

// Gallery is an approximate nearest-neighbour index over enrolled users.
// It answers "who does this face resemble" and is never used to mark
// attendance; the ordered roster scan does that.
type Gallery struct {
	mu      sync.RWMutex
	graph   *hnsw.Graph[string]
	entries map[string]galleryEntry
	dim     int
}

// NewGallery creates an empty gallery.
func NewGallery() *Gallery {
	g := hnsw.NewGraph[string]()
	g.Distance = hnsw.CosineDistance
	return &Gallery{graph: g, entries: make(map[string]galleryEntry)}
}

// Add indexes every embedding of a user.
func (g *Gallery) Add(userID, name string, embeddings []Embedding) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	for i, e := range embeddings {
		if len(e) == 0 {
			continue
		}
		if g.dim == 0 {
			g.dim = len(e)
		}
		if len(e) != g.dim {
			return fmt.Errorf("%w: user %s has %d dims, gallery has %d", ErrDimensionMismatch, name, len(e), g.dim)
		}
		key := fmt.Sprintf("%s#%d", userID, i)
		g.graph.Add(hnsw.MakeNode(key, []float32(e)))
		g.entries[key] = galleryEntry{userID: userID, name: name, vec: e}
	}
	return nil
}

// Len returns the number of indexed embeddings.
func (g *Gallery) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.entries)
}

// Nearest returns up to k distinct users ordered by descending similarity.
func (g *Gallery) Nearest(query Embedding, k int) []Neighbor {
	g.mu.RLock()
	defer g.mu.RUnlock()

	if k <= 0 || len(g.entries) == 0 || len(query) != g.dim {
		return nil
	}

	// Users may own several nodes, so over-fetch before de-duplicating.
	fetch := k * 4
	if fetch > len(g.entries) {
		fetch = len(g.entries)
	}

	best := make(map[string]Neighbor)
	for _, node := range g.graph.Search([]float32(query), fetch) {
		entry, ok := g.entries[node.Key]
		if !ok {
			continue
		}
		sim := CosineSimilarity(query, entry.vec)
		if cur, seen := best[entry.userID]; !seen || sim > cur.Similarity {
			best[entry.userID] = Neighbor{UserID: entry.userID, Name: entry.name, Similarity: sim}
		}
	}

	out := make([]Neighbor, 0, len(best))
	for _, n := range best {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Similarity != out[j].Similarity {
			return out[i].Similarity > out[j].Similarity
		}
		return out[i].UserID < out[j].UserID
	})
	if len(out) > k {
		out = out[:k]
	}
	return out
}
