// Package hnsw implements a hierarchical navigable small-world index for
// approximate nearest-neighbour search over embedding vectors.
//
// Vectors are L2-normalized on insert and compared by cosine distance
// (1 - dot product). Each node draws a level from an exponential
// distribution; upper layers are traversed greedily and layer 0 with a
// beam of width ef. Used for episode-similarity lookups, where indexes
// stay small enough that delete can repair links with a full scan.
package hnsw

import (
	"container/heap"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"sort"
	"sync"
)

var ErrDimensionMismatch = errors.New("hnsw: vector dimension mismatch")

// Defaults applied by New when the caller passes zero values.
const (
	DefaultM              = 16
	DefaultEFConstruction = 200
)

// Result is one search hit. Distance is cosine distance, 0 for identical
// direction, 2 for opposite.
type Result struct {
	ID       string  `json:"id"`
	Distance float64 `json:"distance"`
}

type node struct {
	id    string
	vec   []float32
	level int
	links [][]*node
}

// Index is safe for concurrent use: searches share a read lock, inserts
// and deletes take the write lock.
type Index struct {
	mu             sync.RWMutex
	dim            int
	m              int // neighbour cap on upper layers
	m0             int // neighbour cap on layer 0
	efConstruction int
	ml             float64 // level multiplier, 1/ln(M)

	entry    *node
	maxLevel int
	nodes    map[string]*node

	sample func() float64
}

// New creates an index for dim-dimensional vectors. M controls graph
// connectivity and efConstruction the build-time beam width; zero values
// pick the defaults.
func New(dim, m, efConstruction int) *Index {
	if m < 2 {
		m = DefaultM
	}
	if efConstruction <= 0 {
		efConstruction = DefaultEFConstruction
	}
	return &Index{
		dim:            dim,
		m:              m,
		m0:             2 * m,
		efConstruction: efConstruction,
		ml:             1 / math.Log(float64(m)),
		nodes:          make(map[string]*node),
		sample:         rand.Float64,
	}
}

// Len reports the number of indexed vectors.
func (ix *Index) Len() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.nodes)
}

// MaxLevel reports the top layer of the graph.
func (ix *Index) MaxLevel() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return ix.maxLevel
}

// Insert adds a vector under id, replacing any previous vector with the
// same id.
func (ix *Index) Insert(id string, vec []float32) error {
	if len(vec) != ix.dim {
		return fmt.Errorf("%w: got %d, want %d", ErrDimensionMismatch, len(vec), ix.dim)
	}
	v := normalize(vec)

	ix.mu.Lock()
	defer ix.mu.Unlock()

	if _, ok := ix.nodes[id]; ok {
		ix.removeLocked(id)
	}

	level := ix.sampleLevel()
	n := &node{id: id, vec: v, level: level, links: make([][]*node, level+1)}
	ix.nodes[id] = n

	if ix.entry == nil {
		ix.entry = n
		ix.maxLevel = level
		return nil
	}

	ep := ix.entry
	for l := ix.maxLevel; l > level; l-- {
		ep = ix.greedyClosest(ep, v, l)
	}

	for l := min(level, ix.maxLevel); l >= 0; l-- {
		candidates := ix.searchLayer(ep, v, ix.efConstruction, l)

		limit := ix.m
		if l == 0 {
			limit = ix.m0
		}
		ix.connect(n, candidates[:min(limit, len(candidates))], l)
		ep = candidates[0].n
	}

	if level > ix.maxLevel {
		ix.maxLevel = level
		ix.entry = n
	}
	return nil
}

// Search returns up to k nearest neighbours of vec, closest first. The
// beam width is max(efSearch, k).
func (ix *Index) Search(vec []float32, k, efSearch int) ([]Result, error) {
	if len(vec) != ix.dim {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrDimensionMismatch, len(vec), ix.dim)
	}
	if k <= 0 {
		return nil, nil
	}
	v := normalize(vec)

	ix.mu.RLock()
	defer ix.mu.RUnlock()

	if ix.entry == nil {
		return nil, nil
	}

	ep := ix.entry
	for l := ix.maxLevel; l > 0; l-- {
		ep = ix.greedyClosest(ep, v, l)
	}

	candidates := ix.searchLayer(ep, v, max(efSearch, k), 0)
	if len(candidates) > k {
		candidates = candidates[:k]
	}

	out := make([]Result, len(candidates))
	for i, c := range candidates {
		out[i] = Result{ID: c.n.id, Distance: c.dist}
	}
	return out, nil
}

// Delete removes id and unlinks it from every neighbour list. Returns
// false when the id is unknown.
func (ix *Index) Delete(id string) bool {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	if _, ok := ix.nodes[id]; !ok {
		return false
	}
	ix.removeLocked(id)
	return true
}

func (ix *Index) removeLocked(id string) {
	n := ix.nodes[id]
	delete(ix.nodes, id)

	for _, other := range ix.nodes {
		for l, list := range other.links {
			keep := list[:0]
			for _, nb := range list {
				if nb != n {
					keep = append(keep, nb)
				}
			}
			other.links[l] = keep
		}
	}

	if ix.entry != n {
		return
	}
	ix.entry = nil
	ix.maxLevel = 0
	for _, other := range ix.nodes {
		if ix.entry == nil || other.level > ix.maxLevel {
			ix.entry = other
			ix.maxLevel = other.level
		}
	}
}

// sampleLevel draws floor(-ln(U) * mL) with U uniform in (0, 1].
func (ix *Index) sampleLevel() int {
	u := 1 - ix.sample()
	return int(-math.Log(u) * ix.ml)
}

// greedyClosest walks layer links until no neighbour is closer to vec.
func (ix *Index) greedyClosest(ep *node, vec []float32, layer int) *node {
	cur, curDist := ep, distance(ep.vec, vec)
	for {
		improved := false
		for _, nb := range cur.links[layer] {
			if d := distance(nb.vec, vec); d < curDist {
				cur, curDist, improved = nb, d, true
			}
		}
		if !improved {
			return cur
		}
	}
}

// searchLayer is the beam search: expand the closest unexpanded candidate
// until it is further than the worst of the ef best seen. Results come
// back closest first.
func (ix *Index) searchLayer(ep *node, vec []float32, ef, layer int) []scored {
	d := distance(ep.vec, vec)
	visited := map[*node]bool{ep: true}

	cands := &minDistHeap{{ep, d}}
	results := &maxDistHeap{{ep, d}}

	for cands.Len() > 0 {
		c := heap.Pop(cands).(scored)
		if c.dist > (*results)[0].dist && results.Len() >= ef {
			break
		}

		for _, nb := range c.n.links[layer] {
			if visited[nb] {
				continue
			}
			visited[nb] = true

			d := distance(nb.vec, vec)
			if results.Len() < ef || d < (*results)[0].dist {
				heap.Push(cands, scored{nb, d})
				heap.Push(results, scored{nb, d})
				if results.Len() > ef {
					heap.Pop(results)
				}
			}
		}
	}

	out := make([]scored, results.Len())
	for i := len(out) - 1; i >= 0; i-- {
		out[i] = heap.Pop(results).(scored)
	}
	return out
}

// connect links n to its selected neighbours bidirectionally and prunes
// any neighbour list that grew past the layer cap.
func (ix *Index) connect(n *node, neighbors []scored, layer int) {
	limit := ix.m
	if layer == 0 {
		limit = ix.m0
	}

	for _, nb := range neighbors {
		n.links[layer] = append(n.links[layer], nb.n)
		nb.n.links[layer] = append(nb.n.links[layer], n)
		if len(nb.n.links[layer]) > limit {
			nb.n.links[layer] = closestOf(nb.n, nb.n.links[layer], limit)
		}
	}
}

func closestOf(from *node, list []*node, keep int) []*node {
	ranked := make([]scored, len(list))
	for i, nd := range list {
		ranked[i] = scored{nd, distance(nd.vec, from.vec)}
	}
	sort.Slice(ranked, func(i, j int) bool { return ranked[i].dist < ranked[j].dist })

	out := make([]*node, keep)
	for i := range out {
		out[i] = ranked[i].n
	}
	return out
}

// normalize returns a unit-length copy; the zero vector stays zero.
func normalize(vec []float32) []float32 {
	var sum float64
	for _, x := range vec {
		sum += float64(x) * float64(x)
	}
	out := make([]float32, len(vec))
	if sum == 0 {
		return out
	}
	inv := 1 / math.Sqrt(sum)
	for i, x := range vec {
		out[i] = float32(float64(x) * inv)
	}
	return out
}

// distance is cosine distance over pre-normalized vectors.
func distance(a, b []float32) float64 {
	var dot float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
	}
	return 1 - dot
}

type scored struct {
	n    *node
	dist float64
}

type minDistHeap []scored

func (h minDistHeap) Len() int           { return len(h) }
func (h minDistHeap) Less(i, j int) bool { return h[i].dist < h[j].dist }
func (h minDistHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *minDistHeap) Push(x any)        { *h = append(*h, x.(scored)) }
func (h *minDistHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	*h = old[:n-1]
	return it
}

type maxDistHeap []scored

func (h maxDistHeap) Len() int           { return len(h) }
func (h maxDistHeap) Less(i, j int) bool { return h[i].dist > h[j].dist }
func (h maxDistHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *maxDistHeap) Push(x any)        { *h = append(*h, x.(scored)) }
func (h *maxDistHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	*h = old[:n-1]
	return it
}
