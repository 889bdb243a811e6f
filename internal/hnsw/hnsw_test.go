package hnsw

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

// flatIndex pins level sampling to zero so the graph is a single layer and
// searches are exhaustive for small ef.
func flatIndex(dim int) *Index {
	ix := New(dim, 8, 64)
	ix.sample = func() float64 { return 0 }
	return ix
}

// TestInsertAndSearch ranks neighbours by cosine distance.
func TestInsertAndSearch(t *testing.T) {
	ix := flatIndex(3)

	require.NoError(t, ix.Insert("a", []float32{1, 0, 0}))
	require.NoError(t, ix.Insert("b", []float32{0, 1, 0}))
	require.NoError(t, ix.Insert("c", []float32{0, 0, 1}))
	require.NoError(t, ix.Insert("d", []float32{0.9, 0.1, 0}))
	require.Equal(t, 4, ix.Len())

	results, err := ix.Search([]float32{1, 0, 0}, 2, 10)
	require.NoError(t, err)
	require.Len(t, results, 2)

	require.Equal(t, "a", results[0].ID)
	require.InDelta(t, 0, results[0].Distance, 1e-6)
	require.Equal(t, "d", results[1].ID)
	require.Less(t, results[1].Distance, 0.05)
}

// TestScaleInvariance confirms cosine distance ignores vector magnitude.
func TestScaleInvariance(t *testing.T) {
	ix := flatIndex(2)
	require.NoError(t, ix.Insert("x", []float32{2, 0}))

	results, err := ix.Search([]float32{5, 0}, 1, 10)
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.InDelta(t, 0, results[0].Distance, 1e-6)
}

// TestSearchBounds covers k clamping and the empty index.
func TestSearchBounds(t *testing.T) {
	ix := flatIndex(2)

	results, err := ix.Search([]float32{1, 0}, 5, 10)
	require.NoError(t, err)
	require.Empty(t, results)

	require.NoError(t, ix.Insert("a", []float32{1, 0}))
	require.NoError(t, ix.Insert("b", []float32{0, 1}))

	results, err = ix.Search([]float32{1, 0}, 10, 10)
	require.NoError(t, err)
	require.Len(t, results, 2)

	results, err = ix.Search([]float32{1, 0}, 0, 10)
	require.NoError(t, err)
	require.Empty(t, results)
}

// TestDimensionMismatch rejects vectors with the wrong width.
func TestDimensionMismatch(t *testing.T) {
	ix := flatIndex(3)

	require.ErrorIs(t, ix.Insert("a", []float32{1, 0}), ErrDimensionMismatch)

	_, err := ix.Search([]float32{1, 0, 0, 0}, 1, 10)
	require.ErrorIs(t, err, ErrDimensionMismatch)
}

// TestUpsert replaces the vector stored under an existing id.
func TestUpsert(t *testing.T) {
	ix := flatIndex(2)

	require.NoError(t, ix.Insert("x", []float32{1, 0}))
	require.NoError(t, ix.Insert("x", []float32{0, 1}))
	require.Equal(t, 1, ix.Len())

	results, err := ix.Search([]float32{0, 1}, 1, 10)
	require.NoError(t, err)
	require.Equal(t, "x", results[0].ID)
	require.InDelta(t, 0, results[0].Distance, 1e-6)
}

// TestDelete unlinks a node and keeps the rest searchable.
func TestDelete(t *testing.T) {
	ix := flatIndex(3)
	require.NoError(t, ix.Insert("a", []float32{1, 0, 0}))
	require.NoError(t, ix.Insert("b", []float32{0, 1, 0}))
	require.NoError(t, ix.Insert("c", []float32{0, 0, 1}))

	require.True(t, ix.Delete("b"))
	require.False(t, ix.Delete("ghost"))
	require.Equal(t, 2, ix.Len())

	results, err := ix.Search([]float32{0, 1, 0}, 3, 10)
	require.NoError(t, err)
	for _, r := range results {
		require.NotEqual(t, "b", r.ID)
	}
}

// TestDeleteEntryPoint removes the highest-level node and expects the
// index to elect a new entry and keep answering.
func TestDeleteEntryPoint(t *testing.T) {
	ix := New(2, 4, 32)
	levels := []float64{0.95, 0, 0} // first insert lands on an upper layer
	ix.sample = func() float64 {
		v := levels[0]
		if len(levels) > 1 {
			levels = levels[1:]
		}
		return v
	}

	require.NoError(t, ix.Insert("top", []float32{1, 0}))
	require.NoError(t, ix.Insert("a", []float32{0.9, 0.1}))
	require.NoError(t, ix.Insert("b", []float32{0, 1}))
	require.Equal(t, 2, ix.MaxLevel())

	require.True(t, ix.Delete("top"))
	require.Equal(t, 0, ix.MaxLevel())

	results, err := ix.Search([]float32{1, 0}, 1, 10)
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Equal(t, "a", results[0].ID)
}

// TestClusteredRecall builds three orthogonal clusters with real level
// sampling and expects every hit to come from the queried cluster.
func TestClusteredRecall(t *testing.T) {
	const perCluster = 20
	ix := New(8, 8, 64)

	centers := []int{0, 1, 2}
	for ci, axis := range centers {
		for j := 0; j < perCluster; j++ {
			vec := make([]float32, 8)
			vec[axis] = 1
			vec[3+j%5] = 0.05 + 0.002*float32(j)
			id := fmt.Sprintf("c%d-%d", ci, j)
			require.NoError(t, ix.Insert(id, vec))
		}
	}
	require.Equal(t, 3*perCluster, ix.Len())

	for ci, axis := range centers {
		query := make([]float32, 8)
		query[axis] = 1

		results, err := ix.Search(query, 5, 60)
		require.NoError(t, err)
		require.Len(t, results, 5)

		prefix := fmt.Sprintf("c%d-", ci)
		for _, r := range results {
			require.Truef(t, len(r.ID) > len(prefix) && r.ID[:len(prefix)] == prefix,
				"query for cluster %d returned %s", ci, r.ID)
			require.Less(t, r.Distance, 0.2)
		}
	}
}
