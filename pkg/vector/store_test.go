package vector

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const testDim = 4

func withStores(t *testing.T, fn func(t *testing.T, s Store)) {
	t.Helper()

	t.Run("sqlite", func(t *testing.T) {
		s, err := NewSQLiteStore(":memory:", "memories", testDim, zap.NewNop())
		require.NoError(t, err)
		defer s.Close()
		fn(t, s)
	})

	t.Run("file", func(t *testing.T) {
		s, err := NewFileStore(t.TempDir(), "memories", testDim, zap.NewNop())
		require.NoError(t, err)
		defer s.Close()
		fn(t, s)
	})
}

// axis returns a unit vector along dimension i.
func axis(i int) []float32 {
	v := make([]float32, testDim)
	v[i] = 1
	return v
}

func seed(t *testing.T, s Store) {
	t.Helper()
	err := s.Insert(context.Background(),
		[][]float32{axis(0), axis(1), {0.9, 0.1, 0, 0}},
		[]string{"m1", "m2", "m3"},
		[]map[string]any{
			{"data": "likes black tea", "userId": "u1"},
			{"data": "works as a pilot", "userId": "u2"},
			{"data": "tea with milk in the morning", "userId": "u1"},
		})
	require.NoError(t, err)
}

func TestSearchRanksByCosine(t *testing.T) {
	withStores(t, func(t *testing.T, s Store) {
		seed(t, s)

		results, err := s.Search(context.Background(), axis(0), 2, nil)
		require.NoError(t, err)
		require.Len(t, results, 2)
		assert.Equal(t, "m1", results[0].ID)
		assert.Equal(t, "m3", results[1].ID)
		assert.Greater(t, results[0].Score, results[1].Score)
	})
}

func TestSearchAppliesFilters(t *testing.T) {
	withStores(t, func(t *testing.T, s Store) {
		seed(t, s)

		results, err := s.Search(context.Background(), axis(1), 10, map[string]any{"userId": "u1"})
		require.NoError(t, err)
		for _, r := range results {
			assert.Equal(t, "u1", r.Payload["userId"])
		}
		require.Len(t, results, 2)
	})
}

func TestDimensionEnforced(t *testing.T) {
	withStores(t, func(t *testing.T, s Store) {
		wrong := []float32{1, 2}

		err := s.Insert(context.Background(), [][]float32{wrong}, []string{"x"}, []map[string]any{{}})
		assert.ErrorIs(t, err, ErrDimensionMismatch)

		_, err = s.Search(context.Background(), wrong, 5, nil)
		assert.ErrorIs(t, err, ErrDimensionMismatch)

		err = s.Update(context.Background(), "x", wrong, map[string]any{})
		assert.ErrorIs(t, err, ErrDimensionMismatch)
	})
}

func TestUpdateNilVectorKeepsStoredVector(t *testing.T) {
	withStores(t, func(t *testing.T, s Store) {
		seed(t, s)

		err := s.Update(context.Background(), "m1", nil, map[string]any{"data": "prefers green tea", "userId": "u1"})
		require.NoError(t, err)

		// Payload changed...
		got, err := s.Get(context.Background(), "m1")
		require.NoError(t, err)
		assert.Equal(t, "prefers green tea", got.Payload["data"])

		// ...but the vector still ranks m1 first along axis 0.
		results, err := s.Search(context.Background(), axis(0), 1, nil)
		require.NoError(t, err)
		require.Len(t, results, 1)
		assert.Equal(t, "m1", results[0].ID)
	})
}

func TestUpdateMissingID(t *testing.T) {
	withStores(t, func(t *testing.T, s Store) {
		err := s.Update(context.Background(), "ghost", nil, map[string]any{})
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestDeleteAndDeleteCol(t *testing.T) {
	withStores(t, func(t *testing.T, s Store) {
		seed(t, s)

		require.NoError(t, s.Delete(context.Background(), "m2"))
		_, err := s.Get(context.Background(), "m2")
		assert.ErrorIs(t, err, ErrNotFound)

		require.NoError(t, s.DeleteCol(context.Background()))
		count, _, err := s.Stats(context.Background())
		require.NoError(t, err)
		assert.Zero(t, count)

		// Collection stays usable after a drop.
		require.NoError(t, s.Insert(context.Background(),
			[][]float32{axis(2)}, []string{"fresh"}, []map[string]any{{"data": "x"}}))
	})
}

func TestListReturnsTotalBeyondLimit(t *testing.T) {
	withStores(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		for i := 0; i < 5; i++ {
			id := fmt.Sprintf("item%d", i)
			require.NoError(t, s.Insert(ctx,
				[][]float32{axis(i % testDim)}, []string{id},
				[]map[string]any{{"data": id, "agentId": "a1"}}))
		}

		results, total, err := s.List(ctx, map[string]any{"agentId": "a1"}, 2)
		require.NoError(t, err)
		assert.Len(t, results, 2)
		assert.Equal(t, 5, total)
	})
}

func TestGetByAgent(t *testing.T) {
	withStores(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		require.NoError(t, s.Insert(ctx,
			[][]float32{axis(0), axis(1)},
			[]string{"a", "b"},
			[]map[string]any{
				{"data": "one", "agentId": "agent1"},
				{"data": "two", "agentId": "agent2"},
			}))

		results, err := s.GetByAgent(ctx, "agent1")
		require.NoError(t, err)
		require.Len(t, results, 1)
		assert.Equal(t, "a", results[0].ID)
	})
}

func TestKeywordSearchFallback(t *testing.T) {
	withStores(t, func(t *testing.T, s Store) {
		seed(t, s)

		// "the" is a stopword; "tea" is the only content word.
		results, err := s.KeywordSearch(context.Background(), "the tea", 10, nil)
		require.NoError(t, err)
		require.Len(t, results, 2)
		ids := []string{results[0].ID, results[1].ID}
		assert.ElementsMatch(t, []string{"m1", "m3"}, ids)
	})
}

func TestCosineSimilarity(t *testing.T) {
	assert.InDelta(t, 1.0, cosineSimilarity([]float32{1, 0}, []float32{2, 0}), 1e-9)
	assert.InDelta(t, 0.0, cosineSimilarity([]float32{1, 0}, []float32{0, 1}), 1e-9)
	assert.InDelta(t, -1.0, cosineSimilarity([]float32{1, 0}, []float32{-1, 0}), 1e-9)
	assert.Zero(t, cosineSimilarity([]float32{0, 0}, []float32{1, 0}))
	assert.Zero(t, cosineSimilarity([]float32{1}, []float32{1, 0}))
}

func TestContentWords(t *testing.T) {
	words := contentWords("The quick brown fox, and the lazy dog!")
	assert.NotContains(t, words, "the")
	assert.NotContains(t, words, "and")
	assert.Contains(t, words, "quick")
	assert.Contains(t, words, "fox")
}
