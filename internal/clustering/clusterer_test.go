package clustering

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/fyrsmithlabs/feedbackd/internal/feedback"
)

func item(id int64, embedding ...float32) feedback.RawItem {
	return feedback.RawItem{ID: id, Agent: "bot", Embedding: embedding, Status: feedback.RawActive}
}

// twoGroups returns n items near the x axis followed by n near the y axis,
// plus one item on the z axis.
func twoGroups(n int) []feedback.RawItem {
	var items []feedback.RawItem
	id := int64(1)
	for i := 0; i < n; i++ {
		items = append(items, item(id, 1, 0.01*float32(i), 0))
		id++
	}
	for i := 0; i < n; i++ {
		items = append(items, item(id, 0.01*float32(i), 1, 0))
		id++
	}
	items = append(items, item(id, 0, 0, 1))
	return items
}

func ids(clusters []Cluster) [][]int64 {
	out := make([][]int64, len(clusters))
	for i, c := range clusters {
		out[i] = c.MemberIDs()
	}
	return out
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"defaults", func(*Config) {}, false},
		{"unknown mode", func(c *Config) { c.Mode = "kmeans" }, true},
		{"categorical without field", func(c *Config) { c.Mode = ModeCategorical }, true},
		{"categorical with field", func(c *Config) { c.Mode = ModeCategorical; c.CategoricalField = "topic" }, false},
		{"min cluster size one", func(c *Config) { c.MinClusterSize = 1 }, true},
		{"zero threshold", func(c *Config) { c.DistanceThreshold = 0 }, true},
		{"threshold two", func(c *Config) { c.DistanceThreshold = 2 }, true},
		{"zero density", func(c *Config) { c.DensityThreshold = 0 }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidConfig)
			} else {
				assert.NoError(t, err)
			}
		})
	}

	_, err := New(Config{}, nil)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestCluster_AverageLinkage(t *testing.T) {
	c, err := New(DefaultConfig(), zaptest.NewLogger(t))
	require.NoError(t, err)

	clusters, err := c.Cluster(twoGroups(3))
	require.NoError(t, err)

	assert.Equal(t, [][]int64{{1, 2, 3}, {4, 5, 6}}, ids(clusters))
	require.Len(t, clusters[0].Centroid, 3)
	assert.InDelta(t, 1.0, clusters[0].Centroid[0], 1e-6)
	assert.InDelta(t, 0.01, clusters[0].Centroid[1], 1e-6)
}

func TestCluster_DensityPath(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DensityThreshold = 4
	c, err := New(cfg, zaptest.NewLogger(t))
	require.NoError(t, err)

	clusters, err := c.Cluster(twoGroups(5))
	require.NoError(t, err)

	// The z-axis item is noise.
	assert.Equal(t, [][]int64{{1, 2, 3, 4, 5}, {6, 7, 8, 9, 10}}, ids(clusters))
}

func TestCluster_BothAlgorithmsAgreeOnSeparatedGroups(t *testing.T) {
	items := twoGroups(6)

	linkage, err := New(DefaultConfig(), nil)
	require.NoError(t, err)
	dense := DefaultConfig()
	dense.DensityThreshold = 2
	density, err := New(dense, nil)
	require.NoError(t, err)

	a, err := linkage.Cluster(items)
	require.NoError(t, err)
	b, err := density.Cluster(items)
	require.NoError(t, err)
	assert.Equal(t, ids(a), ids(b))
}

func TestCluster_DensityPathSingleCluster(t *testing.T) {
	var items []feedback.RawItem
	for i := 0; i < 6; i++ {
		items = append(items, item(int64(i+1), 1, 0.01*float32(i), 0))
	}

	linkage, err := New(DefaultConfig(), nil)
	require.NoError(t, err)
	dense := DefaultConfig()
	dense.DensityThreshold = 2
	density, err := New(dense, nil)
	require.NoError(t, err)

	for name, input := range map[string][]feedback.RawItem{
		"one group":    items,
		"with outlier": append(append([]feedback.RawItem(nil), items...), item(7, 0, 0, 1)),
	} {
		t.Run(name, func(t *testing.T) {
			a, err := linkage.Cluster(input)
			require.NoError(t, err)
			b, err := density.Cluster(input)
			require.NoError(t, err)
			assert.Equal(t, [][]int64{{1, 2, 3, 4, 5, 6}}, ids(a))
			assert.Equal(t, ids(a), ids(b))
		})
	}

	// Nothing within the cutoff stays noise.
	spread, err := density.Cluster([]feedback.RawItem{item(1, 1, 0, 0), item(2, 0, 1, 0), item(3, 0, 0, 1)})
	require.NoError(t, err)
	assert.Empty(t, spread)
}

func TestCluster_Deterministic(t *testing.T) {
	items := twoGroups(8)
	// Near-duplicates across the groups make ties likely.
	items = append(items, item(100, 1, 0.01, 0), item(101, 0.5, 0.5, 0), item(102, 0.5, 0.5, 0))

	for _, cfg := range []Config{DefaultConfig(), func() Config { c := DefaultConfig(); c.DensityThreshold = 2; return c }()} {
		c, err := New(cfg, nil)
		require.NoError(t, err)

		want, err := c.Cluster(items)
		require.NoError(t, err)

		rng := rand.New(rand.NewSource(42))
		for i := 0; i < 10; i++ {
			shuffled := append([]feedback.RawItem(nil), items...)
			rng.Shuffle(len(shuffled), func(a, b int) { shuffled[a], shuffled[b] = shuffled[b], shuffled[a] })

			got, err := c.Cluster(shuffled)
			require.NoError(t, err)
			assert.Equal(t, ids(want), ids(got))
		}
	}
}

func TestCluster_SmallInput(t *testing.T) {
	c, err := New(DefaultConfig(), nil)
	require.NoError(t, err)

	clusters, err := c.Cluster([]feedback.RawItem{item(1, 1, 0)})
	require.NoError(t, err)
	assert.Empty(t, clusters)
	assert.NotNil(t, clusters)

	clusters, err = c.Cluster(nil)
	require.NoError(t, err)
	assert.Empty(t, clusters)
}

func TestCluster_SingletonsDropped(t *testing.T) {
	c, err := New(DefaultConfig(), nil)
	require.NoError(t, err)

	clusters, err := c.Cluster([]feedback.RawItem{item(1, 1, 0), item(2, 0, 1), item(3, -1, 0)})
	require.NoError(t, err)
	assert.Empty(t, clusters)
}

func TestCluster_EmbeddingErrors(t *testing.T) {
	c, err := New(DefaultConfig(), nil)
	require.NoError(t, err)

	_, err = c.Cluster([]feedback.RawItem{item(1, 1, 0), item(2, 1, 0, 0)})
	assert.ErrorIs(t, err, ErrDimensionMismatch)

	_, err = c.Cluster([]feedback.RawItem{item(1, 1, 0), item(2)})
	assert.ErrorIs(t, err, feedback.ErrMissingEmbedding)
}

func TestCluster_Categorical(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Mode = ModeCategorical
	cfg.CategoricalField = "topic"
	c, err := New(cfg, zaptest.NewLogger(t))
	require.NoError(t, err)

	withTopic := func(id int64, topic string) feedback.RawItem {
		it := item(id)
		if topic != "" {
			it.Fields = map[string]string{"topic": topic}
		}
		return it
	}
	items := []feedback.RawItem{
		withTopic(5, "refunds"),
		withTopic(1, "login"),
		withTopic(2, "refunds"),
		withTopic(3, ""),
		withTopic(4, "login"),
		withTopic(6, "shipping"),
	}

	clusters, err := c.Cluster(items)
	require.NoError(t, err)
	assert.Equal(t, [][]int64{{1, 4}, {2, 5}}, ids(clusters))
	assert.Nil(t, clusters[0].Centroid)
}

func TestCosineDistance(t *testing.T) {
	assert.InDelta(t, 0.0, CosineDistance([]float32{1, 0}, []float32{2, 0}), 1e-9)
	assert.InDelta(t, 1.0, CosineDistance([]float32{1, 0}, []float32{0, 1}), 1e-9)
	assert.InDelta(t, 2.0, CosineDistance([]float32{1, 0}, []float32{-1, 0}), 1e-9)
	assert.InDelta(t, 1.0, CosineDistance([]float32{0, 0}, []float32{1, 0}), 1e-9)
	assert.InDelta(t, 1.0, CosineDistance([]float32{1}, []float32{1, 0}), 1e-9)
	assert.Nil(t, Centroid(nil))
}
