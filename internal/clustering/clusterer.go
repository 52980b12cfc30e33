package clustering

import (
	"errors"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/feedbackd/internal/feedback"
)

const (
	// DefaultDistanceThreshold is the cosine distance cutoff shared by both
	// embedding algorithms (70% cosine similarity).
	DefaultDistanceThreshold = 0.3

	// DefaultDensityThreshold is the dataset size at which clustering switches
	// from average-linkage to the density-based algorithm.
	DefaultDensityThreshold = 500

	// DefaultMinClusterSize is the smallest cluster that is aggregated.
	DefaultMinClusterSize = 2
)

// Errors returned by the clusterer.
var (
	ErrDimensionMismatch = errors.New("embeddings have different dimensionality")
	ErrInvalidConfig     = errors.New("invalid clustering configuration")
)

// Mode selects how items are grouped.
type Mode string

const (
	// ModeEmbedding groups by cosine distance over embeddings.
	ModeEmbedding Mode = "embedding"

	// ModeCategorical groups by exact match on a designated field. It is
	// only used when configured, never inferred from missing embeddings.
	ModeCategorical Mode = "categorical"
)

// Config controls clustering.
type Config struct {
	Mode              Mode    `koanf:"mode"`
	CategoricalField  string  `koanf:"categorical_field"`
	MinClusterSize    int     `koanf:"min_cluster_size"`
	DistanceThreshold float64 `koanf:"distance_threshold"`
	DensityThreshold  int     `koanf:"density_threshold"`
}

// DefaultConfig returns the embedding-mode defaults.
func DefaultConfig() Config {
	return Config{
		Mode:              ModeEmbedding,
		MinClusterSize:    DefaultMinClusterSize,
		DistanceThreshold: DefaultDistanceThreshold,
		DensityThreshold:  DefaultDensityThreshold,
	}
}

// Validate checks config for errors.
func (c Config) Validate() error {
	switch c.Mode {
	case ModeEmbedding:
	case ModeCategorical:
		if c.CategoricalField == "" {
			return fmt.Errorf("%w: categorical mode requires categorical_field", ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("%w: unknown mode %q", ErrInvalidConfig, c.Mode)
	}
	if c.MinClusterSize < 2 {
		return fmt.Errorf("%w: min_cluster_size must be >= 2, got %d", ErrInvalidConfig, c.MinClusterSize)
	}
	if c.DistanceThreshold <= 0 || c.DistanceThreshold >= 2 {
		return fmt.Errorf("%w: distance_threshold must be in (0, 2), got %f", ErrInvalidConfig, c.DistanceThreshold)
	}
	if c.DensityThreshold < 1 {
		return fmt.Errorf("%w: density_threshold must be >= 1, got %d", ErrInvalidConfig, c.DensityThreshold)
	}
	return nil
}

// Cluster is a run-scoped group of raw items.
type Cluster struct {
	// Members are sorted by ID ascending.
	Members []feedback.RawItem

	// Centroid is the mean member embedding, nil in categorical mode.
	Centroid []float32
}

// MemberIDs returns the member ids in ascending order.
func (c Cluster) MemberIDs() []int64 {
	ids := make([]int64, len(c.Members))
	for i := range c.Members {
		ids[i] = c.Members[i].ID
	}
	return ids
}

// Size returns the number of members.
func (c Cluster) Size() int {
	return len(c.Members)
}

// Clusterer groups raw items by similarity.
//
// Identical id and embedding sets always produce identical partitions:
// input is sorted by id before any algorithm runs and every tie is broken
// by index.
type Clusterer struct {
	config Config
	logger *zap.Logger
}

// New creates a clusterer.
func New(cfg Config, logger *zap.Logger) (*Clusterer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Clusterer{config: cfg, logger: logger}, nil
}

// Config returns the active configuration.
func (c *Clusterer) Config() Config {
	return c.config
}

// Cluster partitions items and drops clusters smaller than MinClusterSize.
// Items left out of every cluster are simply not aggregated this run.
func (c *Clusterer) Cluster(items []feedback.RawItem) ([]Cluster, error) {
	sorted := make([]feedback.RawItem, len(items))
	copy(sorted, items)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })

	if len(sorted) < c.config.MinClusterSize {
		c.logger.Debug("not enough items for clustering",
			zap.Int("count", len(sorted)),
			zap.Int("min_cluster_size", c.config.MinClusterSize))
		return []Cluster{}, nil
	}

	var groups [][]int
	var algorithm string

	switch c.config.Mode {
	case ModeCategorical:
		algorithm = "categorical"
		groups = groupByField(sorted, c.config.CategoricalField)
	default:
		vectors, err := embeddings(sorted)
		if err != nil {
			return nil, err
		}
		if len(sorted) < c.config.DensityThreshold {
			algorithm = "average_linkage"
			groups = averageLinkage(normalized(vectors), c.config.DistanceThreshold)
		} else {
			algorithm = "hdbscan"
			groups = hdbscan(normalized(vectors), c.config.MinClusterSize, c.config.DistanceThreshold)
		}
	}

	clusters := make([]Cluster, 0, len(groups))
	discarded := 0
	for _, group := range groups {
		if len(group) < c.config.MinClusterSize {
			discarded++
			continue
		}
		sort.Ints(group)
		members := make([]feedback.RawItem, len(group))
		for i, idx := range group {
			members[i] = sorted[idx]
		}
		clusters = append(clusters, Cluster{
			Members:  members,
			Centroid: memberCentroid(members),
		})
	}

	sort.SliceStable(clusters, func(i, j int) bool {
		return clusters[i].Members[0].ID < clusters[j].Members[0].ID
	})

	c.logger.Debug("clustering completed",
		zap.String("algorithm", algorithm),
		zap.Int("items", len(sorted)),
		zap.Int("clusters", len(clusters)),
		zap.Int("discarded_small", discarded))

	return clusters, nil
}

// embeddings extracts vectors and checks they share one dimensionality.
func embeddings(items []feedback.RawItem) ([][]float32, error) {
	vectors := make([][]float32, len(items))
	dim := -1
	for i, item := range items {
		if len(item.Embedding) == 0 {
			return nil, fmt.Errorf("item %d: %w", item.ID, feedback.ErrMissingEmbedding)
		}
		if dim == -1 {
			dim = len(item.Embedding)
		} else if len(item.Embedding) != dim {
			return nil, fmt.Errorf("%w: item %d has %d, expected %d",
				ErrDimensionMismatch, item.ID, len(item.Embedding), dim)
		}
		vectors[i] = item.Embedding
	}
	return vectors, nil
}

func memberCentroid(members []feedback.RawItem) []float32 {
	vectors := make([][]float32, 0, len(members))
	for _, m := range members {
		if len(m.Embedding) > 0 {
			vectors = append(vectors, m.Embedding)
		}
	}
	if len(vectors) != len(members) {
		return nil
	}
	return Centroid(vectors)
}

// groupByField groups item indexes by exact field value. Items without the
// field are left out.
func groupByField(items []feedback.RawItem, field string) [][]int {
	index := make(map[string]int)
	var groups [][]int
	for i, item := range items {
		value, ok := item.Fields[field]
		if !ok || value == "" {
			continue
		}
		g, seen := index[value]
		if !seen {
			g = len(groups)
			index[value] = g
			groups = append(groups, nil)
		}
		groups[g] = append(groups[g], i)
	}
	return groups
}
