// Package catalog memoizes embeddings of the internal catalog, partitioned
// by canonical formation level, for the lifetime of one run.
package catalog

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/patrickmn/go-cache"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/referent-cli/internal/embedding"
	"github.com/sells-group/referent-cli/internal/model"
	"github.com/sells-group/referent-cli/internal/normalize"
	"github.com/sells-group/referent-cli/internal/schema"
)

type partition struct {
	entries []model.CatalogEntry
	vectors [][]float32
}

// Stats reports cache effectiveness.
type Stats struct {
	Hits       int64 `json:"hits"`
	Misses     int64 `json:"misses"`
	Partitions int   `json:"partitions"`
}

// Cache serves level-matched catalog candidates with their embeddings.
// Partitions are computed on first use and never expire.
type Cache struct {
	embedder embedding.Embedder
	byLevel  map[string][]model.CatalogEntry
	store    *cache.Cache

	mu     sync.Mutex
	hits   atomic.Int64
	misses atomic.Int64
}

// New partitions entries by canonical level. Entries whose level is not
// recognized belong to no partition.
func New(entries []model.CatalogEntry, embedder embedding.Embedder) *Cache {
	byLevel := make(map[string][]model.CatalogEntry)
	for _, e := range entries {
		lvl := normalize.Level(e.Level)
		if lvl == "" {
			continue
		}
		e.Level = lvl
		byLevel[lvl] = append(byLevel[lvl], e)
	}
	for _, p := range byLevel {
		sort.SliceStable(p, func(i, j int) bool {
			return schema.CompareCodes(p[i].Code, p[j].Code) < 0
		})
	}
	return &Cache{
		embedder: embedder,
		byLevel:  byLevel,
		// No expiry and no janitor goroutine: entries live for the run.
		store: cache.New(cache.NoExpiration, 0),
	}
}

// Levels returns the canonical levels that have catalog entries.
func (c *Cache) Levels() []string {
	out := make([]string, 0, len(c.byLevel))
	for lvl := range c.byLevel {
		out = append(out, lvl)
	}
	sort.Strings(out)
	return out
}

// CandidatesFor returns the catalog entries at level and their embeddings.
// An unknown or unrecognized level yields no candidates and no error.
func (c *Cache) CandidatesFor(ctx context.Context, level string) ([]model.CatalogEntry, [][]float32, error) {
	lvl := normalize.Level(level)
	if lvl == "" {
		return nil, nil, nil
	}
	if v, ok := c.store.Get(lvl); ok {
		c.hits.Add(1)
		p := v.(*partition)
		return p.entries, p.vectors, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if v, ok := c.store.Get(lvl); ok {
		c.hits.Add(1)
		p := v.(*partition)
		return p.entries, p.vectors, nil
	}
	c.misses.Add(1)

	entries := c.byLevel[lvl]
	if len(entries) == 0 {
		c.store.Set(lvl, &partition{}, cache.NoExpiration)
		return nil, nil, nil
	}

	names := make([]string, len(entries))
	for i, e := range entries {
		names[i] = e.Name
	}
	vectors, err := c.embedder.EmbedBatch(ctx, names)
	if err != nil {
		return nil, nil, eris.Wrapf(err, "catalog: embed level %q", lvl)
	}

	c.store.Set(lvl, &partition{entries: entries, vectors: vectors}, cache.NoExpiration)
	zap.L().Debug("catalog: partition computed", zap.String("level", lvl), zap.Int("entries", len(entries)))
	return entries, vectors, nil
}

// Warm computes every partition up front.
func (c *Cache) Warm(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, lvl := range c.Levels() {
		g.Go(func() error {
			_, _, err := c.CandidatesFor(gctx, lvl)
			return err
		})
	}
	return g.Wait()
}

// Stats returns hit and miss counts since creation.
func (c *Cache) Stats() Stats {
	return Stats{
		Hits:       c.hits.Load(),
		Misses:     c.misses.Load(),
		Partitions: c.store.ItemCount(),
	}
}
