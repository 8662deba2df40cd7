// Package store provides the measurement-store data source. Readings live in
// a ClickHouse measurement_raw table keyed by site; the source turns each
// site's power readings into a day matrix and blends sites together.
package store

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sort"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/slacgismo/solar-data-pipeline/internal/blend"
	"github.com/slacgismo/solar-data-pipeline/internal/cache"
	"github.com/slacgismo/solar-data-pipeline/internal/solar"
)

// MeasurementReader is the query surface the Store needs. *ClickHouse
// implements it.
type MeasurementReader interface {
	Sites(ctx context.Context) ([]string, error)
	SitesNamed(ctx context.Context, site string) ([]string, error)
	PowerSeries(ctx context.Context, site string, filter solar.Filter) (solar.RawSeries, error)
}

// ErrNoSites is returned when there is nothing to retrieve.
var ErrNoSites = errors.New("no sites")

// fetchConcurrency bounds parallel per-site queries.
const fetchConcurrency = 4

// Store is the store-backed source.
type Store struct {
	reader      MeasurementReader
	transformer solar.Transformer
	blender     *blend.Blender
	sites       []string
	log         *zap.Logger

	cache     *cache.Cache
	cacheBase cache.Key

	mu  sync.Mutex
	rng *rand.Rand
}

// Option configures a Store.
type Option func(*Store)

// WithSites sets the sites retrieved when a filter names none.
func WithSites(sites []string) Option {
	return func(s *Store) { s.sites = sites }
}

// WithCache enables the matrix cache. base carries the table and meas name
// parts of every key; the transform kind and grid come from the transformer.
func WithCache(c *cache.Cache, base cache.Key) Option {
	return func(s *Store) {
		s.cache = c
		s.cacheBase = base
	}
}

// WithBlender replaces the blender used to mix sites.
func WithBlender(b *blend.Blender) Option {
	return func(s *Store) { s.blender = b }
}

// WithRand sets the generator used by Sample.
func WithRand(r *rand.Rand) Option {
	return func(s *Store) { s.rng = r }
}

func WithLogger(l *zap.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.log = l
		}
	}
}

// New returns a Store reading through reader and gridding with transformer.
func New(reader MeasurementReader, transformer solar.Transformer, opts ...Option) *Store {
	s := &Store{
		reader:      reader,
		transformer: transformer,
		blender:     blend.New(),
		log:         zap.NewNop(),
		rng:         rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64())),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// GetSites lists every site in the store.
func (s *Store) GetSites(ctx context.Context) ([]string, error) {
	return s.reader.Sites(ctx)
}

// FindSites returns [site] if the store has it, else an empty list.
func (s *Store) FindSites(ctx context.Context, site string) ([]string, error) {
	return s.reader.SitesNamed(ctx, SanitizeSite(site))
}

// SiteMatrix returns one site's day matrix over filter's window.
func (s *Store) SiteMatrix(ctx context.Context, site string, filter solar.Filter) (*solar.DayMatrix, error) {
	key := s.cacheBase
	key.Site, key.Start, key.End = site, filter.Start, filter.End
	key.Transform = string(s.transformer.Kind())
	key.Grid = s.transformer.Config()
	if s.cache != nil {
		m, ok, err := s.cache.Get(ctx, key)
		if err != nil {
			s.log.Warn("cache read failed", zap.String("site", site), zap.Error(err))
		} else if ok {
			s.log.Debug("cache hit", zap.String("site", site))
			return m, nil
		}
	}

	raw, err := s.reader.PowerSeries(ctx, site, filter)
	if err != nil {
		return nil, err
	}
	m, err := s.transformer.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("site %s: %w", site, err)
	}
	s.log.Debug("site matrix",
		zap.String("site", site),
		zap.Int("samples", len(raw.Samples)),
		zap.Int("days", m.Cols()))

	if s.cache != nil {
		if err := s.cache.Put(ctx, key, m); err != nil {
			s.log.Warn("cache write failed", zap.String("site", site), zap.Error(err))
		}
	}
	return m, nil
}

func (s *Store) resolveSites(ctx context.Context, filter solar.Filter) ([]string, error) {
	sites := filter.Sites
	if len(sites) == 0 {
		sites = s.sites
	}
	if len(sites) == 0 {
		all, err := s.GetSites(ctx)
		if err != nil {
			return nil, err
		}
		sites = all
	}
	if len(sites) == 0 {
		return nil, ErrNoSites
	}
	out := make([]string, len(sites))
	for i, site := range sites {
		out[i] = SanitizeSite(site)
	}
	return out, nil
}

// Retrieve returns a *solar.DayMatrix for filter. With several sites, the
// column count is taken from the first site and rounded down to a multiple
// of the site count, then columns are split equally across sites.
func (s *Store) Retrieve(ctx context.Context, filter solar.Filter) (solar.Payload, error) {
	sites, err := s.resolveSites(ctx, filter)
	if err != nil {
		return nil, err
	}

	matrices := make([]*solar.DayMatrix, len(sites))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(fetchConcurrency)
	for i, site := range sites {
		g.Go(func() error {
			m, err := s.SiteMatrix(gctx, site, filter)
			if err != nil {
				return err
			}
			matrices[i] = m
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	if len(sites) == 1 {
		return matrices[0], nil
	}

	bySite := make(map[solar.SourceTag]*solar.DayMatrix, len(sites))
	for i, site := range sites {
		tag := solar.SourceTag(site)
		if _, dup := bySite[tag]; dup {
			return nil, fmt.Errorf("site %s listed twice", site)
		}
		bySite[tag] = matrices[i]
	}
	total := matrices[0].Cols()
	if rem := total % len(sites); rem != 0 {
		s.log.Info("dropping columns to split sites evenly",
			zap.Int("columns", total), zap.Int("sites", len(sites)), zap.Int("dropped", rem))
		total -= rem
	}
	return s.blender.Blend(bySite, nil, total)
}

// Sample picks numberOfSites sites with replacement and, from each, picks
// daysPerSite day columns with replacement. The result has
// numberOfSites*daysPerSite columns, grouped by pick order.
func (s *Store) Sample(ctx context.Context, numberOfSites, daysPerSite int) (*solar.DayMatrix, error) {
	if numberOfSites <= 0 || daysPerSite <= 0 {
		return nil, fmt.Errorf("sample: need positive counts, got %d sites and %d days", numberOfSites, daysPerSite)
	}
	all, err := s.GetSites(ctx)
	if err != nil {
		return nil, err
	}
	if len(all) == 0 {
		return nil, ErrNoSites
	}
	sort.Strings(all)

	picks := make([]string, numberOfSites)
	s.mu.Lock()
	for i := range picks {
		picks[i] = all[s.rng.IntN(len(all))]
	}
	s.mu.Unlock()

	out := solar.NewDayMatrix(0, 0)
	matrices := make(map[string]*solar.DayMatrix)
	col := 0
	for _, site := range picks {
		m, ok := matrices[site]
		if !ok {
			if m, err = s.SiteMatrix(ctx, site, solar.Filter{}); err != nil {
				return nil, err
			}
			matrices[site] = m
		}
		if m.Cols() == 0 {
			return nil, fmt.Errorf("sample: site %s has no days", site)
		}
		if col == 0 {
			out = solar.NewDayMatrix(m.Rows(), numberOfSites*daysPerSite)
			out.Provenance = make([]solar.SourceTag, out.Cols())
		} else if m.Rows() != out.Rows() {
			return nil, solar.NewShapeError("sample", "site %s has %d rows, want %d", site, m.Rows(), out.Rows())
		}

		s.mu.Lock()
		days := make([]int, daysPerSite)
		for k := range days {
			days[k] = s.rng.IntN(m.Cols())
		}
		s.mu.Unlock()

		for _, d := range days {
			if out.Rows() > 0 {
				out.SetCol(col, m.Col(d))
			}
			out.Provenance[col] = solar.SourceTag(site)
			col++
		}
	}
	return out, nil
}
