// Package retrieval is the entry point of the pipeline. A Retrieval holds
// the registered data sources, fetches them concurrently for a date range,
// puts raw series on the daily grid, and blends the per-source matrices.
package retrieval

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/slacgismo/solar-data-pipeline/internal/blend"
	"github.com/slacgismo/solar-data-pipeline/internal/common"
	"github.com/slacgismo/solar-data-pipeline/internal/solar"
)

// Source is a data source collaborator. It returns either a solar.RawSeries
// or an already gridded *solar.DayMatrix.
type Source interface {
	Retrieve(ctx context.Context, filter solar.Filter) (solar.Payload, error)
}

// Sampler is implemented by sources that can draw random site days, such
// as *store.Store.
type Sampler interface {
	Sample(ctx context.Context, numberOfSites, daysPerSite int) (*solar.DayMatrix, error)
}

// DateRange is the half-open calendar range [Start, End).
type DateRange struct {
	Start time.Time
	End   time.Time
}

// Days returns the number of calendar days in the range.
func (r DateRange) Days() int {
	n := 0
	for d := r.Start; d.Before(r.End); d = d.AddDate(0, 0, 1) {
		n++
	}
	return n
}

func (r DateRange) Validate() error {
	if r.Start.IsZero() || r.End.IsZero() {
		return fmt.Errorf("date range needs both start and end")
	}
	if !r.End.After(r.Start) {
		return fmt.Errorf("date range end %s is not after start %s", r.End.Format(time.DateOnly), r.Start.Format(time.DateOnly))
	}
	return nil
}

// ParseDateRange parses two YYYY-MM-DD dates in loc.
func ParseDateRange(start, end string, loc *time.Location) (DateRange, error) {
	s, err := time.ParseInLocation(time.DateOnly, start, loc)
	if err != nil {
		return DateRange{}, fmt.Errorf("start: %w", err)
	}
	e, err := time.ParseInLocation(time.DateOnly, end, loc)
	if err != nil {
		return DateRange{}, fmt.Errorf("end: %w", err)
	}
	r := DateRange{Start: s, End: e}
	return r, r.Validate()
}

// Retrieval orchestrates one or more sources.
type Retrieval struct {
	mu      sync.RWMutex
	sources map[solar.SourceTag]Source

	normCfg   solar.NormalizerConfig
	transform solar.TransformKind
	blendOpts []blend.Option
	metrics   *common.Metrics
	log       *zap.Logger
}

// Option configures a Retrieval.
type Option func(*Retrieval)

func WithSource(tag solar.SourceTag, src Source) Option {
	return func(r *Retrieval) { r.sources[tag] = src }
}

func WithNormalizer(cfg solar.NormalizerConfig) Option {
	return func(r *Retrieval) { r.normCfg = cfg }
}

func WithTransform(kind solar.TransformKind) Option {
	return func(r *Retrieval) { r.transform = kind }
}

// WithBlendOptions sets the options every per-call blender is built with.
func WithBlendOptions(opts ...blend.Option) Option {
	return func(r *Retrieval) { r.blendOpts = append(r.blendOpts, opts...) }
}

func WithMetrics(m *common.Metrics) Option {
	return func(r *Retrieval) { r.metrics = m }
}

func WithLogger(l *zap.Logger) Option {
	return func(r *Retrieval) {
		if l != nil {
			r.log = l
		}
	}
}

// New returns a Retrieval with the canonical grid and the full transform.
func New(opts ...Option) *Retrieval {
	r := &Retrieval{
		sources:   make(map[solar.SourceTag]Source),
		normCfg:   solar.DefaultNormalizerConfig(),
		transform: solar.TransformFull,
		log:       zap.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// SetSource registers src under tag, replacing any previous one. A nil src
// removes the tag.
func (r *Retrieval) SetSource(tag solar.SourceTag, src Source) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if src == nil {
		delete(r.sources, tag)
		return
	}
	r.sources[tag] = src
}

// Sources lists the registered tags, sorted.
func (r *Retrieval) Sources() []solar.SourceTag {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tags := make([]solar.SourceTag, 0, len(r.sources))
	for tag := range r.sources {
		tags = append(tags, tag)
	}
	sort.Slice(tags, func(i, j int) bool { return tags[i] < tags[j] })
	return tags
}

// Retrieve fetches every source named by spec (all sources when spec is
// empty) over dr and returns one matrix with dr.Days() columns. A single
// source with no spec is returned as is.
func (r *Retrieval) Retrieve(ctx context.Context, dr DateRange, spec blend.PartitionSpec) (*solar.DayMatrix, error) {
	if err := dr.Validate(); err != nil {
		return nil, err
	}
	start := time.Now()
	if r.metrics != nil {
		defer func() { r.metrics.ObserveRetrieval(time.Since(start)) }()
	}

	selected, err := r.selectSources(spec)
	if err != nil {
		return nil, err
	}

	filter := solar.Filter{Start: dr.Start, End: dr.End}
	tags := make([]solar.SourceTag, 0, len(selected))
	for tag := range selected {
		tags = append(tags, tag)
	}
	sort.Slice(tags, func(i, j int) bool { return tags[i] < tags[j] })

	matrices := make([]*solar.DayMatrix, len(tags))
	g, gctx := errgroup.WithContext(ctx)
	for i, tag := range tags {
		g.Go(func() error {
			m, err := r.fetch(gctx, tag, selected[tag], filter)
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

	if len(tags) == 1 && len(spec) == 0 {
		r.log.Info("single source passthrough",
			zap.String("source", string(tags[0])),
			zap.Int("columns", matrices[0].Cols()))
		return matrices[0], nil
	}

	bySource := make(map[solar.SourceTag]*solar.DayMatrix, len(tags))
	for i, tag := range tags {
		bySource[tag] = matrices[i]
	}
	opts := append([]blend.Option{blend.WithLogger(r.log)}, r.blendOpts...)
	if r.metrics != nil {
		opts = append(opts, blend.WithColumnHook(r.metrics.ObserveBlend))
	}
	out, err := blend.New(opts...).Blend(bySource, spec, dr.Days())
	if err != nil {
		return nil, err
	}
	r.log.Info("blended sources",
		zap.Int("sources", len(tags)),
		zap.Int("columns", out.Cols()),
		zap.Stringer("partition", spec))
	return out, nil
}

// Sample draws numberOfSites random sites and daysPerSite random days from
// each through the source registered under tag.
func (r *Retrieval) Sample(ctx context.Context, tag solar.SourceTag, numberOfSites, daysPerSite int) (*solar.DayMatrix, error) {
	r.mu.RLock()
	src, ok := r.sources[tag]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", solar.ErrUnknownSource, tag)
	}
	sampler, ok := src.(Sampler)
	if !ok {
		return nil, fmt.Errorf("source %q does not support sampling", tag)
	}
	m, err := sampler.Sample(ctx, numberOfSites, daysPerSite)
	if err != nil {
		if r.metrics != nil {
			r.metrics.ObserveSourceError(tag)
		}
		return nil, &solar.SourceError{Source: tag, Err: err}
	}
	r.log.Info("sampled site days",
		zap.String("source", string(tag)),
		zap.Int("sites", numberOfSites),
		zap.Int("days_per_site", daysPerSite),
		zap.Int("columns", m.Cols()))
	return m, nil
}

func (r *Retrieval) selectSources(spec blend.PartitionSpec) (map[solar.SourceTag]Source, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.sources) == 0 {
		return nil, solar.ErrNoSources
	}
	out := make(map[solar.SourceTag]Source)
	if len(spec) == 0 {
		for tag, src := range r.sources {
			out[tag] = src
		}
		return out, nil
	}
	for _, p := range spec {
		src, ok := r.sources[p.Tag]
		if !ok {
			return nil, fmt.Errorf("%w: %q", solar.ErrUnknownSource, p.Tag)
		}
		out[p.Tag] = src
	}
	return out, nil
}

// fetch retrieves one source and grids raw series.
func (r *Retrieval) fetch(ctx context.Context, tag solar.SourceTag, src Source, filter solar.Filter) (*solar.DayMatrix, error) {
	log := r.log.With(zap.String("source", string(tag)))
	payload, err := src.Retrieve(ctx, filter)
	if err != nil {
		if r.metrics != nil {
			r.metrics.ObserveSourceError(tag)
		}
		log.Error("source retrieval failed", zap.Error(err))
		return nil, &solar.SourceError{Source: tag, Err: err}
	}

	switch p := payload.(type) {
	case *solar.DayMatrix:
		log.Debug("source returned gridded data", zap.Int("columns", p.Cols()))
		return p, nil
	case solar.RawSeries:
		opts := []solar.NormalizerOption{solar.WithLogger(log)}
		if r.metrics != nil {
			opts = append(opts, solar.WithDegenerateHook(func(time.Time) { r.metrics.ObserveDegenerate(tag) }))
		}
		tr, err := solar.NewTransformer(r.transform, solar.NewNormalizer(r.normCfg, opts...))
		if err != nil {
			return nil, err
		}
		m, err := tr.Transform(p)
		if err != nil {
			return nil, fmt.Errorf("source %q: %w", tag, err)
		}
		if r.metrics != nil {
			r.metrics.ObserveDays(tag, m.Cols())
		}
		log.Debug("normalized source", zap.Int("samples", len(p.Samples)), zap.Int("days", m.Cols()))
		return m, nil
	default:
		return nil, fmt.Errorf("source %q returned unsupported payload %T", tag, payload)
	}
}
