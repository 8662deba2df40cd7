package retrieval

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"

	"go.uber.org/zap"

	"github.com/slacgismo/solar-data-pipeline/internal/blend"
	"github.com/slacgismo/solar-data-pipeline/internal/cache"
	"github.com/slacgismo/solar-data-pipeline/internal/common"
	"github.com/slacgismo/solar-data-pipeline/internal/file"
	"github.com/slacgismo/solar-data-pipeline/internal/solar"
	"github.com/slacgismo/solar-data-pipeline/internal/store"
)

// FromConfig builds a Retrieval with the sources cfg enables: the
// ClickHouse store (with the matrix cache when CacheDir is set) and the flat
// file at FileURL. The returned func closes everything that was opened.
func FromConfig(ctx context.Context, cfg *common.Config, log *zap.Logger, metrics *common.Metrics) (*Retrieval, func() error, error) {
	if log == nil {
		log = zap.NewNop()
	}
	var closers []func() error
	closeAll := func() error {
		var errs []error
		for i := len(closers) - 1; i >= 0; i-- {
			errs = append(errs, closers[i]())
		}
		return errors.Join(errs...)
	}

	normCfg := cfg.NormalizerConfig()
	kind := solar.TransformKind(cfg.Transform)
	opts := []Option{
		WithNormalizer(normCfg),
		WithTransform(kind),
		WithLogger(log),
		WithBlendOptions(blend.WithPolicy(blend.Policy(cfg.RatioPolicy))),
	}
	if metrics != nil {
		opts = append(opts, WithMetrics(metrics))
	}
	if cfg.Seed != 0 {
		opts = append(opts, WithBlendOptions(blend.WithSeed(cfg.Seed)))
	}
	r := New(opts...)

	if cfg.StoreEnabled {
		storeLog := log.With(zap.String("source", string(solar.SourceStore)))
		reader, err := store.Open(ctx, store.Options{
			Addr:     cfg.ClickHouseAddr(),
			Database: cfg.ClickHouseDatabase,
			Username: cfg.ClickHouseUser,
			Password: cfg.ClickHousePassword,
			Table:    cfg.TableFQN(),
			MeasName: cfg.MeasName,
		})
		if err != nil {
			return nil, nil, errors.Join(&solar.SourceError{Source: solar.SourceStore, Err: err}, closeAll())
		}
		closers = append(closers, reader.Close)

		normOpts := []solar.NormalizerOption{solar.WithLogger(storeLog)}
		if metrics != nil {
			normOpts = append(normOpts, solar.WithDegenerateHook(func(time.Time) { metrics.ObserveDegenerate(solar.SourceStore) }))
		}
		tr, err := solar.NewTransformer(kind, solar.NewNormalizer(normCfg, normOpts...))
		if err != nil {
			return nil, nil, errors.Join(err, closeAll())
		}

		storeOpts := []store.Option{store.WithSites(cfg.StoreSites), store.WithLogger(storeLog)}
		if cfg.CacheDir != "" {
			c, err := cache.Open(cache.Config{Path: cfg.CacheDir, TTL: cfg.CacheTTL, Logger: log})
			if err != nil {
				return nil, nil, errors.Join(err, closeAll())
			}
			closers = append(closers, c.Close)
			storeOpts = append(storeOpts, store.WithCache(c, cache.Key{
				Table:    cfg.TableFQN(),
				MeasName: cfg.MeasName,
			}))
		}
		if cfg.Seed != 0 {
			storeOpts = append(storeOpts,
				store.WithRand(rand.New(rand.NewPCG(cfg.Seed, cfg.Seed))),
				store.WithBlender(blend.New(blend.WithSeed(cfg.Seed), blend.WithLogger(storeLog))))
		}
		r.SetSource(solar.SourceStore, store.New(reader, tr, storeOpts...))
	}

	if cfg.FileURL != "" {
		src, err := file.New(cfg.FileURL, file.Options{
			Format:          file.Format(cfg.FileFormat),
			TimestampColumn: cfg.TimestampColumn,
			PowerColumn:     cfg.PowerColumn,
			SamplesPerDay:   cfg.SamplesPerDay,
			Sentinel:        &cfg.Sentinel,
			MatrixStart:     cfg.MatrixStartTime(),
			Location:        cfg.Location(),
			Logger:          log.With(zap.String("source", string(solar.SourceFile))),
		})
		if err != nil {
			return nil, nil, errors.Join(err, closeAll())
		}
		r.SetSource(solar.SourceFile, src)
	}

	if len(r.Sources()) == 0 {
		return nil, nil, errors.Join(solar.ErrNoSources, closeAll())
	}
	return r, closeAll, nil
}
