package solar

import (
	"math"
	"sort"
	"time"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/floats"
)

// DegeneratePolicy decides what happens to a day that has samples but no
// valid reading.
type DegeneratePolicy string

const (
	DegenerateZero  DegeneratePolicy = "zero"
	DegenerateError DegeneratePolicy = "error"
)

// NormalizerConfig controls how raw series are put on the daily grid.
type NormalizerConfig struct {
	SamplesPerDay   int
	Sentinel        float64
	Location        *time.Location
	NightThreshold  float64
	OnDegenerateDay DegeneratePolicy
}

// DefaultNormalizerConfig returns the canonical 288-slot UTC grid.
func DefaultNormalizerConfig() NormalizerConfig {
	return NormalizerConfig{
		SamplesPerDay:   SamplesPerDay,
		Sentinel:        SentinelMissing,
		Location:        time.UTC,
		NightThreshold:  DefaultNightThreshold,
		OnDegenerateDay: DegenerateZero,
	}
}

// Normalizer converts a RawSeries into one DailyVector per calendar day.
type Normalizer struct {
	cfg          NormalizerConfig
	logger       *zap.Logger
	onDegenerate func(day time.Time)
}

// NormalizerOption configures a Normalizer.
type NormalizerOption func(*Normalizer)

// WithLogger sets the logger used for degenerate day warnings.
func WithLogger(l *zap.Logger) NormalizerOption {
	return func(n *Normalizer) {
		if l != nil {
			n.logger = l
		}
	}
}

// WithDegenerateHook registers fn to be called for every day zeroed under
// the "zero" policy.
func WithDegenerateHook(fn func(day time.Time)) NormalizerOption {
	return func(n *Normalizer) { n.onDegenerate = fn }
}

// NewNormalizer returns a Normalizer. Build cfg from DefaultNormalizerConfig:
// a zero Sentinel or NightThreshold is used as given. Only a nil Location and
// an empty OnDegenerateDay fall back to the defaults.
func NewNormalizer(cfg NormalizerConfig, opts ...NormalizerOption) *Normalizer {
	def := DefaultNormalizerConfig()
	if cfg.Location == nil {
		cfg.Location = def.Location
	}
	if cfg.OnDegenerateDay == "" {
		cfg.OnDegenerateDay = def.OnDegenerateDay
	}
	n := &Normalizer{cfg: cfg, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// Config returns the effective configuration.
func (n *Normalizer) Config() NormalizerConfig { return n.cfg }

// Normalize puts raw on a samplesPerDay grid using default settings.
func Normalize(raw RawSeries, samplesPerDay int) ([]DailyVector, error) {
	cfg := DefaultNormalizerConfig()
	cfg.SamplesPerDay = samplesPerDay
	return NewNormalizer(cfg).Normalize(raw)
}

// dayGrid accumulates samples for one calendar day.
type dayGrid struct {
	day   time.Time
	sum   []float64
	count []int
}

// Normalize regrids raw onto the canonical axis and fills it.
//
// Sentinel, NaN and infinite values are unknown. Samples are snapped to the
// nearest slot and averaged on collision. A day appears in the output only
// if at least one sample fell on it. Within a day, unknown slots before
// sunrise or after sunset are zeroed and unknown slots in between are
// linearly interpolated. Sunrise and sunset are the first and last readings
// above NightThreshold times the series peak. Known readings are never
// changed.
func (n *Normalizer) Normalize(raw RawSeries) ([]DailyVector, error) {
	spd := n.cfg.SamplesPerDay
	if spd <= 0 || 86400%spd != 0 {
		return nil, shapeErrorf("normalize", "samples_per_day %d does not partition a 86400s day", spd)
	}
	step := float64(86400 / spd)

	days := make(map[time.Time]*dayGrid)
	for _, s := range raw.Samples {
		if s.Timestamp.IsZero() {
			continue
		}
		t := s.Timestamp.In(n.cfg.Location)
		y, mo, d := t.Date()
		day := time.Date(y, mo, d, 0, 0, 0, 0, n.cfg.Location)
		secs := float64(t.Hour()*3600+t.Minute()*60+t.Second()) + float64(t.Nanosecond())/1e9
		// Readings in the last half step stay on their own day.
		slot := min(int(math.Round(secs/step)), spd-1)

		g, ok := days[day]
		if !ok {
			g = &dayGrid{day: day, sum: make([]float64, spd), count: make([]int, spd)}
			days[day] = g
		}
		if n.unknown(s.Value) {
			continue
		}
		g.sum[slot] += s.Value
		g.count[slot]++
	}

	grids := make([]*dayGrid, 0, len(days))
	for _, g := range days {
		grids = append(grids, g)
	}
	sort.Slice(grids, func(i, j int) bool { return grids[i].day.Before(grids[j].day) })

	// Collapse each day to NaN-for-unknown values and find the series peak.
	values := make([][]float64, len(grids))
	var known []float64
	for i, g := range grids {
		v := make([]float64, spd)
		for k := range v {
			if g.count[k] == 0 {
				v[k] = math.NaN()
				continue
			}
			v[k] = g.sum[k] / float64(g.count[k])
			known = append(known, v[k])
		}
		values[i] = v
	}
	peak := 0.0
	if len(known) > 0 {
		peak = floats.Max(known)
	}
	threshold := n.cfg.NightThreshold * peak

	out := make([]DailyVector, 0, len(grids))
	for i, g := range grids {
		v := values[i]
		if countKnown(v) == 0 {
			if n.cfg.OnDegenerateDay == DegenerateError {
				return nil, &DegenerateDayError{Day: g.day}
			}
			n.logger.Warn("degenerate day zeroed",
				zap.String("site", raw.Site),
				zap.Time("day", g.day))
			if n.onDegenerate != nil {
				n.onDegenerate(g.day)
			}
			out = append(out, DailyVector{Day: g.day, Values: make([]float64, spd)})
			continue
		}
		fillDay(v, threshold)
		out = append(out, DailyVector{Day: g.day, Values: v})
	}
	return out, nil
}

func (n *Normalizer) unknown(v float64) bool {
	return v == n.cfg.Sentinel || math.IsNaN(v) || math.IsInf(v, 0)
}

func countKnown(v []float64) int {
	c := 0
	for _, x := range v {
		if !math.IsNaN(x) {
			c++
		}
	}
	return c
}

// fillDay zeroes unknown night slots and interpolates unknown day slots in place.
func fillDay(v []float64, threshold float64) {
	sunrise, sunset := -1, -1
	for k, x := range v {
		if !math.IsNaN(x) && x > threshold {
			if sunrise < 0 {
				sunrise = k
			}
			sunset = k
		}
	}
	if sunrise < 0 {
		for k, x := range v {
			if math.IsNaN(x) {
				v[k] = 0
			}
		}
		return
	}

	for k := 0; k < sunrise; k++ {
		if math.IsNaN(v[k]) {
			v[k] = 0
		}
	}
	for k := sunset + 1; k < len(v); k++ {
		if math.IsNaN(v[k]) {
			v[k] = 0
		}
	}

	// v[sunrise] and v[sunset] are known, so every gap in between has anchors.
	left := sunrise
	for k := sunrise + 1; k <= sunset; k++ {
		if math.IsNaN(v[k]) {
			continue
		}
		if k-left > 1 {
			lo, hi := v[left], v[k]
			span := float64(k - left)
			for m := left + 1; m < k; m++ {
				v[m] = lo + (hi-lo)*float64(m-left)/span
			}
		}
		left = k
	}
}
