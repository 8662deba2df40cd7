// Package blend assembles one day matrix out of several per-source matrices.
//
// Every output column i is copied from column i of exactly one source. Which
// source feeds which column is decided by a choice list (one tag per column,
// multiplicities fixed by the partition) that is shuffled without
// replacement.
package blend

import (
	"fmt"
	"math"
	"math/rand/v2"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/slacgismo/solar-data-pipeline/internal/solar"
)

// Permuter returns a random permutation of [0, n).
// *rand.Rand from math/rand/v2 satisfies it.
type Permuter interface {
	Perm(n int) []int
}

// Policy governs how partition ratios are checked.
type Policy string

const (
	// PolicyFloor truncates ratio*total and only fails when the choice list
	// ends up shorter than the requested column count.
	PolicyFloor Policy = "floor"
	// PolicyStrict additionally rejects ratios that do not sum to 1.
	PolicyStrict Policy = "strict"
)

const ratioTolerance = 1e-9

// Partition is one source's share of the output columns.
type Partition struct {
	Tag   solar.SourceTag
	Ratio float64
}

// PartitionSpec is an ordered list of source shares. Order decides the
// layout of the choice list before shuffling.
type PartitionSpec []Partition

// ParsePartitionSpec parses "store=0.5,file=0.5".
func ParsePartitionSpec(s string) (PartitionSpec, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	var spec PartitionSpec
	seen := make(map[solar.SourceTag]bool)
	for _, part := range strings.Split(s, ",") {
		tag, ratio, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok || strings.TrimSpace(tag) == "" {
			return nil, fmt.Errorf("partition %q: want tag=ratio", part)
		}
		r, err := strconv.ParseFloat(strings.TrimSpace(ratio), 64)
		if err != nil {
			return nil, fmt.Errorf("partition %q: %w", part, err)
		}
		t := solar.SourceTag(strings.TrimSpace(tag))
		if seen[t] {
			return nil, fmt.Errorf("partition %q: duplicate source", part)
		}
		seen[t] = true
		spec = append(spec, Partition{Tag: t, Ratio: r})
	}
	return spec, nil
}

func (p PartitionSpec) String() string {
	parts := make([]string, len(p))
	for i, e := range p {
		parts[i] = fmt.Sprintf("%s=%g", e.Tag, e.Ratio)
	}
	return strings.Join(parts, ",")
}

// Blender shuffles choice lists and copies columns.
type Blender struct {
	policy      Policy
	newPermuter func() Permuter
	logger      *zap.Logger
	onColumns   func(tag solar.SourceTag, n int)
}

// Option configures a Blender.
type Option func(*Blender)

// WithSeed makes every Blend call shuffle with a fresh generator seeded
// with seed, so equal inputs give equal outputs.
func WithSeed(seed uint64) Option {
	return func(b *Blender) {
		b.newPermuter = func() Permuter {
			return rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
		}
	}
}

// WithPermuter supplies the generator factory directly. It is called once
// per Blend.
func WithPermuter(fn func() Permuter) Option {
	return func(b *Blender) { b.newPermuter = fn }
}

func WithPolicy(p Policy) Option {
	return func(b *Blender) {
		if p != "" {
			b.policy = p
		}
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(b *Blender) {
		if l != nil {
			b.logger = l
		}
	}
}

// WithColumnHook is called after a successful blend with the number of
// columns each source contributed.
func WithColumnHook(fn func(tag solar.SourceTag, n int)) Option {
	return func(b *Blender) { b.onColumns = fn }
}

// New returns a Blender using PolicyFloor and an unseeded generator.
func New(opts ...Option) *Blender {
	b := &Blender{
		policy: PolicyFloor,
		newPermuter: func() Permuter {
			return rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
		},
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// EqualChoiceList gives each tag total/len(tags) entries. The remainder of
// the division is dropped. Tags are laid out in sorted order.
func EqualChoiceList(tags []solar.SourceTag, total int) []solar.SourceTag {
	if len(tags) == 0 || total <= 0 {
		return nil
	}
	sorted := append([]solar.SourceTag(nil), tags...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	per := total / len(sorted)
	out := make([]solar.SourceTag, 0, per*len(sorted))
	for _, tag := range sorted {
		for k := 0; k < per; k++ {
			out = append(out, tag)
		}
	}
	return out
}

// ChoiceList gives each tag floor(ratio*total) entries in spec order.
func (b *Blender) ChoiceList(spec PartitionSpec, total int) ([]solar.SourceTag, error) {
	sum := 0.0
	for _, p := range spec {
		if p.Ratio < 0 || p.Ratio > 1 || math.IsNaN(p.Ratio) {
			return nil, solar.NewShapeError("choice list", "ratio %g for %q outside [0,1]", p.Ratio, p.Tag)
		}
		sum += p.Ratio
	}
	if b.policy == PolicyStrict && math.Abs(sum-1) > ratioTolerance {
		return nil, solar.NewShapeError("choice list", "ratios sum to %g, want 1", sum)
	}

	var out []solar.SourceTag
	for _, p := range spec {
		n := int(math.Floor(p.Ratio * float64(total)))
		for k := 0; k < n; k++ {
			out = append(out, p.Tag)
		}
	}
	return out, nil
}

// Blend fills total columns from sources. With an empty spec the columns are
// split equally across all sources.
func (b *Blender) Blend(sources map[solar.SourceTag]*solar.DayMatrix, spec PartitionSpec, total int) (*solar.DayMatrix, error) {
	if len(sources) == 0 {
		return nil, solar.ErrNoSources
	}
	tags := make([]solar.SourceTag, 0, len(sources))
	for tag := range sources {
		tags = append(tags, tag)
	}
	sort.Slice(tags, func(i, j int) bool { return tags[i] < tags[j] })

	rows := sources[tags[0]].Rows()
	for _, tag := range tags[1:] {
		if r := sources[tag].Rows(); r != rows {
			return nil, solar.NewShapeError("blend", "source %q has %d rows, %q has %d", tag, r, tags[0], rows)
		}
	}
	if total < 0 {
		return nil, solar.NewShapeError("blend", "negative column count %d", total)
	}

	var choices []solar.SourceTag
	if len(spec) == 0 {
		choices = EqualChoiceList(tags, total)
	} else {
		for _, p := range spec {
			if _, ok := sources[p.Tag]; !ok {
				return nil, fmt.Errorf("blend: %w: %q", solar.ErrUnknownSource, p.Tag)
			}
		}
		var err error
		if choices, err = b.ChoiceList(spec, total); err != nil {
			return nil, err
		}
	}
	if len(choices) < total {
		return nil, solar.NewShapeError("blend", "choice list has %d entries for %d columns", len(choices), total)
	}

	perm := b.newPermuter().Perm(len(choices))
	out := solar.NewDayMatrix(rows, total)
	out.Provenance = make([]solar.SourceTag, total)
	var days []time.Time
	counts := make(map[solar.SourceTag]int, len(tags))
	for i := 0; i < total; i++ {
		tag := choices[perm[i]]
		src := sources[tag]
		if src.Cols() <= i {
			return nil, solar.NewShapeError("blend", "column %d assigned to %q which has %d columns", i, tag, src.Cols())
		}
		if rows > 0 {
			out.SetCol(i, src.Col(i))
		}
		out.Provenance[i] = tag
		if i < len(src.Days) {
			if days == nil {
				days = make([]time.Time, total)
			}
			days[i] = src.Days[i]
		}
		counts[tag]++
	}
	out.Days = days

	for _, tag := range tags {
		b.logger.Debug("blended source", zap.String("source", string(tag)), zap.Int("columns", counts[tag]))
		if b.onColumns != nil {
			b.onColumns(tag, counts[tag])
		}
	}
	return out, nil
}
