package solar

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

var day1 = time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)

// bell returns a clean daily profile: zero at night, a sine hump between
// slots 72 and 216.
func bell(peak float64) []float64 {
	v := make([]float64, SamplesPerDay)
	for k := 72; k <= 216; k++ {
		v[k] = peak * math.Sin(math.Pi*float64(k-72)/144)
	}
	return v
}

func samplesFor(day time.Time, values []float64) []Sample {
	out := make([]Sample, 0, len(values))
	for k, v := range values {
		out = append(out, Sample{Timestamp: day.Add(time.Duration(k) * 5 * time.Minute), Value: v})
	}
	return out
}

func TestBuildMatrix(t *testing.T) {
	vectors := []DailyVector{
		{Day: day1, Values: []float64{1, 2, 3}},
		{Day: day1.AddDate(0, 0, 1), Values: []float64{4, 5, 6}},
	}
	m, err := BuildMatrix(vectors)
	require.NoError(t, err)
	assert.Equal(t, 3, m.Rows())
	assert.Equal(t, 2, m.Cols())
	assert.Equal(t, []float64{4, 5, 6}, m.Col(1))
	assert.Equal(t, 2.0, m.At(1, 0))
	assert.Equal(t, []time.Time{day1, day1.AddDate(0, 0, 1)}, m.Days)

	back := m.Vectors()
	assert.Equal(t, vectors, back)
}

func TestBuildMatrixLengthMismatch(t *testing.T) {
	_, err := BuildMatrix([]DailyVector{
		{Values: []float64{1, 2, 3}},
		{Values: []float64{1, 2}},
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrShape))
	var se *ShapeError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, "build matrix", se.Op)
}

func TestBuildMatrixEmpty(t *testing.T) {
	m, err := BuildMatrix(nil)
	require.NoError(t, err)
	assert.Equal(t, 0, m.Cols())
}

func TestDayMatrixEqualAndClone(t *testing.T) {
	m, err := BuildMatrix([]DailyVector{{Values: []float64{1, 2}}, {Values: []float64{3, 4}}})
	require.NoError(t, err)
	c := m.Clone()
	assert.True(t, m.Equal(c))

	c.SetCol(0, []float64{9, 9})
	assert.False(t, m.Equal(c))
	assert.Equal(t, []float64{1, 2}, m.Col(0))

	assert.False(t, m.Equal(NewDayMatrix(2, 3)))
	assert.True(t, NewDayMatrix(2, 0).Equal(NewDayMatrix(2, 0)))
}

func TestNormalizeCleanInputUnchanged(t *testing.T) {
	first, second := bell(1000), bell(800)
	raw := RawSeries{Site: "s1"}
	raw.Samples = append(raw.Samples, samplesFor(day1, first)...)
	raw.Samples = append(raw.Samples, samplesFor(day1.AddDate(0, 0, 1), second)...)

	vectors, err := Normalize(raw, SamplesPerDay)
	require.NoError(t, err)
	require.Len(t, vectors, 2)
	assert.Equal(t, day1, vectors[0].Day)
	assert.Equal(t, first, vectors[0].Values)
	assert.Equal(t, second, vectors[1].Values)
}

func TestNormalizeNightUnknownsZeroed(t *testing.T) {
	profile := bell(1000)
	var samples []Sample
	// Day one only reports between slots 80 and 200, plus a sentinel at night.
	for k := 80; k <= 200; k++ {
		samples = append(samples, Sample{Timestamp: day1.Add(time.Duration(k) * 5 * time.Minute), Value: profile[k]})
	}
	samples = append(samples, Sample{Timestamp: day1.Add(50 * time.Minute), Value: SentinelMissing})
	// A bright neighbouring day must not leak into day one's night.
	samples = append(samples, samplesFor(day1.AddDate(0, 0, 1), bell(2000))...)

	vectors, err := Normalize(RawSeries{Samples: samples}, SamplesPerDay)
	require.NoError(t, err)
	require.Len(t, vectors, 2)

	got := vectors[0].Values
	for k := 0; k < 80; k++ {
		assert.Zero(t, got[k], "slot %d", k)
	}
	for k := 201; k < SamplesPerDay; k++ {
		assert.Zero(t, got[k], "slot %d", k)
	}
	for k := 80; k <= 200; k++ {
		assert.Equal(t, profile[k], got[k])
	}
}

func TestNormalizeInterpolatesDaytimeGap(t *testing.T) {
	raw := RawSeries{Samples: []Sample{
		{Timestamp: day1.Add(100 * 5 * time.Minute), Value: 100},
		{Timestamp: day1.Add(102 * 5 * time.Minute), Value: math.NaN()},
		{Timestamp: day1.Add(104 * 5 * time.Minute), Value: 500},
	}}
	vectors, err := Normalize(raw, SamplesPerDay)
	require.NoError(t, err)
	require.Len(t, vectors, 1)

	got := vectors[0].Values
	assert.Equal(t, []float64{100, 200, 300, 400, 500}, got[100:105])
	assert.Zero(t, got[99])
	assert.Zero(t, got[105])
	for _, v := range got {
		assert.False(t, math.IsNaN(v))
	}
}

func TestNormalizeZeroSentinelAndThreshold(t *testing.T) {
	cfg := DefaultNormalizerConfig()
	cfg.Sentinel = 0
	cfg.NightThreshold = 0
	n := NewNormalizer(cfg)
	assert.Equal(t, 0.0, n.Config().Sentinel)
	assert.Equal(t, 0.0, n.Config().NightThreshold)

	raw := RawSeries{Samples: []Sample{
		{Timestamp: day1.Add(100 * 5 * time.Minute), Value: 100},
		{Timestamp: day1.Add(102 * 5 * time.Minute), Value: 0},
		{Timestamp: day1.Add(104 * 5 * time.Minute), Value: 500},
	}}
	vectors, err := n.Normalize(raw)
	require.NoError(t, err)
	require.Len(t, vectors, 1)
	assert.Equal(t, []float64{100, 200, 300, 400, 500}, vectors[0].Values[100:105])
}

func TestNormalizeDropsEmptyDaysAndSorts(t *testing.T) {
	day3 := day1.AddDate(0, 0, 2)
	raw := RawSeries{Samples: append(samplesFor(day3, bell(10)), samplesFor(day1, bell(20))...)}

	vectors, err := Normalize(raw, SamplesPerDay)
	require.NoError(t, err)
	require.Len(t, vectors, 2)
	assert.Equal(t, day1, vectors[0].Day)
	assert.Equal(t, day3, vectors[1].Day)
}

func TestNormalizeAveragesCollisions(t *testing.T) {
	noon := day1.Add(12 * time.Hour)
	raw := RawSeries{Samples: []Sample{
		{Timestamp: noon, Value: 10},
		{Timestamp: noon.Add(time.Minute), Value: 30},
		{Timestamp: day1.Add(23*time.Hour + 58*time.Minute), Value: 5},
	}}
	vectors, err := Normalize(raw, SamplesPerDay)
	require.NoError(t, err)
	require.Len(t, vectors, 1)

	assert.Equal(t, 20.0, vectors[0].Values[144])
	assert.Equal(t, day1, vectors[0].Day)
	assert.Equal(t, 5.0, vectors[0].Values[SamplesPerDay-1])
}

func TestNormalizeLateSamplesStayOnTheirDay(t *testing.T) {
	var raw RawSeries
	for m := 0; m < 24*60; m++ {
		raw.Samples = append(raw.Samples, Sample{Timestamp: day1.Add(time.Duration(m) * time.Minute), Value: 1})
	}
	vectors, err := Normalize(raw, SamplesPerDay)
	require.NoError(t, err)
	require.Len(t, vectors, 1)
	assert.Equal(t, day1, vectors[0].Day)
	assert.Equal(t, 1.0, vectors[0].Values[0])
	assert.Equal(t, 1.0, vectors[0].Values[SamplesPerDay-1])
}

func TestNormalizeDegenerateDayZero(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	var hooked []time.Time
	n := NewNormalizer(DefaultNormalizerConfig(),
		WithLogger(zap.New(core)),
		WithDegenerateHook(func(day time.Time) { hooked = append(hooked, day) }))

	raw := RawSeries{Site: "s1", Samples: []Sample{
		{Timestamp: day1.Add(time.Hour), Value: SentinelMissing},
		{Timestamp: day1.Add(2 * time.Hour), Value: SentinelMissing},
	}}
	vectors, err := n.Normalize(raw)
	require.NoError(t, err)
	require.Len(t, vectors, 1)
	assert.Equal(t, make([]float64, SamplesPerDay), vectors[0].Values)
	assert.Equal(t, []time.Time{day1}, hooked)
	require.Equal(t, 1, logs.FilterMessage("degenerate day zeroed").Len())
}

func TestNormalizeDegenerateDayError(t *testing.T) {
	cfg := DefaultNormalizerConfig()
	cfg.OnDegenerateDay = DegenerateError
	n := NewNormalizer(cfg)

	raw := RawSeries{Samples: []Sample{{Timestamp: day1.Add(time.Hour), Value: SentinelMissing}}}
	_, err := n.Normalize(raw)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrDegenerateDay))
	var de *DegenerateDayError
	require.True(t, errors.As(err, &de))
	assert.Equal(t, day1, de.Day)
}

func TestNormalizeRejectsUnevenGrid(t *testing.T) {
	for _, spd := range []int{0, -1, 7, 1000} {
		_, err := Normalize(RawSeries{}, spd)
		assert.ErrorIs(t, err, ErrShape, "spd %d", spd)
	}
	_, err := Normalize(RawSeries{Samples: samplesFor(day1, make([]float64, 24))}, 24)
	assert.NoError(t, err)
}

func TestNormalizeLocation(t *testing.T) {
	loc := time.FixedZone("PDT", -7*3600)
	cfg := DefaultNormalizerConfig()
	cfg.Location = loc
	n := NewNormalizer(cfg)

	// 02:00 UTC on June 2 is still June 1 in PDT.
	raw := RawSeries{Samples: []Sample{{Timestamp: time.Date(2024, 6, 2, 2, 0, 0, 0, time.UTC), Value: 1}}}
	vectors, err := n.Normalize(raw)
	require.NoError(t, err)
	require.Len(t, vectors, 1)
	assert.Equal(t, time.Date(2024, 6, 1, 0, 0, 0, 0, loc), vectors[0].Day)
	assert.Equal(t, 1.0, vectors[0].Values[19*12])
}

func TestTransformers(t *testing.T) {
	n := NewNormalizer(DefaultNormalizerConfig())

	t.Run("full", func(t *testing.T) {
		tr, err := NewTransformer(TransformFull, n)
		require.NoError(t, err)
		raw := RawSeries{Samples: append(samplesFor(day1, bell(5)), samplesFor(day1.AddDate(0, 0, 1), bell(6))...)}
		m, err := tr.Transform(raw)
		require.NoError(t, err)
		assert.Equal(t, SamplesPerDay, m.Rows())
		assert.Equal(t, 2, m.Cols())
		assert.Equal(t, bell(6), m.Col(1))
	})

	t.Run("full empty", func(t *testing.T) {
		tr, err := NewTransformer(TransformFull, n)
		require.NoError(t, err)
		m, err := tr.Transform(RawSeries{})
		require.NoError(t, err)
		assert.Equal(t, SamplesPerDay, m.Rows())
		assert.Equal(t, 0, m.Cols())
	})

	t.Run("simple", func(t *testing.T) {
		tr, err := NewTransformer(TransformSimple, n)
		require.NoError(t, err)
		values := make([]float64, 2*SamplesPerDay)
		for i := range values {
			values[i] = float64(i)
		}
		values[3] = SentinelMissing
		m, err := tr.Transform(RawSeries{Samples: samplesFor(day1, values)})
		require.NoError(t, err)
		assert.Equal(t, 2, m.Cols())
		assert.Equal(t, 0.0, m.At(3, 0))
		assert.Equal(t, float64(SamplesPerDay+5), m.At(5, 1))
		assert.Equal(t, day1.AddDate(0, 0, 1), m.Days[1])
	})

	t.Run("simple uneven", func(t *testing.T) {
		tr, err := NewTransformer(TransformSimple, n)
		require.NoError(t, err)
		_, err = tr.Transform(RawSeries{Samples: samplesFor(day1, make([]float64, 100))})
		assert.ErrorIs(t, err, ErrShape)
	})

	t.Run("unknown", func(t *testing.T) {
		_, err := NewTransformer("fancy", n)
		assert.Error(t, err)
	})
}
