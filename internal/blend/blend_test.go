package blend

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slacgismo/solar-data-pipeline/internal/solar"
)

const (
	tagA solar.SourceTag = "a"
	tagB solar.SourceTag = "b"
)

// filled returns a rows x cols matrix whose cell (i, j) is base + 100*j + i.
func filled(rows, cols int, base float64) *solar.DayMatrix {
	m := solar.NewDayMatrix(rows, cols)
	for j := 0; j < cols; j++ {
		col := make([]float64, rows)
		for i := range col {
			col[i] = base + float64(100*j+i)
		}
		m.SetCol(j, col)
	}
	return m
}

type fixedPerm []int

func (p fixedPerm) Perm(n int) []int { return append([]int(nil), p[:n]...) }

func countTags(tags []solar.SourceTag) map[solar.SourceTag]int {
	out := make(map[solar.SourceTag]int)
	for _, t := range tags {
		out[t]++
	}
	return out
}

func TestEqualChoiceList(t *testing.T) {
	got := EqualChoiceList([]solar.SourceTag{"s2", "s1"}, 6)
	assert.Equal(t, []solar.SourceTag{"s1", "s1", "s1", "s2", "s2", "s2"}, got)

	// Remainder is dropped.
	got = EqualChoiceList([]solar.SourceTag{tagA, tagB}, 5)
	assert.Len(t, got, 4)

	assert.Nil(t, EqualChoiceList(nil, 4))
}

func TestChoiceList(t *testing.T) {
	tests := []struct {
		name   string
		policy Policy
		spec   PartitionSpec
		total  int
		want   map[solar.SourceTag]int
		err    bool
	}{
		{"half half", PolicyFloor, PartitionSpec{{tagA, 0.5}, {tagB, 0.5}}, 4, map[solar.SourceTag]int{tagA: 2, tagB: 2}, false},
		{"floor truncates", PolicyFloor, PartitionSpec{{tagA, 0.3}, {tagB, 0.3}}, 4, map[solar.SourceTag]int{tagA: 1, tagB: 1}, false},
		{"strict sum", PolicyStrict, PartitionSpec{{tagA, 0.6}, {tagB, 0.6}}, 5, nil, true},
		{"strict ok", PolicyStrict, PartitionSpec{{tagA, 0.25}, {tagB, 0.75}}, 8, map[solar.SourceTag]int{tagA: 2, tagB: 6}, false},
		{"out of range", PolicyFloor, PartitionSpec{{tagA, 1.5}}, 4, nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := New(WithPolicy(tt.policy)).ChoiceList(tt.spec, tt.total)
			if tt.err {
				assert.ErrorIs(t, err, solar.ErrShape)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, countTags(got))
		})
	}
}

func TestChoiceListKeepsSpecOrder(t *testing.T) {
	got, err := New().ChoiceList(PartitionSpec{{tagB, 0.5}, {tagA, 0.5}}, 4)
	require.NoError(t, err)
	assert.Equal(t, []solar.SourceTag{tagB, tagB, tagA, tagA}, got)
}

func TestBlendPartitionCardinality(t *testing.T) {
	a, b := filled(4, 10, 0), filled(4, 10, 10000)
	sources := map[solar.SourceTag]*solar.DayMatrix{tagA: a, tagB: b}

	for seed := uint64(0); seed < 20; seed++ {
		out, err := New(WithSeed(seed)).Blend(sources, PartitionSpec{{tagA, 0.5}, {tagB, 0.5}}, 4)
		require.NoError(t, err)
		assert.Equal(t, 4, out.Rows())
		assert.Equal(t, 4, out.Cols())

		fromA, fromB := 0, 0
		for i := 0; i < out.Cols(); i++ {
			col := out.Col(i)
			switch {
			case assert.ObjectsAreEqual(a.Col(i), col):
				fromA++
				assert.Equal(t, tagA, out.Provenance[i])
			case assert.ObjectsAreEqual(b.Col(i), col):
				fromB++
				assert.Equal(t, tagB, out.Provenance[i])
			default:
				t.Fatalf("column %d matches no source column %d", i, i)
			}
		}
		assert.Equal(t, 2, fromA)
		assert.Equal(t, 2, fromB)
	}
}

func TestBlendEqualSplitDefault(t *testing.T) {
	sources := map[solar.SourceTag]*solar.DayMatrix{tagA: filled(4, 10, 0), tagB: filled(4, 10, 10000)}
	out, err := New(WithSeed(7)).Blend(sources, nil, 4)
	require.NoError(t, err)
	assert.Equal(t, map[solar.SourceTag]int{tagA: 2, tagB: 2}, countTags(out.Provenance))
}

func TestBlendSeedIsReproducible(t *testing.T) {
	sources := map[solar.SourceTag]*solar.DayMatrix{tagA: filled(4, 30, 0), tagB: filled(4, 30, 10000)}
	first, err := New(WithSeed(42)).Blend(sources, nil, 30)
	require.NoError(t, err)
	second, err := New(WithSeed(42)).Blend(sources, nil, 30)
	require.NoError(t, err)
	assert.Equal(t, first.Provenance, second.Provenance)
	assert.True(t, first.Equal(second))
}

func TestBlendProvenanceWithStubPermuter(t *testing.T) {
	a, b := filled(3, 4, 0), filled(3, 4, 500)
	sources := map[solar.SourceTag]*solar.DayMatrix{tagA: a, tagB: b}
	// Choice list is [a a b b]; this permutation yields b a b a.
	perm := fixedPerm{2, 0, 3, 1}
	out, err := New(WithPermuter(func() Permuter { return perm })).
		Blend(sources, PartitionSpec{{tagA, 0.5}, {tagB, 0.5}}, 4)
	require.NoError(t, err)
	assert.Equal(t, []solar.SourceTag{tagB, tagA, tagB, tagA}, out.Provenance)
	assert.Equal(t, b.Col(0), out.Col(0))
	assert.Equal(t, a.Col(1), out.Col(1))
	assert.Equal(t, b.Col(2), out.Col(2))
	assert.Equal(t, a.Col(3), out.Col(3))
}

func TestBlendColumnHook(t *testing.T) {
	sources := map[solar.SourceTag]*solar.DayMatrix{tagA: filled(2, 8, 0), tagB: filled(2, 8, 1)}
	got := make(map[solar.SourceTag]int)
	_, err := New(WithSeed(1), WithColumnHook(func(tag solar.SourceTag, n int) { got[tag] += n })).
		Blend(sources, PartitionSpec{{tagA, 0.25}, {tagB, 0.75}}, 8)
	require.NoError(t, err)
	assert.Equal(t, map[solar.SourceTag]int{tagA: 2, tagB: 6}, got)
}

func TestBlendErrors(t *testing.T) {
	t.Run("no sources", func(t *testing.T) {
		_, err := New().Blend(nil, nil, 4)
		assert.ErrorIs(t, err, solar.ErrNoSources)
	})

	t.Run("row mismatch", func(t *testing.T) {
		_, err := New().Blend(map[solar.SourceTag]*solar.DayMatrix{tagA: filled(4, 4, 0), tagB: filled(5, 4, 0)}, nil, 4)
		assert.ErrorIs(t, err, solar.ErrShape)
	})

	t.Run("short choice list", func(t *testing.T) {
		sources := map[solar.SourceTag]*solar.DayMatrix{tagA: filled(4, 4, 0), tagB: filled(4, 4, 0)}
		_, err := New().Blend(sources, PartitionSpec{{tagA, 0.3}, {tagB, 0.3}}, 4)
		var se *solar.ShapeError
		require.True(t, errors.As(err, &se))
		assert.Equal(t, "blend", se.Op)
	})

	t.Run("uneven equal split", func(t *testing.T) {
		sources := map[solar.SourceTag]*solar.DayMatrix{tagA: filled(4, 5, 0), tagB: filled(4, 5, 0)}
		_, err := New().Blend(sources, nil, 5)
		assert.ErrorIs(t, err, solar.ErrShape)
	})

	t.Run("unknown source", func(t *testing.T) {
		sources := map[solar.SourceTag]*solar.DayMatrix{tagA: filled(4, 4, 0)}
		_, err := New().Blend(sources, PartitionSpec{{tagB, 1}}, 4)
		assert.ErrorIs(t, err, solar.ErrUnknownSource)
	})

	t.Run("source too narrow", func(t *testing.T) {
		sources := map[solar.SourceTag]*solar.DayMatrix{tagA: filled(4, 2, 0), tagB: filled(4, 4, 0)}
		// Choice list [a a b b] reversed puts a on columns 2 and 3.
		perm := fixedPerm{3, 2, 1, 0}
		_, err := New(WithPermuter(func() Permuter { return perm })).
			Blend(sources, PartitionSpec{{tagA, 0.5}, {tagB, 0.5}}, 4)
		assert.ErrorIs(t, err, solar.ErrShape)
	})
}

func TestBlendCarriesDays(t *testing.T) {
	a := filled(2, 2, 0)
	a.Days = make([]time.Time, 2)
	a.Days[1] = time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)
	out, err := New(WithSeed(3)).Blend(map[solar.SourceTag]*solar.DayMatrix{tagA: a}, nil, 2)
	require.NoError(t, err)
	assert.Equal(t, a.Days, out.Days)
}

func TestParsePartitionSpec(t *testing.T) {
	spec, err := ParsePartitionSpec(" store=0.25, file=0.75 ")
	require.NoError(t, err)
	assert.Equal(t, PartitionSpec{{"store", 0.25}, {"file", 0.75}}, spec)
	assert.Equal(t, "store=0.25,file=0.75", spec.String())

	spec, err = ParsePartitionSpec("")
	require.NoError(t, err)
	assert.Nil(t, spec)

	for _, bad := range []string{"store", "store=x", "=0.5", "a=0.5,a=0.5"} {
		_, err := ParsePartitionSpec(bad)
		assert.Error(t, err, bad)
	}
}
