package solar

import (
	"fmt"
	"time"
)

// TransformKind selects how a RawSeries becomes a DayMatrix.
type TransformKind string

const (
	// TransformFull regrids, zeroes night and interpolates gaps.
	TransformFull TransformKind = "full"
	// TransformSimple reshapes the value sequence with no regridding.
	TransformSimple TransformKind = "simple"
)

// Transformer turns one raw series into a day matrix. Kind and Config
// describe everything that shapes the output, so callers can key cached
// results on them.
type Transformer interface {
	Transform(raw RawSeries) (*DayMatrix, error)
	Kind() TransformKind
	Config() NormalizerConfig
}

// NewTransformer returns the transformer for kind. n supplies the grid
// settings for both kinds.
func NewTransformer(kind TransformKind, n *Normalizer) (Transformer, error) {
	switch kind {
	case TransformFull, "":
		return fullTransform{n: n}, nil
	case TransformSimple:
		return simpleTransform{n: n}, nil
	default:
		return nil, fmt.Errorf("unknown transform %q", kind)
	}
}

type fullTransform struct {
	n *Normalizer
}

func (t fullTransform) Transform(raw RawSeries) (*DayMatrix, error) {
	vectors, err := t.n.Normalize(raw)
	if err != nil {
		return nil, err
	}
	if len(vectors) == 0 {
		return NewDayMatrix(t.n.cfg.SamplesPerDay, 0), nil
	}
	return BuildMatrix(vectors)
}

func (t fullTransform) Kind() TransformKind     { return TransformFull }
func (t fullTransform) Config() NormalizerConfig { return t.n.cfg }

type simpleTransform struct {
	n *Normalizer
}

func (t simpleTransform) Kind() TransformKind     { return TransformSimple }
func (t simpleTransform) Config() NormalizerConfig { return t.n.cfg }

// Transform fills column j with values [j*spd, (j+1)*spd). Unknown values
// become zero. Day labels are taken from the first sample of each column.
func (t simpleTransform) Transform(raw RawSeries) (*DayMatrix, error) {
	spd := t.n.cfg.SamplesPerDay
	if spd <= 0 {
		return nil, shapeErrorf("simple transform", "samples_per_day %d", spd)
	}
	if len(raw.Samples)%spd != 0 {
		return nil, shapeErrorf("simple transform", "%d samples is not a multiple of %d", len(raw.Samples), spd)
	}
	cols := len(raw.Samples) / spd
	m := NewDayMatrix(spd, cols)
	if cols == 0 {
		return m, nil
	}
	m.Days = make([]time.Time, cols)
	col := make([]float64, spd)
	for j := 0; j < cols; j++ {
		for i := 0; i < spd; i++ {
			v := raw.Samples[j*spd+i].Value
			if t.n.unknown(v) {
				v = 0
			}
			col[i] = v
		}
		m.SetCol(j, col)
		ts := raw.Samples[j*spd].Timestamp
		if !ts.IsZero() {
			y, mo, d := ts.Date()
			m.Days[j] = time.Date(y, mo, d, 0, 0, 0, 0, ts.Location())
		}
	}
	return m, nil
}
