package solar

import (
	"time"

	"gonum.org/v1/gonum/mat"
)

// DayMatrix is a samples-per-day by day-count power matrix. Column j is the
// DailyVector for day j. Days and Provenance are optional per-column labels;
// when set they have one entry per column.
type DayMatrix struct {
	rows, cols int
	dense      *mat.Dense // nil when the matrix has no columns

	Days       []time.Time
	Provenance []SourceTag
}

// NewDayMatrix returns a zeroed rows x cols matrix.
func NewDayMatrix(rows, cols int) *DayMatrix {
	m := &DayMatrix{rows: rows, cols: cols}
	if rows > 0 && cols > 0 {
		m.dense = mat.NewDense(rows, cols, nil)
	}
	return m
}

func (m *DayMatrix) Rows() int { return m.rows }
func (m *DayMatrix) Cols() int { return m.cols }

func (m *DayMatrix) At(i, j int) float64 { return m.dense.At(i, j) }

// Col returns a copy of column j.
func (m *DayMatrix) Col(j int) []float64 {
	if m.dense == nil {
		return make([]float64, m.rows)
	}
	return mat.Col(nil, j, m.dense)
}

// SetCol copies v into column j. len(v) must equal Rows.
func (m *DayMatrix) SetCol(j int, v []float64) {
	m.dense.SetCol(j, v)
}

// Matrix exposes the values as a read-only gonum matrix. It returns nil for
// a matrix with no columns.
func (m *DayMatrix) Matrix() mat.Matrix {
	if m.dense == nil {
		return nil
	}
	return m.dense
}

// Equal reports whether both matrices have the same shape and values.
// Column labels are ignored.
func (m *DayMatrix) Equal(o *DayMatrix) bool {
	if m.rows != o.rows || m.cols != o.cols {
		return false
	}
	if m.dense == nil || o.dense == nil {
		return m.dense == nil && o.dense == nil
	}
	return mat.Equal(m.dense, o.dense)
}

// Clone returns a deep copy including column labels.
func (m *DayMatrix) Clone() *DayMatrix {
	c := &DayMatrix{rows: m.rows, cols: m.cols}
	if m.dense != nil {
		c.dense = mat.DenseCopyOf(m.dense)
	}
	if m.Days != nil {
		c.Days = append([]time.Time(nil), m.Days...)
	}
	if m.Provenance != nil {
		c.Provenance = append([]SourceTag(nil), m.Provenance...)
	}
	return c
}

// BuildMatrix stacks vectors as columns in input order. Every vector must
// have the length of the first one.
func BuildMatrix(vectors []DailyVector) (*DayMatrix, error) {
	if len(vectors) == 0 {
		return NewDayMatrix(0, 0), nil
	}
	rows := len(vectors[0].Values)
	m := NewDayMatrix(rows, len(vectors))
	m.Days = make([]time.Time, len(vectors))
	for j, v := range vectors {
		if len(v.Values) != rows {
			return nil, shapeErrorf("build matrix", "vector %d has %d samples, want %d", j, len(v.Values), rows)
		}
		if rows > 0 {
			m.dense.SetCol(j, v.Values)
		}
		m.Days[j] = v.Day
	}
	return m, nil
}

// Vectors splits the matrix back into its columns.
func (m *DayMatrix) Vectors() []DailyVector {
	out := make([]DailyVector, m.cols)
	for j := range out {
		out[j].Values = m.Col(j)
		if j < len(m.Days) {
			out[j].Day = m.Days[j]
		}
	}
	return out
}
