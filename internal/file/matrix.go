package file

import (
	"encoding/csv"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/parquet-go/parquet-go"

	"github.com/slacgismo/solar-data-pipeline/internal/solar"
)

// MatrixRow is the long Parquet layout of a day matrix: one row per cell.
type MatrixRow struct {
	Day    int64   `parquet:"day"` // unix seconds of the day, 0 when unlabelled
	Column int32   `parquet:"column"`
	Slot   int32   `parquet:"slot"`
	Power  float64 `parquet:"power"`
	Source string  `parquet:"source"`
}

// ReadMatrixCSV reads a headerless grid with one line per time slot and one
// field per day. Sentinel and NaN cells become zero.
func ReadMatrixCSV(r io.Reader, samplesPerDay int, sentinel float64) (*solar.DayMatrix, error) {
	csvReader := csv.NewReader(r)
	csvReader.FieldsPerRecord = 0
	csvReader.TrimLeadingSpace = true

	records, err := csvReader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("read matrix: %w", err)
	}
	if len(records) != samplesPerDay {
		return nil, solar.NewShapeError("read matrix", "%d rows, want %d", len(records), samplesPerDay)
	}
	cols := len(records[0])
	vectors := make([]solar.DailyVector, cols)
	for j := range vectors {
		vectors[j].Values = make([]float64, samplesPerDay)
	}
	for i, rec := range records {
		for j, field := range rec {
			v, err := parseValue(field)
			if err != nil {
				return nil, fmt.Errorf("read matrix: row %d col %d: %w", i, j, err)
			}
			if math.IsNaN(v) || v == sentinel {
				v = 0
			}
			vectors[j].Values[i] = v
		}
	}
	m, err := solar.BuildMatrix(vectors)
	if err != nil {
		return nil, err
	}
	m.Days = nil
	return m, nil
}

// WriteMatrixCSV writes m with one line per slot and one field per day.
func WriteMatrixCSV(w io.Writer, m *solar.DayMatrix) error {
	cw := csv.NewWriter(w)
	record := make([]string, m.Cols())
	for i := 0; i < m.Rows(); i++ {
		for j := range record {
			record[j] = strconv.FormatFloat(m.At(i, j), 'g', -1, 64)
		}
		if err := cw.Write(record); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// WriteMatrixParquet writes m in the MatrixRow layout.
func WriteMatrixParquet(w io.Writer, m *solar.DayMatrix) error {
	pw := parquet.NewGenericWriter[MatrixRow](w)
	rows := make([]MatrixRow, m.Rows())
	for j := 0; j < m.Cols(); j++ {
		var day int64
		if j < len(m.Days) && !m.Days[j].IsZero() {
			day = m.Days[j].Unix()
		}
		var src string
		if j < len(m.Provenance) {
			src = string(m.Provenance[j])
		}
		for i, v := range m.Col(j) {
			rows[i] = MatrixRow{Day: day, Column: int32(j), Slot: int32(i), Power: v, Source: src}
		}
		if _, err := pw.Write(rows); err != nil {
			return fmt.Errorf("parquet write: %w", err)
		}
	}
	return pw.Close()
}

// WriteMatrixFile writes m to path as Parquet when the extension is
// .parquet and as CSV otherwise.
func WriteMatrixFile(path string, m *solar.DayMatrix) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if strings.EqualFold(filepath.Ext(path), ".parquet") {
		err = WriteMatrixParquet(f, m)
	} else {
		err = WriteMatrixCSV(f, m)
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	return err
}
