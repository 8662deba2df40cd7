package file

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/parquet-go/parquet-go"
	"go.uber.org/zap"

	"github.com/slacgismo/solar-data-pipeline/internal/solar"
)

// MaxErrorsToLog caps per-file parse error logging.
const MaxErrorsToLog = 10

// ParseStats tracks row outcomes while reading a series file.
type ParseStats struct {
	TotalRowsRead      uint64
	SkippedEmptyRows   uint64
	FailedRows         uint64
	SuccessfullyParsed uint64
	OutOfWindow        uint64
}

// SeriesRow is the Parquet layout of a raw power series.
type SeriesRow struct {
	Timestamp int64   `parquet:"timestamp"` // unix seconds
	Power     float64 `parquet:"ac_power"`
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04",
	"2006-01-02T15:04",
	"01/02/2006 15:04:05",
	"01/02/2006 15:04",
}

// parseTimestamp accepts the layouts above or unix seconds.
func parseTimestamp(s string, loc *time.Location) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, errors.New("empty timestamp")
	}
	for _, layout := range timestampLayouts {
		if t, err := time.ParseInLocation(layout, s, loc); err == nil {
			return t, nil
		}
	}
	if secs, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.Unix(secs, 0).In(loc), nil
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", s)
}

// parseValue maps blanks and NaN spellings to NaN, which the normalizer
// treats as unknown.
func parseValue(s string) (float64, error) {
	s = strings.TrimSpace(s)
	switch strings.ToLower(s) {
	case "", "nan", "na", "null":
		return math.NaN(), nil
	}
	return strconv.ParseFloat(s, 64)
}

// parseSeriesCSV reads a header row, locates the timestamp and power columns,
// and collects one sample per data row.
func (s *Source) parseSeriesCSV(ctx context.Context, r io.Reader, filter solar.Filter, stats *ParseStats) (solar.RawSeries, error) {
	csvReader := csv.NewReader(r)
	csvReader.LazyQuotes = true
	csvReader.FieldsPerRecord = -1
	csvReader.ReuseRecord = true

	header, err := csvReader.Read()
	if err != nil {
		return solar.RawSeries{}, fmt.Errorf("read header: %w", err)
	}
	tsCol, powCol := -1, -1
	for i, name := range header {
		switch strings.TrimSpace(strings.TrimPrefix(name, "\ufeff")) {
		case s.opts.TimestampColumn:
			tsCol = i
		case s.opts.PowerColumn:
			powCol = i
		}
	}
	if tsCol < 0 || powCol < 0 {
		return solar.RawSeries{}, fmt.Errorf("header %v lacks %q or %q", header, s.opts.TimestampColumn, s.opts.PowerColumn)
	}
	need := max(tsCol, powCol) + 1

	var series solar.RawSeries
	errorCount := 0
	logErr := func(msg string, err error) {
		stats.FailedRows++
		errorCount++
		if errorCount <= MaxErrorsToLog {
			s.log.Warn(msg, zap.Uint64("row", stats.TotalRowsRead), zap.Error(err))
		}
	}

	for iter := 0; ; iter++ {
		if iter%1000 == 0 {
			if err := ctx.Err(); err != nil {
				return solar.RawSeries{}, err
			}
		}
		record, err := csvReader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			// A malformed row can be skipped; anything else (a truncated
			// gzip stream, an I/O error) repeats on every Read.
			var perr *csv.ParseError
			if !errors.As(err, &perr) {
				return solar.RawSeries{}, fmt.Errorf("read row %d: %w", stats.TotalRowsRead+1, err)
			}
			logErr("csv read error", err)
			continue
		}
		stats.TotalRowsRead++

		if len(record) == 0 || (len(record) == 1 && record[0] == "") {
			stats.SkippedEmptyRows++
			continue
		}
		if len(record) < need {
			logErr("short row", fmt.Errorf("%d fields, need %d", len(record), need))
			continue
		}
		ts, err := parseTimestamp(record[tsCol], s.opts.Location)
		if err != nil {
			logErr("bad timestamp", err)
			continue
		}
		v, err := parseValue(record[powCol])
		if err != nil {
			logErr("bad power value", err)
			continue
		}
		if !inWindow(ts, filter) {
			stats.OutOfWindow++
			continue
		}
		stats.SuccessfullyParsed++
		series.Samples = append(series.Samples, solar.Sample{Timestamp: ts, Value: v})
	}

	if errorCount > MaxErrorsToLog {
		s.log.Warn("parse errors suppressed", zap.Int("count", errorCount-MaxErrorsToLog))
	}
	return series, nil
}

func (s *Source) readParquetSeries(ctx context.Context, filter solar.Filter) (solar.RawSeries, error) {
	f, err := os.Open(s.path)
	if err != nil {
		return solar.RawSeries{}, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return solar.RawSeries{}, err
	}
	pf, err := parquet.OpenFile(f, info.Size())
	if err != nil {
		return solar.RawSeries{}, fmt.Errorf("parquet open: %w", err)
	}

	reader := parquet.NewGenericReader[SeriesRow](pf)
	defer reader.Close()

	var series solar.RawSeries
	rows := make([]SeriesRow, 1000)
	for {
		if err := ctx.Err(); err != nil {
			return solar.RawSeries{}, err
		}
		n, err := reader.Read(rows)
		for _, row := range rows[:n] {
			ts := time.Unix(row.Timestamp, 0).In(s.opts.Location)
			if inWindow(ts, filter) {
				series.Samples = append(series.Samples, solar.Sample{Timestamp: ts, Value: row.Power})
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return solar.RawSeries{}, fmt.Errorf("parquet read: %w", err)
		}
		if n == 0 {
			break
		}
	}
	return series, nil
}

// WriteSeriesParquet writes series in the SeriesRow layout.
func WriteSeriesParquet(w io.Writer, series solar.RawSeries) error {
	rows := make([]SeriesRow, len(series.Samples))
	for i, smp := range series.Samples {
		rows[i] = SeriesRow{Timestamp: smp.Timestamp.Unix(), Power: smp.Value}
	}
	pw := parquet.NewGenericWriter[SeriesRow](w)
	if _, err := pw.Write(rows); err != nil {
		return fmt.Errorf("parquet write: %w", err)
	}
	return pw.Close()
}
