// Package file provides the flat-file data source. It reads either raw
// timestamped power series (CSV, gzip CSV or Parquet) that still need
// normalizing, or matrices that are already on the daily grid.
package file

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/klauspost/pgzip"
	"go.uber.org/zap"

	"github.com/slacgismo/solar-data-pipeline/internal/solar"
)

// Format selects how a file is interpreted.
type Format string

const (
	FormatAuto   Format = "auto"
	FormatSeries Format = "series"
	FormatMatrix Format = "matrix"
)

const (
	DefaultTimestampColumn = "Date-Time"
	DefaultPowerColumn     = solar.PowerMeasName
)

// Options controls parsing. Zero values take the defaults.
type Options struct {
	Format          Format
	TimestampColumn string
	PowerColumn     string
	SamplesPerDay   int
	// Sentinel marks missing matrix cells. Nil means solar.SentinelMissing.
	Sentinel *float64

	// MatrixStart labels column 0 of a matrix file; column j is MatrixStart+j days.
	MatrixStart time.Time

	// Location applies to timestamps that carry no zone.
	Location *time.Location

	Logger *zap.Logger
}

// Source reads one file named by a file:// URL or a plain path.
type Source struct {
	path     string
	opts     Options
	sentinel float64
	log      *zap.Logger
}

// New validates rawURL and returns a Source. Object storage schemes are
// rejected with solar.ErrUnsupportedScheme.
func New(rawURL string, opts Options) (*Source, error) {
	path, err := resolvePath(rawURL)
	if err != nil {
		return nil, err
	}
	if opts.Format == "" {
		opts.Format = FormatAuto
	}
	switch opts.Format {
	case FormatAuto, FormatSeries, FormatMatrix:
	default:
		return nil, fmt.Errorf("unknown file format %q", opts.Format)
	}
	if opts.TimestampColumn == "" {
		opts.TimestampColumn = DefaultTimestampColumn
	}
	if opts.PowerColumn == "" {
		opts.PowerColumn = DefaultPowerColumn
	}
	if opts.SamplesPerDay == 0 {
		opts.SamplesPerDay = solar.SamplesPerDay
	}
	sentinel := solar.SentinelMissing
	if opts.Sentinel != nil {
		sentinel = *opts.Sentinel
	}
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Source{path: path, opts: opts, sentinel: sentinel, log: logger.With(zap.String("file", filepath.Base(path)))}, nil
}

// Path returns the local path the source reads.
func (s *Source) Path() string { return s.path }

func resolvePath(rawURL string) (string, error) {
	if rawURL == "" {
		return "", fmt.Errorf("empty file url")
	}
	if !strings.Contains(rawURL, "://") {
		return rawURL, nil
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("parse file url: %w", err)
	}
	if u.Scheme != "file" {
		return "", fmt.Errorf("%w: %q", solar.ErrUnsupportedScheme, u.Scheme)
	}
	if u.Host != "" && u.Host != "localhost" {
		return "", fmt.Errorf("file url %q: remote host not supported", rawURL)
	}
	return u.Path, nil
}

// Retrieve reads the file. Series files yield a solar.RawSeries bounded by
// filter Start/End; matrix files yield a *solar.DayMatrix, column-filtered
// by the same bounds when MatrixStart is set.
func (s *Source) Retrieve(ctx context.Context, filter solar.Filter) (solar.Payload, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	switch s.format() {
	case FormatMatrix:
		r, closeFn, err := s.open()
		if err != nil {
			return nil, err
		}
		defer closeFn()
		m, err := ReadMatrixCSV(r, s.opts.SamplesPerDay, s.sentinel)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", s.path, err)
		}
		if !s.opts.MatrixStart.IsZero() {
			m.Days = make([]time.Time, m.Cols())
			for j := range m.Days {
				m.Days[j] = s.opts.MatrixStart.AddDate(0, 0, j)
			}
			m = selectDays(m, filter)
		}
		s.log.Debug("read matrix", zap.Int("rows", m.Rows()), zap.Int("cols", m.Cols()))
		return m, nil

	default:
		var (
			series solar.RawSeries
			stats  ParseStats
			err    error
		)
		if isParquet(s.path) {
			series, err = s.readParquetSeries(ctx, filter)
		} else {
			r, closeFn, oerr := s.open()
			if oerr != nil {
				return nil, oerr
			}
			defer closeFn()
			series, err = s.parseSeriesCSV(ctx, r, filter, &stats)
		}
		if err != nil {
			return nil, fmt.Errorf("%s: %w", s.path, err)
		}
		series.Site = strings.TrimSuffix(filepath.Base(s.path), fullExt(s.path))
		s.log.Debug("read series",
			zap.Int("samples", len(series.Samples)),
			zap.Uint64("rows", stats.TotalRowsRead),
			zap.Uint64("failed", stats.FailedRows))
		return series, nil
	}
}

func (s *Source) format() Format {
	if s.opts.Format != FormatAuto {
		return s.opts.Format
	}
	return FormatSeries
}

// open returns a reader over the file, decompressing .gz with pgzip.
func (s *Source) open() (io.Reader, func(), error) {
	f, err := os.Open(s.path)
	if err != nil {
		return nil, nil, err
	}
	if !strings.HasSuffix(strings.ToLower(s.path), ".gz") {
		return f, func() { f.Close() }, nil
	}
	gz, err := pgzip.NewReaderN(f, 256*1024, runtime.NumCPU())
	if err != nil {
		f.Close()
		return nil, nil, fmt.Errorf("gzip: %w", err)
	}
	return gz, func() {
		gz.Close()
		f.Close()
	}, nil
}

func isParquet(path string) bool {
	return strings.EqualFold(filepath.Ext(path), ".parquet")
}

// fullExt returns ".csv.gz" for a gzipped csv and the plain extension otherwise.
func fullExt(path string) string {
	ext := filepath.Ext(path)
	if strings.EqualFold(ext, ".gz") {
		return filepath.Ext(strings.TrimSuffix(path, ext)) + ext
	}
	return ext
}

func selectDays(m *solar.DayMatrix, filter solar.Filter) *solar.DayMatrix {
	if filter.Start.IsZero() && filter.End.IsZero() {
		return m
	}
	var keep []int
	for j, d := range m.Days {
		if inWindow(d, filter) {
			keep = append(keep, j)
		}
	}
	out := solar.NewDayMatrix(m.Rows(), len(keep))
	out.Days = make([]time.Time, len(keep))
	for k, j := range keep {
		if m.Rows() > 0 {
			out.SetCol(k, m.Col(j))
		}
		out.Days[k] = m.Days[j]
	}
	return out
}

// inWindow reports whether t is in [Start, End).
func inWindow(t time.Time, filter solar.Filter) bool {
	if !filter.Start.IsZero() && t.Before(filter.Start) {
		return false
	}
	if !filter.End.IsZero() && !t.Before(filter.End) {
		return false
	}
	return true
}
