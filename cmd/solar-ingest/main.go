// solar-ingest - load raw PV power series files into the measurement table
//
// Each file holds one site's AC power, either as a timestamped series (CSV,
// gzip CSV or Parquet) or, with -matrix-start, as an already gridded matrix
// CSV (one row per 5-minute slot, one column per day). Rows are written to
// ClickHouse as meas_name=ac_power measurements over the native protocol in
// column batches.
//
// Build: CGO_ENABLED=0 go build -ldflags="-s -w" -o build/solar-ingest ./cmd/solar-ingest

package main

import (
	"context"
	"flag"
	"fmt"
	"math"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/slacgismo/solar-data-pipeline/internal/common"
	"github.com/slacgismo/solar-data-pipeline/internal/file"
	"github.com/slacgismo/solar-data-pipeline/internal/solar"
	"github.com/slacgismo/solar-data-pipeline/internal/store"
)

// Version can be overridden at build time via -ldflags
var Version = "1.0.0"

// BatchSize is the number of rows per INSERT block.
const BatchSize = 100_000

func main() {
	configPath := flag.String("config", "", "YAML config file (env and .env override it)")
	site := flag.String("site", "", "Site id for all files (default: file base name)")
	createTable := flag.Bool("create-table", false, "Create the measurement table if missing")
	sourceDir := flag.String("source-dir", "", "Ingest every file in this directory")
	station := flag.String("station", "", "Station label stored with each row")
	company := flag.String("company", "", "Company label stored with each row")
	matrixStart := flag.String("matrix-start", "", "Files are matrix CSVs; column 0 is this day (YYYY-MM-DD)")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "solar-ingest v%s - PV Power Series Ingester\n\n", Version)
		fmt.Fprintf(os.Stderr, "Usage: %s [OPTIONS] [files...]\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Loads timestamped AC power series into ClickHouse.\n\n")
		fmt.Fprintf(os.Stderr, "Supported formats:\n")
		fmt.Fprintf(os.Stderr, "  - CSV / CSV.GZ with timestamp and power columns\n")
		fmt.Fprintf(os.Stderr, "  - Parquet with timestamp (unix seconds) and ac_power columns\n")
		fmt.Fprintf(os.Stderr, "  - Matrix CSV (slots x days) with -matrix-start\n\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	cfg, err := common.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	logger, err := common.NewLogger(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("solar-ingest starting", zap.String("version", Version), zap.String("table", cfg.TableFQN()))

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	files := flag.Args()
	if *sourceDir != "" {
		entries, err := os.ReadDir(*sourceDir)
		if err != nil {
			logger.Fatal("cannot read source directory", zap.Error(err))
		}
		for _, e := range entries {
			if !e.IsDir() {
				files = append(files, filepath.Join(*sourceDir, e.Name()))
			}
		}
	}
	if len(files) == 0 {
		logger.Fatal("no files to process")
	}
	logger.Info("found files", zap.Int("count", len(files)))

	var firstDay time.Time
	if *matrixStart != "" {
		firstDay, err = time.ParseInLocation(time.DateOnly, *matrixStart, cfg.Location())
		if err != nil {
			logger.Fatal("bad -matrix-start", zap.Error(err))
		}
	}

	w, err := store.Dial(ctx, store.WriterOptions{
		Addr:     cfg.ClickHouseAddr(),
		Database: cfg.ClickHouseDatabase,
		User:     cfg.ClickHouseUser,
		Password: cfg.ClickHousePassword,
		Table:    cfg.TableFQN(),
	})
	if err != nil {
		logger.Fatal("clickhouse connection failed", zap.Error(err))
	}
	defer w.Close()

	if *createTable {
		if err := w.CreateTable(ctx); err != nil {
			logger.Fatal("create table failed", zap.Error(err))
		}
	}

	stats := common.NewStats(logger, 2*time.Second)
	stats.StartReporter()

	batch := store.NewMeasurementBatch()
	flush := func() error {
		start := time.Now()
		if err := w.Flush(ctx, batch); err != nil {
			return err
		}
		stats.SetFlushLatency(time.Since(start))
		return nil
	}

	labels := rowLabels{site: *site, station: *station, company: *company}
	failed := 0
	for _, path := range files {
		if ctx.Err() != nil {
			break
		}
		var (
			n   int
			err error
		)
		if firstDay.IsZero() {
			n, err = ingestSeries(ctx, cfg, path, labels, batch, flush, logger)
		} else {
			n, err = ingestMatrix(ctx, cfg, path, firstDay, labels, batch, flush, logger)
		}
		if err != nil {
			logger.Error("file failed", zap.String("file", filepath.Base(path)), zap.Error(err))
			failed++
			continue
		}
		stats.AddFile()
		stats.AddRows(uint64(n))
		if info, err := os.Stat(path); err == nil {
			stats.AddBytes(uint64(info.Size()))
		}
	}
	if err := flush(); err != nil {
		logger.Error("final flush failed", zap.Error(err))
		failed++
	}

	stats.StopReporter()
	stats.Summary()
	total, modified := store.SanitizeStats()
	logger.Info("site ids", zap.Int64("seen", total), zap.Int64("sanitized", modified))
	if failed > 0 {
		logger.Error("ingest finished with failures", zap.Int("failed", failed))
		os.Exit(1)
	}
}

type rowLabels struct {
	site    string
	station string
	company string
}

// siteFor returns the sanitized site id, falling back to the file name.
func (l rowLabels) siteFor(path string) string {
	site := l.site
	if site == "" {
		base := filepath.Base(path)
		site = base[:len(base)-len(fileExt(base))]
	}
	return store.SanitizeSite(strings.TrimSpace(site))
}

func fileExt(name string) string {
	if i := strings.IndexByte(name, '.'); i > 0 {
		return name[i:]
	}
	return ""
}

func (l rowLabels) measurement(cfg *common.Config, site string, ts time.Time, v float64) solar.Measurement {
	return solar.Measurement{
		Site:     site,
		MeasName: cfg.MeasName,
		Ts:       ts.UTC(),
		Station:  l.station,
		Company:  l.company,
		MeasUnit: "W",
		MeasValF: v,
	}
}

// ingestSeries reads one series file and appends its readings to batch,
// flushing whenever the batch reaches BatchSize.
func ingestSeries(ctx context.Context, cfg *common.Config, path string, labels rowLabels,
	batch *store.MeasurementBatch, flush func() error, logger *zap.Logger) (int, error) {
	src, err := file.New(path, file.Options{
		Format:          file.FormatSeries,
		TimestampColumn: cfg.TimestampColumn,
		PowerColumn:     cfg.PowerColumn,
		Location:        cfg.Location(),
		Logger:          logger.With(zap.String("file", filepath.Base(path))),
	})
	if err != nil {
		return 0, err
	}
	payload, err := src.Retrieve(ctx, solar.Filter{})
	if err != nil {
		return 0, err
	}
	series, ok := payload.(solar.RawSeries)
	if !ok {
		return 0, fmt.Errorf("%s: not a series file", path)
	}
	site := labels.siteFor(path)

	n := 0
	for _, s := range series.Samples {
		if math.IsNaN(s.Value) || s.Value == cfg.Sentinel {
			continue
		}
		batch.Add(labels.measurement(cfg, site, s.Timestamp, s.Value))
		n++
		if batch.Len() >= BatchSize {
			if err := flush(); err != nil {
				return n, err
			}
		}
	}
	logger.Info("ingested series", zap.String("file", filepath.Base(path)), zap.String("site", site), zap.Int("rows", n))
	return n, nil
}

// ingestMatrix writes one row per matrix cell. Cell (i, j) is slot i of
// firstDay+j days.
func ingestMatrix(ctx context.Context, cfg *common.Config, path string, firstDay time.Time, labels rowLabels,
	batch *store.MeasurementBatch, flush func() error, logger *zap.Logger) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	m, err := file.ReadMatrixCSV(f, cfg.SamplesPerDay, cfg.Sentinel)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", path, err)
	}
	site := labels.siteFor(path)
	step := 24 * time.Hour / time.Duration(cfg.SamplesPerDay)

	n := 0
	for j := 0; j < m.Cols(); j++ {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		day := firstDay.AddDate(0, 0, j)
		for i, v := range m.Col(j) {
			batch.Add(labels.measurement(cfg, site, day.Add(time.Duration(i)*step), v))
			n++
		}
		if batch.Len() >= BatchSize {
			if err := flush(); err != nil {
				return n, err
			}
		}
	}
	logger.Info("ingested matrix", zap.String("file", filepath.Base(path)), zap.String("site", site), zap.Int("days", m.Cols()))
	return n, nil
}
