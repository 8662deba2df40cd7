package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"github.com/slacgismo/solar-data-pipeline/internal/solar"
)

// MaxSeriesRows caps a single site power query.
const MaxSeriesRows = 1_000_000

// Options holds the connection settings for the measurement table.
type Options struct {
	Addr     string
	Database string
	Username string
	Password string
	Table    string
	MeasName string
}

// ClickHouse reads measurement_raw through clickhouse-go.
type ClickHouse struct {
	conn     driver.Conn
	table    string
	measName string
}

// Open connects and pings the server.
func Open(ctx context.Context, opts Options) (*ClickHouse, error) {
	if err := ValidateIdentifier(opts.Table); err != nil {
		return nil, fmt.Errorf("table: %w", err)
	}
	if opts.MeasName == "" {
		opts.MeasName = solar.PowerMeasName
	}
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{opts.Addr},
		Auth: clickhouse.Auth{
			Database: opts.Database,
			Username: opts.Username,
			Password: opts.Password,
		},
		Settings: clickhouse.Settings{
			"max_execution_time": 60,
		},
		Compression: &clickhouse.Compression{
			Method: clickhouse.CompressionLZ4,
		},
		MaxOpenConns:    4,
		MaxIdleConns:    2,
		ConnMaxLifetime: time.Hour,
	})
	if err != nil {
		return nil, fmt.Errorf("clickhouse open: %w", err)
	}
	if err := conn.Ping(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("clickhouse ping: %w", err)
	}
	return &ClickHouse{conn: conn, table: opts.Table, measName: opts.MeasName}, nil
}

func (c *ClickHouse) Close() error { return c.conn.Close() }

// Table returns the table the reader queries.
func (c *ClickHouse) Table() string { return c.table }

// MeasName returns the meas_name the reader filters on.
func (c *ClickHouse) MeasName() string { return c.measName }

// Sites lists every distinct site, sorted.
func (c *ClickHouse) Sites(ctx context.Context) ([]string, error) {
	query, args := sitesQuery(c.table, "")
	return c.querySites(ctx, query, args)
}

// SitesNamed returns [site] when the table has readings for it.
func (c *ClickHouse) SitesNamed(ctx context.Context, site string) ([]string, error) {
	query, args := sitesQuery(c.table, site)
	return c.querySites(ctx, query, args)
}

func (c *ClickHouse) querySites(ctx context.Context, query string, args []any) ([]string, error) {
	rows, err := c.conn.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query sites: %w", err)
	}
	defer rows.Close()

	var sites []string
	for rows.Next() {
		var site string
		if err := rows.Scan(&site); err != nil {
			return nil, fmt.Errorf("scan site: %w", err)
		}
		sites = append(sites, site)
	}
	return sites, rows.Err()
}

// PowerSeries returns the site's readings for the configured meas_name in
// timestamp order.
func (c *ClickHouse) PowerSeries(ctx context.Context, site string, filter solar.Filter) (solar.RawSeries, error) {
	query, args := powerQuery(c.table, c.measName, site, filter)
	rows, err := c.conn.Query(ctx, query, args...)
	if err != nil {
		return solar.RawSeries{}, fmt.Errorf("query power for %s: %w", site, err)
	}
	defer rows.Close()

	series := solar.RawSeries{Site: site}
	for rows.Next() {
		var (
			ts time.Time
			v  float64
		)
		if err := rows.Scan(&ts, &v); err != nil {
			return solar.RawSeries{}, fmt.Errorf("scan power for %s: %w", site, err)
		}
		series.Samples = append(series.Samples, solar.Sample{Timestamp: ts, Value: v})
	}
	if err := rows.Err(); err != nil {
		return solar.RawSeries{}, fmt.Errorf("read power for %s: %w", site, err)
	}
	return series, nil
}

func sitesQuery(table, site string) (string, []any) {
	if site == "" {
		return fmt.Sprintf("SELECT DISTINCT site FROM %s ORDER BY site", table), nil
	}
	return fmt.Sprintf("SELECT DISTINCT site FROM %s WHERE site = ? ORDER BY site", table), []any{site}
}

func powerQuery(table, measName, site string, filter solar.Filter) (string, []any) {
	var b strings.Builder
	fmt.Fprintf(&b, "SELECT ts, meas_val_f FROM %s WHERE site = ? AND meas_name = ?", table)
	args := []any{site, measName}
	if !filter.Start.IsZero() {
		b.WriteString(" AND ts >= ?")
		args = append(args, filter.Start.UTC())
	}
	if !filter.End.IsZero() {
		b.WriteString(" AND ts < ?")
		args = append(args, filter.End.UTC())
	}
	fmt.Fprintf(&b, " ORDER BY ts LIMIT %d", MaxSeriesRows)
	return b.String(), args
}
