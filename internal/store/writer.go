package store

import (
	"context"
	"fmt"

	"github.com/ClickHouse/ch-go"
	"github.com/ClickHouse/ch-go/proto"

	"github.com/slacgismo/solar-data-pipeline/internal/solar"
)

// MeasurementBatch holds column data for native insert
type MeasurementBatch struct {
	Site            *proto.ColStr
	MeasName        *proto.ColStr
	Ts              *proto.ColDateTime
	Sensor          *proto.ColStr
	Station         *proto.ColStr
	Company         *proto.ColStr
	Latitude        *proto.ColFloat64
	Longitude       *proto.ColFloat64
	MeasDescription *proto.ColStr
	MeasStatus      *proto.ColBool
	MeasUnit        *proto.ColStr
	MeasValB        *proto.ColBool
	MeasValF        *proto.ColFloat64
	MeasValS        *proto.ColStr
}

func NewMeasurementBatch() *MeasurementBatch {
	return &MeasurementBatch{
		Site:            new(proto.ColStr),
		MeasName:        new(proto.ColStr),
		Ts:              new(proto.ColDateTime),
		Sensor:          new(proto.ColStr),
		Station:         new(proto.ColStr),
		Company:         new(proto.ColStr),
		Latitude:        new(proto.ColFloat64),
		Longitude:       new(proto.ColFloat64),
		MeasDescription: new(proto.ColStr),
		MeasStatus:      new(proto.ColBool),
		MeasUnit:        new(proto.ColStr),
		MeasValB:        new(proto.ColBool),
		MeasValF:        new(proto.ColFloat64),
		MeasValS:        new(proto.ColStr),
	}
}

func (b *MeasurementBatch) Reset() {
	b.Site.Reset()
	b.MeasName.Reset()
	b.Ts.Reset()
	b.Sensor.Reset()
	b.Station.Reset()
	b.Company.Reset()
	b.Latitude.Reset()
	b.Longitude.Reset()
	b.MeasDescription.Reset()
	b.MeasStatus.Reset()
	b.MeasUnit.Reset()
	b.MeasValB.Reset()
	b.MeasValF.Reset()
	b.MeasValS.Reset()
}

func (b *MeasurementBatch) Len() int {
	return b.Site.Rows()
}

func (b *MeasurementBatch) Input() proto.Input {
	return proto.Input{
		{Name: "site", Data: b.Site},
		{Name: "meas_name", Data: b.MeasName},
		{Name: "ts", Data: b.Ts},
		{Name: "sensor", Data: b.Sensor},
		{Name: "station", Data: b.Station},
		{Name: "company", Data: b.Company},
		{Name: "latitude", Data: b.Latitude},
		{Name: "longitude", Data: b.Longitude},
		{Name: "meas_description", Data: b.MeasDescription},
		{Name: "meas_status", Data: b.MeasStatus},
		{Name: "meas_unit", Data: b.MeasUnit},
		{Name: "meas_val_b", Data: b.MeasValB},
		{Name: "meas_val_f", Data: b.MeasValF},
		{Name: "meas_val_s", Data: b.MeasValS},
	}
}

func (b *MeasurementBatch) Add(m solar.Measurement) {
	b.Site.Append(m.Site)
	b.MeasName.Append(m.MeasName)
	b.Ts.Append(m.Ts)
	b.Sensor.Append(m.Sensor)
	b.Station.Append(m.Station)
	b.Company.Append(m.Company)
	b.Latitude.Append(m.Latitude)
	b.Longitude.Append(m.Longitude)
	b.MeasDescription.Append(m.MeasDescription)
	b.MeasStatus.Append(m.MeasStatus)
	b.MeasUnit.Append(m.MeasUnit)
	b.MeasValB.Append(m.MeasValB)
	b.MeasValF.Append(m.MeasValF)
	b.MeasValS.Append(m.MeasValS)
}

// CreateTableSQL returns the DDL for the measurement table.
func CreateTableSQL(table string) string {
	return fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
    site             String,
    meas_name        String,
    ts               DateTime,
    sensor           String,
    station          String,
    company          String,
    latitude         Float64,
    longitude        Float64,
    meas_description String,
    meas_status      Bool,
    meas_unit        String,
    meas_val_b       Bool,
    meas_val_f       Float64,
    meas_val_s       String
) ENGINE = ReplacingMergeTree
ORDER BY (site, meas_name, ts, sensor, station, company)`, table)
}

func insertQuery(table string, input proto.Input) string {
	return fmt.Sprintf("INSERT INTO %s %s VALUES", table, input.Columns())
}

// WriterOptions holds the native protocol connection settings.
type WriterOptions struct {
	Addr     string
	Database string
	User     string
	Password string
	Table    string
}

// Writer bulk-inserts measurements over the native protocol.
type Writer struct {
	conn  *ch.Client
	table string
}

// Dial connects a Writer.
func Dial(ctx context.Context, opts WriterOptions) (*Writer, error) {
	if err := ValidateIdentifier(opts.Table); err != nil {
		return nil, fmt.Errorf("table: %w", err)
	}
	conn, err := ch.Dial(ctx, ch.Options{
		Address:     opts.Addr,
		Database:    opts.Database,
		User:        opts.User,
		Password:    opts.Password,
		Compression: ch.CompressionLZ4,
	})
	if err != nil {
		return nil, fmt.Errorf("clickhouse dial: %w", err)
	}
	return &Writer{conn: conn, table: opts.Table}, nil
}

func (w *Writer) Close() error { return w.conn.Close() }

// CreateTable runs CreateTableSQL.
func (w *Writer) CreateTable(ctx context.Context) error {
	return w.conn.Do(ctx, ch.Query{Body: CreateTableSQL(w.table)})
}

// Flush inserts the batch and resets it. An empty batch is a no-op.
func (w *Writer) Flush(ctx context.Context, batch *MeasurementBatch) error {
	if batch.Len() == 0 {
		return nil
	}
	input := batch.Input()
	if err := w.conn.Do(ctx, ch.Query{Body: insertQuery(w.table, input), Input: input}); err != nil {
		return fmt.Errorf("insert into %s: %w", w.table, err)
	}
	batch.Reset()
	return nil
}
