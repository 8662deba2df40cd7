// Package solar provides the daily power grid used by the retrieval pipeline.
// It holds the raw sample types read from sources, the day matrix that
// downstream analysis consumes, and the transforms between the two.
package solar

import "time"

const (
	// SamplesPerDay is the canonical grid size: 5-minute cadence over 24h.
	SamplesPerDay = 288

	// SentinelMissing is the "no reading" marker written by the measurement store.
	SentinelMissing = -999999.0

	// DefaultNightThreshold is the fraction of the peak reading below which a
	// slot is treated as night when locating sunrise and sunset.
	DefaultNightThreshold = 0.005
)

// SchemaVersion is the current measurement schema version.
const SchemaVersion = 1

// SourceTag identifies a data source registered with the retrieval facade.
type SourceTag string

const (
	SourceStore SourceTag = "store"
	SourceFile  SourceTag = "file"
)

// Sample is one raw power reading.
type Sample struct {
	Timestamp time.Time
	Value     float64
}

// RawSeries is the ordered reading stream for one site over a time window.
// Samples need not be evenly spaced and may carry SentinelMissing.
type RawSeries struct {
	Site    string
	Samples []Sample
}

// DailyVector is one day on the canonical grid. Day is midnight in the
// normalizer's location.
type DailyVector struct {
	Day    time.Time
	Values []float64
}

// Filter narrows a source retrieval. Zero times mean unbounded.
type Filter struct {
	Start time.Time
	End   time.Time
	Sites []string
}

// Payload is what a source hands back: either a RawSeries that still needs
// normalizing, or an already gridded *DayMatrix.
type Payload interface {
	payload()
}

func (RawSeries) payload()  {}
func (*DayMatrix) payload() {}

// Measurement is one row of the measurement_raw table.
type Measurement struct {
	Site            string    `ch:"site"`
	MeasName        string    `ch:"meas_name"`
	Ts              time.Time `ch:"ts"`
	Sensor          string    `ch:"sensor"`
	Station         string    `ch:"station"`
	Company         string    `ch:"company"`
	Latitude        float64   `ch:"latitude"`
	Longitude       float64   `ch:"longitude"`
	MeasDescription string    `ch:"meas_description"`
	MeasStatus      bool      `ch:"meas_status"`
	MeasUnit        string    `ch:"meas_unit"`
	MeasValB        bool      `ch:"meas_val_b"`
	MeasValF        float64   `ch:"meas_val_f"`
	MeasValS        string    `ch:"meas_val_s"`
}

// PowerMeasName is the meas_name carrying AC power readings.
const PowerMeasName = "ac_power"
