// Package cache keeps per-site day matrices in BadgerDB so repeated
// retrievals over the same window skip the store and the normalizer.
package cache

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"
	"github.com/klauspost/compress/zstd"
	"go.uber.org/zap"

	"github.com/slacgismo/solar-data-pipeline/internal/solar"
)

const keyPrefix = "dm:"

// Config holds cache configuration.
type Config struct {
	// Path to the database directory. Ignored when InMemory is set.
	Path string

	// InMemory mode (for testing)
	InMemory bool

	// TTL of each entry. Zero keeps entries until overwritten.
	TTL time.Duration

	Logger *zap.Logger
}

// Cache is a matrix cache backed by BadgerDB with zstd-compressed values.
type Cache struct {
	db  *badger.DB
	enc *zstd.Encoder
	dec *zstd.Decoder
	ttl time.Duration
}

// Key identifies one cached site matrix. Grid holds the normalizer settings
// the matrix was built with; matrices built under other settings miss.
type Key struct {
	Table     string
	Site      string
	MeasName  string
	Transform string
	Start     time.Time
	End       time.Time
	Grid      solar.NormalizerConfig
}

func (k Key) bytes() []byte {
	d := xxhash.New()
	loc := ""
	if k.Grid.Location != nil {
		loc = k.Grid.Location.String()
	}
	for _, s := range []string{k.Table, k.Site, k.MeasName, k.Transform, loc, string(k.Grid.OnDegenerateDay)} {
		_, _ = d.WriteString(s)
		_, _ = d.Write([]byte{0})
	}
	var buf [40]byte
	binary.BigEndian.PutUint64(buf[0:8], uint64(unixNanoOrZero(k.Start)))
	binary.BigEndian.PutUint64(buf[8:16], uint64(unixNanoOrZero(k.End)))
	binary.BigEndian.PutUint64(buf[16:24], uint64(k.Grid.SamplesPerDay))
	binary.BigEndian.PutUint64(buf[24:32], math.Float64bits(k.Grid.Sentinel))
	binary.BigEndian.PutUint64(buf[32:40], math.Float64bits(k.Grid.NightThreshold))
	_, _ = d.Write(buf[:])

	key := make([]byte, len(keyPrefix)+8)
	copy(key, keyPrefix)
	binary.BigEndian.PutUint64(key[len(keyPrefix):], d.Sum64())
	return key
}

// Open opens or creates the cache.
func Open(cfg Config) (*Cache, error) {
	opts := badger.DefaultOptions(cfg.Path)
	if cfg.InMemory {
		opts = opts.WithInMemory(true)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	opts = opts.
		WithLogger(badgerLogger{logger.Sugar()}).
		WithCompression(options.None). // values are already zstd
		WithNumVersionsToKeep(1).
		WithMemTableSize(16 << 20).
		WithNumCompactors(2).
		WithValueLogFileSize(64 << 20)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open cache: %w", err)
	}
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create decoder: %w", err)
	}
	return &Cache{db: db, enc: enc, dec: dec, ttl: cfg.TTL}, nil
}

// Close releases the database.
func (c *Cache) Close() error {
	c.enc.Close()
	c.dec.Close()
	return c.db.Close()
}

// Get returns the cached matrix for key. ok is false on a miss.
func (c *Cache) Get(ctx context.Context, key Key) (m *solar.DayMatrix, ok bool, err error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	err = c.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key.bytes())
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			raw, err := c.dec.DecodeAll(val, nil)
			if err != nil {
				return fmt.Errorf("failed to decompress: %w", err)
			}
			m, err = decodeMatrix(raw)
			return err
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return m, true, nil
}

// Put stores m under key.
func (c *Cache) Put(ctx context.Context, key Key, m *solar.DayMatrix) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	raw := encodeMatrix(m)
	val := c.enc.EncodeAll(raw, make([]byte, 0, len(raw)/4))
	return c.db.Update(func(txn *badger.Txn) error {
		e := badger.NewEntry(key.bytes(), val)
		if c.ttl > 0 {
			e = e.WithTTL(c.ttl)
		}
		return txn.SetEntry(e)
	})
}

// Matrix layout: rows u32, cols u32, hasDays u8, [cols]i64 days, rows*cols f64
// in column order. Days are restored in UTC.
func encodeMatrix(m *solar.DayMatrix) []byte {
	rows, cols := m.Rows(), m.Cols()
	hasDays := len(m.Days) == cols && cols > 0
	size := 9 + 8*rows*cols
	if hasDays {
		size += 8 * cols
	}
	buf := make([]byte, size)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(rows))
	binary.LittleEndian.PutUint32(buf[4:8], uint32(cols))
	off := 9
	if hasDays {
		buf[8] = 1
		for _, d := range m.Days {
			binary.LittleEndian.PutUint64(buf[off:], uint64(unixNanoOrZero(d)))
			off += 8
		}
	}
	for j := 0; j < cols; j++ {
		for _, v := range m.Col(j) {
			binary.LittleEndian.PutUint64(buf[off:], math.Float64bits(v))
			off += 8
		}
	}
	return buf
}

func decodeMatrix(buf []byte) (*solar.DayMatrix, error) {
	if len(buf) < 9 {
		return nil, fmt.Errorf("cached matrix truncated: %d bytes", len(buf))
	}
	rows := int(binary.LittleEndian.Uint32(buf[0:4]))
	cols := int(binary.LittleEndian.Uint32(buf[4:8]))
	hasDays := buf[8] == 1
	want := 9 + 8*rows*cols
	if hasDays {
		want += 8 * cols
	}
	if len(buf) != want {
		return nil, fmt.Errorf("cached matrix is %d bytes, want %d", len(buf), want)
	}

	m := solar.NewDayMatrix(rows, cols)
	off := 9
	if hasDays {
		m.Days = make([]time.Time, cols)
		for j := range m.Days {
			if n := int64(binary.LittleEndian.Uint64(buf[off:])); n != 0 {
				m.Days[j] = time.Unix(0, n).UTC()
			}
			off += 8
		}
	}
	col := make([]float64, rows)
	for j := 0; j < cols; j++ {
		for i := range col {
			col[i] = math.Float64frombits(binary.LittleEndian.Uint64(buf[off:]))
			off += 8
		}
		if rows > 0 {
			m.SetCol(j, col)
		}
	}
	return m, nil
}

func unixNanoOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

// badgerLogger routes badger's internal logging through zap.
type badgerLogger struct {
	s *zap.SugaredLogger
}

func (l badgerLogger) Errorf(f string, v ...interface{})   { l.s.Errorf(f, v...) }
func (l badgerLogger) Warningf(f string, v ...interface{}) { l.s.Warnf(f, v...) }
func (l badgerLogger) Infof(f string, v ...interface{})    { l.s.Debugf(f, v...) }
func (l badgerLogger) Debugf(f string, v ...interface{})   { l.s.Debugf(f, v...) }
