// Package samples provides Parquet helpers for measurement sample streams:
// a typed sample row and a buffered recorder that flushes Parquet objects
// into the store under a per-measurement prefix.
package samples

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/parquet-go/parquet-go"
	"github.com/rs/zerolog"
)

// Sample is one measurement point from a device signal.
type Sample struct {
	Timestamp int64   `parquet:"timestamp,timestamp(microsecond)"`
	Device    string  `parquet:"device,dict"`
	Signal    string  `parquet:"signal,dict"`
	Value     float64 `parquet:"value"`
}

// At returns the sample's timestamp as wall-clock time.
func (s Sample) At() time.Time {
	return time.UnixMicro(s.Timestamp).UTC()
}

// NewSample builds a sample row for the given instant.
func NewSample(ts time.Time, device, signal string, value float64) Sample {
	return Sample{
		Timestamp: ts.UnixMicro(),
		Device:    device,
		Signal:    signal,
		Value:     value,
	}
}

// Encode serializes rows into a single Parquet object.
func Encode(rows []Sample) ([]byte, error) {
	var buf bytes.Buffer

	w := parquet.NewGenericWriter[Sample](&buf)
	if _, err := w.Write(rows); err != nil {
		return nil, fmt.Errorf("failed to write sample rows: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("failed to finalize parquet object: %w", err)
	}

	return buf.Bytes(), nil
}

// Decode reads all sample rows from a Parquet object.
func Decode(data []byte) ([]Sample, error) {
	rows, err := parquet.Read[Sample](bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("failed to read sample rows: %w", err)
	}
	return rows, nil
}

// ObjectSink is where flushed Parquet objects go.
type ObjectSink interface {
	PutObject(ctx context.Context, key string, data []byte) error
}

// Recorder buffers samples and flushes them as Parquet objects named by the
// first buffered timestamp, under "<prefix>/<measurement>/".
type Recorder struct {
	sink        ObjectSink
	prefix      string
	measurement string
	flushAfter  int
	log         zerolog.Logger

	mu  sync.Mutex
	buf []Sample
}

// NewRecorder creates a recorder flushing every flushAfter samples.
func NewRecorder(sink ObjectSink, prefix, measurement string, flushAfter int, log zerolog.Logger) *Recorder {
	if flushAfter < 1 {
		flushAfter = 1
	}
	return &Recorder{
		sink:        sink,
		prefix:      prefix,
		measurement: measurement,
		flushAfter:  flushAfter,
		log:         log.With().Str("component", "recorder").Str("measurement", measurement).Logger(),
	}
}

// Record buffers one sample, flushing when the buffer is full.
func (r *Recorder) Record(ctx context.Context, s Sample) error {
	r.mu.Lock()
	r.buf = append(r.buf, s)
	full := len(r.buf) >= r.flushAfter
	r.mu.Unlock()

	if full {
		return r.Flush(ctx)
	}
	return nil
}

// Flush writes the buffered samples as one Parquet object. A failed upload
// keeps the rows buffered for the next attempt.
func (r *Recorder) Flush(ctx context.Context) error {
	r.mu.Lock()
	rows := r.buf
	r.buf = nil
	r.mu.Unlock()

	if len(rows) == 0 {
		return nil
	}

	data, err := Encode(rows)
	if err != nil {
		return err
	}

	key := fmt.Sprintf("%s%s/%s.parquet",
		r.prefix, r.measurement, rows[0].At().Format("2006-01-02T15-04-05.000000"))

	if err := r.sink.PutObject(ctx, key, data); err != nil {
		r.mu.Lock()
		r.buf = append(rows, r.buf...)
		r.mu.Unlock()
		return fmt.Errorf("failed to upload %s: %w", key, err)
	}

	r.log.Debug().Str("key", key).Int("rows", len(rows)).Msg("Flushed samples")

	return nil
}

// Len reports the number of buffered samples.
func (r *Recorder) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.buf)
}
