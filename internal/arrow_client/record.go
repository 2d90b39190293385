package arrow_client

import (
	"fmt"
	"io"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/23skdu/longbow-quiver/internal/anomaly"
)

// AnomalySchema is the column layout of exported anomaly batches.
var AnomalySchema = arrow.NewSchema([]arrow.Field{
	{Name: "stage", Type: arrow.BinaryTypes.String},
	{Name: "layer", Type: arrow.PrimitiveTypes.Int32},
	{Name: "elements", Type: arrow.PrimitiveTypes.Int64},
	{Name: "nan", Type: arrow.PrimitiveTypes.Int64},
	{Name: "inf", Type: arrow.PrimitiveTypes.Int64},
	{Name: "clamped", Type: arrow.PrimitiveTypes.Int64},
	{Name: "max_abs", Type: arrow.PrimitiveTypes.Float32},
	{Name: "observed_at", Type: arrow.FixedWidthTypes.Timestamp_us},
}, nil)

// BuildRecord packs results into one record. The caller releases it.
func BuildRecord(mem memory.Allocator, results []anomaly.Result) arrow.Record {
	b := array.NewRecordBuilder(mem, AnomalySchema)
	defer b.Release()

	stage := b.Field(0).(*array.StringBuilder)
	layer := b.Field(1).(*array.Int32Builder)
	elements := b.Field(2).(*array.Int64Builder)
	nan := b.Field(3).(*array.Int64Builder)
	inf := b.Field(4).(*array.Int64Builder)
	clamped := b.Field(5).(*array.Int64Builder)
	maxAbs := b.Field(6).(*array.Float32Builder)
	observed := b.Field(7).(*array.TimestampBuilder)

	for _, r := range results {
		stage.Append(string(r.Tag.Stage))
		layer.Append(int32(r.Tag.Layer))
		elements.Append(int64(r.Elements))
		nan.Append(int64(r.NaN))
		inf.Append(int64(r.Inf))
		clamped.Append(int64(r.Clamped))
		maxAbs.Append(r.MaxAbs)
		observed.Append(arrow.Timestamp(r.ObservedAt.UnixMicro()))
	}
	return b.NewRecord()
}

// EncodeIPC writes rec to w as an Arrow IPC stream.
func EncodeIPC(w io.Writer, rec arrow.Record) error {
	iw := ipc.NewWriter(w, ipc.WithSchema(rec.Schema()))
	if err := iw.Write(rec); err != nil {
		_ = iw.Close()
		return fmt.Errorf("ipc write: %w", err)
	}
	return iw.Close()
}

// DecodeIPC reads every anomaly record of an IPC stream.
func DecodeIPC(r io.Reader) ([]anomaly.Result, error) {
	rdr, err := ipc.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("ipc reader: %w", err)
	}
	defer rdr.Release()

	var out []anomaly.Result
	for rdr.Next() {
		out = append(out, FromRecord(rdr.Record())...)
	}
	if err := rdr.Err(); err != nil {
		return nil, fmt.Errorf("ipc read: %w", err)
	}
	return out, nil
}

// FromRecord unpacks a record built by BuildRecord.
func FromRecord(rec arrow.Record) []anomaly.Result {
	stage := rec.Column(0).(*array.String)
	layer := rec.Column(1).(*array.Int32)
	elements := rec.Column(2).(*array.Int64)
	nan := rec.Column(3).(*array.Int64)
	inf := rec.Column(4).(*array.Int64)
	clamped := rec.Column(5).(*array.Int64)
	maxAbs := rec.Column(6).(*array.Float32)
	observed := rec.Column(7).(*array.Timestamp)

	out := make([]anomaly.Result, rec.NumRows())
	for i := range out {
		out[i] = anomaly.Result{
			Tag:        anomaly.Tag{Stage: anomaly.Stage(stage.Value(i)), Layer: int(layer.Value(i))},
			Elements:   int(elements.Value(i)),
			NaN:        int(nan.Value(i)),
			Inf:        int(inf.Value(i)),
			Clamped:    int(clamped.Value(i)),
			MaxAbs:     maxAbs.Value(i),
			ObservedAt: time.UnixMicro(int64(observed.Value(i))).UTC(),
		}
	}
	return out
}
