// Package arrow_client exports anomaly monitor results as Arrow record
// batches, either over Arrow Flight or as IPC streams.
package arrow_client

import (
	"context"
	"sync"
	"time"

	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/google/uuid"

	"github.com/23skdu/longbow-quiver/internal/anomaly"
	"github.com/23skdu/longbow-quiver/internal/logger"
	"github.com/23skdu/longbow-quiver/internal/metrics"
)

// DefaultMaxPending bounds buffered results while the sink is unreachable.
const DefaultMaxPending = 1 << 16

// Exporter buffers anomaly results and ships them in batches. It implements
// anomaly.Reporter; Report never blocks on the network.
type Exporter struct {
	sink       Uploader
	mem        memory.Allocator
	flushEvery int
	maxPending int

	mu      sync.Mutex
	pending []anomaly.Result
	ready   chan struct{}
}

func NewExporter(sink Uploader, flushEvery int) *Exporter {
	if flushEvery <= 0 {
		flushEvery = 1
	}
	return &Exporter{
		sink:       sink,
		mem:        memory.NewGoAllocator(),
		flushEvery: flushEvery,
		maxPending: DefaultMaxPending,
		ready:      make(chan struct{}, 1),
	}
}

func (e *Exporter) Report(res anomaly.Result) {
	e.mu.Lock()
	e.pending = append(e.pending, res)
	e.trimLocked()
	full := len(e.pending) >= e.flushEvery
	e.mu.Unlock()

	if full {
		select {
		case e.ready <- struct{}{}:
		default:
		}
	}
}

// trimLocked drops the oldest results beyond maxPending.
func (e *Exporter) trimLocked() {
	if over := len(e.pending) - e.maxPending; over > 0 {
		e.pending = e.pending[over:]
	}
}

func (e *Exporter) Pending() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.pending)
}

// Flush ships everything buffered as one batch under ["anomalies", <id>].
// On failure the results are kept for the next attempt; the oldest are
// dropped past maxPending.
func (e *Exporter) Flush(ctx context.Context) (int, error) {
	e.mu.Lock()
	batch := e.pending
	e.pending = nil
	e.mu.Unlock()
	if len(batch) == 0 {
		return 0, nil
	}

	rec := BuildRecord(e.mem, batch)
	defer rec.Release()

	id := uuid.NewString()
	err := e.sink.Put(ctx, []string{"anomalies", id}, rec)
	metrics.RecordExportBatch(err)
	if err != nil {
		e.mu.Lock()
		e.pending = append(batch, e.pending...)
		e.trimLocked()
		e.mu.Unlock()
		return 0, err
	}
	logger.Log.With("component", "export").Debug("anomaly batch shipped", "batch", id, "rows", len(batch))
	return len(batch), nil
}

// Run flushes whenever flushEvery results are buffered or interval
// elapses, until ctx is done. A final flush is attempted on the way out.
func (e *Exporter) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	log := logger.Log.With("component", "export")

	flush := func(ctx context.Context) {
		if _, err := e.Flush(ctx); err != nil {
			log.Warn("anomaly export failed", "error", err, "pending", e.Pending())
		}
	}
	for {
		select {
		case <-ctx.Done():
			final, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			flush(final)
			cancel()
			return
		case <-e.ready:
			flush(ctx)
		case <-ticker.C:
			flush(ctx)
		}
	}
}
