package ingest

import (
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/wegman-software/osmextract/internal/failure"
	"github.com/wegman-software/osmextract/internal/pbf"
)

// Report summarizes one run. Counters are updated concurrently by chunk
// pipelines; the report is final once Run returns.
type Report struct {
	ChunksRead         atomic.Int64
	ChunksDecoded      atomic.Int64 // header and data chunks decoded
	HeaderChunks       atomic.Int64
	UnrecognizedChunks atomic.Int64
	ChunksFailed       atomic.Int64 // lost to a decode failure
	ChunksCancelled    atomic.Int64 // never decoded because the run was cancelled
	BytesRead          atomic.Int64

	PlainNodes atomic.Int64
	DenseNodes atomic.Int64
	Ways       atomic.Int64
	Relations  atomic.Int64

	CitiesExtracted atomic.Int64
	CitiesWritten   atomic.Int64
	CitiesFailed    atomic.Int64
	RoadsExtracted  atomic.Int64
	RoadsWritten    atomic.Int64
	RoadsFailed     atomic.Int64

	ArchiveFailed atomic.Int64 // records the archive rejected; their store writes are unaffected

	header atomic.Pointer[pbf.Header]

	// Set after all pipelines finished
	Errors   map[failure.Kind]int64
	Samples  map[failure.Kind][]string
	Duration time.Duration
}

// Header returns the decoded file header, nil if none was seen
func (r *Report) Header() *pbf.Header {
	return r.header.Load()
}

// Consistent reports whether every extracted record was either written
// or counted as failed
func (r *Report) Consistent() bool {
	return r.CitiesExtracted.Load() == r.CitiesWritten.Load()+r.CitiesFailed.Load() &&
		r.RoadsExtracted.Load() == r.RoadsWritten.Load()+r.RoadsFailed.Load()
}

// ErrorCount returns the failures of all kinds
func (r *Report) ErrorCount() int64 {
	var n int64
	for _, c := range r.Errors {
		n += c
	}
	return n
}

// Log writes the end-of-run summary
func (r *Report) Log(log *zap.Logger) {
	log.Info("Extraction complete",
		zap.Duration("duration", r.Duration.Round(time.Millisecond)),
		zap.Int64("chunks", r.ChunksRead.Load()),
		zap.Int64("chunks_failed", r.ChunksFailed.Load()),
		zap.String("input", FormatBytes(r.BytesRead.Load())),
		zap.Int64("plain_nodes", r.PlainNodes.Load()),
		zap.Int64("dense_nodes", r.DenseNodes.Load()),
		zap.Int64("ways", r.Ways.Load()),
	)
	log.Info("Records",
		zap.Int64("cities_extracted", r.CitiesExtracted.Load()),
		zap.Int64("cities_written", r.CitiesWritten.Load()),
		zap.Int64("cities_failed", r.CitiesFailed.Load()),
		zap.Int64("roads_extracted", r.RoadsExtracted.Load()),
		zap.Int64("roads_written", r.RoadsWritten.Load()),
		zap.Int64("roads_failed", r.RoadsFailed.Load()),
	)
	if n := r.ArchiveFailed.Load(); n > 0 {
		log.Warn("Archive incomplete", zap.Int64("records_not_archived", n))
	}
	for _, k := range failure.Kinds {
		if n := r.Errors[k]; n > 0 {
			log.Warn("Failures",
				zap.Stringer("kind", k),
				zap.Int64("count", n),
				zap.Strings("samples", r.Samples[k]))
		}
	}
}
