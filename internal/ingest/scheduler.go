// Package ingest runs the per-chunk pipelines of an extraction: decode,
// extract and write, fanned out over a bounded set of goroutines, with
// every recoverable failure routed to an ErrorSink.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/wegman-software/osmextract/internal/extract"
	"github.com/wegman-software/osmextract/internal/failure"
	"github.com/wegman-software/osmextract/internal/logger"
	"github.com/wegman-software/osmextract/internal/metrics"
	"github.com/wegman-software/osmextract/internal/pbf"
)

// Store receives extracted records. Writes must be idempotent upserts.
type Store interface {
	EnsureSchema(ctx context.Context) error
	UpsertCity(ctx context.Context, c extract.City) error
	UpsertRoad(ctx context.Context, r extract.Road) error
}

// Archive receives a copy of every extracted record
type Archive interface {
	WriteCities(cities []extract.City) error
	WriteRoads(roads []extract.Road) error
}

// Options bounds the concurrency of a run
type Options struct {
	PoolSize         int           // max chunks in flight, equal to the store pool size
	Workers          int           // max chunks decoding at once
	ProgressInterval time.Duration // zero disables progress logging
	TotalBytes       int64         // input size for ETA, zero if unknown
	MaxSamples       int           // error messages kept per kind
}

// Option configures optional Scheduler outputs
type Option func(*Scheduler)

// WithArchive copies every extracted record to a
func WithArchive(a Archive) Option {
	return func(s *Scheduler) {
		s.archive = a
	}
}

// WithMetrics updates run counters as chunks complete
func WithMetrics(m *metrics.Run) Option {
	return func(s *Scheduler) {
		s.metrics = m
	}
}

// WithLogger replaces the global logger
func WithLogger(l *zap.Logger) Option {
	return func(s *Scheduler) {
		s.log = l
	}
}

// Scheduler drives one extraction run
type Scheduler struct {
	opts    Options
	store   Store
	ext     *extract.Extractor
	archive Archive
	metrics *metrics.Run
	log     *zap.Logger
	sink    *ErrorSink
}

// NewScheduler creates a scheduler writing to store
func NewScheduler(opts Options, store Store, ext *extract.Extractor, options ...Option) *Scheduler {
	if opts.PoolSize < 1 {
		opts.PoolSize = 1
	}
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	if opts.MaxSamples == 0 {
		opts.MaxSamples = DefaultMaxSamples
	}

	s := &Scheduler{
		opts:  opts,
		store: store,
		ext:   ext,
		log:   logger.Named("ingest"),
	}
	for _, o := range options {
		o(s)
	}
	s.sink = NewErrorSink(opts.MaxSamples, s.log)
	return s
}

// Sink returns the error sink of the scheduler
func (s *Scheduler) Sink() *ErrorSink {
	return s.sink
}

// Run bootstraps the schema, then reads chunks from r and processes each
// on its own goroutine. At most PoolSize chunks are in flight, so writes
// never wait on more connections than the pool holds. Run returns only
// after every dispatched pipeline has finished; the returned error is
// non-nil for fatal failures only (schema bootstrap, framing, cancel).
func (s *Scheduler) Run(ctx context.Context, r *pbf.Reader) (*Report, error) {
	start := time.Now()
	report := &Report{}

	if err := s.store.EnsureSchema(ctx); err != nil {
		return nil, fmt.Errorf("schema bootstrap failed: %w", err)
	}

	dec := pbf.NewDecoder()
	defer dec.Close()

	decodeSlots := semaphore.NewWeighted(int64(s.opts.Workers))
	var g errgroup.Group
	g.SetLimit(s.opts.PoolSize)

	progressCtx, cancelProgress := context.WithCancel(ctx)
	progressDone := make(chan struct{})
	stopProgress := func() {
		cancelProgress()
		<-progressDone
	}
	if s.opts.ProgressInterval > 0 {
		go func() {
			defer close(progressDone)
			s.reportProgress(progressCtx, report)
		}()
	} else {
		close(progressDone)
	}

	var fatal error
	for {
		if err := ctx.Err(); err != nil {
			fatal = err
			break
		}

		c, err := r.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			kind := failure.KindOf(err)
			if kind == failure.KindUnknown {
				kind = failure.KindFraming
			}
			s.fail(kind, report.ChunksRead.Load(), 1, err)
			fatal = err
			break
		}

		report.ChunksRead.Add(1)
		report.BytesRead.Store(r.Offset())
		if s.metrics != nil {
			s.metrics.BytesRead.Add(float64(c.Size()))
		}

		// blocks while PoolSize pipelines are in flight
		g.Go(func() error {
			s.process(ctx, dec, decodeSlots, c, report)
			return nil
		})
	}

	// barrier: every dispatched pipeline reports before the run ends
	_ = g.Wait()
	stopProgress()

	report.Errors = s.sink.Counts()
	report.Samples = make(map[failure.Kind][]string)
	for _, k := range failure.Kinds {
		if samples := s.sink.Samples(k); len(samples) > 0 {
			report.Samples[k] = samples
		}
	}
	report.Duration = time.Since(start)
	if s.metrics != nil {
		s.metrics.Duration.Set(report.Duration.Seconds())
	}

	if fatal != nil {
		if errors.Is(fatal, context.Canceled) || errors.Is(fatal, context.DeadlineExceeded) {
			return report, fmt.Errorf("run cancelled: %w", fatal)
		}
		return report, fmt.Errorf("failed to read input: %w", fatal)
	}
	return report, nil
}

// process is one chunk pipeline: decode, extract, write
func (s *Scheduler) process(ctx context.Context, dec *pbf.Decoder, slots *semaphore.Weighted, c pbf.Chunk, report *Report) {
	if err := slots.Acquire(ctx, 1); err != nil {
		report.ChunksCancelled.Add(1)
		s.countChunk("cancelled")
		return
	}
	block, err := dec.Decode(c)
	var res extract.Result
	if batch, ok := block.(*pbf.EntityBatch); ok && err == nil {
		res = s.ext.Batch(batch)
	}
	slots.Release(1)

	if err != nil {
		report.ChunksFailed.Add(1)
		s.countChunk("failed")
		s.fail(failure.KindDecode, c.Index, 1, err)
		return
	}

	switch b := block.(type) {
	case *pbf.Header:
		report.ChunksDecoded.Add(1)
		report.HeaderChunks.Add(1)
		report.header.CompareAndSwap(nil, b)
		s.countChunk("header")
		s.logHeader(b)
		return
	case pbf.Unrecognized:
		report.UnrecognizedChunks.Add(1)
		s.countChunk("unrecognized")
		s.log.Debug("Skipping unrecognized chunk",
			zap.Int64("chunk", c.Index),
			zap.String("type", b.Type))
		return
	case *pbf.EntityBatch:
		report.ChunksDecoded.Add(1)
		report.PlainNodes.Add(int64(b.PlainNodes))
		report.DenseNodes.Add(int64(b.DenseNodes))
		report.Ways.Add(int64(len(b.Ways)))
		report.Relations.Add(int64(b.Relations))
		s.countChunk("decoded")
	}

	report.CitiesExtracted.Add(int64(len(res.Cities)))
	report.RoadsExtracted.Add(int64(len(res.Roads)))
	s.countEntities("city", "extracted", len(res.Cities))
	s.countEntities("road", "extracted", len(res.Roads))

	if s.archive != nil {
		s.archiveResult(c.Index, res, report)
	}
	s.write(ctx, c.Index, res, report)
}

// write upserts every record of a chunk. A pool failure abandons the
// rest of the chunk: the pool is exhausted and further acquires would
// only wait out their own retries. Abandoned records count as failed.
func (s *Scheduler) write(ctx context.Context, chunk int64, res extract.Result, report *Report) {
	for i, city := range res.Cities {
		err := s.store.UpsertCity(ctx, city)
		if err == nil {
			report.CitiesWritten.Add(1)
			s.countEntities("city", "written", 1)
			continue
		}

		kind := storeKind(err)
		report.CitiesFailed.Add(1)
		s.countEntities("city", "failed", 1)
		s.fail(kind, chunk, 1, err)
		if kind == failure.KindPool {
			s.abandon(chunk, len(res.Cities)-i-1, len(res.Roads), err, report)
			return
		}
	}

	for i, road := range res.Roads {
		err := s.store.UpsertRoad(ctx, road)
		if err == nil {
			report.RoadsWritten.Add(1)
			s.countEntities("road", "written", 1)
			continue
		}

		kind := storeKind(err)
		report.RoadsFailed.Add(1)
		s.countEntities("road", "failed", 1)
		s.fail(kind, chunk, 1, err)
		if kind == failure.KindPool {
			s.abandon(chunk, 0, len(res.Roads)-i-1, err, report)
			return
		}
	}
}

func (s *Scheduler) abandon(chunk int64, cities, roads int, cause error, report *Report) {
	if cities+roads == 0 {
		return
	}
	report.CitiesFailed.Add(int64(cities))
	report.RoadsFailed.Add(int64(roads))
	s.countEntities("city", "failed", cities)
	s.countEntities("road", "failed", roads)
	s.fail(failure.KindPool, chunk, int64(cities+roads),
		failure.New(failure.KindPool, fmt.Sprintf("abandon %d remaining writes", cities+roads), cause))
}

// archiveResult copies a chunk's records to the archive. Archive failures
// are counted apart from the store failure kinds: the database writes of
// the same records proceed regardless.
func (s *Scheduler) archiveResult(chunk int64, res extract.Result, report *Report) {
	if len(res.Cities) > 0 {
		if err := s.archive.WriteCities(res.Cities); err != nil {
			s.archiveFailed(chunk, "city", len(res.Cities), err, report)
		}
	}
	if len(res.Roads) > 0 {
		if err := s.archive.WriteRoads(res.Roads); err != nil {
			s.archiveFailed(chunk, "road", len(res.Roads), err, report)
		}
	}
}

func (s *Scheduler) archiveFailed(chunk int64, typ string, n int, err error, report *Report) {
	report.ArchiveFailed.Add(int64(n))
	s.countEntities(typ, "archive_failed", n)
	s.log.Warn("Failed to archive records",
		zap.Int64("chunk", chunk),
		zap.String("type", typ),
		zap.Int("count", n),
		zap.Error(err))
}

func (s *Scheduler) fail(kind failure.Kind, chunk int64, n int64, err error) {
	s.sink.RecordN(kind, chunk, n, err)
	if s.metrics != nil {
		s.metrics.Errors.WithLabelValues(kind.String()).Add(float64(n))
	}
}

func (s *Scheduler) countChunk(outcome string) {
	if s.metrics != nil {
		s.metrics.Chunks.WithLabelValues(outcome).Inc()
	}
}

func (s *Scheduler) countEntities(typ, outcome string, n int) {
	if s.metrics != nil && n > 0 {
		s.metrics.Entities.WithLabelValues(typ, outcome).Add(float64(n))
	}
}

func (s *Scheduler) logHeader(h *pbf.Header) {
	fields := []zap.Field{
		zap.String("writing_program", h.WritingProgram),
		zap.Strings("required_features", h.RequiredFeatures),
	}
	if h.Source != "" {
		fields = append(fields, zap.String("source", h.Source))
	}
	if !h.ReplicationTimestamp.IsZero() {
		fields = append(fields, zap.Time("replication_timestamp", h.ReplicationTimestamp))
	}
	s.log.Info("File header", fields...)

	if unsupported := h.UnsupportedFeatures(); len(unsupported) > 0 {
		s.log.Warn("File requires features this reader does not implement",
			zap.Strings("features", unsupported))
	}
}

func (s *Scheduler) reportProgress(ctx context.Context, report *Report) {
	tracker := NewProgressTracker(s.opts.TotalBytes)
	ticker := time.NewTicker(s.opts.ProgressInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			records := report.CitiesExtracted.Load() + report.RoadsExtracted.Load()
			p := tracker.Calculate(records, report.BytesRead.Load())
			s.log.Info("Progress",
				zap.String("pct", fmt.Sprintf("%.1f%%", p.Percentage)),
				zap.String("read", FormatBytes(p.Bytes)),
				zap.Int64("chunks", report.ChunksRead.Load()),
				zap.Int64("cities", report.CitiesWritten.Load()),
				zap.Int64("roads", report.RoadsWritten.Load()),
				zap.String("rate", FormatThroughput(p.Throughput)),
				zap.String("eta", FormatETA(p.ETA)),
			)
		}
	}
}

// storeKind classifies a store error; untyped errors count as store errors
func storeKind(err error) failure.Kind {
	if kind := failure.KindOf(err); kind != failure.KindUnknown {
		return kind
	}
	return failure.KindStore
}
