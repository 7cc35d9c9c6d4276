package ingest

import (
	"sync"
	"sync/atomic"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/wegman-software/osmextract/internal/failure"
)

// DefaultMaxSamples is the number of messages kept per failure kind
const DefaultMaxSamples = 10

// maxSampleLen bounds one stored message
const maxSampleLen = 300

// ErrorSink collects recoverable failures from every chunk pipeline. It
// counts per kind, keeps the first few messages and logs them. Recording
// never fails and is safe for concurrent use.
type ErrorSink struct {
	maxSamples int
	log        *zap.Logger

	counts map[failure.Kind]*atomic.Int64 // fixed at construction

	mu      sync.Mutex
	samples map[failure.Kind][]string
}

// NewErrorSink creates a sink keeping up to maxSamples messages per kind
func NewErrorSink(maxSamples int, log *zap.Logger) *ErrorSink {
	if maxSamples < 0 {
		maxSamples = 0
	}
	if log == nil {
		log = zap.NewNop()
	}
	s := &ErrorSink{
		maxSamples: maxSamples,
		log:        log,
		counts:     make(map[failure.Kind]*atomic.Int64),
		samples:    make(map[failure.Kind][]string),
	}
	s.counts[failure.KindUnknown] = new(atomic.Int64)
	for _, k := range failure.Kinds {
		s.counts[k] = new(atomic.Int64)
	}
	return s
}

// Record notes one failure of kind for the chunk at index chunk
func (s *ErrorSink) Record(kind failure.Kind, chunk int64, err error) {
	s.RecordN(kind, chunk, 1, err)
}

// RecordN notes n failures of kind sharing one cause
func (s *ErrorSink) RecordN(kind failure.Kind, chunk int64, n int64, err error) {
	if n <= 0 {
		return
	}
	counter, ok := s.counts[kind]
	if !ok {
		kind = failure.KindUnknown
		counter = s.counts[kind]
	}
	counter.Add(n)

	msg := "<nil>"
	if err != nil {
		msg = err.Error()
	}
	msg = truncate(msg, maxSampleLen)

	s.mu.Lock()
	sampled := len(s.samples[kind]) < s.maxSamples
	if sampled {
		s.samples[kind] = append(s.samples[kind], msg)
	}
	s.mu.Unlock()

	fields := []zap.Field{
		zap.Stringer("kind", kind),
		zap.Int64("chunk", chunk),
		zap.Int64("count", n),
		zap.String("error", msg),
	}
	if sampled {
		s.log.Warn("Chunk pipeline failure", fields...)
	} else {
		s.log.Debug("Chunk pipeline failure", fields...)
	}
}

// Count returns the failures recorded for kind
func (s *ErrorSink) Count(kind failure.Kind) int64 {
	if c, ok := s.counts[kind]; ok {
		return c.Load()
	}
	return 0
}

// Total returns failures recorded across all kinds
func (s *ErrorSink) Total() int64 {
	var total int64
	for _, c := range s.counts {
		total += c.Load()
	}
	return total
}

// Counts returns a snapshot of non-zero counts per kind
func (s *ErrorSink) Counts() map[failure.Kind]int64 {
	out := make(map[failure.Kind]int64)
	for k, c := range s.counts {
		if v := c.Load(); v > 0 {
			out[k] = v
		}
	}
	return out
}

// Samples returns a copy of the messages kept for kind
func (s *ErrorSink) Samples(kind failure.Kind) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.samples[kind]...)
}

// truncate cuts s to at most n bytes on a rune boundary
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "..."
}
