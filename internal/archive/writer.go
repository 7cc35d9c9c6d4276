// Package archive mirrors extracted records into Parquet files next to the
// database load, one file per record type.
package archive

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/apache/arrow/go/v14/arrow"
	"github.com/apache/arrow/go/v14/arrow/array"
	"github.com/apache/arrow/go/v14/arrow/memory"
	"github.com/apache/arrow/go/v14/parquet"
	"github.com/apache/arrow/go/v14/parquet/compress"
	"github.com/apache/arrow/go/v14/parquet/pqarrow"
	"github.com/paulmach/orb/encoding/wkb"

	"github.com/wegman-software/osmextract/internal/extract"
)

const (
	CitiesFile = "cities.parquet"
	RoadsFile  = "roads.parquet"

	DefaultBatchSize = 10000
)

var citySchema = arrow.NewSchema([]arrow.Field{
	{Name: "city_id", Type: arrow.PrimitiveTypes.Int64, Nullable: false},
	{Name: "name", Type: arrow.BinaryTypes.String, Nullable: true},
	{Name: "latitude", Type: arrow.PrimitiveTypes.Float64, Nullable: false},
	{Name: "longitude", Type: arrow.PrimitiveTypes.Float64, Nullable: false},
	{Name: "population", Type: arrow.PrimitiveTypes.Int64, Nullable: true},
	{Name: "geom_wkb", Type: arrow.BinaryTypes.Binary, Nullable: false},
}, nil)

var roadSchema = arrow.NewSchema([]arrow.Field{
	{Name: "road_id", Type: arrow.PrimitiveTypes.Int64, Nullable: false},
	{Name: "name", Type: arrow.BinaryTypes.String, Nullable: true},
	{Name: "nodes", Type: arrow.ListOf(arrow.PrimitiveTypes.Int64), Nullable: false},
}, nil)

// table is one Parquet file fed in record batches
type table struct {
	mu        sync.Mutex
	writer    *pqarrow.FileWriter
	builder   *array.RecordBuilder
	batchSize int
	count     int
}

func newTable(path string, schema *arrow.Schema, batchSize int) (*table, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}

	writerProps := parquet.NewWriterProperties(
		parquet.WithCompression(compress.Codecs.Zstd),
		parquet.WithDictionaryDefault(false),
	)

	writer, err := pqarrow.NewFileWriter(schema, f, writerProps, pqarrow.DefaultWriterProps())
	if err != nil {
		f.Close()
		return nil, err
	}

	return &table{
		writer:    writer,
		builder:   array.NewRecordBuilder(memory.DefaultAllocator, schema),
		batchSize: batchSize,
	}, nil
}

// appended must be called with mu held after a row was added
func (t *table) appended() error {
	t.count++
	if t.count >= t.batchSize {
		return t.flush()
	}
	return nil
}

func (t *table) flush() error {
	if t.count == 0 {
		return nil
	}
	rec := t.builder.NewRecord()
	defer rec.Release()
	err := t.writer.Write(rec)
	t.count = 0
	return err
}

func (t *table) close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.flush(); err != nil {
		t.writer.Close()
		return err
	}
	t.builder.Release()
	if err := t.writer.Close(); err != nil {
		return err
	}
	// pqarrow closes the sink along with the writer
	return nil
}

// Writer archives cities and roads. It is safe for concurrent use.
type Writer struct {
	dir    string
	cities *table
	roads  *table
}

// Open creates the archive files in dir, creating dir if needed
func Open(dir string, batchSize int) (*Writer, error) {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create archive dir: %w", err)
	}

	cities, err := newTable(filepath.Join(dir, CitiesFile), citySchema, batchSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create cities archive: %w", err)
	}
	roads, err := newTable(filepath.Join(dir, RoadsFile), roadSchema, batchSize)
	if err != nil {
		cities.close()
		return nil, fmt.Errorf("failed to create roads archive: %w", err)
	}

	return &Writer{dir: dir, cities: cities, roads: roads}, nil
}

// Dir returns the archive directory
func (w *Writer) Dir() string {
	return w.dir
}

// WriteCities appends cities to the cities file
func (w *Writer) WriteCities(cities []extract.City) error {
	t := w.cities
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, c := range cities {
		geom, err := wkb.Marshal(c.Point())
		if err != nil {
			return fmt.Errorf("city %d: %w", c.ID, err)
		}

		t.builder.Field(0).(*array.Int64Builder).Append(c.ID)
		appendString(t.builder.Field(1).(*array.StringBuilder), c.Name)
		t.builder.Field(2).(*array.Float64Builder).Append(c.Lat)
		t.builder.Field(3).(*array.Float64Builder).Append(c.Lon)
		if c.Population != nil {
			t.builder.Field(4).(*array.Int64Builder).Append(*c.Population)
		} else {
			t.builder.Field(4).(*array.Int64Builder).AppendNull()
		}
		t.builder.Field(5).(*array.BinaryBuilder).Append(geom)

		if err := t.appended(); err != nil {
			return err
		}
	}
	return nil
}

// WriteRoads appends roads to the roads file
func (w *Writer) WriteRoads(roads []extract.Road) error {
	t := w.roads
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, r := range roads {
		t.builder.Field(0).(*array.Int64Builder).Append(r.ID)
		appendString(t.builder.Field(1).(*array.StringBuilder), r.Name)

		lb := t.builder.Field(2).(*array.ListBuilder)
		lb.Append(true)
		lb.ValueBuilder().(*array.Int64Builder).AppendValues(r.Nodes, nil)

		if err := t.appended(); err != nil {
			return err
		}
	}
	return nil
}

// Close flushes pending rows and closes both files
func (w *Writer) Close() error {
	cerr := w.cities.close()
	rerr := w.roads.close()
	if cerr != nil {
		return fmt.Errorf("failed to close cities archive: %w", cerr)
	}
	if rerr != nil {
		return fmt.Errorf("failed to close roads archive: %w", rerr)
	}
	return nil
}

func appendString(b *array.StringBuilder, s *string) {
	if s == nil {
		b.AppendNull()
		return
	}
	b.Append(*s)
}
