package archive

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/apache/arrow/go/v14/arrow/array"
	"github.com/apache/arrow/go/v14/arrow/memory"
	"github.com/apache/arrow/go/v14/parquet/file"
	"github.com/apache/arrow/go/v14/parquet/pqarrow"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wegman-software/osmextract/internal/extract"
)

func strPtr(s string) *string { return &s }
func intPtr(n int64) *int64   { return &n }

func readTable(t *testing.T, path string) (int64, *pqarrow.FileReader) {
	t.Helper()
	pf, err := file.OpenParquetFile(path, false)
	require.NoError(t, err)
	t.Cleanup(func() { pf.Close() })

	fr, err := pqarrow.NewFileReader(pf, pqarrow.ArrowReadProperties{}, memory.DefaultAllocator)
	require.NoError(t, err)
	return pf.NumRows(), fr
}

func TestWriterCities(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "out")
	w, err := Open(dir, 2)
	require.NoError(t, err)
	assert.Equal(t, dir, w.Dir())

	require.NoError(t, w.WriteCities([]extract.City{
		{ID: 42, Name: strPtr("Paris"), Lat: 48.8566, Lon: 2.3522, Population: intPtr(2148000)},
		{ID: 7, Lat: 1, Lon: 2},
	}))
	require.NoError(t, w.WriteCities([]extract.City{
		{ID: 8, Name: strPtr("Lyon"), Lat: 45.76, Lon: 4.83},
	}))
	require.NoError(t, w.Close())

	rows, fr := readTable(t, filepath.Join(dir, CitiesFile))
	assert.Equal(t, int64(3), rows)

	tbl, err := fr.ReadTable(context.Background())
	require.NoError(t, err)
	defer tbl.Release()

	assert.Equal(t, "city_id", tbl.Schema().Field(0).Name)
	assert.Equal(t, 1, tbl.Column(1).Data().NullN())
	assert.Equal(t, 2, tbl.Column(4).Data().NullN())

	ids := tbl.Column(0).Data().Chunk(0).(*array.Int64)
	assert.Equal(t, int64(42), ids.Value(0))
}

func TestWriterRoads(t *testing.T) {
	dir := t.TempDir()
	w, err := Open(dir, 0)
	require.NoError(t, err)

	require.NoError(t, w.WriteRoads([]extract.Road{
		{ID: 99, Name: strPtr("Rue de Rivoli"), Nodes: []int64{1, 2, 3}},
		{ID: 100, Nodes: nil},
	}))
	require.NoError(t, w.Close())

	rows, fr := readTable(t, filepath.Join(dir, RoadsFile))
	assert.Equal(t, int64(2), rows)

	tbl, err := fr.ReadTable(context.Background())
	require.NoError(t, err)
	defer tbl.Release()

	nodes := tbl.Column(2).Data().Chunk(0).(*array.List)
	assert.Equal(t, 0, nodes.NullN())
	values := nodes.ListValues().(*array.Int64)
	assert.Equal(t, []int64{1, 2, 3}, values.Int64Values())

	// empty archive still yields a readable cities file
	rows, _ = readTable(t, filepath.Join(dir, CitiesFile))
	assert.Zero(t, rows)
}

func TestOpenFailsOnFile(t *testing.T) {
	dir := t.TempDir()
	w, err := Open(dir, 1)
	require.NoError(t, err)
	require.NoError(t, w.Close())

	_, err = Open(filepath.Join(dir, CitiesFile), 1)
	assert.Error(t, err)
}
