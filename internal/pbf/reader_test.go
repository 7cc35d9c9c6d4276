package pbf

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wegman-software/osmextract/internal/failure"
	"github.com/wegman-software/osmextract/internal/pbf/pbftest"
)

func sampleFile() []byte {
	return pbftest.File(
		pbftest.HeaderChunk("osmextract-test", pbftest.Zlib),
		pbftest.DataChunk(pbftest.Block{
			Nodes: []pbftest.Node{{ID: 1, Lat: 1, Lon: 1}},
		}, pbftest.Zlib),
		pbftest.DataChunk(pbftest.Block{
			Ways: []pbftest.Way{{ID: 2, Refs: []int64{1, 1}}},
		}, pbftest.Raw),
	)
}

func readAll(t *testing.T, r *Reader) []Chunk {
	t.Helper()
	var chunks []Chunk
	for {
		c, err := r.Next()
		if err == io.EOF {
			return chunks
		}
		require.NoError(t, err)
		chunks = append(chunks, c)
	}
}

func TestReaderYieldsChunksInFileOrder(t *testing.T) {
	data := sampleFile()
	r := NewReader(bytes.NewReader(data))

	chunks := readAll(t, r)
	require.Len(t, chunks, 3)

	assert.Equal(t, TypeHeader, chunks[0].Type)
	assert.Equal(t, TypeData, chunks[1].Type)
	assert.Equal(t, TypeData, chunks[2].Type)

	for i, c := range chunks {
		assert.Equal(t, int64(i), c.Index)
	}
	assert.Equal(t, int64(0), chunks[0].Offset)
	assert.Less(t, chunks[0].Offset, chunks[1].Offset)
	assert.Less(t, chunks[1].Offset, chunks[2].Offset)
	assert.Equal(t, int64(len(data)), r.Offset())
}

func TestReaderEmptyInput(t *testing.T) {
	r := NewReader(bytes.NewReader(nil))
	_, err := r.Next()
	assert.Equal(t, io.EOF, err)
}

func TestReaderReset(t *testing.T) {
	r := NewReader(bytes.NewReader(sampleFile()))
	first := readAll(t, r)

	require.NoError(t, r.Reset())
	second := readAll(t, r)

	assert.Equal(t, first, second)
}

func TestReaderResetNeedsSeeker(t *testing.T) {
	r := NewReader(io.MultiReader(bytes.NewReader(sampleFile())))
	assert.Error(t, r.Reset())
}

func TestReaderFramingErrors(t *testing.T) {
	full := sampleFile()
	chunk := pbftest.DataChunk(pbftest.Block{Nodes: []pbftest.Node{{ID: 1}}}, pbftest.Raw)

	tests := []struct {
		name string
		data []byte
	}{
		{name: "truncated length prefix", data: []byte{0, 0}},
		{name: "truncated blob header", data: chunk[:6]},
		{name: "truncated blob", data: full[:len(full)-3]},
		{name: "zero header size", data: []byte{0, 0, 0, 0, 1, 2}},
		{name: "oversized header", data: []byte{0, 1, 0, 1}},
		{name: "garbage header", data: []byte{0, 0, 0, 2, 0xff, 0xff}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewReader(bytes.NewReader(tt.data))
			var err error
			for err == nil {
				_, err = r.Next()
			}
			require.NotEqual(t, io.EOF, err)
			assert.Equal(t, failure.KindFraming, failure.KindOf(err))
		})
	}
}

func TestOpenSource(t *testing.T) {
	data := sampleFile()
	path := filepath.Join(t.TempDir(), "sample.osm.pbf")
	require.NoError(t, os.WriteFile(path, data, 0644))

	for _, useMmap := range []bool{false, true} {
		src, err := Open(path, useMmap)
		require.NoError(t, err)

		assert.Equal(t, useMmap, src.Mapped())
		assert.Equal(t, int64(len(data)), src.Size())

		r := NewReader(src)
		assert.Len(t, readAll(t, r), 3)
		require.NoError(t, r.Reset())
		assert.Len(t, readAll(t, r), 3)

		require.NoError(t, src.Close())
	}
}

func TestOpenMissingFile(t *testing.T) {
	_, err := Open(filepath.Join(t.TempDir(), "missing.pbf"), false)
	assert.Error(t, err)
}
