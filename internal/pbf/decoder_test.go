package pbf

import (
	"bytes"
	"fmt"
	"testing"

	"github.com/paulmach/osm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/wegman-software/osmextract/internal/failure"
	"github.com/wegman-software/osmextract/internal/pbf/pbftest"
)

func firstChunk(t *testing.T, data []byte) Chunk {
	t.Helper()
	c, err := NewReader(bytes.NewReader(data)).Next()
	require.NoError(t, err)
	return c
}

func decodeBatch(t *testing.T, blk pbftest.Block, c pbftest.Compression) *EntityBatch {
	t.Helper()
	d := NewDecoder()
	defer d.Close()

	block, err := d.Decode(firstChunk(t, pbftest.DataChunk(blk, c)))
	require.NoError(t, err)
	batch, ok := block.(*EntityBatch)
	require.True(t, ok, "expected *EntityBatch, got %T", block)
	return batch
}

func TestDecodeHeader(t *testing.T) {
	d := NewDecoder()
	defer d.Close()

	block, err := d.Decode(firstChunk(t, pbftest.HeaderChunk("osmium/1.16", pbftest.Zlib)))
	require.NoError(t, err)

	h, ok := block.(*Header)
	require.True(t, ok, "expected *Header, got %T", block)
	assert.Equal(t, "osmium/1.16", h.WritingProgram)
	assert.Equal(t, []string{"OsmSchema-V0.6", "DenseNodes"}, h.RequiredFeatures)
	assert.Empty(t, h.UnsupportedFeatures())
	require.NotNil(t, h.Bounds)
	assert.Equal(t, -180.0, h.Bounds.Min[0])
	assert.Equal(t, 90.0, h.Bounds.Max[1])
}

func TestDecodeUnrecognizedChunk(t *testing.T) {
	d := NewDecoder()
	defer d.Close()

	c := firstChunk(t, pbftest.Frame("OSMIndex", []byte{0xde, 0xad}))
	block, err := d.Decode(c)
	require.NoError(t, err)
	assert.Equal(t, Unrecognized{Type: "OSMIndex"}, block)
}

func TestDecodePlainNodes(t *testing.T) {
	batch := decodeBatch(t, pbftest.Block{
		Nodes: []pbftest.Node{
			{ID: 42, Lat: 48.8566, Lon: 2.3522, Tags: []pbftest.Tag{
				{Key: "place", Value: "city"},
				{Key: "name", Value: "Paris"},
				{Key: "population", Value: "2148000"},
			}},
			{ID: -5, Lat: -33.8688, Lon: 151.2093},
		},
	}, pbftest.Raw)

	require.Len(t, batch.Nodes, 2)
	assert.Equal(t, 2, batch.PlainNodes)
	assert.Equal(t, 0, batch.DenseNodes)

	paris := batch.Nodes[0]
	assert.Equal(t, osm.NodeID(42), paris.ID)
	assert.InDelta(t, 48.8566, paris.Lat, 1e-9)
	assert.InDelta(t, 2.3522, paris.Lon, 1e-9)
	assert.Equal(t, osm.Tags{
		{Key: "place", Value: "city"},
		{Key: "name", Value: "Paris"},
		{Key: "population", Value: "2148000"},
	}, paris.Tags)

	assert.Equal(t, osm.NodeID(-5), batch.Nodes[1].ID)
	assert.InDelta(t, -33.8688, batch.Nodes[1].Lat, 1e-9)
	assert.Empty(t, batch.Nodes[1].Tags)
}

func TestDenseAndPlainNodesNormalizeAlike(t *testing.T) {
	nodes := []pbftest.Node{
		{ID: 100, Lat: 52.52, Lon: 13.405, Tags: []pbftest.Tag{{Key: "place", Value: "city"}, {Key: "name", Value: "Berlin"}}},
		{ID: 101, Lat: 52.5201, Lon: 13.4051},
		{ID: 250, Lat: 51.3397, Lon: 12.3731, Tags: []pbftest.Tag{{Key: "name", Value: "Leipzig"}}},
	}

	plain := decodeBatch(t, pbftest.Block{Nodes: nodes}, pbftest.Zlib)
	dense := decodeBatch(t, pbftest.Block{Dense: nodes}, pbftest.Zlib)

	assert.Equal(t, 3, dense.DenseNodes)
	assert.Equal(t, 0, dense.PlainNodes)
	require.Len(t, dense.Nodes, len(plain.Nodes))
	for i := range plain.Nodes {
		assert.Equal(t, plain.Nodes[i].ID, dense.Nodes[i].ID)
		assert.InDelta(t, plain.Nodes[i].Lat, dense.Nodes[i].Lat, 1e-9)
		assert.InDelta(t, plain.Nodes[i].Lon, dense.Nodes[i].Lon, 1e-9)
		assert.Equal(t, len(plain.Nodes[i].Tags), len(dense.Nodes[i].Tags))
		for j := range plain.Nodes[i].Tags {
			assert.Equal(t, plain.Nodes[i].Tags[j], dense.Nodes[i].Tags[j])
		}
	}
}

func TestDecodeWaysDeltaRefs(t *testing.T) {
	batch := decodeBatch(t, pbftest.Block{
		Ways: []pbftest.Way{
			{ID: 99, Refs: []int64{1, 2, 3}, Tags: []pbftest.Tag{{Key: "highway", Value: "primary"}, {Key: "name", Value: "Rue de Rivoli"}}},
			{ID: 100, Refs: []int64{500, 7, 7, 12000000000}},
		},
		Relations: []int64{9},
	}, pbftest.Zstd)

	require.Len(t, batch.Ways, 2)
	assert.Equal(t, 1, batch.Relations)

	assert.Equal(t, osm.WayID(99), batch.Ways[0].ID)
	assert.Equal(t, []osm.NodeID{1, 2, 3}, batch.Ways[0].Nodes.NodeIDs())
	assert.Equal(t, "Rue de Rivoli", batch.Ways[0].Tags.Find("name"))
	assert.Equal(t, []osm.NodeID{500, 7, 7, 12000000000}, batch.Ways[1].Nodes.NodeIDs())
}

func TestDecodeCompressions(t *testing.T) {
	var nodes []pbftest.Node
	for i := 0; i < 200; i++ {
		nodes = append(nodes, pbftest.Node{
			ID: int64(i + 1), Lat: 10, Lon: 20,
			Tags: []pbftest.Tag{{Key: "amenity", Value: "bench"}},
		})
	}

	for _, c := range []pbftest.Compression{pbftest.Raw, pbftest.Zlib, pbftest.Zstd, pbftest.LZ4} {
		t.Run(fmt.Sprintf("compression %d", c), func(t *testing.T) {
			batch := decodeBatch(t, pbftest.Block{Dense: nodes}, c)
			assert.Len(t, batch.Nodes, 200)
			assert.Equal(t, osm.NodeID(200), batch.Nodes[199].ID)
		})
	}
}

func TestDecodeErrorsAreChunkLocal(t *testing.T) {
	valid := pbftest.PrimitiveBlock(pbftest.Block{Nodes: []pbftest.Node{{ID: 1}}})

	// zlib payload whose body is not deflate data
	badZlib := protowire.AppendTag(nil, 2, protowire.VarintType)
	badZlib = protowire.AppendVarint(badZlib, 10)
	badZlib = protowire.AppendTag(badZlib, 3, protowire.BytesType)
	badZlib = protowire.AppendBytes(badZlib, []byte("not zlib at all"))

	lzma := protowire.AppendTag(nil, 4, protowire.BytesType)
	lzma = protowire.AppendBytes(lzma, []byte{1, 2, 3})

	wrongSize := protowire.AppendTag(nil, 2, protowire.VarintType)
	wrongSize = protowire.AppendVarint(wrongSize, uint64(len(valid)+5))
	wrongSize = append(wrongSize, pbftest.Blob(valid, pbftest.Raw)...)

	// node referencing string index 40 in an empty string table
	var node []byte
	node = protowire.AppendTag(node, 1, protowire.VarintType)
	node = protowire.AppendVarint(node, 2)
	node = protowire.AppendTag(node, 2, protowire.BytesType)
	node = protowire.AppendBytes(node, []byte{40})
	node = protowire.AppendTag(node, 3, protowire.BytesType)
	node = protowire.AppendBytes(node, []byte{41})
	group := protowire.AppendTag(nil, 1, protowire.BytesType)
	group = protowire.AppendBytes(group, node)
	badIndex := protowire.AppendTag(nil, 2, protowire.BytesType)
	badIndex = protowire.AppendBytes(badIndex, group)

	tests := []struct {
		name string
		blob []byte
	}{
		{name: "corrupted zlib", blob: badZlib},
		{name: "lzma unsupported", blob: lzma},
		{name: "raw size mismatch", blob: wrongSize},
		{name: "empty blob", blob: nil},
		{name: "truncated block", blob: pbftest.Blob(valid[:len(valid)-2], pbftest.Raw)},
		{name: "string index out of range", blob: pbftest.Blob(badIndex, pbftest.Raw)},
	}

	d := NewDecoder()
	defer d.Close()

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := d.Decode(Chunk{Type: TypeData, Data: tt.blob})
			require.Error(t, err)
			assert.Equal(t, failure.KindDecode, failure.KindOf(err))
		})
	}
}

func TestChunkCompression(t *testing.T) {
	tests := []struct {
		c    pbftest.Compression
		want string
	}{
		{pbftest.Raw, "raw"},
		{pbftest.Zlib, "zlib"},
		{pbftest.Zstd, "zstd"},
		{pbftest.LZ4, "lz4"},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			c := firstChunk(t, pbftest.DataChunk(pbftest.Block{Dense: []pbftest.Node{{ID: 1}}}, tt.c))
			got, err := c.Compression()
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := firstChunk(t, pbftest.Frame(TypeData, nil)).Compression()
	assert.Error(t, err)
}
