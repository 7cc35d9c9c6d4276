// Package pbftest builds small synthetic PBF files for tests.
package pbftest

import (
	"bytes"
	"encoding/binary"
	"math"

	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
	"google.golang.org/protobuf/encoding/protowire"
)

// Tag is one key/value pair, kept in source order
type Tag struct {
	Key, Value string
}

// Node is a point entity to encode
type Node struct {
	ID       int64
	Lat, Lon float64
	Tags     []Tag
}

// Way is a linear entity to encode
type Way struct {
	ID   int64
	Refs []int64
	Tags []Tag
}

// Block describes one OSMData chunk. Nodes are written as individual
// Node messages, Dense as one DenseNodes group.
type Block struct {
	Nodes     []Node
	Dense     []Node
	Ways      []Way
	Relations []int64
}

// Compression selects the Blob payload field
type Compression int

const (
	Raw Compression = iota
	Zlib
	Zstd
	LZ4
)

// File concatenates framed chunks
func File(chunks ...[]byte) []byte {
	var out []byte
	for _, c := range chunks {
		out = append(out, c...)
	}
	return out
}

// HeaderChunk returns a framed OSMHeader chunk
func HeaderChunk(program string, c Compression) []byte {
	return Frame("OSMHeader", Blob(HeaderBlock(program), c))
}

// DataChunk returns a framed OSMData chunk
func DataChunk(b Block, c Compression) []byte {
	return Frame("OSMData", Blob(PrimitiveBlock(b), c))
}

// Frame prefixes a serialized Blob with its length and BlobHeader
func Frame(blobType string, blob []byte) []byte {
	var hdr []byte
	hdr = protowire.AppendTag(hdr, 1, protowire.BytesType)
	hdr = protowire.AppendString(hdr, blobType)
	hdr = protowire.AppendTag(hdr, 3, protowire.VarintType)
	hdr = protowire.AppendVarint(hdr, uint64(len(blob)))

	out := make([]byte, 4, 4+len(hdr)+len(blob))
	binary.BigEndian.PutUint32(out, uint32(len(hdr)))
	out = append(out, hdr...)
	return append(out, blob...)
}

// Blob wraps a serialized block in a Blob message
func Blob(payload []byte, c Compression) []byte {
	var b []byte
	if c != Raw {
		b = protowire.AppendTag(b, 2, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(len(payload)))
	}

	switch c {
	case Raw:
		b = protowire.AppendTag(b, 1, protowire.BytesType)
		b = protowire.AppendBytes(b, payload)
	case Zlib:
		var buf bytes.Buffer
		zw := zlib.NewWriter(&buf)
		zw.Write(payload)
		zw.Close()
		b = protowire.AppendTag(b, 3, protowire.BytesType)
		b = protowire.AppendBytes(b, buf.Bytes())
	case Zstd:
		enc, _ := zstd.NewWriter(nil)
		data := enc.EncodeAll(payload, nil)
		enc.Close()
		b = protowire.AppendTag(b, 7, protowire.BytesType)
		b = protowire.AppendBytes(b, data)
	case LZ4:
		dst := make([]byte, lz4.CompressBlockBound(len(payload)))
		n, _ := lz4.CompressBlock(payload, dst, nil)
		b = protowire.AppendTag(b, 6, protowire.BytesType)
		b = protowire.AppendBytes(b, dst[:n])
	}
	return b
}

// HeaderBlock returns a serialized HeaderBlock
func HeaderBlock(program string) []byte {
	var bbox []byte
	bbox = appendSint(bbox, 1, -180e9)
	bbox = appendSint(bbox, 2, 180e9)
	bbox = appendSint(bbox, 3, 90e9)
	bbox = appendSint(bbox, 4, -90e9)

	var b []byte
	b = protowire.AppendTag(b, 1, protowire.BytesType)
	b = protowire.AppendBytes(b, bbox)
	for _, f := range []string{"OsmSchema-V0.6", "DenseNodes"} {
		b = protowire.AppendTag(b, 4, protowire.BytesType)
		b = protowire.AppendString(b, f)
	}
	b = protowire.AppendTag(b, 16, protowire.BytesType)
	b = protowire.AppendString(b, program)
	return b
}

// PrimitiveBlock returns a serialized PrimitiveBlock with granularity 100
// and no offsets
func PrimitiveBlock(blk Block) []byte {
	st := newStringTable()

	var groups [][]byte
	if len(blk.Nodes) > 0 {
		var g []byte
		for _, n := range blk.Nodes {
			g = protowire.AppendTag(g, 1, protowire.BytesType)
			g = protowire.AppendBytes(g, encodeNode(st, n))
		}
		groups = append(groups, g)
	}
	if len(blk.Dense) > 0 {
		var g []byte
		g = protowire.AppendTag(g, 2, protowire.BytesType)
		g = protowire.AppendBytes(g, encodeDense(st, blk.Dense))
		groups = append(groups, g)
	}
	if len(blk.Ways) > 0 {
		var g []byte
		for _, w := range blk.Ways {
			g = protowire.AppendTag(g, 3, protowire.BytesType)
			g = protowire.AppendBytes(g, encodeWay(st, w))
		}
		groups = append(groups, g)
	}
	if len(blk.Relations) > 0 {
		var g []byte
		for _, id := range blk.Relations {
			var r []byte
			r = protowire.AppendTag(r, 1, protowire.VarintType)
			r = protowire.AppendVarint(r, uint64(id))
			g = protowire.AppendTag(g, 4, protowire.BytesType)
			g = protowire.AppendBytes(g, r)
		}
		groups = append(groups, g)
	}

	var b []byte
	b = protowire.AppendTag(b, 1, protowire.BytesType)
	b = protowire.AppendBytes(b, st.encode())
	for _, g := range groups {
		b = protowire.AppendTag(b, 2, protowire.BytesType)
		b = protowire.AppendBytes(b, g)
	}
	b = protowire.AppendTag(b, 17, protowire.VarintType)
	b = protowire.AppendVarint(b, 100)
	return b
}

func encodeNode(st *stringTable, n Node) []byte {
	var b []byte
	b = appendSint(b, 1, n.ID)
	keys, vals := st.tagIndexes(n.Tags)
	b = appendPacked(b, 2, keys)
	b = appendPacked(b, 3, vals)
	b = appendSint(b, 8, coord(n.Lat))
	b = appendSint(b, 9, coord(n.Lon))
	return b
}

func encodeDense(st *stringTable, nodes []Node) []byte {
	var ids, lats, lons []uint64
	var keysVals []uint64
	var prevID, prevLat, prevLon int64
	hasTags := false
	for _, n := range nodes {
		lat, lon := coord(n.Lat), coord(n.Lon)
		ids = append(ids, protowire.EncodeZigZag(n.ID-prevID))
		lats = append(lats, protowire.EncodeZigZag(lat-prevLat))
		lons = append(lons, protowire.EncodeZigZag(lon-prevLon))
		prevID, prevLat, prevLon = n.ID, lat, lon

		for _, t := range n.Tags {
			keysVals = append(keysVals, uint64(st.index(t.Key)), uint64(st.index(t.Value)))
			hasTags = true
		}
		keysVals = append(keysVals, 0)
	}

	var b []byte
	b = appendPacked(b, 1, ids)
	b = appendPacked(b, 8, lats)
	b = appendPacked(b, 9, lons)
	if hasTags {
		b = appendPacked(b, 10, keysVals)
	}
	return b
}

func encodeWay(st *stringTable, w Way) []byte {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(w.ID))
	keys, vals := st.tagIndexes(w.Tags)
	b = appendPacked(b, 2, keys)
	b = appendPacked(b, 3, vals)

	var refs []uint64
	var prev int64
	for _, r := range w.Refs {
		refs = append(refs, protowire.EncodeZigZag(r-prev))
		prev = r
	}
	b = appendPacked(b, 8, refs)
	return b
}

// coord converts degrees to units of granularity 100 nanodegrees
func coord(deg float64) int64 {
	return int64(math.Round(deg * 1e7))
}

func appendSint(b []byte, num protowire.Number, v int64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, protowire.EncodeZigZag(v))
}

func appendPacked(b []byte, num protowire.Number, vs []uint64) []byte {
	if len(vs) == 0 {
		return b
	}
	var packed []byte
	for _, v := range vs {
		packed = protowire.AppendVarint(packed, v)
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, packed)
}

type stringTable struct {
	idx     map[string]int
	entries []string
}

func newStringTable() *stringTable {
	// index 0 is reserved as the dense keys_vals delimiter
	return &stringTable{idx: map[string]int{"": 0}, entries: []string{""}}
}

func (s *stringTable) index(v string) int {
	if i, ok := s.idx[v]; ok {
		return i
	}
	s.idx[v] = len(s.entries)
	s.entries = append(s.entries, v)
	return s.idx[v]
}

func (s *stringTable) tagIndexes(tags []Tag) (keys, vals []uint64) {
	for _, t := range tags {
		keys = append(keys, uint64(s.index(t.Key)))
		vals = append(vals, uint64(s.index(t.Value)))
	}
	return keys, vals
}

func (s *stringTable) encode() []byte {
	var b []byte
	for _, e := range s.entries {
		b = protowire.AppendTag(b, 1, protowire.BytesType)
		b = protowire.AppendString(b, e)
	}
	return b
}
