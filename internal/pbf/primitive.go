package pbf

import (
	"fmt"

	"github.com/paulmach/osm"
)

// EntityBatch is the decoded content of one OSMData chunk. Plain and
// dense nodes are normalized into the same osm.Node view, with absolute
// ids and coordinates in degrees.
type EntityBatch struct {
	Nodes []osm.Node
	Ways  []osm.Way

	PlainNodes int // nodes that arrived as individual Node messages
	DenseNodes int // nodes that arrived in DenseNodes groups
	Relations  int // relations are counted, not decoded
}

// blockContext carries the per-block values needed to decode entities
type blockContext struct {
	strings     []string
	granularity int64
	latOffset   int64
	lonOffset   int64
}

func (bc *blockContext) lat(raw int64) float64 {
	return float64(bc.latOffset+bc.granularity*raw) / 1e9
}

func (bc *blockContext) lon(raw int64) float64 {
	return float64(bc.lonOffset+bc.granularity*raw) / 1e9
}

func (bc *blockContext) str(i uint32) (string, error) {
	if int(i) >= len(bc.strings) {
		return "", fmt.Errorf("string index %d out of range (table size %d)", i, len(bc.strings))
	}
	return bc.strings[i], nil
}

func (bc *blockContext) tags(keys, vals []uint32) (osm.Tags, error) {
	if len(keys) != len(vals) {
		return nil, fmt.Errorf("%d tag keys but %d values", len(keys), len(vals))
	}
	if len(keys) == 0 {
		return nil, nil
	}
	tags := make(osm.Tags, len(keys))
	for i := range keys {
		k, err := bc.str(keys[i])
		if err != nil {
			return nil, err
		}
		v, err := bc.str(vals[i])
		if err != nil {
			return nil, err
		}
		tags[i] = osm.Tag{Key: k, Value: v}
	}
	return tags, nil
}

// parsePrimitiveBlock decodes a serialized PrimitiveBlock message
func parsePrimitiveBlock(b []byte) (*EntityBatch, error) {
	bc := blockContext{granularity: 100}
	var groups [][]byte

	f := newFields(b)
	for f.next() {
		switch f.num {
		case 1:
			st, err := parseStringTable(f.bytes())
			if err != nil {
				return nil, fmt.Errorf("string table: %w", err)
			}
			bc.strings = st
		case 2:
			// granularity may follow the groups on the wire
			groups = append(groups, f.bytes())
		case 17:
			bc.granularity = int64(int32(f.uvarint()))
		case 19:
			bc.latOffset = f.int64()
		case 20:
			bc.lonOffset = f.int64()
		}
	}
	if err := f.err(); err != nil {
		return nil, err
	}

	batch := &EntityBatch{}
	for i, g := range groups {
		if err := parsePrimitiveGroup(&bc, g, batch); err != nil {
			return nil, fmt.Errorf("group %d: %w", i, err)
		}
	}
	return batch, nil
}

func parseStringTable(b []byte) ([]string, error) {
	var table []string
	f := newFields(b)
	for f.next() {
		if f.num == 1 {
			table = append(table, string(f.bytes()))
		}
	}
	return table, f.err()
}

func parsePrimitiveGroup(bc *blockContext, b []byte, batch *EntityBatch) error {
	f := newFields(b)
	for f.next() {
		switch f.num {
		case 1:
			n, err := parseNode(bc, f.bytes())
			if err != nil {
				return fmt.Errorf("node: %w", err)
			}
			batch.Nodes = append(batch.Nodes, n)
			batch.PlainNodes++
		case 2:
			count, err := parseDenseNodes(bc, f.bytes(), batch)
			if err != nil {
				return fmt.Errorf("dense nodes: %w", err)
			}
			batch.DenseNodes += count
		case 3:
			w, err := parseWay(bc, f.bytes())
			if err != nil {
				return fmt.Errorf("way: %w", err)
			}
			batch.Ways = append(batch.Ways, w)
		case 4:
			batch.Relations++
		}
	}
	return f.err()
}

func parseNode(bc *blockContext, b []byte) (osm.Node, error) {
	var (
		id, lat, lon int64
		keys, vals   []uint32
	)
	f := newFields(b)
	for f.next() {
		switch f.num {
		case 1:
			id = f.sint64()
		case 2:
			keys = f.packedUint32(keys)
		case 3:
			vals = f.packedUint32(vals)
		case 8:
			lat = f.sint64()
		case 9:
			lon = f.sint64()
		}
	}
	if err := f.err(); err != nil {
		return osm.Node{}, err
	}

	tags, err := bc.tags(keys, vals)
	if err != nil {
		return osm.Node{}, fmt.Errorf("node %d: %w", id, err)
	}
	return osm.Node{
		ID:      osm.NodeID(id),
		Lat:     bc.lat(lat),
		Lon:     bc.lon(lon),
		Tags:    tags,
		Visible: true,
	}, nil
}

// parseDenseNodes expands a DenseNodes group. Ids and coordinates are
// delta coded; keys_vals is a flat list of key/value string indexes with
// a 0 terminating each node's tags.
func parseDenseNodes(bc *blockContext, b []byte, batch *EntityBatch) (int, error) {
	var (
		ids, lats, lons []int64
		keysVals        []uint32
	)
	f := newFields(b)
	for f.next() {
		switch f.num {
		case 1:
			ids = f.packedSint64(ids)
		case 8:
			lats = f.packedSint64(lats)
		case 9:
			lons = f.packedSint64(lons)
		case 10:
			keysVals = f.packedUint32(keysVals)
		}
	}
	if err := f.err(); err != nil {
		return 0, err
	}
	if len(lats) != len(ids) || len(lons) != len(ids) {
		return 0, fmt.Errorf("mismatched lengths: %d ids, %d lats, %d lons", len(ids), len(lats), len(lons))
	}

	var id, lat, lon int64
	kv := 0
	for i := range ids {
		id += ids[i]
		lat += lats[i]
		lon += lons[i]

		var tags osm.Tags
		if kv < len(keysVals) {
			start := kv
			for kv < len(keysVals) && keysVals[kv] != 0 {
				kv += 2
			}
			if kv > len(keysVals) {
				return 0, fmt.Errorf("node %d: odd keys_vals length", id)
			}
			pairs := keysVals[start:kv]
			kv++ // skip the terminator

			if len(pairs) > 0 {
				tags = make(osm.Tags, 0, len(pairs)/2)
				for j := 0; j+1 < len(pairs); j += 2 {
					k, err := bc.str(pairs[j])
					if err != nil {
						return 0, fmt.Errorf("node %d: %w", id, err)
					}
					v, err := bc.str(pairs[j+1])
					if err != nil {
						return 0, fmt.Errorf("node %d: %w", id, err)
					}
					tags = append(tags, osm.Tag{Key: k, Value: v})
				}
			}
		}

		batch.Nodes = append(batch.Nodes, osm.Node{
			ID:      osm.NodeID(id),
			Lat:     bc.lat(lat),
			Lon:     bc.lon(lon),
			Tags:    tags,
			Visible: true,
		})
	}
	return len(ids), nil
}

func parseWay(bc *blockContext, b []byte) (osm.Way, error) {
	var (
		id         int64
		keys, vals []uint32
		refs       []int64
	)
	f := newFields(b)
	for f.next() {
		switch f.num {
		case 1:
			id = f.int64()
		case 2:
			keys = f.packedUint32(keys)
		case 3:
			vals = f.packedUint32(vals)
		case 8:
			refs = f.packedSint64(refs)
		}
	}
	if err := f.err(); err != nil {
		return osm.Way{}, err
	}

	tags, err := bc.tags(keys, vals)
	if err != nil {
		return osm.Way{}, fmt.Errorf("way %d: %w", id, err)
	}

	nodes := make(osm.WayNodes, len(refs))
	var ref int64
	for i, delta := range refs {
		ref += delta
		nodes[i] = osm.WayNode{ID: osm.NodeID(ref)}
	}

	return osm.Way{
		ID:      osm.WayID(id),
		Nodes:   nodes,
		Tags:    tags,
		Visible: true,
	}, nil
}
