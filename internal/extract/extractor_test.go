package extract

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/paulmach/orb"
	"github.com/paulmach/osm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wegman-software/osmextract/internal/pbf"
	"github.com/wegman-software/osmextract/internal/pbf/pbftest"
)

func strPtr(s string) *string { return &s }
func intPtr(i int64) *int64   { return &i }

func TestCity(t *testing.T) {
	tests := []struct {
		name string
		node osm.Node
		want *City
	}{
		{
			name: "paris",
			node: osm.Node{ID: 42, Lat: 48.8566, Lon: 2.3522, Tags: osm.Tags{
				{Key: "place", Value: "city"},
				{Key: "name", Value: "Paris"},
				{Key: "population", Value: "2148000"},
			}},
			want: &City{ID: 42, Name: strPtr("Paris"), Lat: 48.8566, Lon: 2.3522, Population: intPtr(2148000)},
		},
		{
			name: "town without population",
			node: osm.Node{ID: 8, Lat: 1, Lon: 2, Tags: osm.Tags{
				{Key: "name", Value: "Smallville"},
				{Key: "place", Value: "town"},
			}},
			want: &City{ID: 8, Name: strPtr("Smallville"), Lat: 1, Lon: 2},
		},
		{
			name: "invalid population degrades to absent",
			node: osm.Node{ID: 9, Tags: osm.Tags{
				{Key: "place", Value: "city"},
				{Key: "name", Value: "Bigtown"},
				{Key: "population", Value: "about 5k"},
			}},
			want: &City{ID: 9, Name: strPtr("Bigtown")},
		},
		{
			name: "unrecognized keys ignored",
			node: osm.Node{ID: 10, Tags: osm.Tags{
				{Key: "wikidata", Value: "Q90"},
				{Key: "place", Value: "city"},
				{Key: "name:en", Value: "Lyons"},
				{Key: "name", Value: "Lyon"},
			}},
			want: &City{ID: 10, Name: strPtr("Lyon")},
		},
		{
			name: "no name",
			node: osm.Node{ID: 7, Tags: osm.Tags{{Key: "place", Value: "city"}}},
		},
		{
			name: "no place",
			node: osm.Node{ID: 11, Tags: osm.Tags{{Key: "name", Value: "Nowhere"}}},
		},
		{
			name: "village is not a city",
			node: osm.Node{ID: 12, Tags: osm.Tags{
				{Key: "place", Value: "village"},
				{Key: "name", Value: "Hamlet"},
			}},
		},
		{
			name: "untagged",
			node: osm.Node{ID: 13},
		},
		{
			name: "repeated place takes the last value",
			node: osm.Node{ID: 14, Tags: osm.Tags{
				{Key: "place", Value: "village"},
				{Key: "place", Value: "city"},
				{Key: "name", Value: "X"},
			}},
			want: &City{ID: 14, Name: strPtr("X")},
		},
		{
			name: "repeated place ending in a non-city",
			node: osm.Node{ID: 15, Tags: osm.Tags{
				{Key: "place", Value: "city"},
				{Key: "name", Value: "Y"},
				{Key: "place", Value: "hamlet"},
			}},
		},
		{
			name: "repeated name and population take the last value",
			node: osm.Node{ID: 16, Tags: osm.Tags{
				{Key: "place", Value: "town"},
				{Key: "name", Value: "Old"},
				{Key: "population", Value: "10"},
				{Key: "name", Value: "New"},
				{Key: "population", Value: "20"},
			}},
			want: &City{ID: 16, Name: strPtr("New"), Population: intPtr(20)},
		},
	}

	e := New(nil)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := e.City(&tt.node)
			if tt.want == nil {
				assert.False(t, ok)
				return
			}
			require.True(t, ok)
			assert.Equal(t, *tt.want, got)
		})
	}
}

func TestRoad(t *testing.T) {
	tests := []struct {
		name string
		way  osm.Way
		want *Road
	}{
		{
			name: "rue de rivoli",
			way: osm.Way{ID: 99, Nodes: osm.WayNodes{{ID: 1}, {ID: 2}, {ID: 3}}, Tags: osm.Tags{
				{Key: "highway", Value: "primary"},
				{Key: "name", Value: "Rue de Rivoli"},
			}},
			want: &Road{ID: 99, Name: strPtr("Rue de Rivoli"), Nodes: []int64{1, 2, 3}},
		},
		{
			name: "first name wins",
			way: osm.Way{ID: 5, Nodes: osm.WayNodes{{ID: 4}}, Tags: osm.Tags{
				{Key: "name", Value: "First"},
				{Key: "highway", Value: "residential"},
				{Key: "name", Value: "Second"},
			}},
			want: &Road{ID: 5, Name: strPtr("First"), Nodes: []int64{4}},
		},
		{
			name: "any highway value, no name",
			way: osm.Way{ID: 6, Nodes: osm.WayNodes{{ID: 9}, {ID: 9}, {ID: 123456789}}, Tags: osm.Tags{
				{Key: "highway", Value: ""},
			}},
			want: &Road{ID: 6, Nodes: []int64{9, 9, 123456789}},
		},
		{
			name: "no road key",
			way: osm.Way{ID: 7, Tags: osm.Tags{
				{Key: "railway", Value: "rail"},
				{Key: "name", Value: "Line 1"},
			}},
		},
	}

	e := New(nil)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := e.Road(&tt.way)
			if tt.want == nil {
				assert.False(t, ok)
				return
			}
			require.True(t, ok)
			assert.Equal(t, *tt.want, got)
		})
	}
}

func TestCityBounds(t *testing.T) {
	e := New(nil, WithBounds(orb.Bound{Min: orb.Point{2, 48}, Max: orb.Point{3, 49}}))
	tags := osm.Tags{{Key: "place", Value: "city"}, {Key: "name", Value: "X"}}

	_, ok := e.City(&osm.Node{ID: 1, Lat: 48.5, Lon: 2.5, Tags: tags})
	assert.True(t, ok)

	_, ok = e.City(&osm.Node{ID: 2, Lat: 52.5, Lon: 13.4, Tags: tags})
	assert.False(t, ok)

	_, ok = e.Road(&osm.Way{ID: 3, Tags: osm.Tags{{Key: "highway", Value: "primary"}}})
	assert.True(t, ok, "roads are not filtered by bounds")
}

func TestCustomRules(t *testing.T) {
	e := New(&Rules{PlaceValues: []string{"village"}, RoadKey: "railway"})

	_, ok := e.City(&osm.Node{ID: 1, Tags: osm.Tags{{Key: "place", Value: "village"}, {Key: "name", Value: "A"}}})
	assert.True(t, ok)
	_, ok = e.City(&osm.Node{ID: 2, Tags: osm.Tags{{Key: "place", Value: "city"}, {Key: "name", Value: "B"}}})
	assert.False(t, ok)

	_, ok = e.Road(&osm.Way{ID: 3, Tags: osm.Tags{{Key: "railway", Value: "rail"}}})
	assert.True(t, ok)
	_, ok = e.Road(&osm.Way{ID: 4, Tags: osm.Tags{{Key: "highway", Value: "primary"}}})
	assert.False(t, ok)
}

func TestBatchDenseAndPlainParity(t *testing.T) {
	nodes := []pbftest.Node{
		{ID: 42, Lat: 48.8566, Lon: 2.3522, Tags: []pbftest.Tag{
			{Key: "place", Value: "city"}, {Key: "name", Value: "Paris"}, {Key: "population", Value: "2148000"},
		}},
		{ID: 7, Lat: 1, Lon: 1, Tags: []pbftest.Tag{{Key: "place", Value: "city"}}},
		{ID: 43, Lat: 45.764, Lon: 4.8357, Tags: []pbftest.Tag{{Key: "place", Value: "town"}, {Key: "name", Value: "Lyon"}}},
	}
	ways := []pbftest.Way{
		{ID: 99, Refs: []int64{1, 2, 3}, Tags: []pbftest.Tag{{Key: "highway", Value: "primary"}, {Key: "name", Value: "Rue de Rivoli"}}},
		{ID: 100, Refs: []int64{4}, Tags: []pbftest.Tag{{Key: "building", Value: "yes"}}},
	}

	e := New(nil)
	plain := e.Batch(decode(t, pbftest.Block{Nodes: nodes, Ways: ways}))
	dense := e.Batch(decode(t, pbftest.Block{Dense: nodes, Ways: ways}))

	require.Len(t, plain.Cities, 2)
	require.Len(t, dense.Cities, 2)
	for i := range plain.Cities {
		p, d := plain.Cities[i], dense.Cities[i]
		assert.Equal(t, p.ID, d.ID)
		assert.Equal(t, p.Name, d.Name)
		assert.Equal(t, p.Population, d.Population)
		assert.InDelta(t, p.Lat, d.Lat, 1e-9)
		assert.InDelta(t, p.Lon, d.Lon, 1e-9)
	}

	paris := dense.Cities[0]
	assert.Equal(t, int64(42), paris.ID)
	assert.Equal(t, "Paris", *paris.Name)
	assert.Equal(t, int64(2148000), *paris.Population)
	assert.InDelta(t, 48.8566, paris.Lat, 1e-9)
	assert.InDelta(t, 2.3522, paris.Lon, 1e-9)

	assert.Equal(t, []Road{{ID: 99, Name: strPtr("Rue de Rivoli"), Nodes: []int64{1, 2, 3}}}, dense.Roads)
	assert.Equal(t, 3, dense.Len())
}

func TestLoadRules(t *testing.T) {
	dir := t.TempDir()

	path := filepath.Join(dir, "rules.yaml")
	require.NoError(t, os.WriteFile(path, []byte("place_values: [city, town, village]\n"), 0644))
	rules, err := LoadRules(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"city", "town", "village"}, rules.PlaceValues)
	assert.Equal(t, "highway", rules.RoadKey)

	bad := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("road_key: \"\"\n"), 0644))
	_, err = LoadRules(bad)
	assert.Error(t, err)

	_, err = LoadRules(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)
}

func decode(t *testing.T, blk pbftest.Block) *pbf.EntityBatch {
	t.Helper()
	c, err := pbf.NewReader(bytes.NewReader(pbftest.DataChunk(blk, pbftest.Zlib))).Next()
	require.NoError(t, err)

	d := pbf.NewDecoder()
	defer d.Close()
	block, err := d.Decode(c)
	require.NoError(t, err)
	batch, ok := block.(*pbf.EntityBatch)
	require.True(t, ok)
	return batch
}
