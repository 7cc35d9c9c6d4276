// Package extract turns decoded OSM entities into City and Road records.
// Extraction is pure per entity: no state is carried between entities or
// batches, so one Extractor serves every chunk pipeline concurrently.
package extract

import (
	"strconv"

	"github.com/paulmach/orb"
	"github.com/paulmach/osm"

	"github.com/wegman-software/osmextract/internal/pbf"
)

const (
	keyPlace      = "place"
	keyName       = "name"
	keyPopulation = "population"
)

// Extractor applies compiled Rules to entities
type Extractor struct {
	places  map[string]struct{}
	roadKey string
	bounds  *orb.Bound
}

// Option configures an Extractor
type Option func(*Extractor)

// WithBounds restricts emitted cities to those inside b. Roads carry no
// coordinates and are never filtered.
func WithBounds(b orb.Bound) Option {
	return func(e *Extractor) {
		e.bounds = &b
	}
}

// New compiles rules into an Extractor. Nil rules mean DefaultRules.
func New(rules *Rules, opts ...Option) *Extractor {
	if rules == nil {
		rules = DefaultRules()
	}
	e := &Extractor{
		places:  make(map[string]struct{}, len(rules.PlaceValues)),
		roadKey: rules.RoadKey,
	}
	for _, v := range rules.PlaceValues {
		e.places[v] = struct{}{}
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// City returns the city for n when it carries a matching place tag and a
// name. A key repeated on the node takes its last value. An unparsable
// population is dropped, not reported.
func (e *Extractor) City(n *osm.Node) (City, bool) {
	var (
		place, name, population string
		hasPlace, hasName       bool
		hasPopulation           bool
	)
	for _, t := range n.Tags {
		switch t.Key {
		case keyPlace:
			place, hasPlace = t.Value, true
		case keyName:
			name, hasName = t.Value, true
		case keyPopulation:
			population, hasPopulation = t.Value, true
		}
	}

	if !hasPlace || !hasName {
		return City{}, false
	}
	if _, ok := e.places[place]; !ok {
		return City{}, false
	}

	c := City{
		ID:   int64(n.ID),
		Name: &name,
		Lat:  n.Lat,
		Lon:  n.Lon,
	}
	if e.bounds != nil && !e.bounds.Contains(c.Point()) {
		return City{}, false
	}
	if hasPopulation {
		if p, err := strconv.ParseInt(population, 10, 64); err == nil {
			c.Population = &p
		}
	}
	return c, true
}

// Road returns the road for w when any tag key equals the road key
func (e *Extractor) Road(w *osm.Way) (Road, bool) {
	isRoad := false
	var name *string
	for _, t := range w.Tags {
		if t.Key == e.roadKey {
			isRoad = true
		}
		if t.Key == keyName && name == nil {
			v := t.Value
			name = &v
		}
	}
	if !isRoad {
		return Road{}, false
	}

	nodes := make([]int64, len(w.Nodes))
	for i, wn := range w.Nodes {
		nodes[i] = int64(wn.ID)
	}
	return Road{ID: int64(w.ID), Name: name, Nodes: nodes}, true
}

// Batch extracts every city and road from a decoded batch
func (e *Extractor) Batch(b *pbf.EntityBatch) Result {
	var res Result
	for i := range b.Nodes {
		if c, ok := e.City(&b.Nodes[i]); ok {
			res.Cities = append(res.Cities, c)
		}
	}
	for i := range b.Ways {
		if r, ok := e.Road(&b.Ways[i]); ok {
			res.Roads = append(res.Roads, r)
		}
	}
	return res
}
