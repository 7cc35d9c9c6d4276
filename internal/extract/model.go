package extract

import "github.com/paulmach/orb"

// City is a populated place extracted from a point entity
type City struct {
	ID         int64
	Name       *string
	Lat        float64
	Lon        float64
	Population *int64
}

// Point returns the city location as lon/lat
func (c City) Point() orb.Point {
	return orb.Point{c.Lon, c.Lat}
}

// Road is a linear entity carrying the road marker tag. Nodes are the
// referenced node ids in way order, kept verbatim.
type Road struct {
	ID    int64
	Name  *string
	Nodes []int64
}

// Result holds the records extracted from one entity batch
type Result struct {
	Cities []City
	Roads  []Road
}

// Len returns the number of records in the result
func (r Result) Len() int {
	return len(r.Cities) + len(r.Roads)
}
