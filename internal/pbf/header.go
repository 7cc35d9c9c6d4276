package pbf

import (
	"time"

	"github.com/paulmach/orb"
)

// Features this decoder understands in a header's required_features
var supportedFeatures = map[string]bool{
	"OsmSchema-V0.6": true,
	"DenseNodes":     true,
}

// Header is the decoded content of an OSMHeader chunk. Extraction
// ignores it; it is logged and shown by inspect.
type Header struct {
	Bounds           *orb.Bound
	RequiredFeatures []string
	OptionalFeatures []string
	WritingProgram   string
	Source           string

	ReplicationTimestamp time.Time
	ReplicationSequence  int64
	ReplicationBaseURL   string
}

// UnsupportedFeatures returns required features the decoder does not handle
func (h *Header) UnsupportedFeatures() []string {
	var out []string
	for _, f := range h.RequiredFeatures {
		if !supportedFeatures[f] {
			out = append(out, f)
		}
	}
	return out
}

func parseHeaderBlock(b []byte) (*Header, error) {
	h := &Header{}
	f := newFields(b)
	for f.next() {
		switch f.num {
		case 1:
			bound, err := parseHeaderBBox(f.bytes())
			if err != nil {
				return nil, err
			}
			h.Bounds = &bound
		case 4:
			h.RequiredFeatures = append(h.RequiredFeatures, string(f.bytes()))
		case 5:
			h.OptionalFeatures = append(h.OptionalFeatures, string(f.bytes()))
		case 16:
			h.WritingProgram = string(f.bytes())
		case 17:
			h.Source = string(f.bytes())
		case 32:
			if ts := f.int64(); ts > 0 {
				h.ReplicationTimestamp = time.Unix(ts, 0).UTC()
			}
		case 33:
			h.ReplicationSequence = f.int64()
		case 34:
			h.ReplicationBaseURL = string(f.bytes())
		}
	}
	if err := f.err(); err != nil {
		return nil, err
	}
	return h, nil
}

// parseHeaderBBox reads left, right, top, bottom in nanodegrees
func parseHeaderBBox(b []byte) (orb.Bound, error) {
	var left, right, top, bottom int64
	f := newFields(b)
	for f.next() {
		switch f.num {
		case 1:
			left = f.sint64()
		case 2:
			right = f.sint64()
		case 3:
			top = f.sint64()
		case 4:
			bottom = f.sint64()
		}
	}
	if err := f.err(); err != nil {
		return orb.Bound{}, err
	}
	return orb.Bound{
		Min: orb.Point{float64(left) / 1e9, float64(bottom) / 1e9},
		Max: orb.Point{float64(right) / 1e9, float64(top) / 1e9},
	}, nil
}
