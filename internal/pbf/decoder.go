package pbf

import (
	"github.com/wegman-software/osmextract/internal/failure"
)

// Block is the typed result of decoding one chunk: *Header,
// *EntityBatch or Unrecognized.
type Block interface {
	block()
}

// Unrecognized is returned for blob types the decoder does not know.
// Such chunks are skipped without error.
type Unrecognized struct {
	Type string
}

func (*Header) block()      {}
func (*EntityBatch) block() {}
func (Unrecognized) block() {}

// Decoder turns raw chunks into blocks. A single Decoder is safe for
// concurrent use by many chunk pipelines.
type Decoder struct {
	dc *decompressor
}

// NewDecoder creates a chunk decoder
func NewDecoder() *Decoder {
	return &Decoder{dc: newDecompressor()}
}

// Close releases decompressor resources
func (d *Decoder) Close() {
	d.dc.close()
}

// Decode decompresses and parses one chunk. Errors are always
// failure.KindDecode: the chunk is lost but the file stays readable.
func (d *Decoder) Decode(c Chunk) (Block, error) {
	if c.Type != TypeHeader && c.Type != TypeData {
		return Unrecognized{Type: c.Type}, nil
	}

	bl, err := parseBlob(c.Data)
	if err != nil {
		return nil, failure.New(failure.KindDecode, "parse blob", err)
	}
	payload, err := d.dc.decompress(bl)
	if err != nil {
		return nil, failure.New(failure.KindDecode, "decompress blob", err)
	}

	if c.Type == TypeHeader {
		h, err := parseHeaderBlock(payload)
		if err != nil {
			return nil, failure.New(failure.KindDecode, "parse header block", err)
		}
		return h, nil
	}

	batch, err := parsePrimitiveBlock(payload)
	if err != nil {
		return nil, failure.New(failure.KindDecode, "parse primitive block", err)
	}
	return batch, nil
}
