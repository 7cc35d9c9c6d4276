// Package pbf streams and decodes the chunks of an OSM PBF container.
//
// A PBF file is a sequence of self-contained blobs, each framed as a
// 4-byte big-endian header length, a BlobHeader message and a Blob
// message. Reader only frames chunks; Decoder turns a chunk into a typed
// block. Framing errors are fatal for the file, decode errors only for
// the chunk.
package pbf

import (
	"encoding/binary"
	"errors"
	"io"

	"github.com/wegman-software/osmextract/internal/failure"
)

const (
	// Limits from the PBF format definition
	maxBlobHeaderSize = 64 * 1024
	maxBlobSize       = 32 * 1024 * 1024

	// Known blob types
	TypeHeader = "OSMHeader"
	TypeData   = "OSMData"
)

// Chunk is one framed, still-compressed blob
type Chunk struct {
	Index  int64  // ordinal position in the file, starting at 0
	Offset int64  // byte offset of the length prefix
	Type   string // BlobHeader type, e.g. "OSMData"
	Data   []byte // serialized Blob message
}

// Size returns the length of the serialized blob
func (c Chunk) Size() int64 {
	return int64(len(c.Data))
}

// Reader yields the chunks of a PBF stream in file order
type Reader struct {
	src    io.Reader
	offset int64
	index  int64
	hdr    [4]byte
}

// NewReader creates a chunk reader over src
func NewReader(src io.Reader) *Reader {
	return &Reader{src: src}
}

// Offset returns the number of bytes consumed so far
func (r *Reader) Offset() int64 {
	return r.offset
}

// Reset rewinds to the first chunk. The source must be an io.Seeker.
func (r *Reader) Reset() error {
	s, ok := r.src.(io.Seeker)
	if !ok {
		return errors.New("pbf: source is not seekable")
	}
	if _, err := s.Seek(0, io.SeekStart); err != nil {
		return err
	}
	r.offset = 0
	r.index = 0
	return nil
}

// Next returns the next chunk, or io.EOF after the last one. Any other
// error is a framing failure and the reader must not be used further.
func (r *Reader) Next() (Chunk, error) {
	start := r.offset

	n, err := io.ReadFull(r.src, r.hdr[:])
	r.offset += int64(n)
	switch {
	case err == io.EOF:
		return Chunk{}, io.EOF
	case err == io.ErrUnexpectedEOF:
		return Chunk{}, failure.Newf(failure.KindFraming, "read header length",
			"truncated length prefix at offset %d", start)
	case err != nil:
		return Chunk{}, failure.New(failure.KindFraming, "read header length", err)
	}

	hdrLen := binary.BigEndian.Uint32(r.hdr[:])
	if hdrLen == 0 || hdrLen > maxBlobHeaderSize {
		return Chunk{}, failure.Newf(failure.KindFraming, "read header",
			"invalid blob header size %d at offset %d", hdrLen, start)
	}

	hdrBuf := make([]byte, hdrLen)
	if err := r.readFull(hdrBuf, "read header"); err != nil {
		return Chunk{}, err
	}

	blobType, dataSize, err := parseBlobHeader(hdrBuf)
	if err != nil {
		return Chunk{}, failure.New(failure.KindFraming, "parse blob header", err)
	}
	if dataSize > maxBlobSize {
		return Chunk{}, failure.Newf(failure.KindFraming, "read blob",
			"invalid blob size %d at offset %d", dataSize, start)
	}

	data := make([]byte, dataSize)
	if err := r.readFull(data, "read blob"); err != nil {
		return Chunk{}, err
	}

	c := Chunk{
		Index:  r.index,
		Offset: start,
		Type:   blobType,
		Data:   data,
	}
	r.index++
	return c, nil
}

func (r *Reader) readFull(buf []byte, op string) error {
	n, err := io.ReadFull(r.src, buf)
	r.offset += int64(n)
	if err == io.EOF || err == io.ErrUnexpectedEOF {
		return failure.Newf(failure.KindFraming, op,
			"truncated: declared %d bytes, only %d left at offset %d", len(buf), n, r.offset-int64(n))
	}
	if err != nil {
		return failure.New(failure.KindFraming, op, err)
	}
	return nil
}

// parseBlobHeader reads type (1) and datasize (3); indexdata (2) is ignored
func parseBlobHeader(b []byte) (string, int64, error) {
	var (
		blobType string
		size     int64 = -1
	)
	f := newFields(b)
	for f.next() {
		switch f.num {
		case 1:
			blobType = string(f.bytes())
		case 3:
			size = int64(int32(f.uvarint()))
		}
	}
	if err := f.err(); err != nil {
		return "", 0, err
	}
	if blobType == "" {
		return "", 0, errors.New("blob header without type")
	}
	if size < 0 {
		return "", 0, errors.New("blob header without datasize")
	}
	return blobType, size, nil
}
