package pbf

import (
	"bytes"
	"io"

	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
	"github.com/pkg/errors"
)

// Blob field numbers
const (
	blobRaw     = 1
	blobRawSize = 2
	blobZlib    = 3
	blobLZMA    = 4
	blobBzip2   = 5
	blobLZ4     = 6
	blobZstd    = 7
)

var compressionNames = map[int]string{
	blobRaw:   "raw",
	blobZlib:  "zlib",
	blobLZMA:  "lzma",
	blobBzip2: "bzip2",
	blobLZ4:   "lz4",
	blobZstd:  "zstd",
}

// Compression returns the payload encoding of the chunk's blob: raw, zlib,
// lzma, bzip2, lz4 or zstd. It only parses the Blob envelope.
func (c Chunk) Compression() (string, error) {
	bl, err := parseBlob(c.Data)
	if err != nil {
		return "", err
	}
	return compressionNames[bl.compression], nil
}

// blob is a parsed Blob message; data aliases the chunk buffer
type blob struct {
	compression int
	rawSize     int
	data        []byte
}

func parseBlob(b []byte) (blob, error) {
	var bl blob
	rawSize := -1
	f := newFields(b)
	for f.next() {
		switch f.num {
		case blobRawSize:
			rawSize = int(int32(f.uvarint()))
		case blobRaw, blobZlib, blobLZMA, blobBzip2, blobLZ4, blobZstd:
			bl.compression = int(f.num)
			bl.data = f.bytes()
		}
	}
	if err := f.err(); err != nil {
		return blob{}, err
	}
	if bl.compression == 0 {
		return blob{}, errors.New("blob without data")
	}
	bl.rawSize = rawSize
	return bl, nil
}

// decompressor turns blob payloads into serialized block messages. It is
// safe for concurrent use: zlib and lz4 state is per call, the zstd
// decoder is shared through DecodeAll.
type decompressor struct {
	zstd *zstd.Decoder
}

func newDecompressor() *decompressor {
	// no stream source, the decoder only serves DecodeAll
	dec, _ := zstd.NewReader(nil)
	return &decompressor{zstd: dec}
}

func (d *decompressor) close() {
	if d.zstd != nil {
		d.zstd.Close()
	}
}

func (d *decompressor) decompress(bl blob) ([]byte, error) {
	if bl.rawSize > maxBlobSize {
		return nil, errors.Errorf("raw size %d exceeds limit", bl.rawSize)
	}

	var (
		out []byte
		err error
	)
	switch bl.compression {
	case blobRaw:
		out = bl.data
	case blobZlib:
		out, err = d.zlib(bl)
	case blobZstd:
		out, err = d.zstd.DecodeAll(bl.data, make([]byte, 0, capHint(bl.rawSize)))
		err = errors.WithStack(err)
	case blobLZ4:
		out, err = d.lz4(bl)
	case blobLZMA:
		return nil, errors.New("lzma compression is not supported")
	case blobBzip2:
		return nil, errors.New("bzip2 compression is not supported")
	default:
		return nil, errors.Errorf("unknown compression field %d", bl.compression)
	}
	if err != nil {
		return nil, err
	}

	if bl.rawSize >= 0 && len(out) != bl.rawSize {
		return nil, errors.Errorf("decompressed %d bytes, header declared %d", len(out), bl.rawSize)
	}
	return out, nil
}

func (d *decompressor) zlib(bl blob) ([]byte, error) {
	zr, err := zlib.NewReader(bytes.NewReader(bl.data))
	if err != nil {
		return nil, errors.WithStack(err)
	}
	defer zr.Close()

	buf := bytes.NewBuffer(make([]byte, 0, capHint(bl.rawSize)))
	// one byte past the limit so oversized payloads are detected
	if _, err := io.Copy(buf, io.LimitReader(zr, maxBlobSize+1)); err != nil {
		return nil, errors.WithStack(err)
	}
	if buf.Len() > maxBlobSize {
		return nil, errors.New("zlib payload exceeds limit")
	}
	return buf.Bytes(), nil
}

func (d *decompressor) lz4(bl blob) ([]byte, error) {
	if bl.rawSize < 0 {
		return nil, errors.New("lz4 blob without raw_size")
	}
	out := make([]byte, bl.rawSize)
	n, err := lz4.UncompressBlock(bl.data, out)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return out[:n], nil
}

func capHint(rawSize int) int {
	if rawSize > 0 {
		return rawSize
	}
	return 64 * 1024
}
