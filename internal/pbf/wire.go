package pbf

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// fields walks the top-level fields of one protobuf message without
// allocating. Usage mirrors bufio.Scanner: loop on next(), read the
// current value with one of the typed accessors, check err() after.
type fields struct {
	buf []byte
	num protowire.Number
	typ protowire.Type
	val []byte // raw value of the current field, tag stripped
	e   error
}

func newFields(b []byte) *fields {
	return &fields{buf: b}
}

func (f *fields) next() bool {
	if f.e != nil || len(f.buf) == 0 {
		return false
	}
	num, typ, n := protowire.ConsumeTag(f.buf)
	if n < 0 {
		f.e = fmt.Errorf("field tag: %w", protowire.ParseError(n))
		return false
	}
	m := protowire.ConsumeFieldValue(num, typ, f.buf[n:])
	if m < 0 {
		f.e = fmt.Errorf("field %d: %w", num, protowire.ParseError(m))
		return false
	}
	f.num, f.typ = num, typ
	f.val = f.buf[n : n+m]
	f.buf = f.buf[n+m:]
	return true
}

func (f *fields) err() error {
	return f.e
}

func (f *fields) fail(format string, args ...interface{}) {
	if f.e == nil {
		f.e = fmt.Errorf(format, args...)
	}
}

// bytes returns a length-delimited value. The slice aliases the input.
func (f *fields) bytes() []byte {
	if f.typ != protowire.BytesType {
		f.fail("field %d: expected bytes, got wire type %d", f.num, f.typ)
		return nil
	}
	v, n := protowire.ConsumeBytes(f.val)
	if n < 0 {
		f.fail("field %d: %v", f.num, protowire.ParseError(n))
		return nil
	}
	return v
}

func (f *fields) uvarint() uint64 {
	if f.typ != protowire.VarintType {
		f.fail("field %d: expected varint, got wire type %d", f.num, f.typ)
		return 0
	}
	v, n := protowire.ConsumeVarint(f.val)
	if n < 0 {
		f.fail("field %d: %v", f.num, protowire.ParseError(n))
		return 0
	}
	return v
}

func (f *fields) int64() int64 {
	return int64(f.uvarint())
}

func (f *fields) sint64() int64 {
	return protowire.DecodeZigZag(f.uvarint())
}

// packed calls fn for every varint of a repeated scalar field, accepting
// both the packed encoding and a single unpacked element.
func (f *fields) packed(fn func(v uint64)) {
	switch f.typ {
	case protowire.VarintType:
		fn(f.uvarint())
	case protowire.BytesType:
		b := f.bytes()
		for len(b) > 0 {
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				f.fail("field %d: packed: %v", f.num, protowire.ParseError(n))
				return
			}
			fn(v)
			b = b[n:]
		}
	default:
		f.fail("field %d: unexpected wire type %d for repeated scalar", f.num, f.typ)
	}
}

func (f *fields) packedSint64(dst []int64) []int64 {
	f.packed(func(v uint64) {
		dst = append(dst, protowire.DecodeZigZag(v))
	})
	return dst
}

func (f *fields) packedUint32(dst []uint32) []uint32 {
	f.packed(func(v uint64) {
		dst = append(dst, uint32(v))
	})
	return dst
}
