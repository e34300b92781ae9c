package wire

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// Record builds a protobuf-encoded message field by field.
type Record struct {
	buf []byte
}

func (r *Record) Varint(num protowire.Number, v uint64) *Record {
	r.buf = protowire.AppendTag(r.buf, num, protowire.VarintType)
	r.buf = protowire.AppendVarint(r.buf, v)
	return r
}

// Int encodes a signed value with zig-zag so negative ranks stay small.
func (r *Record) Int(num protowire.Number, v int) *Record {
	return r.Varint(num, protowire.EncodeZigZag(int64(v)))
}

func (r *Record) Bytes(num protowire.Number, v []byte) *Record {
	r.buf = protowire.AppendTag(r.buf, num, protowire.BytesType)
	r.buf = protowire.AppendBytes(r.buf, v)
	return r
}

func (r *Record) Text(num protowire.Number, v string) *Record {
	r.buf = protowire.AppendTag(r.buf, num, protowire.BytesType)
	r.buf = protowire.AppendString(r.buf, v)
	return r
}

func (r *Record) Encode() []byte {
	return r.buf
}

// Field is one decoded field. Varint fields fill Uint, bytes fields fill Raw.
type Field struct {
	Num  protowire.Number
	Type protowire.Type
	Uint uint64
	Raw  []byte
}

func (f Field) Int() int {
	return int(protowire.DecodeZigZag(f.Uint))
}

// Walk calls fn for every varint and bytes field of buf. Other wire types are
// skipped so records can grow without breaking older readers.
func Walk(buf []byte, fn func(Field) error) error {
	for len(buf) > 0 {
		num, typ, n := protowire.ConsumeTag(buf)
		if err := protowire.ParseError(n); err != nil {
			return fmt.Errorf("%w: %w", ErrMalformed, err)
		}
		buf = buf[n:]

		field := Field{Num: num, Type: typ}
		switch typ {
		case protowire.VarintType:
			field.Uint, n = protowire.ConsumeVarint(buf)
		case protowire.BytesType:
			field.Raw, n = protowire.ConsumeBytes(buf)
		default:
			n = protowire.ConsumeFieldValue(num, typ, buf)
			if err := protowire.ParseError(n); err != nil {
				return fmt.Errorf("%w: %w", ErrMalformed, err)
			}
			buf = buf[n:]
			continue
		}
		if err := protowire.ParseError(n); err != nil {
			return fmt.Errorf("%w: %w", ErrMalformed, err)
		}
		buf = buf[n:]

		if err := fn(field); err != nil {
			return err
		}
	}
	return nil
}
