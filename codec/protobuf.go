package codec

import (
	"github.com/pkg/errors"
	"google.golang.org/protobuf/encoding/protowire"
)

// RecordWriter builds a protobuf-wire-compatible message by hand, field by
// field, using protowire's primitives directly rather than a generated
// message type (there is no .proto compilation step in this build).
// Callers pick field numbers the same way a .proto file would and must
// keep them stable across versions.
type RecordWriter struct {
	buf []byte
}

func NewRecordWriter() *RecordWriter { return &RecordWriter{} }

func (w *RecordWriter) Bytes() []byte { return w.buf }

func (w *RecordWriter) PutString(field protowire.Number, s string) {
	w.buf = protowire.AppendTag(w.buf, field, protowire.BytesType)
	w.buf = protowire.AppendString(w.buf, s)
}

func (w *RecordWriter) PutBytes(field protowire.Number, b []byte) {
	w.buf = protowire.AppendTag(w.buf, field, protowire.BytesType)
	w.buf = protowire.AppendBytes(w.buf, b)
}

func (w *RecordWriter) PutInt64(field protowire.Number, v int64) {
	w.buf = protowire.AppendTag(w.buf, field, protowire.VarintType)
	w.buf = protowire.AppendVarint(w.buf, protowire.EncodeZigZag(v))
}

func (w *RecordWriter) PutUint64(field protowire.Number, v uint64) {
	w.buf = protowire.AppendTag(w.buf, field, protowire.VarintType)
	w.buf = protowire.AppendVarint(w.buf, v)
}

func (w *RecordWriter) PutBool(field protowire.Number, v bool) {
	var u uint64
	if v {
		u = 1
	}
	w.PutUint64(field, u)
}

// RecordField is one decoded (number, wire type, value) triple; the caller
// type-switches on Kind and pulls the matching accessor.
type RecordField struct {
	Number protowire.Number
	Kind   protowire.Type
	Uint   uint64
	Bytes  []byte
}

var ErrMalformedRecord = errors.New("codec: malformed protobuf record")

// ParseRecord decodes buf into an ordered list of fields; repeated fields
// of the same number appear multiple times in the result, mirroring
// protobuf's own repeated-field wire semantics.
func ParseRecord(buf []byte) ([]RecordField, error) {
	var out []RecordField
	for len(buf) > 0 {
		num, typ, n := protowire.ConsumeTag(buf)
		if n < 0 {
			return nil, errors.Wrap(ErrMalformedRecord, "bad tag")
		}
		buf = buf[n:]

		switch typ {
		case protowire.VarintType:
			v, n := protowire.ConsumeVarint(buf)
			if n < 0 {
				return nil, errors.Wrap(ErrMalformedRecord, "bad varint")
			}
			buf = buf[n:]
			out = append(out, RecordField{Number: num, Kind: typ, Uint: v})
		case protowire.BytesType:
			v, n := protowire.ConsumeBytes(buf)
			if n < 0 {
				return nil, errors.Wrap(ErrMalformedRecord, "bad bytes")
			}
			buf = buf[n:]
			out = append(out, RecordField{Number: num, Kind: typ, Bytes: append([]byte(nil), v...)})
		case protowire.Fixed32Type:
			v, n := protowire.ConsumeFixed32(buf)
			if n < 0 {
				return nil, errors.Wrap(ErrMalformedRecord, "bad fixed32")
			}
			buf = buf[n:]
			out = append(out, RecordField{Number: num, Kind: typ, Uint: uint64(v)})
		case protowire.Fixed64Type:
			v, n := protowire.ConsumeFixed64(buf)
			if n < 0 {
				return nil, errors.Wrap(ErrMalformedRecord, "bad fixed64")
			}
			buf = buf[n:]
			out = append(out, RecordField{Number: num, Kind: typ, Uint: v})
		default:
			n := protowire.ConsumeFieldValue(num, typ, buf)
			if n < 0 {
				return nil, errors.Wrap(ErrMalformedRecord, "unsupported wire type")
			}
			buf = buf[n:]
		}
	}
	return out, nil
}

// DecodeZigZagInt64 reverses PutInt64's zigzag encoding.
func DecodeZigZagInt64(u uint64) int64 { return protowire.DecodeZigZag(u) }
