package wire

import (
	"math"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/orbisworld/orbis/errors"
)

// Low-level helpers over encoding/protowire shared by all codecs in this
// package.

func float32frombits(v uint64) float32 {
	return math.Float32frombits(uint32(v))
}

func appendVarintField(b []byte, num protowire.Number, v uint64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendBoolField(b []byte, num protowire.Number, v bool) []byte {
	if !v {
		return b
	}
	return appendVarintField(b, num, 1)
}

func appendFloatField(b []byte, num protowire.Number, v float32) []byte {
	b = protowire.AppendTag(b, num, protowire.Fixed32Type)
	return protowire.AppendFixed32(b, math.Float32bits(v))
}

func appendStringField(b []byte, num protowire.Number, v string) []byte {
	if v == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, v)
}

func appendBytesField(b []byte, num protowire.Number, v []byte) []byte {
	if len(v) == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

func appendMessage(b []byte, num protowire.Number, msg []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, msg)
}

// walkFields iterates length-delimited fields, handing each payload to fn.
// Non-bytes fields are skipped. Unknown fields are tolerated.
func walkFields(data []byte, fn func(num protowire.Number, payload []byte) error) error {
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return errors.Wrap(protowire.ParseError(n), "bad tag")
		}
		data = data[n:]

		if typ == protowire.BytesType {
			payload, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return errors.Wrap(protowire.ParseError(n), "bad bytes field")
			}
			if err := fn(num, payload); err != nil {
				return err
			}
			data = data[n:]
			continue
		}

		n = protowire.ConsumeFieldValue(num, typ, data)
		if n < 0 {
			return errors.Wrap(protowire.ParseError(n), "bad field")
		}
		data = data[n:]
	}
	return nil
}

// walkScalars iterates varint/fixed32/fixed64 fields, handing each raw value
// to fn. Length-delimited fields are skipped.
func walkScalars(data []byte, fn func(num protowire.Number, typ protowire.Type, v uint64)) error {
	return walkAll(data, func(num protowire.Number, typ protowire.Type, v uint64, payload []byte) {
		if payload == nil {
			fn(num, typ, v)
		}
	})
}

// walkAll iterates every field. Scalar fields arrive with payload == nil and
// the raw value in v; length-delimited fields arrive with the payload set.
func walkAll(data []byte, fn func(num protowire.Number, typ protowire.Type, v uint64, payload []byte)) error {
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return errors.Wrap(protowire.ParseError(n), "bad tag")
		}
		data = data[n:]

		switch typ {
		case protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return errors.Wrap(protowire.ParseError(n), "bad varint")
			}
			fn(num, typ, v, nil)
			data = data[n:]
		case protowire.Fixed32Type:
			v, n := protowire.ConsumeFixed32(data)
			if n < 0 {
				return errors.Wrap(protowire.ParseError(n), "bad fixed32")
			}
			fn(num, typ, uint64(v), nil)
			data = data[n:]
		case protowire.Fixed64Type:
			v, n := protowire.ConsumeFixed64(data)
			if n < 0 {
				return errors.Wrap(protowire.ParseError(n), "bad fixed64")
			}
			fn(num, typ, v, nil)
			data = data[n:]
		case protowire.BytesType:
			payload, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return errors.Wrap(protowire.ParseError(n), "bad bytes")
			}
			fn(num, typ, 0, payload)
			data = data[n:]
		default:
			n = protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return errors.Wrap(protowire.ParseError(n), "bad field")
			}
			data = data[n:]
		}
	}
	return nil
}
