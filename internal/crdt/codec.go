package crdt

import (
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/rendis/flowsync/pkg/schema"
)

// Wire layout (protobuf encoding, no generated code):
//
//	Delta       { repeated bytes op = 1 }
//	Op          { kind = 1; seq = 2; client = 3; clock = 4; lamport = 5;
//	              ref_client = 6; ref_clock = 7; record_id = 8; repeated bytes field = 9 }
//	Field       { name = 1; value = 2 }
//	StateVector { repeated bytes entry = 1 }
//	Entry       { client = 1; clock = 2 }

const (
	fieldDeltaOp = 1

	fieldOpKind      = 1
	fieldOpSeq       = 2
	fieldOpClient    = 3
	fieldOpClock     = 4
	fieldOpLamport   = 5
	fieldOpRefClient = 6
	fieldOpRefClock  = 7
	fieldOpRecordID  = 8
	fieldOpField     = 9

	fieldFieldName  = 1
	fieldFieldValue = 2

	fieldSVEntry       = 1
	fieldSVEntryClient = 1
	fieldSVEntryClock  = 2
)

// Encode serializes the delta.
func (d Delta) Encode() []byte {
	var b []byte
	for _, op := range d.Ops {
		b = protowire.AppendTag(b, fieldDeltaOp, protowire.BytesType)
		b = protowire.AppendBytes(b, encodeOp(op))
	}
	return b
}

func encodeOp(op Op) []byte {
	var b []byte
	b = appendVarint(b, fieldOpKind, uint64(op.Kind))
	b = appendVarint(b, fieldOpSeq, uint64(op.Seq))
	b = appendVarint(b, fieldOpClient, uint64(op.ID.Client))
	b = appendVarint(b, fieldOpClock, op.ID.Clock)
	b = appendVarint(b, fieldOpLamport, op.Lamport)
	if !op.Ref.IsZero() {
		b = appendVarint(b, fieldOpRefClient, uint64(op.Ref.Client))
		b = appendVarint(b, fieldOpRefClock, op.Ref.Clock)
	}
	if op.RecordID != "" {
		b = protowire.AppendTag(b, fieldOpRecordID, protowire.BytesType)
		b = protowire.AppendString(b, op.RecordID)
	}
	for _, f := range op.Fields {
		var fb []byte
		fb = protowire.AppendTag(fb, fieldFieldName, protowire.BytesType)
		fb = protowire.AppendString(fb, f.Name)
		fb = protowire.AppendTag(fb, fieldFieldValue, protowire.BytesType)
		fb = protowire.AppendBytes(fb, f.Value)
		b = protowire.AppendTag(b, fieldOpField, protowire.BytesType)
		b = protowire.AppendBytes(b, fb)
	}
	return b
}

func appendVarint(b []byte, num protowire.Number, v uint64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

// DecodeDelta parses bytes produced by Delta.Encode. Unknown fields are skipped.
func DecodeDelta(b []byte) (Delta, error) {
	var d Delta
	err := walk(b, func(num protowire.Number, typ protowire.Type, v []byte, _ uint64) error {
		if num != fieldDeltaOp {
			return nil
		}
		if typ != protowire.BytesType {
			return malformed("delta op has wire type %d", typ)
		}
		op, err := decodeOp(v)
		if err != nil {
			return err
		}
		d.Ops = append(d.Ops, op)
		return nil
	})
	if err != nil {
		return Delta{}, err
	}
	return d, nil
}

func decodeOp(b []byte) (Op, error) {
	var op Op
	err := walk(b, func(num protowire.Number, typ protowire.Type, v []byte, n uint64) error {
		switch num {
		case fieldOpKind:
			op.Kind = OpKind(n)
		case fieldOpSeq:
			op.Seq = Seq(n)
		case fieldOpClient:
			op.ID.Client = ClientID(n)
		case fieldOpClock:
			op.ID.Clock = n
		case fieldOpLamport:
			op.Lamport = n
		case fieldOpRefClient:
			op.Ref.Client = ClientID(n)
		case fieldOpRefClock:
			op.Ref.Clock = n
		case fieldOpRecordID:
			op.RecordID = string(v)
		case fieldOpField:
			f, err := decodeField(v)
			if err != nil {
				return err
			}
			op.Fields = append(op.Fields, f)
		}
		return nil
	})
	if err != nil {
		return Op{}, err
	}
	if err := checkOp(op); err != nil {
		return Op{}, err
	}
	return op, nil
}

func decodeField(b []byte) (Field, error) {
	var f Field
	err := walk(b, func(num protowire.Number, _ protowire.Type, v []byte, _ uint64) error {
		switch num {
		case fieldFieldName:
			f.Name = string(v)
		case fieldFieldValue:
			f.Value = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil {
		return Field{}, err
	}
	if f.Name == "" {
		return Field{}, malformed("field without name")
	}
	return f, nil
}

// Encode serializes the state vector. Entries are written in ascending client order.
func (sv StateVector) Encode() []byte {
	var b []byte
	for _, c := range sv.clients() {
		var eb []byte
		eb = appendVarint(eb, fieldSVEntryClient, uint64(c))
		eb = appendVarint(eb, fieldSVEntryClock, sv[c])
		b = protowire.AppendTag(b, fieldSVEntry, protowire.BytesType)
		b = protowire.AppendBytes(b, eb)
	}
	return b
}

// DecodeStateVector parses bytes produced by StateVector.Encode.
func DecodeStateVector(b []byte) (StateVector, error) {
	sv := make(StateVector)
	err := walk(b, func(num protowire.Number, _ protowire.Type, v []byte, _ uint64) error {
		if num != fieldSVEntry {
			return nil
		}
		var client ClientID
		var clock uint64
		err := walk(v, func(num protowire.Number, _ protowire.Type, _ []byte, n uint64) error {
			switch num {
			case fieldSVEntryClient:
				client = ClientID(n)
			case fieldSVEntryClock:
				clock = n
			}
			return nil
		})
		if err != nil {
			return err
		}
		if client == 0 {
			return malformed("state vector entry without client")
		}
		sv[client] = clock
		return nil
	})
	if err != nil {
		return nil, err
	}
	return sv, nil
}

// walk iterates over the fields of one message. Varint values are passed in n,
// length-delimited values in v.
func walk(b []byte, fn func(num protowire.Number, typ protowire.Type, v []byte, n uint64) error) error {
	for len(b) > 0 {
		num, typ, tn := protowire.ConsumeTag(b)
		if tn < 0 {
			return malformedCause(protowire.ParseError(tn))
		}
		b = b[tn:]
		switch typ {
		case protowire.VarintType:
			n, vn := protowire.ConsumeVarint(b)
			if vn < 0 {
				return malformedCause(protowire.ParseError(vn))
			}
			b = b[vn:]
			if err := fn(num, typ, nil, n); err != nil {
				return err
			}
		case protowire.BytesType:
			v, vn := protowire.ConsumeBytes(b)
			if vn < 0 {
				return malformedCause(protowire.ParseError(vn))
			}
			b = b[vn:]
			if err := fn(num, typ, v, 0); err != nil {
				return err
			}
		default:
			vn := protowire.ConsumeFieldValue(num, typ, b)
			if vn < 0 {
				return malformedCause(protowire.ParseError(vn))
			}
			b = b[vn:]
		}
	}
	return nil
}

func malformed(format string, args ...any) error {
	return schema.NewErrorf(schema.ErrCodeMalformedDelta, format, args...)
}

func malformedCause(err error) error {
	return schema.NewError(schema.ErrCodeMalformedDelta, "invalid wire data").WithCause(err)
}
