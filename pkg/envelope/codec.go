package envelope

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"google.golang.org/protobuf/encoding/protowire"
)

// MaxFrameSize bounds the body of a single frame.
const MaxFrameSize = 16 << 20

// Codec converts envelopes to and from self-delimiting frames.
type Codec interface {
	Encode(e Envelope) ([]byte, error)
	Decode(frame []byte) (Envelope, error)
	// Split cuts one complete frame out of a byte stream.
	Split(data []byte, atEOF bool) (advance int, token []byte, err error)
}

// DecodeError reports a malformed inbound frame.
type DecodeError struct {
	Reason string
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Err == nil {
		return "decode " + e.Reason
	}
	return fmt.Sprintf("decode %s: %v", e.Reason, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

var (
	ErrFrameTooLarge  = errors.New("frame exceeds maximum size")
	ErrFrameTruncated = errors.New("frame truncated")
)

const (
	fieldProducer  protowire.Number = 1
	fieldSequence  protowire.Number = 2
	fieldPayload   protowire.Number = 3
	fieldCreatedAt protowire.Number = 4
)

// ProtoCodec writes a uvarint length prefix followed by the envelope encoded
// with the protobuf wire format. Decoders skip unknown fields.
type ProtoCodec struct{}

var _ Codec = ProtoCodec{}

func (ProtoCodec) Encode(e Envelope) ([]byte, error) {
	if e.Producer == "" {
		return nil, errors.New("encode: envelope has no producer")
	}
	var body []byte
	body = protowire.AppendTag(body, fieldProducer, protowire.BytesType)
	body = protowire.AppendString(body, string(e.Producer))
	body = protowire.AppendTag(body, fieldSequence, protowire.VarintType)
	body = protowire.AppendVarint(body, e.Sequence)
	if len(e.Payload) > 0 {
		body = protowire.AppendTag(body, fieldPayload, protowire.BytesType)
		body = protowire.AppendBytes(body, e.Payload)
	}
	if !e.CreatedAt.IsZero() {
		body = protowire.AppendTag(body, fieldCreatedAt, protowire.VarintType)
		body = protowire.AppendVarint(body, uint64(e.CreatedAt.UnixNano()))
	}
	if len(body) > MaxFrameSize {
		return nil, fmt.Errorf("encode %s: %w", e, ErrFrameTooLarge)
	}

	frame := make([]byte, 0, binary.MaxVarintLen64+len(body))
	frame = binary.AppendUvarint(frame, uint64(len(body)))
	return append(frame, body...), nil
}

func (ProtoCodec) Decode(frame []byte) (Envelope, error) {
	size, n := binary.Uvarint(frame)
	if n <= 0 {
		return Envelope{}, &DecodeError{Reason: "length prefix", Err: ErrFrameTruncated}
	}
	if size > MaxFrameSize {
		return Envelope{}, &DecodeError{Reason: "length prefix", Err: ErrFrameTooLarge}
	}
	body := frame[n:]
	if uint64(len(body)) != size {
		return Envelope{}, &DecodeError{
			Reason: "length prefix",
			Err:    fmt.Errorf("declared %d bytes, got %d: %w", size, len(body), ErrFrameTruncated),
		}
	}

	var (
		e           Envelope
		sawSequence bool
	)
	for len(body) > 0 {
		num, typ, m := protowire.ConsumeTag(body)
		if m < 0 {
			return Envelope{}, &DecodeError{Reason: "tag", Err: protowire.ParseError(m)}
		}
		body = body[m:]

		switch {
		case num == fieldProducer && typ == protowire.BytesType:
			v, m := protowire.ConsumeString(body)
			if m < 0 {
				return Envelope{}, &DecodeError{Reason: "producer", Err: protowire.ParseError(m)}
			}
			e.Producer = NodeID(v)
			body = body[m:]
		case num == fieldSequence && typ == protowire.VarintType:
			v, m := protowire.ConsumeVarint(body)
			if m < 0 {
				return Envelope{}, &DecodeError{Reason: "sequence", Err: protowire.ParseError(m)}
			}
			e.Sequence = v
			sawSequence = true
			body = body[m:]
		case num == fieldPayload && typ == protowire.BytesType:
			v, m := protowire.ConsumeBytes(body)
			if m < 0 {
				return Envelope{}, &DecodeError{Reason: "payload", Err: protowire.ParseError(m)}
			}
			// frames may alias a reused read buffer
			e.Payload = append([]byte(nil), v...)
			body = body[m:]
		case num == fieldCreatedAt && typ == protowire.VarintType:
			v, m := protowire.ConsumeVarint(body)
			if m < 0 {
				return Envelope{}, &DecodeError{Reason: "created_at", Err: protowire.ParseError(m)}
			}
			e.CreatedAt = time.Unix(0, int64(v)).UTC()
			body = body[m:]
		default:
			m := protowire.ConsumeFieldValue(num, typ, body)
			if m < 0 {
				return Envelope{}, &DecodeError{Reason: "unknown field", Err: protowire.ParseError(m)}
			}
			body = body[m:]
		}
	}

	if e.Producer == "" {
		return Envelope{}, &DecodeError{Reason: "producer", Err: errors.New("missing")}
	}
	if !sawSequence {
		return Envelope{}, &DecodeError{Reason: "sequence", Err: errors.New("missing")}
	}
	return e, nil
}

func (ProtoCodec) Split(data []byte, atEOF bool) (int, []byte, error) {
	if len(data) == 0 {
		return 0, nil, nil
	}
	size, n := binary.Uvarint(data)
	switch {
	case n < 0:
		return 0, nil, &DecodeError{Reason: "length prefix", Err: errors.New("varint overflow")}
	case n == 0:
		if atEOF {
			return 0, nil, &DecodeError{Reason: "length prefix", Err: ErrFrameTruncated}
		}
		return 0, nil, nil
	}
	if size > MaxFrameSize {
		return 0, nil, &DecodeError{Reason: "length prefix", Err: ErrFrameTooLarge}
	}
	total := n + int(size)
	if len(data) < total {
		if atEOF {
			return 0, nil, &DecodeError{Reason: "frame body", Err: ErrFrameTruncated}
		}
		return 0, nil, nil
	}
	return total, data[:total], nil
}

// bufio.SplitFunc is the shape links expect.
var _ bufio.SplitFunc = ProtoCodec{}.Split
