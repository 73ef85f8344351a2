// Package dcmsg implements the compact control-message codec used on the
// session's data channel.
//
// Wire format:
//
//	[TAG(msgpack fixint, 1 byte)][PAYLOAD(msgpack value, optional)]
//
// A message made of the tag alone carries no payload. SDP payloads are
// JSON-encoded, zlib-compressed and embedded as a msgpack bin value.
package dcmsg

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/zlib"
	"github.com/vmihailenco/msgpack/v5"
)

// ErrMalformed is returned for any input that cannot be decoded.
var ErrMalformed = errors.New("malformed control message")

// Encode serializes a control message. A nil payload yields the tag byte only.
func Encode(mt Type, payload any) ([]byte, error) {
	if mt < 0 || mt > 127 {
		return nil, fmt.Errorf("invalid message type %d", int(mt))
	}

	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	enc.UseCompactInts(true)

	if err := enc.EncodeInt(int64(mt)); err != nil {
		return nil, fmt.Errorf("encode type: %w", err)
	}
	if payload == nil {
		return buf.Bytes(), nil
	}

	if mt == TypeSDP {
		blob, err := compressSDP(payload)
		if err != nil {
			return nil, err
		}
		if err := enc.EncodeBytes(blob); err != nil {
			return nil, fmt.Errorf("encode sdp payload: %w", err)
		}
		return buf.Bytes(), nil
	}

	if err := enc.Encode(payload); err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", mt, err)
	}
	return buf.Bytes(), nil
}

// Decode parses a control message produced by Encode or by the remote end.
func Decode(data []byte) (Message, error) {
	if len(data) == 0 {
		return Message{}, fmt.Errorf("%w: empty", ErrMalformed)
	}

	r := bytes.NewReader(data)
	dec := msgpack.NewDecoder(r)

	n, err := dec.DecodeInt()
	if err != nil {
		return Message{}, fmt.Errorf("%w: type: %v", ErrMalformed, err)
	}
	msg := Message{Type: Type(n)}

	if r.Len() == 0 {
		return msg, nil
	}

	msg.Payload, err = decodePayload(dec, msg.Type)
	if err != nil {
		return Message{}, fmt.Errorf("%w: %s payload: %v", ErrMalformed, msg.Type, err)
	}
	return msg, nil
}

func decodePayload(dec *msgpack.Decoder, mt Type) (any, error) {
	switch mt {
	case TypeSDP:
		blob, err := dec.DecodeBytes()
		if err != nil {
			return nil, err
		}
		return decompressSDP(blob)
	case TypeLossRate, TypeRoundTripTime, TypeJitter:
		return dec.DecodeFloat64()
	case TypeLock:
		return dec.DecodeBool()
	case TypeMediaMap:
		mm := MediaMap{}
		if err := dec.Decode(&mm); err != nil {
			return nil, err
		}
		return mm, nil
	case TypeCodecSupportMap:
		cm := CodecSupportMap{}
		if err := dec.Decode(&cm); err != nil {
			return nil, err
		}
		return cm, nil
	default:
		return dec.DecodeInterface()
	}
}

func compressSDP(payload any) ([]byte, error) {
	js, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal sdp: %w", err)
	}

	var buf bytes.Buffer
	zw := zlib.NewWriter(&buf)
	if _, err := zw.Write(js); err != nil {
		return nil, fmt.Errorf("compress sdp: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("compress sdp: %w", err)
	}
	return buf.Bytes(), nil
}

func decompressSDP(blob []byte) (string, error) {
	zr, err := zlib.NewReader(bytes.NewReader(blob))
	if err != nil {
		return "", fmt.Errorf("inflate sdp: %w", err)
	}
	defer zr.Close()

	out, err := io.ReadAll(zr)
	if err != nil {
		return "", fmt.Errorf("inflate sdp: %w", err)
	}
	return string(out), nil
}
