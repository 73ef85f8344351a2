package dcmsg

import "fmt"

// Type tags a control message. It always occupies the first byte on the wire.
type Type int

const (
	TypePing Type = iota + 1
	TypePong
	TypeSDP
	TypeLossRate
	TypeRoundTripTime
	TypeJitter
	TypeLock
	TypeUnlock
	TypeMediaMap
	TypeCodecSupportMap
)

func (t Type) String() string {
	switch t {
	case TypePing:
		return "ping"
	case TypePong:
		return "pong"
	case TypeSDP:
		return "sdp"
	case TypeLossRate:
		return "loss_rate"
	case TypeRoundTripTime:
		return "rtt"
	case TypeJitter:
		return "jitter"
	case TypeLock:
		return "lock"
	case TypeUnlock:
		return "unlock"
	case TypeMediaMap:
		return "media_map"
	case TypeCodecSupportMap:
		return "codec_support_map"
	default:
		return fmt.Sprintf("unknown(%d)", int(t))
	}
}

// TrackInfo is the remote-advertised metadata of a receiving track.
type TrackInfo struct {
	Type     string `msgpack:"type" json:"type"`
	SenderID string `msgpack:"sender_id" json:"sender_id"`
	MimeType string `msgpack:"mime_type,omitempty" json:"mime_type,omitempty"`
}

// MediaMap maps a transceiver mid to its track metadata.
type MediaMap map[string]TrackInfo

// CodecSupportLevel tells how many call participants can decode a codec.
type CodecSupportLevel int

const (
	CodecSupportNone CodecSupportLevel = iota
	CodecSupportPartial
	CodecSupportFull
)

func (l CodecSupportLevel) String() string {
	switch l {
	case CodecSupportNone:
		return "none"
	case CodecSupportPartial:
		return "partial"
	case CodecSupportFull:
		return "full"
	default:
		return fmt.Sprintf("unknown(%d)", int(l))
	}
}

// CodecSupportMap is keyed by codec mime type (e.g. "video/AV1").
type CodecSupportMap map[string]CodecSupportLevel

const MimeTypeAV1 = "video/AV1"

// DefaultCodecSupportMap is what a session assumes until the server tells otherwise.
func DefaultCodecSupportMap() CodecSupportMap {
	return CodecSupportMap{
		MimeTypeAV1: CodecSupportNone,
	}
}

// Message is a decoded control message. Payload is nil for tag-only messages.
//
// Payload types by tag:
//
//	SDP                          string (inflated JSON text)
//	LossRate, RoundTripTime,
//	Jitter                       float64
//	Lock                         bool (responses only)
//	MediaMap                     MediaMap
//	CodecSupportMap              CodecSupportMap
//	anything else                generic msgpack value
type Message struct {
	Type    Type
	Payload any
}
