package core

import (
	"github.com/pion/interceptor"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
)

// PeerConnection is the media engine handle a session drives.
// Implementations wrap *webrtc.PeerConnection; tests use fakes.
type PeerConnection interface {
	// CreateDataChannel opens a reliable ordered channel.
	CreateDataChannel(label string) (DataChannel, error)

	CreateOffer() (webrtc.SessionDescription, error)
	CreateAnswer() (webrtc.SessionDescription, error)
	SetLocalDescription(webrtc.SessionDescription) error
	SetRemoteDescription(webrtc.SessionDescription) error
	LocalDescription() *webrtc.SessionDescription
	RemoteDescription() *webrtc.SessionDescription
	SignalingState() webrtc.SignalingState
	ConnectionState() webrtc.PeerConnectionState

	// AddICECandidate applies a remote ICE candidate.
	AddICECandidate(webrtc.ICECandidateInit) error

	// AddTransceiver adds a send-receive transceiver for track with the
	// given encodings and codec preference order.
	AddTransceiver(track webrtc.TrackLocal, init TransceiverInit) (Sender, error)
	// AddTrack attaches track without explicit transceiver parameters.
	AddTrack(track webrtc.TrackLocal) (Sender, error)
	RemoveTrack(Sender) error
	Senders() []Sender
	Transceivers() []Transceiver

	// VideoCodec returns the local capability for mimeType, if the engine can encode it.
	VideoCodec(mimeType string) (webrtc.RTPCodecParameters, bool)

	GetStats() webrtc.StatsReport

	// OnICECandidate sets a callback for newly gathered local ICE candidates.
	OnICECandidate(func(webrtc.ICECandidateInit))
	OnConnectionStateChange(func(webrtc.PeerConnectionState))
	OnICEConnectionStateChange(func(webrtc.ICEConnectionState))
	// OnTrack sets a callback invoked when a remote track arrives on the transceiver with mid.
	OnTrack(func(track RemoteTrack, mid string))

	// Close stops all underlying media resources.
	Close() error
}

// PeerConnectionFactory creates engine connections.
type PeerConnectionFactory func(cfg webrtc.Configuration) (PeerConnection, error)

// DataChannel is the side-channel carrying control messages.
type DataChannel interface {
	Label() string
	Send([]byte) error
	ReadyState() webrtc.DataChannelState
	OnOpen(func())
	OnMessage(func([]byte))
	Close() error
}

// Sender is the sending half of a transceiver.
type Sender interface {
	// Track returns nil while sending is paused.
	Track() webrtc.TrackLocal
	ReplaceTrack(webrtc.TrackLocal) error
	// Codecs lists the negotiated (or preferred) codecs, first one in use.
	Codecs() []webrtc.RTPCodecParameters
}

// Transceiver exposes what the session needs of a transceiver's receiving half.
type Transceiver interface {
	Mid() string
	// ReceiverTrack returns nil if nothing is being received.
	ReceiverTrack() RemoteTrack
}

// RemoteTrack is satisfied by *webrtc.TrackRemote.
type RemoteTrack interface {
	ID() string
	StreamID() string
	Kind() webrtc.RTPCodecType
	Codec() webrtc.RTPCodecParameters
	ReadRTP() (*rtp.Packet, interceptor.Attributes, error)
}

// Encoding describes one simulcast layer.
type Encoding struct {
	RID                   string  `json:"rid,omitempty"`
	MaxBitrate            uint64  `json:"maxBitrate"`
	MaxFramerate          float64 `json:"maxFramerate"`
	ScaleResolutionDownBy float64 `json:"scaleResolutionDownBy"`
}

// TransceiverInit configures AddTransceiver.
//
// Encodings is the requested layer layout. An engine without an encoder, as
// the pion one, cannot enforce MaxBitrate, MaxFramerate or
// ScaleResolutionDownBy: it sends one RTP stream for the base track and one
// per entry of Layers, and nothing more.
type TransceiverInit struct {
	Encodings []Encoding
	Codecs    []webrtc.RTPCodecParameters
	// Layers are extra RID-tagged tracks, one per layer after the first.
	// They share the base track's ID, stream ID and kind, and the base
	// track must carry a RID too.
	Layers []webrtc.TrackLocal
}
