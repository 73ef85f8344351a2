package rtc

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/callpeer/internal/core"
)

var errForeignSender = errors.New("sender does not belong to this connection")

// Connection adapts *webrtc.PeerConnection to core.PeerConnection.
type Connection struct {
	pc    *webrtc.PeerConnection
	video map[string]webrtc.RTPCodecParameters

	closeOnce sync.Once
}

func (c *Connection) CreateDataChannel(label string) (core.DataChannel, error) {
	ordered := true
	dc, err := c.pc.CreateDataChannel(label, &webrtc.DataChannelInit{Ordered: &ordered})
	if err != nil {
		return nil, err
	}
	return &dataChannel{dc: dc}, nil
}

func (c *Connection) CreateOffer() (webrtc.SessionDescription, error) {
	return c.pc.CreateOffer(nil)
}

func (c *Connection) CreateAnswer() (webrtc.SessionDescription, error) {
	return c.pc.CreateAnswer(nil)
}

func (c *Connection) SetLocalDescription(d webrtc.SessionDescription) error {
	return c.pc.SetLocalDescription(d)
}

func (c *Connection) SetRemoteDescription(d webrtc.SessionDescription) error {
	return c.pc.SetRemoteDescription(d)
}

func (c *Connection) LocalDescription() *webrtc.SessionDescription {
	return c.pc.LocalDescription()
}

func (c *Connection) RemoteDescription() *webrtc.SessionDescription {
	return c.pc.RemoteDescription()
}

func (c *Connection) SignalingState() webrtc.SignalingState {
	return c.pc.SignalingState()
}

func (c *Connection) ConnectionState() webrtc.PeerConnectionState {
	return c.pc.ConnectionState()
}

func (c *Connection) AddICECandidate(ci webrtc.ICECandidateInit) error {
	return c.pc.AddICECandidate(ci)
}

// AddTransceiver adds a sendrecv transceiver, attaches the RID layers and
// applies the codec order. Bitrate and framerate caps are not enforced.
func (c *Connection) AddTransceiver(track webrtc.TrackLocal, init core.TransceiverInit) (core.Sender, error) {
	trx, err := c.pc.AddTransceiverFromTrack(track, webrtc.RTPTransceiverInit{
		Direction: webrtc.RTPTransceiverDirectionSendrecv,
	})
	if err != nil {
		return nil, err
	}
	sender := trx.Sender()

	for _, layer := range init.Layers {
		if err := sender.AddEncoding(layer); err != nil {
			_ = c.pc.RemoveTrack(sender)
			return nil, fmt.Errorf("add encoding %q: %w", layer.RID(), err)
		}
	}
	if len(init.Codecs) > 0 {
		if err := trx.SetCodecPreferences(init.Codecs); err != nil {
			_ = c.pc.RemoveTrack(sender)
			return nil, err
		}
	}

	if sent := 1 + len(init.Layers); len(init.Encodings) > sent {
		log.Warn().
			Str("module", "webrtc").
			Str("track_id", track.ID()).
			Int("requested", len(init.Encodings)).
			Int("sent", sent).
			Msg("simulcast layers without a RID track are not sent")
	}
	return &rtpSender{s: sender}, nil
}

func (c *Connection) AddTrack(track webrtc.TrackLocal) (core.Sender, error) {
	s, err := c.pc.AddTrack(track)
	if err != nil {
		return nil, err
	}
	return &rtpSender{s: s}, nil
}

func (c *Connection) RemoveTrack(sender core.Sender) error {
	s, ok := sender.(*rtpSender)
	if !ok {
		return errForeignSender
	}
	return c.pc.RemoveTrack(s.s)
}

func (c *Connection) Senders() []core.Sender {
	senders := c.pc.GetSenders()
	out := make([]core.Sender, 0, len(senders))
	for _, s := range senders {
		out = append(out, &rtpSender{s: s})
	}
	return out
}

func (c *Connection) Transceivers() []core.Transceiver {
	trxs := c.pc.GetTransceivers()
	out := make([]core.Transceiver, 0, len(trxs))
	for _, t := range trxs {
		out = append(out, &transceiver{t: t})
	}
	return out
}

func (c *Connection) VideoCodec(mimeType string) (webrtc.RTPCodecParameters, bool) {
	for mime, params := range c.video {
		if strings.EqualFold(mime, mimeType) {
			return params, true
		}
	}
	return webrtc.RTPCodecParameters{}, false
}

func (c *Connection) GetStats() webrtc.StatsReport {
	return c.pc.GetStats()
}

func (c *Connection) OnICECandidate(fn func(webrtc.ICECandidateInit)) {
	c.pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand != nil && fn != nil {
			fn(cand.ToJSON())
		}
	})
}

func (c *Connection) OnConnectionStateChange(fn func(webrtc.PeerConnectionState)) {
	c.pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		log.Debug().Str("module", "webrtc").Str("peer_connection_state", s.String()).Msg("Peer state")
		if fn != nil {
			fn(s)
		}
	})
}

func (c *Connection) OnICEConnectionStateChange(fn func(webrtc.ICEConnectionState)) {
	c.pc.OnICEConnectionStateChange(func(s webrtc.ICEConnectionState) {
		if fn != nil {
			fn(s)
		}
	})
}

// OnTrack resolves the mid of the transceiver owning receiver.
func (c *Connection) OnTrack(fn func(core.RemoteTrack, string)) {
	c.pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		var mid string
		for _, t := range c.pc.GetTransceivers() {
			if t.Receiver() == receiver {
				mid = t.Mid()
				break
			}
		}
		log.Info().
			Str("module", "webrtc").
			Str("kind", track.Kind().String()).
			Str("track_id", track.ID()).
			Str("stream_id", track.StreamID()).
			Str("mid", mid).
			Msg("OnTrack received")
		if fn != nil {
			fn(track, mid)
		}
	})
}

func (c *Connection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		err = c.pc.Close()
		if err != nil {
			log.Error().Err(err).Str("module", "webrtc").Msg("close error")
		} else {
			log.Info().Str("module", "webrtc").Msg("closed")
		}
	})
	return err
}

type dataChannel struct {
	dc *webrtc.DataChannel
}

func (d *dataChannel) Label() string                       { return d.dc.Label() }
func (d *dataChannel) Send(data []byte) error              { return d.dc.Send(data) }
func (d *dataChannel) ReadyState() webrtc.DataChannelState { return d.dc.ReadyState() }
func (d *dataChannel) OnOpen(fn func())                    { d.dc.OnOpen(fn) }
func (d *dataChannel) Close() error                        { return d.dc.Close() }

func (d *dataChannel) OnMessage(fn func([]byte)) {
	d.dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		if fn != nil {
			fn(msg.Data)
		}
	})
}

type rtpSender struct {
	s *webrtc.RTPSender
}

func (r *rtpSender) Track() webrtc.TrackLocal {
	return r.s.Track()
}

func (r *rtpSender) ReplaceTrack(t webrtc.TrackLocal) error {
	return r.s.ReplaceTrack(t)
}

func (r *rtpSender) Codecs() []webrtc.RTPCodecParameters {
	return r.s.GetParameters().Codecs
}

type transceiver struct {
	t *webrtc.RTPTransceiver
}

func (t *transceiver) Mid() string { return t.t.Mid() }

func (t *transceiver) ReceiverTrack() core.RemoteTrack {
	r := t.t.Receiver()
	if r == nil {
		return nil
	}
	track := r.Track()
	if track == nil {
		return nil
	}
	return track
}
