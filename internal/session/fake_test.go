package session

import (
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/pion/interceptor"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/callpeer/internal/core"
	"github.com/dkeye/callpeer/internal/dcmsg"
)

var (
	vp8Codec = webrtc.RTPCodecParameters{
		RTPCodecCapability: webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000},
		PayloadType:        96,
	}
	av1Codec = webrtc.RTPCodecParameters{
		RTPCodecCapability: webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeAV1, ClockRate: 90000},
		PayloadType:        45,
	}
)

type fakeDC struct {
	mu        sync.Mutex
	state     webrtc.DataChannelState
	onOpen    func()
	onMessage func([]byte)
	sent      chan []byte
	closed    bool
}

func newFakeDC() *fakeDC {
	return &fakeDC{
		state: webrtc.DataChannelStateConnecting,
		sent:  make(chan []byte, 256),
	}
}

func (d *fakeDC) Label() string { return DefaultDataChannelLabel }

func (d *fakeDC) Send(data []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state != webrtc.DataChannelStateOpen {
		return errors.New("data channel not open")
	}
	d.sent <- append([]byte(nil), data...)
	return nil
}

func (d *fakeDC) ReadyState() webrtc.DataChannelState {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

func (d *fakeDC) setState(state webrtc.DataChannelState) {
	d.mu.Lock()
	d.state = state
	d.mu.Unlock()
}

func (d *fakeDC) OnOpen(f func()) {
	d.mu.Lock()
	d.onOpen = f
	d.mu.Unlock()
}

// open moves the channel to open and fires the open callback, as the engine
// would once the SCTP association is up.
func (d *fakeDC) open() {
	d.mu.Lock()
	d.state = webrtc.DataChannelStateOpen
	f := d.onOpen
	d.mu.Unlock()
	if f != nil {
		f()
	}
}

func (d *fakeDC) OnMessage(f func([]byte)) {
	d.mu.Lock()
	d.onMessage = f
	d.mu.Unlock()
}

func (d *fakeDC) Close() error {
	d.mu.Lock()
	d.closed = true
	d.state = webrtc.DataChannelStateClosed
	d.mu.Unlock()
	return nil
}

// deliver feeds a message from the remote end, as the engine would.
func (d *fakeDC) deliver(t *testing.T, mt dcmsg.Type, payload any) {
	t.Helper()
	data, err := dcmsg.Encode(mt, payload)
	require.NoError(t, err)
	d.deliverRaw(data)
}

func (d *fakeDC) deliverRaw(data []byte) {
	d.mu.Lock()
	f := d.onMessage
	d.mu.Unlock()
	if f != nil {
		f(data)
	}
}

type fakeSender struct {
	mu     sync.Mutex
	track  webrtc.TrackLocal
	codecs []webrtc.RTPCodecParameters
}

func (f *fakeSender) Track() webrtc.TrackLocal {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.track
}

func (f *fakeSender) ReplaceTrack(t webrtc.TrackLocal) error {
	f.mu.Lock()
	f.track = t
	f.mu.Unlock()
	return nil
}

func (f *fakeSender) Codecs() []webrtc.RTPCodecParameters {
	return f.codecs
}

type fakeTransceiver struct {
	mid   string
	track core.RemoteTrack
}

func (f *fakeTransceiver) Mid() string                     { return f.mid }
func (f *fakeTransceiver) ReceiverTrack() core.RemoteTrack { return f.track }

type fakeRemoteTrack struct {
	id    string
	codec webrtc.RTPCodecParameters
}

func (f *fakeRemoteTrack) ID() string                       { return f.id }
func (f *fakeRemoteTrack) StreamID() string                 { return "remote-stream" }
func (f *fakeRemoteTrack) Kind() webrtc.RTPCodecType        { return webrtc.RTPCodecTypeVideo }
func (f *fakeRemoteTrack) Codec() webrtc.RTPCodecParameters { return f.codec }
func (f *fakeRemoteTrack) ReadRTP() (*rtp.Packet, interceptor.Attributes, error) {
	return nil, nil, errors.New("not readable")
}

type fakePC struct {
	mu             sync.Mutex
	dc             *fakeDC
	offers         int
	answers        int
	createOfferErr error
	local          *webrtc.SessionDescription
	remote         *webrtc.SessionDescription
	candidates     []webrtc.ICECandidateInit
	senders        []*fakeSender
	inits          []core.TransceiverInit
	transceivers   []core.Transceiver
	codecs         map[string]webrtc.RTPCodecParameters
	connState      webrtc.PeerConnectionState
	stats          webrtc.StatsReport
	closed         bool

	onICE   func(webrtc.ICECandidateInit)
	onConn  func(webrtc.PeerConnectionState)
	onTrack func(core.RemoteTrack, string)
}

func newFakePC() *fakePC {
	return &fakePC{
		dc: newFakeDC(),
		codecs: map[string]webrtc.RTPCodecParameters{
			webrtc.MimeTypeVP8: vp8Codec,
			webrtc.MimeTypeAV1: av1Codec,
		},
		connState: webrtc.PeerConnectionStateNew,
		stats:     webrtc.StatsReport{},
	}
}

func (p *fakePC) factory(webrtc.Configuration) (core.PeerConnection, error) {
	return p, nil
}

func (p *fakePC) CreateDataChannel(string) (core.DataChannel, error) { return p.dc, nil }

func (p *fakePC) CreateOffer() (webrtc.SessionDescription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.createOfferErr != nil {
		return webrtc.SessionDescription{}, p.createOfferErr
	}
	p.offers++
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: fmt.Sprintf("offer-%d", p.offers)}, nil
}

func (p *fakePC) CreateAnswer() (webrtc.SessionDescription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.answers++
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: fmt.Sprintf("answer-%d", p.answers)}, nil
}

func (p *fakePC) SetLocalDescription(d webrtc.SessionDescription) error {
	p.mu.Lock()
	p.local = &d
	p.mu.Unlock()
	return nil
}

func (p *fakePC) SetRemoteDescription(d webrtc.SessionDescription) error {
	if d.SDP == "" {
		return errors.New("empty sdp")
	}
	p.mu.Lock()
	p.remote = &d
	p.mu.Unlock()
	return nil
}

func (p *fakePC) LocalDescription() *webrtc.SessionDescription {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.local
}

func (p *fakePC) RemoteDescription() *webrtc.SessionDescription {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.remote
}

func (p *fakePC) SignalingState() webrtc.SignalingState { return webrtc.SignalingStateStable }

func (p *fakePC) ConnectionState() webrtc.PeerConnectionState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.connState
}

func (p *fakePC) AddICECandidate(c webrtc.ICECandidateInit) error {
	p.mu.Lock()
	p.candidates = append(p.candidates, c)
	p.mu.Unlock()
	return nil
}

func (p *fakePC) AddTransceiver(track webrtc.TrackLocal, init core.TransceiverInit) (core.Sender, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := &fakeSender{track: track, codecs: init.Codecs}
	p.senders = append(p.senders, s)
	p.inits = append(p.inits, init)
	return s, nil
}

func (p *fakePC) AddTrack(track webrtc.TrackLocal) (core.Sender, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := &fakeSender{track: track}
	p.senders = append(p.senders, s)
	return s, nil
}

func (p *fakePC) RemoveTrack(sender core.Sender) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, s := range p.senders {
		if core.Sender(s) == sender {
			p.senders = append(p.senders[:i], p.senders[i+1:]...)
			return nil
		}
	}
	return errors.New("sender not found")
}

func (p *fakePC) Senders() []core.Sender {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]core.Sender, 0, len(p.senders))
	for _, s := range p.senders {
		out = append(out, s)
	}
	return out
}

func (p *fakePC) Transceivers() []core.Transceiver {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]core.Transceiver(nil), p.transceivers...)
}

func (p *fakePC) VideoCodec(mime string) (webrtc.RTPCodecParameters, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	c, ok := p.codecs[mime]
	return c, ok
}

func (p *fakePC) GetStats() webrtc.StatsReport {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats
}

func (p *fakePC) OnICECandidate(f func(webrtc.ICECandidateInit)) {
	p.mu.Lock()
	p.onICE = f
	p.mu.Unlock()
}

func (p *fakePC) OnConnectionStateChange(f func(webrtc.PeerConnectionState)) {
	p.mu.Lock()
	p.onConn = f
	p.mu.Unlock()
}

func (p *fakePC) OnICEConnectionStateChange(func(webrtc.ICEConnectionState)) {}

func (p *fakePC) OnTrack(f func(core.RemoteTrack, string)) {
	p.mu.Lock()
	p.onTrack = f
	p.mu.Unlock()
}

func (p *fakePC) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	return nil
}

func (p *fakePC) setConnState(state webrtc.PeerConnectionState) {
	p.mu.Lock()
	p.connState = state
	f := p.onConn
	p.mu.Unlock()
	if f != nil {
		f(state)
	}
}

func (p *fakePC) offerCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.offers
}

func (p *fakePC) senderList() []*fakeSender {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*fakeSender(nil), p.senders...)
}

func (p *fakePC) transceiverInits() []core.TransceiverInit {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]core.TransceiverInit(nil), p.inits...)
}

func (p *fakePC) addedCandidates() []webrtc.ICECandidateInit {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]webrtc.ICECandidateInit(nil), p.candidates...)
}
