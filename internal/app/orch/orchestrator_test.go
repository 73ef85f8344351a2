package orch

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/callpeer/internal/app/sink"
	"github.com/dkeye/callpeer/internal/core"
	"github.com/dkeye/callpeer/internal/dcmsg"
	"github.com/dkeye/callpeer/internal/monitor"
	"github.com/dkeye/callpeer/internal/session"
)

type fakePeer struct {
	mu        sync.Mutex
	startErr  error
	addErr    error
	started   bool
	destroyed int
	signals   []string
	added     []webrtc.TrackLocal
	addCalls  int

	onConnect   func()
	onClose     func(error)
	onError     func(error)
	onCandidate func(webrtc.ICECandidateInit)
	onOffer     func(webrtc.SessionDescription)
	onAnswer    func(webrtc.SessionDescription)
	onStream    func(core.RemoteTrack, dcmsg.TrackInfo)
}

func (p *fakePeer) ID() core.SessionID { return "sid-test" }

func (p *fakePeer) Start(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.startErr != nil {
		return p.startErr
	}
	p.started = true
	return nil
}

func (p *fakePeer) Signal(data string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.signals = append(p.signals, data)
	return nil
}

func (p *fakePeer) AddTrack(_ context.Context, track webrtc.TrackLocal, _ *session.TrackOptions) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.addCalls++
	if p.addErr != nil {
		return p.addErr
	}
	p.added = append(p.added, track)
	return nil
}

func (p *fakePeer) State() session.State { return session.State{ID: p.ID()} }

func (p *fakePeer) Destroy() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.destroyed++
	if p.destroyed > 1 {
		return session.ErrDestroyed
	}
	return nil
}

func (p *fakePeer) OnConnect(f func()) {
	p.mu.Lock()
	p.onConnect = f
	p.mu.Unlock()
}

func (p *fakePeer) OnClose(f func(error)) {
	p.mu.Lock()
	p.onClose = f
	p.mu.Unlock()
}

func (p *fakePeer) OnError(f func(error)) {
	p.mu.Lock()
	p.onError = f
	p.mu.Unlock()
}

func (p *fakePeer) OnCandidate(f func(webrtc.ICECandidateInit)) {
	p.mu.Lock()
	p.onCandidate = f
	p.mu.Unlock()
}

func (p *fakePeer) OnOffer(f func(webrtc.SessionDescription)) {
	p.mu.Lock()
	p.onOffer = f
	p.mu.Unlock()
}

func (p *fakePeer) OnAnswer(f func(webrtc.SessionDescription)) {
	p.mu.Lock()
	p.onAnswer = f
	p.mu.Unlock()
}

func (p *fakePeer) OnStream(f func(core.RemoteTrack, dcmsg.TrackInfo)) {
	p.mu.Lock()
	p.onStream = f
	p.mu.Unlock()
}

func (p *fakePeer) addedTracks() []webrtc.TrackLocal {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]webrtc.TrackLocal(nil), p.added...)
}

func (p *fakePeer) addCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.addCalls
}

func (p *fakePeer) destroyCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.destroyed
}

type fakeMonitor struct {
	mu        sync.Mutex
	started   bool
	stopped   bool
	listeners []func(float64)
	last      *monitor.QualityEstimate
}

func (m *fakeMonitor) Start(context.Context) {
	m.mu.Lock()
	m.started = true
	m.mu.Unlock()
}

func (m *fakeMonitor) Stop() {
	m.mu.Lock()
	m.stopped = true
	m.mu.Unlock()
}

func (m *fakeMonitor) OnQuality(f func(float64)) {
	m.mu.Lock()
	m.listeners = append(m.listeners, f)
	m.mu.Unlock()
}

func (m *fakeMonitor) Last() (monitor.QualityEstimate, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.last == nil {
		return monitor.QualityEstimate{}, false
	}
	return *m.last, true
}

func (m *fakeMonitor) isStarted() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.started
}

type fakeSignaler struct {
	mu       sync.Mutex
	onSignal func(string)
	sent     []any
	closed   bool
	runErr   chan error
}

func newFakeSignaler() *fakeSignaler {
	return &fakeSignaler{runErr: make(chan error, 1)}
}

func (s *fakeSignaler) OnSignal(f func(string)) {
	s.mu.Lock()
	s.onSignal = f
	s.mu.Unlock()
}

func (s *fakeSignaler) SendDescription(d webrtc.SessionDescription) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, d)
	return nil
}

func (s *fakeSignaler) SendCandidate(ci webrtc.ICECandidateInit) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, ci)
	return nil
}

func (s *fakeSignaler) Run(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return nil
	case err := <-s.runErr:
		return err
	}
}

func (s *fakeSignaler) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
}

func (s *fakeSignaler) deliver(data string) {
	s.mu.Lock()
	f := s.onSignal
	s.mu.Unlock()
	f(data)
}

func (s *fakeSignaler) sentMessages() []any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]any(nil), s.sent...)
}

type fakeRemote struct {
	id      string
	packets chan *rtp.Packet
}

func (f *fakeRemote) ID() string                { return f.id }
func (f *fakeRemote) StreamID() string          { return "stream" }
func (f *fakeRemote) Kind() webrtc.RTPCodecType { return webrtc.RTPCodecTypeAudio }
func (f *fakeRemote) Codec() webrtc.RTPCodecParameters {
	return webrtc.RTPCodecParameters{RTPCodecCapability: webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2}}
}

func (f *fakeRemote) ReadRTP() (*rtp.Packet, interceptor.Attributes, error) {
	pkt, ok := <-f.packets
	if !ok {
		return nil, nil, io.EOF
	}
	return pkt, nil, nil
}

type harness struct {
	o    *Orchestrator
	peer *fakePeer
	mon  *fakeMonitor
	sig  *fakeSignaler
	errs chan error
	stop context.CancelFunc
}

func run(t *testing.T, peer *fakePeer, loopback bool) *harness {
	t.Helper()
	h := &harness{
		peer: peer,
		mon:  &fakeMonitor{},
		sig:  newFakeSignaler(),
		errs: make(chan error, 1),
	}
	h.o = New(h.peer, h.mon, h.sig, sink.NewManager(), loopback)

	ctx, cancel := context.WithCancel(context.Background())
	h.stop = cancel
	go func() { h.errs <- h.o.Run(ctx) }()
	t.Cleanup(cancel)

	require.Eventually(t, func() bool {
		peer.mu.Lock()
		defer peer.mu.Unlock()
		return peer.started
	}, time.Second, 5*time.Millisecond)
	return h
}

func (h *harness) wait(t *testing.T) error {
	t.Helper()
	select {
	case err := <-h.errs:
		return err
	case <-time.After(time.Second):
		t.Fatal("Run did not return")
		return nil
	}
}

func TestSignalingIsBridged(t *testing.T) {
	h := run(t, &fakePeer{}, false)

	offer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "offer"}
	h.peer.onOffer(offer)
	cand := webrtc.ICECandidateInit{Candidate: "candidate:1"}
	h.peer.onCandidate(cand)
	assert.Equal(t, []any{offer, cand}, h.sig.sentMessages())

	h.sig.deliver(`{"type":"answer","sdp":"answer"}`)
	h.peer.mu.Lock()
	assert.Equal(t, []string{`{"type":"answer","sdp":"answer"}`}, h.peer.signals)
	h.peer.mu.Unlock()

	h.stop()
	require.NoError(t, h.wait(t))
	assert.Equal(t, 1, h.peer.destroyCount())
	assert.True(t, h.sig.closed)
	assert.True(t, h.mon.stopped)
}

func TestConnectStartsMonitor(t *testing.T) {
	h := run(t, &fakePeer{}, false)
	assert.False(t, h.mon.isStarted())
	h.peer.onConnect()
	assert.True(t, h.mon.isStarted())

	est := monitor.QualityEstimate{MOS: 4.2}
	h.mon.mu.Lock()
	h.mon.last = &est
	h.mon.mu.Unlock()
	got, ok := h.o.Quality()
	require.True(t, ok)
	assert.Equal(t, 4.2, got.MOS)
	assert.Equal(t, core.SessionID("sid-test"), h.o.SessionState().ID)
}

func TestConnectionFailureEndsRun(t *testing.T) {
	h := run(t, &fakePeer{}, false)
	h.peer.onClose(session.ErrConnectionFailed)
	assert.ErrorIs(t, h.wait(t), session.ErrConnectionFailed)
	assert.Equal(t, 1, h.peer.destroyCount())
}

func TestCleanCloseEndsRun(t *testing.T) {
	h := run(t, &fakePeer{}, false)
	h.peer.onClose(nil)
	assert.NoError(t, h.wait(t))
}

func TestSignalingFailureEndsRun(t *testing.T) {
	h := run(t, &fakePeer{}, false)
	boom := errors.New("websocket: close 1006")
	h.sig.runErr <- boom
	assert.ErrorIs(t, h.wait(t), boom)
	assert.Equal(t, 1, h.peer.destroyCount())
}

func TestStartFailure(t *testing.T) {
	peer := &fakePeer{startErr: session.ErrDestroyed}
	o := New(peer, &fakeMonitor{}, newFakeSignaler(), sink.NewManager(), false)
	require.ErrorIs(t, o.Run(context.Background()), session.ErrDestroyed)
	assert.Equal(t, 1, peer.destroyCount())
}

func TestStreamStartsRelayOnce(t *testing.T) {
	h := run(t, &fakePeer{}, false)
	track := &fakeRemote{id: "a1", packets: make(chan *rtp.Packet)}
	defer close(track.packets)

	h.peer.onStream(track, dcmsg.TrackInfo{Type: "voice", SenderID: "user-1"})
	h.peer.onStream(track, dcmsg.TrackInfo{Type: "voice", SenderID: "user-1"})

	stats := h.o.RelayStats()
	require.Len(t, stats, 1)
	assert.Equal(t, "user-1", stats[0].SenderID)
	assert.Empty(t, h.peer.addedTracks())
}

func TestLoopbackPublishesTrack(t *testing.T) {
	h := run(t, &fakePeer{}, true)
	track := &fakeRemote{id: "a1", packets: make(chan *rtp.Packet)}
	defer close(track.packets)

	h.peer.onStream(track, dcmsg.TrackInfo{})

	require.Eventually(t, func() bool { return len(h.peer.addedTracks()) == 1 }, time.Second, 5*time.Millisecond)
	added := h.peer.addedTracks()[0]
	assert.Equal(t, webrtc.RTPCodecTypeAudio, added.Kind())
	assert.Equal(t, "loopback-stream", added.StreamID())
	require.Eventually(t, func() bool { return h.o.RelayStats()[0].Outputs == 1 }, time.Second, 5*time.Millisecond)
}

func TestLoopbackFailureDropsOutput(t *testing.T) {
	h := run(t, &fakePeer{addErr: session.ErrLockTimeout}, true)
	track := &fakeRemote{id: "a1", packets: make(chan *rtp.Packet, 1)}
	defer close(track.packets)

	h.peer.onStream(track, dcmsg.TrackInfo{})

	// Packets sweep the output once it is marked for delete.
	require.Eventually(t, func() bool {
		select {
		case track.packets <- &rtp.Packet{Header: rtp.Header{Version: 2}}:
		default:
		}
		return h.o.RelayStats()[0].Outputs == 0 && h.peer.addCount() == 1
	}, time.Second, 5*time.Millisecond)
	assert.Empty(t, h.peer.addedTracks())
}

func TestRelayControl(t *testing.T) {
	h := run(t, &fakePeer{}, true)
	track := &fakeRemote{id: "a1", packets: make(chan *rtp.Packet)}
	defer close(track.packets)

	h.peer.onStream(track, dcmsg.TrackInfo{})
	require.Eventually(t, func() bool { return h.o.RelayStats()[0].Outputs == 1 }, time.Second, 5*time.Millisecond)

	assert.True(t, h.o.SetOutputMuted("a1", sink.LoopbackOutput, true))
	assert.True(t, h.o.SetOutputMuted("a1", sink.LoopbackOutput, false))
	assert.False(t, h.o.SetOutputMuted("a1", "other", true))
	assert.False(t, h.o.SetOutputMuted("v9", sink.LoopbackOutput, true))

	assert.True(t, h.o.StopRelay("a1"))
	assert.False(t, h.o.StopRelay("a1"))
	assert.Empty(t, h.o.RelayStats())

	// A stopped track surfaced again is relayed again.
	h.peer.onStream(track, dcmsg.TrackInfo{SenderID: "user-1"})
	stats := h.o.RelayStats()
	require.Len(t, stats, 1)
	assert.Equal(t, "user-1", stats[0].SenderID)
}
