package signal

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/callpeer/internal/core"
)

// newSFU starts a WebSocket endpoint and hands every accepted connection to
// the test.
func newSFU(t *testing.T) (string, <-chan *websocket.Conn) {
	t.Helper()
	conns := make(chan *websocket.Conn, 1)
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		conns <- ws
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http"), conns
}

func accept(t *testing.T, conns <-chan *websocket.Conn) *websocket.Conn {
	t.Helper()
	select {
	case ws := <-conns:
		t.Cleanup(func() { _ = ws.Close() })
		return ws
	case <-time.After(time.Second):
		t.Fatal("no connection")
		return nil
	}
}

func readJSON(t *testing.T, ws *websocket.Conn) map[string]any {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(time.Second)))
	var m map[string]any
	require.NoError(t, ws.ReadJSON(&m))
	return m
}

func runClient(t *testing.T, cfg Config) (*Client, *websocket.Conn, <-chan error) {
	t.Helper()
	url, conns := newSFU(t)
	cfg.URL = url
	c, err := Dial(context.Background(), cfg, core.SessionID("test"))
	require.NoError(t, err)
	ws := accept(t, conns)

	ctx, cancel := context.WithCancel(context.Background())
	errs := make(chan error, 1)
	finished := make(chan struct{})
	go func() {
		errs <- c.Run(ctx)
		close(finished)
	}()
	t.Cleanup(func() {
		cancel()
		<-finished
	})
	return c, ws, errs
}

func TestForwardsSignalingMessages(t *testing.T) {
	c, ws, _ := runClient(t, Config{})
	got := make(chan string, 3)
	c.OnSignal(func(data string) { got <- data })

	msgs := []string{
		`{"type":"offer","sdp":"v=0 offer"}`,
		`{"type":"answer","sdp":"v=0 answer"}`,
		`{"type":"candidate","candidate":{"candidate":"candidate:1 1 udp 1 127.0.0.1 5000 typ host"}}`,
	}
	for _, m := range msgs {
		require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte(m)))
	}
	for _, want := range msgs {
		select {
		case data := <-got:
			assert.JSONEq(t, want, data)
		case <-time.After(time.Second):
			t.Fatal("signal not forwarded")
		}
	}
}

func TestAnswersPingAndIgnoresUnknown(t *testing.T) {
	c, ws, _ := runClient(t, Config{})
	var forwarded atomic.Int32
	c.OnSignal(func(string) { forwarded.Add(1) })

	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte(`{"type":"whoami"}`)))
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte(`not json`)))
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte(`{"type":"ping"}`)))

	assert.Equal(t, "pong", readJSON(t, ws)["type"])
	assert.Zero(t, forwarded.Load())
}

func TestSendsDescriptionsAndCandidates(t *testing.T) {
	c, ws, _ := runClient(t, Config{})

	require.NoError(t, c.SendDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0"}))
	m := readJSON(t, ws)
	assert.Equal(t, "offer", m["type"])
	assert.Equal(t, "v=0", m["sdp"])

	mid := "0"
	require.NoError(t, c.SendCandidate(webrtc.ICECandidateInit{Candidate: "candidate:1", SDPMid: &mid}))
	m = readJSON(t, ws)
	assert.Equal(t, "candidate", m["type"])
	cand, ok := m["candidate"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "candidate:1", cand["candidate"])
	assert.Equal(t, "0", cand["sdpMid"])
}

func TestSendOutputIsSessionSignalShape(t *testing.T) {
	c, ws, _ := runClient(t, Config{})
	idx := uint16(1)
	require.NoError(t, c.SendCandidate(webrtc.ICECandidateInit{Candidate: "candidate:2", SDPMLineIndex: &idx}))

	require.NoError(t, ws.SetReadDeadline(time.Now().Add(time.Second)))
	_, data, err := ws.ReadMessage()
	require.NoError(t, err)

	var msg struct {
		Type      string                   `json:"type"`
		Candidate *webrtc.ICECandidateInit `json:"candidate"`
	}
	require.NoError(t, json.Unmarshal(data, &msg))
	require.NotNil(t, msg.Candidate)
	require.NotNil(t, msg.Candidate.SDPMLineIndex)
	assert.Equal(t, uint16(1), *msg.Candidate.SDPMLineIndex)
}

func TestKeepAlivePings(t *testing.T) {
	_, ws, _ := runClient(t, Config{PingPeriod: 50 * time.Millisecond})

	var pings atomic.Int32
	ws.SetPingHandler(func(data string) error {
		pings.Add(1)
		return ws.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(time.Second))
	})
	go func() {
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()

	require.Eventually(t, func() bool { return pings.Load() >= 2 }, 2*time.Second, 10*time.Millisecond)
}

func TestRunStopsOnCancel(t *testing.T) {
	url, conns := newSFU(t)
	c, err := Dial(context.Background(), Config{URL: url}, core.SessionID("test"))
	require.NoError(t, err)
	accept(t, conns)

	ctx, cancel := context.WithCancel(context.Background())
	errs := make(chan error, 1)
	go func() { errs <- c.Run(ctx) }()
	cancel()

	select {
	case err := <-errs:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return")
	}
	assert.ErrorIs(t, c.TrySend([]byte("x")), ErrClosed)
}

func TestRunReportsRemoteDrop(t *testing.T) {
	_, ws, errs := runClient(t, Config{})
	_ = ws.Close()

	select {
	case err := <-errs:
		assert.Error(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return")
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	c, _, errs := runClient(t, Config{})
	c.Close()
	c.Close()

	select {
	case err := <-errs:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return")
	}
}

func TestDialFailure(t *testing.T) {
	_, err := Dial(context.Background(), Config{URL: "ws://127.0.0.1:1/nope"}, core.SessionID("test"))
	require.Error(t, err)
}

func TestRateLimiterWindow(t *testing.T) {
	now := time.Unix(0, 0)
	rl := newRateLimiter(2, time.Second)
	rl.now = func() time.Time { return now }

	assert.True(t, rl.Allow("offer"))
	assert.True(t, rl.Allow("offer"))
	assert.False(t, rl.Allow("offer"))
	assert.True(t, rl.Allow("candidate"))

	now = now.Add(1100 * time.Millisecond)
	assert.True(t, rl.Allow("offer"))
}

func TestRateLimitedMessagesAreDropped(t *testing.T) {
	c, ws, _ := runClient(t, Config{RateLimit: 1, RateInterval: time.Minute})
	got := make(chan string, 2)
	c.OnSignal(func(data string) { got <- data })

	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte(`{"type":"offer","sdp":"1"}`)))
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte(`{"type":"offer","sdp":"2"}`)))
	// Different type, separate window.
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte(`{"type":"answer","sdp":"3"}`)))

	assert.JSONEq(t, `{"type":"offer","sdp":"1"}`, <-got)
	assert.JSONEq(t, `{"type":"answer","sdp":"3"}`, <-got)
}
