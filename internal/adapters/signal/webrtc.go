package signal

import (
	"github.com/pion/webrtc/v4"
)

type sdpMessage struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

type candidateMessage struct {
	Type      string                  `json:"type"`
	Candidate webrtc.ICECandidateInit `json:"candidate"`
}

// SendDescription forwards a local offer or answer.
func (c *Client) SendDescription(d webrtc.SessionDescription) error {
	return c.sendJSON(sdpMessage{Type: d.Type.String(), SDP: d.SDP})
}

func (c *Client) SendCandidate(ci webrtc.ICECandidateInit) error {
	return c.sendJSON(candidateMessage{Type: "candidate", Candidate: ci})
}

func (c *Client) forwardSignal(data []byte) {
	c.mu.RLock()
	f := c.onSignal
	c.mu.RUnlock()
	if f == nil {
		c.log.Warn().Msg("signal dropped: no handler")
		return
	}
	f(string(data))
}
