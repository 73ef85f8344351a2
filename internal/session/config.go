package session

import (
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/dkeye/callpeer/internal/core"
)

const (
	DefaultConnTimeout       = 15 * time.Second
	DefaultPingInterval      = time.Second
	DefaultLockTimeout       = 5 * time.Second
	DefaultLockCheckInterval = 50 * time.Millisecond
	DefaultDataChannelLabel  = "calls-dc"
)

type Config struct {
	ICEServers []webrtc.ICEServer

	// ConnTimeout bounds connection establishment. Expiry raises an error
	// event but leaves the session alive.
	ConnTimeout       time.Duration
	PingInterval      time.Duration
	LockTimeout       time.Duration
	LockCheckInterval time.Duration

	// Simulcast sends video as two layers instead of a single encoding.
	Simulcast bool
	// EnableAV1 lets new video tracks prefer AV1 when the whole call can decode it.
	EnableAV1 bool
	// DCSignaling routes local offers and answers over the data channel once open.
	DCSignaling bool

	DataChannelLabel string
}

func (c Config) withDefaults() Config {
	if c.ConnTimeout <= 0 {
		c.ConnTimeout = DefaultConnTimeout
	}
	if c.PingInterval <= 0 {
		c.PingInterval = DefaultPingInterval
	}
	if c.LockTimeout <= 0 {
		c.LockTimeout = DefaultLockTimeout
	}
	if c.LockCheckInterval <= 0 {
		c.LockCheckInterval = DefaultLockCheckInterval
	}
	if c.DataChannelLabel == "" {
		c.DataChannelLabel = DefaultDataChannelLabel
	}
	return c
}

var (
	simulcastEncodings = []core.Encoding{
		{RID: "l", MaxBitrate: 500_000, MaxFramerate: 5, ScaleResolutionDownBy: 1.0},
		{RID: "h", MaxBitrate: 2_500_000, MaxFramerate: 20, ScaleResolutionDownBy: 1.0},
	}
	fallbackEncodings = []core.Encoding{
		{MaxBitrate: 1_000_000, MaxFramerate: 10, ScaleResolutionDownBy: 1.0},
	}
)
