// Package rtcstats reshapes raw pion stats reports into the typed records
// consumed by the quality monitor.
package rtcstats

import (
	"math"
	"sort"

	"github.com/pion/webrtc/v4"
)

// Timestamps are milliseconds, as reported by the engine.

type LocalInboundStats struct {
	Timestamp       float64
	Kind            string
	PacketsReceived uint64
	PacketsLost     int64
	BytesReceived   uint64
	NACKCount       uint64
	PLICount        uint64
	// Jitter in seconds.
	Jitter float64
}

type LocalOutboundStats struct {
	Timestamp   float64
	Kind        string
	PacketsSent uint64
	BytesSent   uint64
	NACKCount   uint64
	PLICount    uint64
}

type RemoteInboundStats struct {
	Timestamp    float64
	Kind         string
	PacketsLost  int64
	FractionLost float64
	// Jitter and RoundTripTime in seconds. RoundTripTime is NaN when not measured.
	Jitter        float64
	RoundTripTime float64
}

type RemoteOutboundStats struct {
	Timestamp   float64
	Kind        string
	PacketsSent uint64
	BytesSent   uint64
}

type CandidateStats struct {
	ID       string
	IP       string
	Port     int
	Protocol string
	Priority uint64
}

type CandidatePairStats struct {
	ID              string
	Timestamp       float64
	State           string
	Nominated       bool
	Priority        uint64
	PacketsSent     uint64
	PacketsReceived uint64
	// CurrentRoundTripTime in seconds, NaN when not measured.
	CurrentRoundTripTime float64
	TotalRoundTripTime   float64
	Local                *CandidateStats
	Remote               *CandidateStats
}

// SSRCStats groups every report sharing one SSRC.
type SSRCStats struct {
	Local struct {
		In  *LocalInboundStats
		Out *LocalOutboundStats
	}
	Remote struct {
		In  *RemoteInboundStats
		Out *RemoteOutboundStats
	}
}

type RTCStats struct {
	SSRCStats map[uint32]*SSRCStats
	// ICEStats groups candidate pairs by state, nominated first then highest priority.
	ICEStats map[string][]CandidatePairStats
}

func NewLocalInboundStats(s *webrtc.InboundRTPStreamStats) LocalInboundStats {
	return LocalInboundStats{
		Timestamp:       float64(s.Timestamp),
		Kind:            string(s.Kind),
		PacketsReceived: uint64(s.PacketsReceived),
		PacketsLost:     int64(s.PacketsLost),
		BytesReceived:   uint64(s.BytesReceived),
		NACKCount:       uint64(s.NACKCount),
		PLICount:        uint64(s.PLICount),
		Jitter:          float64(s.Jitter),
	}
}

func NewLocalOutboundStats(s *webrtc.OutboundRTPStreamStats) LocalOutboundStats {
	return LocalOutboundStats{
		Timestamp:   float64(s.Timestamp),
		Kind:        string(s.Kind),
		PacketsSent: uint64(s.PacketsSent),
		BytesSent:   uint64(s.BytesSent),
		NACKCount:   uint64(s.NACKCount),
		PLICount:    uint64(s.PLICount),
	}
}

func NewRemoteInboundStats(s *webrtc.RemoteInboundRTPStreamStats) RemoteInboundStats {
	rtt := float64(s.RoundTripTime)
	if rtt <= 0 {
		rtt = math.NaN()
	}
	return RemoteInboundStats{
		Timestamp:     float64(s.Timestamp),
		Kind:          string(s.Kind),
		PacketsLost:   int64(s.PacketsLost),
		FractionLost:  float64(s.FractionLost),
		Jitter:        float64(s.Jitter),
		RoundTripTime: rtt,
	}
}

func NewRemoteOutboundStats(s *webrtc.RemoteOutboundRTPStreamStats) RemoteOutboundStats {
	return RemoteOutboundStats{
		Timestamp:   float64(s.Timestamp),
		Kind:        string(s.Kind),
		PacketsSent: uint64(s.PacketsSent),
		BytesSent:   uint64(s.BytesSent),
	}
}

func newCandidateStats(s *webrtc.ICECandidateStats) *CandidateStats {
	return &CandidateStats{
		ID:       s.ID,
		IP:       s.IP,
		Port:     int(s.Port),
		Protocol: s.Protocol,
		Priority: uint64(s.Priority),
	}
}

// NewCandidatePairStats resolves the pair's local and remote candidates from
// the full report. The pair priority follows RFC 8445 §6.1.2.3 with the
// local side as controlling agent.
func NewCandidatePairStats(s *webrtc.ICECandidatePairStats, report webrtc.StatsReport) CandidatePairStats {
	pair := CandidatePairStats{
		ID:                   s.ID,
		Timestamp:            float64(s.Timestamp),
		State:                string(s.State),
		Nominated:            s.Nominated,
		PacketsSent:          uint64(s.PacketsSent),
		PacketsReceived:      uint64(s.PacketsReceived),
		CurrentRoundTripTime: float64(s.CurrentRoundTripTime),
		TotalRoundTripTime:   float64(s.TotalRoundTripTime),
	}
	if pair.CurrentRoundTripTime <= 0 {
		pair.CurrentRoundTripTime = math.NaN()
	}

	for id, st := range report {
		c, ok := candidateOf(st)
		if !ok {
			continue
		}
		switch id {
		case s.LocalCandidateID:
			pair.Local = newCandidateStats(c)
		case s.RemoteCandidateID:
			pair.Remote = newCandidateStats(c)
		}
	}

	if pair.Local != nil && pair.Remote != nil {
		pair.Priority = pairPriority(pair.Local.Priority, pair.Remote.Priority)
	}
	return pair
}

func candidateOf(st webrtc.Stats) (*webrtc.ICECandidateStats, bool) {
	c, ok := normalize(st).(*webrtc.ICECandidateStats)
	return c, ok
}

// normalize turns value-typed reports into pointers so callers need a single
// type switch. pion stores reports by value; fakes often store pointers.
func normalize(st webrtc.Stats) webrtc.Stats {
	switch v := st.(type) {
	case webrtc.InboundRTPStreamStats:
		return &v
	case webrtc.OutboundRTPStreamStats:
		return &v
	case webrtc.RemoteInboundRTPStreamStats:
		return &v
	case webrtc.RemoteOutboundRTPStreamStats:
		return &v
	case webrtc.ICECandidatePairStats:
		return &v
	case webrtc.ICECandidateStats:
		return &v
	}
	return st
}

func pairPriority(g, d uint64) uint64 {
	lo, hi := g, d
	if lo > hi {
		lo, hi = hi, lo
	}
	p := (lo << 32) + 2*hi
	if g > d {
		p++
	}
	return p
}

// ParseSSRCStats groups RTP reports by SSRC.
func ParseSSRCStats(report webrtc.StatsReport) map[uint32]*SSRCStats {
	stats := make(map[uint32]*SSRCStats)
	get := func(ssrc uint32) *SSRCStats {
		s, ok := stats[ssrc]
		if !ok {
			s = &SSRCStats{}
			stats[ssrc] = s
		}
		return s
	}

	for _, st := range report {
		switch r := normalize(st).(type) {
		case *webrtc.InboundRTPStreamStats:
			v := NewLocalInboundStats(r)
			get(uint32(r.SSRC)).Local.In = &v
		case *webrtc.OutboundRTPStreamStats:
			v := NewLocalOutboundStats(r)
			get(uint32(r.SSRC)).Local.Out = &v
		case *webrtc.RemoteInboundRTPStreamStats:
			v := NewRemoteInboundStats(r)
			get(uint32(r.SSRC)).Remote.In = &v
		case *webrtc.RemoteOutboundRTPStreamStats:
			v := NewRemoteOutboundStats(r)
			get(uint32(r.SSRC)).Remote.Out = &v
		}
	}
	delete(stats, 0)
	return stats
}

// ParseICEStats groups candidate pairs by state.
func ParseICEStats(report webrtc.StatsReport) map[string][]CandidatePairStats {
	stats := make(map[string][]CandidatePairStats)
	for _, st := range report {
		p, ok := normalize(st).(*webrtc.ICECandidatePairStats)
		if !ok {
			continue
		}
		pair := NewCandidatePairStats(p, report)
		stats[pair.State] = append(stats[pair.State], pair)
	}

	for _, pairs := range stats {
		sort.SliceStable(pairs, func(i, j int) bool {
			if pairs[i].Nominated != pairs[j].Nominated {
				return pairs[i].Nominated
			}
			return pairs[i].Priority > pairs[j].Priority
		})
	}
	return stats
}

func ParseRTCStats(report webrtc.StatsReport) RTCStats {
	return RTCStats{
		SSRCStats: ParseSSRCStats(report),
		ICEStats:  ParseICEStats(report),
	}
}

// ActiveCandidatePair returns the nominated pair with the highest priority.
func ActiveCandidatePair(report webrtc.StatsReport) (CandidatePairStats, bool) {
	var (
		best  CandidatePairStats
		found bool
	)
	for _, st := range report {
		p, ok := normalize(st).(*webrtc.ICECandidatePairStats)
		if !ok || !p.Nominated {
			continue
		}
		pair := NewCandidatePairStats(p, report)
		if !found || pair.Priority > best.Priority {
			best = pair
			found = true
		}
	}
	return best, found
}
