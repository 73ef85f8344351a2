package core

import "github.com/google/uuid"

// SessionID identifies one call leg in logs and metrics.
type SessionID string

func NewSessionID() SessionID {
	return SessionID(uuid.NewString())
}

// Frame is a raw binary payload.
type Frame []byte

// SignalConnection abstracts the out-of-band messaging transport.
// Owned by the adapter; the adapter must Close() it.
type SignalConnection interface {
	TrySend(Frame) error
	Close()
}
