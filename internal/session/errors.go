package session

import "errors"

var (
	ErrDestroyed         = errors.New("session has been destroyed")
	ErrLockTimeout       = errors.New("timed out waiting for signaling lock")
	ErrConnectionFailed  = errors.New("rtc connection failed")
	ErrConnectionTimeout = errors.New("timed out waiting for rtc connection")
	ErrTrackNotFound     = errors.New("track context not found")
	ErrCodecNotFound     = errors.New("codec not found")
	ErrInvalidSignal     = errors.New("invalid signaling data received")
)
