package session

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/dkeye/callpeer/internal/dcmsg"
	"github.com/dkeye/callpeer/internal/metrics"
)

// lockWaiter is the single outstanding signaling lock attempt.
type lockWaiter struct {
	start  time.Time
	result chan error
	once   sync.Once
	done   atomic.Bool
}

func newLockWaiter() *lockWaiter {
	return &lockWaiter{
		start:  time.Now(),
		result: make(chan error, 1),
	}
}

// finish resolves the attempt. Only the first call has any effect; it
// reports whether this call was the one that resolved it.
func (w *lockWaiter) finish(err error) bool {
	resolved := false
	w.once.Do(func() {
		w.done.Store(true)
		w.result <- err
		resolved = true
	})
	return resolved
}

// grabSignalingLock acquires the renegotiation token shared with the remote
// end. Attempts are serial: a caller waits, polling, for the previous attempt
// to resolve before sending its own Lock request.
func (s *Session) grabSignalingLock(ctx context.Context) error {
	w := newLockWaiter()

	for {
		s.mu.Lock()
		if s.destroyed {
			s.mu.Unlock()
			return ErrDestroyed
		}
		if s.waiter == nil {
			s.waiter = w
			s.mu.Unlock()
			break
		}
		s.mu.Unlock()

		if time.Since(w.start) > s.cfg.LockTimeout {
			metrics.LockTimeouts.Inc()
			return ErrLockTimeout
		}
		s.log.Debug().Dur("retry_in", s.cfg.LockCheckInterval).Msg("already waiting for lock")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.cfg.LockCheckInterval):
		}
	}

	// Owned by this goroutine; finish never touches it.
	timer := time.AfterFunc(s.cfg.LockTimeout, func() { s.expireWaiter(w) })
	defer timer.Stop()

	if s.dcReady() {
		s.sendLockRequest()
	} else {
		s.log.Debug().Msg("dc not negotiated or not open, requeuing")
		s.enqueueLockMsg(w)
	}

	select {
	case err := <-w.result:
		if err == nil {
			wait := time.Since(w.start)
			metrics.LockWait.Observe(wait.Seconds())
			s.log.Debug().Dur("wait", wait).Msg("lock acquired")
		}
		return err
	case <-ctx.Done():
		s.releaseWaiter(w)
		// A grant may have raced the cancellation, in which case we hold the lock.
		w.finish(ctx.Err())
		return <-w.result
	}
}

func (s *Session) releaseWaiter(w *lockWaiter) {
	s.mu.Lock()
	if s.waiter == w {
		s.waiter = nil
	}
	s.mu.Unlock()
}

func (s *Session) expireWaiter(w *lockWaiter) {
	s.releaseWaiter(w)
	if w.finish(ErrLockTimeout) {
		metrics.LockTimeouts.Inc()
		s.log.Warn().Dur("timeout", s.cfg.LockTimeout).Msg("timed out waiting for lock")
	}
}

func (s *Session) handleLockResponse(granted bool) {
	s.mu.Lock()
	w := s.waiter
	if w != nil && granted {
		s.waiter = nil
	}
	s.mu.Unlock()

	if w == nil {
		if granted {
			// The attempt that asked for it already gave up.
			s.log.Warn().Msg("lock granted with no pending attempt, releasing")
			s.unlockSignalingLock()
		}
		return
	}

	if !granted {
		s.enqueueLockMsg(w)
		return
	}
	if !w.finish(nil) {
		s.log.Warn().Msg("lock granted after attempt resolved, releasing")
		s.unlockSignalingLock()
	}
}

// enqueueLockMsg retries the Lock request for w after the check interval.
// While the channel is not yet usable the retry is requeued without sending.
func (s *Session) enqueueLockMsg(w *lockWaiter) {
	time.AfterFunc(s.cfg.LockCheckInterval, func() {
		if w.done.Load() || s.isDestroyed() {
			return
		}

		state := s.dc.ReadyState()
		if state == webrtc.DataChannelStateClosed || state == webrtc.DataChannelStateClosing {
			// Let the attempt time out.
			s.log.Debug().Msg("dc closed or closing, not retrying lock")
			return
		}

		s.mu.Lock()
		negotiated := s.dcNegotiated
		s.mu.Unlock()
		if !negotiated || state != webrtc.DataChannelStateOpen {
			s.log.Debug().Msg("dc not negotiated or not open, requeuing")
			s.enqueueLockMsg(w)
			return
		}

		s.sendLockRequest()
	})
}

func (s *Session) sendLockRequest() {
	if err := s.sendControl(dcmsg.TypeLock, nil); err != nil {
		s.log.Error().Err(err).Msg("failed to send lock request")
	}
}

// unlockSignalingLock releases the token. Delivery is not guaranteed: with
// the channel not negotiated or not open it only logs.
func (s *Session) unlockSignalingLock() {
	s.mu.Lock()
	negotiated := s.dcNegotiated
	destroyed := s.destroyed
	s.mu.Unlock()
	if destroyed {
		return
	}

	if !negotiated || s.dc.ReadyState() != webrtc.DataChannelStateOpen {
		s.log.Warn().Msg("cannot unlock: dc not negotiated or not open")
		return
	}

	s.log.Debug().Msg("unlocking")
	if err := s.sendControl(dcmsg.TypeUnlock, nil); err != nil {
		s.log.Error().Err(err).Msg("failed to send unlock")
	}
}

func (s *Session) dcReady() bool {
	s.mu.Lock()
	negotiated := s.dcNegotiated
	s.mu.Unlock()
	return negotiated && s.dc.ReadyState() == webrtc.DataChannelStateOpen
}
