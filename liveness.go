package duplex

import (
	"time"

	"github.com/duplexio/duplex/frame"
)

// startLiveness runs the periodic tick until the session is destroyed.
// A single timer drives connect timeout, job expiry, the ping challenge
// and stall detection; the effective ping cadence is therefore
// min(tickInterval, pingTimeout).
func (s *Socket) startLiveness() {
	go func() {
		t := time.NewTicker(s.tickInterval)
		defer t.Stop()
		for {
			select {
			case <-s.done:
				return
			case now := <-t.C:
				s.tick(now)
			}
		}
	}()
}

func (s *Socket) tick(now time.Time) {
	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return
	}

	if !s.connected {
		stale := now.Sub(s.time) > s.connectTimeout
		s.mu.Unlock()
		if stale {
			s.emitError(ErrConnectTimeout)
			if s.role == Inbound {
				s.Destroy()
			} else {
				go s.reconnect()
			}
		}
		return
	}

	// expire overdue jobs
	var expired []*job
	for id, j := range s.jobs {
		if now.Sub(j.issued) > s.jobTimeout {
			delete(s.jobs, id)
			expired = append(expired, j)
		}
	}

	stalled := false
	if !s.challenge {
		s.challenge = true
		s.lastPing = now
		s.write(frame.Frame{Type: frame.Ping})
	} else if now.Sub(s.lastPing) > s.pingTimeout {
		stalled = true
	}
	s.mu.Unlock()

	for _, j := range expired {
		j.reject(ErrJobTimeout)
	}
	if stalled {
		s.log.Warn().Str("role", s.role.String()).Msg("ping stall")
		s.emitError(ErrStalling)
		if s.role == Inbound {
			s.Destroy()
		} else {
			s.close()
		}
	}
}
