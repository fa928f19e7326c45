package admin

import (
	"sync"
	"time"
)

// PauseState tracks whether the gateway is paused, with optional
// deadlines in both directions: a paused gateway may auto-resume, a
// running gateway may have a scheduled repause. Expiry is lazy and
// checked on query.
type PauseState struct {
	mu       sync.RWMutex
	paused   bool
	deadline time.Time // auto-resume time while paused; zero = indefinite
	repause  time.Time // scheduled pause time while running; zero = none
}

// NewPauseState returns a running (not paused) state.
func NewPauseState() *PauseState {
	return &PauseState{}
}

// IsPaused reports the current state, applying any expired deadline
// first. The read lock is upgraded only when an expiry must be written
// back.
func (p *PauseState) IsPaused() bool {
	now := time.Now()

	p.mu.RLock()
	paused, stale := p.resolve(now)
	p.mu.RUnlock()

	if !stale {
		return paused
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	paused, stale = p.resolve(now)
	if stale {
		p.apply(now)
		paused, _ = p.resolve(now)
	}
	return paused
}

// resolve computes the effective state for now and whether the stored
// state is stale. Caller must hold at least the read lock.
func (p *PauseState) resolve(now time.Time) (paused, stale bool) {
	if p.paused {
		if !p.deadline.IsZero() && now.After(p.deadline) {
			return false, true
		}
		return true, false
	}
	if !p.repause.IsZero() && now.After(p.repause) {
		return true, true
	}
	return false, false
}

// apply writes the expired transition back. Caller must hold the write
// lock.
func (p *PauseState) apply(now time.Time) {
	if p.paused {
		if !p.deadline.IsZero() && now.After(p.deadline) {
			p.paused = false
			p.deadline = time.Time{}
		}
		return
	}
	if !p.repause.IsZero() && now.After(p.repause) {
		p.paused = true
		p.deadline = time.Time{}
		p.repause = time.Time{}
	}
}

// Pause pauses the gateway. A zero deadline pauses indefinitely;
// otherwise the state self-clears on the first query past the deadline.
func (p *PauseState) Pause(deadline time.Time) {
	p.mu.Lock()
	p.paused = true
	p.deadline = deadline
	p.repause = time.Time{}
	p.mu.Unlock()
}

// Continue resumes the gateway. A non-zero repause schedules a future
// pause at that time.
func (p *PauseState) Continue(repause time.Time) {
	p.mu.Lock()
	p.paused = false
	p.deadline = time.Time{}
	p.repause = repause
	p.mu.Unlock()
}
