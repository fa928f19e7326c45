package admin

import (
	"testing"
	"time"
)

func TestPauseIndefinite(t *testing.T) {
	p := NewPauseState()
	if p.IsPaused() {
		t.Fatal("fresh state must not be paused")
	}

	p.Pause(time.Time{})
	if !p.IsPaused() {
		t.Fatal("expected paused")
	}

	p.Continue(time.Time{})
	if p.IsPaused() {
		t.Fatal("expected resumed")
	}
}

func TestPauseDeadlineSelfClears(t *testing.T) {
	p := NewPauseState()
	p.Pause(time.Now().Add(30 * time.Millisecond))

	if !p.IsPaused() {
		t.Fatal("expected paused before deadline")
	}

	time.Sleep(60 * time.Millisecond)
	if p.IsPaused() {
		t.Fatal("expected self-clear after deadline")
	}
	// A second query after expiry stays cleared.
	if p.IsPaused() {
		t.Fatal("state flapped after expiry")
	}
}

func TestContinueWithRepause(t *testing.T) {
	p := NewPauseState()
	p.Pause(time.Time{})
	p.Continue(time.Now().Add(30 * time.Millisecond))

	if p.IsPaused() {
		t.Fatal("expected running until the repause time")
	}

	time.Sleep(60 * time.Millisecond)
	if !p.IsPaused() {
		t.Fatal("expected scheduled repause to fire")
	}
}

func TestPauseOverridesScheduledRepause(t *testing.T) {
	p := NewPauseState()
	p.Continue(time.Now().Add(time.Hour))
	p.Pause(time.Time{})
	if !p.IsPaused() {
		t.Fatal("explicit pause must win")
	}
	p.Continue(time.Time{})
	if p.IsPaused() {
		t.Fatal("plain continue must clear any schedule")
	}
}
