package installer

import (
	"sync"
	"time"
)

// PauseState describes a pause of the installer worker.
type PauseState struct {
	// Paused is true while cycles are suspended.
	Paused bool

	// PausedAt records when the installer was paused.
	PausedAt time.Time

	// PausedBy records who or what paused the installer.
	PausedBy string

	// Reason records why the installer was paused.
	Reason string

	// ResumeAt is when the installer resumes on its own, zero if never.
	ResumeAt time.Time
}

// ShouldResume returns true if the pause has an auto-resume time that has passed.
func (p PauseState) ShouldResume(now time.Time) bool {
	return p.Paused && !p.ResumeAt.IsZero() && !now.Before(p.ResumeAt)
}

// TimeUntilResume returns the duration until auto-resume, or -1 if the pause
// has no resume time.
func (p PauseState) TimeUntilResume(now time.Time) time.Duration {
	if p.ResumeAt.IsZero() {
		return -1
	}
	if d := p.ResumeAt.Sub(now); d > 0 {
		return d
	}
	return 0
}

// pauseHolder guards the pause state.
type pauseHolder struct {
	mu    sync.Mutex
	state PauseState
}

func (h *pauseHolder) pause(by, reason string, resumeAt time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.state = PauseState{
		Paused:   true,
		PausedAt: time.Now(),
		PausedBy: by,
		Reason:   reason,
		ResumeAt: resumeAt,
	}
}

// resume clears the pause and reports whether there was one.
func (h *pauseHolder) resume() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	was := h.state.Paused
	h.state = PauseState{}
	return was
}

// current returns the pause state, clearing a pause whose resume time passed.
func (h *pauseHolder) current(now time.Time) PauseState {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state.ShouldResume(now) {
		h.state = PauseState{}
	}
	return h.state
}

// Pause suspends cycles until Resume is called or resumeAt passes. A zero
// resumeAt pauses indefinitely. A cycle in progress stops before its next
// task; the tasks it did not run are derived again after the pause.
func (i *Installer) Pause(by, reason string, resumeAt time.Time) {
	i.pause.pause(by, reason, resumeAt)
	i.log.Info("installer paused", "by", by, "reason", reason, "resumeAt", resumeAt)
	i.Wake()
}

// Resume ends a pause started with Pause.
func (i *Installer) Resume() {
	if i.pause.resume() {
		i.log.Info("installer resumed")
	}
	i.Wake()
}

// PauseState returns the current pause state.
func (i *Installer) PauseState() PauseState {
	return i.pause.current(time.Now())
}
