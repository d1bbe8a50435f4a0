package installer

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// Phases of the installer cycle.
const (
	// PhaseIdle indicates no cycle is running.
	PhaseIdle = "Idle"

	// PhaseDiffing indicates desired and applied state are being compared.
	PhaseDiffing = "Diffing"

	// PhaseExecuting indicates pending tasks are being executed.
	PhaseExecuting = "Executing"

	// PhaseWaitingRefresh indicates the cycle is blocked on a package refresh.
	PhaseWaitingRefresh = "WaitingRefresh"
)

// cyclePhases lists every phase in cycle order.
var cyclePhases = []string{PhaseIdle, PhaseDiffing, PhaseExecuting, PhaseWaitingRefresh}

// ObjectWithPhase is anything whose phase the state machine drives.
type ObjectWithPhase interface {
	GetPhase() string
	SetPhase(phase string)
}

// PhaseStateMachine manages phase transitions with validation.
type PhaseStateMachine struct {
	initialPhase string
	transitions  map[string]map[string]bool
	onChange     []func(from, to string)
	mu           sync.RWMutex
}

// NewPhaseStateMachine creates a new state machine with the given initial phase.
func NewPhaseStateMachine(initial string) *PhaseStateMachine {
	sm := &PhaseStateMachine{
		initialPhase: initial,
		transitions:  make(map[string]map[string]bool),
	}
	sm.transitions[initial] = make(map[string]bool)
	return sm
}

// Allow adds a single allowed transition.
func (sm *PhaseStateMachine) Allow(from, to string) *PhaseStateMachine {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.allowLocked(from, to)
	return sm
}

func (sm *PhaseStateMachine) allowLocked(from, to string) {
	if sm.transitions[from] == nil {
		sm.transitions[from] = make(map[string]bool)
	}
	if sm.transitions[to] == nil {
		sm.transitions[to] = make(map[string]bool)
	}
	sm.transitions[from][to] = true
}

// AllowFrom adds multiple transitions from a single phase.
func (sm *PhaseStateMachine) AllowFrom(from string, to ...string) *PhaseStateMachine {
	for _, t := range to {
		sm.Allow(from, t)
	}
	return sm
}

// AllowBidirectional adds transitions in both directions.
func (sm *PhaseStateMachine) AllowBidirectional(phase1, phase2 string) *PhaseStateMachine {
	return sm.Allow(phase1, phase2).Allow(phase2, phase1)
}

// AllowAny allows transitions from every phase known so far to the given
// phases, such as abandoning a cycle on cancellation.
func (sm *PhaseStateMachine) AllowAny(to ...string) *PhaseStateMachine {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	for _, target := range to {
		for phase := range sm.transitions {
			if phase != target {
				sm.allowLocked(phase, target)
			}
		}
	}
	return sm
}

// OnChange registers fn to be called after every successful transition.
func (sm *PhaseStateMachine) OnChange(fn func(from, to string)) *PhaseStateMachine {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.onChange = append(sm.onChange, fn)
	return sm
}

// CanTransition checks if a transition from one phase to another is allowed.
func (sm *PhaseStateMachine) CanTransition(from, to string) bool {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.transitions[from][to]
}

// allowedFrom returns the sorted targets reachable from phase.
func (sm *PhaseStateMachine) allowedFrom(from string) []string {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	allowed := make([]string, 0, len(sm.transitions[from]))
	for to := range sm.transitions[from] {
		allowed = append(allowed, to)
	}
	sort.Strings(allowed)
	return allowed
}

// Transition moves obj to a new phase. A transition to the current phase is
// a no-op; a transition that was not allowed returns a *TransitionError.
func (sm *PhaseStateMachine) Transition(obj ObjectWithPhase, to string) error {
	from := obj.GetPhase()
	if from == "" {
		from = sm.initialPhase
	}
	if from == to {
		return nil
	}
	if !sm.CanTransition(from, to) {
		return &TransitionError{From: from, To: to, Allowed: sm.allowedFrom(from)}
	}
	obj.SetPhase(to)

	sm.mu.RLock()
	callbacks := sm.onChange
	sm.mu.RUnlock()
	for _, fn := range callbacks {
		fn(from, to)
	}
	return nil
}

// TransitionError represents a transition that is not allowed.
type TransitionError struct {
	From    string
	To      string
	Allowed []string
}

// Error implements the error interface.
func (e *TransitionError) Error() string {
	return fmt.Sprintf("transition from %s to %s not allowed; allowed: %v", e.From, e.To, e.Allowed)
}

// StateHistory tracks phase transitions over time.
type StateHistory struct {
	entries []StateHistoryEntry
	maxSize int
	mu      sync.RWMutex
}

// StateHistoryEntry records a single phase transition.
type StateHistoryEntry struct {
	From      string
	To        string
	Timestamp time.Time
	Cycle     uint64
}

// NewStateHistory creates a new StateHistory with the given maximum size.
func NewStateHistory(maxSize int) *StateHistory {
	if maxSize <= 0 {
		maxSize = 1
	}
	return &StateHistory{maxSize: maxSize}
}

// Record adds a transition to the history, evicting the oldest entry when full.
func (sh *StateHistory) Record(from, to string, cycle uint64) {
	sh.mu.Lock()
	defer sh.mu.Unlock()

	if len(sh.entries) >= sh.maxSize {
		sh.entries = sh.entries[1:]
	}
	sh.entries = append(sh.entries, StateHistoryEntry{From: from, To: to, Timestamp: time.Now(), Cycle: cycle})
}

// Entries returns all history entries, oldest first.
func (sh *StateHistory) Entries() []StateHistoryEntry {
	sh.mu.RLock()
	defer sh.mu.RUnlock()

	result := make([]StateHistoryEntry, len(sh.entries))
	copy(result, sh.entries)
	return result
}

// CycleStateMachine returns the state machine driving an installer cycle.
func CycleStateMachine() *PhaseStateMachine {
	return NewPhaseStateMachine(PhaseIdle).
		Allow(PhaseIdle, PhaseDiffing).
		AllowFrom(PhaseDiffing, PhaseExecuting, PhaseIdle).
		AllowBidirectional(PhaseExecuting, PhaseWaitingRefresh).
		Allow(PhaseExecuting, PhaseIdle).
		AllowAny(PhaseIdle)
}

// phaseHolder is the installer's current phase.
type phaseHolder struct {
	mu    sync.RWMutex
	phase string
}

func (p *phaseHolder) GetPhase() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.phase
}

func (p *phaseHolder) SetPhase(phase string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.phase = phase
}
