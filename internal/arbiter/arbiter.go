// Package arbiter mediates exclusive ownership of the device audio path.
// Only one logical system (microphone capture or TTS playback) may drive
// the hardware at a time; everything else coordinates through this type.
package arbiter

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/siderealchat/voice-capture/internal/observability"
)

// System identifies a logical owner of the audio path
type System string

const (
	SystemNone       System = "none"
	SystemMicrophone System = "microphone"
	SystemTTS        System = "tts"
)

// MicrophoneState is secondary state orthogonal to ownership. It lets TTS
// borrow control while the microphone is allocated but merely paused.
type MicrophoneState string

const (
	MicActive   MicrophoneState = "active"
	MicMuted    MicrophoneState = "muted"
	MicInactive MicrophoneState = "inactive"
)

// Listener is invoked with the new owner on every ownership change
type Listener func(System)

// Arbiter guarantees at most one system drives the audio hardware.
// Construct one per composition root and pass it to the recorder and any
// playback system; there is no package-level instance.
type Arbiter struct {
	mu       sync.Mutex
	current  System
	micState MicrophoneState

	listeners map[int]Listener
	nextID    int

	log zerolog.Logger
}

// New creates an arbiter with no owner
func New() *Arbiter {
	return &Arbiter{
		current:   SystemNone,
		micState:  MicInactive,
		listeners: make(map[int]Listener),
		log:       observability.GetLogger().With().Str("component", "arbiter").Logger(),
	}
}

// RequestControl attempts to take ownership for the given system.
// Grants immediately when there is no owner or the requester already owns
// the path. TTS is additionally granted over an allocated-but-muted
// microphone. A refusal is a normal return value, never an error, but it is
// logged loudly and counted: an unexpected conflict indicates a lifecycle
// bug upstream.
func (a *Arbiter) RequestControl(system System) bool {
	a.mu.Lock()

	if system == SystemTTS && a.current == SystemMicrophone && a.micState == MicMuted {
		changed := a.current != system
		a.current = system
		listeners := a.snapshotLocked()
		a.mu.Unlock()
		if changed {
			a.notify(listeners, system)
		}
		return true
	}

	if a.current == SystemNone || a.current == system {
		changed := a.current != system
		a.current = system
		listeners := a.snapshotLocked()
		a.mu.Unlock()
		if changed {
			a.notify(listeners, system)
		}
		return true
	}

	holder := a.current
	micState := a.micState
	a.mu.Unlock()

	a.log.Error().
		Str("holder", string(holder)).
		Str("requested", string(system)).
		Str("microphone_state", string(micState)).
		Msg("Audio ownership conflict: only one audio system can run at a time")
	observability.RecordArbitrationConflict(string(system), string(holder))
	return false
}

// ReleaseControl resets ownership to none if the given system is the owner
func (a *Arbiter) ReleaseControl(system System) {
	a.mu.Lock()
	if a.current != system {
		a.mu.Unlock()
		return
	}
	a.current = SystemNone
	listeners := a.snapshotLocked()
	a.mu.Unlock()

	a.notify(listeners, SystemNone)
}

// SetMicrophoneState updates the secondary microphone state
func (a *Arbiter) SetMicrophoneState(state MicrophoneState) {
	a.mu.Lock()
	a.micState = state
	a.mu.Unlock()
}

// MicrophoneState returns the secondary microphone state
func (a *Arbiter) MicrophoneState() MicrophoneState {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.micState
}

// Current returns the system that owns the audio path
func (a *Arbiter) Current() System {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.current
}

// CanTakeControl mirrors RequestControl's grant condition without mutating
// state. Used to pre-flight before issuing an actual request.
func (a *Arbiter) CanTakeControl(system System) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	if system == SystemTTS && a.current == SystemMicrophone && a.micState == MicMuted {
		return true
	}
	return a.current == SystemNone || a.current == system
}

// ForceReleaseAll unconditionally resets ownership to none. Intended for
// crash and error recovery paths. Idempotent: only notifies when there was
// in fact an active owner.
func (a *Arbiter) ForceReleaseAll() {
	a.mu.Lock()
	if a.current == SystemNone {
		a.mu.Unlock()
		return
	}
	holder := a.current
	a.current = SystemNone
	listeners := a.snapshotLocked()
	a.mu.Unlock()

	a.log.Warn().Str("holder", string(holder)).Msg("Force releasing audio ownership")
	a.notify(listeners, SystemNone)
}

// Subscribe registers a listener for ownership changes and returns an
// unsubscribe function
func (a *Arbiter) Subscribe(listener Listener) func() {
	a.mu.Lock()
	id := a.nextID
	a.nextID++
	a.listeners[id] = listener
	a.mu.Unlock()

	return func() {
		a.mu.Lock()
		delete(a.listeners, id)
		a.mu.Unlock()
	}
}

func (a *Arbiter) snapshotLocked() []Listener {
	out := make([]Listener, 0, len(a.listeners))
	for _, l := range a.listeners {
		out = append(out, l)
	}
	return out
}

// notify runs outside the lock so listeners may call back into the arbiter
func (a *Arbiter) notify(listeners []Listener, system System) {
	for _, l := range listeners {
		l(system)
	}
}
