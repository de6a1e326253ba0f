package arbiter

import (
	"testing"
)

func TestRequestControl_Exclusivity(t *testing.T) {
	a := New()

	if !a.RequestControl(SystemMicrophone) {
		t.Fatal("Expected microphone to acquire an idle audio path")
	}

	if a.RequestControl(SystemTTS) {
		t.Error("Expected TTS request to be refused while microphone is active")
	}

	if a.Current() != SystemMicrophone {
		t.Errorf("Expected owner to stay 'microphone' after refusal, got '%s'", a.Current())
	}

	a.ReleaseControl(SystemMicrophone)
	if a.Current() != SystemNone {
		t.Errorf("Expected owner 'none' after release, got '%s'", a.Current())
	}

	if !a.RequestControl(SystemTTS) {
		t.Error("Expected TTS to acquire a released audio path")
	}
}

func TestRequestControl_IdempotentSelfGrant(t *testing.T) {
	a := New()

	notifications := 0
	a.Subscribe(func(System) { notifications++ })

	if !a.RequestControl(SystemMicrophone) {
		t.Fatal("Expected first request to succeed")
	}
	if notifications != 1 {
		t.Fatalf("Expected 1 notification after first grant, got %d", notifications)
	}

	// Self-grant must succeed without a spurious notification
	if !a.RequestControl(SystemMicrophone) {
		t.Error("Expected idempotent self-grant to succeed")
	}
	if notifications != 1 {
		t.Errorf("Expected no notification on self-grant, got %d total", notifications)
	}
}

func TestRequestControl_TTSOverMutedMic(t *testing.T) {
	a := New()

	if !a.RequestControl(SystemMicrophone) {
		t.Fatal("Expected microphone to acquire")
	}

	a.SetMicrophoneState(MicActive)
	if a.RequestControl(SystemTTS) {
		t.Error("Expected TTS refused while microphone is actively listening")
	}
	if a.Current() != SystemMicrophone {
		t.Errorf("Expected ownership unchanged after refusal, got '%s'", a.Current())
	}

	a.SetMicrophoneState(MicMuted)
	if !a.RequestControl(SystemTTS) {
		t.Error("Expected TTS granted over a muted microphone")
	}
	if a.Current() != SystemTTS {
		t.Errorf("Expected ownership 'tts' after muted-mic grant, got '%s'", a.Current())
	}
}

func TestCanTakeControl(t *testing.T) {
	a := New()

	if !a.CanTakeControl(SystemMicrophone) {
		t.Error("Expected idle path to be takeable")
	}

	a.RequestControl(SystemMicrophone)
	a.SetMicrophoneState(MicActive)

	if a.CanTakeControl(SystemTTS) {
		t.Error("Expected CanTakeControl(tts) false while mic is active")
	}
	if !a.CanTakeControl(SystemMicrophone) {
		t.Error("Expected CanTakeControl to be true for the current owner")
	}

	a.SetMicrophoneState(MicMuted)
	if !a.CanTakeControl(SystemTTS) {
		t.Error("Expected CanTakeControl(tts) true over a muted mic")
	}

	if a.Current() != SystemMicrophone {
		t.Error("CanTakeControl must not mutate ownership")
	}
}

func TestReleaseControl_NonOwnerIsNoop(t *testing.T) {
	a := New()
	a.RequestControl(SystemMicrophone)

	a.ReleaseControl(SystemTTS)
	if a.Current() != SystemMicrophone {
		t.Errorf("Expected non-owner release to be a no-op, got '%s'", a.Current())
	}
}

func TestForceReleaseAll(t *testing.T) {
	a := New()

	notifications := 0
	a.Subscribe(func(System) { notifications++ })

	// No owner: must not emit a spurious signal
	a.ForceReleaseAll()
	if notifications != 0 {
		t.Errorf("Expected no notification when nothing was owned, got %d", notifications)
	}

	a.RequestControl(SystemMicrophone)
	a.ForceReleaseAll()
	if a.Current() != SystemNone {
		t.Errorf("Expected 'none' after force release, got '%s'", a.Current())
	}
	if notifications != 2 {
		t.Errorf("Expected 2 notifications (grant + force release), got %d", notifications)
	}
}

func TestSubscribe_Unsubscribe(t *testing.T) {
	a := New()

	got := make([]System, 0)
	unsubscribe := a.Subscribe(func(s System) { got = append(got, s) })

	a.RequestControl(SystemMicrophone)
	unsubscribe()
	a.ReleaseControl(SystemMicrophone)

	if len(got) != 1 || got[0] != SystemMicrophone {
		t.Errorf("Expected exactly the grant notification before unsubscribe, got %v", got)
	}
}
