package call

import (
	"testing"
)

func TestStateTransitions(t *testing.T) {
	tests := []struct {
		from  State
		to    State
		valid bool
	}{
		{StatePending, StateActive, true},
		{StatePending, StateEnded, true},
		{StateActive, StateEnded, true},
		{StateActive, StatePending, false},
		{StateEnded, StatePending, false},
		{StateEnded, StateActive, false},
		{StatePending, StatePending, false},
	}

	for _, tt := range tests {
		if got := tt.from.CanTransitionTo(tt.to); got != tt.valid {
			t.Errorf("CanTransitionTo(%s -> %s) = %v, want %v", tt.from, tt.to, got, tt.valid)
		}
	}
}

func TestCallStartsPending(t *testing.T) {
	c := New("call-1", "sip:alice@example.com", DirectionInbound)

	if got := c.State(); got != StatePending {
		t.Errorf("State() = %s, want Pending", got)
	}
	if c.Active() {
		t.Error("Active() = true for a pending call, want false")
	}
}

func TestCallActiveOnlyAfterConfirm(t *testing.T) {
	c := New("call-1", "sip:alice@example.com", DirectionOutbound)

	if err := c.TransitionTo(StateActive); err != nil {
		t.Fatalf("TransitionTo(Active) error = %v", err)
	}
	if !c.Active() {
		t.Error("Active() = false after confirm, want true")
	}

	// Confirmed calls cannot go back to pending.
	if err := c.TransitionTo(StatePending); err == nil {
		t.Error("TransitionTo(Pending) from Active succeeded, want error")
	}
}

func TestEndIsIdempotent(t *testing.T) {
	c := New("call-1", "sip:bob@example.com", DirectionInbound)

	if !c.End(ReasonRemoteHangup) {
		t.Fatal("first End() = false, want true")
	}
	if c.End(ReasonLocalHangup) {
		t.Error("second End() = true, want false")
	}
	if got := c.EndReason(); got != ReasonRemoteHangup {
		t.Errorf("EndReason() = %s, want RemoteHangup (first reason wins)", got)
	}
	if got := c.State(); got != StateEnded {
		t.Errorf("State() = %s, want Ended", got)
	}
}

func TestMediaReadyFlag(t *testing.T) {
	c := New("call-1", "sip:bob@example.com", DirectionInbound)

	if c.MediaReady() {
		t.Error("MediaReady() = true on new call, want false")
	}
	c.SetMediaReady(true)
	if !c.MediaReady() {
		t.Error("MediaReady() = false after SetMediaReady(true)")
	}
}

func TestAudioRingDropsOldest(t *testing.T) {
	c := New("call-1", "sip:bob@example.com", DirectionInbound)

	for i := 0; i < AudioRingCapacity+5; i++ {
		c.Audio.Push([]byte{byte(i)})
	}
	chunks := c.Audio.Drain()
	if len(chunks) != AudioRingCapacity {
		t.Fatalf("Drain() returned %d chunks, want %d", len(chunks), AudioRingCapacity)
	}
	if got, want := chunks[0][0], byte(5); got != want {
		t.Errorf("oldest surviving chunk = %d, want %d", got, want)
	}
}

func TestRegistryAddGetRemove(t *testing.T) {
	r := NewRegistry()
	c := New("call-1", "sip:alice@example.com", DirectionInbound)

	if err := r.Add(c); err != nil {
		t.Fatalf("Add() error = %v", err)
	}
	if err := r.Add(c); err == nil {
		t.Error("Add() duplicate succeeded, want error")
	}

	got, ok := r.Get("call-1")
	if !ok || got != c {
		t.Errorf("Get(call-1) = %v, %v; want the registered call", got, ok)
	}
	if n := r.Count(); n != 1 {
		t.Errorf("Count() = %d, want 1", n)
	}

	removed, ok := r.Remove("call-1")
	if !ok || removed != c {
		t.Errorf("Remove(call-1) = %v, %v; want the registered call", removed, ok)
	}
	if _, ok := r.Remove("call-1"); ok {
		t.Error("second Remove(call-1) = true, want false")
	}
	if n := r.Count(); n != 0 {
		t.Errorf("Count() after remove = %d, want 0", n)
	}
}
