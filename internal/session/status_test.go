package session

import "testing"

func TestStatusSets(t *testing.T) {
	live := map[Status]bool{
		StatusPending: true, StatusConnecting: true, StatusActive: true,
		StatusDisconnected: false, StatusFailed: false, StatusTerminated: false,
	}
	terminal := map[Status]bool{
		StatusFailed: true, StatusTerminated: true,
		StatusPending: false, StatusConnecting: false, StatusActive: false, StatusDisconnected: false,
	}
	for s, want := range live {
		if s.Live() != want {
			t.Errorf("%s.Live() = %v, want %v", s, s.Live(), want)
		}
		if !s.Valid() {
			t.Errorf("%s.Valid() = false", s)
		}
	}
	for s, want := range terminal {
		if s.Terminal() != want {
			t.Errorf("%s.Terminal() = %v, want %v", s, s.Terminal(), want)
		}
	}
	if Status("frozen").Valid() {
		t.Error("unknown status reported valid")
	}
}

func TestStatusTransitions(t *testing.T) {
	ok := func(t *testing.T, got Status, err error, want Status) {
		t.Helper()
		if err != nil {
			t.Fatalf("unexpected transition error: %v", err)
		}
		if got != want {
			t.Fatalf("transitioned to %q, want %q", got, want)
		}
	}
	rejected := func(t *testing.T, err error) {
		t.Helper()
		if err == nil {
			t.Fatal("illegal transition allowed")
		}
	}

	// The connect path: pending -> connecting -> active.
	s, err := StatusPending.ToConnecting()
	ok(t, s, err, StatusConnecting)
	s, err = s.ToActive()
	ok(t, s, err, StatusActive)

	// Drop and reconnect: active -> disconnected -> connecting -> active.
	s, err = s.ToDisconnected()
	ok(t, s, err, StatusDisconnected)
	s, err = s.ToConnecting()
	ok(t, s, err, StatusConnecting)
	s, err = s.ToActive()
	ok(t, s, err, StatusActive)

	// Any non-terminal state may terminate or fail.
	for _, from := range []Status{StatusPending, StatusConnecting, StatusActive, StatusDisconnected} {
		s, err := from.ToTerminated()
		ok(t, s, err, StatusTerminated)
		s, err = from.ToFailed()
		ok(t, s, err, StatusFailed)
	}

	// Terminal states are sinks.
	for _, from := range []Status{StatusFailed, StatusTerminated} {
		_, err := from.ToActive()
		rejected(t, err)
		_, err = from.ToTerminated()
		rejected(t, err)
		_, err = from.ToFailed()
		rejected(t, err)
		_, err = from.ToConnecting()
		rejected(t, err)
		_, err = from.ToDisconnected()
		rejected(t, err)
	}

	// Only active can disconnect.
	for _, from := range []Status{StatusPending, StatusConnecting, StatusDisconnected} {
		if _, err := from.ToDisconnected(); err == nil {
			t.Errorf("%s.ToDisconnected() allowed", from)
		}
	}
}
