package state

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/souffleur/host/internal/protocol"
)

func testPayload(address string, port int, secret string) string {
	return fmt.Sprintf("%s|%d|%s", address, port, secret)
}

func receive(t *testing.T, sub *Subscription) Update {
	t.Helper()
	select {
	case u, ok := <-sub.C():
		if !ok {
			t.Fatal("subscription closed unexpectedly")
		}
		return u
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for update")
	}
	return Update{}
}

func expectNone(t *testing.T, sub *Subscription) {
	t.Helper()
	select {
	case u := <-sub.C():
		t.Fatalf("unexpected update: %+v", u)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestNewStoreIsStopped(t *testing.T) {
	s := New(nil)
	snap := s.Snapshot()
	if snap.Phase != PhaseStopped || snap.Running {
		t.Errorf("new store = %+v, want stopped", snap)
	}
	if snap.HasLastCommand() {
		t.Error("new store should have no last command")
	}
}

func TestSubscribeReceivesCurrentValueFirst(t *testing.T) {
	s := New(nil)
	s.SetPort(8087)

	sub := s.Subscribe(PropertyPort)
	defer sub.Close()

	u := receive(t, sub)
	if !u.Initial || u.Property != PropertyPort || u.State.Port != 8087 {
		t.Fatalf("initial update = %+v", u)
	}

	s.SetPort(9000)
	u = receive(t, sub)
	if u.Initial || u.State.Port != 9000 {
		t.Fatalf("change update = %+v", u)
	}
}

func TestSubscribeFiltersProperties(t *testing.T) {
	s := New(nil)
	sub := s.Subscribe(PropertyRunning)
	defer sub.Close()
	receive(t, sub) // initial

	s.SetSecret("abc")
	s.SetIdentity("eth0", "192.168.1.10")
	expectNone(t, sub)

	s.SetListening(8087)
	u := receive(t, sub)
	if u.Property != PropertyRunning || !u.State.Running {
		t.Fatalf("update = %+v", u)
	}
}

func TestUnchangedValuesDoNotNotify(t *testing.T) {
	s := New(nil)
	s.SetSecret("abc")
	sub := s.Subscribe(PropertySecret)
	defer sub.Close()
	receive(t, sub)

	s.SetSecret("abc")
	expectNone(t, sub)
}

func TestLastCommandSequenceIsOrderedAndComplete(t *testing.T) {
	s := New(nil)
	sub := s.Subscribe(PropertyLastCommand)
	defer sub.Close()
	receive(t, sub) // initial, no command yet

	sent := []protocol.Command{
		protocol.CommandHello,
		protocol.CommandNext,
		protocol.CommandNext,
		protocol.CommandPrevious,
	}
	for _, cmd := range sent {
		s.SetLastCommand(cmd)
	}

	for i, want := range sent {
		u := receive(t, sub)
		if u.State.LastCommand != want {
			t.Fatalf("update #%d last command = %v, want %v", i, u.State.LastCommand, want)
		}
	}
	expectNone(t, sub)
}

func TestSlowSubscriberDoesNotBlockWriters(t *testing.T) {
	s := New(nil)
	sub := s.Subscribe(PropertyLastCommand)
	defer sub.Close()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 1000; i++ {
			s.SetLastCommand(protocol.CommandNext)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("writer blocked on an unread subscription")
	}

	receive(t, sub) // initial
	for i := 0; i < 1000; i++ {
		receive(t, sub)
	}
}

func TestPairingPayloadDerived(t *testing.T) {
	s := New(testPayload)
	sub := s.Subscribe(PropertyPairingPayload)
	defer sub.Close()

	u := receive(t, sub)
	if u.State.PairingPayload != "" {
		t.Fatalf("payload before inputs = %q", u.State.PairingPayload)
	}

	s.SetIdentity("en0", "10.0.0.5")
	s.SetSecret("abc")
	expectNone(t, sub)

	s.SetPort(8087)
	u = receive(t, sub)
	if u.State.PairingPayload != "10.0.0.5|8087|abc" {
		t.Fatalf("payload = %q", u.State.PairingPayload)
	}

	s.SetListening(8087)
	expectNone(t, sub)
}

func TestSetStoppedClearsConnectedDeviceAtomically(t *testing.T) {
	s := New(nil)
	s.SetListening(8087)
	s.SetConnectedDevice("10.0.0.9:50000")

	sub := s.Subscribe(PropertyRunning, PropertyConnectedDevice)
	defer sub.Close()
	receive(t, sub)
	receive(t, sub)

	s.SetStopped()
	for i := 0; i < 2; i++ {
		u := receive(t, sub)
		if u.State.Running || u.State.ConnectedDevice != "" {
			t.Fatalf("partially updated snapshot: %+v", u.State)
		}
	}
	if snap := s.Snapshot(); snap.Phase != PhaseStopped {
		t.Errorf("phase = %s", snap.Phase)
	}
}

func TestSetPortRejectsOutOfRange(t *testing.T) {
	s := New(nil)
	s.SetPort(70000)
	s.SetPort(-1)
	if s.Snapshot().Port != 0 {
		t.Errorf("port = %d, want 0", s.Snapshot().Port)
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	s := New(nil)
	sub := s.Subscribe()
	sub.Close()
	sub.Close()

	deadline := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-sub.C():
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("channel not closed after Close")
		}
	}
}

func TestCloseStoreClosesSubscriptions(t *testing.T) {
	s := New(nil)
	a := s.Subscribe()
	b := s.Subscribe(PropertyPort)
	s.Close()

	for _, sub := range []*Subscription{a, b} {
		for range sub.C() {
		}
	}

	late := s.Subscribe()
	for range late.C() {
	}

	// Writes after Close still update the snapshot.
	s.SetPort(1234)
	if s.Snapshot().Port != 1234 {
		t.Error("snapshot not updated after Close")
	}
}

func TestConcurrentWritersProduceConsistentSnapshots(t *testing.T) {
	s := New(testPayload)
	s.SetIdentity("en0", "10.0.0.5")
	s.SetSecret("abc")

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				s.SetPort(1000 + i)
				snap := s.Snapshot()
				want := testPayload(snap.Address, snap.Port, snap.Secret)
				if snap.PairingPayload != want {
					t.Errorf("payload %q does not match port %d", snap.PairingPayload, snap.Port)
					return
				}
			}
		}(i)
	}
	wg.Wait()
}
