package signal

import (
	"context"
	"testing"
	"time"
)

func TestEnvelope(t *testing.T) {
	t.Run("round trip payload", func(t *testing.T) {
		env, err := NewEnvelope(KindJobOffer, "alice", "pool:experts", JobOffer{
			RequesterID: "alice",
			ServiceType: "plumbing",
			Location:    Location{Lat: 52.37, Lng: 4.89},
		})
		if err != nil {
			t.Fatal(err)
		}
		if env.ID == "" || env.TS == 0 {
			t.Fatalf("missing id or timestamp: %+v", env)
		}
		var p JobOffer
		if err := env.Decode(&p); err != nil {
			t.Fatal(err)
		}
		if p.ServiceType != "plumbing" || p.Location.Lat != 52.37 {
			t.Fatalf("payload mangled: %+v", p)
		}
	})

	t.Run("pool recipients", func(t *testing.T) {
		if !IsPool("pool:experts") {
			t.Fatal("pool:experts should be a pool recipient")
		}
		if IsPool("alice") || IsPool("") {
			t.Fatal("plain ids are not pool recipients")
		}
	})
}

func TestFanout(t *testing.T) {
	t.Run("kind filter", func(t *testing.T) {
		d := NewDispatcher()
		calls, cancel := d.Subscribe(KindCallInvite)
		defer cancel()
		all, cancelAll := d.Subscribe()
		defer cancelAll()

		d.Deliver(&Envelope{ID: "1", Kind: KindCallInvite})
		d.Deliver(&Envelope{ID: "2", Kind: KindJobOffer})

		if env := recvOne(t, calls); env.ID != "1" {
			t.Fatalf("filtered listener got %s", env.ID)
		}
		select {
		case env := <-calls:
			t.Fatalf("filtered listener got extra %s", env.ID)
		case <-time.After(50 * time.Millisecond):
		}
		if env := recvOne(t, all); env.ID != "1" {
			t.Fatalf("unfiltered listener got %s first", env.ID)
		}
		if env := recvOne(t, all); env.ID != "2" {
			t.Fatalf("unfiltered listener missed job-offer, got %s", env.ID)
		}
	})

	t.Run("cancel stops delivery", func(t *testing.T) {
		d := NewDispatcher()
		ch, cancel := d.Subscribe()
		cancel()
		d.Deliver(&Envelope{ID: "x", Kind: KindCallEnd})
		if _, ok := <-ch; ok {
			t.Fatal("cancelled listener should be closed and empty")
		}
	})

	t.Run("slow listener drops instead of blocking", func(t *testing.T) {
		d := NewDispatcher()
		_, cancel := d.Subscribe() // never drained
		defer cancel()
		done := make(chan struct{})
		go func() {
			for i := 0; i < listenerBuf*2; i++ {
				d.Deliver(&Envelope{Kind: KindCallEnd})
			}
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("deliver blocked on a full listener")
		}
	})
}

func TestLoopback(t *testing.T) {
	ctx := context.Background()
	hub := NewLoopback()

	alice := hub.Endpoint("alice")
	bob := hub.Endpoint("bob", "bob-expert")
	carol := hub.Endpoint("carol")
	defer alice.Close()
	defer bob.Close()
	defer carol.Close()

	t.Run("direct delivery by recipient", func(t *testing.T) {
		bobIn, cancel := bob.Subscribe(KindCallInvite)
		defer cancel()
		carolIn, cancelCarol := carol.Subscribe(KindCallInvite)
		defer cancelCarol()

		env, _ := NewEnvelope(KindCallInvite, "alice", "bob-expert", CallInvite{
			CalleeID: "bob-expert", CallerID: "alice", CallerRole: "customer",
		})
		if err := alice.Publish(ctx, env); err != nil {
			t.Fatal(err)
		}
		if got := recvOne(t, bobIn); got.ID != env.ID {
			t.Fatalf("bob got wrong envelope %s", got.ID)
		}
		select {
		case <-carolIn:
			t.Fatal("carol received an envelope not addressed to her")
		case <-time.After(50 * time.Millisecond):
		}
	})

	t.Run("pool fan-out skips sender", func(t *testing.T) {
		bob.JoinPool("pool:experts")
		carol.JoinPool("pool:experts")

		bobIn, cancelBob := bob.Subscribe(KindJobOffer)
		defer cancelBob()
		carolIn, cancelCarol := carol.Subscribe(KindJobOffer)
		defer cancelCarol()

		env, _ := NewEnvelope(KindJobOffer, "carol", "pool:experts", JobOffer{RequesterID: "carol"})
		if err := carol.Publish(ctx, env); err != nil {
			t.Fatal(err)
		}
		if got := recvOne(t, bobIn); got.ID != env.ID {
			t.Fatalf("bob got wrong envelope %s", got.ID)
		}
		select {
		case <-carolIn:
			t.Fatal("pool publish echoed back to the sender")
		case <-time.After(50 * time.Millisecond):
		}
	})

	t.Run("closed endpoint rejects publish", func(t *testing.T) {
		dave := hub.Endpoint("dave")
		dave.Close()
		env, _ := NewEnvelope(KindCallEnd, "dave", "alice", CallEnd{PeerID: "alice"})
		if err := dave.Publish(ctx, env); err == nil {
			t.Fatal("publish on closed endpoint should fail")
		}
	})
}

func recvOne(t *testing.T, ch <-chan *Envelope) *Envelope {
	t.Helper()
	select {
	case env := <-ch:
		return env
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for envelope")
		return nil
	}
}
