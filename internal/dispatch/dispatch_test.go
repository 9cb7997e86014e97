package dispatch

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/fieldside/fieldside/internal/identity"
	"github.com/fieldside/fieldside/internal/signal"
)

const testPool = "pool:experts"

// fakeRelay plays the backend: it watches job-accept traffic, resolves the
// first claim per requester, and publishes job-assigned both to the
// requester and to the pool. It also counts job-confirm messages.
type fakeRelay struct {
	ep       *signal.LoopbackEndpoint
	confirms atomic.Int32
	done     func()
}

func startFakeRelay(t *testing.T, hub *signal.Loopback, requesterID string) *fakeRelay {
	t.Helper()
	// Shadowing the requester id lets the relay see traffic addressed to it,
	// the way the real backend sits on the wire.
	ep := hub.Endpoint(requesterID)
	ep.JoinPool(testPool)
	r := &fakeRelay{ep: ep}

	in, cancel := ep.Subscribe(signal.KindJobAccept, signal.KindJobConfirm)
	r.done = func() {
		cancel()
		ep.Close()
	}

	assigned := false
	go func() {
		for env := range in {
			switch env.Kind {
			case signal.KindJobConfirm:
				r.confirms.Add(1)
			case signal.KindJobAccept:
				if assigned {
					continue
				}
				assigned = true
				var p signal.JobAccept
				if err := env.Decode(&p); err != nil {
					continue
				}
				jobID := uuid.NewString()
				direct, _ := signal.NewEnvelope(signal.KindJobAssigned,
					p.RequesterID, p.RequesterID,
					signal.JobAssigned{CandidateID: p.CandidateID, JobID: jobID})
				pool, _ := signal.NewEnvelope(signal.KindJobAssigned,
					p.RequesterID, testPool,
					signal.JobAssigned{CandidateID: p.CandidateID, JobID: jobID})
				_ = ep.Publish(context.Background(), direct)
				_ = ep.Publish(context.Background(), pool)
			}
		}
	}()
	return r
}

func TestDispatchAssignment(t *testing.T) {
	ctx := context.Background()
	hub := signal.NewLoopback()

	requester := identity.Context{CustomerID: "alice"}
	expert := identity.Context{ExpertID: "bob"}

	aliceEP := hub.Endpoint("alice")
	defer aliceEP.Close()
	bobEP := hub.Endpoint("bob")
	bobEP.JoinPool(testPool)
	defer bobEP.Close()

	relay := startFakeRelay(t, hub, "alice")
	defer relay.done()

	coord := NewCoordinator(aliceEP, requester, testPool, 5*time.Second)
	defer coord.Close()
	cand := NewCandidate(bobEP, expert)
	defer cand.Close()

	updates := make(chan Update, 4)
	coord.OnUpdate(func(u Update) { updates <- u })
	offers := make(chan CandidateOffer, 4)
	cand.OnOffer(func(o CandidateOffer) { offers <- o })
	outcomes := make(chan Outcome, 4)
	cand.OnOutcome(func(o Outcome) { outcomes <- o })

	offer, err := coord.Submit(ctx, "alice", JobRequest{
		ServiceType: "hvac repair",
		Notes:       "unit rattling",
		Location:    signal.Location{Lat: 40.7, Lng: -74.0},
		Candidates:  []string{"bob"},
	})
	if err != nil {
		t.Fatal(err)
	}

	t.Run("candidate sees the offer", func(t *testing.T) {
		got := waitFor(t, offers)
		if got.RequesterID != "alice" || got.ServiceType != "hvac repair" {
			t.Fatalf("wrong offer surfaced: %+v", got)
		}
	})

	t.Run("second submit while open is refused", func(t *testing.T) {
		if _, err := coord.Submit(ctx, "alice", JobRequest{ServiceType: "x"}); !errors.Is(err, ErrOfferActive) {
			t.Fatalf("expected ErrOfferActive, got %v", err)
		}
	})

	t.Run("claim resolves the offer", func(t *testing.T) {
		if err := cand.Accept(ctx); err != nil {
			t.Fatal(err)
		}
		u := waitFor(t, updates)
		if u.Resolution != Assigned {
			t.Fatalf("expected Assigned, got %s (%s)", u.Resolution, u.Reason)
		}
		winner, jobID := offer.Winner()
		if winner != "bob" || jobID == "" {
			t.Fatalf("wrong winner %q job %q", winner, jobID)
		}
	})

	t.Run("candidate learns it won", func(t *testing.T) {
		o := waitFor(t, outcomes)
		if !o.Won || o.JobID == "" {
			t.Fatalf("expected a win with a job id, got %+v", o)
		}
	})

	t.Run("assignment confirmed exactly once", func(t *testing.T) {
		waitUntil(t, func() bool { return relay.confirms.Load() == 1 })
		// A redelivered job-assigned must not trigger a second confirm.
		_, jobID := offer.Winner()
		dup, _ := signal.NewEnvelope(signal.KindJobAssigned, "alice", "alice",
			signal.JobAssigned{CandidateID: "bob", JobID: jobID})
		if err := relay.ep.Publish(ctx, dup); err != nil {
			t.Fatal(err)
		}
		time.Sleep(100 * time.Millisecond)
		if n := relay.confirms.Load(); n != 1 {
			t.Fatalf("expected exactly 1 confirm, got %d", n)
		}
		if offer.Resolution() != Assigned {
			t.Fatalf("resolution changed to %s", offer.Resolution())
		}
	})

	t.Run("resolved offer frees the slot", func(t *testing.T) {
		next, err := coord.Submit(ctx, "alice", JobRequest{ServiceType: "plumbing"})
		if err != nil {
			t.Fatal(err)
		}
		if next.ID == offer.ID {
			t.Fatal("new offer reused the old broadcast id")
		}
	})
}

func TestDispatchExpiry(t *testing.T) {
	ctx := context.Background()
	hub := signal.NewLoopback()

	requester := identity.Context{CustomerID: "alice"}
	expert := identity.Context{ExpertID: "bob"}

	aliceEP := hub.Endpoint("alice")
	defer aliceEP.Close()
	bobEP := hub.Endpoint("bob")
	bobEP.JoinPool(testPool)
	defer bobEP.Close()

	coord := NewCoordinator(aliceEP, requester, testPool, 150*time.Millisecond)
	defer coord.Close()
	cand := NewCandidate(bobEP, expert)
	defer cand.Close()

	updates := make(chan Update, 4)
	coord.OnUpdate(func(u Update) { updates <- u })
	outcomes := make(chan Outcome, 4)
	cand.OnOutcome(func(o Outcome) { outcomes <- o })

	offer, err := coord.Submit(ctx, "alice", JobRequest{
		ServiceType: "locksmith",
		Candidates:  []string{"bob"},
	})
	if err != nil {
		t.Fatal(err)
	}

	t.Run("window lapses to expired", func(t *testing.T) {
		u := waitFor(t, updates)
		if u.Resolution != Expired {
			t.Fatalf("expected Expired, got %s", u.Resolution)
		}
		if offer.Resolution() != Expired {
			t.Fatalf("offer reads %s", offer.Resolution())
		}
	})

	t.Run("late assignment is dropped", func(t *testing.T) {
		late, _ := signal.NewEnvelope(signal.KindJobAssigned, "alice", "alice",
			signal.JobAssigned{CandidateID: "bob", JobID: "late-job"})
		relayEP := hub.Endpoint("relay-shadow")
		defer relayEP.Close()
		if err := relayEP.Publish(ctx, late); err != nil {
			t.Fatal(err)
		}
		time.Sleep(100 * time.Millisecond)
		if offer.Resolution() != Expired {
			t.Fatalf("late job-assigned flipped resolution to %s", offer.Resolution())
		}
		if winner, _ := offer.Winner(); winner != "" {
			t.Fatalf("late assignment recorded winner %q", winner)
		}
	})

	t.Run("relay expiry notice settles the candidate", func(t *testing.T) {
		exp, _ := signal.NewEnvelope(signal.KindJobExpired, "alice", testPool,
			signal.JobExpired{Reason: "no accepts in window"})
		if err := aliceEP.Publish(ctx, exp); err != nil {
			t.Fatal(err)
		}
		o := waitFor(t, outcomes)
		if o.Won {
			t.Fatal("expired offer reported as won")
		}
		if _, ok := cand.Current(); ok {
			t.Fatal("offer still on the table after expiry")
		}
	})

	t.Run("expired offer frees the slot", func(t *testing.T) {
		if _, err := coord.Submit(ctx, "alice", JobRequest{ServiceType: "again"}); err != nil {
			t.Fatal(err)
		}
	})
}

func TestCandidateEligibility(t *testing.T) {
	ctx := context.Background()
	hub := signal.NewLoopback()

	aliceEP := hub.Endpoint("alice")
	defer aliceEP.Close()
	bobEP := hub.Endpoint("bob")
	bobEP.JoinPool(testPool)
	defer bobEP.Close()

	cand := NewCandidate(bobEP, identity.Context{ExpertID: "bob"})
	defer cand.Close()
	offers := make(chan CandidateOffer, 1)
	cand.OnOffer(func(o CandidateOffer) { offers <- o })

	t.Run("unlisted candidate ignores the offer", func(t *testing.T) {
		env, _ := signal.NewEnvelope(signal.KindJobOffer, "alice", testPool, signal.JobOffer{
			RequesterID:   "alice",
			ServiceType:   "welding",
			CandidatePool: []string{"carol", "dave"},
		})
		if err := aliceEP.Publish(ctx, env); err != nil {
			t.Fatal(err)
		}
		select {
		case o := <-offers:
			t.Fatalf("offer surfaced despite not being listed: %+v", o)
		case <-time.After(100 * time.Millisecond):
		}
		if err := cand.Accept(ctx); !errors.Is(err, ErrNoOffer) {
			t.Fatalf("expected ErrNoOffer, got %v", err)
		}
	})

	t.Run("listed candidate sees it", func(t *testing.T) {
		env, _ := signal.NewEnvelope(signal.KindJobOffer, "alice", testPool, signal.JobOffer{
			RequesterID:   "alice",
			ServiceType:   "welding",
			CandidatePool: []string{"bob"},
		})
		if err := aliceEP.Publish(ctx, env); err != nil {
			t.Fatal(err)
		}
		got := waitFor(t, offers)
		if got.ServiceType != "welding" {
			t.Fatalf("wrong offer: %+v", got)
		}
	})
}

func TestRacingClaims(t *testing.T) {
	ctx := context.Background()
	hub := signal.NewLoopback()

	aliceEP := hub.Endpoint("alice")
	defer aliceEP.Close()

	relay := startFakeRelay(t, hub, "alice")
	defer relay.done()

	coord := NewCoordinator(aliceEP, identity.Context{CustomerID: "alice"}, testPool, 5*time.Second)
	defer coord.Close()
	updates := make(chan Update, 4)
	coord.OnUpdate(func(u Update) { updates <- u })

	type expert struct {
		cand     *Candidate
		offers   chan CandidateOffer
		outcomes chan Outcome
	}
	experts := make(map[string]*expert)
	for _, id := range []string{"carol", "dave"} {
		ep := hub.Endpoint(id)
		ep.JoinPool(testPool)
		defer ep.Close()
		e := &expert{
			cand:     NewCandidate(ep, identity.Context{ExpertID: id}),
			offers:   make(chan CandidateOffer, 1),
			outcomes: make(chan Outcome, 1),
		}
		defer e.cand.Close()
		e.cand.OnOffer(func(o CandidateOffer) { e.offers <- o })
		e.cand.OnOutcome(func(o Outcome) { e.outcomes <- o })
		experts[id] = e
	}

	offer, err := coord.Submit(ctx, "alice", JobRequest{
		ServiceType: "electrical",
		Candidates:  []string{"carol", "dave"},
	})
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range experts {
		waitFor(t, e.offers)
	}

	// Both claim at once; the relay arbitrates first-write-wins.
	var wg sync.WaitGroup
	for _, e := range experts {
		wg.Add(1)
		go func(c *Candidate) {
			defer wg.Done()
			if err := c.Accept(ctx); err != nil {
				t.Error(err)
			}
		}(e.cand)
	}
	wg.Wait()

	u := waitFor(t, updates)
	if u.Resolution != Assigned {
		t.Fatalf("expected Assigned, got %s (%s)", u.Resolution, u.Reason)
	}
	winner, jobID := offer.Winner()
	if winner != "carol" && winner != "dave" {
		t.Fatalf("winner %q is not one of the racing claims", winner)
	}

	wins := 0
	for id, e := range experts {
		o := waitFor(t, e.outcomes)
		if o.Won {
			wins++
			if id != winner {
				t.Fatalf("%s reported a win but the job went to %s", id, winner)
			}
			if o.JobID != jobID {
				t.Fatalf("winner records job %q, offer records %q", o.JobID, jobID)
			}
		}
	}
	if wins != 1 {
		t.Fatalf("expected exactly one winning outcome, got %d", wins)
	}
	waitUntil(t, func() bool { return relay.confirms.Load() == 1 })
}

func TestPanickingHooks(t *testing.T) {
	ctx := context.Background()
	hub := signal.NewLoopback()

	aliceEP := hub.Endpoint("alice")
	defer aliceEP.Close()
	bobEP := hub.Endpoint("bob")
	bobEP.JoinPool(testPool)
	defer bobEP.Close()

	t.Run("offer hook panic does not kill the candidate", func(t *testing.T) {
		cand := NewCandidate(bobEP, identity.Context{ExpertID: "bob"})
		defer cand.Close()
		cand.OnOffer(func(CandidateOffer) { panic("presentation broke") })

		env, _ := signal.NewEnvelope(signal.KindJobOffer, "alice", testPool, signal.JobOffer{
			RequesterID:   "alice",
			ServiceType:   "roofing",
			CandidatePool: []string{"bob"},
		})
		if err := aliceEP.Publish(ctx, env); err != nil {
			t.Fatal(err)
		}
		waitUntil(t, func() bool { _, ok := cand.Current(); return ok })

		// The signaling goroutine must still be alive to surface the next one.
		offers := make(chan CandidateOffer, 1)
		cand.OnOffer(func(o CandidateOffer) { offers <- o })
		env2, _ := signal.NewEnvelope(signal.KindJobOffer, "alice", testPool, signal.JobOffer{
			RequesterID:   "alice",
			ServiceType:   "fencing",
			CandidatePool: []string{"bob"},
		})
		if err := aliceEP.Publish(ctx, env2); err != nil {
			t.Fatal(err)
		}
		if got := waitFor(t, offers); got.ServiceType != "fencing" {
			t.Fatalf("wrong offer after hook panic: %+v", got)
		}
	})

	t.Run("update hook panic does not kill the coordinator", func(t *testing.T) {
		coord := NewCoordinator(aliceEP, identity.Context{CustomerID: "alice"}, testPool, 50*time.Millisecond)
		defer coord.Close()
		coord.OnUpdate(func(Update) { panic("presentation broke") })

		offer, err := coord.Submit(ctx, "alice", JobRequest{ServiceType: "first"})
		if err != nil {
			t.Fatal(err)
		}
		waitUntil(t, func() bool { return offer.Resolution() == Expired })

		updates := make(chan Update, 1)
		coord.OnUpdate(func(u Update) { updates <- u })
		if _, err := coord.Submit(ctx, "alice", JobRequest{ServiceType: "second"}); err != nil {
			t.Fatal(err)
		}
		if u := waitFor(t, updates); u.Resolution != Expired {
			t.Fatalf("expected Expired, got %s", u.Resolution)
		}
	})
}

func TestSubmitGuards(t *testing.T) {
	hub := signal.NewLoopback()
	ep := hub.Endpoint("alice")
	defer ep.Close()

	coord := NewCoordinator(ep, identity.Context{CustomerID: "alice"}, testPool, time.Second)
	defer coord.Close()

	if _, err := coord.Submit(context.Background(), "mallory", JobRequest{}); !errors.Is(err, ErrNotLocal) {
		t.Fatalf("expected ErrNotLocal, got %v", err)
	}
}

func waitFor[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(2 * time.Second):
		t.Fatal("timed out")
		panic("unreachable")
	}
}

func waitUntil(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition never became true")
}
