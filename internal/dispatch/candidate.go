package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/fieldside/fieldside/internal/identity"
	"github.com/fieldside/fieldside/internal/signal"
)

// ErrNoOffer means accept was asked with no offer on the table.
var ErrNoOffer = errors.New("dispatch: no open offer to accept")

// CandidateOffer is the expert-side view of a broadcast offer. Read-only;
// the only action on it is Candidate.Accept.
type CandidateOffer struct {
	OfferID     string // envelope id of the broadcast
	RequesterID string
	ServiceType string
	Notes       string
	Location    signal.Location
	ReceivedAt  time.Time
}

// Outcome tells a candidate how an offer they saw ended up.
type Outcome struct {
	Offer CandidateOffer
	Won   bool
	JobID string // set when Won
}

// Candidate is the expert side of dispatch. It surfaces offers the local
// expert id is listed on, one at a time, and races a claim when asked.
// Winning or losing is whatever the relay says; a lost race just means the
// job-assigned names someone else.
type Candidate struct {
	ch  signal.Channel
	ids identity.Context

	mu        sync.Mutex
	current   *CandidateOffer
	onOffer   func(CandidateOffer)
	onOutcome func(Outcome)

	cancelSub func()
	done      chan struct{}
}

func NewCandidate(ch signal.Channel, ids identity.Context) *Candidate {
	c := &Candidate{
		ch:   ch,
		ids:  ids,
		done: make(chan struct{}),
	}
	in, cancel := ch.Subscribe(signal.KindJobOffer, signal.KindJobAssigned, signal.KindJobExpired)
	c.cancelSub = cancel
	go c.route(in)
	return c
}

// OnOffer registers the presentation hook for newly surfaced offers.
func (c *Candidate) OnOffer(fn func(CandidateOffer)) {
	c.mu.Lock()
	c.onOffer = fn
	c.mu.Unlock()
}

// OnOutcome registers the presentation hook for offer outcomes.
func (c *Candidate) OnOutcome(fn func(Outcome)) {
	c.mu.Lock()
	c.onOutcome = fn
	c.mu.Unlock()
}

// Current returns the offer on the table, if any.
func (c *Candidate) Current() (CandidateOffer, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == nil {
		return CandidateOffer{}, false
	}
	return *c.current, true
}

// Accept claims the offer on the table. The claim may lose the race or
// arrive after the window; either shows up later as an outcome, not as an
// error here.
func (c *Candidate) Accept(ctx context.Context) error {
	c.mu.Lock()
	if c.current == nil {
		c.mu.Unlock()
		return ErrNoOffer
	}
	offer := *c.current
	c.mu.Unlock()

	if c.ids.ExpertID == "" {
		return fmt.Errorf("%w: no expert identity", ErrNotLocal)
	}
	env, err := signal.NewEnvelope(signal.KindJobAccept, c.ids.ExpertID, offer.RequesterID, signal.JobAccept{
		RequesterID: offer.RequesterID,
		CandidateID: c.ids.ExpertID,
	})
	if err != nil {
		return err
	}
	if err := c.ch.Publish(ctx, env); err != nil {
		return fmt.Errorf("claim offer: %w", err)
	}
	log.Infof("claimed offer %s from %s", offer.OfferID, offer.RequesterID)
	return nil
}

// Close detaches from the channel.
func (c *Candidate) Close() {
	select {
	case <-c.done:
		return
	default:
		close(c.done)
	}
	c.cancelSub()
}

func (c *Candidate) route(in <-chan *signal.Envelope) {
	for {
		select {
		case <-c.done:
			return
		case env, ok := <-in:
			if !ok {
				return
			}
			c.handle(env)
		}
	}
}

func (c *Candidate) handle(env *signal.Envelope) {
	defer func() {
		if r := recover(); r != nil {
			log.Errorf("candidate handler panic on %s: %v", env.Kind, r)
		}
	}()

	switch env.Kind {
	case signal.KindJobOffer:
		var p signal.JobOffer
		if err := env.Decode(&p); err != nil {
			log.Warnf("malformed job-offer: %v", err)
			return
		}
		if c.ids.ExpertID == "" || !listed(p.CandidatePool, c.ids.ExpertID) {
			return
		}
		offer := CandidateOffer{
			OfferID:     env.ID,
			RequesterID: p.RequesterID,
			ServiceType: p.ServiceType,
			Notes:       p.Notes,
			Location:    p.Location,
			ReceivedAt:  time.Now(),
		}
		c.mu.Lock()
		if c.current != nil {
			log.Infof("offer %s replaces offer %s still on the table",
				offer.OfferID, c.current.OfferID)
		}
		c.current = &offer
		fn := c.onOffer
		c.mu.Unlock()
		if fn != nil {
			fn(offer)
		}

	case signal.KindJobAssigned:
		var p signal.JobAssigned
		if err := env.Decode(&p); err != nil {
			log.Warnf("malformed job-assigned: %v", err)
			return
		}
		c.settle(env.From, func(o CandidateOffer) Outcome {
			won := p.CandidateID == c.ids.ExpertID
			jobID := ""
			if won {
				jobID = p.JobID
			}
			return Outcome{Offer: o, Won: won, JobID: jobID}
		})

	case signal.KindJobExpired:
		c.settle(env.From, func(o CandidateOffer) Outcome {
			return Outcome{Offer: o}
		})
	}
}

// settle clears the current offer when it came from requesterID and reports
// the outcome. Signals for offers we never surfaced are dropped.
func (c *Candidate) settle(requesterID string, mk func(CandidateOffer) Outcome) {
	c.mu.Lock()
	if c.current == nil || c.current.RequesterID != requesterID {
		c.mu.Unlock()
		return
	}
	offer := *c.current
	c.current = nil
	fn := c.onOutcome
	c.mu.Unlock()
	if fn != nil {
		fn(mk(offer))
	}
}

func listed(pool []string, id string) bool {
	for _, p := range pool {
		if p == id {
			return true
		}
	}
	return false
}
