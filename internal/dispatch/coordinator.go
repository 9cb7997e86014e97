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

var (
	// ErrOfferActive rejects a second submission while one is unresolved.
	ErrOfferActive = errors.New("dispatch: an offer is already open")
	// ErrNotLocal rejects submissions speaking as an id we do not own.
	ErrNotLocal = errors.New("dispatch: not a local endpoint id")
)

// Update reports an offer reaching a terminal state.
type Update struct {
	Offer      *Offer
	Resolution Resolution
	// Reason carries the relay's expiry reason, when there is one.
	Reason string
}

// Coordinator is the requester side of dispatch. It broadcasts one offer at
// a time to the expert pool, keeps the acceptance window, and resolves the
// offer exactly once, whether the relay answers first or the window lapses
// first. An assignment only becomes final after the coordinator has
// published job-confirm for it.
type Coordinator struct {
	ch     signal.Channel
	ids    identity.Context
	pool   string
	window time.Duration

	mu       sync.Mutex
	current  *Offer
	onUpdate func(Update)

	cancelSub func()
	done      chan struct{}
}

// NewCoordinator attaches to the channel. pool is the broadcast recipient
// for offers ("pool:experts"); window <= 0 falls back to DefaultWindow.
func NewCoordinator(ch signal.Channel, ids identity.Context, pool string, window time.Duration) *Coordinator {
	if window <= 0 {
		window = DefaultWindow
	}
	c := &Coordinator{
		ch:     ch,
		ids:    ids,
		pool:   pool,
		window: window,
		done:   make(chan struct{}),
	}
	in, cancel := ch.Subscribe(signal.KindJobAssigned, signal.KindJobExpired)
	c.cancelSub = cancel
	go c.route(in)
	return c
}

// OnUpdate registers the presentation hook for terminal offer states. The
// hook runs on the signaling goroutine; it must not block.
func (c *Coordinator) OnUpdate(fn func(Update)) {
	c.mu.Lock()
	c.onUpdate = fn
	c.mu.Unlock()
}

// Open returns the unresolved offer, if any.
func (c *Coordinator) Open() (*Offer, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == nil || c.current.Resolution() != Unresolved {
		return nil, false
	}
	return c.current, true
}

// Submit broadcasts req to the pool as localID and opens the acceptance
// window. Only one unresolved offer may exist at a time.
func (c *Coordinator) Submit(ctx context.Context, localID string, req JobRequest) (*Offer, error) {
	if !c.ids.Owns(localID) {
		return nil, fmt.Errorf("%w: %s", ErrNotLocal, localID)
	}
	c.mu.Lock()
	if c.current != nil && c.current.Resolution() == Unresolved {
		c.mu.Unlock()
		return nil, ErrOfferActive
	}
	c.mu.Unlock()

	env, err := signal.NewEnvelope(signal.KindJobOffer, localID, c.pool, signal.JobOffer{
		RequesterID:   localID,
		ServiceType:   req.ServiceType,
		Notes:         req.Notes,
		Location:      req.Location,
		CandidatePool: req.Candidates,
	})
	if err != nil {
		return nil, err
	}

	now := time.Now()
	o := &Offer{
		ID:          env.ID,
		RequesterID: localID,
		Request:     req,
		SentAt:      now,
		Deadline:    now.Add(c.window),
	}

	c.mu.Lock()
	if c.current != nil && c.current.Resolution() == Unresolved {
		c.mu.Unlock()
		return nil, ErrOfferActive
	}
	c.current = o
	c.mu.Unlock()

	if err := c.ch.Publish(ctx, env); err != nil {
		o.resolve(Expired, "", "")
		c.mu.Lock()
		c.current = nil
		c.mu.Unlock()
		return nil, fmt.Errorf("broadcast offer: %w", err)
	}

	o.mu.Lock()
	o.timer = time.AfterFunc(c.window, func() { c.expire(o, "acceptance window lapsed") })
	o.mu.Unlock()

	log.Infof("offer %s (%s) broadcast to %s, window %s", o.ID, req.ServiceType, c.pool, c.window)
	return o, nil
}

// expire is the local window lapsing. Loses to any resolution that already
// happened.
func (c *Coordinator) expire(o *Offer, reason string) {
	if !o.resolve(Expired, "", "") {
		return
	}
	log.Infof("offer %s expired: %s", o.ID, reason)
	c.report(Update{Offer: o, Resolution: Expired, Reason: reason})
}

// Close detaches from the channel and stops any running window timer. An
// unresolved offer is left unresolved; the relay outcome is simply no
// longer observed.
func (c *Coordinator) Close() {
	select {
	case <-c.done:
		return
	default:
		close(c.done)
	}
	c.cancelSub()
	c.mu.Lock()
	o := c.current
	c.mu.Unlock()
	if o != nil {
		o.mu.Lock()
		if o.timer != nil {
			o.timer.Stop()
			o.timer = nil
		}
		o.mu.Unlock()
	}
}

func (c *Coordinator) route(in <-chan *signal.Envelope) {
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

func (c *Coordinator) handle(env *signal.Envelope) {
	defer func() {
		if r := recover(); r != nil {
			log.Errorf("coordinator handler panic on %s: %v", env.Kind, r)
		}
	}()

	c.mu.Lock()
	o := c.current
	c.mu.Unlock()
	if o == nil || !c.ids.Owns(env.To) || env.To != o.RequesterID {
		log.Debugf("%s with no open offer here, dropped", env.Kind)
		return
	}

	switch env.Kind {
	case signal.KindJobAssigned:
		var p signal.JobAssigned
		if err := env.Decode(&p); err != nil {
			log.Warnf("malformed job-assigned: %v", err)
			return
		}
		if !o.resolve(Assigned, p.CandidateID, p.JobID) {
			// Window already lapsed locally, or a duplicate delivery.
			log.Debugf("job-assigned %s after resolution, dropped", p.JobID)
			return
		}
		u := Update{Offer: o, Resolution: Assigned}
		if err := c.confirm(o, p.JobID); err != nil {
			// Never a silent half-assignment: the caller sees the failure.
			log.Errorf("confirm job %s: %v", p.JobID, err)
			u.Reason = fmt.Sprintf("assignment unconfirmed: %v", err)
		}
		log.Infof("offer %s assigned to %s as job %s", o.ID, p.CandidateID, p.JobID)
		c.report(u)

	case signal.KindJobExpired:
		var p signal.JobExpired
		if err := env.Decode(&p); err != nil {
			log.Warnf("malformed job-expired: %v", err)
			return
		}
		c.expire(o, p.Reason)
	}
}

// confirm acknowledges the assignment. Reached only through the winning
// resolve, so it runs at most once per offer.
func (c *Coordinator) confirm(o *Offer, jobID string) error {
	env, err := signal.NewEnvelope(signal.KindJobConfirm, o.RequesterID, c.pool, signal.JobConfirm{
		JobID: jobID,
	})
	if err != nil {
		return err
	}
	return c.ch.Publish(context.Background(), env)
}

// report runs the update hook. It also fires from the window timer
// goroutine, so it carries its own recover.
func (c *Coordinator) report(u Update) {
	defer func() {
		if r := recover(); r != nil {
			log.Errorf("update hook panic on offer %s: %v", u.Offer.ID, r)
		}
	}()
	c.mu.Lock()
	fn := c.onUpdate
	c.mu.Unlock()
	if fn != nil {
		fn(u)
	}
}
