// Package dispatch runs the job-offer lifecycle on both sides of the
// marketplace: the coordinator broadcasts a requester's offer to the expert
// pool and resolves it exactly once, the candidate surfaces offers an expert
// is listed on and races to claim them. The relay is authoritative for the
// claim race; clients only ever observe its resolution.
package dispatch

import (
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"

	"github.com/fieldside/fieldside/internal/signal"
)

var log = logging.Logger("dispatch")

// DefaultWindow is how long an offer stays open for acceptance.
const DefaultWindow = 20 * time.Second

// Resolution is the terminal outcome of an offer. An offer resolves exactly
// once; later signals for it are dropped.
type Resolution int

const (
	Unresolved Resolution = iota
	Assigned
	Expired
)

func (r Resolution) String() string {
	switch r {
	case Assigned:
		return "assigned"
	case Expired:
		return "expired"
	default:
		return "unresolved"
	}
}

// JobRequest is what a requester submits: the service asked for, where, and
// which experts may claim it. Candidate eligibility is decided upstream; the
// coordinator broadcasts to whatever list it is handed.
type JobRequest struct {
	ServiceType string
	Notes       string
	Location    signal.Location
	Candidates  []string
}

// Offer is the coordinator's record of one broadcast request. Reads are safe
// from any goroutine; resolution is internal to the coordinator.
type Offer struct {
	ID          string // envelope id of the job-offer broadcast
	RequesterID string
	Request     JobRequest
	SentAt      time.Time
	Deadline    time.Time

	mu         sync.Mutex
	resolution Resolution
	winnerID   string // candidate id, when Assigned
	jobID      string // relay-minted job id, when Assigned
	timer      *time.Timer
}

// Resolution returns the offer outcome so far.
func (o *Offer) Resolution() Resolution {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.resolution
}

// Winner returns the assigned candidate and the relay-minted job id. Both
// are empty until the offer resolves Assigned.
func (o *Offer) Winner() (candidateID, jobID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.winnerID, o.jobID
}

// resolve moves the offer to a terminal state. Returns false when it was
// already terminal, which makes the window timer and the relay's resolution
// race to exactly one winner.
func (o *Offer) resolve(r Resolution, candidateID, jobID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.resolution != Unresolved {
		return false
	}
	o.resolution = r
	o.winnerID = candidateID
	o.jobID = jobID
	if o.timer != nil {
		o.timer.Stop()
		o.timer = nil
	}
	return true
}
