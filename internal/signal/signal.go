// Package signal defines the typed envelope contract carried over the
// signaling channel and the Channel interface every transport implements.
// The channel is a process-wide singleton: connect once at application
// startup, close once at teardown. Components register listeners per mount
// and must detach them on unmount — never assume a fresh channel per use.
package signal

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Kind identifies the type of a signaling message. The payload shape is
// fully determined by the kind.
type Kind string

const (
	// Call negotiation — caller ↔ callee.
	KindCallInvite   Kind = "call-invite"
	KindCallAccept   Kind = "call-accept"
	KindCallReject   Kind = "call-reject"
	KindCallEnd      Kind = "call-end"
	KindICECandidate Kind = "ice-candidate"

	// Job dispatch — requester ↔ pool, resolution relayed by the backend.
	KindJobOffer    Kind = "job-offer"
	KindJobAccept   Kind = "job-accept"
	KindJobAssigned Kind = "job-assigned"
	KindJobConfirm  Kind = "job-confirm"
	KindJobExpired  Kind = "job-expired"
)

// PoolPrefix marks a recipient id as a dispatch pool rather than a single
// endpoint. Pool recipients fan out to every endpoint joined to that pool.
const PoolPrefix = "pool:"

// IsPool reports whether a recipient id addresses a dispatch pool.
func IsPool(recipient string) bool {
	return len(recipient) > len(PoolPrefix) && recipient[:len(PoolPrefix)] == PoolPrefix
}

// Envelope is one signaling message on the wire. Delivery is at-least-once
// and unordered across sender/recipient pairs; every consumer must check its
// own state before acting on an envelope.
type Envelope struct {
	ID      string          `json:"id"`
	Kind    Kind            `json:"kind"`
	From    string          `json:"from"`
	To      string          `json:"to"` // endpoint id or pool id
	TS      int64           `json:"ts"` // unix millis at send
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewEnvelope builds an envelope with a fresh id and the payload marshalled.
func NewEnvelope(kind Kind, from, to string, payload any) (*Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", kind, err)
	}
	return &Envelope{
		ID:      uuid.NewString(),
		Kind:    kind,
		From:    from,
		To:      to,
		TS:      time.Now().UnixMilli(),
		Payload: raw,
	}, nil
}

// Decode unmarshals the envelope payload into out.
func (e *Envelope) Decode(out any) error {
	if err := json.Unmarshal(e.Payload, out); err != nil {
		return fmt.Errorf("decode %s payload: %w", e.Kind, err)
	}
	return nil
}

// Channel is the bidirectional signaling bus between named endpoints.
// Implementations relay envelopes through an external transport (websocket
// relay, libp2p pubsub) or deliver in-process (Loopback). A Channel only
// delivers envelopes addressed to one of its local endpoint ids or to a pool
// it has joined; everything else is the transport's problem.
type Channel interface {
	// Publish sends env to its recipient. Best effort beyond the local
	// transport write: the relay owns redelivery.
	Publish(ctx context.Context, env *Envelope) error

	// Subscribe registers a listener for inbound envelopes of the given
	// kinds (no kinds = all). The returned cancel detaches the listener and
	// closes the channel; it is safe to call more than once.
	Subscribe(kinds ...Kind) (<-chan *Envelope, func())

	// Close tears the channel down and detaches all listeners.
	Close() error
}
