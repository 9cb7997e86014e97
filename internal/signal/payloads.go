package signal

import "github.com/pion/webrtc/v4"

// ── Call negotiation payloads ────────────────────────────────────────────────
//
// Signaling sequence between caller and callee:
//
//	caller                            callee
//	──────────────────────────────────────────────────────────
//	call-invite (offer) ────────────► (ringing)
//	                    ◄──────────── call-accept (answer)
//	ice-candidate ◄─────────────────► ice-candidate (trickle)
//	call-end ◄──────────────────────► call-end (either side)
//
// call-reject replaces call-accept when the callee declines before any
// session exists on its side.

// CallInvite is sent by the caller to open a call.
type CallInvite struct {
	CalleeID   string                    `json:"calleeId"`
	CallerID   string                    `json:"callerId"`
	CallerRole string                    `json:"callerRole"` // "customer" or "expert"
	Offer      webrtc.SessionDescription `json:"offer"`
}

// CallAccept carries the callee's answer back to the caller.
type CallAccept struct {
	CallerID string                    `json:"callerId"`
	Answer   webrtc.SessionDescription `json:"answer"`
}

// CallReject tells the caller the invitation was declined.
type CallReject struct {
	CallerID string `json:"callerId"`
}

// CallEnd tears down the call on the other side. Sent by either party.
type CallEnd struct {
	PeerID string `json:"peerId"`
}

// ICECandidate trickles one connectivity candidate to the other party.
type ICECandidate struct {
	RecipientID string                  `json:"recipientId"`
	Candidate   webrtc.ICECandidateInit `json:"candidate"`
}

// ── Job dispatch payloads ────────────────────────────────────────────────────

// Location is the job site coordinates, as resolved by the excluded
// geocoding layer.
type Location struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// JobOffer fans a service request out to the dispatch pool. Eligibility of
// the pool is decided upstream; candidates only see offers listing them.
type JobOffer struct {
	RequesterID   string   `json:"requesterId"`
	ServiceType   string   `json:"serviceType"`
	Notes         string   `json:"notes"`
	Location      Location `json:"location"`
	CandidatePool []string `json:"candidatePool"`
}

// JobAccept is a candidate's claim on a requester's open offer. The relay
// resolves the race first-write-wins; clients only observe the outcome.
type JobAccept struct {
	RequesterID string `json:"requesterId"`
	CandidateID string `json:"candidateId"`
}

// JobAssigned is the relay's resolution of an offer.
type JobAssigned struct {
	CandidateID string `json:"candidateId"`
	JobID       string `json:"jobId"`
}

// JobConfirm acknowledges an assignment back to the relay. Until the
// requester has published this, the assignment is not final.
type JobConfirm struct {
	JobID string `json:"jobId"`
}

// JobExpired reports that the acceptance window lapsed with no valid accept.
type JobExpired struct {
	Reason string `json:"reason"`
}
