// Package identity carries the local endpoint identities and persists the
// last known identity between runs. An installation may hold both a customer
// and an expert identity (the same person can play either role); inbound
// invitations are routed to whichever local id the caller is not.
package identity

import "errors"

// ErrUnknownPeer is returned when neither local identity can pair with a
// remote id.
var ErrUnknownPeer = errors.New("identity: caller matches no routable local identity")

// Roles on the marketplace.
const (
	RoleCustomer = "customer"
	RoleExpert   = "expert"
)

// Context is the resolved identity of this installation, passed explicitly
// into the call manager, arbitrator and dispatch coordinator at
// construction. Handlers never reach into ambient storage for it.
type Context struct {
	CustomerID  string
	ExpertID    string
	DisplayName string
	// Token is the bearer token minted by the excluded auth subsystem.
	Token string
}

// Owns reports whether id is one of the local endpoint ids.
func (c Context) Owns(id string) bool {
	return id != "" && (id == c.CustomerID || id == c.ExpertID)
}

// IDs returns the non-empty local endpoint ids.
func (c Context) IDs() []string {
	var out []string
	if c.CustomerID != "" {
		out = append(out, c.CustomerID)
	}
	if c.ExpertID != "" {
		out = append(out, c.ExpertID)
	}
	return out
}

// LocalFor resolves which local identity an inbound call from callerID is
// addressed to: the one that does not match the caller. With both roles
// present and a caller matching neither, the expert identity wins — experts
// receive customer calls, and customer-to-customer calls do not exist.
func (c Context) LocalFor(callerID string) (string, error) {
	switch {
	case callerID == "":
		return "", ErrUnknownPeer
	case callerID == c.CustomerID && c.ExpertID != "":
		return c.ExpertID, nil
	case callerID == c.ExpertID && c.CustomerID != "":
		return c.CustomerID, nil
	case c.ExpertID != "":
		return c.ExpertID, nil
	case c.CustomerID != "":
		return c.CustomerID, nil
	}
	return "", ErrUnknownPeer
}

// RoleOf returns the role string for one of the local ids, or "" if the id
// is not local.
func (c Context) RoleOf(id string) string {
	switch id {
	case c.CustomerID:
		return RoleCustomer
	case c.ExpertID:
		return RoleExpert
	}
	return ""
}
