package app

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/pterm/pterm"

	"github.com/fieldside/fieldside/internal/call"
	"github.com/fieldside/fieldside/internal/dispatch"
	"github.com/fieldside/fieldside/internal/identity"
	"github.com/fieldside/fieldside/internal/state"
)

// console is the interactive command surface of the agent. It is a thin
// shell over the engines; all state lives in them.
type console struct {
	ids   identity.Context
	peers *state.Table
	mgr   *call.Manager
	arb   *call.Arbitrator
	coord *dispatch.Coordinator
	cand  *dispatch.Candidate
}

func newConsole(ids identity.Context, peers *state.Table, mgr *call.Manager,
	arb *call.Arbitrator, coord *dispatch.Coordinator, cand *dispatch.Candidate) *console {
	c := &console{ids: ids, peers: peers, mgr: mgr, arb: arb, coord: coord, cand: cand}

	arb.OnInvite(func(inv call.Invitation) {
		pterm.Info.Printfln("incoming call from %s (%s)", short(inv.CallerID), inv.CallerRole)
	})
	mgr.OnSession(func(s *call.Session) {
		if s == nil {
			pterm.Info.Println("call ended")
			return
		}
		s.OnState(func(st call.State) {
			pterm.Debug.Printfln("call %s: %s", short(s.RemoteID()), st)
		})
	})
	coord.OnUpdate(func(u dispatch.Update) {
		switch u.Resolution {
		case dispatch.Assigned:
			winner, jobID := u.Offer.Winner()
			pterm.Success.Printfln("job %s assigned to %s", jobID, short(winner))
		case dispatch.Expired:
			pterm.Warning.Printfln("offer expired: %s", u.Reason)
		}
	})
	cand.OnOffer(func(o dispatch.CandidateOffer) {
		pterm.Info.Printfln("job offer: %s at (%.4f, %.4f) — 'claim' to take it",
			o.ServiceType, o.Location.Lat, o.Location.Lng)
	})
	cand.OnOutcome(func(o dispatch.Outcome) {
		if o.Won {
			pterm.Success.Printfln("you got job %s", o.JobID)
		} else {
			pterm.Info.Println("offer went elsewhere")
		}
	})
	return c
}

func (c *console) run(ctx context.Context) {
	pterm.Info.Printfln("fieldside agent — customer %s, expert %s",
		short(c.ids.CustomerID), short(c.ids.ExpertID))
	pterm.Info.Println("type 'help' for commands")

	sc := bufio.NewScanner(os.Stdin)
	for sc.Scan() {
		if ctx.Err() != nil {
			return
		}
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		if err := c.exec(ctx, fields[0], fields[1:]); err != nil {
			pterm.Error.Println(err)
		}
	}
}

func (c *console) exec(ctx context.Context, cmd string, args []string) error {
	switch cmd {
	case "help":
		c.help()

	case "peers":
		c.listPeers()

	case "call":
		if len(args) < 1 {
			return fmt.Errorf("usage: call <endpoint-id>")
		}
		remote := c.expand(args[0])
		role := identity.RoleExpert
		if ep, ok := c.peers.Get(remote); ok && ep.Role != "" {
			role = ep.Role
		}
		localID := c.ids.CustomerID
		if role == identity.RoleCustomer {
			localID = c.ids.ExpertID
		}
		_, err := c.mgr.Start(ctx, localID, remote, role)
		return err

	case "accept":
		_, err := c.arb.Accept(ctx)
		return err

	case "reject":
		return c.arb.Reject(ctx)

	case "hangup", "end":
		c.mgr.End(ctx)

	case "mute":
		if s, ok := c.mgr.Active(); ok {
			pterm.Info.Printfln("audio muted: %v", s.ToggleAudio())
		}

	case "video":
		if s, ok := c.mgr.Active(); ok {
			pterm.Info.Printfln("video disabled: %v", s.ToggleVideo())
		}

	case "request":
		if len(args) < 1 {
			return fmt.Errorf("usage: request <service-type> [notes…]")
		}
		req := dispatch.JobRequest{
			ServiceType: args[0],
			Notes:       strings.Join(args[1:], " "),
			Candidates:  c.knownExperts(),
		}
		o, err := c.coord.Submit(ctx, c.ids.CustomerID, req)
		if err != nil {
			return err
		}
		pterm.Info.Printfln("searching for a %s until %s…",
			req.ServiceType, o.Deadline.Format("15:04:05"))

	case "claim":
		return c.cand.Accept(ctx)

	default:
		return fmt.Errorf("unknown command %q, try 'help'", cmd)
	}
	return nil
}

func (c *console) help() {
	pterm.Println(`commands:
  peers                      list endpoints seen on the channel
  call <endpoint-id>         start a call (id prefix is enough)
  accept | reject            answer the pending invitation
  hangup                     end the active call
  mute | video               toggle local tracks
  request <service> [notes]  broadcast a job offer to the expert pool
  claim                      claim the job offer on the table`)
}

func (c *console) listPeers() {
	snap := c.peers.Snapshot()
	ids := make([]string, 0, len(snap))
	for id := range snap {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	rows := pterm.TableData{{"endpoint", "role", "name", "state", "last seen"}}
	for _, id := range ids {
		ep := snap[id]
		st := "online"
		if !ep.Reachable {
			st = "offline"
		}
		rows = append(rows, []string{
			short(id), ep.Role, ep.DisplayName, st, ep.LastSeen.Format("15:04:05"),
		})
	}
	_ = pterm.DefaultTable.WithHasHeader().WithData(rows).Render()
}

// expand resolves an id prefix typed at the console against the presence
// table. Unknown prefixes pass through unchanged.
func (c *console) expand(prefix string) string {
	for id := range c.peers.Snapshot() {
		if strings.HasPrefix(id, prefix) {
			return id
		}
	}
	return prefix
}

// knownExperts is the candidate list for a job offer: every expert endpoint
// the presence table currently holds. Real eligibility lives upstream; this
// is the best a standalone agent can do.
func (c *console) knownExperts() []string {
	var out []string
	for id, ep := range c.peers.Snapshot() {
		if ep.Role == identity.RoleExpert && !c.ids.Owns(id) {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

func short(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
