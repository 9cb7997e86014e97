// Package app wires the signaling channel, call engine and dispatch engine
// into a running terminal agent. One process is one installation: it may
// hold a customer identity, an expert identity, or both.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	logging "github.com/ipfs/go-log/v2"

	"github.com/fieldside/fieldside/internal/call"
	"github.com/fieldside/fieldside/internal/config"
	"github.com/fieldside/fieldside/internal/dispatch"
	"github.com/fieldside/fieldside/internal/identity"
	"github.com/fieldside/fieldside/internal/signal"
	"github.com/fieldside/fieldside/internal/signal/p2psig"
	"github.com/fieldside/fieldside/internal/signal/relay"
	"github.com/fieldside/fieldside/internal/state"
)

var log = logging.Logger("app")

// presenceTTL is how long since last contact before an endpoint shows
// offline; presenceGrace is how much longer before it is dropped entirely.
const (
	presenceTTL   = 2 * time.Minute
	presenceGrace = 30 * 24 * time.Hour
)

type Options struct {
	CfgPath string
	Cfg     config.Config
	// Interactive disables the console when false (headless soak runs).
	Interactive bool
}

// Run brings the agent up and blocks until ctx is cancelled. State worth
// keeping (identity, endpoints seen) is persisted on the way down.
func Run(ctx context.Context, opt Options) error {
	cfg := opt.Cfg
	config.ApplyLogLevels(cfg)

	store, err := identity.OpenStore(cfg.Data.Dir)
	if err != nil {
		return fmt.Errorf("open identity store: %w", err)
	}
	defer store.Close()

	ids, err := resolveIdentity(store, cfg)
	if err != nil {
		return err
	}
	log.Infof("running as customer=%s expert=%s", ids.CustomerID, ids.ExpertID)

	ch, err := openChannel(ctx, cfg, ids)
	if err != nil {
		return err
	}
	defer ch.Close()

	// Presence rides on signaling traffic: every inbound envelope proves the
	// sender reachable.
	peers := state.NewTable()
	seedPresence(peers, store)
	allIn, cancelAll := ch.Subscribe()
	defer cancelAll()
	go trackPresence(ctx, peers, allIn)
	go prunePresence(ctx, peers)

	media := &call.DeviceProvider{Config: call.MediaConfig{
		Audio:        cfg.Media.Audio,
		Video:        cfg.Media.Video,
		VideoBitRate: cfg.Media.VideoBitRate,
		STUNServers:  cfg.Media.STUNServers,
	}}

	mgr := call.NewManager(ch, ids, media)
	defer mgr.Close()

	ringer := NewConsoleRinger()
	arb := call.NewArbitrator(ch, ids, mgr, ringer)
	defer arb.Close()

	coord := dispatch.NewCoordinator(ch, ids, cfg.Signal.Pool,
		time.Duration(cfg.Dispatch.WindowSec)*time.Second)
	defer coord.Close()

	cand := dispatch.NewCandidate(ch, ids)
	defer cand.Close()

	// Config edits take effect live where they can; transport and identity
	// changes need a restart.
	stopWatch, err := config.Watch(opt.CfgPath, func(next config.Config) {
		if next.Signal.Transport != cfg.Signal.Transport || next.Signal.RelayURL != cfg.Signal.RelayURL {
			log.Warnf("signal transport changed in config; restart to apply")
		}
	})
	if err != nil {
		log.Warnf("config watch: %v", err)
	} else {
		defer stopWatch()
	}

	if opt.Interactive {
		console := newConsole(ids, peers, mgr, arb, coord, cand)
		go console.run(ctx)
	}

	<-ctx.Done()
	shutdown(store, ids, peers)
	return nil
}

// resolveIdentity loads the persisted identity or mints a fresh one. A new
// installation gets both roles; config supplies display name and token.
func resolveIdentity(store *identity.Store, cfg config.Config) (identity.Context, error) {
	ids, ok, err := store.LoadSelf()
	if err != nil {
		return identity.Context{}, fmt.Errorf("load identity: %w", err)
	}
	if !ok {
		ids = identity.Context{
			CustomerID: uuid.NewString(),
			ExpertID:   uuid.NewString(),
		}
		log.Infof("minted new identity")
	}
	ids.DisplayName = cfg.Identity.DisplayName
	ids.Token = cfg.Identity.Token
	if err := store.SaveSelf(ids); err != nil {
		return identity.Context{}, fmt.Errorf("save identity: %w", err)
	}
	return ids, nil
}

// openChannel builds the signaling channel the config asks for. Only
// installations with an expert identity join the dispatch pool.
func openChannel(ctx context.Context, cfg config.Config, ids identity.Context) (signal.Channel, error) {
	var pools []string
	if ids.ExpertID != "" && cfg.Signal.Pool != "" {
		pools = append(pools, cfg.Signal.Pool)
	}
	switch cfg.Signal.Transport {
	case "p2p":
		return p2psig.New(ctx, p2psig.Options{
			ListenPort: cfg.Signal.ListenPort,
			MdnsTag:    cfg.Signal.MdnsTag,
			Bootstrap:  cfg.Signal.Bootstrap,
			Endpoints:  ids.IDs(),
			Pools:      pools,
		})
	default:
		return relay.Dial(ctx, relay.Options{
			URL:       cfg.Signal.RelayURL,
			Token:     ids.Token,
			Endpoints: ids.IDs(),
			Pools:     pools,
		})
	}
}

func seedPresence(peers *state.Table, store *identity.Store) {
	eps, err := store.Endpoints()
	if err != nil {
		log.Warnf("load endpoints: %v", err)
		return
	}
	for _, ep := range eps {
		peers.Upsert(ep.ID, ep.Role, ep.DisplayName)
	}
}

func trackPresence(ctx context.Context, peers *state.Table, in <-chan *signal.Envelope) {
	for {
		select {
		case <-ctx.Done():
			return
		case env, ok := <-in:
			if !ok {
				return
			}
			if env.From == "" {
				continue
			}
			if env.Kind == signal.KindCallInvite {
				var p signal.CallInvite
				if env.Decode(&p) == nil {
					peers.Upsert(p.CallerID, p.CallerRole, "")
					continue
				}
			}
			peers.Touch(env.From)
		}
	}
}

func prunePresence(ctx context.Context, peers *state.Table) {
	t := time.NewTicker(30 * time.Second)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			peers.PruneStale(now.Add(-presenceTTL), now.Add(-presenceGrace))
		}
	}
}

// shutdown persists what the next run wants back: the identity and every
// endpoint seen this run.
func shutdown(store *identity.Store, ids identity.Context, peers *state.Table) {
	if err := store.SaveSelf(ids); err != nil {
		log.Errorf("persist identity: %v", err)
	}
	for id, ep := range peers.Snapshot() {
		if err := store.UpsertEndpoint(id, ep.Role, ep.DisplayName); err != nil {
			log.Warnf("persist endpoint %s: %v", id, err)
		}
	}
}
