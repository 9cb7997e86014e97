package app

import (
	"sync"
	"time"

	"github.com/pterm/pterm"
)

// ringInterval paces the looped cue.
const ringInterval = 2 * time.Second

// ConsoleRinger loops an incoming-call line on the terminal until stopped.
// Start and Stop are idempotent; the cue survives a newer invitation
// replacing the pending one without restarting.
type ConsoleRinger struct {
	mu   sync.Mutex
	stop chan struct{}
}

func NewConsoleRinger() *ConsoleRinger {
	return &ConsoleRinger{}
}

func (r *ConsoleRinger) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stop != nil {
		return
	}
	r.stop = make(chan struct{})
	go r.loop(r.stop)
}

func (r *ConsoleRinger) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stop == nil {
		return
	}
	close(r.stop)
	r.stop = nil
}

func (r *ConsoleRinger) loop(stop chan struct{}) {
	t := time.NewTicker(ringInterval)
	defer t.Stop()
	pterm.Warning.Println("\a☎ incoming call — 'accept' or 'reject'")
	for {
		select {
		case <-stop:
			return
		case <-t.C:
			pterm.Warning.Println("\a☎ ringing…")
		}
	}
}
