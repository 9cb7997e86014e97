package state

import (
	"testing"
	"time"
)

func TestTable(t *testing.T) {
	tbl := NewTable()

	t.Run("upsert and get", func(t *testing.T) {
		tbl.Upsert("exp-1", "expert", "Bob")
		ep, ok := tbl.Get("exp-1")
		if !ok {
			t.Fatal("endpoint missing after upsert")
		}
		if ep.Role != "expert" || ep.DisplayName != "Bob" || !ep.Reachable {
			t.Fatalf("wrong entry: %+v", ep)
		}
	})

	t.Run("upsert keeps metadata when none given", func(t *testing.T) {
		tbl.Upsert("exp-1", "", "")
		ep, _ := tbl.Get("exp-1")
		if ep.Role != "expert" || ep.DisplayName != "Bob" {
			t.Fatalf("metadata wiped: %+v", ep)
		}
	})

	t.Run("touch creates bare entries", func(t *testing.T) {
		tbl.Touch("cust-1")
		ep, ok := tbl.Get("cust-1")
		if !ok || !ep.Reachable {
			t.Fatalf("touched endpoint missing or unreachable: %+v", ep)
		}
		if ep.Role != "" {
			t.Fatalf("touch invented metadata: %+v", ep)
		}
	})

	t.Run("prune marks silent endpoints offline", func(t *testing.T) {
		now := time.Now()
		// TTL cutoff in the future: everything is "silent".
		tbl.PruneStale(now.Add(time.Minute), now.Add(-time.Hour))
		ep, ok := tbl.Get("exp-1")
		if !ok {
			t.Fatal("endpoint removed instead of marked offline")
		}
		if ep.Reachable {
			t.Fatal("silent endpoint still reachable")
		}
		if ep.OfflineSince.IsZero() {
			t.Fatal("offline time not recorded")
		}
	})

	t.Run("activity brings an endpoint back", func(t *testing.T) {
		tbl.Touch("exp-1")
		ep, _ := tbl.Get("exp-1")
		if !ep.Reachable || !ep.OfflineSince.IsZero() {
			t.Fatalf("touch did not revive: %+v", ep)
		}
	})

	t.Run("prune removes long-offline endpoints", func(t *testing.T) {
		now := time.Now()
		tbl.PruneStale(now.Add(time.Minute), now.Add(-time.Hour)) // all offline
		tbl.PruneStale(now.Add(time.Minute), now.Add(time.Hour))  // grace lapsed
		if _, ok := tbl.Get("exp-1"); ok {
			t.Fatal("endpoint survived the grace period")
		}
	})

	t.Run("snapshot is a copy", func(t *testing.T) {
		tbl.Upsert("exp-2", "expert", "")
		snap := tbl.Snapshot()
		delete(snap, "exp-2")
		if _, ok := tbl.Get("exp-2"); !ok {
			t.Fatal("mutating the snapshot touched the table")
		}
	})
}

func TestTableEvents(t *testing.T) {
	tbl := NewTable()
	ch := tbl.Subscribe()
	defer tbl.Unsubscribe(ch)

	tbl.Upsert("exp-1", "expert", "Bob")
	select {
	case evt := <-ch:
		if evt.Type != "update" || evt.EndpointID != "exp-1" {
			t.Fatalf("wrong event: %+v", evt)
		}
	case <-time.After(time.Second):
		t.Fatal("no event for upsert")
	}

	now := time.Now()
	tbl.PruneStale(now.Add(time.Minute), now.Add(-time.Hour)) // offline
	select {
	case evt := <-ch:
		if evt.Type != "update" || evt.Endpoint == nil || evt.Endpoint.Reachable {
			t.Fatalf("wrong offline event: %+v", evt)
		}
	case <-time.After(time.Second):
		t.Fatal("no event for offline transition")
	}

	tbl.PruneStale(now.Add(time.Minute), now.Add(time.Hour)) // removed
	select {
	case evt := <-ch:
		if evt.Type != "remove" || evt.EndpointID != "exp-1" {
			t.Fatalf("wrong remove event: %+v", evt)
		}
	case <-time.After(time.Second):
		t.Fatal("no event for removal")
	}
}
