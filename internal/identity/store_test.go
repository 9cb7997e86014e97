package identity

import (
	"testing"
	"time"
)

func TestStore(t *testing.T) {
	dir := t.TempDir()
	store, err := OpenStore(dir)
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	t.Run("empty store has no self", func(t *testing.T) {
		_, ok, err := store.LoadSelf()
		if err != nil {
			t.Fatal(err)
		}
		if ok {
			t.Fatal("fresh store claims to hold an identity")
		}
	})

	t.Run("self round trip", func(t *testing.T) {
		self := Context{
			CustomerID:  "cust-1",
			ExpertID:    "exp-1",
			DisplayName: "Alice",
			Token:       "tok-abc",
		}
		if err := store.SaveSelf(self); err != nil {
			t.Fatal(err)
		}
		got, ok, err := store.LoadSelf()
		if err != nil {
			t.Fatal(err)
		}
		if !ok || got != self {
			t.Fatalf("loaded %+v, want %+v", got, self)
		}
	})

	t.Run("save overwrites", func(t *testing.T) {
		if err := store.SaveSelf(Context{CustomerID: "cust-2"}); err != nil {
			t.Fatal(err)
		}
		got, _, err := store.LoadSelf()
		if err != nil {
			t.Fatal(err)
		}
		if got.CustomerID != "cust-2" || got.ExpertID != "" {
			t.Fatalf("stale identity survived: %+v", got)
		}
	})

	t.Run("endpoints", func(t *testing.T) {
		if err := store.UpsertEndpoint("exp-9", RoleExpert, "Bob"); err != nil {
			t.Fatal(err)
		}
		time.Sleep(5 * time.Millisecond)
		if err := store.UpsertEndpoint("cust-9", RoleCustomer, ""); err != nil {
			t.Fatal(err)
		}
		// Metadata survives an upsert that carries none.
		if err := store.UpsertEndpoint("exp-9", "", ""); err != nil {
			t.Fatal(err)
		}

		eps, err := store.Endpoints()
		if err != nil {
			t.Fatal(err)
		}
		if len(eps) != 2 {
			t.Fatalf("got %d endpoints", len(eps))
		}
		byID := map[string]Endpoint{}
		for _, ep := range eps {
			byID[ep.ID] = ep
		}
		if ep := byID["exp-9"]; ep.Role != RoleExpert || ep.DisplayName != "Bob" {
			t.Fatalf("exp-9 metadata lost: %+v", ep)
		}
		if ep := byID["cust-9"]; ep.Role != RoleCustomer {
			t.Fatalf("cust-9 wrong: %+v", ep)
		}
	})

	t.Run("survives reopen", func(t *testing.T) {
		if err := store.Close(); err != nil {
			t.Fatal(err)
		}
		reopened, err := OpenStore(dir)
		if err != nil {
			t.Fatal(err)
		}
		defer reopened.Close()

		got, ok, err := reopened.LoadSelf()
		if err != nil {
			t.Fatal(err)
		}
		if !ok || got.CustomerID != "cust-2" {
			t.Fatalf("identity lost across reopen: %+v ok=%v", got, ok)
		}
		eps, err := reopened.Endpoints()
		if err != nil {
			t.Fatal(err)
		}
		if len(eps) != 2 {
			t.Fatalf("endpoints lost across reopen: %d", len(eps))
		}
	})
}
