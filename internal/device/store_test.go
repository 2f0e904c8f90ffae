package device

import (
	"sync"
	"testing"

	"skylink/internal/connector"
	"skylink/internal/pilotingitf"
)

type nopGuidedBackend struct{}

func (nopGuidedBackend) Activate() bool                                            { return true }
func (nopGuidedBackend) Deactivate() bool                                          { return true }
func (nopGuidedBackend) MoveToLocation(pilotingitf.LocationDirective) bool         { return true }
func (nopGuidedBackend) MoveToRelativePosition(pilotingitf.RelativeDirective) bool { return true }

func TestStoreSelfUnsubscribeDuringAdd(t *testing.T) {
	s := NewStore(testLogger())

	var first, second, third int
	var unsub func()
	unsub = s.Subscribe(func(c Change) {
		if c.Kind == Added {
			first++
			unsub()
		}
	})
	s.Subscribe(func(c Change) {
		if c.Kind == Added {
			second++
		}
	})
	s.Subscribe(func(c Change) {
		if c.Kind == Added {
			third++
		}
	})

	s.Add(New("a", Anafi4K, "", nil))
	if first != 1 || second != 1 || third != 1 {
		t.Fatalf("deliveries = %d %d %d, want 1 1 1", first, second, third)
	}

	s.Add(New("b", Anafi4K, "", nil))
	if first != 1 {
		t.Error("unsubscribed monitor called again")
	}
	if second != 2 || third != 2 {
		t.Errorf("surviving monitors = %d %d, want 2 2", second, third)
	}
}

func TestStoreUnsubscribeOtherDuringDelivery(t *testing.T) {
	s := NewStore(testLogger())
	var victim int
	var unsubVictim func()
	s.Subscribe(func(Change) { unsubVictim() })
	unsubVictim = s.Subscribe(func(Change) { victim++ })

	s.Add(New("a", Anafi4K, "", nil))
	if victim != 0 {
		t.Errorf("monitor removed earlier in delivery was called %d times", victim)
	}
}

func TestStoreForwardsDeviceChanges(t *testing.T) {
	s := NewStore(testLogger())
	d := New("a", Anafi4K, "", nil)
	s.Add(d)

	var kinds []ChangeKind
	s.Subscribe(func(c Change) { kinds = append(kinds, c.Kind) })

	d.SetName("Mine")
	d.UpdateState().Persisted(true).Commit()
	if len(kinds) != 2 || kinds[0] != Changed {
		t.Fatalf("kinds = %v", kinds)
	}

	if s.Add(New("a", Anafi4K, "", nil)) {
		t.Error("duplicate uid accepted")
	}

	s.Remove("a")
	if kinds[len(kinds)-1] != Removed {
		t.Errorf("last change = %v, want removed", kinds[len(kinds)-1])
	}
	d.SetName("After")
	if kinds[len(kinds)-1] != Removed {
		t.Error("removed device still forwards changes")
	}
	if _, ok := s.Get("a"); ok {
		t.Error("device still in store")
	}
}

func TestLiveList(t *testing.T) {
	s := NewStore(testLogger())
	s.Add(New("rc", SkyController3, "", nil))
	s.Add(New("d2", AnafiUSA, "", nil))

	var updates int
	view := NewLiveList(s,
		func(d *Device) bool { return d.Model().IsDrone() },
		func(d *Device) string { return d.UID() + ":" + string(d.State().ConnectionState) },
		func([]string) { updates++ })
	defer view.Close()

	if got := view.Items(); len(got) != 1 || got[0] != "d2:disconnected" {
		t.Fatalf("initial items = %v", got)
	}

	d1 := New("d1", Anafi4K, "", nil)
	s.Add(d1)
	if got := view.Items(); len(got) != 2 || got[0] != "d1:disconnected" {
		t.Fatalf("after add items = %v", got)
	}

	d1.UpdateState().AddConnector(connector.NewLocal(connector.USB)).ConnectionState(Connecting, CauseUserRequested).Commit()
	if got := view.Items(); got[0] != "d1:connecting" {
		t.Errorf("after change items = %v", got)
	}

	rc, _ := s.Get("rc")
	n := updates
	rc.SetName("other")
	if updates != n {
		t.Error("change to a filtered-out device updated the view")
	}

	s.Remove("d2")
	if view.Len() != 1 {
		t.Errorf("after remove len = %d", view.Len())
	}
	if updates != 3 {
		t.Errorf("updates = %d, want 3", updates)
	}
}

func TestStoreRemoveUnpublishesBeforeNotifying(t *testing.T) {
	s := NewStore(testLogger())
	d := New("a", Anafi4K, "", nil)
	s.Add(d)

	g := pilotingitf.NewGuided(d.PilotingItfs(), nopGuidedBackend{})
	g.Publish()
	g.Update().State(pilotingitf.Active).Commit()
	if g.State() != pilotingitf.Active {
		t.Fatalf("state = %s, want active", g.State())
	}

	var seen bool
	s.Subscribe(func(c Change) {
		if c.Kind != Removed {
			return
		}
		seen = true
		if _, ok := c.Device.PilotingItfs().Lookup(pilotingitf.GuidedDesc.Key()); ok {
			t.Error("guided still published when removal is reported")
		}
		if g.State() != pilotingitf.Unavailable {
			t.Errorf("guided state on removal = %s, want unavailable", g.State())
		}
	})

	s.Remove("a")
	if !seen {
		t.Fatal("removal not reported")
	}
}

func TestLiveListFollowsConcurrentAdds(t *testing.T) {
	s := NewStore(testLogger())

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for _, uid := range []string{"a", "b", "c", "d", "e", "f", "g", "h"} {
			s.Add(New(uid, Anafi4K, "", nil))
		}
	}()
	view := NewLiveList(s, nil, func(d *Device) string { return d.UID() }, nil)
	defer view.Close()
	wg.Wait()

	if view.Len() != 8 {
		t.Errorf("len = %d, want 8: %v", view.Len(), view.Items())
	}
}
