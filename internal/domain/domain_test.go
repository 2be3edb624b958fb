package domain

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pombredanne/paf/internal/filter"
	"github.com/pombredanne/paf/internal/props"
	"github.com/pombredanne/paf/internal/resource"
	"golang.org/x/time/rate"
)

type fakeSession struct {
	id          uint64
	user        string
	addr        string
	connectedAt time.Time

	mu   sync.Mutex
	recv []Notification
}

func (s *fakeSession) ClientID() uint64         { return s.id }
func (s *fakeSession) User() string             { return s.user }
func (s *fakeSession) RemoteAddr() string       { return s.addr }
func (s *fakeSession) ConnectedAt() time.Time   { return s.connectedAt }
func (s *fakeSession) Deliver(n Notification) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recv = append(s.recv, n)
}

func (s *fakeSession) notifications() []Notification {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Notification, len(s.recv))
	copy(out, s.recv)
	return out
}

func newTestDomain(t *testing.T) (*Domain, func()) {
	t.Helper()
	acct := resource.New(resource.Limits{}, rate.Inf, 1)
	d := New("test", acct, filter.NewCache(64), 0)
	ctx, cancel := context.WithCancel(context.Background())
	go d.Run(ctx)
	return d, cancel
}

func registerOrFail(t *testing.T, d *Domain, sess *fakeSession) uint64 {
	t.Helper()
	id, err := d.RegisterSession(sess)
	if err != nil {
		t.Fatalf("register session: %v", err)
	}
	sess.id = id
	return id
}

func mustProps(t *testing.T, kv ...interface{}) *props.Props {
	t.Helper()
	p := props.New()
	for i := 0; i < len(kv); i += 2 {
		p.Add(kv[i].(string), props.Str(kv[i+1].(string)))
	}
	return p
}

func TestGenerationMonotonicity(t *testing.T) {
	d, cancel := newTestDomain(t)
	defer cancel()

	publisher := &fakeSession{user: "alice", addr: "10.0.0.1:1"}
	registerOrFail(t, d, publisher)

	p := mustProps(t, "name", "svc")
	if fail := d.Publish(publisher.id, PublishRequest{ServiceID: 1, Generation: 1, Props: p, TTL: 60}); fail != FailNone {
		t.Fatalf("initial publish: %v", fail)
	}
	if fail := d.Publish(publisher.id, PublishRequest{ServiceID: 1, Generation: 1, Props: p, TTL: 60}); fail != FailOldGeneration {
		t.Fatalf("same generation, same props: got %v, want old-generation", fail)
	}
	p2 := mustProps(t, "name", "svc2")
	if fail := d.Publish(publisher.id, PublishRequest{ServiceID: 1, Generation: 1, Props: p2, TTL: 60}); fail != FailSameGenerationDifferent {
		t.Fatalf("same generation, different props: got %v, want same-generation-but-different", fail)
	}
	if fail := d.Publish(publisher.id, PublishRequest{ServiceID: 1, Generation: 0, Props: p, TTL: 60}); fail != FailOldGeneration {
		t.Fatalf("lower generation: got %v, want old-generation", fail)
	}
	if fail := d.Publish(publisher.id, PublishRequest{ServiceID: 1, Generation: 2, Props: p2, TTL: 60}); fail != FailNone {
		t.Fatalf("higher generation: got %v", fail)
	}
}

func TestPublishRejectsReowningLiveService(t *testing.T) {
	d, cancel := newTestDomain(t)
	defer cancel()

	a := &fakeSession{user: "alice", addr: "10.0.0.1:1"}
	b := &fakeSession{user: "alice", addr: "10.0.0.1:2"}
	registerOrFail(t, d, a)
	registerOrFail(t, d, b)

	p := mustProps(t, "name", "svc")
	if fail := d.Publish(a.id, PublishRequest{ServiceID: 1, Generation: 0, Props: p, TTL: 60}); fail != FailNone {
		t.Fatalf("publish: %v", fail)
	}
	if fail := d.Publish(b.id, PublishRequest{ServiceID: 1, Generation: 1, Props: p, TTL: 60}); fail != FailPermissionDenied {
		t.Fatalf("re-owning a live service from a different session: got %v, want permission-denied", fail)
	}
}

func TestOrphanRoundTrip(t *testing.T) {
	d, cancel := newTestDomain(t)
	defer cancel()

	owner := &fakeSession{user: "alice", addr: "10.0.0.1:1"}
	registerOrFail(t, d, owner)
	watcher := &fakeSession{user: "bob", addr: "10.0.0.2:1"}
	registerOrFail(t, d, watcher)

	if res := d.Subscribe(watcher.id, 1, "(name=svc)"); res.Fail != FailNone {
		t.Fatalf("subscribe: %v", res.Fail)
	}

	p := mustProps(t, "name", "svc")
	if fail := d.Publish(owner.id, PublishRequest{ServiceID: 0x10, Generation: 0, Props: p, TTL: 5}); fail != FailNone {
		t.Fatalf("publish: %v", fail)
	}

	d.CloseSession(owner.id)

	newOwner := &fakeSession{user: "alice", addr: "10.0.0.1:3"}
	registerOrFail(t, d, newOwner)
	if fail := d.Publish(newOwner.id, PublishRequest{ServiceID: 0x10, Generation: 1, Props: p, TTL: 5}); fail != FailNone {
		t.Fatalf("re-adopt publish: %v", fail)
	}

	got := watcher.notifications()
	if len(got) != 2 {
		t.Fatalf("expected exactly appeared+modified, got %d notifications: %+v", len(got), got)
	}
	if got[0].Match != MatchAppeared {
		t.Fatalf("first notification = %v, want appeared", got[0].Match)
	}
	if got[1].Match != MatchModified {
		t.Fatalf("second notification = %v, want modified (never disappeared)", got[1].Match)
	}
}

func TestOrphanTimeoutEmitsDisappeared(t *testing.T) {
	d, cancel := newTestDomain(t)
	defer cancel()

	owner := &fakeSession{user: "alice", addr: "10.0.0.1:1"}
	registerOrFail(t, d, owner)
	watcher := &fakeSession{user: "bob", addr: "10.0.0.2:1"}
	registerOrFail(t, d, watcher)

	if res := d.Subscribe(watcher.id, 1, "(name=svc)"); res.Fail != FailNone {
		t.Fatalf("subscribe: %v", res.Fail)
	}
	p := mustProps(t, "name", "svc")
	if fail := d.Publish(owner.id, PublishRequest{ServiceID: 0x10, Generation: 0, Props: p, TTL: 0}); fail != FailNone {
		t.Fatalf("publish: %v", fail)
	}

	d.CloseSession(owner.id)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(watcher.notifications()) == 2 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	got := watcher.notifications()
	if len(got) != 2 {
		t.Fatalf("expected appeared+disappeared, got %d: %+v", len(got), got)
	}
	if got[1].Match != MatchDisappeared {
		t.Fatalf("second notification = %v, want disappeared", got[1].Match)
	}
}

func TestResourceDenialLeavesFirstChargeIntact(t *testing.T) {
	acct := resource.New(resource.Limits{PerUser: map[resource.Kind]int{resource.Services: 1}}, rate.Inf, 1)
	d := New("test", acct, filter.NewCache(64), 0)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)

	a := &fakeSession{user: "alice", addr: "10.0.0.1:1"}
	registerOrFail(t, d, a)

	p := mustProps(t, "name", "svc")
	if fail := d.Publish(a.id, PublishRequest{ServiceID: 1, Generation: 0, Props: p, TTL: 60}); fail != FailNone {
		t.Fatalf("first publish: %v", fail)
	}
	if fail := d.Publish(a.id, PublishRequest{ServiceID: 2, Generation: 0, Props: p, TTL: 60}); fail != FailInsufficientResources {
		t.Fatalf("second publish: got %v, want insufficient-resources", fail)
	}

	res := d.ListServices("")
	if len(res.Services) != 1 || res.Services[0].ID != 1 {
		t.Fatalf("expected only service 1 to remain, got %+v", res.Services)
	}
}

func TestUnsubscribeEmitsNoDisappeared(t *testing.T) {
	d, cancel := newTestDomain(t)
	defer cancel()

	owner := &fakeSession{user: "alice", addr: "10.0.0.1:1"}
	registerOrFail(t, d, owner)
	watcher := &fakeSession{user: "bob", addr: "10.0.0.2:1"}
	registerOrFail(t, d, watcher)

	p := mustProps(t, "name", "svc")
	if fail := d.Publish(owner.id, PublishRequest{ServiceID: 1, Generation: 0, Props: p, TTL: 60}); fail != FailNone {
		t.Fatalf("publish: %v", fail)
	}
	res := d.Subscribe(watcher.id, 1, "(name=svc)")
	if res.Fail != FailNone || len(res.Matches) != 1 {
		t.Fatalf("subscribe: fail=%v matches=%d", res.Fail, len(res.Matches))
	}
	if fail := d.Unsubscribe(watcher.id, 1); fail != FailNone {
		t.Fatalf("unsubscribe: %v", fail)
	}
	if got := watcher.notifications(); len(got) != 0 {
		t.Fatalf("unsubscribe must not emit disappeared, got %+v", got)
	}
}
