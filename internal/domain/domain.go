// Package domain implements the authoritative service catalogue and
// subscription engine of spec §3/§4.2: one Domain owns a set of services,
// a set of subscriptions, and the sessions currently attached to it, and
// applies every command atomically by funnelling it through a single
// owning goroutine — the idiomatic-Go shape of the cooperative
// single-threaded event loop spec §5 describes.
package domain

import (
	"context"
	"sort"
	"time"

	"github.com/pombredanne/paf/internal/filter"
	"github.com/pombredanne/paf/internal/logger"
	"github.com/pombredanne/paf/internal/props"
	"github.com/pombredanne/paf/internal/resource"
	"github.com/pombredanne/paf/internal/svcutil"
)

var l = logger.DefaultLogger.NewFacility("domain", "catalogue mutation and orphan expiry")

// FailReason is the domain's own closed set of command outcomes. The
// session layer maps these onto the wire's FailReason codes; keeping the
// two separate lets the domain express distinctions (like
// old-generation-mismatch-owner) that the wire protocol collapses onto a
// coarser code.
type FailReason string

const (
	FailNone                     FailReason = ""
	FailOldGeneration            FailReason = "old-generation"
	FailSameGenerationDifferent  FailReason = "same-generation-but-different"
	FailPermissionDenied         FailReason = "permission-denied"
	FailOldGenerationMismatchOwn FailReason = "old-generation-mismatch-owner"
	FailNonExistentService       FailReason = "non-existent-service"
	FailNonExistentSubscription  FailReason = "non-existent-subscription"
	FailSubscriptionIDExists     FailReason = "subscription-id-exists"
	FailFilterSyntaxError        FailReason = "filter-syntax-error"
	FailInsufficientResources    FailReason = "insufficient-resources"
)

// MatchKind mirrors wire.MatchType without importing the wire package,
// keeping the domain ignorant of wire framing.
type MatchKind int

const (
	MatchAppeared MatchKind = iota
	MatchModified
	MatchDisappeared
)

// Notification is one subscription match-state change, addressed to the
// subscription's owning client.
type Notification struct {
	SubscriptionID uint64
	Match          MatchKind
	ServiceID      uint64
	Generation     uint32
	Props          *props.Props
	TTL            uint32
	OwnerClient    uint64
	OrphanSince    time.Time
}

// SessionHandle is the domain's view of a live session: enough to deliver
// asynchronous notifications and to answer `clients` listings. The
// session package implements this.
type SessionHandle interface {
	ClientID() uint64
	User() string
	RemoteAddr() string
	ConnectedAt() time.Time
	Deliver(n Notification)
}

// ServiceSnapshot is one row of a `services` listing.
type ServiceSnapshot struct {
	ID          uint64
	Generation  uint32
	Props       *props.Props
	TTL         uint32
	OwnerClient uint64
	OrphanSince time.Time
}

// SubscriptionSnapshot is one row of a `subscriptions` listing.
type SubscriptionSnapshot struct {
	ID          uint64
	OwnerClient uint64
	FilterText  string
}

// ClientSnapshot is one row of a `clients` listing.
type ClientSnapshot struct {
	ID          uint64
	RemoteAddr  string
	ConnectedAt time.Time
}

// Domain is one namespace's catalogue, subscription set, and live-session
// registry, plus the resource accountant admission decisions are checked
// against.
type Domain struct {
	name           string
	accountant     *resource.Accountant
	filterCache    *filter.Cache
	maxFilterNodes int

	cmds chan func()

	services      map[uint64]*Service
	subscriptions map[uint64]*Subscription
	sessions      map[uint64]SessionHandle
	ownedServices map[uint64]map[uint64]struct{}
	ownedSubs     map[uint64]map[uint64]struct{}
	orphans       *orphanSchedule

	nextClientID uint64
}

// New creates a Domain. maxFilterNodes caps the node count of any single
// compiled filter (0 = unlimited), checked before the subscription's
// filter_nodes charge is attempted.
func New(name string, accountant *resource.Accountant, filterCache *filter.Cache, maxFilterNodes int) *Domain {
	return &Domain{
		name:           name,
		accountant:     accountant,
		filterCache:    filterCache,
		maxFilterNodes: maxFilterNodes,
		cmds:           make(chan func()),
		services:       make(map[uint64]*Service),
		subscriptions:  make(map[uint64]*Subscription),
		sessions:       make(map[uint64]SessionHandle),
		ownedServices:  make(map[uint64]map[uint64]struct{}),
		ownedSubs:      make(map[uint64]map[uint64]struct{}),
		orphans:        newOrphanSchedule(),
	}
}

func (d *Domain) Name() string { return d.name }

// Run owns the domain's state for as long as ctx is alive: every
// exported method below that reads or mutates the catalogue, the
// subscriptions or the session registry hands its work to this goroutine
// via exec and blocks until it has run, so no two commands ever observe
// or mutate the catalogue concurrently.
func (d *Domain) Run(ctx context.Context) (err error) {
	// However Run exits, the supervisor must not restart it: a fresh
	// Domain would start with an empty catalogue while every still-open
	// session believes itself registered against the old one, the same
	// reasoning lib/model's indexSender.Serve applies to its own exit.
	defer func() { err = svcutil.NoRestartErr(err) }()

	timer := time.NewTimer(time.Hour)
	timer.Stop()
	armed := false

	rearm := func() {
		if armed {
			timer.Stop()
			armed = false
		}
		if dl, ok := d.orphans.nextDeadline(); ok {
			d.rearm(timer, dl)
			armed = true
		}
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case fn := <-d.cmds:
			fn()
			rearm()
		case <-timer.C:
			armed = false
			d.expireOrphans(time.Now())
			rearm()
		}
	}
}

func (d *Domain) rearm(timer *time.Timer, deadline time.Time) {
	wait := deadline.Sub(time.Now())
	if wait < 0 {
		wait = 0
	}
	timer.Reset(wait)
}

// exec runs fn on the owning goroutine and waits for it to finish,
// returning whatever fn produced.
func exec[T any](d *Domain, fn func() T) T {
	resultCh := make(chan T, 1)
	d.cmds <- func() { resultCh <- fn() }
	return <-resultCh
}

func (d *Domain) expireOrphans(now time.Time) {
	for _, entry := range d.orphans.popReady(now) {
		svc, ok := d.services[entry.serviceID]
		if !ok || !svc.orphaned() || !svc.OrphanSince.Equal(entry.orphanSince) {
			// Stale entry: the service was re-adopted, removed, or
			// orphaned again since this entry was scheduled.
			continue
		}
		l.Debugf("domain %s: service %d orphan-timeout at ttl=%ds", d.name, svc.ID, svc.TTL)
		delete(d.services, svc.ID)
		d.untrackOwned(d.ownedServices, svc.OwnerClient, svc.ID)
		d.accountant.Release(svc.OwnerUser, resource.Services, 1)
		d.propagate(svc, true, true)
	}
}

// AdmitConnection blocks until user's per-user connection-rate token
// bucket releases one token, or ctx is cancelled. Call it before
// RegisterSession so a burst of reconnect attempts from one identity is
// throttled ahead of the domain's owning goroutine, the same division of
// labour syncthing's lib/connections/limiter.go draws between rate
// limiting (per-device token buckets) and the connection itself.
func (d *Domain) AdmitConnection(ctx context.Context, user string) error {
	return d.accountant.ConnLimiter(user).Wait(ctx)
}

// RegisterSession admits a new client connection, charging the Clients
// resource, and assigns it a server-generated client id.
func (d *Domain) RegisterSession(sess SessionHandle) (uint64, error) {
	res := exec(d, func() struct {
		id  uint64
		err error
	} {
		if err := d.accountant.Charge(sess.User(), resource.Clients, 1); err != nil {
			return struct {
				id  uint64
				err error
			}{0, err}
		}
		d.nextClientID++
		id := d.nextClientID
		d.sessions[id] = sess
		return struct {
			id  uint64
			err error
		}{id, nil}
	})
	return res.id, res.err
}

// CloseSession reverses RegisterSession's effects: subscriptions are
// dropped immediately, owned services are orphaned (never deleted here),
// and the Clients charge is released.
func (d *Domain) CloseSession(clientID uint64) {
	exec(d, func() struct{} {
		sess, ok := d.sessions[clientID]
		if !ok {
			return struct{}{}
		}
		user := sess.User()
		now := time.Now()

		for subID := range d.ownedSubs[clientID] {
			sub := d.subscriptions[subID]
			if sub == nil {
				continue
			}
			delete(d.subscriptions, subID)
			d.accountant.ReleaseMulti(sub.OwnerUser, map[resource.Kind]int{
				resource.Subscriptions: 1,
				resource.FilterNodes:   sub.Filter.NodeCount(),
			})
		}
		delete(d.ownedSubs, clientID)

		for svcID := range d.ownedServices[clientID] {
			svc := d.services[svcID]
			if svc == nil || svc.orphaned() {
				continue
			}
			svc.OrphanSince = now
			ttl := time.Duration(svc.TTL) * time.Second
			d.orphans.schedule(svc.ID, now, ttl)
			l.Debugf("domain %s: service %d orphaned by client %d, ttl=%ds", d.name, svc.ID, clientID, svc.TTL)
		}

		d.accountant.Release(user, resource.Clients, 1)
		delete(d.sessions, clientID)
		return struct{}{}
	})
}

func (d *Domain) trackOwned(set map[uint64]map[uint64]struct{}, owner, id uint64) {
	if set[owner] == nil {
		set[owner] = make(map[uint64]struct{})
	}
	set[owner][id] = struct{}{}
}

func (d *Domain) untrackOwned(set map[uint64]map[uint64]struct{}, owner, id uint64) {
	if m, ok := set[owner]; ok {
		delete(m, id)
		if len(m) == 0 {
			delete(set, owner)
		}
	}
}

// PublishRequest carries one publish command's inputs.
type PublishRequest struct {
	ServiceID  uint64
	Generation uint32
	Props      *props.Props
	TTL        uint32
}

// Publish applies an insert-or-replace against the given client's
// identity, per the generation/ownership/orphan rules of spec §4.2.
func (d *Domain) Publish(clientID uint64, req PublishRequest) FailReason {
	return exec(d, func() FailReason {
		sess, ok := d.sessions[clientID]
		if !ok {
			return FailPermissionDenied
		}
		user := sess.User()

		existing, exists := d.services[req.ServiceID]
		if !exists {
			if err := d.accountant.Charge(user, resource.Services, 1); err != nil {
				return FailInsufficientResources
			}
			svc := &Service{
				ID:          req.ServiceID,
				Generation:  req.Generation,
				Props:       req.Props,
				TTL:         req.TTL,
				OwnerClient: clientID,
				OwnerUser:   user,
			}
			d.services[svc.ID] = svc
			d.trackOwned(d.ownedServices, clientID, svc.ID)
			d.propagate(svc, false, true)
			return FailNone
		}

		if !existing.orphaned() {
			if existing.OwnerClient != clientID {
				return FailPermissionDenied
			}
			return d.applyUpdate(existing, req)
		}

		if existing.OwnerUser != user {
			// Internally distinct from a live-owner conflict, but the wire
			// protocol's closed fail-reason set has no separate code for
			// it (spec §6): surface it as permission-denied.
			return FailOldGenerationMismatchOwn
		}

		fail := d.applyUpdate(existing, req)
		if fail == FailNone {
			existing.OwnerClient = clientID
			existing.OrphanSince = time.Time{}
			d.trackOwned(d.ownedServices, clientID, existing.ID)
		}
		return fail
	})
}

// applyUpdate enforces generation monotonicity for an existing record
// (live or being re-adopted) and, on success, mutates it in place and
// propagates the resulting notification.
func (d *Domain) applyUpdate(svc *Service, req PublishRequest) FailReason {
	switch {
	case req.Generation < svc.Generation:
		return FailOldGeneration
	case req.Generation == svc.Generation:
		if svc.sameContent(req.Generation, req.Props) {
			return FailOldGeneration
		}
		return FailSameGenerationDifferent
	}

	changed := svc.Generation != req.Generation || !svc.Props.Equal(req.Props)
	svc.Generation = req.Generation
	svc.Props = req.Props
	svc.TTL = req.TTL
	d.propagate(svc, false, changed)
	return FailNone
}

// Unpublish removes a service the caller currently, live-ly owns.
func (d *Domain) Unpublish(clientID, serviceID uint64) FailReason {
	return exec(d, func() FailReason {
		svc, ok := d.services[serviceID]
		if !ok {
			return FailNonExistentService
		}
		if svc.OwnerClient != clientID || svc.orphaned() {
			return FailPermissionDenied
		}
		delete(d.services, serviceID)
		d.untrackOwned(d.ownedServices, clientID, serviceID)
		d.accountant.Release(svc.OwnerUser, resource.Services, 1)
		d.propagate(svc, true, true)
		return FailNone
	})
}

// SubscribeResult carries a subscribe command's outcome.
type SubscribeResult struct {
	Fail    FailReason
	Matches []Notification // appeared entries for already-matching services
}

// Subscribe compiles filterText, registers it, and reports every service
// already in the catalogue that it matches.
func (d *Domain) Subscribe(clientID, subscriptionID uint64, filterText string) SubscribeResult {
	return exec(d, func() SubscribeResult {
		sess, ok := d.sessions[clientID]
		if !ok {
			return SubscribeResult{Fail: FailPermissionDenied}
		}
		if _, exists := d.subscriptions[subscriptionID]; exists {
			return SubscribeResult{Fail: FailSubscriptionIDExists}
		}

		f, err := d.filterCache.Compile(filterText)
		if err != nil {
			return SubscribeResult{Fail: FailFilterSyntaxError}
		}
		if d.maxFilterNodes > 0 && f.NodeCount() > d.maxFilterNodes {
			return SubscribeResult{Fail: FailInsufficientResources}
		}

		user := sess.User()
		if err := d.accountant.ChargeMulti(user, map[resource.Kind]int{
			resource.Subscriptions: 1,
			resource.FilterNodes:   f.NodeCount(),
		}); err != nil {
			return SubscribeResult{Fail: FailInsufficientResources}
		}

		sub := newSubscription(subscriptionID, clientID, user, f)
		d.subscriptions[subscriptionID] = sub
		d.trackOwned(d.ownedSubs, clientID, subscriptionID)

		// A service that is orphaned but not yet expired is still present
		// in the catalogue (ListServices shows it too, and an existing
		// subscriber's cached match is left untouched across the grace
		// period, see CloseSession) — a new subscriber sees the same
		// view, rather than silently omitting it until expiry.
		var matches []Notification
		for _, svc := range d.services {
			if sub.Filter.Matches(svc.Props) {
				sub.setMatch(svc.ID)
				matches = append(matches, d.notification(sub, MatchAppeared, svc))
			}
		}
		sort.Slice(matches, func(i, j int) bool { return matches[i].ServiceID < matches[j].ServiceID })
		return SubscribeResult{Matches: matches}
	})
}

// Unsubscribe drops a subscription the caller owns. No disappeared
// notifications are emitted (spec §4.2).
func (d *Domain) Unsubscribe(clientID, subscriptionID uint64) FailReason {
	return exec(d, func() FailReason {
		sub, ok := d.subscriptions[subscriptionID]
		if !ok {
			return FailNonExistentSubscription
		}
		if sub.OwnerClient != clientID {
			return FailPermissionDenied
		}
		delete(d.subscriptions, subscriptionID)
		d.untrackOwned(d.ownedSubs, clientID, subscriptionID)
		d.accountant.ReleaseMulti(sub.OwnerUser, map[resource.Kind]int{
			resource.Subscriptions: 1,
			resource.FilterNodes:   sub.Filter.NodeCount(),
		})
		return FailNone
	})
}

// ListServicesResult carries a `services` command's outcome.
type ListServicesResult struct {
	Fail     FailReason
	Services []ServiceSnapshot
}

// ListServices returns every catalogued service, optionally narrowed by
// filterText.
func (d *Domain) ListServices(filterText string) ListServicesResult {
	return exec(d, func() ListServicesResult {
		var f *filter.Filter
		if filterText != "" {
			compiled, err := d.filterCache.Compile(filterText)
			if err != nil {
				return ListServicesResult{Fail: FailFilterSyntaxError}
			}
			f = compiled
		}

		var out []ServiceSnapshot
		for _, svc := range d.services {
			if f != nil && !f.Matches(svc.Props) {
				continue
			}
			out = append(out, ServiceSnapshot{
				ID:          svc.ID,
				Generation:  svc.Generation,
				Props:       svc.Props,
				TTL:         svc.TTL,
				OwnerClient: svc.OwnerClient,
				OrphanSince: svc.OrphanSince,
			})
		}
		sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
		return ListServicesResult{Services: out}
	})
}

// ListSubscriptions returns every registered subscription.
func (d *Domain) ListSubscriptions() []SubscriptionSnapshot {
	return exec(d, func() []SubscriptionSnapshot {
		out := make([]SubscriptionSnapshot, 0, len(d.subscriptions))
		for _, sub := range d.subscriptions {
			out = append(out, SubscriptionSnapshot{
				ID:          sub.ID,
				OwnerClient: sub.OwnerClient,
				FilterText:  sub.Filter.String(),
			})
		}
		sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
		return out
	})
}

// ServiceCount reports the current catalogue size, for metrics.
func (d *Domain) ServiceCount() int {
	return exec(d, func() int { return len(d.services) })
}

// SubscriptionCount reports the current subscription count, for metrics.
func (d *Domain) SubscriptionCount() int {
	return exec(d, func() int { return len(d.subscriptions) })
}

// ClientCount reports the current live-session count, for metrics.
func (d *Domain) ClientCount() int {
	return exec(d, func() int { return len(d.sessions) })
}

// ResourceTotal reports the domain-wide tally for kind, for metrics.
func (d *Domain) ResourceTotal(kind resource.Kind) int {
	return d.accountant.Total(kind)
}

// ListClients returns every live session.
func (d *Domain) ListClients() []ClientSnapshot {
	return exec(d, func() []ClientSnapshot {
		out := make([]ClientSnapshot, 0, len(d.sessions))
		for id, sess := range d.sessions {
			out = append(out, ClientSnapshot{
				ID:          id,
				RemoteAddr:  sess.RemoteAddr(),
				ConnectedAt: sess.ConnectedAt(),
			})
		}
		sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
		return out
	})
}

// propagate walks every subscription (spec §4.2: "the domain walks all
// subscriptions") and delivers appeared/modified/disappeared as each
// one's match cache dictates. svc still holds its last-known props even
// when removed is true, so a disappeared notification can carry them.
func (d *Domain) propagate(svc *Service, removed, changed bool) {
	for _, sub := range d.subscriptions {
		wasMatch := sub.hadMatch(svc.ID)
		isMatch := !removed && sub.Filter.Matches(svc.Props)

		switch {
		case isMatch && !wasMatch:
			sub.setMatch(svc.ID)
			d.deliver(sub, MatchAppeared, svc)
		case isMatch && wasMatch:
			if changed {
				d.deliver(sub, MatchModified, svc)
			}
		case !isMatch && wasMatch:
			sub.clearMatch(svc.ID)
			d.deliver(sub, MatchDisappeared, svc)
		}
	}
}

func (d *Domain) notification(sub *Subscription, kind MatchKind, svc *Service) Notification {
	return Notification{
		SubscriptionID: sub.ID,
		Match:          kind,
		ServiceID:      svc.ID,
		Generation:     svc.Generation,
		Props:          svc.Props,
		TTL:            svc.TTL,
		OwnerClient:    svc.OwnerClient,
		OrphanSince:    svc.OrphanSince,
	}
}

func (d *Domain) deliver(sub *Subscription, kind MatchKind, svc *Service) {
	sess, ok := d.sessions[sub.OwnerClient]
	if !ok {
		return
	}
	sess.Deliver(d.notification(sub, kind, svc))
}
