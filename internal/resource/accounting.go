// Package resource implements the per-user/per-total counters spec §4.4
// describes: four countable resources, each tracked both as a domain-wide
// total and broken down by the transport-supplied user identity, with
// atomic charge/release so a command that needs more than one resource
// (subscribe charges both subscriptions and subscription_filter_nodes)
// never leaves a partial charge behind on failure.
package resource

import (
	"fmt"
	"sync"

	"golang.org/x/time/rate"
)

// Kind identifies one of the four countable resources.
type Kind int

const (
	Clients Kind = iota
	Services
	Subscriptions
	FilterNodes
)

func (k Kind) String() string {
	switch k {
	case Clients:
		return "clients"
	case Services:
		return "services"
	case Subscriptions:
		return "subscriptions"
	case FilterNodes:
		return "subscription_filter_nodes"
	default:
		return "unknown"
	}
}

var allKinds = [...]Kind{Clients, Services, Subscriptions, FilterNodes}

// Limits caps each resource at two scopes. A zero value in either map
// means unlimited, matching spec §4.4's "each may have an optional
// limit (absent = unlimited)".
type Limits struct {
	PerUser map[Kind]int
	Total   map[Kind]int
}

func (l Limits) perUser(k Kind) int {
	if l.PerUser == nil {
		return 0
	}
	return l.PerUser[k]
}

func (l Limits) total(k Kind) int {
	if l.Total == nil {
		return 0
	}
	return l.Total[k]
}

// ExhaustedError reports which resource and scope refused a charge.
type ExhaustedError struct {
	Kind  Kind
	User  string
	Total bool // true when the domain-wide total was the limiting scope
}

func (e *ExhaustedError) Error() string {
	if e.Total {
		return fmt.Sprintf("resource: %s exhausted (total limit)", e.Kind)
	}
	return fmt.Sprintf("resource: %s exhausted for user %q", e.Kind, e.User)
}

// Accountant is the admission authority for one domain: it owns the
// counters and, as a convenience for the server's accept loop, a
// per-user connection-rate limiter built the same way syncthing's
// lib/connections/limiter.go keeps a map of per-device rate.Limiters
// alongside the global one.
type Accountant struct {
	mu      sync.Mutex
	limits  Limits
	totals  map[Kind]int
	perUser map[string]map[Kind]int

	connLimiterRate  rate.Limit
	connLimiterBurst int
	connLimiters     map[string]*rate.Limiter
}

// New creates an Accountant enforcing limits. connRate/connBurst configure
// the per-user token bucket handed out by ConnLimiter; pass rate.Inf to
// disable connection-rate throttling while still enforcing the clients
// count limit.
func New(limits Limits, connRate rate.Limit, connBurst int) *Accountant {
	return &Accountant{
		limits:           limits,
		totals:           make(map[Kind]int),
		perUser:          make(map[string]map[Kind]int),
		connLimiterRate:  connRate,
		connLimiterBurst: connBurst,
		connLimiters:     make(map[string]*rate.Limiter),
	}
}

// ConnLimiter returns the token bucket gating new-connection admission for
// user, creating one on first use.
func (a *Accountant) ConnLimiter(user string) *rate.Limiter {
	a.mu.Lock()
	defer a.mu.Unlock()
	lim, ok := a.connLimiters[user]
	if !ok {
		lim = rate.NewLimiter(a.connLimiterRate, a.connLimiterBurst)
		a.connLimiters[user] = lim
	}
	return lim
}

// Charge attempts to add n units of kind to user's tally and the domain
// total. On success the counters are committed; on failure nothing
// changes and an *ExhaustedError explains which scope refused it.
func (a *Accountant) Charge(user string, kind Kind, n int) error {
	return a.ChargeMulti(user, map[Kind]int{kind: n})
}

// ChargeMulti charges several resources as one atomic admission decision:
// spec §4.4 requires that a command needing more than one resource (e.g.
// subscribe needs both a subscriptions slot and subscription_filter_nodes)
// either gets all of them or none, with any partial charge rolled back.
func (a *Accountant) ChargeMulti(user string, want map[Kind]int) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	charged := make(map[Kind]int, len(want))
	for _, kind := range allKinds {
		n, ok := want[kind]
		if !ok || n == 0 {
			continue
		}
		if err := a.tryChargeLocked(user, kind, n); err != nil {
			a.rollbackLocked(user, charged)
			return err
		}
		charged[kind] = n
	}
	return nil
}

func (a *Accountant) tryChargeLocked(user string, kind Kind, n int) error {
	if limit := a.limits.total(kind); limit > 0 && a.totals[kind]+n > limit {
		return &ExhaustedError{Kind: kind, Total: true}
	}
	userTallies := a.perUser[user]
	if limit := a.limits.perUser(kind); limit > 0 && userTallies[kind]+n > limit {
		return &ExhaustedError{Kind: kind, User: user}
	}

	if a.perUser[user] == nil {
		a.perUser[user] = make(map[Kind]int)
	}
	a.perUser[user][kind] += n
	a.totals[kind] += n
	return nil
}

func (a *Accountant) rollbackLocked(user string, charged map[Kind]int) {
	for kind, n := range charged {
		a.releaseLocked(user, kind, n)
	}
}

// Release gives back n units of kind previously charged to user.
func (a *Accountant) Release(user string, kind Kind, n int) {
	if n == 0 {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.releaseLocked(user, kind, n)
}

// ReleaseMulti is the inverse of ChargeMulti, used when a session closes
// and all of its owned resources are freed at once.
func (a *Accountant) ReleaseMulti(user string, have map[Kind]int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for kind, n := range have {
		a.releaseLocked(user, kind, n)
	}
}

func (a *Accountant) releaseLocked(user string, kind Kind, n int) {
	a.totals[kind] -= n
	if a.totals[kind] < 0 {
		a.totals[kind] = 0
	}
	if tallies := a.perUser[user]; tallies != nil {
		tallies[kind] -= n
		if tallies[kind] <= 0 {
			delete(tallies, kind)
		}
		if len(tallies) == 0 {
			delete(a.perUser, user)
		}
	}
}

// Total reports the domain-wide tally for kind, satisfying spec §8's
// testable property that total always equals the sum over users.
func (a *Accountant) Total(kind Kind) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.totals[kind]
}

// PerUser reports user's current tally for kind.
func (a *Accountant) PerUser(user string, kind Kind) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.perUser[user][kind]
}
