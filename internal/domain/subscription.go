package domain

import "github.com/pombredanne/paf/internal/filter"

// Subscription is a registered predicate plus the set of service ids it
// currently matches, the "match cache" spec §3/§4.2 requires so that
// publish/unpublish can tell appeared from modified from disappeared
// without re-evaluating every filter against every service on every
// change.
type Subscription struct {
	ID          uint64
	OwnerClient uint64
	OwnerUser   string
	Filter      *filter.Filter
	matching    map[uint64]struct{}
}

func newSubscription(id, ownerClient uint64, ownerUser string, f *filter.Filter) *Subscription {
	return &Subscription{
		ID:          id,
		OwnerClient: ownerClient,
		OwnerUser:   ownerUser,
		Filter:      f,
		matching:    make(map[uint64]struct{}),
	}
}

func (s *Subscription) hadMatch(serviceID uint64) bool {
	_, ok := s.matching[serviceID]
	return ok
}

func (s *Subscription) setMatch(serviceID uint64)   { s.matching[serviceID] = struct{}{} }
func (s *Subscription) clearMatch(serviceID uint64) { delete(s.matching, serviceID) }
