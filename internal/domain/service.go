package domain

import (
	"time"

	"github.com/pombredanne/paf/internal/props"
)

// Service is one entry in a domain's catalogue (spec §3). OrphanSince is
// the zero Time while the owning session is live.
type Service struct {
	ID          uint64
	Generation  uint32
	Props       *props.Props
	TTL         uint32
	OwnerClient uint64
	OwnerUser   string
	OrphanSince time.Time
}

func (s *Service) orphaned() bool { return !s.OrphanSince.IsZero() }

// sameContent reports whether generation and props are unchanged, the
// condition spec §4.2 uses to decide whether a same-generation republish
// is a true no-op (rejected as too-old) or a same-generation-but-different
// conflict.
func (s *Service) sameContent(generation uint32, p *props.Props) bool {
	return s.Generation == generation && s.Props.Equal(p)
}
