package session

import (
	"context"
	"time"

	"github.com/pombredanne/paf/internal/domain"
	"github.com/pombredanne/paf/internal/props"
	"github.com/pombredanne/paf/internal/wire"
)

// handleRequest dispatches one decoded request and reports whether the
// session must stop (a protocol violation severe enough to close the
// connection rather than just fail the transaction).
func (s *Session) handleRequest(ctx context.Context, req *wire.Request) bool {
	if s.State() == StateConnecting {
		if req.Cmd != wire.CmdHello {
			s.fail(ctx, req.TaID, wire.ReasonNoHello)
			s.Close(errProtocolViolation)
			return true
		}
		return s.handleHello(ctx, req)
	}

	switch req.Cmd {
	case wire.CmdHello:
		// A second hello is a protocol violation; the session is already
		// past CONNECTING, so there is no well-defined "no-hello" reply
		// for it. Treat it like any other bad message.
		s.Close(errProtocolViolation)
		return true
	case wire.CmdPublish:
		s.handlePublish(ctx, req)
	case wire.CmdUnpublish:
		s.handleUnpublish(ctx, req)
	case wire.CmdSubscribe:
		s.handleSubscribe(ctx, req)
	case wire.CmdUnsubscribe:
		s.handleUnsubscribe(ctx, req)
	case wire.CmdServices:
		s.handleServices(ctx, req)
	case wire.CmdSubscriptions:
		s.handleSubscriptions(ctx, req)
	case wire.CmdClients:
		s.handleClients(ctx, req)
	case wire.CmdPing:
		s.send(ctx, &wire.Response{TaID: req.TaID, MsgType: wire.MsgAccept})
	default:
		s.Close(errProtocolViolation)
		return true
	}
	return false
}

var errProtocolViolation = &closeReason{"protocol violation"}

func (s *Session) accept(ctx context.Context, taID uint64) {
	s.send(ctx, &wire.Response{TaID: taID, MsgType: wire.MsgAccept})
}

func (s *Session) fail(ctx context.Context, taID uint64, reason wire.FailReason) {
	s.send(ctx, &wire.Response{TaID: taID, MsgType: wire.MsgFail, FailReason: reason})
}

func (s *Session) complete(ctx context.Context, taID uint64) {
	s.send(ctx, &wire.Response{TaID: taID, MsgType: wire.MsgComplete})
}

func (s *Session) handleHello(ctx context.Context, req *wire.Request) bool {
	min, max := req.ProtoMin, req.ProtoMax
	if min == 0 && max == 0 {
		// Absent range means "anything I can speak"; be permissive the
		// way an un-set min/max in a wire message usually is.
		max = uint32(wire.ProtocolVersion)
	}
	if uint32(wire.ProtocolVersion) < min || uint32(wire.ProtocolVersion) > max {
		s.fail(ctx, req.TaID, wire.ReasonUnsupportedProtoVersion)
		s.Close(errProtocolViolation)
		return true
	}

	s.setState(StateGreeted)
	id, err := s.dom.RegisterSession(s)
	if err != nil {
		s.fail(ctx, req.TaID, wire.ReasonInsufficientResources)
		s.Close(err)
		return true
	}
	s.clientID = id
	s.setState(StateAccepted)

	s.send(ctx, &wire.Response{
		TaID:         req.TaID,
		MsgType:      wire.MsgAccept,
		ClientID:     id,
		ProtoVersion: uint32(wire.ProtocolVersion),
	})
	return false
}

func (s *Session) handlePublish(ctx context.Context, req *wire.Request) {
	p := props.FromWire(req.Props)
	fail := s.dom.Publish(s.clientID, domain.PublishRequest{
		ServiceID:  req.ServiceID,
		Generation: req.Generation,
		Props:      p,
		TTL:        req.TTL,
	})
	if fail != domain.FailNone {
		s.fail(ctx, req.TaID, toWireFail(fail))
		return
	}
	s.accept(ctx, req.TaID)
}

func (s *Session) handleUnpublish(ctx context.Context, req *wire.Request) {
	fail := s.dom.Unpublish(s.clientID, req.ServiceID)
	if fail != domain.FailNone {
		s.fail(ctx, req.TaID, toWireFail(fail))
		return
	}
	s.accept(ctx, req.TaID)
}

func (s *Session) handleSubscribe(ctx context.Context, req *wire.Request) {
	res := s.dom.Subscribe(s.clientID, req.SubscriptionID, req.Filter)
	if res.Fail != domain.FailNone {
		s.fail(ctx, req.TaID, toWireFail(res.Fail))
		return
	}
	// The initial appeared matches go out before accept (spec §4.2, §8
	// scenario 1), and there is no trailing complete: a subscription
	// transaction stays open for the life of the subscription, not just
	// its initial snapshot (spec §4.3).
	for _, n := range res.Matches {
		s.send(ctx, notificationToResponse(n))
	}
	s.accept(ctx, req.TaID)
}

func (s *Session) handleUnsubscribe(ctx context.Context, req *wire.Request) {
	fail := s.dom.Unsubscribe(s.clientID, req.SubscriptionID)
	if fail != domain.FailNone {
		s.fail(ctx, req.TaID, toWireFail(fail))
		return
	}
	s.accept(ctx, req.TaID)
}

func (s *Session) handleServices(ctx context.Context, req *wire.Request) {
	res := s.dom.ListServices(req.Filter)
	if res.Fail != domain.FailNone {
		s.fail(ctx, req.TaID, toWireFail(res.Fail))
		return
	}
	s.accept(ctx, req.TaID)
	for _, svc := range res.Services {
		s.send(ctx, &wire.Response{
			TaID:    req.TaID,
			MsgType: wire.MsgNotify,
			Services: []wire.ServiceInfo{{
				ServiceID:   svc.ID,
				Generation:  svc.Generation,
				Props:       svc.Props.ToWire(),
				TTL:         svc.TTL,
				ClientID:    svc.OwnerClient,
				OrphanSince: orphanSinceUnix(svc.OrphanSince),
			}},
		})
	}
	s.complete(ctx, req.TaID)
}

func (s *Session) handleSubscriptions(ctx context.Context, req *wire.Request) {
	subs := s.dom.ListSubscriptions()
	s.accept(ctx, req.TaID)
	for _, sub := range subs {
		s.send(ctx, &wire.Response{
			TaID:    req.TaID,
			MsgType: wire.MsgNotify,
			Subscriptions: []wire.SubscriptionInfo{{
				SubscriptionID: sub.ID,
				ClientID:       sub.OwnerClient,
				Filter:         sub.FilterText,
			}},
		})
	}
	s.complete(ctx, req.TaID)
}

func (s *Session) handleClients(ctx context.Context, req *wire.Request) {
	clients := s.dom.ListClients()
	s.accept(ctx, req.TaID)
	for _, c := range clients {
		s.send(ctx, &wire.Response{
			TaID:    req.TaID,
			MsgType: wire.MsgNotify,
			Clients: []wire.ClientInfo{{
				ClientID:    c.ID,
				RemoteAddr:  c.RemoteAddr,
				ConnectedAt: c.ConnectedAt.Unix(),
			}},
		})
	}
	s.complete(ctx, req.TaID)
}

func orphanSinceUnix(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}

func notificationToResponse(n domain.Notification) *wire.Response {
	mt := wire.MatchAppeared
	switch n.Match {
	case domain.MatchModified:
		mt = wire.MatchModified
	case domain.MatchDisappeared:
		mt = wire.MatchDisappeared
	}
	resp := &wire.Response{
		TaID:       n.SubscriptionID,
		MsgType:    wire.MsgNotify,
		MatchType:  mt,
		ServiceID:  n.ServiceID,
		Generation: n.Generation,
		TTL:        n.TTL,
		ClientID:   n.OwnerClient,
	}
	if n.Props != nil {
		resp.Props = n.Props.ToWire()
	}
	if !n.OrphanSince.IsZero() {
		resp.OrphanSince = n.OrphanSince.Unix()
	}
	return resp
}

func toWireFail(f domain.FailReason) wire.FailReason {
	switch f {
	case domain.FailOldGeneration:
		return wire.ReasonOldGeneration
	case domain.FailSameGenerationDifferent:
		return wire.ReasonSameGenerationDifferent
	case domain.FailPermissionDenied, domain.FailOldGenerationMismatchOwn:
		return wire.ReasonPermissionDenied
	case domain.FailNonExistentService:
		return wire.ReasonNonExistentService
	case domain.FailNonExistentSubscription:
		return wire.ReasonNonExistentSubscription
	case domain.FailSubscriptionIDExists:
		return wire.ReasonSubscriptionIDExists
	case domain.FailFilterSyntaxError:
		return wire.ReasonInvalidFilterSyntax
	case domain.FailInsufficientResources:
		return wire.ReasonInsufficientResources
	default:
		return wire.ReasonPermissionDenied
	}
}
