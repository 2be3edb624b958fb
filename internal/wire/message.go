// Package wire implements the client/server protocol records of spec §6:
// requests carry ta-id and cmd, responses carry ta-id and a msg-type of
// accept|notify|complete|fail. Framing is a 4-byte xdr-packed header, a
// 4-byte big-endian uncompressed body length, and a JSON body, optionally
// lz4-compressed for larger payloads.
package wire

import (
	"github.com/pombredanne/paf/internal/props"
)

const ProtocolVersion uint8 = 1

// Command is the closed set of request commands from spec §6.
type Command string

const (
	CmdHello         Command = "hello"
	CmdPublish       Command = "publish"
	CmdUnpublish     Command = "unpublish"
	CmdSubscribe     Command = "subscribe"
	CmdUnsubscribe   Command = "unsubscribe"
	CmdServices      Command = "services"
	CmdSubscriptions Command = "subscriptions"
	CmdClients       Command = "clients"
	CmdPing          Command = "ping"
)

// MsgType is the closed set of response message types from spec §6.
type MsgType string

const (
	MsgAccept   MsgType = "accept"
	MsgNotify   MsgType = "notify"
	MsgComplete MsgType = "complete"
	MsgFail     MsgType = "fail"
)

// MatchType is the closed set of subscription notification kinds.
type MatchType string

const (
	MatchAppeared    MatchType = "appeared"
	MatchModified    MatchType = "modified"
	MatchDisappeared MatchType = "disappeared"
)

// FailReason is the closed set of wire fail-reason codes from spec §6.
type FailReason string

const (
	ReasonNoHello                  FailReason = "no-hello"
	ReasonClientIDExists           FailReason = "client-id-exists"
	ReasonInvalidFilterSyntax      FailReason = "invalid-filter-syntax"
	ReasonSubscriptionIDExists     FailReason = "subscription-id-exists"
	ReasonNonExistentSubscription FailReason = "non-existent-subscription"
	ReasonNonExistentService      FailReason = "non-existent-service"
	ReasonUnsupportedProtoVersion FailReason = "unsupported-protocol-version"
	ReasonPermissionDenied         FailReason = "permission-denied"
	ReasonOldGeneration            FailReason = "old-generation"
	ReasonSameGenerationDifferent  FailReason = "same-generation-but-different"
	ReasonInsufficientResources    FailReason = "insufficient-resources"
)

// Request is the request envelope. Unused fields are omitted on the wire;
// which fields are meaningful depends on Cmd.
type Request struct {
	TaID           uint64             `json:"ta-id"`
	Cmd            Command            `json:"cmd"`
	ServiceID      uint64             `json:"service-id,omitempty"`
	Generation     uint32             `json:"generation,omitempty"`
	Props          map[string][]props.Value `json:"service-props,omitempty"`
	TTL            uint32             `json:"ttl,omitempty"`
	SubscriptionID uint64             `json:"subscription-id,omitempty"`
	Filter         string             `json:"filter,omitempty"`
	ProtoMin       uint32             `json:"proto-min,omitempty"`
	ProtoMax       uint32             `json:"proto-max,omitempty"`
	OwnerFilter    uint64             `json:"owner-client-id,omitempty"`
}

// Response is the response envelope.
type Response struct {
	TaID         uint64          `json:"ta-id"`
	MsgType      MsgType         `json:"msg-type"`
	FailReason   FailReason      `json:"fail-reason,omitempty"`
	MatchType    MatchType       `json:"match-type,omitempty"`
	ServiceID    uint64          `json:"service-id,omitempty"`
	Generation   uint32          `json:"generation,omitempty"`
	Props        map[string][]props.Value `json:"service-props,omitempty"`
	TTL          uint32          `json:"ttl,omitempty"`
	ClientID     uint64          `json:"client-id,omitempty"`
	OrphanSince  int64           `json:"orphan-since,omitempty"`
	ProtoVersion uint32          `json:"proto-version,omitempty"`

	Services      []ServiceInfo      `json:"services,omitempty"`
	Subscriptions []SubscriptionInfo `json:"subscriptions,omitempty"`
	Clients       []ClientInfo       `json:"clients,omitempty"`
}

// ServiceInfo is one entry in a `services` listing snapshot.
type ServiceInfo struct {
	ServiceID     uint64                   `json:"service-id"`
	Generation    uint32                   `json:"generation"`
	Props         map[string][]props.Value `json:"service-props"`
	TTL           uint32                   `json:"ttl"`
	ClientID      uint64                   `json:"client-id"`
	OrphanSince   int64                    `json:"orphan-since,omitempty"`
}

// SubscriptionInfo is one entry in a `subscriptions` listing snapshot.
type SubscriptionInfo struct {
	SubscriptionID uint64 `json:"subscription-id"`
	ClientID       uint64 `json:"client-id"`
	Filter         string `json:"filter"`
}

// ClientInfo is one entry in a `clients` listing snapshot.
type ClientInfo struct {
	ClientID    uint64 `json:"client-id"`
	RemoteAddr  string `json:"remote-addr"`
	ConnectedAt int64  `json:"connected-at"`
}
