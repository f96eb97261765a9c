/*
 * Copyright (c) 2018 Miguel Ángel Ortuño.
 * See the LICENSE file for more information.
 */

// Package hook declares the three external-collaborator interfaces the
// core consumes (spec §6): credential storage and password verification,
// roster persistence, and the presence/session registry. The core never
// talks to a database directly; it only ever calls through these three
// capability slots, each filled once at startup by cmd/xmppd rather than
// mutated at runtime.
package hook

import (
	"github.com/xmppcore/xmppd/jid"
	"github.com/xmppcore/xmppd/router"
	"github.com/xmppcore/xmppd/xmpp"
)

// AuthHook supplies credential storage, password verification, and the
// web-session/token auth paths consumed by the PLAIN mechanism.
type AuthHook interface {
	Bind(stm router.C2S)
	Unbind(stm router.C2S)

	// GetWebUserUsername and GetWebUserByUsername back the web-session
	// auth path: PLAIN with an empty password authenticates by an
	// externally-issued web-session identifier instead.
	GetWebUserUsername(user string) (string, error)
	GetWebUserByUsername(name string) (string, error)

	CheckWebUser(stm router.C2S, webUser, username string) (bool, error)
	CheckToken(stm router.C2S, username, token string) (bool, error)
	CheckPassword(stm router.C2S, username, password string) (bool, error)

	ValidContact(name string) (bool, error)

	CreateUser(username, password string) error
	ChangePassword(username, password string) error
	DeleteUser(username string) error
}

// Subscription is the derived roster relationship between an owner and a
// contact (spec §3, Roster item). Pending/preapproval flags are carried
// separately on RosterItem since they don't collapse into this enum.
type Subscription int

const (
	SubNone Subscription = iota
	SubTo
	SubFrom
	SubBoth
)

// RosterItem mirrors the roster item fields named in spec §3.
type RosterItem struct {
	Owner          string
	Contact        *jid.JID
	InRoster       bool
	Name           string
	Groups         []string
	SubscribedFrom bool
	SubscribedTo   bool
	Preapproved    bool
	PendingIn      bool
	PendingOut     bool
	StanzaIn       string
	StanzaOut      string
}

// Subscription derives the {both,to,from,none} value from the two
// subscribed flags.
func (r *RosterItem) Subscription() Subscription {
	switch {
	case r.SubscribedTo && r.SubscribedFrom:
		return SubBoth
	case r.SubscribedTo:
		return SubTo
	case r.SubscribedFrom:
		return SubFrom
	default:
		return SubNone
	}
}

// RosterHook persists roster items and implements the ten subscription
// transition operations of the spec §4.F state machine. Every method is
// atomic per (owner, contact): implementations backed by a database must
// run the mutation inside a per-key critical section and retry on
// serialization/integrity failure (spec §4.F "Atomicity").
type RosterHook interface {
	GetContacts(owner string) ([]*RosterItem, error)
	GetContact(owner string, contact *jid.JID) (*RosterItem, error)
	UpdateContact(owner string, contact *jid.JID, name string, groups []string) error
	RemoveContact(owner string, contact *jid.JID) error

	GetPending(owner string) ([]*RosterItem, error)
	IsPending(owner string, contact *jid.JID) (bool, error)

	// The ten subscription-state transitions named in spec §4.F. Each
	// returns the resulting item so the caller can decide what stanzas
	// to synthesize without a second read.
	OutboundSubscribe(owner string, contact *jid.JID, stanza string) (*RosterItem, error)
	OutboundSubscribed(owner string, contact *jid.JID) (*RosterItem, error)
	OutboundUnsubscribe(owner string, contact *jid.JID, stanza string) (*RosterItem, error)
	OutboundUnsubscribed(owner string, contact *jid.JID) (*RosterItem, error)
	InboundSubscribe(owner string, contact *jid.JID, stanza string) (item *RosterItem, autoAccepted bool, err error)
	InboundSubscribed(owner string, contact *jid.JID) (*RosterItem, error)
	InboundUnsubscribe(owner string, contact *jid.JID) (*RosterItem, error)
	InboundUnsubscribed(owner string, contact *jid.JID) (*RosterItem, error)
	CancelPendingOut(owner string, contact *jid.JID) (*RosterItem, error)
	CancelPendingIn(owner string, contact *jid.JID) (*RosterItem, error)
}

// ResourceRecord is the (user, resource) -> (priority, stanza, server_id)
// tuple the session hook indexes, per spec §4.E.
type ResourceRecord struct {
	User     string
	Resource string
	Priority int8
	Stanza   *xmpp.Presence
	ServerID string
}

// SessionHook is the process-wide presence/session registry. Bind
// enforces uniqueness on (user, resource); the core must not transition
// a stream to Bound until Bind reports success.
type SessionHook interface {
	// Bind returns false on (user, resource) conflict. ServerID lets an
	// implementation purge stale rows left behind by a prior process
	// crash on startup.
	Bind(stm router.C2S) (ok bool, serverID string, err error)
	Unbind(stm router.C2S) error

	SetPresence(user, resource string, priority int8, stanza *xmpp.Presence) error
	GetPresence(j *jid.JID) (*xmpp.Presence, error)
	GetAllPresences(user string) ([]*xmpp.Presence, error)

	// GetAllRosterPresences is a fast-path bulk query; a nil slice with
	// ok=false means the implementation doesn't support it and callers
	// must fall back to a per-contact IPC probe.
	GetAllRosterPresences(users []string) (presences []*xmpp.Presence, ok bool, err error)

	GetResource(j *jid.JID) (*ResourceRecord, error)
	GetAllResources(user string) ([]*ResourceRecord, error)
	GetPreferredResource(user string) (string, error)

	KillResource(j *jid.JID) error
}
