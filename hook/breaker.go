/*
 * Copyright (c) 2018 Miguel Ángel Ortuño.
 * See the LICENSE file for more information.
 */

package hook

import (
	"github.com/pkg/errors"
	"github.com/sony/gobreaker"

	"github.com/xmppcore/xmppd/jid"
	"github.com/xmppcore/xmppd/router"
	"github.com/xmppcore/xmppd/xmpp"
)

// breakerSettings builds a gobreaker.Settings for a named hook collaborator,
// tripping once at least 10 requests have been counted since the breaker
// last changed state and at least half of them failed, so a flaky auth/
// roster/session backend degrades into fast internal-server-error/
// temporary-auth-failure replies instead of hanging every stream waiting on
// it (spec §7 "generic exceptions are mapped to internal-server-error ...
// and logged; the stream is not terminated").
func breakerSettings(name string) gobreaker.Settings {
	return gobreaker.Settings{
		Name: name,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.Requests >= 10 && float64(counts.TotalFailures)/float64(counts.Requests) >= 0.5
		},
	}
}

// errHookUnavailable is returned in place of a hook's own error whenever the
// breaker is open, so callers (auth/roster/presence engines) can map it to
// the same internal-server-error/temporary-auth-failure stanza they'd use
// for any other hook failure without needing to know about gobreaker.
var errHookUnavailable = xmpp.NewStanzaError(xmpp.ErrInternalServerError)

func wrapBreakerErr(name string, err error) error {
	if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
		return errors.Wrapf(errHookUnavailable, "hook %s: circuit open", name)
	}
	return err
}

// BreakerAuthHook wraps an AuthHook behind a gobreaker.CircuitBreaker,
// tripping open on sustained failure of the underlying collaborator.
type BreakerAuthHook struct {
	AuthHook
	cb *gobreaker.CircuitBreaker
}

// NewBreakerAuthHook wraps h with its own named circuit breaker.
func NewBreakerAuthHook(h AuthHook) *BreakerAuthHook {
	return &BreakerAuthHook{AuthHook: h, cb: gobreaker.NewCircuitBreaker(breakerSettings("auth_hook"))}
}

func (b *BreakerAuthHook) CheckWebUser(stm router.C2S, webUser, username string) (bool, error) {
	v, err := b.cb.Execute(func() (interface{}, error) { return b.AuthHook.CheckWebUser(stm, webUser, username) })
	ok, _ := v.(bool)
	return ok, wrapBreakerErr("auth_hook", err)
}

func (b *BreakerAuthHook) CheckToken(stm router.C2S, username, token string) (bool, error) {
	v, err := b.cb.Execute(func() (interface{}, error) { return b.AuthHook.CheckToken(stm, username, token) })
	ok, _ := v.(bool)
	return ok, wrapBreakerErr("auth_hook", err)
}

func (b *BreakerAuthHook) CheckPassword(stm router.C2S, username, password string) (bool, error) {
	v, err := b.cb.Execute(func() (interface{}, error) { return b.AuthHook.CheckPassword(stm, username, password) })
	ok, _ := v.(bool)
	return ok, wrapBreakerErr("auth_hook", err)
}

func (b *BreakerAuthHook) ValidContact(name string) (bool, error) {
	v, err := b.cb.Execute(func() (interface{}, error) { return b.AuthHook.ValidContact(name) })
	ok, _ := v.(bool)
	return ok, wrapBreakerErr("auth_hook", err)
}

// BreakerRosterHook wraps a RosterHook behind a gobreaker.CircuitBreaker.
// Per-(owner,contact) atomicity (spec §4.F) is still the wrapped hook's own
// responsibility; the breaker only short-circuits when the backend as a
// whole is unhealthy.
type BreakerRosterHook struct {
	RosterHook
	cb *gobreaker.CircuitBreaker
}

// NewBreakerRosterHook wraps h with its own named circuit breaker.
func NewBreakerRosterHook(h RosterHook) *BreakerRosterHook {
	return &BreakerRosterHook{RosterHook: h, cb: gobreaker.NewCircuitBreaker(breakerSettings("roster_hook"))}
}

func (b *BreakerRosterHook) GetContacts(owner string) ([]*RosterItem, error) {
	v, err := b.cb.Execute(func() (interface{}, error) { return b.RosterHook.GetContacts(owner) })
	items, _ := v.([]*RosterItem)
	return items, wrapBreakerErr("roster_hook", err)
}

func (b *BreakerRosterHook) GetContact(owner string, contact *jid.JID) (*RosterItem, error) {
	v, err := b.cb.Execute(func() (interface{}, error) { return b.RosterHook.GetContact(owner, contact) })
	item, _ := v.(*RosterItem)
	return item, wrapBreakerErr("roster_hook", err)
}

func (b *BreakerRosterHook) UpdateContact(owner string, contact *jid.JID, name string, groups []string) error {
	_, err := b.cb.Execute(func() (interface{}, error) { return nil, b.RosterHook.UpdateContact(owner, contact, name, groups) })
	return wrapBreakerErr("roster_hook", err)
}

func (b *BreakerRosterHook) RemoveContact(owner string, contact *jid.JID) error {
	_, err := b.cb.Execute(func() (interface{}, error) { return nil, b.RosterHook.RemoveContact(owner, contact) })
	return wrapBreakerErr("roster_hook", err)
}

func (b *BreakerRosterHook) GetPending(owner string) ([]*RosterItem, error) {
	v, err := b.cb.Execute(func() (interface{}, error) { return b.RosterHook.GetPending(owner) })
	items, _ := v.([]*RosterItem)
	return items, wrapBreakerErr("roster_hook", err)
}

func (b *BreakerRosterHook) IsPending(owner string, contact *jid.JID) (bool, error) {
	v, err := b.cb.Execute(func() (interface{}, error) { return b.RosterHook.IsPending(owner, contact) })
	ok, _ := v.(bool)
	return ok, wrapBreakerErr("roster_hook", err)
}

func (b *BreakerRosterHook) OutboundSubscribe(owner string, contact *jid.JID, stanza string) (*RosterItem, error) {
	v, err := b.cb.Execute(func() (interface{}, error) { return b.RosterHook.OutboundSubscribe(owner, contact, stanza) })
	item, _ := v.(*RosterItem)
	return item, wrapBreakerErr("roster_hook", err)
}

func (b *BreakerRosterHook) OutboundSubscribed(owner string, contact *jid.JID) (*RosterItem, error) {
	v, err := b.cb.Execute(func() (interface{}, error) { return b.RosterHook.OutboundSubscribed(owner, contact) })
	item, _ := v.(*RosterItem)
	return item, wrapBreakerErr("roster_hook", err)
}

func (b *BreakerRosterHook) OutboundUnsubscribe(owner string, contact *jid.JID, stanza string) (*RosterItem, error) {
	v, err := b.cb.Execute(func() (interface{}, error) { return b.RosterHook.OutboundUnsubscribe(owner, contact, stanza) })
	item, _ := v.(*RosterItem)
	return item, wrapBreakerErr("roster_hook", err)
}

func (b *BreakerRosterHook) OutboundUnsubscribed(owner string, contact *jid.JID) (*RosterItem, error) {
	v, err := b.cb.Execute(func() (interface{}, error) { return b.RosterHook.OutboundUnsubscribed(owner, contact) })
	item, _ := v.(*RosterItem)
	return item, wrapBreakerErr("roster_hook", err)
}

func (b *BreakerRosterHook) InboundSubscribe(owner string, contact *jid.JID, stanza string) (*RosterItem, bool, error) {
	type result struct {
		item         *RosterItem
		autoAccepted bool
	}
	v, err := b.cb.Execute(func() (interface{}, error) {
		item, auto, err := b.RosterHook.InboundSubscribe(owner, contact, stanza)
		return result{item, auto}, err
	})
	r, _ := v.(result)
	return r.item, r.autoAccepted, wrapBreakerErr("roster_hook", err)
}

func (b *BreakerRosterHook) InboundSubscribed(owner string, contact *jid.JID) (*RosterItem, error) {
	v, err := b.cb.Execute(func() (interface{}, error) { return b.RosterHook.InboundSubscribed(owner, contact) })
	item, _ := v.(*RosterItem)
	return item, wrapBreakerErr("roster_hook", err)
}

func (b *BreakerRosterHook) InboundUnsubscribe(owner string, contact *jid.JID) (*RosterItem, error) {
	v, err := b.cb.Execute(func() (interface{}, error) { return b.RosterHook.InboundUnsubscribe(owner, contact) })
	item, _ := v.(*RosterItem)
	return item, wrapBreakerErr("roster_hook", err)
}

func (b *BreakerRosterHook) InboundUnsubscribed(owner string, contact *jid.JID) (*RosterItem, error) {
	v, err := b.cb.Execute(func() (interface{}, error) { return b.RosterHook.InboundUnsubscribed(owner, contact) })
	item, _ := v.(*RosterItem)
	return item, wrapBreakerErr("roster_hook", err)
}

func (b *BreakerRosterHook) CancelPendingOut(owner string, contact *jid.JID) (*RosterItem, error) {
	v, err := b.cb.Execute(func() (interface{}, error) { return b.RosterHook.CancelPendingOut(owner, contact) })
	item, _ := v.(*RosterItem)
	return item, wrapBreakerErr("roster_hook", err)
}

func (b *BreakerRosterHook) CancelPendingIn(owner string, contact *jid.JID) (*RosterItem, error) {
	v, err := b.cb.Execute(func() (interface{}, error) { return b.RosterHook.CancelPendingIn(owner, contact) })
	item, _ := v.(*RosterItem)
	return item, wrapBreakerErr("roster_hook", err)
}

// BreakerSessionHook wraps a SessionHook behind a gobreaker.CircuitBreaker.
type BreakerSessionHook struct {
	SessionHook
	cb *gobreaker.CircuitBreaker
}

// NewBreakerSessionHook wraps h with its own named circuit breaker.
func NewBreakerSessionHook(h SessionHook) *BreakerSessionHook {
	return &BreakerSessionHook{SessionHook: h, cb: gobreaker.NewCircuitBreaker(breakerSettings("session_hook"))}
}

func (b *BreakerSessionHook) Bind(stm router.C2S) (bool, string, error) {
	type result struct {
		ok       bool
		serverID string
	}
	v, err := b.cb.Execute(func() (interface{}, error) {
		ok, serverID, err := b.SessionHook.Bind(stm)
		return result{ok, serverID}, err
	})
	r, _ := v.(result)
	return r.ok, r.serverID, wrapBreakerErr("session_hook", err)
}

func (b *BreakerSessionHook) SetPresence(user, resource string, priority int8, stanza *xmpp.Presence) error {
	_, err := b.cb.Execute(func() (interface{}, error) { return nil, b.SessionHook.SetPresence(user, resource, priority, stanza) })
	return wrapBreakerErr("session_hook", err)
}

func (b *BreakerSessionHook) GetPresence(j *jid.JID) (*xmpp.Presence, error) {
	v, err := b.cb.Execute(func() (interface{}, error) { return b.SessionHook.GetPresence(j) })
	p, _ := v.(*xmpp.Presence)
	return p, wrapBreakerErr("session_hook", err)
}

func (b *BreakerSessionHook) GetAllPresences(user string) ([]*xmpp.Presence, error) {
	v, err := b.cb.Execute(func() (interface{}, error) { return b.SessionHook.GetAllPresences(user) })
	p, _ := v.([]*xmpp.Presence)
	return p, wrapBreakerErr("session_hook", err)
}

func (b *BreakerSessionHook) GetAllRosterPresences(users []string) ([]*xmpp.Presence, bool, error) {
	type result struct {
		presences []*xmpp.Presence
		ok        bool
	}
	v, err := b.cb.Execute(func() (interface{}, error) {
		presences, ok, err := b.SessionHook.GetAllRosterPresences(users)
		return result{presences, ok}, err
	})
	r, _ := v.(result)
	return r.presences, r.ok, wrapBreakerErr("session_hook", err)
}

func (b *BreakerSessionHook) GetResource(j *jid.JID) (*ResourceRecord, error) {
	v, err := b.cb.Execute(func() (interface{}, error) { return b.SessionHook.GetResource(j) })
	r, _ := v.(*ResourceRecord)
	return r, wrapBreakerErr("session_hook", err)
}

func (b *BreakerSessionHook) GetAllResources(user string) ([]*ResourceRecord, error) {
	v, err := b.cb.Execute(func() (interface{}, error) { return b.SessionHook.GetAllResources(user) })
	r, _ := v.([]*ResourceRecord)
	return r, wrapBreakerErr("session_hook", err)
}

func (b *BreakerSessionHook) GetPreferredResource(user string) (string, error) {
	v, err := b.cb.Execute(func() (interface{}, error) { return b.SessionHook.GetPreferredResource(user) })
	s, _ := v.(string)
	return s, wrapBreakerErr("session_hook", err)
}

func (b *BreakerSessionHook) KillResource(j *jid.JID) error {
	_, err := b.cb.Execute(func() (interface{}, error) { return nil, b.SessionHook.KillResource(j) })
	return wrapBreakerErr("session_hook", err)
}
