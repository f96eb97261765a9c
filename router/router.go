/*
 * Copyright (c) 2018 Miguel Ángel Ortuño.
 * See the LICENSE file for more information.
 */

// Package router is the process-local session registry and stanza
// router (spec component M): it tracks every bound C2S stream, routes
// IQ/message/presence stanzas between locally-bound resources, and
// exposes the IPC bus streams subscribe to for roster/presence fan-out.
package router

import (
	"errors"
	"sync"

	"github.com/xmppcore/xmppd/jid"
	"github.com/xmppcore/xmppd/xmpp"
)

// Sentinel routing errors, matching the distinct failure modes a stream
// state machine must map to specific stanza-error replies.
var (
	ErrResourceNotFound    = errors.New("router: resource not found")
	ErrNotAuthenticated    = errors.New("router: not authenticated")
	ErrNotExistingAccount  = errors.New("router: account does not exist")
	ErrBlockedJID          = errors.New("router: blocked jid")
	ErrFailedRemoteConnect = errors.New("router: failed remote connect")
)

// BlockRule reports whether contact is blocked for the given local
// username, without the router needing to import the roster hook
// directly. Wired in by whichever package owns roster persistence.
type BlockRule interface {
	IsBlockedJID(username string, contact *jid.JID) bool
}

// AccountChecker reports whether a username names a provisioned local
// account, used to distinguish ErrNotExistingAccount from a merely
// offline/unbound user.
type AccountChecker interface {
	AccountExists(username string) (bool, error)
}

// Router is the shared, concurrency-safe session registry and stanza
// router. One instance serves the whole process, matching the teacher's
// package-level router.Instance() singleton, made an explicit value here
// so tests can construct independent instances.
type Router struct {
	domain string

	mu      sync.RWMutex
	streams map[string]map[string]C2S // bare username -> resource -> stream

	bus *Bus

	blockRule BlockRule
	accounts  AccountChecker
}

// New constructs a Router for the given server domain.
func New(domain string) *Router {
	return &Router{
		domain:  domain,
		streams: make(map[string]map[string]C2S),
		bus:     NewBus(),
	}
}

// Domain returns the single administrative domain this router serves.
func (r *Router) Domain() string { return r.domain }

// Bus returns the process-local IPC bus backing group_add/group_send/
// send/receive (spec §4.M).
func (r *Router) Bus() *Bus { return r.bus }

// SetBlockRule wires the collaborator consulted by IsBlockedJID.
func (r *Router) SetBlockRule(b BlockRule) { r.blockRule = b }

// SetAccountChecker wires the collaborator consulted by Route to
// distinguish an unknown account from an offline one.
func (r *Router) SetAccountChecker(a AccountChecker) { r.accounts = a }

// Bind registers a newly-bound stream under its full JID's
// (username, resource) pair. It does not touch the IPC bus; joining the
// own-user IPC group is left to the caller.
// Callers must have already confirmed uniqueness via the session hook
// (spec §4.E) — Bind here only maintains the in-process lookup table.
func (r *Router) Bind(stm C2S) {
	j := stm.JID()
	if j == nil || j.IsBare() {
		return
	}
	r.mu.Lock()
	resources := r.streams[j.Node()]
	if resources == nil {
		resources = make(map[string]C2S)
		r.streams[j.Node()] = resources
	}
	resources[j.Resource()] = stm
	r.mu.Unlock()
}

// Unbind removes a stream from the registry, dropping its user entry
// entirely once the last resource disconnects.
func (r *Router) Unbind(stm C2S) {
	j := stm.JID()
	if j == nil || j.IsBare() {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	resources := r.streams[j.Node()]
	if resources == nil {
		return
	}
	delete(resources, j.Resource())
	if len(resources) == 0 {
		delete(r.streams, j.Node())
	}
}

// UserStreams returns every currently-bound stream for username, in no
// particular order.
func (r *Router) UserStreams(username string) []C2S {
	r.mu.RLock()
	defer r.mu.RUnlock()
	resources := r.streams[username]
	if len(resources) == 0 {
		return nil
	}
	stms := make([]C2S, 0, len(resources))
	for _, stm := range resources {
		stms = append(stms, stm)
	}
	return stms
}

// Stream returns the stream bound to j's exact (username, resource)
// pair, or nil if none is bound locally.
func (r *Router) Stream(j *jid.JID) C2S {
	r.mu.RLock()
	defer r.mu.RUnlock()
	resources := r.streams[j.Node()]
	if resources == nil {
		return nil
	}
	return resources[j.Resource()]
}

// IsLocalUser reports whether username currently has at least one bound
// stream in this process.
func (r *Router) IsLocalUser(username string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.streams[username]) > 0
}

// IsBlockedJID reports whether contact is blocked for username, per the
// wired BlockRule. With no rule configured, nothing is blocked.
func (r *Router) IsBlockedJID(username string, contact *jid.JID) bool {
	if r.blockRule == nil {
		return false
	}
	return r.blockRule.IsBlockedJID(username, contact)
}

// Route delivers stanza to its "to" JID among locally-bound resources.
// A bare-JID destination fans out to every bound resource of that user
// (spec §4.H "resource selection is delegated... every bound resource
// receives the event"); a full-JID destination delivers to that single
// resource only.
func (r *Router) Route(stanza xmpp.XElement) error {
	to := stanza.ToJID()
	if to == nil {
		return ErrResourceNotFound
	}
	if !to.IsLocal(r.domain) {
		return ErrFailedRemoteConnect
	}
	if r.IsBlockedJID(to.Node(), stanza.FromJID()) {
		return ErrBlockedJID
	}

	r.mu.RLock()
	resources := r.streams[to.Node()]
	var targets []C2S
	if to.IsFull() {
		if stm, ok := resources[to.Resource()]; ok {
			targets = []C2S{stm}
		}
	} else {
		for _, stm := range resources {
			targets = append(targets, stm)
		}
	}
	r.mu.RUnlock()

	if len(targets) == 0 {
		if r.accounts != nil {
			if exists, err := r.accounts.AccountExists(to.Node()); err == nil && !exists {
				return ErrNotExistingAccount
			}
		}
		return ErrResourceNotFound
	}
	for _, stm := range targets {
		stm.SendElement(stanza)
	}
	return nil
}
