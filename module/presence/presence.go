/*
 * Copyright (c) 2018 Miguel Ángel Ortuño.
 * See the LICENSE file for more information.
 */

// Package presence implements the presence engine (spec §4.G): initial
// and directed presence, probes, subscription delivery and
// roster-scoped availability broadcast. Subscription stanzas drive both
// halves of the state machine: the owner-side Outbound* transition and
// the local contact's Inbound* transition, since both users live on the
// same administrative domain.
package presence

import (
	"strings"
	"sync"

	"github.com/xmppcore/xmppd/hook"
	"github.com/xmppcore/xmppd/jid"
	"github.com/xmppcore/xmppd/log"
	"github.com/xmppcore/xmppd/module/roster"
	"github.com/xmppcore/xmppd/router"
	"github.com/xmppcore/xmppd/xmpp"
	"github.com/xmppcore/xmppd/xmpp/parser"
)

// Presence is the per-stream presence engine instance.
type Presence struct {
	stm         router.C2S
	bus         *router.Bus
	authHook    hook.AuthHook
	rosterHook  hook.RosterHook
	sessionHook hook.SessionHook

	mu           sync.Mutex
	available    bool
	lastPresence *xmpp.Presence
	directed     map[string]*jid.JID // full JID string -> JID
}

// New constructs the presence engine for stm.
func New(stm router.C2S, bus *router.Bus, authHook hook.AuthHook, rosterHook hook.RosterHook, sessionHook hook.SessionHook) *Presence {
	return &Presence{
		stm:         stm,
		bus:         bus,
		authHook:    authHook,
		rosterHook:  rosterHook,
		sessionHook: sessionHook,
		directed:    make(map[string]*jid.JID),
	}
}

// IPCHandlers returns the dotted-type dispatch table registered on the
// owning stream for this module (spec §4.M).
func (p *Presence) IPCHandlers() map[string]router.Handler {
	return map[string]router.Handler{
		"presence.available":    p.ipcAvailable,
		"presence.unavailable":  p.ipcUnavailable,
		"presence.probe":        p.ipcProbe,
		"presence.subscribed":   p.ipcSubscribed,
		"presence.unsubscribed": p.ipcUnsubscribed,
		"presence.subscription": p.ipcSubscription,
	}
}

// ProcessPresence dispatches an inbound <presence> stanza by type
// (spec §4.G).
func (p *Presence) ProcessPresence(pr *xmpp.Presence) {
	to := pr.ToJID()
	directed := to != nil && !to.Matches(p.stm.JID().ToBareJID(), jid.MatchesBare)

	switch {
	case pr.IsAvailable() && !directed:
		p.handleAvailableSelf(pr)
	case pr.IsUnavailable() && !directed:
		p.handleUnavailableSelf(pr)
	case pr.IsAvailable() && directed:
		p.handleDirected(pr, true)
	case pr.IsUnavailable() && directed:
		p.handleDirected(pr, false)
	case pr.IsSubscribe():
		p.handleSubscribe(pr)
	case pr.IsSubscribed():
		p.handleSubscribed(pr)
	case pr.IsUnsubscribe():
		p.handleUnsubscribe(pr)
	case pr.IsUnsubscribed():
		p.handleUnsubscribed(pr)
	case pr.IsProbe():
		p.handleProbe(pr)
	}
}

func (p *Presence) handleAvailableSelf(pr *xmpp.Presence) {
	p.mu.Lock()
	initial := !p.available
	p.available = true
	p.lastPresence = pr
	p.mu.Unlock()

	if p.sessionHook != nil {
		if err := p.sessionHook.SetPresence(p.stm.Username(), p.stm.Resource(), pr.Priority(), pr); err != nil {
			log.Error(err)
		}
	}

	// roster is always fetched fresh on initial presence; it is not
	// cached in this design.
	items, _ := p.rosterHook.GetContacts(p.stm.Username())

	p.bus.GroupSend(router.UserGroup(p.stm.Username()), router.Message{
		Type: "presence.available", From: p.stm.JID(), XML: pr,
	})
	for _, item := range items {
		switch item.Subscription() {
		case hook.SubFrom, hook.SubBoth:
			p.bus.GroupSend(router.UserGroup(item.Contact.Node()), router.Message{
				Type: "presence.available", From: p.stm.JID(), XML: pr,
			})
		}
	}

	if initial {
		p.sendInitialProbes(items)
		p.deliverPending()
	}
}

func (p *Presence) handleUnavailableSelf(pr *xmpp.Presence) {
	p.mu.Lock()
	p.available = false
	p.lastPresence = pr
	directed := make([]*jid.JID, 0, len(p.directed))
	for _, j := range p.directed {
		directed = append(directed, j)
	}
	p.directed = make(map[string]*jid.JID)
	p.mu.Unlock()

	if p.sessionHook != nil {
		if err := p.sessionHook.SetPresence(p.stm.Username(), p.stm.Resource(), 0, pr); err != nil {
			log.Error(err)
		}
	}

	items, _ := p.rosterHook.GetContacts(p.stm.Username())
	p.bus.GroupSend(router.UserGroup(p.stm.Username()), router.Message{
		Type: "presence.unavailable", From: p.stm.JID(), XML: pr,
	})
	for _, item := range items {
		switch item.Subscription() {
		case hook.SubFrom, hook.SubBoth:
			p.bus.GroupSend(router.UserGroup(item.Contact.Node()), router.Message{
				Type: "presence.unavailable", From: p.stm.JID(), XML: pr,
			})
		}
	}

	// directed-presence cleanup (spec §8 "Directed-presence cleanup").
	for _, target := range directed {
		unavail := xmpp.NewPresence(p.stm.JID(), target, xmpp.UnavailableType)
		p.bus.Send(target.String(), router.Message{Type: "presence.unavailable", From: p.stm.JID(), XML: unavail})
	}
}

func (p *Presence) handleDirected(pr *xmpp.Presence, available bool) {
	to := pr.ToJID()
	if to == nil {
		return
	}
	p.mu.Lock()
	if available {
		p.directed[to.String()] = to
	} else {
		delete(p.directed, to.String())
	}
	p.mu.Unlock()

	typ := "presence.available"
	if !available {
		typ = "presence.unavailable"
	}
	p.bus.Send(to.String(), router.Message{Type: typ, From: p.stm.JID(), XML: pr})
}

// subStateEqual reports whether two roster-item snapshots carry the same
// subscription-relevant flags, used to decide whether a transition
// actually changed anything (spec §8 "Subscription idempotence").
func subStateEqual(a, b *hook.RosterItem) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.SubscribedFrom == b.SubscribedFrom &&
		a.SubscribedTo == b.SubscribedTo &&
		a.Preapproved == b.Preapproved &&
		a.PendingIn == b.PendingIn &&
		a.PendingOut == b.PendingOut
}

func snapshot(item *hook.RosterItem) *hook.RosterItem {
	if item == nil {
		return nil
	}
	c := *item
	return &c
}

// handleSubscribe runs the outbound subscribe path (spec §4.G): validate
// the contact, store pending-out on the owner, run the contact's inbound
// transition, forward the stanza, and push rosters where state changed.
func (p *Presence) handleSubscribe(pr *xmpp.Presence) {
	to := pr.ToJID()
	if to == nil {
		return
	}
	contact := to.ToBareJID()
	owner := p.stm.Username()
	ownerBare := p.stm.JID().ToBareJID()

	if !contact.IsLocal(p.stm.Domain()) {
		// federation is out of scope; a subscription can never complete.
		p.stm.SendElement(xmpp.NewErrorElementFromElement(pr, xmpp.NewStanzaError(xmpp.ErrRemoteServerNotFound), nil))
		return
	}
	if p.authHook != nil {
		if ok, err := p.authHook.ValidContact(contact.Node()); err != nil || !ok {
			p.stm.SendElement(xmpp.NewErrorElementFromElement(pr, xmpp.NewStanzaError(xmpp.ErrItemNotFound), nil))
			return
		}
	}

	pr.SetFromJID(ownerBare)

	prior, _ := p.rosterHook.GetContact(owner, contact)
	prior = snapshot(prior)
	item, err := p.rosterHook.OutboundSubscribe(owner, contact, pr.String())
	if err != nil {
		log.Error(err)
		return
	}
	if !subStateEqual(prior, item) {
		roster.Push(p.bus, owner, contact)
	}

	cPrior, _ := p.rosterHook.GetContact(contact.Node(), ownerBare)
	cPrior = snapshot(cPrior)
	cItem, autoAccepted, err := p.rosterHook.InboundSubscribe(contact.Node(), ownerBare, pr.String())
	if err != nil {
		log.Error(err)
		return
	}
	if !subStateEqual(cPrior, cItem) {
		roster.Push(p.bus, contact.Node(), ownerBare)
	}

	if autoAccepted {
		// pre-approval shortcut (spec §8): grant immediately, synthesize
		// the contact's outbound subscribed, never surface pending-in.
		p.completeSubscription(owner, ownerBare, contact)
		return
	}

	// forward the request to the contact's sessions; a repeat of an
	// already-pending request is stored silently without re-notifying.
	if cPrior == nil || !cPrior.PendingIn {
		p.bus.GroupSend(router.UserGroup(contact.Node()), router.Message{
			Type: "presence.subscription", Origin: p.stm.JID().String(), From: ownerBare, XML: pr,
		})
	}
}

// completeSubscription applies the owner-side grant after the contact's
// subscribed (explicit or synthesized from pre-approval): owner gains a
// to-subscription, receives the subscribed stanza, and the contact's
// resources broadcast availability to them.
func (p *Presence) completeSubscription(owner string, ownerBare, contact *jid.JID) {
	prior, _ := p.rosterHook.GetContact(owner, contact)
	prior = snapshot(prior)
	item, err := p.rosterHook.InboundSubscribed(owner, contact)
	if err != nil {
		log.Error(err)
		return
	}
	if !subStateEqual(prior, item) {
		roster.Push(p.bus, owner, contact)
	}

	subd := xmpp.NewPresence(contact, ownerBare, xmpp.SubscribedType)
	p.bus.GroupSend(router.UserGroup(owner), router.Message{
		Type: "presence.subscription", From: contact, XML: subd,
	})
	// contact's online resources announce themselves to the new
	// subscriber (spec §4.G IPC "presence.subscribed").
	p.bus.GroupSend(router.UserGroup(contact.Node()), router.Message{
		Type: "presence.subscribed", From: ownerBare,
	})
}

// handleSubscribed runs the outbound approval path: the owner grants a
// from-subscription (or pre-approves), the contact gains the matching
// to-subscription, and every online resource of the owner broadcasts
// availability to the contact.
func (p *Presence) handleSubscribed(pr *xmpp.Presence) {
	to := pr.ToJID()
	if to == nil {
		return
	}
	contact := to.ToBareJID()
	owner := p.stm.Username()
	ownerBare := p.stm.JID().ToBareJID()
	pr.SetFromJID(ownerBare)

	prior, _ := p.rosterHook.GetContact(owner, contact)
	prior = snapshot(prior)
	item, err := p.rosterHook.OutboundSubscribed(owner, contact)
	if err != nil {
		log.Error(err)
		return
	}
	changed := !subStateEqual(prior, item)
	if changed {
		roster.Push(p.bus, owner, contact)
	}

	if !contact.IsLocal(p.stm.Domain()) {
		return
	}

	if item.Preapproved {
		// no pending request existed; the grant is stored as pre-approval
		// and nothing is delivered to the contact yet.
		return
	}

	cPrior, _ := p.rosterHook.GetContact(contact.Node(), ownerBare)
	cPrior = snapshot(cPrior)
	cItem, err := p.rosterHook.InboundSubscribed(contact.Node(), ownerBare)
	if err != nil {
		log.Error(err)
		return
	}
	if !subStateEqual(cPrior, cItem) {
		roster.Push(p.bus, contact.Node(), ownerBare)
	}

	p.bus.GroupSend(router.UserGroup(contact.Node()), router.Message{
		Type: "presence.subscription", From: ownerBare, XML: pr,
	})
	// every online resource of the owner, this one included, announces
	// availability to the newly-approved contact.
	p.bus.GroupSend(router.UserGroup(owner), router.Message{
		Type: "presence.subscribed", From: contact,
	})
}

// handleUnsubscribe retracts the owner's to-subscription and clears the
// contact's matching from-subscription.
func (p *Presence) handleUnsubscribe(pr *xmpp.Presence) {
	to := pr.ToJID()
	if to == nil {
		return
	}
	contact := to.ToBareJID()
	owner := p.stm.Username()
	ownerBare := p.stm.JID().ToBareJID()
	pr.SetFromJID(ownerBare)

	prior, _ := p.rosterHook.GetContact(owner, contact)
	prior = snapshot(prior)
	item, err := p.rosterHook.OutboundUnsubscribe(owner, contact, pr.String())
	if err != nil {
		log.Error(err)
		return
	}
	if !subStateEqual(prior, item) {
		roster.Push(p.bus, owner, contact)
	}

	if !contact.IsLocal(p.stm.Domain()) {
		return
	}
	cPrior, _ := p.rosterHook.GetContact(contact.Node(), ownerBare)
	cPrior = snapshot(cPrior)
	cItem, err := p.rosterHook.InboundUnsubscribe(contact.Node(), ownerBare)
	if err != nil {
		log.Error(err)
		return
	}
	if !subStateEqual(cPrior, cItem) {
		roster.Push(p.bus, contact.Node(), ownerBare)
	}

	p.bus.GroupSend(router.UserGroup(contact.Node()), router.Message{
		Type: "presence.subscription", From: ownerBare, XML: pr,
	})
}

// handleUnsubscribed revokes the contact's from-subscription on the
// owner side, clears the contact's to-subscription, and has every online
// resource of the owner send explicit unavailable to the contact.
func (p *Presence) handleUnsubscribed(pr *xmpp.Presence) {
	to := pr.ToJID()
	if to == nil {
		return
	}
	contact := to.ToBareJID()
	owner := p.stm.Username()
	ownerBare := p.stm.JID().ToBareJID()
	pr.SetFromJID(ownerBare)

	prior, _ := p.rosterHook.GetContact(owner, contact)
	prior = snapshot(prior)
	item, err := p.rosterHook.OutboundUnsubscribed(owner, contact)
	if err != nil {
		log.Error(err)
		return
	}
	hadFrom := prior != nil && prior.SubscribedFrom
	if !subStateEqual(prior, item) {
		roster.Push(p.bus, owner, contact)
	}

	if !contact.IsLocal(p.stm.Domain()) {
		return
	}
	cPrior, _ := p.rosterHook.GetContact(contact.Node(), ownerBare)
	cPrior = snapshot(cPrior)
	cItem, err := p.rosterHook.InboundUnsubscribed(contact.Node(), ownerBare)
	if err != nil {
		log.Error(err)
		return
	}
	if !subStateEqual(cPrior, cItem) {
		roster.Push(p.bus, contact.Node(), ownerBare)
	}

	p.bus.GroupSend(router.UserGroup(contact.Node()), router.Message{
		Type: "presence.subscription", From: ownerBare, XML: pr,
	})
	if hadFrom {
		// spec §4.G: explicit unavailable from every online resource of
		// the owner to the contact it no longer subscribes to.
		p.bus.GroupSend(router.UserGroup(owner), router.Message{
			Type: "presence.unsubscribed", From: contact,
		})
	}
}

func (p *Presence) handleProbe(pr *xmpp.Presence) {
	to := pr.ToJID()
	if to == nil {
		return
	}
	p.bus.GroupSend(router.UserGroup(to.Node()), router.Message{
		Type: "presence.probe", Origin: p.stm.JID().String(), From: p.stm.JID(), XML: pr,
	})
}

// sendInitialProbes emits an outbound probe to every contact with
// subscription in {to, both}, taking the session-hook fast path when
// available (spec §4.G "only fall back to IPC probe if the hook lacks
// the required fast-path method").
func (p *Presence) sendInitialProbes(items []*hook.RosterItem) {
	var targets []string
	byUser := make(map[string]*jid.JID)
	for _, item := range items {
		switch item.Subscription() {
		case hook.SubTo, hook.SubBoth:
			targets = append(targets, item.Contact.Node())
			byUser[item.Contact.Node()] = item.Contact
		}
	}
	if len(targets) == 0 {
		return
	}
	if p.sessionHook != nil {
		if presences, ok, err := p.sessionHook.GetAllRosterPresences(targets); err == nil && ok {
			for _, pr := range presences {
				p.stm.SendElement(copyPresence(pr, pr.FromJID(), p.stm.JID()))
			}
			return
		}
	}
	for _, user := range targets {
		probe := xmpp.NewPresence(p.stm.JID(), byUser[user].ToBareJID(), xmpp.ProbeType)
		p.bus.GroupSend(router.UserGroup(user), router.Message{
			Type: "presence.probe", Origin: p.stm.JID().String(), From: p.stm.JID(), XML: probe,
		})
	}
}

// deliverPending resends every stored inbound subscription request so
// the client sees pending requests again after (re)connecting.
func (p *Presence) deliverPending() {
	pending, err := p.rosterHook.GetPending(p.stm.Username())
	if err != nil {
		return
	}
	for _, item := range pending {
		if item.StanzaIn == "" {
			continue
		}
		elem, err := parser.NewFragment(strings.NewReader(item.StanzaIn), 0).ParseElement()
		if err != nil {
			continue
		}
		pr, err := xmpp.NewPresenceFromElement(elem, item.Contact, p.stm.JID())
		if err != nil {
			continue
		}
		p.stm.SendElement(pr)
	}
}

// RemovingContact synthesizes the outbound unsubscribe/unsubscribed
// stanzas a roster removal implies, based on the contact's current
// subscription (spec §4.F "the engine first invokes
// presence.removing_contact"), and runs the contact-side transitions the
// synthesized stanzas stand for. The owner's roster row is about to be
// deleted by the caller, so the owner side is left untouched here.
func (p *Presence) RemovingContact(contact *jid.JID, item *hook.RosterItem) {
	if item == nil {
		return
	}
	bare := p.stm.JID().ToBareJID()
	contact = contact.ToBareJID()
	local := contact.IsLocal(p.stm.Domain())
	if item.SubscribedTo || item.PendingOut {
		unsub := xmpp.NewPresence(bare, contact, xmpp.UnsubscribeType)
		if local {
			if _, err := p.rosterHook.InboundUnsubscribe(contact.Node(), bare); err == nil {
				roster.Push(p.bus, contact.Node(), bare)
			}
		}
		p.bus.GroupSend(router.UserGroup(contact.Node()), router.Message{
			Type: "presence.subscription", From: bare, XML: unsub,
		})
	}
	if item.SubscribedFrom || item.PendingIn {
		unsubd := xmpp.NewPresence(bare, contact, xmpp.UnsubscribedType)
		if local {
			if _, err := p.rosterHook.InboundUnsubscribed(contact.Node(), bare); err == nil {
				roster.Push(p.bus, contact.Node(), bare)
			}
		}
		p.bus.GroupSend(router.UserGroup(contact.Node()), router.Message{
			Type: "presence.subscription", From: bare, XML: unsubd,
		})
		if item.SubscribedFrom {
			p.bus.GroupSend(router.UserGroup(p.stm.Username()), router.Message{
				Type: "presence.unsubscribed", From: contact,
			})
		}
	}
}

// Disconnect tears down directed presence on transport loss (spec §5
// Cancellation).
func (p *Presence) Disconnect() {
	p.mu.Lock()
	available := p.available
	p.mu.Unlock()

	if available {
		unavail := xmpp.NewPresence(p.stm.JID(), p.stm.JID().ToBareJID(), xmpp.UnavailableType)
		p.handleUnavailableSelf(unavail)
		return
	}

	p.mu.Lock()
	directed := make([]*jid.JID, 0, len(p.directed))
	for _, j := range p.directed {
		directed = append(directed, j)
	}
	p.directed = make(map[string]*jid.JID)
	p.mu.Unlock()
	for _, target := range directed {
		unavail := xmpp.NewPresence(p.stm.JID(), target, xmpp.UnavailableType)
		p.bus.Send(target.String(), router.Message{Type: "presence.unavailable", From: p.stm.JID(), XML: unavail})
	}
}

// copyPresence clones pr with from/to rewritten for a specific
// recipient, since the same *xmpp.Presence value may fan out to
// several streams concurrently and must not be mutated in place.
func copyPresence(pr *xmpp.Presence, from, to *jid.JID) *xmpp.Presence {
	clone, err := xmpp.NewPresenceFromElement(xmpp.NewElementFromElement(pr), from, to)
	if err != nil {
		return pr
	}
	return clone
}

// ipcAvailable/ipcUnavailable rewrite "to" to the receiving stream's own
// bare JID and relay.
func (p *Presence) ipcAvailable(msg router.Message) {
	pr, ok := msg.XML.(*xmpp.Presence)
	if !ok {
		return
	}
	p.stm.SendElement(copyPresence(pr, msg.From, p.stm.JID()))
}

func (p *Presence) ipcUnavailable(msg router.Message) {
	pr, ok := msg.XML.(*xmpp.Presence)
	if !ok {
		return
	}
	p.stm.SendElement(copyPresence(pr, msg.From, p.stm.JID()))
}

// ipcProbe replies with our last presence if we're available and this
// isn't our own echo.
func (p *Presence) ipcProbe(msg router.Message) {
	p.mu.Lock()
	available := p.available
	last := p.lastPresence
	p.mu.Unlock()
	if !available || last == nil {
		return
	}
	if msg.From != nil && msg.From.Matches(p.stm.JID(), jid.MatchesBare) {
		return
	}
	reply := copyPresence(last, p.stm.JID(), msg.From)
	p.bus.Send(msg.Origin, router.Message{Type: "presence.available", From: p.stm.JID(), XML: reply})
}

// ipcSubscribed fires on every resource of a user who just granted (or
// had pre-approval consumed by) a subscription: broadcast this
// resource's current availability to the new contact (msg.From).
func (p *Presence) ipcSubscribed(msg router.Message) {
	if msg.From == nil {
		return
	}
	p.mu.Lock()
	available := p.available
	last := p.lastPresence
	p.mu.Unlock()
	if !available || last == nil {
		return
	}
	out := copyPresence(last, p.stm.JID(), msg.From)
	p.bus.GroupSend(router.UserGroup(msg.From.Node()), router.Message{
		Type: "presence.available", From: p.stm.JID(), XML: out,
	})
}

// ipcUnsubscribed fires on every resource of a user who just revoked a
// contact's subscription: send explicit unavailable to that contact
// (msg.From).
func (p *Presence) ipcUnsubscribed(msg router.Message) {
	if msg.From == nil {
		return
	}
	p.mu.Lock()
	available := p.available
	p.mu.Unlock()
	if !available {
		return
	}
	unavail := xmpp.NewPresence(p.stm.JID(), msg.From, xmpp.UnavailableType)
	p.bus.GroupSend(router.UserGroup(msg.From.Node()), router.Message{
		Type: "presence.unavailable", From: p.stm.JID(), XML: unavail,
	})
}

// ipcSubscription relays a subscribe/subscribed/unsubscribe/unsubscribed
// presence stanza to the client.
func (p *Presence) ipcSubscription(msg router.Message) {
	if msg.XML == nil {
		return
	}
	p.stm.SendElement(msg.XML)
}
