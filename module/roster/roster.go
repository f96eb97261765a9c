/*
 * Copyright (c) 2018 Miguel Ángel Ortuño.
 * See the LICENSE file for more information.
 */

// Package roster implements the roster engine (spec §4.F): <iq/>-driven
// get/set against the RosterHook, the ten subscription transitions'
// roster-push fan-out, and the originating stream's own-push delay
// buffer used to avoid echo races with its own in-flight set.
package roster

import (
	"github.com/pborman/uuid"

	"github.com/xmppcore/xmppd/hook"
	"github.com/xmppcore/xmppd/jid"
	"github.com/xmppcore/xmppd/router"
	"github.com/xmppcore/xmppd/xmpp"
)

const rosterNamespace = "jabber:iq:roster"

// Namespace exposes the roster query namespace for stream feature/IQ
// matching outside this package.
const Namespace = rosterNamespace

// PresenceNotifier is the presence engine's removing_contact half of a
// roster removal (spec §4.F "the engine first invokes
// presence.removing_contact(jid, values)"), expressed as an interface so
// this package never imports module/presence directly.
type PresenceNotifier interface {
	RemovingContact(contact *jid.JID, item *hook.RosterItem)
}

// Roster is the per-stream roster engine instance, constructed once a
// stream reaches Bound.
type Roster struct {
	stm        router.C2S
	bus        *router.Bus
	rosterHook hook.RosterHook
	presence   PresenceNotifier

	interested bool
	delaying   bool
	delayed    []router.Message
}

// New constructs the roster engine for stm.
func New(stm router.C2S, bus *router.Bus, rosterHook hook.RosterHook, presence PresenceNotifier) *Roster {
	return &Roster{stm: stm, bus: bus, rosterHook: rosterHook, presence: presence}
}

// MatchesIQ reports whether iq carries a jabber:iq:roster query.
func (r *Roster) MatchesIQ(iq *xmpp.IQ) bool {
	return iq.Elements().ChildNamespace("query", rosterNamespace) != nil
}

// ProcessIQ dispatches a roster get/set request.
func (r *Roster) ProcessIQ(iq *xmpp.IQ) {
	query := iq.Elements().ChildNamespace("query", rosterNamespace)
	switch {
	case iq.IsGet():
		r.get(iq)
	case iq.IsSet():
		r.set(iq, query)
	default:
		r.stm.SendElement(iq.BadRequestError())
	}
}

// IPCHandlers returns the dotted-type dispatch table this module
// registers on the owning stream (spec §4.M).
func (r *Roster) IPCHandlers() map[string]router.Handler {
	return map[string]router.Handler{"roster.push": r.ipcPush}
}

func (r *Roster) get(iq *xmpp.IQ) {
	r.interested = true

	items, err := r.rosterHook.GetContacts(r.stm.Username())
	if err != nil {
		r.stm.SendElement(iq.InternalServerError())
		return
	}
	result := iq.ResultIQ()
	query := xmpp.NewElementNamespace("query", rosterNamespace)
	for _, item := range items {
		if !item.InRoster {
			continue
		}
		query.AppendElement(itemElement(item))
	}
	result.AppendElement(query)
	r.stm.SendElement(result)
}

func (r *Roster) set(iq *xmpp.IQ, query xmpp.XElement) {
	if query.Elements().Count() != 1 {
		r.stm.SendElement(iq.BadRequestError())
		return
	}
	itemEl := query.Elements().All()[0]
	if itemEl.Name() != "item" {
		r.stm.SendElement(iq.BadRequestError())
		return
	}
	contact, err := jid.NewWithString(itemEl.Attributes().Get("jid"), false)
	if err != nil {
		r.stm.SendElement(iq.BadRequestError())
		return
	}
	if contact.ToBareJID().Matches(r.stm.JID().ToBareJID(), jid.MatchesBare) {
		r.stm.SendElement(iq.NotAllowedError())
		return
	}

	// delay our own incoming pushes until the reply to this set has been
	// queued, to avoid an echo race with the mutation we're about to make
	// (spec §4.F "Roster pushes").
	r.delaying = true

	owner := r.stm.Username()
	if itemEl.Attributes().Get("subscription") == "remove" {
		r.removeContact(iq, owner, contact)
	} else {
		r.updateContact(iq, owner, contact, itemEl)
	}

	r.delaying = false
	buffered := r.delayed
	r.delayed = nil
	for _, msg := range buffered {
		r.deliverPush(msg)
	}
}

func (r *Roster) removeContact(iq *xmpp.IQ, owner string, contact *jid.JID) {
	existing, err := r.rosterHook.GetContact(owner, contact)
	if err != nil {
		r.stm.SendElement(iq.InternalServerError())
		return
	}
	if r.presence != nil {
		r.presence.RemovingContact(contact, existing)
	}
	if err := r.rosterHook.RemoveContact(owner, contact); err != nil {
		r.stm.SendElement(iq.InternalServerError())
		return
	}
	r.stm.SendElement(iq.ResultIQ())
	Push(r.bus, owner, contact)
}

func (r *Roster) updateContact(iq *xmpp.IQ, owner string, contact *jid.JID, itemEl xmpp.XElement) {
	name := itemEl.Attributes().Get("name")
	var groups []string
	for _, g := range itemEl.Elements().Children("group") {
		groups = append(groups, g.Text())
	}
	if err := r.rosterHook.UpdateContact(owner, contact, name, groups); err != nil {
		r.stm.SendElement(iq.InternalServerError())
		return
	}
	r.stm.SendElement(iq.ResultIQ())
	Push(r.bus, owner, contact)
}

func (r *Roster) ipcPush(msg router.Message) {
	if r.delaying {
		r.delayed = append(r.delayed, msg)
		return
	}
	r.deliverPush(msg)
}

// deliverPush re-fetches the contact before relaying (messages are not
// ordered with respect to database writes, spec §4.F) and only reaches
// streams that have executed a roster get at least once.
func (r *Roster) deliverPush(msg router.Message) {
	if !r.interested || msg.From == nil {
		return
	}
	item, err := r.rosterHook.GetContact(r.stm.Username(), msg.From)
	if err != nil || item == nil {
		return
	}
	push := xmpp.NewIQType(uuid.New(), xmpp.SetType)
	push.SetTo(r.stm.JID().String())
	query := xmpp.NewElementNamespace("query", rosterNamespace)
	query.AppendElement(itemElement(item))
	push.AppendElement(query)
	r.stm.SendElement(push)
}

func itemElement(item *hook.RosterItem) xmpp.XElement {
	el := xmpp.NewElementName("item")
	el.SetAttribute("jid", item.Contact.ToBareJID().String())
	if len(item.Name) > 0 {
		el.SetAttribute("name", item.Name)
	}
	switch item.Subscription() {
	case hook.SubTo:
		el.SetAttribute("subscription", "to")
	case hook.SubFrom:
		el.SetAttribute("subscription", "from")
	case hook.SubBoth:
		el.SetAttribute("subscription", "both")
	}
	if item.PendingOut {
		el.SetAttribute("ask", "subscribe")
	}
	for _, g := range item.Groups {
		group := xmpp.NewElementName("group")
		group.SetText(g)
		el.AppendElement(group)
	}
	return el
}

// PushMessage builds the IPC message a subscription-state mutation sends
// to the owner's group; From carries the mutated contact's bare JID so
// receivers know which row to re-fetch.
func PushMessage(owner string, contact *jid.JID) router.Message {
	return router.Message{Type: "roster.push", Origin: owner, From: contact}
}

// Push delivers PushMessage to every stream in owner's IPC group.
func Push(bus *router.Bus, owner string, contact *jid.JID) {
	bus.GroupSend(router.UserGroup(owner), PushMessage(owner, contact))
}
