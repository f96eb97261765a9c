/*
 * Copyright (c) 2018 Miguel Ángel Ortuño.
 * See the LICENSE file for more information.
 */

// Package xep0030 implements service discovery (spec §4.I): disco#info
// on the server and user bare JIDs, and disco#items listing a user's
// bound resources.
package xep0030

import (
	"github.com/xmppcore/xmppd/hook"
	"github.com/xmppcore/xmppd/jid"
	"github.com/xmppcore/xmppd/router"
	"github.com/xmppcore/xmppd/xmpp"
)

const (
	discoInfoNamespace  = "http://jabber.org/protocol/disco#info"
	discoItemsNamespace = "http://jabber.org/protocol/disco#items"
	registerNamespace   = "jabber:iq:register"
)

// DiscoInfo is the per-stream service discovery handler.
type DiscoInfo struct {
	stm         router.C2S
	rosterHook  hook.RosterHook
	sessionHook hook.SessionHook

	serverFeatures []string
}

// New constructs the disco handler for stm. extraFeatures lists any
// additional feature namespaces the server advertises on top of the
// fixed disco#info/disco#items/register set (spec §4.I "any
// add_feature calls").
func New(stm router.C2S, rosterHook hook.RosterHook, sessionHook hook.SessionHook, extraFeatures ...string) *DiscoInfo {
	features := []string{discoInfoNamespace, discoItemsNamespace, registerNamespace}
	features = append(features, extraFeatures...)
	return &DiscoInfo{stm: stm, rosterHook: rosterHook, sessionHook: sessionHook, serverFeatures: features}
}

// MatchesIQ reports whether iq carries a disco#info or disco#items query.
func (di *DiscoInfo) MatchesIQ(iq *xmpp.IQ) bool {
	if !iq.IsGet() {
		return false
	}
	q := iq.Elements().Child("query")
	if q == nil {
		return false
	}
	return q.Namespace() == discoInfoNamespace || q.Namespace() == discoItemsNamespace
}

// ProcessIQ dispatches a disco request by target and namespace.
func (di *DiscoInfo) ProcessIQ(iq *xmpp.IQ) {
	q := iq.Elements().Child("query")
	to := iq.ToJID()
	if to == nil {
		di.stm.SendElement(iq.BadRequestError())
		return
	}

	switch {
	case to.IsServer():
		switch q.Namespace() {
		case discoInfoNamespace:
			di.sendServerInfo(iq)
		default:
			di.stm.SendElement(iq.ServiceUnavailableError())
		}
	default:
		di.processUserQuery(iq, q, to)
	}
}

func (di *DiscoInfo) sendServerInfo(iq *xmpp.IQ) {
	result := iq.ResultIQ()
	query := xmpp.NewElementNamespace("query", discoInfoNamespace)

	identity := xmpp.NewElementName("identity")
	identity.SetAttribute("category", "server")
	identity.SetAttribute("type", "im")
	query.AppendElement(identity)

	for _, feature := range di.serverFeatures {
		el := xmpp.NewElementName("feature")
		el.SetAttribute("var", feature)
		query.AppendElement(el)
	}
	result.AppendElement(query)
	di.stm.SendElement(result)
}

func (di *DiscoInfo) processUserQuery(iq *xmpp.IQ, q xmpp.XElement, to *jid.JID) {
	if !di.authorizedForUser(to) {
		di.stm.SendElement(iq.ForbiddenError())
		return
	}
	switch q.Namespace() {
	case discoInfoNamespace:
		di.sendUserInfo(iq, to)
	case discoItemsNamespace:
		di.sendUserItems(iq, to)
	default:
		di.stm.SendElement(iq.ServiceUnavailableError())
	}
}

// authorizedForUser enforces spec §4.I: the caller must be the queried
// user, or hold a to/both subscription to them.
func (di *DiscoInfo) authorizedForUser(to *jid.JID) bool {
	bare := to.ToBareJID()
	if bare.Matches(di.stm.JID().ToBareJID(), jid.MatchesBare) {
		return true
	}
	item, err := di.rosterHook.GetContact(di.stm.Username(), bare)
	if err != nil || item == nil {
		return false
	}
	switch item.Subscription() {
	case hook.SubTo, hook.SubBoth:
		return true
	default:
		return false
	}
}

func (di *DiscoInfo) sendUserInfo(iq *xmpp.IQ, to *jid.JID) {
	result := iq.ResultIQ()
	query := xmpp.NewElementNamespace("query", discoInfoNamespace)

	identity := xmpp.NewElementName("identity")
	identity.SetAttribute("category", "account")
	identity.SetAttribute("type", "registered")
	query.AppendElement(identity)

	feature := xmpp.NewElementName("feature")
	feature.SetAttribute("var", discoInfoNamespace)
	query.AppendElement(feature)

	result.AppendElement(query)
	di.stm.SendElement(result)
}

func (di *DiscoInfo) sendUserItems(iq *xmpp.IQ, to *jid.JID) {
	result := iq.ResultIQ()
	query := xmpp.NewElementNamespace("query", discoItemsNamespace)

	if di.sessionHook != nil {
		resources, err := di.sessionHook.GetAllResources(to.Node())
		if err == nil {
			for _, res := range resources {
				full, err := jid.New(res.User, di.stm.Domain(), res.Resource, true)
				if err != nil {
					continue
				}
				item := xmpp.NewElementName("item")
				item.SetAttribute("jid", full.String())
				query.AppendElement(item)
			}
		}
	}
	result.AppendElement(query)
	di.stm.SendElement(result)
}
