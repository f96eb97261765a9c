/*
 * Copyright (c) 2018 Miguel Ángel Ortuño.
 * See the LICENSE file for more information.
 */

// Package messaging implements the messaging engine (spec §4.H):
// outbound <message> routing to a bound user's every resource via the
// IPC bus, and XEP-0280 message carbons for the sending user's other
// resources.
package messaging

import (
	"github.com/xmppcore/xmppd/jid"
	"github.com/xmppcore/xmppd/router"
	"github.com/xmppcore/xmppd/xmpp"
)

// carbonsEnableNamespace is the XEP-0280 <enable/>/<disable/> query
// namespace, the same urn:xmpp:carbons:2 namespace package xmpp uses for
// the <sent>/<received> wrappers.
const carbonsEnableNamespace = xmpp.CarbonsNamespace

// Messaging is the per-stream messaging engine instance.
type Messaging struct {
	stm     router.C2S
	bus     *router.Bus
	domain  string
	carbons bool
}

// New constructs the messaging engine for stm.
func New(stm router.C2S, bus *router.Bus) *Messaging {
	return &Messaging{stm: stm, bus: bus, domain: stm.Domain()}
}

// IPCHandlers returns the dotted-type dispatch table this module
// registers on the owning stream (spec §4.M).
func (m *Messaging) IPCHandlers() map[string]router.Handler {
	return map[string]router.Handler{
		"messaging.message": m.ipcMessage,
		"messaging.private": m.ipcPrivate,
		"messaging.carbon":  m.ipcCarbon,
	}
}

// MatchesIQ reports whether iq is a carbons enable/disable request.
func (m *Messaging) MatchesIQ(iq *xmpp.IQ) bool {
	return iq.Elements().ChildNamespace("enable", carbonsEnableNamespace) != nil ||
		iq.Elements().ChildNamespace("disable", carbonsEnableNamespace) != nil
}

// ProcessIQ toggles carbons for this stream.
func (m *Messaging) ProcessIQ(iq *xmpp.IQ) {
	if !iq.IsSet() {
		m.stm.SendElement(iq.BadRequestError())
		return
	}
	switch {
	case iq.Elements().ChildNamespace("enable", carbonsEnableNamespace) != nil:
		m.carbons = true
	case iq.Elements().ChildNamespace("disable", carbonsEnableNamespace) != nil:
		m.carbons = false
	default:
		m.stm.SendElement(iq.BadRequestError())
		return
	}
	m.stm.SendElement(iq.ResultIQ())
}

// ProcessMessage dispatches an outbound <message> stanza (spec §4.H).
func (m *Messaging) ProcessMessage(msg *xmpp.Message) {
	to := msg.ToJID()
	if to == nil {
		return
	}
	if len(to.Node()) == 0 {
		// bare-domain destination: treat the domain part as a local user,
		// per spec §4.H "if to.user='', coerce (user=to.domain,
		// domain=server_host)".
		coerced, err := jid.New(to.Domain(), m.domain, to.Resource(), true)
		if err != nil {
			m.stm.SendElement(msg.RemoteServerNotFoundError())
			return
		}
		to = coerced
		msg.SetToJID(to)
	}
	if !to.IsLocal(m.domain) {
		m.stm.SendElement(msg.RemoteServerNotFoundError())
		return
	}

	msg.SetFromJID(m.stm.JID())

	if msg.IsPrivate() {
		m.bus.GroupSend(router.UserGroup(to.Node()), router.Message{
			Type: "messaging.private", From: m.stm.JID(), XML: msg,
		})
		return
	}

	m.bus.GroupSend(router.UserGroup(to.Node()), router.Message{
		Type: "messaging.message", From: m.stm.JID(), XML: msg,
	})
	m.bus.GroupSend(router.UserGroup(m.stm.Username()), router.Message{
		Type: "messaging.carbon", From: m.stm.JID(), XML: msg,
	})
}

func (m *Messaging) deliver(msg *xmpp.Message, allowCarbon bool) {
	to := msg.ToJID()
	resource := ""
	if to != nil {
		resource = to.Resource()
	}
	if len(resource) == 0 || resource == m.stm.Resource() {
		m.stm.SendElement(msg)
		return
	}
	if allowCarbon && m.carbons {
		carbon := xmpp.WrapInReceivedCarbon(msg)
		if el, ok := carbon.(*xmpp.Message); ok {
			el.SetTo(m.stm.JID().String())
		}
		m.stm.SendElement(carbon)
	}
}

func (m *Messaging) ipcMessage(ipcMsg router.Message) {
	msg, ok := ipcMsg.XML.(*xmpp.Message)
	if !ok {
		return
	}
	m.deliver(msg, true)
}

func (m *Messaging) ipcPrivate(ipcMsg router.Message) {
	msg, ok := ipcMsg.XML.(*xmpp.Message)
	if !ok {
		return
	}
	m.deliver(msg, false)
}

// ipcCarbon wraps msg as a <sent/> carbon for every sibling resource
// that isn't the sender itself (spec §8 "Carbon non-echo").
func (m *Messaging) ipcCarbon(ipcMsg router.Message) {
	msg, ok := ipcMsg.XML.(*xmpp.Message)
	if !ok || !m.carbons {
		return
	}
	if ipcMsg.From != nil && ipcMsg.From.Matches(m.stm.JID(), jid.MatchesBare|jid.MatchesResource) {
		return
	}
	carbon := xmpp.WrapInSentCarbon(msg)
	if el, ok := carbon.(*xmpp.Message); ok {
		el.SetTo(m.stm.JID().String())
	}
	m.stm.SendElement(carbon)
}
