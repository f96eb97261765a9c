/*
 * Copyright (c) 2018 Miguel Ángel Ortuño.
 * See the LICENSE file for more information.
 */

package router

import (
	"github.com/xmppcore/xmppd/jid"
	"github.com/xmppcore/xmppd/xmpp"
)

// C2S is the router-visible face of a bound client-to-server stream,
// satisfied by the stream state machine in package c2s regardless of
// which transport (TCP, BOSH, WebSocket) carries it.
type C2S interface {
	ID() string
	Context() *Context

	Username() string
	Domain() string
	Resource() string
	JID() *jid.JID

	IsAuthenticated() bool
	IsSecured() bool

	Presence() *xmpp.Presence

	SendElement(elem xmpp.XElement)
	Disconnect(err error)
}
