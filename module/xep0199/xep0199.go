/*
 * Copyright (c) 2018 Miguel Ángel Ortuño.
 * See the LICENSE file for more information.
 */

// Package xep0199 implements XEP-0199 XMPP Ping: a bare <iq/> round
// trip applications use to detect a dead stream without waiting on a
// transport-level timeout.
package xep0199

import (
	"github.com/xmppcore/xmppd/router"
	"github.com/xmppcore/xmppd/xmpp"
)

const pingNamespace = "urn:xmpp:ping"

// Namespace exposes the ping namespace for feature advertisement.
const Namespace = pingNamespace

// Ping is the per-stream ping IQ handler.
type Ping struct {
	stm router.C2S
}

// New constructs the ping handler for stm.
func New(stm router.C2S) *Ping {
	return &Ping{stm: stm}
}

// MatchesIQ reports whether iq carries a ping query.
func (p *Ping) MatchesIQ(iq *xmpp.IQ) bool {
	return iq.IsGet() && iq.Elements().ChildNamespace("ping", pingNamespace) != nil
}

// ProcessIQ replies with an empty result, per XEP-0199 §4.
func (p *Ping) ProcessIQ(iq *xmpp.IQ) {
	p.stm.SendElement(iq.ResultIQ())
}
