/*
 * Copyright (c) 2018 Miguel Ángel Ortuño.
 * See the LICENSE file for more information.
 */

// Package auth implements the SASL mechanisms and legacy XEP-0078
// authentication the stream state machine drives during the
// Authenticating state (spec §4.D).
package auth

import (
	"github.com/xmppcore/xmppd/xmpp"
)

// Authenticator is a single SASL mechanism (or the legacy XEP-0078
// flow wrapped to the same shape). ProcessElement feeds it the next
// <auth>/<response>/<abort> element; a mechanism that needs another
// round trip returns nil and waits to be fed the
// next element by the stream — there is no coroutine capture, the
// stream simply calls ProcessElement again on the next inbound frame
// addressed to this mechanism (spec DESIGN NOTES §9 "challenge/response
// as suspension").
type Authenticator interface {
	Mechanism() string
	Username() string
	Authenticated() bool
	ProcessElement(elem xmpp.XElement) error
	Reset()
}

const saslNamespace = "urn:ietf:params:xml:ns:xmpp-sasl"

// NewFailureElement builds the <failure><condition/></failure> element
// a stream sends when authentication ends unsuccessfully.
func NewFailureElement(condition string) xmpp.XElement {
	failure := xmpp.NewElementNamespace("failure", saslNamespace)
	failure.AppendElement(xmpp.NewElementName(condition))
	return failure
}
