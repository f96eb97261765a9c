/*
 * Copyright (c) 2018 Miguel Ángel Ortuño.
 * See the LICENSE file for more information.
 */

// Package streamerror represents the fatal, stream-closing errors defined
// by RFC 6120 §4.9.
package streamerror

import "github.com/xmppcore/xmppd/xmpp"

const namespace = "urn:ietf:params:xml:ns:xmpp-streams"

// Error represents a fatal stream-level error: the stream is closed after
// it is sent.
type Error struct {
	element *element
}

type element struct {
	condition string
}

func newError(condition string) *Error {
	return &Error{element: &element{condition: condition}}
}

// Condition returns the RFC 6120 condition name.
func (se *Error) Condition() string { return se.element.condition }

// Error satisfies the error interface.
func (se *Error) Error() string { return se.element.condition }

// Element builds the <stream:error> element to send before closing the stream.
func (se *Error) Element() xmpp.XElement {
	errEl := xmpp.NewElementName("stream:error")
	condEl := xmpp.NewElementNamespace(se.element.condition, namespace)
	errEl.AppendElement(condEl)
	return errEl
}

// Predefined stream errors.
var (
	ErrBadFormat              = newError("bad-format")
	ErrBadNamespacePrefix     = newError("bad-namespace-prefix")
	ErrConflict               = newError("conflict")
	ErrConnectionTimeout      = newError("connection-timeout")
	ErrHostGone               = newError("host-gone")
	ErrHostUnknown            = newError("host-unknown")
	ErrImproperAddressing     = newError("improper-addressing")
	ErrInternalServerError    = newError("internal-server-error")
	ErrInvalidFrom            = newError("invalid-from")
	ErrInvalidNamespace       = newError("invalid-namespace")
	ErrInvalidXML             = newError("invalid-xml")
	ErrNotAuthorized          = newError("not-authorized")
	ErrPolicyViolation        = newError("policy-violation")
	ErrRemoteConnectionFailed = newError("remote-connection-failed")
	ErrResourceConstraint     = newError("resource-constraint")
	ErrRestrictedXML          = newError("restricted-xml")
	ErrSeeOtherHost           = newError("see-other-host")
	ErrSystemShutdown         = newError("system-shutdown")
	ErrUndefinedCondition     = newError("undefined-condition")
	ErrUnsupportedEncoding    = newError("unsupported-encoding")
	ErrUnsupportedStanzaType  = newError("unsupported-stanza-type")
	ErrUnsupportedVersion     = newError("unsupported-version")
)
