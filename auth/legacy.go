/*
 * Copyright (c) 2018 Miguel Ángel Ortuño.
 * See the LICENSE file for more information.
 */

package auth

import (
	"github.com/xmppcore/xmppd/hook"
	"github.com/xmppcore/xmppd/router"
	"github.com/xmppcore/xmppd/xmpp"
)

const legacyAuthNamespace = "jabber:iq:auth"

// Legacy implements XEP-0078 (Non-SASL Authentication). It does not
// itself check whether the stream is secured. It is driven via <iq> rather than <auth>/<response>, so it is not a
// SASL Authenticator; the stream state machine invokes it directly
// from its IQ dispatch when a bare <iq><query xmlns='jabber:iq:auth'/>
// arrives pre-bind.
type Legacy struct {
	stm      router.C2S
	authHook hook.AuthHook
}

// NewLegacy constructs the XEP-0078 handler for stm.
func NewLegacy(stm router.C2S, authHook hook.AuthHook) *Legacy {
	return &Legacy{stm: stm, authHook: authHook}
}

// Namespace is the feature namespace advertised pre-auth when legacy
// auth is enabled.
func (l *Legacy) Namespace() string { return legacyAuthNamespace }

// FeatureQuery answers the discovery <iq type='get'><query/></iq> probe
// clients send to learn which fields the legacy flow requires.
func (l *Legacy) FeatureQuery() xmpp.XElement {
	query := xmpp.NewElementNamespace("query", legacyAuthNamespace)
	query.AppendElement(xmpp.NewElementName("username"))
	query.AppendElement(xmpp.NewElementName("password"))
	query.AppendElement(xmpp.NewElementName("resource"))
	return query
}

// Authenticate validates the <username>/<password> pair carried in an <iq type='set'><query/></iq> legacy-auth request and
// returns the authenticated username and requested resource. A
// <digest> element is not accepted; a request without <password> is
// malformed.
func (l *Legacy) Authenticate(query xmpp.XElement) (username, resource string, err error) {
	userElem := query.Elements().Child("username")
	passElem := query.Elements().Child("password")
	resElem := query.Elements().Child("resource")
	if userElem == nil || passElem == nil {
		return "", "", ErrSASLMalformedRequest
	}
	username = userElem.Text()
	if resElem != nil {
		resource = resElem.Text()
	}
	ok, cerr := l.authHook.CheckPassword(l.stm, username, passElem.Text())
	if cerr != nil {
		return "", "", ErrSASLTemporaryAuthFailure
	}
	if !ok {
		return "", "", ErrSASLNotAuthorized
	}
	return username, resource, nil
}
