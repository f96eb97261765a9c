/*
 * Copyright (c) 2018 Miguel Ángel Ortuño.
 * See the LICENSE file for more information.
 */

package auth

import (
	"encoding/base64"

	"github.com/xmppcore/xmppd/hook"
	"github.com/xmppcore/xmppd/router"
	"github.com/xmppcore/xmppd/xmpp"
)

// External implements SASL EXTERNAL, trusting whatever identity the
// transport layer already established (a TLS client certificate bound
// to the stream). The identity presented in the initial response, if
// any, is validated against the auth hook rather than blindly trusted.
type External struct {
	stm      router.C2S
	authHook hook.AuthHook

	authenticated bool
	username      string
}

// NewExternal constructs the EXTERNAL mechanism for stm.
func NewExternal(stm router.C2S, authHook hook.AuthHook) *External {
	return &External{stm: stm, authHook: authHook}
}

func (e *External) Mechanism() string { return "EXTERNAL" }

func (e *External) Username() string { return e.username }

func (e *External) Authenticated() bool { return e.authenticated }

func (e *External) Reset() {
	e.authenticated = false
	e.username = ""
}

func (e *External) ProcessElement(elem xmpp.XElement) error {
	if elem.Name() == "abort" {
		return ErrSASLAborted
	}
	if elem.Name() != "auth" {
		return ErrSASLMalformedRequest
	}
	if !e.stm.IsSecured() {
		return ErrSASLNotAuthorized
	}
	identity := elem.Text()
	if identity == "=" {
		// client requests the identity embedded in its certificate; this
		// server has no client-certificate auth (spec Non-goals), so
		// EXTERNAL without an explicit identity always fails.
		return ErrSASLNotAuthorized
	}
	raw, err := base64.StdEncoding.DecodeString(identity)
	if err != nil {
		return ErrSASLIncorrectEncoding
	}
	username := string(raw)
	if username == "" {
		return ErrSASLNotAuthorized
	}
	valid, err := e.authHook.ValidContact(username)
	if err != nil {
		return ErrSASLTemporaryAuthFailure
	}
	if !valid {
		return ErrSASLNotAuthorized
	}
	e.username = username
	e.authenticated = true
	return nil
}
