/*
 * Copyright (c) 2018 Miguel Ángel Ortuño.
 * See the LICENSE file for more information.
 */

package auth

import (
	"encoding/base64"

	"github.com/google/uuid"
	"github.com/xmppcore/xmppd/xmpp"
)

// Anonymous implements SASL ANONYMOUS (RFC 4505): any trace text is
// accepted and a fresh, unguessable username is minted for the
// duration of the stream.
type Anonymous struct {
	authenticated bool
	username      string
}

// NewAnonymous constructs the ANONYMOUS mechanism.
func NewAnonymous() *Anonymous { return &Anonymous{} }

func (a *Anonymous) Mechanism() string { return "ANONYMOUS" }

func (a *Anonymous) Username() string { return a.username }

func (a *Anonymous) Authenticated() bool { return a.authenticated }

func (a *Anonymous) Reset() {
	a.authenticated = false
	a.username = ""
}

func (a *Anonymous) ProcessElement(elem xmpp.XElement) error {
	if elem.Name() == "abort" {
		return ErrSASLAborted
	}
	if elem.Name() != "auth" {
		return ErrSASLMalformedRequest
	}
	if elem.Text() != "" {
		if _, err := base64.StdEncoding.DecodeString(elem.Text()); err != nil {
			return ErrSASLIncorrectEncoding
		}
	}
	a.username = uuid.New().String()
	a.authenticated = true
	return nil
}
